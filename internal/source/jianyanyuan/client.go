package jianyanyuan

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"envsense/internal/core"
)

const (
	tokenPath      = "/api/v1/auth/token"
	deviceListPath = "/api/v1/device/list"
	attrsPath      = "/api/v1/device/attrs"
	datapointPath  = "/api/v1/device/datapoints"

	// timeLayout is the vendor's wire format for range bounds and sample keys.
	timeLayout = "2006-01-02T15:04:05"

	devicePageSize = 50
)

// client speaks the JianYanYuan HTTP protocol: MD5-of-MD5 token requests
// and SHA-1 signed data requests. It never returns transport or protocol
// errors to adapter callers; those are logged with the operation name and
// collapsed into empty results.
type client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	// token returns the current credential; injected by the adapter so the
	// client stays usable before the token manager exists (token fetch).
	token func() string
}

func newClient(config Config, logger *slog.Logger) *client {
	return &client{
		config: config,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.RequestsPerSecond),
		logger:  logger,
		token:   func() string { return "" },
	}
}

// fetchToken requests a fresh API token. The request is authenticated by
// sign = MD5(MD5(password) + timestamp) with the timestamp in milliseconds.
// Unlike data calls, a failure here must surface: an adapter without a
// credential cannot operate.
func (c *client) fetchToken(ctx context.Context) (string, error) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	inner := md5.Sum([]byte(c.config.Password))
	outer := md5.Sum([]byte(hex.EncodeToString(inner[:]) + timestamp))

	body, err := json.Marshal(map[string]string{
		"companyId": c.config.CompanyID,
		"username":  c.config.Username,
		"timestamp": timestamp,
		"sign":      hex.EncodeToString(outer[:]),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+tokenPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send token request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResp struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Token   string `json:"token"`
	}
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if apiResp.Code != 0 {
		return "", fmt.Errorf("token endpoint returned code %d: %s", apiResp.Code, apiResp.Message)
	}
	if apiResp.Token == "" {
		return "", core.ErrNoToken
	}

	return apiResp.Token, nil
}

// sign builds the data-call signature: SHA-1 hex over
// method + path + body + timestamp + token. Bit-exact vendor contract.
func sign(method, path string, body []byte, timestamp, token string) string {
	h := sha1.New()
	h.Write([]byte(method))
	h.Write([]byte(path))
	h.Write(body)
	h.Write([]byte(timestamp))
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

// call performs one signed vendor request and decodes the response into
// out. Transport and protocol failures are logged with the operation name
// and reported as ok=false; they never escape as errors.
func (c *client) call(ctx context.Context, op, method, path string, query string, body []byte, out any) bool {
	if err := c.limiter.Wait(ctx); err != nil {
		c.logger.Warn("Vendor call aborted by rate limiter", "source", SourceName, "op", op, "error", err)
		return false
	}

	url := c.config.BaseURL + path
	if query != "" {
		url += "?" + query
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		c.logger.Error("Failed to create vendor request", "source", SourceName, "op", op, "error", err)
		return false
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	token := c.token()

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Token", token)
	req.Header.Set("Timestamp", timestamp)
	req.Header.Set("Sign", sign(method, path, body, timestamp, token))
	req.Header.Set("Request-Id", uuid.New().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Reset connections, truncated reads and friends land here; a burst
		// of devices must keep processing past any individual failure.
		c.logger.Warn("Vendor call transport failure", "source", SourceName, "op", op, "error", err)
		return false
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Warn("Vendor call read failure", "source", SourceName, "op", op, "error", err)
		return false
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Vendor call returned non-200 status",
			"source", SourceName, "op", op, "status", resp.StatusCode, "body", string(respBody))
		return false
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		c.logger.Warn("Vendor call returned malformed payload",
			"source", SourceName, "op", op, "error", err, "body", string(respBody))
		return false
	}

	return true
}
