package xiaomi

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"envsense/internal/core"
)

const (
	oauthTokenPath      = "/oauth2/token"
	deviceListPath      = "/open/device/list"
	resourceHistoryPath = "/open/resource/history"

	historyPageSize = 300
)

// client speaks the XiaoMi open-platform HTTP protocol: OAuth token
// exchange plus MD5-signed, form-encoded resource queries. Data-call
// failures are logged and collapsed into empty results; only credential
// failures surface.
type client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	// The refresh token rotates on every exchange; guarded because the
	// token manager's refresh goroutine and construction both touch it.
	mu           sync.Mutex
	refreshToken string

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

type oauthResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// fetchToken obtains an access token: the configured authorization code on
// the first call, the rotating refresh token afterwards.
func (c *client) fetchToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	refreshToken := c.refreshToken
	c.mu.Unlock()

	form := url.Values{
		"client_id":     {c.config.AppID},
		"client_secret": {c.config.AppSecret},
		"redirect_uri":  {c.config.RedirectURI},
	}
	if refreshToken == "" {
		form.Set("grant_type", "authorization_code")
		form.Set("code", c.config.AuthCode)
	} else {
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", refreshToken)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.OAuthBaseURL+oauthTokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send token request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	var oauth oauthResponse
	if err := json.Unmarshal(respBody, &oauth); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if oauth.Error != "" {
		return "", fmt.Errorf("token exchange failed: %s (%s)", oauth.Error, oauth.ErrorDesc)
	}
	if oauth.AccessToken == "" {
		return "", core.ErrNoToken
	}

	c.mu.Lock()
	c.refreshToken = oauth.RefreshToken
	c.mu.Unlock()

	return oauth.AccessToken, nil
}

// sign computes the vendor signature: the parameter map is key-sorted and
// URL-encoded into key=value pairs joined by "&", the app secret is
// appended as a final "&secret" segment, and the whole string is MD5
// hashed to lowercase hex. Bit-exact vendor contract.
func sign(params url.Values, appSecret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteString("&")
		}
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(url.QueryEscape(params.Get(k)))
	}
	sb.WriteString("&")
	sb.WriteString(appSecret)

	hash := md5.Sum([]byte(sb.String()))
	return hex.EncodeToString(hash[:])
}

// call posts one signed form-encoded request and decodes the response.
// Transport and protocol failures are logged with the operation name and
// reported as ok=false.
func (c *client) call(ctx context.Context, op, path string, params url.Values, out any) bool {
	if err := c.limiter.Wait(ctx); err != nil {
		c.logger.Warn("Vendor call aborted by rate limiter", "source", SourceName, "op", op, "error", err)
		return false
	}

	params.Set("access_token", c.token())
	params.Set("appId", c.config.AppID)
	params.Set("time", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("nonce", uuid.New().String())
	params.Set("sign", sign(params, c.config.AppSecret))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		c.logger.Error("Failed to create vendor request", "source", SourceName, "op", op, "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
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
