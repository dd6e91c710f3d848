package xiaomi

import (
	"context"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"envsense/internal/core"
	"envsense/internal/source"
	"envsense/internal/token"
)

// SourceName identifies this vendor across the pipeline.
const SourceName = "xiaomi"

// Lumi resource ids carried by the sensor classes this pipeline ingests.
const (
	ResTemperature = "0.1.85"
	ResHumidity    = "0.2.85"
	ResLoadPower   = "0.12.85"
	ResMagnet      = "3.1.85"
)

// queryWindow is the widest span the history endpoint accepts per call.
const queryWindow = 7 * 24 * time.Hour

// deviceNamePattern is the vendor id shape: "lumi." followed by 14 hex
// characters, 19 characters total.
var deviceNamePattern = regexp.MustCompile(`^lumi\.[0-9a-f]{14}$`)

// Config contains XiaoMi open-platform credentials and tuning.
type Config struct {
	BaseURL           string
	OAuthBaseURL      string
	AppID             string
	AppSecret         string
	RedirectURI       string
	AuthCode          string
	TokenValidity     time.Duration
	RequestsPerSecond int
}

// Adapter implements source.Adapter for the XiaoMi platform.
type Adapter struct {
	config Config
	client *client
	tokens *token.Manager
	logger *slog.Logger

	// The device directory is re-read for range clamping on every fetch
	// request; a short-lived cache keeps that from turning into one paging
	// sweep per device.
	mu          sync.Mutex
	cached      []core.Device
	cacheExpiry time.Time
}

// New builds the adapter and performs the initial authorization-code
// exchange. A credential failure here is fatal for the adapter.
func New(ctx context.Context, config Config, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.TokenValidity <= 0 {
		config.TokenValidity = 8 * time.Hour
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 5
	}

	c := newClient(config, logger)

	tokens, err := token.NewManager(SourceName, func() (string, error) {
		return c.fetchToken(context.Background())
	}, config.TokenValidity, logger)
	if err != nil {
		return nil, err
	}
	c.token = func() string { return tokens.Current().Value }

	return &Adapter{
		config: config,
		client: c,
		tokens: tokens,
		logger: logger,
	}, nil
}

// Name returns the source name
func (a *Adapter) Name() string {
	return SourceName
}

// Close cancels the token refresh timer.
func (a *Adapter) Close() error {
	a.tokens.Close()
	return nil
}

// ValidDeviceName reports whether name matches the vendor id shape.
func ValidDeviceName(name string) bool {
	return deviceNamePattern.MatchString(name)
}

type deviceListResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Result  struct {
		TotalCount int `json:"totalCount"`
		Devices    []struct {
			DID          string `json:"did"`
			Model        string `json:"model"`
			State        *int   `json:"state"`
			RegisterTime int64  `json:"registerTime"`
		} `json:"devices"`
	} `json:"result"`
}

const deviceCacheTTL = 5 * time.Minute

// ListDevices pages through the bound-device list.
func (a *Adapter) ListDevices(ctx context.Context) ([]core.Device, error) {
	a.mu.Lock()
	if time.Now().Before(a.cacheExpiry) {
		devices := a.cached
		a.mu.Unlock()
		return devices, nil
	}
	a.mu.Unlock()

	var out []core.Device

	for pageNum := 1; ; pageNum++ {
		params := url.Values{
			"pageNum":  {strconv.Itoa(pageNum)},
			"pageSize": {strconv.Itoa(historyPageSize)},
		}

		var resp deviceListResponse
		if !a.client.call(ctx, "ListDevices", deviceListPath, params, &resp) {
			break
		}
		if resp.Code != 0 {
			a.logger.Warn("Device list returned vendor error",
				"source", SourceName, "code", resp.Code, "message", resp.Message)
			break
		}

		for _, raw := range resp.Result.Devices {
			if !ValidDeviceName(raw.DID) {
				a.logger.Warn("Skipping device with malformed id",
					"source", SourceName, "device_id", raw.DID)
				continue
			}

			online := core.OnlineUnknown
			if raw.State != nil {
				if *raw.State != 0 {
					online = core.Online
				} else {
					online = core.Offline
				}
			}

			device := core.Device{
				Name:       raw.DID,
				DeviceType: raw.Model,
				Online:     online,
				Source:     SourceName,
			}
			if raw.RegisterTime > 0 {
				device.CreateTime = time.UnixMilli(raw.RegisterTime)
			}
			out = append(out, device)
		}

		if len(resp.Result.Devices) < historyPageSize {
			break
		}
	}

	a.mu.Lock()
	a.cached = out
	a.cacheExpiry = time.Now().Add(deviceCacheTTL)
	a.mu.Unlock()

	return out, nil
}

// ListSpots returns nothing: this vendor attaches no project or location
// hint to its devices, so spot attachment happens entirely on the
// JianYanYuan side.
func (a *Adapter) ListSpots(ctx context.Context) ([]core.Spot, error) {
	return nil, nil
}

type historyResponse struct {
	Code   int `json:"code"`
	Result struct {
		TotalCount int `json:"totalCount"`
		Data       []struct {
			DID       string `json:"did"`
			Attr      string `json:"attr"`
			Value     string `json:"value"`
			TimeStamp int64  `json:"timeStamp"`
		} `json:"data"`
	} `json:"result"`
}

// FetchRecords splits the corrected range by the query window cap and
// returns one deferred history query per window.
func (a *Adapter) FetchRecords(ctx context.Context, deviceName string, r core.TimeRange) ([]source.Thunk, error) {
	if !ValidDeviceName(deviceName) {
		return nil, core.ErrInvalidDeviceName
	}

	// This vendor reports no modify time, so the default range ends an
	// hour short of now per the clamp rule.
	r = source.ClampRange(r, a.registeredTime(ctx, deviceName), time.Time{}, time.Now())

	windows := source.SplitRange(r, queryWindow)
	thunks := make([]source.Thunk, 0, len(windows))
	for _, w := range windows {
		window := w
		thunks = append(thunks, func(ctx context.Context) ([]core.SpotRecord, error) {
			return a.fetchWindow(ctx, deviceName, window), nil
		})
	}

	return thunks, nil
}

// registeredTime looks the device up in the vendor directory for its
// registration time, which anchors the default backfill range. Lookup
// failure leaves it zero; the clamp rule then bounds the range to the
// backfill horizon instead of reaching back to the zero time.
func (a *Adapter) registeredTime(ctx context.Context, deviceName string) time.Time {
	devices, err := a.ListDevices(ctx)
	if err != nil {
		return time.Time{}
	}
	for _, d := range devices {
		if d.Name == deviceName {
			return d.CreateTime
		}
	}
	return time.Time{}
}

// fetchWindow pulls every resource sample for one window, paging until the
// vendor runs out, and folds per-resource rows into one record per sample
// timestamp.
func (a *Adapter) fetchWindow(ctx context.Context, deviceName string, w core.TimeRange) []core.SpotRecord {
	byTime := make(map[int64]*core.SpotRecord)
	var order []int64

	for pageNum := 1; ; pageNum++ {
		params := url.Values{
			"did":       {deviceName},
			"attrs":     {strings.Join([]string{ResTemperature, ResHumidity, ResLoadPower, ResMagnet}, ",")},
			"startTime": {strconv.FormatInt(w.Start.UnixMilli(), 10)},
			"endTime":   {strconv.FormatInt(w.End.UnixMilli(), 10)},
			"pageNum":   {strconv.Itoa(pageNum)},
			"pageSize":  {strconv.Itoa(historyPageSize)},
		}

		var resp historyResponse
		if !a.client.call(ctx, "FetchRecords", resourceHistoryPath, params, &resp) {
			return nil
		}
		if resp.Code != 0 {
			a.logger.Warn("History endpoint returned vendor error",
				"source", SourceName, "device", deviceName, "code", resp.Code)
			return nil
		}

		for _, row := range resp.Result.Data {
			record, seen := byTime[row.TimeStamp]
			if !seen {
				record = &core.SpotRecord{
					DeviceName: deviceName,
					Time:       time.UnixMilli(row.TimeStamp),
				}
				byTime[row.TimeStamp] = record
				order = append(order, row.TimeStamp)
			}
			a.applyResource(record, row.Attr, row.Value)
		}

		if len(resp.Result.Data) < historyPageSize {
			break
		}
	}

	records := make([]core.SpotRecord, 0, len(order))
	for _, ts := range order {
		records = append(records, *byTime[ts])
	}
	return records
}

// applyResource maps one lumi resource row onto the canonical record.
// Values arrive as strings; unparsable ones are dropped.
func (a *Adapter) applyResource(record *core.SpotRecord, attr, value string) {
	switch attr {
	case ResMagnet:
		opened := value == "1"
		record.WindowOpened = &opened
		return
	}

	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		a.logger.Debug("Skipping unparsable resource value",
			"source", SourceName, "attr", attr, "value", value)
		return
	}

	switch attr {
	case ResTemperature:
		// Lumi reports temperature in centi-degrees.
		v /= 100
		record.Temperature = &v
	case ResHumidity:
		v /= 100
		record.Humidity = &v
	case ResLoadPower:
		record.ACPower = &v
	}
}
