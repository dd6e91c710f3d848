package jianyanyuan

import (
	"context"
	"encoding/json"
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
const SourceName = "jianyanyuan"

// Vendor attribute ids. AC power is reported under one of two ids
// depending on the device class; the vendor is not consistent about it,
// so the preferred id is a configuration decision.
const (
	AttrPM25        = 1
	AttrCO2         = 2
	AttrTemperature = 3
	AttrHumidity    = 4
	AttrACPower1    = 155
	AttrACPower2    = 32
)

// queryWindow is the widest time span the datapoint endpoint accepts in
// one call.
const queryWindow = 7 * 24 * time.Hour

// deviceNamePattern is the vendor's device id shape: 20 numeric digits.
var deviceNamePattern = regexp.MustCompile(`^[0-9]{20}$`)

// Config contains JianYanYuan platform credentials and tuning.
type Config struct {
	BaseURL           string
	CompanyID         string
	Username          string
	Password          string
	TokenValidity     time.Duration
	RequestsPerSecond int
	// ACPowerAttr selects which attribute id carries AC power (155 or 32).
	ACPowerAttr int
	// Projects is the known project directory spots are matched against.
	Projects []string
}

// Adapter implements source.Adapter for the JianYanYuan platform.
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

// New builds the adapter and fetches its first token. A credential failure
// here is fatal for the adapter: nothing else can succeed without a token.
func New(ctx context.Context, config Config, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.TokenValidity <= 0 {
		config.TokenValidity = 2 * time.Hour
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 5
	}
	if config.ACPowerAttr != AttrACPower2 {
		config.ACPowerAttr = AttrACPower1
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

type rawDevice struct {
	DeviceID   string `json:"deviceId"`
	DeviceType string `json:"deviceType"`
	Online     *int   `json:"online"`
	CreateTime int64  `json:"createTime"`
	ModifyTime int64  `json:"modifyTime"`
	Province   string `json:"province"`
	City       string `json:"city"`
	Address    string `json:"address"`
	Extra      string `json:"extra"`
}

type deviceListRequest struct {
	CompanyID string `json:"companyId"`
	PageNo    int    `json:"pageNo"`
	PageSize  int    `json:"pageSize"`
}

type deviceListResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Total   int         `json:"total"`
	Devices []rawDevice `json:"devices"`
}

const deviceCacheTTL = 5 * time.Minute

// ListDevices pages through the vendor device directory. Failed pages and
// mis-shaped device ids are logged and skipped; the rest of the directory
// still comes through.
func (a *Adapter) ListDevices(ctx context.Context) ([]core.Device, error) {
	a.mu.Lock()
	if time.Now().Before(a.cacheExpiry) {
		devices := a.cached
		a.mu.Unlock()
		return devices, nil
	}
	a.mu.Unlock()

	var out []core.Device

	for pageNo := 1; ; pageNo++ {
		body, err := json.Marshal(deviceListRequest{
			CompanyID: a.config.CompanyID,
			PageNo:    pageNo,
			PageSize:  devicePageSize,
		})
		if err != nil {
			a.logger.Error("Failed to marshal device list request",
				"source", SourceName, "error", err)
			break
		}

		var resp deviceListResponse
		if !a.client.call(ctx, "ListDevices", "POST", deviceListPath, "", body, &resp) {
			break
		}
		if resp.Code != 0 {
			a.logger.Warn("Device list returned vendor error",
				"source", SourceName, "code", resp.Code, "message", resp.Message)
			break
		}

		for _, raw := range resp.Devices {
			device, ok := a.makeDevice(raw)
			if !ok {
				continue
			}
			out = append(out, device)
		}

		if len(resp.Devices) < devicePageSize {
			break
		}
	}

	a.mu.Lock()
	a.cached = out
	a.cacheExpiry = time.Now().Add(deviceCacheTTL)
	a.mu.Unlock()

	return out, nil
}

// makeDevice maps one raw directory entry into the canonical model. A
// mis-shaped device id rejects the entry rather than silently accepting it.
func (a *Adapter) makeDevice(raw rawDevice) (core.Device, bool) {
	if !ValidDeviceName(raw.DeviceID) {
		a.logger.Warn("Skipping device with malformed id",
			"source", SourceName, "device_id", raw.DeviceID)
		return core.Device{}, false
	}

	online := core.OnlineUnknown
	if raw.Online != nil {
		if *raw.Online != 0 {
			online = core.Online
		} else {
			online = core.Offline
		}
	}

	device := core.Device{
		Name:       raw.DeviceID,
		DeviceType: raw.DeviceType,
		Online:     online,
		CreateTime: time.UnixMilli(raw.CreateTime),
		Source:     SourceName,
	}
	if raw.ModifyTime > 0 {
		device.ModifyTime = time.UnixMilli(raw.ModifyTime)
	}
	if raw.Province != "" || raw.City != "" || raw.Address != "" || raw.Extra != "" {
		device.Location = &core.Location{
			Province: raw.Province,
			City:     raw.City,
			Address:  raw.Address,
			Extra:    raw.Extra,
		}
	}

	return device, true
}

// ListSpots derives one spot per project: each device's location hint is
// fuzzy-matched against the configured project directory, and every
// project that attracted at least one device becomes a spot. This vendor
// has no room granularity, so spot name and type stay nil.
func (a *Adapter) ListSpots(ctx context.Context) ([]core.Spot, error) {
	devices, err := a.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	matched := make(map[string]bool)
	var out []core.Spot
	for _, device := range devices {
		project, ok := matchProject(a.config.Projects, device.Location)
		if !ok {
			a.logger.Debug("No project match for device",
				"source", SourceName, "device", device.Name)
			continue
		}
		if matched[project] {
			continue
		}
		matched[project] = true
		out = append(out, core.Spot{ProjectName: project, Source: SourceName})
	}

	return out, nil
}

type attrsResponse struct {
	Code  int `json:"code"`
	Attrs []struct {
		AttrID   int    `json:"attrId"`
		AttrName string `json:"attrName"`
	} `json:"attrs"`
}

type datapointRequest struct {
	CompanyID string `json:"companyId"`
	DID       string `json:"did"`
	AID       string `json:"aid"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

type datapointResponse struct {
	Code int         `json:"code"`
	Data []rawSample `json:"data"`
}

type rawSample struct {
	As  map[string]float64 `json:"as"`
	Key string             `json:"key"`
}

// FetchRecords corrects the requested range against what the directory
// knows about the device, splits it by the 7-day query cap and returns one
// deferred datapoint call per window.
func (a *Adapter) FetchRecords(ctx context.Context, deviceName string, r core.TimeRange) ([]source.Thunk, error) {
	if !ValidDeviceName(deviceName) {
		return nil, core.ErrInvalidDeviceName
	}

	created, modified := a.deviceTimes(ctx, deviceName)
	r = source.ClampRange(r, created, modified, time.Now())

	attrs := a.deviceAttrs(ctx, deviceName)
	if len(attrs) == 0 {
		return nil, nil
	}

	windows := source.SplitRange(r, queryWindow)
	thunks := make([]source.Thunk, 0, len(windows))
	for _, w := range windows {
		window := w
		thunks = append(thunks, func(ctx context.Context) ([]core.SpotRecord, error) {
			return a.fetchWindow(ctx, deviceName, attrs, window), nil
		})
	}

	return thunks, nil
}

// deviceTimes looks the device up in the vendor directory for its create
// and modify times. Lookup failure leaves both zero, which the clamp rule
// turns into a conservative range.
func (a *Adapter) deviceTimes(ctx context.Context, deviceName string) (created, modified time.Time) {
	devices, err := a.ListDevices(ctx)
	if err != nil {
		return time.Time{}, time.Time{}
	}
	for _, d := range devices {
		if d.Name == deviceName {
			return d.CreateTime, d.ModifyTime
		}
	}
	return time.Time{}, time.Time{}
}

// deviceAttrs returns the attribute ids to query for a device,
// intersected with the sensor set this pipeline understands.
func (a *Adapter) deviceAttrs(ctx context.Context, deviceName string) []int {
	query := url.Values{"deviceId": {deviceName}}.Encode()

	var resp attrsResponse
	if !a.client.call(ctx, "DeviceAttrs", "GET", attrsPath, query, nil, &resp) {
		return nil
	}
	if resp.Code != 0 {
		a.logger.Warn("Attrs endpoint returned vendor error",
			"source", SourceName, "device", deviceName, "code", resp.Code)
		return nil
	}

	known := map[int]bool{
		AttrPM25:        true,
		AttrCO2:         true,
		AttrTemperature: true,
		AttrHumidity:    true,
		a.config.ACPowerAttr: true,
	}

	var out []int
	for _, attr := range resp.Attrs {
		if known[attr.AttrID] {
			out = append(out, attr.AttrID)
		}
	}
	return out
}

// fetchWindow performs the single datapoint call for one window. Any
// failure yields an empty window; the rest of the batch keeps going.
func (a *Adapter) fetchWindow(ctx context.Context, deviceName string, attrs []int, w core.TimeRange) []core.SpotRecord {
	ids := make([]string, len(attrs))
	for i, id := range attrs {
		ids[i] = strconv.Itoa(id)
	}

	body, err := json.Marshal(datapointRequest{
		CompanyID: a.config.CompanyID,
		DID:       deviceName,
		AID:       strings.Join(ids, ","),
		StartTime: w.Start.Format(timeLayout),
		EndTime:   w.End.Format(timeLayout),
	})
	if err != nil {
		a.logger.Error("Failed to marshal datapoint request",
			"source", SourceName, "device", deviceName, "error", err)
		return nil
	}

	var resp datapointResponse
	if !a.client.call(ctx, "FetchRecords", "POST", datapointPath, "", body, &resp) {
		return nil
	}
	if resp.Code != 0 {
		a.logger.Warn("Datapoint endpoint returned vendor error",
			"source", SourceName, "device", deviceName, "code", resp.Code)
		return nil
	}

	records := make([]core.SpotRecord, 0, len(resp.Data))
	for _, sample := range resp.Data {
		record, ok := a.makeSpotRecord(deviceName, sample)
		if !ok {
			continue
		}
		records = append(records, record)
	}
	return records
}

// makeSpotRecord maps one vendor sample ({"as": {attrId: value}, "key":
// isoTimestamp}) into a canonical record. Unknown attribute ids are
// ignored; sensors the sample omits stay nil.
func (a *Adapter) makeSpotRecord(deviceName string, sample rawSample) (core.SpotRecord, bool) {
	t, err := time.Parse(timeLayout, sample.Key)
	if err != nil {
		a.logger.Warn("Skipping sample with malformed timestamp",
			"source", SourceName, "device", deviceName, "key", sample.Key)
		return core.SpotRecord{}, false
	}

	record := core.SpotRecord{
		DeviceName: deviceName,
		Time:       t,
	}
	for id, value := range sample.As {
		attrID, err := strconv.Atoi(id)
		if err != nil {
			continue
		}
		v := value
		switch attrID {
		case AttrPM25:
			record.PM25 = &v
		case AttrCO2:
			record.CO2 = &v
		case AttrTemperature:
			record.Temperature = &v
		case AttrHumidity:
			record.Humidity = &v
		case a.config.ACPowerAttr:
			record.ACPower = &v
		}
	}

	return record, true
}
