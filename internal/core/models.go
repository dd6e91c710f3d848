package core

import (
	"errors"
	"time"
)

var (
	ErrInvalidDeviceName = errors.New("device name does not match the vendor id shape")
	ErrDeviceNotFound    = errors.New("device not found")
	ErrNoToken           = errors.New("vendor returned no token")
)

// OnlineState is the tri-state online flag reported by vendor platforms.
// Some vendors omit the flag entirely, which must stay distinguishable
// from "offline".
type OnlineState int

const (
	OnlineUnknown OnlineState = iota
	Online
	Offline
)

func (s OnlineState) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// Location is an optional location hint attached to a device by its vendor.
type Location struct {
	Province string
	City     string
	Address  string
	Extra    string
}

// Device is the canonical device record produced by a source adapter.
// Name is the vendor-native id string and is the natural key across the
// whole pipeline.
type Device struct {
	Name       string
	DeviceType string
	Online     OnlineState
	CreateTime time.Time
	ModifyTime time.Time // zero when the vendor did not report it
	Location   *Location
	Source     string
}

// Spot is a physical grouping of devices. For vendors without room
// granularity it degenerates to one spot per project; SpotName and
// SpotType stay nil in that case.
type Spot struct {
	ProjectName string
	SpotName    *string
	SpotType    *string
	Source      string
}

// SpotRecord is one telemetry sample. Vendor responses are sparse, so
// every sensor field is optional.
type SpotRecord struct {
	DeviceName   string
	Time         time.Time // bucketed to the configured grid
	Temperature  *float64
	Humidity     *float64
	PM25         *float64
	CO2          *float64
	ACPower      *float64
	WindowOpened *bool
}

// TimeRange is a half-open fetch window. The zero value asks the adapter
// to apply its default range for the device.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether no explicit range was given.
func (r TimeRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// FetchRequest asks a fetch actor to pull records for one device.
type FetchRequest struct {
	Source     string
	DeviceName string
	Range      TimeRange
}

// UpdateKind tags an UpdateRequest.
type UpdateKind int

const (
	// UpdateAll requests a full device-list resync plus record backfill.
	UpdateAll UpdateKind = iota
	// UpdateSource requests an incremental fetch for one device of one source.
	UpdateSource
)

// UpdateRequest is the coarse-grained message consumed by the update actor.
// For UpdateSource the embedded FetchRequest carries the payload.
type UpdateRequest struct {
	Kind  UpdateKind
	Fetch FetchRequest
}
