package source

import (
	"context"

	"envsense/internal/core"
)

// Thunk is one deferred vendor HTTP call. Invoking it performs exactly one
// request covering at most one query window and yields the records for
// that window. Deferral lets the fetch actor decide when and how many
// vendor calls run concurrently.
type Thunk func(ctx context.Context) ([]core.SpotRecord, error)

// Adapter wraps one vendor platform behind the canonical model.
type Adapter interface {
	// Name returns the unique source name (e.g. "jianyanyuan", "xiaomi").
	Name() string

	// ListDevices fetches the vendor's device directory, paging internally
	// if the vendor limits page size. Mis-shaped device ids are skipped.
	ListDevices(ctx context.Context) ([]core.Device, error)

	// ListSpots derives the spots known to this vendor. Vendors without
	// any location grouping return an empty slice.
	ListSpots(ctx context.Context) ([]core.Spot, error)

	// FetchRecords returns deferred fetches covering the given range for
	// one device, one thunk per vendor query window. A zero range applies
	// the adapter's default range for the device.
	FetchRecords(ctx context.Context, deviceName string, r core.TimeRange) ([]Thunk, error)

	// Close releases the adapter's token manager and HTTP resources.
	Close() error
}
