package core

import "context"

// RecordSink is the persistence boundary for canonical records. Every add
// method must be idempotent under retried delivery: the same natural key
// produces no duplicate row. Commit flushes whatever the sink buffered.
type RecordSink interface {
	AddDevice(ctx context.Context, device *Device) error
	AddSpot(ctx context.Context, spot *Spot) error
	AddSpotRecord(ctx context.Context, record *SpotRecord) error
	Commit(ctx context.Context) error
}

// DeviceDirectory is the read-only lookup from device identity to what
// persistence already knows. The pipeline never caches this itself.
type DeviceDirectory interface {
	// FindDevice returns the database id for a vendor-native device name,
	// with found=false when the device is not known yet.
	FindDevice(ctx context.Context, name string) (id int64, found bool, err error)

	// ListOnline returns the names of devices currently marked online.
	ListOnline(ctx context.Context) ([]string, error)
}
