package storage

import (
	"context"
	"time"

	"envsense/internal/core"
)

// Storage is the persistence boundary the pipeline writes to and reads
// device identity from. It combines the record sink and the device
// directory plus the freshness queries operators monitor ingestion with.
type Storage interface {
	core.RecordSink
	core.DeviceDirectory

	// CountSpotRecords returns how many records a device has persisted.
	CountSpotRecords(ctx context.Context, deviceName string) (int, error)

	// LatestRecordTime returns the newest persisted sample time for a
	// device, with found=false when it has none.
	LatestRecordTime(ctx context.Context, deviceName string) (t time.Time, found bool, err error)

	// Lifecycle
	Close() error
}
