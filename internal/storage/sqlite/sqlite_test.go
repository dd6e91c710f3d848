package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"envsense/internal/core"
)

func setupTestDB(t *testing.T) *SQLiteStorage {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	storage, err := New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	return storage
}

func floatPtr(v float64) *float64 { return &v }

func boolPtr(v bool) *bool { return &v }

func TestAddDevice_Upsert(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	device := &core.Device{
		Name:       "20180624033015488513",
		DeviceType: "air-monitor",
		Online:     core.Online,
		CreateTime: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		Location:   &core.Location{City: "Hangzhou", Address: "Riverside Campus"},
		Source:     "jianyanyuan",
	}
	require.NoError(t, storage.AddDevice(ctx, device))
	require.NoError(t, storage.Commit(ctx))

	id, found, err := storage.FindDevice(ctx, device.Name)
	require.NoError(t, err)
	require.True(t, found)
	assert.Greater(t, id, int64(0))

	// Re-adding the same device refreshes the online flag instead of
	// inserting a second row.
	device.Online = core.Offline
	require.NoError(t, storage.AddDevice(ctx, device))
	require.NoError(t, storage.Commit(ctx))

	again, found, err := storage.FindDevice(ctx, device.Name)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, again)

	online, err := storage.ListOnline(ctx)
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestFindDevice_NotFound(t *testing.T) {
	storage := setupTestDB(t)

	_, found, err := storage.FindDevice(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestListOnline(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	devices := []core.Device{
		{Name: "dev-b", DeviceType: "t", Online: core.Online, Source: "s"},
		{Name: "dev-a", DeviceType: "t", Online: core.Online, Source: "s"},
		{Name: "dev-c", DeviceType: "t", Online: core.Offline, Source: "s"},
		{Name: "dev-d", DeviceType: "t", Online: core.OnlineUnknown, Source: "s"},
	}
	for i := range devices {
		require.NoError(t, storage.AddDevice(ctx, &devices[i]))
	}
	require.NoError(t, storage.Commit(ctx))

	names, err := storage.ListOnline(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-a", "dev-b"}, names)
}

func TestAddSpot_IgnoresDuplicates(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	name := "Entrance"
	spot := &core.Spot{ProjectName: "Riverside Campus", SpotName: &name, Source: "jianyanyuan"}
	require.NoError(t, storage.AddSpot(ctx, spot))
	require.NoError(t, storage.AddSpot(ctx, spot))
	require.NoError(t, storage.Commit(ctx))

	var count int
	err := storage.db.QueryRow(`SELECT COUNT(*) FROM spots`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAddSpotRecord_IdempotentOnDeviceAndTime(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	bucket := time.Date(2020, 4, 18, 17, 55, 0, 0, time.UTC)
	record := &core.SpotRecord{
		DeviceName:  "20180624033015488513",
		Time:        bucket,
		Temperature: floatPtr(21.32),
		Humidity:    floatPtr(73),
	}
	require.NoError(t, storage.AddSpotRecord(ctx, record))

	// Retried delivery of the same bucket is a no-op.
	require.NoError(t, storage.AddSpotRecord(ctx, record))
	require.NoError(t, storage.Commit(ctx))

	count, err := storage.CountSpotRecords(ctx, record.DeviceName)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// A different bucket is a new row.
	record.Time = bucket.Add(5 * time.Minute)
	require.NoError(t, storage.AddSpotRecord(ctx, record))
	require.NoError(t, storage.Commit(ctx))

	count, err = storage.CountSpotRecords(ctx, record.DeviceName)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestLatestRecordTime(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	_, found, err := storage.LatestRecordTime(ctx, "dev")
	require.NoError(t, err)
	assert.False(t, found)

	newest := time.Date(2020, 4, 18, 18, 0, 0, 0, time.UTC)
	for _, ts := range []time.Time{newest.Add(-10 * time.Minute), newest, newest.Add(-5 * time.Minute)} {
		require.NoError(t, storage.AddSpotRecord(ctx, &core.SpotRecord{
			DeviceName: "dev",
			Time:       ts,
			ACPower:    floatPtr(12.5),
		}))
	}
	require.NoError(t, storage.Commit(ctx))

	got, found, err := storage.LatestRecordTime(ctx, "dev")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Equal(newest))
}

func TestReadsSeeUncommittedWrites(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	device := &core.Device{Name: "dev", DeviceType: "t", Online: core.Online, Source: "s"}
	require.NoError(t, storage.AddDevice(ctx, device))

	// No Commit yet: the directory read goes through the open transaction.
	_, found, err := storage.FindDevice(ctx, "dev")
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, storage.Commit(ctx))
}

func TestCommit_NoTransactionIsNoop(t *testing.T) {
	storage := setupTestDB(t)
	assert.NoError(t, storage.Commit(context.Background()))
}

func TestClose_RollsBackUncommitted(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	storage, err := New(dbPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, storage.AddSpotRecord(ctx, &core.SpotRecord{
		DeviceName:   "dev",
		Time:         time.Now(),
		WindowOpened: boolPtr(true),
	}))
	require.NoError(t, storage.Close())

	reopened, err := New(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	count, err := reopened.CountSpotRecords(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
