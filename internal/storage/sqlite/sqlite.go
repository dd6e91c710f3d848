package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"envsense/internal/core"
	"envsense/internal/storage"
)

// SQLiteStorage implements storage.Storage using SQLite. Adds accumulate
// in one lazy write transaction committed by Commit; every add is
// idempotent on its natural key, so retried delivery never duplicates a
// row.
type SQLiteStorage struct {
	db *sql.DB

	// One transaction at a time; the actors write concurrently.
	mu sync.Mutex
	tx *sql.Tx
}

var _ storage.Storage = (*SQLiteStorage)(nil)

// New creates a new SQLite storage instance
func New(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps the lazy transaction coherent.
	db.SetMaxOpenConns(1)

	storage := &SQLiteStorage{db: db}

	if err := storage.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return storage, nil
}

// migrate creates the database schema
func (s *SQLiteStorage) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS devices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			device_type TEXT NOT NULL,
			online INTEGER NOT NULL DEFAULT 0,
			create_time DATETIME,
			modify_time DATETIME,
			province TEXT,
			city TEXT,
			address TEXT,
			extra TEXT,
			source TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS spots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_name TEXT NOT NULL,
			spot_name TEXT,
			spot_type TEXT,
			source TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			UNIQUE (project_name, source)
		);

		CREATE TABLE IF NOT EXISTS spot_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_name TEXT NOT NULL,
			spot_record_time DATETIME NOT NULL,
			temperature REAL,
			humidity REAL,
			pm25 REAL,
			co2 REAL,
			ac_power REAL,
			window_opened INTEGER,
			created_at DATETIME NOT NULL,
			UNIQUE (device_name, spot_record_time)
		);

		CREATE INDEX IF NOT EXISTS idx_devices_online ON devices(online);
		CREATE INDEX IF NOT EXISTS idx_spot_records_device ON spot_records(device_name, spot_record_time);
	`

	_, err := s.db.Exec(schema)
	return err
}

// writer returns the current transaction, starting one if needed. Caller
// must hold s.mu.
func (s *SQLiteStorage) writer(ctx context.Context) (*sql.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	s.tx = tx
	return tx, nil
}

// AddDevice upserts a device on its vendor-native name. The online flag
// and modify time refresh on conflict so the directory's ListOnline view
// tracks the vendor.
func (s *SQLiteStorage) AddDevice(ctx context.Context, device *core.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.writer(ctx)
	if err != nil {
		return err
	}

	var province, city, address, extra sql.NullString
	if device.Location != nil {
		province = nullString(device.Location.Province)
		city = nullString(device.Location.City)
		address = nullString(device.Location.Address)
		extra = nullString(device.Location.Extra)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO devices (name, device_type, online, create_time, modify_time,
			province, city, address, extra, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			online = excluded.online,
			modify_time = excluded.modify_time,
			updated_at = excluded.updated_at`,
		device.Name, device.DeviceType, int(device.Online),
		nullTime(device.CreateTime), nullTime(device.ModifyTime),
		province, city, address, extra, device.Source, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", device.Name, err)
	}
	return nil
}

// AddSpot inserts a spot, ignoring duplicates of (project, source).
func (s *SQLiteStorage) AddSpot(ctx context.Context, spot *core.Spot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.writer(ctx)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO spots (project_name, spot_name, spot_type, source, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		spot.ProjectName, spot.SpotName, spot.SpotType, spot.Source, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert spot %s: %w", spot.ProjectName, err)
	}
	return nil
}

// AddSpotRecord inserts one sample, ignoring duplicates of
// (device, bucketed time).
func (s *SQLiteStorage) AddSpotRecord(ctx context.Context, record *core.SpotRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.writer(ctx)
	if err != nil {
		return err
	}

	var windowOpened sql.NullInt64
	if record.WindowOpened != nil {
		windowOpened.Valid = true
		if *record.WindowOpened {
			windowOpened.Int64 = 1
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO spot_records (device_name, spot_record_time,
			temperature, humidity, pm25, co2, ac_power, window_opened, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.DeviceName, record.Time.UTC(),
		record.Temperature, record.Humidity, record.PM25, record.CO2,
		record.ACPower, windowOpened, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert record for %s: %w", record.DeviceName, err)
	}
	return nil
}

// Commit flushes the lazy transaction. With nothing buffered it is a
// no-op.
func (s *SQLiteStorage) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// querier routes reads through the open transaction when one exists; the
// database runs on a single connection, so reading around an open
// transaction would deadlock. Caller must hold s.mu.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStorage) reader() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// FindDevice returns the database id for a vendor-native device name.
func (s *SQLiteStorage) FindDevice(ctx context.Context, name string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := s.reader().QueryRowContext(ctx, `SELECT id FROM devices WHERE name = ?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up device %s: %w", name, err)
	}
	return id, true, nil
}

// ListOnline returns the names of devices currently marked online.
func (s *SQLiteStorage) ListOnline(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.reader().QueryContext(ctx,
		`SELECT name FROM devices WHERE online = ? ORDER BY name`, int(core.Online))
	if err != nil {
		return nil, fmt.Errorf("failed to list online devices: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CountSpotRecords returns how many records a device has persisted.
func (s *SQLiteStorage) CountSpotRecords(ctx context.Context, deviceName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.reader().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM spot_records WHERE device_name = ?`, deviceName).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records for %s: %w", deviceName, err)
	}
	return count, nil
}

// LatestRecordTime returns the newest persisted sample time for a device.
func (s *SQLiteStorage) LatestRecordTime(ctx context.Context, deviceName string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t time.Time
	err := s.reader().QueryRowContext(ctx,
		`SELECT spot_record_time FROM spot_records WHERE device_name = ? ORDER BY spot_record_time DESC LIMIT 1`,
		deviceName).Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query latest record for %s: %w", deviceName, err)
	}
	return t, true, nil
}

// Close rolls back anything uncommitted and closes the database.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	if s.tx != nil {
		s.tx.Rollback()
		s.tx = nil
	}
	s.mu.Unlock()
	return s.db.Close()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}
