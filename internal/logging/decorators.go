package logging

import (
	"context"
	"log/slog"
	"time"

	"envsense/internal/core"
)

// SinkLogger wraps a RecordSink and logs every call with its outcome and
// timing. Useful at debug level when diagnosing why records are missing
// from the sink.
type SinkLogger struct {
	sink   core.RecordSink
	logger *slog.Logger
}

// NewSinkLogger creates a new logging decorator for a RecordSink
func NewSinkLogger(sink core.RecordSink, logger *slog.Logger) core.RecordSink {
	return &SinkLogger{
		sink:   sink,
		logger: logger.With("interface", "RecordSink"),
	}
}

func (l *SinkLogger) AddDevice(ctx context.Context, device *core.Device) error {
	start := time.Now()
	err := l.sink.AddDevice(ctx, device)
	if err != nil {
		l.logger.Error("AddDevice failed",
			"device", device.Name,
			"source", device.Source,
			"duration", time.Since(start),
			"error", err)
		return err
	}
	l.logger.Debug("AddDevice completed",
		"device", device.Name,
		"source", device.Source,
		"duration", time.Since(start))
	return nil
}

func (l *SinkLogger) AddSpot(ctx context.Context, spot *core.Spot) error {
	start := time.Now()
	err := l.sink.AddSpot(ctx, spot)
	if err != nil {
		l.logger.Error("AddSpot failed",
			"project", spot.ProjectName,
			"source", spot.Source,
			"duration", time.Since(start),
			"error", err)
		return err
	}
	l.logger.Debug("AddSpot completed",
		"project", spot.ProjectName,
		"source", spot.Source,
		"duration", time.Since(start))
	return nil
}

func (l *SinkLogger) AddSpotRecord(ctx context.Context, record *core.SpotRecord) error {
	start := time.Now()
	err := l.sink.AddSpotRecord(ctx, record)
	if err != nil {
		l.logger.Error("AddSpotRecord failed",
			"device", record.DeviceName,
			"time", record.Time,
			"duration", time.Since(start),
			"error", err)
		return err
	}
	l.logger.Debug("AddSpotRecord completed",
		"device", record.DeviceName,
		"time", record.Time,
		"duration", time.Since(start))
	return nil
}

func (l *SinkLogger) Commit(ctx context.Context) error {
	start := time.Now()
	err := l.sink.Commit(ctx)
	if err != nil {
		l.logger.Error("Commit failed",
			"duration", time.Since(start),
			"error", err)
		return err
	}
	l.logger.Debug("Commit completed", "duration", time.Since(start))
	return nil
}
