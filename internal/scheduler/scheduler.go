package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"envsense/internal/core"
)

const (
	DefaultOverallInterval  = 24 * time.Hour
	DefaultRealtimeInterval = 5 * time.Minute
)

// UpdateSubmitter is where the scheduler sends its work; satisfied by the
// pipeline's update actor.
type UpdateSubmitter interface {
	Submit(req core.UpdateRequest)
}

// SourceResolver maps a device name to its owning source. Vendors use
// distinct id shapes, so resolution needs no lookup beyond the name.
type SourceResolver func(deviceName string) (string, bool)

// Scheduler drives two independent periodic clocks: a daily overall
// update (device-list resync plus full backfill) and a 5-minute realtime
// update for currently online devices. The clocks never serialize with
// each other; overlapping work queues up in the actor mailboxes.
type Scheduler struct {
	updates          UpdateSubmitter
	directory        core.DeviceDirectory
	resolve          SourceResolver
	overallInterval  time.Duration
	realtimeInterval time.Duration
	logger           *slog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a new scheduler
func NewScheduler(updates UpdateSubmitter, directory core.DeviceDirectory, resolve SourceResolver,
	overallInterval, realtimeInterval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if overallInterval <= 0 {
		overallInterval = DefaultOverallInterval
	}
	if realtimeInterval <= 0 {
		realtimeInterval = DefaultRealtimeInterval
	}
	return &Scheduler{
		updates:          updates,
		directory:        directory,
		resolve:          resolve,
		overallInterval:  overallInterval,
		realtimeInterval: realtimeInterval,
		logger:           logger,
		stopChan:         make(chan struct{}),
	}
}

// Start launches both clock loops and returns.
func (s *Scheduler) Start() {
	s.logger.Info("Scheduler started",
		"overall_interval", s.overallInterval,
		"realtime_interval", s.realtimeInterval)

	s.wg.Add(2)
	go s.overallLoop()
	go s.realtimeLoop()
}

// Stop stops both clocks and waits for the loops to exit. It does not
// close the update actor; that is the owner's job during shutdown.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// ForceOverallUpdate queues an overall update immediately, bypassing the
// daily clock. Meant for operator-triggered backfills.
func (s *Scheduler) ForceOverallUpdate() {
	s.logger.Info("Forcing overall update")
	s.updates.Submit(core.UpdateRequest{Kind: core.UpdateAll})
}

func (s *Scheduler) overallLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.overallInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.logger.Info("Overall clock fired")
			s.updates.Submit(core.UpdateRequest{Kind: core.UpdateAll})
		case <-s.stopChan:
			return
		}
	}
}

func (s *Scheduler) realtimeLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.realtimeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.realtimeTick()
		case <-s.stopChan:
			return
		}
	}
}

// realtimeTick queues a short-window fetch for every device currently
// marked online: [now - realtime interval, now].
func (s *Scheduler) realtimeTick() {
	names, err := s.directory.ListOnline(context.Background())
	if err != nil {
		s.logger.Error("Failed to list online devices", "error", err)
		return
	}

	s.logger.Debug("Realtime clock fired", "online_devices", len(names))

	now := time.Now()
	r := core.TimeRange{Start: now.Add(-s.realtimeInterval), End: now}

	for _, name := range names {
		sourceName, ok := s.resolve(name)
		if !ok {
			s.logger.Warn("No source resolves device, skipping realtime fetch", "device", name)
			continue
		}
		s.updates.Submit(core.UpdateRequest{
			Kind: core.UpdateSource,
			Fetch: core.FetchRequest{
				Source:     sourceName,
				DeviceName: name,
				Range:      r,
			},
		})
	}
}
