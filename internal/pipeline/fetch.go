package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"envsense/internal/core"
	"envsense/internal/source"
	"envsense/internal/timeutil"
)

const (
	// DefaultWorkers bounds how many vendor calls one actor keeps in
	// flight; vendor backends apply tight per-second rate limits.
	DefaultWorkers = 5

	mailboxSize = 256
)

// fetchMessage is the closed message set of a fetch actor's mailbox:
// either one request or the close sentinel.
type fetchMessage struct {
	req   core.FetchRequest
	close bool
}

// FetchActorOptions tunes a fetch actor.
type FetchActorOptions struct {
	Workers int
	// Bucket is the grid sample times are normalized to before records
	// reach the sink.
	Bucket time.Duration
	// RealtimeWindow is the span of the fresh-head fetches an overall
	// update queues for online devices; fetch actors themselves ignore it.
	RealtimeWindow time.Duration
	Logger         *slog.Logger
}

// FetchActor owns one source adapter and pulls records for it. Requests
// arrive through a FIFO mailbox; each request's thunks are evaluated by a
// bounded worker pool and every resulting record is forwarded to the sink.
// A batch always runs to completion before the next message is read, so
// Close is honored only between requests.
type FetchActor struct {
	adapter source.Adapter
	sink    core.RecordSink
	workers int
	bucket  time.Duration
	logger  *slog.Logger

	mailbox   chan fetchMessage
	done      chan struct{}
	closeOnce sync.Once
}

// NewFetchActor starts the actor goroutine.
func NewFetchActor(adapter source.Adapter, sink core.RecordSink, opts FetchActorOptions) *FetchActor {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if !timeutil.ValidBucket(opts.Bucket) {
		opts.Bucket = timeutil.DefaultBucket
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	a := &FetchActor{
		adapter: adapter,
		sink:    sink,
		workers: opts.Workers,
		bucket:  opts.Bucket,
		logger:  opts.Logger,
		mailbox: make(chan fetchMessage, mailboxSize),
		done:    make(chan struct{}),
	}

	go a.loop()
	return a
}

// Submit queues one fetch request. It blocks when the mailbox is full,
// which backpressures the caller instead of growing without bound.
func (a *FetchActor) Submit(req core.FetchRequest) {
	a.mailbox <- fetchMessage{req: req}
}

// Close queues the close sentinel. Requests already in the mailbox are
// processed first; the actor then terminates. Safe to call more than once.
func (a *FetchActor) Close() {
	a.closeOnce.Do(func() {
		a.mailbox <- fetchMessage{close: true}
	})
}

// Done is closed when the actor has drained and terminated.
func (a *FetchActor) Done() <-chan struct{} {
	return a.done
}

func (a *FetchActor) loop() {
	defer close(a.done)

	for msg := range a.mailbox {
		if msg.close {
			a.logger.Info("Fetch actor closing", "source", a.adapter.Name())
			return
		}
		a.handle(context.Background(), msg.req)
	}
}

// handle evaluates one request's thunks through the worker pool. All
// thunks finish, successfully or with a logged failure, before handle
// returns. A failure in one thunk or one sink write never stops the rest
// of the batch.
func (a *FetchActor) handle(ctx context.Context, req core.FetchRequest) {
	thunks, err := a.adapter.FetchRecords(ctx, req.DeviceName, req.Range)
	if err != nil {
		a.logger.Error("Failed to plan fetch",
			"source", a.adapter.Name(), "device", req.DeviceName, "error", err)
		return
	}
	if len(thunks) == 0 {
		return
	}

	sem := make(chan struct{}, a.workers)
	var wg sync.WaitGroup

	for _, thunk := range thunks {
		wg.Add(1)
		sem <- struct{}{}
		go func(t source.Thunk) {
			defer wg.Done()
			defer func() { <-sem }()

			records, err := t(ctx)
			if err != nil {
				a.logger.Warn("Thunk evaluation failed",
					"source", a.adapter.Name(), "device", req.DeviceName, "error", err)
				return
			}
			a.forward(ctx, records)
		}(thunk)
	}

	wg.Wait()

	if err := a.sink.Commit(ctx); err != nil {
		a.logger.Error("Sink commit failed",
			"source", a.adapter.Name(), "device", req.DeviceName, "error", err)
	}
}

// forward pushes one thunk's records to the sink in vendor order, with
// sample times normalized to the configured grid.
func (a *FetchActor) forward(ctx context.Context, records []core.SpotRecord) {
	for i := range records {
		record := records[i]
		record.Time = timeutil.Bucket(record.Time, a.bucket)
		if err := a.sink.AddSpotRecord(ctx, &record); err != nil {
			a.logger.Error("Failed to persist record",
				"source", a.adapter.Name(), "device", record.DeviceName,
				"time", record.Time, "error", err)
		}
	}
}
