package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"envsense/internal/core"
	"envsense/internal/source"
)

// defaultRealtimeWindow is the fresh-head span fetched for online devices
// at the end of an overall update when no window is configured.
const defaultRealtimeWindow = 5 * time.Minute

type updateMessage struct {
	req   core.UpdateRequest
	close bool
}

// UpdateActor owns one fetch actor per source and routes coarse-grained
// update requests: a full resync-and-backfill, or a single source-tagged
// fetch. Closing the update actor propagates close to every fetch actor
// and waits for them to drain.
type UpdateActor struct {
	adapters       map[string]source.Adapter
	actors         map[string]*FetchActor
	sink           core.RecordSink
	directory      core.DeviceDirectory
	realtimeWindow time.Duration
	logger         *slog.Logger

	mailbox   chan updateMessage
	done      chan struct{}
	closeOnce sync.Once
}

// NewUpdateActor builds one fetch actor per adapter and starts the
// routing goroutine.
func NewUpdateActor(adapters []source.Adapter, sink core.RecordSink, directory core.DeviceDirectory, opts FetchActorOptions) *UpdateActor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RealtimeWindow <= 0 {
		opts.RealtimeWindow = defaultRealtimeWindow
	}

	u := &UpdateActor{
		adapters:       make(map[string]source.Adapter, len(adapters)),
		actors:         make(map[string]*FetchActor, len(adapters)),
		sink:           sink,
		directory:      directory,
		realtimeWindow: opts.RealtimeWindow,
		logger:         opts.Logger,
		mailbox:        make(chan updateMessage, mailboxSize),
		done:           make(chan struct{}),
	}
	for _, adapter := range adapters {
		u.adapters[adapter.Name()] = adapter
		u.actors[adapter.Name()] = NewFetchActor(adapter, sink, opts)
	}

	go u.loop()
	return u
}

// Submit queues one update request.
func (u *UpdateActor) Submit(req core.UpdateRequest) {
	u.mailbox <- updateMessage{req: req}
}

// Close queues the close sentinel and, once it is reached, closes every
// fetch actor and waits for them. Safe to call more than once.
func (u *UpdateActor) Close() {
	u.closeOnce.Do(func() {
		u.mailbox <- updateMessage{close: true}
	})
}

// Done is closed when the actor and all its fetch actors have terminated.
func (u *UpdateActor) Done() <-chan struct{} {
	return u.done
}

func (u *UpdateActor) loop() {
	defer close(u.done)

	for msg := range u.mailbox {
		if msg.close {
			u.logger.Info("Update actor closing")
			for _, actor := range u.actors {
				actor.Close()
			}
			for _, actor := range u.actors {
				<-actor.Done()
			}
			return
		}

		switch msg.req.Kind {
		case core.UpdateAll:
			u.overallUpdate(context.Background())
		case core.UpdateSource:
			u.routeFetch(msg.req.Fetch)
		default:
			u.logger.Warn("Dropping update request of unknown kind", "kind", int(msg.req.Kind))
		}
	}
}

// overallUpdate re-lists every source's devices and spots, upserts them
// all (so known devices refresh their online flag and modify time), and
// enqueues a default-range fetch per device — the full backfill. It
// finishes with a short-window fetch for every device the directory now
// marks online, covering the head of the stream that backfill ranges
// stop short of. Per-source failures are logged; the other sources
// still run.
func (u *UpdateActor) overallUpdate(ctx context.Context) {
	u.logger.Info("Starting overall update", "sources", len(u.adapters))

	owner := make(map[string]string)

	for name, adapter := range u.adapters {
		devices, err := adapter.ListDevices(ctx)
		if err != nil {
			u.logger.Error("Failed to list devices", "source", name, "error", err)
			continue
		}

		added := 0
		for i := range devices {
			device := devices[i]
			owner[device.Name] = name

			_, found, err := u.directory.FindDevice(ctx, device.Name)
			if err != nil {
				u.logger.Error("Device directory lookup failed",
					"source", name, "device", device.Name, "error", err)
				continue
			}
			if err := u.sink.AddDevice(ctx, &device); err != nil {
				u.logger.Error("Failed to persist device",
					"source", name, "device", device.Name, "error", err)
				continue
			}
			if !found {
				added++
			}
		}

		spots, err := adapter.ListSpots(ctx)
		if err != nil {
			u.logger.Error("Failed to list spots", "source", name, "error", err)
		}
		for i := range spots {
			spot := spots[i]
			if err := u.sink.AddSpot(ctx, &spot); err != nil {
				u.logger.Error("Failed to persist spot",
					"source", name, "project", spot.ProjectName, "error", err)
			}
		}

		if err := u.sink.Commit(ctx); err != nil {
			u.logger.Error("Sink commit failed during overall update", "source", name, "error", err)
		}

		u.logger.Info("Source resync complete",
			"source", name, "devices", len(devices), "new_devices", added, "spots", len(spots))

		for _, device := range devices {
			u.actors[name].Submit(core.FetchRequest{
				Source:     name,
				DeviceName: device.Name,
				// Zero range: the adapter applies its default backfill window.
			})
		}
	}

	u.freshHeadUpdate(ctx, owner)
}

// freshHeadUpdate queues one short-window fetch per online device. The
// default backfill ranges end at modify time or an hour short of now, so
// without this pass an overall update never delivers the newest samples.
func (u *UpdateActor) freshHeadUpdate(ctx context.Context, owner map[string]string) {
	names, err := u.directory.ListOnline(ctx)
	if err != nil {
		u.logger.Error("Failed to list online devices", "error", err)
		return
	}

	now := time.Now()
	r := core.TimeRange{Start: now.Add(-u.realtimeWindow), End: now}

	queued := 0
	for _, name := range names {
		sourceName, ok := owner[name]
		if !ok {
			u.logger.Debug("Online device missing from vendor listings, skipping fresh fetch",
				"device", name)
			continue
		}
		u.actors[sourceName].Submit(core.FetchRequest{
			Source:     sourceName,
			DeviceName: name,
			Range:      r,
		})
		queued++
	}

	u.logger.Info("Fresh-head fetches queued", "online_devices", len(names), "queued", queued)
}

func (u *UpdateActor) routeFetch(req core.FetchRequest) {
	actor, ok := u.actors[req.Source]
	if !ok {
		u.logger.Warn("Dropping fetch request for unknown source",
			"source", req.Source, "device", req.DeviceName)
		return
	}
	actor.Submit(req)
}
