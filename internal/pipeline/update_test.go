package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"envsense/internal/core"
	"envsense/internal/source"
)

// memoryDirectory fakes persistence lookups with a fixed name set.
type memoryDirectory struct {
	mu    sync.Mutex
	known map[string]int64
}

func (d *memoryDirectory) FindDevice(ctx context.Context, name string) (int64, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.known[name]
	return id, ok, nil
}

func (d *memoryDirectory) ListOnline(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.known))
	for name := range d.known {
		names = append(names, name)
	}
	return names, nil
}

// listingAdapter serves fixed device and spot lists and records fetch
// planning calls, which is all the update actor exercises.
type listingAdapter struct {
	thunkAdapter
	devices []core.Device
	spots   []core.Spot
}

func (a *listingAdapter) ListDevices(ctx context.Context) ([]core.Device, error) {
	return a.devices, nil
}

func (a *listingAdapter) ListSpots(ctx context.Context) ([]core.Spot, error) {
	return a.spots, nil
}

func newListingAdapter(name string, deviceNames ...string) *listingAdapter {
	a := &listingAdapter{
		thunkAdapter: thunkAdapter{
			name:   name,
			thunks: func(string) []source.Thunk { return nil },
		},
	}
	for _, dn := range deviceNames {
		a.devices = append(a.devices, core.Device{Name: dn, Online: core.Online, Source: name})
	}
	return a
}

func waitClosed(t *testing.T, u *UpdateActor) {
	t.Helper()
	u.Close()
	select {
	case <-u.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("update actor did not drain in time")
	}
}

func TestUpdateActor_OverallUpdate(t *testing.T) {
	sink := &recordingSink{}
	directory := &memoryDirectory{known: map[string]int64{"known-1": 1}}

	adapter := newListingAdapter("alpha", "known-1", "new-1", "new-2")
	adapter.spots = []core.Spot{{ProjectName: "Riverside Campus", Source: "alpha"}}

	u := NewUpdateActor([]source.Adapter{adapter}, sink, directory, FetchActorOptions{})
	u.Submit(core.UpdateRequest{Kind: core.UpdateAll})
	waitClosed(t, u)

	// Every listed device is upserted, known ones included, so online
	// flags and modify times refresh in the directory.
	require.Len(t, sink.devices, 3)
	assert.Equal(t, "known-1", sink.devices[0].Name)
	assert.Equal(t, "new-1", sink.devices[1].Name)
	assert.Equal(t, "new-2", sink.devices[2].Name)

	require.Len(t, sink.spots, 1)
	assert.Equal(t, "Riverside Campus", sink.spots[0].ProjectName)
	assert.GreaterOrEqual(t, sink.commits, 1)

	// Every listed device gets a default-range backfill request, then the
	// directory's online devices get one fresh-head request each.
	requests := adapter.requested()
	require.Len(t, requests, 4)
	for _, req := range requests[:3] {
		assert.True(t, req.Range.IsZero())
	}
	fresh := requests[3]
	assert.Equal(t, "known-1", fresh.DeviceName)
	assert.False(t, fresh.Range.IsZero())
	assert.Equal(t, defaultRealtimeWindow, fresh.Range.End.Sub(fresh.Range.Start))
}

func TestUpdateActor_OverallUpdateFetchesFreshHead(t *testing.T) {
	sink := &recordingSink{}
	// stale-1 is online per the directory but gone from the vendor
	// listing; it gets no fresh-head fetch.
	directory := &memoryDirectory{known: map[string]int64{"dev-1": 1, "stale-1": 2}}

	adapter := newListingAdapter("alpha", "dev-1")

	u := NewUpdateActor([]source.Adapter{adapter}, sink, directory, FetchActorOptions{
		RealtimeWindow: 10 * time.Minute,
	})
	before := time.Now()
	u.Submit(core.UpdateRequest{Kind: core.UpdateAll})
	waitClosed(t, u)
	after := time.Now()

	requests := adapter.requested()
	require.Len(t, requests, 2)
	assert.True(t, requests[0].Range.IsZero())

	fresh := requests[1]
	assert.Equal(t, "dev-1", fresh.DeviceName)
	assert.Equal(t, 10*time.Minute, fresh.Range.End.Sub(fresh.Range.Start))
	assert.False(t, fresh.Range.End.Before(before))
	assert.False(t, fresh.Range.End.After(after))
}

func TestUpdateActor_RoutesSourceFetch(t *testing.T) {
	sink := &recordingSink{}
	directory := &memoryDirectory{known: map[string]int64{}}

	alpha := newListingAdapter("alpha")
	beta := newListingAdapter("beta")

	u := NewUpdateActor([]source.Adapter{alpha, beta}, sink, directory, FetchActorOptions{})

	r := core.TimeRange{Start: time.Now().Add(-5 * time.Minute), End: time.Now()}
	u.Submit(core.UpdateRequest{
		Kind:  core.UpdateSource,
		Fetch: core.FetchRequest{Source: "beta", DeviceName: "dev-b", Range: r},
	})
	waitClosed(t, u)

	assert.Empty(t, alpha.requested())
	requests := beta.requested()
	require.Len(t, requests, 1)
	assert.Equal(t, "dev-b", requests[0].DeviceName)
	assert.Equal(t, r, requests[0].Range)
}

func TestUpdateActor_DropsUnknownSource(t *testing.T) {
	sink := &recordingSink{}
	alpha := newListingAdapter("alpha")

	u := NewUpdateActor([]source.Adapter{alpha}, sink, &memoryDirectory{}, FetchActorOptions{})
	u.Submit(core.UpdateRequest{
		Kind:  core.UpdateSource,
		Fetch: core.FetchRequest{Source: "nonexistent", DeviceName: "dev"},
	})
	waitClosed(t, u)

	assert.Empty(t, alpha.requested())
}

func TestUpdateActor_ClosePropagatesToFetchActors(t *testing.T) {
	alpha := newListingAdapter("alpha")
	beta := newListingAdapter("beta")

	u := NewUpdateActor([]source.Adapter{alpha, beta}, &recordingSink{}, &memoryDirectory{}, FetchActorOptions{})
	waitClosed(t, u)

	for _, actor := range u.actors {
		select {
		case <-actor.Done():
		default:
			t.Fatal("fetch actor still running after update actor closed")
		}
	}
}
