package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"envsense/internal/core"
)

func TestClampRange(t *testing.T) {
	now := time.Date(2020, 4, 20, 12, 0, 0, 0, time.UTC)
	created := now.Add(-30 * 24 * time.Hour)
	modified := now.Add(-2 * time.Hour)

	tests := []struct {
		name      string
		in        core.TimeRange
		created   time.Time
		modified  time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "zero range defaults to creation..modified",
			in:        core.TimeRange{},
			created:   created,
			modified:  modified,
			wantStart: created,
			wantEnd:   modified,
		},
		{
			name:      "zero range without modify time ends an hour short of now",
			in:        core.TimeRange{},
			created:   created,
			wantStart: created,
			wantEnd:   now.Add(-time.Hour),
		},
		{
			name:      "zero range without creation time is bounded by the backfill horizon",
			in:        core.TimeRange{},
			modified:  modified,
			wantStart: now.Add(-maxDefaultBackfill),
			wantEnd:   modified,
		},
		{
			name:      "zero range with no device times at all stays bounded",
			in:        core.TimeRange{},
			wantStart: now.Add(-maxDefaultBackfill),
			wantEnd:   now.Add(-time.Hour),
		},
		{
			name:      "start before creation clamps to creation",
			in:        core.TimeRange{Start: created.Add(-24 * time.Hour), End: modified},
			created:   created,
			modified:  modified,
			wantStart: created,
			wantEnd:   modified,
		},
		{
			name:      "future end clamps to an hour short of now",
			in:        core.TimeRange{Start: created, End: now.Add(24 * time.Hour)},
			created:   created,
			modified:  modified,
			wantStart: created,
			wantEnd:   now.Add(-time.Hour),
		},
		{
			name:      "explicit in-bounds range passes through",
			in:        core.TimeRange{Start: created.Add(time.Hour), End: modified},
			created:   created,
			modified:  modified,
			wantStart: created.Add(time.Hour),
			wantEnd:   modified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClampRange(tt.in, tt.created, tt.modified, now)
			assert.Equal(t, tt.wantStart, got.Start)
			assert.Equal(t, tt.wantEnd, got.End)
		})
	}
}

func TestSplitRange(t *testing.T) {
	start := time.Date(2020, 4, 1, 0, 0, 0, 0, time.UTC)
	window := 7 * 24 * time.Hour

	t.Run("exact multiple", func(t *testing.T) {
		r := core.TimeRange{Start: start, End: start.Add(2 * window)}
		windows := SplitRange(r, window)
		require.Len(t, windows, 2)
		assert.Equal(t, start, windows[0].Start)
		assert.Equal(t, start.Add(window), windows[0].End)
		assert.Equal(t, start.Add(window), windows[1].Start)
		assert.Equal(t, r.End, windows[1].End)
	})

	t.Run("remainder window is short", func(t *testing.T) {
		r := core.TimeRange{Start: start, End: start.Add(window + 24*time.Hour)}
		windows := SplitRange(r, window)
		require.Len(t, windows, 2)
		assert.Equal(t, r.End, windows[1].End)
		assert.Equal(t, 24*time.Hour, windows[1].End.Sub(windows[1].Start))
	})

	t.Run("range smaller than window", func(t *testing.T) {
		r := core.TimeRange{Start: start, End: start.Add(time.Hour)}
		windows := SplitRange(r, window)
		require.Len(t, windows, 1)
		assert.Equal(t, r, windows[0])
	})

	t.Run("empty and inverted ranges yield nothing", func(t *testing.T) {
		assert.Nil(t, SplitRange(core.TimeRange{Start: start, End: start}, window))
		assert.Nil(t, SplitRange(core.TimeRange{Start: start, End: start.Add(-time.Hour)}, window))
	})

	t.Run("windows tile the range with no gaps", func(t *testing.T) {
		r := core.TimeRange{Start: start, End: start.Add(30*24*time.Hour + 5*time.Hour)}
		windows := SplitRange(r, window)
		require.NotEmpty(t, windows)
		assert.Equal(t, r.Start, windows[0].Start)
		assert.Equal(t, r.End, windows[len(windows)-1].End)
		for i := 1; i < len(windows); i++ {
			assert.Equal(t, windows[i-1].End, windows[i].Start)
		}
	})
}
