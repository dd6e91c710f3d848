package source

import (
	"time"

	"envsense/internal/core"
)

// safetyMargin is subtracted from "now" when correcting ranges, as a guard
// against partially written vendor state at the head of the stream.
const safetyMargin = time.Hour

// maxDefaultBackfill bounds a default range when the directory carries no
// creation time for the device. A zero creation time must not plan a
// fetch from year one: with the 7-day window cap that is six figures of
// vendor calls for a single device.
const maxDefaultBackfill = 30 * 24 * time.Hour

// ClampRange applies the time-range correction rule for one device:
//
//   - no explicit range: [created, modified], or [created, now-1h] when the
//     vendor never reported a modify time; an unknown creation time falls
//     back to the backfill horizon instead of the zero time;
//   - explicit start before device creation: clamped to creation;
//   - explicit end in the future: clamped to now-1h.
//
// The returned range may be empty (End before Start); callers treat that
// as nothing to fetch.
func ClampRange(r core.TimeRange, created, modified, now time.Time) core.TimeRange {
	if r.IsZero() {
		start := created
		if start.IsZero() {
			start = now.Add(-maxDefaultBackfill)
		}
		end := modified
		if end.IsZero() {
			end = now.Add(-safetyMargin)
		}
		return core.TimeRange{Start: start, End: end}
	}

	if !created.IsZero() && r.Start.Before(created) {
		r.Start = created
	}
	if r.End.After(now) {
		r.End = now.Add(-safetyMargin)
	}
	return r
}

// SplitRange cuts a range into consecutive windows of at most the given
// width, oldest first. Vendor APIs cap the span of a single history query,
// so each window becomes one thunk.
func SplitRange(r core.TimeRange, window time.Duration) []core.TimeRange {
	if window <= 0 || !r.End.After(r.Start) {
		return nil
	}

	var out []core.TimeRange
	for start := r.Start; start.Before(r.End); start = start.Add(window) {
		end := start.Add(window)
		if end.After(r.End) {
			end = r.End
		}
		out = append(out, core.TimeRange{Start: start, End: end})
	}
	return out
}
