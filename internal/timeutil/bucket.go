package timeutil

import "time"

// DefaultBucket is the sampling grid applied to spot records unless
// configured otherwise.
const DefaultBucket = 5 * time.Minute

// Bucket floors t to the fixed-minute grid of the given size. Sizes that
// do not divide an hour evenly fall back to DefaultBucket so that buckets
// line up across hour boundaries. Bucketing is idempotent:
// Bucket(Bucket(t, b), b) == Bucket(t, b).
func Bucket(t time.Time, size time.Duration) time.Time {
	if !ValidBucket(size) {
		size = DefaultBucket
	}
	return t.Truncate(size)
}

// ValidBucket reports whether size is a whole number of minutes dividing
// an hour evenly.
func ValidBucket(size time.Duration) bool {
	if size <= 0 || size > time.Hour {
		return false
	}
	if size%time.Minute != 0 {
		return false
	}
	return time.Hour%size == 0
}
