package types

import "time"

// DefaultBucketWidth is the digest bucket width.
const DefaultBucketWidth = 5 * time.Minute

// BucketStart returns the UTC start of the width-aligned bucket holding t.
// Widths that divide an hour land on wall-clock boundaries. A non-positive
// width means DefaultBucketWidth.
func BucketStart(t time.Time, width time.Duration) time.Time {
	if width <= 0 {
		width = DefaultBucketWidth
	}
	return t.UTC().Truncate(width)
}

// FiveMinuteFloor returns the start of the five-minute UTC bucket holding t.
func FiveMinuteFloor(t time.Time) time.Time {
	return BucketStart(t, DefaultBucketWidth)
}
