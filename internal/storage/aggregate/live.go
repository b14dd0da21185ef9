package aggregate

import (
	"fmt"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/KaiEkkrin/pinglingle/config"
	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
)

// LiveSnapshot holds provisional statistics for a target's newest bucket.
// Percentiles are approximate to the configured relative accuracy.
type LiveSnapshot struct {
	TargetID     int64
	BucketStart  time.Time
	SampleCount  int32
	ErrorCount   int32
	Percentile5  float64
	Percentile50 float64
	Percentile95 float64
	LastSample   time.Time
}

type liveSeries struct {
	bucket time.Time
	sketch *ddsketch.DDSketch
	count  int32
	errors int32
	last   time.Time
}

// LiveStats tracks the bucket that has not been digested yet, one sketch
// per target, so clients can see provisional percentiles before the
// aggregator closes the bucket.
//
// LiveStats is safe for concurrent use.
type LiveStats struct {
	mu       sync.Mutex
	width    time.Duration
	accuracy float64
	series   map[int64]*liveSeries
}

// NewLiveStats creates a tracker for buckets of the given width.
func NewLiveStats(width time.Duration, accuracy float64) (*LiveStats, error) {
	if width <= 0 {
		width = config.DefaultBucketWidth
	}
	if accuracy <= 0 {
		accuracy = config.DefaultLiveSketchAccuracy
	}
	// Validate once so later sketch creation cannot fail.
	if _, err := ddsketch.NewDefaultDDSketch(accuracy); err != nil {
		return nil, fmt.Errorf("live sketch accuracy %v: %w", accuracy, err)
	}

	return &LiveStats{
		width:    width,
		accuracy: accuracy,
		series:   make(map[int64]*liveSeries),
	}, nil
}

// Observe adds a sample. A sample from a newer bucket starts a fresh
// series; one from an older bucket is ignored.
func (l *LiveStats) Observe(s types.Sample) {
	if s.TargetID == nil {
		return
	}
	bucket := types.BucketStart(s.Date, l.width)

	l.mu.Lock()
	defer l.mu.Unlock()

	ser, ok := l.series[*s.TargetID]
	switch {
	case !ok || bucket.After(ser.bucket):
		sketch, _ := ddsketch.NewDefaultDDSketch(l.accuracy)
		ser = &liveSeries{bucket: bucket, sketch: sketch}
		l.series[*s.TargetID] = ser
	case bucket.Before(ser.bucket):
		return
	}

	ser.count++
	if s.Status == types.StatusSuccess && s.ResponseTimeMillis != nil {
		_ = ser.sketch.Add(float64(*s.ResponseTimeMillis))
	} else {
		ser.errors++
	}
	if s.Date.After(ser.last) {
		ser.last = s.Date
	}
}

// Snapshot returns the current series for a target.
func (l *LiveStats) Snapshot(targetID int64) (LiveSnapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ser, ok := l.series[targetID]
	if !ok {
		return LiveSnapshot{}, false
	}

	snap := LiveSnapshot{
		TargetID:    targetID,
		BucketStart: ser.bucket,
		SampleCount: ser.count,
		ErrorCount:  ser.errors,
		LastSample:  ser.last,
	}
	if !ser.sketch.IsEmpty() {
		if qs, err := ser.sketch.GetValuesAtQuantiles([]float64{0.05, 0.50, 0.95}); err == nil {
			snap.Percentile5, snap.Percentile50, snap.Percentile95 = qs[0], qs[1], qs[2]
		}
	}
	return snap, true
}

// Forget drops the series for a deleted target.
func (l *LiveStats) Forget(targetID int64) {
	l.mu.Lock()
	delete(l.series, targetID)
	l.mu.Unlock()
}

// Len returns the number of tracked targets.
func (l *LiveStats) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.series)
}
