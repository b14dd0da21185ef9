package aggregate

import (
	"slices"
	"time"

	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
)

// Accumulator collects the samples of one target within one bucket.
type Accumulator struct {
	responseTimes []int32
	errorCount    int32
}

// Add counts a sample. Samples without a successful response time count
// as errors.
func (a *Accumulator) Add(s types.Sample) {
	if s.Status == types.StatusSuccess && s.ResponseTimeMillis != nil {
		a.responseTimes = append(a.responseTimes, *s.ResponseTimeMillis)
		return
	}
	a.errorCount++
}

// Count returns the number of samples added.
func (a *Accumulator) Count() int32 {
	return int32(len(a.responseTimes)) + a.errorCount
}

// ErrorCount returns the number of unsuccessful samples added.
func (a *Accumulator) ErrorCount() int32 {
	return a.errorCount
}

// Digest summarizes the accumulated samples for the bucket starting at start.
func (a *Accumulator) Digest(targetID int64, start time.Time) types.Digest {
	slices.Sort(a.responseTimes)

	id := targetID
	return types.Digest{
		TargetID:     &id,
		StartTime:    start.UTC(),
		SampleCount:  a.Count(),
		Percentile5:  Percentile(a.responseTimes, 5),
		Percentile50: Percentile(a.responseTimes, 50),
		Percentile95: Percentile(a.responseTimes, 95),
		ErrorCount:   a.ErrorCount(),
	}
}
