package types

import "time"

// Digest summarizes every sample of one target within one bucket.
type Digest struct {
	ID int64

	// TargetID is nil once the target has been deleted.
	TargetID *int64

	StartTime time.Time

	// SampleCount includes failures.
	SampleCount int32

	// Percentiles of successful response times, in milliseconds.
	Percentile5  float64
	Percentile50 float64
	Percentile95 float64

	ErrorCount int32
}

// SuccessCount is the number of samples that carried a response time.
func (d *Digest) SuccessCount() int32 {
	return d.SampleCount - d.ErrorCount
}

// EndTime returns the exclusive end of the digest's bucket.
func (d *Digest) EndTime(width time.Duration) time.Time {
	return d.StartTime.Add(width)
}
