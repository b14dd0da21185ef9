package wire

import (
	"fmt"
	"math"
	"time"

	"github.com/KaiEkkrin/pinglingle/internal/errors"
	"github.com/KaiEkkrin/pinglingle/internal/storage/aggregate"
	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
)

// Body is the payload of a frame. Numbers decode as float64, times travel
// as RFC 3339 strings with nanoseconds.
type Body map[string]any

// String returns a string field.
func (b Body) String(key string) (string, bool) {
	v, ok := b[key].(string)
	return v, ok
}

// Int64 returns a whole-number field.
func (b Body) Int64(key string) (int64, bool) {
	switch v := b[key].(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// Float64 returns a numeric field.
func (b Body) Float64(key string) (float64, bool) {
	v, ok := b[key].(float64)
	return v, ok
}

// Bool returns a boolean field.
func (b Body) Bool(key string) (bool, bool) {
	v, ok := b[key].(bool)
	return v, ok
}

// Time returns an optional time field. A missing or null field is nil.
func (b Body) Time(key string) (*time.Time, error) {
	raw, present := b[key]
	if !present || raw == nil {
		return nil, nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil, errors.NewInvalidQuery(fmt.Sprintf("%s must be a timestamp", key))
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, errors.NewInvalidQuery(fmt.Sprintf("%s: %v", key, err))
	}
	t = t.UTC()
	return &t, nil
}

// RequireInt64 returns a whole-number field or a missing-field error.
func (b Body) RequireInt64(key string) (int64, error) {
	v, ok := b.Int64(key)
	if !ok {
		return 0, errors.NewMissingField(key)
	}
	return v, nil
}

// Object returns a nested object field.
func (b Body) Object(key string) (Body, bool) {
	switch v := b[key].(type) {
	case map[string]any:
		return v, true
	case Body:
		return v, true
	}
	return nil, false
}

// List returns a list of objects.
func (b Body) List(key string) []Body {
	raw, _ := b[key].([]any)
	out := make([]Body, 0, len(raw))
	for _, item := range raw {
		switch m := item.(type) {
		case map[string]any:
			out = append(out, m)
		case Body:
			out = append(out, m)
		}
	}
	return out
}

// FormatTime renders t the way bodies carry times.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func optionalID(id *int64) any {
	if id == nil {
		return nil
	}
	return float64(*id)
}

func bodyID(b Body, key string) *int64 {
	if v, ok := b.Int64(key); ok {
		return &v
	}
	return nil
}

func bodyTime(b Body, key string) time.Time {
	t, err := b.Time(key)
	if err != nil || t == nil {
		return time.Time{}
	}
	return *t
}

// =============================================================================
// Domain Conversion
// =============================================================================

// TargetBody encodes a target.
func TargetBody(t types.Target) Body {
	b := Body{
		"id":        float64(t.ID),
		"address":   t.Address,
		"frequency": float64(t.Frequency),
	}
	if !t.CreatedAt.IsZero() {
		b["created_at"] = FormatTime(t.CreatedAt)
	}
	return b
}

// BodyTarget decodes a target.
func BodyTarget(b Body) types.Target {
	id, _ := b.Int64("id")
	addr, _ := b.String("address")
	freq, _ := b.Int64("frequency")
	return types.Target{
		ID:        id,
		Address:   addr,
		Frequency: int(freq),
		CreatedAt: bodyTime(b, "created_at"),
	}
}

// SampleBody encodes a sample.
func SampleBody(s types.Sample) Body {
	b := Body{
		"id":        float64(s.ID),
		"target_id": optionalID(s.TargetID),
		"date":      FormatTime(s.Date),
		"status":    s.Status.String(),
		"digested":  s.Digested,
	}
	if s.ResponseTimeMillis != nil {
		b["response_time_ms"] = float64(*s.ResponseTimeMillis)
	}
	return b
}

// BodySample decodes a sample.
func BodySample(b Body) types.Sample {
	id, _ := b.Int64("id")
	s := types.Sample{
		ID:       id,
		TargetID: bodyID(b, "target_id"),
		Date:     bodyTime(b, "date"),
		Status:   types.StatusUnknown,
	}
	if name, ok := b.String("status"); ok {
		if st, err := types.ParseStatus(name); err == nil {
			s.Status = st
		}
	}
	if ms, ok := b.Int64("response_time_ms"); ok {
		v := int32(ms)
		s.ResponseTimeMillis = &v
	}
	s.Digested, _ = b.Bool("digested")
	return s
}

// DigestBody encodes a digest.
func DigestBody(d types.Digest) Body {
	return Body{
		"id":            float64(d.ID),
		"target_id":     optionalID(d.TargetID),
		"start_time":    FormatTime(d.StartTime),
		"sample_count":  float64(d.SampleCount),
		"percentile_5":  d.Percentile5,
		"percentile_50": d.Percentile50,
		"percentile_95": d.Percentile95,
		"error_count":   float64(d.ErrorCount),
	}
}

// BodyDigest decodes a digest.
func BodyDigest(b Body) types.Digest {
	id, _ := b.Int64("id")
	count, _ := b.Int64("sample_count")
	errs, _ := b.Int64("error_count")
	p5, _ := b.Float64("percentile_5")
	p50, _ := b.Float64("percentile_50")
	p95, _ := b.Float64("percentile_95")
	return types.Digest{
		ID:           id,
		TargetID:     bodyID(b, "target_id"),
		StartTime:    bodyTime(b, "start_time"),
		SampleCount:  int32(count),
		Percentile5:  p5,
		Percentile50: p50,
		Percentile95: p95,
		ErrorCount:   int32(errs),
	}
}

// LiveBody encodes provisional statistics for an open bucket.
func LiveBody(s aggregate.LiveSnapshot) Body {
	return Body{
		"target_id":     float64(s.TargetID),
		"start_time":    FormatTime(s.BucketStart),
		"sample_count":  float64(s.SampleCount),
		"error_count":   float64(s.ErrorCount),
		"percentile_5":  s.Percentile5,
		"percentile_50": s.Percentile50,
		"percentile_95": s.Percentile95,
		"last_sample":   FormatTime(s.LastSample),
	}
}

// BodyLive decodes provisional statistics.
func BodyLive(b Body) aggregate.LiveSnapshot {
	id, _ := b.Int64("target_id")
	count, _ := b.Int64("sample_count")
	errs, _ := b.Int64("error_count")
	p5, _ := b.Float64("percentile_5")
	p50, _ := b.Float64("percentile_50")
	p95, _ := b.Float64("percentile_95")
	return aggregate.LiveSnapshot{
		TargetID:     id,
		BucketStart:  bodyTime(b, "start_time"),
		SampleCount:  int32(count),
		ErrorCount:   int32(errs),
		Percentile5:  p5,
		Percentile50: p50,
		Percentile95: p95,
		LastSample:   bodyTime(b, "last_sample"),
	}
}

// List encodes items as a body list.
func List[T any](items []T, enc func(T) Body) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = enc(item)
	}
	return out
}
