package types

import (
	"context"
	"time"
)

// SampleCursor is a forward-only stream of samples.
//
//	for cur.Next() {
//		s := cur.Sample()
//	}
//	if err := cur.Err(); err != nil { ... }
type SampleCursor interface {
	Next() bool
	Sample() Sample
	Err() error
	Close() error
}

// DigestTx is the unit of work for one digest pass. Nothing it writes is
// visible until the surrounding transaction commits.
type DigestTx interface {
	// UndigestedSamples streams undigested samples that still reference a
	// target, in ascending date order.
	UndigestedSamples(ctx context.Context) (SampleCursor, error)

	// MarkDigested sets the digested flag on the given sample ids.
	MarkDigested(ctx context.Context, ids []int64) error

	// InsertDigests appends digests and assigns their ids.
	InsertDigests(ctx context.Context, digests []Digest) error
}

// DigestStore runs digest passes and retention deletes.
type DigestStore interface {
	// WithDigestTx runs fn inside one transaction, committing when fn
	// returns nil and rolling back otherwise.
	WithDigestTx(ctx context.Context, fn func(DigestTx) error) error

	DeleteSamplesBefore(ctx context.Context, horizon time.Time) (int64, error)
	DeleteDigestsBefore(ctx context.Context, horizon time.Time) (int64, error)
}
