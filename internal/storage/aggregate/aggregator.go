package aggregate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KaiEkkrin/pinglingle/config"
	"github.com/KaiEkkrin/pinglingle/internal/errors"
	"github.com/KaiEkkrin/pinglingle/internal/logging"
	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
)

var log = logging.Component("aggregator")

// =============================================================================
// Configuration
// =============================================================================

// Retainer evicts data older than the retention horizon. It runs at the
// start of every pass.
type Retainer interface {
	Enforce(ctx context.Context, now time.Time) error
}

// Config holds aggregator configuration.
type Config struct {
	// BucketWidth is the width of one digest bucket.
	BucketWidth time.Duration

	// Interval is how often a pass runs.
	Interval time.Duration

	// Retention is optional. Nil disables eviction.
	Retention Retainer

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns default aggregator configuration.
func DefaultConfig() *Config {
	return &Config{
		BucketWidth: config.DefaultBucketWidth,
		Interval:    config.DefaultDigestInterval,
		Now:         time.Now,
	}
}

// PassResult describes one completed pass.
type PassResult struct {
	Buckets int
	Digests int
	Samples int
	// Failed counts digested samples without a response time.
	Failed int
}

// Stats holds aggregator counters.
type Stats struct {
	Passes          int64
	Overlaps        int64
	Failures        int64
	DigestsCreated  int64
	SamplesDigested int64
}

// =============================================================================
// Aggregator
// =============================================================================

// Aggregator turns undigested samples into one digest per target per
// closed bucket.
//
// At most one pass runs at a time. Aggregator is safe for concurrent use.
type Aggregator struct {
	store     types.DigestStore
	width     time.Duration
	interval  time.Duration
	retention Retainer
	now       func() time.Time

	running atomic.Bool
	wg      sync.WaitGroup

	passes          atomic.Int64
	overlaps        atomic.Int64
	failures        atomic.Int64
	digestsCreated  atomic.Int64
	samplesDigested atomic.Int64
}

// New creates an Aggregator over store.
func New(store types.DigestStore, cfg *Config) *Aggregator {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	a := &Aggregator{
		store:     store,
		width:     cfg.BucketWidth,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		now:       cfg.Now,
	}
	if a.width <= 0 {
		a.width = config.DefaultBucketWidth
	}
	if a.interval <= 0 {
		a.interval = a.width / 5
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// BucketWidth returns the configured bucket width.
func (a *Aggregator) BucketWidth() time.Duration {
	return a.width
}

// Run runs a pass immediately and then on every interval until ctx is
// cancelled. Each pass runs in its own goroutine; a tick that fires while
// a pass is still running is skipped and logged. Run waits for the last
// pass to finish before returning.
func (a *Aggregator) Run(ctx context.Context) error {
	log.Info("aggregator started", "bucket_width", a.width, "interval", a.interval)

	a.spawn(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.spawn(ctx)
		case <-ctx.Done():
			a.wg.Wait()
			log.Info("aggregator stopped")
			return nil
		}
	}
}

func (a *Aggregator) spawn(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_, _ = a.RunOnce(ctx)
	}()
}

// RunOnce runs retention and then digests every closed bucket. It returns
// errors.ErrPassInProgress without doing anything if another pass holds
// the guard.
func (a *Aggregator) RunOnce(ctx context.Context) (result PassResult, err error) {
	if !a.running.CompareAndSwap(false, true) {
		a.overlaps.Add(1)
		log.Error("overlapping digest pass detected", "error", errors.ErrPassInProgress)
		return PassResult{}, errors.ErrPassInProgress
	}
	defer a.running.Store(false)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in digest pass", "panic", r)
			a.failures.Add(1)
			err = fmt.Errorf("digest pass panic: %v: %w", r, errors.ErrInternal)
		}
	}()

	a.passes.Add(1)

	if a.retention != nil {
		if rerr := a.retention.Enforce(ctx, a.now()); rerr != nil {
			log.Error("retention failed (will retry)", "error", rerr)
		}
	}

	result, err = a.Digest(ctx)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		log.Debug("digest pass interrupted", "error", err)
	default:
		a.failures.Add(1)
		log.Error("error creating digest (will retry)", "error", err)
	}
	return result, err
}

// Digest closes buckets until only the newest, possibly still open,
// bucket remains. Each bucket commits in its own transaction, so an error
// leaves earlier buckets digested and the failed one untouched.
func (a *Aggregator) Digest(ctx context.Context) (PassResult, error) {
	var total PassResult
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		res, err := a.digestNextBucket(ctx)
		if err != nil {
			return total, err
		}
		if res.Digests == 0 {
			return total, nil
		}

		total.Buckets += res.Buckets
		total.Digests += res.Digests
		total.Samples += res.Samples
		total.Failed += res.Failed
	}
}

// digestNextBucket digests the oldest undigested bucket if a later sample
// proves it closed.
func (a *Aggregator) digestNextBucket(ctx context.Context) (PassResult, error) {
	var (
		digests []types.Digest
		sampleN int
		failed  int
		bucket  time.Time
	)

	err := a.store.WithDigestTx(ctx, func(tx types.DigestTx) error {
		cur, err := tx.UndigestedSamples(ctx)
		if err != nil {
			return err
		}
		defer cur.Close()

		var (
			started bool
			closed  bool
			ids     []int64
			order   []int64
			accs    = make(map[int64]*Accumulator)
		)

		for cur.Next() {
			s := cur.Sample()
			if s.TargetID == nil {
				continue
			}

			start := types.BucketStart(s.Date, a.width)
			if started && start.After(bucket) {
				closed = true
				break
			}
			if !started {
				bucket = start
				started = true
			}

			acc, ok := accs[*s.TargetID]
			if !ok {
				acc = &Accumulator{}
				accs[*s.TargetID] = acc
				order = append(order, *s.TargetID)
			}
			acc.Add(s)
			ids = append(ids, s.ID)
		}
		if err := cur.Err(); err != nil {
			return err
		}
		// Release the read before writing on the same transaction.
		if err := cur.Close(); err != nil {
			return err
		}

		if !closed {
			return nil
		}

		digests = make([]types.Digest, 0, len(order))
		for _, targetID := range order {
			acc := accs[targetID]
			failed += int(acc.ErrorCount())
			digests = append(digests, acc.Digest(targetID, bucket))
		}

		if err := tx.MarkDigested(ctx, ids); err != nil {
			return err
		}
		if err := tx.InsertDigests(ctx, digests); err != nil {
			return err
		}
		sampleN = len(ids)
		return nil
	})
	if err != nil {
		return PassResult{}, errors.Wrap(err, "digest bucket")
	}

	if len(digests) == 0 {
		return PassResult{}, nil
	}
	a.digestsCreated.Add(int64(len(digests)))
	a.samplesDigested.Add(int64(sampleN))
	log.Info("digested samples in slot",
		"samples", sampleN,
		"failed", failed,
		"digests", len(digests),
		"start_time", bucket.Format(time.RFC3339))
	return PassResult{Buckets: 1, Digests: len(digests), Samples: sampleN, Failed: failed}, nil
}

// Stats returns aggregator counters.
func (a *Aggregator) Stats() Stats {
	return Stats{
		Passes:          a.passes.Load(),
		Overlaps:        a.overlaps.Load(),
		Failures:        a.failures.Load(),
		DigestsCreated:  a.digestsCreated.Load(),
		SamplesDigested: a.samplesDigested.Load(),
	}
}
