// Package retention evicts samples and digests older than the retention
// horizon, optionally archiving the digests to Parquet first.
package retention

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/KaiEkkrin/pinglingle/config"
	"github.com/KaiEkkrin/pinglingle/internal/logging"
	"github.com/KaiEkkrin/pinglingle/internal/storage/parquet"
	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
)

var log = logging.Component("retention")

// archiveLayout names archive files after the digest horizon.
const archiveLayout = "2006-01-02_15-04-05"

// Store is the subset of the store retention needs.
type Store interface {
	DeleteSamplesBefore(ctx context.Context, horizon time.Time) (int64, error)
	DeleteDigestsBefore(ctx context.Context, horizon time.Time) (int64, error)
	DigestsBefore(ctx context.Context, horizon time.Time) ([]types.Digest, error)
	ListTargets(ctx context.Context) ([]types.Target, error)
}

// Config holds retention configuration.
type Config struct {
	// Retention is the sample age beyond which data is deleted.
	Retention time.Duration

	// BucketWidth sets the extra margin digests are kept for: two buckets.
	BucketWidth time.Duration

	// ArchiveDir receives a Parquet file of expiring digests before they
	// are deleted. Empty disables archiving.
	ArchiveDir string

	// Compression for archive files.
	Compression parquet.CompressionType
}

// DefaultConfig returns default retention configuration.
func DefaultConfig() *Config {
	return &Config{
		Retention:   config.DefaultRetention,
		BucketWidth: config.DefaultBucketWidth,
		Compression: parquet.CompressionZstd,
	}
}

// Manager handles eviction of expired data.
type Manager struct {
	mu     sync.RWMutex
	store  Store
	config Config
	stats  Stats
}

// Stats holds retention statistics.
type Stats struct {
	LastRunTime     time.Time
	SamplesDeleted  int64
	DigestsDeleted  int64
	DigestsArchived int64
	Errors          int64
}

// CleanupResult holds the result of one Enforce call.
type CleanupResult struct {
	SampleHorizon  time.Time
	DigestHorizon  time.Time
	SamplesDeleted int64
	DigestsDeleted int64
	ArchivePath    string
	Archived       int64
}

// New creates a new retention manager.
func New(store Store, cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.Retention <= 0 {
		c.Retention = config.DefaultRetention
	}
	if c.BucketWidth <= 0 {
		c.BucketWidth = config.DefaultBucketWidth
	}

	return &Manager{
		store:  store,
		config: c,
	}
}

// Horizons returns the cutoffs for now. Samples dated before the sample
// horizon and digests starting before the digest horizon are evicted.
func (m *Manager) Horizons(now time.Time) (samples, digests time.Time) {
	samples = now.UTC().Add(-m.config.Retention)
	digests = samples.Add(-2 * m.config.BucketWidth)
	return samples, digests
}

// Enforce evicts expired data. It satisfies aggregate.Retainer.
func (m *Manager) Enforce(ctx context.Context, now time.Time) error {
	_, err := m.Cleanup(ctx, now)
	return err
}

// Cleanup archives and deletes expired digests, then deletes expired
// samples. If archiving fails no digests are deleted.
func (m *Manager) Cleanup(ctx context.Context, now time.Time) (*CleanupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.LastRunTime = now
	sampleHorizon, digestHorizon := m.Horizons(now)
	result := &CleanupResult{SampleHorizon: sampleHorizon, DigestHorizon: digestHorizon}

	var errs []error

	archived := true
	if m.config.ArchiveDir != "" {
		if err := m.archive(ctx, digestHorizon, result); err != nil {
			errs = append(errs, fmt.Errorf("archive digests: %w", err))
			archived = false
		}
	}

	if archived {
		n, err := m.store.DeleteDigestsBefore(ctx, digestHorizon)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete digests: %w", err))
		}
		result.DigestsDeleted = n
	}

	n, err := m.store.DeleteSamplesBefore(ctx, sampleHorizon)
	if err != nil {
		errs = append(errs, fmt.Errorf("delete samples: %w", err))
	}
	result.SamplesDeleted = n

	m.stats.SamplesDeleted += result.SamplesDeleted
	m.stats.DigestsDeleted += result.DigestsDeleted
	m.stats.DigestsArchived += result.Archived
	m.stats.Errors += int64(len(errs))

	if result.SamplesDeleted > 0 || result.DigestsDeleted > 0 {
		log.Info("deleted old digests and samples",
			"digests_deleted", result.DigestsDeleted,
			"samples_deleted", result.SamplesDeleted)
	} else {
		log.Debug("nothing to delete", "sample_horizon", sampleHorizon)
	}

	if len(errs) > 0 {
		return result, errors.Join(errs...)
	}
	return result, nil
}

func (m *Manager) archive(ctx context.Context, horizon time.Time, result *CleanupResult) error {
	digests, err := m.store.DigestsBefore(ctx, horizon)
	if err != nil {
		return err
	}
	if len(digests) == 0 {
		return nil
	}

	addresses := make(map[int64]string)
	if targets, err := m.store.ListTargets(ctx); err == nil {
		for _, t := range targets {
			addresses[t.ID] = t.Address
		}
	} else {
		log.Warn("archive without addresses", "error", err)
	}

	path := filepath.Join(m.config.ArchiveDir, "digests_"+horizon.Format(archiveLayout)+".parquet")
	w, err := parquet.NewDigestWriter(path, parquet.Options{Compression: m.config.Compression})
	if err != nil {
		return err
	}
	if err := w.WriteDigests(digests, addresses); err != nil {
		w.Abort()
		return err
	}
	if err := w.Close(); err != nil {
		w.Abort()
		return err
	}

	result.ArchivePath = path
	result.Archived = int64(len(digests))
	log.Info("archived expiring digests", "count", len(digests), "path", path)
	return nil
}

// ParseArchiveTime extracts the digest horizon from an archive file name.
func ParseArchiveTime(name string) (time.Time, error) {
	base := filepath.Base(name)
	base = base[:len(base)-len(filepath.Ext(base))]
	const prefix = "digests_"
	if len(base) <= len(prefix) || base[:len(prefix)] != prefix {
		return time.Time{}, fmt.Errorf("not a digest archive: %s", name)
	}
	return time.Parse(archiveLayout, base[len(prefix):])
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
