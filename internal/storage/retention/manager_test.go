package retention

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/KaiEkkrin/pinglingle/internal/storage/parquet"
	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
)

type fakeStore struct {
	mu      sync.Mutex
	samples []types.Sample
	digests []types.Digest
	targets []types.Target

	failDigestQuery error
	failSamples     error
}

func (f *fakeStore) DeleteSamplesBefore(ctx context.Context, horizon time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSamples != nil {
		return 0, f.failSamples
	}
	var kept []types.Sample
	var n int64
	for _, s := range f.samples {
		if s.Date.Before(horizon) {
			n++
			continue
		}
		kept = append(kept, s)
	}
	f.samples = kept
	return n, nil
}

func (f *fakeStore) DeleteDigestsBefore(ctx context.Context, horizon time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []types.Digest
	var n int64
	for _, d := range f.digests {
		if d.StartTime.Before(horizon) {
			n++
			continue
		}
		kept = append(kept, d)
	}
	f.digests = kept
	return n, nil
}

func (f *fakeStore) DigestsBefore(ctx context.Context, horizon time.Time) ([]types.Digest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDigestQuery != nil {
		return nil, f.failDigestQuery
	}
	var out []types.Digest
	for _, d := range f.digests {
		if d.StartTime.Before(horizon) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) ListTargets(ctx context.Context) ([]types.Target, error) {
	return f.targets, nil
}

var now = time.Date(2022, 3, 26, 12, 0, 0, 0, time.UTC)

func testConfig() *Config {
	return &Config{Retention: 7 * 24 * time.Hour, BucketWidth: 5 * time.Minute}
}

func TestHorizons(t *testing.T) {
	m := New(&fakeStore{}, testConfig())
	samples, digests := m.Horizons(now)

	if want := time.Date(2022, 3, 19, 12, 0, 0, 0, time.UTC); !samples.Equal(want) {
		t.Errorf("sample horizon = %v, want %v", samples, want)
	}
	if want := time.Date(2022, 3, 19, 11, 50, 0, 0, time.UTC); !digests.Equal(want) {
		t.Errorf("digest horizon = %v, want %v", digests, want)
	}
}

func TestCleanupBoundary(t *testing.T) {
	m := New(nil, testConfig())
	sampleHorizon, digestHorizon := m.Horizons(now)
	target := int64(1)

	store := &fakeStore{
		samples: []types.Sample{
			{ID: 1, Date: sampleHorizon.Add(-time.Nanosecond)},
			{ID: 2, Date: sampleHorizon},
			{ID: 3, Date: sampleHorizon.Add(time.Minute)},
		},
		digests: []types.Digest{
			{ID: 1, TargetID: &target, StartTime: digestHorizon.Add(-5 * time.Minute)},
			{ID: 2, TargetID: &target, StartTime: digestHorizon},
			// Older than the sample horizon but inside the digest margin.
			{ID: 3, TargetID: &target, StartTime: sampleHorizon.Add(-5 * time.Minute)},
		},
	}
	m = New(store, testConfig())

	res, err := m.Cleanup(context.Background(), now)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if res.SamplesDeleted != 1 || res.DigestsDeleted != 1 {
		t.Errorf("deleted %d samples and %d digests, want 1 and 1", res.SamplesDeleted, res.DigestsDeleted)
	}
	if len(store.samples) != 2 || store.samples[0].ID != 2 {
		t.Errorf("samples at the horizon must be retained: %+v", store.samples)
	}
	if len(store.digests) != 2 || store.digests[0].ID != 2 {
		t.Errorf("digests at the horizon must be retained: %+v", store.digests)
	}

	stats := m.Stats()
	if stats.SamplesDeleted != 1 || stats.DigestsDeleted != 1 || !stats.LastRunTime.Equal(now) {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCleanupArchivesBeforeDelete(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.ArchiveDir = dir
	cfg.Compression = parquet.CompressionZstd

	target := int64(4)
	store := &fakeStore{
		targets: []types.Target{{ID: 4, Address: "example.org"}},
		digests: []types.Digest{
			{ID: 1, TargetID: &target, StartTime: now.Add(-30 * 24 * time.Hour), SampleCount: 3, Percentile50: 7},
		},
	}
	m := New(store, cfg)

	res, err := m.Cleanup(context.Background(), now)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if res.Archived != 1 || res.DigestsDeleted != 1 {
		t.Fatalf("result = %+v", res)
	}

	r, err := parquet.NewDigestReader(res.ArchivePath)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	rows, err := r.ReadAll()
	if err != nil || len(rows) != 1 || rows[0].Address != "example.org" || rows[0].Percentile50 != 7 {
		t.Fatalf("archive rows = %+v, %v", rows, err)
	}

	horizon, err := ParseArchiveTime(filepath.Base(res.ArchivePath))
	if err != nil || !horizon.Equal(res.DigestHorizon) {
		t.Errorf("ParseArchiveTime = %v, %v; want %v", horizon, err, res.DigestHorizon)
	}
}

func TestCleanupKeepsDigestsWhenArchiveFails(t *testing.T) {
	cfg := testConfig()
	cfg.ArchiveDir = t.TempDir()

	target := int64(1)
	boom := errors.New("query failed")
	store := &fakeStore{
		failDigestQuery: boom,
		digests:         []types.Digest{{ID: 1, TargetID: &target, StartTime: now.Add(-30 * 24 * time.Hour)}},
		samples:         []types.Sample{{ID: 1, Date: now.Add(-30 * 24 * time.Hour)}},
	}
	m := New(store, cfg)

	err := m.Enforce(context.Background(), now)
	if !errors.Is(err, boom) {
		t.Fatalf("expected archive error, got %v", err)
	}
	if len(store.digests) != 1 {
		t.Error("digests must survive a failed archive")
	}
	if len(store.samples) != 0 {
		t.Error("samples should still be evicted")
	}
	if m.Stats().Errors != 1 {
		t.Errorf("errors = %d, want 1", m.Stats().Errors)
	}
}

func TestParseArchiveTimeRejectsForeignFiles(t *testing.T) {
	for _, name := range []string{"invalid.parquet", "digests_.parquet", "samples_2022-03-19_10-00-00.parquet"} {
		if _, err := ParseArchiveTime(name); err == nil {
			t.Errorf("ParseArchiveTime(%q) should fail", name)
		}
	}
}
