package store

import (
	"context"
	"testing"
	"time"

	"github.com/KaiEkkrin/pinglingle/internal/errors"
	"github.com/KaiEkkrin/pinglingle/internal/storage/aggregate"
	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, cascade bool) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Driver = DriverDuckDB
	cfg.CascadeSamples = cascade
	cfg.MaxOpenConns = 1
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func addTarget(t *testing.T, s *Store, address string) types.Target {
	t.Helper()
	target := types.Target{Address: address}
	if err := s.CreateTarget(context.Background(), &target); err != nil {
		t.Fatalf("CreateTarget(%s) error = %v", address, err)
	}
	return target
}

func insertAll(t *testing.T, s *Store, samples ...types.Sample) {
	t.Helper()
	for i := range samples {
		if err := s.InsertSample(context.Background(), &samples[i]); err != nil {
			t.Fatalf("InsertSample(%d) error = %v", i, err)
		}
	}
}

func success(id int64, offset time.Duration, ms int) types.Sample {
	return types.NewSuccessSample(id, base.Add(offset), time.Duration(ms)*time.Millisecond)
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{Driver: "sqlite"}); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("unknown driver error = %v", err)
	}
	if _, err := New(Config{Driver: DriverPgx}); !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("pgx without dsn error = %v", err)
	}
}

func TestTargets(t *testing.T) {
	s := newTestStore(t, true)
	ctx := context.Background()

	b := addTarget(t, s, "b.example.com")
	a := addTarget(t, s, "a.example.com")
	if a.ID == b.ID || a.ID == 0 {
		t.Fatalf("ids not assigned: %d %d", a.ID, b.ID)
	}
	if a.Frequency != types.DefaultFrequency {
		t.Errorf("frequency = %d, want default", a.Frequency)
	}

	dup := types.Target{Address: "a.example.com"}
	if err := s.CreateTarget(ctx, &dup); !errors.IsAlreadyExists(err) {
		t.Errorf("duplicate address error = %v", err)
	}

	list, err := s.ListTargets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Address != "a.example.com" {
		t.Errorf("ListTargets() = %v, want ordered by address", list)
	}

	got, err := s.GetTargetByAddress(ctx, "b.example.com")
	if err != nil || got.ID != b.ID {
		t.Errorf("GetTargetByAddress() = %v, %v", got, err)
	}
	if _, err := s.GetTarget(ctx, 9999); !errors.IsNotFound(err) {
		t.Errorf("GetTarget(missing) error = %v", err)
	}
	if _, err := s.DeleteTarget(ctx, 9999); !errors.IsNotFound(err) {
		t.Errorf("DeleteTarget(missing) error = %v", err)
	}
}

func TestSamplesQuery(t *testing.T) {
	s := newTestStore(t, true)
	ctx := context.Background()
	target := addTarget(t, s, "10.0.0.1")

	for i := 0; i < 5; i++ {
		sample := success(target.ID, time.Duration(i)*time.Minute, 10+i)
		if err := s.InsertSample(ctx, &sample); err != nil {
			t.Fatal(err)
		}
		if sample.ID == 0 {
			t.Fatal("sample id not assigned")
		}
	}
	failed := types.NewFailedSample(target.ID, base.Add(5*time.Minute), types.StatusTimedOut)
	if err := s.InsertSample(ctx, &failed); err != nil {
		t.Fatal(err)
	}

	// oldest is exclusive and newest inclusive.
	newest := base.Add(3 * time.Minute)
	got, err := s.ListSamples(ctx, target.ID, base, &newest)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("ListSamples() returned %d samples, want 3", len(got))
	}
	if *got[0].ResponseTimeMillis != 11 || !got[0].Date.Equal(base.Add(time.Minute)) {
		t.Errorf("first sample = %+v", got[0])
	}

	all, err := s.ListSamples(ctx, target.ID, base.Add(-time.Second), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 6 {
		t.Fatalf("open-ended query returned %d samples, want 6", len(all))
	}
	last := all[5]
	if last.Status != types.StatusTimedOut || last.ResponseTimeMillis != nil {
		t.Errorf("failed sample round trip = %+v", last)
	}

	if _, err := s.ListSamples(ctx, target.ID, time.Time{}, nil); !errors.IsValidation(err) {
		t.Errorf("missing oldest error = %v", err)
	}
	before := base.Add(-time.Hour)
	if _, err := s.ListSamples(ctx, target.ID, base, &before); !errors.IsValidation(err) {
		t.Errorf("inverted range error = %v", err)
	}

	bad := types.Sample{TargetID: &target.ID, Date: base, Status: types.StatusSuccess}
	if err := s.InsertSample(ctx, &bad); !errors.Is(err, errors.ErrInvalidSample) {
		t.Errorf("invalid sample error = %v", err)
	}
}

func TestDigestPassAgainstDatabase(t *testing.T) {
	s := newTestStore(t, true)
	ctx := context.Background()
	a := addTarget(t, s, "a")
	b := addTarget(t, s, "b")

	insertAll(t, s,
		success(a.ID, 0, 10),
		success(a.ID, time.Minute, 30),
		types.NewFailedSample(a.ID, base.Add(2*time.Minute), types.StatusTimedOut),
		success(b.ID, 3*time.Minute, 50),
		success(a.ID, 6*time.Minute, 20),
	)

	agg := aggregate.New(s, &aggregate.Config{BucketWidth: 5 * time.Minute})
	res, err := agg.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Buckets != 1 || res.Digests != 2 || res.Samples != 4 {
		t.Errorf("RunOnce() = %+v", res)
	}

	digests, err := s.ListDigests(ctx, DigestQuery{Oldest: &base})
	if err != nil {
		t.Fatal(err)
	}
	if len(digests) != 2 {
		t.Fatalf("got %d digests, want 2", len(digests))
	}
	var da types.Digest
	for _, d := range digests {
		if *d.TargetID == a.ID {
			da = d
		}
	}
	if da.SampleCount != 3 || da.ErrorCount != 1 || da.Percentile50 != 20 {
		t.Errorf("digest for a = %+v", da)
	}
	if !da.StartTime.Equal(base) {
		t.Errorf("digest start = %v, want %v", da.StartTime, base)
	}

	// Second pass finds only the open bucket.
	res, err = agg.RunOnce(ctx)
	if err != nil || res.Digests != 0 {
		t.Errorf("second RunOnce() = %+v, %v", res, err)
	}

	only := a.ID
	mine, err := s.ListDigests(ctx, DigestQuery{TargetID: &only, Count: 10})
	if err != nil || len(mine) != 1 {
		t.Errorf("filtered ListDigests() = %v, %v", mine, err)
	}
}

func TestDigestQueryValidate(t *testing.T) {
	later := base.Add(time.Hour)
	tests := []struct {
		name    string
		q       DigestQuery
		wantErr bool
	}{
		{"empty", DigestQuery{}, true},
		{"count only", DigestQuery{Count: 5}, false},
		{"count too large", DigestQuery{Count: 10001}, true},
		{"negative count", DigestQuery{Oldest: &base, Count: -1}, true},
		{"inverted", DigestQuery{Oldest: &later, Newest: &base}, true},
		{"range", DigestQuery{Oldest: &base, Newest: &later}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.q.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetentionBoundary(t *testing.T) {
	s := newTestStore(t, true)
	ctx := context.Background()
	target := addTarget(t, s, "a")

	insertAll(t, s,
		success(target.ID, -time.Second, 1),
		success(target.ID, 0, 2),
		success(target.ID, time.Second, 3),
	)

	n, err := s.DeleteSamplesBefore(ctx, base)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted %d samples, want 1", n)
	}

	rest, err := s.ListSamples(ctx, target.ID, base.Add(-time.Hour), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 || !rest[0].Date.Equal(base) {
		t.Errorf("sample at the horizon should survive, got %v", rest)
	}
}

func TestDeleteTarget(t *testing.T) {
	for _, cascade := range []bool{true, false} {
		name := "keep samples"
		if cascade {
			name = "cascade samples"
		}
		t.Run(name, func(t *testing.T) {
			s := newTestStore(t, cascade)
			ctx := context.Background()
			target := addTarget(t, s, "gone.example.com")

			insertAll(t, s,
				success(target.ID, 0, 5),
				success(target.ID, 6*time.Minute, 5),
			)
			if _, err := aggregate.New(s, nil).RunOnce(ctx); err != nil {
				t.Fatal(err)
			}

			deleted, err := s.DeleteTarget(ctx, target.ID)
			if err != nil {
				t.Fatalf("DeleteTarget() error = %v", err)
			}
			if deleted.Address != "gone.example.com" {
				t.Errorf("deleted = %+v", deleted)
			}

			digests, err := s.DigestsBefore(ctx, base.Add(time.Hour))
			if err != nil {
				t.Fatal(err)
			}
			if len(digests) != 1 || digests[0].TargetID != nil {
				t.Errorf("digest should survive with a null target: %+v", digests)
			}

			var remaining int
			if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM samples`).Scan(&remaining); err != nil {
				t.Fatal(err)
			}
			want := 2
			if cascade {
				want = 0
			}
			if remaining != want {
				t.Errorf("%d samples remain, want %d", remaining, want)
			}
		})
	}
}

func TestInsertAfterDeleteTarget(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()
	target := addTarget(t, s, "late.example.com")
	if _, err := s.DeleteTarget(ctx, target.ID); err != nil {
		t.Fatal(err)
	}

	for _, offset := range []time.Duration{0, time.Minute, 6 * time.Minute} {
		sample := success(target.ID, offset, 5)
		if err := s.InsertSample(ctx, &sample); !errors.Is(err, ErrTargetNotFound) {
			t.Errorf("InsertSample(+%v) error = %v, want ErrTargetNotFound", offset, err)
		}
	}

	res, err := aggregate.New(s, nil).Digest(ctx)
	if err != nil {
		t.Fatalf("Digest() error = %v", err)
	}
	if res.Digests != 0 {
		t.Errorf("Digest() = %+v, want no digests", res)
	}
	digests, err := s.DigestsBefore(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(digests) != 0 {
		t.Errorf("digests for a deleted target: %+v", digests)
	}
}

func TestUndigestedSamplesSkipDeletedTargets(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()
	kept := addTarget(t, s, "kept.example.com")
	gone := addTarget(t, s, "gone.example.com")

	insertAll(t, s,
		success(kept.ID, 0, 5),
		success(gone.ID, time.Minute, 5),
		success(kept.ID, 6*time.Minute, 5),
	)
	// A sample written just before its target was removed.
	if _, err := s.DB().ExecContext(ctx, `DELETE FROM targets WHERE id = $1`, gone.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := aggregate.New(s, nil).Digest(ctx); err != nil {
		t.Fatalf("Digest() error = %v", err)
	}
	digests, err := s.DigestsBefore(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(digests) != 1 || digests[0].TargetID == nil || *digests[0].TargetID != kept.ID {
		t.Errorf("digests = %+v, want one for target %d", digests, kept.ID)
	}
}

func TestClosedStore(t *testing.T) {
	s := newTestStore(t, true)
	s.Close()
	if _, err := s.ListTargets(context.Background()); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("ListTargets() after Close error = %v", err)
	}
}
