package app

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KaiEkkrin/pinglingle/internal/client"
	"github.com/KaiEkkrin/pinglingle/internal/loader"
	"github.com/KaiEkkrin/pinglingle/internal/scheduler"
	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
	ptesting "github.com/KaiEkkrin/pinglingle/internal/testing"
	"github.com/KaiEkkrin/pinglingle/internal/wire"
)

func testConfig() *loader.Config {
	cfg := loader.DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.Probe.Interval = loader.Duration(20 * time.Millisecond)
	cfg.Probe.Stagger = loader.Duration(-1)
	cfg.Probe.DrainTimeout = loader.Duration(time.Second)
	cfg.Digest.BucketWidth = loader.Duration(100 * time.Millisecond)
	cfg.Digest.Interval = loader.Duration(50 * time.Millisecond)
	cfg.Targets.Addresses = []string{"192.0.2.10"}
	return cfg
}

func TestEndToEnd(t *testing.T) {
	cfg := testConfig()
	if err := loader.Validate(cfg); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}

	var probes atomic.Int64
	prober := scheduler.ProberFunc(func(ctx context.Context, address string) (scheduler.Result, error) {
		probes.Add(1)
		return scheduler.Result{Status: types.StatusSuccess, RTT: 5 * time.Millisecond}, nil
	})

	start := time.Now().Add(-time.Second)
	a, err := New(context.Background(), Options{Config: cfg, Prober: prober})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	gt := ptesting.NewGoroutineTest(t, 30*time.Second)
	defer gt.Wait()
	gt.GoWithContext(a.Run)

	c := client.New(&client.Config{Addr: a.Addr().String(), RequestTimeout: 5 * time.Second})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	if err := c.Health(ctx); err != nil {
		t.Fatalf("Health() error = %v", err)
	}

	// The configured target was seeded.
	targets, err := c.ListTargets(ctx)
	if err != nil {
		t.Fatalf("ListTargets() error = %v", err)
	}
	if len(targets) != 1 || targets[0].Address != "192.0.2.10" {
		t.Fatalf("targets = %+v, want the configured one", targets)
	}
	seeded := targets[0].ID

	if err := c.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// A runtime target starts being probed.
	added, err := c.AddTarget(ctx, "192.0.2.11", 0)
	if err != nil {
		t.Fatalf("AddTarget() error = %v", err)
	}

	ptesting.WaitFor(t, 5*time.Second, "samples for the added target", func() bool {
		samples, err := c.Samples(ctx, added.ID, start, nil)
		return err == nil && len(samples) > 0
	})

	ptesting.WaitFor(t, 5*time.Second, "a pushed sample", func() bool {
		for {
			select {
			case ev, ok := <-c.Events():
				if !ok {
					return false
				}
				if ev.Type == wire.EventSample {
					return true
				}
			default:
				return false
			}
		}
	})

	// Closed buckets are digested by the background aggregator.
	ptesting.WaitFor(t, 5*time.Second, "digests for the seeded target", func() bool {
		digests, err := c.Digests(ctx, client.DigestQuery{TargetID: &seeded, Count: 100})
		if err != nil || len(digests) == 0 {
			return false
		}
		d := digests[0]
		return d.SampleCount > 0 && d.ErrorCount == 0 && d.Percentile50 == 5
	})

	live, err := c.Live(ctx, &seeded)
	if err != nil {
		t.Fatalf("Live() error = %v", err)
	}
	if len(live) > 1 {
		t.Errorf("live returned %d snapshots for one target", len(live))
	}

	targets, err = c.ListTargets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, info := range targets {
		if info.Stats == nil {
			t.Errorf("target %s has no stats", info.Address)
		}
	}

	// Deleting stops probes for the target.
	if _, err := c.DeleteTarget(ctx, added.ID); err != nil {
		t.Fatalf("DeleteTarget() error = %v", err)
	}
	ptesting.WaitFor(t, 5*time.Second, "registry to drop the deleted target", func() bool {
		return a.registry.Len() == 1
	})

	if probes.Load() == 0 {
		t.Error("prober was never called")
	}
}

func TestNewRejectsBadStore(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Driver = "sqlite"
	if _, err := New(context.Background(), Options{Config: cfg}); err == nil {
		t.Fatal("New() should fail for an unknown driver")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Targets.Addresses = nil
	a, err := New(context.Background(), Options{
		Config: cfg,
		Prober: scheduler.ProberFunc(func(ctx context.Context, address string) (scheduler.Result, error) {
			return scheduler.Result{Status: types.StatusSuccess}, nil
		}),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	err = ptesting.WithTimeout(5*time.Second, func() error { return <-done })
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := a.Store().ListTargets(context.Background()); err == nil {
		t.Error("store should be closed after Run returns")
	}
}
