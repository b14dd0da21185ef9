package loader

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/KaiEkkrin/pinglingle/internal/errors"
	"github.com/KaiEkkrin/pinglingle/internal/manager"
	psync "github.com/KaiEkkrin/pinglingle/internal/sync"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Validate(DefaultConfig()); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestParse(t *testing.T) {
	t.Setenv("PINGLINGLE_DSN", "/var/lib/pinglingle/samples.duckdb")

	cfg, err := Parse([]byte(`
listen: ":9999"
logging:
  level: debug
  format: json
store:
  dsn: ${PINGLINGLE_DSN}
  cascade_samples: false
probe:
  interval: 2s
  timeout: 1
  max_in_flight: 3
digest:
  bucket_width: 1m
  interval: 10s
targets:
  policy: full-sync
  addresses:
    - 192.0.2.1
    - router.example
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.Listen != ":9999" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.Store.DSN != "/var/lib/pinglingle/samples.duckdb" {
		t.Errorf("dsn not expanded: %q", cfg.Store.DSN)
	}
	if got := cfg.Probe.Timeout.Duration(); got != time.Second {
		t.Errorf("integer timeout = %v, want 1s", got)
	}
	if got := cfg.Probe.Interval.Duration(); got != 2*time.Second {
		t.Errorf("interval = %v, want 2s", got)
	}

	// Unset fields keep their defaults.
	if cfg.Probe.Method != "icmp" || cfg.Session.SendBufferSize != 1000 {
		t.Errorf("defaults lost: method %q, buffer %d", cfg.Probe.Method, cfg.Session.SendBufferSize)
	}

	sc := ToStoreConfig(&cfg.Store)
	if sc.CascadeSamples {
		t.Error("cascade_samples: false was not applied")
	}
	if !RetentionEnabled(cfg) {
		t.Error("retention should default on for a persistent store")
	}

	ac := ToAggregatorConfig(&cfg.Digest)
	if ac.BucketWidth != time.Minute || ac.Interval != 10*time.Second {
		t.Errorf("aggregator config = %+v", ac)
	}
	if sched := ToSchedulerConfig(&cfg.Probe); sched.MaxInFlight != 3 {
		t.Errorf("max in flight = %d", sched.MaxInFlight)
	}
}

func TestParseBadDuration(t *testing.T) {
	if _, err := Parse([]byte("probe:\n  interval: soon\n")); err == nil {
		t.Error("expected error for bad duration")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Listen = ""
	cfg.Store.Driver = "pgx"
	cfg.Probe.Method = "carrier-pigeon"
	cfg.Probe.MaxInFlight = 0
	cfg.Digest.LiveAccuracy = 2
	cfg.Targets.Policy = "source-aware"
	cfg.Targets.Addresses = []string{"192.0.2.1", " "}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	if !errors.IsValidation(err) {
		t.Errorf("error should be a validation error: %v", err)
	}

	msg := err.Error()
	for _, field := range []string{
		"listen", "store.dsn", "probe.method", "probe.max_in_flight",
		"digest.live_accuracy", "targets.policy", "targets.addresses[1]",
	} {
		if !strings.Contains(msg, field) {
			t.Errorf("error does not mention %s: %s", field, msg)
		}
	}
}

func TestRetentionEnabled(t *testing.T) {
	on, off := true, false
	tests := []struct {
		name    string
		dsn     string
		enabled *bool
		want    bool
	}{
		{"in memory", "", nil, false},
		{"persistent", "data.duckdb", nil, true},
		{"forced on", "", &on, true},
		{"forced off", "data.duckdb", &off, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Store.DSN = tt.dsn
			cfg.Retention.Enabled = tt.enabled
			if got := RetentionEnabled(cfg); got != tt.want {
				t.Errorf("RetentionEnabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewProber(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := NewProber(&cfg.Probe); err != nil {
		t.Errorf("icmp prober: %v", err)
	}
	cfg.Probe.Method = "snmp"
	if _, err := NewProber(&cfg.Probe); err != nil {
		t.Errorf("snmp prober: %v", err)
	}
	cfg.Probe.Method = "smoke-signal"
	if _, err := NewProber(&cfg.Probe); err == nil {
		t.Error("unknown method should fail")
	}
}

type recordingReconciler struct {
	calls     int
	addresses []string
	policy    psync.Policy
}

func (r *recordingReconciler) Reconcile(ctx context.Context, addresses []string, policy psync.Policy) (manager.ReconcileResult, error) {
	r.calls++
	r.addresses = addresses
	r.policy = policy
	return manager.ReconcileResult{Created: len(addresses)}, nil
}

func TestWatcherReloadsTargets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pinglingle.yaml")
	if err := os.WriteFile(path, []byte("targets:\n  addresses: [192.0.2.1]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := &recordingReconciler{}
	var results []manager.ReconcileResult
	w := NewWatcher(path, time.Hour, r, func(res manager.ReconcileResult, err error) {
		if err != nil {
			t.Errorf("reload error: %v", err)
		}
		results = append(results, res)
	})

	// First check picks the file up because no mod time is recorded yet.
	if !w.Check(context.Background()) {
		t.Fatal("first check should reload")
	}
	if w.Check(context.Background()) {
		t.Error("unchanged file should not reload")
	}

	if err := os.WriteFile(path, []byte("targets:\n  policy: full-sync\n  addresses: [192.0.2.1, 192.0.2.2]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	if !w.Check(context.Background()) {
		t.Fatal("changed file should reload")
	}
	if r.calls != 2 || r.policy != psync.PolicyFullSync || len(r.addresses) != 2 {
		t.Errorf("reconciler saw %d calls, policy %q, addresses %v", r.calls, r.policy, r.addresses)
	}
	if len(results) != 2 || results[1].Created != 2 {
		t.Errorf("callback results = %+v", results)
	}
}
