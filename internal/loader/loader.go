// Package loader handles configuration file loading, validation, and application.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables
//   - Validating every section and collecting all problems at once
//   - Converting the file's sections into component configurations
//   - Reconciling statically declared targets, once and on reload
package loader

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/KaiEkkrin/pinglingle/internal/errors"
	"github.com/KaiEkkrin/pinglingle/internal/handler"
	"github.com/KaiEkkrin/pinglingle/internal/logging"
	"github.com/KaiEkkrin/pinglingle/internal/manager"
	"github.com/KaiEkkrin/pinglingle/internal/scheduler"
	"github.com/KaiEkkrin/pinglingle/internal/server"
	"github.com/KaiEkkrin/pinglingle/internal/storage/aggregate"
	"github.com/KaiEkkrin/pinglingle/internal/storage/parquet"
	"github.com/KaiEkkrin/pinglingle/internal/storage/retention"
	"github.com/KaiEkkrin/pinglingle/internal/store"
	psync "github.com/KaiEkkrin/pinglingle/internal/sync"
)

var log = logging.Component("loader")

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration on top of the defaults. Environment
// variables ("${NAME}") are expanded first.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	// Server validation
	if cfg.Listen == "" {
		errs.AddField("listen", "cannot be empty")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		errs.AddField("tls", "cert_file and key_file must be set together")
	}
	if cfg.Session.SendBufferSize < 10 || cfg.Session.SendBufferSize > 100000 {
		errs.AddField("session.send_buffer_size", "must be between 10 and 100000")
	}
	if cfg.Session.SendTimeoutMs < 1 || cfg.Session.SendTimeoutMs > 10000 {
		errs.AddField("session.send_timeout_ms", "must be between 1 and 10000")
	}

	// Logging validation
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		errs.AddField("logging.level", err.Error())
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		errs.AddField("logging.format", "must be text or json")
	}

	// Store validation
	switch cfg.Store.Driver {
	case store.DriverDuckDB:
	case store.DriverPgx:
		if cfg.Store.DSN == "" {
			errs.AddMissing("store.dsn")
		}
	default:
		errs.AddField("store.driver", fmt.Sprintf("unknown driver %q", cfg.Store.Driver))
	}
	if cfg.Store.MaxOpenConns < 1 {
		errs.AddField("store.max_open_conns", "must be at least 1")
	}

	validateProbe(&cfg.Probe, errs)

	// Digest validation
	if cfg.Digest.BucketWidth <= 0 {
		errs.AddField("digest.bucket_width", "must be positive")
	}
	if cfg.Digest.Interval <= 0 {
		errs.AddField("digest.interval", "must be positive")
	}
	if cfg.Digest.LiveAccuracy <= 0 || cfg.Digest.LiveAccuracy >= 1 {
		errs.AddField("digest.live_accuracy", "must be between 0 and 1")
	}

	// Retention validation
	if cfg.Retention.MaxAge <= 0 {
		errs.AddField("retention.max_age", "must be positive")
	} else if cfg.Retention.MaxAge < cfg.Digest.BucketWidth {
		errs.AddField("retention.max_age", "must be at least one bucket width")
	}

	// Targets validation
	if _, err := psync.ParsePolicy(cfg.Targets.Policy); err != nil {
		errs.AddField("targets.policy", err.Error())
	}
	for i, addr := range cfg.Targets.Addresses {
		if strings.TrimSpace(addr) == "" {
			errs.AddField(fmt.Sprintf("targets.addresses[%d]", i), "cannot be empty")
		}
	}
	if cfg.Targets.ReloadInterval < 0 {
		errs.AddField("targets.reload_interval", "cannot be negative")
	}

	return errs.Err()
}

func validateProbe(p *ProbeConfig, errs *errors.ValidationErrors) {
	switch p.Method {
	case "icmp":
	case "snmp":
		if p.SNMP.Port == 0 {
			errs.AddField("probe.snmp.port", "cannot be zero")
		}
		if p.SNMP.OID == "" {
			errs.AddMissing("probe.snmp.oid")
		}
		if p.SNMP.SecurityName == "" && p.SNMP.Community == "" {
			errs.AddField("probe.snmp", "community or security_name is required")
		}
		switch p.SNMP.SecurityLevel {
		case "", "noAuthNoPriv", "authNoPriv", "authPriv":
		default:
			errs.AddField("probe.snmp.security_level", "must be noAuthNoPriv, authNoPriv or authPriv")
		}
	default:
		errs.AddField("probe.method", fmt.Sprintf("unknown method %q", p.Method))
	}

	if p.Interval <= 0 {
		errs.AddField("probe.interval", "must be positive")
	}
	if p.Timeout <= 0 {
		errs.AddField("probe.timeout", "must be positive")
	}
	if p.MaxInFlight < 1 {
		errs.AddField("probe.max_in_flight", "must be at least 1")
	}
	if p.WriteTimeout <= 0 {
		errs.AddField("probe.write_timeout", "must be positive")
	}
	if p.DrainTimeout < 0 {
		errs.AddField("probe.drain_timeout", "cannot be negative")
	}
}

// =============================================================================
// Conversion: Config → component configurations
// =============================================================================

// ToStoreConfig converts the store section.
func ToStoreConfig(cfg *StoreConfig) store.Config {
	c := store.DefaultConfig()
	c.Driver = cfg.Driver
	c.DSN = cfg.DSN
	if cfg.CascadeSamples != nil {
		c.CascadeSamples = *cfg.CascadeSamples
	}
	c.MaxOpenConns = cfg.MaxOpenConns
	c.MaxIdleConns = cfg.MaxIdleConns
	c.ConnMaxLifetime = cfg.ConnMaxLifetime.Duration()
	c.QueryTimeout = cfg.QueryTimeout.Duration()
	return c
}

// ToSchedulerConfig converts the probe section.
func ToSchedulerConfig(cfg *ProbeConfig) *scheduler.Config {
	c := scheduler.DefaultConfig()
	c.TickInterval = cfg.Interval.Duration()
	c.ProbeTimeout = cfg.Timeout.Duration()
	c.MaxInFlight = cfg.MaxInFlight
	c.Stagger = cfg.Stagger.Duration()
	c.WriteTimeout = cfg.WriteTimeout.Duration()
	c.DrainTimeout = cfg.DrainTimeout.Duration()
	return c
}

// ToSNMPConfig converts the probe.snmp section.
func ToSNMPConfig(cfg *ProbeConfig) scheduler.SNMPConfig {
	return scheduler.SNMPConfig{
		Port:          cfg.SNMP.Port,
		OID:           cfg.SNMP.OID,
		Timeout:       cfg.Timeout.Duration(),
		Community:     cfg.SNMP.Community,
		SecurityName:  cfg.SNMP.SecurityName,
		SecurityLevel: cfg.SNMP.SecurityLevel,
		AuthProtocol:  cfg.SNMP.AuthProtocol,
		AuthPassword:  cfg.SNMP.AuthPassword,
		PrivProtocol:  cfg.SNMP.PrivProtocol,
		PrivPassword:  cfg.SNMP.PrivPassword,
	}
}

// NewProber builds the prober the probe section selects.
func NewProber(cfg *ProbeConfig) (scheduler.Prober, error) {
	switch cfg.Method {
	case "snmp":
		p, err := scheduler.NewSNMPProber(ToSNMPConfig(cfg))
		if err != nil {
			return nil, err
		}
		return p, nil
	case "icmp", "":
		return scheduler.NewICMPProber(cfg.Timeout.Duration(), cfg.Privileged), nil
	default:
		return nil, errors.NewValidation("probe.method", fmt.Sprintf("unknown method %q", cfg.Method))
	}
}

// ToAggregatorConfig converts the digest section. Retention is attached by
// the caller.
func ToAggregatorConfig(cfg *DigestConfig) *aggregate.Config {
	c := aggregate.DefaultConfig()
	c.BucketWidth = cfg.BucketWidth.Duration()
	c.Interval = cfg.Interval.Duration()
	return c
}

// ToRetentionConfig converts the retention section.
func ToRetentionConfig(cfg *RetentionConfig, bucketWidth time.Duration) *retention.Config {
	return &retention.Config{
		Retention:   cfg.MaxAge.Duration(),
		BucketWidth: bucketWidth,
		ArchiveDir:  cfg.ArchiveDir,
		Compression: parquet.ParseCompressionType(cfg.ArchiveCompression),
	}
}

// RetentionEnabled reports whether eviction runs. Unless set explicitly it
// runs only when the store survives a restart.
func RetentionEnabled(cfg *Config) bool {
	if cfg.Retention.Enabled != nil {
		return *cfg.Retention.Enabled
	}
	return ToStoreConfig(&cfg.Store).Persistent()
}

// ToSessionConfig converts the session section.
func ToSessionConfig(cfg *SessionConfig) *handler.SessionConfig {
	return &handler.SessionConfig{
		SendBufferSize: cfg.SendBufferSize,
		SendTimeout:    time.Duration(cfg.SendTimeoutMs) * time.Millisecond,
	}
}

// ToServerConfig converts the listener settings.
func ToServerConfig(cfg *Config) *server.Config {
	return &server.Config{
		Listen:      cfg.Listen,
		TLSCertFile: cfg.TLS.CertFile,
		TLSKeyFile:  cfg.TLS.KeyFile,
	}
}

// =============================================================================
// Apply
// =============================================================================

// Reconciler applies a declared target list. *manager.Manager satisfies it.
type Reconciler interface {
	Reconcile(ctx context.Context, addresses []string, policy psync.Policy) (manager.ReconcileResult, error)
}

// Apply reconciles the statically declared targets.
func Apply(ctx context.Context, cfg *Config, r Reconciler) (manager.ReconcileResult, error) {
	policy, err := psync.ParsePolicy(cfg.Targets.Policy)
	if err != nil {
		return manager.ReconcileResult{}, errors.NewValidation("targets.policy", err.Error())
	}
	res, err := r.Reconcile(ctx, cfg.Targets.Addresses, policy)
	if err != nil {
		return res, fmt.Errorf("apply targets: %w", err)
	}
	if res.Created > 0 || res.Deleted > 0 || res.Skipped > 0 {
		log.Info("applied configured targets",
			"policy", policy,
			"created", res.Created,
			"deleted", res.Deleted,
			"skipped", res.Skipped)
	}
	return res, nil
}

// =============================================================================
// Config Watcher
// =============================================================================

// Watcher polls a config file and re-applies its targets when the file
// changes. Other sections need a restart.
type Watcher struct {
	path       string
	interval   time.Duration
	reconciler Reconciler
	callback   func(manager.ReconcileResult, error)
	modTime    time.Time
}

// NewWatcher creates a new config file watcher. callback may be nil.
func NewWatcher(path string, interval time.Duration, r Reconciler, callback func(manager.ReconcileResult, error)) *Watcher {
	return &Watcher{
		path:       path,
		interval:   interval,
		reconciler: r,
		callback:   callback,
	}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	// Get initial mod time
	if info, err := os.Stat(w.path); err == nil {
		w.modTime = info.ModTime()
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check reloads the file if its modification time moved forward. It
// reports whether a reload was attempted.
func (w *Watcher) Check(ctx context.Context) bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return false
	}
	if !info.ModTime().After(w.modTime) {
		return false
	}
	w.modTime = info.ModTime()
	w.reload(ctx)
	return true
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := Load(w.path)
	if err == nil {
		err = Validate(cfg)
	}
	if err != nil {
		log.Error("reload config failed", "path", w.path, "error", err)
		if w.callback != nil {
			w.callback(manager.ReconcileResult{}, err)
		}
		return
	}

	result, err := Apply(ctx, cfg, w.reconciler)
	if err != nil {
		log.Error("reload config failed", "path", w.path, "error", err)
	}
	if w.callback != nil {
		w.callback(result, err)
	}
}
