// Package loader - Configuration Types
//
// Defines the YAML configuration structure for pinglingled.
//
//	listen:     control/push listener address
//	tls:        optional listener certificate
//	session:    per-connection send buffering
//	logging:    level and format
//	store:      DuckDB or PostgreSQL connection
//	probe:      scheduler tick, timeouts, in-flight cap, ICMP or SNMP
//	digest:     bucket width and pass interval
//	retention:  eviction horizon and optional Parquet archive
//	targets:    statically declared addresses and their reconcile policy

package loader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/KaiEkkrin/pinglingle/config"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure for pinglingled.
type Config struct {
	// Listen is the control server listen address.
	// Format: "host:port" or ":port"
	// Default: "127.0.0.1:9170"
	Listen string `yaml:"listen"`

	// TLS configures transport layer security.
	TLS TLSConfig `yaml:"tls"`

	// Session configures client session buffering.
	Session SessionConfig `yaml:"session"`

	// Logging configures the log output.
	Logging LoggingConfig `yaml:"logging"`

	// Store configures the sample database.
	Store StoreConfig `yaml:"store"`

	// Probe configures the probe scheduler.
	Probe ProbeConfig `yaml:"probe"`

	// Digest configures the digest aggregator.
	Digest DigestConfig `yaml:"digest"`

	// Retention configures eviction of old data.
	Retention RetentionConfig `yaml:"retention"`

	// Targets lists statically configured targets.
	Targets TargetsConfig `yaml:"targets"`
}

// =============================================================================
// Server Configuration
// =============================================================================

// TLSConfig configures transport layer security.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	// Leave empty to listen in plain TCP.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// SessionConfig configures client session buffering.
type SessionConfig struct {
	// SendBufferSize is the per-session message queue capacity.
	// Range: 10-100000, Default: 1000
	SendBufferSize int `yaml:"send_buffer_size"`

	// SendTimeoutMs is how long a push may wait for buffer space before
	// it is dropped.
	// Range: 1-10000, Default: 100
	SendTimeoutMs int `yaml:"send_timeout_ms"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`

	// Format is "text" or "json".
	// Default: text
	Format string `yaml:"format"`
}

// =============================================================================
// Store Configuration
// =============================================================================

// StoreConfig configures the sample database.
type StoreConfig struct {
	// Driver is "duckdb" or "pgx".
	// Default: duckdb
	Driver string `yaml:"driver"`

	// DSN is the database path (duckdb) or connection string (pgx).
	// An empty duckdb DSN keeps everything in memory.
	DSN string `yaml:"dsn"`

	// CascadeSamples deletes a target's samples when the target is
	// deleted. When false they are kept with no target.
	// Default: true
	CascadeSamples *bool `yaml:"cascade_samples"`

	// MaxOpenConns is the maximum number of open connections.
	// Default: 25
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns is the maximum number of idle connections.
	// Default: 5
	MaxIdleConns int `yaml:"max_idle_conns"`

	// ConnMaxLifetime is the maximum connection lifetime.
	// Default: 5m
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`

	// QueryTimeout is the default query timeout.
	// Default: 30s
	QueryTimeout Duration `yaml:"query_timeout"`
}

// =============================================================================
// Probe Configuration
// =============================================================================

// ProbeConfig configures the probe scheduler.
type ProbeConfig struct {
	// Method is "icmp" or "snmp".
	// Default: icmp
	Method string `yaml:"method"`

	// Interval is the scheduler tick; every target is probed once per tick.
	// Default: 1s
	Interval Duration `yaml:"interval"`

	// Timeout bounds one probe.
	// Default: 2s
	Timeout Duration `yaml:"timeout"`

	// MaxInFlight caps outstanding probes per address.
	// Default: 5
	MaxInFlight int `yaml:"max_in_flight"`

	// Stagger spreads probes within a tick. Negative disables it.
	// Default: 10ms
	Stagger Duration `yaml:"stagger"`

	// WriteTimeout bounds the store write of one sample.
	// Default: 5s
	WriteTimeout Duration `yaml:"write_timeout"`

	// DrainTimeout is how long shutdown waits for in-flight probes.
	// Default: 5s
	DrainTimeout Duration `yaml:"drain_timeout"`

	// Privileged uses raw ICMP sockets instead of unprivileged datagram
	// sockets. Requires CAP_NET_RAW.
	Privileged bool `yaml:"privileged"`

	// SNMP configures the snmp method.
	SNMP SNMPConfig `yaml:"snmp"`
}

// SNMPConfig configures SNMP probes.
type SNMPConfig struct {
	// Port is the agent UDP port.
	// Default: 161
	Port uint16 `yaml:"port"`

	// OID is fetched by every probe.
	// Default: sysUpTime.0
	OID string `yaml:"oid"`

	// Community selects v2c. Ignored when SecurityName is set.
	// Default: public
	Community string `yaml:"community"`

	// SecurityName selects v3 with the USM settings below.
	SecurityName  string `yaml:"security_name"`
	SecurityLevel string `yaml:"security_level"` // noAuthNoPriv, authNoPriv, authPriv
	AuthProtocol  string `yaml:"auth_protocol"`  // MD5, SHA, SHA224, SHA256, SHA384, SHA512
	AuthPassword  string `yaml:"auth_password"`
	PrivProtocol  string `yaml:"priv_protocol"` // DES, AES, AES192, AES256
	PrivPassword  string `yaml:"priv_password"`
}

// =============================================================================
// Digest and Retention
// =============================================================================

// DigestConfig configures the digest aggregator.
type DigestConfig struct {
	// BucketWidth is the width of one digest.
	// Default: 5m
	BucketWidth Duration `yaml:"bucket_width"`

	// Interval is how often a pass runs.
	// Default: bucket_width / 5
	Interval Duration `yaml:"interval"`

	// LiveAccuracy is the relative accuracy of provisional percentiles.
	// Range: (0, 1), Default: 0.01
	LiveAccuracy float64 `yaml:"live_accuracy"`
}

// RetentionConfig configures eviction.
type RetentionConfig struct {
	// Enabled turns eviction on or off. Unset means on for a persistent
	// store and off for an in-memory one.
	Enabled *bool `yaml:"enabled"`

	// MaxAge is the sample age beyond which data is deleted.
	// Default: 168h (7 days)
	MaxAge Duration `yaml:"max_age"`

	// ArchiveDir receives a Parquet file of expiring digests before they
	// are deleted. Empty disables archiving.
	ArchiveDir string `yaml:"archive_dir"`

	// ArchiveCompression is none, snappy, zstd, lz4 or gzip.
	// Default: zstd
	ArchiveCompression string `yaml:"archive_compression"`
}

// TargetsConfig lists statically configured targets.
type TargetsConfig struct {
	// Policy is create-only, full-sync or ignore.
	// Default: create-only
	Policy string `yaml:"policy"`

	// Addresses are host names or IP literals.
	Addresses []string `yaml:"addresses"`

	// ReloadInterval re-reads the file and reconciles targets when it
	// changes. Zero disables reloading.
	ReloadInterval Duration `yaml:"reload_interval"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() *Config {
	cascade := true
	return &Config{
		Listen: config.DefaultListenAddress,
		Session: SessionConfig{
			SendBufferSize: config.DefaultSessionSendBufferSize,
			SendTimeoutMs:  config.DefaultSessionSendTimeoutMs,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Driver:          config.DefaultStoreDriver,
			CascadeSamples:  &cascade,
			MaxOpenConns:    config.DefaultStoreMaxOpenConns,
			MaxIdleConns:    config.DefaultStoreMaxIdleConns,
			ConnMaxLifetime: Duration(config.DefaultStoreConnMaxLifetime),
			QueryTimeout:    Duration(config.DefaultStoreQueryTimeout),
		},
		Probe: ProbeConfig{
			Method:       config.DefaultProbeMethod,
			Interval:     Duration(config.DefaultProbeTickInterval),
			Timeout:      Duration(config.DefaultProbeTimeout),
			MaxInFlight:  config.DefaultMaxInFlightPerTarget,
			Stagger:      Duration(config.DefaultProbeStagger),
			WriteTimeout: Duration(config.DefaultSampleWriteTimeout),
			DrainTimeout: Duration(config.DefaultDrainTimeout),
			SNMP: SNMPConfig{
				Port:      config.DefaultSNMPPort,
				OID:       config.SNMPSysUpTimeOID,
				Community: config.DefaultSNMPCommunity,
			},
		},
		Digest: DigestConfig{
			BucketWidth:  Duration(config.DefaultBucketWidth),
			Interval:     Duration(config.DefaultDigestInterval),
			LiveAccuracy: config.DefaultLiveSketchAccuracy,
		},
		Retention: RetentionConfig{
			MaxAge:             Duration(config.DefaultRetention),
			ArchiveCompression: "zstd",
		},
		Targets: TargetsConfig{
			Policy: "create-only",
		},
	}
}

// =============================================================================
// Helper Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
// Supports: "30s", "5m", "1h", or an integer number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)

	// A bare integer is seconds.
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
