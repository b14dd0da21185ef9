// Package config provides configuration defaults and utilities
// for the pinglingle daemon.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or environment variables.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default control/push server listen address.
	// Override via config: listen
	DefaultListenAddress = "127.0.0.1:9170"

	// DefaultMaxMessageSize limits protobuf message size to prevent OOM.
	// Override via config: server.max_message_size
	DefaultMaxMessageSize = 4 * 1024 * 1024
)

// =============================================================================
// Session Defaults
// =============================================================================

const (
	// DefaultSessionSendBufferSize is the capacity of the per-session send channel.
	// Larger values allow more push events to be queued for slow clients.
	// Override via config: session.send_buffer_size
	DefaultSessionSendBufferSize = 1000

	// DefaultSessionSendTimeoutMs is how long to wait when the send buffer is full.
	// After this timeout, the message is dropped.
	// Override via config: session.send_timeout_ms
	DefaultSessionSendTimeoutMs = 100
)

// =============================================================================
// Probe Scheduler Defaults
// =============================================================================

const (
	// DefaultProbeTickInterval is how often every known target is probed.
	// Override via config: probe.tick_interval
	DefaultProbeTickInterval = time.Second

	// DefaultProbeTimeout bounds a single echo request.
	// Override via config: probe.timeout
	DefaultProbeTimeout = 2 * time.Second

	// DefaultMaxInFlightPerTarget caps outstanding probes to one address.
	// When reached, the tick records an Unknown sample instead of probing.
	// Override via config: probe.max_in_flight
	DefaultMaxInFlightPerTarget = 5

	// DefaultProbeStagger is the pause between launching probes for
	// consecutive targets within one tick.
	// Override via config: probe.stagger
	DefaultProbeStagger = 10 * time.Millisecond

	// DefaultProbeMethod selects the prober implementation ("icmp" or "snmp").
	// Override via config: probe.method
	DefaultProbeMethod = "icmp"

	// DefaultSampleWriteTimeout bounds the store write of one sample.
	DefaultSampleWriteTimeout = 5 * time.Second
)

// =============================================================================
// SNMP Probe Defaults
// =============================================================================

const (
	// DefaultSNMPPort is the UDP port used by the SNMP prober.
	// Override via config: probe.snmp.port
	DefaultSNMPPort = 161

	// DefaultSNMPCommunity is the v2c community used by the SNMP prober.
	// Override via config: probe.snmp.community
	DefaultSNMPCommunity = "public"

	// SNMPSysUpTimeOID is fetched by the SNMP prober to measure round trips.
	SNMPSysUpTimeOID = "1.3.6.1.2.1.1.3.0"
)

// =============================================================================
// Digest Defaults
// =============================================================================

const (
	// DefaultBucketWidth is the width of one digest time bucket.
	// Override via config: digest.bucket_width
	DefaultBucketWidth = 5 * time.Minute

	// DefaultDigestInterval is how often the aggregator looks for closed buckets.
	// A fifth of the bucket width closes buckets promptly.
	// Override via config: digest.interval
	DefaultDigestInterval = DefaultBucketWidth / 5

	// DefaultLiveSketchAccuracy is the relative accuracy of provisional
	// percentiles reported for still-open buckets.
	// Override via config: digest.live_accuracy
	DefaultLiveSketchAccuracy = 0.01

	// MaxDigestQueryCount limits how many digests one query may return.
	MaxDigestQueryCount = 10000
)

// =============================================================================
// Retention Defaults
// =============================================================================

const (
	// DefaultRetention is the age beyond which samples are deleted.
	// Digests are kept for two further buckets.
	// Override via config: retention.horizon
	DefaultRetention = 7 * 24 * time.Hour
)

// =============================================================================
// Store Defaults
// =============================================================================

const (
	// DefaultStoreDriver is the database/sql driver name.
	// Override via config: store.driver
	DefaultStoreDriver = "duckdb"

	// DefaultStoreMaxOpenConns is the maximum number of open connections.
	DefaultStoreMaxOpenConns = 25

	// DefaultStoreMaxIdleConns is the maximum number of idle connections.
	DefaultStoreMaxIdleConns = 5

	// DefaultStoreConnMaxLifetime is the maximum lifetime of a connection.
	DefaultStoreConnMaxLifetime = 5 * time.Minute

	// DefaultStoreQueryTimeout is the default timeout for queries.
	DefaultStoreQueryTimeout = 30 * time.Second
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeout is how long shutdown waits for in-flight probes.
	// Probes carry their own timeout so this rarely needs to be long.
	// Override via config: shutdown.drain_timeout
	DefaultDrainTimeout = 5 * time.Second
)
