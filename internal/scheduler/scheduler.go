// Package scheduler probes every registered target once per tick.
//
// Each tick takes a snapshot of the registry and launches one probe per
// target as its own goroutine, pausing for a short stagger between
// targets. A target whose address already has the maximum number of probes
// outstanding is recorded as Unknown instead of probed. Every attempt
// yields exactly one sample.
//
// Key features:
//   - Per-address in-flight cap using sharded atomic counters
//   - Registry changes take effect on the next tick
//   - Panic recovery in probe units
//   - Graceful shutdown with drain timeout
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KaiEkkrin/pinglingle/config"
	"github.com/KaiEkkrin/pinglingle/internal/errors"
	"github.com/KaiEkkrin/pinglingle/internal/logging"
	"github.com/KaiEkkrin/pinglingle/internal/registry"
	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
)

var log = logging.Component("scheduler")

// =============================================================================
// Collaborators
// =============================================================================

// SampleWriter persists samples.
type SampleWriter interface {
	InsertSample(ctx context.Context, sample *types.Sample) error
}

// Notifier is told about every stored sample.
type Notifier interface {
	NotifySample(target types.Target, sample types.Sample)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(target types.Target, sample types.Sample)

// NotifySample calls f.
func (f NotifierFunc) NotifySample(target types.Target, sample types.Sample) {
	f(target, sample)
}

// =============================================================================
// Scheduler Configuration
// =============================================================================

// Config holds scheduler configuration.
type Config struct {
	// TickInterval is how often every target is probed.
	TickInterval time.Duration

	// ProbeTimeout bounds one probe.
	ProbeTimeout time.Duration

	// MaxInFlight caps outstanding probes per address.
	MaxInFlight int

	// Stagger is the pause between consecutive targets within a tick.
	// Negative disables it.
	Stagger time.Duration

	// WriteTimeout bounds the store write of one sample.
	WriteTimeout time.Duration

	// DrainTimeout is how long Drain waits for in-flight probes.
	DrainTimeout time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		TickInterval: config.DefaultProbeTickInterval,
		ProbeTimeout: config.DefaultProbeTimeout,
		MaxInFlight:  config.DefaultMaxInFlightPerTarget,
		Stagger:      config.DefaultProbeStagger,
		WriteTimeout: config.DefaultSampleWriteTimeout,
		DrainTimeout: config.DefaultDrainTimeout,
		Now:          time.Now,
	}
}

// Stats holds scheduler counters.
type Stats struct {
	Ticks         int64
	Probes        int64
	Saturated     int64
	ProbeErrors   int64
	WriteFailures int64
	Orphaned      int64
	InFlight      int
}

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler drives probes for the targets in a registry.
//
// Scheduler is safe for concurrent use.
type Scheduler struct {
	registry *registry.Registry
	prober   Prober
	store    SampleWriter
	inflight *InFlight

	notifyMu sync.RWMutex
	notifier Notifier

	tickInterval time.Duration
	probeTimeout time.Duration
	maxInFlight  int
	stagger      time.Duration
	writeTimeout time.Duration
	drainTimeout time.Duration
	now          func() time.Time

	wg sync.WaitGroup

	ticks         atomic.Int64
	probes        atomic.Int64
	saturated     atomic.Int64
	probeErrors   atomic.Int64
	writeFailures atomic.Int64
	orphaned      atomic.Int64
}

// New creates a Scheduler. Zero config fields take their defaults.
func New(reg *registry.Registry, prober Prober, store SampleWriter, cfg *Config) *Scheduler {
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}

	s := &Scheduler{
		registry:     reg,
		prober:       prober,
		store:        store,
		inflight:     NewInFlight(),
		tickInterval: cfg.TickInterval,
		probeTimeout: cfg.ProbeTimeout,
		maxInFlight:  cfg.MaxInFlight,
		stagger:      cfg.Stagger,
		writeTimeout: cfg.WriteTimeout,
		drainTimeout: cfg.DrainTimeout,
		now:          cfg.Now,
	}
	if s.tickInterval <= 0 {
		s.tickInterval = def.TickInterval
	}
	if s.probeTimeout <= 0 {
		s.probeTimeout = def.ProbeTimeout
	}
	if s.maxInFlight <= 0 {
		s.maxInFlight = def.MaxInFlight
	}
	if s.stagger == 0 {
		s.stagger = def.Stagger
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = def.WriteTimeout
	}
	if s.drainTimeout <= 0 {
		s.drainTimeout = def.DrainTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SetNotifier sets the collaborator told about every stored sample.
func (s *Scheduler) SetNotifier(n Notifier) {
	s.notifyMu.Lock()
	s.notifier = n
	s.notifyMu.Unlock()
}

// =============================================================================
// Lifecycle
// =============================================================================

// Run ticks until ctx is cancelled. It does not wait for outstanding
// probes; use Drain for that.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info("scheduler started",
		"tick_interval", s.tickInterval,
		"max_in_flight", s.maxInFlight,
		"targets", s.registry.Len())

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return nil
		}
	}
}

// Follow applies target events to the registry until ctx is cancelled or
// events is closed.
func (s *Scheduler) Follow(ctx context.Context, events <-chan types.TargetEvent) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.registry.Apply(ev)
			log.Debug("target set changed", "event", ev.Kind, "target_id", ev.Target.ID, "address", ev.Target.Address)
		case <-ctx.Done():
			return
		}
	}
}

// Drain waits up to the drain timeout for outstanding probes. It reports
// whether they all finished.
func (s *Scheduler) Drain() bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("scheduler drained")
		return true
	case <-time.After(s.drainTimeout):
		log.Warn("scheduler drain timeout", "in_flight", s.inflight.Total())
		return false
	}
}

// =============================================================================
// Tick
// =============================================================================

// Tick launches one probe attempt per registered target and returns the
// number of targets visited. It returns early if ctx is cancelled during
// the stagger.
func (s *Scheduler) Tick(ctx context.Context) int {
	s.ticks.Add(1)

	if pruned := s.inflight.Prune(s.registry.Addresses()); pruned > 0 {
		log.Debug("pruned idle in-flight counters", "count", pruned)
	}

	visited := 0
	for _, target := range s.registry.Snapshot() {
		if ctx.Err() != nil {
			break
		}
		visited++

		release, ok := s.inflight.TryAcquire(target.Address, s.maxInFlight)
		if !ok {
			s.saturated.Add(1)
			log.Debug("probe suppressed, too many in flight",
				"target_id", target.ID, "address", target.Address)
			s.record(ctx, target, types.NewFailedSample(target.ID, s.now(), types.StatusUnknown))
		} else {
			s.wg.Add(1)
			go s.probe(ctx, target, release)
		}

		if s.stagger > 0 && !sleep(ctx, s.stagger) {
			break
		}
	}
	return visited
}

// probe is one probe unit. It always records one sample and always
// releases its in-flight slot.
func (s *Scheduler) probe(ctx context.Context, target types.Target, release func()) {
	defer s.wg.Done()
	defer release()

	// In-flight probes run to completion on their own timeout.
	ctx = context.WithoutCancel(ctx)
	at := s.now()

	sample := func() (sample types.Sample) {
		defer func() {
			if r := recover(); r != nil {
				s.probeErrors.Add(1)
				log.Error("panic in probe", "target_id", target.ID, "address", target.Address, "panic", r)
				sample = types.NewFailedSample(target.ID, at, types.StatusUnknown)
			}
		}()

		probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
		defer cancel()

		s.probes.Add(1)
		res, err := s.prober.Probe(probeCtx, target.Address)
		if err != nil {
			s.probeErrors.Add(1)
			log.Debug("probe failed", "target_id", target.ID, "address", target.Address, "error", err)
			return types.NewFailedSample(target.ID, at, types.StatusUnknown)
		}
		if res.Status == types.StatusSuccess {
			return types.NewSuccessSample(target.ID, at, res.RTT)
		}
		return types.NewFailedSample(target.ID, at, res.Status)
	}()

	s.record(ctx, target, sample)
}

// record writes sample and notifies. Failures are logged and the sample
// is lost.
func (s *Scheduler) record(ctx context.Context, target types.Target, sample types.Sample) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()

	if err := s.store.InsertSample(writeCtx, &sample); err != nil {
		if errors.Is(err, errors.ErrTargetNotFound) {
			s.orphaned.Add(1)
			log.Debug("target deleted while pinging, sample dropped", "target_id", target.ID, "address", target.Address)
			return
		}
		s.writeFailures.Add(1)
		log.Error("save sample failed", "target_id", target.ID, "address", target.Address, "error", err)
		return
	}

	s.notifyMu.RLock()
	n := s.notifier
	s.notifyMu.RUnlock()
	if n == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in sample notifier", "target_id", target.ID, "panic", fmt.Sprint(r))
		}
	}()
	n.NotifySample(target, sample)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// =============================================================================
// Utility Methods
// =============================================================================

// InFlight returns the number of outstanding probes for address.
func (s *Scheduler) InFlight(address string) int {
	return s.inflight.Count(address)
}

// Stats returns scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Ticks:         s.ticks.Load(),
		Probes:        s.probes.Load(),
		Saturated:     s.saturated.Load(),
		ProbeErrors:   s.probeErrors.Load(),
		WriteFailures: s.writeFailures.Load(),
		Orphaned:      s.orphaned.Load(),
		InFlight:      s.inflight.Total(),
	}
}
