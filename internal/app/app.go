// Package app assembles the pinglingle daemon from its configuration and
// runs its long-lived components under one errgroup.
package app

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/KaiEkkrin/pinglingle/internal/handler"
	"github.com/KaiEkkrin/pinglingle/internal/loader"
	"github.com/KaiEkkrin/pinglingle/internal/logging"
	"github.com/KaiEkkrin/pinglingle/internal/manager"
	"github.com/KaiEkkrin/pinglingle/internal/registry"
	"github.com/KaiEkkrin/pinglingle/internal/scheduler"
	"github.com/KaiEkkrin/pinglingle/internal/server"
	"github.com/KaiEkkrin/pinglingle/internal/storage/aggregate"
	"github.com/KaiEkkrin/pinglingle/internal/storage/retention"
	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
	"github.com/KaiEkkrin/pinglingle/internal/store"
)

var log = logging.Component("app")

// eventBuffer is the capacity of the scheduler's target event subscription.
const eventBuffer = 64

// Options configures New.
type Options struct {
	// Config is the validated daemon configuration.
	Config *loader.Config

	// ConfigPath enables target reloading when the config sets
	// targets.reload_interval.
	ConfigPath string

	// Prober overrides the prober the config selects.
	Prober scheduler.Prober

	// Resolver overrides DNS resolution of target addresses.
	Resolver manager.Resolver
}

// App is an assembled daemon.
type App struct {
	cfg        *loader.Config
	configPath string

	store     *store.Store
	manager   *manager.Manager
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	digester  *aggregate.Aggregator
	live      *aggregate.LiveStats
	retention *retention.Manager
	sessions  *handler.SessionManager
	server    *server.Server

	events      <-chan types.TargetEvent
	unsubscribe func()
}

// New opens the store, applies statically configured targets and builds
// every component. The listener is bound so Addr is valid on return.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = loader.DefaultConfig()
	}

	storeCfg := loader.ToStoreConfig(&cfg.Store)
	st, err := store.New(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if !st.Persistent() {
		log.Warn("using an in-memory store; samples are lost on exit")
	}

	a := &App{cfg: cfg, configPath: opts.ConfigPath, store: st}
	if err := a.build(ctx, opts); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.cfg

	// Targets
	a.manager = manager.New(a.store, opts.Resolver)
	if _, err := loader.Apply(ctx, cfg, a.manager); err != nil {
		return err
	}

	targets, err := a.manager.ListTargets(ctx)
	if err != nil {
		return fmt.Errorf("load targets: %w", err)
	}
	a.registry = registry.New(targets...)
	// Subscribe before anything else can change the target set.
	a.events, a.unsubscribe = a.manager.Subscribe(eventBuffer)
	log.Info("loaded targets", "count", len(targets))

	// Probing
	prober := opts.Prober
	if prober == nil {
		if prober, err = loader.NewProber(&cfg.Probe); err != nil {
			return fmt.Errorf("create prober: %w", err)
		}
	}
	a.scheduler = scheduler.New(a.registry, prober, a.store, loader.ToSchedulerConfig(&cfg.Probe))

	// Digests
	width := cfg.Digest.BucketWidth.Duration()
	if a.live, err = aggregate.NewLiveStats(width, cfg.Digest.LiveAccuracy); err != nil {
		return err
	}
	aggCfg := loader.ToAggregatorConfig(&cfg.Digest)
	if loader.RetentionEnabled(cfg) {
		a.retention = retention.New(a.store, loader.ToRetentionConfig(&cfg.Retention, width))
		aggCfg.Retention = a.retention
		log.Info("retention enabled",
			"max_age", cfg.Retention.MaxAge.Duration(),
			"archive_dir", cfg.Retention.ArchiveDir)
	}
	a.digester = aggregate.New(a.store, aggCfg)

	// Control and push
	a.sessions = handler.NewSessionManager(loader.ToSessionConfig(&cfg.Session))
	h := handler.NewHandler(handler.Deps{
		Targets:  a.manager,
		Queries:  a.store,
		Digester: a.digester,
		Live:     a.live,
		Stats:    a.manager.Stats(),
		Health:   a.store,
	}, a.sessions)
	a.server = server.New(loader.ToServerConfig(cfg), h)
	if err := a.server.Listen(); err != nil {
		a.unsubscribe()
		return err
	}

	// Fan-out
	a.manager.SetPusher(&targetPusher{sessions: a.sessions, live: a.live})
	stats := a.manager.Stats()
	a.scheduler.SetNotifier(scheduler.NotifierFunc(func(t types.Target, s types.Sample) {
		stats.NotifySample(t, s)
		a.live.Observe(s)
		if snap, ok := a.live.Snapshot(t.ID); ok {
			a.sessions.NotifySampleLive(t, s, snap)
		} else {
			a.sessions.NotifySample(t, s)
		}
	}))

	return nil
}

// Addr returns the control listener address.
func (a *App) Addr() net.Addr {
	return a.server.Addr()
}

// Manager returns the target manager.
func (a *App) Manager() *manager.Manager {
	return a.manager
}

// Store returns the sample store.
func (a *App) Store() *store.Store {
	return a.store
}

// Digester returns the aggregator.
func (a *App) Digester() *aggregate.Aggregator {
	return a.digester
}

// Run runs the scheduler, aggregator and server until ctx is cancelled or
// one of them fails. On the way out it waits for in-flight probes so their
// samples are stored, then closes the store.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.scheduler.Follow(gctx, a.events)
		return nil
	})
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	g.Go(func() error {
		return a.digester.Run(gctx)
	})
	g.Go(func() error {
		return a.server.Run(gctx)
	})
	if a.configPath != "" && a.cfg.Targets.ReloadInterval > 0 {
		w := loader.NewWatcher(a.configPath, a.cfg.Targets.ReloadInterval.Duration(), a.manager, nil)
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	log.Info("pinglingle running", "listen", a.Addr().String())
	err := g.Wait()

	a.unsubscribe()
	if !a.scheduler.Drain() {
		log.Warn("gave up waiting for in-flight probes")
	}
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}

	log.Info("pinglingle stopped")
	return err
}

// Close releases resources of an App that was never run.
func (a *App) Close() error {
	a.unsubscribe()
	a.server.Shutdown()
	return a.store.Close()
}

// targetPusher forwards target changes to push clients and drops the live
// statistics of deleted targets.
type targetPusher struct {
	sessions *handler.SessionManager
	live     *aggregate.LiveStats
}

func (p *targetPusher) NotifyTargetAdded(t types.Target) {
	p.sessions.NotifyTargetAdded(t)
}

func (p *targetPusher) NotifyTargetDeleted(t types.Target) {
	p.live.Forget(t.ID)
	p.sessions.NotifyTargetDeleted(t)
}
