// Package manager owns the target set: it validates and persists target
// changes and tells subscribers about them.
package manager

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/KaiEkkrin/pinglingle/internal/errors"
	"github.com/KaiEkkrin/pinglingle/internal/logging"
	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
	psync "github.com/KaiEkkrin/pinglingle/internal/sync"
	"github.com/KaiEkkrin/pinglingle/internal/validation"
)

var log = logging.Component("manager")

// TargetStore persists targets.
type TargetStore interface {
	CreateTarget(ctx context.Context, t *types.Target) error
	GetTarget(ctx context.Context, id int64) (*types.Target, error)
	GetTargetByAddress(ctx context.Context, address string) (*types.Target, error)
	ListTargets(ctx context.Context) ([]types.Target, error)
	DeleteTarget(ctx context.Context, id int64) (*types.Target, error)
}

// Resolver looks up host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Pusher forwards target changes to connected clients.
type Pusher interface {
	NotifyTargetAdded(t types.Target)
	NotifyTargetDeleted(t types.Target)
}

// =============================================================================
// Manager
// =============================================================================

// Manager is the single writer of the target set.
//
// Manager is safe for concurrent use.
type Manager struct {
	store    TargetStore
	resolver Resolver
	stats    *StatsManager

	// mu orders each store change with its events.
	mu sync.Mutex

	pushMu sync.RWMutex
	pusher Pusher

	subMu  sync.Mutex
	subs   map[int]*subscription
	nextID int
}

type subscription struct {
	ch   chan types.TargetEvent
	done chan struct{}
	once sync.Once
}

// New creates a Manager. A nil resolver uses net.DefaultResolver.
func New(store TargetStore, resolver Resolver) *Manager {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Manager{
		store:    store,
		resolver: resolver,
		stats:    NewStatsManager(),
		subs:     make(map[int]*subscription),
	}
}

// SetPusher sets the client push collaborator.
func (m *Manager) SetPusher(p Pusher) {
	m.pushMu.Lock()
	m.pusher = p
	m.pushMu.Unlock()
}

// Stats returns the per-target probe statistics.
func (m *Manager) Stats() *StatsManager {
	return m.stats
}

// =============================================================================
// Target Operations
// =============================================================================

// AddTarget validates address, stores a new target and announces it. The
// address must resolve to at least one IPv4 or IPv6 address.
func (m *Manager) AddTarget(ctx context.Context, address string, frequency int) (*types.Target, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errors.NewMissingField("address")
	}
	if err := m.validateAddress(ctx, address); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t := &types.Target{Address: address, Frequency: frequency}
	if err := m.store.CreateTarget(ctx, t); err != nil {
		return nil, err
	}

	log.Info("target added", "target_id", t.ID, "address", t.Address)
	m.publish(types.TargetEvent{Kind: types.TargetAdded, Target: *t})
	if p := m.getPusher(); p != nil {
		p.NotifyTargetAdded(*t)
	}
	return t, nil
}

// DeleteTarget removes a target and announces it.
func (m *Manager) DeleteTarget(ctx context.Context, id int64) (*types.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.store.DeleteTarget(ctx, id)
	if err != nil {
		return nil, err
	}

	m.stats.Remove(id)
	log.Info("target deleted", "target_id", t.ID, "address", t.Address)
	m.publish(types.TargetEvent{Kind: types.TargetDeleted, Target: *t})
	if p := m.getPusher(); p != nil {
		p.NotifyTargetDeleted(*t)
	}
	return t, nil
}

// GetTarget returns one target.
func (m *Manager) GetTarget(ctx context.Context, id int64) (*types.Target, error) {
	return m.store.GetTarget(ctx, id)
}

// ListTargets returns all targets ordered by address.
func (m *Manager) ListTargets(ctx context.Context) ([]types.Target, error) {
	return m.store.ListTargets(ctx)
}

// ReconcileResult counts the changes Reconcile made.
type ReconcileResult struct {
	Created int
	Deleted int
	Skipped int
}

// Reconcile brings the stored targets in line with the declared addresses
// under policy. Declared addresses that fail validation are logged and
// skipped.
func (m *Manager) Reconcile(ctx context.Context, addresses []string, policy psync.Policy) (ReconcileResult, error) {
	var res ReconcileResult
	if policy == psync.PolicyIgnore {
		return res, nil
	}

	stored, err := m.store.ListTargets(ctx)
	if err != nil {
		return res, err
	}

	plan := psync.Diff(addresses, stored, policy)
	for _, e := range plan.Entries {
		switch e.Action {
		case psync.ActionCreate:
			if _, err := m.AddTarget(ctx, e.Address, types.DefaultFrequency); err != nil {
				if errors.IsValidation(err) || errors.IsAlreadyExists(err) {
					log.Warn("skipping configured target", "address", e.Address, "error", err)
					res.Skipped++
					continue
				}
				return res, err
			}
			res.Created++
		case psync.ActionDelete:
			if _, err := m.DeleteTarget(ctx, e.Target.ID); err != nil && !errors.IsNotFound(err) {
				return res, err
			}
			log.Info("removed undeclared target", "id", e.Target.ID, "address", e.Address)
			res.Deleted++
		}
	}
	return res, nil
}

func (m *Manager) validateAddress(ctx context.Context, address string) error {
	if err := validation.ValidateAddress(address); err != nil {
		return err
	}
	if validation.IsIPLiteral(address) {
		return nil
	}

	addrs, err := m.resolver.LookupIPAddr(ctx, address)
	if err != nil {
		return fmt.Errorf("%s: %v: %w", address, err, errors.ErrResolveFailed)
	}
	for _, a := range addrs {
		if a.IP.To4() != nil || len(a.IP) == net.IPv6len {
			return nil
		}
	}
	return fmt.Errorf("%s has no IPv4 or IPv6 address: %w", address, errors.ErrInvalidAddress)
}

func (m *Manager) getPusher() Pusher {
	m.pushMu.RLock()
	defer m.pushMu.RUnlock()
	return m.pusher
}

// =============================================================================
// Subscriptions
// =============================================================================

// Subscribe returns a channel of target events and a func that ends the
// subscription. Events are delivered in order; a slow subscriber delays
// later target changes until it reads or unsubscribes.
func (m *Manager) Subscribe(buffer int) (<-chan types.TargetEvent, func()) {
	sub := &subscription{
		ch:   make(chan types.TargetEvent, buffer),
		done: make(chan struct{}),
	}

	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = sub
	m.subMu.Unlock()

	return sub.ch, func() {
		sub.once.Do(func() { close(sub.done) })
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) publish(ev types.TargetEvent) {
	m.subMu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.subMu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		case <-s.done:
		}
	}
}
