// Package handler serves the pinglingle control and push protocol.
//
// Each connection gets a Session with a bounded send buffer. Requests are
// answered in order on the session; push events (new samples and target
// changes) are fanned out by the SessionManager to sessions that
// subscribed. There is no session resumption: a client that reconnects
// subscribes again.
package handler

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KaiEkkrin/pinglingle/config"
	"github.com/KaiEkkrin/pinglingle/internal/logging"
	"github.com/KaiEkkrin/pinglingle/internal/storage/aggregate"
	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
	"github.com/KaiEkkrin/pinglingle/internal/wire"
)

var log = logging.Component("session")

// =============================================================================
// Session
// =============================================================================

// Session represents one client connection.
//
// Session is safe for concurrent use.
type Session struct {
	// Immutable fields (no lock needed)
	ID        string
	Remote    string
	CreatedAt time.Time

	conn net.Conn

	// Send channel - protected by sendMu
	sendMu sync.RWMutex
	sendCh chan []byte

	closed    atomic.Bool
	closeOnce sync.Once
	onClose   func(*Session)

	sendTimeout time.Duration
	dropped     atomic.Int64
}

// SessionConfig holds session configuration options.
type SessionConfig struct {
	SendBufferSize int
	SendTimeout    time.Duration
}

// NewSession creates a session for conn. conn may be nil in tests.
func NewSession(id string, conn net.Conn, cfg *SessionConfig) *Session {
	bufferSize := config.DefaultSessionSendBufferSize
	timeout := time.Duration(config.DefaultSessionSendTimeoutMs) * time.Millisecond

	if cfg != nil {
		if cfg.SendBufferSize > 0 {
			bufferSize = cfg.SendBufferSize
		}
		if cfg.SendTimeout > 0 {
			timeout = cfg.SendTimeout
		}
	}

	s := &Session{
		ID:          id,
		CreatedAt:   time.Now(),
		conn:        conn,
		sendCh:      make(chan []byte, bufferSize),
		sendTimeout: timeout,
	}
	if conn != nil {
		s.Remote = conn.RemoteAddr().String()
	}
	return s
}

// =============================================================================
// Send Operations
// =============================================================================

// Send queues a frame for the writer goroutine.
// Returns false if the session is closed or the send buffer stays full for
// the send timeout, in which case the frame is dropped.
func (s *Session) Send(frame []byte) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	if s.sendCh == nil {
		return false
	}

	// Try non-blocking send first
	select {
	case s.sendCh <- frame:
		return true
	default:
	}

	t := time.NewTimer(s.sendTimeout)
	defer t.Stop()
	select {
	case s.sendCh <- frame:
		return true
	case <-t.C:
		s.dropped.Add(1)
		log.Warn("send buffer full, dropping message",
			"session_id", s.ID,
			"timeout", s.sendTimeout)
		return false
	}
}

// SendMessage encodes and queues m.
func (s *Session) SendMessage(m *wire.Message) bool {
	frame, err := wire.Marshal(m)
	if err != nil {
		log.Error("encode message failed", "session_id", s.ID, "type", m.Type, "error", err)
		return false
	}
	return s.Send(frame)
}

// SendChan returns the send channel for the writer goroutine. It is
// closed when the session closes.
func (s *Session) SendChan() <-chan []byte {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	return s.sendCh
}

// Dropped returns the number of frames dropped because the buffer was full.
func (s *Session) Dropped() int64 {
	return s.dropped.Load()
}

// =============================================================================
// Close
// =============================================================================

// Close closes the session permanently.
// This is idempotent - calling it multiple times has no additional effect.
func (s *Session) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		s.closed.Store(true)

		s.sendMu.Lock()
		if s.sendCh != nil {
			close(s.sendCh)
			s.sendCh = nil
		}
		s.sendMu.Unlock()

		if s.conn != nil {
			closeErr = s.conn.Close()
		}

		if s.onClose != nil {
			s.onClose(s)
		}

		log.Debug("session closed", "session_id", s.ID)
	})

	return closeErr
}

// IsClosed returns true if the session is closed.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// =============================================================================
// Session Manager
// =============================================================================

// SessionManager tracks sessions and their push subscriptions.
//
// A session subscribes either to every target or to a set of target ids.
// Target added/deleted events go to every subscribed session.
//
// SessionManager is safe for concurrent use.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// Reverse index: target id -> session ids
	subscriptionIndex map[int64]map[string]struct{}
	// Sessions subscribed to every target
	allTargets map[string]struct{}
	// Forward index for cleanup: session id -> target ids
	bySession map[string][]int64

	sessionConfig *SessionConfig
}

// NewSessionManager creates a new session manager.
func NewSessionManager(cfg *SessionConfig) *SessionManager {
	return &SessionManager{
		sessions:          make(map[string]*Session),
		subscriptionIndex: make(map[int64]map[string]struct{}),
		allTargets:        make(map[string]struct{}),
		bySession:         make(map[string][]int64),
		sessionConfig:     cfg,
	}
}

// CreateSession registers a new session for conn.
func (sm *SessionManager) CreateSession(conn net.Conn) *Session {
	session := NewSession(generateSessionID(), conn, sm.sessionConfig)
	session.onClose = func(s *Session) { sm.RemoveSession(s.ID) }

	sm.mu.Lock()
	sm.sessions[session.ID] = session
	sm.mu.Unlock()

	log.Info("session created", "session_id", session.ID, "remote", session.Remote)
	return session
}

// GetSession returns a session by ID.
func (sm *SessionManager) GetSession(id string) *Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[id]
}

// Count returns the number of open sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// RemoveSession forgets a session and its subscriptions. It does not close
// the session.
func (sm *SessionManager) RemoveSession(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.sessions[id]; !ok {
		return
	}
	delete(sm.sessions, id)
	sm.unsubscribeLocked(id)
	log.Info("session removed", "session_id", id)
}

// CloseAll closes every session.
func (sm *SessionManager) CloseAll() {
	sm.mu.RLock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
}

// =============================================================================
// Subscription Index Operations
// =============================================================================

// Subscribe replaces the subscriptions of a session. An empty targetIDs
// subscribes to every target.
func (sm *SessionManager) Subscribe(sessionID string, targetIDs []int64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.unsubscribeLocked(sessionID)
	if len(targetIDs) == 0 {
		sm.allTargets[sessionID] = struct{}{}
		return
	}
	for _, id := range targetIDs {
		if sm.subscriptionIndex[id] == nil {
			sm.subscriptionIndex[id] = make(map[string]struct{})
		}
		sm.subscriptionIndex[id][sessionID] = struct{}{}
	}
	sm.bySession[sessionID] = append([]int64(nil), targetIDs...)
}

// Unsubscribe removes all subscriptions of a session.
func (sm *SessionManager) Unsubscribe(sessionID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.unsubscribeLocked(sessionID)
}

func (sm *SessionManager) unsubscribeLocked(sessionID string) {
	delete(sm.allTargets, sessionID)
	for _, id := range sm.bySession[sessionID] {
		if sessions, ok := sm.subscriptionIndex[id]; ok {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(sm.subscriptionIndex, id)
			}
		}
	}
	delete(sm.bySession, sessionID)
}

// subscribers returns the sessions that receive samples for targetID, or
// every subscribed session when targetID is nil.
func (sm *SessionManager) subscribers(targetID *int64) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []*Session
	add := func(id string) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		if s, ok := sm.sessions[id]; ok {
			out = append(out, s)
		}
	}

	for id := range sm.allTargets {
		add(id)
	}
	if targetID != nil {
		for id := range sm.subscriptionIndex[*targetID] {
			add(id)
		}
	} else {
		for id := range sm.bySession {
			add(id)
		}
	}
	return out
}

// =============================================================================
// Push
// =============================================================================

// NotifySample pushes a stored sample to subscribers of its target.
func (sm *SessionManager) NotifySample(target types.Target, sample types.Sample) {
	id := target.ID
	sm.broadcast(&id, wire.NewEvent(wire.EventSample, wire.SampleBody(sample)))
}

// NotifySampleLive is NotifySample with the target's provisional open
// bucket stats attached under "live".
func (sm *SessionManager) NotifySampleLive(target types.Target, sample types.Sample, live aggregate.LiveSnapshot) {
	id := target.ID
	body := wire.SampleBody(sample)
	body["live"] = wire.LiveBody(live)
	sm.broadcast(&id, wire.NewEvent(wire.EventSample, body))
}

// NotifyTargetAdded pushes a new target to every subscribed session.
func (sm *SessionManager) NotifyTargetAdded(t types.Target) {
	sm.broadcast(nil, wire.NewEvent(wire.EventTargetAdded, wire.Body{"target": wire.TargetBody(t)}))
}

// NotifyTargetDeleted pushes a removed target to every subscribed session.
func (sm *SessionManager) NotifyTargetDeleted(t types.Target) {
	sm.broadcast(nil, wire.NewEvent(wire.EventTargetDelete, wire.Body{"target": wire.TargetBody(t)}))
}

func (sm *SessionManager) broadcast(targetID *int64, m *wire.Message) {
	sessions := sm.subscribers(targetID)
	if len(sessions) == 0 {
		return
	}

	frame, err := wire.Marshal(m)
	if err != nil {
		log.Error("encode push event failed", "type", m.Type, "error", err)
		return
	}
	for _, s := range sessions {
		s.Send(frame)
	}
}

func generateSessionID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
