// Package client provides a client for the pinglingle control protocol.
//
// A Client multiplexes requests over one connection: each request carries
// an ID and waits for the matching reply, while push events from a
// subscription are delivered on the Events channel.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KaiEkkrin/pinglingle/config"
	perrors "github.com/KaiEkkrin/pinglingle/internal/errors"
	"github.com/KaiEkkrin/pinglingle/internal/storage/aggregate"
	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
	"github.com/KaiEkkrin/pinglingle/internal/wire"
)

// =============================================================================
// State Machine Definition
// =============================================================================

// ClientState represents the connection state of a client.
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateClosed
)

// String returns the human-readable name of the state.
func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// =============================================================================
// Errors
// =============================================================================

var (
	ErrClientClosed     = errors.New("client is closed")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrTimeout          = errors.New("request timeout")
)

// =============================================================================
// Client
// =============================================================================

// Config holds client configuration.
type Config struct {
	Addr           string
	TLS            bool
	TLSSkipVerify  bool
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
}

// DefaultConfig returns default client configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:           config.DefaultListenAddress,
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 30 * time.Second,
		EventBuffer:    256,
	}
}

// Client connects to a pinglingle daemon.
//
// Client is safe for concurrent use.
type Client struct {
	addr           string
	tlsConfig      *tls.Config
	connectTimeout time.Duration
	requestTimeout time.Duration

	// Connection - protected by mu
	mu   sync.Mutex
	conn net.Conn
	wire *wire.Conn

	state atomic.Int32

	// Pending requests
	pendingMu sync.Mutex
	pending   map[uint64]chan *wire.Message
	requestID atomic.Uint64

	events        chan *wire.Message
	droppedEvents atomic.Int64

	onDisconnect func(error)

	closeOnce sync.Once
	shutdown  chan struct{}
	readDone  chan struct{}
}

// New creates a new client.
func New(cfg *Config) *Client {
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}

	c := &Client{
		addr:           cfg.Addr,
		connectTimeout: cfg.ConnectTimeout,
		requestTimeout: cfg.RequestTimeout,
		pending:        make(map[uint64]chan *wire.Message),
		shutdown:       make(chan struct{}),
		readDone:       make(chan struct{}),
	}
	if c.addr == "" {
		c.addr = def.Addr
	}
	if c.connectTimeout <= 0 {
		c.connectTimeout = def.ConnectTimeout
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = def.RequestTimeout
	}
	buf := cfg.EventBuffer
	if buf <= 0 {
		buf = def.EventBuffer
	}
	c.events = make(chan *wire.Message, buf)

	if cfg.TLS {
		c.tlsConfig = &tls.Config{
			InsecureSkipVerify: cfg.TLSSkipVerify,
		}
	}

	return c
}

func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

// =============================================================================
// Connection Management
// =============================================================================

// Connect dials the daemon and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	switch c.getState() {
	case StateClosed:
		return ErrClientClosed
	case StateConnected:
		return ErrAlreadyConnected
	}
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("cannot connect: current state is %s", c.getState())
	}

	dialer := &net.Dialer{Timeout: c.connectTimeout}

	var (
		conn net.Conn
		err  error
	)
	if c.tlsConfig != nil {
		td := &tls.Dialer{NetDialer: dialer, Config: c.tlsConfig}
		conn, err = td.DialContext(ctx, "tcp", c.addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", c.addr)
	}
	if err != nil {
		c.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected))
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}

	w := wire.NewConn(conn)
	c.mu.Lock()
	c.conn = conn
	c.wire = w
	c.mu.Unlock()

	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		// Closed while dialing.
		conn.Close()
		return ErrClientClosed
	}
	go c.readLoop(w)
	return nil
}

// Close closes the connection. The client cannot be reused.
func (c *Client) Close() error {
	var closeErr error

	c.closeOnce.Do(func() {
		prev := ClientState(c.state.Swap(int32(StateClosed)))
		close(c.shutdown)

		c.mu.Lock()
		if c.conn != nil {
			closeErr = c.conn.Close()
		}
		c.mu.Unlock()

		if prev == StateConnected {
			<-c.readDone
		}
	})

	return closeErr
}

// IsConnected returns true if connected.
func (c *Client) IsConnected() bool {
	return c.getState() == StateConnected
}

// State returns the current state as a string.
func (c *Client) State() string {
	return c.getState().String()
}

// OnDisconnect sets the handler called when the daemon closes the
// connection. It is not called for Close.
func (c *Client) OnDisconnect(fn func(error)) {
	c.pendingMu.Lock()
	c.onDisconnect = fn
	c.pendingMu.Unlock()
}

// Events returns pushed events. The channel is closed when the read loop
// ends. Events that arrive while the channel is full are dropped.
func (c *Client) Events() <-chan *wire.Message {
	return c.events
}

// DroppedEvents returns how many events were dropped.
func (c *Client) DroppedEvents() int64 {
	return c.droppedEvents.Load()
}

// =============================================================================
// Read Loop
// =============================================================================

func (c *Client) readLoop(w *wire.Conn) {
	var disconnectErr error

	defer func() {
		close(c.events)

		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		fn := c.onDisconnect
		c.pendingMu.Unlock()

		closed := !c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected))
		close(c.readDone)

		if fn != nil && !closed {
			fn(disconnectErr)
		}
	}()

	for {
		msg, err := w.Read()
		if err != nil {
			disconnectErr = err
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg *wire.Message) {
	if msg.IsEvent() {
		select {
		case c.events <- msg:
		default:
			c.droppedEvents.Add(1)
		}
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.pendingMu.Unlock()

	if ok {
		ch <- msg
	}
}

// =============================================================================
// Request/Response
// =============================================================================

// Call sends one request and waits for its reply. Error replies are
// returned as errors that match the errors package sentinels.
func (c *Client) Call(ctx context.Context, op string, body wire.Body) (wire.Body, error) {
	if c.getState() != StateConnected {
		if c.getState() == StateClosed {
			return nil, ErrClientClosed
		}
		return nil, ErrNotConnected
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	id := c.requestID.Add(1)
	ch := make(chan *wire.Message, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.mu.Lock()
	w := c.wire
	c.mu.Unlock()
	if w == nil {
		return nil, ErrNotConnected
	}
	if err := w.Write(&wire.Message{ID: id, Type: op, Body: body}); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if err := resp.Err(); err != nil {
			return nil, err
		}
		if resp.Body == nil {
			return wire.Body{}, nil
		}
		return resp.Body, nil

	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w: %v", op, ErrTimeout, ctx.Err())

	case <-c.shutdown:
		return nil, ErrClientClosed
	}
}

// =============================================================================
// Operations
// =============================================================================

// TargetInfo is a target with the daemon's probe counters, when it has any.
type TargetInfo struct {
	types.Target
	Stats wire.Body
}

// ListTargets returns all targets ordered by address.
func (c *Client) ListTargets(ctx context.Context) ([]TargetInfo, error) {
	body, err := c.Call(ctx, wire.OpListTargets, nil)
	if err != nil {
		return nil, err
	}
	items := body.List("targets")
	out := make([]TargetInfo, 0, len(items))
	for _, b := range items {
		info := TargetInfo{Target: wire.BodyTarget(b)}
		if s, ok := b.Object("stats"); ok {
			info.Stats = s
		}
		out = append(out, info)
	}
	return out, nil
}

// AddTarget adds a target. A zero frequency uses the daemon default.
func (c *Client) AddTarget(ctx context.Context, address string, frequency int) (types.Target, error) {
	req := wire.Body{"address": address}
	if frequency > 0 {
		req["frequency"] = float64(frequency)
	}
	body, err := c.Call(ctx, wire.OpAddTarget, req)
	if err != nil {
		return types.Target{}, err
	}
	return targetReply(body)
}

// DeleteTarget removes a target by id.
func (c *Client) DeleteTarget(ctx context.Context, id int64) (types.Target, error) {
	body, err := c.Call(ctx, wire.OpDeleteTarget, wire.Body{"id": float64(id)})
	if err != nil {
		return types.Target{}, err
	}
	return targetReply(body)
}

func targetReply(body wire.Body) (types.Target, error) {
	tb, ok := body.Object("target")
	if !ok {
		return types.Target{}, fmt.Errorf("reply has no target: %w", perrors.ErrInternal)
	}
	return wire.BodyTarget(tb), nil
}

// Samples returns samples for a target with oldest < date <= newest.
// A nil newest is unbounded.
func (c *Client) Samples(ctx context.Context, targetID int64, oldest time.Time, newest *time.Time) ([]types.Sample, error) {
	req := wire.Body{"target_id": float64(targetID), "oldest": wire.FormatTime(oldest)}
	if newest != nil {
		req["newest"] = wire.FormatTime(*newest)
	}
	body, err := c.Call(ctx, wire.OpSamples, req)
	if err != nil {
		return nil, err
	}
	items := body.List("samples")
	out := make([]types.Sample, 0, len(items))
	for _, b := range items {
		out = append(out, wire.BodySample(b))
	}
	return out, nil
}

// DigestQuery selects digests. At least one of Oldest, Newest and Count
// must be set.
type DigestQuery struct {
	TargetID *int64
	Oldest   *time.Time
	Newest   *time.Time
	Count    int
}

// Digests returns digests with oldest <= start_time < newest.
func (c *Client) Digests(ctx context.Context, q DigestQuery) ([]types.Digest, error) {
	req := wire.Body{}
	if q.TargetID != nil {
		req["target_id"] = float64(*q.TargetID)
	}
	if q.Oldest != nil {
		req["oldest"] = wire.FormatTime(*q.Oldest)
	}
	if q.Newest != nil {
		req["newest"] = wire.FormatTime(*q.Newest)
	}
	if q.Count > 0 {
		req["count"] = float64(q.Count)
	}
	body, err := c.Call(ctx, wire.OpDigests, req)
	if err != nil {
		return nil, err
	}
	items := body.List("digests")
	out := make([]types.Digest, 0, len(items))
	for _, b := range items {
		out = append(out, wire.BodyDigest(b))
	}
	return out, nil
}

// Live returns provisional statistics for the open bucket. A nil target
// returns every target that has samples in it.
func (c *Client) Live(ctx context.Context, targetID *int64) ([]aggregate.LiveSnapshot, error) {
	req := wire.Body{}
	if targetID != nil {
		req["target_id"] = float64(*targetID)
	}
	body, err := c.Call(ctx, wire.OpLive, req)
	if err != nil {
		return nil, err
	}
	items := body.List("live")
	out := make([]aggregate.LiveSnapshot, 0, len(items))
	for _, b := range items {
		out = append(out, wire.BodyLive(b))
	}
	return out, nil
}

// Subscribe asks for push events. No ids subscribes to every target.
func (c *Client) Subscribe(ctx context.Context, targetIDs ...int64) error {
	req := wire.Body{}
	if len(targetIDs) > 0 {
		ids := make([]any, len(targetIDs))
		for i, id := range targetIDs {
			ids[i] = float64(id)
		}
		req["target_ids"] = ids
	}
	_, err := c.Call(ctx, wire.OpSubscribe, req)
	return err
}

// Unsubscribe stops push events.
func (c *Client) Unsubscribe(ctx context.Context) error {
	_, err := c.Call(ctx, wire.OpUnsubscribe, nil)
	return err
}

// Health checks that the daemon's store answers.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.Call(ctx, wire.OpHealth, nil)
	return err
}

// DigestNow runs an aggregation pass on the daemon.
func (c *Client) DigestNow(ctx context.Context) (aggregate.PassResult, error) {
	body, err := c.Call(ctx, wire.OpDigestNow, nil)
	if err != nil {
		return aggregate.PassResult{}, err
	}
	buckets, _ := body.Int64("buckets")
	digests, _ := body.Int64("digests")
	samples, _ := body.Int64("samples")
	failed, _ := body.Int64("failed")
	return aggregate.PassResult{Buckets: int(buckets), Digests: int(digests), Samples: int(samples), Failed: int(failed)}, nil
}
