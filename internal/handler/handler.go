package handler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/KaiEkkrin/pinglingle/internal/errors"
	"github.com/KaiEkkrin/pinglingle/internal/logging"
	"github.com/KaiEkkrin/pinglingle/internal/manager"
	"github.com/KaiEkkrin/pinglingle/internal/storage/aggregate"
	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
	"github.com/KaiEkkrin/pinglingle/internal/store"
	"github.com/KaiEkkrin/pinglingle/internal/wire"
)

// =============================================================================
// Dependencies
// =============================================================================

// Targets manages the target list.
type Targets interface {
	AddTarget(ctx context.Context, address string, frequency int) (*types.Target, error)
	DeleteTarget(ctx context.Context, id int64) (*types.Target, error)
	ListTargets(ctx context.Context) ([]types.Target, error)
}

// Queries reads stored samples and digests.
type Queries interface {
	ListSamples(ctx context.Context, targetID int64, oldest time.Time, newest *time.Time) ([]types.Sample, error)
	ListDigests(ctx context.Context, q store.DigestQuery) ([]types.Digest, error)
}

// Digester runs an aggregation pass on demand.
type Digester interface {
	RunOnce(ctx context.Context) (aggregate.PassResult, error)
}

// LiveSource returns provisional statistics for a target's open bucket.
type LiveSource interface {
	Snapshot(targetID int64) (aggregate.LiveSnapshot, bool)
}

// HealthChecker reports whether the store answers.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// StatsSource returns probe counters for a target.
type StatsSource interface {
	Lookup(targetID int64) (manager.Summary, bool)
}

// Deps collects the handler's collaborators. Live, Stats, Digester and
// Health are optional; the operations that need them fail with
// CodeUnavailable.
type Deps struct {
	Targets  Targets
	Queries  Queries
	Digester Digester
	Live     LiveSource
	Stats    StatsSource
	Health   HealthChecker
}

// =============================================================================
// Request Context
// =============================================================================

// RequestContext holds context for handling a request.
type RequestContext struct {
	Ctx       context.Context
	Session   *Session
	RequestID uint64
	Body      wire.Body
}

type opFunc func(rc *RequestContext) (wire.Body, error)

// =============================================================================
// Handler
// =============================================================================

// Handler dispatches control requests.
type Handler struct {
	deps     Deps
	sessions *SessionManager
	ops      map[string]opFunc

	// Concurrent identical digest queries share one database read.
	digestGroup singleflight.Group
}

// NewHandler creates a new handler.
func NewHandler(deps Deps, sm *SessionManager) *Handler {
	h := &Handler{deps: deps, sessions: sm}
	h.ops = map[string]opFunc{
		wire.OpListTargets:  h.handleListTargets,
		wire.OpAddTarget:    h.handleAddTarget,
		wire.OpDeleteTarget: h.handleDeleteTarget,
		wire.OpSamples:      h.handleSamples,
		wire.OpDigests:      h.handleDigests,
		wire.OpLive:         h.handleLive,
		wire.OpSubscribe:    h.handleSubscribe,
		wire.OpUnsubscribe:  h.handleUnsubscribe,
		wire.OpDigestNow:    h.handleDigestNow,
		wire.OpHealth:       h.handleHealth,
	}
	return h
}

// SessionManager returns the session manager.
func (h *Handler) SessionManager() *SessionManager {
	return h.sessions
}

// Handle answers one request. It never returns nil.
func (h *Handler) Handle(ctx context.Context, session *Session, req *wire.Message) *wire.Message {
	op, ok := h.ops[req.Type]
	if !ok {
		return wire.NewError(req.ID, errors.CodeInvalidRequest, fmt.Sprintf("unknown operation %q", req.Type))
	}

	ctx = logging.ContextWithRequestID(ctx, req.ID)
	if session != nil {
		ctx = logging.ContextWithSessionID(ctx, session.ID)
	}

	body := req.Body
	if body == nil {
		body = wire.Body{}
	}
	rc := &RequestContext{Ctx: ctx, Session: session, RequestID: req.ID, Body: body}

	resp, err := h.safeCall(op, rc)
	if err != nil {
		herr := ToHandlerError(err)
		if herr.Code == errors.CodeInternal {
			logging.WithContext(ctx).Error("request failed", "op", req.Type, "error", err)
		} else {
			logging.WithContext(ctx).Debug("request rejected", "op", req.Type, "error", err)
		}
		return wire.NewError(req.ID, herr.Code, herr.Message)
	}
	if resp == nil {
		resp = wire.Body{}
	}
	return wire.NewResponse(req.ID, resp)
}

func (h *Handler) safeCall(op opFunc, rc *RequestContext) (resp wire.Body, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v: %w", r, errors.ErrInternal)
		}
	}()
	return op(rc)
}

// =============================================================================
// Targets
// =============================================================================

func (h *Handler) handleListTargets(rc *RequestContext) (wire.Body, error) {
	targets, err := h.deps.Targets.ListTargets(rc.Ctx)
	if err != nil {
		return nil, err
	}

	items := make([]any, 0, len(targets))
	for _, t := range targets {
		b := wire.TargetBody(t)
		if h.deps.Stats != nil {
			if sum, ok := h.deps.Stats.Lookup(t.ID); ok {
				b["stats"] = statsBody(sum)
			}
		}
		items = append(items, b)
	}
	return wire.Body{"targets": items}, nil
}

func (h *Handler) handleAddTarget(rc *RequestContext) (wire.Body, error) {
	address, _ := rc.Body.String("address")
	frequency, _ := rc.Body.Int64("frequency")

	t, err := h.deps.Targets.AddTarget(rc.Ctx, address, int(frequency))
	if err != nil {
		return nil, err
	}
	return wire.Body{"target": wire.TargetBody(*t)}, nil
}

func (h *Handler) handleDeleteTarget(rc *RequestContext) (wire.Body, error) {
	id, err := rc.Body.RequireInt64("id")
	if err != nil {
		return nil, err
	}

	t, err := h.deps.Targets.DeleteTarget(rc.Ctx, id)
	if err != nil {
		return nil, err
	}
	return wire.Body{"target": wire.TargetBody(*t)}, nil
}

func statsBody(s manager.Summary) wire.Body {
	b := wire.Body{
		"total":   float64(s.Total),
		"success": float64(s.Success),
		"failed":  float64(s.Failed),
		"timeout": float64(s.Timeout),
		"avg_ms":  s.AvgMs,
		"min_ms":  float64(s.MinMs),
		"max_ms":  float64(s.MaxMs),
	}
	if !s.LastSample.IsZero() {
		b["last_sample"] = wire.FormatTime(s.LastSample)
		b["last_status"] = s.LastStatus.String()
	}
	return b
}

// =============================================================================
// Queries
// =============================================================================

func (h *Handler) handleSamples(rc *RequestContext) (wire.Body, error) {
	targetID, err := rc.Body.RequireInt64("target_id")
	if err != nil {
		return nil, err
	}
	oldest, err := rc.Body.Time("oldest")
	if err != nil {
		return nil, err
	}
	if oldest == nil {
		return nil, errors.NewMissingField("oldest")
	}
	newest, err := rc.Body.Time("newest")
	if err != nil {
		return nil, err
	}

	samples, err := h.deps.Queries.ListSamples(rc.Ctx, targetID, *oldest, newest)
	if err != nil {
		return nil, err
	}
	return wire.Body{"samples": wire.List(samples, wire.SampleBody)}, nil
}

func (h *Handler) handleDigests(rc *RequestContext) (wire.Body, error) {
	var q store.DigestQuery
	if id, ok := rc.Body.Int64("target_id"); ok {
		q.TargetID = &id
	}
	var err error
	if q.Oldest, err = rc.Body.Time("oldest"); err != nil {
		return nil, err
	}
	if q.Newest, err = rc.Body.Time("newest"); err != nil {
		return nil, err
	}
	if count, ok := rc.Body.Int64("count"); ok {
		q.Count = int(count)
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	v, err, _ := h.digestGroup.Do(digestKey(q), func() (any, error) {
		return h.deps.Queries.ListDigests(rc.Ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return wire.Body{"digests": wire.List(v.([]types.Digest), wire.DigestBody)}, nil
}

func digestKey(q store.DigestQuery) string {
	key := "*"
	if q.TargetID != nil {
		key = strconv.FormatInt(*q.TargetID, 10)
	}
	key += "|"
	if q.Oldest != nil {
		key += strconv.FormatInt(q.Oldest.UnixNano(), 10)
	}
	key += "|"
	if q.Newest != nil {
		key += strconv.FormatInt(q.Newest.UnixNano(), 10)
	}
	return key + "|" + strconv.Itoa(q.Count)
}

// =============================================================================
// Live
// =============================================================================

func (h *Handler) handleLive(rc *RequestContext) (wire.Body, error) {
	if h.deps.Live == nil {
		return nil, fmt.Errorf("live statistics: %w", errors.ErrNotRunning)
	}

	if id, ok := rc.Body.Int64("target_id"); ok {
		snap, found := h.deps.Live.Snapshot(id)
		if !found {
			return wire.Body{"live": []any{}}, nil
		}
		return wire.Body{"live": []any{wire.LiveBody(snap)}}, nil
	}

	targets, err := h.deps.Targets.ListTargets(rc.Ctx)
	if err != nil {
		return nil, err
	}
	snaps := make([]aggregate.LiveSnapshot, 0, len(targets))
	for _, t := range targets {
		if snap, ok := h.deps.Live.Snapshot(t.ID); ok {
			snaps = append(snaps, snap)
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].TargetID < snaps[j].TargetID })
	return wire.Body{"live": wire.List(snaps, wire.LiveBody)}, nil
}

// =============================================================================
// Subscriptions
// =============================================================================

func (h *Handler) handleSubscribe(rc *RequestContext) (wire.Body, error) {
	if rc.Session == nil {
		return nil, errors.ErrSessionNotFound
	}

	var ids []int64
	if raw, ok := rc.Body["target_ids"].([]any); ok {
		for _, v := range raw {
			f, ok := v.(float64)
			if !ok {
				return nil, errors.NewInvalidQuery("target_ids must be numbers")
			}
			ids = append(ids, int64(f))
		}
	}

	h.sessions.Subscribe(rc.Session.ID, ids)
	logging.WithContext(rc.Ctx).Info("subscribed", "targets", len(ids))

	if len(ids) == 0 {
		return wire.Body{"all": true}, nil
	}
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = float64(id)
	}
	return wire.Body{"target_ids": out}, nil
}

func (h *Handler) handleUnsubscribe(rc *RequestContext) (wire.Body, error) {
	if rc.Session == nil {
		return nil, errors.ErrSessionNotFound
	}
	h.sessions.Unsubscribe(rc.Session.ID)
	return wire.Body{}, nil
}

// =============================================================================
// Digest
// =============================================================================

func (h *Handler) handleDigestNow(rc *RequestContext) (wire.Body, error) {
	if h.deps.Digester == nil {
		return nil, fmt.Errorf("aggregator: %w", errors.ErrNotRunning)
	}

	res, err := h.deps.Digester.RunOnce(rc.Ctx)
	if err != nil {
		return nil, err
	}
	return wire.Body{
		"buckets": float64(res.Buckets),
		"digests": float64(res.Digests),
		"samples": float64(res.Samples),
		"failed":  float64(res.Failed),
	}, nil
}

func (h *Handler) handleHealth(rc *RequestContext) (wire.Body, error) {
	if h.deps.Health == nil {
		return nil, fmt.Errorf("store: %w", errors.ErrNotRunning)
	}
	if err := h.deps.Health.Health(rc.Ctx); err != nil {
		if errors.Is(err, errors.ErrStoreClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("store: %v: %w", err, errors.ErrNotRunning)
	}
	return wire.Body{"store": "ok"}, nil
}

// =============================================================================
// Error Handling - uses centralized error codes from errors package
// =============================================================================

// HandlerError represents a handler error with a wire protocol code.
type HandlerError struct {
	Code    int32 // Wire protocol code from errors.Code*
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *HandlerError) Unwrap() error {
	return e.Cause
}

// NewError creates a handler error from a wire code.
func NewError(code int32, msg string) *HandlerError {
	return &HandlerError{Code: code, Message: msg}
}

// ToHandlerError converts any error to a HandlerError.
func ToHandlerError(err error) *HandlerError {
	var herr *HandlerError
	if errors.As(err, &herr) {
		return herr
	}
	return &HandlerError{Code: errors.ErrorToCode(err), Message: err.Error(), Cause: err}
}
