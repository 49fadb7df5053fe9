package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	apperrors "github.com/rxdelivery/driversync/internal/errors"
	"github.com/rxdelivery/driversync/internal/logging"
	"github.com/rxdelivery/driversync/internal/metrics"
	"github.com/rxdelivery/driversync/internal/models"
	"github.com/rxdelivery/driversync/internal/sync/conflict"
	"github.com/rxdelivery/driversync/internal/sync/queue"
)

// State is the engine's pass state.
type State int

const (
	StateIdle State = iota
	StateSyncing
)

func (s State) String() string {
	if s == StateSyncing {
		return "syncing"
	}
	return "idle"
}

// Outcome is the result of processing one queued action within a pass.
type Outcome int

const (
	// OutcomeDelivered means the backend applied the action; it was removed.
	OutcomeDelivered Outcome = iota
	// OutcomeDeferred means the action was left untouched for a later pass.
	OutcomeDeferred
	// OutcomeRetry means the attempt failed and the action was rescheduled.
	OutcomeRetry
	// OutcomeExhausted means the action ran out of retries and was removed.
	OutcomeExhausted
	// OutcomeConflict means the server copy won and the action was removed.
	OutcomeConflict
	// OutcomeStoreError means the store rejected the bookkeeping write.
	OutcomeStoreError
	// OutcomeAuthRequired means the bearer token was expired or refused; the
	// action waits for a new token without spending a retry.
	OutcomeAuthRequired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeRetry:
		return "retry"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeConflict:
		return "conflict"
	case OutcomeStoreError:
		return "store_error"
	case OutcomeAuthRequired:
		return "auth_required"
	default:
		return "unknown"
	}
}

// stillQueued reports whether the action remains in the store after the outcome.
func (o Outcome) stillQueued() bool {
	return o == OutcomeDeferred || o == OutcomeRetry || o == OutcomeStoreError || o == OutcomeAuthRequired
}

// SyncEventType identifies engine events.
type SyncEventType string

const (
	SyncEventStarted   SyncEventType = "sync_started"
	SyncEventCompleted SyncEventType = "sync_completed"
	SyncEventFailed    SyncEventType = "sync_failed"
	SyncEventAction    SyncEventType = "action_processed"
	SyncEventConflict  SyncEventType = "conflict"
	SyncEventEnqueued  SyncEventType = "action_enqueued"

	// SyncEventAuthRequired is emitted once per pass that hit an expired or
	// refused token.
	SyncEventAuthRequired SyncEventType = "auth_required"
)

// SyncEvent is emitted to the SyncEventHandler.
type SyncEvent struct {
	Type      SyncEventType `json:"type"`
	ActionID  string        `json:"action_id,omitempty"`
	Kind      string        `json:"kind,omitempty"`
	OrderID   int64         `json:"order_id,omitempty"`
	Outcome   string        `json:"outcome,omitempty"`
	Message   string        `json:"message,omitempty"`
	Result    *SyncResult   `json:"result,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// ConflictEvent describes an action dropped because the server state won.
type ConflictEvent struct {
	ActionID        string              `json:"action_id"`
	Kind            models.ActionKind   `json:"kind"`
	OrderID         int64               `json:"order_id"`
	Reason          apperrors.ErrorCode `json:"reason"`
	ServerUpdatedAt *time.Time          `json:"server_updated_at,omitempty"`
}

// SyncResult summarizes one pass.
type SyncResult struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Processed int           `json:"processed"`
	Delivered int           `json:"delivered"`
	Deferred  int           `json:"deferred"`
	Retried   int           `json:"retried"`
	Exhausted int           `json:"exhausted"`
	Conflicts int           `json:"conflicts"`
	Remaining int           `json:"remaining"`
	Error     string        `json:"error,omitempty"`

	// AuthRequired is set when actions are waiting for a new bearer token.
	AuthRequired bool `json:"auth_required,omitempty"`
}

func (r *SyncResult) record(o Outcome) {
	r.Processed++
	switch o {
	case OutcomeDelivered:
		r.Delivered++
	case OutcomeDeferred:
		r.Deferred++
	case OutcomeAuthRequired:
		r.Deferred++
		r.AuthRequired = true
	case OutcomeRetry, OutcomeStoreError:
		r.Retried++
	case OutcomeExhausted:
		r.Exhausted++
	case OutcomeConflict:
		r.Conflicts++
	}
}

// Engine drains the action store against the backend, one pass at a time.
type Engine struct {
	store      ActionStore
	dispatcher Dispatcher
	detector   ConflictChecker
	online     OnlineChecker

	policy        queue.Policy
	orderSequence bool
	now           func() time.Time
	onConflict    ConflictHandler
	handler       SyncEventHandler
	log           *logging.Logger

	mu       gosync.Mutex
	state    State
	lastSync *time.Time
	lastErr  error
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the retry policy.
func WithPolicy(p queue.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithOrderSequencing controls whether a deferred or failed action holds back
// later actions for the same order within a pass. Enabled by default.
func WithOrderSequencing(enabled bool) Option {
	return func(e *Engine) { e.orderSequence = enabled }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithConflictHandler registers the conflict callback.
func WithConflictHandler(h ConflictHandler) Option {
	return func(e *Engine) { e.onConflict = h }
}

// WithEventHandler registers the event handler.
func WithEventHandler(h SyncEventHandler) Option {
	return func(e *Engine) { e.handler = h }
}

// NewEngine creates an Engine.
func NewEngine(store ActionStore, dispatcher Dispatcher, detector ConflictChecker, online OnlineChecker, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		dispatcher:    dispatcher,
		detector:      detector,
		online:        online,
		policy:        queue.DefaultPolicy(),
		orderSequence: true,
		now:           time.Now,
		log:           logging.Get().Component("sync_engine"),
		state:         StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Status returns the current engine state.
func (e *Engine) Status() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastSync returns the end time of the last completed pass.
func (e *Engine) LastSync() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// LastError returns the error that ended the last pass early, if any.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// PendingCount returns the number of queued actions.
func (e *Engine) PendingCount() (int, error) {
	return e.store.Count()
}

// Enqueue validates and durably stores a new action.
func (e *Engine) Enqueue(a *models.QueuedAction) (string, error) {
	id, err := e.store.Enqueue(a)
	if err != nil {
		return "", err
	}

	metrics.ActionsEnqueuedTotal.WithLabelValues(string(a.Kind)).Inc()
	e.log.Info("Action queued", map[string]interface{}{
		"action_id": id,
		"kind":      a.Kind,
		"order_ids": a.OrderIDs(),
	})
	e.emit(SyncEvent{Type: SyncEventEnqueued, ActionID: id, Kind: string(a.Kind), OrderID: a.TargetOrderID})
	return id, nil
}

// SyncPendingActions runs one replay pass over the store. It returns
// started=false without side effects when offline or when a pass is already
// running. ctx bounds network calls; once it is done, remaining actions are
// deferred rather than failed.
func (e *Engine) SyncPendingActions(ctx context.Context) (*SyncResult, bool) {
	if !e.online.IsOnline() {
		return nil, false
	}

	e.mu.Lock()
	if e.state == StateSyncing {
		e.mu.Unlock()
		return nil, false
	}
	e.state = StateSyncing
	e.mu.Unlock()

	result := &SyncResult{StartTime: e.now()}
	e.emit(SyncEvent{Type: SyncEventStarted})

	err := e.runPass(ctx, result)

	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	if n, cerr := e.store.Count(); cerr == nil {
		result.Remaining = n
		metrics.PendingActions.Set(float64(n))
	}

	metrics.SyncPassesTotal.Inc()
	metrics.SyncPassDuration.Observe(result.Duration.Seconds())

	e.mu.Lock()
	e.state = StateIdle
	e.lastErr = err
	if err == nil {
		end := result.EndTime
		e.lastSync = &end
	}
	e.mu.Unlock()

	if err != nil {
		result.Error = err.Error()
		e.log.Error("Sync pass aborted", err, map[string]interface{}{"processed": result.Processed})
		e.emit(SyncEvent{Type: SyncEventFailed, Message: err.Error(), Result: result})
	} else {
		e.log.Info("Sync pass completed", map[string]interface{}{
			"delivered": result.Delivered,
			"deferred":  result.Deferred,
			"retried":   result.Retried,
			"exhausted": result.Exhausted,
			"conflicts": result.Conflicts,
			"remaining": result.Remaining,
			"duration":  result.Duration.String(),
		})
		if result.AuthRequired {
			e.emit(SyncEvent{Type: SyncEventAuthRequired, Message: string(apperrors.ErrAuthExpired), Result: result})
		}
		e.emit(SyncEvent{Type: SyncEventCompleted, Result: result})
	}
	return result, true
}

func (e *Engine) runPass(ctx context.Context, result *SyncResult) error {
	actions, err := e.store.ListPending()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "list pending actions", err)
	}

	seen := make(map[string]bool, len(actions))
	blocked := make(map[int64]bool)

	for _, a := range actions {
		if seen[a.ID] {
			continue
		}
		seen[a.ID] = true

		var outcome Outcome
		switch {
		case ctx.Err() != nil:
			outcome = OutcomeDeferred
		case e.orderSequence && anyBlocked(blocked, a.OrderIDs()):
			outcome = OutcomeDeferred
		default:
			outcome = e.process(ctx, a)
		}

		if outcome.stillQueued() {
			for _, id := range a.OrderIDs() {
				blocked[id] = true
			}
		}

		result.record(outcome)
		metrics.ActionsOutcomeTotal.WithLabelValues(string(a.Kind), outcome.String()).Inc()
		if outcome != OutcomeDeferred && outcome != OutcomeConflict && outcome != OutcomeAuthRequired {
			e.emit(SyncEvent{
				Type:     SyncEventAction,
				ActionID: a.ID,
				Kind:     string(a.Kind),
				OrderID:  a.TargetOrderID,
				Outcome:  outcome.String(),
				Message:  a.LastError,
			})
		}
	}
	return nil
}

// process runs one action through eligibility, conflict detection and dispatch.
func (e *Engine) process(ctx context.Context, a *models.QueuedAction) Outcome {
	now := e.now()

	if !a.Eligible(now) {
		return OutcomeDeferred
	}

	if e.policy.Exhausted(a.RetryCount) {
		return e.drop(a, apperrors.New(apperrors.ErrRetriesExhausted, "retry budget already spent"))
	}

	if a.ConflictCheckable() {
		res := e.detector.Check(ctx, a)
		switch res.Outcome {
		case conflict.ServerWins, conflict.ResourceNotFound:
			return e.conflict(a, res.Outcome.Code(), res.ServerUpdatedAt)
		case conflict.NetworkError:
			if apperrors.Is(res.Err, apperrors.ErrAuthExpired) {
				return e.awaitAuth(a, res.Err)
			}
			return e.fail(a, res.Err, now)
		}
	}

	batch, err := e.dispatcher.Dispatch(ctx, a)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrResourceNotFound) {
			return e.conflict(a, apperrors.ErrResourceNotFound, nil)
		}
		if apperrors.Is(err, apperrors.ErrAuthExpired) {
			return e.awaitAuth(a, err)
		}
		return e.fail(a, err, now)
	}

	if a.Kind.IsBatch() {
		if failed := batch.Failed(); len(failed) > 0 {
			total := len(a.Payload.OrderIDs)
			a.NarrowBatch(failed)
			if len(a.Payload.OrderIDs) > 0 {
				e.log.Warn("Batch partially applied", map[string]interface{}{
					"action_id": a.ID,
					"failed":    a.Payload.OrderIDs,
					"total":     total,
				})
				cause := apperrors.New(apperrors.ErrNetwork,
					fmt.Sprintf("%d of %d orders not applied", len(a.Payload.OrderIDs), total))
				return e.fail(a, cause, now)
			}
		}
	}

	if err := e.store.Remove(a.ID); err != nil {
		e.log.Error("Failed to remove delivered action", err, map[string]interface{}{"action_id": a.ID})
		return OutcomeStoreError
	}
	e.log.Debug("Action delivered", map[string]interface{}{"action_id": a.ID, "kind": a.Kind})
	return OutcomeDelivered
}

// fail records a transient failure, removing the action once its retries are spent.
func (e *Engine) fail(a *models.QueuedAction, cause error, now time.Time) Outcome {
	if e.policy.Fail(a, cause, now) {
		return e.drop(a, apperrors.Wrap(apperrors.ErrRetriesExhausted,
			fmt.Sprintf("giving up after %d attempts", a.RetryCount), cause))
	}

	if err := e.store.Update(a); err != nil {
		e.log.Error("Failed to reschedule action", err, map[string]interface{}{"action_id": a.ID})
		return OutcomeStoreError
	}

	e.log.Warn("Action failed, will retry", map[string]interface{}{
		"action_id":   a.ID,
		"kind":        a.Kind,
		"retry_count": a.RetryCount,
		"next_at":     a.NextEligibleAt.UTC(),
		"error":       a.LastError,
	})
	return OutcomeRetry
}

// awaitAuth leaves a untouched until the shell supplies a new token.
func (e *Engine) awaitAuth(a *models.QueuedAction, cause error) Outcome {
	e.log.Warn("Action waiting for a new bearer token", map[string]interface{}{
		"action_id": a.ID,
		"kind":      a.Kind,
		"error":     cause.Error(),
	})
	return OutcomeAuthRequired
}

func (e *Engine) drop(a *models.QueuedAction, reason error) Outcome {
	if err := e.store.Remove(a.ID); err != nil {
		e.log.Error("Failed to remove exhausted action", err, map[string]interface{}{"action_id": a.ID})
		return OutcomeStoreError
	}
	e.log.ErrorWithCode("Dropping action", string(apperrors.ErrRetriesExhausted), reason, map[string]interface{}{
		"action_id":   a.ID,
		"kind":        a.Kind,
		"order_ids":   a.OrderIDs(),
		"retry_count": a.RetryCount,
	})
	return OutcomeExhausted
}

func (e *Engine) conflict(a *models.QueuedAction, reason apperrors.ErrorCode, serverUpdatedAt *time.Time) Outcome {
	if err := e.store.Remove(a.ID); err != nil {
		e.log.Error("Failed to remove conflicting action", err, map[string]interface{}{"action_id": a.ID})
		return OutcomeStoreError
	}

	e.log.Info("Server state wins, action dropped", map[string]interface{}{
		"action_id": a.ID,
		"kind":      a.Kind,
		"order_id":  a.TargetOrderID,
		"reason":    reason,
	})

	ev := ConflictEvent{
		ActionID:        a.ID,
		Kind:            a.Kind,
		OrderID:         a.TargetOrderID,
		Reason:          reason,
		ServerUpdatedAt: serverUpdatedAt,
	}
	if e.onConflict != nil {
		e.onConflict(ev)
	}
	e.emit(SyncEvent{
		Type:     SyncEventConflict,
		ActionID: a.ID,
		Kind:     string(a.Kind),
		OrderID:  a.TargetOrderID,
		Outcome:  OutcomeConflict.String(),
		Message:  string(reason),
	})
	return OutcomeConflict
}

func (e *Engine) emit(ev SyncEvent) {
	if e.handler == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	e.handler.OnSyncEvent(ev)
}

func anyBlocked(blocked map[int64]bool, ids []int64) bool {
	for _, id := range ids {
		if blocked[id] {
			return true
		}
	}
	return false
}
