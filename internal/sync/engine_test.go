// Package sync tests for the replay engine.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rxdelivery/driversync/internal/db"
	apperrors "github.com/rxdelivery/driversync/internal/errors"
	"github.com/rxdelivery/driversync/internal/models"
	"github.com/rxdelivery/driversync/internal/remote"
	"github.com/rxdelivery/driversync/internal/remote/remotetest"
	"github.com/rxdelivery/driversync/internal/sync/conflict"
	"github.com/rxdelivery/driversync/internal/sync/queue"
)

// =====================================================
// Test fixtures
// =====================================================

type onlineFlag struct{ v atomic.Bool }

func (o *onlineFlag) IsOnline() bool { return o.v.Load() }
func (o *onlineFlag) set(v bool)     { o.v.Store(v) }

type fakeClock struct {
	mu  gosync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingHandler struct {
	mu     gosync.Mutex
	events []SyncEvent
}

func (h *recordingHandler) OnSyncEvent(ev SyncEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) count(typ SyncEventType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, ev := range h.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

var epoch = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	engine    *Engine
	store     ActionStore
	backend   *remotetest.Backend
	online    *onlineFlag
	clock     *fakeClock
	events    *recordingHandler
	conflicts []ConflictEvent
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	return newHarnessWith(t, queue.NewMemoryStore(), remote.StaticToken("t"), opts...)
}

// newHarnessWith builds a harness over a given store and token source.
func newHarnessWith(t *testing.T, store ActionStore, tokens remote.TokenSource, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		store:   store,
		backend: remotetest.NewBackend(),
		online:  &onlineFlag{},
		clock:   &fakeClock{now: epoch},
		events:  &recordingHandler{},
	}
	t.Cleanup(h.backend.Close)
	h.online.set(true)

	client := remote.NewClient(h.backend.URL(), tokens)
	base := []Option{
		WithClock(h.clock.Now),
		WithEventHandler(h.events),
		WithConflictHandler(func(ev ConflictEvent) { h.conflicts = append(h.conflicts, ev) }),
	}
	h.engine = NewEngine(h.store, client, conflict.NewDetector(client), h.online, append(base, opts...)...)
	return h
}

func (h *harness) enqueue(t *testing.T, a *models.QueuedAction) string {
	t.Helper()
	id, err := h.engine.Enqueue(a)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	return id
}

func (h *harness) sync(t *testing.T) *SyncResult {
	t.Helper()
	res, started := h.engine.SyncPendingActions(context.Background())
	if !started {
		t.Fatal("SyncPendingActions() did not start")
	}
	return res
}

func (h *harness) pending(t *testing.T) []*models.QueuedAction {
	t.Helper()
	actions, err := h.store.ListPending()
	if err != nil {
		t.Fatalf("ListPending() failed: %v", err)
	}
	return actions
}

// =====================================================
// End-to-end scenarios
// =====================================================

// TestScenarioA verifies an action queued offline is sent exactly once when
// connectivity returns and removed after a 200.
func TestScenarioA(t *testing.T) {
	h := newHarness(t)
	h.online.set(false)

	h.enqueue(t, models.NewStatusUpdate(42, "picked_up", nil))

	if _, started := h.engine.SyncPendingActions(context.Background()); started {
		t.Fatal("pass should not start while offline")
	}
	if len(h.pending(t)) != 1 {
		t.Fatal("action should persist while offline")
	}
	if len(h.backend.Calls()) != 0 {
		t.Fatalf("backend called while offline: %v", h.backend.Calls())
	}

	h.online.set(true)
	res := h.sync(t)

	calls := h.backend.CallsTo(http.MethodPatch, "/orders/42/status")
	if len(calls) != 1 {
		t.Fatalf("PATCH /orders/42/status called %d times, want 1", len(calls))
	}
	var body map[string]string
	json.Unmarshal(calls[0].Body, &body)
	if len(body) != 1 || body["status"] != "picked_up" {
		t.Errorf("body = %s, want {status:picked_up}", calls[0].Body)
	}
	if res.Delivered != 1 || res.Remaining != 0 {
		t.Errorf("result = %+v", res)
	}
	if len(h.pending(t)) != 0 {
		t.Error("action should be removed after success")
	}
}

// TestScenarioB verifies three 500s produce three backoff-scheduled retries
// with growing gaps before the fourth attempt succeeds.
func TestScenarioB(t *testing.T) {
	h := newHarness(t)
	h.backend.FailNext(http.MethodPatch, "/orders/42/status", 500, 500, 500)
	h.enqueue(t, models.NewStatusUpdate(42, "picked_up", nil))

	var gaps []time.Duration
	for i := 1; i <= 3; i++ {
		now := h.clock.Now()
		res := h.sync(t)
		if res.Retried != 1 {
			t.Fatalf("pass %d: result = %+v, want one retry", i, res)
		}

		a := h.pending(t)[0]
		if a.RetryCount != i {
			t.Errorf("pass %d: RetryCount = %d", i, a.RetryCount)
		}
		gaps = append(gaps, a.NextEligibleAt.Sub(now))

		// Not yet eligible: the next pass leaves it alone.
		h.clock.Set(a.NextEligibleAt.Add(-time.Millisecond))
		if res := h.sync(t); res.Deferred != 1 {
			t.Errorf("pass %d: early pass result = %+v, want deferred", i, res)
		}
		h.clock.Set(a.NextEligibleAt)
	}

	for i := 1; i < len(gaps); i++ {
		if gaps[i] <= gaps[i-1] {
			t.Errorf("backoff gaps not increasing: %v", gaps)
		}
	}

	res := h.sync(t)
	if res.Delivered != 1 {
		t.Errorf("final pass result = %+v, want delivered", res)
	}
	if n := len(h.backend.CallsTo(http.MethodPatch, "/orders/42/status")); n != 4 {
		t.Errorf("PATCH called %d times, want 4", n)
	}
	if len(h.pending(t)) != 0 {
		t.Error("action should be removed after success")
	}
}

// TestScenarioC verifies a stale snapshot drops the action without dispatch
// and fires the conflict callback once.
func TestScenarioC(t *testing.T) {
	h := newHarness(t)
	snapshot := epoch.Add(-time.Hour)
	h.backend.SetOrder(models.OrderSnapshot{ID: 42, Status: "cancelled", UpdatedAt: epoch.Add(-time.Minute)})

	id := h.enqueue(t, models.NewStatusUpdate(42, "picked_up", &snapshot))
	res := h.sync(t)

	if n := len(h.backend.CallsTo(http.MethodPatch, "/orders/42/status")); n != 0 {
		t.Errorf("dispatch called %d times, want 0", n)
	}
	if len(h.pending(t)) != 0 {
		t.Error("conflicting action should be removed")
	}
	if len(h.conflicts) != 1 {
		t.Fatalf("conflict callback fired %d times, want 1", len(h.conflicts))
	}
	ev := h.conflicts[0]
	if ev.OrderID != 42 || ev.ActionID != id || ev.Reason != apperrors.ErrServerWins {
		t.Errorf("conflict event = %+v", ev)
	}
	if ev.ServerUpdatedAt == nil || !ev.ServerUpdatedAt.Equal(epoch.Add(-time.Minute)) {
		t.Errorf("ServerUpdatedAt = %v", ev.ServerUpdatedAt)
	}
	if res.Conflicts != 1 {
		t.Errorf("result = %+v", res)
	}
	if h.events.count(SyncEventConflict) != 1 {
		t.Error("expected one conflict event")
	}
}

// =====================================================
// Engine properties
// =====================================================

// TestNoConflictDispatches verifies an up-to-date snapshot goes through.
func TestNoConflictDispatches(t *testing.T) {
	h := newHarness(t)
	snapshot := epoch.Add(-time.Minute)
	h.backend.SetOrder(models.OrderSnapshot{ID: 3, UpdatedAt: snapshot})

	h.enqueue(t, models.NewRejection(3, "closed", &snapshot))
	if res := h.sync(t); res.Delivered != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(h.conflicts) != 0 {
		t.Errorf("unexpected conflicts: %v", h.conflicts)
	}
}

// TestNoConflictOnDurableStore verifies a snapshot equal to a server
// updated_at with microsecond precision survives the SQLite store and is not
// mistaken for an older copy.
func TestNoConflictOnDurableStore(t *testing.T) {
	database, err := db.OpenPath(":memory:")
	if err != nil {
		t.Fatalf("OpenPath() failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	h := newHarnessWith(t, db.NewActionStore(database), remote.StaticToken("t"))
	updatedAt := time.Date(2026, 6, 1, 8, 0, 0, 123456000, time.UTC)
	h.backend.SetOrder(models.OrderSnapshot{ID: 5, UpdatedAt: updatedAt})

	snapshot := updatedAt
	h.enqueue(t, models.NewStatusUpdate(5, "en_route", &snapshot))
	res := h.sync(t)

	if res.Delivered != 1 || res.Conflicts != 0 {
		t.Errorf("result = %+v, want one delivery", res)
	}
	if len(h.conflicts) != 0 {
		t.Errorf("unexpected conflicts: %+v", h.conflicts)
	}
	if n := len(h.backend.CallsTo(http.MethodPatch, "/orders/5/status")); n != 1 {
		t.Errorf("PATCH called %d times, want 1", n)
	}
}

func driverToken(t *testing.T, exp time.Time) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "driver-9",
		"exp": exp.Unix(),
	}).SignedString([]byte("backend"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

// TestExpiredTokenKeepsActions verifies actions wait, without spending
// retries, while the bearer token is expired, and go out once it is replaced.
func TestExpiredTokenKeepsActions(t *testing.T) {
	creds := remote.NewCredentials()
	if _, err := creds.Set(driverToken(t, time.Now().Add(-time.Minute))); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	h := newHarnessWith(t, queue.NewMemoryStore(), creds)
	snapshot := epoch
	h.backend.SetOrder(models.OrderSnapshot{ID: 2, UpdatedAt: snapshot})

	h.enqueue(t, models.NewStatusUpdate(1, "picked_up", nil))
	h.enqueue(t, models.NewStatusUpdate(2, "en_route", &snapshot))

	for i := 0; i < queue.MaxRetries+1; i++ {
		res := h.sync(t)
		if !res.AuthRequired || res.Deferred != 2 || res.Retried != 0 || res.Exhausted != 0 {
			t.Fatalf("pass %d result = %+v", i+1, res)
		}
		h.clock.Set(h.clock.Now().Add(10 * time.Minute))
	}

	pending := h.pending(t)
	if len(pending) != 2 {
		t.Fatalf("%d actions left, want 2", len(pending))
	}
	for _, a := range pending {
		if a.RetryCount != 0 {
			t.Errorf("action %s RetryCount = %d, want 0", a.ID, a.RetryCount)
		}
	}
	if n := len(h.backend.Calls()); n != 0 {
		t.Errorf("backend called %d times with an expired token", n)
	}
	if n := h.events.count(SyncEventAuthRequired); n != queue.MaxRetries+1 {
		t.Errorf("auth_required events = %d, want %d", n, queue.MaxRetries+1)
	}

	if _, err := creds.Set(driverToken(t, time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	res := h.sync(t)
	if res.Delivered != 2 || res.AuthRequired {
		t.Errorf("after refresh result = %+v", res)
	}
	if len(h.pending(t)) != 0 {
		t.Error("actions should be delivered after the token is replaced")
	}
}

// TestUnauthorizedKeepsRetryBudget verifies a 401 from the backend defers the
// action instead of counting a failed attempt.
func TestUnauthorizedKeepsRetryBudget(t *testing.T) {
	h := newHarness(t)
	h.backend.FailNext(http.MethodPatch, "/orders/1/status", 401)
	h.enqueue(t, models.NewStatusUpdate(1, "picked_up", nil))

	res := h.sync(t)
	if !res.AuthRequired || res.Retried != 0 {
		t.Errorf("result = %+v", res)
	}
	if a := h.pending(t)[0]; a.RetryCount != 0 || !a.NextEligibleAt.IsZero() {
		t.Errorf("action bookkeeping changed: retry=%d next=%v", a.RetryCount, a.NextEligibleAt)
	}

	if res := h.sync(t); res.Delivered != 1 {
		t.Errorf("second pass result = %+v", res)
	}
}

// TestConflictFetchFailureIsTransient verifies an unreachable order lookup
// counts as a failed attempt without dispatching.
func TestConflictFetchFailureIsTransient(t *testing.T) {
	h := newHarness(t)
	snapshot := epoch
	h.backend.SetOrder(models.OrderSnapshot{ID: 3, UpdatedAt: snapshot})
	h.backend.FailNext(http.MethodGet, "/orders/3", 503)

	h.enqueue(t, models.NewStatusUpdate(3, "en_route", &snapshot))
	res := h.sync(t)

	if res.Retried != 1 || h.pending(t)[0].RetryCount != 1 {
		t.Errorf("result = %+v", res)
	}
	if n := len(h.backend.CallsTo(http.MethodPatch, "/orders/3/status")); n != 0 {
		t.Errorf("dispatch called %d times, want 0", n)
	}
}

// TestBackoffMonotonicity verifies nextEligibleAt strictly increases and the
// action is removed after the fifth failure.
func TestBackoffMonotonicity(t *testing.T) {
	h := newHarness(t)
	h.backend.FailNext(http.MethodPatch, "/orders/1/status", 500, 500, 500, 500, 500, 500)
	h.enqueue(t, models.NewStatusUpdate(1, "picked_up", nil))

	var prev time.Time
	for i := 1; i < queue.MaxRetries; i++ {
		h.sync(t)
		a := h.pending(t)[0]
		if !a.NextEligibleAt.After(prev) {
			t.Errorf("failure %d: NextEligibleAt %v not after %v", i, a.NextEligibleAt, prev)
		}
		prev = a.NextEligibleAt
		h.clock.Set(a.NextEligibleAt)
	}

	res := h.sync(t)
	if res.Exhausted != 1 {
		t.Errorf("fifth failure result = %+v, want exhausted", res)
	}
	if len(h.pending(t)) != 0 {
		t.Error("action should be removed after the fifth failure")
	}
	if n := len(h.backend.CallsTo(http.MethodPatch, "/orders/1/status")); n != queue.MaxRetries {
		t.Errorf("PATCH called %d times, want %d", n, queue.MaxRetries)
	}
}

// TestAlreadyExhaustedIsDropped verifies an action persisted at the retry
// ceiling is removed without another attempt.
func TestAlreadyExhaustedIsDropped(t *testing.T) {
	h := newHarness(t)
	a := models.NewStatusUpdate(1, "picked_up", nil)
	h.enqueue(t, a)
	a.RetryCount = queue.MaxRetries
	h.store.Update(a)

	if res := h.sync(t); res.Exhausted != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(h.backend.Calls()) != 0 {
		t.Errorf("backend called: %v", h.backend.Calls())
	}
}

// TestDispatchNotFound verifies a 404 on dispatch drops the action and tells
// the UI the order is gone.
func TestDispatchNotFound(t *testing.T) {
	h := newHarness(t)
	h.backend.DeleteOrder(8)

	h.enqueue(t, models.NewStatusUpdate(8, "picked_up", nil))
	res := h.sync(t)

	if res.Conflicts != 1 || len(h.pending(t)) != 0 {
		t.Errorf("result = %+v", res)
	}
	if len(h.conflicts) != 1 || h.conflicts[0].Reason != apperrors.ErrResourceNotFound || h.conflicts[0].OrderID != 8 {
		t.Errorf("conflicts = %+v", h.conflicts)
	}
}

// TestSingleFlight verifies a trigger during a running pass is a no-op.
func TestSingleFlight(t *testing.T) {
	store := queue.NewMemoryStore()
	store.Enqueue(models.NewStatusUpdate(1, "picked_up", nil))

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	d := dispatchFunc(func(ctx context.Context, a *models.QueuedAction) (*models.BatchResult, error) {
		if calls.Add(1) == 1 {
			close(entered)
		}
		<-release
		return nil, nil
	})

	online := &onlineFlag{}
	online.set(true)
	e := NewEngine(store, d, conflict.NewDetector(nil), online)

	done := make(chan bool)
	go func() {
		_, started := e.SyncPendingActions(context.Background())
		done <- started
	}()

	<-entered
	if e.Status() != StateSyncing {
		t.Errorf("Status() = %s during a pass, want syncing", e.Status())
	}
	if _, started := e.SyncPendingActions(context.Background()); started {
		t.Error("second SyncPendingActions() started while the first was in flight")
	}
	close(release)

	if !<-done {
		t.Error("first pass did not start")
	}
	if calls.Load() != 1 {
		t.Errorf("dispatch called %d times, want 1", calls.Load())
	}
	if e.Status() != StateIdle {
		t.Errorf("Status() = %s after the pass, want idle", e.Status())
	}
	if e.LastSync() == nil {
		t.Error("LastSync() should be set after a pass")
	}
}

// TestDispatchAtMostOncePerPass verifies an action listed twice by the store
// is only sent once.
func TestDispatchAtMostOncePerPass(t *testing.T) {
	a := models.NewStatusUpdate(1, "picked_up", nil)
	a.ID = "dup"
	store := &listStore{actions: []*models.QueuedAction{a, a.Clone()}}

	var calls int
	d := dispatchFunc(func(ctx context.Context, a *models.QueuedAction) (*models.BatchResult, error) {
		calls++
		return nil, nil
	})
	online := &onlineFlag{}
	online.set(true)

	NewEngine(store, d, conflict.NewDetector(nil), online).SyncPendingActions(context.Background())
	if calls != 1 {
		t.Errorf("dispatch called %d times, want 1", calls)
	}
}

// TestSameOrderSequencing verifies a failing action holds back later actions
// for the same order but not for other orders.
func TestSameOrderSequencing(t *testing.T) {
	h := newHarness(t)
	h.backend.FailNext(http.MethodPatch, "/orders/5/status", 500)

	h.enqueue(t, models.NewStatusUpdate(5, "picked_up", nil))
	h.enqueue(t, models.NewRejection(5, "customer absent", nil))
	h.enqueue(t, models.NewStatusUpdate(6, "picked_up", nil))

	res := h.sync(t)
	if res.Retried != 1 || res.Deferred != 1 || res.Delivered != 1 {
		t.Errorf("result = %+v", res)
	}
	if n := len(h.backend.CallsTo(http.MethodPatch, "/orders/5/status")); n != 1 {
		t.Errorf("order 5 dispatched %d times, want 1", n)
	}

	left := h.pending(t)
	if len(left) != 2 || left[0].Payload.Status != "picked_up" || left[1].Kind != models.KindRejection {
		t.Fatalf("pending = %+v", left)
	}
	if left[1].RetryCount != 0 {
		t.Errorf("held-back action was charged a retry")
	}

	// Once the first is eligible again both go, in order.
	h.clock.Set(left[0].NextEligibleAt)
	if res := h.sync(t); res.Delivered != 2 {
		t.Errorf("second pass result = %+v", res)
	}
	calls := h.backend.CallsTo(http.MethodPatch, "/orders/5/status")
	if len(calls) != 3 {
		t.Fatalf("order 5 dispatched %d times, want 3", len(calls))
	}
	var last map[string]string
	json.Unmarshal(calls[2].Body, &last)
	if last["status"] != models.StatusCancelled {
		t.Errorf("last call = %s, want the rejection", calls[2].Body)
	}
}

// TestSameOrderSequencingDisabled verifies the unordered behavior is available.
func TestSameOrderSequencingDisabled(t *testing.T) {
	h := newHarness(t, WithOrderSequencing(false))
	h.backend.FailNext(http.MethodPatch, "/orders/5/status", 500)

	h.enqueue(t, models.NewStatusUpdate(5, "picked_up", nil))
	h.enqueue(t, models.NewRejection(5, "customer absent", nil))

	if res := h.sync(t); res.Retried != 1 || res.Delivered != 1 {
		t.Errorf("result = %+v", res)
	}
}

// TestBatchPartialSuccess verifies only unapplied orders are re-sent.
func TestBatchPartialSuccess(t *testing.T) {
	h := newHarness(t)
	h.backend.FailBatchOrders(2)

	h.enqueue(t, models.NewBatchPickup([]int64{1, 2, 3}))
	res := h.sync(t)
	if res.Retried != 1 {
		t.Fatalf("result = %+v", res)
	}

	a := h.pending(t)[0]
	if len(a.Payload.OrderIDs) != 1 || a.Payload.OrderIDs[0] != 2 {
		t.Fatalf("OrderIDs = %v, want [2]", a.Payload.OrderIDs)
	}

	h.backend.ClearBatchFailures()
	h.clock.Set(a.NextEligibleAt)
	if res := h.sync(t); res.Delivered != 1 {
		t.Errorf("retry result = %+v", res)
	}

	calls := h.backend.CallsTo(http.MethodPost, "/orders/batch-pickup")
	if len(calls) != 2 {
		t.Fatalf("batch-pickup called %d times, want 2", len(calls))
	}
	var body struct {
		OrderIDs []int64 `json:"order_ids"`
	}
	json.Unmarshal(calls[1].Body, &body)
	if len(body.OrderIDs) != 1 || body.OrderIDs[0] != 2 {
		t.Errorf("retry sent %v, want [2]", body.OrderIDs)
	}
}

// TestBatchBlocksMemberOrders verifies a failed batch holds back later
// single-order actions for its orders.
func TestBatchBlocksMemberOrders(t *testing.T) {
	h := newHarness(t)
	h.backend.FailNext(http.MethodPost, "/orders/batch-pickup", 502)

	h.enqueue(t, models.NewBatchPickup([]int64{1, 2}))
	h.enqueue(t, models.NewStatusUpdate(2, "en_route", nil))

	if res := h.sync(t); res.Retried != 1 || res.Deferred != 1 {
		t.Errorf("result = %+v", res)
	}
	if n := len(h.backend.CallsTo(http.MethodPatch, "/orders/2/status")); n != 0 {
		t.Errorf("order 2 status sent %d times before its batch", n)
	}
}

// TestCancelledContextDefers verifies a cancelled pass charges no retries.
func TestCancelledContextDefers(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, models.NewStatusUpdate(1, "picked_up", nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, started := h.engine.SyncPendingActions(ctx)
	if !started || res.Deferred != 1 {
		t.Fatalf("result = %+v, started = %v", res, started)
	}
	if h.pending(t)[0].RetryCount != 0 {
		t.Error("cancelled pass charged a retry")
	}
}

// TestStoreListFailure verifies a store read failure ends the pass with an error.
func TestStoreListFailure(t *testing.T) {
	store := &listStore{listErr: errors.New("disk I/O error")}
	online := &onlineFlag{}
	online.set(true)
	handler := &recordingHandler{}

	e := NewEngine(store, dispatchFunc(nil), conflict.NewDetector(nil), online, WithEventHandler(handler))
	res, started := e.SyncPendingActions(context.Background())
	if !started || res.Error == "" {
		t.Fatalf("result = %+v, started = %v", res, started)
	}
	if !apperrors.Is(e.LastError(), apperrors.ErrDatabase) {
		t.Errorf("LastError() = %v", e.LastError())
	}
	if e.LastSync() != nil {
		t.Error("LastSync() should stay unset after a failed pass")
	}
	if handler.count(SyncEventFailed) != 1 {
		t.Error("expected a sync_failed event")
	}
}

// TestEnqueueEmitsEvent verifies producers are acknowledged on the event stream.
func TestEnqueueEmitsEvent(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, models.NewStatusUpdate(1, "picked_up", nil))

	if h.events.count(SyncEventEnqueued) != 1 {
		t.Error("expected an action_enqueued event")
	}
	if n, _ := h.engine.PendingCount(); n != 1 {
		t.Errorf("PendingCount() = %d, want 1", n)
	}

	if _, err := h.engine.Enqueue(models.NewStatusUpdate(0, "x", nil)); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Enqueue() of invalid action error = %v", err)
	}
}

// =====================================================
// Helpers
// =====================================================

type dispatchFunc func(ctx context.Context, a *models.QueuedAction) (*models.BatchResult, error)

func (f dispatchFunc) Dispatch(ctx context.Context, a *models.QueuedAction) (*models.BatchResult, error) {
	return f(ctx, a)
}

// listStore returns a fixed list and accepts every write.
type listStore struct {
	actions []*models.QueuedAction
	listErr error
}

func (s *listStore) Enqueue(a *models.QueuedAction) (string, error) { return a.ID, nil }
func (s *listStore) ListPending() ([]*models.QueuedAction, error) { return s.actions, s.listErr }
func (s *listStore) Update(a *models.QueuedAction) error           { return nil }
func (s *listStore) Remove(id string) error                        { return nil }
func (s *listStore) Count() (int, error)                           { return len(s.actions), nil }
