// Package sync replays queued driver actions against the backend.
package sync

import (
	"context"
	"time"

	"github.com/rxdelivery/driversync/internal/models"
	"github.com/rxdelivery/driversync/internal/sync/conflict"
)

// SyncEngineInterface is the surface the scheduler and the local API use.
type SyncEngineInterface interface {
	// SyncPendingActions runs one replay pass. started is false when the
	// device is offline or a pass is already running.
	SyncPendingActions(ctx context.Context) (result *SyncResult, started bool)

	// Enqueue durably stores a new action.
	Enqueue(a *models.QueuedAction) (string, error)

	// Status returns the current engine state.
	Status() State

	// LastSync returns the end time of the last completed pass.
	LastSync() *time.Time

	// PendingCount returns the number of queued actions.
	PendingCount() (int, error)
}

// ActionStore is the durable queue the engine drains.
type ActionStore interface {
	Enqueue(a *models.QueuedAction) (string, error)
	ListPending() ([]*models.QueuedAction, error)
	Update(a *models.QueuedAction) error
	Remove(id string) error
	Count() (int, error)
}

// Dispatcher sends one action to the backend. Batch kinds return the
// per-order results; other kinds return a nil result.
type Dispatcher interface {
	Dispatch(ctx context.Context, a *models.QueuedAction) (*models.BatchResult, error)
}

// ConflictChecker classifies an action against the server's order state.
type ConflictChecker interface {
	Check(ctx context.Context, a *models.QueuedAction) conflict.Result
}

// OnlineChecker reports current reachability.
type OnlineChecker interface {
	IsOnline() bool
}

// SyncEventHandler receives engine events. Handlers are called on the pass
// goroutine and must not block.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// ConflictHandler is told about every action dropped because the server copy won.
type ConflictHandler func(ConflictEvent)
