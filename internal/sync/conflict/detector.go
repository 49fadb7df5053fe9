// Package conflict detects queued actions that went stale because the order
// was edited on the server after the driver last saw it. The server always
// wins: a stale action is dropped rather than merged.
package conflict

import (
	"context"
	"time"

	apperrors "github.com/rxdelivery/driversync/internal/errors"
	"github.com/rxdelivery/driversync/internal/logging"
	"github.com/rxdelivery/driversync/internal/models"
)

// Outcome classifies an action against the server's current order state.
type Outcome int

const (
	// NoConflict means the server has not changed the order since the snapshot.
	NoConflict Outcome = iota
	// ServerWins means the order was updated after the snapshot.
	ServerWins
	// ResourceNotFound means the order no longer exists on the server.
	ResourceNotFound
	// NetworkError means the order could not be fetched.
	NetworkError
	// NotApplicable means the action carries no snapshot to compare.
	NotApplicable
)

func (o Outcome) String() string {
	switch o {
	case NoConflict:
		return "no_conflict"
	case ServerWins:
		return "server_wins"
	case ResourceNotFound:
		return "resource_not_found"
	case NetworkError:
		return "network_error"
	case NotApplicable:
		return "not_applicable"
	default:
		return "unknown"
	}
}

// Code maps a conflicting outcome to its error code. Non-conflicts map to "".
func (o Outcome) Code() apperrors.ErrorCode {
	switch o {
	case ServerWins:
		return apperrors.ErrServerWins
	case ResourceNotFound:
		return apperrors.ErrResourceNotFound
	case NetworkError:
		return apperrors.ErrNetwork
	default:
		return ""
	}
}

// OrderFetcher returns the server's current view of an order.
// A missing order must be reported with apperrors.ErrResourceNotFound.
type OrderFetcher interface {
	GetOrder(ctx context.Context, orderID int64) (*models.OrderSnapshot, error)
}

// Result is the detector's verdict for one action.
type Result struct {
	Outcome         Outcome
	ServerUpdatedAt *time.Time
	Err             error
}

// Detector compares action snapshots with the server.
type Detector struct {
	orders OrderFetcher
	log    *logging.Logger
}

// NewDetector creates a Detector backed by orders.
func NewDetector(orders OrderFetcher) *Detector {
	return &Detector{
		orders: orders,
		log:    logging.Get().Component("conflict"),
	}
}

// Check classifies a. Batch actions and actions without a snapshot are
// NotApplicable and never hit the network.
func (d *Detector) Check(ctx context.Context, a *models.QueuedAction) Result {
	if !a.ConflictCheckable() {
		return Result{Outcome: NotApplicable}
	}

	order, err := d.orders.GetOrder(ctx, a.TargetOrderID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrResourceNotFound) {
			return Result{Outcome: ResourceNotFound, Err: err}
		}
		return Result{Outcome: NetworkError, Err: err}
	}

	updatedAt := order.UpdatedAt
	if updatedAt.After(*a.ServerSnapshotAt) {
		d.log.Info("Server copy is newer than queued action", map[string]interface{}{
			"action_id":         a.ID,
			"order_id":          a.TargetOrderID,
			"snapshot_at":       a.ServerSnapshotAt.UTC(),
			"server_updated_at": updatedAt.UTC(),
		})
		return Result{Outcome: ServerWins, ServerUpdatedAt: &updatedAt}
	}
	return Result{Outcome: NoConflict, ServerUpdatedAt: &updatedAt}
}
