// Package conflict provides unit tests for stale-action detection.
package conflict

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/rxdelivery/driversync/internal/errors"
	"github.com/rxdelivery/driversync/internal/models"
)

type fakeOrders struct {
	orders map[int64]*models.OrderSnapshot
	err    error
	calls  int
}

func (f *fakeOrders) GetOrder(_ context.Context, id int64) (*models.OrderSnapshot, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	o, ok := f.orders[id]
	if !ok {
		return nil, apperrors.New(apperrors.ErrResourceNotFound, "order not found")
	}
	return o, nil
}

var snapshot = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func ordersAt(id int64, updatedAt time.Time) *fakeOrders {
	return &fakeOrders{orders: map[int64]*models.OrderSnapshot{
		id: {ID: id, Status: "assigned", UpdatedAt: updatedAt},
	}}
}

// TestCheck tests classification against the server timestamp.
func TestCheck(t *testing.T) {
	tests := []struct {
		name      string
		updatedAt time.Time
		want      Outcome
	}{
		{"server older", snapshot.Add(-time.Minute), NoConflict},
		{"server equal", snapshot, NoConflict},
		{"server newer", snapshot.Add(time.Second), ServerWins},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(ordersAt(5, tt.updatedAt))
			ts := snapshot
			res := d.Check(context.Background(), models.NewStatusUpdate(5, "picked_up", &ts))

			if res.Outcome != tt.want {
				t.Errorf("Outcome = %s, want %s", res.Outcome, tt.want)
			}
			if res.ServerUpdatedAt == nil || !res.ServerUpdatedAt.Equal(tt.updatedAt) {
				t.Errorf("ServerUpdatedAt = %v, want %v", res.ServerUpdatedAt, tt.updatedAt)
			}
		})
	}
}

// TestCheck_notFound tests a deleted order.
func TestCheck_notFound(t *testing.T) {
	d := NewDetector(&fakeOrders{orders: map[int64]*models.OrderSnapshot{}})
	ts := snapshot

	res := d.Check(context.Background(), models.NewRejection(9, "closed", &ts))
	if res.Outcome != ResourceNotFound {
		t.Errorf("Outcome = %s, want %s", res.Outcome, ResourceNotFound)
	}
	if res.Outcome.Code() != apperrors.ErrResourceNotFound {
		t.Errorf("Code() = %s", res.Outcome.Code())
	}
}

// TestCheck_networkError tests that fetch failures are not conflicts.
func TestCheck_networkError(t *testing.T) {
	d := NewDetector(&fakeOrders{err: apperrors.Wrap(apperrors.ErrNetwork, "fetch", errors.New("timeout"))})
	ts := snapshot

	res := d.Check(context.Background(), models.NewStatusUpdate(1, "picked_up", &ts))
	if res.Outcome != NetworkError {
		t.Errorf("Outcome = %s, want %s", res.Outcome, NetworkError)
	}
	if res.Err == nil {
		t.Error("Expected the fetch error to be carried")
	}
}

// TestCheck_notApplicable tests that unsnapshotted and batch actions skip the fetch.
func TestCheck_notApplicable(t *testing.T) {
	orders := ordersAt(1, snapshot)
	d := NewDetector(orders)

	for _, a := range []*models.QueuedAction{
		models.NewStatusUpdate(1, "picked_up", nil),
		models.NewBatchPickup([]int64{1, 2}),
		models.NewBatchDelivery([]int64{1}, nil),
	} {
		if res := d.Check(context.Background(), a); res.Outcome != NotApplicable {
			t.Errorf("%s: Outcome = %s, want %s", a.Kind, res.Outcome, NotApplicable)
		}
	}
	if orders.calls != 0 {
		t.Errorf("GetOrder called %d times, want 0", orders.calls)
	}
}

// TestOutcomeString tests outcome labels used in logs and metrics.
func TestOutcomeString(t *testing.T) {
	for o, want := range map[Outcome]string{
		NoConflict:       "no_conflict",
		ServerWins:       "server_wins",
		ResourceNotFound: "resource_not_found",
		NetworkError:     "network_error",
		NotApplicable:    "not_applicable",
		Outcome(42):      "unknown",
	} {
		if got := o.String(); got != want {
			t.Errorf("Outcome(%d).String() = %q, want %q", o, got, want)
		}
	}
}
