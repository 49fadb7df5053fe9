// Package models provides data model definitions for the driver sync core.
package models

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/rxdelivery/driversync/internal/errors"
)

// ActionKind is the closed set of driver mutations that can be queued offline.
type ActionKind string

const (
	KindStatusUpdate     ActionKind = "status_update"
	KindDeliveryComplete ActionKind = "delivery_complete"
	KindRejection        ActionKind = "rejection"
	KindBatchPickup      ActionKind = "batch_pickup"
	KindBatchDelivery    ActionKind = "batch_delivery"
)

// ActionKinds lists every valid kind.
var ActionKinds = []ActionKind{
	KindStatusUpdate,
	KindDeliveryComplete,
	KindRejection,
	KindBatchPickup,
	KindBatchDelivery,
}

// Valid reports whether k is one of the known kinds.
func (k ActionKind) Valid() bool {
	for _, known := range ActionKinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsBatch reports whether the kind targets a list of orders instead of one.
func (k ActionKind) IsBatch() bool {
	return k == KindBatchPickup || k == KindBatchDelivery
}

// StatusCancelled is the order status sent for a rejection.
const StatusCancelled = "cancelled"

// BatchProof is the proof-of-delivery reference for one order of a batch delivery.
type BatchProof struct {
	OrderID       int64  `json:"order_id"`
	PhotoPath     string `json:"photo_path,omitempty"`
	SignaturePath string `json:"signature_path,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

// ActionPayload carries the kind-specific data of a queued action.
// Fields irrelevant to a kind stay empty.
type ActionPayload struct {
	Status        string       `json:"status,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	PhotoPath     string       `json:"photo_path,omitempty"`
	SignaturePath string       `json:"signature_path,omitempty"`
	Notes         string       `json:"notes,omitempty"`
	OrderIDs      []int64      `json:"order_ids,omitempty"`
	Proofs        []BatchProof `json:"proofs,omitempty"`
}

// QueuedAction is a durably persisted driver mutation awaiting server replay.
type QueuedAction struct {
	ID               string        `db:"id" json:"id"`
	Kind             ActionKind    `db:"kind" json:"kind"`
	TargetOrderID    int64         `db:"target_order_id" json:"target_order_id"`
	Payload          ActionPayload `db:"payload" json:"payload"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	ServerSnapshotAt *time.Time    `db:"server_snapshot_at" json:"server_snapshot_at,omitempty"`
	RetryCount       int           `db:"retry_count" json:"retry_count"`
	NextEligibleAt   time.Time     `db:"next_eligible_at" json:"next_eligible_at"`
	LastError        string        `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for QueuedAction.
func (QueuedAction) TableName() string {
	return "pending_actions"
}

// NewStatusUpdate builds a status change for a single order. snapshot is the
// server updated_at the driver saw; nil disables conflict detection.
func NewStatusUpdate(orderID int64, status string, snapshot *time.Time) *QueuedAction {
	return &QueuedAction{
		Kind:             KindStatusUpdate,
		TargetOrderID:    orderID,
		Payload:          ActionPayload{Status: status},
		ServerSnapshotAt: snapshot,
	}
}

// NewDeliveryComplete builds a proof-of-delivery submission.
func NewDeliveryComplete(orderID int64, photoPath, signaturePath, notes string, snapshot *time.Time) *QueuedAction {
	return &QueuedAction{
		Kind:          KindDeliveryComplete,
		TargetOrderID: orderID,
		Payload: ActionPayload{
			PhotoPath:     photoPath,
			SignaturePath: signaturePath,
			Notes:         notes,
		},
		ServerSnapshotAt: snapshot,
	}
}

// NewRejection builds an order rejection.
func NewRejection(orderID int64, reason string, snapshot *time.Time) *QueuedAction {
	return &QueuedAction{
		Kind:             KindRejection,
		TargetOrderID:    orderID,
		Payload:          ActionPayload{Status: StatusCancelled, Reason: reason},
		ServerSnapshotAt: snapshot,
	}
}

// NewBatchPickup builds a pickup confirmation for several orders.
func NewBatchPickup(orderIDs []int64) *QueuedAction {
	return &QueuedAction{
		Kind:    KindBatchPickup,
		Payload: ActionPayload{OrderIDs: append([]int64(nil), orderIDs...)},
	}
}

// NewBatchDelivery builds a delivery confirmation for several orders.
func NewBatchDelivery(orderIDs []int64, proofs []BatchProof) *QueuedAction {
	return &QueuedAction{
		Kind: KindBatchDelivery,
		Payload: ActionPayload{
			OrderIDs: append([]int64(nil), orderIDs...),
			Proofs:   append([]BatchProof(nil), proofs...),
		},
	}
}

// Validate checks the kind-specific shape of the action before it is enqueued.
func (a *QueuedAction) Validate() error {
	if !a.Kind.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown action kind %q", a.Kind))
	}

	if a.Kind.IsBatch() {
		if a.TargetOrderID != 0 {
			return apperrors.New(apperrors.ErrInvalid, "batch actions must not target a single order")
		}
		if len(a.Payload.OrderIDs) == 0 {
			return apperrors.New(apperrors.ErrInvalid, "batch actions need at least one order id")
		}
		for _, id := range a.Payload.OrderIDs {
			if id <= 0 {
				return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid order id %d in batch", id))
			}
		}
		if a.ServerSnapshotAt != nil {
			return apperrors.New(apperrors.ErrInvalid, "batch actions carry no server snapshot")
		}
		return nil
	}

	if a.TargetOrderID <= 0 {
		return apperrors.New(apperrors.ErrInvalid, "target order id is required")
	}

	switch a.Kind {
	case KindStatusUpdate:
		if strings.TrimSpace(a.Payload.Status) == "" {
			return apperrors.New(apperrors.ErrInvalid, "status is required")
		}
	case KindDeliveryComplete:
		if a.Payload.PhotoPath == "" && a.Payload.SignaturePath == "" {
			return apperrors.New(apperrors.ErrInvalid, "proof of delivery needs a photo or a signature")
		}
	case KindRejection:
		if a.Payload.Status != StatusCancelled {
			return apperrors.New(apperrors.ErrInvalid, "rejection must carry status cancelled")
		}
	}
	return nil
}

// ConflictCheckable reports whether the action carries enough state for
// staleness detection against the server.
func (a *QueuedAction) ConflictCheckable() bool {
	return a.ServerSnapshotAt != nil && !a.Kind.IsBatch() && a.TargetOrderID > 0
}

// OrderIDs returns every order the action touches.
func (a *QueuedAction) OrderIDs() []int64 {
	if a.Kind.IsBatch() {
		return append([]int64(nil), a.Payload.OrderIDs...)
	}
	return []int64{a.TargetOrderID}
}

// Eligible reports whether the action's backoff window has elapsed at now.
func (a *QueuedAction) Eligible(now time.Time) bool {
	return !now.Before(a.NextEligibleAt)
}

// NarrowBatch keeps only the listed orders in a batch action, together with
// their proofs. Orders not present in the batch are ignored.
func (a *QueuedAction) NarrowBatch(keep []int64) {
	wanted := make(map[int64]bool, len(keep))
	for _, id := range keep {
		wanted[id] = true
	}

	ids := a.Payload.OrderIDs[:0]
	for _, id := range a.Payload.OrderIDs {
		if wanted[id] {
			ids = append(ids, id)
		}
	}
	a.Payload.OrderIDs = ids

	if len(a.Payload.Proofs) > 0 {
		proofs := a.Payload.Proofs[:0]
		for _, p := range a.Payload.Proofs {
			if wanted[p.OrderID] {
				proofs = append(proofs, p)
			}
		}
		a.Payload.Proofs = proofs
	}
}

// Clone returns a deep copy of the action.
func (a *QueuedAction) Clone() *QueuedAction {
	c := *a
	if a.ServerSnapshotAt != nil {
		ts := *a.ServerSnapshotAt
		c.ServerSnapshotAt = &ts
	}
	c.Payload.OrderIDs = append([]int64(nil), a.Payload.OrderIDs...)
	c.Payload.Proofs = append([]BatchProof(nil), a.Payload.Proofs...)
	return &c
}
