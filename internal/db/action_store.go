package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	apperrors "github.com/rxdelivery/driversync/internal/errors"
	"github.com/rxdelivery/driversync/internal/models"
	"github.com/rxdelivery/driversync/internal/uuid"
)

// ActionStore persists queued driver actions. Every method is synchronous and
// either commits or returns an error; callers must retry a failed Enqueue.
type ActionStore struct {
	db    *DB
	newID uuid.Generator
	now   func() time.Time
}

// ActionStoreOption customizes an ActionStore.
type ActionStoreOption func(*ActionStore)

// WithIDGenerator overrides id generation.
func WithIDGenerator(gen uuid.Generator) ActionStoreOption {
	return func(s *ActionStore) { s.newID = gen }
}

// WithClock overrides the enqueue timestamp source.
func WithClock(now func() time.Time) ActionStoreOption {
	return func(s *ActionStore) { s.now = now }
}

// NewActionStore creates an ActionStore on db.
func NewActionStore(db *DB, opts ...ActionStoreOption) *ActionStore {
	s := &ActionStore{db: db, newID: uuid.New, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const actionColumns = `id, kind, target_order_id, payload, created_at, server_snapshot_at,
	retry_count, next_eligible_at, last_error`

// Enqueue validates and inserts the action, assigning its id and creation
// time. The action is updated in place and its id returned.
func (s *ActionStore) Enqueue(a *models.QueuedAction) (string, error) {
	if err := a.Validate(); err != nil {
		return "", err
	}

	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "encode action payload", err)
	}

	id := s.newID()
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	stmt, err := s.db.prepare(`INSERT INTO pending_actions (` + actionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrDatabase, "prepare enqueue", err)
	}

	_, err = stmt.Exec(
		id,
		string(a.Kind),
		a.TargetOrderID,
		string(payload),
		toMillis(createdAt),
		nullNanos(a.ServerSnapshotAt),
		a.RetryCount,
		toMillis(a.NextEligibleAt),
		a.LastError,
	)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrDatabase, "insert action", err)
	}

	a.ID = id
	a.CreatedAt = fromMillis(toMillis(createdAt))
	return id, nil
}

// ListPending returns every stored action in insertion order.
func (s *ActionStore) ListPending() ([]*models.QueuedAction, error) {
	stmt, err := s.db.prepare(`SELECT ` + actionColumns + ` FROM pending_actions ORDER BY seq`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "prepare list", err)
	}

	rows, err := stmt.Query()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "query actions", err)
	}
	defer rows.Close()

	var actions []*models.QueuedAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "iterate actions", err)
	}
	return actions, nil
}

// Get returns one action by id.
func (s *ActionStore) Get(id string) (*models.QueuedAction, error) {
	stmt, err := s.db.prepare(`SELECT ` + actionColumns + ` FROM pending_actions WHERE id = ?`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "prepare get", err)
	}

	a, err := scanAction(stmt.QueryRow(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrNotFound, "action "+id+" not found")
	}
	return a, err
}

// Update persists retry bookkeeping and payload changes of an existing action.
func (s *ActionStore) Update(a *models.QueuedAction) error {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode action payload", err)
	}

	stmt, err := s.db.prepare(`UPDATE pending_actions
		SET payload = ?, retry_count = ?, next_eligible_at = ?, last_error = ?
		WHERE id = ?`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "prepare update", err)
	}

	res, err := stmt.Exec(string(payload), a.RetryCount, toMillis(a.NextEligibleAt), a.LastError, a.ID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "update action", err)
	}
	return expectOneRow(res, "action "+a.ID)
}

// Remove deletes an action.
func (s *ActionStore) Remove(id string) error {
	stmt, err := s.db.prepare(`DELETE FROM pending_actions WHERE id = ?`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "prepare remove", err)
	}

	res, err := stmt.Exec(id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "delete action", err)
	}
	return expectOneRow(res, "action "+id)
}

// Clear deletes every pending action.
func (s *ActionStore) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM pending_actions`); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "clear actions", err)
	}
	return nil
}

// Count returns the number of pending actions.
func (s *ActionStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pending_actions`).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "count actions", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(row rowScanner) (*models.QueuedAction, error) {
	var (
		a         models.QueuedAction
		kind      string
		payload   string
		createdAt int64
		snapshot  sql.NullInt64
		nextAt    int64
	)

	err := row.Scan(&a.ID, &kind, &a.TargetOrderID, &payload, &createdAt, &snapshot,
		&a.RetryCount, &nextAt, &a.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan action", err)
	}

	if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "decode payload of action "+a.ID, err)
	}

	a.Kind = models.ActionKind(kind)
	a.CreatedAt = fromMillis(createdAt)
	a.NextEligibleAt = fromMillis(nextAt)
	if snapshot.Valid {
		ts := time.Unix(0, snapshot.Int64).UTC()
		a.ServerSnapshotAt = &ts
	}
	return &a, nil
}

func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "rows affected", err)
	}
	if n == 0 {
		return apperrors.New(apperrors.ErrNotFound, what+" not found")
	}
	return nil
}

// Timestamps are stored as Unix milliseconds; the zero time maps to 0. The
// server snapshot is compared against the backend's updated_at and keeps
// nanoseconds.

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
