// Package queue provides the retry policy of the offline action queue and an
// in-memory action store with the same contract as the SQLite one.
package queue

import (
	"fmt"
	"sync"
	"time"

	apperrors "github.com/rxdelivery/driversync/internal/errors"
	"github.com/rxdelivery/driversync/internal/logging"
	"github.com/rxdelivery/driversync/internal/models"
	"github.com/rxdelivery/driversync/internal/uuid"
)

// MaxRetries is the number of failed attempts after which an action is dropped.
const MaxRetries = 5

// Default backoff bounds.
const (
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffMax  = 5 * time.Minute
)

// Policy decides when a failed action may be retried and when it is dropped.
// MaxRetries may lower the retry ceiling but never raise it above MaxRetries.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Base:       DefaultBackoffBase,
		Max:        DefaultBackoffMax,
		MaxRetries: MaxRetries,
	}
}

// Backoff returns the delay before attempt retryCount+1.
// Formula: base * 2^(retryCount-1), capped at Max. retryCount <= 0 yields 0.
func (p Policy) Backoff(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}

	backoff := p.Base
	for i := 1; i < retryCount; i++ {
		backoff *= 2
		if p.Max > 0 && backoff >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && backoff > p.Max {
		backoff = p.Max
	}
	return backoff
}

// Exhausted reports whether an action with retryCount failures must be dropped.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount >= p.maxRetries()
}

// Fail records a failed attempt on a at now. It returns true when the action
// has used up its retries and must be removed; otherwise the next eligible
// time is pushed out by the backoff.
func (p Policy) Fail(a *models.QueuedAction, cause error, now time.Time) bool {
	a.RetryCount++
	if cause != nil {
		a.LastError = cause.Error()
	}
	if p.Exhausted(a.RetryCount) {
		return true
	}
	a.NextEligibleAt = now.Add(p.Backoff(a.RetryCount))
	return false
}

func (p Policy) maxRetries() int {
	if p.MaxRetries <= 0 || p.MaxRetries > MaxRetries {
		return MaxRetries
	}
	return p.MaxRetries
}

// MemoryStore is a non-durable action store. Actions are kept in insertion
// order and copied on the way in and out.
type MemoryStore struct {
	mu    sync.RWMutex
	items []*models.QueuedAction
	newID uuid.Generator
	now   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{newID: uuid.New, now: time.Now}
}

// Enqueue validates and appends the action.
func (s *MemoryStore) Enqueue(a *models.QueuedAction) (string, error) {
	if err := a.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a.ID = s.newID()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	s.items = append(s.items, a.Clone())

	logging.Debug("Enqueued action", map[string]interface{}{
		"component": "memory_queue",
		"action_id": a.ID,
		"kind":      a.Kind,
	})
	return a.ID, nil
}

// ListPending returns copies of all actions in insertion order.
func (s *MemoryStore) ListPending() ([]*models.QueuedAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.QueuedAction, 0, len(s.items))
	for _, a := range s.items {
		out = append(out, a.Clone())
	}
	return out, nil
}

// Get returns a copy of one action.
func (s *MemoryStore) Get(id string) (*models.QueuedAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.index(id); i >= 0 {
		return s.items[i].Clone(), nil
	}
	return nil, notFound(id)
}

// Update replaces the stored copy of an action.
func (s *MemoryStore) Update(a *models.QueuedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(a.ID)
	if i < 0 {
		return notFound(a.ID)
	}
	s.items[i] = a.Clone()
	return nil
}

// Remove deletes an action.
func (s *MemoryStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(id)
	if i < 0 {
		return notFound(id)
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	return nil
}

// Clear removes all actions.
func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = nil
	return nil
}

// Count returns the number of stored actions.
func (s *MemoryStore) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items), nil
}

func (s *MemoryStore) index(id string) int {
	for i, a := range s.items {
		if a.ID == id {
			return i
		}
	}
	return -1
}

func notFound(id string) error {
	return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("action %s not found", id))
}
