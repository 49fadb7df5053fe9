package location

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/rxdelivery/driversync/internal/errors"
)

// Permission is the location authorization granted by the OS.
type Permission string

const (
	PermissionUndetermined Permission = "undetermined"
	PermissionDenied       Permission = "denied"
	PermissionForeground   Permission = "foreground"
	PermissionAlways       Permission = "always"
)

// Valid reports whether p is a known permission value.
func (p Permission) Valid() bool {
	switch p {
	case PermissionUndetermined, PermissionDenied, PermissionForeground, PermissionAlways:
		return true
	}
	return false
}

// Position is one fix from the OS location service.
type Position struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy"` // meters
	Timestamp time.Time `json:"timestamp"`
	Speed     *float64  `json:"speed,omitempty"`   // m/s
	Heading   *float64  `json:"heading,omitempty"` // degrees
}

// PositionSource is the platform location service.
type PositionSource interface {
	Permission() Permission
	ServiceEnabled() bool
	// Positions subscribes to fixes. The channel is closed once ctx is done.
	Positions(ctx context.Context) (<-chan Position, error)
}

// PushSource is a PositionSource fed by the platform layer through the local
// API. It holds at most one subscription.
type PushSource struct {
	mu             sync.Mutex
	permission     Permission
	serviceEnabled bool
	buffer         int
	out            chan Position
}

// NewPushSource creates a source with an undetermined permission and the
// service disabled until the platform reports otherwise.
func NewPushSource(buffer int) *PushSource {
	if buffer <= 0 {
		buffer = 16
	}
	return &PushSource{permission: PermissionUndetermined, buffer: buffer}
}

// SetState records the platform's permission and service state.
func (s *PushSource) SetState(p Permission, serviceEnabled bool) error {
	if !p.Valid() {
		return apperrors.New(apperrors.ErrInvalid, "unknown permission "+string(p))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permission = p
	s.serviceEnabled = serviceEnabled
	return nil
}

// Permission returns the last reported permission.
func (s *PushSource) Permission() Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permission
}

// ServiceEnabled returns the last reported service state.
func (s *PushSource) ServiceEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serviceEnabled
}

// Positions replaces any previous subscription.
func (s *PushSource) Positions(ctx context.Context) (<-chan Position, error) {
	out := make(chan Position, s.buffer)

	s.mu.Lock()
	if s.out != nil {
		close(s.out)
	}
	s.out = out
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.out == out {
			close(out)
			s.out = nil
		}
	}()
	return out, nil
}

// Push hands a fix to the current subscriber. It returns false when nobody
// is subscribed or the subscriber is not keeping up.
func (s *PushSource) Push(p Position) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.out == nil {
		return false
	}
	select {
	case s.out <- p:
		return true
	default:
		return false
	}
}
