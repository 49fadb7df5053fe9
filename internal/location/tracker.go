// Package location throttles position fixes adaptively and delivers them to
// the backend, caching them locally while the device is offline.
package location

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/rxdelivery/driversync/internal/errors"
	"github.com/rxdelivery/driversync/internal/logging"
	"github.com/rxdelivery/driversync/internal/metrics"
	"github.com/rxdelivery/driversync/internal/models"
)

// State is the tracker lifecycle state.
type State int

const (
	StateStopped State = iota
	StateTracking
)

func (s State) String() string {
	if s == StateTracking {
		return "tracking"
	}
	return "stopped"
}

// Decision is what happened to one position fix.
type Decision int

const (
	DecisionIgnored    Decision = iota // not tracking
	DecisionInaccurate                 // accuracy above the ceiling
	DecisionThrottled
	DecisionSent
	DecisionQueued  // persisted for the location sync pass
	DecisionDropped // could not be sent or persisted
)

func (d Decision) String() string {
	switch d {
	case DecisionInaccurate:
		return "inaccurate"
	case DecisionThrottled:
		return "throttled"
	case DecisionSent:
		return "sent"
	case DecisionQueued:
		return "queued"
	case DecisionDropped:
		return "dropped"
	default:
		return "ignored"
	}
}

// Sender delivers one sample to the backend.
type Sender interface {
	SendLocation(ctx context.Context, s *models.LocationSample) error
}

// SampleStore is the local cache of samples waiting for upload.
type SampleStore interface {
	SaveSample(sample *models.LocationSample) error
	ListUnsynced(limit int) ([]*models.LocationSample, error)
	MarkSynced(ids ...string) error
	PruneSynced(keep int) (int64, error)
	CountSamples() (unsynced, synced int, err error)
}

// OnlineChecker reports current reachability.
type OnlineChecker interface {
	IsOnline() bool
}

// Config tunes the tracker.
type Config struct {
	BaseInterval      time.Duration
	AccuracyCeiling   float64 // meters
	StationarySpeed   float64 // m/s; slower than this counts as stationary
	RequireBackground bool    // demand PermissionAlways instead of foreground
}

// DefaultConfig returns default tracker configuration.
func DefaultConfig() Config {
	return Config{
		BaseInterval:    10 * time.Second,
		AccuracyCeiling: 50,
		StationarySpeed: 1.0,
	}
}

// Tracker is the Stopped/Tracking state machine around a PositionSource.
type Tracker struct {
	cfg    Config
	source PositionSource
	sender Sender
	store  SampleStore
	online OnlineChecker
	now    func() time.Time
	log    *logging.Logger

	// lifecycle serializes StartTracking and StopTracking so a restart never
	// races another one; mu guards the fields below.
	lifecycle sync.Mutex

	mu             sync.Mutex
	state          State
	driverID       string
	lastAcceptedAt time.Time
	cancel         context.CancelFunc
	done           chan struct{}
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the tracker's clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a stopped tracker.
func NewTracker(source PositionSource, sender Sender, store SampleStore, online OnlineChecker, cfg Config, opts ...Option) *Tracker {
	def := DefaultConfig()
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = def.BaseInterval
	}
	if cfg.AccuracyCeiling <= 0 {
		cfg.AccuracyCeiling = def.AccuracyCeiling
	}
	if cfg.StationarySpeed <= 0 {
		cfg.StationarySpeed = def.StationarySpeed
	}

	t := &Tracker{
		cfg:    cfg,
		source: source,
		sender: sender,
		store:  store,
		online: online,
		now:    time.Now,
		log:    logging.Get().Component("location"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// State returns the current lifecycle state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// DriverID returns the driver being tracked, or "" when stopped.
func (t *Tracker) DriverID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.driverID
}

// StartTracking subscribes to the position source for driverID. Calling it
// while already tracking restarts the subscription. The subscription outlives
// ctx's cancellation; only StopTracking ends it.
func (t *Tracker) StartTracking(ctx context.Context, driverID string) error {
	if driverID == "" {
		return apperrors.New(apperrors.ErrInvalid, "driver id is required")
	}

	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	perm := t.source.Permission()
	allowed := perm == PermissionAlways || (perm == PermissionForeground && !t.cfg.RequireBackground)
	if !allowed {
		return apperrors.New(apperrors.ErrPermissionDenied, "location permission is "+string(perm))
	}
	if !t.source.ServiceEnabled() {
		return apperrors.New(apperrors.ErrServiceDisabled, "location service is disabled")
	}

	t.stop()

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	positions, err := t.source.Positions(subCtx)
	if err != nil {
		cancel()
		return apperrors.Wrap(apperrors.ErrInternal, "subscribe to positions", err)
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.state = StateTracking
	t.driverID = driverID
	t.lastAcceptedAt = time.Time{}
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go t.read(subCtx, positions, done)

	t.log.Info("Location tracking started", map[string]interface{}{
		"driver_id":  driverID,
		"permission": perm,
	})
	return nil
}

func (t *Tracker) read(ctx context.Context, positions <-chan Position, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-positions:
			if !ok {
				return
			}
			t.HandlePosition(ctx, p)
		}
	}
}

// StopTracking cancels the subscription and waits for the reader to exit.
func (t *Tracker) StopTracking() {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	t.stop()
}

func (t *Tracker) stop() {
	t.mu.Lock()
	if t.state == StateStopped {
		t.mu.Unlock()
		return
	}
	cancel, done, driverID := t.cancel, t.done, t.driverID
	t.state = StateStopped
	t.driverID = ""
	t.cancel = nil
	t.done = nil
	t.mu.Unlock()

	cancel()
	<-done

	t.log.Info("Location tracking stopped", map[string]interface{}{"driver_id": driverID})
}

// HandlePosition applies the accuracy gate and the adaptive throttle to one
// fix, then sends it or caches it.
func (t *Tracker) HandlePosition(ctx context.Context, p Position) Decision {
	d, sample := t.admit(p)
	if sample != nil {
		d = t.deliver(ctx, sample)
	}
	metrics.LocationSamplesTotal.WithLabelValues(d.String()).Inc()
	return d
}

func (t *Tracker) admit(p Position) (Decision, *models.LocationSample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateTracking {
		return DecisionIgnored, nil
	}
	if p.Accuracy > t.cfg.AccuracyCeiling {
		return DecisionInaccurate, nil
	}

	now := t.now()
	if !t.lastAcceptedAt.IsZero() && now.Sub(t.lastAcceptedAt) < t.interval(p) {
		return DecisionThrottled, nil
	}
	t.lastAcceptedAt = now

	ts := p.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return DecisionSent, &models.LocationSample{
		DriverID:  t.driverID,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Accuracy:  p.Accuracy,
		Timestamp: ts.UTC(),
		Speed:     p.Speed,
		Heading:   p.Heading,
	}
}

// interval doubles the base interval while the driver is stationary. A fix
// without speed counts as stationary.
func (t *Tracker) interval(p Position) time.Duration {
	speed := 0.0
	if p.Speed != nil {
		speed = *p.Speed
	}
	if speed < t.cfg.StationarySpeed {
		return 2 * t.cfg.BaseInterval
	}
	return t.cfg.BaseInterval
}

func (t *Tracker) deliver(ctx context.Context, s *models.LocationSample) Decision {
	if t.online.IsOnline() {
		err := t.sender.SendLocation(ctx, s)
		if err == nil {
			return DecisionSent
		}
		t.log.Debug("Location send failed, caching", map[string]interface{}{"error": err.Error()})
	}

	if err := t.store.SaveSample(s); err != nil {
		t.log.Error("Failed to cache location sample", err, nil)
		return DecisionDropped
	}
	return DecisionQueued
}
