// Package scheduler decides when sync passes run: on a heartbeat, when the
// device comes back online, and right after a new action is queued.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rxdelivery/driversync/internal/connectivity"
	apperrors "github.com/rxdelivery/driversync/internal/errors"
	"github.com/rxdelivery/driversync/internal/logging"
	"github.com/rxdelivery/driversync/internal/models"
	syncpkg "github.com/rxdelivery/driversync/internal/sync"
)

// LocationSyncer uploads samples persisted while offline.
type LocationSyncer interface {
	SyncPending(ctx context.Context) (sent int, started bool)
	PendingCount() (int, error)
}

// Connectivity is the part of the monitor the scheduler consumes.
type Connectivity interface {
	IsOnline() bool
	Subscribe() <-chan connectivity.Event
}

// Config holds scheduler configuration.
type Config struct {
	Interval    time.Duration // heartbeat between passes (default: 5 seconds)
	PassTimeout time.Duration // bound on the network calls of one pass (default: 2 minutes)
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:    5 * time.Second,
		PassTimeout: 2 * time.Minute,
	}
}

// Scheduler runs one coordinating goroutine that turns ticks, connectivity
// edges and enqueue kicks into sync passes.
type Scheduler struct {
	engine      syncpkg.SyncEngineInterface
	locations   LocationSyncer
	conn        Connectivity
	interval    time.Duration
	passTimeout time.Duration

	kickCh chan struct{}
	stopCh chan struct{}
	loopWG sync.WaitGroup
	passWG sync.WaitGroup

	mu         sync.RWMutex
	isRunning  bool
	lastPass   *time.Time
	lastResult *syncpkg.SyncResult
	lastSent   int
}

// NewScheduler creates a new Scheduler. locations may be nil when location
// tracking is disabled.
func NewScheduler(engine syncpkg.SyncEngineInterface, locations LocationSyncer, conn Connectivity, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.PassTimeout <= 0 {
		config.PassTimeout = DefaultConfig().PassTimeout
	}

	return &Scheduler{
		engine:      engine,
		locations:   locations,
		conn:        conn,
		interval:    config.Interval,
		passTimeout: config.PassTimeout,
		kickCh:      make(chan struct{}, 1),
	}
}

// Start launches the coordinating goroutine and an initial pass so actions
// left over from a previous run are not kept waiting for the first tick.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	events := s.conn.Subscribe()

	s.loopWG.Add(1)
	go s.loop(ctx, events)

	s.Kick()
	logging.Info("Sync scheduler started", map[string]interface{}{"interval": s.interval.String()})
}

// Stop ends the coordinating goroutine and waits for in-flight passes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.loopWG.Wait()
	s.passWG.Wait()

	logging.Info("Sync scheduler stopped", nil)
}

func (s *Scheduler) loop(ctx context.Context, events <-chan connectivity.Event) {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.trigger(ctx, "heartbeat")
		case <-s.kickCh:
			s.trigger(ctx, "kick")
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Online {
				s.trigger(ctx, "online")
			}
		}
	}
}

// Kick asks for a pass soon. Kicks coalesce: any number of calls before the
// loop wakes produce one trigger.
func (s *Scheduler) Kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

// Enqueue stores the action and kicks the loop.
func (s *Scheduler) Enqueue(a *models.QueuedAction) (string, error) {
	id, err := s.engine.Enqueue(a)
	if err != nil {
		return "", err
	}
	s.Kick()
	return id, nil
}

// TriggerSync launches both passes now. Returns false when the scheduler is
// stopped or the device is offline.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	return s.trigger(ctx, "manual")
}

// trigger launches the action pass and the location pass on their own
// goroutines. Both are single-flight, so overlapping triggers are no-ops.
func (s *Scheduler) trigger(ctx context.Context, reason string) bool {
	if !s.conn.IsOnline() {
		logging.Debug("Skipping sync - device is offline", map[string]interface{}{"reason": reason})
		return false
	}

	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return false
	}
	s.passWG.Add(1)
	if s.locations != nil {
		s.passWG.Add(1)
	}
	s.mu.Unlock()

	logging.Debug("Sync triggered", map[string]interface{}{"reason": reason})

	go s.runActions(ctx)
	if s.locations != nil {
		go s.runLocations(ctx)
	}
	return true
}

func (s *Scheduler) runActions(ctx context.Context) {
	defer s.passWG.Done()

	passCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	result, started := s.engine.SyncPendingActions(passCtx)
	if started {
		s.record(result)
	}
}

func (s *Scheduler) runLocations(ctx context.Context) {
	defer s.passWG.Done()

	passCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	if sent, started := s.locations.SyncPending(passCtx); started {
		s.mu.Lock()
		s.lastSent = sent
		s.mu.Unlock()
	}
}

func (s *Scheduler) record(result *syncpkg.SyncResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := result.EndTime
	s.lastPass = &end
	s.lastResult = result
}

// SyncNow runs an action pass and a location pass on the caller's goroutine.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	if !s.conn.IsOnline() {
		return nil, apperrors.New(apperrors.ErrNetwork, "device is offline")
	}

	passCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	result, started := s.engine.SyncPendingActions(passCtx)
	if !started {
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "a sync pass is already running")
	}
	s.record(result)

	if s.locations != nil {
		if sent, ok := s.locations.SyncPending(passCtx); ok {
			s.mu.Lock()
			s.lastSent = sent
			s.mu.Unlock()
		}
	}

	logging.Info("Manual sync completed", map[string]interface{}{
		"delivered": result.Delivered,
		"remaining": result.Remaining,
	})
	return result, nil
}

// Status is a snapshot of scheduler and queue state.
type Status struct {
	Running           bool                `json:"running"`
	Online            bool                `json:"online"`
	EngineState       string              `json:"engine_state"`
	LastPass          *time.Time          `json:"last_pass,omitempty"`
	LastResult        *syncpkg.SyncResult `json:"last_result,omitempty"`
	PendingActions    int                 `json:"pending_actions"`
	PendingLocations  int                 `json:"pending_locations"`
	LastLocationsSent int                 `json:"last_locations_sent"`
}

// Status returns the current scheduler status.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	st := Status{
		Running:           s.isRunning,
		LastPass:          s.lastPass,
		LastResult:        s.lastResult,
		LastLocationsSent: s.lastSent,
	}
	s.mu.RUnlock()

	st.Online = s.conn.IsOnline()
	st.EngineState = s.engine.Status().String()

	if n, err := s.engine.PendingCount(); err == nil {
		st.PendingActions = n
	} else {
		logging.Warn("Failed to count pending actions", map[string]interface{}{"error": err.Error()})
	}
	if s.locations != nil {
		if n, err := s.locations.PendingCount(); err == nil {
			st.PendingLocations = n
		}
	}
	return st
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
