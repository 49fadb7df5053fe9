package location

import (
	"context"
	"sync"

	"github.com/rxdelivery/driversync/internal/logging"
	"github.com/rxdelivery/driversync/internal/metrics"
	"github.com/rxdelivery/driversync/internal/models"
)

// Syncer uploads samples cached while offline.
type Syncer struct {
	store     SampleStore
	sender    Sender
	online    OnlineChecker
	batchSize int
	log       *logging.Logger

	mu      sync.Mutex
	running bool
}

// NewSyncer creates a Syncer reading batchSize samples per query.
func NewSyncer(store SampleStore, sender Sender, online OnlineChecker, batchSize int) *Syncer {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Syncer{
		store:     store,
		sender:    sender,
		online:    online,
		batchSize: batchSize,
		log:       logging.Get().Component("location-sync"),
	}
}

// SyncPending sends cached samples oldest first and stops at the first
// failure so order is kept. Accepted samples are marked synced and synced
// history is pruned to models.MaxSyncedSamples. started is false when
// offline or when a pass is already running.
func (s *Syncer) SyncPending(ctx context.Context) (sent int, started bool) {
	if !s.online.IsOnline() {
		return 0, false
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return 0, false
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	sent = s.drain(ctx)

	if sent > 0 {
		metrics.LocationSyncedTotal.Add(float64(sent))
		s.log.Info("Cached locations uploaded", map[string]interface{}{"sent": sent})
	}

	if pruned, err := s.store.PruneSynced(models.MaxSyncedSamples); err != nil {
		s.log.Error("Failed to prune synced samples", err, nil)
	} else if pruned > 0 {
		s.log.Debug("Pruned synced samples", map[string]interface{}{"pruned": pruned})
	}
	return sent, true
}

func (s *Syncer) drain(ctx context.Context) int {
	sent := 0
	for ctx.Err() == nil {
		batch, err := s.store.ListUnsynced(s.batchSize)
		if err != nil {
			s.log.Error("Failed to list cached samples", err, nil)
			return sent
		}
		if len(batch) == 0 {
			return sent
		}

		accepted := make([]string, 0, len(batch))
		var sendErr error
		for _, sample := range batch {
			if sendErr = s.sender.SendLocation(ctx, sample); sendErr != nil {
				break
			}
			accepted = append(accepted, sample.ID)
		}

		if len(accepted) > 0 {
			if err := s.store.MarkSynced(accepted...); err != nil {
				s.log.Error("Failed to mark samples synced", err, nil)
				return sent
			}
			sent += len(accepted)
		}
		if sendErr != nil {
			s.log.Debug("Location upload interrupted", map[string]interface{}{"error": sendErr.Error()})
			return sent
		}
		if len(batch) < s.batchSize {
			return sent
		}
	}
	return sent
}

// PendingCount returns the number of samples waiting for upload.
func (s *Syncer) PendingCount() (int, error) {
	unsynced, _, err := s.store.CountSamples()
	return unsynced, err
}
