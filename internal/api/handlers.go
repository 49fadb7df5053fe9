package api

import (
	"net/http"
	"time"

	"github.com/rxdelivery/driversync/internal/connectivity"
	"github.com/rxdelivery/driversync/internal/db"
	apperrors "github.com/rxdelivery/driversync/internal/errors"
	"github.com/rxdelivery/driversync/internal/location"
	"github.com/rxdelivery/driversync/internal/models"
)

// health handles GET /health
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// status handles GET /status
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sync":         s.deps.Scheduler.Status(),
		"connectivity": s.deps.Connectivity.Status(),
		"tracking": map[string]interface{}{
			"state":     s.deps.Tracker.State().String(),
			"driver_id": s.deps.Tracker.DriverID(),
		},
	})
}

// =====================================================
// Action queue
// =====================================================

type enqueueRequest struct {
	Kind             models.ActionKind    `json:"kind"`
	OrderID          int64                `json:"order_id"`
	Payload          models.ActionPayload `json:"payload"`
	ServerSnapshotAt *time.Time           `json:"server_snapshot_at"`
}

// enqueueAction handles POST /actions
func (s *Server) enqueueAction(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if req.Kind == models.KindRejection && req.Payload.Status == "" {
		req.Payload.Status = models.StatusCancelled
	}

	a := &models.QueuedAction{
		Kind:             req.Kind,
		TargetOrderID:    req.OrderID,
		Payload:          req.Payload,
		ServerSnapshotAt: req.ServerSnapshotAt,
	}
	id, err := s.deps.Scheduler.Enqueue(a)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// listActions handles GET /actions
func (s *Server) listActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.deps.Queue.ListPending()
	if err != nil {
		writeError(w, err)
		return
	}
	if actions == nil {
		actions = []*models.QueuedAction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"actions": actions,
		"count":   len(actions),
	})
}

// clearActions handles DELETE /actions
func (s *Server) clearActions(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Queue.Clear(); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("Action queue cleared", nil)
	w.WriteHeader(http.StatusNoContent)
}

// syncNow handles POST /sync
func (s *Server) syncNow(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Scheduler.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// setToken handles PUT /auth/token
func (s *Server) setToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Auth.SetToken(req.Token); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =====================================================
// Platform reports
// =====================================================

// getConnectivity handles GET /connectivity
func (s *Server) getConnectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Connectivity.Status())
}

// reportConnectivity handles POST /connectivity
func (s *Server) reportConnectivity(w http.ResponseWriter, r *http.Request) {
	var st connectivity.Status
	if err := decode(r, &st); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Connectivity.Report(st)
	writeJSON(w, http.StatusOK, s.deps.Connectivity.Status())
}

// trackingStatus handles GET /tracking
func (s *Server) trackingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"state":     s.deps.Tracker.State().String(),
		"driver_id": s.deps.Tracker.DriverID(),
	})
}

// startTracking handles POST /tracking/start
func (s *Server) startTracking(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID string `json:"driver_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.DriverID == "" && s.deps.Settings != nil {
		// Fall back to the driver the stored token belongs to.
		if id, err := s.deps.Settings.Get(db.SettingDriverID); err == nil {
			req.DriverID = id
		}
	}
	if err := s.deps.Tracker.StartTracking(r.Context(), req.DriverID); err != nil {
		writeError(w, err)
		return
	}
	s.trackingStatus(w, r)
}

// stopTracking handles POST /tracking/stop
func (s *Server) stopTracking(w http.ResponseWriter, r *http.Request) {
	s.deps.Tracker.StopTracking()
	s.trackingStatus(w, r)
}

// locationState handles POST /platform/location-state
func (s *Server) locationState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Permission     location.Permission `json:"permission"`
		ServiceEnabled bool                `json:"service_enabled"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Positions.SetState(req.Permission, req.ServiceEnabled); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pushPosition handles POST /positions
func (s *Server) pushPosition(w http.ResponseWriter, r *http.Request) {
	var p location.Position
	if err := decode(r, &p); err != nil {
		writeError(w, err)
		return
	}
	if p.Accuracy < 0 || p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "position out of range"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": s.deps.Positions.Push(p)})
}

// locationCounts handles GET /locations
func (s *Server) locationCounts(w http.ResponseWriter, r *http.Request) {
	unsynced, synced, err := s.deps.Samples.CountSamples()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unsynced": unsynced, "synced": synced})
}

// clearLocations handles DELETE /locations
func (s *Server) clearLocations(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Samples.ClearSamples(); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("Location samples cleared", nil)
	w.WriteHeader(http.StatusNoContent)
}
