// Package api exposes the sync core to the UI shell over a localhost HTTP API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rxdelivery/driversync/internal/connectivity"
	apperrors "github.com/rxdelivery/driversync/internal/errors"
	"github.com/rxdelivery/driversync/internal/location"
	"github.com/rxdelivery/driversync/internal/logging"
	"github.com/rxdelivery/driversync/internal/models"
	syncpkg "github.com/rxdelivery/driversync/internal/sync"
	"github.com/rxdelivery/driversync/internal/sync/scheduler"
)

// Scheduler queues actions and runs passes on demand.
type Scheduler interface {
	Enqueue(a *models.QueuedAction) (string, error)
	SyncNow(ctx context.Context) (*syncpkg.SyncResult, error)
	Status() scheduler.Status
}

// ActionQueue is read and cleared directly by the UI.
type ActionQueue interface {
	ListPending() ([]*models.QueuedAction, error)
	Clear() error
}

// Connectivity receives platform network reports.
type Connectivity interface {
	Report(s connectivity.Status)
	Status() connectivity.Status
}

// Tracker is the location tracker lifecycle.
type Tracker interface {
	StartTracking(ctx context.Context, driverID string) error
	StopTracking()
	State() location.State
	DriverID() string
}

// PositionFeed is where the platform pushes location state and fixes.
type PositionFeed interface {
	SetState(p location.Permission, serviceEnabled bool) error
	Push(p location.Position) bool
}

// SampleCache is the local location sample table.
type SampleCache interface {
	CountSamples() (unsynced, synced int, err error)
	ClearSamples() error
}

// TokenSetter replaces the bearer token used for backend calls.
type TokenSetter interface {
	SetToken(raw string) error
}

// Settings resolves stored defaults such as the signed-in driver.
type Settings interface {
	Get(key string) (string, error)
}

// Deps are the components behind the routes. Samples, Settings, Auth, Events
// and Metrics may be nil.
type Deps struct {
	Scheduler    Scheduler
	Queue        ActionQueue
	Connectivity Connectivity
	Tracker      Tracker
	Positions    PositionFeed
	Samples      SampleCache
	Settings     Settings
	Auth         TokenSetter
	Events       http.Handler
	Metrics      http.Handler
}

// Server holds the handlers.
type Server struct {
	deps    Deps
	started time.Time
	log     *logging.Logger
}

// NewRouter builds the chi router for the local API.
func NewRouter(deps Deps) http.Handler {
	s := &Server{
		deps:    deps,
		started: time.Now(),
		log:     logging.Get().Component("api"),
	}
	if s.deps.Metrics == nil {
		s.deps.Metrics = promhttp.Handler()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.health)
	r.Get("/status", s.status)
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	if deps.Events != nil {
		r.Method(http.MethodGet, "/ws", deps.Events)
	}

	r.Route("/actions", func(r chi.Router) {
		r.Post("/", s.enqueueAction)
		r.Get("/", s.listActions)
		r.Delete("/", s.clearActions)
	})
	r.Post("/sync", s.syncNow)
	if deps.Auth != nil {
		r.Put("/auth/token", s.setToken)
	}

	r.Get("/connectivity", s.getConnectivity)
	r.Post("/connectivity", s.reportConnectivity)

	r.Route("/tracking", func(r chi.Router) {
		r.Get("/", s.trackingStatus)
		r.Post("/start", s.startTracking)
		r.Post("/stop", s.stopTracking)
	})
	r.Post("/platform/location-state", s.locationState)
	r.Post("/positions", s.pushPosition)
	if deps.Samples != nil {
		r.Get("/locations", s.locationCounts)
		r.Delete("/locations", s.clearLocations)
	}

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.log.Debug("Request served", map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		})
	})
}

// =====================================================
// Response helpers
// =====================================================

type errorBody struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	writeJSON(w, statusFor(code), map[string]errorBody{
		"error": {Code: code, Message: err.Error()},
	})
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrNotFound, apperrors.ErrResourceNotFound:
		return http.StatusNotFound
	case apperrors.ErrPermissionDenied:
		return http.StatusForbidden
	case apperrors.ErrServiceDisabled, apperrors.ErrSyncInProgress:
		return http.StatusConflict
	case apperrors.ErrNetwork:
		return http.StatusServiceUnavailable
	case apperrors.ErrAuthExpired:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err)
	}
	return nil
}
