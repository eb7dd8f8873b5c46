// Package api exposes the operator gateway: incident listing, stats,
// post-incident reports, the approve/reject workflow, the inbound alarm
// webhook, and the live-update websocket.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/opsmend/opsmend/internal/engine"
	"github.com/opsmend/opsmend/internal/incident"
	"github.com/opsmend/opsmend/internal/notify"
	"github.com/opsmend/opsmend/internal/store"
)

// Server handles operator gateway requests.
type Server struct {
	engine  *engine.Engine
	store   store.Store
	hub     *notify.Hub
	logger  *zap.Logger
	limiter *RateLimiter
}

// NewServer wires a gateway server.
func NewServer(eng *engine.Engine, st store.Store, hub *notify.Hub, ratePerMinute int, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine:  eng,
		store:   st,
		hub:     hub,
		logger:  logger,
		limiter: NewRateLimiter(ratePerMinute, time.Minute),
	}
}

// Router builds the chi router with the standard middleware stack.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.limiter.Middleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.hub.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Post("/alarm", s.handleAlarm)

		r.Route("/incidents", func(r chi.Router) {
			r.Get("/", s.handleListIncidents)
			r.Get("/stats", s.handleStats)
			r.Get("/{id}", s.handleGetIncident)
			r.Get("/{id}/report", s.handleReport)
		})

		r.Post("/approve/{id}", s.handleApprove)
		r.Post("/reject/{id}", s.handleReject)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "opsmend"})
}

// handleAlarm ingests an alarm notification. Per-target failures do not
// fail the request; only malformed payloads and total resolution failure do.
func (s *Server) handleAlarm(w http.ResponseWriter, r *http.Request) {
	var event incident.AlarmEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		respondError(w, http.StatusBadRequest, "invalid alarm payload")
		return
	}
	if event.AlarmName == "" {
		respondError(w, http.StatusBadRequest, "alarmName is required")
		return
	}

	result, err := s.engine.HandleAlarm(r.Context(), event)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if !result.Handled {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "not in ALARM state"})
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{Status: incident.Status(r.URL.Query().Get("status"))}

	incidents, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing incidents failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list incidents")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"incidents": incidents})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Aggregate(r.Context())
	if err != nil {
		s.logger.Error("aggregating stats failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inc, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"incident_id": id,
		"markdown":    RenderReport(inc),
		"status":      inc.Status,
		"created_at":  inc.CreatedAt,
		"updated_at":  inc.UpdatedAt,
	})
}

type approveRequest struct {
	CustomCommand string `json:"custom_command"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	id := chi.URLParam(r, "id")
	if err := s.engine.Approve(r.Context(), id, req.CustomCommand); err != nil {
		s.writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  string(incident.StatusExecuting),
		"message": "Command dispatched. Watch for updates.",
	})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Reject(r.Context(), id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": string(incident.StatusRejected)})
}

// writeEngineError maps engine and store errors onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var ise *store.InvalidStateError
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "incident not found")
	case errors.As(err, &ise):
		respondError(w, http.StatusBadRequest, ise.Error())
	case errors.Is(err, engine.ErrNoTargets):
		respondError(w, http.StatusBadRequest, "no targets found for alarm")
	default:
		s.logger.Error("request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers already sent; nothing left to do.
		return
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
