// Package api is the HTTP surface of the daemon: health and metrics, event
// publishing, the audit tail, task management, human signal decisions,
// portfolio views and simulation runs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tedboudros/ClawQuant/internal/bus"
	"github.com/tedboudros/ClawQuant/internal/marketdata"
	"github.com/tedboudros/ClawQuant/internal/pipeline"
	"github.com/tedboudros/ClawQuant/internal/scheduler"
	"github.com/tedboudros/ClawQuant/internal/sim"
	"github.com/tedboudros/ClawQuant/internal/state"
	"github.com/tedboudros/ClawQuant/internal/types"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
	maxBodyBytes      = 1 << 20
)

// Deps are the components the API exposes. Nil components disable their
// routes with 503.
type Deps struct {
	Bus       *bus.Bus
	Audit     types.AuditLog
	Tasks     *state.TaskStore
	Handlers  *scheduler.Registry
	Scheduler *scheduler.Scheduler
	Pipeline  *pipeline.Pipeline
	Data      *marketdata.Accessor
	Sim       *sim.Simulator
	Metrics   http.Handler
	Clock     types.Clock
}

// Server routes HTTP requests to the daemon's components.
type Server struct {
	d      Deps
	router *chi.Mux
}

func NewServer(d Deps) *Server {
	if d.Clock == nil {
		d.Clock = types.SystemClock{}
	}
	s := &Server{d: d, router: chi.NewRouter()}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(logRequests)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Get("/health", s.handleHealth)
	if d.Metrics != nil {
		s.router.Handle("/metrics", d.Metrics)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/events", s.handlePublish)
		r.Get("/events/failures", s.handleFailures)
		r.Get("/audit", s.handleAudit)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Get("/{id}", s.handleGetTask)
			r.Delete("/{id}", s.handleRemoveTask)
			r.Post("/{id}/enable", s.handleSetEnabled(true))
			r.Post("/{id}/disable", s.handleSetEnabled(false))
			r.Post("/{id}/run", s.handleRunTask)
		})

		r.Route("/signals", func(r chi.Router) {
			r.Get("/pending", s.handlePending)
			r.Get("/{id}", s.handleGetSignal)
			r.Post("/{id}/confirm", s.handleDecide(true))
			r.Post("/{id}/reject", s.handleDecide(false))
		})

		r.Get("/portfolio", s.handlePortfolio)

		r.Route("/simulations", func(r chi.Router) {
			r.Get("/", s.handleListSimulations)
			r.Post("/", s.handleStartSimulation)
			r.Get("/{id}", s.handleGetSimulation)
		})
	})
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	slog.Info("http server started", "listen", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrAlreadyDecided):
		status = http.StatusConflict
	case errors.Is(err, bus.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("api request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func unavailable(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": what + " not configured"})
}

func decode(w http.ResponseWriter, r *http.Request, subject string, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return types.NewValidationError(subject, "invalid JSON: "+err.Error())
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok", "time": s.d.Clock.Now()}
	if s.d.Audit != nil {
		resp["audit_seq"] = s.d.Audit.LastSeq()
	}
	writeJSON(w, http.StatusOK, resp)
}

// publishRequest is the body of POST /api/events.
type publishRequest struct {
	Type    string          `json:"type"`
	Source  string          `json:"source"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.d.Bus == nil {
		unavailable(w, "event bus")
		return
	}
	var req publishRequest
	if err := decode(w, r, "event", &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}
	ev, err := s.d.Bus.Publish(r.Context(), types.Event{Type: req.Type, Source: req.Source, Payload: req.Payload})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ev)
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	if s.d.Bus == nil {
		unavailable(w, "event bus")
		return
	}
	writeJSON(w, http.StatusOK, s.d.Bus.Failures())
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.d.Audit == nil {
		unavailable(w, "audit log")
		return
	}
	limit := defaultAuditLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, types.NewValidationError("limit", "must be a positive integer"))
			return
		}
		limit = min(n, maxAuditLimit)
	}
	events, err := s.d.Audit.Tail(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*types.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
