// Package api exposes the operational HTTP interface: health, metrics,
// run progress, policy state, and run control.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jobsift/harvester/internal/coordinator"
	"github.com/jobsift/harvester/internal/harvest"
	"github.com/jobsift/harvester/internal/metrics"
	"github.com/jobsift/harvester/internal/policy"
)

// Orchestrator is the slice of the coordinator the server needs.
type Orchestrator interface {
	Run(ctx context.Context, runType string) (harvest.RunSummary, error)
	Progress() coordinator.Progress
	RequestCancel() bool
}

// PolicyInspector exposes per-origin policy state.
type PolicyInspector interface {
	Metrics() map[string]policy.OriginMetrics
}

// Server wires HTTP handlers to the coordinator and policy registry.
type Server struct {
	router   chi.Router
	orch     Orchestrator
	policies PolicyInspector
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(orch Orchestrator, policies PolicyInspector, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{orch: orch, policies: policies, logger: logger}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/progress", s.progress)
		r.Get("/policies", s.policyState)
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.startRun)
			r.Post("/cancel", s.cancelRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) progress(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Progress())
}

func (s *Server) policyState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"origins": s.policies.Metrics()})
}

// startRun kicks off a crawl pass in the background and returns 202. A 409
// means a run is already active.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	runType := r.URL.Query().Get("type")
	if runType == "" {
		runType = "manual"
	}

	// Probe single-flight synchronously so the caller gets the conflict,
	// then let the run itself proceed detached from the request context.
	if s.orch.Progress().Running {
		writeError(w, http.StatusConflict, "run already in progress")
		return
	}
	go func() {
		if _, err := s.orch.Run(context.Background(), runType); err != nil {
			if errors.Is(err, coordinator.ErrRunInProgress) {
				return
			}
			s.logger.Error("triggered run failed", zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "type": runType})
}

func (s *Server) cancelRun(w http.ResponseWriter, _ *http.Request) {
	if !s.orch.RequestCancel() {
		writeError(w, http.StatusConflict, "no run in progress")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

type requestIDKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
