package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-item-ingest/internal/ingest"
	"github.com/JakeFAU/pncp-item-ingest/internal/metrics"
	"github.com/JakeFAU/pncp-item-ingest/internal/procurement"
	"github.com/JakeFAU/pncp-item-ingest/internal/store"
)

const (
	readTimeout  = 30 * time.Second
	readyTimeout = 3 * time.Second
)

// Runner is the slice of the ingest pipeline the API triggers.
type Runner interface {
	Start(ctx context.Context, done func(procurement.RunSummary, error)) (string, error)
	RunTriple(ctx context.Context, rec procurement.EligibilityRecord) (procurement.TripleOutcome, error)
	Running() bool
}

// Pinger reports whether a downstream dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps groups the collaborators of a Server. Runs and Ready are optional.
type Deps struct {
	Runner Runner
	Runs   store.RunRepository
	Ready  Pinger
	// BaseContext scopes background runs; it should outlive single requests.
	BaseContext context.Context
	Logger      *zap.Logger
}

// Server wires HTTP handlers to the pipeline and the run history.
type Server struct {
	router  chi.Router
	runner  Runner
	runs    store.RunRepository
	ready   Pinger
	baseCtx context.Context
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) (*Server, error) {
	if deps.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx := deps.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	s := &Server{
		runner:  deps.Runner,
		runs:    deps.Runs,
		ready:   deps.Ready,
		baseCtx: baseCtx,
		logger:  logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/runs", s.startRun)
		r.Post("/triples/run", s.runTriple)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(readTimeout))
			r.Get("/runs", s.listRuns)
			r.Get("/runs/{run_id}", s.getRun)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ready",
		"running": s.runner.Running(),
	})
}

// startRun handles POST /v1/runs. The run outlives the request, so it is
// scoped to the server's base context.
func (s *Server) startRun(w http.ResponseWriter, _ *http.Request) {
	runID, err := s.runner.Start(s.baseCtx, func(summary procurement.RunSummary, err error) {
		if err != nil {
			s.logger.Error("triggered run ended with error", zap.String("run_id", summary.RunID), zap.Error(err))
			return
		}
		s.logger.Info("triggered run finished",
			zap.String("run_id", summary.RunID),
			zap.String("status", string(summary.Status)),
		)
	})
	if err != nil {
		if errors.Is(err, ingest.ErrRunInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("start run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": string(procurement.RunRunning),
	})
}

// runTriple handles POST /v1/triples/run and answers with the triple outcome.
func (s *Server) runTriple(w http.ResponseWriter, r *http.Request) {
	var rec procurement.EligibilityRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	outcome, err := s.runner.RunTriple(r.Context(), rec)
	if err != nil {
		switch {
		case errors.Is(err, procurement.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ingest.ErrRunInProgress):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("run triple failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to run triple")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
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
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("dur", time.Since(start)),
		)
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

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
