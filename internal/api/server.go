// Package api exposes the HTTP interface for the autopublisher service.
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

	"github.com/JakeFAU/autopublisher/internal/auth"
	"github.com/JakeFAU/autopublisher/internal/metrics"
	"github.com/JakeFAU/autopublisher/internal/pipeline"
	"github.com/JakeFAU/autopublisher/internal/publishing"
)

const defaultRequestTimeout = 60 * time.Second

// RunService is the slice of the pipeline coordinator the handlers call.
type RunService interface {
	StartRun(ctx context.Context, ownerID string, sub pipeline.Submission) (publishing.RunState, error)
	RunStatus(ctx context.Context, ownerID, runID string) (publishing.RunState, error)
	ListRuns(ctx context.Context, ownerID string, limit, offset int) ([]publishing.RunState, error)
	CancelRun(ctx context.Context, ownerID, runID string) error
}

// ProfileService manages publishing profiles.
type ProfileService interface {
	GetOwned(ctx context.Context, ownerID, id string) (publishing.Profile, error)
	List(ctx context.Context, ownerID string) ([]publishing.Profile, error)
	Save(ctx context.Context, p publishing.Profile) (publishing.Profile, error)
}

// Deps wires the server. Auth nil disables token checks; Ready nil always
// reports ready; Metrics nil serves the default Prometheus registry.
type Deps struct {
	Runs           RunService
	Profiles       ProfileService
	Auth           *auth.Service
	Ready          func(ctx context.Context) error
	Metrics        http.Handler
	Logger         *zap.Logger
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the coordinator and profile service.
type Server struct {
	router   chi.Router
	runs     RunService
	profiles ProfileService
	ready    func(ctx context.Context) error
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	metricsHandler := deps.Metrics
	if metricsHandler == nil {
		metricsHandler = metrics.Handler()
	}
	s := &Server{
		runs:     deps.Runs,
		profiles: deps.Profiles,
		ready:    deps.Ready,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		r.Use(auth.Middleware(deps.Auth, writeError))
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.startRun)
			r.Get("/", s.listRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getRun)
				r.Get("/progress", s.getProgress)
				r.Post("/cancel", s.cancelRun)
			})
		})
		r.Route("/profiles", func(r chi.Router) {
			r.Post("/", s.createProfile)
			r.Get("/", s.listProfiles)
			r.Get("/{id}", s.getProfile)
			r.Put("/{id}", s.putProfile)
		})
	})

	s.router = r
	return s
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
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func owner(r *http.Request) string {
	id, ok := auth.OwnerFrom(r.Context())
	if !ok {
		return auth.DefaultOwner
	}
	return id
}

// writeDomainError maps domain errors onto status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, op string, err error) {
	var verr *publishing.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "problems": verr.Problems})
	case errors.Is(err, publishing.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, publishing.ErrRunFinished):
		writeError(w, http.StatusConflict, "run already finished")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "request timed out")
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
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

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", reqID),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

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
