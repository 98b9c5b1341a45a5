package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/upload-progress/internal/config"
	"github.com/JakeFAU/upload-progress/internal/dispatcher"
	"github.com/JakeFAU/upload-progress/internal/jobs"
	"github.com/JakeFAU/upload-progress/internal/metrics"
	"github.com/JakeFAU/upload-progress/internal/policy/ratelimit"
	"github.com/JakeFAU/upload-progress/internal/progress"
)

const (
	defaultRequestTimeout = 60 * time.Second
	readyTimeout          = 2 * time.Second
)

// Server wires HTTP handlers to the dispatcher, progress store and
// subscription registry.
type Server struct {
	router     chi.Router
	dispatcher *dispatcher.Dispatcher
	store      jobs.ProgressStore
	registry   *progress.Registry
	pingers    []jobs.Pinger
	limiter    *ratelimit.Limiter
	upgrader   websocket.Upgrader
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. Each pinger is
// checked by /readyz.
func NewServer(
	d *dispatcher.Dispatcher,
	store jobs.ProgressStore,
	registry *progress.Registry,
	cfg config.Config,
	logger *zap.Logger,
	pingers ...jobs.Pinger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		dispatcher: d,
		store:      store,
		registry:   registry,
		pingers:    pingers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		cfg:    cfg,
		logger: logger.Named("api"),
	}
	if cfg.RateLimit.Enabled {
		s.limiter = ratelimit.New(ratelimit.Config{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst})
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey, s.logger))
		}
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(timeout))
			r.Post("/queues/{queue}/jobs", s.submitJob)
			r.Get("/jobs/{job_id}", s.getJob)
		})
		// Streaming routes hold the connection open until the job finishes.
		r.Get("/jobs/{job_id}/events", s.streamEvents)
		r.Get("/jobs/{job_id}/ws", s.streamWebSocket)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	for _, p := range s.pingers {
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, s.logger, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ready"})
}

type submitJobRequest struct {
	Payload string `json:"payload"`
}

type submitJobResponse struct {
	JobID string `json:"job_id"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Payload) == "" {
		writeError(w, s.logger, http.StatusBadRequest, "payload required")
		return
	}
	queue := chi.URLParam(r, "queue")
	// Unknown queues skip the limiter and are rejected by Submit.
	if s.limiter != nil && s.dispatcher.HasQueue(queue) && !s.limiter.Allow(queue) {
		metrics.ObserveEnqueue(queue, "throttled")
		w.Header().Set("Retry-After", "1")
		writeError(w, s.logger, http.StatusTooManyRequests, "submission rate exceeded")
		return
	}
	jobID, err := s.dispatcher.Submit(r.Context(), queue, req.Payload)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, jobs.ErrQueueUnavailable):
			status = http.StatusServiceUnavailable
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusRequestTimeout
		}
		s.logger.Warn("submit job failed", zap.String("queue", queue), zap.Error(err))
		writeError(w, s.logger, status, err.Error())
		return
	}
	writeJSON(w, s.logger, http.StatusAccepted, submitJobResponse{JobID: jobID})
}

type jobDTO struct {
	JobID     string      `json:"job_id"`
	Status    jobs.Status `json:"status"`
	Progress  int         `json:"progress"`
	Error     string      `json:"error,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	rec, err := s.store.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			writeError(w, s.logger, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, s.logger, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, s.logger, http.StatusOK, jobDTO{
		JobID:     jobID,
		Status:    rec.Status,
		Progress:  rec.Percent,
		Error:     rec.Error,
		UpdatedAt: rec.UpdatedAt,
	})
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, status int, msg string) {
	writeJSON(w, logger, status, map[string]string{"error": msg})
}
