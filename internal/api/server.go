// Package api exposes the HTTP interface for the lead engine.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Ank61/leadengine/internal/metrics"
	"github.com/Ank61/leadengine/internal/policy/ratelimit"
	"github.com/Ank61/leadengine/internal/scrape"
)

// JobService is the job publisher as seen by the HTTP layer.
type JobService interface {
	SubmitJob(ctx context.Context, criteria scrape.Criteria, userID string) (scrape.Job, error)
	GetJob(ctx context.Context, jobID string) (scrape.Job, error)
	ListUserJobs(ctx context.Context, userID string, opts scrape.ListOptions) ([]scrape.Job, error)
	DeleteJob(ctx context.Context, jobID string) error
	ListResults(ctx context.Context, jobID string) ([]scrape.ResultRecord, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Options tunes the server.
type Options struct {
	// RequestTimeout bounds each request; zero means 60s.
	RequestTimeout time.Duration
	// APIKey, when set, is required on the job routes via X-API-Key.
	APIKey string
	// Broker backs /api/v1/mq-check.
	Broker Pinger
	// Checks are pinged by /readyz, keyed by dependency name.
	Checks map[string]Pinger
	// SubmitLimiter throttles POST /api/v1/scrape per user_id; nil disables it.
	SubmitLimiter *ratelimit.Limiter
}

// Server wires HTTP handlers to the job publisher.
type Server struct {
	router chi.Router
	jobs   JobService
	opts   Options
	logger *zap.Logger
}

const pingTimeout = 3 * time.Second

// NewServer constructs a Server with middleware and routes.
func NewServer(jobs JobService, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		jobs:   jobs,
		opts:   opts,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.health)
		r.Get("/mq-check", s.mqCheck)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(opts.RequestTimeout))
			if opts.APIKey != "" {
				r.Use(apiKeyMiddleware(opts.APIKey))
			}
			r.Route("/scrape", func(r chi.Router) {
				r.Post("/", s.submitJob)
				r.Get("/user/{user_id}", s.listUserJobs)
				r.Route("/{job_id}", func(r chi.Router) {
					r.Get("/", s.getJob)
					r.Delete("/", s.deleteJob)
					r.Get("/results", s.listResults)
				})
			})
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
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()
	failures := map[string]string{}
	for name, check := range s.opts.Checks {
		if err := check.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("dependency", name), zap.Error(err))
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeEnvelope(w, http.StatusOK, true, "System is healthy", map[string]string{"api": "alive"})
}

func (s *Server) mqCheck(w http.ResponseWriter, r *http.Request) {
	if s.opts.Broker == nil {
		writeEnvelope(w, http.StatusServiceUnavailable, false, "Broker not configured", nil)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()
	if err := s.opts.Broker.Ping(ctx); err != nil {
		s.logger.Error("mq check failed", zap.Error(err))
		writeEnvelope(w, http.StatusInternalServerError, false, "Broker connection failed: "+err.Error(), nil)
		return
	}
	writeEnvelope(w, http.StatusOK, true, "Broker connection successful", map[string]string{"mq_status": "connected"})
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
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
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

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// envelope is the response shape of the health endpoints.
type envelope struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Data       any    `json:"data"`
	StatusCode int    `json:"status_code"`
}

func writeEnvelope(w http.ResponseWriter, status int, success bool, msg string, data any) {
	writeJSON(w, status, envelope{Success: success, Message: msg, Data: data, StatusCode: status})
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
