// Package api is the HTTP surface of the memory engine: ingest, retrieve,
// feedback and their batch variants, plus status, health, metrics, auth
// validation and memory listing. Authentication, per-minute rate limiting
// and idempotent writes are middleware concerns; handlers stay thin over
// the engine.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"recalld/internal/auth"
	"recalld/internal/config"
	"recalld/internal/engine"
	"recalld/internal/quota"
	"recalld/internal/store"
)

// Server routes requests to the engine.
type Server struct {
	cfg      *config.Config
	engine   *engine.Engine
	st       *store.Manager
	quota    *quota.Manager
	verifier *auth.Verifier
	logger   *zap.Logger
	metrics  *metrics
	router   chi.Router
	started  time.Time
}

// NewServer assembles the router.
func NewServer(cfg *config.Config, eng *engine.Engine, st *store.Manager, qm *quota.Manager, verifier *auth.Verifier, logger *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		engine:   eng,
		st:       st,
		quota:    qm,
		verifier: verifier,
		logger:   logger,
		started:  time.Now(),
	}
	s.metrics = newMetrics(s.started)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Route("/v1", func(r chi.Router) {
		// Unauthenticated probes.
		r.Get("/health", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", s.metrics.handler())

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Use(s.rateLimit)

			r.Post("/ingest", s.instrument("ingest", s.handleIngest))
			r.Post("/ingest/batch", s.instrument("ingest_batch", s.handleIngestBatch))
			r.Get("/retrieve", s.instrument("retrieve", s.handleRetrieve))
			r.Post("/feedback", s.instrument("feedback", s.handleFeedback))
			r.Post("/feedback/batch", s.instrument("feedback_batch", s.handleFeedbackBatch))
			r.Get("/status", s.instrument("status", s.handleStatus))
			r.Post("/auth/validate", s.instrument("auth_validate", s.handleAuthValidate))
			r.Get("/memories", s.instrument("memories", s.handleListMemories))
			r.Delete("/memories/{memoryID}", s.instrument("memories_delete", s.handleDeleteMemory))
		})
	})
	s.router = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// instrument counts requests per operation with the response status class.
func (s *Server) instrument(op string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		h(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.requests.WithLabelValues(op, statusClass(status)).Inc()
	}
}

func statusClass(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
