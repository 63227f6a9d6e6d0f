// Package api serves the read-only HTTP status surface.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/SirClappington/askbot/internal/domain"
	"github.com/SirClappington/askbot/internal/logging"
)

type Queue interface {
	Get(ctx context.Context, key string) (*domain.Job, error)
	Metrics(ctx context.Context) (domain.Metrics, error)
	Ping(ctx context.Context) error
}

// Archive serves jobs that retention already removed from the queue.
type Archive interface {
	GetArchived(ctx context.Context, key string) (*domain.Job, error)
}

type Server struct {
	q       Queue
	archive Archive
	log     *zap.Logger
}

// NewRouter builds the routes. archive may be nil.
func NewRouter(q Queue, archive Archive, log *zap.Logger) http.Handler {
	s := &Server{q: q, archive: archive, log: logging.OrNop(log).Named("api")}

	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.Recoverer)
	rtr.Use(s.logRequests)
	rtr.Use(middleware.Timeout(10 * time.Second))

	rtr.Get("/healthz", s.health)
	rtr.Route("/v1", func(rtr chi.Router) {
		rtr.Get("/metrics", s.metrics)
		rtr.Get("/jobs/{key}", s.job)
	})
	return rtr
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("requestId", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.q.Ping(r.Context()); err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.q.Metrics(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) job(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	j, err := s.q.Get(r.Context(), key)
	if err != nil {
		s.fail(w, err)
		return
	}
	if j == nil && s.archive != nil {
		if j, err = s.archive.GetArchived(r.Context(), key); err != nil {
			s.fail(w, err)
			return
		}
	}
	if j == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.log.Error("request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
