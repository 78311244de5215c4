// Package apihttp exposes the engine over JSON/HTTP: sync task submission and
// polling, directory stats and cleanup, manual cache invalidation and partial
// updates of rules and strategies.
package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/oceangrid/dirsync/internal/metrics"
	"github.com/oceangrid/dirsync/internal/models"
	"github.com/oceangrid/dirsync/internal/rules"
	"github.com/oceangrid/dirsync/internal/strategy"
)

type SyncScheduler interface {
	Submit(ctx context.Context, scope models.SyncScope) (models.SyncTask, error)
	Status(id models.TaskID) (models.SyncTask, error)
	Stats(ctx context.Context) (models.DirectoryStats, error)
	CleanupExpired(ctx context.Context) (int, error)
}

type CacheEvictor interface {
	EvictWhere(ctx context.Context, nodeID *models.NodeID, productType *models.ProductType) (int, error)
}

type Server struct {
	mux        *http.ServeMux
	scheduler  SyncScheduler
	cache      CacheEvictor
	rules      *rules.Engine
	strategies *strategy.Engine
	ready      func() bool
	met        metrics.Metrics
	log        zerolog.Logger
}

func NewServer(
	scheduler SyncScheduler,
	cache CacheEvictor,
	ruleEngine *rules.Engine,
	strategyEngine *strategy.Engine,
	ready func() bool,
	met metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		mux:        http.NewServeMux(),
		scheduler:  scheduler,
		cache:      cache,
		rules:      ruleEngine,
		strategies: strategyEngine,
		ready:      ready,
		met:        met,
		log:        logger.With().Str("component", "api").Logger(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)

	s.mux.HandleFunc("POST /api/v1/sync/full", s.handleSyncFull)
	s.mux.HandleFunc("POST /api/v1/sync/nodes/{id}", s.handleSyncNode)
	s.mux.HandleFunc("GET /api/v1/sync/tasks", s.handleLatestTask)
	s.mux.HandleFunc("GET /api/v1/sync/tasks/{id}", s.handleGetTask)

	s.mux.HandleFunc("GET /api/v1/directory/stats", s.handleStats)
	s.mux.HandleFunc("POST /api/v1/directory/cleanup", s.handleCleanup)

	s.mux.HandleFunc("POST /api/v1/cache/invalidate", s.handleInvalidate)

	s.mux.HandleFunc("PATCH /api/v1/rules/{id}", s.handleUpdateRule)
	s.mux.HandleFunc("PATCH /api/v1/strategies/{id}", s.handleUpdateStrategy)
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves the API until ctx is cancelled, then drains with a short
// shutdown grace period.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Msgf("api listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil && !s.ready() {
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeDomainError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	s.met.Increment("api.error")
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case models.IsSchedulerFault(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
