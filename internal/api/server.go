// Package api exposes the HTTP interface for the block pipeline service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/placewise/blockpipe/internal/block"
	"github.com/placewise/blockpipe/internal/config"
	"github.com/placewise/blockpipe/internal/metrics"
	"github.com/placewise/blockpipe/internal/migrator"
	"github.com/placewise/blockpipe/internal/monitor"
	"github.com/placewise/blockpipe/internal/scheduler"
)

// Server wires HTTP handlers to the scheduler and stores.
type Server struct {
	router    chi.Router
	blocks    block.BlockStore
	scheduler *scheduler.Scheduler
	monitor   *monitor.Monitor
	migrator  *migrator.Migrator
	metrics   *metrics.Metrics
	logger    *zap.Logger
	cfg       config.Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	blocks block.BlockStore,
	sched *scheduler.Scheduler,
	mon *monitor.Monitor,
	mig *migrator.Migrator,
	m *metrics.Metrics,
	logger *zap.Logger,
	cfg config.Config,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		blocks:    blocks,
		scheduler: sched,
		monitor:   mon,
		migrator:  mig,
		metrics:   m,
		logger:    logger,
		cfg:       cfg,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if m != nil {
		r.Use(m.Middleware)
	}
	r.Use(timeoutMiddleware(cfg.ServerTimeout()))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.scheduleJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/cancel", s.cancelJob)
				r.Post("/pause", s.pauseJob)
				r.Post("/resume", s.resumeJob)
			})
		})
		r.Get("/queue/stats", s.queueStats)
		r.Route("/blocks", func(r chi.Router) {
			r.Get("/{block_id}", s.getBlock)
			r.Post("/search", s.searchBlocks)
		})
		r.Get("/stats", s.blockStats)
		r.Get("/monitor", s.monitorSnapshot)
		r.Route("/migrations", func(r chi.Router) {
			r.Post("/", s.runMigration)
			r.Post("/rollback", s.rollbackMigration)
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
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The block store backs every endpoint; a failed stats read means the
	// service cannot do useful work yet.
	if _, err := s.blocks.Stats(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store not ready", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}

type scheduleJobRequest struct {
	Type     block.JobType   `json:"type"`
	Priority int             `json:"priority"`
	Config   block.JobConfig `json:"config"`
}

func (s *Server) scheduleJob(w http.ResponseWriter, r *http.Request) {
	var req scheduleJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
		return
	}
	if req.Priority == 0 {
		req.Priority = 5
	}
	job, err := s.scheduler.Schedule(r.Context(), req.Type, req.Priority, req.Config)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job}, s.logger)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.scheduler.Status(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job}, s.logger)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.scheduler.Cancel(r.Context(), jobID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(block.JobStatusCancelled)}, s.logger)
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.scheduler.Pause(r.Context(), jobID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(block.JobStatusPaused)}, s.logger)
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.scheduler.Resume(r.Context(), jobID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "resumed"}, s.logger)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.scheduler.QueueStats(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats, s.logger)
}

func (s *Server) getBlock(w http.ResponseWriter, r *http.Request) {
	blk, err := s.blocks.GetPlace(r.Context(), chi.URLParam(r, "block_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"block": blk}, s.logger)
}

func (s *Server) searchBlocks(w http.ResponseWriter, r *http.Request) {
	var filter block.SearchFilter
	if err := json.NewDecoder(r.Body).Decode(&filter); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
		return
	}
	result, err := s.blocks.SearchPlaces(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result, s.logger)
}

func (s *Server) blockStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.blocks.Stats(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats, s.logger)
}

func (s *Server) monitorSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "monitor not configured", s.logger)
		return
	}
	snap, err := s.monitor.Evaluate(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap, s.logger)
}

type migrationRequest struct {
	BatchSize int            `json:"batch_size"`
	Statuses  []block.Status `json:"statuses"`
	Validate  bool           `json:"validate"`
	DryRun    bool           `json:"dry_run"`
}

func (s *Server) runMigration(w http.ResponseWriter, r *http.Request) {
	if s.migrator == nil {
		writeError(w, http.StatusServiceUnavailable, "migrator not configured", s.logger)
		return
	}
	var req migrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
		return
	}
	report, err := s.migrator.Run(r.Context(), migrator.Request{
		BatchSize: req.BatchSize,
		Statuses:  req.Statuses,
		Validate:  req.Validate,
		DryRun:    req.DryRun,
	})
	if err != nil {
		// A validation mismatch still carries a usable report; the caller
		// decides whether to roll back.
		var mverr *block.MigrationValidationError
		if errors.As(err, &mverr) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":  mverr.Error(),
				"report": report,
			}, s.logger)
			return
		}
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report}, s.logger)
}

type rollbackRequest struct {
	CheckpointID string `json:"checkpoint_id"`
}

func (s *Server) rollbackMigration(w http.ResponseWriter, r *http.Request) {
	if s.migrator == nil {
		writeError(w, http.StatusServiceUnavailable, "migrator not configured", s.logger)
		return
	}
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CheckpointID == "" {
		writeError(w, http.StatusBadRequest, "checkpoint_id required", s.logger)
		return
	}
	deleted, err := s.migrator.Rollback(r.Context(), req.CheckpointID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checkpoint_id": req.CheckpointID,
		"deleted":       deleted,
	}, s.logger)
}

// writeDomainError maps domain errors to HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var verr *block.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error(), s.logger)
	case errors.Is(err, block.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), s.logger)
	case errors.Is(err, block.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error(), s.logger)
	case errors.Is(err, block.ErrDuplicateKey):
		writeError(w, http.StatusConflict, err.Error(), s.logger)
	case errors.Is(err, block.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error(), s.logger)
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error", s.logger)
	}
}
