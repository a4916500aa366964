// Package maintenance runs periodic background sweeps over the block
// repository: quality archiving, dedupe scans, cache warming, and monitor
// evaluation.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/placewise/blockpipe/internal/block"
	"github.com/placewise/blockpipe/internal/config"
	"github.com/placewise/blockpipe/internal/monitor"
	"github.com/placewise/blockpipe/internal/optimizer"
)

// Runner owns the cron schedule. Jobs run serially per schedule entry; a
// slow sweep delays the next tick instead of overlapping it.
type Runner struct {
	cron      *cron.Cron
	optimizer *optimizer.Optimizer
	monitor   *monitor.Monitor
	cfg       config.MaintenanceConfig
	warmTTL   time.Duration
	warmLimit int
	logger    *zap.Logger
}

// New constructs a Runner. Start must be called to begin the schedule.
func New(opt *optimizer.Optimizer, mon *monitor.Monitor, cfg config.Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DiscardLogger),
			cron.Recover(cron.DiscardLogger),
		)),
		optimizer: opt,
		monitor:   mon,
		cfg:       cfg.Maintenance,
		warmTTL:   cfg.CacheTTL(),
		warmLimit: cfg.Redis.WarmLimit,
		logger:    logger,
	}
}

// Start registers the schedule entries and launches the cron loop.
func (r *Runner) Start(ctx context.Context) error {
	if !r.cfg.Enabled {
		return nil
	}
	if r.optimizer != nil {
		if _, err := r.cron.AddFunc(r.cfg.OptimizeSchedule, func() { r.optimizeSweep(ctx) }); err != nil {
			return fmt.Errorf("register optimize schedule %q: %w", r.cfg.OptimizeSchedule, err)
		}
	}
	if r.monitor != nil {
		if _, err := r.cron.AddFunc(r.cfg.MonitorSchedule, func() { r.monitorSweep(ctx) }); err != nil {
			return fmt.Errorf("register monitor schedule %q: %w", r.cfg.MonitorSchedule, err)
		}
	}
	r.cron.Start()
	r.logger.Info("maintenance schedule started",
		zap.String("optimize", r.cfg.OptimizeSchedule),
		zap.String("monitor", r.cfg.MonitorSchedule))
	return nil
}

// Stop halts the schedule and waits for any running sweep to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Runner) optimizeSweep(ctx context.Context) {
	grades := archiveGrades(r.cfg.ArchiveGrades)

	quality, err := r.optimizer.OptimizeByQuality(ctx, grades)
	if err != nil {
		r.logger.Error("quality sweep failed", zap.Error(err))
		return
	}
	dedupe, err := r.optimizer.DeduplicateBlocks(ctx)
	if err != nil {
		r.logger.Error("dedupe sweep failed", zap.Error(err))
		return
	}
	// Cache warming is best effort; a missing or unreachable cache must not
	// block the archive sweeps.
	warm, err := r.optimizer.WarmCache(ctx, r.warmLimit, r.warmTTL)
	if err != nil {
		r.logger.Warn("cache warm failed", zap.Error(err))
	}
	r.logger.Info("optimize sweep finished",
		zap.Int("archived", quality.Archived),
		zap.Int("duplicates_archived", dedupe.Archived),
		zap.Int("cached", warm.Cached))
}

func (r *Runner) monitorSweep(ctx context.Context) {
	snap, err := r.monitor.Evaluate(ctx)
	if err != nil {
		r.logger.Error("monitor sweep failed", zap.Error(err))
		return
	}
	r.logger.Info("monitor sweep finished",
		zap.Int("total_places", snap.TotalPlaces),
		zap.Float64("avg_quality_score", snap.AvgQualityScore),
		zap.Int("alerts", len(snap.Alerts)))
}

func archiveGrades(names []string) []block.Grade {
	grades := make([]block.Grade, 0, len(names))
	for _, name := range names {
		grades = append(grades, block.Grade(name))
	}
	if len(grades) == 0 {
		grades = []block.Grade{block.GradeF}
	}
	return grades
}
