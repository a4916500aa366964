package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/placewise/blockpipe/internal/block"
)

// Run starts the worker pool and blocks until ctx finishes and all workers
// and pending retry timers have drained.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.workerLoop(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
	s.retryWG.Wait()
}

func (s *Scheduler) workerLoop(ctx context.Context) {
	for {
		item, err := s.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, block.ErrQueueClosed) {
				return
			}
			s.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		if s.metrics != nil {
			s.metrics.QueueDepth.Dec()
		}
		s.execute(ctx, item)
	}
}

func (s *Scheduler) execute(ctx context.Context, item block.QueueItem) {
	job, err := s.jobs.GetJob(ctx, item.JobID)
	if err != nil {
		s.logger.Error("load job failed", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}
	// Stale queue entries for jobs cancelled while waiting are dropped.
	if job.Status == block.JobStatusCancelled {
		s.logger.Debug("dropping cancelled job", zap.String("job_id", job.ID))
		return
	}
	if err := s.jobs.UpdateJobStatus(ctx, job.ID, block.JobStatusRunning, ""); err != nil {
		s.logger.Warn("job not runnable",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Error(err))
		return
	}

	if s.metrics != nil {
		s.metrics.ActiveWorkers.Inc()
		defer s.metrics.ActiveWorkers.Dec()
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.track(job.ID, cancel)
	defer s.untrack(job.ID)

	s.publish(ctx, "job.started", job)
	s.logger.Info("job started",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.Int("attempt", item.Attempt))

	runner := s.runners[job.Type]
	result, runErr := runner.Run(jobCtx, job, func(progress block.JobProgress) {
		if err := s.jobs.UpdateJobProgress(ctx, job.ID, progress); err != nil {
			s.logger.Warn("progress update failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	})

	if runErr == nil {
		s.finishJob(ctx, job, result)
		return
	}
	s.failJob(ctx, job, item, runErr)
}

func (s *Scheduler) finishJob(ctx context.Context, job block.CrawlJob, result block.JobResult) {
	if err := s.jobs.SetJobResult(ctx, job.ID, result); err != nil {
		s.logger.Error("set job result failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	if err := s.jobs.UpdateJobStatus(ctx, job.ID, block.JobStatusCompleted, ""); err != nil {
		s.logger.Error("complete job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveJob(string(block.JobStatusCompleted))
	}
	job.Status = block.JobStatusCompleted
	s.publish(ctx, "job.completed", job)
	s.logger.Info("job completed",
		zap.String("job_id", job.ID),
		zap.Int("new_blocks", result.NewBlocks),
		zap.Int("failed_records", result.FailedRecords))
}

func (s *Scheduler) failJob(ctx context.Context, job block.CrawlJob, item block.QueueItem, runErr error) {
	// Worker shutdown: leave the job as-is for the next process start.
	if ctx.Err() != nil {
		return
	}
	// Cancel and Pause already moved the job; the run error is just the
	// interrupted context surfacing.
	current, err := s.jobs.GetJob(ctx, job.ID)
	if err != nil {
		// Fall back to the snapshot loaded at dequeue so the retry bound
		// still holds when the job store is flaky.
		s.logger.Warn("reload job for failure handling",
			zap.String("job_id", job.ID), zap.Error(err))
		current = job
	} else if current.Status == block.JobStatusCancelled || current.Status == block.JobStatusPaused {
		s.logger.Info("job interrupted",
			zap.String("job_id", job.ID),
			zap.String("status", string(current.Status)))
		return
	}

	if err := s.jobs.UpdateJobStatus(ctx, job.ID, block.JobStatusFailed, runErr.Error()); err != nil {
		s.logger.Error("fail job status update", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveJob(string(block.JobStatusFailed))
	}
	job.Status = block.JobStatusFailed
	s.publish(ctx, "job.failed", job)
	s.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.Int("retry_count", current.RetryCount),
		zap.Error(runErr))

	if !s.backoff.ShouldRetry(runErr, current.RetryCount, job.MaxRetries) {
		return
	}
	s.scheduleRetry(ctx, job, item)
}

// scheduleRetry re-enqueues a failed job after a jittered backoff delay. The
// job re-enters pending immediately so QueueStats reflects the retry.
func (s *Scheduler) scheduleRetry(ctx context.Context, job block.CrawlJob, item block.QueueItem) {
	attempt, err := s.jobs.IncrementRetry(ctx, job.ID)
	if err != nil {
		s.logger.Error("increment retry failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if err := s.jobs.UpdateJobStatus(ctx, job.ID, block.JobStatusPending, ""); err != nil {
		s.logger.Error("requeue status update failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	delay := s.backoff.Backoff(attempt)
	s.logger.Info("job retry scheduled",
		zap.String("job_id", job.ID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
	job.RetryCount = attempt
	s.publish(ctx, "job.retrying", job)

	s.retryWG.Add(1)
	go func() {
		defer s.retryWG.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := s.queue.Enqueue(ctx, block.QueueItem{
			JobID:     job.ID,
			Priority:  job.Priority,
			Attempt:   attempt,
			Submitted: s.clock.Now().UnixNano(),
		}); err != nil {
			s.logger.Error("retry enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		if s.metrics != nil {
			s.metrics.QueueDepth.Inc()
		}
	}()
}
