// Package scheduler manages crawl job lifecycle: validation, queueing,
// worker fan-out, and retry with backoff.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/placewise/blockpipe/internal/block"
	"github.com/placewise/blockpipe/internal/metrics"
	"github.com/placewise/blockpipe/internal/pipeline"
)

// Runner executes one job to completion and returns its result. Runners are
// registered per job type.
type Runner interface {
	Run(ctx context.Context, job block.CrawlJob, onProgress pipeline.ProgressFunc) (block.JobResult, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, job block.CrawlJob, onProgress pipeline.ProgressFunc) (block.JobResult, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, job block.CrawlJob, onProgress pipeline.ProgressFunc) (block.JobResult, error) {
	return f(ctx, job, onProgress)
}

// Config controls Scheduler behavior.
type Config struct {
	Workers    int
	MaxRetries int
	EventTopic string
}

// Scheduler owns job scheduling and execution. All job status writes funnel
// through the job store's state machine; illegal transitions surface as
// ErrInvalidTransition to the caller.
type Scheduler struct {
	jobs      block.JobStore
	queue     block.Queue
	runners   map[block.JobType]Runner
	publisher block.Publisher
	backoff   *block.BackoffPolicy
	metrics   *metrics.Metrics
	logger    *zap.Logger
	clock     block.Clock
	idGen     block.IDGenerator
	cfg       Config

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	retryWG sync.WaitGroup
}

// New constructs a Scheduler.
func New(
	jobs block.JobStore,
	queue block.Queue,
	publisher block.Publisher,
	m *metrics.Metrics,
	logger *zap.Logger,
	clock block.Clock,
	idGen block.IDGenerator,
	cfg Config,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.EventTopic == "" {
		cfg.EventTopic = "blockpipe.jobs"
	}
	return &Scheduler{
		jobs:      jobs,
		queue:     queue,
		runners:   make(map[block.JobType]Runner),
		publisher: publisher,
		backoff:   block.NewBackoffPolicy(),
		metrics:   m,
		logger:    logger,
		clock:     clock,
		idGen:     idGen,
		cfg:       cfg,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Register binds a runner to a job type. Jobs of unregistered types fail
// validation at schedule time.
func (s *Scheduler) Register(t block.JobType, r Runner) {
	s.runners[t] = r
}

// Schedule validates the request, persists a pending job, and enqueues it.
// The job ID returns immediately; execution is asynchronous.
func (s *Scheduler) Schedule(ctx context.Context, jobType block.JobType, priority int, cfg block.JobConfig) (block.CrawlJob, error) {
	if err := s.validate(jobType, priority, cfg); err != nil {
		return block.CrawlJob{}, err
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = s.cfg.MaxRetries
	}

	id, err := s.idGen.NewID()
	if err != nil {
		return block.CrawlJob{}, fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	job := block.CrawlJob{
		ID:         id,
		Type:       jobType,
		Status:     block.JobStatusPending,
		Priority:   priority,
		Config:     cfg,
		MaxRetries: cfg.MaxRetries,
		Submitted:  now,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return block.CrawlJob{}, fmt.Errorf("create job: %w", err)
	}
	if err := s.queue.Enqueue(ctx, block.QueueItem{
		JobID:     id,
		Priority:  priority,
		Submitted: now.UnixNano(),
	}); err != nil {
		return block.CrawlJob{}, fmt.Errorf("enqueue job: %w", err)
	}
	if s.metrics != nil {
		s.metrics.QueueDepth.Inc()
	}
	s.publish(ctx, "job.scheduled", job)
	s.logger.Info("job scheduled",
		zap.String("job_id", id),
		zap.String("type", string(jobType)),
		zap.Int("priority", priority))
	return job, nil
}

func (s *Scheduler) validate(jobType block.JobType, priority int, cfg block.JobConfig) error {
	if !block.ValidJobType(jobType) {
		return &block.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown job type %q", jobType)}
	}
	if _, ok := s.runners[jobType]; !ok {
		return &block.ValidationError{Field: "type", Reason: fmt.Sprintf("no runner registered for %q", jobType)}
	}
	if priority < 1 || priority > 10 {
		return &block.ValidationError{Field: "priority", Reason: "must be between 1 and 10"}
	}
	if crawlType(jobType) && len(cfg.Sources) == 0 {
		return &block.ValidationError{Field: "sources", Reason: "at least one source is required"}
	}
	if cfg.PageSize < 0 || cfg.MaxPages < 0 || cfg.BatchSize < 0 ||
		cfg.Concurrency < 0 || cfg.RequestDelayMs < 0 || cfg.MaxRetries < 0 {
		return &block.ValidationError{Field: "config", Reason: "counts and delays must not be negative"}
	}
	if cfg.QualityThreshold != "" && cfg.QualityThreshold.Rank() == 0 {
		return &block.ValidationError{Field: "quality_threshold", Reason: fmt.Sprintf("unknown grade %q", cfg.QualityThreshold)}
	}
	return nil
}

func crawlType(t block.JobType) bool {
	switch t {
	case block.JobTypeFullCrawl, block.JobTypeIncremental, block.JobTypeRegionCrawl,
		block.JobTypeCategoryCrawl, block.JobTypeContentRefresh:
		return true
	default:
		return false
	}
}

// Cancel moves a job to cancelled and interrupts it if running. Cancellation
// of a running job is cooperative: the current batch finishes first.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	if err := s.jobs.UpdateJobStatus(ctx, jobID, block.JobStatusCancelled, ""); err != nil {
		return err
	}
	s.interrupt(jobID)
	if job, err := s.jobs.GetJob(ctx, jobID); err == nil {
		s.publish(ctx, "job.cancelled", job)
	}
	return nil
}

// Pause suspends a running job. The in-flight batch completes; progress is
// preserved for Resume.
func (s *Scheduler) Pause(ctx context.Context, jobID string) error {
	if err := s.jobs.UpdateJobStatus(ctx, jobID, block.JobStatusPaused, ""); err != nil {
		return err
	}
	s.interrupt(jobID)
	if job, err := s.jobs.GetJob(ctx, jobID); err == nil {
		s.publish(ctx, "job.paused", job)
	}
	return nil
}

// Resume re-enqueues a paused job. The picking worker transitions it back to
// running.
func (s *Scheduler) Resume(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != block.JobStatusPaused {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, block.ErrInvalidTransition)
	}
	if err := s.queue.Enqueue(ctx, block.QueueItem{
		JobID:     jobID,
		Priority:  job.Priority,
		Attempt:   job.RetryCount,
		Submitted: s.clock.Now().UnixNano(),
	}); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	if s.metrics != nil {
		s.metrics.QueueDepth.Inc()
	}
	s.publish(ctx, "job.resumed", job)
	return nil
}

// Status returns the current job record.
func (s *Scheduler) Status(ctx context.Context, jobID string) (block.CrawlJob, error) {
	return s.jobs.GetJob(ctx, jobID)
}

// QueueStats reports job counts by status.
func (s *Scheduler) QueueStats(ctx context.Context) (block.QueueStats, error) {
	return s.jobs.CountByStatus(ctx)
}

func (s *Scheduler) interrupt(jobID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[jobID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Scheduler) track(jobID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[jobID] = cancel
	s.mu.Unlock()
}

func (s *Scheduler) untrack(jobID string) {
	s.mu.Lock()
	delete(s.cancels, jobID)
	s.mu.Unlock()
}

// jobEvent is the lifecycle event payload pushed to the publisher.
type jobEvent struct {
	Event    string          `json:"event"`
	JobID    string          `json:"job_id"`
	Type     block.JobType   `json:"type"`
	Status   block.JobStatus `json:"status"`
	Attempt  int             `json:"attempt"`
	Occurred int64           `json:"occurred_at"`
}

func (s *Scheduler) publish(ctx context.Context, event string, job block.CrawlJob) {
	if s.publisher == nil {
		return
	}
	_, err := s.publisher.Publish(ctx, s.cfg.EventTopic, jobEvent{
		Event:    event,
		JobID:    job.ID,
		Type:     job.Type,
		Status:   job.Status,
		Attempt:  job.RetryCount,
		Occurred: s.clock.Now().UnixMilli(),
	})
	if err != nil {
		s.logger.Warn("publish job event failed",
			zap.String("event", event),
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
}
