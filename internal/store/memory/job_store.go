package memory

import (
	"context"
	"sync"

	"github.com/placewise/blockpipe/internal/block"
)

// JobStore provides an in-memory crawl-job store enforcing the job state
// machine. Illegal transitions fail with ErrInvalidTransition rather than
// silently no-op.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]block.CrawlJob
	clock block.Clock
}

// NewJobStore constructs a JobStore.
func NewJobStore(clock block.Clock) *JobStore {
	return &JobStore{
		jobs:  make(map[string]block.CrawlJob),
		clock: clock,
	}
}

// CreateJob stores a new job in pending status.
func (s *JobStore) CreateJob(_ context.Context, job block.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return block.ErrDuplicateKey
	}
	if job.Status == "" {
		job.Status = block.JobStatusPending
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (block.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return block.CrawlJob{}, block.ErrNotFound
	}
	return job, nil
}

// UpdateJobStatus applies a state-machine transition.
func (s *JobStore) UpdateJobStatus(_ context.Context, jobID string, status block.JobStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return block.ErrNotFound
	}
	if !block.ValidJobTransition(job.Status, status) {
		return block.ErrInvalidTransition
	}
	job.Status = status
	job.ErrorText = errText
	now := s.clock.Now()
	if status == block.JobStatusRunning && job.Started == nil {
		started := now
		job.Started = &started
	}
	if status.Terminal() {
		finished := now
		job.Finished = &finished
	}
	s.jobs[jobID] = job
	return nil
}

// UpdateJobProgress replaces the job's progress counters. Called
// incrementally while the job runs so long jobs stay observable mid-flight.
func (s *JobStore) UpdateJobProgress(_ context.Context, jobID string, progress block.JobProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return block.ErrNotFound
	}
	job.Progress = progress
	s.jobs[jobID] = job
	return nil
}

// SetJobResult records the run summary on completion.
func (s *JobStore) SetJobResult(_ context.Context, jobID string, result block.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return block.ErrNotFound
	}
	job.Result = &result
	s.jobs[jobID] = job
	return nil
}

// IncrementRetry bumps the retry counter and returns the new value.
func (s *JobStore) IncrementRetry(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return 0, block.ErrNotFound
	}
	job.RetryCount++
	s.jobs[jobID] = job
	return job.RetryCount, nil
}

// CountByStatus tallies jobs per status for the queue-stats surface.
func (s *JobStore) CountByStatus(_ context.Context) (block.QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats block.QueueStats
	for _, job := range s.jobs {
		switch job.Status {
		case block.JobStatusPending:
			stats.Pending++
		case block.JobStatusRunning:
			stats.Running++
		case block.JobStatusCompleted:
			stats.Completed++
		case block.JobStatusFailed:
			stats.Failed++
		case block.JobStatusCancelled:
			stats.Cancelled++
		case block.JobStatusPaused:
			stats.Paused++
		}
	}
	return stats, nil
}
