package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/placewise/blockpipe/internal/block"
)

// JobStore persists crawl job metadata in Postgres.
type JobStore struct {
	pool  db
	clock block.Clock
}

// NewJobStoreWithPool constructs a job store from an existing pool. The
// schema is shared with BlockStore; run EnsureSchema on either.
func NewJobStoreWithPool(pool db, clock block.Clock) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool, clock: clock}, nil
}

const jobColumns = `id, type, status, priority, config, progress, result,
	retry_count, max_retries, error_text, submitted_at, started_at, finished_at`

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job block.CrawlJob) error {
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal job config: %w", err)
	}
	progressJSON, err := json.Marshal(job.Progress)
	if err != nil {
		return fmt.Errorf("marshal job progress: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO crawl_jobs (
	id, type, status, priority, config, progress, retry_count, max_retries,
	error_text, submitted_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		job.ID, string(job.Type), string(job.Status), job.Priority,
		configJSON, progressJSON, job.RetryCount, job.MaxRetries,
		job.ErrorText, job.Submitted,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return block.ErrDuplicateKey
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (block.CrawlJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id = $1`, jobID)
	return scanJob(row)
}

// UpdateJobStatus applies a status transition after validating it against the
// job state machine. Started and finished timestamps are set on entry to
// running and terminal states respectively.
func (s *JobStore) UpdateJobStatus(ctx context.Context, jobID string, status block.JobStatus, errText string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !block.ValidJobTransition(job.Status, status) {
		return fmt.Errorf("job %s: %s -> %s: %w", jobID, job.Status, status, block.ErrInvalidTransition)
	}
	now := s.clock.Now()
	started := job.Started
	if status == block.JobStatusRunning && started == nil {
		started = &now
	}
	finishedAt := job.Finished
	if status.Terminal() {
		finishedAt = &now
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE crawl_jobs SET status = $2, error_text = $3, started_at = $4, finished_at = $5
WHERE id = $1`, jobID, string(status), errText, started, finishedAt)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return block.ErrNotFound
	}
	return nil
}

// UpdateJobProgress overwrites the incremental progress blob.
func (s *JobStore) UpdateJobProgress(ctx context.Context, jobID string, progress block.JobProgress) error {
	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal job progress: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE crawl_jobs SET progress = $2 WHERE id = $1`, jobID, progressJSON)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return block.ErrNotFound
	}
	return nil
}

// SetJobResult stores the final run summary.
func (s *JobStore) SetJobResult(ctx context.Context, jobID string, result block.JobResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE crawl_jobs SET result = $2 WHERE id = $1`, jobID, resultJSON)
	if err != nil {
		return fmt.Errorf("set job result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return block.ErrNotFound
	}
	return nil
}

// IncrementRetry bumps the retry counter and returns the new value.
func (s *JobStore) IncrementRetry(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`UPDATE crawl_jobs SET retry_count = retry_count + 1 WHERE id = $1 RETURNING retry_count`,
		jobID).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, block.ErrNotFound
		}
		return 0, fmt.Errorf("increment retry: %w", err)
	}
	return n, nil
}

// CountByStatus reports job counts grouped by status.
func (s *JobStore) CountByStatus(ctx context.Context) (block.QueueStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM crawl_jobs GROUP BY status`)
	if err != nil {
		return block.QueueStats{}, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	var stats block.QueueStats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return block.QueueStats{}, fmt.Errorf("scan job count: %w", err)
		}
		switch block.JobStatus(status) {
		case block.JobStatusPending:
			stats.Pending = n
		case block.JobStatusRunning:
			stats.Running = n
		case block.JobStatusCompleted:
			stats.Completed = n
		case block.JobStatusFailed:
			stats.Failed = n
		case block.JobStatusCancelled:
			stats.Cancelled = n
		case block.JobStatusPaused:
			stats.Paused = n
		}
	}
	if err := rows.Err(); err != nil {
		return block.QueueStats{}, fmt.Errorf("iterate job counts: %w", err)
	}
	return stats, nil
}

func scanJob(row rowScanner) (block.CrawlJob, error) {
	var (
		job          block.CrawlJob
		jobType      string
		status       string
		configJSON   []byte
		progressJSON []byte
		resultJSON   []byte
	)
	err := row.Scan(
		&job.ID, &jobType, &status, &job.Priority, &configJSON, &progressJSON,
		&resultJSON, &job.RetryCount, &job.MaxRetries, &job.ErrorText,
		&job.Submitted, &job.Started, &job.Finished,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return block.CrawlJob{}, block.ErrNotFound
		}
		return block.CrawlJob{}, fmt.Errorf("scan job: %w", err)
	}
	job.Type = block.JobType(jobType)
	job.Status = block.JobStatus(status)
	if err := json.Unmarshal(configJSON, &job.Config); err != nil {
		return block.CrawlJob{}, fmt.Errorf("unmarshal job config: %w", err)
	}
	if len(progressJSON) > 0 {
		if err := json.Unmarshal(progressJSON, &job.Progress); err != nil {
			return block.CrawlJob{}, fmt.Errorf("unmarshal job progress: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		var result block.JobResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return block.CrawlJob{}, fmt.Errorf("unmarshal job result: %w", err)
		}
		job.Result = &result
	}
	return job, nil
}
