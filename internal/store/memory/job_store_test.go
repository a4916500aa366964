package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/placewise/blockpipe/internal/block"
)

func newJob(id string) block.CrawlJob {
	return block.CrawlJob{
		ID:         id,
		Type:       block.JobTypeRegionCrawl,
		Status:     block.JobStatusPending,
		Priority:   5,
		MaxRetries: 3,
		Submitted:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestJobStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	store := NewJobStore(&fakeClock{now: time.Now()})
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, newJob("j1")))
	require.ErrorIs(t, store.CreateJob(ctx, newJob("j1")), block.ErrDuplicateKey)

	job, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, block.JobStatusPending, job.Status)

	_, err = store.GetJob(ctx, "missing")
	require.ErrorIs(t, err, block.ErrNotFound)
}

func TestJobStore_StatusTransitions(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := NewJobStore(clock)
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, newJob("j1")))

	// pending -> completed is illegal.
	err := store.UpdateJobStatus(ctx, "j1", block.JobStatusCompleted, "")
	require.ErrorIs(t, err, block.ErrInvalidTransition)

	require.NoError(t, store.UpdateJobStatus(ctx, "j1", block.JobStatusRunning, ""))
	job, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, job.Started)

	// paused only from running.
	require.NoError(t, store.UpdateJobStatus(ctx, "j1", block.JobStatusPaused, ""))
	require.NoError(t, store.UpdateJobStatus(ctx, "j1", block.JobStatusRunning, ""))

	require.NoError(t, store.UpdateJobStatus(ctx, "j1", block.JobStatusCompleted, ""))
	job, err = store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, job.Finished)

	// Terminal states reject further transitions.
	err = store.UpdateJobStatus(ctx, "j1", block.JobStatusRunning, "")
	require.ErrorIs(t, err, block.ErrInvalidTransition)
}

func TestJobStore_FailedMayReenterPending(t *testing.T) {
	t.Parallel()

	store := NewJobStore(&fakeClock{now: time.Now()})
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, newJob("j1")))

	require.NoError(t, store.UpdateJobStatus(ctx, "j1", block.JobStatusRunning, ""))
	require.NoError(t, store.UpdateJobStatus(ctx, "j1", block.JobStatusFailed, "source unreachable"))
	require.NoError(t, store.UpdateJobStatus(ctx, "j1", block.JobStatusPending, ""))

	n, err := store.IncrementRetry(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestJobStore_ProgressAndResult(t *testing.T) {
	t.Parallel()

	store := NewJobStore(&fakeClock{now: time.Now()})
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, newJob("j1")))

	progress := block.JobProgress{Processed: 40, Succeeded: 38, Failed: 1, Skipped: 1, Percent: 40}
	require.NoError(t, store.UpdateJobProgress(ctx, "j1", progress))

	result := block.JobResult{NewBlocks: 38, FailedRecords: 1, DurationMs: 1200}
	require.NoError(t, store.SetJobResult(ctx, "j1", result))

	job, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, progress, job.Progress)
	require.NotNil(t, job.Result)
	require.Equal(t, 38, job.Result.NewBlocks)
}

func TestJobStore_CountByStatus(t *testing.T) {
	t.Parallel()

	store := NewJobStore(&fakeClock{now: time.Now()})
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, newJob("j1")))
	require.NoError(t, store.CreateJob(ctx, newJob("j2")))
	require.NoError(t, store.CreateJob(ctx, newJob("j3")))
	require.NoError(t, store.UpdateJobStatus(ctx, "j2", block.JobStatusRunning, ""))
	require.NoError(t, store.UpdateJobStatus(ctx, "j3", block.JobStatusCancelled, ""))

	stats, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, block.QueueStats{Pending: 1, Running: 1, Cancelled: 1}, stats)
}
