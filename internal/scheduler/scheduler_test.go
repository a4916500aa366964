package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/placewise/blockpipe/internal/block"
	"github.com/placewise/blockpipe/internal/pipeline"
	qmemory "github.com/placewise/blockpipe/internal/queue/memory"
	smemory "github.com/placewise/blockpipe/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("job-%d", g.n), nil
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *capturingPublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, payload.(jobEvent).Event)
	return "msg-1", nil
}

func (p *capturingPublisher) has(event string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e == event {
			return true
		}
	}
	return false
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *smemory.JobStore, *capturingPublisher) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	jobs := smemory.NewJobStore(clock)
	queue := qmemory.NewQueue()
	t.Cleanup(queue.Close)
	pub := &capturingPublisher{}
	s := New(jobs, queue, pub, nil, zap.NewNop(), clock, &seqIDGen{}, cfg)
	return s, jobs, pub
}

func regionConfig() block.JobConfig {
	return block.JobConfig{Sources: []string{"visitkorea"}, PageSize: 50}
}

func succeedingRunner(result block.JobResult) Runner {
	return RunnerFunc(func(context.Context, block.CrawlJob, pipeline.ProgressFunc) (block.JobResult, error) {
		return result, nil
	})
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestScheduler(t, Config{})
	s.Register(block.JobTypeRegionCrawl, succeedingRunner(block.JobResult{}))
	ctx := context.Background()

	var verr *block.ValidationError

	_, err := s.Schedule(ctx, "bogus", 5, regionConfig())
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "type", verr.Field)

	_, err = s.Schedule(ctx, block.JobTypeRegionCrawl, 0, regionConfig())
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "priority", verr.Field)

	_, err = s.Schedule(ctx, block.JobTypeRegionCrawl, 11, regionConfig())
	require.ErrorAs(t, err, &verr)

	_, err = s.Schedule(ctx, block.JobTypeRegionCrawl, 5, block.JobConfig{})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "sources", verr.Field)

	job, err := s.Schedule(ctx, block.JobTypeRegionCrawl, 5, regionConfig())
	require.NoError(t, err)
	require.Equal(t, "job-1", job.ID)
	require.Equal(t, block.JobStatusPending, job.Status)
}

func TestWorkerCompletesJob(t *testing.T) {
	t.Parallel()

	s, jobs, pub := newTestScheduler(t, Config{Workers: 1})
	s.Register(block.JobTypeRegionCrawl, succeedingRunner(block.JobResult{NewBlocks: 7}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	job, err := s.Schedule(ctx, block.JobTypeRegionCrawl, 5, regionConfig())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := jobs.GetJob(ctx, job.ID)
		return err == nil && got.Status == block.JobStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	got, err := jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Result)
	require.Equal(t, 7, got.Result.NewBlocks)
	require.NotNil(t, got.Started)
	require.NotNil(t, got.Finished)
	require.True(t, pub.has("job.scheduled"))
	require.True(t, pub.has("job.started"))
	require.True(t, pub.has("job.completed"))
}

func TestWorkerRetriesTransientFailuresUpToBound(t *testing.T) {
	t.Parallel()

	s, jobs, pub := newTestScheduler(t, Config{Workers: 1, MaxRetries: 2})

	var mu sync.Mutex
	attempts := 0
	s.Register(block.JobTypeRegionCrawl, RunnerFunc(func(context.Context, block.CrawlJob, pipeline.ProgressFunc) (block.JobResult, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return block.JobResult{}, block.Transient(fmt.Errorf("source unreachable"))
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	job, err := s.Schedule(ctx, block.JobTypeRegionCrawl, 5, regionConfig())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := jobs.GetJob(ctx, job.ID)
		return err == nil && got.Status == block.JobStatusFailed && got.RetryCount == 2
	}, 15*time.Second, 50*time.Millisecond)

	// Initial run plus exactly maxRetries re-enqueues.
	mu.Lock()
	require.Equal(t, 3, attempts)
	mu.Unlock()
	require.True(t, pub.has("job.retrying"))
	require.True(t, pub.has("job.failed"))
}

// flakyJobStore fails reads made while the job is running, mimicking a job
// store that times out under load.
type flakyJobStore struct {
	block.JobStore
}

func (f *flakyJobStore) GetJob(ctx context.Context, id string) (block.CrawlJob, error) {
	job, err := f.JobStore.GetJob(ctx, id)
	if err == nil && job.Status == block.JobStatusRunning {
		return block.CrawlJob{}, fmt.Errorf("job store read timeout")
	}
	return job, err
}

func TestWorkerBoundsRetriesWhenJobReloadFails(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	jobs := smemory.NewJobStore(clock)
	queue := qmemory.NewQueue()
	t.Cleanup(queue.Close)
	s := New(&flakyJobStore{JobStore: jobs}, queue, &capturingPublisher{}, nil,
		zap.NewNop(), clock, &seqIDGen{}, Config{Workers: 1, MaxRetries: 1})

	var mu sync.Mutex
	attempts := 0
	s.Register(block.JobTypeRegionCrawl, RunnerFunc(func(context.Context, block.CrawlJob, pipeline.ProgressFunc) (block.JobResult, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return block.JobResult{}, block.Transient(fmt.Errorf("source unreachable"))
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	job, err := s.Schedule(ctx, block.JobTypeRegionCrawl, 5, regionConfig())
	require.NoError(t, err)

	// The retry decision falls back to the dequeue-time snapshot, so the
	// bound holds even though every reload during failure handling errors.
	require.Eventually(t, func() bool {
		mu.Lock()
		a := attempts
		mu.Unlock()
		got, err := jobs.GetJob(ctx, job.ID)
		return a == 2 && err == nil && got.Status == block.JobStatusFailed && got.RetryCount == 1
	}, 10*time.Second, 50*time.Millisecond)

	mu.Lock()
	require.Equal(t, 2, attempts)
	mu.Unlock()
}

func TestWorkerDoesNotRetryPermanentFailures(t *testing.T) {
	t.Parallel()

	s, jobs, _ := newTestScheduler(t, Config{Workers: 1, MaxRetries: 3})
	s.Register(block.JobTypeRegionCrawl, RunnerFunc(func(context.Context, block.CrawlJob, pipeline.ProgressFunc) (block.JobResult, error) {
		return block.JobResult{}, fmt.Errorf("unknown place source")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	job, err := s.Schedule(ctx, block.JobTypeRegionCrawl, 5, regionConfig())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := jobs.GetJob(ctx, job.ID)
		return err == nil && got.Status == block.JobStatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	got, err := jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Zero(t, got.RetryCount)
}

func TestCancelPendingJob(t *testing.T) {
	t.Parallel()

	// No workers running: the job stays pending until cancelled.
	s, jobs, pub := newTestScheduler(t, Config{})
	s.Register(block.JobTypeRegionCrawl, succeedingRunner(block.JobResult{}))
	ctx := context.Background()

	job, err := s.Schedule(ctx, block.JobTypeRegionCrawl, 5, regionConfig())
	require.NoError(t, err)

	require.NoError(t, s.Cancel(ctx, job.ID))
	got, err := jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, block.JobStatusCancelled, got.Status)
	require.True(t, pub.has("job.cancelled"))

	// Terminal jobs cannot be cancelled again.
	require.ErrorIs(t, s.Cancel(ctx, job.ID), block.ErrInvalidTransition)
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()

	s, jobs, pub := newTestScheduler(t, Config{Workers: 1})

	var mu sync.Mutex
	runs := 0
	s.Register(block.JobTypeRegionCrawl, RunnerFunc(func(ctx context.Context, _ block.CrawlJob, _ pipeline.ProgressFunc) (block.JobResult, error) {
		mu.Lock()
		runs++
		first := runs == 1
		mu.Unlock()
		if first {
			// Simulate a long job interrupted by Pause.
			<-ctx.Done()
			return block.JobResult{}, fmt.Errorf("run canceled: %w", ctx.Err())
		}
		return block.JobResult{NewBlocks: 3}, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	job, err := s.Schedule(ctx, block.JobTypeRegionCrawl, 5, regionConfig())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := jobs.GetJob(ctx, job.ID)
		return err == nil && got.Status == block.JobStatusRunning
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Pause(ctx, job.ID))
	require.Eventually(t, func() bool {
		got, err := jobs.GetJob(ctx, job.ID)
		return err == nil && got.Status == block.JobStatusPaused
	}, 3*time.Second, 10*time.Millisecond)
	require.True(t, pub.has("job.paused"))

	// Resume only applies to paused jobs.
	require.NoError(t, s.Resume(ctx, job.ID))
	require.Eventually(t, func() bool {
		got, err := jobs.GetJob(ctx, job.ID)
		return err == nil && got.Status == block.JobStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
	require.True(t, pub.has("job.resumed"))

	require.ErrorIs(t, s.Resume(ctx, job.ID), block.ErrInvalidTransition)
}

func TestQueueStats(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestScheduler(t, Config{})
	s.Register(block.JobTypeRegionCrawl, succeedingRunner(block.JobResult{}))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Schedule(ctx, block.JobTypeRegionCrawl, 5, regionConfig())
		require.NoError(t, err)
	}

	stats, err := s.QueueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Pending)
}
