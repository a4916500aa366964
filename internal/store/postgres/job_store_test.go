package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/placewise/blockpipe/internal/block"
)

func newMockJobStore(t *testing.T) (*JobStore, pgxmock.PgxPoolIface, *fakeClock) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store, err := NewJobStoreWithPool(mock, clock)
	require.NoError(t, err)
	return store, mock, clock
}

func jobRows(status string, submitted time.Time) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "type", "status", "priority", "config", "progress", "result",
		"retry_count", "max_retries", "error_text", "submitted_at",
		"started_at", "finished_at",
	}).AddRow(
		"j1", "region_crawl", status, 5,
		[]byte(`{"sources":["visitkorea"],"page_size":50}`),
		[]byte(`{"processed":0}`), []byte(nil),
		0, 3, "", submitted, (*time.Time)(nil), (*time.Time)(nil),
	)
}

func TestJobStoreCreateJobInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock, clock := newMockJobStore(t)

	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs(anyArgs(10)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.CreateJob(context.Background(), block.CrawlJob{
		ID:         "j1",
		Type:       block.JobTypeRegionCrawl,
		Status:     block.JobStatusPending,
		Priority:   5,
		MaxRetries: 3,
		Submitted:  clock.now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreUpdateStatusValidatesTransition(t *testing.T) {
	t.Parallel()

	store, mock, clock := newMockJobStore(t)
	ctx := context.Background()

	// pending -> completed never touches the row.
	mock.ExpectQuery("SELECT (.+) FROM crawl_jobs WHERE id").
		WithArgs("j1").
		WillReturnRows(jobRows("pending", clock.now))

	err := store.UpdateJobStatus(ctx, "j1", block.JobStatusCompleted, "")
	require.ErrorIs(t, err, block.ErrInvalidTransition)

	// pending -> running sets started_at.
	mock.ExpectQuery("SELECT (.+) FROM crawl_jobs WHERE id").
		WithArgs("j1").
		WillReturnRows(jobRows("pending", clock.now))
	mock.ExpectExec("UPDATE crawl_jobs SET status").
		WithArgs("j1", "running", "", &clock.now, (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateJobStatus(ctx, "j1", block.JobStatusRunning, ""))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreIncrementRetry(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockJobStore(t)

	mock.ExpectQuery("UPDATE crawl_jobs SET retry_count").
		WithArgs("j1").
		WillReturnRows(pgxmock.NewRows([]string{"retry_count"}).AddRow(2))

	n, err := store.IncrementRetry(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreCountByStatus(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockJobStore(t)

	mock.ExpectQuery("SELECT status, COUNT\\(\\*\\) FROM crawl_jobs").
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 2).
			AddRow("running", 1).
			AddRow("failed", 1))

	stats, err := store.CountByStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, block.QueueStats{Pending: 2, Running: 1, Failed: 1}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}
