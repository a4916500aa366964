package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/placewise/blockpipe/internal/block"
)

func TestQueuePriorityOrdering(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, block.QueueItem{JobID: "low", Priority: 1}))
	require.NoError(t, q.Enqueue(ctx, block.QueueItem{JobID: "high", Priority: 9}))
	require.NoError(t, q.Enqueue(ctx, block.QueueItem{JobID: "mid", Priority: 5}))

	for _, want := range []string{"high", "mid", "low"} {
		item, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, want, item.JobID)
	}
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, block.QueueItem{JobID: "first", Priority: 5}))
	require.NoError(t, q.Enqueue(ctx, block.QueueItem{JobID: "second", Priority: 5}))

	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "first", item.JobID)

	item, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "second", item.JobID)
}

func TestQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx := context.Background()

	got := make(chan block.QueueItem, 1)
	go func() {
		item, err := q.Dequeue(ctx)
		if err == nil {
			got <- item
		}
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to start
	require.NoError(t, q.Enqueue(ctx, block.QueueItem{JobID: "j1", Priority: 3}))

	select {
	case item := <-got:
		require.Equal(t, "j1", item.JobID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake")
	}
}

func TestQueueDequeueHonorsContext(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueCloseDrainsThenFails(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, block.QueueItem{JobID: "j1", Priority: 1}))
	q.Close()

	// Queued work is still drainable after close.
	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "j1", item.JobID)

	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, block.ErrQueueClosed)
	require.ErrorIs(t, q.Enqueue(ctx, block.QueueItem{JobID: "j2"}), block.ErrQueueClosed)

	// Closing twice should be safe.
	q.Close()
}

func TestQueueEnqueueRacingCloseDoesNotPanic(t *testing.T) {
	t.Parallel()

	for i := 0; i < 100; i++ {
		q := NewQueue()
		ctx := context.Background()

		done := make(chan error, 1)
		go func() {
			for {
				if err := q.Enqueue(ctx, block.QueueItem{JobID: "j1", Priority: 1}); err != nil {
					done <- err
					return
				}
			}
		}()

		q.Close()
		require.ErrorIs(t, <-done, block.ErrQueueClosed)
	}
}
