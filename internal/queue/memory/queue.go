// Package memory provides queue implementations for local development.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/placewise/blockpipe/internal/block"
)

// Queue is an in-memory priority queue with context-aware operations.
// Ordering is highest priority first, FIFO among equal priorities.
type Queue struct {
	mu     sync.Mutex
	items  itemHeap
	seq    uint64
	signal chan struct{}
	closed bool
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{
		signal: make(chan struct{}, 1),
	}
}

// Enqueue pushes a job into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, item block.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return block.ErrQueueClosed
	}
	q.seq++
	heap.Push(&q.items, queued{item: item, seq: q.seq})
	// Signal under the lock so Close cannot close the channel between the
	// closed check and the send.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue pops the highest-priority job, blocking until one is available,
// the queue closes, or the context ends.
func (q *Queue) Dequeue(ctx context.Context) (block.QueueItem, error) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			item := heap.Pop(&q.items).(queued).item
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return block.QueueItem{}, block.ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return block.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.signal:
		}
	}
}

// Len reports the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close marks the queue closed for shutdown. Items already queued can still
// be drained; blocked Dequeue callers wake with ErrQueueClosed once empty.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

type queued struct {
	item block.QueueItem
	seq  uint64
}

type itemHeap []queued

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority > h[j].item.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(queued)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
