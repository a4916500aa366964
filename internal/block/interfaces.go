package block

import (
	"context"
	"time"
)

// BlockStore persists place and content blocks. Implementations must enforce
// dedupe-hash uniqueness among non-deleted blocks and bump the version
// counter on every update.
type BlockStore interface {
	CreatePlace(ctx context.Context, blk PlaceBlock) (PlaceBlock, error)
	UpdatePlace(ctx context.Context, id string, payload PlacePayload) (PlaceBlock, error)
	GetPlace(ctx context.Context, id string) (PlaceBlock, error)
	FindPlaceByHash(ctx context.Context, hash string) (PlaceBlock, error)
	SearchPlaces(ctx context.Context, filter SearchFilter) (SearchResult, error)
	UpdatePlaceStatus(ctx context.Context, id string, status Status) error
	BulkUpsertPlaces(ctx context.Context, payloads []PlacePayload, skipDuplicates bool) (UpsertOutcome, error)

	CreateContent(ctx context.Context, blk ContentBlock) (ContentBlock, error)
	UpdateContent(ctx context.Context, id string, payload ContentPayload) (ContentBlock, error)
	FindContentByHash(ctx context.Context, hash string) (ContentBlock, error)
	UpdateContentStatus(ctx context.Context, id string, status Status) error

	Stats(ctx context.Context) (BlockStats, error)
}

// JobStore persists crawl job metadata. The scheduler owns all writes;
// pipeline code only updates progress and result while executing.
type JobStore interface {
	CreateJob(ctx context.Context, job CrawlJob) error
	GetJob(ctx context.Context, jobID string) (CrawlJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string) error
	UpdateJobProgress(ctx context.Context, jobID string, progress JobProgress) error
	SetJobResult(ctx context.Context, jobID string, result JobResult) error
	IncrementRetry(ctx context.Context, jobID string) (int, error)
	CountByStatus(ctx context.Context) (QueueStats, error)
}

// Queue provides priority enqueue/dequeue semantics for crawl jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Publisher pushes job lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// ObjectSink is a batched blob destination used by the migrator. Paths are
// object keys relative to the sink root.
type ObjectSink interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
	ListObjects(ctx context.Context, prefix string) ([]string, error)
	DeleteObject(ctx context.Context, path string) error
	CountObjects(ctx context.Context, prefix string) (int, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces block and job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
