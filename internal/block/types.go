// Package block defines core types shared across subsystems.
package block

import "time"

// Status represents the lifecycle state of a stored block. Blocks are never
// physically deleted; they move to archived or deleted instead.
type Status string

// Block status values persisted in the block store.
const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

// Grade is the A-F quality label derived from completeness and image presence.
type Grade string

// Quality grades, best to worst.
const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"
	GradeF Grade = "F"
)

// Rank returns a numeric rank for threshold comparisons (A=5 .. F=1).
func (g Grade) Rank() int {
	switch g {
	case GradeA:
		return 5
	case GradeB:
		return 4
	case GradeC:
		return 3
	case GradeD:
		return 2
	case GradeF:
		return 1
	default:
		return 0
	}
}

// Freshness is a categorical staleness indicator based on last-crawl recency.
type Freshness string

// Freshness buckets.
const (
	FreshnessFresh    Freshness = "fresh"
	FreshnessRecent   Freshness = "recent"
	FreshnessStale    Freshness = "stale"
	FreshnessOutdated Freshness = "outdated"
)

// PlacePayloadVersion is the current schema version for PlacePayload rows.
// Bump it together with MigratePlacePayload when the shape changes.
const PlacePayloadVersion = 2

// ContentPayloadVersion is the current schema version for ContentPayload rows.
const ContentPayloadVersion = 1

// PlacePayload is the normalized place record produced by a source adapter.
type PlacePayload struct {
	SchemaVersion int      `json:"schema_version"`
	Source        string   `json:"source"`
	SourceID      string   `json:"source_id,omitempty"`
	Name          string   `json:"name"`
	Category      string   `json:"category,omitempty"`
	Address       string   `json:"address,omitempty"`
	RegionCode    string   `json:"region_code,omitempty"`
	Latitude      float64  `json:"latitude,omitempty"`
	Longitude     float64  `json:"longitude,omitempty"`
	Phone         string   `json:"phone,omitempty"`
	Website       string   `json:"website,omitempty"`
	Description   string   `json:"description,omitempty"`
	Hours         string   `json:"hours,omitempty"`
	Amenities     []string `json:"amenities,omitempty"`
	Images        []string `json:"images,omitempty"`
}

// HasCoordinates reports whether the payload carries a usable geo position.
func (p PlacePayload) HasCoordinates() bool {
	return p.Latitude != 0 || p.Longitude != 0
}

// ContentPayload is the normalized content record (articles, posts) produced
// by a source adapter. Identity is (Source, SourceURL).
type ContentPayload struct {
	SchemaVersion  int       `json:"schema_version"`
	Source         string    `json:"source"`
	SourceURL      string    `json:"source_url"`
	Title          string    `json:"title"`
	Body           string    `json:"body,omitempty"`
	Author         string    `json:"author,omitempty"`
	PublishedAt    time.Time `json:"published_at,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	Images         []string  `json:"images,omitempty"`
	RelatedPlaceID string    `json:"related_place_id,omitempty"`
}

// PlaceBlock is a deduplicated, quality-scored record of a physical place.
type PlaceBlock struct {
	ID                string       `json:"id"`
	DedupeHash        string       `json:"dedupe_hash"`
	Payload           PlacePayload `json:"payload"`
	Completeness      int          `json:"completeness"`
	Grade             Grade        `json:"grade"`
	Status            Status       `json:"status"`
	Freshness         Freshness    `json:"freshness"`
	RegionCode        string       `json:"region_code,omitempty"`
	SearchKeywords    []string     `json:"search_keywords,omitempty"`
	RelatedContentIDs []string     `json:"related_content_ids,omitempty"`
	LastCrawledAt     time.Time    `json:"last_crawled_at"`
	CrawlCount        int          `json:"crawl_count"`
	Version           int          `json:"version"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// ContentBlock is a deduplicated record of externally sourced content,
// optionally linked to a PlaceBlock via a weak reference.
type ContentBlock struct {
	ID             string         `json:"id"`
	DedupeHash     string         `json:"dedupe_hash"`
	Payload        ContentPayload `json:"payload"`
	Completeness   int            `json:"completeness"`
	Grade          Grade          `json:"grade"`
	Status         Status         `json:"status"`
	Freshness      Freshness      `json:"freshness"`
	RelatedPlaceID string         `json:"related_place_id,omitempty"`
	LastCrawledAt  time.Time      `json:"last_crawled_at"`
	CrawlCount     int            `json:"crawl_count"`
	Version        int            `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// JobType identifies the kind of work a crawl job performs.
type JobType string

// Crawl job types accepted by the scheduler.
const (
	JobTypeFullCrawl      JobType = "full_crawl"
	JobTypeIncremental    JobType = "incremental"
	JobTypeRegionCrawl    JobType = "region_crawl"
	JobTypeCategoryCrawl  JobType = "category_crawl"
	JobTypeContentRefresh JobType = "content_refresh"
	JobTypeQualityCheck   JobType = "quality_check"
	JobTypeDedupScan      JobType = "dedup_scan"
)

// ValidJobType reports whether t is one of the known job types.
func ValidJobType(t JobType) bool {
	switch t {
	case JobTypeFullCrawl, JobTypeIncremental, JobTypeRegionCrawl,
		JobTypeCategoryCrawl, JobTypeContentRefresh, JobTypeQualityCheck,
		JobTypeDedupScan:
		return true
	default:
		return false
	}
}

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusPaused    JobStatus = "paused"
)

// Terminal reports whether the status ends the job lifecycle.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// ValidJobTransition encodes the job state machine: pending->running|cancelled,
// running->completed|failed|cancelled|paused, paused->running|cancelled,
// failed->pending (retry re-enqueue). Terminal states allow nothing further,
// except failed which may re-enter pending while retries remain.
func ValidJobTransition(from, to JobStatus) bool {
	if from == to {
		return false
	}
	switch from {
	case JobStatusPending:
		return to == JobStatusRunning || to == JobStatusCancelled
	case JobStatusRunning:
		return to == JobStatusCompleted || to == JobStatusFailed ||
			to == JobStatusCancelled || to == JobStatusPaused
	case JobStatusPaused:
		return to == JobStatusRunning || to == JobStatusCancelled
	case JobStatusFailed:
		return to == JobStatusPending
	default:
		return false
	}
}

// JobConfig captures per-job configuration knobs requested by the client.
type JobConfig struct {
	Sources          []string `json:"sources"`
	RegionCodes      []string `json:"region_codes,omitempty"`
	Categories       []string `json:"categories,omitempty"`
	PageSize         int      `json:"page_size"`
	MaxPages         int      `json:"max_pages"`
	BatchSize        int      `json:"batch_size"`
	Concurrency      int      `json:"concurrency"`
	RequestDelayMs   int      `json:"request_delay_ms"`
	QualityThreshold Grade    `json:"quality_threshold,omitempty"`
	SkipDuplicates   bool     `json:"skip_duplicates"`
	UpdateExisting   bool     `json:"update_existing"`
	DryRun           bool     `json:"dry_run"`
	MaxRetries       int      `json:"max_retries"`
}

// JobProgress tracks incremental per-record outcomes while a job runs.
type JobProgress struct {
	Processed int     `json:"processed"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	Skipped   int     `json:"skipped"`
	Percent   float64 `json:"percent"`
}

// JobResult summarizes a completed job run.
type JobResult struct {
	NewBlocks     int           `json:"new_blocks"`
	UpdatedBlocks int           `json:"updated_blocks"`
	SkippedBlocks int           `json:"skipped_blocks"`
	FailedRecords int           `json:"failed_records"`
	GradeCounts   map[Grade]int `json:"grade_counts,omitempty"`
	DurationMs    int64         `json:"duration_ms"`
}

// CrawlJob represents the metadata persisted for each scheduled job.
type CrawlJob struct {
	ID         string      `json:"id"`
	Type       JobType     `json:"type"`
	Status     JobStatus   `json:"status"`
	Priority   int         `json:"priority"`
	Config     JobConfig   `json:"config"`
	Progress   JobProgress `json:"progress"`
	Result     *JobResult  `json:"result,omitempty"`
	RetryCount int         `json:"retry_count"`
	MaxRetries int         `json:"max_retries"`
	ErrorText  string      `json:"error_text,omitempty"`
	Submitted  time.Time   `json:"submitted_at"`
	Started    *time.Time  `json:"started_at,omitempty"`
	Finished   *time.Time  `json:"finished_at,omitempty"`
}

// QueueItem wraps a job ready to run. Ordering is priority first, then FIFO
// by submission time.
type QueueItem struct {
	JobID     string
	Priority  int
	Attempt   int
	Submitted int64
}

// QueueStats reports job counts by status for the trigger surface.
type QueueStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Paused    int `json:"paused"`
}

// GeoFilter approximates a radius search with a bounding box. Degrees per km
// are derived from the center latitude, which is not geodesically exact at
// high latitudes; callers should treat it as a pre-filter, not a distance
// guarantee.
type GeoFilter struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	RadiusKm  float64 `json:"radius_km"`
}

// SearchSort identifies the sort key for block searches.
type SearchSort string

// Supported sort keys.
const (
	SortByUpdatedAt    SearchSort = "updated_at"
	SortByCompleteness SearchSort = "completeness"
	SortByName         SearchSort = "name"
	SortByCrawledAt    SearchSort = "last_crawled_at"
)

// SearchFilter selects place blocks. Zero-valued fields are ignored.
type SearchFilter struct {
	Statuses        []Status    `json:"statuses,omitempty"`
	Categories      []string    `json:"categories,omitempty"`
	RegionCodes     []string    `json:"region_codes,omitempty"`
	Grades          []Grade     `json:"grades,omitempty"`
	Freshness       []Freshness `json:"freshness,omitempty"`
	NameQuery       string      `json:"name_query,omitempty"`
	Near            *GeoFilter  `json:"near,omitempty"`
	MinCompleteness int         `json:"min_completeness,omitempty"`
	MaxCompleteness int         `json:"max_completeness,omitempty"`
	CrawledAfter    *time.Time  `json:"crawled_after,omitempty"`
	CrawledBefore   *time.Time  `json:"crawled_before,omitempty"`
	SortBy          SearchSort  `json:"sort_by,omitempty"`
	SortDesc        bool        `json:"sort_desc,omitempty"`
	Page            int         `json:"page,omitempty"`
	PageSize        int         `json:"page_size,omitempty"`
}

// SearchResult is a paged set of place blocks.
type SearchResult struct {
	Blocks   []PlaceBlock `json:"blocks"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
	HasNext  bool         `json:"has_next"`
	HasPrev  bool         `json:"has_prev"`
}

// UpsertOutcome counts per-record outcomes of a bulk upsert. The operation is
// not atomic across records; a crash mid-batch leaves a partial batch applied.
type UpsertOutcome struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// BlockStats is an aggregate snapshot rebuilt from repository state. It is
// not authoritative and is never hand-edited.
type BlockStats struct {
	TotalPlaces     int               `json:"total_places"`
	TotalContents   int               `json:"total_contents"`
	ByStatus        map[Status]int    `json:"by_status"`
	ByCategory      map[string]int    `json:"by_category"`
	ByRegion        map[string]int    `json:"by_region"`
	BySource        map[string]int    `json:"by_source"`
	GradeDist       map[Grade]int     `json:"grade_dist"`
	FreshnessDist   map[Freshness]int `json:"freshness_dist"`
	AvgCompleteness float64           `json:"avg_completeness"`
	ErrorCount      int               `json:"error_count"`
	GeneratedAt     time.Time         `json:"generated_at"`
}

// MigratePlacePayload upgrades a payload written under an older schema
// version to the current one. Version 1 rows stored the region inside the
// address string; version 2 carries an explicit RegionCode.
func MigratePlacePayload(p PlacePayload) PlacePayload {
	if p.SchemaVersion >= PlacePayloadVersion {
		return p
	}
	// v1 -> v2: no structural change beyond the added RegionCode field, which
	// stays empty until the next crawl refreshes it.
	p.SchemaVersion = PlacePayloadVersion
	return p
}
