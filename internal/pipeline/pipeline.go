// Package pipeline implements the extract/transform/load path that turns raw
// source records into deduplicated, quality-scored blocks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/placewise/blockpipe/internal/block"
	"github.com/placewise/blockpipe/internal/metrics"
	"github.com/placewise/blockpipe/internal/quality"
)

// Stage names used to tag per-record errors.
const (
	StageTransform = "transform"
	StageLoad      = "load"
)

// StageError ties a record-level failure to the pipeline stage it occurred in.
type StageError struct {
	Stage  string `json:"stage"`
	Record string `json:"record"`
	Reason string `json:"reason"`
}

// Result summarizes one pipeline run. Processed always equals
// Succeeded + Failed + Skipped. Malformed counts records the source could not
// parse; they are dropped at extract and excluded from the other totals.
type Result struct {
	Processed  int                 `json:"processed"`
	Succeeded  int                 `json:"succeeded"`
	Failed     int                 `json:"failed"`
	Skipped    int                 `json:"skipped"`
	Malformed  int                 `json:"malformed"`
	Created    int                 `json:"created"`
	Updated    int                 `json:"updated"`
	Grades     map[block.Grade]int `json:"grades"`
	DurationMs int64               `json:"duration_ms"`
	Errors     []StageError        `json:"errors,omitempty"`
}

func (r *Result) result() block.JobResult {
	return block.JobResult{
		NewBlocks:     r.Created,
		UpdatedBlocks: r.Updated,
		SkippedBlocks: r.Skipped,
		FailedRecords: r.Failed,
		GradeCounts:   r.Grades,
		DurationMs:    r.DurationMs,
	}
}

// JobResult converts the run summary into the persisted job result shape.
func (r *Result) JobResult() block.JobResult { return r.result() }

// ProgressFunc receives incremental progress after every batch.
type ProgressFunc func(block.JobProgress)

// Pipeline loads extracted records into the block store in bounded-concurrency
// batches. Per-record failures are recorded and never abort the batch;
// cancellation is honored between batches, never mid-record.
type Pipeline struct {
	store   block.BlockStore
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   block.Clock
}

// New constructs a Pipeline.
func New(store block.BlockStore, logger *zap.Logger, m *metrics.Metrics, clock block.Clock) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{store: store, logger: logger, metrics: m, clock: clock}
}

// RunPlaces extracts place pages from src and loads them per cfg.
func (p *Pipeline) RunPlaces(ctx context.Context, src PlaceSource, cfg block.JobConfig, onProgress ProgressFunc) (Result, error) {
	start := p.clock.Now()
	result := newResult()

	payloads, err := p.extractPlaces(ctx, src, cfg, &result)
	if err != nil {
		result.DurationMs = p.clock.Now().Sub(start).Milliseconds()
		return result, err
	}
	total := len(payloads)

	err = p.loadBatches(ctx, len(payloads), cfg, onProgress, total, &result, func(ctx context.Context, i int) recordOutcome {
		return p.loadPlace(ctx, payloads[i], cfg)
	})
	result.DurationMs = p.clock.Now().Sub(start).Milliseconds()
	return result, err
}

// RunContents extracts content pages from src and loads them per cfg.
func (p *Pipeline) RunContents(ctx context.Context, src ContentSource, cfg block.JobConfig, onProgress ProgressFunc) (Result, error) {
	start := p.clock.Now()
	result := newResult()

	payloads, err := p.extractContents(ctx, src, cfg, &result)
	if err != nil {
		result.DurationMs = p.clock.Now().Sub(start).Milliseconds()
		return result, err
	}
	total := len(payloads)

	err = p.loadBatches(ctx, len(payloads), cfg, onProgress, total, &result, func(ctx context.Context, i int) recordOutcome {
		return p.loadContent(ctx, payloads[i], cfg)
	})
	result.DurationMs = p.clock.Now().Sub(start).Milliseconds()
	return result, err
}

func newResult() Result {
	return Result{Grades: make(map[block.Grade]int)}
}

func (p *Pipeline) extractPlaces(ctx context.Context, src PlaceSource, cfg block.JobConfig, result *Result) ([]block.PlacePayload, error) {
	pageSize := cfg.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	var payloads []block.PlacePayload
	for page := 1; cfg.MaxPages < 1 || page <= cfg.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("extract canceled: %w", err)
		}
		pg, err := src.FetchPlaces(ctx, page, pageSize)
		if err != nil {
			return nil, fmt.Errorf("fetch %s page %d: %w", src.Name(), page, err)
		}
		p.recordMalformed(src.Name(), page, pg.Malformed, result)
		payloads = append(payloads, pg.Records...)
		if !pg.HasMore {
			break
		}
		p.delay(ctx, cfg)
	}
	return payloads, nil
}

func (p *Pipeline) extractContents(ctx context.Context, src ContentSource, cfg block.JobConfig, result *Result) ([]block.ContentPayload, error) {
	pageSize := cfg.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	var payloads []block.ContentPayload
	for page := 1; cfg.MaxPages < 1 || page <= cfg.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("extract canceled: %w", err)
		}
		pg, err := src.FetchContents(ctx, page, pageSize)
		if err != nil {
			return nil, fmt.Errorf("fetch %s page %d: %w", src.Name(), page, err)
		}
		p.recordMalformed(src.Name(), page, pg.Malformed, result)
		payloads = append(payloads, pg.Records...)
		if !pg.HasMore {
			break
		}
		p.delay(ctx, cfg)
	}
	return payloads, nil
}

// recordMalformed tallies records the source could not parse. They are logged
// and dropped at extract and never count toward processed or failed.
func (p *Pipeline) recordMalformed(source string, page, n int, result *Result) {
	if n == 0 {
		return
	}
	result.Malformed += n
	if p.metrics != nil {
		p.metrics.RecordsSkipped.Add(float64(n))
	}
	p.logger.Warn("malformed records skipped",
		zap.String("source", source),
		zap.Int("page", page),
		zap.Int("count", n))
}

func (p *Pipeline) delay(ctx context.Context, cfg block.JobConfig) {
	if cfg.RequestDelayMs <= 0 {
		return
	}
	t := time.NewTimer(time.Duration(cfg.RequestDelayMs) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

type recordOutcome struct {
	created bool
	updated bool
	skipped bool
	grade   block.Grade
	err     *StageError
}

// loadBatches splits n records into fixed-size batches and applies load with
// bounded concurrency inside each batch. Context is checked only at batch
// boundaries so in-flight records always finish.
func (p *Pipeline) loadBatches(
	ctx context.Context,
	n int,
	cfg block.JobConfig,
	onProgress ProgressFunc,
	total int,
	result *Result,
	load func(ctx context.Context, i int) recordOutcome,
) error {
	batchSize := cfg.BatchSize
	if batchSize < 1 {
		batchSize = 100
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 4
	}

	var batchErr error
	for offset := 0; offset < n; offset += batchSize {
		if err := ctx.Err(); err != nil {
			batchErr = fmt.Errorf("load canceled: %w", err)
			break
		}
		end := offset + batchSize
		if end > n {
			end = n
		}

		batchStart := p.clock.Now()
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for i := offset; i < end; i++ {
			g.Go(func() error {
				out := load(gctx, i)
				mu.Lock()
				defer mu.Unlock()
				applyOutcome(result, out)
				return nil
			})
		}
		// Workers never return errors; per-record failures land in result.
		_ = g.Wait()

		if p.metrics != nil {
			p.metrics.BatchDuration.Observe(p.clock.Now().Sub(batchStart).Seconds())
		}
		if onProgress != nil {
			onProgress(progressOf(result, total))
		}
	}
	return batchErr
}

func applyOutcome(result *Result, out recordOutcome) {
	switch {
	case out.err != nil:
		result.Failed++
		result.Errors = append(result.Errors, *out.err)
	case out.skipped:
		result.Skipped++
	default:
		result.Succeeded++
		if out.created {
			result.Created++
		}
		if out.updated {
			result.Updated++
		}
		if out.grade != "" {
			result.Grades[out.grade]++
		}
	}
	result.Processed++
}

func progressOf(result *Result, total int) block.JobProgress {
	pr := block.JobProgress{
		Processed: result.Processed,
		Succeeded: result.Succeeded,
		Failed:    result.Failed,
		Skipped:   result.Skipped,
	}
	if total > 0 {
		pr.Percent = float64(pr.Processed) / float64(total) * 100
	}
	return pr
}

func (p *Pipeline) loadPlace(ctx context.Context, payload block.PlacePayload, cfg block.JobConfig) recordOutcome {
	key := payload.Source + "/" + payload.SourceID
	if payload.Name == "" || payload.Source == "" {
		return recordOutcome{err: &StageError{Stage: StageTransform, Record: key, Reason: "missing required fields"}}
	}

	completeness := quality.Completeness(payload)
	grade := quality.GradeFor(completeness, len(payload.Images) > 0)
	if cfg.QualityThreshold != "" && grade.Rank() < cfg.QualityThreshold.Rank() {
		p.logger.Debug("record below quality threshold",
			zap.String("record", key),
			zap.String("grade", string(grade)))
		p.observeSkip()
		return recordOutcome{skipped: true}
	}

	hash := quality.PlaceHash(payload)
	existing, err := p.store.FindPlaceByHash(ctx, hash)
	switch {
	// UpdateExisting wins over SkipDuplicates when both are set.
	case err == nil && cfg.UpdateExisting:
		if cfg.DryRun {
			return recordOutcome{updated: true, grade: grade}
		}
		updated, err := p.store.UpdatePlace(ctx, existing.ID, payload)
		if err != nil {
			return p.loadFailure(key, err)
		}
		p.observeWrite(updated.Grade)
		return recordOutcome{updated: true, grade: updated.Grade}
	case err == nil:
		p.observeSkip()
		return recordOutcome{skipped: true}
	case errors.Is(err, block.ErrNotFound):
		if cfg.DryRun {
			return recordOutcome{created: true, grade: grade}
		}
		created, err := p.store.CreatePlace(ctx, block.PlaceBlock{Payload: payload})
		if err != nil {
			if errors.Is(err, block.ErrDuplicateKey) {
				// Lost a race with a concurrent create for the same hash.
				p.observeSkip()
				return recordOutcome{skipped: true}
			}
			return p.loadFailure(key, err)
		}
		p.observeWrite(created.Grade)
		return recordOutcome{created: true, grade: created.Grade}
	default:
		return p.loadFailure(key, err)
	}
}

func (p *Pipeline) loadContent(ctx context.Context, payload block.ContentPayload, cfg block.JobConfig) recordOutcome {
	key := payload.Source + "/" + payload.SourceURL
	if payload.Source == "" || payload.SourceURL == "" || payload.Title == "" {
		return recordOutcome{err: &StageError{Stage: StageTransform, Record: key, Reason: "missing required fields"}}
	}

	completeness := quality.ContentCompleteness(payload)
	grade := quality.GradeFor(completeness, len(payload.Images) > 0)
	if cfg.QualityThreshold != "" && grade.Rank() < cfg.QualityThreshold.Rank() {
		p.observeSkip()
		return recordOutcome{skipped: true}
	}

	hash := quality.ContentHash(payload)
	existing, err := p.store.FindContentByHash(ctx, hash)
	switch {
	case err == nil && cfg.UpdateExisting:
		if cfg.DryRun {
			return recordOutcome{updated: true, grade: grade}
		}
		updated, err := p.store.UpdateContent(ctx, existing.ID, payload)
		if err != nil {
			return p.loadFailure(key, err)
		}
		p.observeWrite(updated.Grade)
		return recordOutcome{updated: true, grade: updated.Grade}
	case err == nil:
		p.observeSkip()
		return recordOutcome{skipped: true}
	case errors.Is(err, block.ErrNotFound):
		if cfg.DryRun {
			return recordOutcome{created: true, grade: grade}
		}
		created, err := p.store.CreateContent(ctx, block.ContentBlock{Payload: payload})
		if err != nil {
			if errors.Is(err, block.ErrDuplicateKey) {
				p.observeSkip()
				return recordOutcome{skipped: true}
			}
			return p.loadFailure(key, err)
		}
		p.observeWrite(created.Grade)
		return recordOutcome{created: true, grade: created.Grade}
	default:
		return p.loadFailure(key, err)
	}
}

func (p *Pipeline) loadFailure(key string, err error) recordOutcome {
	if p.metrics != nil {
		p.metrics.RecordsFailed.Inc()
	}
	p.logger.Warn("record load failed", zap.String("record", key), zap.Error(err))
	return recordOutcome{err: &StageError{Stage: StageLoad, Record: key, Reason: err.Error()}}
}

func (p *Pipeline) observeWrite(grade block.Grade) {
	if p.metrics == nil {
		return
	}
	p.metrics.BlocksWritten.WithLabelValues(string(grade)).Inc()
}

func (p *Pipeline) observeSkip() {
	if p.metrics == nil {
		return
	}
	p.metrics.RecordsSkipped.Inc()
}
