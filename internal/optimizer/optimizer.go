// Package optimizer implements storage maintenance over the block
// repository: quality-based archiving, duplicate sweeps, and cache warming.
package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/placewise/blockpipe/internal/block"
)

// cache is the subset of the redis client the optimizer uses.
type cache interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

const scanPageSize = 200

// QualityReport summarizes one OptimizeByQuality sweep.
type QualityReport struct {
	Scanned           int   `json:"scanned"`
	Archived          int   `json:"archived"`
	RefreshCandidates int   `json:"refresh_candidates"`
	DurationMs        int64 `json:"duration_ms"`
}

// DedupeReport summarizes one DeduplicateBlocks sweep.
type DedupeReport struct {
	Scanned    int   `json:"scanned"`
	Duplicates int   `json:"duplicates"`
	Archived   int   `json:"archived"`
	DurationMs int64 `json:"duration_ms"`
}

// IndexReport describes the outcome of OptimizeIndexes.
type IndexReport struct {
	Applied bool   `json:"applied"`
	Detail  string `json:"detail"`
}

// WarmReport summarizes one WarmCache run.
type WarmReport struct {
	Cached     int   `json:"cached"`
	DurationMs int64 `json:"duration_ms"`
}

// Optimizer runs maintenance sweeps against the block store.
type Optimizer struct {
	store  block.BlockStore
	cache  cache
	logger *zap.Logger
	clock  block.Clock
}

// New constructs an Optimizer. The cache client may be nil; WarmCache then
// reports an error instead of warming.
func New(store block.BlockStore, cacheClient cache, logger *zap.Logger, clock block.Clock) *Optimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Optimizer{store: store, cache: cacheClient, logger: logger, clock: clock}
}

// OptimizeByQuality archives active blocks whose grade falls in archiveGrades
// and counts stale or outdated blocks as refresh candidates. Archiving goes
// through UpdatePlaceStatus so versions increment and nothing is deleted.
func (o *Optimizer) OptimizeByQuality(ctx context.Context, archiveGrades []block.Grade) (QualityReport, error) {
	start := o.clock.Now()
	report := QualityReport{}

	archive := make(map[block.Grade]bool, len(archiveGrades))
	for _, g := range archiveGrades {
		archive[g] = true
	}

	blocks, err := o.listActive(ctx)
	if err != nil {
		report.DurationMs = o.clock.Now().Sub(start).Milliseconds()
		return report, err
	}
	for _, blk := range blocks {
		report.Scanned++
		if blk.Freshness == block.FreshnessStale || blk.Freshness == block.FreshnessOutdated {
			report.RefreshCandidates++
		}
		if !archive[blk.Grade] {
			continue
		}
		if err := o.store.UpdatePlaceStatus(ctx, blk.ID, block.StatusArchived); err != nil {
			report.DurationMs = o.clock.Now().Sub(start).Milliseconds()
			return report, fmt.Errorf("archive block %s: %w", blk.ID, err)
		}
		report.Archived++
	}
	report.DurationMs = o.clock.Now().Sub(start).Milliseconds()
	o.logger.Info("quality sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("archived", report.Archived),
		zap.Int("refresh_candidates", report.RefreshCandidates))
	return report, nil
}

// DeduplicateBlocks scans active blocks for hash collisions and archives all
// but the oldest block of each colliding group. The store already rejects
// collisions at write time, so hits here come from older data or archived
// rows reactivated by hand.
func (o *Optimizer) DeduplicateBlocks(ctx context.Context) (DedupeReport, error) {
	start := o.clock.Now()
	report := DedupeReport{}
	oldest := make(map[string]block.PlaceBlock)

	blocks, err := o.listActive(ctx)
	if err != nil {
		report.DurationMs = o.clock.Now().Sub(start).Milliseconds()
		return report, err
	}
	var extras []block.PlaceBlock
	for _, blk := range blocks {
		report.Scanned++
		kept, seen := oldest[blk.DedupeHash]
		if !seen {
			oldest[blk.DedupeHash] = blk
			continue
		}
		report.Duplicates++
		if blk.CreatedAt.Before(kept.CreatedAt) {
			oldest[blk.DedupeHash] = blk
			extras = append(extras, kept)
		} else {
			extras = append(extras, blk)
		}
	}

	for _, blk := range extras {
		if err := o.store.UpdatePlaceStatus(ctx, blk.ID, block.StatusArchived); err != nil {
			report.DurationMs = o.clock.Now().Sub(start).Milliseconds()
			return report, fmt.Errorf("archive duplicate %s: %w", blk.ID, err)
		}
		report.Archived++
	}
	report.DurationMs = o.clock.Now().Sub(start).Milliseconds()
	return report, nil
}

// OptimizeIndexes is an explicit extension point. Index maintenance is
// storage-engine specific and not implemented for the current backends; the
// report says so instead of pretending work happened.
func (o *Optimizer) OptimizeIndexes(context.Context) (IndexReport, error) {
	return IndexReport{
		Applied: false,
		Detail:  "index maintenance not implemented for current storage backends",
	}, nil
}

// WarmCache pushes the top active blocks by completeness into Redis under
// block:place:<id> with the given TTL.
func (o *Optimizer) WarmCache(ctx context.Context, limit int, ttl time.Duration) (WarmReport, error) {
	start := o.clock.Now()
	if o.cache == nil {
		return WarmReport{}, fmt.Errorf("no cache client configured")
	}
	if limit < 1 {
		limit = 100
	}
	res, err := o.store.SearchPlaces(ctx, block.SearchFilter{
		Statuses: []block.Status{block.StatusActive},
		SortBy:   block.SortByCompleteness,
		SortDesc: true,
		PageSize: limit,
	})
	if err != nil {
		return WarmReport{}, fmt.Errorf("search blocks for warming: %w", err)
	}

	report := WarmReport{}
	for _, blk := range res.Blocks {
		data, err := json.Marshal(blk)
		if err != nil {
			return report, fmt.Errorf("marshal block %s: %w", blk.ID, err)
		}
		if err := o.cache.Set(ctx, "block:place:"+blk.ID, data, ttl).Err(); err != nil {
			return report, fmt.Errorf("cache block %s: %w", blk.ID, err)
		}
		report.Cached++
	}
	report.DurationMs = o.clock.Now().Sub(start).Milliseconds()
	o.logger.Info("cache warmed", zap.Int("cached", report.Cached))
	return report, nil
}

// listActive snapshots all active place blocks before any mutation, so
// archiving during a sweep cannot shift the pagination window underneath it.
func (o *Optimizer) listActive(ctx context.Context) ([]block.PlaceBlock, error) {
	var all []block.PlaceBlock
	for page := 1; ; page++ {
		res, err := o.store.SearchPlaces(ctx, block.SearchFilter{
			Statuses: []block.Status{block.StatusActive},
			SortBy:   block.SortByUpdatedAt,
			Page:     page,
			PageSize: scanPageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("scan active blocks page %d: %w", page, err)
		}
		all = append(all, res.Blocks...)
		if !res.HasNext {
			return all, nil
		}
	}
}
