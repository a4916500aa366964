package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/placewise/blockpipe/internal/block"
	"github.com/placewise/blockpipe/internal/pipeline"
)

// SourceRegistry maps source names from job configs to adapters.
type SourceRegistry struct {
	places   map[string]pipeline.PlaceSource
	contents map[string]pipeline.ContentSource
}

// NewSourceRegistry constructs an empty registry.
func NewSourceRegistry() *SourceRegistry {
	return &SourceRegistry{
		places:   make(map[string]pipeline.PlaceSource),
		contents: make(map[string]pipeline.ContentSource),
	}
}

// AddPlaceSource registers a place source under its name.
func (r *SourceRegistry) AddPlaceSource(src pipeline.PlaceSource) {
	r.places[src.Name()] = src
}

// AddContentSource registers a content source under its name.
func (r *SourceRegistry) AddContentSource(src pipeline.ContentSource) {
	r.contents[src.Name()] = src
}

// CrawlRunner executes crawl-type jobs by driving the pipeline over every
// source named in the job config. A failing source aborts the run with the
// partial result preserved; transient failures make the whole job retryable.
type CrawlRunner struct {
	pipe     *pipeline.Pipeline
	registry *SourceRegistry
	logger   *zap.Logger
}

// NewCrawlRunner constructs a CrawlRunner.
func NewCrawlRunner(pipe *pipeline.Pipeline, registry *SourceRegistry, logger *zap.Logger) *CrawlRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CrawlRunner{pipe: pipe, registry: registry, logger: logger}
}

// Run implements Runner.
func (r *CrawlRunner) Run(ctx context.Context, job block.CrawlJob, onProgress pipeline.ProgressFunc) (block.JobResult, error) {
	total := block.JobResult{GradeCounts: make(map[block.Grade]int)}

	for _, name := range job.Config.Sources {
		var (
			res pipeline.Result
			err error
		)
		if job.Type == block.JobTypeContentRefresh {
			src, ok := r.registry.contents[name]
			if !ok {
				return total, fmt.Errorf("unknown content source %q", name)
			}
			res, err = r.pipe.RunContents(ctx, src, job.Config, onProgress)
		} else {
			src, ok := r.registry.places[name]
			if !ok {
				return total, fmt.Errorf("unknown place source %q", name)
			}
			res, err = r.pipe.RunPlaces(ctx, src, job.Config, onProgress)
		}
		mergeResult(&total, res)
		if err != nil {
			return total, fmt.Errorf("source %s: %w", name, err)
		}
		r.logger.Debug("source processed",
			zap.String("job_id", job.ID),
			zap.String("source", name),
			zap.Int("processed", res.Processed))
	}
	return total, nil
}

func mergeResult(total *block.JobResult, res pipeline.Result) {
	total.NewBlocks += res.Created
	total.UpdatedBlocks += res.Updated
	total.SkippedBlocks += res.Skipped
	total.FailedRecords += res.Failed
	total.DurationMs += res.DurationMs
	for grade, n := range res.Grades {
		total.GradeCounts[grade] += n
	}
}
