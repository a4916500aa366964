// Package migrator moves block snapshots into an object sink with
// checkpointing and manual rollback.
package migrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/placewise/blockpipe/internal/block"
)

const (
	checkpointPrefix = "checkpoints/"
	dataPrefix       = "blocks/"
	contentTypeJSON  = "application/json"
)

// Request configures one migration run.
type Request struct {
	// BatchSize is the number of blocks per written object. Defaults to 500.
	BatchSize int
	// Statuses filters the blocks to migrate. Empty means every non-deleted
	// status.
	Statuses []block.Status
	// Validate compares the destination object count against the batches
	// written. A mismatch is surfaced, never auto-rolled-back.
	Validate bool
	// DryRun counts what would be migrated without writing anything.
	DryRun bool
}

// Report summarizes a migration run. On a failed run Migrated holds the
// count at the last successful batch and the checkpoint stays intact.
type Report struct {
	CheckpointID string `json:"checkpoint_id"`
	Migrated     int    `json:"migrated"`
	Batches      int    `json:"batches"`
	Validated    bool   `json:"validated"`
	DurationMs   int64  `json:"duration_ms"`
}

// checkpoint is the destination listing snapshot taken before a run. It
// records what existed, not a copy of the data.
type checkpoint struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Objects   []string  `json:"objects"`
}

// Migrator writes block batches to an object sink.
type Migrator struct {
	store  block.BlockStore
	sink   block.ObjectSink
	idGen  block.IDGenerator
	clock  block.Clock
	logger *zap.Logger
}

// New constructs a Migrator.
func New(store block.BlockStore, sink block.ObjectSink, idGen block.IDGenerator, clock block.Clock, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{store: store, sink: sink, idGen: idGen, clock: clock, logger: logger}
}

// Run executes checkpoint, transfer, and optional validation.
func (m *Migrator) Run(ctx context.Context, req Request) (Report, error) {
	start := m.clock.Now()
	batchSize := req.BatchSize
	if batchSize < 1 {
		batchSize = 500
	}
	statuses := req.Statuses
	if len(statuses) == 0 {
		statuses = []block.Status{block.StatusDraft, block.StatusActive, block.StatusArchived}
	}

	blocks, err := m.collect(ctx, statuses)
	if err != nil {
		return Report{}, err
	}

	report := Report{}
	if req.DryRun {
		report.Migrated = len(blocks)
		report.Batches = (len(blocks) + batchSize - 1) / batchSize
		report.DurationMs = m.clock.Now().Sub(start).Milliseconds()
		return report, nil
	}

	cp, err := m.prepareCheckpoint(ctx)
	if err != nil {
		return Report{}, err
	}
	report.CheckpointID = cp.ID

	for offset := 0; offset < len(blocks); offset += batchSize {
		end := offset + batchSize
		if end > len(blocks) {
			end = len(blocks)
		}
		path := fmt.Sprintf("%s%s/batch-%05d.json", dataPrefix, cp.ID, report.Batches+1)
		data, err := json.Marshal(blocks[offset:end])
		if err != nil {
			return report, fmt.Errorf("marshal batch: %w", err)
		}
		if _, err := m.sink.PutObject(ctx, path, contentTypeJSON, data); err != nil {
			// A failed batch stops the run; the checkpoint stays intact for a
			// manual rollback decision.
			report.DurationMs = m.clock.Now().Sub(start).Milliseconds()
			return report, fmt.Errorf("write batch %d: %w", report.Batches+1, err)
		}
		report.Batches++
		report.Migrated = end
	}

	if req.Validate {
		count, err := m.sink.CountObjects(ctx, dataPrefix+cp.ID+"/")
		if err != nil {
			report.DurationMs = m.clock.Now().Sub(start).Milliseconds()
			return report, fmt.Errorf("validate migration: %w", err)
		}
		if count != report.Batches {
			report.DurationMs = m.clock.Now().Sub(start).Milliseconds()
			return report, &block.MigrationValidationError{Expected: report.Batches, Actual: count}
		}
		report.Validated = true
	}

	report.DurationMs = m.clock.Now().Sub(start).Milliseconds()
	m.logger.Info("migration finished",
		zap.String("checkpoint_id", cp.ID),
		zap.Int("migrated", report.Migrated),
		zap.Int("batches", report.Batches),
		zap.Bool("validated", report.Validated))
	return report, nil
}

// Rollback deletes every object written after the checkpoint was taken.
func (m *Migrator) Rollback(ctx context.Context, checkpointID string) (int, error) {
	data, ok, err := m.loadCheckpoint(ctx, checkpointID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("checkpoint %s: %w", checkpointID, block.ErrNotFound)
	}

	existing := make(map[string]bool, len(data.Objects))
	for _, key := range data.Objects {
		existing[key] = true
	}

	current, err := m.sink.ListObjects(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list destination: %w", err)
	}

	deleted := 0
	for _, key := range current {
		if existing[key] || strings.HasPrefix(key, checkpointPrefix) {
			continue
		}
		if err := m.sink.DeleteObject(ctx, key); err != nil {
			return deleted, fmt.Errorf("delete %s: %w", key, err)
		}
		deleted++
	}
	m.logger.Info("migration rolled back",
		zap.String("checkpoint_id", checkpointID),
		zap.Int("deleted", deleted))
	return deleted, nil
}

// prepareCheckpoint snapshots the destination listing and stores it in the
// sink so a later process can roll back.
func (m *Migrator) prepareCheckpoint(ctx context.Context) (checkpoint, error) {
	id, err := m.idGen.NewID()
	if err != nil {
		return checkpoint{}, fmt.Errorf("generate checkpoint id: %w", err)
	}
	objects, err := m.sink.ListObjects(ctx, "")
	if err != nil {
		return checkpoint{}, fmt.Errorf("snapshot destination: %w", err)
	}
	cp := checkpoint{ID: id, CreatedAt: m.clock.Now(), Objects: objects}
	data, err := json.Marshal(cp)
	if err != nil {
		return checkpoint{}, fmt.Errorf("marshal checkpoint: %w", err)
	}
	if _, err := m.sink.PutObject(ctx, checkpointPrefix+id+".json", contentTypeJSON, data); err != nil {
		return checkpoint{}, fmt.Errorf("write checkpoint: %w", err)
	}
	return cp, nil
}

func (m *Migrator) loadCheckpoint(ctx context.Context, id string) (checkpoint, bool, error) {
	data, err := m.sink.GetObject(ctx, checkpointPrefix+id+".json")
	if err != nil {
		if errors.Is(err, block.ErrNotFound) {
			return checkpoint{}, false, nil
		}
		return checkpoint{}, false, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return checkpoint{}, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, true, nil
}

func (m *Migrator) collect(ctx context.Context, statuses []block.Status) ([]block.PlaceBlock, error) {
	var all []block.PlaceBlock
	for page := 1; ; page++ {
		res, err := m.store.SearchPlaces(ctx, block.SearchFilter{
			Statuses: statuses,
			SortBy:   block.SortByUpdatedAt,
			Page:     page,
			PageSize: 500,
		})
		if err != nil {
			return nil, fmt.Errorf("collect blocks page %d: %w", page, err)
		}
		all = append(all, res.Blocks...)
		if !res.HasNext {
			return all, nil
		}
	}
}
