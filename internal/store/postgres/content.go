package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/placewise/blockpipe/internal/block"
	"github.com/placewise/blockpipe/internal/quality"
)

const contentColumns = `id, dedupe_hash, payload, related_place_id,
	completeness, grade, status, last_crawled_at, crawl_count, version,
	created_at, updated_at`

// CreateContent computes derived fields and inserts a new content block.
func (s *BlockStore) CreateContent(ctx context.Context, blk block.ContentBlock) (block.ContentBlock, error) {
	payload := blk.Payload
	payload.SchemaVersion = block.ContentPayloadVersion
	completeness := quality.ContentCompleteness(payload)
	now := s.clock.Now()

	id := blk.ID
	if id == "" {
		var err error
		if id, err = s.idGen.NewID(); err != nil {
			return block.ContentBlock{}, fmt.Errorf("generate block id: %w", err)
		}
	}
	status := blk.Status
	if status == "" {
		status = block.StatusActive
	}
	created := block.ContentBlock{
		ID:             id,
		DedupeHash:     quality.ContentHash(payload),
		Payload:        payload,
		Completeness:   completeness,
		Grade:          quality.GradeFor(completeness, len(payload.Images) > 0),
		Status:         status,
		Freshness:      block.FreshnessFresh,
		RelatedPlaceID: payload.RelatedPlaceID,
		LastCrawledAt:  now,
		CrawlCount:     1,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return block.ContentBlock{}, fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO content_blocks (
	id, dedupe_hash, payload, related_place_id, completeness, grade, status,
	last_crawled_at, crawl_count, version, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		created.ID, created.DedupeHash, payloadJSON, created.RelatedPlaceID,
		created.Completeness, string(created.Grade), string(created.Status),
		created.LastCrawledAt, created.CrawlCount, created.Version,
		created.CreatedAt, created.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return block.ContentBlock{}, block.ErrDuplicateKey
		}
		return block.ContentBlock{}, fmt.Errorf("insert content block: %w", err)
	}
	return created, nil
}

// UpdateContent merges payload fields into the stored row and recomputes the
// derived columns.
func (s *BlockStore) UpdateContent(ctx context.Context, id string, payload block.ContentPayload) (block.ContentBlock, error) {
	existing, err := s.getContent(ctx, id)
	if err != nil {
		return block.ContentBlock{}, err
	}
	merged := block.MergeContentPayload(existing.Payload, payload)
	completeness := quality.ContentCompleteness(merged)
	now := s.clock.Now()

	updated := existing
	updated.Payload = merged
	updated.DedupeHash = quality.ContentHash(merged)
	updated.Completeness = completeness
	updated.Grade = quality.GradeFor(completeness, len(merged.Images) > 0)
	updated.RelatedPlaceID = merged.RelatedPlaceID
	updated.Freshness = block.FreshnessFresh
	updated.LastCrawledAt = now
	updated.CrawlCount++
	updated.Version++
	updated.UpdatedAt = now

	payloadJSON, err := json.Marshal(merged)
	if err != nil {
		return block.ContentBlock{}, fmt.Errorf("marshal payload: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE content_blocks SET
	dedupe_hash = $2, payload = $3, related_place_id = $4, completeness = $5,
	grade = $6, last_crawled_at = $7, crawl_count = $8, version = $9,
	updated_at = $10
WHERE id = $1 AND version = $11`,
		id, updated.DedupeHash, payloadJSON, updated.RelatedPlaceID,
		updated.Completeness, string(updated.Grade), updated.LastCrawledAt,
		updated.CrawlCount, updated.Version, updated.UpdatedAt,
		existing.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return block.ContentBlock{}, block.ErrDuplicateKey
		}
		return block.ContentBlock{}, fmt.Errorf("update content block: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return block.ContentBlock{}, fmt.Errorf("update content block %s: %w", id, block.ErrNotFound)
	}
	return updated, nil
}

// FindContentByHash returns the non-deleted content block with the given hash.
func (s *BlockStore) FindContentByHash(ctx context.Context, hash string) (block.ContentBlock, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+contentColumns+` FROM content_blocks WHERE dedupe_hash = $1 AND status <> 'deleted'`, hash)
	return scanContent(row, s.clock.Now())
}

// UpdateContentStatus transitions a content block's lifecycle status.
func (s *BlockStore) UpdateContentStatus(ctx context.Context, id string, status block.Status) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE content_blocks SET status = $2, version = version + 1, updated_at = $3
WHERE id = $1`, id, string(status), s.clock.Now())
	if err != nil {
		return fmt.Errorf("update content status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return block.ErrNotFound
	}
	return nil
}

func (s *BlockStore) getContent(ctx context.Context, id string) (block.ContentBlock, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+contentColumns+` FROM content_blocks WHERE id = $1`, id)
	return scanContent(row, s.clock.Now())
}

func scanContent(row rowScanner, now time.Time) (block.ContentBlock, error) {
	var (
		blk         block.ContentBlock
		payloadJSON []byte
		grade       string
		status      string
	)
	err := row.Scan(
		&blk.ID, &blk.DedupeHash, &payloadJSON, &blk.RelatedPlaceID,
		&blk.Completeness, &grade, &status, &blk.LastCrawledAt,
		&blk.CrawlCount, &blk.Version, &blk.CreatedAt, &blk.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return block.ContentBlock{}, block.ErrNotFound
		}
		return block.ContentBlock{}, fmt.Errorf("scan content block: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &blk.Payload); err != nil {
		return block.ContentBlock{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	blk.Grade = block.Grade(grade)
	blk.Status = block.Status(status)
	blk.Freshness = quality.FreshnessOf(blk.LastCrawledAt, now)
	return blk, nil
}
