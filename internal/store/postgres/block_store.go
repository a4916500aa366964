// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/placewise/blockpipe/internal/block"
	"github.com/placewise/blockpipe/internal/quality"
)

// uniqueViolation is the Postgres error code raised by the partial unique
// index on dedupe_hash.
const uniqueViolation = "23505"

// db is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// BlockStore persists place and content blocks in Postgres. The schema keeps
// the searchable fields in dedicated columns next to the JSONB payload and
// enforces hash uniqueness with a partial unique index excluding deleted
// rows.
type BlockStore struct {
	pool  db
	idGen block.IDGenerator
	clock block.Clock
}

// NewBlockStore connects a pool using the provided config.
func NewBlockStore(ctx context.Context, cfg Config, idGen block.IDGenerator, clock block.Clock) (*BlockStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &BlockStore{pool: pool, idGen: idGen, clock: clock}, nil
}

// NewBlockStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewBlockStoreWithPool(pool db, idGen block.IDGenerator, clock block.Clock) (*BlockStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &BlockStore{pool: pool, idGen: idGen, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *BlockStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Schema is the DDL the store expects. Applied by EnsureSchema at startup.
const Schema = `
CREATE TABLE IF NOT EXISTS place_blocks (
	id TEXT PRIMARY KEY,
	dedupe_hash TEXT NOT NULL,
	payload JSONB NOT NULL,
	name TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	region_code TEXT NOT NULL DEFAULT '',
	latitude DOUBLE PRECISION NOT NULL DEFAULT 0,
	longitude DOUBLE PRECISION NOT NULL DEFAULT 0,
	completeness INT NOT NULL,
	grade TEXT NOT NULL,
	status TEXT NOT NULL,
	search_keywords TEXT[] NOT NULL DEFAULT '{}',
	related_content_ids TEXT[] NOT NULL DEFAULT '{}',
	last_crawled_at TIMESTAMPTZ NOT NULL,
	crawl_count INT NOT NULL DEFAULT 1,
	version INT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS place_blocks_hash_live
	ON place_blocks (dedupe_hash) WHERE status <> 'deleted';
CREATE INDEX IF NOT EXISTS place_blocks_region ON place_blocks (region_code);
CREATE INDEX IF NOT EXISTS place_blocks_category ON place_blocks (category);

CREATE TABLE IF NOT EXISTS content_blocks (
	id TEXT PRIMARY KEY,
	dedupe_hash TEXT NOT NULL,
	payload JSONB NOT NULL,
	related_place_id TEXT NOT NULL DEFAULT '',
	completeness INT NOT NULL,
	grade TEXT NOT NULL,
	status TEXT NOT NULL,
	last_crawled_at TIMESTAMPTZ NOT NULL,
	crawl_count INT NOT NULL DEFAULT 1,
	version INT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS content_blocks_hash_live
	ON content_blocks (dedupe_hash) WHERE status <> 'deleted';

CREATE TABLE IF NOT EXISTS crawl_jobs (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	priority INT NOT NULL,
	config JSONB NOT NULL,
	progress JSONB NOT NULL DEFAULT '{}',
	result JSONB,
	retry_count INT NOT NULL DEFAULT 0,
	max_retries INT NOT NULL DEFAULT 0,
	error_text TEXT NOT NULL DEFAULT '',
	submitted_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);
`

// EnsureSchema applies the DDL. Safe to run repeatedly.
func (s *BlockStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const placeColumns = `id, dedupe_hash, payload, completeness, grade, status,
	region_code, search_keywords, related_content_ids, last_crawled_at,
	crawl_count, version, created_at, updated_at`

const insertPlaceSQL = `
INSERT INTO place_blocks (
	id, dedupe_hash, payload, name, category, region_code, latitude, longitude,
	completeness, grade, status, search_keywords, related_content_ids,
	last_crawled_at, crawl_count, version, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`

// CreatePlace computes derived fields and inserts a new place block. The
// partial unique index turns a hash collision into ErrDuplicateKey.
func (s *BlockStore) CreatePlace(ctx context.Context, blk block.PlaceBlock) (block.PlaceBlock, error) {
	payload := block.MigratePlacePayload(blk.Payload)
	hash := quality.PlaceHash(payload)
	completeness := quality.Completeness(payload)
	now := s.clock.Now()

	id := blk.ID
	if id == "" {
		var err error
		if id, err = s.idGen.NewID(); err != nil {
			return block.PlaceBlock{}, fmt.Errorf("generate block id: %w", err)
		}
	}
	status := blk.Status
	if status == "" {
		status = block.StatusActive
	}
	created := block.PlaceBlock{
		ID:             id,
		DedupeHash:     hash,
		Payload:        payload,
		Completeness:   completeness,
		Grade:          quality.GradeFor(completeness, len(payload.Images) > 0),
		Status:         status,
		Freshness:      block.FreshnessFresh,
		RegionCode:     payload.RegionCode,
		SearchKeywords: quality.SearchKeywords(payload),
		LastCrawledAt:  now,
		CrawlCount:     1,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return block.PlaceBlock{}, fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, insertPlaceSQL,
		created.ID, created.DedupeHash, payloadJSON, payload.Name,
		payload.Category, payload.RegionCode, payload.Latitude,
		payload.Longitude, created.Completeness, string(created.Grade),
		string(created.Status), created.SearchKeywords,
		created.RelatedContentIDs, created.LastCrawledAt, created.CrawlCount,
		created.Version, created.CreatedAt, created.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return block.PlaceBlock{}, block.ErrDuplicateKey
		}
		return block.PlaceBlock{}, fmt.Errorf("insert place block: %w", err)
	}
	return created, nil
}

// UpdatePlace merges payload fields into the stored row and recomputes the
// derived columns. The version check serializes concurrent updates through
// the store's optimistic concurrency control.
func (s *BlockStore) UpdatePlace(ctx context.Context, id string, payload block.PlacePayload) (block.PlaceBlock, error) {
	existing, err := s.GetPlace(ctx, id)
	if err != nil {
		return block.PlaceBlock{}, err
	}
	merged := block.MergePlacePayload(existing.Payload, payload)
	completeness := quality.Completeness(merged)
	now := s.clock.Now()

	updated := existing
	updated.Payload = merged
	updated.DedupeHash = quality.PlaceHash(merged)
	updated.Completeness = completeness
	updated.Grade = quality.GradeFor(completeness, len(merged.Images) > 0)
	updated.RegionCode = merged.RegionCode
	updated.SearchKeywords = quality.SearchKeywords(merged)
	updated.Freshness = block.FreshnessFresh
	updated.LastCrawledAt = now
	updated.CrawlCount++
	updated.Version++
	updated.UpdatedAt = now

	payloadJSON, err := json.Marshal(merged)
	if err != nil {
		return block.PlaceBlock{}, fmt.Errorf("marshal payload: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE place_blocks SET
	dedupe_hash = $2, payload = $3, name = $4, category = $5,
	region_code = $6, latitude = $7, longitude = $8, completeness = $9,
	grade = $10, search_keywords = $11, last_crawled_at = $12,
	crawl_count = $13, version = $14, updated_at = $15
WHERE id = $1 AND version = $16`,
		id, updated.DedupeHash, payloadJSON, merged.Name, merged.Category,
		merged.RegionCode, merged.Latitude, merged.Longitude,
		updated.Completeness, string(updated.Grade), updated.SearchKeywords,
		updated.LastCrawledAt, updated.CrawlCount, updated.Version,
		updated.UpdatedAt, existing.Version,
	)
	if err != nil {
		// The merged payload can hash onto another live row.
		if isUniqueViolation(err) {
			return block.PlaceBlock{}, block.ErrDuplicateKey
		}
		return block.PlaceBlock{}, fmt.Errorf("update place block: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return block.PlaceBlock{}, fmt.Errorf("update place block %s: %w", id, block.ErrNotFound)
	}
	return updated, nil
}

// GetPlace fetches a place block by ID.
func (s *BlockStore) GetPlace(ctx context.Context, id string) (block.PlaceBlock, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+placeColumns+` FROM place_blocks WHERE id = $1`, id)
	return scanPlace(row, s.clock.Now())
}

// FindPlaceByHash returns the non-deleted place block with the given hash.
func (s *BlockStore) FindPlaceByHash(ctx context.Context, hash string) (block.PlaceBlock, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+placeColumns+` FROM place_blocks WHERE dedupe_hash = $1 AND status <> 'deleted'`, hash)
	return scanPlace(row, s.clock.Now())
}

// UpdatePlaceStatus transitions a block's lifecycle status in place.
func (s *BlockStore) UpdatePlaceStatus(ctx context.Context, id string, status block.Status) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE place_blocks SET status = $2, version = version + 1, updated_at = $3
WHERE id = $1`, id, string(status), s.clock.Now())
	if err != nil {
		return fmt.Errorf("update place status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return block.ErrNotFound
	}
	return nil
}

// BulkUpsertPlaces applies payloads one record at a time. Not atomic across
// records: a crash mid-batch leaves a partially applied batch behind.
func (s *BlockStore) BulkUpsertPlaces(
	ctx context.Context,
	payloads []block.PlacePayload,
	skipDuplicates bool,
) (block.UpsertOutcome, error) {
	var outcome block.UpsertOutcome
	for _, payload := range payloads {
		hash := quality.PlaceHash(payload)
		existing, err := s.FindPlaceByHash(ctx, hash)
		switch {
		case err == nil && skipDuplicates:
			outcome.Skipped++
		case err == nil:
			if _, err := s.UpdatePlace(ctx, existing.ID, payload); err != nil {
				return outcome, err
			}
			outcome.Updated++
		case errors.Is(err, block.ErrNotFound):
			if _, err := s.CreatePlace(ctx, block.PlaceBlock{Payload: payload}); err != nil {
				return outcome, err
			}
			outcome.Created++
		default:
			return outcome, err
		}
	}
	return outcome, nil
}

// SearchPlaces filters, sorts, and pages place blocks.
func (s *BlockStore) SearchPlaces(ctx context.Context, filter block.SearchFilter) (block.SearchResult, error) {
	where, args := buildWhere(filter, s.clock.Now())

	var total int
	countSQL := `SELECT COUNT(*) FROM place_blocks` + where
	if err := s.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return block.SearchResult{}, fmt.Errorf("count place blocks: %w", err)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = 20
	}
	limitArgs := append(append([]any(nil), args...), pageSize, (page-1)*pageSize)
	querySQL := fmt.Sprintf(`SELECT %s FROM place_blocks%s ORDER BY %s LIMIT $%d OFFSET $%d`,
		placeColumns, where, orderClause(filter), len(args)+1, len(args)+2)

	rows, err := s.pool.Query(ctx, querySQL, limitArgs...)
	if err != nil {
		return block.SearchResult{}, fmt.Errorf("search place blocks: %w", err)
	}
	defer rows.Close()

	now := s.clock.Now()
	var blocks []block.PlaceBlock
	for rows.Next() {
		blk, err := scanPlace(rows, now)
		if err != nil {
			return block.SearchResult{}, err
		}
		blocks = append(blocks, blk)
	}
	if err := rows.Err(); err != nil {
		return block.SearchResult{}, fmt.Errorf("iterate place blocks: %w", err)
	}

	end := (page-1)*pageSize + len(blocks)
	return block.SearchResult{
		Blocks:   blocks,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		HasNext:  end < total,
		HasPrev:  page > 1,
	}, nil
}

func buildWhere(f block.SearchFilter, now time.Time) (string, []any) {
	var clauses []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status = ANY("+arg(statusStrings(f.Statuses))+")")
	}
	if len(f.Categories) > 0 {
		clauses = append(clauses, "LOWER(category) = ANY("+arg(lowered(f.Categories))+")")
	}
	if len(f.RegionCodes) > 0 {
		clauses = append(clauses, "region_code = ANY("+arg(append([]string(nil), f.RegionCodes...))+")")
	}
	if len(f.Grades) > 0 {
		clauses = append(clauses, "grade = ANY("+arg(gradeStrings(f.Grades))+")")
	}
	if f.NameQuery != "" {
		clauses = append(clauses, "name ILIKE "+arg("%"+f.NameQuery+"%"))
	}
	if f.MinCompleteness > 0 {
		clauses = append(clauses, "completeness >= "+arg(f.MinCompleteness))
	}
	if f.MaxCompleteness > 0 {
		clauses = append(clauses, "completeness <= "+arg(f.MaxCompleteness))
	}
	if f.CrawledAfter != nil {
		clauses = append(clauses, "last_crawled_at >= "+arg(*f.CrawledAfter))
	}
	if f.CrawledBefore != nil {
		clauses = append(clauses, "last_crawled_at <= "+arg(*f.CrawledBefore))
	}
	if len(f.Freshness) > 0 {
		clauses = append(clauses, freshnessClause(f.Freshness, now, arg))
	}
	if f.Near != nil {
		// Bounding-box approximation: degrees per km from the center
		// latitude, not geodesically exact at high latitudes.
		latDelta := f.Near.RadiusKm / 110.574
		lngScale := 111.320 * cosDeg(f.Near.Latitude)
		if lngScale > 0 {
			lngDelta := f.Near.RadiusKm / lngScale
			clauses = append(clauses,
				"latitude BETWEEN "+arg(f.Near.Latitude-latDelta)+" AND "+arg(f.Near.Latitude+latDelta),
				"longitude BETWEEN "+arg(f.Near.Longitude-lngDelta)+" AND "+arg(f.Near.Longitude+lngDelta),
				"(latitude <> 0 OR longitude <> 0)")
		}
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// freshnessClause translates freshness buckets into last_crawled_at ranges
// relative to now.
func freshnessClause(buckets []block.Freshness, now time.Time, arg func(any) string) string {
	fresh := now.Add(-7 * 24 * time.Hour)
	recent := now.Add(-30 * 24 * time.Hour)
	stale := now.Add(-90 * 24 * time.Hour)

	var parts []string
	for _, b := range buckets {
		switch b {
		case block.FreshnessFresh:
			parts = append(parts, "last_crawled_at > "+arg(fresh))
		case block.FreshnessRecent:
			parts = append(parts, "(last_crawled_at <= "+arg(fresh)+" AND last_crawled_at > "+arg(recent)+")")
		case block.FreshnessStale:
			parts = append(parts, "(last_crawled_at <= "+arg(recent)+" AND last_crawled_at > "+arg(stale)+")")
		case block.FreshnessOutdated:
			parts = append(parts, "last_crawled_at <= "+arg(stale))
		}
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

func orderClause(f block.SearchFilter) string {
	col := "updated_at"
	switch f.SortBy {
	case block.SortByCompleteness:
		col = "completeness"
	case block.SortByName:
		col = "name"
	case block.SortByCrawledAt:
		col = "last_crawled_at"
	}
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}
	return col + " " + dir + ", id " + dir
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlace(row rowScanner, now time.Time) (block.PlaceBlock, error) {
	var (
		blk         block.PlaceBlock
		payloadJSON []byte
		grade       string
		status      string
	)
	err := row.Scan(
		&blk.ID, &blk.DedupeHash, &payloadJSON, &blk.Completeness, &grade,
		&status, &blk.RegionCode, &blk.SearchKeywords, &blk.RelatedContentIDs,
		&blk.LastCrawledAt, &blk.CrawlCount, &blk.Version, &blk.CreatedAt,
		&blk.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return block.PlaceBlock{}, block.ErrNotFound
		}
		return block.PlaceBlock{}, fmt.Errorf("scan place block: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &blk.Payload); err != nil {
		return block.PlaceBlock{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	blk.Grade = block.Grade(grade)
	blk.Status = block.Status(status)
	blk.Freshness = quality.FreshnessOf(blk.LastCrawledAt, now)
	return blk, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func statusStrings(in []block.Status) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

func gradeStrings(in []block.Grade) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

func lowered(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.ToLower(v)
	}
	return out
}

func cosDeg(deg float64) float64 {
	return math.Cos(deg * math.Pi / 180)
}
