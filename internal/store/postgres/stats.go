package postgres

import (
	"context"
	"fmt"

	"github.com/placewise/blockpipe/internal/block"
)

// Stats rebuilds the aggregate snapshot from repository state. The freshness
// distribution is computed against the clock at query time rather than read
// from a column, so a snapshot never reports stale buckets.
func (s *BlockStore) Stats(ctx context.Context) (block.BlockStats, error) {
	now := s.clock.Now()
	stats := block.BlockStats{
		ByStatus:      make(map[block.Status]int),
		ByCategory:    make(map[string]int),
		ByRegion:      make(map[string]int),
		BySource:      make(map[string]int),
		GradeDist:     make(map[block.Grade]int),
		FreshnessDist: make(map[block.Freshness]int),
		GeneratedAt:   now,
	}

	row := s.pool.QueryRow(ctx, `
SELECT COUNT(*), COALESCE(AVG(completeness), 0),
	(SELECT COUNT(*) FROM content_blocks)
FROM place_blocks`)
	if err := row.Scan(&stats.TotalPlaces, &stats.AvgCompleteness, &stats.TotalContents); err != nil {
		return block.BlockStats{}, fmt.Errorf("stats totals: %w", err)
	}

	if err := s.countGroup(ctx, `SELECT status, COUNT(*) FROM place_blocks GROUP BY status`, func(key string, n int) {
		stats.ByStatus[block.Status(key)] = n
	}); err != nil {
		return block.BlockStats{}, err
	}
	if err := s.countGroup(ctx, `SELECT category, COUNT(*) FROM place_blocks WHERE category <> '' GROUP BY category`, func(key string, n int) {
		stats.ByCategory[key] = n
	}); err != nil {
		return block.BlockStats{}, err
	}
	if err := s.countGroup(ctx, `SELECT region_code, COUNT(*) FROM place_blocks WHERE region_code <> '' GROUP BY region_code`, func(key string, n int) {
		stats.ByRegion[key] = n
	}); err != nil {
		return block.BlockStats{}, err
	}
	if err := s.countGroup(ctx, `SELECT payload->>'source', COUNT(*) FROM place_blocks GROUP BY payload->>'source'`, func(key string, n int) {
		stats.BySource[key] = n
	}); err != nil {
		return block.BlockStats{}, err
	}
	if err := s.countGroup(ctx, `SELECT grade, COUNT(*) FROM place_blocks GROUP BY grade`, func(key string, n int) {
		stats.GradeDist[block.Grade(key)] = n
	}); err != nil {
		return block.BlockStats{}, err
	}

	freshnessSQL := `
SELECT CASE
	WHEN last_crawled_at > $1 THEN 'fresh'
	WHEN last_crawled_at > $2 THEN 'recent'
	WHEN last_crawled_at > $3 THEN 'stale'
	ELSE 'outdated'
END AS bucket, COUNT(*)
FROM place_blocks GROUP BY bucket`
	rows, err := s.pool.Query(ctx, freshnessSQL,
		now.AddDate(0, 0, -7), now.AddDate(0, 0, -30), now.AddDate(0, 0, -90))
	if err != nil {
		return block.BlockStats{}, fmt.Errorf("stats freshness: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var bucket string
		var n int
		if err := rows.Scan(&bucket, &n); err != nil {
			return block.BlockStats{}, fmt.Errorf("scan freshness bucket: %w", err)
		}
		stats.FreshnessDist[block.Freshness(bucket)] = n
	}
	if err := rows.Err(); err != nil {
		return block.BlockStats{}, fmt.Errorf("iterate freshness buckets: %w", err)
	}

	row = s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM((COALESCE(result->>'failed_records','0'))::int), 0) FROM crawl_jobs WHERE result IS NOT NULL`)
	if err := row.Scan(&stats.ErrorCount); err != nil {
		return block.BlockStats{}, fmt.Errorf("stats error count: %w", err)
	}
	return stats, nil
}

func (s *BlockStore) countGroup(ctx context.Context, sql string, assign func(key string, n int)) error {
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return fmt.Errorf("stats group query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan stats group: %w", err)
		}
		assign(key, n)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate stats group: %w", err)
	}
	return nil
}
