// Package memory provides store implementations for development and testing.
package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/placewise/blockpipe/internal/block"
	"github.com/placewise/blockpipe/internal/quality"
)

// BlockStore is an in-memory implementation of block.BlockStore. It mirrors
// the Postgres store's semantics, including hash uniqueness among non-deleted
// blocks and version increments on every write.
type BlockStore struct {
	mu       sync.RWMutex
	places   map[string]block.PlaceBlock
	contents map[string]block.ContentBlock
	idGen    block.IDGenerator
	clock    block.Clock
}

// NewBlockStore constructs a BlockStore.
func NewBlockStore(idGen block.IDGenerator, clock block.Clock) *BlockStore {
	return &BlockStore{
		places:   make(map[string]block.PlaceBlock),
		contents: make(map[string]block.ContentBlock),
		idGen:    idGen,
		clock:    clock,
	}
}

// CreatePlace computes derived fields and inserts a new place block. A hash
// collision with a non-deleted block fails with ErrDuplicateKey.
func (s *BlockStore) CreatePlace(_ context.Context, blk block.PlaceBlock) (block.PlaceBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := block.MigratePlacePayload(blk.Payload)
	hash := quality.PlaceHash(payload)
	if _, ok := s.findPlaceByHashLocked(hash); ok {
		return block.PlaceBlock{}, block.ErrDuplicateKey
	}

	id := blk.ID
	if id == "" {
		var err error
		if id, err = s.idGen.NewID(); err != nil {
			return block.PlaceBlock{}, err
		}
	}
	now := s.clock.Now()
	completeness := quality.Completeness(payload)
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
	s.places[id] = created
	return created, nil
}

// UpdatePlace merges non-empty payload fields into the existing block,
// recomputes completeness and grade, and bumps crawl count and version.
func (s *BlockStore) UpdatePlace(_ context.Context, id string, payload block.PlacePayload) (block.PlaceBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.places[id]
	if !ok {
		return block.PlaceBlock{}, block.ErrNotFound
	}
	merged := block.MergePlacePayload(existing.Payload, payload)
	newHash := quality.PlaceHash(merged)
	// The merged payload can hash onto another live block.
	if other, ok := s.findPlaceByHashLocked(newHash); ok && other.ID != id {
		return block.PlaceBlock{}, block.ErrDuplicateKey
	}
	now := s.clock.Now()
	completeness := quality.Completeness(merged)

	existing.Payload = merged
	existing.DedupeHash = newHash
	existing.Completeness = completeness
	existing.Grade = quality.GradeFor(completeness, len(merged.Images) > 0)
	existing.RegionCode = merged.RegionCode
	existing.SearchKeywords = quality.SearchKeywords(merged)
	existing.Freshness = block.FreshnessFresh
	existing.LastCrawledAt = now
	existing.CrawlCount++
	existing.Version++
	existing.UpdatedAt = now

	s.places[id] = existing
	return existing, nil
}

// GetPlace fetches a place block by ID.
func (s *BlockStore) GetPlace(_ context.Context, id string) (block.PlaceBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blk, ok := s.places[id]
	if !ok {
		return block.PlaceBlock{}, block.ErrNotFound
	}
	return blk, nil
}

// FindPlaceByHash returns the non-deleted place block with the given hash.
func (s *BlockStore) FindPlaceByHash(_ context.Context, hash string) (block.PlaceBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if blk, ok := s.findPlaceByHashLocked(hash); ok {
		return blk, nil
	}
	return block.PlaceBlock{}, block.ErrNotFound
}

func (s *BlockStore) findPlaceByHashLocked(hash string) (block.PlaceBlock, bool) {
	for _, blk := range s.places {
		if blk.DedupeHash == hash && blk.Status != block.StatusDeleted {
			return blk, true
		}
	}
	return block.PlaceBlock{}, false
}

// UpdatePlaceStatus transitions a block's lifecycle status. The row stays in
// the store; deletion is a status, not a removal.
func (s *BlockStore) UpdatePlaceStatus(_ context.Context, id string, status block.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blk, ok := s.places[id]
	if !ok {
		return block.ErrNotFound
	}
	blk.Status = status
	blk.Version++
	blk.UpdatedAt = s.clock.Now()
	s.places[id] = blk
	return nil
}

// BulkUpsertPlaces applies payloads one record at a time: create when the
// hash is new, otherwise update or skip per skipDuplicates. Not atomic across
// records.
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
		default:
			if _, err := s.CreatePlace(ctx, block.PlaceBlock{Payload: payload}); err != nil {
				return outcome, err
			}
			outcome.Created++
		}
	}
	return outcome, nil
}

// SearchPlaces filters, sorts, and pages place blocks.
func (s *BlockStore) SearchPlaces(_ context.Context, filter block.SearchFilter) (block.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now()
	var matched []block.PlaceBlock
	for _, blk := range s.places {
		blk.Freshness = quality.FreshnessOf(blk.LastCrawledAt, now)
		if matchesFilter(blk, filter) {
			matched = append(matched, blk)
		}
	}

	sortBlocks(matched, filter.SortBy, filter.SortDesc)

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = 20
	}
	total := len(matched)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	return block.SearchResult{
		Blocks:   append([]block.PlaceBlock(nil), matched[start:end]...),
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		HasNext:  end < total,
		HasPrev:  page > 1,
	}, nil
}

func matchesFilter(blk block.PlaceBlock, f block.SearchFilter) bool {
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, blk.Status) {
		return false
	}
	if len(f.Categories) > 0 && !containsFold(f.Categories, blk.Payload.Category) {
		return false
	}
	if len(f.RegionCodes) > 0 && !containsFold(f.RegionCodes, blk.RegionCode) {
		return false
	}
	if len(f.Grades) > 0 && !containsGrade(f.Grades, blk.Grade) {
		return false
	}
	if len(f.Freshness) > 0 && !containsFreshness(f.Freshness, blk.Freshness) {
		return false
	}
	if f.NameQuery != "" &&
		!strings.Contains(strings.ToLower(blk.Payload.Name), strings.ToLower(f.NameQuery)) {
		return false
	}
	if f.MinCompleteness > 0 && blk.Completeness < f.MinCompleteness {
		return false
	}
	if f.MaxCompleteness > 0 && blk.Completeness > f.MaxCompleteness {
		return false
	}
	if f.CrawledAfter != nil && blk.LastCrawledAt.Before(*f.CrawledAfter) {
		return false
	}
	if f.CrawledBefore != nil && blk.LastCrawledAt.After(*f.CrawledBefore) {
		return false
	}
	if f.Near != nil && !withinBoundingBox(blk, *f.Near) {
		return false
	}
	return true
}

// withinBoundingBox approximates a radius search: degrees per km computed
// from the center latitude, not geodesically exact at high latitudes.
func withinBoundingBox(blk block.PlaceBlock, geo block.GeoFilter) bool {
	if !blk.Payload.HasCoordinates() {
		return false
	}
	latDelta := geo.RadiusKm / 110.574
	lngScale := 111.320 * math.Cos(geo.Latitude*math.Pi/180)
	if lngScale <= 0 {
		return false
	}
	lngDelta := geo.RadiusKm / lngScale
	return math.Abs(blk.Payload.Latitude-geo.Latitude) <= latDelta &&
		math.Abs(blk.Payload.Longitude-geo.Longitude) <= lngDelta
}

func sortBlocks(blocks []block.PlaceBlock, key block.SearchSort, desc bool) {
	less := func(a, b block.PlaceBlock) bool {
		switch key {
		case block.SortByCompleteness:
			if a.Completeness != b.Completeness {
				return a.Completeness < b.Completeness
			}
		case block.SortByName:
			if a.Payload.Name != b.Payload.Name {
				return a.Payload.Name < b.Payload.Name
			}
		case block.SortByCrawledAt:
			if !a.LastCrawledAt.Equal(b.LastCrawledAt) {
				return a.LastCrawledAt.Before(b.LastCrawledAt)
			}
		default:
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.Before(b.UpdatedAt)
			}
		}
		return a.ID < b.ID
	}
	sort.SliceStable(blocks, func(i, j int) bool {
		if desc {
			return less(blocks[j], blocks[i])
		}
		return less(blocks[i], blocks[j])
	})
}

func containsStatus(set []block.Status, v block.Status) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsGrade(set []block.Grade, v block.Grade) bool {
	for _, g := range set {
		if g == v {
			return true
		}
	}
	return false
}

func containsFreshness(set []block.Freshness, v block.Freshness) bool {
	for _, f := range set {
		if f == v {
			return true
		}
	}
	return false
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// CreateContent inserts a new content block keyed on (source, source URL).
func (s *BlockStore) CreateContent(_ context.Context, blk block.ContentBlock) (block.ContentBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := quality.ContentHash(blk.Payload)
	for _, existing := range s.contents {
		if existing.DedupeHash == hash && existing.Status != block.StatusDeleted {
			return block.ContentBlock{}, block.ErrDuplicateKey
		}
	}

	id := blk.ID
	if id == "" {
		var err error
		if id, err = s.idGen.NewID(); err != nil {
			return block.ContentBlock{}, err
		}
	}
	now := s.clock.Now()
	completeness := quality.ContentCompleteness(blk.Payload)
	status := blk.Status
	if status == "" {
		status = block.StatusActive
	}
	created := block.ContentBlock{
		ID:             id,
		DedupeHash:     hash,
		Payload:        blk.Payload,
		Completeness:   completeness,
		Grade:          quality.GradeFor(completeness, len(blk.Payload.Images) > 0),
		Status:         status,
		Freshness:      block.FreshnessFresh,
		RelatedPlaceID: blk.Payload.RelatedPlaceID,
		LastCrawledAt:  now,
		CrawlCount:     1,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.contents[id] = created
	return created, nil
}

// UpdateContent merges payload fields, recomputes scores, and bumps counters.
func (s *BlockStore) UpdateContent(_ context.Context, id string, payload block.ContentPayload) (block.ContentBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.contents[id]
	if !ok {
		return block.ContentBlock{}, block.ErrNotFound
	}
	merged := block.MergeContentPayload(existing.Payload, payload)
	newHash := quality.ContentHash(merged)
	for _, other := range s.contents {
		if other.ID != id && other.DedupeHash == newHash && other.Status != block.StatusDeleted {
			return block.ContentBlock{}, block.ErrDuplicateKey
		}
	}
	now := s.clock.Now()
	completeness := quality.ContentCompleteness(merged)

	existing.Payload = merged
	existing.DedupeHash = newHash
	existing.Completeness = completeness
	existing.Grade = quality.GradeFor(completeness, len(merged.Images) > 0)
	existing.RelatedPlaceID = merged.RelatedPlaceID
	existing.Freshness = block.FreshnessFresh
	existing.LastCrawledAt = now
	existing.CrawlCount++
	existing.Version++
	existing.UpdatedAt = now

	s.contents[id] = existing
	return existing, nil
}

// FindContentByHash returns the non-deleted content block with the given hash.
func (s *BlockStore) FindContentByHash(_ context.Context, hash string) (block.ContentBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, blk := range s.contents {
		if blk.DedupeHash == hash && blk.Status != block.StatusDeleted {
			return blk, nil
		}
	}
	return block.ContentBlock{}, block.ErrNotFound
}

// UpdateContentStatus transitions a content block's lifecycle status.
func (s *BlockStore) UpdateContentStatus(_ context.Context, id string, status block.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blk, ok := s.contents[id]
	if !ok {
		return block.ErrNotFound
	}
	blk.Status = status
	blk.Version++
	blk.UpdatedAt = s.clock.Now()
	s.contents[id] = blk
	return nil
}

// Stats rebuilds the aggregate snapshot from current store state.
func (s *BlockStore) Stats(_ context.Context) (block.BlockStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

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
	completenessSum := 0
	for _, blk := range s.places {
		stats.TotalPlaces++
		stats.ByStatus[blk.Status]++
		if blk.Payload.Category != "" {
			stats.ByCategory[blk.Payload.Category]++
		}
		if blk.RegionCode != "" {
			stats.ByRegion[blk.RegionCode]++
		}
		if blk.Payload.Source != "" {
			stats.BySource[blk.Payload.Source]++
		}
		stats.GradeDist[blk.Grade]++
		stats.FreshnessDist[quality.FreshnessOf(blk.LastCrawledAt, now)]++
		completenessSum += blk.Completeness
	}
	stats.TotalContents = len(s.contents)
	if stats.TotalPlaces > 0 {
		stats.AvgCompleteness = float64(completenessSum) / float64(stats.TotalPlaces)
	}
	return stats, nil
}

