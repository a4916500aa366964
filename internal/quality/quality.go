// Package quality implements the pure dedup and quality scoring functions.
// Nothing here touches the network or a database; every function is a
// deterministic transform of its inputs.
package quality

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/placewise/blockpipe/internal/block"
)

// hashLength is the truncated hex length of a dedupe hash.
const hashLength = 16

// PlaceHash returns the deterministic identity fingerprint of a place:
// lower-cased, trimmed name and address plus coordinates rounded to six
// decimal places. Two records with the same hash are the same place.
func PlaceHash(p block.PlacePayload) string {
	parts := []string{
		normalize(p.Name),
		normalize(p.Address),
		roundCoord(p.Latitude),
		roundCoord(p.Longitude),
	}
	return digest(strings.Join(parts, "|"))
}

// ContentHash returns the identity fingerprint of a content record, keyed on
// (source, source URL) rather than geo identity.
func ContentHash(c block.ContentPayload) string {
	return digest(normalize(c.Source) + "|" + normalize(c.SourceURL))
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:hashLength]
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func roundCoord(v float64) string {
	rounded := math.Round(v*1e6) / 1e6
	return strconv.FormatFloat(rounded, 'f', 6, 64)
}

// Field weights for place completeness. They total 100.
var placeWeights = []struct {
	weight  int
	present func(block.PlacePayload) bool
}{
	{15, func(p block.PlacePayload) bool { return strings.TrimSpace(p.Name) != "" }},
	{15, func(p block.PlacePayload) bool { return strings.TrimSpace(p.Address) != "" }},
	{10, func(p block.PlacePayload) bool { return strings.TrimSpace(p.Category) != "" }},
	{10, func(p block.PlacePayload) bool { return p.HasCoordinates() }},
	{10, func(p block.PlacePayload) bool { return strings.TrimSpace(p.Hours) != "" }},
	{10, func(p block.PlacePayload) bool { return strings.TrimSpace(p.Description) != "" }},
	{10, func(p block.PlacePayload) bool { return len(p.Images) > 0 }},
	{5, func(p block.PlacePayload) bool { return strings.TrimSpace(p.Phone) != "" }},
	{5, func(p block.PlacePayload) bool { return strings.TrimSpace(p.Website) != "" }},
	{5, func(p block.PlacePayload) bool { return len(p.Amenities) > 0 }},
	{5, func(p block.PlacePayload) bool { return strings.TrimSpace(p.RegionCode) != "" }},
}

// Completeness returns the 0-100 weighted sum over present, non-empty fields.
// Arrays count as present only when non-empty.
func Completeness(p block.PlacePayload) int {
	score := 0
	for _, w := range placeWeights {
		if w.present(p) {
			score += w.weight
		}
	}
	return score
}

var contentWeights = []struct {
	weight  int
	present func(block.ContentPayload) bool
}{
	{20, func(c block.ContentPayload) bool { return strings.TrimSpace(c.Title) != "" }},
	{25, func(c block.ContentPayload) bool { return strings.TrimSpace(c.Body) != "" }},
	{10, func(c block.ContentPayload) bool { return strings.TrimSpace(c.Source) != "" }},
	{10, func(c block.ContentPayload) bool { return strings.TrimSpace(c.SourceURL) != "" }},
	{10, func(c block.ContentPayload) bool { return strings.TrimSpace(c.Author) != "" }},
	{10, func(c block.ContentPayload) bool { return !c.PublishedAt.IsZero() }},
	{10, func(c block.ContentPayload) bool { return len(c.Images) > 0 }},
	{5, func(c block.ContentPayload) bool { return len(c.Tags) > 0 }},
}

// ContentCompleteness returns the 0-100 weighted sum for a content payload.
func ContentCompleteness(c block.ContentPayload) int {
	score := 0
	for _, w := range contentWeights {
		if w.present(c) {
			score += w.weight
		}
	}
	return score
}

// GradeFor maps completeness and image presence to an A-F grade. A and B
// require an image; the lower grades depend on completeness alone.
func GradeFor(completeness int, hasImage bool) block.Grade {
	switch {
	case completeness >= 90 && hasImage:
		return block.GradeA
	case completeness >= 70 && hasImage:
		return block.GradeB
	case completeness >= 50:
		return block.GradeC
	case completeness >= 30:
		return block.GradeD
	default:
		return block.GradeF
	}
}

// Freshness bucket boundaries.
const (
	freshWindow  = 7 * 24 * time.Hour
	recentWindow = 30 * 24 * time.Hour
	staleWindow  = 90 * 24 * time.Hour
)

// FreshnessOf buckets a block by last-crawl recency.
func FreshnessOf(lastCrawled, now time.Time) block.Freshness {
	if lastCrawled.IsZero() {
		return block.FreshnessOutdated
	}
	age := now.Sub(lastCrawled)
	switch {
	case age < freshWindow:
		return block.FreshnessFresh
	case age < recentWindow:
		return block.FreshnessRecent
	case age < staleWindow:
		return block.FreshnessStale
	default:
		return block.FreshnessOutdated
	}
}
