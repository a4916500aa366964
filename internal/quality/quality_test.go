package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/placewise/blockpipe/internal/block"
)

func TestPlaceHash_CaseAndWhitespaceInsensitive(t *testing.T) {
	t.Parallel()

	a := block.PlacePayload{
		Name:      "Kids Cafe A",
		Address:   "123 Seongsu-dong",
		Latitude:  37.5446789,
		Longitude: 127.0559123,
	}
	b := block.PlacePayload{
		Name:      "  kids cafe a ",
		Address:   "123 SEONGSU-DONG",
		Latitude:  37.5446789,
		Longitude: 127.0559123,
	}

	require.Equal(t, PlaceHash(a), PlaceHash(b))
	require.Len(t, PlaceHash(a), 16)
}

func TestPlaceHash_CoordinateRounding(t *testing.T) {
	t.Parallel()

	a := block.PlacePayload{Name: "n", Latitude: 37.12345649, Longitude: 127.0}
	b := block.PlacePayload{Name: "n", Latitude: 37.12345551, Longitude: 127.0}
	c := block.PlacePayload{Name: "n", Latitude: 37.1235, Longitude: 127.0}

	// Both round to 37.123456 at six decimal places.
	require.Equal(t, PlaceHash(a), PlaceHash(b))
	require.NotEqual(t, PlaceHash(a), PlaceHash(c))
}

func TestPlaceHash_StableAcrossCalls(t *testing.T) {
	t.Parallel()

	p := block.PlacePayload{Name: "Some Place", Address: "addr", Latitude: 1, Longitude: 2}
	first := PlaceHash(p)
	for range 10 {
		require.Equal(t, first, PlaceHash(p))
	}
}

func TestContentHash_KeyedOnSourceAndURL(t *testing.T) {
	t.Parallel()

	a := block.ContentPayload{Source: "Blog", SourceURL: "https://example.com/post/1", Title: "one"}
	b := block.ContentPayload{Source: "blog", SourceURL: "https://example.com/post/1", Title: "different title"}
	c := block.ContentPayload{Source: "blog", SourceURL: "https://example.com/post/2"}

	require.Equal(t, ContentHash(a), ContentHash(b))
	require.NotEqual(t, ContentHash(a), ContentHash(c))
}

func TestCompleteness_WeightsSumTo100(t *testing.T) {
	t.Parallel()

	full := block.PlacePayload{
		Name:        "Kids Cafe A",
		Category:    "kids_cafe",
		Address:     "123 Seongsu-dong",
		RegionCode:  "11",
		Latitude:    37.5,
		Longitude:   127.0,
		Phone:       "02-123-4567",
		Website:     "https://example.com",
		Description: "a place",
		Hours:       "10:00-20:00",
		Amenities:   []string{"parking"},
		Images:      []string{"https://example.com/a.jpg"},
	}
	require.Equal(t, 100, Completeness(full))
	require.Equal(t, 0, Completeness(block.PlacePayload{}))
}

func TestCompleteness_EmptyArraysDoNotCount(t *testing.T) {
	t.Parallel()

	withEmpty := block.PlacePayload{Name: "x", Images: []string{}, Amenities: []string{}}
	require.Equal(t, Completeness(block.PlacePayload{Name: "x"}), Completeness(withEmpty))
}

func TestGradeFor_Thresholds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		completeness int
		hasImage     bool
		want         block.Grade
	}{
		{95, true, block.GradeA},
		{90, true, block.GradeA},
		{95, false, block.GradeC},
		{75, true, block.GradeB},
		{70, true, block.GradeB},
		{69, true, block.GradeC},
		{50, false, block.GradeC},
		{49, false, block.GradeD},
		{30, false, block.GradeD},
		{29, false, block.GradeF},
		{0, false, block.GradeF},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, GradeFor(tc.completeness, tc.hasImage),
			"completeness=%d image=%v", tc.completeness, tc.hasImage)
	}
}

func TestGradeFor_MonotoneInCompleteness(t *testing.T) {
	t.Parallel()

	for _, hasImage := range []bool{true, false} {
		prev := GradeFor(0, hasImage)
		for c := 1; c <= 100; c++ {
			g := GradeFor(c, hasImage)
			require.GreaterOrEqual(t, g.Rank(), prev.Rank(),
				"grade regressed at completeness=%d image=%v", c, hasImage)
			prev = g
		}
	}
}

func TestSearchKeywords(t *testing.T) {
	t.Parallel()

	p := block.PlacePayload{
		Name:       "Kids Cafe A",
		Category:   "kids_cafe",
		Address:    "서울특별시 성동구 성수동 123",
		RegionCode: "11",
	}
	kws := SearchKeywords(p)

	require.Contains(t, kws, "kids")
	require.Contains(t, kws, "cafe")
	// Single-rune name token "a" is dropped.
	require.NotContains(t, kws, "a")
	require.Contains(t, kws, "서울특별시")
	require.Contains(t, kws, "성동구")
	require.Contains(t, kws, "성수동")
	require.Contains(t, kws, "11")
	require.Contains(t, kws, "indoor")

	// No duplicate tokens.
	seen := map[string]int{}
	for _, kw := range kws {
		seen[kw]++
		require.Equal(t, 1, seen[kw], "duplicate keyword %q", kw)
	}
}

func TestFreshnessOf(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		age  time.Duration
		want block.Freshness
	}{
		{24 * time.Hour, block.FreshnessFresh},
		{6 * 24 * time.Hour, block.FreshnessFresh},
		{8 * 24 * time.Hour, block.FreshnessRecent},
		{29 * 24 * time.Hour, block.FreshnessRecent},
		{31 * 24 * time.Hour, block.FreshnessStale},
		{89 * 24 * time.Hour, block.FreshnessStale},
		{91 * 24 * time.Hour, block.FreshnessOutdated},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, FreshnessOf(now.Add(-tc.age), now), "age=%s", tc.age)
	}
	require.Equal(t, block.FreshnessOutdated, FreshnessOf(time.Time{}, now))
}
