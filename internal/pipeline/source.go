package pipeline

import (
	"context"

	"github.com/placewise/blockpipe/internal/block"
)

// PlacePage is one page of extracted place records. Malformed counts records
// the source could not parse; they are reported, not retried.
type PlacePage struct {
	Records   []block.PlacePayload
	Malformed int
	HasMore   bool
}

// ContentPage is one page of extracted content records.
type ContentPage struct {
	Records   []block.ContentPayload
	Malformed int
	HasMore   bool
}

// PlaceSource fetches pages of place records from an upstream API.
type PlaceSource interface {
	Name() string
	FetchPlaces(ctx context.Context, page, pageSize int) (PlacePage, error)
}

// ContentSource fetches pages of content records from an upstream API.
type ContentSource interface {
	Name() string
	FetchContents(ctx context.Context, page, pageSize int) (ContentPage, error)
}
