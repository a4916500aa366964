package block

// MergePlacePayload overlays patch onto base with shallow override semantics:
// a field is taken from patch only when it is non-zero there. Callers must
// not assume anything deeper than field-level replacement.
func MergePlacePayload(base, patch PlacePayload) PlacePayload {
	merged := base
	merged.SchemaVersion = PlacePayloadVersion
	if patch.Source != "" {
		merged.Source = patch.Source
	}
	if patch.SourceID != "" {
		merged.SourceID = patch.SourceID
	}
	if patch.Name != "" {
		merged.Name = patch.Name
	}
	if patch.Category != "" {
		merged.Category = patch.Category
	}
	if patch.Address != "" {
		merged.Address = patch.Address
	}
	if patch.RegionCode != "" {
		merged.RegionCode = patch.RegionCode
	}
	if patch.HasCoordinates() {
		merged.Latitude = patch.Latitude
		merged.Longitude = patch.Longitude
	}
	if patch.Phone != "" {
		merged.Phone = patch.Phone
	}
	if patch.Website != "" {
		merged.Website = patch.Website
	}
	if patch.Description != "" {
		merged.Description = patch.Description
	}
	if patch.Hours != "" {
		merged.Hours = patch.Hours
	}
	if len(patch.Amenities) > 0 {
		merged.Amenities = append([]string(nil), patch.Amenities...)
	}
	if len(patch.Images) > 0 {
		merged.Images = append([]string(nil), patch.Images...)
	}
	return merged
}

// MergeContentPayload overlays patch onto base with the same shallow override
// semantics as MergePlacePayload.
func MergeContentPayload(base, patch ContentPayload) ContentPayload {
	merged := base
	merged.SchemaVersion = ContentPayloadVersion
	if patch.Source != "" {
		merged.Source = patch.Source
	}
	if patch.SourceURL != "" {
		merged.SourceURL = patch.SourceURL
	}
	if patch.Title != "" {
		merged.Title = patch.Title
	}
	if patch.Body != "" {
		merged.Body = patch.Body
	}
	if patch.Author != "" {
		merged.Author = patch.Author
	}
	if !patch.PublishedAt.IsZero() {
		merged.PublishedAt = patch.PublishedAt
	}
	if len(patch.Tags) > 0 {
		merged.Tags = append([]string(nil), patch.Tags...)
	}
	if len(patch.Images) > 0 {
		merged.Images = append([]string(nil), patch.Images...)
	}
	if patch.RelatedPlaceID != "" {
		merged.RelatedPlaceID = patch.RelatedPlaceID
	}
	return merged
}
