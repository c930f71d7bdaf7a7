package models

// Typed payloads for each entity type. References to other entities are by
// UUID only; the referenced record may not exist locally yet, which is exactly
// what the dependency-ordered apply and the consistency validator police.

// TagCategory groups tags ("Food", "Hikes").
type TagCategory struct {
	Name string `json:"name"`
}

// Tag is a user label within a category.
type Tag struct {
	CategoryID UUID   `json:"category_id"`
	Name       string `json:"name"`
	Color      string `json:"color,omitempty"`
}

// BucketListItem is a standalone wishlist entry.
type BucketListItem struct {
	Title string `json:"title"`
	Notes string `json:"notes,omitempty"`
	Done  bool   `json:"done"`
}

// Trip is the container for memories recorded on one journey.
type Trip struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	StartDate    int64  `json:"start_date,omitempty"` // unix milliseconds
	EndDate      int64  `json:"end_date,omitempty"`
	CoverMediaID UUID   `json:"cover_media_id,omitempty"`
}

// GeoPoint is a recorded location with its reported accuracy in meters.
// AccuracyM of zero means the device did not report accuracy.
type GeoPoint struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	AccuracyM float64 `json:"accuracy_m,omitempty"`
}

// Memory is the content-bearing aggregate: a moment inside a trip with text,
// tags, an ordered media list and a location. It is the one type with
// field-level merge rules instead of wholesale last-write-wins.
type Memory struct {
	TripID     UUID      `json:"trip_id"`
	Title      string    `json:"title"`
	Notes      string    `json:"notes,omitempty"`
	HappenedAt int64     `json:"happened_at,omitempty"`
	TagIDs     []UUID    `json:"tag_ids,omitempty"`   // set-valued
	MediaIDs   []UUID    `json:"media_ids,omitempty"` // ordered
	Location   *GeoPoint `json:"location,omitempty"`

	// NeedsReview is set by a device to request manual reconciliation of its
	// edits. When both sides of a conflict carry it, resolution is handed to
	// the user instead of being decided automatically.
	NeedsReview bool `json:"needs_review,omitempty"`
}

// MediaItem is a photo or video attached to a memory. The binary payload
// moves through the file transfer manager, independent of metadata sync.
type MediaItem struct {
	MemoryID     UUID   `json:"memory_id"`
	FileName     string `json:"file_name"`
	ObjectKey    string `json:"object_key,omitempty"`
	ThumbnailKey string `json:"thumbnail_key,omitempty"`
	SizeBytes    int64  `json:"size_bytes"`
	ContentHash  string `json:"content_hash,omitempty"`
	TakenAt      int64  `json:"taken_at,omitempty"`

	// LocalPath points at the binary on this device; empty when the file has
	// not been downloaded here yet.
	LocalPath string `json:"local_path,omitempty"`
}

// GPXTrack is a recorded GPS trace belonging to a trip. Like media, the track
// file itself is transferred out of band.
type GPXTrack struct {
	TripID     UUID   `json:"trip_id"`
	Name       string `json:"name"`
	ObjectKey  string `json:"object_key,omitempty"`
	SizeBytes  int64  `json:"size_bytes"`
	PointCount int    `json:"point_count,omitempty"`
	LocalPath  string `json:"local_path,omitempty"`
}

// MemoryTag links a memory to a tag.
type MemoryTag struct {
	MemoryID UUID `json:"memory_id"`
	TagID    UUID `json:"tag_id"`
}

// MemoryBucketItem links a memory to a bucket list entry it fulfils.
type MemoryBucketItem struct {
	MemoryID     UUID `json:"memory_id"`
	BucketItemID UUID `json:"bucket_item_id"`
}
