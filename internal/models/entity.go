// Package models provides data model definitions for the sync engine.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
// A UUID is assigned at creation on the originating device and is the sole
// cross-device identity of an entity; it is never reassigned.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// EntityType discriminates the kinds of syncable records.
type EntityType string

const (
	TypeTagCategory      EntityType = "tag_category"
	TypeTag              EntityType = "tag"
	TypeBucketListItem   EntityType = "bucket_list_item"
	TypeTrip             EntityType = "trip"
	TypeMemory           EntityType = "memory"
	TypeMediaItem        EntityType = "media_item"
	TypeGPXTrack         EntityType = "gpx_track"
	TypeMemoryTag        EntityType = "memory_tag"
	TypeMemoryBucketItem EntityType = "memory_bucket_item"
)

// AllEntityTypes lists every syncable type in declaration order.
func AllEntityTypes() []EntityType {
	return []EntityType{
		TypeTagCategory,
		TypeTag,
		TypeBucketListItem,
		TypeTrip,
		TypeMemory,
		TypeMediaItem,
		TypeGPXTrack,
		TypeMemoryTag,
		TypeMemoryBucketItem,
	}
}

// SyncStatus represents an entity's position in the sync lifecycle.
type SyncStatus string

const (
	StatusLocalOnly     SyncStatus = "local_only"
	StatusNeedsUpload   SyncStatus = "needs_upload"
	StatusUploading     SyncStatus = "uploading"
	StatusNeedsDownload SyncStatus = "needs_download"
	StatusDownloading   SyncStatus = "downloading"
	StatusInSync        SyncStatus = "in_sync"
	StatusConflict      SyncStatus = "conflict"
	StatusSyncError     SyncStatus = "sync_error"
	StatusFilesPending  SyncStatus = "files_pending"
)

// IsValid reports whether s is one of the enumerated sync statuses.
func (s SyncStatus) IsValid() bool {
	switch s {
	case StatusLocalOnly, StatusNeedsUpload, StatusUploading, StatusNeedsDownload,
		StatusDownloading, StatusInSync, StatusConflict, StatusSyncError, StatusFilesPending:
		return true
	}
	return false
}

// Entity is the envelope shared by every syncable record. Type-specific fields
// live in Payload as JSON; the envelope carries everything the sync engine
// itself needs (identity, timestamps, status).
type Entity struct {
	ID         UUID            `db:"id" json:"id"`
	Type       EntityType      `db:"entity_type" json:"type"`
	CreatedAt  int64           `db:"created_at" json:"created_at"` // unix milliseconds
	UpdatedAt  int64           `db:"updated_at" json:"updated_at"` // unix milliseconds
	SyncStatus SyncStatus      `db:"sync_status" json:"sync_status"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
}

// NowMillis returns the current wall clock in unix milliseconds, the timestamp
// resolution used throughout the engine.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Touch advances UpdatedAt for a local mutation. UpdatedAt must strictly
// increase on every write, so a clock that has not moved still bumps by one.
func (e *Entity) Touch() {
	now := NowMillis()
	if now <= e.UpdatedAt {
		now = e.UpdatedAt + 1
	}
	e.UpdatedAt = now
	e.SyncStatus = StatusNeedsUpload
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (e *Entity) UpdatedAtTime() time.Time {
	return time.UnixMilli(e.UpdatedAt)
}

// DecodePayload unmarshals the entity payload into dst.
func (e *Entity) DecodePayload(dst interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("entity %s has empty payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// SetPayload marshals src into the entity payload.
func (e *Entity) SetPayload(src interface{}) error {
	data, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", e.Type, err)
	}
	e.Payload = data
	return nil
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	dup := *e
	if e.Payload != nil {
		dup.Payload = make(json.RawMessage, len(e.Payload))
		copy(dup.Payload, e.Payload)
	}
	return &dup
}
