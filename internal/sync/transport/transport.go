// Package transport defines the wire contract with the sync server and its
// HTTP implementation.
package transport

import (
	"context"
	"encoding/json"

	"github.com/wayfarer/sync-engine/internal/models"
)

// Record is the wire form of one entity version.
type Record struct {
	ID        models.UUID       `json:"id"`
	Type      models.EntityType `json:"entityType"`
	CreatedAt int64             `json:"createdAt"`
	UpdatedAt int64             `json:"updatedAt"`
	Payload   json.RawMessage   `json:"payload"`
}

// RecordOf converts a stored entity to its wire form.
func RecordOf(e *models.Entity) *Record {
	return &Record{
		ID:        e.ID,
		Type:      e.Type,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
		Payload:   e.Payload,
	}
}

// Entity converts a wire record to a stored entity. The caller assigns the
// sync status.
func (r *Record) Entity(status models.SyncStatus) *models.Entity {
	return &models.Entity{
		ID:         r.ID,
		Type:       r.Type,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		SyncStatus: status,
		Payload:    r.Payload,
	}
}

// DeltaResponse is everything that changed on the server since a watermark.
type DeltaResponse struct {
	Changed    map[models.EntityType][]Record      `json:"changed"`
	Deleted    map[models.EntityType][]models.UUID `json:"deleted"`
	ServerTime int64                               `json:"serverTime"`
}

// SignedURL is a pre-authorized object URL with its expiry (unix ms).
type SignedURL struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Client is the sync server API used by the orchestrator and the transfer
// manager.
type Client interface {
	// Delta returns all server-side changes strictly after since (unix ms).
	Delta(ctx context.Context, since int64) (*DeltaResponse, error)

	// Upsert pushes one entity version. Records are pushed one at a time so
	// a rejected entity never takes its batch siblings down with it.
	Upsert(ctx context.Context, rec *Record) error

	// Delete propagates a local tombstone. Deleting an already-deleted
	// entity succeeds.
	Delete(ctx context.Context, t models.EntityType, id models.UUID, deletedAt int64) error

	// UploadURL returns a pre-authorized URL for writing an object.
	UploadURL(ctx context.Context, objectKey string) (*SignedURL, error)

	// DownloadURL returns a pre-authorized URL for reading an object.
	DownloadURL(ctx context.Context, objectKey string) (*SignedURL, error)
}
