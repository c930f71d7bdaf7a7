// Package ingest turns local files into sync-ready entities: photos become
// media items with thumbnails, GPX files become track records. Imported
// entities start as local_only; the next cycle pushes them.
package ingest

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	apperrors "github.com/wayfarer/sync-engine/internal/errors"
	"github.com/wayfarer/sync-engine/internal/gpx"
	"github.com/wayfarer/sync-engine/internal/models"
	"github.com/wayfarer/sync-engine/internal/sync/storage"
	"github.com/wayfarer/sync-engine/internal/sync/transfer"
	"github.com/wayfarer/sync-engine/internal/uuid"
)

// ThumbnailMaxDim bounds generated thumbnails unless the caller overrides it.
const ThumbnailMaxDim = 320

// Media imports a photo or video file for a memory. The bytes land in the
// content cache, images additionally get a cached thumbnail, and the returned
// entity carries everything the transfer manager needs to push both.
func Media(cache *storage.Cache, srcPath string, memoryID models.UUID, maxDim int) (*models.Entity, error) {
	if maxDim <= 0 {
		maxDim = ThumbnailMaxDim
	}

	hash, size, err := cache.PutFile(srcPath)
	if err != nil {
		return nil, err
	}

	payload := models.MediaItem{
		MemoryID:    memoryID,
		FileName:    filepath.Base(srcPath),
		ObjectKey:   storage.ObjectKey(hash),
		SizeBytes:   size,
		ContentHash: hash,
		LocalPath:   cache.Path(hash),
	}

	if mt, err := mimetype.DetectFile(srcPath); err == nil && strings.HasPrefix(mt.String(), "image/") {
		thumbKey, err := cacheThumbnail(cache, srcPath, maxDim)
		if err != nil {
			return nil, err
		}
		payload.ThumbnailKey = thumbKey
	}

	return newEntity(models.TypeMediaItem, &payload)
}

// GPXTrack imports a track file for a trip, summarizing it on the way in.
func GPXTrack(cache *storage.Cache, srcPath string, tripID models.UUID) (*models.Entity, error) {
	summary, err := gpx.ParseFile(srcPath)
	if err != nil {
		return nil, err
	}

	hash, size, err := cache.PutFile(srcPath)
	if err != nil {
		return nil, err
	}

	name := summary.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(srcPath), filepath.Ext(srcPath))
	}

	payload := models.GPXTrack{
		TripID:     tripID,
		Name:       name,
		ObjectKey:  storage.ObjectKey(hash),
		SizeBytes:  size,
		PointCount: summary.PointCount,
		LocalPath:  cache.Path(hash),
	}
	return newEntity(models.TypeGPXTrack, &payload)
}

func cacheThumbnail(cache *storage.Cache, srcPath string, maxDim int) (string, error) {
	tmp, err := os.CreateTemp("", "thumb-*.jpg")
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "cannot create thumbnail scratch file", err)
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	if err := transfer.GenerateThumbnail(srcPath, tmpName, maxDim); err != nil {
		return "", err
	}
	hash, _, err := cache.PutFile(tmpName)
	if err != nil {
		return "", err
	}
	return storage.ObjectKey(hash), nil
}

func newEntity(t models.EntityType, payload interface{}) (*models.Entity, error) {
	now := models.NowMillis()
	e := &models.Entity{
		ID:         models.UUID(uuid.New()),
		Type:       t,
		CreatedAt:  now,
		UpdatedAt:  now,
		SyncStatus: models.StatusLocalOnly,
	}
	if err := e.SetPayload(payload); err != nil {
		return nil, err
	}
	return e, nil
}
