// Package storage keeps local copies of binary objects, addressed by content
// hash so re-imports and repeated downloads of the same bytes deduplicate.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	apperrors "github.com/wayfarer/sync-engine/internal/errors"
)

// Cache is a content-addressed object store rooted at one directory.
type Cache struct {
	root string
}

// NewCache creates (if needed) and opens the cache directory.
func NewCache(root string) (*Cache, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "cannot create media directory", err)
	}
	return &Cache{root: root}, nil
}

// ObjectKey is the remote storage key for a content hash. Keys are sharded
// by the first two hex characters to keep bucket listings manageable.
func ObjectKey(hash string) string {
	if len(hash) < 2 {
		return "media/" + hash
	}
	return "media/" + hash[:2] + "/" + hash
}

// Path returns where the object for hash lives (or would live) on disk.
func (c *Cache) Path(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(c.root, hash)
	}
	return filepath.Join(c.root, hash[:2], hash)
}

// Has reports whether the object is already cached.
func (c *Cache) Has(hash string) bool {
	_, err := os.Stat(c.Path(hash))
	return err == nil
}

// Put stores the reader's bytes, returning their hash and size. Existing
// content is left untouched.
func (c *Cache) Put(r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(c.root, ".put-*")
	if err != nil {
		return "", 0, apperrors.Wrap(apperrors.ErrInternal, "cannot create temp file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, apperrors.Wrap(apperrors.ErrInternal, "cannot write object", err)
	}

	hash := hex.EncodeToString(h.Sum(nil))
	dst := c.Path(hash)
	if c.Has(hash) {
		return hash, size, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", 0, apperrors.Wrap(apperrors.ErrInternal, "cannot create shard directory", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return "", 0, apperrors.Wrap(apperrors.ErrInternal, "cannot move object into cache", err)
	}
	return hash, size, nil
}

// PutFile stores the file at path, returning its hash and size.
func (c *Cache) PutFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, apperrors.Wrap(apperrors.ErrNotFound, "cannot open source file", err)
	}
	defer f.Close()
	return c.Put(f)
}

// Open returns a reader for a cached object.
func (c *Cache) Open(hash string) (io.ReadCloser, error) {
	f, err := os.Open(c.Path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.New(apperrors.ErrObjectNotFound, "object not cached: "+hash)
		}
		return nil, apperrors.Wrap(apperrors.ErrInternal, "cannot open cached object", err)
	}
	return f, nil
}

// Delete removes a cached object. Deleting an absent object is a no-op.
func (c *Cache) Delete(hash string) error {
	err := os.Remove(c.Path(hash))
	if err != nil && !os.IsNotExist(err) {
		return apperrors.Wrap(apperrors.ErrInternal, "cannot delete cached object", err)
	}
	return nil
}
