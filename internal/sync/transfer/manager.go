// Package transfer moves binary objects (photos, thumbnails, GPX tracks)
// between local storage and object storage using pre-authorized URLs.
package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"

	apperrors "github.com/wayfarer/sync-engine/internal/errors"
	"github.com/wayfarer/sync-engine/internal/logging"
	"github.com/wayfarer/sync-engine/internal/models"
	"github.com/wayfarer/sync-engine/internal/sync/transport"
)

// Direction says which way the bytes move.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Band is the scheduling priority of a task. Lower runs first.
type Band int

const (
	// BandImmediate is for small objects the user is likely waiting on.
	BandImmediate Band = iota
	// BandNormal is for full-size media of the current cycle.
	BandNormal
	// BandBackground is for bulk backfill, e.g. after a fresh install.
	BandBackground
)

// Task is one object transfer. The entity's sync status tracks the task's
// outcome: DoneStatus on success, sync_error when retries are exhausted.
type Task struct {
	EntityID   models.UUID
	Direction  Direction
	ObjectKey  string
	LocalPath  string
	SizeBytes  int64
	Band       Band
	DoneStatus models.SyncStatus

	url      *transport.SignedURL
	attempts int
}

// URLProvider hands out pre-authorized object URLs. Satisfied by both the
// sync server client and the direct S3 presigner.
type URLProvider interface {
	UploadURL(ctx context.Context, objectKey string) (*transport.SignedURL, error)
	DownloadURL(ctx context.Context, objectKey string) (*transport.SignedURL, error)
}

// StatusSink records transfer outcomes on the owning entity.
type StatusSink interface {
	SetSyncStatus(id models.UUID, status models.SyncStatus) error
}

// Config tunes retry behavior and background draining.
type Config struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// DrainInterval is how often the background loop retries queued tasks
	// that earlier drains deferred, e.g. while offline. Zero means one
	// minute.
	DrainInterval time.Duration
}

// Manager runs transfer tasks in priority order with bounded concurrency.
type Manager struct {
	urls     URLProvider
	statuses StatusSink
	cfg      Config
	httpc    *http.Client

	// now is replaceable for URL-expiry tests.
	now func() time.Time

	mu      sync.Mutex
	queues  [3][]*Task
	quality Quality

	stopCh chan struct{}
	wake   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewManager creates a manager. It starts idle; call Start for background
// draining or Flush to drain synchronously.
func NewManager(urls URLProvider, statuses StatusSink, cfg Config) *Manager {
	return &Manager{
		urls:     urls,
		statuses: statuses,
		cfg:      cfg,
		httpc:    &http.Client{Timeout: 5 * time.Minute},
		now:      time.Now,
		quality:  QualityGood,
		stopCh:   make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// SetQuality updates the network tier used for subsequent draining.
func (m *Manager) SetQuality(q Quality) {
	m.mu.Lock()
	m.quality = q
	m.mu.Unlock()
}

// Quality returns the current network tier.
func (m *Manager) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

// Enqueue queues a task and wakes the background drainer.
func (m *Manager) Enqueue(t *Task) {
	m.mu.Lock()
	band := t.Band
	if band < BandImmediate || band > BandBackground {
		band = BandNormal
	}
	m.queues[band] = append(m.queues[band], t)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued tasks.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[0]) + len(m.queues[1]) + len(m.queues[2])
}

// Start launches the background drain loop. Besides explicit wakes from
// Enqueue, a periodic tick re-drains work a previous pass deferred, so tasks
// parked while offline move again once the network tier recovers.
func (m *Manager) Start(ctx context.Context) {
	interval := m.cfg.DrainInterval
	if interval <= 0 {
		interval = time.Minute
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-m.wake:
			case <-ticker.C:
				if m.Pending() == 0 {
					continue
				}
			}
			if _, err := m.Flush(ctx); err != nil {
				logging.Error("transfer drain aborted", err)
			}
		}
	}()
}

// Stop halts the background loop and waits for in-flight tasks.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Flush drains every queued task, highest band first, with the concurrency
// of the current network tier. Individual task failures mark the owning
// entity and are counted, not returned; the error is non-nil only when the
// context ends or the network is offline.
func (m *Manager) Flush(ctx context.Context) (failed int, err error) {
	for {
		tuning := TuningFor(m.Quality())
		if tuning.Concurrency == 0 {
			if m.Pending() > 0 {
				return failed, apperrors.New(apperrors.ErrTransientNetwork, "offline, transfers deferred")
			}
			return failed, nil
		}

		batch := m.take(tuning.BatchSize)
		if len(batch) == 0 {
			return failed, nil
		}

		var wg sync.WaitGroup
		sem := make(chan struct{}, tuning.Concurrency)
		var mu sync.Mutex

		for _, t := range batch {
			if err := ctx.Err(); err != nil {
				return failed, err
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(t *Task) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := m.process(ctx, t); err != nil {
					mu.Lock()
					failed++
					mu.Unlock()
				}
			}(t)
		}
		wg.Wait()

		if err := ctx.Err(); err != nil {
			return failed, err
		}
	}
}

// take pops up to n tasks, draining higher-priority bands first.
func (m *Manager) take(n int) []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Task, 0, n)
	for band := 0; band < len(m.queues) && len(out) < n; band++ {
		q := m.queues[band]
		take := n - len(out)
		if take > len(q) {
			take = len(q)
		}
		out = append(out, q[:take]...)
		m.queues[band] = q[take:]
	}
	return out
}

// process runs one task to completion, retrying transient failures with
// exponential backoff until the retry budget is spent.
func (m *Manager) process(ctx context.Context, t *Task) error {
	for {
		err := m.attempt(ctx, t)
		if err == nil {
			if t.DoneStatus != "" {
				if serr := m.statuses.SetSyncStatus(t.EntityID, t.DoneStatus); serr != nil {
					return serr
				}
			}
			logging.Debug("transfer completed", map[string]interface{}{
				"entity_id": t.EntityID.String(),
				"direction": string(t.Direction),
				"object":    t.ObjectKey,
				"attempts":  t.attempts,
			})
			return nil
		}

		t.attempts++
		if apperrors.Is(err, apperrors.ErrURLExpired) {
			// Force a fresh URL on the next attempt.
			t.url = nil
		}

		if !apperrors.IsRetryable(err) || t.attempts >= m.cfg.MaxRetries {
			m.fail(t, err)
			return apperrors.Wrap(apperrors.ErrTransferFailed,
				fmt.Sprintf("%s of %s gave up after %d attempts", t.Direction, t.ObjectKey, t.attempts), err)
		}

		delay := nextDelay(t.attempts-1, m.cfg.RetryBaseDelay, m.cfg.RetryMaxDelay)
		logging.Warn("transfer attempt failed, retrying", map[string]interface{}{
			"entity_id": t.EntityID.String(),
			"object":    t.ObjectKey,
			"attempt":   t.attempts,
			"delay_ms":  delay.Milliseconds(),
		})

		select {
		case <-ctx.Done():
			m.fail(t, ctx.Err())
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (m *Manager) fail(t *Task, err error) {
	logging.Error("transfer failed", err, map[string]interface{}{
		"entity_id": t.EntityID.String(),
		"direction": string(t.Direction),
		"object":    t.ObjectKey,
		"attempts":  t.attempts,
	})
	if serr := m.statuses.SetSyncStatus(t.EntityID, models.StatusSyncError); serr != nil {
		logging.Error("failed to record transfer failure", serr,
			map[string]interface{}{"entity_id": t.EntityID.String()})
	}
}

// attempt performs a single transfer try, fetching a URL when none is cached
// or the cached one has expired.
func (m *Manager) attempt(ctx context.Context, t *Task) error {
	if t.url == nil || t.url.ExpiresAt <= m.now().UnixMilli() {
		var (
			u   *transport.SignedURL
			err error
		)
		if t.Direction == DirectionUpload {
			u, err = m.urls.UploadURL(ctx, t.ObjectKey)
		} else {
			u, err = m.urls.DownloadURL(ctx, t.ObjectKey)
		}
		if err != nil {
			return err
		}
		t.url = u
	}

	if t.Direction == DirectionUpload {
		return m.put(ctx, t)
	}
	return m.get(ctx, t)
}

func (m *Manager) put(ctx context.Context, t *Task) error {
	mt, err := mimetype.DetectFile(t.LocalPath)
	contentType := "application/octet-stream"
	if err == nil {
		contentType = mt.String()
	}

	f, err := os.Open(t.LocalPath)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransferFailed, "cannot open source file", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransferFailed, "cannot stat source file", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, t.url.URL, f)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to build upload request", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", contentType)

	resp, err := m.httpc.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransientNetwork, "upload request failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return storageStatusErr(resp.StatusCode)
}

func (m *Manager) get(ctx context.Context, t *Task) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url.URL, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to build download request", err)
	}

	resp, err := m.httpc.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransientNetwork, "download request failed", err)
	}
	defer resp.Body.Close()

	if err := storageStatusErr(resp.StatusCode); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(t.LocalPath), 0755); err != nil {
		return apperrors.Wrap(apperrors.ErrTransferFailed, "cannot create destination directory", err)
	}

	// Write to a temp file and rename so a torn download never leaves a
	// half-written object at the destination path.
	tmp, err := os.CreateTemp(filepath.Dir(t.LocalPath), ".download-*")
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransferFailed, "cannot create temp file", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperrors.Wrap(apperrors.ErrTransientNetwork, "download interrupted", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperrors.Wrap(apperrors.ErrTransferFailed, "cannot finalize download", err)
	}
	if err := os.Rename(tmpName, t.LocalPath); err != nil {
		os.Remove(tmpName)
		return apperrors.Wrap(apperrors.ErrTransferFailed, "cannot move download into place", err)
	}
	return nil
}

// storageStatusErr maps object-store HTTP statuses to engine error codes.
// Expired presigned URLs come back as 403, which is retryable after a URL
// refresh.
func storageStatusErr(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusForbidden:
		return apperrors.New(apperrors.ErrURLExpired, "storage rejected URL (403)")
	case code == http.StatusNotFound:
		return apperrors.New(apperrors.ErrObjectNotFound, "object not found (404)")
	case code >= 500 || code == http.StatusTooManyRequests:
		return apperrors.New(apperrors.ErrTransientNetwork, fmt.Sprintf("storage unavailable (%d)", code))
	default:
		return apperrors.New(apperrors.ErrStorageRejected, fmt.Sprintf("storage rejected transfer (%d)", code))
	}
}
