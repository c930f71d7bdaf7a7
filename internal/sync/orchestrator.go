// Package sync drives the synchronization cycle: claim the single-flight
// guard, push local changes in dependency order, pull and resolve the server
// delta, move binaries, validate, and advance the watermark.
package sync

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/wayfarer/sync-engine/internal/db"
	apperrors "github.com/wayfarer/sync-engine/internal/errors"
	"github.com/wayfarer/sync-engine/internal/logging"
	"github.com/wayfarer/sync-engine/internal/models"
	"github.com/wayfarer/sync-engine/internal/sync/conflict"
	"github.com/wayfarer/sync-engine/internal/sync/depgraph"
	"github.com/wayfarer/sync-engine/internal/sync/storage"
	"github.com/wayfarer/sync-engine/internal/sync/transfer"
	"github.com/wayfarer/sync-engine/internal/sync/transport"
	"github.com/wayfarer/sync-engine/internal/sync/validate"
)

// Phase is the orchestrator's current position in the cycle.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseUploading   Phase = "uploading"
	PhaseDownloading Phase = "downloading"
	PhaseTransfers   Phase = "transfers"
	PhaseValidating  Phase = "validating"
	PhaseFinalizing  Phase = "finalizing"
)

// TransferQueue is the part of the transfer manager the orchestrator uses.
type TransferQueue interface {
	Enqueue(t *transfer.Task)
	Flush(ctx context.Context) (failed int, err error)
}

// CycleResult summarizes one completed (or failed) cycle.
type CycleResult struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Uploaded   int
	Downloaded int
	Merged     int
	Conflicts  int
	Deleted    int
	Failed     int
	Violations int
}

// Options configures optional orchestrator collaborators.
type Options struct {
	// Transfers handles binary objects. Nil disables file transfers.
	Transfers TransferQueue

	// Cache locates binary objects on disk for downloads. Nil disables
	// binary downloads.
	Cache *storage.Cache

	// SmallFileLimit puts objects at or below this size (bytes) on the
	// immediate band.
	SmallFileLimit int64

	// BatchSize and Concurrency bound the upload fan-out per entity type.
	BatchSize   int
	Concurrency int

	// Clock is replaceable in tests.
	Clock func() time.Time
}

// Orchestrator owns the sync state machine. One instance per database.
type Orchestrator struct {
	repo      *db.Repository
	client    transport.Client
	engine    *conflict.Engine
	order     *depgraph.Resolver
	validator *validate.Validator
	transfers TransferQueue
	cache     *storage.Cache

	smallLimit  int64
	batchSize   int
	concurrency int
	clock       func() time.Time

	mu    sync.RWMutex
	phase Phase
}

// NewOrchestrator wires a ready-to-run orchestrator.
func NewOrchestrator(repo *db.Repository, client transport.Client, opts Options) (*Orchestrator, error) {
	order, err := depgraph.New()
	if err != nil {
		return nil, err
	}

	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Orchestrator{
		repo:        repo,
		client:      client,
		engine:      conflict.NewEngine(),
		order:       order,
		validator:   validate.New(repo),
		transfers:   opts.Transfers,
		cache:       opts.Cache,
		smallLimit:  opts.SmallFileLimit,
		batchSize:   opts.BatchSize,
		concurrency: opts.Concurrency,
		clock:       opts.Clock,
		phase:       PhaseIdle,
	}, nil
}

// Phase returns the current cycle phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.phase
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
	logging.Debug("cycle phase", map[string]interface{}{"phase": string(p)})
}

// RunCycle executes one full synchronization cycle. A second call while a
// cycle runs (even from another process sharing the database) fails fast
// with SYNC_BUSY. The watermark advances only when every phase before
// finalization succeeded, so a failed cycle re-fetches the same delta.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleResult, error) {
	ok, err := o.repo.TryBeginCycle()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.New(apperrors.ErrSyncBusy, "a sync cycle is already running")
	}
	defer func() {
		if err := o.repo.EndCycle(); err != nil {
			logging.Error("failed to release cycle guard", err)
		}
		o.setPhase(PhaseIdle)
	}()

	res := &CycleResult{StartedAt: o.clock()}
	defer func() { res.FinishedAt = o.clock() }()

	state, err := o.repo.GetCycleState()
	if err != nil {
		return res, err
	}

	logging.Info("sync cycle started", map[string]interface{}{
		"since": state.LastSyncedAt,
	})

	// Upload. A failed entity is parked as sync_error and the rest of its
	// type still goes out, but a lossy upload phase means the cycle ends
	// without downloading: applying server state on top of unpushed local
	// changes would make the next upload racy.
	o.setPhase(PhaseUploading)
	// Deletes acknowledged this cycle; the delta may still carry stale
	// versions of them and those must not come back.
	acked := make(map[models.UUID]bool)
	for _, t := range o.order.Order() {
		if err := ctx.Err(); err != nil {
			return res, apperrors.Wrap(apperrors.ErrCycleCancelled, "cycle cancelled during upload", err)
		}
		if err := o.uploadType(ctx, t, res, acked); err != nil {
			return res, err
		}
		// A lossy type ends the phase once its batch finishes: later types
		// depend on rows that never made it up, so pushing them would hand
		// the server children of missing parents.
		if res.Failed > 0 {
			return res, apperrors.New(apperrors.ErrTransferFailed,
				fmt.Sprintf("%d entities failed to upload", res.Failed))
		}
	}

	// Download.
	o.setPhase(PhaseDownloading)
	delta, err := o.client.Delta(ctx, state.LastSyncedAt)
	if err != nil {
		return res, err
	}
	for _, t := range o.order.Order() {
		if err := ctx.Err(); err != nil {
			return res, apperrors.Wrap(apperrors.ErrCycleCancelled, "cycle cancelled during download", err)
		}
		if err := o.applyChanged(t, delta.Changed[t], res, acked); err != nil {
			return res, err
		}
	}
	// Deletions run children-first so no row ever points at a removed
	// parent mid-apply.
	fullOrder := o.order.Order()
	for i := len(fullOrder) - 1; i >= 0; i-- {
		t := fullOrder[i]
		if err := o.applyDeleted(t, delta.Deleted[t], res); err != nil {
			return res, err
		}
	}

	// Binary objects.
	if o.transfers != nil {
		o.setPhase(PhaseTransfers)
		failed, err := o.transfers.Flush(ctx)
		res.Failed += failed
		if err != nil {
			return res, err
		}
	}

	// Validation is diagnostic: violations are logged and reported, never
	// fatal, so one bad row cannot wedge the device forever.
	o.setPhase(PhaseValidating)
	report, err := o.validator.Run()
	if err != nil {
		return res, err
	}
	res.Violations = len(report.Violations)

	o.setPhase(PhaseFinalizing)
	// The watermark moves to the cycle's start, not its end: anything the
	// server accepted mid-cycle lands in the next delta instead of falling
	// into the gap.
	if err := o.repo.SetLastSyncedAt(res.StartedAt.UnixMilli()); err != nil {
		return res, err
	}

	logging.Info("sync cycle completed", map[string]interface{}{
		"uploaded":   res.Uploaded,
		"downloaded": res.Downloaded,
		"merged":     res.Merged,
		"conflicts":  res.Conflicts,
		"deleted":    res.Deleted,
		"violations": res.Violations,
	})
	return res, nil
}

// uploadType pushes every pending entity of one type, then its tombstones.
// The per-type barrier is what lets the server enforce referential integrity:
// parents are fully pushed before any child arrives.
func (o *Orchestrator) uploadType(ctx context.Context, t models.EntityType, res *CycleResult, acked map[models.UUID]bool) error {
	pending, err := o.listUploadable(t)
	if err != nil {
		return err
	}

	for start := 0; start < len(pending); start += o.batchSize {
		end := start + o.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		if err := o.uploadBatch(ctx, pending[start:end], res); err != nil {
			return err
		}
	}

	return o.uploadTombstones(ctx, t, res, acked)
}

// listUploadable gathers the rows to push: never-synced, modified, and rows
// parked as sync_error in an earlier cycle, which get their retry here.
func (o *Orchestrator) listUploadable(t models.EntityType) ([]*models.Entity, error) {
	var out []*models.Entity
	for _, s := range []models.SyncStatus{models.StatusLocalOnly, models.StatusNeedsUpload, models.StatusSyncError} {
		batch, err := o.repo.ListByStatus(t, s)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

// uploadBatch pushes one chunk concurrently. Entities are pushed one record
// at a time so a single rejection never poisons its neighbors.
func (o *Orchestrator) uploadBatch(ctx context.Context, batch []*models.Entity, res *CycleResult) error {
	var (
		wg       sync.WaitGroup
		sem      = make(chan struct{}, o.concurrency)
		mu       sync.Mutex
		abortErr error
	)

	for _, e := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(e *models.Entity) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := o.repo.SetSyncStatus(e.ID, models.StatusUploading); err != nil {
				mu.Lock()
				abortErr = err
				mu.Unlock()
				return
			}

			err := o.client.Upsert(ctx, transport.RecordOf(e))
			if err != nil {
				if apperrors.Is(err, apperrors.ErrAuthRejected) {
					mu.Lock()
					abortErr = err
					mu.Unlock()
					return
				}
				logging.Warn("entity upload failed", map[string]interface{}{
					"entity_id": e.ID.String(),
					"type":      string(e.Type),
					"error":     err.Error(),
				})
				o.repo.SetSyncStatus(e.ID, models.StatusSyncError)
				mu.Lock()
				res.Failed++
				mu.Unlock()
				return
			}

			status := models.StatusInSync
			if task, ok := o.uploadTask(e); ok {
				status = models.StatusFilesPending
				o.transfers.Enqueue(task)
			}
			if err := o.repo.SetSyncStatus(e.ID, status); err != nil {
				mu.Lock()
				abortErr = err
				mu.Unlock()
				return
			}
			mu.Lock()
			res.Uploaded++
			mu.Unlock()
		}(e)
	}
	wg.Wait()

	return abortErr
}

// uploadTombstones propagates local deletions of one type. A tombstone is
// pruned only once the server acknowledged the delete; a transient failure
// leaves it queued for the next cycle.
func (o *Orchestrator) uploadTombstones(ctx context.Context, t models.EntityType, res *CycleResult, acked map[models.UUID]bool) error {
	tombstones, err := o.repo.ListTombstones(t)
	if err != nil {
		return err
	}
	for _, ts := range tombstones {
		if err := ctx.Err(); err != nil {
			return apperrors.Wrap(apperrors.ErrCycleCancelled, "cycle cancelled during delete propagation", err)
		}
		if err := o.client.Delete(ctx, ts.Type, ts.ID, ts.DeletedAt); err != nil {
			if apperrors.Is(err, apperrors.ErrAuthRejected) {
				return err
			}
			logging.Warn("tombstone propagation failed", map[string]interface{}{
				"entity_id": ts.ID.String(),
				"type":      string(ts.Type),
				"error":     err.Error(),
			})
			res.Failed++
			continue
		}
		if err := o.repo.DeleteTombstone(ts.ID); err != nil {
			return err
		}
		acked[ts.ID] = true
		res.Deleted++
	}
	return nil
}

// applyChanged merges one type's remote records into the local store. All
// reads happen up front (the single SQLite connection is busy once the
// transaction opens), then every write for the type commits atomically so a
// crash mid-type never leaves half a type applied.
func (o *Orchestrator) applyChanged(t models.EntityType, records []transport.Record, res *CycleResult, acked map[models.UUID]bool) error {
	if len(records) == 0 {
		return nil
	}

	type write struct {
		save *models.Entity
		task *transfer.Task
	}
	var writes []write

	for i := range records {
		rec := &records[i]
		if rec.Type != t {
			continue
		}
		if acked[rec.ID] {
			continue
		}

		tombstoned, err := o.repo.HasTombstone(rec.ID)
		if err != nil {
			return err
		}
		if tombstoned {
			// Locally deleted; the pending tombstone outranks any remote
			// edit until the delete propagates.
			continue
		}

		local, err := o.repo.GetEntity(rec.ID)
		if err != nil {
			return err
		}

		if local == nil || !locallyModified(local.SyncStatus) {
			if local != nil && rec.UpdatedAt <= local.UpdatedAt {
				// The delta can lag what this device just pushed; never
				// step a clean row backwards.
				continue
			}
			incoming := rec.Entity(models.StatusInSync)
			w := write{save: incoming}
			if task, ok := o.downloadTask(incoming); ok {
				incoming.SyncStatus = models.StatusFilesPending
				w.task = task
			}
			writes = append(writes, w)
			res.Downloaded++
			continue
		}

		resolution, err := o.engine.Resolve(local, rec.Entity(models.StatusInSync))
		if err != nil {
			return err
		}
		switch resolution.Verdict {
		case conflict.RemoteWins:
			incoming := rec.Entity(models.StatusInSync)
			w := write{save: incoming}
			if task, ok := o.downloadTask(incoming); ok {
				incoming.SyncStatus = models.StatusFilesPending
				w.task = task
			}
			writes = append(writes, w)
			res.Downloaded++
		case conflict.LocalWins:
			// Keep the local row; make sure it goes out next cycle even if
			// it was parked as sync_error.
			if local.SyncStatus != models.StatusNeedsUpload {
				keep := local.Clone()
				keep.SyncStatus = models.StatusNeedsUpload
				writes = append(writes, write{save: keep})
			}
		case conflict.Merged:
			merged := resolution.Merged
			merged.SyncStatus = models.StatusNeedsUpload
			writes = append(writes, write{save: merged})
			res.Merged++
		case conflict.Conflict:
			parked := local.Clone()
			parked.SyncStatus = models.StatusConflict
			writes = append(writes, write{save: parked})
			res.Conflicts++
		}
	}

	if len(writes) == 0 {
		return nil
	}

	err := o.repo.InTransaction(func(tx *sql.Tx) error {
		for _, w := range writes {
			if err := o.repo.SaveEntityTx(tx, w.save); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if o.transfers != nil {
		for _, w := range writes {
			if w.task != nil {
				o.transfers.Enqueue(w.task)
			}
		}
	}
	return nil
}

// applyDeleted removes rows the server deleted. A matching local tombstone
// is dropped too: the server already knows about that deletion.
func (o *Orchestrator) applyDeleted(t models.EntityType, ids []models.UUID, res *CycleResult) error {
	if len(ids) == 0 {
		return nil
	}

	present := make([]models.UUID, 0, len(ids))
	for _, id := range ids {
		local, err := o.repo.GetEntity(id)
		if err != nil {
			return err
		}
		if local != nil {
			present = append(present, id)
		}
	}

	err := o.repo.InTransaction(func(tx *sql.Tx) error {
		for _, id := range present {
			if err := o.repo.DeleteEntityTx(tx, id); err != nil {
				return err
			}
		}
		for _, id := range ids {
			if err := o.repo.DeleteTombstoneTx(tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	res.Deleted += len(present)
	return nil
}

// locallyModified reports whether the row carries changes the server has not
// seen.
func locallyModified(s models.SyncStatus) bool {
	switch s {
	case models.StatusLocalOnly, models.StatusNeedsUpload, models.StatusSyncError, models.StatusConflict:
		return true
	default:
		return false
	}
}

// uploadTask builds the binary upload for an entity that carries a local
// file, or reports false when there is nothing to push.
func (o *Orchestrator) uploadTask(e *models.Entity) (*transfer.Task, bool) {
	if o.transfers == nil {
		return nil, false
	}
	switch e.Type {
	case models.TypeMediaItem:
		var p models.MediaItem
		if err := e.DecodePayload(&p); err != nil || p.LocalPath == "" || p.ObjectKey == "" {
			return nil, false
		}
		return &transfer.Task{
			EntityID:   e.ID,
			Direction:  transfer.DirectionUpload,
			ObjectKey:  p.ObjectKey,
			LocalPath:  p.LocalPath,
			SizeBytes:  p.SizeBytes,
			Band:       o.bandFor(p.SizeBytes),
			DoneStatus: models.StatusInSync,
		}, true
	case models.TypeGPXTrack:
		var p models.GPXTrack
		if err := e.DecodePayload(&p); err != nil || p.LocalPath == "" || p.ObjectKey == "" {
			return nil, false
		}
		return &transfer.Task{
			EntityID:   e.ID,
			Direction:  transfer.DirectionUpload,
			ObjectKey:  p.ObjectKey,
			LocalPath:  p.LocalPath,
			SizeBytes:  p.SizeBytes,
			Band:       o.bandFor(p.SizeBytes),
			DoneStatus: models.StatusInSync,
		}, true
	}
	return nil, false
}

// downloadTask builds the binary fetch for a remote entity whose bytes are
// not cached yet.
func (o *Orchestrator) downloadTask(e *models.Entity) (*transfer.Task, bool) {
	if o.transfers == nil || o.cache == nil {
		return nil, false
	}
	switch e.Type {
	case models.TypeMediaItem:
		var p models.MediaItem
		if err := e.DecodePayload(&p); err != nil || p.ContentHash == "" || p.ObjectKey == "" {
			return nil, false
		}
		if o.cache.Has(p.ContentHash) {
			return nil, false
		}
		return &transfer.Task{
			EntityID:   e.ID,
			Direction:  transfer.DirectionDownload,
			ObjectKey:  p.ObjectKey,
			LocalPath:  o.cache.Path(p.ContentHash),
			SizeBytes:  p.SizeBytes,
			Band:       o.bandFor(p.SizeBytes),
			DoneStatus: models.StatusInSync,
		}, true
	case models.TypeGPXTrack:
		var p models.GPXTrack
		if err := e.DecodePayload(&p); err != nil || p.LocalPath == "" || p.ObjectKey == "" {
			return nil, false
		}
		if _, err := os.Stat(p.LocalPath); err == nil {
			return nil, false
		}
		return &transfer.Task{
			EntityID:   e.ID,
			Direction:  transfer.DirectionDownload,
			ObjectKey:  p.ObjectKey,
			LocalPath:  p.LocalPath,
			SizeBytes:  p.SizeBytes,
			Band:       o.bandFor(p.SizeBytes),
			DoneStatus: models.StatusInSync,
		}, true
	}
	return nil, false
}

func (o *Orchestrator) bandFor(size int64) transfer.Band {
	if size > 0 && size <= o.smallLimit {
		return transfer.BandImmediate
	}
	return transfer.BandNormal
}
