package sync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/wayfarer/sync-engine/internal/db"
	apperrors "github.com/wayfarer/sync-engine/internal/errors"
	"github.com/wayfarer/sync-engine/internal/models"
	"github.com/wayfarer/sync-engine/internal/sync/transport"
)

type fakeClient struct {
	mu         sync.Mutex
	upserts    []transport.Record
	deletes    []models.UUID
	delta      *transport.DeltaResponse
	deltaErr   error
	deltaSince []int64
	upsertErr  func(rec *transport.Record) error
	deleteErr  error
}

func (f *fakeClient) Delta(ctx context.Context, since int64) (*transport.DeltaResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltaSince = append(f.deltaSince, since)
	if f.deltaErr != nil {
		return nil, f.deltaErr
	}
	if f.delta != nil {
		return f.delta, nil
	}
	return &transport.DeltaResponse{}, nil
}

func (f *fakeClient) Upsert(ctx context.Context, rec *transport.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		if err := f.upsertErr(rec); err != nil {
			return err
		}
	}
	f.upserts = append(f.upserts, *rec)
	return nil
}

func (f *fakeClient) Delete(ctx context.Context, t models.EntityType, id models.UUID, deletedAt int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletes = append(f.deletes, id)
	return nil
}

func (f *fakeClient) UploadURL(ctx context.Context, objectKey string) (*transport.SignedURL, error) {
	return &transport.SignedURL{URL: "https://unused", ExpiresAt: 1 << 60}, nil
}

func (f *fakeClient) DownloadURL(ctx context.Context, objectKey string) (*transport.SignedURL, error) {
	return &transport.SignedURL{URL: "https://unused", ExpiresAt: 1 << 60}, nil
}

func (f *fakeClient) uploadedIDs() []models.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.UUID, len(f.upserts))
	for i, r := range f.upserts {
		out[i] = r.ID
	}
	return out
}

func openRepo(t *testing.T) *db.Repository {
	t.Helper()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	repo := db.NewRepository(database)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newOrchestrator(t *testing.T, repo *db.Repository, client transport.Client, at time.Time) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(repo, client, Options{
		Concurrency: 1, // deterministic upload order in assertions
		Clock:       func() time.Time { return at },
	})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	return o
}

func seed(t *testing.T, repo *db.Repository, id models.UUID, et models.EntityType, updatedAt int64, status models.SyncStatus, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	e := &models.Entity{
		ID: id, Type: et, CreatedAt: updatedAt, UpdatedAt: updatedAt,
		SyncStatus: status, Payload: raw,
	}
	if err := repo.SaveEntity(e); err != nil {
		t.Fatalf("SaveEntity() error = %v", err)
	}
}

func record(t *testing.T, id models.UUID, et models.EntityType, updatedAt int64, payload interface{}) transport.Record {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return transport.Record{ID: id, Type: et, CreatedAt: updatedAt, UpdatedAt: updatedAt, Payload: raw}
}

// TestRunCycleUploadsInDependencyOrder verifies parents go out before
// children and statuses land on in_sync, with the watermark set to the
// cycle's start time.
func TestRunCycleUploadsInDependencyOrder(t *testing.T) {
	repo := openRepo(t)
	client := &fakeClient{}
	start := time.UnixMilli(50_000)
	o := newOrchestrator(t, repo, client, start)

	seed(t, repo, "mem-1", models.TypeMemory, 100, models.StatusNeedsUpload, models.Memory{TripID: "trip-1"})
	seed(t, repo, "trip-1", models.TypeTrip, 100, models.StatusNeedsUpload, models.Trip{Name: "Alps"})
	seed(t, repo, "tag-1", models.TypeTag, 100, models.StatusLocalOnly, models.Tag{CategoryID: "cat-1", Name: "hiking"})
	seed(t, repo, "cat-1", models.TypeTagCategory, 100, models.StatusNeedsUpload, models.TagCategory{Name: "activity"})

	res, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if res.Uploaded != 4 {
		t.Errorf("Uploaded = %d, want 4", res.Uploaded)
	}

	ids := client.uploadedIDs()
	pos := make(map[models.UUID]int)
	for i, id := range ids {
		pos[id] = i
	}
	if pos["cat-1"] > pos["tag-1"] || pos["tag-1"] > pos["mem-1"] || pos["trip-1"] > pos["mem-1"] {
		t.Errorf("upload order = %v", ids)
	}

	for _, id := range []models.UUID{"trip-1", "mem-1", "tag-1", "cat-1"} {
		got, _ := repo.GetEntity(id)
		if got.SyncStatus != models.StatusInSync {
			t.Errorf("%s status = %s, want in_sync", id, got.SyncStatus)
		}
	}

	cs, _ := repo.GetCycleState()
	if cs.LastSyncedAt != start.UnixMilli() {
		t.Errorf("watermark = %d, want %d (cycle start)", cs.LastSyncedAt, start.UnixMilli())
	}
	if cs.CycleInProgress {
		t.Error("cycle guard still held after RunCycle")
	}
}

// TestRunCycleSingleFlight verifies a held guard fails fast.
func TestRunCycleSingleFlight(t *testing.T) {
	repo := openRepo(t)
	o := newOrchestrator(t, repo, &fakeClient{}, time.UnixMilli(1000))

	if ok, _ := repo.TryBeginCycle(); !ok {
		t.Fatal("could not claim guard for test")
	}

	_, err := o.RunCycle(context.Background())
	if !apperrors.Is(err, apperrors.ErrSyncBusy) {
		t.Errorf("error = %v, want code %s", err, apperrors.ErrSyncBusy)
	}
}

// TestRunCycleDownloadCreatesAndDeletes verifies unknown remote records are
// stored in_sync and server deletions remove local rows.
func TestRunCycleDownloadCreatesAndDeletes(t *testing.T) {
	repo := openRepo(t)
	seed(t, repo, "old-tag", models.TypeTag, 10, models.StatusInSync, models.Tag{CategoryID: "cat-1", Name: "stale"})

	client := &fakeClient{
		delta: &transport.DeltaResponse{
			Changed: map[models.EntityType][]transport.Record{
				models.TypeTrip: {record(t, "trip-9", models.TypeTrip, 400, models.Trip{Name: "Dolomites"})},
			},
			Deleted: map[models.EntityType][]models.UUID{
				models.TypeTag: {"old-tag"},
			},
		},
	}
	o := newOrchestrator(t, repo, client, time.UnixMilli(1000))

	res, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if res.Downloaded != 1 || res.Deleted != 1 {
		t.Errorf("Downloaded = %d, Deleted = %d, want 1, 1", res.Downloaded, res.Deleted)
	}

	got, _ := repo.GetEntity("trip-9")
	if got == nil || got.SyncStatus != models.StatusInSync || got.UpdatedAt != 400 {
		t.Errorf("trip-9 = %+v", got)
	}
	if gone, _ := repo.GetEntity("old-tag"); gone != nil {
		t.Error("old-tag still present after server deletion")
	}
}

// TestRunCycleDeltaFailureKeepsWatermark verifies a failed download leaves
// the watermark untouched so the next cycle re-fetches the same window.
func TestRunCycleDeltaFailureKeepsWatermark(t *testing.T) {
	repo := openRepo(t)
	if err := repo.SetLastSyncedAt(500); err != nil {
		t.Fatalf("SetLastSyncedAt() error = %v", err)
	}

	client := &fakeClient{deltaErr: apperrors.New(apperrors.ErrTransientNetwork, "timeout")}
	o := newOrchestrator(t, repo, client, time.UnixMilli(9000))

	_, err := o.RunCycle(context.Background())
	if !apperrors.Is(err, apperrors.ErrTransientNetwork) {
		t.Fatalf("error = %v, want transient", err)
	}

	cs, _ := repo.GetCycleState()
	if cs.LastSyncedAt != 500 {
		t.Errorf("watermark = %d, want 500 (unchanged)", cs.LastSyncedAt)
	}
	if cs.CycleInProgress {
		t.Error("guard still held after failed cycle")
	}

	// Retry with a healthy server resumes from the same watermark.
	client.deltaErr = nil
	if _, err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("retry RunCycle() error = %v", err)
	}
	if len(client.deltaSince) != 2 || client.deltaSince[1] != 500 {
		t.Errorf("delta since calls = %v, want second call at 500", client.deltaSince)
	}
}

// TestRunCycleUploadFailureSkipsDownload verifies a failed entity is parked
// as sync_error, the cycle reports failure and never fetches the delta.
func TestRunCycleUploadFailureSkipsDownload(t *testing.T) {
	repo := openRepo(t)
	seed(t, repo, "trip-1", models.TypeTrip, 100, models.StatusNeedsUpload, models.Trip{Name: "Alps"})
	seed(t, repo, "trip-2", models.TypeTrip, 200, models.StatusNeedsUpload, models.Trip{Name: "Andes"})

	client := &fakeClient{
		upsertErr: func(rec *transport.Record) error {
			if rec.ID == "trip-1" {
				return apperrors.New(apperrors.ErrTransientNetwork, "flaky link")
			}
			return nil
		},
	}
	o := newOrchestrator(t, repo, client, time.UnixMilli(1000))

	res, err := o.RunCycle(context.Background())
	if err == nil {
		t.Fatal("RunCycle() error = nil, want failure")
	}
	if res.Failed != 1 {
		t.Errorf("Failed = %d, want 1", res.Failed)
	}

	bad, _ := repo.GetEntity("trip-1")
	if bad.SyncStatus != models.StatusSyncError {
		t.Errorf("trip-1 status = %s, want sync_error", bad.SyncStatus)
	}
	good, _ := repo.GetEntity("trip-2")
	if good.SyncStatus != models.StatusInSync {
		t.Errorf("trip-2 status = %s, want in_sync (rest of type still pushed)", good.SyncStatus)
	}
	if len(client.deltaSince) != 0 {
		t.Error("delta fetched despite upload failures")
	}
	cs, _ := repo.GetCycleState()
	if cs.LastSyncedAt != 0 {
		t.Errorf("watermark = %d, want 0", cs.LastSyncedAt)
	}
}

// TestRunCycleUploadFailureStopsLaterTypes verifies a failure in an early
// type ends the upload phase once that type's batch finishes: later types
// stay queued instead of being pushed on top of a missing parent.
func TestRunCycleUploadFailureStopsLaterTypes(t *testing.T) {
	repo := openRepo(t)
	seed(t, repo, "tag-1", models.TypeTag, 100, models.StatusNeedsUpload, models.Tag{CategoryID: "cat-1", Name: "hiking"})
	seed(t, repo, "trip-1", models.TypeTrip, 100, models.StatusNeedsUpload, models.Trip{Name: "Alps"})
	seed(t, repo, "mem-1", models.TypeMemory, 100, models.StatusNeedsUpload, models.Memory{TripID: "trip-1"})

	client := &fakeClient{
		upsertErr: func(rec *transport.Record) error {
			if rec.ID == "tag-1" {
				return apperrors.New(apperrors.ErrTransientNetwork, "flaky link")
			}
			return nil
		},
	}
	o := newOrchestrator(t, repo, client, time.UnixMilli(1000))

	_, err := o.RunCycle(context.Background())
	if !apperrors.Is(err, apperrors.ErrTransferFailed) {
		t.Fatalf("error = %v, want code %s", err, apperrors.ErrTransferFailed)
	}

	if ids := client.uploadedIDs(); len(ids) != 0 {
		t.Errorf("uploaded after failure = %v, want none", ids)
	}
	trip, _ := repo.GetEntity("trip-1")
	if trip.SyncStatus != models.StatusNeedsUpload {
		t.Errorf("trip-1 status = %s, want needs_upload (type never started)", trip.SyncStatus)
	}
	mem, _ := repo.GetEntity("mem-1")
	if mem.SyncStatus != models.StatusNeedsUpload {
		t.Errorf("mem-1 status = %s, want needs_upload (type never started)", mem.SyncStatus)
	}
	if len(client.deltaSince) != 0 {
		t.Error("delta fetched despite upload failures")
	}
}

// TestRunCycleAuthFailureAborts verifies rejected credentials stop the cycle
// immediately.
func TestRunCycleAuthFailureAborts(t *testing.T) {
	repo := openRepo(t)
	seed(t, repo, "trip-1", models.TypeTrip, 100, models.StatusNeedsUpload, models.Trip{Name: "Alps"})

	client := &fakeClient{
		upsertErr: func(rec *transport.Record) error {
			return apperrors.New(apperrors.ErrAuthRejected, "token expired")
		},
	}
	o := newOrchestrator(t, repo, client, time.UnixMilli(1000))

	_, err := o.RunCycle(context.Background())
	if !apperrors.Is(err, apperrors.ErrAuthRejected) {
		t.Errorf("error = %v, want code %s", err, apperrors.ErrAuthRejected)
	}
}

// TestRunCycleTombstonePropagation verifies deletes reach the server, the
// tombstone is pruned on acknowledgment, and a stale remote version of the
// deleted entity cannot resurrect it in the same cycle.
func TestRunCycleTombstonePropagation(t *testing.T) {
	repo := openRepo(t)
	seed(t, repo, "mem-1", models.TypeMemory, 100, models.StatusInSync, models.Memory{TripID: "trip-1"})
	if err := repo.DeleteWithTombstone("mem-1"); err != nil {
		t.Fatalf("DeleteWithTombstone() error = %v", err)
	}

	client := &fakeClient{
		delta: &transport.DeltaResponse{
			Changed: map[models.EntityType][]transport.Record{
				models.TypeMemory: {record(t, "mem-1", models.TypeMemory, 150, models.Memory{TripID: "trip-1"})},
			},
		},
	}
	o := newOrchestrator(t, repo, client, time.UnixMilli(1000))

	res, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if res.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", res.Deleted)
	}
	if len(client.deletes) != 1 || client.deletes[0] != "mem-1" {
		t.Errorf("server deletes = %v", client.deletes)
	}
	if has, _ := repo.HasTombstone("mem-1"); has {
		t.Error("tombstone not pruned after acknowledgment")
	}
	if back, _ := repo.GetEntity("mem-1"); back != nil {
		t.Error("deleted entity resurrected by stale delta record")
	}
}

// TestRunCycleFailedDeletePropagationKeepsTombstone verifies an unreachable
// server leaves the tombstone queued for the next cycle.
func TestRunCycleFailedDeletePropagationKeepsTombstone(t *testing.T) {
	repo := openRepo(t)
	seed(t, repo, "mem-1", models.TypeMemory, 100, models.StatusInSync, models.Memory{TripID: "trip-1"})
	repo.DeleteWithTombstone("mem-1")

	client := &fakeClient{deleteErr: apperrors.New(apperrors.ErrTransientNetwork, "down")}
	o := newOrchestrator(t, repo, client, time.UnixMilli(1000))

	if _, err := o.RunCycle(context.Background()); err == nil {
		t.Fatal("RunCycle() error = nil, want failure")
	}
	if has, _ := repo.HasTombstone("mem-1"); !has {
		t.Error("tombstone pruned without server acknowledgment")
	}
}

// TestApplyChangedResolvesConcurrentEdits verifies delta application against
// rows that still carry unpushed edits: newer local kept for re-upload,
// memory field merge stored for upload, older local overwritten, and
// double-flagged memories parked as conflict.
func TestApplyChangedResolvesConcurrentEdits(t *testing.T) {
	repo := openRepo(t)
	seed(t, repo, "trip-1", models.TypeTrip, 300, models.StatusNeedsUpload, models.Trip{Name: "local newer"})
	seed(t, repo, "trip-2", models.TypeTrip, 100, models.StatusNeedsUpload, models.Trip{Name: "local older"})
	seed(t, repo, "mem-1", models.TypeMemory, 100, models.StatusNeedsUpload, models.Memory{
		TripID: "trip-1", TagIDs: []models.UUID{"tag-a"},
	})
	seed(t, repo, "mem-2", models.TypeMemory, 100, models.StatusNeedsUpload, models.Memory{
		TripID: "trip-1", NeedsReview: true,
	})

	o := newOrchestrator(t, repo, &fakeClient{}, time.UnixMilli(1000))
	res := &CycleResult{}
	acked := map[models.UUID]bool{}

	err := o.applyChanged(models.TypeTrip, []transport.Record{
		record(t, "trip-1", models.TypeTrip, 200, models.Trip{Name: "remote older"}),
		record(t, "trip-2", models.TypeTrip, 200, models.Trip{Name: "remote newer"}),
	}, res, acked)
	if err != nil {
		t.Fatalf("applyChanged(trips) error = %v", err)
	}
	err = o.applyChanged(models.TypeMemory, []transport.Record{
		record(t, "mem-1", models.TypeMemory, 200, models.Memory{
			TripID: "trip-1", TagIDs: []models.UUID{"tag-b"},
		}),
		record(t, "mem-2", models.TypeMemory, 200, models.Memory{
			TripID: "trip-1", NeedsReview: true,
		}),
	}, res, acked)
	if err != nil {
		t.Fatalf("applyChanged(memories) error = %v", err)
	}

	if res.Merged != 1 || res.Conflicts != 1 || res.Downloaded != 1 {
		t.Errorf("Merged = %d, Conflicts = %d, Downloaded = %d, want 1, 1, 1",
			res.Merged, res.Conflicts, res.Downloaded)
	}

	trip1, _ := repo.GetEntity("trip-1")
	if trip1.UpdatedAt != 300 || trip1.SyncStatus != models.StatusNeedsUpload {
		t.Errorf("trip-1 = %d/%s, want 300/needs_upload (local kept)", trip1.UpdatedAt, trip1.SyncStatus)
	}

	trip2, _ := repo.GetEntity("trip-2")
	if trip2.UpdatedAt != 200 || trip2.SyncStatus != models.StatusInSync {
		t.Errorf("trip-2 = %d/%s, want 200/in_sync (remote wins)", trip2.UpdatedAt, trip2.SyncStatus)
	}

	mem1, _ := repo.GetEntity("mem-1")
	if mem1.SyncStatus != models.StatusNeedsUpload {
		t.Errorf("mem-1 status = %s, want needs_upload (merge pending push)", mem1.SyncStatus)
	}
	var m models.Memory
	mem1.DecodePayload(&m)
	if len(m.TagIDs) != 2 {
		t.Errorf("mem-1 TagIDs = %v, want union of both sides", m.TagIDs)
	}

	mem2, _ := repo.GetEntity("mem-2")
	if mem2.SyncStatus != models.StatusConflict {
		t.Errorf("mem-2 status = %s, want conflict", mem2.SyncStatus)
	}
}

// TestRunCycleIdempotentDelta verifies applying the same delta twice leaves
// the store unchanged.
func TestRunCycleIdempotentDelta(t *testing.T) {
	repo := openRepo(t)
	client := &fakeClient{
		delta: &transport.DeltaResponse{
			Changed: map[models.EntityType][]transport.Record{
				models.TypeTrip: {record(t, "trip-1", models.TypeTrip, 400, models.Trip{Name: "Dolomites"})},
			},
		},
	}
	o := newOrchestrator(t, repo, client, time.UnixMilli(1000))

	if _, err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("first RunCycle() error = %v", err)
	}
	first, _ := repo.GetEntity("trip-1")

	if _, err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("second RunCycle() error = %v", err)
	}
	second, _ := repo.GetEntity("trip-1")

	if second.UpdatedAt != first.UpdatedAt || second.SyncStatus != first.SyncStatus ||
		string(second.Payload) != string(first.Payload) {
		t.Errorf("state changed on re-apply: %+v vs %+v", first, second)
	}

	all, _ := repo.ListByType(models.TypeTrip)
	if len(all) != 1 {
		t.Errorf("trip count = %d, want 1", len(all))
	}
}
