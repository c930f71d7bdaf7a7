// Package db repository: CRUD over entities, tombstones and cycle state.
package db

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/wayfarer/sync-engine/internal/models"
)

// Repository provides the sync engine's view of local storage.
// Statements for hot queries are prepared on first use and cached.
type Repository struct {
	db *DB

	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from the cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// InTransaction runs fn inside a single transaction. The per-type
// receive-then-apply step of a download runs through here so a crash never
// leaves a type half applied.
func (r *Repository) InTransaction(fn func(tx *sql.Tx) error) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// =====================================================
// Entity operations
// =====================================================

const entityColumns = "id, entity_type, payload, created_at, updated_at, sync_status"

// SaveEntity upserts an entity by UUID. Re-applying the same entity is a
// no-op, which keeps download application idempotent.
func (r *Repository) SaveEntity(e *models.Entity) error {
	return execSaveEntity(r.db, e)
}

// SaveEntityTx is SaveEntity inside an existing transaction.
func (r *Repository) SaveEntityTx(tx *sql.Tx, e *models.Entity) error {
	return execSaveEntity(tx, e)
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func execSaveEntity(ex execer, e *models.Entity) error {
	query := `
	INSERT INTO entities (id, entity_type, payload, created_at, updated_at, sync_status)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		payload = excluded.payload,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		sync_status = excluded.sync_status
	`
	_, err := ex.Exec(query, e.ID, e.Type, string(e.Payload), e.CreatedAt, e.UpdatedAt, e.SyncStatus)
	if err != nil {
		return fmt.Errorf("failed to save entity %s: %w", e.ID, err)
	}
	return nil
}

// GetEntity retrieves an entity by ID. Returns (nil, nil) when absent.
func (r *Repository) GetEntity(id models.UUID) (*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	e, err := scanEntity(stmt.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (*models.Entity, error) {
	var e models.Entity
	var payload string
	if err := row.Scan(&e.ID, &e.Type, &payload, &e.CreatedAt, &e.UpdatedAt, &e.SyncStatus); err != nil {
		return nil, err
	}
	e.Payload = []byte(payload)
	return &e, nil
}

// ListByStatus returns entities of one type in one sync status, oldest
// update first so upload batches are stable.
func (r *Repository) ListByStatus(t models.EntityType, s models.SyncStatus) ([]*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities
		WHERE entity_type = ? AND sync_status = ? ORDER BY updated_at ASC, id ASC`
	return r.queryEntities(query, t, s)
}

// ListByType returns all entities of one type.
func (r *Repository) ListByType(t models.EntityType) ([]*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities
		WHERE entity_type = ? ORDER BY updated_at ASC, id ASC`
	return r.queryEntities(query, t)
}

// ListAll returns every entity. Used by the consistency validator.
func (r *Repository) ListAll() ([]*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities ORDER BY entity_type ASC, id ASC`
	return r.queryEntities(query)
}

func (r *Repository) queryEntities(query string, args ...interface{}) ([]*models.Entity, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("entity query failed: %w", err)
	}
	defer rows.Close()

	var out []*models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetSyncStatus updates one entity's sync status without touching payload or
// timestamps.
func (r *Repository) SetSyncStatus(id models.UUID, s models.SyncStatus) error {
	return execSetStatus(r.db, id, s)
}

// SetSyncStatusTx is SetSyncStatus inside an existing transaction.
func (r *Repository) SetSyncStatusTx(tx *sql.Tx, id models.UUID, s models.SyncStatus) error {
	return execSetStatus(tx, id, s)
}

func execSetStatus(ex execer, id models.UUID, s models.SyncStatus) error {
	_, err := ex.Exec(`UPDATE entities SET sync_status = ? WHERE id = ?`, s, id)
	if err != nil {
		return fmt.Errorf("failed to set status of %s: %w", id, err)
	}
	return nil
}

// ResetStatuses rewrites every entity in status from to status to. Used at
// startup to roll transitional uploading/downloading markers left by a crash
// back to their retryable statuses.
func (r *Repository) ResetStatuses(from, to models.SyncStatus) (int64, error) {
	res, err := r.db.Exec(`UPDATE entities SET sync_status = ? WHERE sync_status = ?`, to, from)
	if err != nil {
		return 0, fmt.Errorf("failed to reset statuses: %w", err)
	}
	return res.RowsAffected()
}

// DeleteEntity removes an entity row without leaving a tombstone. Used when
// applying a remote deletion.
func (r *Repository) DeleteEntity(id models.UUID) error {
	return execDeleteEntity(r.db, id)
}

// DeleteEntityTx is DeleteEntity inside an existing transaction.
func (r *Repository) DeleteEntityTx(tx *sql.Tx, id models.UUID) error {
	return execDeleteEntity(tx, id)
}

func execDeleteEntity(ex execer, id models.UUID) error {
	if _, err := ex.Exec(`DELETE FROM entities WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete entity %s: %w", id, err)
	}
	return nil
}

// DeleteWithTombstone is the local deletion path: the row is replaced by a
// tombstone in one transaction so the deletion cannot be lost.
func (r *Repository) DeleteWithTombstone(id models.UUID) error {
	return r.InTransaction(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT entity_type FROM entities WHERE id = ?`, id)
		var t models.EntityType
		if err := row.Scan(&t); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("entity %s not found", id)
			}
			return err
		}
		if _, err := tx.Exec(`DELETE FROM entities WHERE id = ?`, id); err != nil {
			return err
		}
		_, err := tx.Exec(`INSERT OR REPLACE INTO tombstones (id, entity_type, deleted_at) VALUES (?, ?, ?)`,
			id, t, models.NowMillis())
		return err
	})
}

// =====================================================
// Tombstone operations
// =====================================================

// SaveTombstone records a deletion marker.
func (r *Repository) SaveTombstone(ts *models.Tombstone) error {
	_, err := r.db.Exec(`INSERT OR REPLACE INTO tombstones (id, entity_type, deleted_at) VALUES (?, ?, ?)`,
		ts.ID, ts.Type, ts.DeletedAt)
	if err != nil {
		return fmt.Errorf("failed to save tombstone %s: %w", ts.ID, err)
	}
	return nil
}

// ListTombstones returns pending tombstones for one type, oldest first.
func (r *Repository) ListTombstones(t models.EntityType) ([]*models.Tombstone, error) {
	rows, err := r.db.Query(`SELECT id, entity_type, deleted_at FROM tombstones
		WHERE entity_type = ? ORDER BY deleted_at ASC, id ASC`, t)
	if err != nil {
		return nil, fmt.Errorf("tombstone query failed: %w", err)
	}
	defer rows.Close()

	var out []*models.Tombstone
	for rows.Next() {
		var ts models.Tombstone
		if err := rows.Scan(&ts.ID, &ts.Type, &ts.DeletedAt); err != nil {
			return nil, err
		}
		out = append(out, &ts)
	}
	return out, rows.Err()
}

// HasTombstone reports whether a deletion marker exists for id.
func (r *Repository) HasTombstone(id models.UUID) (bool, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM tombstones WHERE id = ?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteTombstone prunes a deletion marker (after server acknowledgement, or
// when the server's own delta reports the deletion).
func (r *Repository) DeleteTombstone(id models.UUID) error {
	return execDeleteTombstone(r.db, id)
}

// DeleteTombstoneTx is DeleteTombstone inside an existing transaction.
func (r *Repository) DeleteTombstoneTx(tx *sql.Tx, id models.UUID) error {
	return execDeleteTombstone(tx, id)
}

func execDeleteTombstone(ex execer, id models.UUID) error {
	if _, err := ex.Exec(`DELETE FROM tombstones WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete tombstone %s: %w", id, err)
	}
	return nil
}

// =====================================================
// Cycle state
// =====================================================

// GetCycleState reads the persisted watermark and single-flight guard.
func (r *Repository) GetCycleState() (*models.CycleState, error) {
	var cs models.CycleState
	var inProgress int
	err := r.db.QueryRow(`SELECT last_synced_at, cycle_in_progress FROM cycle_state WHERE id = 1`).
		Scan(&cs.LastSyncedAt, &inProgress)
	if err != nil {
		return nil, fmt.Errorf("failed to read cycle state: %w", err)
	}
	cs.CycleInProgress = inProgress != 0
	return &cs, nil
}

// TryBeginCycle atomically claims the single-flight guard. Returns false when
// a cycle is already in progress.
func (r *Repository) TryBeginCycle() (bool, error) {
	res, err := r.db.Exec(`UPDATE cycle_state SET cycle_in_progress = 1
		WHERE id = 1 AND cycle_in_progress = 0`)
	if err != nil {
		return false, fmt.Errorf("failed to claim cycle guard: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// EndCycle releases the single-flight guard.
func (r *Repository) EndCycle() error {
	if _, err := r.db.Exec(`UPDATE cycle_state SET cycle_in_progress = 0 WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to release cycle guard: %w", err)
	}
	return nil
}

// SetLastSyncedAt advances the watermark. Called only by the orchestrator's
// finalization step, with the wall clock captured at cycle start.
func (r *Repository) SetLastSyncedAt(millis int64) error {
	if _, err := r.db.Exec(`UPDATE cycle_state SET last_synced_at = ? WHERE id = 1`, millis); err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}
	return nil
}
