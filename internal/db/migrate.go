package db

import (
	"fmt"
)

// schemaVersion is bumped whenever migrations below change.
const schemaVersion = 1

// Migrate applies the schema. Statements are idempotent so repeated startup
// runs are safe.
func (db *DB) Migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entities (
			id          TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			payload     TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL,
			sync_status TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_type_status
			ON entities(entity_type, sync_status)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_updated_at
			ON entities(updated_at)`,
		`CREATE TABLE IF NOT EXISTS tombstones (
			id          TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			deleted_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tombstones_type
			ON tombstones(entity_type)`,
		`CREATE TABLE IF NOT EXISTS cycle_state (
			id                INTEGER PRIMARY KEY CHECK (id = 1),
			last_synced_at    INTEGER NOT NULL DEFAULT 0,
			cycle_in_progress INTEGER NOT NULL DEFAULT 0
		)`,
		`INSERT OR IGNORE INTO cycle_state (id, last_synced_at, cycle_in_progress)
			VALUES (1, 0, 0)`,
		`CREATE TABLE IF NOT EXISTS schema_meta (
			version INTEGER NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	// Record the version once; future migrations key off it.
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_meta`).Scan(&count); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`INSERT INTO schema_meta (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	}

	return nil
}
