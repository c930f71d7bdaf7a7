package models

// Tombstone records a local deletion until the server has acknowledged it.
// Deletions propagate as tombstones rather than silent absence: an entity
// missing after a download cycle must either exist or have a tombstone.
type Tombstone struct {
	ID        UUID       `db:"id" json:"id"`
	Type      EntityType `db:"entity_type" json:"type"`
	DeletedAt int64      `db:"deleted_at" json:"deleted_at"` // unix milliseconds
}

// CycleState is the durably persisted, process-wide sync state. It is mutated
// exclusively by the orchestrator's begin/finalize steps.
type CycleState struct {
	// LastSyncedAt is the watermark of the last fully committed cycle, in unix
	// milliseconds. Zero means no cycle has ever completed.
	LastSyncedAt int64 `db:"last_synced_at"`

	// CycleInProgress guards single-flight execution.
	CycleInProgress bool `db:"cycle_in_progress"`
}
