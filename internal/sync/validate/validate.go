// Package validate checks referential consistency of the local store after a
// sync cycle. It reports problems; it never mutates data.
package validate

import (
	"fmt"

	"github.com/wayfarer/sync-engine/internal/logging"
	"github.com/wayfarer/sync-engine/internal/models"
	"github.com/wayfarer/sync-engine/internal/sync/registry"
)

// Kind classifies a violation.
type Kind string

const (
	// KindDanglingReference: an entity points at an ID with neither a row
	// nor a tombstone.
	KindDanglingReference Kind = "dangling_reference"

	// KindStaleTransfer: an entity is still marked uploading or downloading
	// outside a running cycle.
	KindStaleTransfer Kind = "stale_transfer"

	// KindSharedExclusive: two entities claim the same exclusively-owned
	// child.
	KindSharedExclusive Kind = "shared_exclusive"
)

// Violation is one detected inconsistency.
type Violation struct {
	Kind     Kind
	EntityID models.UUID
	Type     models.EntityType
	Detail   string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s %s/%s: %s", v.Kind, v.Type, v.EntityID, v.Detail)
}

// Report is the outcome of one validation run.
type Report struct {
	Checked    int
	Violations []Violation
}

// Clean reports whether no violations were found.
func (r *Report) Clean() bool {
	return len(r.Violations) == 0
}

// Store is the subset of the repository the validator reads.
type Store interface {
	ListAll() ([]*models.Entity, error)
	HasTombstone(id models.UUID) (bool, error)
}

// Validator walks the whole store once per run.
type Validator struct {
	store Store
}

func New(store Store) *Validator {
	return &Validator{store: store}
}

// Run validates every entity's references and status. Entities referencing a
// tombstoned ID are not flagged: the deletion simply has not finished
// propagating.
func (v *Validator) Run() (*Report, error) {
	entities, err := v.store.ListAll()
	if err != nil {
		return nil, err
	}

	byID := make(map[models.UUID]*models.Entity, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}

	report := &Report{Checked: len(entities)}
	exclusiveOwner := make(map[models.UUID]models.UUID)

	for _, e := range entities {
		if e.SyncStatus == models.StatusUploading || e.SyncStatus == models.StatusDownloading {
			report.Violations = append(report.Violations, Violation{
				Kind:     KindStaleTransfer,
				EntityID: e.ID,
				Type:     e.Type,
				Detail:   "status " + string(e.SyncStatus) + " outside a running cycle",
			})
		}

		refs, err := registry.ReferencesOf(e)
		if err != nil {
			report.Violations = append(report.Violations, Violation{
				Kind:     KindDanglingReference,
				EntityID: e.ID,
				Type:     e.Type,
				Detail:   "undecodable payload: " + err.Error(),
			})
			continue
		}

		for _, ref := range refs {
			if ref.ID == "" {
				report.Violations = append(report.Violations, Violation{
					Kind:     KindDanglingReference,
					EntityID: e.ID,
					Type:     e.Type,
					Detail:   "empty reference to " + string(ref.Type),
				})
				continue
			}

			if _, ok := byID[ref.ID]; !ok {
				tombstoned, terr := v.store.HasTombstone(ref.ID)
				if terr != nil {
					return nil, terr
				}
				if !tombstoned {
					report.Violations = append(report.Violations, Violation{
						Kind:     KindDanglingReference,
						EntityID: e.ID,
						Type:     e.Type,
						Detail:   fmt.Sprintf("references missing %s %s", ref.Type, ref.ID),
					})
				}
				continue
			}

			if ref.Exclusive {
				if owner, claimed := exclusiveOwner[ref.ID]; claimed && owner != e.ID {
					report.Violations = append(report.Violations, Violation{
						Kind:     KindSharedExclusive,
						EntityID: e.ID,
						Type:     e.Type,
						Detail:   fmt.Sprintf("%s %s already owned by %s", ref.Type, ref.ID, owner),
					})
				} else {
					exclusiveOwner[ref.ID] = e.ID
				}
			}
		}
	}

	if !report.Clean() {
		logging.Warn("consistency check found violations", map[string]interface{}{
			"checked":    report.Checked,
			"violations": len(report.Violations),
		})
	}
	return report, nil
}
