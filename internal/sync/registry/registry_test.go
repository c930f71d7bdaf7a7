package registry

import (
	"encoding/json"
	"testing"

	"github.com/wayfarer/sync-engine/internal/models"
)

// TestSpecsCoverAllTypes verifies every declared entity type has a row and
// every row is a declared entity type.
func TestSpecsCoverAllTypes(t *testing.T) {
	seen := make(map[models.EntityType]bool)
	for _, s := range Specs() {
		if seen[s.Type] {
			t.Errorf("duplicate row for %s", s.Type)
		}
		seen[s.Type] = true
	}
	for _, et := range models.AllEntityTypes() {
		if !seen[et] {
			t.Errorf("no row for %s", et)
		}
	}
	if len(seen) != len(models.AllEntityTypes()) {
		t.Errorf("row count = %d, want %d", len(seen), len(models.AllEntityTypes()))
	}
}

// TestDependsOnTargetsExist verifies dependency edges only point at declared
// types.
func TestDependsOnTargetsExist(t *testing.T) {
	for _, s := range Specs() {
		for _, dep := range s.DependsOn {
			if _, ok := Lookup(dep); !ok {
				t.Errorf("%s depends on unknown type %s", s.Type, dep)
			}
		}
	}
}

// TestPrioritiesDistinct verifies tie-break priorities are unique, keeping
// the topological order deterministic.
func TestPrioritiesDistinct(t *testing.T) {
	byPriority := make(map[int]models.EntityType)
	for _, s := range Specs() {
		if other, dup := byPriority[s.Priority]; dup {
			t.Errorf("priority %d shared by %s and %s", s.Priority, s.Type, other)
		}
		byPriority[s.Priority] = s.Type
	}
}

func mustEntity(t *testing.T, et models.EntityType, payload interface{}) *models.Entity {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &models.Entity{ID: "e1", Type: et, Payload: raw}
}

// TestMemoryReferences verifies the extractor reports trip, tags and the
// exclusive media references.
func TestMemoryReferences(t *testing.T) {
	e := mustEntity(t, models.TypeMemory, models.Memory{
		TripID:   "trip-1",
		TagIDs:   []models.UUID{"tag-1", "tag-2"},
		MediaIDs: []models.UUID{"media-1"},
	})

	refs, err := ReferencesOf(e)
	if err != nil {
		t.Fatalf("ReferencesOf() error = %v", err)
	}
	if len(refs) != 4 {
		t.Fatalf("len(refs) = %d, want 4", len(refs))
	}
	if refs[0].Type != models.TypeTrip || refs[0].ID != "trip-1" {
		t.Errorf("refs[0] = %+v", refs[0])
	}
	var exclusive int
	for _, r := range refs {
		if r.Exclusive {
			exclusive++
			if r.Type != models.TypeMediaItem {
				t.Errorf("exclusive ref on %s, want media_item only", r.Type)
			}
		}
	}
	if exclusive != 1 {
		t.Errorf("exclusive refs = %d, want 1", exclusive)
	}
}

// TestTripCoverReferenceOptional verifies an empty cover yields no refs.
func TestTripCoverReferenceOptional(t *testing.T) {
	e := mustEntity(t, models.TypeTrip, models.Trip{Name: "Alps"})
	refs, err := ReferencesOf(e)
	if err != nil {
		t.Fatalf("ReferencesOf() error = %v", err)
	}
	if len(refs) != 0 {
		t.Errorf("refs = %+v, want none", refs)
	}

	e = mustEntity(t, models.TypeTrip, models.Trip{Name: "Alps", CoverMediaID: "media-9"})
	refs, _ = ReferencesOf(e)
	if len(refs) != 1 || refs[0].ID != "media-9" {
		t.Errorf("refs = %+v, want one cover ref", refs)
	}
}

// TestReferencesOfUnknownType verifies the error path.
func TestReferencesOfUnknownType(t *testing.T) {
	e := &models.Entity{ID: "e1", Type: "mystery", Payload: []byte(`{}`)}
	if _, err := ReferencesOf(e); err == nil {
		t.Error("ReferencesOf(unknown type) error = nil, want error")
	}
}
