package depgraph

import (
	"testing"

	apperrors "github.com/wayfarer/sync-engine/internal/errors"
	"github.com/wayfarer/sync-engine/internal/models"
	"github.com/wayfarer/sync-engine/internal/sync/registry"
)

// TestFullOrder verifies the complete table sorts into the declared order.
func TestFullOrder(t *testing.T) {
	r, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	want := []models.EntityType{
		models.TypeTagCategory,
		models.TypeTag,
		models.TypeBucketListItem,
		models.TypeTrip,
		models.TypeMemory,
		models.TypeMediaItem,
		models.TypeGPXTrack,
		models.TypeMemoryTag,
		models.TypeMemoryBucketItem,
	}

	got := r.Order()
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

// TestOrderSubsetIgnoresArgumentOrder verifies restricting to a subset keeps
// dependency order no matter how the caller lists the types.
func TestOrderSubsetIgnoresArgumentOrder(t *testing.T) {
	r, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for _, args := range [][]models.EntityType{
		{models.TypeTag, models.TypeMemory},
		{models.TypeMemory, models.TypeTag},
	} {
		got := r.Order(args...)
		if len(got) != 2 || got[0] != models.TypeTag || got[1] != models.TypeMemory {
			t.Errorf("Order(%v) = %v, want [tag memory]", args, got)
		}
	}
}

// TestOrderDependenciesRespected verifies every edge of the table is honored
// in the full order.
func TestOrderDependenciesRespected(t *testing.T) {
	r, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	pos := make(map[models.EntityType]int)
	for i, et := range r.Order() {
		pos[et] = i
	}
	for _, s := range registry.Specs() {
		for _, dep := range s.DependsOn {
			if pos[dep] >= pos[s.Type] {
				t.Errorf("%s at %d not before %s at %d", dep, pos[dep], s.Type, pos[s.Type])
			}
		}
	}
}

// TestCycleDetected verifies a cyclic table is rejected with the dedicated
// error code instead of looping or truncating.
func TestCycleDetected(t *testing.T) {
	specs := []registry.TypeSpec{
		{Type: "a", Priority: 1, DependsOn: []models.EntityType{"b"}},
		{Type: "b", Priority: 2, DependsOn: []models.EntityType{"a"}},
		{Type: "c", Priority: 3},
	}

	_, err := NewFromSpecs(specs)
	if err == nil {
		t.Fatal("NewFromSpecs(cyclic) error = nil, want error")
	}
	if !apperrors.Is(err, apperrors.ErrCycleDetected) {
		t.Errorf("error code = %s, want %s", apperrors.CodeOf(err), apperrors.ErrCycleDetected)
	}
}

// TestUndeclaredDependencyRejected verifies edges must point at table rows.
func TestUndeclaredDependencyRejected(t *testing.T) {
	specs := []registry.TypeSpec{
		{Type: "a", Priority: 1, DependsOn: []models.EntityType{"ghost"}},
	}
	if _, err := NewFromSpecs(specs); err == nil {
		t.Error("NewFromSpecs(undeclared dep) error = nil, want error")
	}
}
