// Package registry declares the per-type sync configuration table: dependency
// edges between entity types, declared ordering priority, merge rule and
// reference extraction. Adding a syncable type means adding a row here plus,
// if needed, a merge rule and a reference extractor.
package registry

import (
	"fmt"

	"github.com/wayfarer/sync-engine/internal/models"
)

// MergeRule identifies the conflict policy applied to a type.
type MergeRule string

const (
	// MergeLastWriteWins keeps whichever version has the later UpdatedAt.
	MergeLastWriteWins MergeRule = "last_write_wins"

	// MergeContentFields applies field-level rules on top of last-write-wins
	// (longer text, tag union, ordered media union, location accuracy).
	MergeContentFields MergeRule = "content_fields"
)

// Ref is one outgoing UUID reference of an entity.
type Ref struct {
	Type models.EntityType
	ID   models.UUID

	// Exclusive marks references where the schema demands a single parent:
	// no two entities may hold an exclusive reference to the same target.
	Exclusive bool
}

// TypeSpec is one row of the configuration table.
type TypeSpec struct {
	Type models.EntityType

	// Priority breaks ties between types with no mutual dependency. It is a
	// declared order, deliberately not alphabetical, so test expectations
	// stay reproducible.
	Priority int

	// DependsOn lists types that must be fully applied before this one.
	DependsOn []models.EntityType

	Merge MergeRule

	// References extracts the entity's outgoing UUID references for the
	// consistency validator. Nil for types without references.
	References func(e *models.Entity) ([]Ref, error)
}

// Specs returns the full configuration table.
func Specs() []TypeSpec {
	return specs
}

// Lookup returns the spec for one type.
func Lookup(t models.EntityType) (TypeSpec, bool) {
	s, ok := byType[t]
	return s, ok
}

var specs = []TypeSpec{
	{
		Type:     models.TypeTagCategory,
		Priority: 10,
		Merge:    MergeLastWriteWins,
	},
	{
		Type:       models.TypeTag,
		Priority:   20,
		DependsOn:  []models.EntityType{models.TypeTagCategory},
		Merge:      MergeLastWriteWins,
		References: tagRefs,
	},
	{
		Type:     models.TypeBucketListItem,
		Priority: 30,
		Merge:    MergeLastWriteWins,
	},
	{
		// Trip's cover image is a forward reference into its own content
		// (Trip -> Memory -> MediaItem -> Trip would be a cycle), so it is
		// validated but never declared as a dependency edge.
		Type:       models.TypeTrip,
		Priority:   40,
		Merge:      MergeLastWriteWins,
		References: tripRefs,
	},
	{
		Type:       models.TypeMemory,
		Priority:   50,
		DependsOn:  []models.EntityType{models.TypeTrip, models.TypeTag},
		Merge:      MergeContentFields,
		References: memoryRefs,
	},
	{
		Type:       models.TypeMediaItem,
		Priority:   60,
		DependsOn:  []models.EntityType{models.TypeMemory},
		Merge:      MergeLastWriteWins,
		References: mediaItemRefs,
	},
	{
		Type:       models.TypeGPXTrack,
		Priority:   70,
		DependsOn:  []models.EntityType{models.TypeTrip},
		Merge:      MergeLastWriteWins,
		References: gpxTrackRefs,
	},
	{
		Type:       models.TypeMemoryTag,
		Priority:   80,
		DependsOn:  []models.EntityType{models.TypeMemory, models.TypeTag},
		Merge:      MergeLastWriteWins,
		References: memoryTagRefs,
	},
	{
		Type:       models.TypeMemoryBucketItem,
		Priority:   90,
		DependsOn:  []models.EntityType{models.TypeMemory, models.TypeBucketListItem},
		Merge:      MergeLastWriteWins,
		References: memoryBucketItemRefs,
	},
}

var byType = func() map[models.EntityType]TypeSpec {
	m := make(map[models.EntityType]TypeSpec, len(specs))
	for _, s := range specs {
		m[s.Type] = s
	}
	return m
}()

// ReferencesOf extracts the outgoing references of any entity, or nil when
// its type declares none.
func ReferencesOf(e *models.Entity) ([]Ref, error) {
	spec, ok := Lookup(e.Type)
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", e.Type)
	}
	if spec.References == nil {
		return nil, nil
	}
	return spec.References(e)
}

func tagRefs(e *models.Entity) ([]Ref, error) {
	var p models.Tag
	if err := e.DecodePayload(&p); err != nil {
		return nil, err
	}
	return []Ref{{Type: models.TypeTagCategory, ID: p.CategoryID}}, nil
}

func tripRefs(e *models.Entity) ([]Ref, error) {
	var p models.Trip
	if err := e.DecodePayload(&p); err != nil {
		return nil, err
	}
	if p.CoverMediaID == "" {
		return nil, nil
	}
	return []Ref{{Type: models.TypeMediaItem, ID: p.CoverMediaID}}, nil
}

func memoryRefs(e *models.Entity) ([]Ref, error) {
	var p models.Memory
	if err := e.DecodePayload(&p); err != nil {
		return nil, err
	}
	refs := []Ref{{Type: models.TypeTrip, ID: p.TripID}}
	for _, id := range p.TagIDs {
		refs = append(refs, Ref{Type: models.TypeTag, ID: id})
	}
	for _, id := range p.MediaIDs {
		// A media item appears in at most one memory's list.
		refs = append(refs, Ref{Type: models.TypeMediaItem, ID: id, Exclusive: true})
	}
	return refs, nil
}

func mediaItemRefs(e *models.Entity) ([]Ref, error) {
	var p models.MediaItem
	if err := e.DecodePayload(&p); err != nil {
		return nil, err
	}
	return []Ref{{Type: models.TypeMemory, ID: p.MemoryID}}, nil
}

func gpxTrackRefs(e *models.Entity) ([]Ref, error) {
	var p models.GPXTrack
	if err := e.DecodePayload(&p); err != nil {
		return nil, err
	}
	return []Ref{{Type: models.TypeTrip, ID: p.TripID}}, nil
}

func memoryTagRefs(e *models.Entity) ([]Ref, error) {
	var p models.MemoryTag
	if err := e.DecodePayload(&p); err != nil {
		return nil, err
	}
	return []Ref{
		{Type: models.TypeMemory, ID: p.MemoryID},
		{Type: models.TypeTag, ID: p.TagID},
	}, nil
}

func memoryBucketItemRefs(e *models.Entity) ([]Ref, error) {
	var p models.MemoryBucketItem
	if err := e.DecodePayload(&p); err != nil {
		return nil, err
	}
	return []Ref{
		{Type: models.TypeMemory, ID: p.MemoryID},
		{Type: models.TypeBucketListItem, ID: p.BucketItemID},
	}, nil
}
