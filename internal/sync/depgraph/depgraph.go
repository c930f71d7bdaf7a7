// Package depgraph orders entity types so that referenced types are always
// processed before the types referencing them.
package depgraph

import (
	"sort"

	apperrors "github.com/wayfarer/sync-engine/internal/errors"
	"github.com/wayfarer/sync-engine/internal/models"
	"github.com/wayfarer/sync-engine/internal/sync/registry"
)

// Resolver computes the processing order for a set of type specs. The order
// is computed once at construction since the table is static.
type Resolver struct {
	order []models.EntityType
}

// New builds a resolver over the full registry table.
func New() (*Resolver, error) {
	return NewFromSpecs(registry.Specs())
}

// NewFromSpecs builds a resolver over an explicit table.
func NewFromSpecs(specs []registry.TypeSpec) (*Resolver, error) {
	order, err := sortSpecs(specs)
	if err != nil {
		return nil, err
	}
	return &Resolver{order: order}, nil
}

// Order returns every type in dependency order, restricted to the types
// requested. Passing no types returns the full order. The result depends
// only on the table, never on the argument order.
func (r *Resolver) Order(types ...models.EntityType) []models.EntityType {
	if len(types) == 0 {
		out := make([]models.EntityType, len(r.order))
		copy(out, r.order)
		return out
	}

	want := make(map[models.EntityType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	out := make([]models.EntityType, 0, len(types))
	for _, t := range r.order {
		if want[t] {
			out = append(out, t)
		}
	}
	return out
}

// sortSpecs runs Kahn's algorithm. Among types whose dependencies are all
// satisfied, the lowest declared priority goes first, which makes the result
// total and deterministic.
func sortSpecs(specs []registry.TypeSpec) ([]models.EntityType, error) {
	priority := make(map[models.EntityType]int, len(specs))
	indegree := make(map[models.EntityType]int, len(specs))
	dependents := make(map[models.EntityType][]models.EntityType, len(specs))

	for _, s := range specs {
		priority[s.Type] = s.Priority
		indegree[s.Type] = 0
	}
	for _, s := range specs {
		for _, dep := range s.DependsOn {
			if _, ok := priority[dep]; !ok {
				return nil, apperrors.New(apperrors.ErrInvalid,
					"dependency on undeclared type "+string(dep))
			}
			indegree[s.Type]++
			dependents[dep] = append(dependents[dep], s.Type)
		}
	}

	var ready []models.EntityType
	for t, deg := range indegree {
		if deg == 0 {
			ready = append(ready, t)
		}
	}

	order := make([]models.EntityType, 0, len(specs))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return priority[ready[i]] < priority[ready[j]]
		})
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(specs) {
		remaining := make([]string, 0)
		for t, deg := range indegree {
			if deg > 0 {
				remaining = append(remaining, string(t))
			}
		}
		sort.Strings(remaining)
		msg := "dependency cycle among entity types"
		for i, t := range remaining {
			if i == 0 {
				msg += ": " + t
			} else {
				msg += ", " + t
			}
		}
		return nil, apperrors.New(apperrors.ErrCycleDetected, msg)
	}

	return order, nil
}
