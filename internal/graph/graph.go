// Package graph answers bounded-depth upstream reachability questions over
// the basin relation graph.
package graph

import (
	"context"
	"fmt"

	"github.com/peatmoor/basinflow/internal/domain"
)

// RelationSource supplies the edges arriving at a basin. Traversal walks
// edges against their direction: from a basin toward the basins that drain
// into it.
type RelationSource interface {
	ListInboundRelations(ctx context.Context, basinID int64, relationType string) ([]domain.BasinRelation, error)
}

// Visit is one basin discovered by an upstream traversal.
type Visit struct {
	BasinID int64
	Depth   int
	// PathWeight is the product of edge weights along the discovery path,
	// with absent weights counted as 1.0. The default aggregation policy
	// ignores it; weighted aggregation is an opt-in extension.
	PathWeight float64
}

// Traversal holds the result of one upstream walk. Each basin appears at
// most once, at the shallowest depth it was discovered at, so aggregation
// never double-counts a basin reachable through multiple paths. The visited
// set also guarantees termination on cyclic graphs.
type Traversal struct {
	Origin int64
	Visits []Visit // breadth-first order; Visits[0] is the origin at depth 0
}

// BasinIDs returns the visited basin ids in discovery order.
func (t Traversal) BasinIDs() []int64 {
	ids := make([]int64, len(t.Visits))
	for i, v := range t.Visits {
		ids[i] = v.BasinID
	}
	return ids
}

// Upstream returns the visits excluding the origin.
func (t Traversal) Upstream() []Visit {
	if len(t.Visits) == 0 {
		return nil
	}
	return t.Visits[1:]
}

// Index walks the relation graph. It holds no state between traversals;
// every call reads a fresh adjacency view from the relation source, so
// concurrent traversals never interfere.
type Index struct {
	source       RelationSource
	relationType string
}

// New creates an Index filtered to one relation type. An empty relationType
// traverses every edge regardless of type.
func New(source RelationSource, relationType string) *Index {
	return &Index{source: source, relationType: relationType}
}

// TraverseUpstream breadth-first walks from origin toward its sources,
// bounded by maxDepth edges. Depth 0 yields only the origin.
func (idx *Index) TraverseUpstream(ctx context.Context, origin int64, maxDepth int) (Traversal, error) {
	if maxDepth < 0 {
		return Traversal{}, fmt.Errorf("depth must be non-negative, got %d", maxDepth)
	}

	t := Traversal{Origin: origin}
	visited := map[int64]bool{origin: true}
	frontier := []Visit{{BasinID: origin, Depth: 0, PathWeight: 1.0}}

	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return Traversal{}, err
		}

		cur := frontier[0]
		frontier = frontier[1:]
		t.Visits = append(t.Visits, cur)

		if cur.Depth >= maxDepth {
			continue
		}

		rels, err := idx.source.ListInboundRelations(ctx, cur.BasinID, idx.relationType)
		if err != nil {
			return Traversal{}, fmt.Errorf("expand basin %d: %w", cur.BasinID, err)
		}
		for _, rel := range rels {
			next := rel.FromBasinID
			if visited[next] {
				// Already discovered at a shallower or equal depth
				// (breadth-first order). Not re-expanded; this is the
				// cycle guard and it is not an error.
				continue
			}
			visited[next] = true
			frontier = append(frontier, Visit{
				BasinID:    next,
				Depth:      cur.Depth + 1,
				PathWeight: cur.PathWeight * edgeWeight(rel),
			})
		}
	}

	return t, nil
}

// edgeWeight treats an absent weight as the multiplicative identity, so
// unweighted graphs behave exactly like weight-1.0 graphs.
func edgeWeight(rel domain.BasinRelation) float64 {
	if rel.Weight == nil {
		return 1.0
	}
	return *rel.Weight
}
