package graph

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peatmoor/basinflow/internal/domain"
)

// memRelations serves edges from an in-memory map keyed by the downstream
// basin id.
type memRelations struct {
	inbound map[int64][]domain.BasinRelation
}

func (m *memRelations) ListInboundRelations(_ context.Context, basinID int64, relationType string) ([]domain.BasinRelation, error) {
	var rels []domain.BasinRelation
	for _, rel := range m.inbound[basinID] {
		if relationType == "" || rel.RelationType == relationType {
			rels = append(rels, rel)
		}
	}
	return rels, nil
}

// edge declares "from drains into to".
func edge(from, to int64, weight *float64) domain.BasinRelation {
	return domain.BasinRelation{
		FromBasinID:  from,
		ToBasinID:    to,
		RelationType: domain.RelationUpstream,
		Weight:       weight,
	}
}

func buildSource(edges ...domain.BasinRelation) *memRelations {
	m := &memRelations{inbound: map[int64][]domain.BasinRelation{}}
	for _, e := range edges {
		m.inbound[e.ToBasinID] = append(m.inbound[e.ToBasinID], e)
	}
	return m
}

func ptr(f float64) *float64 { return &f }

func TestTraverseUpstream_Chain(t *testing.T) {
	// 3 -> 2 -> 1: basins 2 and 3 drain toward 1.
	src := buildSource(edge(2, 1, nil), edge(3, 2, nil))
	idx := New(src, domain.RelationUpstream)

	tr, err := idx.TraverseUpstream(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, tr.BasinIDs())

	tr, err = idx.TraverseUpstream(context.Background(), 1, 2)
	require.NoError(t, err)
	want := []Visit{
		{BasinID: 1, Depth: 0, PathWeight: 1.0},
		{BasinID: 2, Depth: 1, PathWeight: 1.0},
		{BasinID: 3, Depth: 2, PathWeight: 1.0},
	}
	if diff := cmp.Diff(want, tr.Visits); diff != "" {
		t.Errorf("visits mismatch (-want +got):\n%s", diff)
	}

	// Deeper than the graph: same answer, no error.
	tr, err = idx.TraverseUpstream(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, tr.BasinIDs())
}

func TestTraverseUpstream_DepthZeroIsOriginOnly(t *testing.T) {
	src := buildSource(edge(2, 1, nil))
	idx := New(src, domain.RelationUpstream)

	tr, err := idx.TraverseUpstream(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, tr.BasinIDs())
	assert.Empty(t, tr.Upstream())
}

func TestTraverseUpstream_CycleTerminates(t *testing.T) {
	// 1 -> 2 -> 3 -> 1, walked against the arrows from 1.
	src := buildSource(edge(1, 2, nil), edge(2, 3, nil), edge(3, 1, nil))
	idx := New(src, domain.RelationUpstream)

	tr, err := idx.TraverseUpstream(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2, 3}, tr.BasinIDs(), "each basin exactly once")
}

func TestTraverseUpstream_DiamondVisitedOnce(t *testing.T) {
	// 4 feeds both 2 and 3, which both feed 1.
	src := buildSource(edge(2, 1, nil), edge(3, 1, nil), edge(4, 2, nil), edge(4, 3, nil))
	idx := New(src, domain.RelationUpstream)

	tr, err := idx.TraverseUpstream(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.Len(t, tr.Visits, 4, "a basin reachable on two paths counts once")

	depths := map[int64]int{}
	for _, v := range tr.Visits {
		depths[v.BasinID] = v.Depth
	}
	assert.Equal(t, 0, depths[1])
	assert.Equal(t, 1, depths[2])
	assert.Equal(t, 1, depths[3])
	assert.Equal(t, 2, depths[4], "shallowest discovery depth wins")
}

func TestTraverseUpstream_PathWeights(t *testing.T) {
	src := buildSource(edge(2, 1, ptr(0.5)), edge(3, 2, ptr(0.4)), edge(4, 2, nil))
	idx := New(src, domain.RelationUpstream)

	tr, err := idx.TraverseUpstream(context.Background(), 1, 2)
	require.NoError(t, err)

	weights := map[int64]float64{}
	for _, v := range tr.Visits {
		weights[v.BasinID] = v.PathWeight
	}
	assert.Equal(t, 1.0, weights[1])
	assert.Equal(t, 0.5, weights[2])
	assert.InDelta(t, 0.2, weights[3], 1e-12)
	assert.Equal(t, 0.5, weights[4], "absent weight multiplies as 1.0")
}

func TestTraverseUpstream_RelationTypeFilter(t *testing.T) {
	other := domain.BasinRelation{FromBasinID: 3, ToBasinID: 1, RelationType: domain.RelationOther}
	src := buildSource(edge(2, 1, nil), other)
	idx := New(src, domain.RelationUpstream)

	tr, err := idx.TraverseUpstream(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, tr.BasinIDs(), "non-upstream edges are invisible")
}

func TestTraverseUpstream_NegativeDepth(t *testing.T) {
	idx := New(buildSource(), domain.RelationUpstream)
	_, err := idx.TraverseUpstream(context.Background(), 1, -1)
	assert.Error(t, err)
}

func TestTraverseUpstream_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	idx := New(buildSource(edge(2, 1, nil)), domain.RelationUpstream)
	_, err := idx.TraverseUpstream(ctx, 1, 2)
	assert.ErrorIs(t, err, context.Canceled)
}
