package aggregate_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peatmoor/basinflow/internal/aggregate"
	"github.com/peatmoor/basinflow/internal/domain"
	"github.com/peatmoor/basinflow/internal/observability"
	"github.com/peatmoor/basinflow/internal/store"
)

// fixture seeds a small catchment: C and B drain into A, D drains into C.
//
//	D -> C -> A
//	     B -> A
type fixture struct {
	store  *store.Store
	engine *aggregate.Engine
	ids    map[string]int64
	dtID   int64
}

var (
	day = domain.Window{
		Start: time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2019, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	hour1 = time.Date(2019, 1, 1, 1, 0, 0, 0, time.UTC)
	hour2 = time.Date(2019, 1, 1, 2, 0, 0, 0, time.UTC)
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	dt, err := s.CreateDataType(ctx, "Rainfall", "")
	require.NoError(t, err)

	f := &fixture{
		store: s,
		engine: aggregate.New(s, slog.New(slog.NewTextHandler(io.Discard, nil)),
			observability.NewMetricsForTesting()),
		ids:  map[string]int64{},
		dtID: dt.ID,
	}
	for _, name := range []string{"A", "B", "C", "D"} {
		b, _, err := s.FindOrCreateBasin(ctx, name)
		require.NoError(t, err)
		f.ids[name] = b.ID
	}
	f.relate(t, "C", "A", nil)
	f.relate(t, "B", "A", nil)
	f.relate(t, "D", "C", nil)
	return f
}

func (f *fixture) relate(t *testing.T, from, to string, weight *float64) {
	t.Helper()
	_, err := f.store.CreateRelation(context.Background(), f.ids[from], f.ids[to], domain.RelationUpstream, weight)
	require.NoError(t, err)
}

func (f *fixture) observe(t *testing.T, basin string, ts time.Time, value string) {
	t.Helper()
	v, err := decimal.NewFromString(value)
	require.NoError(t, err)
	_, err = f.store.UpsertObservationsBatch(context.Background(), []domain.ObservationRow{{
		BasinID: f.ids[basin], DataTypeID: f.dtID, Datetime: ts, Value: v, Source: "seed::1",
	}})
	require.NoError(t, err)
}

func TestTimeseries(t *testing.T) {
	f := newFixture(t)
	f.observe(t, "A", hour2, "0.5")
	f.observe(t, "A", hour1, "2.5")

	points, err := f.engine.Timeseries(context.Background(), "A", "rainfall", day)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, hour1, points[0].Timestamp)
	assert.Equal(t, "2.5", points[0].Value.String())
	assert.Equal(t, hour2, points[1].Timestamp)

	// Empty window: empty series, not an error.
	points, err = f.engine.Timeseries(context.Background(), "B", "Rainfall", day)
	require.NoError(t, err)
	assert.Empty(t, points)

	_, err = f.engine.Timeseries(context.Background(), "Z", "Rainfall", day)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.engine.Timeseries(context.Background(), "A", "Snowfall", day)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAggregateUpstream_SumsVisitedBasins(t *testing.T) {
	f := newFixture(t)
	f.observe(t, "A", hour1, "1.0")
	f.observe(t, "B", hour1, "0.2")
	f.observe(t, "C", hour1, "0.3")
	f.observe(t, "D", hour1, "10.0") // two edges away

	res, err := f.engine.AggregateUpstream(context.Background(), "A", "Rainfall", day, 1, aggregate.Options{})
	require.NoError(t, err)
	assert.Equal(t, "A", res.BasinID)
	assert.Equal(t, 2, res.UpstreamCount)
	assert.Equal(t, "1", res.BasinTotal.String())
	assert.Equal(t, "0.5", res.UpstreamTotal.String(), "depth 1 must not reach D")

	res, err = f.engine.AggregateUpstream(context.Background(), "A", "Rainfall", day, 2, aggregate.Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.UpstreamCount)
	assert.Equal(t, "10.5", res.UpstreamTotal.String())

	require.Len(t, res.Buckets, 1)
	assert.Equal(t, hour1, res.Buckets[0].Timestamp)
	assert.Equal(t, "11.5", res.Buckets[0].Value.String(), "bucket includes the origin")
}

func TestAggregateUpstream_DecimalExactness(t *testing.T) {
	f := newFixture(t)
	// 0.1 + 0.2 is the classic float trap.
	f.observe(t, "B", hour1, "0.1")
	f.observe(t, "C", hour1, "0.2")

	res, err := f.engine.AggregateUpstream(context.Background(), "A", "Rainfall", day, 1, aggregate.Options{})
	require.NoError(t, err)
	assert.Equal(t, "0.3", res.UpstreamTotal.String())
}

func TestAggregateUpstream_DepthZero(t *testing.T) {
	f := newFixture(t)
	f.observe(t, "A", hour1, "1.5")
	f.observe(t, "B", hour1, "9.9")

	res, err := f.engine.AggregateUpstream(context.Background(), "A", "Rainfall", day, 0, aggregate.Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.UpstreamCount)
	assert.Equal(t, "1.5", res.BasinTotal.String())
	assert.True(t, res.UpstreamTotal.IsZero())
}

func TestAggregateUpstream_NoUpstreamBasins(t *testing.T) {
	f := newFixture(t)
	f.observe(t, "D", hour1, "4.0")

	// D is a headwater: nothing drains into it.
	res, err := f.engine.AggregateUpstream(context.Background(), "D", "Rainfall", day, 3, aggregate.Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.UpstreamCount)
	assert.Equal(t, "4", res.BasinTotal.String())
}

func TestAggregateUpstream_EmptyWindowZeroTotals(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.AggregateUpstream(context.Background(), "A", "Rainfall", day, 2, aggregate.Options{})
	require.NoError(t, err)
	assert.True(t, res.BasinTotal.IsZero())
	assert.True(t, res.UpstreamTotal.IsZero())
	assert.Equal(t, 3, res.UpstreamCount, "basins with no data still count as visited")
	assert.Empty(t, res.Buckets)
}

func TestAggregateUpstream_CycleIsHarmless(t *testing.T) {
	f := newFixture(t)
	// Close the loop: A drains into D, making A -> D -> C -> A cyclic.
	f.relate(t, "A", "D", nil)
	f.observe(t, "A", hour1, "1.0")
	f.observe(t, "C", hour1, "2.0")
	f.observe(t, "D", hour1, "4.0")

	res, err := f.engine.AggregateUpstream(context.Background(), "A", "Rainfall", day, 10, aggregate.Options{})
	require.NoError(t, err)
	assert.Equal(t, "1", res.BasinTotal.String())
	assert.Equal(t, "6", res.UpstreamTotal.String(), "each basin contributes once despite the cycle")
}

func TestAggregateUpstream_WeightedContributions(t *testing.T) {
	f := newFixture(t)
	w := 0.5
	f.relate(t, "B", "A", &w) // updates the seeded edge's weight
	f.observe(t, "A", hour1, "1.0")
	f.observe(t, "B", hour1, "3.0")
	f.observe(t, "C", hour1, "2.0") // unweighted edge contributes as 1.0

	res, err := f.engine.AggregateUpstream(context.Background(), "A", "Rainfall", day, 1,
		aggregate.Options{Weighted: true})
	require.NoError(t, err)
	assert.Equal(t, "1", res.BasinTotal.String())
	assert.Equal(t, "3.5", res.UpstreamTotal.String(), "3.0*0.5 + 2.0*1.0")
}

func TestAggregateUpstream_MissingReferences(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.AggregateUpstream(context.Background(), "Z", "Rainfall", day, 1, aggregate.Options{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.engine.AggregateUpstream(context.Background(), "A", "Snowfall", day, 1, aggregate.Options{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
