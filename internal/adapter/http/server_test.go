package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpadapter "github.com/peatmoor/basinflow/internal/adapter/http"
	"github.com/peatmoor/basinflow/internal/aggregate"
	"github.com/peatmoor/basinflow/internal/cache"
	"github.com/peatmoor/basinflow/internal/domain"
	"github.com/peatmoor/basinflow/internal/observability"
)

type stubQuerier struct {
	points          []domain.Point
	result          domain.AggregateResult
	err             error
	timeseriesCalls int
	lastBasin       string
	lastType        string
	lastDepth       int
	lastOpts        aggregate.Options
	lastWindow      domain.Window
}

func (q *stubQuerier) Timeseries(_ context.Context, basinID, dataType string, w domain.Window) ([]domain.Point, error) {
	q.timeseriesCalls++
	q.lastBasin, q.lastType, q.lastWindow = basinID, dataType, w
	return q.points, q.err
}

func (q *stubQuerier) AggregateUpstream(_ context.Context, basinID, dataType string, w domain.Window, depth int, opts aggregate.Options) (domain.AggregateResult, error) {
	q.lastBasin, q.lastType, q.lastWindow = basinID, dataType, w
	q.lastDepth, q.lastOpts = depth, opts
	return q.result, q.err
}

type readyFunc func(ctx context.Context) error

func (f readyFunc) CheckReadiness(ctx context.Context) error { return f(ctx) }

func newTestServer(q *stubQuerier, ready error) *httpadapter.Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return httpadapter.NewServer(":0", q, readyFunc(func(context.Context) error { return ready }), logger)
}

func doGET(t *testing.T, s *httpadapter.Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(&stubQuerier{}, nil)

	rec := doGET(t, s, "/healthz")
	assert.Equal(t, 200, rec.Code)

	rec = doGET(t, s, "/readyz")
	assert.Equal(t, 200, rec.Code)

	down := newTestServer(&stubQuerier{}, errors.New("database unreachable"))
	rec = doGET(t, down, "/readyz")
	assert.Equal(t, 503, rec.Code)
	assert.Contains(t, rec.Body.String(), "database unreachable")
}

func TestTimeseriesEndpoint(t *testing.T) {
	q := &stubQuerier{points: []domain.Point{
		{Timestamp: time.Date(2019, 1, 1, 1, 0, 0, 0, time.UTC), Value: decimal.RequireFromString("2.5")},
	}}
	s := newTestServer(q, nil)

	rec := doGET(t, s, "/v1/basins/2046/timeseries?data_type=Rainfall&window=48h")
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		BasinID  string            `json:"basin_id"`
		DataType string            `json:"data_type"`
		Window   map[string]string `json:"window"`
		Data     []json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "2046", body.BasinID)
	assert.Equal(t, "Rainfall", body.DataType)
	assert.Len(t, body.Data, 1)

	assert.Equal(t, "2046", q.lastBasin)
	assert.Equal(t, "Rainfall", q.lastType)
	assert.Equal(t, 48*time.Hour, q.lastWindow.End.Sub(q.lastWindow.Start))
}

func TestTimeseriesEndpoint_EmptySeriesIsJSONArray(t *testing.T) {
	s := newTestServer(&stubQuerier{points: nil}, nil)

	rec := doGET(t, s, "/v1/basins/2046/timeseries?data_type=Rainfall")
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":[]`, "nil series must encode as [], not null")
}

func TestTimeseriesEndpoint_BadRequests(t *testing.T) {
	s := newTestServer(&stubQuerier{}, nil)

	rec := doGET(t, s, "/v1/basins/2046/timeseries")
	assert.Equal(t, 400, rec.Code, "data_type is mandatory")

	rec = doGET(t, s, "/v1/basins/2046/timeseries?data_type=Rainfall&window=yesterday")
	assert.Equal(t, 400, rec.Code)

	rec = doGET(t, s, "/v1/basins/2046/timeseries?data_type=Rainfall&window=-4h")
	assert.Equal(t, 400, rec.Code)
}

func TestTimeseriesEndpoint_NotFound(t *testing.T) {
	q := &stubQuerier{err: fmt.Errorf("basin %q: %w", "nope", domain.ErrNotFound)}
	s := newTestServer(q, nil)

	rec := doGET(t, s, "/v1/basins/nope/timeseries?data_type=Rainfall")
	assert.Equal(t, 404, rec.Code)
}

func TestTimeseriesEndpoint_InternalError(t *testing.T) {
	q := &stubQuerier{err: errors.New("disk on fire")}
	s := newTestServer(q, nil)

	rec := doGET(t, s, "/v1/basins/2046/timeseries?data_type=Rainfall")
	assert.Equal(t, 500, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk on fire", "internals stay out of responses")
}

func TestUpstreamAggregateEndpoint(t *testing.T) {
	q := &stubQuerier{result: domain.AggregateResult{
		BasinID:       "2046",
		DataType:      "Rainfall",
		Depth:         2,
		BasinTotal:    decimal.RequireFromString("1.5"),
		UpstreamTotal: decimal.RequireFromString("10.5"),
		UpstreamCount: 3,
	}}
	s := newTestServer(q, nil)

	rec := doGET(t, s, "/v1/basins/2046/upstream_aggregate?data_type=Rainfall&depth=2&weighted=true&window=12h")
	require.Equal(t, 200, rec.Code)

	assert.Equal(t, 2, q.lastDepth)
	assert.True(t, q.lastOpts.Weighted)
	assert.Equal(t, 12*time.Hour, q.lastWindow.End.Sub(q.lastWindow.Start))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "2046", body["basin_id"])
	assert.EqualValues(t, 3, body["upstream_count"])
}

func TestUpstreamAggregateEndpoint_DepthDefaultsAndValidation(t *testing.T) {
	q := &stubQuerier{}
	s := newTestServer(q, nil)

	rec := doGET(t, s, "/v1/basins/2046/upstream_aggregate?data_type=Rainfall")
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, 1, q.lastDepth, "depth defaults to 1")
	assert.False(t, q.lastOpts.Weighted)

	rec = doGET(t, s, "/v1/basins/2046/upstream_aggregate?data_type=Rainfall&depth=-2")
	assert.Equal(t, 400, rec.Code)

	rec = doGET(t, s, "/v1/basins/2046/upstream_aggregate?data_type=Rainfall&depth=lots")
	assert.Equal(t, 400, rec.Code)
}

func TestTimeseriesEndpoint_RepeatRequestsShareCacheEntry(t *testing.T) {
	fake := clockwork.NewFakeClockAt(time.Date(2019, 1, 2, 10, 30, 0, 0, time.UTC))
	domain.SetClock(fake)
	defer domain.SetClock(nil)

	// Wired the way cmd/server wires it: server over the cache decorator.
	inner := &stubQuerier{}
	cached := cache.New(inner, 5*time.Minute, fake, observability.NewMetricsForTesting())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := httpadapter.NewServer(":0", cached, readyFunc(func(context.Context) error { return nil }), logger)

	const path = "/v1/basins/2046/timeseries?data_type=Rainfall&window=24h"

	rec := doGET(t, s, path)
	require.Equal(t, 200, rec.Code)
	first := rec.Body.String()

	fake.Advance(1100 * time.Millisecond)
	rec = doGET(t, s, path)
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, 1, inner.timeseriesCalls, "repeat request within the minute is a cache hit")
	assert.Equal(t, first, rec.Body.String())

	fake.Advance(time.Minute)
	rec = doGET(t, s, path)
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, 2, inner.timeseriesCalls, "a new minute resolves a new interval")
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(&stubQuerier{}, nil)
	rec := doGET(t, s, "/metrics")
	assert.Equal(t, 200, rec.Code)
}
