// Package cache memoizes query results with time-bounded freshness.
//
// The cache is a pure optimization layer: removing it never changes query
// results, only latency. Expiry by TTL is the sole invalidation mechanism;
// observation writes do not touch existing entries, so readers see results
// up to one TTL stale. Identical concurrent requests that miss together may
// recompute in parallel; no single-flight coordination is attempted.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/peatmoor/basinflow/internal/aggregate"
	"github.com/peatmoor/basinflow/internal/domain"
	"github.com/peatmoor/basinflow/internal/observability"
)

// Querier is the query surface being memoized.
type Querier interface {
	Timeseries(ctx context.Context, basinID, dataType string, window domain.Window) ([]domain.Point, error)
	AggregateUpstream(ctx context.Context, basinID, dataType string, window domain.Window, depth int, opts aggregate.Options) (domain.AggregateResult, error)
}

// CachedQuerier wraps a Querier with a TTL result cache.
type CachedQuerier struct {
	inner   Querier
	store   *ttlStore
	metrics *observability.Metrics
}

// New creates a cache decorator with the given freshness window.
func New(inner Querier, ttl time.Duration, clock clockwork.Clock, metrics *observability.Metrics) *CachedQuerier {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CachedQuerier{
		inner:   inner,
		store:   &ttlStore{clock: clock, ttl: ttl, entries: map[string]entry{}},
		metrics: metrics,
	}
}

// Timeseries serves from cache within the freshness window, recomputing
// synchronously on a miss or expiry.
func (c *CachedQuerier) Timeseries(ctx context.Context, basinID, dataType string, window domain.Window) ([]domain.Point, error) {
	key := timeseriesKey(basinID, dataType, window)
	if v, ok := c.store.get(key); ok {
		c.metrics.CacheRequests.WithLabelValues("timeseries", "hit").Inc()
		return v.([]domain.Point), nil
	}
	c.metrics.CacheRequests.WithLabelValues("timeseries", "miss").Inc()

	points, err := c.inner.Timeseries(ctx, basinID, dataType, window)
	if err != nil {
		return nil, err
	}
	c.store.put(key, points)
	return points, nil
}

// AggregateUpstream serves from cache within the freshness window.
func (c *CachedQuerier) AggregateUpstream(ctx context.Context, basinID, dataType string, window domain.Window, depth int, opts aggregate.Options) (domain.AggregateResult, error) {
	key := upstreamKey(basinID, dataType, window, depth, opts)
	if v, ok := c.store.get(key); ok {
		c.metrics.CacheRequests.WithLabelValues("upstream_aggregate", "hit").Inc()
		return v.(domain.AggregateResult), nil
	}
	c.metrics.CacheRequests.WithLabelValues("upstream_aggregate", "miss").Inc()

	result, err := c.inner.AggregateUpstream(ctx, basinID, dataType, window, depth, opts)
	if err != nil {
		return domain.AggregateResult{}, err
	}
	c.store.put(key, result)
	return result, nil
}

// timeseriesKey deterministically encodes a timeseries request.
// Example: timeseries:2046:Rainfall:2019-01-01T00:00:00Z:2019-01-02T00:00:00Z
func timeseriesKey(basinID, dataType string, w domain.Window) string {
	return fmt.Sprintf("timeseries:%s:%s:%s:%s",
		basinID, dataType, w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// upstreamKey encodes an upstream-aggregate request. All parameters that can
// change the result participate, including the policy options.
func upstreamKey(basinID, dataType string, w domain.Window, depth int, opts aggregate.Options) string {
	return fmt.Sprintf("upstream_agg:%s:%s:%s:%s:d%d:res%s:weighted=%t",
		basinID, dataType,
		w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339),
		depth, opts.Resolution, opts.Weighted)
}

// ttlStore is a thread-safe map with per-entry expiry, checked lazily on
// access.
type ttlStore struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	ttl     time.Duration
	entries map[string]entry
}

type entry struct {
	value      any
	computedAt time.Time
}

func (s *ttlStore) get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if s.clock.Since(e.computedAt) >= s.ttl {
		delete(s.entries, key)
		return nil, false
	}
	return e.value, true
}

func (s *ttlStore) put(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{value: value, computedAt: s.clock.Now()}
}
