// Package ingest turns tabular observation files into deduplicated, upserted
// time-series rows.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/peatmoor/basinflow/internal/domain"
	"github.com/peatmoor/basinflow/internal/observability"
)

// Storage is the slice of the entity store the pipeline writes through.
type Storage interface {
	ListBasins(ctx context.Context) ([]domain.Basin, error)
	FindOrCreateBasin(ctx context.Context, basinID string) (domain.Basin, bool, error)
	ResolveDataType(ctx context.Context, name string) (domain.DataType, error)
	UpsertObservationsBatch(ctx context.Context, batch []domain.ObservationRow) (domain.UpsertResult, error)
}

// Config tunes one pipeline instance.
type Config struct {
	BatchSize    int // rows per upsert batch; trades round-trips for latency
	QueueDepth   int // parse-to-flush queue bound; producer blocks when full
	FlushRetries int // attempts per batch before the run is declared failed
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 2000
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 4 * c.BatchSize
	}
	if c.FlushRetries <= 0 {
		c.FlushRetries = 3
	}
	return c
}

// Summary is the end-of-run accounting of one ingestion.
type Summary struct {
	Source   string                      `json:"source"`
	Total    int                         `json:"total"`
	Inserted int                         `json:"inserted"`
	Updated  int                         `json:"updated"`
	Rejected map[domain.RejectReason]int `json:"rejected"`
	Duration time.Duration               `json:"duration"`
}

// RejectedTotal sums the per-reason rejection counts.
func (s Summary) RejectedTotal() int {
	n := 0
	for _, c := range s.Rejected {
		n += c
	}
	return n
}

// Pipeline ingests one source file at a time: records are parsed and
// resolved by a producer goroutine, queued through a bounded channel, and
// flushed in fixed-size batches by a consumer goroutine. The single
// producer/single consumer shape keeps rows in file order end to end, so a
// key appearing twice in one run deterministically resolves to the later
// row no matter where batch boundaries fall.
type Pipeline struct {
	store   Storage
	logger  *slog.Logger
	metrics *observability.Metrics
	cfg     Config
}

// New creates a Pipeline with the given store and observability.
func New(store Storage, logger *slog.Logger, metrics *observability.Metrics, cfg Config) *Pipeline {
	return &Pipeline{
		store:   store,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg.withDefaults(),
	}
}

// queuedRow carries a resolved row plus its input line for error reporting.
type queuedRow struct {
	row  domain.ObservationRow
	line int
}

// Run ingests every record of src. Row-local problems are rejected and
// logged, never fatal; the run only fails when the store stays unavailable
// through the retry budget or the input itself cannot be read. The returned
// Summary is valid even under partial failure.
func (p *Pipeline) Run(ctx context.Context, src *Source, rejects RejectWriter) (Summary, error) {
	start := time.Now()
	p.metrics.IngestActive.Set(1)
	defer p.metrics.IngestActive.Set(0)

	summary := Summary{
		Source:   src.SourceKey,
		Rejected: map[domain.RejectReason]int{},
	}
	p.logger.Info("ingestion started",
		"file", src.FileName, "source", src.SourceKey, "batch_size", p.cfg.BatchSize)

	resolver, err := p.newRowResolver(ctx, src)
	if err != nil {
		return summary, err
	}

	rows := make(chan queuedRow, p.cfg.QueueDepth)

	// Consumer-side results stay local until Wait so the two goroutines
	// never share the summary or the reject writer.
	var flushed flushTotals

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(rows)
		for {
			rec, err := src.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read %s: %w", src.FileName, err)
			}
			summary.Total++

			row, reject := resolver.resolve(gctx, rec)
			if reject != nil {
				p.reject(&summary, rejects, *reject)
				continue
			}

			select {
			case rows <- queuedRow{row: row, line: rec.Line}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		batch := make([]domain.ObservationRow, 0, p.cfg.BatchSize)
		lines := make([]int, 0, p.cfg.BatchSize)

		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			result, err := p.flushWithRetry(gctx, batch)
			if err != nil {
				return err
			}
			flushed.inserted += result.Inserted
			flushed.updated += result.Updated
			for _, re := range result.Rejected {
				reason := re.Reason
				if reason == "" {
					reason = domain.RejectConstraintViolation
				}
				flushed.rejected = append(flushed.rejected, domain.RejectedRow{
					Line:   lines[re.Index],
					Reason: reason,
					Detail: re.Err.Error(),
				})
			}
			batch = batch[:0]
			lines = lines[:0]
			return nil
		}

		for qr := range rows {
			batch = append(batch, qr.row)
			lines = append(lines, qr.line)
			if len(batch) >= p.cfg.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	})

	runErr := g.Wait()

	for _, row := range flushed.rejected {
		p.reject(&summary, rejects, row)
	}
	summary.Inserted = flushed.inserted
	summary.Updated = flushed.updated
	summary.Duration = time.Since(start)

	p.logger.Info("ingestion finished",
		"file", src.FileName,
		"total", summary.Total,
		"inserted", summary.Inserted,
		"updated", summary.Updated,
		"rejected", summary.RejectedTotal(),
		"duration", summary.Duration,
		"error", runErr,
	)
	return summary, runErr
}

type flushTotals struct {
	inserted int
	updated  int
	rejected []domain.RejectedRow
}

func (p *Pipeline) reject(summary *Summary, rejects RejectWriter, row domain.RejectedRow) {
	summary.Rejected[row.Reason]++
	p.metrics.RowsRejected.WithLabelValues(string(row.Reason)).Inc()
	p.logger.Warn("row rejected", "line", row.Line, "reason", row.Reason, "detail", row.Detail)
	if err := rejects.Write(row); err != nil {
		p.logger.Error("writing reject log failed", "error", err)
	}
}

// flushWithRetry upserts one batch, retrying transient store failures with
// exponential backoff (200ms doubling to a 5s cap) up to the configured
// budget. Exhausting the budget fails the run rather than dropping data.
func (p *Pipeline) flushWithRetry(ctx context.Context, batch []domain.ObservationRow) (domain.UpsertResult, error) {
	backoff := 200 * time.Millisecond
	const maxBackoff = 5 * time.Second

	var lastErr error
	for attempt := 1; attempt <= p.cfg.FlushRetries; attempt++ {
		start := time.Now()
		result, err := p.store.UpsertObservationsBatch(ctx, batch)
		if err == nil {
			p.metrics.BatchSize.Observe(float64(len(batch)))
			p.metrics.BatchFlushDuration.Observe(time.Since(start).Seconds())
			p.metrics.RowsInserted.Add(float64(result.Inserted))
			p.metrics.RowsUpdated.Add(float64(result.Updated))
			return result, nil
		}
		if ctx.Err() != nil {
			return domain.UpsertResult{}, ctx.Err()
		}

		lastErr = err
		p.logger.Error("batch upsert failed",
			"error", err, "attempt", attempt, "batch_size", len(batch))
		if attempt == p.cfg.FlushRetries {
			break
		}
		p.metrics.FlushRetries.Inc()
		if !sleepWithContext(ctx, backoff) {
			return domain.UpsertResult{}, ctx.Err()
		}
		backoff = nextBackoff(backoff, maxBackoff)
	}
	return domain.UpsertResult{}, fmt.Errorf("batch flush failed after %d attempts: %w", p.cfg.FlushRetries, lastErr)
}

// rowResolver validates raw records and resolves their basin and data type
// references, caching both so steady-state rows cost zero store round-trips.
type rowResolver struct {
	pipeline *Pipeline
	src      *Source

	basins    map[string]int64 // basin_id -> surrogate key
	dataTypes map[string]dataTypeLookup
	hint      *domain.DataType
	inferred  string // filename-inferred data type name, "" when none
}

type dataTypeLookup struct {
	dt domain.DataType
	ok bool
}

// newRowResolver preloads the basin map and resolves the explicit data-type
// hint. An unknown hint fails the whole run up front: the caller asked for a
// specific type and silently rejecting every row would hide the typo.
func (p *Pipeline) newRowResolver(ctx context.Context, src *Source) (*rowResolver, error) {
	basins, err := p.store.ListBasins(ctx)
	if err != nil {
		return nil, fmt.Errorf("preload basins: %w", err)
	}
	basinMap := make(map[string]int64, len(basins))
	for _, b := range basins {
		basinMap[b.BasinID] = b.ID
	}

	r := &rowResolver{
		pipeline:  p,
		src:       src,
		basins:    basinMap,
		dataTypes: map[string]dataTypeLookup{},
		inferred:  InferDataType(src.FileName),
	}

	if src.DataTypeHint != "" {
		dt, err := p.store.ResolveDataType(ctx, src.DataTypeHint)
		if err != nil {
			return nil, fmt.Errorf("data type hint %q: %w", src.DataTypeHint, err)
		}
		r.hint = &dt
	}
	return r, nil
}

// resolve turns a raw record into a store-ready row, or a rejection.
func (r *rowResolver) resolve(ctx context.Context, rec Record) (domain.ObservationRow, *domain.RejectedRow) {
	if rec.Err != nil {
		return domain.ObservationRow{}, &domain.RejectedRow{
			Line: rec.Line, Reason: domain.RejectMalformedRow, Detail: rec.Err.Error(),
		}
	}
	r.pipeline.metrics.RowsRead.Inc()
	fields := rec.Fields
	rejected := func(reason domain.RejectReason, detail string) *domain.RejectedRow {
		return &domain.RejectedRow{Line: rec.Line, Reason: reason, Detail: detail, Fields: fields}
	}

	if !hasAnyColumn(fields, "basin_id", "basin") ||
		!hasAnyColumn(fields, "datetime", "date", "datetime_utc") ||
		!hasAnyColumn(fields, "value", "val") {
		return domain.ObservationRow{}, rejected(domain.RejectMalformedRow, "no recognized column mapping")
	}

	basinID, ok := firstField(fields, "basin_id", "basin")
	if !ok {
		return domain.ObservationRow{}, rejected(domain.RejectMissingBasinID, "empty basin id")
	}

	rawDatetime, _ := firstField(fields, "datetime", "date", "datetime_utc")
	if rawDatetime == "" {
		return domain.ObservationRow{}, rejected(domain.RejectInvalidDatetime, "empty datetime")
	}
	datetime, err := parseDatetime(rawDatetime)
	if err != nil {
		return domain.ObservationRow{}, rejected(domain.RejectInvalidDatetime, err.Error())
	}

	rawValue, _ := firstField(fields, "value", "val")
	value, err := decimal.NewFromString(rawValue)
	if err != nil {
		return domain.ObservationRow{}, rejected(domain.RejectInvalidValue, fmt.Sprintf("non-numeric value %q", rawValue))
	}

	dt, reject := r.resolveDataType(ctx, rec)
	if reject != nil {
		return domain.ObservationRow{}, reject
	}

	basinPK, err := r.resolveBasin(ctx, basinID)
	if err != nil {
		return domain.ObservationRow{}, rejected(domain.RejectMissingBasinID, err.Error())
	}

	return domain.ObservationRow{
		BasinID:    basinPK,
		DataTypeID: dt.ID,
		Datetime:   datetime,
		Value:      value,
		Source:     r.src.SourceKey,
	}, nil
}

// resolveDataType applies the precedence hint > row column > filename
// inference. Lookups are cached, misses included.
func (r *rowResolver) resolveDataType(ctx context.Context, rec Record) (domain.DataType, *domain.RejectedRow) {
	if r.hint != nil {
		return *r.hint, nil
	}

	name, _ := firstField(rec.Fields, "data_type", "type")
	if name == "" {
		name = r.inferred
	}
	if name == "" {
		return domain.DataType{}, &domain.RejectedRow{
			Line: rec.Line, Reason: domain.RejectUnknownDataType,
			Detail: "no data type column and none inferable from filename", Fields: rec.Fields,
		}
	}

	key := strings.ToLower(name)
	lookup, cached := r.dataTypes[key]
	if !cached {
		dt, err := r.pipeline.store.ResolveDataType(ctx, name)
		lookup = dataTypeLookup{dt: dt, ok: err == nil}
		r.dataTypes[key] = lookup
	}
	if !lookup.ok {
		return domain.DataType{}, &domain.RejectedRow{
			Line: rec.Line, Reason: domain.RejectUnknownDataType,
			Detail: fmt.Sprintf("data type %q not registered", name), Fields: rec.Fields,
		}
	}
	return lookup.dt, nil
}

// resolveBasin auto-vivifies unknown basins and refreshes the local map.
func (r *rowResolver) resolveBasin(ctx context.Context, basinID string) (int64, error) {
	if pk, ok := r.basins[basinID]; ok {
		return pk, nil
	}
	basin, created, err := r.pipeline.store.FindOrCreateBasin(ctx, basinID)
	if err != nil {
		return 0, err
	}
	r.basins[basinID] = basin.ID
	if created {
		r.pipeline.logger.Info("created basin", "basin_id", basinID)
	}
	return basin.ID, nil
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
