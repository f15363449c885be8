package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Relation types recognized by the graph traversal. Additional types may be
// stored; only RelationUpstream participates in upstream aggregation by
// default.
const (
	RelationUpstream = "upstream_to_downstream"
	RelationOther    = "other"
)

// ValuePrecision is the number of fractional digits kept on stored
// observation values, matching the DECIMAL(12,4) column type.
const ValuePrecision = 4

// Basin is a monitored geographic unit.
type Basin struct {
	ID        int64             `json:"id"`
	BasinID   string            `json:"basin_id"`
	Name      string            `json:"name,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// DataType names a measured quantity, e.g. "Rainfall".
type DataType struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// BasinRelation is a directed, typed edge between two basins. Weight is nil
// for unweighted edges; traversal treats an absent weight as 1.0.
type BasinRelation struct {
	ID           int64    `json:"id"`
	FromBasinID  int64    `json:"from_basin_id"`
	ToBasinID    int64    `json:"to_basin_id"`
	RelationType string   `json:"relation_type"`
	Weight       *float64 `json:"weight,omitempty"`
}

// Observation is one measurement fact. The tuple
// (BasinID, DataTypeID, Datetime, Source) is its identity.
type Observation struct {
	ID         int64           `json:"id"`
	BasinID    int64           `json:"basin_id"`
	DataTypeID int64           `json:"data_type_id"`
	Datetime   time.Time       `json:"datetime"`
	Value      decimal.Decimal `json:"value"`
	Source     string          `json:"source"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ObservationRow is the write-path shape handed to the store by the
// ingestion pipeline, before surrogate keys and audit columns exist.
type ObservationRow struct {
	BasinID    int64
	DataTypeID int64
	Datetime   time.Time
	Value      decimal.Decimal
	Source     string
}

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Point is one (timestamp, value) pair of a time series.
type Point struct {
	Timestamp time.Time       `json:"datetime"`
	Value     decimal.Decimal `json:"value"`
}

// AggregateResult is the outcome of an upstream aggregation over one basin.
// Totals carry full precision; presentation layers round.
type AggregateResult struct {
	BasinID       string          `json:"basin_id"`
	DataType      string          `json:"data_type"`
	Window        Window          `json:"window"`
	Depth         int             `json:"depth"`
	BasinTotal    decimal.Decimal `json:"basin_total"`
	UpstreamTotal decimal.Decimal `json:"upstream_total"`
	UpstreamCount int             `json:"upstream_count"`
	Buckets       []Point         `json:"buckets,omitempty"`
}
