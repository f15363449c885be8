package domain

import "errors"

// Sentinel errors shared across the store, pipeline, and query engine.
var (
	// ErrNotFound means the referenced basin or data type does not exist.
	// Empty query results are not ErrNotFound; only missing entities are.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable wraps transient store failures. Batch flushes
	// retry these with backoff before the run is declared failed.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// RejectReason classifies why an ingested row was rejected. Rejections are
// row-local: the row is logged and skipped, sibling rows proceed.
type RejectReason string

const (
	RejectMalformedRow        RejectReason = "malformed_row"
	RejectInvalidDatetime     RejectReason = "invalid_datetime"
	RejectInvalidValue        RejectReason = "invalid_value"
	RejectMissingBasinID      RejectReason = "missing_basin_id"
	RejectUnknownDataType     RejectReason = "unknown_data_type"
	RejectConstraintViolation RejectReason = "constraint_violation"
)

// UpsertResult summarizes one observation batch write.
type UpsertResult struct {
	Inserted int
	Updated  int
	Rejected []UpsertRowError
}

// UpsertRowError ties a rejected row back to its index within the batch.
// Reason classifies the rejection so the pipeline can account for it without
// parsing driver error text.
type UpsertRowError struct {
	Index  int
	Reason RejectReason
	Err    error
}

// RejectedRow records one skipped input row for the post-run report.
type RejectedRow struct {
	Line   int               `json:"line"`
	Reason RejectReason      `json:"reason"`
	Detail string            `json:"detail,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}
