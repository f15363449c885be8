// Package domain models basin observation data and the relation graph
// connecting basins.
//
// # Entities
//
// A Basin is a monitored geographic unit identified by an externally
// meaningful, globally unique basin_id string. Basins are created on first
// reference: either through the admin API or auto-vivified when an ingested
// row names a basin_id that does not exist yet. The identity is immutable
// once created; the free-form metadata document is not.
//
// A DataType names a measured quantity ("Rainfall", "Temperature"). Data
// types are reference data and must exist before an observation referencing
// them is accepted. Unlike basins they are never auto-created by ingestion.
//
// A BasinRelation is a directed, typed, optionally weighted edge between two
// basins. The canonical type is "upstream_to_downstream": from_basin drains
// into to_basin. The triple (from_basin, to_basin, relation_type) is unique;
// the graph as a whole is not guaranteed acyclic, so traversal must carry a
// visited set.
//
// An Observation is one measurement fact (basin, data_type, datetime, value,
// source). Datetimes are normalized to UTC before storage. Values are
// fixed-precision decimals (12 digits, 4 fractional), never binary floats,
// so upstream sums do not accumulate rounding drift.
//
// # Provenance keys
//
// The source field identifies the originating import:
//
//	<fileName>::<hex prefix of SHA-1 over the full file bytes>
//	e.g. "rainfall_2019.csv::ab12cd34ef56"
//
// Because the hash covers content rather than file metadata, re-running an
// unchanged file reproduces the same source on every row and the upsert on
// (basin, data_type, datetime, source) is fully idempotent. A modified file
// hashes differently and lands as a fresh import rather than an update.
//
// # CSV conventions
//
// Ingested files are header-driven. Header names are matched after trimming,
// lowercasing, and replacing '.' with '_'; accepted shapes are
// basin_id|basin, datetime|date|datetime_utc, value|val, and data_type|type.
// Naive timestamps are assumed UTC. The data type for a file comes from an
// explicit hint, a per-row column, or filename inference ("temp" maps to
// Temperature, "rain"/"precip" to Rainfall), in that order of precedence.
package domain
