package store

// Schema defines the SQLite database schema.
//
// Observation values are stored as TEXT holding the exact decimal string so
// no binary-float rounding ever touches them. Datetimes are stored as
// "YYYY-MM-DD HH:MM:SS" in UTC, which sorts lexicographically in datetime
// order and keeps the composite indexes usable for range scans.
const Schema = `
CREATE TABLE IF NOT EXISTS basins (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	basin_id TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	metadata_json TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_basins_basin_id ON basins(basin_id);

CREATE TABLE IF NOT EXISTS data_types (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE COLLATE NOCASE,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS basin_relations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	from_basin_id INTEGER NOT NULL REFERENCES basins(id) ON DELETE CASCADE,
	to_basin_id INTEGER NOT NULL REFERENCES basins(id) ON DELETE CASCADE,
	relation_type TEXT NOT NULL,
	weight REAL,
	UNIQUE(from_basin_id, to_basin_id, relation_type)
);

CREATE INDEX IF NOT EXISTS idx_relations_from_basin ON basin_relations(from_basin_id);
CREATE INDEX IF NOT EXISTS idx_relations_to_basin ON basin_relations(to_basin_id);

CREATE TABLE IF NOT EXISTS observations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	basin_id INTEGER NOT NULL REFERENCES basins(id) ON DELETE CASCADE,
	data_type_id INTEGER NOT NULL REFERENCES data_types(id) ON DELETE CASCADE,
	datetime TIMESTAMP NOT NULL,
	value TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT 'unknown',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(basin_id, data_type_id, datetime, source)
);

CREATE INDEX IF NOT EXISTS idx_basin_dt_type ON observations(basin_id, data_type_id, datetime);
CREATE INDEX IF NOT EXISTS idx_type_datetime ON observations(data_type_id, datetime);
CREATE INDEX IF NOT EXISTS idx_datetime ON observations(datetime);
`
