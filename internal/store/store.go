// Package store persists basins, data types, relations, and observations in
// SQLite and enforces their uniqueness constraints.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/peatmoor/basinflow/internal/domain"
)

// timeLayout is the canonical datetime encoding in the database: UTC,
// second resolution, lexicographically sortable.
const timeLayout = "2006-01-02 15:04:05"

// maxIntegerDigits bounds the integer part of a stored value so the column
// behaves like DECIMAL(12,4): 12 digits total, 4 fractional.
const maxIntegerDigits = 8

// Store wraps database access for the four entities.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and applies the schema.
// Use ":memory:" for an ephemeral database in tests.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Ingestion and query serving share this handle; SQLite permits one
	// writer, so serialize access at the pool level rather than surfacing
	// SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// FindOrCreateBasin returns the basin with the given external id, creating
// it first if necessary. The second return value reports whether a new row
// was created.
func (s *Store) FindOrCreateBasin(ctx context.Context, basinID string) (domain.Basin, bool, error) {
	if basinID == "" {
		return domain.Basin{}, false, fmt.Errorf("empty basin_id: %w", domain.ErrNotFound)
	}

	// Insert first and let the conflict clause absorb both the existing-row
	// case and a concurrent create; RowsAffected is then the only truthful
	// signal for whether this call created the basin.
	now := domain.Now().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO basins (basin_id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(basin_id) DO NOTHING`,
		basinID, now, now,
	)
	if err != nil {
		return domain.Basin{}, false, fmt.Errorf("create basin %q: %w", basinID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Basin{}, false, err
	}

	b, err := s.getBasin(ctx, basinID)
	return b, n == 1, err
}

func (s *Store) getBasin(ctx context.Context, basinID string) (domain.Basin, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, basin_id, name, metadata_json, created_at, updated_at
		FROM basins WHERE basin_id = ?`, basinID)
	return scanBasin(row)
}

// GetBasin resolves an external basin id.
func (s *Store) GetBasin(ctx context.Context, basinID string) (domain.Basin, error) {
	return s.getBasin(ctx, basinID)
}

// ListBasins returns all basins ordered by external id.
func (s *Store) ListBasins(ctx context.Context) ([]domain.Basin, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, basin_id, name, metadata_json, created_at, updated_at
		FROM basins ORDER BY basin_id`)
	if err != nil {
		return nil, fmt.Errorf("list basins: %w", err)
	}
	defer rows.Close()

	var basins []domain.Basin
	for rows.Next() {
		b, err := scanBasin(rows)
		if err != nil {
			return nil, err
		}
		basins = append(basins, b)
	}
	return basins, rows.Err()
}

// UpdateBasin sets the mutable fields of a basin. The identity basin_id is
// immutable; only name and metadata change.
func (s *Store) UpdateBasin(ctx context.Context, basinID, name string, metadata map[string]string) error {
	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE basins SET name = ?, metadata_json = ?, updated_at = ? WHERE basin_id = ?`,
		name, metaJSON, domain.Now().Format(timeLayout), basinID,
	)
	if err != nil {
		return fmt.Errorf("update basin %q: %w", basinID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("basin %q: %w", basinID, domain.ErrNotFound)
	}
	return nil
}

// CreateDataType registers a new data type. Names are unique
// case-insensitively.
func (s *Store) CreateDataType(ctx context.Context, name, description string) (domain.DataType, error) {
	if strings.TrimSpace(name) == "" {
		return domain.DataType{}, errors.New("data type name is required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO data_types (name, description) VALUES (?, ?)`,
		strings.TrimSpace(name), description,
	)
	if err != nil {
		return domain.DataType{}, fmt.Errorf("create data type %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.DataType{}, err
	}
	return domain.DataType{ID: id, Name: strings.TrimSpace(name), Description: description}, nil
}

// ResolveDataType looks a data type up by name, case-insensitively.
// Returns domain.ErrNotFound if no such type exists.
func (s *Store) ResolveDataType(ctx context.Context, name string) (domain.DataType, error) {
	var dt domain.DataType
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description FROM data_types WHERE name = ? COLLATE NOCASE`,
		strings.TrimSpace(name),
	).Scan(&dt.ID, &dt.Name, &dt.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DataType{}, fmt.Errorf("data type %q: %w", name, domain.ErrNotFound)
	}
	if err != nil {
		return domain.DataType{}, fmt.Errorf("resolve data type %q: %w", name, err)
	}
	return dt, nil
}

// ListDataTypes returns all data types ordered by name.
func (s *Store) ListDataTypes(ctx context.Context) ([]domain.DataType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description FROM data_types ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list data types: %w", err)
	}
	defer rows.Close()

	var types []domain.DataType
	for rows.Next() {
		var dt domain.DataType
		if err := rows.Scan(&dt.ID, &dt.Name, &dt.Description); err != nil {
			return nil, err
		}
		types = append(types, dt)
	}
	return types, rows.Err()
}

// CreateRelation adds a directed edge between two basins. The triple
// (from, to, relationType) is unique; re-creating an existing edge updates
// its weight instead of duplicating it.
func (s *Store) CreateRelation(ctx context.Context, fromBasinID, toBasinID int64, relationType string, weight *float64) (domain.BasinRelation, error) {
	if relationType == "" {
		return domain.BasinRelation{}, errors.New("relation type is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO basin_relations (from_basin_id, to_basin_id, relation_type, weight)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(from_basin_id, to_basin_id, relation_type) DO UPDATE SET
			weight = excluded.weight`,
		fromBasinID, toBasinID, relationType, weight,
	)
	if err != nil {
		return domain.BasinRelation{}, fmt.Errorf("create relation: %w", err)
	}

	var rel domain.BasinRelation
	err = s.db.QueryRowContext(ctx, `
		SELECT id, from_basin_id, to_basin_id, relation_type, weight
		FROM basin_relations
		WHERE from_basin_id = ? AND to_basin_id = ? AND relation_type = ?`,
		fromBasinID, toBasinID, relationType,
	).Scan(&rel.ID, &rel.FromBasinID, &rel.ToBasinID, &rel.RelationType, &rel.Weight)
	if err != nil {
		return domain.BasinRelation{}, fmt.Errorf("read back relation: %w", err)
	}
	return rel, nil
}

// ListOutgoingRelations returns edges leaving a basin (from_basin = basin).
// Pass an empty relationType to list all types.
func (s *Store) ListOutgoingRelations(ctx context.Context, basinID int64, relationType string) ([]domain.BasinRelation, error) {
	return s.listRelations(ctx, "from_basin_id", basinID, relationType)
}

// ListInboundRelations returns edges arriving at a basin (to_basin = basin).
// Upstream traversal walks these edges toward their sources.
func (s *Store) ListInboundRelations(ctx context.Context, basinID int64, relationType string) ([]domain.BasinRelation, error) {
	return s.listRelations(ctx, "to_basin_id", basinID, relationType)
}

func (s *Store) listRelations(ctx context.Context, column string, basinID int64, relationType string) ([]domain.BasinRelation, error) {
	query := `
		SELECT id, from_basin_id, to_basin_id, relation_type, weight
		FROM basin_relations WHERE ` + column + ` = ?`
	args := []any{basinID}
	if relationType != "" {
		query += " AND relation_type = ?"
		args = append(args, relationType)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}
	defer rows.Close()

	var rels []domain.BasinRelation
	for rows.Next() {
		var rel domain.BasinRelation
		if err := rows.Scan(&rel.ID, &rel.FromBasinID, &rel.ToBasinID, &rel.RelationType, &rel.Weight); err != nil {
			return nil, err
		}
		rels = append(rels, rel)
	}
	return rels, rows.Err()
}

// UpsertObservationsBatch writes a batch of observation rows inside one
// transaction. Each row is atomic on its own: a row that violates the value
// bounds or a foreign key is recorded in Rejected and its siblings proceed.
// Rows are applied in order, so when the same identity key appears more than
// once in a batch the later row wins.
//
// Insert-or-update is decided by the uniqueness of
// (basin_id, data_type_id, datetime, source): a conflict updates value and
// updated_at and leaves created_at untouched.
func (s *Store) UpsertObservationsBatch(ctx context.Context, batch []domain.ObservationRow) (domain.UpsertResult, error) {
	var result domain.UpsertResult
	if len(batch) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin batch: %w: %v", domain.ErrStoreUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	insertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO observations (basin_id, data_type_id, datetime, value, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(basin_id, data_type_id, datetime, source) DO NOTHING`)
	if err != nil {
		return result, fmt.Errorf("prepare insert: %w: %v", domain.ErrStoreUnavailable, err)
	}
	defer insertStmt.Close()

	updateStmt, err := tx.PrepareContext(ctx, `
		UPDATE observations SET value = ?, updated_at = ?
		WHERE basin_id = ? AND data_type_id = ? AND datetime = ? AND source = ?`)
	if err != nil {
		return result, fmt.Errorf("prepare update: %w: %v", domain.ErrStoreUnavailable, err)
	}
	defer updateStmt.Close()

	now := domain.Now().Format(timeLayout)
	for i, row := range batch {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		value, err := encodeValue(row.Value)
		if err != nil {
			result.Rejected = append(result.Rejected, domain.UpsertRowError{
				Index: i, Reason: domain.RejectInvalidValue, Err: err,
			})
			continue
		}
		dt := row.Datetime.UTC().Format(timeLayout)

		res, err := insertStmt.ExecContext(ctx, row.BasinID, row.DataTypeID, dt, value, row.Source, now, now)
		if err != nil {
			result.Rejected = append(result.Rejected, domain.UpsertRowError{
				Index: i, Reason: domain.RejectConstraintViolation, Err: err,
			})
			continue
		}
		n, err := res.RowsAffected()
		if err != nil {
			return result, fmt.Errorf("rows affected: %w: %v", domain.ErrStoreUnavailable, err)
		}
		if n == 1 {
			result.Inserted++
			continue
		}

		if _, err := updateStmt.ExecContext(ctx, value, now, row.BasinID, row.DataTypeID, dt, row.Source); err != nil {
			result.Rejected = append(result.Rejected, domain.UpsertRowError{
				Index: i, Reason: domain.RejectConstraintViolation, Err: err,
			})
			continue
		}
		result.Updated++
	}

	if err := tx.Commit(); err != nil {
		return domain.UpsertResult{}, fmt.Errorf("commit batch: %w: %v", domain.ErrStoreUnavailable, err)
	}
	return result, nil
}

// QueryObservations returns observations for (basin, dataType) within the
// half-open window [Start, End), ordered by datetime ascending. An empty
// result is not an error.
func (s *Store) QueryObservations(ctx context.Context, basinID, dataTypeID int64, window domain.Window) ([]domain.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, basin_id, data_type_id, datetime, value, source, created_at, updated_at
		FROM observations
		WHERE basin_id = ? AND data_type_id = ? AND datetime >= ? AND datetime < ?
		ORDER BY datetime`,
		basinID, dataTypeID,
		window.Start.UTC().Format(timeLayout), window.End.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var obs []domain.Observation
	for rows.Next() {
		var (
			o                           domain.Observation
			dt, value, created, updated string
		)
		if err := rows.Scan(&o.ID, &o.BasinID, &o.DataTypeID, &dt, &value, &o.Source, &created, &updated); err != nil {
			return nil, err
		}
		if o.Datetime, err = parseStoredTime(dt); err != nil {
			return nil, err
		}
		if o.Value, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("stored value %q: %w", value, err)
		}
		if o.CreatedAt, err = parseStoredTime(created); err != nil {
			return nil, err
		}
		if o.UpdatedAt, err = parseStoredTime(updated); err != nil {
			return nil, err
		}
		obs = append(obs, o)
	}
	return obs, rows.Err()
}

// CountObservations reports the total number of stored observation rows.
func (s *Store) CountObservations(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations`).Scan(&n)
	return n, err
}

// encodeValue rounds to the stored precision and enforces the DECIMAL(12,4)
// envelope.
func encodeValue(v decimal.Decimal) (string, error) {
	rounded := v.Round(domain.ValuePrecision)
	limit := decimal.New(1, maxIntegerDigits)
	if rounded.Abs().Cmp(limit) >= 0 {
		return "", fmt.Errorf("value %s exceeds %d integer digits", rounded, maxIntegerDigits)
	}
	return rounded.String(), nil
}

func parseStoredTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("stored datetime %q: %w", s, err)
	}
	return t, nil
}

func marshalMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBasin(row rowScanner) (domain.Basin, error) {
	var (
		b                domain.Basin
		metaJSON         sql.NullString
		created, updated string
	)
	err := row.Scan(&b.ID, &b.BasinID, &b.Name, &metaJSON, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Basin{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Basin{}, fmt.Errorf("scan basin: %w", err)
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &b.Metadata); err != nil {
			return domain.Basin{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if b.CreatedAt, err = parseStoredTime(created); err != nil {
		return domain.Basin{}, err
	}
	if b.UpdatedAt, err = parseStoredTime(updated); err != nil {
		return domain.Basin{}, err
	}
	return b, nil
}
