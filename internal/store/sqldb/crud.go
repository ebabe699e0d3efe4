package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tallyhq/hybridsync/internal/record"
	"github.com/tallyhq/hybridsync/internal/store"
)

const recordColumns = "id, created_at, updated_at, version, origin_device, sync_state, fields"

// Get implements store.Adapter. A missing id returns (nil, nil).
func (s *Store) Get(ctx context.Context, table, id string) (*record.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, nil
	}
	row := s.conn.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM "+table+" WHERE id = ?", id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s/%s: %w", table, id, err)
	}
	return rec, nil
}

// List implements store.Adapter. It is Query with zero options.
func (s *Store) List(ctx context.Context, table string) ([]*record.Record, error) {
	return s.Query(ctx, table, store.Options{})
}

// Query implements store.Adapter. Equality filters are ANDed; ordering is
// a total order over the chosen field with insertion-order tie-breaks.
func (s *Store) Query(ctx context.Context, table string, opts store.Options) ([]*record.Record, error) {
	if err := checkTable(table); err != nil {
		return []*record.Record{}, nil
	}

	var conditions []string
	var args []any
	for _, name := range sortedKeys(opts.Filters) {
		expr, exprArgs := filterExpr(name, opts.Filters[name])
		conditions = append(conditions, expr)
		args = append(args, exprArgs...)
	}

	query := "SELECT " + recordColumns + " FROM " + table
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	order, orderArgs := orderExpr(opts)
	query += order
	args = append(args, orderArgs...)

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		// SQLite requires a LIMIT clause before OFFSET.
		query += " LIMIT -1"
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Create implements store.Adapter. A caller-supplied "id" field is
// honored; otherwise an id is generated. Metadata is stamped with the
// adapter's write state.
func (s *Store) Create(ctx context.Context, table string, fields map[string]any) (*record.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}

	rec := s.stampNew(fields)
	if err := s.insert(ctx, table, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// stampNew builds a record from business fields with fresh metadata.
func (s *Store) stampNew(fields map[string]any) *record.Record {
	now := time.Now().UTC()
	rec := &record.Record{
		Meta: record.Meta{
			CreatedAt:    now,
			UpdatedAt:    now,
			Version:      1,
			OriginDevice: s.device,
			SyncState:    s.writeState,
		},
		Fields: make(map[string]any, len(fields)),
	}
	for k, v := range fields {
		if k == "id" {
			if id, ok := v.(string); ok {
				rec.ID = id
			}
			continue
		}
		rec.Fields[k] = v
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	return rec
}

func (s *Store) insert(ctx context.Context, table string, rec *record.Record) error {
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}
	_, err = s.conn.ExecContext(ctx,
		"INSERT INTO "+table+" ("+recordColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		rec.ID,
		rec.CreatedAt.UTC().Format(timeFormat),
		rec.UpdatedAt.UTC().Format(timeFormat),
		rec.Version,
		rec.OriginDevice,
		string(rec.SyncState),
		string(fieldsJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert record %s/%s: %w", table, rec.ID, err)
	}
	return nil
}

// Update implements store.Adapter. Version strictly increases and
// updated_at never moves backwards on this device.
func (s *Store) Update(ctx context.Context, table, id string, patch map[string]any) (*record.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}

	existing, err := s.Get(ctx, table, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("update %s/%s: %w", table, id, store.ErrNotFound)
	}

	rec := existing.Clone()
	for k, v := range patch {
		if k == "id" {
			continue
		}
		rec.Fields[k] = v
	}
	rec.Version++
	now := time.Now().UTC()
	if now.Before(rec.UpdatedAt) {
		now = rec.UpdatedAt
	}
	rec.UpdatedAt = now
	rec.OriginDevice = s.device
	rec.SyncState = s.writeState

	if err := s.Put(ctx, table, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete implements store.Adapter.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	res, err := s.conn.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete record %s/%s: %w", table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete record %s/%s: %w", table, id, err)
	}
	if n == 0 {
		return fmt.Errorf("delete %s/%s: %w", table, id, store.ErrNotFound)
	}
	return nil
}

// Put implements store.Adapter: upsert preserving the caller-supplied
// metadata.
func (s *Store) Put(ctx context.Context, table string, rec *record.Record) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `
	INSERT INTO `+table+` (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		version = excluded.version,
		origin_device = excluded.origin_device,
		sync_state = excluded.sync_state,
		fields = excluded.fields
	`,
		rec.ID,
		rec.CreatedAt.UTC().Format(timeFormat),
		rec.UpdatedAt.UTC().Format(timeFormat),
		rec.Version,
		rec.OriginDevice,
		string(rec.SyncState),
		string(fieldsJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to put record %s/%s: %w", table, rec.ID, err)
	}
	return nil
}

// BulkCreate implements store.Adapter.
func (s *Store) BulkCreate(ctx context.Context, table string, items []map[string]any) ([]*record.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	recs := make([]*record.Record, 0, len(items))
	for _, fields := range items {
		rec, err := s.Create(ctx, table, fields)
		if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// BulkUpdate implements store.Adapter.
func (s *Store) BulkUpdate(ctx context.Context, table string, patches []store.Patch) ([]*record.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	recs := make([]*record.Record, 0, len(patches))
	for _, p := range patches {
		rec, err := s.Update(ctx, table, p.ID, p.Fields)
		if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// BulkDelete implements store.Adapter.
func (s *Store) BulkDelete(ctx context.Context, table string, ids []string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.Delete(ctx, table, id); err != nil {
			return err
		}
	}
	return nil
}

// Count implements store.Adapter.
func (s *Store) Count(ctx context.Context, table string, filters map[string]any) (int, error) {
	if err := checkTable(table); err != nil {
		return 0, nil
	}

	var conditions []string
	var args []any
	for _, name := range sortedKeys(filters) {
		expr, exprArgs := filterExpr(name, filters[name])
		conditions = append(conditions, expr)
		args = append(args, exprArgs...)
	}

	query := "SELECT COUNT(*) FROM " + table
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	var count int
	if err := s.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}

// Exists implements store.Adapter.
func (s *Store) Exists(ctx context.Context, table, id string) (bool, error) {
	if err := checkTable(table); err != nil {
		return false, nil
	}
	var one int
	err := s.conn.QueryRowContext(ctx,
		"SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check record %s/%s: %w", table, id, err)
	}
	return true, nil
}

// Clear implements store.Adapter.
func (s *Store) Clear(ctx context.Context, table string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return fmt.Errorf("failed to clear %s: %w", table, err)
	}
	return nil
}

// Export implements store.Adapter. Records come back in insertion order
// so a dump round-trips bit-exact.
func (s *Store) Export(ctx context.Context, tables ...string) (record.Dump, error) {
	if len(tables) == 0 {
		tables = record.Tables
	}
	dump := make(record.Dump, len(tables))
	for _, table := range tables {
		if err := checkTable(table); err != nil {
			return nil, err
		}
		recs, err := s.List(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("failed to export %s: %w", table, err)
		}
		dump[table] = recs
	}
	return dump, nil
}

// Import implements store.Adapter: each dumped table is cleared then
// repopulated, one transaction per table. Tables are independent; there
// is no cross-table atomicity.
func (s *Store) Import(ctx context.Context, dump record.Dump) error {
	for table := range dump {
		if err := checkTable(table); err != nil {
			return err
		}
	}
	for _, table := range record.Tables {
		recs, ok := dump[table]
		if !ok {
			continue
		}
		if err := s.importTable(ctx, table, recs); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) importTable(ctx context.Context, table string, recs []*record.Record) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin import of %s: %w", table, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return fmt.Errorf("failed to clear %s for import: %w", table, err)
	}

	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("invalid record in %s import: %w", table, err)
		}
		fieldsJSON, err := json.Marshal(rec.Fields)
		if err != nil {
			return fmt.Errorf("failed to marshal fields: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO "+table+" ("+recordColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
			rec.ID,
			rec.CreatedAt.UTC().Format(timeFormat),
			rec.UpdatedAt.UTC().Format(timeFormat),
			rec.Version,
			rec.OriginDevice,
			string(rec.SyncState),
			string(fieldsJSON),
		)
		if err != nil {
			return fmt.Errorf("failed to import record %s/%s: %w", table, rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit import of %s: %w", table, err)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanRecord.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*record.Record, error) {
	var rec record.Record
	var createdAt, updatedAt, state, fieldsJSON string

	err := row.Scan(
		&rec.ID,
		&createdAt,
		&updatedAt,
		&rec.Version,
		&rec.OriginDevice,
		&state,
		&fieldsJSON,
	)
	if err != nil {
		return nil, err
	}

	if t, err := time.Parse(timeFormat, createdAt); err == nil {
		rec.CreatedAt = t
	}
	if t, err := time.Parse(timeFormat, updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	rec.SyncState = record.SyncState(state)

	if fieldsJSON != "" && fieldsJSON != "null" {
		if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
		}
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*record.Record, error) {
	recs := []*record.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return recs, nil
}

// sortedKeys returns map keys in a deterministic order so generated SQL
// is stable.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
