// Package sqldb implements the record-store contract on SQL databases.
//
// The same engine serves two backends: the durable on-device store, opened
// as an embedded SQLite file (WAL mode for concurrent reads), and the Turso
// remote, opened over the libsql protocol with an auth token. The two
// differ only in driver, DSN, and the sync state they stamp on writes:
// local-origin writes are marked pending until the remote confirms them,
// remote writes are synced by definition.
//
// Layout per fixed table: one SQL table holding the sync metadata columns
// plus the business fields as a JSON document. Equality filters and
// ordering on business fields go through json_extract, with expression
// indexes on the foreign-key-like fields each table is commonly filtered
// by.
//
// The local store also hosts the sync journal (pending-operation queue,
// conflict set, dead-letter set) in the same database file, so queued
// operations survive process restarts.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tallyhq/hybridsync/internal/record"
	"github.com/tallyhq/hybridsync/internal/store"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	_ "github.com/tursodatabase/go-libsql"
)

// timeFormat is RFC 3339 with fixed-width nanoseconds so that stored
// timestamps order lexicographically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements store.Adapter and store.Journal over a SQL database.
type Store struct {
	conn   *sql.DB
	dsn    string
	device string

	// writeState is stamped on Create/Update: pending for the local
	// store, synced for the remote.
	writeState record.SyncState

	// journal is true only for the local store, which hosts the queue
	// and conflict tables.
	journal bool

	// remote stores skip file pragmas and require credentials at Init.
	remote bool
}

// Open opens (creating if needed) the embedded local database at path.
//
// The caller must call Close when done. Init must be called before any
// record operation.
func Open(path, device string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:       conn,
		dsn:        path,
		device:     device,
		writeState: record.StatePending,
		journal:    true,
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	return s, nil
}

// OpenRemote opens a Turso database over the libsql protocol.
//
// Both the URL and the auth token must be nonempty; otherwise Init fails
// with store.ErrNotConfigured. Remote writes are stamped synced.
func OpenRemote(url, authToken, device string) (*Store, error) {
	s := &Store{
		dsn:        url,
		device:     device,
		writeState: record.StateSynced,
		remote:     true,
	}
	if url == "" || authToken == "" {
		// Defer the failure to Init so construction never errors on
		// missing credentials alone.
		return s, nil
	}

	conn, err := sql.Open("libsql", url+"?authToken="+authToken)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote database: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)
	s.conn = conn
	return s, nil
}

// Init creates the schema if absent. Idempotent: existing records are
// preserved, re-running after an upgrade only adds what is missing.
func (s *Store) Init(ctx context.Context) error {
	if s.conn == nil {
		return fmt.Errorf("remote database needs a URL and access key: %w", store.ErrNotConfigured)
	}

	var ddl strings.Builder
	for _, table := range record.Tables {
		fmt.Fprintf(&ddl, `
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			origin_device TEXT NOT NULL DEFAULT '',
			sync_state TEXT NOT NULL DEFAULT 'pending',
			fields TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_created ON %[1]s(created_at);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_updated ON %[1]s(updated_at);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_state ON %[1]s(sync_state);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_version ON %[1]s(version);
		`, table)
	}

	// Expression indexes on the field each table is commonly filtered by.
	for table, field := range map[string]string{
		record.TableProductComponents: "product_id",
		record.TableProjectProducts:   "project_id",
		record.TableTransactions:      "project_id",
		record.TableStockMovements:    "product_id",
	} {
		fmt.Fprintf(&ddl, `
		CREATE INDEX IF NOT EXISTS idx_%[1]s_%[2]s
		    ON %[1]s(json_extract(fields, '$.%[2]s'));
		`, table, field)
	}

	if s.journal {
		ddl.WriteString(`
		CREATE TABLE IF NOT EXISTS sync_queue (
			op_id TEXT PRIMARY KEY,
			tbl TEXT NOT NULL,
			kind TEXT NOT NULL,
			record_id TEXT NOT NULL,
			payload TEXT,
			created_at TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS sync_conflicts (
			conflict_id TEXT PRIMARY KEY,
			tbl TEXT NOT NULL,
			record_id TEXT NOT NULL,
			local TEXT NOT NULL,
			remote TEXT NOT NULL,
			detected_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sync_conflicts_record
		    ON sync_conflicts(tbl, record_id);
		CREATE TABLE IF NOT EXISTS sync_deadletter (
			op_id TEXT PRIMARY KEY,
			tbl TEXT NOT NULL,
			kind TEXT NOT NULL,
			record_id TEXT NOT NULL,
			payload TEXT,
			created_at TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			evicted_at TEXT NOT NULL
		);
		`)
	}

	if _, err := s.conn.ExecContext(ctx, ddl.String()); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the database connection, checkpointing the WAL first for
// the local store.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if !s.remote {
		if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Device returns the device identifier stamped on writes.
func (s *Store) Device() string {
	return s.device
}

func checkTable(table string) error {
	if !record.ValidTable(table) {
		return fmt.Errorf("%w: %s", store.ErrUnknownTable, table)
	}
	return nil
}

// metaColumns maps filterable metadata names to their SQL columns.
var metaColumns = map[string]string{
	"id":            "id",
	"created_at":    "created_at",
	"updated_at":    "updated_at",
	"version":       "version",
	"origin_device": "origin_device",
	"sync_state":    "sync_state",
}

// filterExpr returns the SQL expression and argument for one equality
// predicate. Business fields go through json_extract with a bound path,
// never interpolated field names.
func filterExpr(name string, value any) (string, []any) {
	if col, ok := metaColumns[name]; ok {
		return col + " = ?", []any{sqlValue(value)}
	}
	return "json_extract(fields, ?) = ?", []any{"$." + name, sqlValue(value)}
}

// sqlValue converts filter values to what json_extract yields: booleans
// surface as 0/1 integers, timestamps as their stored text form.
func sqlValue(v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return 1
		}
		return 0
	case time.Time:
		return val.UTC().Format(timeFormat)
	case record.SyncState:
		return string(val)
	default:
		return v
	}
}

// orderExpr returns the ORDER BY expression and leading args for opts.
// Ordering is stable: rowid breaks ties in insertion order.
func orderExpr(opts store.Options) (string, []any) {
	if opts.OrderBy == "" {
		return " ORDER BY rowid ASC", nil
	}
	dir := "ASC"
	if opts.Descending {
		dir = "DESC"
	}
	if col, ok := metaColumns[opts.OrderBy]; ok {
		return fmt.Sprintf(" ORDER BY %s %s, rowid ASC", col, dir), nil
	}
	return fmt.Sprintf(" ORDER BY json_extract(fields, ?) %s, rowid ASC", dir),
		[]any{"$." + opts.OrderBy}
}
