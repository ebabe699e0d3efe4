// Package store defines the uniform record-store contract implemented once
// per backend, plus the error taxonomy shared across the engine. Application
// code only ever talks to this contract; backend specifics (SQLite, the
// remote table API) stay behind it.
package store

import (
	"context"
	"errors"

	"github.com/tallyhq/hybridsync/internal/record"
)

// ErrNotFound is returned when an update or delete targets an id that does
// not exist. Reads on a missing id return an empty result instead.
var ErrNotFound = errors.New("record not found")

// ErrNotConfigured is returned for operations that require configuration
// the caller has not supplied: a remote adapter without credentials, or a
// sync request with no active remote. Never retried.
var ErrNotConfigured = errors.New("not configured")

// ErrBadFormat is returned when an import document cannot be parsed. The
// parse happens before any write, so no partial import is applied.
var ErrBadFormat = errors.New("malformed document")

// ErrUnknownTable is returned for writes addressing a table outside the
// fixed set.
var ErrUnknownTable = errors.New("unknown table")

// ErrUnauthorized is returned when the remote rejects the access key.
var ErrUnauthorized = errors.New("unauthorized")

// Options configures Query. Filters are equality predicates applied
// conjunctively. OrderBy names a single field; ties are broken by input
// order (stable). Limit and Offset paginate; zero means unset.
type Options struct {
	Filters    map[string]any
	OrderBy    string
	Descending bool
	Limit      int
	Offset     int
}

// Patch addresses one record in a bulk update.
type Patch struct {
	ID     string
	Fields map[string]any
}

// Adapter is the uniform CRUD/query contract every backend implements.
//
// Every successful Create and Update stamps the record's metadata:
// timestamps, an incremented version, the origin device, and the adapter's
// write state (pending for local-origin writes awaiting confirmation,
// synced for remote-origin writes). Get and Query on a missing table or id
// return an empty result, never an error; Update and Delete on a missing
// id fail with ErrNotFound.
type Adapter interface {
	// Init prepares the backend. It is idempotent: schema is created if
	// absent and reused otherwise, preserving existing records.
	Init(ctx context.Context) error

	// Close releases backend resources.
	Close() error

	// Get returns the record with the given id, or nil if absent.
	Get(ctx context.Context, table, id string) (*record.Record, error)

	// List returns every record in the table. It is Query with zero
	// options.
	List(ctx context.Context, table string) ([]*record.Record, error)

	// Query returns records matching opts.
	Query(ctx context.Context, table string, opts Options) ([]*record.Record, error)

	// Create inserts a new record built from fields, stamping metadata.
	// A caller-supplied "id" field is honored; otherwise one is generated.
	Create(ctx context.Context, table string, fields map[string]any) (*record.Record, error)

	// Update applies patch to an existing record, bumping version and
	// updated_at.
	Update(ctx context.Context, table, id string, patch map[string]any) (*record.Record, error)

	// Delete removes a record.
	Delete(ctx context.Context, table, id string) error

	// Put upserts a record verbatim, preserving the caller-supplied
	// metadata. Reconciliation and import use this to mirror a revision
	// from the other side without re-stamping it.
	Put(ctx context.Context, table string, rec *record.Record) error

	// BulkCreate inserts a batch of records.
	BulkCreate(ctx context.Context, table string, items []map[string]any) ([]*record.Record, error)

	// BulkUpdate applies a batch of patches. A missing id fails that
	// patch's record with ErrNotFound.
	BulkUpdate(ctx context.Context, table string, patches []Patch) ([]*record.Record, error)

	// BulkDelete removes a batch of records by id.
	BulkDelete(ctx context.Context, table string, ids []string) error

	// Count returns the number of records matching the equality filters.
	Count(ctx context.Context, table string, filters map[string]any) (int, error)

	// Exists reports whether a record with the given id exists.
	Exists(ctx context.Context, table, id string) (bool, error)

	// Clear removes every record in the table.
	Clear(ctx context.Context, table string) error

	// Export returns the named tables (all fixed tables when empty) as a
	// dump, each table's records in insertion order.
	Export(ctx context.Context, tables ...string) (record.Dump, error)

	// Import replaces each dumped table's contents: clear then bulk
	// insert, never merge.
	Import(ctx context.Context, dump record.Dump) error
}
