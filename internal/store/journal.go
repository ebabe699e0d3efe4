package store

import (
	"context"
	"time"

	"github.com/tallyhq/hybridsync/internal/record"
)

// OpKind is the kind of mutation a pending operation replays.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Op is a queued intent to mutate the remote, captured at the moment a
// local mutation occurs. It stays queued until the remote accepts it or
// it exceeds the retry ceiling.
type Op struct {
	ID        string
	Table     string
	Kind      OpKind
	RecordID  string
	Payload   *record.Record // nil for deletes
	CreatedAt time.Time
	Attempts  int
}

// Conflict is produced when the same record id exists on both sides with
// differing content and the active policy defers to manual resolution.
// The table name is stored on the conflict itself so resolution always
// writes back to the right table.
type Conflict struct {
	ID         string
	Table      string
	RecordID   string
	Local      *record.Record
	Remote     *record.Record
	DetectedAt time.Time
}

// Journal is the durable home of the pending-operation queue, the
// conflict set, and the dead-letter set. It survives process restarts;
// the local adapter implements it on the same database file it stores
// records in.
type Journal interface {
	// AppendOp persists a pending operation at the tail of the queue.
	AppendOp(ctx context.Context, op *Op) error

	// PendingOps returns queued operations in append order.
	PendingOps(ctx context.Context) ([]*Op, error)

	// PendingCount returns the number of queued operations.
	PendingCount(ctx context.Context) (int, error)

	// RemoveOp removes a confirmed or evicted operation from the queue.
	RemoveOp(ctx context.Context, opID string) error

	// BumpAttempts increments an operation's retry count and returns the
	// new value.
	BumpAttempts(ctx context.Context, opID string) (int, error)

	// DeadLetter records an operation evicted after exceeding the retry
	// ceiling. Evicted operations are never retried.
	DeadLetter(ctx context.Context, op *Op) error

	// DeadLetterCount returns the number of evicted operations.
	DeadLetterCount(ctx context.Context) (int, error)

	// AddConflict persists a conflict awaiting manual resolution.
	AddConflict(ctx context.Context, c *Conflict) error

	// HasConflict reports whether an unresolved conflict already exists
	// for the given record.
	HasConflict(ctx context.Context, table, recordID string) (bool, error)

	// Conflicts returns unresolved conflicts in detection order.
	Conflicts(ctx context.Context) ([]*Conflict, error)

	// GetConflict returns a single conflict by id, or nil if absent.
	GetConflict(ctx context.Context, conflictID string) (*Conflict, error)

	// RemoveConflict discards a resolved conflict.
	RemoveConflict(ctx context.Context, conflictID string) error

	// ConflictCount returns the number of unresolved conflicts.
	ConflictCount(ctx context.Context) (int, error)
}
