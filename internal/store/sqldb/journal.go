package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tallyhq/hybridsync/internal/record"
	"github.com/tallyhq/hybridsync/internal/store"
)

// The local store doubles as the sync journal: the pending-operation
// queue, the conflict set, and the dead-letter set live in the same
// database file as the records, so they survive process restarts
// together.

// AppendOp implements store.Journal.
func (s *Store) AppendOp(ctx context.Context, op *store.Op) error {
	payload, err := marshalPayload(op.Payload)
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx, `
	INSERT INTO sync_queue (op_id, tbl, kind, record_id, payload, created_at, attempts)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		op.ID, op.Table, string(op.Kind), op.RecordID, payload,
		op.CreatedAt.UTC().Format(timeFormat), op.Attempts,
	)
	if err != nil {
		return fmt.Errorf("failed to append pending op %s: %w", op.ID, err)
	}
	return nil
}

// PendingOps implements store.Journal. Operations come back in append
// order so the push phase replays them in queue order.
func (s *Store) PendingOps(ctx context.Context) ([]*store.Op, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT op_id, tbl, kind, record_id, payload, created_at, attempts
	FROM sync_queue ORDER BY rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending ops: %w", err)
	}
	defer rows.Close()

	var ops []*store.Op
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending ops: %w", err)
	}
	return ops, nil
}

// PendingCount implements store.Journal.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending ops: %w", err)
	}
	return count, nil
}

// RemoveOp implements store.Journal. Removing an absent op is a no-op.
func (s *Store) RemoveOp(ctx context.Context, opID string) error {
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM sync_queue WHERE op_id = ?", opID); err != nil {
		return fmt.Errorf("failed to remove pending op %s: %w", opID, err)
	}
	return nil
}

// BumpAttempts implements store.Journal.
func (s *Store) BumpAttempts(ctx context.Context, opID string) (int, error) {
	if _, err := s.conn.ExecContext(ctx,
		"UPDATE sync_queue SET attempts = attempts + 1 WHERE op_id = ?", opID); err != nil {
		return 0, fmt.Errorf("failed to bump attempts for op %s: %w", opID, err)
	}
	var attempts int
	err := s.conn.QueryRowContext(ctx,
		"SELECT attempts FROM sync_queue WHERE op_id = ?", opID).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to read attempts for op %s: %w", opID, err)
	}
	return attempts, nil
}

// DeadLetter implements store.Journal.
func (s *Store) DeadLetter(ctx context.Context, op *store.Op) error {
	payload, err := marshalPayload(op.Payload)
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx, `
	INSERT INTO sync_deadletter (op_id, tbl, kind, record_id, payload, created_at, attempts, evicted_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(op_id) DO NOTHING
	`,
		op.ID, op.Table, string(op.Kind), op.RecordID, payload,
		op.CreatedAt.UTC().Format(timeFormat), op.Attempts,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to dead-letter op %s: %w", op.ID, err)
	}
	return nil
}

// DeadLetterCount implements store.Journal.
func (s *Store) DeadLetterCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_deadletter").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead-lettered ops: %w", err)
	}
	return count, nil
}

// AddConflict implements store.Journal.
func (s *Store) AddConflict(ctx context.Context, c *store.Conflict) error {
	local, err := json.Marshal(c.Local)
	if err != nil {
		return fmt.Errorf("failed to marshal local conflict side: %w", err)
	}
	remote, err := json.Marshal(c.Remote)
	if err != nil {
		return fmt.Errorf("failed to marshal remote conflict side: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `
	INSERT INTO sync_conflicts (conflict_id, tbl, record_id, local, remote, detected_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.Table, c.RecordID, string(local), string(remote),
		c.DetectedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to record conflict %s: %w", c.ID, err)
	}
	return nil
}

// HasConflict implements store.Journal.
func (s *Store) HasConflict(ctx context.Context, table, recordID string) (bool, error) {
	var one int
	err := s.conn.QueryRowContext(ctx,
		"SELECT 1 FROM sync_conflicts WHERE tbl = ? AND record_id = ?",
		table, recordID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check conflict for %s/%s: %w", table, recordID, err)
	}
	return true, nil
}

// Conflicts implements store.Journal.
func (s *Store) Conflicts(ctx context.Context) ([]*store.Conflict, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT conflict_id, tbl, record_id, local, remote, detected_at
	FROM sync_conflicts ORDER BY rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*store.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}

// GetConflict implements store.Journal. A missing id returns (nil, nil).
func (s *Store) GetConflict(ctx context.Context, conflictID string) (*store.Conflict, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT conflict_id, tbl, record_id, local, remote, detected_at
	FROM sync_conflicts WHERE conflict_id = ?
	`, conflictID)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// RemoveConflict implements store.Journal.
func (s *Store) RemoveConflict(ctx context.Context, conflictID string) error {
	if _, err := s.conn.ExecContext(ctx,
		"DELETE FROM sync_conflicts WHERE conflict_id = ?", conflictID); err != nil {
		return fmt.Errorf("failed to remove conflict %s: %w", conflictID, err)
	}
	return nil
}

// ConflictCount implements store.Journal.
func (s *Store) ConflictCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_conflicts").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return count, nil
}

func marshalPayload(rec *record.Record) (sql.NullString, error) {
	if rec == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal op payload: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func scanOp(row scanner) (*store.Op, error) {
	var op store.Op
	var kind, createdAt string
	var payload sql.NullString

	err := row.Scan(&op.ID, &op.Table, &kind, &op.RecordID, &payload, &createdAt, &op.Attempts)
	if err != nil {
		return nil, err
	}
	op.Kind = store.OpKind(kind)
	if t, err := time.Parse(timeFormat, createdAt); err == nil {
		op.CreatedAt = t
	}
	if payload.Valid {
		var rec record.Record
		if err := json.Unmarshal([]byte(payload.String), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal op payload: %w", err)
		}
		op.Payload = &rec
	}
	return &op, nil
}

func scanConflict(row scanner) (*store.Conflict, error) {
	var c store.Conflict
	var local, remote, detectedAt string

	err := row.Scan(&c.ID, &c.Table, &c.RecordID, &local, &remote, &detectedAt)
	if err != nil {
		return nil, err
	}
	var localRec, remoteRec record.Record
	if err := json.Unmarshal([]byte(local), &localRec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal local conflict side: %w", err)
	}
	if err := json.Unmarshal([]byte(remote), &remoteRec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal remote conflict side: %w", err)
	}
	c.Local = &localRec
	c.Remote = &remoteRec
	if t, err := time.Parse(timeFormat, detectedAt); err == nil {
		c.DetectedAt = t
	}
	return &c, nil
}
