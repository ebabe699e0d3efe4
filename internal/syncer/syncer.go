// Package syncer drives bidirectional reconciliation between the local
// record store and an optional remote store.
//
// Every local mutation appends a pending operation to a durable queue; a
// reconciliation pass replays the queue against the remote (push), then
// pulls the remote's record set table by table and reconciles it into the
// local store under the active conflict strategy. Passes are best-effort:
// per-operation and per-table failures are logged and skipped, never
// aborting the pass.
//
// At most one pass runs at a time per process. A trigger received while a
// pass is active is dropped; still-pending work waits for the next trigger
// (periodic timer, reconnection, or next mutation).
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tallyhq/hybridsync/internal/record"
	"github.com/tallyhq/hybridsync/internal/store"
)

// maxAttempts is the push retry ceiling. An operation that fails more
// than this many times is evicted from the queue and dead-lettered.
const maxAttempts = 3

// Status is the read-only sync status surface.
type Status struct {
	LastSync  *time.Time `json:"last_sync,omitempty"`
	Pending   int        `json:"pending_operations"`
	Online    bool       `json:"is_online"`
	Syncing   bool       `json:"is_syncing"`
	Conflicts int        `json:"conflicts"`
	Dropped   int        `json:"dropped_operations"`
	Provider  string     `json:"provider"`
}

// EventFunc receives sync lifecycle notifications (pass started, pass
// completed, conflict detected). Used by the status dashboard; may be nil.
type EventFunc func(kind string, detail map[string]any)

// Event kinds passed to EventFunc.
const (
	EventSyncStarted      = "sync_started"
	EventSyncCompleted    = "sync_completed"
	EventConflictDetected = "conflict_detected"
	EventOpDropped        = "op_dropped"
)

// Manager owns the offline operation queue and drives reconciliation
// passes. Construct with New, wire a remote with SetRemote, and run the
// background worker with Start; the lifecycle is caller-controlled.
type Manager struct {
	local   store.Adapter
	journal store.Journal
	logger  *log.Logger

	mu       sync.Mutex
	remote   store.Adapter // nil means local-only; sync becomes a no-op
	provider string
	strategy Strategy
	lastSync *time.Time
	events   EventFunc

	online  atomic.Bool
	syncing atomic.Bool

	triggers chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a sync manager over the local adapter and its journal.
//
// If logger is nil, a default logger writing to stderr is used.
func New(local store.Adapter, journal store.Journal, strategy Strategy, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if !strategy.Valid() {
		strategy = StrategyNewestWins
	}
	return &Manager{
		local:    local,
		journal:  journal,
		logger:   logger,
		provider: "local",
		strategy: strategy,
		triggers: make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// SetEvents installs the lifecycle notification hook.
func (m *Manager) SetEvents(fn EventFunc) {
	m.mu.Lock()
	m.events = fn
	m.mu.Unlock()
}

func (m *Manager) emit(kind string, detail map[string]any) {
	m.mu.Lock()
	fn := m.events
	m.mu.Unlock()
	if fn != nil {
		fn(kind, detail)
	}
}

// SetRemote wires (or unwires, with nil) the active remote adapter.
func (m *Manager) SetRemote(remote store.Adapter, provider string) {
	m.mu.Lock()
	m.remote = remote
	if remote == nil {
		m.provider = "local"
	} else {
		m.provider = provider
	}
	m.mu.Unlock()
}

// Remote returns the active remote adapter, or nil in local-only mode.
func (m *Manager) Remote() store.Adapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// SetStrategy changes the active conflict strategy.
func (m *Manager) SetStrategy(s Strategy) error {
	if !s.Valid() {
		return fmt.Errorf("unknown sync strategy %q", s)
	}
	m.mu.Lock()
	m.strategy = s
	m.mu.Unlock()
	return nil
}

// SetOnline records a connectivity transition. Coming back online
// triggers an immediate reconciliation attempt.
func (m *Manager) SetOnline(online bool) {
	was := m.online.Swap(online)
	if online && !was {
		m.logger.Printf("Connectivity restored, triggering sync")
		m.Notify()
	}
	if !online && was {
		m.logger.Printf("Connectivity lost, queuing mutations offline")
	}
}

// Online reports the current connectivity flag.
func (m *Manager) Online() bool {
	return m.online.Load()
}

// Notify requests a reconciliation pass without waiting for it. The
// trigger is dropped if one is already queued or a pass is running.
func (m *Manager) Notify() {
	select {
	case m.triggers <- struct{}{}:
	default:
	}
}

// Enqueue appends a pending operation mirroring a local mutation. The
// caller returns immediately; if currently online with a remote wired, a
// pass is triggered in the background.
func (m *Manager) Enqueue(ctx context.Context, op *store.Op) error {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	if err := m.journal.AppendOp(ctx, op); err != nil {
		return fmt.Errorf("failed to enqueue %s on %s: %w", op.Kind, op.Table, err)
	}
	if m.online.Load() && m.Remote() != nil {
		m.Notify()
	}
	return nil
}

// Start runs the background worker that executes triggered passes.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-m.triggers:
				if !m.online.Load() || m.Remote() == nil {
					continue
				}
				if err := m.RunSync(ctx); err != nil {
					m.logger.Printf("Sync pass failed: %v", err)
				}
			}
		}
	}()
}

// Stop shuts the background worker down and waits for it.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// RunSync executes one reconciliation pass: push, then pull. A no-op in
// local-only mode, and a no-op when a pass is already in flight.
//
// Passes are best-effort, not all-or-nothing: partial failures are logged
// and the syncing flag is cleared regardless.
func (m *Manager) RunSync(ctx context.Context) error {
	remote := m.Remote()
	if remote == nil {
		return nil
	}
	if !m.syncing.CompareAndSwap(false, true) {
		return nil
	}
	defer m.syncing.Store(false)

	m.emit(EventSyncStarted, nil)
	start := time.Now()

	pushed, pushFailed := m.push(ctx, remote)
	pulled, pullFailed := m.pull(ctx, remote)

	now := time.Now().UTC()
	m.mu.Lock()
	m.lastSync = &now
	m.mu.Unlock()

	m.logger.Printf("Sync pass complete in %v: pushed=%d (failed=%d), pulled tables=%d (failed=%d)",
		time.Since(start).Round(time.Millisecond), pushed, pushFailed, pulled, pullFailed)
	m.emit(EventSyncCompleted, map[string]any{
		"pushed":        pushed,
		"push_failures": pushFailed,
		"duration_ms":   time.Since(start).Milliseconds(),
	})
	return nil
}

// push replays the pending queue against the remote in queue order. A
// failure on one operation never blocks subsequent ones.
func (m *Manager) push(ctx context.Context, remote store.Adapter) (pushed, failed int) {
	ops, err := m.journal.PendingOps(ctx)
	if err != nil {
		m.logger.Printf("WARNING: failed to read pending queue: %v", err)
		return 0, 0
	}

	for _, op := range ops {
		if err := m.applyOp(ctx, remote, op); err != nil {
			failed++
			m.logger.Printf("WARNING: push %s %s/%s failed: %v", op.Kind, op.Table, op.RecordID, err)
			attempts, bumpErr := m.journal.BumpAttempts(ctx, op.ID)
			if bumpErr != nil {
				m.logger.Printf("WARNING: failed to record attempt for op %s: %v", op.ID, bumpErr)
				continue
			}
			if attempts > maxAttempts {
				op.Attempts = attempts
				m.evict(ctx, op)
			}
			continue
		}

		if err := m.journal.RemoveOp(ctx, op.ID); err != nil {
			m.logger.Printf("WARNING: failed to dequeue op %s: %v", op.ID, err)
			continue
		}
		m.confirmLocal(ctx, op)
		pushed++
	}
	return pushed, failed
}

// applyOp replays one queued operation against the remote.
func (m *Manager) applyOp(ctx context.Context, remote store.Adapter, op *store.Op) error {
	switch op.Kind {
	case store.OpCreate, store.OpUpdate:
		if op.Payload == nil {
			return fmt.Errorf("op %s has no payload", op.ID)
		}
		rec := op.Payload.Clone()
		rec.SyncState = record.StateSynced
		return remote.Put(ctx, op.Table, rec)
	case store.OpDelete:
		err := remote.Delete(ctx, op.Table, op.RecordID)
		if errors.Is(err, store.ErrNotFound) {
			// Already gone remotely; the intent is satisfied.
			return nil
		}
		return err
	}
	return fmt.Errorf("unknown op kind %q", op.Kind)
}

// confirmLocal marks the local record synced after the remote accepted
// the operation, unless a newer local revision superseded it meanwhile.
func (m *Manager) confirmLocal(ctx context.Context, op *store.Op) {
	if op.Payload == nil {
		return
	}
	local, err := m.local.Get(ctx, op.Table, op.RecordID)
	if err != nil || local == nil {
		return
	}
	if local.Version != op.Payload.Version {
		return
	}
	confirmed := local.Clone()
	confirmed.SyncState = record.StateSynced
	if err := m.local.Put(ctx, op.Table, confirmed); err != nil {
		m.logger.Printf("WARNING: failed to confirm %s/%s: %v", op.Table, op.RecordID, err)
	}
}

// evict removes an operation that exceeded the retry ceiling. The
// underlying mutation stays permanently unsynced; the operation is kept
// in the dead-letter set so the loss is visible in status.
func (m *Manager) evict(ctx context.Context, op *store.Op) {
	m.logger.Printf("Dropping op %s (%s %s/%s) after %d attempts",
		op.ID, op.Kind, op.Table, op.RecordID, op.Attempts)
	if err := m.journal.DeadLetter(ctx, op); err != nil {
		m.logger.Printf("WARNING: failed to dead-letter op %s: %v", op.ID, err)
	}
	if err := m.journal.RemoveOp(ctx, op.ID); err != nil {
		m.logger.Printf("WARNING: failed to evict op %s: %v", op.ID, err)
	}
	m.emit(EventOpDropped, map[string]any{
		"table":     op.Table,
		"record_id": op.RecordID,
		"kind":      string(op.Kind),
	})
}

// pull fetches each table's remote record set and reconciles it into the
// local store. A table-level failure is logged and skipped; remaining
// tables proceed.
func (m *Manager) pull(ctx context.Context, remote store.Adapter) (tables, failed int) {
	m.mu.Lock()
	strategy := m.strategy
	m.mu.Unlock()

	for _, table := range record.Tables {
		if err := m.pullTable(ctx, remote, table, strategy); err != nil {
			failed++
			m.logger.Printf("WARNING: pull of %s failed: %v", table, err)
			continue
		}
		tables++
	}
	return tables, failed
}

func (m *Manager) pullTable(ctx context.Context, remote store.Adapter, table string, strategy Strategy) error {
	remoteRecs, err := remote.List(ctx, table)
	if err != nil {
		return fmt.Errorf("failed to list remote %s: %w", table, err)
	}
	localRecs, err := m.local.List(ctx, table)
	if err != nil {
		return fmt.Errorf("failed to list local %s: %w", table, err)
	}

	localByID := make(map[string]*record.Record, len(localRecs))
	for _, rec := range localRecs {
		localByID[rec.ID] = rec
	}

	for _, remoteRec := range remoteRecs {
		localRec, ok := localByID[remoteRec.ID]
		if !ok {
			// Remote is authoritative for records not yet known locally.
			mirrored := remoteRec.Clone()
			mirrored.SyncState = record.StateSynced
			if err := m.local.Put(ctx, table, mirrored); err != nil {
				m.logger.Printf("WARNING: failed to mirror %s/%s: %v", table, remoteRec.ID, err)
			}
			continue
		}
		delete(localByID, remoteRec.ID)
		m.reconcile(ctx, remote, table, strategy, localRec, remoteRec)
	}

	// What remains is local-only. Previously mirrored records were
	// deleted remotely and the deletion is honored; records never yet
	// pushed are kept so offline creations are never lost.
	for _, localRec := range localByID {
		if localRec.SyncState != record.StateSynced {
			continue
		}
		if err := m.local.Delete(ctx, table, localRec.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.logger.Printf("WARNING: failed to apply remote deletion of %s/%s: %v", table, localRec.ID, err)
		}
	}
	return nil
}

// reconcile resolves one same-id pair. The winner propagates to the
// losing side; manual strategy records a conflict and touches neither.
func (m *Manager) reconcile(ctx context.Context, remote store.Adapter, table string, strategy Strategy, localRec, remoteRec *record.Record) {
	if record.FieldsEqual(localRec, remoteRec) {
		if localRec.SyncState == record.StatePending {
			confirmed := localRec.Clone()
			confirmed.SyncState = record.StateSynced
			if err := m.local.Put(ctx, table, confirmed); err != nil {
				m.logger.Printf("WARNING: failed to confirm %s/%s: %v", table, localRec.ID, err)
			}
		}
		return
	}

	switch decide(strategy, localRec, remoteRec) {
	case ResolveLocal:
		winner := localRec.Clone()
		winner.SyncState = record.StateSynced
		if err := remote.Put(ctx, table, winner); err != nil {
			m.logger.Printf("WARNING: failed to propagate %s/%s to remote: %v", table, localRec.ID, err)
			return
		}
		if err := m.local.Put(ctx, table, winner); err != nil {
			m.logger.Printf("WARNING: failed to confirm %s/%s: %v", table, localRec.ID, err)
		}

	case ResolveRemote:
		winner := remoteRec.Clone()
		winner.SyncState = record.StateSynced
		if err := m.local.Put(ctx, table, winner); err != nil {
			m.logger.Printf("WARNING: failed to overwrite %s/%s locally: %v", table, remoteRec.ID, err)
		}

	case ResolveManual:
		exists, err := m.journal.HasConflict(ctx, table, localRec.ID)
		if err != nil {
			m.logger.Printf("WARNING: failed to check conflicts for %s/%s: %v", table, localRec.ID, err)
			return
		}
		if exists {
			return
		}
		c := &store.Conflict{
			ID:         uuid.NewString(),
			Table:      table,
			RecordID:   localRec.ID,
			Local:      localRec.Clone(),
			Remote:     remoteRec.Clone(),
			DetectedAt: time.Now().UTC(),
		}
		if err := m.journal.AddConflict(ctx, c); err != nil {
			m.logger.Printf("WARNING: failed to record conflict for %s/%s: %v", table, localRec.ID, err)
			return
		}
		m.logger.Printf("Conflict detected: %s/%s (local v%d vs remote v%d)",
			table, localRec.ID, localRec.Version, remoteRec.Version)
		m.emit(EventConflictDetected, map[string]any{
			"table":     table,
			"record_id": localRec.ID,
		})
	}
}

// Resolve applies a manual decision to a recorded conflict. The resolved
// value is written to both local and remote copies against the conflict's
// own table, and the conflict is discarded.
//
// choice selects a side; replacement, when non-nil, supplies caller
// edited fields instead and takes precedence.
func (m *Manager) Resolve(ctx context.Context, conflictID string, choice Resolution, replacement map[string]any) error {
	c, err := m.journal.GetConflict(ctx, conflictID)
	if err != nil {
		return fmt.Errorf("failed to load conflict %s: %w", conflictID, err)
	}
	if c == nil {
		return fmt.Errorf("conflict %s: %w", conflictID, store.ErrNotFound)
	}

	var resolved *record.Record
	switch {
	case replacement != nil:
		resolved = c.Local.Clone()
		resolved.Fields = replacement
		if c.Remote.Version > resolved.Version {
			resolved.Version = c.Remote.Version
		}
		resolved.Version++
		resolved.UpdatedAt = time.Now().UTC()
	case choice == ResolveLocal:
		resolved = c.Local.Clone()
	case choice == ResolveRemote:
		resolved = c.Remote.Clone()
	default:
		return fmt.Errorf("unknown resolution choice %q", choice)
	}
	resolved.SyncState = record.StateSynced

	if err := m.local.Put(ctx, c.Table, resolved); err != nil {
		return fmt.Errorf("failed to apply resolution locally: %w", err)
	}
	if remote := m.Remote(); remote != nil {
		if err := remote.Put(ctx, c.Table, resolved); err != nil {
			return fmt.Errorf("failed to apply resolution remotely: %w", err)
		}
	}
	if err := m.journal.RemoveConflict(ctx, conflictID); err != nil {
		return fmt.Errorf("failed to discard conflict %s: %w", conflictID, err)
	}

	m.logger.Printf("Resolved conflict %s on %s/%s", conflictID, c.Table, c.RecordID)
	return nil
}

// Status returns the read-only sync status surface. Counts are
// best-effort; a failing journal read reports zero rather than an error.
func (m *Manager) Status(ctx context.Context) Status {
	m.mu.Lock()
	last := m.lastSync
	provider := m.provider
	m.mu.Unlock()

	pending, err := m.journal.PendingCount(ctx)
	if err != nil {
		m.logger.Printf("WARNING: failed to count pending ops: %v", err)
	}
	conflicts, err := m.journal.ConflictCount(ctx)
	if err != nil {
		m.logger.Printf("WARNING: failed to count conflicts: %v", err)
	}
	dropped, err := m.journal.DeadLetterCount(ctx)
	if err != nil {
		m.logger.Printf("WARNING: failed to count dropped ops: %v", err)
	}

	return Status{
		LastSync:  last,
		Pending:   pending,
		Online:    m.online.Load(),
		Syncing:   m.syncing.Load(),
		Conflicts: conflicts,
		Dropped:   dropped,
		Provider:  provider,
	}
}
