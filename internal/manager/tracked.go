package manager

import (
	"context"

	"github.com/tallyhq/hybridsync/internal/record"
	"github.com/tallyhq/hybridsync/internal/store"
	"github.com/tallyhq/hybridsync/internal/syncer"
)

// tracked is the adapter the application sees. Every mutation executes
// synchronously against the local store, then mirrors itself into the
// pending queue; the sync trigger that may follow is fire-and-forget, so
// mutations never block on the network.
//
// Put, Clear, and Import are replacement-style operations used by
// reconciliation and restore; they are deliberately not queued.
type tracked struct {
	local store.Adapter
	sync  *syncer.Manager
}

var _ store.Adapter = (*tracked)(nil)

func (t *tracked) Init(ctx context.Context) error { return t.local.Init(ctx) }
func (t *tracked) Close() error                   { return t.local.Close() }

func (t *tracked) Get(ctx context.Context, table, id string) (*record.Record, error) {
	return t.local.Get(ctx, table, id)
}

func (t *tracked) List(ctx context.Context, table string) ([]*record.Record, error) {
	return t.local.List(ctx, table)
}

func (t *tracked) Query(ctx context.Context, table string, opts store.Options) ([]*record.Record, error) {
	return t.local.Query(ctx, table, opts)
}

func (t *tracked) Count(ctx context.Context, table string, filters map[string]any) (int, error) {
	return t.local.Count(ctx, table, filters)
}

func (t *tracked) Exists(ctx context.Context, table, id string) (bool, error) {
	return t.local.Exists(ctx, table, id)
}

func (t *tracked) Export(ctx context.Context, tables ...string) (record.Dump, error) {
	return t.local.Export(ctx, tables...)
}

func (t *tracked) Create(ctx context.Context, table string, fields map[string]any) (*record.Record, error) {
	rec, err := t.local.Create(ctx, table, fields)
	if err != nil {
		return nil, err
	}
	if err := t.enqueue(ctx, table, store.OpCreate, rec.ID, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (t *tracked) Update(ctx context.Context, table, id string, patch map[string]any) (*record.Record, error) {
	rec, err := t.local.Update(ctx, table, id, patch)
	if err != nil {
		return nil, err
	}
	if err := t.enqueue(ctx, table, store.OpUpdate, id, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (t *tracked) Delete(ctx context.Context, table, id string) error {
	if err := t.local.Delete(ctx, table, id); err != nil {
		return err
	}
	return t.enqueue(ctx, table, store.OpDelete, id, nil)
}

func (t *tracked) Put(ctx context.Context, table string, rec *record.Record) error {
	return t.local.Put(ctx, table, rec)
}

func (t *tracked) BulkCreate(ctx context.Context, table string, items []map[string]any) ([]*record.Record, error) {
	recs := make([]*record.Record, 0, len(items))
	for _, fields := range items {
		rec, err := t.Create(ctx, table, fields)
		if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (t *tracked) BulkUpdate(ctx context.Context, table string, patches []store.Patch) ([]*record.Record, error) {
	recs := make([]*record.Record, 0, len(patches))
	for _, p := range patches {
		rec, err := t.Update(ctx, table, p.ID, p.Fields)
		if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (t *tracked) BulkDelete(ctx context.Context, table string, ids []string) error {
	for _, id := range ids {
		if err := t.Delete(ctx, table, id); err != nil {
			return err
		}
	}
	return nil
}

func (t *tracked) Clear(ctx context.Context, table string) error {
	return t.local.Clear(ctx, table)
}

func (t *tracked) Import(ctx context.Context, dump record.Dump) error {
	return t.local.Import(ctx, dump)
}

func (t *tracked) enqueue(ctx context.Context, table string, kind store.OpKind, id string, rec *record.Record) error {
	var payload *record.Record
	if rec != nil {
		payload = rec.Clone()
	}
	return t.sync.Enqueue(ctx, &store.Op{
		Table:    table,
		Kind:     kind,
		RecordID: id,
		Payload:  payload,
	})
}
