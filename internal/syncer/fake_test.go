package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tallyhq/hybridsync/internal/record"
	"github.com/tallyhq/hybridsync/internal/store"
)

// fakeRemote is an in-memory store.Adapter standing in for a remote
// backend. Failure injection and call counting let tests drive the retry
// and mutual-exclusion paths deterministically.
type fakeRemote struct {
	mu     sync.Mutex
	tables map[string]map[string]*record.Record
	order  map[string][]string

	putErr    error
	deleteErr error
	listErr   error
	listGate  chan struct{} // when non-nil, List blocks until closed

	putCalls  int
	listCalls int
}

var _ store.Adapter = (*fakeRemote)(nil)

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		tables: make(map[string]map[string]*record.Record),
		order:  make(map[string][]string),
	}
}

func (f *fakeRemote) Init(ctx context.Context) error { return nil }
func (f *fakeRemote) Close() error                   { return nil }

func (f *fakeRemote) Get(ctx context.Context, table, id string) (*record.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.tables[table][id]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (f *fakeRemote) List(ctx context.Context, table string) ([]*record.Record, error) {
	f.mu.Lock()
	gate := f.listGate
	f.listCalls++
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]*record.Record, 0, len(f.order[table]))
	for _, id := range f.order[table] {
		if rec, ok := f.tables[table][id]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (f *fakeRemote) Query(ctx context.Context, table string, opts store.Options) ([]*record.Record, error) {
	return f.List(ctx, table)
}

func (f *fakeRemote) Create(ctx context.Context, table string, fields map[string]any) (*record.Record, error) {
	now := time.Now().UTC()
	rec := &record.Record{
		Meta: record.Meta{
			ID:           uuid.NewString(),
			CreatedAt:    now,
			UpdatedAt:    now,
			Version:      1,
			OriginDevice: "remote",
			SyncState:    record.StateSynced,
		},
		Fields: fields,
	}
	if err := f.Put(ctx, table, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (f *fakeRemote) Update(ctx context.Context, table, id string, patch map[string]any) (*record.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.tables[table][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	next := rec.Clone()
	for k, v := range patch {
		if k == "id" {
			continue
		}
		next.Fields[k] = v
	}
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	f.tables[table][id] = next
	return next.Clone(), nil
}

func (f *fakeRemote) Delete(ctx context.Context, table, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.tables[table][id]; !ok {
		return store.ErrNotFound
	}
	delete(f.tables[table], id)
	return nil
}

func (f *fakeRemote) Put(ctx context.Context, table string, rec *record.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	if f.putErr != nil {
		return f.putErr
	}
	if f.tables[table] == nil {
		f.tables[table] = make(map[string]*record.Record)
	}
	if _, ok := f.tables[table][rec.ID]; !ok {
		f.order[table] = append(f.order[table], rec.ID)
	}
	f.tables[table][rec.ID] = rec.Clone()
	return nil
}

func (f *fakeRemote) BulkCreate(ctx context.Context, table string, items []map[string]any) ([]*record.Record, error) {
	out := make([]*record.Record, 0, len(items))
	for _, fields := range items {
		rec, err := f.Create(ctx, table, fields)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeRemote) BulkUpdate(ctx context.Context, table string, patches []store.Patch) ([]*record.Record, error) {
	out := make([]*record.Record, 0, len(patches))
	for _, p := range patches {
		rec, err := f.Update(ctx, table, p.ID, p.Fields)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeRemote) BulkDelete(ctx context.Context, table string, ids []string) error {
	for _, id := range ids {
		if err := f.Delete(ctx, table, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (f *fakeRemote) Count(ctx context.Context, table string, filters map[string]any) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[table]), nil
}

func (f *fakeRemote) Exists(ctx context.Context, table, id string) (bool, error) {
	rec, err := f.Get(ctx, table, id)
	return rec != nil, err
}

func (f *fakeRemote) Clear(ctx context.Context, table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tables, table)
	delete(f.order, table)
	return nil
}

func (f *fakeRemote) Export(ctx context.Context, tables ...string) (record.Dump, error) {
	if len(tables) == 0 {
		tables = record.Tables
	}
	dump := make(record.Dump, len(tables))
	for _, table := range tables {
		recs, err := f.List(ctx, table)
		if err != nil {
			return nil, err
		}
		dump[table] = recs
	}
	return dump, nil
}

func (f *fakeRemote) Import(ctx context.Context, dump record.Dump) error {
	for table, recs := range dump {
		if err := f.Clear(ctx, table); err != nil {
			return err
		}
		for _, rec := range recs {
			if err := f.Put(ctx, table, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *fakeRemote) setPutErr(err error) {
	f.mu.Lock()
	f.putErr = err
	f.mu.Unlock()
}

func (f *fakeRemote) setListErr(err error) {
	f.mu.Lock()
	f.listErr = err
	f.mu.Unlock()
}
