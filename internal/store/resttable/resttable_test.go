package resttable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tallyhq/hybridsync/internal/record"
	"github.com/tallyhq/hybridsync/internal/store"
)

// fakeAPI is a minimal in-memory table API server speaking the subset of
// the protocol the client uses: eq/neq filters, order, Prefer headers,
// and the Content-Range count.
type fakeAPI struct {
	apiKey string
	rows   map[string][]map[string]any
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	return &fakeAPI{apiKey: "test-key", rows: make(map[string][]map[string]any)}
}

func (f *fakeAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != f.apiKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		table := r.URL.Path[len("/rest/v1/"):]

		switch r.Method {
		case http.MethodGet, http.MethodHead:
			f.query(w, r, table)
		case http.MethodPost:
			f.insert(w, r, table)
		case http.MethodPatch:
			f.patch(w, r, table)
		case http.MethodDelete:
			f.delete(w, r, table)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

func (f *fakeAPI) filtered(r *http.Request, table string) []map[string]any {
	var out []map[string]any
	for _, row := range f.rows[table] {
		if f.match(r, row) {
			out = append(out, row)
		}
	}
	return out
}

func (f *fakeAPI) match(r *http.Request, row map[string]any) bool {
	for key, vals := range r.URL.Query() {
		switch key {
		case "order", "limit", "offset", "select":
			continue
		}
		val := vals[0]
		switch {
		case len(val) > 3 && val[:3] == "eq.":
			if fmt.Sprintf("%v", row[key]) != val[3:] {
				return false
			}
		case len(val) > 4 && val[:4] == "neq.":
			if fmt.Sprintf("%v", row[key]) == val[4:] {
				return false
			}
		}
	}
	return true
}

func (f *fakeAPI) query(w http.ResponseWriter, r *http.Request, table string) {
	rows := f.filtered(r, table)
	if r.Method == http.MethodHead {
		if r.Header.Get("Prefer") == "count=exact" {
			w.Header().Set("Content-Range", fmt.Sprintf("0-%d/%d", len(rows), len(rows)))
		}
		return
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	json.NewEncoder(w).Encode(rows)
}

func (f *fakeAPI) insert(w http.ResponseWriter, r *http.Request, table string) {
	var row map[string]any
	if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	// Upsert when the client asks for duplicate merging.
	for i, existing := range f.rows[table] {
		if existing["id"] == row["id"] {
			f.rows[table][i] = row
			w.WriteHeader(http.StatusCreated)
			return
		}
	}
	f.rows[table] = append(f.rows[table], row)
	w.WriteHeader(http.StatusCreated)
}

func (f *fakeAPI) patch(w http.ResponseWriter, r *http.Request, table string) {
	var row map[string]any
	if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	for i, existing := range f.rows[table] {
		if f.match(r, existing) {
			f.rows[table][i] = row
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeAPI) delete(w http.ResponseWriter, r *http.Request, table string) {
	var kept, removed []map[string]any
	for _, row := range f.rows[table] {
		if f.match(r, row) {
			removed = append(removed, row)
		} else {
			kept = append(kept, row)
		}
	}
	f.rows[table] = kept

	if r.Header.Get("Prefer") == "return=representation" {
		if removed == nil {
			removed = []map[string]any{}
		}
		json.NewEncoder(w).Encode(removed)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func newTestClient(t *testing.T) (*Client, *fakeAPI) {
	t.Helper()
	api := newFakeAPI(t)
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	c := New(srv.URL, api.apiKey, "device-test", srv.Client())
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return c, api
}

func TestInitRequiresCredentials(t *testing.T) {
	cases := []struct{ endpoint, key string }{
		{"", "key"},
		{"https://api.example.test", ""},
		{"", ""},
	}
	for _, tc := range cases {
		c := New(tc.endpoint, tc.key, "device-test", nil)
		if err := c.Init(context.Background()); !errors.Is(err, store.ErrNotConfigured) {
			t.Errorf("Init(%q, %q) = %v, want ErrNotConfigured", tc.endpoint, tc.key, err)
		}
	}
}

func TestCreateGetDelete(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	rec, err := c.Create(ctx, record.TableClients, map[string]any{"name": "Acme"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.ID == "" || rec.Version != 1 {
		t.Errorf("stamped record: %+v", rec.Meta)
	}
	if rec.SyncState != record.StateSynced {
		t.Errorf("sync_state = %q, want synced (remote writes are synced by definition)", rec.SyncState)
	}

	got, err := c.Get(ctx, record.TableClients, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Fields["name"] != "Acme" {
		t.Fatalf("get = %+v", got)
	}

	missing, err := c.Get(ctx, record.TableClients, "nope")
	if err != nil || missing != nil {
		t.Errorf("get missing = %v, %v", missing, err)
	}

	if err := c.Delete(ctx, record.TableClients, rec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := c.Delete(ctx, record.TableClients, rec.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("delete missing = %v, want ErrNotFound", err)
	}
}

func TestUpdate(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	rec, err := c.Create(ctx, record.TableProducts, map[string]any{"name": "Widget", "price": 10})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := c.Update(ctx, record.TableProducts, rec.ID, map[string]any{"price": 12})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Version)
	}
	if updated.Fields["name"] != "Widget" {
		t.Error("untouched field lost")
	}

	got, _ := c.Get(ctx, record.TableProducts, rec.ID)
	if got.Fields["price"] != float64(12) {
		t.Errorf("server price = %v, want 12", got.Fields["price"])
	}

	if _, err := c.Update(ctx, record.TableProducts, "missing", map[string]any{"price": 1}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestQueryCountClear(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for i, cat := range []string{"a", "a", "b"} {
		_, err := c.Create(ctx, record.TableProducts, map[string]any{"name": fmt.Sprintf("p%d", i), "category": cat})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, err := c.Query(ctx, record.TableProducts, store.Options{
		Filters: map[string]any{"category": "a"},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d records, want 2", len(got))
	}

	n, err := c.Count(ctx, record.TableProducts, map[string]any{"category": "a"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	ok, err := c.Exists(ctx, record.TableProducts, got[0].ID)
	if err != nil || !ok {
		t.Errorf("exists = %v, %v", ok, err)
	}

	if err := c.Clear(ctx, record.TableProducts); err != nil {
		t.Fatalf("clear: %v", err)
	}
	n, _ = c.Count(ctx, record.TableProducts, nil)
	if n != 0 {
		t.Errorf("count after clear = %d", n)
	}
}

func TestPutUpserts(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	rec, err := c.Create(ctx, record.TableClients, map[string]any{"name": "v1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	mirror := rec.Clone()
	mirror.Version = 7
	mirror.Fields["name"] = "v7"
	if err := c.Put(ctx, record.TableClients, mirror); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, _ := c.Get(ctx, record.TableClients, rec.ID)
	if got.Fields["name"] != "v7" || got.Version != 7 {
		t.Errorf("upsert result: %v v%d", got.Fields["name"], got.Version)
	}

	// Put mirrors existing revisions verbatim and rejects incomplete ones.
	if err := c.Put(ctx, record.TableClients, &record.Record{}); err == nil {
		t.Error("expected validation error for empty record")
	}
}

func TestUnauthorized(t *testing.T) {
	api := newFakeAPI(t)
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	c := New(srv.URL, "wrong-key", "device-test", srv.Client())
	_, err := c.List(context.Background(), record.TableClients)
	if !errors.Is(err, store.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestServerErrorIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream exploded")
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "device-test", srv.Client())
	_, err := c.List(context.Background(), record.TableClients)
	if err == nil {
		t.Fatal("expected error")
	}
	if want := "upstream exploded"; !strings.Contains(err.Error(), want) {
		t.Errorf("error %q does not mention %q", err, want)
	}
}
