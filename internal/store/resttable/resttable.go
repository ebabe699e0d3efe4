// Package resttable implements the record-store contract against a
// PostgREST-style remote table API: one route per table, rows as flat
// JSON objects, equality filters and ordering as query parameters.
//
// The adapter itself never retries; network and authorization failures
// propagate to the caller unmodified, and retry policy lives in the sync
// manager.
package resttable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tallyhq/hybridsync/internal/record"
	"github.com/tallyhq/hybridsync/internal/store"
)

// basePath is the table API prefix under the configured endpoint.
const basePath = "/rest/v1"

// noneID is an id value no record can carry; filtering id=neq.noneID
// matches every row, which is how the API expresses "delete all".
const noneID = "__none__"

// Client implements store.Adapter over the remote table API.
type Client struct {
	endpoint  string
	accessKey string
	device    string
	http      *http.Client
}

// New creates a remote table client. Credentials are validated at Init,
// not here, so a client can be constructed from unchecked settings.
// If httpClient is nil a default client with a 30 second timeout is used.
func New(endpoint, accessKey, device string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		endpoint:  strings.TrimRight(endpoint, "/"),
		accessKey: accessKey,
		device:    device,
		http:      httpClient,
	}
}

// Init implements store.Adapter. It requires a nonempty endpoint and
// access key and verifies the endpoint parses as a URL.
func (c *Client) Init(ctx context.Context) error {
	if c.endpoint == "" || c.accessKey == "" {
		return fmt.Errorf("remote table API needs an endpoint and access key: %w", store.ErrNotConfigured)
	}
	if _, err := url.Parse(c.endpoint); err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", c.endpoint, store.ErrNotConfigured)
	}
	return nil
}

// Close implements store.Adapter.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// do issues one request against a table route and decodes a JSON array
// response when the server returns one.
func (c *Client) do(ctx context.Context, method, table string, query url.Values, body any, prefer string) ([]*record.Record, int, error) {
	u := c.endpoint + basePath + "/" + table
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("apikey", c.accessKey)
	req.Header.Set("Authorization", "Bearer "+c.accessKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request to %s %s failed: %w", method, table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, resp.StatusCode, fmt.Errorf("%s %s: %w", method, table, store.ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, resp.StatusCode, fmt.Errorf("%s %s returned %d: %s",
			method, table, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if resp.StatusCode == http.StatusNoContent || method == http.MethodHead {
		return nil, resp.StatusCode, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, resp.StatusCode, nil
	}

	var recs []*record.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return recs, resp.StatusCode, nil
}

// Get implements store.Adapter. A missing id returns (nil, nil).
func (c *Client) Get(ctx context.Context, table, id string) (*record.Record, error) {
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("limit", "1")
	recs, _, err := c.do(ctx, http.MethodGet, table, q, nil, "")
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// List implements store.Adapter. It is Query with zero options.
func (c *Client) List(ctx context.Context, table string) ([]*record.Record, error) {
	return c.Query(ctx, table, store.Options{})
}

// Query implements store.Adapter, translating options into the server's
// filter, order, and pagination parameters.
func (c *Client) Query(ctx context.Context, table string, opts store.Options) ([]*record.Record, error) {
	q := url.Values{}
	for name, value := range opts.Filters {
		q.Set(name, "eq."+filterValue(value))
	}
	if opts.OrderBy != "" {
		dir := "asc"
		if opts.Descending {
			dir = "desc"
		}
		q.Set("order", opts.OrderBy+"."+dir)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	recs, _, err := c.do(ctx, http.MethodGet, table, q, nil, "")
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []*record.Record{}
	}
	return recs, nil
}

// Create implements store.Adapter. Writes via the remote adapter are
// synced by definition; the record is stamped before it is sent.
func (c *Client) Create(ctx context.Context, table string, fields map[string]any) (*record.Record, error) {
	now := time.Now().UTC()
	rec := &record.Record{
		Meta: record.Meta{
			CreatedAt:    now,
			UpdatedAt:    now,
			Version:      1,
			OriginDevice: c.device,
			SyncState:    record.StateSynced,
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

	if _, _, err := c.do(ctx, http.MethodPost, table, nil, rec, "return=minimal"); err != nil {
		return nil, err
	}
	return rec, nil
}

// Update implements store.Adapter.
func (c *Client) Update(ctx context.Context, table, id string, patch map[string]any) (*record.Record, error) {
	existing, err := c.Get(ctx, table, id)
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
	rec.OriginDevice = c.device
	rec.SyncState = record.StateSynced

	q := url.Values{}
	q.Set("id", "eq."+id)
	if _, _, err := c.do(ctx, http.MethodPatch, table, q, rec, "return=minimal"); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete implements store.Adapter. The server is asked to return the
// deleted rows so a miss can surface as ErrNotFound.
func (c *Client) Delete(ctx context.Context, table, id string) error {
	q := url.Values{}
	q.Set("id", "eq."+id)
	recs, _, err := c.do(ctx, http.MethodDelete, table, q, nil, "return=representation")
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("delete %s/%s: %w", table, id, store.ErrNotFound)
	}
	return nil
}

// Put implements store.Adapter: upsert preserving metadata.
func (c *Client) Put(ctx context.Context, table string, rec *record.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}
	_, _, err := c.do(ctx, http.MethodPost, table, nil, rec,
		"resolution=merge-duplicates,return=minimal")
	return err
}

// BulkCreate implements store.Adapter.
func (c *Client) BulkCreate(ctx context.Context, table string, items []map[string]any) ([]*record.Record, error) {
	recs := make([]*record.Record, 0, len(items))
	for _, fields := range items {
		rec, err := c.Create(ctx, table, fields)
		if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// BulkUpdate implements store.Adapter.
func (c *Client) BulkUpdate(ctx context.Context, table string, patches []store.Patch) ([]*record.Record, error) {
	recs := make([]*record.Record, 0, len(patches))
	for _, p := range patches {
		rec, err := c.Update(ctx, table, p.ID, p.Fields)
		if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// BulkDelete implements store.Adapter.
func (c *Client) BulkDelete(ctx context.Context, table string, ids []string) error {
	for _, id := range ids {
		if err := c.Delete(ctx, table, id); err != nil {
			return err
		}
	}
	return nil
}

// Count implements store.Adapter using the server's exact count header.
func (c *Client) Count(ctx context.Context, table string, filters map[string]any) (int, error) {
	q := url.Values{}
	for name, value := range filters {
		q.Set(name, "eq."+filterValue(value))
	}
	q.Set("select", "id")

	u := c.endpoint + basePath + "/" + table + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("apikey", c.accessKey)
	req.Header.Set("Authorization", "Bearer "+c.accessKey)
	req.Header.Set("Prefer", "count=exact")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("count on %s failed: %w", table, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return 0, fmt.Errorf("count on %s: %w", table, store.ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("count on %s returned %d", table, resp.StatusCode)
	}

	// Content-Range: 0-24/3573 — the total follows the slash.
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if idx := strings.LastIndex(cr, "/"); idx >= 0 && cr[idx+1:] != "*" {
			total, err := strconv.Atoi(cr[idx+1:])
			if err == nil {
				return total, nil
			}
		}
	}

	// Server did not report a count; fall back to fetching ids.
	recs, err := c.Query(ctx, table, store.Options{Filters: filters})
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Exists implements store.Adapter.
func (c *Client) Exists(ctx context.Context, table, id string) (bool, error) {
	rec, err := c.Get(ctx, table, id)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// Clear implements store.Adapter: removes every row in the table.
func (c *Client) Clear(ctx context.Context, table string) error {
	q := url.Values{}
	q.Set("id", "neq."+noneID)
	_, _, err := c.do(ctx, http.MethodDelete, table, q, nil, "return=minimal")
	return err
}

// Export implements store.Adapter.
func (c *Client) Export(ctx context.Context, tables ...string) (record.Dump, error) {
	if len(tables) == 0 {
		tables = record.Tables
	}
	dump := make(record.Dump, len(tables))
	for _, table := range tables {
		recs, err := c.List(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("failed to export %s: %w", table, err)
		}
		dump[table] = recs
	}
	return dump, nil
}

// Import implements store.Adapter: clear then repopulate, per table.
func (c *Client) Import(ctx context.Context, dump record.Dump) error {
	for table := range dump {
		if !record.ValidTable(table) {
			return fmt.Errorf("%w: %s", store.ErrUnknownTable, table)
		}
	}
	for _, table := range record.Tables {
		recs, ok := dump[table]
		if !ok {
			continue
		}
		if err := c.Clear(ctx, table); err != nil {
			return fmt.Errorf("failed to clear %s for import: %w", table, err)
		}
		for _, rec := range recs {
			if err := c.Put(ctx, table, rec); err != nil {
				return fmt.Errorf("failed to import record %s/%s: %w", table, rec.ID, err)
			}
		}
	}
	return nil
}

// filterValue renders a filter value in the API's textual form.
func filterValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", val)
	}
}
