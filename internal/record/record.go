// Package record provides the generic record model shared by every storage
// backend. A record is an open attribute map plus the sync metadata the
// reconciliation engine needs: identifier, timestamps, a per-device version
// counter, the originating device, and the sync state.
package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncState tracks whether a record's current revision has been confirmed
// by the remote store.
type SyncState string

const (
	// StatePending marks a local-origin write awaiting remote confirmation.
	StatePending SyncState = "pending"

	// StateSynced marks a revision known to be mirrored on the remote.
	StateSynced SyncState = "synced"

	// StateConflict marks a record with an unresolved manual conflict.
	StateConflict SyncState = "conflict"
)

// Fixed table set. Tables are independent; there is no cross-table
// transactional guarantee.
const (
	TableClients           = "clients"
	TableProducts          = "products"
	TableProductComponents = "product_components"
	TableProjects          = "projects"
	TableProjectProducts   = "project_products"
	TableTransactions      = "transactions"
	TableStockMovements    = "stock_movements"
)

// Tables lists every table the engine manages, in export order.
var Tables = []string{
	TableClients,
	TableProducts,
	TableProductComponents,
	TableProjects,
	TableProjectProducts,
	TableTransactions,
	TableStockMovements,
}

// ValidTable reports whether name is one of the fixed tables.
func ValidTable(name string) bool {
	for _, t := range Tables {
		if t == name {
			return true
		}
	}
	return false
}

// Meta holds the sync metadata common to all records.
type Meta struct {
	// ID is assigned once at creation and never changes.
	ID string `json:"id"`

	// CreatedAt is immutable after creation.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is refreshed on every mutation and is monotonically
	// non-decreasing per device.
	UpdatedAt time.Time `json:"updated_at"`

	// Version strictly increases across the record's lifetime on a device.
	Version int64 `json:"version"`

	// OriginDevice identifies the device that produced the current revision.
	OriginDevice string `json:"origin_device"`

	// SyncState distinguishes unconfirmed local writes from mirrored ones.
	SyncState SyncState `json:"sync_state"`
}

// Record is the unit of storage: sync metadata plus an open attribute map
// of business fields. The engine is schema-agnostic and never interprets
// the business fields beyond equality filtering and ordering.
type Record struct {
	Meta
	Fields map[string]any
}

// Dump maps table names to their full ordered record arrays. It is the
// export/import document: round-tripping a dump reproduces the same
// records.
type Dump map[string][]*Record

// metaKeys are the reserved top-level JSON keys. Business fields may not
// shadow them.
var metaKeys = map[string]bool{
	"id":            true,
	"created_at":    true,
	"updated_at":    true,
	"version":       true,
	"origin_device": true,
	"sync_state":    true,
}

// MarshalJSON encodes the record as a single flat object: metadata keys
// merged with the business fields. This is the wire format for the remote
// table API and the export document.
func (r *Record) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Fields)+6)
	for k, v := range r.Fields {
		if metaKeys[k] {
			continue
		}
		flat[k] = v
	}
	flat["id"] = r.ID
	flat["created_at"] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	flat["updated_at"] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	flat["version"] = r.Version
	flat["origin_device"] = r.OriginDevice
	flat["sync_state"] = string(r.SyncState)
	return json.Marshal(flat)
}

// UnmarshalJSON decodes a flat object back into metadata plus fields.
func (r *Record) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("failed to parse record: %w", err)
	}

	take := func(key string, dst any) error {
		raw, ok := flat[key]
		if !ok {
			return nil
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("failed to parse record field %s: %w", key, err)
		}
		return nil
	}

	if err := take("id", &r.ID); err != nil {
		return err
	}
	if err := take("created_at", &r.CreatedAt); err != nil {
		return err
	}
	if err := take("updated_at", &r.UpdatedAt); err != nil {
		return err
	}
	if err := take("version", &r.Version); err != nil {
		return err
	}
	if err := take("origin_device", &r.OriginDevice); err != nil {
		return err
	}
	var state string
	if err := take("sync_state", &state); err != nil {
		return err
	}
	r.SyncState = SyncState(state)

	r.Fields = make(map[string]any)
	for k, raw := range flat {
		if metaKeys[k] {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("failed to parse record field %s: %w", k, err)
		}
		r.Fields[k] = v
	}
	return nil
}

// Validate checks that the record carries complete metadata.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	if r.Version < 1 {
		return fmt.Errorf("version must be at least 1 (got %d)", r.Version)
	}
	switch r.SyncState {
	case StatePending, StateSynced, StateConflict:
	default:
		return fmt.Errorf("unknown sync state %q", r.SyncState)
	}
	return nil
}

// Clone returns a deep copy of the record. Business field values are
// copied one level deep, which is sufficient for JSON-decoded maps.
func (r *Record) Clone() *Record {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = cloneValue(v)
	}
	return &Record{Meta: r.Meta, Fields: fields}
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, e := range val {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(val))
		for i, e := range val {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

// FieldsEqual reports whether two records carry the same business fields.
// Records with equal fields are treated as in sync even when their
// metadata differs.
func FieldsEqual(a, b *Record) bool {
	aj, err := json.Marshal(normalize(a.Fields))
	if err != nil {
		return false
	}
	bj, err := json.Marshal(normalize(b.Fields))
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}

// normalize round-trips fields through JSON so that values decoded from
// different sources (float64 vs int64, for example) compare equal.
func normalize(fields map[string]any) map[string]any {
	data, err := json.Marshal(fields)
	if err != nil {
		return fields
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return fields
	}
	return out
}

// LastTouched returns the record's updated_at, falling back to created_at
// when the former is zero. Newest-wins conflict resolution compares this.
func (r *Record) LastTouched() time.Time {
	if !r.UpdatedAt.IsZero() {
		return r.UpdatedAt
	}
	return r.CreatedAt
}
