package record

import (
	"encoding/json"
	"testing"
	"time"
)

func sample() *Record {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	return &Record{
		Meta: Meta{
			ID:           "rec-1",
			CreatedAt:    now,
			UpdatedAt:    now,
			Version:      1,
			OriginDevice: "device-a",
			SyncState:    StatePending,
		},
		Fields: map[string]any{
			"name":  "Acme Corp",
			"email": "sales@acme.test",
			"tags":  []any{"vip", "net30"},
		},
	}
}

func TestMarshalFlat(t *testing.T) {
	data, err := json.Marshal(sample())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("unmarshal into map: %v", err)
	}

	// Metadata and business fields share one flat object.
	if flat["id"] != "rec-1" {
		t.Errorf("id = %v, want rec-1", flat["id"])
	}
	if flat["name"] != "Acme Corp" {
		t.Errorf("name = %v, want Acme Corp", flat["name"])
	}
	if flat["sync_state"] != "pending" {
		t.Errorf("sync_state = %v, want pending", flat["sync_state"])
	}
	if _, ok := flat["Fields"]; ok {
		t.Error("encoded record should not contain a nested Fields object")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	orig := sample()
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Record
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.ID != orig.ID || got.Version != orig.Version || got.OriginDevice != orig.OriginDevice {
		t.Errorf("metadata mismatch: got %+v", got.Meta)
	}
	if !got.CreatedAt.Equal(orig.CreatedAt) || !got.UpdatedAt.Equal(orig.UpdatedAt) {
		t.Errorf("timestamps mismatch: got %v / %v", got.CreatedAt, got.UpdatedAt)
	}
	if got.SyncState != StatePending {
		t.Errorf("sync_state = %q, want pending", got.SyncState)
	}
	if got.Fields["name"] != "Acme Corp" {
		t.Errorf("name = %v", got.Fields["name"])
	}
	if _, ok := got.Fields["id"]; ok {
		t.Error("meta key id leaked into business fields")
	}
}

func TestUnmarshalBadDocument(t *testing.T) {
	var r Record
	if err := json.Unmarshal([]byte(`[1,2,3]`), &r); err == nil {
		t.Error("expected error for non-object document")
	}
	if err := json.Unmarshal([]byte(`{"id": 42}`), &r); err == nil {
		t.Error("expected error for id of wrong type")
	}
}

func TestValidate(t *testing.T) {
	if err := sample().Validate(); err != nil {
		t.Errorf("valid record rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Record)
	}{
		{"missing id", func(r *Record) { r.ID = "" }},
		{"zero created_at", func(r *Record) { r.CreatedAt = time.Time{} }},
		{"zero updated_at", func(r *Record) { r.UpdatedAt = time.Time{} }},
		{"zero version", func(r *Record) { r.Version = 0 }},
		{"bad sync state", func(r *Record) { r.SyncState = "unknown" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := sample()
			tc.mutate(r)
			if err := r.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := sample()
	orig.Fields["address"] = map[string]any{"city": "Lyon"}

	dup := orig.Clone()
	dup.Fields["name"] = "Other"
	dup.Fields["address"].(map[string]any)["city"] = "Paris"
	dup.Fields["tags"].([]any)[0] = "changed"

	if orig.Fields["name"] != "Acme Corp" {
		t.Error("clone shares top-level fields with original")
	}
	if orig.Fields["address"].(map[string]any)["city"] != "Lyon" {
		t.Error("clone shares nested map with original")
	}
	if orig.Fields["tags"].([]any)[0] != "vip" {
		t.Error("clone shares nested slice with original")
	}
}

func TestFieldsEqual(t *testing.T) {
	a := sample()
	b := sample()
	b.Version = 9
	b.OriginDevice = "device-b"
	if !FieldsEqual(a, b) {
		t.Error("records with identical fields but different metadata should compare equal")
	}

	// Numeric values decoded from JSON come back as float64; normalization
	// must make them compare equal to the native int.
	c := sample()
	c.Fields["qty"] = 3
	d := sample()
	d.Fields["qty"] = float64(3)
	if !FieldsEqual(c, d) {
		t.Error("int and float64 of the same value should compare equal")
	}

	e := sample()
	e.Fields["name"] = "Different"
	if FieldsEqual(a, e) {
		t.Error("records with different fields should not compare equal")
	}
}

func TestLastTouched(t *testing.T) {
	r := sample()
	if !r.LastTouched().Equal(r.UpdatedAt) {
		t.Error("LastTouched should prefer updated_at")
	}
	r.UpdatedAt = time.Time{}
	if !r.LastTouched().Equal(r.CreatedAt) {
		t.Error("LastTouched should fall back to created_at")
	}
}

func TestValidTable(t *testing.T) {
	for _, tbl := range Tables {
		if !ValidTable(tbl) {
			t.Errorf("ValidTable(%q) = false", tbl)
		}
	}
	if ValidTable("invoices") {
		t.Error(`ValidTable("invoices") = true, want false`)
	}
}
