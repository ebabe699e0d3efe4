package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tallyhq/hybridsync/internal/syncer"
)

func TestLoadDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Provider != ProviderLocal {
		t.Errorf("provider = %q, want local", s.Provider)
	}
	if s.AutoSync {
		t.Error("auto_sync = true, want false")
	}
	if s.SyncInterval != DefaultSyncInterval {
		t.Errorf("sync_interval = %v, want %v", s.SyncInterval, DefaultSyncInterval)
	}
	if s.SyncStrategy != syncer.StrategyNewestWins {
		t.Errorf("sync_strategy = %q, want newest-wins", s.SyncStrategy)
	}
	if s.DeviceID == "" {
		t.Error("device id not generated on first load")
	}

	// First load persists the minted device id.
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("settings file not written: %v", err)
	}
	again, err := Load(path)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if again.DeviceID != s.DeviceID {
		t.Errorf("device id changed across loads: %s vs %s", again.DeviceID, s.DeviceID)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")

	want := &Settings{
		Provider:     ProviderREST,
		AutoSync:     true,
		SyncInterval: 90 * time.Second,
		SyncStrategy: syncer.StrategyManual,
		Remote: Credentials{
			Endpoint:  "https://api.example.test",
			AccessKey: "secret",
		},
		DeviceID: "device-42",
	}
	if err := Save(path, want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if *got != *want {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestValidate(t *testing.T) {
	s := &Settings{Provider: "dropbox", SyncStrategy: syncer.StrategyNewestWins}
	if err := s.Validate(); err == nil {
		t.Error("expected error for unknown provider")
	}
	s = &Settings{Provider: ProviderLocal, SyncStrategy: "latest"}
	if err := s.Validate(); err == nil {
		t.Error("expected error for unknown strategy")
	}
	if err := Save(filepath.Join(t.TempDir(), "s.yaml"), s); err == nil {
		t.Error("save should reject invalid settings")
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("provider: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed yaml")
	}
}
