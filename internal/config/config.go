// Package config loads and persists the engine's settings: active
// provider, auto-sync cadence, conflict strategy, and remote credentials.
// Settings are read at startup, mutated through explicit reconfiguration
// calls, and written back after every change.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"github.com/tallyhq/hybridsync/internal/syncer"
)

// Provider selects the active backend pair.
type Provider string

const (
	// ProviderLocal runs without a remote; sync operations are no-ops.
	ProviderLocal Provider = "local"

	// ProviderREST syncs against the HTTP table API.
	ProviderREST Provider = "rest"

	// ProviderTurso syncs against a Turso database over libsql.
	ProviderTurso Provider = "turso"
)

// Valid reports whether p names a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderLocal, ProviderREST, ProviderTurso:
		return true
	}
	return false
}

// Credentials locate the remote store.
type Credentials struct {
	Endpoint  string
	AccessKey string
}

// Settings is the persisted configuration surface.
type Settings struct {
	Provider     Provider
	AutoSync     bool
	SyncInterval time.Duration
	SyncStrategy syncer.Strategy
	Remote       Credentials

	// DeviceID identifies this device in record metadata. Generated on
	// first load and persisted so it stays stable across restarts.
	DeviceID string
}

// Defaults applied when a key is absent from the settings file.
const (
	DefaultSyncInterval = 5 * time.Minute
)

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("provider", string(ProviderLocal))
	v.SetDefault("auto_sync", false)
	v.SetDefault("sync_interval", DefaultSyncInterval.String())
	v.SetDefault("sync_strategy", string(syncer.StrategyNewestWins))
	v.SetDefault("remote.endpoint", "")
	v.SetDefault("remote.access_key", "")
	v.SetDefault("device_id", "")
	return v
}

// Load reads settings from path, creating the file with defaults (and a
// fresh device id) when it does not exist yet.
func Load(path string) (*Settings, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
			}
		}
	}

	s := &Settings{
		Provider:     Provider(v.GetString("provider")),
		AutoSync:     v.GetBool("auto_sync"),
		SyncInterval: v.GetDuration("sync_interval"),
		SyncStrategy: syncer.Strategy(v.GetString("sync_strategy")),
		Remote: Credentials{
			Endpoint:  v.GetString("remote.endpoint"),
			AccessKey: v.GetString("remote.access_key"),
		},
		DeviceID: v.GetString("device_id"),
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.SyncInterval <= 0 {
		s.SyncInterval = DefaultSyncInterval
	}

	// First run: mint a device identity and persist it.
	if s.DeviceID == "" {
		s.DeviceID = uuid.NewString()
		if err := Save(path, s); err != nil {
			return nil, fmt.Errorf("failed to persist device id: %w", err)
		}
	}

	return s, nil
}

// Validate checks the enum-valued settings.
func (s *Settings) Validate() error {
	if !s.Provider.Valid() {
		return fmt.Errorf("unknown provider %q", s.Provider)
	}
	if !s.SyncStrategy.Valid() {
		return fmt.Errorf("unknown sync strategy %q", s.SyncStrategy)
	}
	return nil
}

// Save writes settings to path, creating parent directories as needed.
func Save(path string, s *Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	v := newViper(path)
	v.Set("provider", string(s.Provider))
	v.Set("auto_sync", s.AutoSync)
	v.Set("sync_interval", s.SyncInterval.String())
	v.Set("sync_strategy", string(s.SyncStrategy))
	v.Set("remote.endpoint", s.Remote.Endpoint)
	v.Set("remote.access_key", s.Remote.AccessKey)
	v.Set("device_id", s.DeviceID)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write settings %s: %w", path, err)
	}
	return nil
}
