// Package manager owns the adapter pair and the engine configuration. It
// selects the active provider, wires the sync manager to the chosen
// remote, runs the auto-sync timer, and exposes export/import and one-shot
// migration.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/tallyhq/hybridsync/internal/config"
	"github.com/tallyhq/hybridsync/internal/record"
	"github.com/tallyhq/hybridsync/internal/store"
	"github.com/tallyhq/hybridsync/internal/store/resttable"
	"github.com/tallyhq/hybridsync/internal/store/sqldb"
	"github.com/tallyhq/hybridsync/internal/syncer"
)

// Manager holds configuration, the one local adapter, and at most one
// remote adapter instance.
type Manager struct {
	settingsPath string
	logger       *log.Logger

	local *sqldb.Store
	sync  *syncer.Manager

	mu       sync.Mutex
	settings *config.Settings
	remote   store.Adapter

	autoCancel context.CancelFunc
	autoWG     sync.WaitGroup
}

// New opens the local store at dbPath, loads settings from settingsPath,
// and wires the configured provider. If logger is nil, a default logger
// writing to stderr is used.
func New(dbPath, settingsPath string, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[storage] ", log.LstdFlags)
	}

	settings, err := config.Load(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	local, err := sqldb.Open(dbPath, settings.DeviceID)
	if err != nil {
		return nil, err
	}
	if err := local.Init(context.Background()); err != nil {
		_ = local.Close()
		return nil, err
	}

	m := &Manager{
		settingsPath: settingsPath,
		logger:       logger,
		local:        local,
		settings:     settings,
		sync:         syncer.New(local, local, settings.SyncStrategy, nil),
	}

	if settings.Provider != config.ProviderLocal {
		remote, err := m.buildRemote(settings)
		if err != nil {
			m.logger.Printf("WARNING: remote %s not wired: %v", settings.Provider, err)
		} else {
			m.remote = remote
			m.sync.SetRemote(remote, string(settings.Provider))
		}
	}

	return m, nil
}

// Start runs the sync worker and, when configured, the auto-sync timer.
func (m *Manager) Start(ctx context.Context) {
	m.sync.Start(ctx)

	m.mu.Lock()
	autoSync := m.settings.AutoSync && m.remote != nil
	interval := m.settings.SyncInterval
	m.mu.Unlock()

	if autoSync {
		m.startAutoSync(ctx, interval)
	}
}

// Close shuts everything down: auto-sync timer, sync worker, adapters.
func (m *Manager) Close() error {
	m.stopAutoSync()
	m.sync.Stop()

	m.mu.Lock()
	remote := m.remote
	m.remote = nil
	m.mu.Unlock()
	if remote != nil {
		_ = remote.Close()
	}

	return m.local.Close()
}

// Store returns the adapter application code mutates. It is always the
// local adapter, wrapped so every mutation lands in the pending queue.
func (m *Manager) Store() store.Adapter {
	return &tracked{local: m.local, sync: m.sync}
}

// Syncer exposes the sync manager for status, resolution, and
// connectivity wiring.
func (m *Manager) Syncer() *syncer.Manager {
	return m.sync
}

// Settings returns a copy of the active settings.
func (m *Manager) Settings() config.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.settings
}

// Sync triggers one reconciliation pass and waits for it. It fails when
// no remote is active.
func (m *Manager) Sync(ctx context.Context) error {
	if m.sync.Remote() == nil {
		return fmt.Errorf("sync requires an active remote provider: %w", store.ErrNotConfigured)
	}
	return m.sync.RunSync(ctx)
}

// Status returns the read-only sync status surface.
func (m *Manager) Status(ctx context.Context) syncer.Status {
	return m.sync.Status(ctx)
}

// TestConnection performs a bounded-size read against the remote and
// reports the result without mutating any state.
func (m *Manager) TestConnection(ctx context.Context) error {
	remote := m.sync.Remote()
	if remote == nil {
		return fmt.Errorf("no active remote provider: %w", store.ErrNotConfigured)
	}
	if _, err := remote.Query(ctx, record.Tables[0], store.Options{Limit: 1}); err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

// UpdateConfig applies a new configuration: rewires the provider, forwards
// the strategy, restarts the auto-sync timer, and persists the settings.
// Unchanged settings are a no-op with nothing rewritten, so a file-watch
// reload triggered by our own save settles instead of cycling.
func (m *Manager) UpdateConfig(ctx context.Context, next *config.Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	prev := m.settings
	next.DeviceID = prev.DeviceID
	if *next == *prev {
		m.mu.Unlock()
		return nil
	}
	providerChanged := next.Provider != prev.Provider ||
		next.Remote != prev.Remote
	autoChanged := providerChanged ||
		next.AutoSync != prev.AutoSync ||
		next.SyncInterval != prev.SyncInterval
	m.mu.Unlock()

	if err := m.sync.SetStrategy(next.SyncStrategy); err != nil {
		return err
	}

	if providerChanged {
		if err := m.switchProvider(ctx, next); err != nil {
			return err
		}
	}

	if autoChanged {
		m.stopAutoSync()
		if next.AutoSync && next.Provider != config.ProviderLocal {
			m.startAutoSync(ctx, next.SyncInterval)
		}
	}

	if err := config.Save(m.settingsPath, next); err != nil {
		return err
	}

	m.mu.Lock()
	m.settings = next
	m.mu.Unlock()

	m.logger.Printf("Configuration updated: provider=%s auto_sync=%v strategy=%s",
		next.Provider, next.AutoSync, next.SyncStrategy)
	return nil
}

// switchProvider tears down the old remote and wires the new one.
func (m *Manager) switchProvider(ctx context.Context, next *config.Settings) error {
	m.mu.Lock()
	old := m.remote
	m.remote = nil
	m.mu.Unlock()

	m.sync.SetRemote(nil, "")
	if old != nil {
		_ = old.Close()
	}

	if next.Provider == config.ProviderLocal {
		m.logger.Printf("Provider switched to local-only")
		return nil
	}

	remote, err := m.buildRemote(next)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.remote = remote
	m.mu.Unlock()
	m.sync.SetRemote(remote, string(next.Provider))
	m.logger.Printf("Provider switched to %s", next.Provider)

	// Pick up anything queued while the remote was unwired.
	m.sync.Notify()
	return nil
}

// buildRemote constructs and initializes the remote adapter for the
// configured provider kind.
func (m *Manager) buildRemote(s *config.Settings) (store.Adapter, error) {
	var remote store.Adapter
	switch s.Provider {
	case config.ProviderREST:
		remote = resttable.New(s.Remote.Endpoint, s.Remote.AccessKey, s.DeviceID, nil)
	case config.ProviderTurso:
		r, err := sqldb.OpenRemote(s.Remote.Endpoint, s.Remote.AccessKey, s.DeviceID)
		if err != nil {
			return nil, err
		}
		remote = r
	default:
		return nil, fmt.Errorf("provider %s has no remote adapter: %w", s.Provider, store.ErrNotConfigured)
	}

	if err := remote.Init(context.Background()); err != nil {
		_ = remote.Close()
		return nil, err
	}
	return remote, nil
}

// startAutoSync runs the periodic sync trigger. It only fires while
// online with a remote wired; otherwise a tick is a no-op, never an
// error.
func (m *Manager) startAutoSync(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = config.DefaultSyncInterval
	}
	autoCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.autoCancel = cancel
	m.mu.Unlock()

	m.autoWG.Add(1)
	go func() {
		defer m.autoWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-autoCtx.Done():
				return
			case <-ticker.C:
				if m.sync.Online() && m.sync.Remote() != nil {
					m.sync.Notify()
				}
			}
		}
	}()
	m.logger.Printf("Auto-sync enabled every %v", interval)
}

func (m *Manager) stopAutoSync() {
	m.mu.Lock()
	cancel := m.autoCancel
	m.autoCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		m.autoWG.Wait()
	}
}

// Export serializes the full local table set as a single JSON document.
func (m *Manager) Export(ctx context.Context) ([]byte, error) {
	dump, err := m.local.Export(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal export document: %w", err)
	}
	return data, nil
}

// Import parses a full export document and replaces each table's local
// contents. The document is parsed in full before any write, so a
// malformed document applies nothing.
func (m *Manager) Import(ctx context.Context, data []byte) error {
	var dump record.Dump
	if err := json.Unmarshal(data, &dump); err != nil {
		return fmt.Errorf("%w: %v", store.ErrBadFormat, err)
	}
	for table, recs := range dump {
		if !record.ValidTable(table) {
			return fmt.Errorf("%w: unknown table %s", store.ErrBadFormat, table)
		}
		for _, rec := range recs {
			if err := rec.Validate(); err != nil {
				return fmt.Errorf("%w: table %s: %v", store.ErrBadFormat, table, err)
			}
		}
	}
	if err := m.local.Import(ctx, dump); err != nil {
		return err
	}
	m.logger.Printf("Imported %d tables", len(dump))
	return nil
}

// MigrateFromRemote copies everything out of a remote table API located
// by the supplied credentials into local storage. The credentials are
// independent of the currently active provider; this is a one-shot,
// one-directional bulk copy, not a sync.
func (m *Manager) MigrateFromRemote(ctx context.Context, creds config.Credentials) error {
	m.mu.Lock()
	device := m.settings.DeviceID
	m.mu.Unlock()

	source := resttable.New(creds.Endpoint, creds.AccessKey, device, nil)
	if err := source.Init(ctx); err != nil {
		return err
	}
	defer source.Close()

	dump, err := source.Export(ctx)
	if err != nil {
		return fmt.Errorf("failed to export from remote: %w", err)
	}
	if err := m.local.Import(ctx, dump); err != nil {
		return fmt.Errorf("failed to import migrated data: %w", err)
	}

	total := 0
	for _, recs := range dump {
		total += len(recs)
	}
	m.logger.Printf("Migrated %d records from %s", total, creds.Endpoint)
	return nil
}
