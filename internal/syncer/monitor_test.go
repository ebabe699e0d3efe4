package syncer

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/tallyhq/hybridsync/internal/store/sqldb"
)

func TestAdapterProbe(t *testing.T) {
	local, err := sqldb.Open(filepath.Join(t.TempDir(), "local.db"), "device-a")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer local.Close()
	if err := local.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	m := New(local, local, StrategyNewestWins, log.New(io.Discard, "", 0))

	probe := AdapterProbe(m)
	ctx := context.Background()

	// No remote wired: local-only setups count as reachable.
	if err := probe(ctx); err != nil {
		t.Errorf("probe without a remote: %v", err)
	}

	remote := newFakeRemote()
	m.SetRemote(remote, "rest")
	if err := probe(ctx); err != nil {
		t.Errorf("probe with healthy remote: %v", err)
	}

	remote.setListErr(errors.New("no route"))
	if err := probe(ctx); err == nil {
		t.Error("probe should surface a remote transport failure")
	}

	// The probe reads the currently active adapter each call, so a
	// provider switch redirects it without rebuilding the monitor.
	m.SetRemote(newFakeRemote(), "rest")
	if err := probe(ctx); err != nil {
		t.Errorf("probe after provider switch: %v", err)
	}
	m.SetRemote(nil, "")
	if err := probe(ctx); err != nil {
		t.Errorf("probe after dropping the remote: %v", err)
	}
}

func TestMonitorDrivesOnlineFlag(t *testing.T) {
	local, err := sqldb.Open(filepath.Join(t.TempDir(), "local.db"), "device-a")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer local.Close()
	if err := local.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	m := New(local, local, StrategyNewestWins, log.New(io.Discard, "", 0))

	var probeErr error
	probe := func(ctx context.Context) error { return probeErr }
	mo := NewMonitor(m, probe, 0, log.New(io.Discard, "", 0))

	mo.check(context.Background())
	if !m.Online() {
		t.Error("online = false after successful probe")
	}

	probeErr = errors.New("no route")
	mo.check(context.Background())
	if m.Online() {
		t.Error("online = true after failed probe")
	}

	probeErr = nil
	mo.check(context.Background())
	if !m.Online() {
		t.Error("online flag did not recover")
	}
}
