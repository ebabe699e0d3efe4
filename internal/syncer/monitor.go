package syncer

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/tallyhq/hybridsync/internal/record"
	"github.com/tallyhq/hybridsync/internal/store"
)

// ProbeFunc checks connectivity; nil means reachable.
type ProbeFunc func(ctx context.Context) error

// AdapterProbe builds a probe that issues a bounded read through the
// manager's active remote adapter, so reachability is judged over the
// same transport sync itself uses. The probe consults the manager on
// every call: switching providers redirects it without rewiring. With no
// remote configured the environment counts as reachable.
func AdapterProbe(mgr *Manager) ProbeFunc {
	return func(ctx context.Context) error {
		remote := mgr.Remote()
		if remote == nil {
			return nil
		}
		_, err := remote.Query(ctx, record.Tables[0], store.Options{Limit: 1})
		return err
	}
}

// Monitor feeds environment connectivity signals into a sync manager by
// probing on an interval. Transitions drive Manager.SetOnline, so a
// recovered connection triggers an immediate reconciliation attempt.
type Monitor struct {
	mgr      *Manager
	probe    ProbeFunc
	interval time.Duration
	logger   *log.Logger
}

// NewMonitor creates a connectivity monitor. If logger is nil, a default
// logger writing to stderr is used.
func NewMonitor(mgr *Manager, probe ProbeFunc, interval time.Duration, logger *log.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	return &Monitor{mgr: mgr, probe: probe, interval: interval, logger: logger}
}

// Run probes until ctx is cancelled. It probes once immediately so the
// online flag settles before the first tick.
func (mo *Monitor) Run(ctx context.Context) {
	mo.check(ctx)

	ticker := time.NewTicker(mo.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mo.check(ctx)
		}
	}
}

func (mo *Monitor) check(ctx context.Context) {
	err := mo.probe(ctx)
	online := err == nil
	if online != mo.mgr.Online() {
		if online {
			mo.logger.Printf("Remote reachable")
		} else {
			mo.logger.Printf("Remote unreachable: %v", err)
		}
	}
	mo.mgr.SetOnline(online)
}
