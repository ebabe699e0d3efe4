package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tallyhq/hybridsync/internal/config"
	"github.com/tallyhq/hybridsync/internal/dashboard"
	"github.com/tallyhq/hybridsync/internal/syncer"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run the storage engine as a long-lived process:

  - replays queued operations and pulls remote changes on the
    configured interval and whenever connectivity returns
  - watches the settings file and applies changes without restart
  - serves sync status over HTTP and WebSocket

Endpoints (default port 8080):
  GET /status   current status snapshot as JSON
  GET /health   liveness check
  WS  /ws       pushed sync lifecycle events

Logs rotate under the data directory (daemon.log).`,
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")
		foreground, _ := cmd.Flags().GetBool("foreground")

		logger, closeLog, err := daemonLogger(foreground)
		if err != nil {
			fatal("%v", err)
		}
		defer closeLog()

		mgr, err := openManager(logger)
		if err != nil {
			fatal("failed to open storage: %v", err)
		}
		defer mgr.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		mgr.Start(ctx)

		// Connectivity drives the sync trigger. The probe reads through
		// whichever remote adapter is active at each tick, so settings
		// reloads that switch providers need no monitor rewiring; with no
		// remote the daemon counts as online.
		probe := syncer.AdapterProbe(mgr.Syncer())
		mon := syncer.NewMonitor(mgr.Syncer(), probe, 30*time.Second, logger)
		go mon.Run(ctx)

		_, settingsPath, err := resolvePaths()
		if err != nil {
			fatal("%v", err)
		}
		watcher, err := config.NewWatcher(settingsPath, func(s *config.Settings) {
			if err := mgr.UpdateConfig(ctx, s); err != nil {
				logger.Printf("Failed to apply reloaded settings: %v", err)
			}
		}, logger)
		if err != nil {
			fatal("failed to watch settings: %v", err)
		}
		go watcher.Run(ctx)

		srv := dashboard.NewServer(fmt.Sprintf(":%d", port), mgr.Status, logger)
		if err := srv.Start(); err != nil {
			fatal("failed to start status server: %v", err)
		}
		defer srv.Stop()
		mgr.Syncer().SetEvents(srv.EventFunc())

		fmt.Printf("Daemon running, status on http://localhost:%d/status\n", port)
		fmt.Println("Press Ctrl+C to stop...")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		logger.Println("Daemon stopping on signal")
	},
}

// daemonLogger writes rotated logs under the data directory, or stderr
// when running in the foreground.
func daemonLogger(foreground bool) (*log.Logger, func(), error) {
	if foreground {
		return log.New(os.Stderr, "[daemon] ", log.LstdFlags), func() {}, nil
	}
	dir, err := dataDir()
	if err != nil {
		return nil, nil, err
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "daemon.log"),
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	return log.New(rotator, "[daemon] ", log.LstdFlags), func() { _ = rotator.Close() }, nil
}

func init() {
	daemonCmd.Flags().Int("port", 8080, "status server port")
	daemonCmd.Flags().Bool("foreground", false, "log to stderr instead of the rotating log file")
}
