package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one synchronization pass against the remote provider",
	Long: `Push all queued local operations to the configured remote provider,
then pull remote changes and reconcile them into the local database.

Fails when the active provider is local-only; configure a remote with
"hybridsync config set provider rest" (or turso) first.`,
	Run: func(cmd *cobra.Command, args []string) {
		mgr, err := openManager(nil)
		if err != nil {
			fatal("failed to open storage: %v", err)
		}
		defer mgr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		start := time.Now()
		if err := mgr.Sync(ctx); err != nil {
			fatal("sync failed: %v", err)
		}

		st := mgr.Status(ctx)
		fmt.Printf("Sync completed in %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("  Pending operations: %d\n", st.Pending)
		fmt.Printf("  Unresolved conflicts: %d\n", st.Conflicts)
		if st.Dropped > 0 {
			fmt.Printf("  Dropped operations: %d\n", st.Dropped)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show synchronization status as JSON",
	Run: func(cmd *cobra.Command, args []string) {
		mgr, err := openManager(nil)
		if err != nil {
			fatal("failed to open storage: %v", err)
		}
		defer mgr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(mgr.Status(ctx)); err != nil {
			fatal("failed to encode status: %v", err)
		}
	},
}
