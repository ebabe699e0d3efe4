package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tallyhq/hybridsync/internal/manager"
)

var (
	configPath string
	dbPath     string
)

var rootCmd = &cobra.Command{
	Use:   "hybridsync",
	Short: "Hybrid local/remote storage engine for business records",
	Long: `hybridsync keeps business records (clients, products, projects,
transactions and their relations) in a local SQLite database and keeps
them reconciled with an optional remote provider.

All writes land locally first and are queued for synchronization, so the
engine stays fully usable offline. When a remote provider is configured,
queued operations are pushed and remote changes are pulled on demand, on
a timer, or whenever connectivity returns.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to settings file (default ~/.hybridsync/settings.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to local database (default ~/.hybridsync/records.db)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(daemonCmd)
}

// dataDir resolves the directory holding the database and settings,
// creating it if needed.
func dataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".hybridsync")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dir, nil
}

func resolvePaths() (db, settings string, err error) {
	db, settings = dbPath, configPath
	if db != "" && settings != "" {
		return db, settings, nil
	}
	dir, err := dataDir()
	if err != nil {
		return "", "", err
	}
	if db == "" {
		db = filepath.Join(dir, "records.db")
	}
	if settings == "" {
		settings = filepath.Join(dir, "settings.yaml")
	}
	return db, settings, nil
}

// openManager builds a Manager from the resolved paths. Callers own
// Close.
func openManager(logger *log.Logger) (*manager.Manager, error) {
	db, settings, err := resolvePaths()
	if err != nil {
		return nil, err
	}
	return manager.New(db, settings, logger)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
