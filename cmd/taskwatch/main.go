// Package main is the entry point for the TaskWatch CLI
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/taskwatch/internal/clickup"
	"github.com/cloud-shuttle/taskwatch/internal/config"
	"github.com/cloud-shuttle/taskwatch/internal/db"
	"github.com/cloud-shuttle/taskwatch/internal/orchestrator"
	"github.com/cloud-shuttle/taskwatch/internal/server"
)

var (
	cfg          *config.Config
	outputFormat string
)

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "taskwatch",
		Short: "Turn assigned tickets into reviewed plans and merge requests",
		Long: `TaskWatch mirrors the tickets assigned to you, asks a coding agent for an
implementation plan, lets you review and approve it, and then has a worker
daemon implement the approved plan and open one merge request per repository.

The orchestrator ('taskwatch serve') owns the task and job state. One or more
worker daemons ('taskwatch daemon') poll it for jobs.`,
		Version:       server.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json or yaml")

	rootCmd.AddCommand(
		initCmd(),
		serveCmd(),
		daemonCmd(),
		taskCmd(),
		planCmd(),
		runsCmd(),
		worktreesCmd(),
		reapCmd(),
		syncCmd(),
		statusCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// openStore opens the configured database, creating it and its schema on
// first use
func openStore() (*db.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	store, err := db.Open(cfg.DBDriver, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return store, nil
}

// openService opens the store and wraps it in an orchestrator service. The
// returned close function releases the store.
func openService() (*orchestrator.Service, func(), error) {
	store, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	svc := orchestrator.New(store, orchestrator.OptionsFromConfig(cfg))
	svc.SetLogger(cfg.Logger("orchestrator"))
	if cfg.SyncEnabled() {
		svc.SetCommentSource(clickupClient())
	}
	return svc, func() { store.Close() }, nil
}

func clickupClient() *clickup.Client {
	return clickup.NewClient(cfg.ClickUpBaseURL, cfg.ClickUpToken, cfg.ClickUpTeamID, cfg.ClickUpUserID)
}

// newSyncer returns the provider syncer, or nil when sync is not configured
func newSyncer(svc *orchestrator.Service) *orchestrator.Syncer {
	if !cfg.SyncEnabled() {
		return nil
	}
	return orchestrator.NewSyncer(svc, clickupClient(), cfg.OwnerID)
}

// withService runs fn against a freshly opened service
func withService(fn func(ctx context.Context, svc *orchestrator.Service) error) error {
	svc, closeFn, err := openService()
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(context.Background(), svc)
}
