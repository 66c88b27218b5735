package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cloud-shuttle/taskwatch/internal/events"
	"github.com/cloud-shuttle/taskwatch/internal/orchestrator"
	"github.com/cloud-shuttle/taskwatch/internal/server"
	"github.com/cloud-shuttle/taskwatch/internal/webhooks"
	"github.com/cloud-shuttle/taskwatch/pkg/telemetry"
)

func serveCmd() *cobra.Command {
	var listenAddr string

	command := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator HTTP service",
		Long: `Run the orchestrator HTTP service.

Serves the daemon job protocol under /internal, the task API under /api and
the GitLab merge request webhook. Expired job leases are reaped on a
schedule, assigned tickets are synced from ClickUp when configured, and
lifecycle events are delivered to TASKWATCH_WEBHOOK_URLS.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			return runServe()
		},
	}

	command.Flags().StringVar(&listenAddr, "listen", "", "Listen address (default from TASKWATCH_LISTEN_ADDR)")
	return command
}

func runServe() error {
	logger := cfg.Logger("serve")

	shutdownTracing, err := telemetry.Setup(cfg.Trace, os.Stderr)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	svc, closeStore, err := openService()
	if err != nil {
		return err
	}
	defer closeStore()

	bus := events.NewBus()
	defer bus.Close()
	svc.SetEventBus(bus)

	srv := server.New(svc, server.OptionsFromConfig(cfg))
	srv.SetLogger(cfg.Logger("http"))
	srv.SetEventBus(bus)
	syncer := newSyncer(svc)
	if syncer != nil {
		srv.SetSyncer(syncer)
	}

	hooks, err := webhooks.FromConfig(cfg.Logger("webhooks"), cfg.WebhookURLs, cfg.WebhookSecret)
	if err != nil {
		return fmt.Errorf("configuring webhooks: %w", err)
	}
	hooks.Start(2)

	scheduler, err := newScheduler(svc, syncer)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.ListenAndServe()
	})
	g.Go(func() error {
		return hooks.Run(gctx, bus)
	})
	g.Go(func() error {
		scheduler.Start()
		<-gctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
		if err := hooks.Stop(shutdownCtx); err != nil {
			logger.Warn("webhook deliveries still in flight", "error", err)
		}
		return nil
	})

	logger.Info("orchestrator started",
		"addr", cfg.ListenAddr,
		"db", cfg.DBPath,
		"sync", syncer != nil,
		"webhooks", hooks.Len(),
	)
	return g.Wait()
}

// newScheduler registers the lease reaper and, when configured, the
// provider sync on a cron scheduler
func newScheduler(svc *orchestrator.Service, syncer *orchestrator.Syncer) (*cron.Cron, error) {
	logger := cfg.Logger("scheduler")
	c := cron.New()

	reapSpec := fmt.Sprintf("@every %s", cfg.ReapInterval)
	if _, err := c.AddFunc(reapSpec, func() {
		n, err := svc.ReapExpired(context.Background())
		if err != nil {
			logger.Error("reaping expired runs failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("reaped expired runs", "count", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("scheduling reaper: %w", err)
	}

	if syncer != nil && cfg.SyncSchedule != "" {
		if _, err := c.AddFunc(cfg.SyncSchedule, func() {
			stats, err := syncer.Sync(context.Background())
			if err != nil {
				logger.Error("provider sync failed", "error", err)
				return
			}
			logger.Info("provider sync complete",
				"fetched", stats.Fetched,
				"created", stats.Created,
				"updated", stats.Updated,
				"reopened", stats.Reopened,
			)
		}); err != nil {
			return nil, fmt.Errorf("scheduling sync %q: %w", cfg.SyncSchedule, err)
		}
	}
	return c, nil
}
