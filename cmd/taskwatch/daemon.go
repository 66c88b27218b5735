package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/taskwatch/internal/config"
	"github.com/cloud-shuttle/taskwatch/internal/daemon"
	"github.com/cloud-shuttle/taskwatch/internal/git"
	"github.com/cloud-shuttle/taskwatch/internal/gitlab"
	"github.com/cloud-shuttle/taskwatch/internal/opencode"
	"github.com/cloud-shuttle/taskwatch/pkg/telemetry"
)

func daemonCmd() *cobra.Command {
	var (
		configPath string
		once       bool
	)

	command := &cobra.Command{
		Use:   "daemon",
		Short: "Run a worker daemon that executes plan and implement jobs",
		Long: `Run a worker daemon that executes plan and implement jobs.

The daemon polls the orchestrator, claims one job at a time and drives the
opencode agent. Implement jobs create a worktree per repository under
worktree_root, commit and push the agent's changes and open GitLab merge
requests.

Set dbos_database_url in the config to checkpoint every job step in
Postgres. A restarted daemon then resumes an interrupted job from its last
completed step and reports the outcome itself. The restart has to happen
within the orchestrator's lease (TASKWATCH_LEASE_DURATION); a run reaped in
the meantime is failed, or requeued when TASKWATCH_REQUEUE_EXPIRED is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dcfg, err := config.LoadDaemon(configPath)
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), dcfg, once)
		},
	}

	command.Flags().StringVarP(&configPath, "config", "c", "", "Path to daemon.toml (default ~/.config/taskwatch/daemon.toml)")
	command.Flags().BoolVar(&once, "once", false, "Poll once, run at most one job and exit")
	return command
}

func runDaemon(parent context.Context, dcfg *config.DaemonConfig, once bool) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := config.NewLogger(os.Stderr, "daemon", dcfg.LogLevel)

	shutdownTracing, err := telemetry.Setup(cfg.Trace, os.Stderr)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	worktrees := git.NewWorktreeManager(dcfg.WorktreeRoot, dcfg.SourceRepos, dcfg.BaseBranch)
	worktrees.SetLogger(config.NewLogger(os.Stderr, "git", dcfg.LogLevel))

	agent := opencode.NewAgent(dcfg.OpenCode)
	if cli, ok := agent.(*opencode.CLI); ok {
		if err := cli.CheckInstalled(); err != nil {
			return err
		}
	}

	d := daemon.New(
		daemon.NewClient(dcfg.OrchestratorURL, dcfg.OrchestratorToken),
		agent,
		worktrees,
		gitlab.NewClient(dcfg.GitLabURL, dcfg.GitLabToken),
		daemon.OptionsFromConfig(dcfg),
	)
	d.SetLogger(logger)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dcfg.DBOSDatabaseURL != "" {
		_, shutdownDBOS, err := daemon.OpenDurable(ctx, d, dcfg.DBOSDatabaseURL)
		if err != nil {
			return err
		}
		defer shutdownDBOS()
		logger.Info("durable execution enabled")
	}

	logger.Info("starting worker daemon",
		"id", d.ID(),
		"orchestrator", dcfg.OrchestratorURL,
		"repos", len(dcfg.SourceRepos),
		"config", dcfg.ConfigPath(),
	)

	if once {
		executed, err := d.PollOnce(ctx)
		if err != nil {
			return err
		}
		if !executed {
			fmt.Println("No job executed")
		}
		return nil
	}
	return d.Run(ctx)
}
