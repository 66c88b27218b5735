package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/taskwatch/internal/config"
	"github.com/cloud-shuttle/taskwatch/internal/git"
	"github.com/cloud-shuttle/taskwatch/internal/orchestrator"
	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

func initCmd() *cobra.Command {
	var daemonConfigPath string

	command := &cobra.Command{
		Use:   "init",
		Short: "Create the database and a sample daemon config",
		Long: `Create the database and a sample daemon config.

The database is created at TASKWATCH_DB_PATH (default .taskwatch/taskwatch.db).
A daemon config with defaults is written to ~/.config/taskwatch/daemon.toml
unless one already exists; edit it to add source_repos and tokens.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return fmt.Errorf("creating database: %w", err)
			}
			store.Close()
			fmt.Printf("Database ready at %s\n", cfg.DBPath)

			if daemonConfigPath == "" {
				daemonConfigPath = config.DefaultDaemonConfigPath()
			}
			if _, err := os.Stat(daemonConfigPath); err == nil {
				fmt.Printf("Daemon config already exists at %s\n", daemonConfigPath)
				return nil
			}

			dcfg := config.DefaultDaemonConfig()
			dcfg.OrchestratorToken = "env:TASKWATCH_DAEMON_TOKEN"
			dcfg.GitLabToken = "env:GITLAB_TOKEN"
			dcfg.SetConfigPath(daemonConfigPath)
			if err := dcfg.Save(); err != nil {
				return fmt.Errorf("writing daemon config: %w", err)
			}
			fmt.Printf("Sample daemon config written to %s\n", daemonConfigPath)
			fmt.Println(mutedStyle.Render("Add [source_repos] entries before starting 'taskwatch daemon'."))
			return nil
		},
	}

	command.Flags().StringVar(&daemonConfigPath, "daemon-config", "", "Where to write the sample daemon config")
	return command
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect tasks and request plans or implementations",
	}
	cmd.AddCommand(taskListCmd(), taskShowCmd(), taskAddCmd(), taskPlanCmd(), taskImplementCmd())
	return cmd
}

func taskListCmd() *cobra.Command {
	var owner string

	command := &cobra.Command{
		Use:   "list",
		Short: "List tasks with their current plan and merge requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *orchestrator.Service) error {
				if owner == "" {
					owner = cfg.OwnerID
				}
				tasks, err := svc.ListTasks(ctx, owner)
				if err != nil {
					return err
				}
				if ok, err := emit(tasks); ok {
					return err
				}

				if len(tasks) == 0 {
					fmt.Println("No tasks")
					return nil
				}
				tw := newTable()
				fmt.Fprintln(tw, "ID\tSTATUS\tTITLE\tPLAN\tMRS\tUPDATED")
				for _, t := range tasks {
					plan := "-"
					if t.CurrentPlan != nil {
						plan = fmt.Sprintf("v%d %s", t.CurrentPlan.Version, t.CurrentPlan.Status)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
						t.ID, badge(string(t.Status)), truncate(t.Title, 50), plan, len(t.MergeRequests), formatTime(t.UpdatedAt))
				}
				return tw.Flush()
			})
		},
	}

	command.Flags().StringVar(&owner, "owner", "", "Only tasks of this owner (default TASKWATCH_OWNER_ID, empty lists all)")
	return command
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its plan, runs, merge requests and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *orchestrator.Service) error {
				task, err := svc.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				runs, err := svc.ListRuns(ctx, task.ID)
				if err != nil {
					return err
				}
				history, err := svc.TaskEvents(ctx, task.ID)
				if err != nil {
					return err
				}
				if ok, err := emit(map[string]any{"task": task, "runs": runs, "events": history}); ok {
					return err
				}

				heading(task.Title)
				fmt.Printf("ID:        %s\n", task.ID)
				fmt.Printf("Status:    %s\n", badge(string(task.Status)))
				fmt.Printf("External:  %s (%s)\n", task.ExternalID, orDash(task.ExternalStatus))
				fmt.Printf("URL:       %s\n", orDash(task.URL))
				if task.CurrentPlan != nil {
					fmt.Printf("Plan:      %s v%d %s\n", task.CurrentPlan.ID, task.CurrentPlan.Version, badge(string(task.CurrentPlan.Status)))
				}

				if len(task.MergeRequests) > 0 {
					fmt.Println()
					heading("Merge requests")
					tw := newTable()
					for _, mr := range task.MergeRequests {
						fmt.Fprintf(tw, "%s\t!%d\t%s\t%s\n", mr.RepoName, mr.IID, badge(string(mr.Status)), mr.URL)
					}
					tw.Flush()
				}

				if len(runs) > 0 {
					fmt.Println()
					heading("Runs")
					tw := newTable()
					for _, r := range runs {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Type, badge(string(r.Status)), formatTime(r.StartedAt), truncate(r.ErrorSummary, 60))
					}
					tw.Flush()
				}

				if len(history) > 0 {
					fmt.Println()
					heading("History")
					for _, ev := range history {
						fmt.Printf("%s  %s -> %s  %s\n", formatTime(ev.CreatedAt), orDash(string(ev.FromStatus)), ev.ToStatus, mutedStyle.Render(ev.Reason))
					}
				}
				return nil
			})
		},
	}
}

func taskAddCmd() *cobra.Command {
	var (
		title       string
		description string
		url         string
		externalID  string
		owner       string
	)

	command := &cobra.Command{
		Use:   "add",
		Short: "Add a task by hand, without a ticketing provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title is required")
			}
			if owner == "" {
				owner = cfg.OwnerID
			}
			if owner == "" {
				owner = "local"
			}
			if externalID == "" {
				externalID = "local-" + uuid.NewString()[:8]
			}
			return withService(func(ctx context.Context, svc *orchestrator.Service) error {
				task, err := svc.Store().CreateTask(ctx, &types.Task{
					OwnerID:     owner,
					ExternalID:  externalID,
					Title:       title,
					Description: description,
					URL:         url,
				})
				if err != nil {
					return err
				}
				if ok, err := emit(task); ok {
					return err
				}
				fmt.Printf("Created task %s: %s\n", task.ID, task.Title)
				return nil
			})
		},
	}

	command.Flags().StringVarP(&title, "title", "t", "", "Task title")
	command.Flags().StringVarP(&description, "description", "d", "", "Task description")
	command.Flags().StringVar(&url, "url", "", "Link to the ticket")
	command.Flags().StringVar(&externalID, "external-id", "", "Ticket id (default a generated local id)")
	command.Flags().StringVar(&owner, "owner", "", "Owner id (default TASKWATCH_OWNER_ID)")
	return command
}

func taskPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <task-id>",
		Short: "Queue a plan job for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *orchestrator.Service) error {
				run, err := svc.RequestPlan(ctx, args[0])
				if err != nil {
					return err
				}
				return printQueued(run)
			})
		},
	}
}

func taskImplementCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "implement <task-id>",
		Short: "Queue an implement job for a task with an approved plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *orchestrator.Service) error {
				run, err := svc.TriggerImplementation(ctx, args[0])
				if err != nil {
					return err
				}
				return printQueued(run)
			})
		},
	}
}

func printQueued(run *types.Run) error {
	if ok, err := emit(run); ok {
		return err
	}
	fmt.Printf("Queued %s run %s for task %s\n", run.Type, run.ID, run.TaskID)
	return nil
}

func planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Review plans",
	}
	cmd.AddCommand(planShowCmd(), planApproveCmd(), planFeedbackCmd())
	return cmd
}

func planShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show a plan with its feedback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *orchestrator.Service) error {
				plan, err := svc.GetPlan(ctx, args[0])
				if err != nil {
					return err
				}
				if ok, err := emit(plan); ok {
					return err
				}

				heading(fmt.Sprintf("Plan v%d for task %s", plan.Version, plan.TaskID))
				fmt.Printf("Status: %s\n\n", badge(string(plan.Status)))
				heading("Assumptions")
				fmt.Println(plan.Assumptions)
				fmt.Println()
				heading("Approach")
				fmt.Println(plan.Approach)
				fmt.Println()
				heading("File changes")
				for _, repo := range plan.FileChanges.Repos() {
					fmt.Printf("%s\n", repo)
					for _, f := range plan.FileChanges[repo] {
						fmt.Printf("  - %s\n", f)
					}
				}
				if len(plan.Feedback) > 0 {
					fmt.Println()
					heading("Feedback")
					for _, fb := range plan.Feedback {
						fmt.Printf("%s  %s\n", mutedStyle.Render(formatTime(fb.CreatedAt)), fb.Content)
					}
				}
				return nil
			})
		},
	}
}

func planApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <plan-id>",
		Short: "Approve a pending plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *orchestrator.Service) error {
				plan, err := svc.ApprovePlan(ctx, args[0])
				if err != nil {
					return err
				}
				if ok, err := emit(plan); ok {
					return err
				}
				fmt.Printf("Approved plan %s (v%d) for task %s\n", plan.ID, plan.Version, plan.TaskID)
				return nil
			})
		},
	}
}

func planFeedbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feedback <plan-id> <message>",
		Short: "Request changes to a plan; queues a revision",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *orchestrator.Service) error {
				run, err := svc.SubmitFeedback(ctx, args[0], strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				return printQueued(run)
			})
		},
	}
}

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect job runs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *orchestrator.Service) error {
				run, err := svc.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				if ok, err := emit(run); ok {
					return err
				}

				heading(fmt.Sprintf("%s run %s", run.Type, run.ID))
				fmt.Printf("Task:     %s\n", run.TaskID)
				fmt.Printf("Status:   %s\n", badge(string(run.Status)))
				fmt.Printf("Daemon:   %s\n", orDash(run.ClaimedBy))
				fmt.Printf("Attempts: %d\n", run.Attempts)
				fmt.Printf("Started:  %s\n", formatTime(run.StartedAt))
				if run.FinishedAt != nil {
					fmt.Printf("Finished: %s\n", formatTime(*run.FinishedAt))
				}
				if run.ErrorSummary != "" {
					fmt.Printf("Error:    %s\n", run.ErrorSummary)
				}
				if run.Logs != "" {
					fmt.Println()
					heading("Logs")
					fmt.Print(run.Logs)
					if !strings.HasSuffix(run.Logs, "\n") {
						fmt.Println()
					}
				}
				return nil
			})
		},
	})
	return cmd
}

func worktreesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktrees",
		Short: "Manage registered worktrees",
	}
	cmd.AddCommand(worktreesListCmd(), worktreesRmCmd())
	return cmd
}

func worktreesListCmd() *cobra.Command {
	var (
		taskID     string
		orphans    bool
		configPath string
	)

	command := &cobra.Command{
		Use:   "list",
		Short: "List registered worktrees",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *orchestrator.Service) error {
				if orphans {
					all, err := svc.ListWorktrees(ctx, "")
					if err != nil {
						return err
					}
					return listOrphans(configPath, all)
				}
				worktrees, err := svc.ListWorktrees(ctx, taskID)
				if err != nil {
					return err
				}
				if ok, err := emit(worktrees); ok {
					return err
				}

				if len(worktrees) == 0 {
					fmt.Println("No worktrees")
					return nil
				}
				tw := newTable()
				fmt.Fprintln(tw, "ID\tTASK\tREPO\tBRANCH\tPATH\tCREATED")
				for _, wt := range worktrees {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", wt.ID, wt.TaskID, wt.RepoName, wt.BranchName, wt.Path, formatTime(wt.CreatedAt))
				}
				return tw.Flush()
			})
		},
	}

	command.Flags().StringVar(&taskID, "task", "", "Only worktrees of this task")
	command.Flags().BoolVar(&orphans, "orphans", false, "List task directories on this machine with no registration")
	command.Flags().StringVarP(&configPath, "config", "c", "", "Daemon config locating the worktree root (with --orphans)")
	return command
}

// listOrphans prints the task directories under the daemon's worktree root
// that no registered worktree points at
func listOrphans(configPath string, registered []*types.Worktree) error {
	dcfg, err := config.LoadDaemon(configPath)
	if err != nil {
		return err
	}
	wm := git.NewWorktreeManager(dcfg.WorktreeRoot, dcfg.SourceRepos, dcfg.BaseBranch)
	onDisk, err := wm.ListOnDisk()
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(registered))
	for _, wt := range registered {
		known[wt.TaskID] = true
	}
	var orphaned []string
	for _, taskID := range onDisk {
		if !known[taskID] {
			orphaned = append(orphaned, taskID)
		}
	}

	if ok, err := emit(orphaned); ok {
		return err
	}
	if len(orphaned) == 0 {
		fmt.Println("No orphaned task directories")
		return nil
	}
	for _, taskID := range orphaned {
		fmt.Println(wm.TaskDir(taskID))
	}
	return nil
}

func worktreesRmCmd() *cobra.Command {
	var (
		removeFiles bool
		configPath  string
	)

	command := &cobra.Command{
		Use:   "rm <worktree-id>",
		Short: "Remove a worktree registration, and optionally the checkout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *orchestrator.Service) error {
				wt, err := svc.GetWorktree(ctx, args[0])
				if err != nil {
					return err
				}

				if removeFiles {
					dcfg, err := config.LoadDaemon(configPath)
					if err != nil {
						return err
					}
					wm := git.NewWorktreeManager(dcfg.WorktreeRoot, dcfg.SourceRepos, dcfg.BaseBranch)
					wm.SetLogger(cfg.Logger("git"))
					if err := wm.Remove(ctx, wt.TaskID, wt.RepoName); err != nil {
						return fmt.Errorf("removing checkout: %w", err)
					}
				}

				if err := svc.DeleteWorktree(ctx, wt.ID); err != nil {
					return err
				}
				fmt.Printf("Removed worktree %s (%s/%s)\n", wt.ID, wt.TaskID, wt.RepoName)
				return nil
			})
		},
	}

	command.Flags().BoolVar(&removeFiles, "files", false, "Also remove the git worktree on this machine")
	command.Flags().StringVarP(&configPath, "config", "c", "", "Daemon config locating the source repos (with --files)")
	return command
}

func reapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Fail or requeue running jobs whose lease expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *orchestrator.Service) error {
				n, err := svc.ReapExpired(ctx)
				if err != nil {
					return err
				}
				if ok, err := emit(map[string]int{"reaped": n}); ok {
					return err
				}
				fmt.Printf("Reaped %d expired runs\n", n)
				return nil
			})
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Sync assigned tickets from ClickUp",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *orchestrator.Service) error {
				syncer := newSyncer(svc)
				if syncer == nil {
					return fmt.Errorf("sync is not configured (set TASKWATCH_CLICKUP_TOKEN, TASKWATCH_CLICKUP_TEAM_ID and TASKWATCH_CLICKUP_USER_ID)")
				}
				stats, err := syncer.Sync(ctx)
				if err != nil {
					return err
				}
				if ok, err := emit(stats); ok {
					return err
				}
				fmt.Printf("Fetched %d, created %d, updated %d, reopened %d, skipped %d\n",
					stats.Fetched, stats.Created, stats.Updated, stats.Reopened, stats.Skipped)
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show task and run counts and daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *orchestrator.Service) error {
				counts, err := svc.Store().GetStatusCounts(ctx)
				if err != nil {
					return err
				}
				health, err := svc.DaemonStatus(ctx)
				if err != nil {
					return err
				}
				if ok, err := emit(map[string]any{"tasks": counts.Tasks, "runs": counts.Runs, "daemon": health}); ok {
					return err
				}

				heading("Tasks")
				tw := newTable()
				for _, s := range types.AllTaskStatuses {
					fmt.Fprintf(tw, "%s\t%d\n", badge(string(s)), counts.Tasks[s])
				}
				tw.Flush()

				fmt.Println()
				heading("Runs")
				tw = newTable()
				for _, s := range []types.RunStatus{types.RunStatusQueued, types.RunStatusRunning, types.RunStatusSucceeded, types.RunStatusFailed} {
					fmt.Fprintf(tw, "%s\t%d\n", badge(string(s)), counts.Runs[s])
				}
				tw.Flush()

				fmt.Println()
				heading("Daemon")
				if health.Status == nil {
					fmt.Println(badge("offline") + " no heartbeat received")
					return nil
				}
				state := "offline"
				if health.Online {
					state = "online"
				}
				fmt.Printf("%s %s, last heartbeat %s\n", badge(state), health.Status.DaemonID, formatTime(health.Status.LastHeartbeat))
				return nil
			})
		},
	}
}
