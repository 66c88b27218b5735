package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloud-shuttle/taskwatch/internal/git"
	"github.com/cloud-shuttle/taskwatch/internal/gitlab"
	"github.com/cloud-shuttle/taskwatch/internal/opencode"
	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

// executePlan asks the agent for a plan and parses it into a plan result
func (d *Daemon) executePlan(ctx context.Context, steps stepRunner, p *types.PlanPayload, logs *logBuffer) (*types.PlanResult, error) {
	logs.Printf("Starting plan generation for task %s", p.TaskID)
	if p.PreviousPlan != nil {
		logs.Printf("Revising previous plan with feedback")
	}

	prompt := opencode.BuildPlanPrompt(p)
	response, err := runStep(ctx, steps, "plan-agent", func(ctx context.Context) (string, error) {
		return d.agent.Prompt(ctx, opencode.Request{
			Title:    "Plan: " + p.Task.Title,
			Prompt:   prompt,
			OnOutput: logs.Write,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("generating plan: %w", err)
	}

	plan, err := opencode.ParsePlanResponse(response)
	if err != nil {
		return nil, err
	}
	logs.Printf("Plan generated for %d repositories", len(plan.FileChanges))
	return plan, nil
}

// commitStep is the checkpointed output of a commit
type commitStep struct {
	Hash      string `json:"hash"`
	Committed bool   `json:"committed"`
}

// executeImplement provisions a worktree per repository, runs the agent
// across them, then commits, pushes and opens a merge request per
// repository
func (d *Daemon) executeImplement(ctx context.Context, steps stepRunner, p *types.ImplementPayload, logs *logBuffer) (*types.ImplementResult, error) {
	repos := p.Repos
	if len(repos) == 0 {
		repos = p.Plan.FileChanges.Repos()
	}
	if len(repos) == 0 {
		return nil, errors.New("approved plan names no repositories")
	}
	logs.Printf("Starting implementation for task %s across %d repositories", p.TaskID, len(repos))

	paths := make(map[string]string, len(repos))
	branches := make(map[string]string, len(repos))
	for _, repo := range repos {
		wt, err := runStep(ctx, steps, "worktree-"+repo, func(ctx context.Context) (git.Worktree, error) {
			wt, err := d.worktrees.Create(ctx, p.TaskID, repo)
			if err != nil {
				return git.Worktree{}, err
			}
			if _, err := d.orch.RegisterWorktree(ctx, p.TaskID, repo, wt.Path, wt.Branch); err != nil {
				d.logger.Warn("registering worktree failed", "task", p.TaskID, "repo", repo, "error", err)
			}
			return *wt, nil
		})
		if err != nil {
			return nil, fmt.Errorf("creating worktree for %s: %w", repo, err)
		}
		paths[repo] = wt.Path
		branches[repo] = wt.Branch
		logs.Printf("Created worktree for %s at %s (%s)", repo, wt.Path, wt.Branch)
	}

	title := p.Title
	if title == "" {
		title = p.TaskID
	}

	prompt := opencode.BuildImplementPrompt(p, paths)
	if _, err := runStep(ctx, steps, "implement-agent", func(ctx context.Context) (string, error) {
		return d.agent.Prompt(ctx, opencode.Request{
			Title:    "Implement: " + title,
			Prompt:   prompt,
			Dir:      d.worktrees.TaskDir(p.TaskID),
			OnOutput: logs.Write,
		})
	}); err != nil {
		return nil, fmt.Errorf("running implementation: %w", err)
	}

	result := &types.ImplementResult{
		Commits:       []types.CommitInfo{},
		MergeRequests: []types.MergeRequestInfo{},
	}
	message := fmt.Sprintf("[TaskWatch] %s: Implementation", p.TaskID)
	for _, repo := range repos {
		commit, err := runStep(ctx, steps, "commit-"+repo, func(ctx context.Context) (commitStep, error) {
			res, err := d.worktrees.CommitAndPush(ctx, paths[repo], message)
			if err != nil {
				return commitStep{}, err
			}
			return commitStep{Hash: res.CommitHash, Committed: res.Committed}, nil
		})
		if err != nil {
			return nil, fmt.Errorf("committing %s: %w", repo, err)
		}
		result.Commits = append(result.Commits, types.CommitInfo{
			RepoName:   repo,
			CommitHash: commit.Hash,
			Message:    message,
		})

		// An unpushed branch cannot back a merge request
		if !commit.Committed {
			logs.Printf("No changes in %s, skipping merge request", repo)
			continue
		}
		logs.Printf("Pushed %s at %s", repo, commit.Hash)

		mr, err := runStep(ctx, steps, "merge-request-"+repo, func(ctx context.Context) (types.MergeRequestInfo, error) {
			info, err := d.mrs.CreateMergeRequest(ctx, gitlab.MergeRequestOptions{
				RepoName:     repo,
				SourceBranch: branches[repo],
				TargetBranch: d.opts.BaseBranch,
				Title:        "[TaskWatch] " + title,
				Description:  gitlab.Description(p.TaskID, p.Plan.Approach),
			})
			if err != nil {
				return types.MergeRequestInfo{}, err
			}
			return *info, nil
		})
		if err != nil {
			return nil, fmt.Errorf("opening merge request for %s: %w", repo, err)
		}
		result.MergeRequests = append(result.MergeRequests, mr)
		logs.Printf("Opened merge request !%d for %s: %s", mr.MRIID, repo, mr.MRURL)
	}

	if len(result.MergeRequests) == 0 {
		return nil, errors.New("implementation produced no changes in any repository")
	}
	return result, nil
}
