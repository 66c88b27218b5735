// Package git handles the per-task git worktrees the daemon implements in
package git

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cloud-shuttle/taskwatch/pkg/telemetry"
)

// BranchPrefix starts every branch TaskWatch creates
const BranchPrefix = "taskwatch/"

// Worktree is a checkout created for one task and repository
type Worktree struct {
	RepoName string
	Path     string
	Branch   string
}

// WorktreeManager creates and manages worktrees of the configured source
// repositories under <root>/<taskId>/<repo>
type WorktreeManager struct {
	root        string
	sourceRepos map[string]string
	baseBranch  string
	logger      *log.Logger

	// Serializes fetch and worktree add/remove per source repository;
	// concurrent worktree commands on one repository race on its index lock
	repoLocks sync.Map
}

// NewWorktreeManager creates a manager for sourceRepos (repo name -> local
// clone) branching from origin/<baseBranch>
func NewWorktreeManager(root string, sourceRepos map[string]string, baseBranch string) *WorktreeManager {
	return &WorktreeManager{
		root:        root,
		sourceRepos: sourceRepos,
		baseBranch:  baseBranch,
		logger:      log.New(io.Discard),
	}
}

// SetLogger sets the logger
func (wm *WorktreeManager) SetLogger(logger *log.Logger) {
	wm.logger = logger
}

// BranchName returns the branch used for a task
func BranchName(taskID string) string {
	slug := taskID
	if len(slug) > 8 {
		slug = slug[:8]
	}
	return fmt.Sprintf("%s%s-%s", BranchPrefix, taskID, slug)
}

// TaskDir returns the directory holding all worktrees of a task
func (wm *WorktreeManager) TaskDir(taskID string) string {
	return filepath.Join(wm.root, taskID)
}

// Path returns the worktree path for a task and repository
func (wm *WorktreeManager) Path(taskID, repoName string) string {
	return filepath.Join(wm.root, taskID, repoName)
}

func (wm *WorktreeManager) lock(sourceRepo string) func() {
	v, _ := wm.repoLocks.LoadOrStore(sourceRepo, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (wm *WorktreeManager) sourceRepo(repoName string) (string, error) {
	source, ok := wm.sourceRepos[repoName]
	if !ok || source == "" {
		return "", fmt.Errorf("unknown repository: %s", repoName)
	}
	return source, nil
}

// Create fetches the base branch and adds a fresh worktree on the task
// branch. Leftovers of an interrupted run are cleaned up first.
func (wm *WorktreeManager) Create(ctx context.Context, taskID, repoName string) (wt *Worktree, err error) {
	source, err := wm.sourceRepo(repoName)
	if err != nil {
		return nil, err
	}

	path := wm.Path(taskID, repoName)
	branch := BranchName(taskID)

	ctx, span := telemetry.StartWorktreeSpan(ctx, telemetry.SpanWorktreeCreate, path,
		telemetry.RepoAttrs(repoName, branch)...)
	defer func() {
		if err != nil {
			telemetry.RecordErrorWithStatus(span, err, "WorktreeError", telemetry.ErrorCategoryWorktree)
		}
		span.End()
	}()

	if err := os.MkdirAll(wm.TaskDir(taskID), 0o755); err != nil {
		return nil, fmt.Errorf("creating task directory: %w", err)
	}

	unlock := wm.lock(source)
	defer unlock()

	if _, err := runGit(ctx, source, "fetch", "origin", wm.baseBranch); err != nil {
		return nil, fmt.Errorf("fetching %s: %w", wm.baseBranch, err)
	}

	wm.cleanUpWorktree(ctx, source, path)
	// A branch from an earlier attempt would make `worktree add -b` fail
	_, _ = runGit(ctx, source, "branch", "-D", branch)

	if _, err := runGit(ctx, source, "worktree", "add", "-b", branch, path, "origin/"+wm.baseBranch); err != nil {
		return nil, fmt.Errorf("creating worktree: %w", err)
	}

	wm.logger.Info("worktree created", "task", taskID, "repo", repoName, "path", path, "branch", branch)
	return &Worktree{RepoName: repoName, Path: path, Branch: branch}, nil
}

// cleanUpWorktree removes any existing registration and directory at path
func (wm *WorktreeManager) cleanUpWorktree(ctx context.Context, source, path string) {
	_, _ = runGit(ctx, source, "worktree", "remove", "--force", path)
	if _, err := os.Stat(path); err == nil {
		_ = os.RemoveAll(path)
	}
	_, _ = runGit(ctx, source, "worktree", "prune")
}

// Remove deletes a task's worktree for a repository. A missing worktree is
// not an error.
func (wm *WorktreeManager) Remove(ctx context.Context, taskID, repoName string) error {
	source, err := wm.sourceRepo(repoName)
	if err != nil {
		return err
	}
	path := wm.Path(taskID, repoName)

	ctx, span := telemetry.StartWorktreeSpan(ctx, telemetry.SpanWorktreeRemove, path)
	defer span.End()

	unlock := wm.lock(source)
	defer unlock()

	if _, err := runGit(ctx, source, "worktree", "remove", "--force", path); err != nil {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("removing worktree directory: %w", err)
		}
		_, _ = runGit(ctx, source, "worktree", "prune")
	}

	// Drop the task directory once its last repository is gone
	if entries, err := os.ReadDir(wm.TaskDir(taskID)); err == nil && len(entries) == 0 {
		_ = os.Remove(wm.TaskDir(taskID))
	}
	return nil
}

// CommitResult reports the outcome of CommitAndPush
type CommitResult struct {
	CommitHash string
	// Committed is false when the tree was clean and nothing was pushed
	Committed bool
}

// CommitAndPush stages everything, commits with message and pushes the
// branch to origin. A clean tree returns the current HEAD without pushing.
func (wm *WorktreeManager) CommitAndPush(ctx context.Context, worktreePath, message string) (res *CommitResult, err error) {
	ctx, span := telemetry.StartWorktreeSpan(ctx, telemetry.SpanGitCommit, worktreePath)
	defer func() {
		if err != nil {
			telemetry.RecordErrorWithStatus(span, err, "GitError", telemetry.ErrorCategoryGit)
		}
		span.End()
	}()

	if _, err := runGit(ctx, worktreePath, "add", "-A"); err != nil {
		return nil, fmt.Errorf("staging changes: %w", err)
	}

	status, err := runGit(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("checking status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		head, err := runGit(ctx, worktreePath, "rev-parse", "HEAD")
		if err != nil {
			return nil, fmt.Errorf("reading HEAD: %w", err)
		}
		wm.logger.Info("no changes to commit", "path", worktreePath)
		span.SetAttributes(attribute.Bool("taskwatch.git.committed", false))
		return &CommitResult{CommitHash: strings.TrimSpace(head)}, nil
	}

	if _, err := runGit(ctx, worktreePath, "commit", "-m", message); err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}
	head, err := runGit(ctx, worktreePath, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("reading HEAD: %w", err)
	}

	branch, err := wm.CurrentBranch(ctx, worktreePath)
	if err != nil {
		return nil, err
	}
	pushCtx, pushSpan := telemetry.StartWorktreeSpan(ctx, telemetry.SpanGitPush, worktreePath,
		attribute.String(telemetry.KeyBranchName, branch))
	err = wm.push(pushCtx, worktreePath, branch)
	pushSpan.End()
	if err != nil {
		return nil, fmt.Errorf("pushing %s: %w", branch, err)
	}

	hash := strings.TrimSpace(head)
	wm.logger.Info("committed and pushed", "path", worktreePath, "branch", branch, "commit", hash)
	span.SetAttributes(attribute.Bool("taskwatch.git.committed", true))
	return &CommitResult{CommitHash: hash, Committed: true}, nil
}

// push publishes branch to origin. Task branches are owned by TaskWatch and
// are rebuilt from the base branch on every attempt, so a branch left by an
// earlier attempt is overwritten. The lease pins the remote tip read just
// before pushing so a concurrent update still rejects.
func (wm *WorktreeManager) push(ctx context.Context, worktreePath, branch string) error {
	ref := "refs/heads/" + branch
	out, err := runGit(ctx, worktreePath, "ls-remote", "origin", ref)
	if err != nil {
		return fmt.Errorf("reading remote %s: %w", branch, err)
	}
	var remoteTip string
	if fields := strings.Fields(out); len(fields) > 0 {
		remoteTip = fields[0]
	}
	if remoteTip != "" {
		wm.logger.Info("replacing branch from an earlier attempt", "branch", branch, "remote", remoteTip)
	}

	_, err = runGit(ctx, worktreePath, "push", "-u", "--force-with-lease="+ref+":"+remoteTip, "origin", branch)
	return err
}

// CurrentBranch returns the branch checked out at worktreePath
func (wm *WorktreeManager) CurrentBranch(ctx context.Context, worktreePath string) (string, error) {
	out, err := runGit(ctx, worktreePath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("reading branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// ListOnDisk returns the task ids that have a directory under the root
func (wm *WorktreeManager) ListOnDisk() ([]string, error) {
	entries, err := os.ReadDir(wm.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading worktree root: %w", err)
	}

	var tasks []string
	for _, e := range entries {
		if e.IsDir() {
			tasks = append(tasks, e.Name())
		}
	}
	return tasks, nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w\n%s", args[0], err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}
