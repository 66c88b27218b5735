// Package git_test provides tests for the git package
package git_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cloud-shuttle/taskwatch/internal/git"
)

func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, output)
	}
	return strings.TrimSpace(string(output))
}

// setupRepos creates a bare origin with a develop branch and a local clone
// of it, and returns the origin path and a manager for repo "api"
func setupRepos(t *testing.T) (string, *git.WorktreeManager) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	tmpDir := t.TempDir()
	origin := filepath.Join(tmpDir, "origin.git")
	seed := filepath.Join(tmpDir, "seed")
	source := filepath.Join(tmpDir, "source")

	run(t, tmpDir, "init", "--bare", origin)

	if err := os.MkdirAll(seed, 0o755); err != nil {
		t.Fatalf("Failed to create seed dir: %v", err)
	}
	run(t, seed, "init")
	run(t, seed, "config", "user.email", "test@example.com")
	run(t, seed, "config", "user.name", "Test User")
	if err := os.WriteFile(filepath.Join(seed, "README.md"), []byte("# Test Repo\n"), 0o644); err != nil {
		t.Fatalf("Failed to create initial file: %v", err)
	}
	run(t, seed, "add", "README.md")
	run(t, seed, "commit", "-m", "Initial commit")
	run(t, seed, "remote", "add", "origin", origin)
	run(t, seed, "push", "origin", "HEAD:refs/heads/develop")
	run(t, origin, "symbolic-ref", "HEAD", "refs/heads/develop")

	run(t, tmpDir, "clone", origin, source)
	run(t, source, "config", "user.email", "test@example.com")
	run(t, source, "config", "user.name", "Test User")

	wm := git.NewWorktreeManager(filepath.Join(tmpDir, "worktrees"), map[string]string{"api": source}, "develop")
	return origin, wm
}

func TestBranchName(t *testing.T) {
	tests := map[string]string{
		"task_0123456789": "taskwatch/task_0123456789-task_012",
		"short":           "taskwatch/short-short",
	}
	for taskID, want := range tests {
		if got := git.BranchName(taskID); got != want {
			t.Errorf("BranchName(%q) = %q, want %q", taskID, got, want)
		}
	}
}

func TestWorktreeManager_Create(t *testing.T) {
	_, wm := setupRepos(t)
	ctx := context.Background()

	wt, err := wm.Create(ctx, "task-1", "api")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if wt.Path != wm.Path("task-1", "api") {
		t.Errorf("Path = %s, want %s", wt.Path, wm.Path("task-1", "api"))
	}
	if _, err := os.Stat(filepath.Join(wt.Path, "README.md")); err != nil {
		t.Errorf("Expected base branch content in worktree: %v", err)
	}

	branch, err := wm.CurrentBranch(ctx, wt.Path)
	if err != nil {
		t.Fatalf("CurrentBranch failed: %v", err)
	}
	if branch != git.BranchName("task-1") || wt.Branch != branch {
		t.Errorf("Branch = %q (reported %q), want %q", branch, wt.Branch, git.BranchName("task-1"))
	}

	tasks, err := wm.ListOnDisk()
	if err != nil {
		t.Fatalf("ListOnDisk failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0] != "task-1" {
		t.Errorf("ListOnDisk = %v", tasks)
	}
}

func TestWorktreeManager_CreateTwice(t *testing.T) {
	_, wm := setupRepos(t)
	ctx := context.Background()

	wt, err := wm.Create(ctx, "task-2", "api")
	if err != nil {
		t.Fatalf("First create failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wt.Path, "stale.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	wt, err = wm.Create(ctx, "task-2", "api")
	if err != nil {
		t.Fatalf("Recreate failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(wt.Path, "stale.txt")); !os.IsNotExist(err) {
		t.Error("Expected a fresh worktree without leftovers")
	}
}

func TestWorktreeManager_UnknownRepo(t *testing.T) {
	_, wm := setupRepos(t)

	if _, err := wm.Create(context.Background(), "task-3", "web"); err == nil {
		t.Error("Expected error for unconfigured repository")
	}
}

func TestWorktreeManager_CommitAndPush(t *testing.T) {
	origin, wm := setupRepos(t)
	ctx := context.Background()

	wt, err := wm.Create(ctx, "task-4", "api")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	base := run(t, wt.Path, "rev-parse", "HEAD")

	// Clean tree: HEAD is reported, nothing pushed
	res, err := wm.CommitAndPush(ctx, wt.Path, "[TaskWatch] task-4: Implementation")
	if err != nil {
		t.Fatalf("CommitAndPush on clean tree failed: %v", err)
	}
	if res.Committed || res.CommitHash != base {
		t.Errorf("Expected uncommitted HEAD %s, got %+v", base, res)
	}

	if err := os.WriteFile(filepath.Join(wt.Path, "feature.go"), []byte("package feature\n"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	res, err = wm.CommitAndPush(ctx, wt.Path, "[TaskWatch] task-4: Implementation")
	if err != nil {
		t.Fatalf("CommitAndPush failed: %v", err)
	}
	if !res.Committed || res.CommitHash == base {
		t.Errorf("Expected a new commit, got %+v", res)
	}

	pushed := run(t, origin, "rev-parse", "refs/heads/"+wt.Branch)
	if pushed != res.CommitHash {
		t.Errorf("Origin has %s on %s, want %s", pushed, wt.Branch, res.CommitHash)
	}
	if msg := run(t, wt.Path, "log", "-1", "--format=%s"); msg != "[TaskWatch] task-4: Implementation" {
		t.Errorf("Commit message = %q", msg)
	}
}

func TestWorktreeManager_CommitAndPush_ReplacesEarlierAttempt(t *testing.T) {
	origin, wm := setupRepos(t)
	ctx := context.Background()

	wt, err := wm.Create(ctx, "task-6", "api")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wt.Path, "first.go"), []byte("package first\n"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if _, err := wm.CommitAndPush(ctx, wt.Path, "[TaskWatch] task-6: Implementation"); err != nil {
		t.Fatalf("First CommitAndPush failed: %v", err)
	}

	// A retry rebuilds the branch from develop and must still be able to push
	wt, err = wm.Create(ctx, "task-6", "api")
	if err != nil {
		t.Fatalf("Second create failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wt.Path, "second.go"), []byte("package second\n"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	res, err := wm.CommitAndPush(ctx, wt.Path, "[TaskWatch] task-6: Implementation")
	if err != nil {
		t.Fatalf("Second CommitAndPush failed: %v", err)
	}

	pushed := run(t, origin, "rev-parse", "refs/heads/"+wt.Branch)
	if pushed != res.CommitHash {
		t.Errorf("Origin has %s on %s, want %s", pushed, wt.Branch, res.CommitHash)
	}
	files := run(t, origin, "ls-tree", "--name-only", "refs/heads/"+wt.Branch)
	if strings.Contains(files, "first.go") || !strings.Contains(files, "second.go") {
		t.Errorf("Origin branch files = %q, want only the second attempt's changes", files)
	}
}

func TestWorktreeManager_Remove(t *testing.T) {
	_, wm := setupRepos(t)
	ctx := context.Background()

	wt, err := wm.Create(ctx, "task-5", "api")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := wm.Remove(ctx, "task-5", "api"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(wt.Path); !os.IsNotExist(err) {
		t.Error("Expected worktree directory to be gone")
	}
	if _, err := os.Stat(wm.TaskDir("task-5")); !os.IsNotExist(err) {
		t.Error("Expected empty task directory to be removed")
	}

	// Removing again is not an error
	if err := wm.Remove(ctx, "task-5", "api"); err != nil {
		t.Errorf("Second remove failed: %v", err)
	}
}
