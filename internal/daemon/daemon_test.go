package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/taskwatch/internal/git"
	"github.com/cloud-shuttle/taskwatch/internal/gitlab"
	"github.com/cloud-shuttle/taskwatch/internal/opencode"
	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

type failCall struct {
	runID, summary, logs string
}

type fakeOrchestrator struct {
	mu         sync.Mutex
	jobs       []*types.Job
	claimErr   error
	heartbeats int
	claims     []string
	progress   []string
	completed  map[string]any
	failed     []failCall
	worktrees  []string
}

func newFakeOrchestrator(jobs ...*types.Job) *fakeOrchestrator {
	return &fakeOrchestrator{jobs: jobs, completed: make(map[string]any)}
}

func (f *fakeOrchestrator) Poll(ctx context.Context) (*types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		return nil, nil
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	return job, nil
}

func (f *fakeOrchestrator) Claim(ctx context.Context, runID, daemonID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return f.claimErr
	}
	f.claims = append(f.claims, runID+"@"+daemonID)
	return nil
}

func (f *fakeOrchestrator) Progress(ctx context.Context, runID, logs string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, logs)
	return nil
}

func (f *fakeOrchestrator) Complete(ctx context.Context, runID string, result any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[runID] = result
	return nil
}

func (f *fakeOrchestrator) Fail(ctx context.Context, runID, errorSummary, logs string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, failCall{runID, errorSummary, logs})
	return nil
}

func (f *fakeOrchestrator) RegisterWorktree(ctx context.Context, taskID, repoName, path, branchName string) (*types.Worktree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.worktrees = append(f.worktrees, repoName+":"+branchName)
	return &types.Worktree{ID: "wt-" + repoName, TaskID: taskID, RepoName: repoName, Path: path, BranchName: branchName}, nil
}

func (f *fakeOrchestrator) Heartbeat(ctx context.Context, daemonID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeOrchestrator) allLogs() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all strings.Builder
	for _, p := range f.progress {
		all.WriteString(p)
	}
	for _, c := range f.failed {
		all.WriteString(c.logs)
	}
	return all.String()
}

type fakeAgent struct {
	mu       sync.Mutex
	response string
	err      error
	requests []opencode.Request
}

func (a *fakeAgent) Prompt(ctx context.Context, req opencode.Request) (string, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()
	if req.OnOutput != nil {
		req.OnOutput("agent working\n")
	}
	return a.response, a.err
}

type fakeWorktrees struct {
	root string
	// Repos whose worktree has changes to commit
	changed map[string]bool
	commits []string
}

func (w *fakeWorktrees) Create(ctx context.Context, taskID, repoName string) (*git.Worktree, error) {
	if repoName == "missing" {
		return nil, fmt.Errorf("repository %s is not configured", repoName)
	}
	return &git.Worktree{
		RepoName: repoName,
		Path:     filepath.Join(w.TaskDir(taskID), repoName),
		Branch:   git.BranchName(taskID),
	}, nil
}

func (w *fakeWorktrees) TaskDir(taskID string) string {
	return filepath.Join(w.root, taskID)
}

func (w *fakeWorktrees) CommitAndPush(ctx context.Context, worktreePath, message string) (*git.CommitResult, error) {
	repo := filepath.Base(worktreePath)
	w.commits = append(w.commits, repo+":"+message)
	if w.changed[repo] {
		return &git.CommitResult{CommitHash: "new-" + repo, Committed: true}, nil
	}
	return &git.CommitResult{CommitHash: "head-" + repo}, nil
}

type fakeMergeRequests struct {
	opened []gitlab.MergeRequestOptions
	err    error
}

func (m *fakeMergeRequests) CreateMergeRequest(ctx context.Context, opts gitlab.MergeRequestOptions) (*types.MergeRequestInfo, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.opened = append(m.opened, opts)
	iid := len(m.opened)
	return &types.MergeRequestInfo{
		RepoName:   opts.RepoName,
		MRURL:      fmt.Sprintf("https://gitlab.example.com/%s/-/merge_requests/%d", opts.RepoName, iid),
		MRIID:      iid,
		BranchName: opts.SourceBranch,
	}, nil
}

const planResponse = "Here is the plan.\n```json\n" +
	`{"assumptions":"uses okta","approach":"add middleware","fileChanges":{"api":["auth.go"]}}` +
	"\n```\n"

func planJob() *types.Job {
	return types.NewPlanJob("run-1", types.PlanPayload{
		TaskID: "task-1",
		Task:   types.PlanTaskInfo{Title: "Add SSO", Description: "login via okta", Comments: []string{}},
	})
}

func implementJob(repos ...string) *types.Job {
	fc := types.FileChanges{}
	for _, r := range repos {
		fc[r] = []string{"main.go"}
	}
	return types.NewImplementJob("run-2", types.ImplementPayload{
		TaskID: "task-1",
		Title:  "Add SSO",
		Plan:   types.ApprovedPlan{Assumptions: "a", Approach: "add middleware", FileChanges: fc},
		Repos:  repos,
	})
}

type harness struct {
	orch   *fakeOrchestrator
	agent  *fakeAgent
	wts    *fakeWorktrees
	mrs    *fakeMergeRequests
	daemon *Daemon
}

func newHarness(t *testing.T, jobs ...*types.Job) *harness {
	t.Helper()
	h := &harness{
		orch:  newFakeOrchestrator(jobs...),
		agent: &fakeAgent{response: planResponse},
		wts:   &fakeWorktrees{root: t.TempDir(), changed: map[string]bool{}},
		mrs:   &fakeMergeRequests{},
	}
	h.daemon = New(h.orch, h.agent, h.wts, h.mrs, Options{
		BaseBranch:       "develop",
		PollInterval:     10 * time.Millisecond,
		ProgressInterval: time.Hour,
	})
	return h
}

func TestNew_DaemonID(t *testing.T) {
	h := newHarness(t)
	assert.Regexp(t, `^daemon-\d{13}$`, h.daemon.ID())
}

func TestPollOnce_NoJob(t *testing.T) {
	h := newHarness(t)

	executed, err := h.daemon.PollOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, executed)
	assert.Equal(t, 1, h.orch.heartbeats)
	assert.Empty(t, h.agent.requests)
}

func TestPollOnce_ClaimFailureSkipsJob(t *testing.T) {
	h := newHarness(t, planJob())
	h.orch.claimErr = fmt.Errorf("claiming run run-1: %w", types.ErrConflict)

	executed, err := h.daemon.PollOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, executed)
	assert.Empty(t, h.agent.requests, "unclaimed job must not run")
	assert.Empty(t, h.orch.completed)
	assert.Empty(t, h.orch.failed)
}

func TestPollOnce_Plan(t *testing.T) {
	h := newHarness(t, planJob())

	executed, err := h.daemon.PollOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, executed)

	require.Len(t, h.orch.claims, 1)
	assert.Equal(t, "run-1@"+h.daemon.ID(), h.orch.claims[0])

	require.Len(t, h.agent.requests, 1)
	assert.Equal(t, "Plan: Add SSO", h.agent.requests[0].Title)
	assert.Contains(t, h.agent.requests[0].Prompt, "## Task: Add SSO")

	result, ok := h.orch.completed["run-1"].(*types.PlanResult)
	require.True(t, ok, "expected a plan result, got %T", h.orch.completed["run-1"])
	assert.Equal(t, "uses okta", result.Assumptions)
	assert.Equal(t, "add middleware", result.Approach)
	assert.Equal(t, []string{"auth.go"}, result.FileChanges["api"])

	logs := h.orch.allLogs()
	assert.Contains(t, logs, "Starting plan generation for task task-1")
	assert.Contains(t, logs, "agent working")
}

func TestPollOnce_PlanParseFailure(t *testing.T) {
	h := newHarness(t, planJob())
	h.agent.response = "I could not come up with a plan."

	executed, err := h.daemon.PollOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, executed)

	assert.Empty(t, h.orch.completed)
	require.Len(t, h.orch.failed, 1)
	assert.Equal(t, "run-1", h.orch.failed[0].runID)
	assert.Equal(t, "could not parse plan response: no JSON block found", h.orch.failed[0].summary)
	assert.Contains(t, h.orch.failed[0].logs, "Error: could not parse plan response")
}

func TestPollOnce_AgentFailure(t *testing.T) {
	h := newHarness(t, planJob())
	h.agent.err = fmt.Errorf("%w: opencode unreachable", types.ErrUpstream)

	_, err := h.daemon.PollOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, h.orch.failed, 1)
	assert.Contains(t, h.orch.failed[0].summary, "generating plan")
	assert.Contains(t, h.orch.failed[0].summary, "opencode unreachable")
}

func TestPollOnce_Implement(t *testing.T) {
	h := newHarness(t, implementJob("api", "web"))
	h.agent.response = "Done."
	h.wts.changed["api"] = true

	executed, err := h.daemon.PollOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, executed)
	require.Empty(t, h.orch.failed)

	assert.Equal(t, []string{"api:taskwatch/task-1-task-1", "web:taskwatch/task-1-task-1"}, h.orch.worktrees)

	require.Len(t, h.agent.requests, 1)
	req := h.agent.requests[0]
	assert.Equal(t, "Implement: Add SSO", req.Title)
	assert.Equal(t, h.wts.TaskDir("task-1"), req.Dir)
	assert.Contains(t, req.Prompt, "- ./api (")

	result, ok := h.orch.completed["run-2"].(*types.ImplementResult)
	require.True(t, ok, "expected an implement result, got %T", h.orch.completed["run-2"])

	require.Len(t, result.Commits, 2)
	assert.Equal(t, types.CommitInfo{RepoName: "api", CommitHash: "new-api", Message: "[TaskWatch] task-1: Implementation"}, result.Commits[0])
	assert.Equal(t, "head-web", result.Commits[1].CommitHash)

	// The clean repository gets no merge request
	require.Len(t, result.MergeRequests, 1)
	mr := result.MergeRequests[0]
	assert.Equal(t, "api", mr.RepoName)
	assert.Equal(t, 1, mr.MRIID)
	assert.Equal(t, "taskwatch/task-1-task-1", mr.BranchName)

	require.Len(t, h.mrs.opened, 1)
	opened := h.mrs.opened[0]
	assert.Equal(t, "develop", opened.TargetBranch)
	assert.Equal(t, "[TaskWatch] Add SSO", opened.Title)
	assert.Contains(t, opened.Description, "**Task ID:** task-1")
	assert.Contains(t, opened.Description, "add middleware")

	// The result satisfies the completion schema
	data, err := json.Marshal(result)
	require.NoError(t, err)
	_, err = types.DecodeImplementResult(data)
	assert.NoError(t, err)
}

func TestPollOnce_ImplementWithoutChanges(t *testing.T) {
	h := newHarness(t, implementJob("api"))

	_, err := h.daemon.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.orch.completed)
	require.Len(t, h.orch.failed, 1)
	assert.Equal(t, "implementation produced no changes in any repository", h.orch.failed[0].summary)
	assert.Empty(t, h.mrs.opened)
}

func TestPollOnce_ImplementErrors(t *testing.T) {
	tests := []struct {
		name    string
		repos   []string
		mrErr   error
		summary string
	}{
		{"worktree", []string{"missing"}, nil, "creating worktree for missing"},
		{"merge request", []string{"api"}, fmt.Errorf("%w: gitlab status 409", types.ErrUpstream), "opening merge request for api"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, implementJob(tt.repos...))
			h.wts.changed["api"] = true
			h.mrs.err = tt.mrErr

			_, err := h.daemon.PollOnce(context.Background())
			require.NoError(t, err)
			require.Len(t, h.orch.failed, 1)
			assert.Contains(t, h.orch.failed[0].summary, tt.summary)
		})
	}
}

func TestImplement_ReposFromFileChanges(t *testing.T) {
	job := implementJob("web", "api")
	job.Implement.Repos = nil
	h := newHarness(t, job)
	h.wts.changed["api"] = true
	h.wts.changed["web"] = true

	_, err := h.daemon.PollOnce(context.Background())
	require.NoError(t, err)

	result := h.orch.completed["run-2"].(*types.ImplementResult)
	require.Len(t, result.MergeRequests, 2)
	assert.Equal(t, "api", result.MergeRequests[0].RepoName)
	assert.Equal(t, "web", result.MergeRequests[1].RepoName)
}

func TestStreamProgress(t *testing.T) {
	h := newHarness(t)
	h.daemon.opts.ProgressInterval = 5 * time.Millisecond

	logs := newLogBuffer()
	stop := h.daemon.streamProgress(context.Background(), "run-1", logs)
	logs.Printf("step one")
	require.Eventually(t, func() bool {
		return strings.Contains(h.orch.allLogs(), "step one")
	}, time.Second, 5*time.Millisecond)
	stop()

	logs.Printf("after stop")
	assert.Equal(t, "after stop\n", logs.Take())
}

func TestStreamProgress_RenewsLeaseWithoutOutput(t *testing.T) {
	h := newHarness(t)
	h.daemon.opts.ProgressInterval = 5 * time.Millisecond

	stop := h.daemon.streamProgress(context.Background(), "run-1", newLogBuffer())
	require.Eventually(t, func() bool {
		h.orch.mu.Lock()
		defer h.orch.mu.Unlock()
		return len(h.orch.progress) >= 3
	}, time.Second, 5*time.Millisecond)
	stop()

	assert.Empty(t, h.orch.allLogs())
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.daemon.Run(ctx) }()

	require.Eventually(t, func() bool {
		h.orch.mu.Lock()
		defer h.orch.mu.Unlock()
		return h.orch.heartbeats >= 3
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestLogBuffer_Restore(t *testing.T) {
	b := newLogBuffer()
	b.Write("first ")
	chunk := b.Take()
	b.Write("second")
	b.Restore(chunk)
	assert.Equal(t, "first second", b.Take())
	assert.Empty(t, b.Take())
}

func TestClient_ErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/claim"):
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `{"error":"run run-1 is not queued"}`)
		case strings.HasSuffix(r.URL.Path, "/complete"):
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"error":"invalid PLAN result"}`)
		case strings.HasSuffix(r.URL.Path, "/fail"):
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"run not found"}`)
		default:
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":"internal error"}`)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", "tok")
	ctx := context.Background()

	err := client.Claim(ctx, "run-1", "d")
	assert.ErrorIs(t, err, types.ErrConflict)
	assert.Contains(t, err.Error(), "run run-1 is not queued")

	assert.ErrorIs(t, client.Complete(ctx, "run-1", map[string]string{}), types.ErrValidation)
	assert.ErrorIs(t, client.Fail(ctx, "run-1", "boom", ""), types.ErrNotFound)

	_, err = client.Poll(ctx)
	assert.ErrorIs(t, err, types.ErrUpstream)
	assert.True(t, isRetryable(err))
	assert.False(t, isRetryable(fmt.Errorf("x: %w", types.ErrConflict)))
}

func TestRunStep_RoundTripsOutput(t *testing.T) {
	out, err := runStep(context.Background(), directSteps{}, "mr", func(ctx context.Context) (types.MergeRequestInfo, error) {
		return types.MergeRequestInfo{RepoName: "api", MRIID: 3}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out.MRIID)

	_, err = runStep(context.Background(), directSteps{}, "mr", func(ctx context.Context) (string, error) {
		return "", errors.New("boom")
	})
	assert.EqualError(t, err, "boom")
}
