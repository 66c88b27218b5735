package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/taskwatch/internal/db"
	"github.com/cloud-shuttle/taskwatch/internal/events"
	"github.com/cloud-shuttle/taskwatch/internal/orchestrator"
	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

const (
	daemonToken   = "daemon-secret"
	apiToken      = "api-secret"
	webhookSecret = "gitlab-secret"
)

type testEnv struct {
	svc *orchestrator.Service
	srv *Server
	ts  *httptest.Server
	bus *events.Bus
}

func setup(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()

	store, err := db.Open(db.DriverPure, filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitSchema())

	bus := events.NewBus()
	t.Cleanup(func() { bus.Close() })

	svc := orchestrator.New(store, orchestrator.DefaultOptions())
	svc.SetEventBus(bus)

	opts := Options{
		DaemonToken:         daemonToken,
		APIToken:            apiToken,
		GitLabWebhookSecret: webhookSecret,
	}
	for _, m := range mutate {
		m(&opts)
	}
	srv := New(svc, opts)
	srv.SetEventBus(bus)
	t.Cleanup(srv.limiter.Stop)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{svc: svc, srv: srv, ts: ts, bus: bus}
}

// call performs a request and decodes the JSON response into a generic map
func (e *testEnv) call(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (e *testEnv) daemon(t *testing.T, method, path string, body any) (int, map[string]any) {
	return e.call(t, method, path, daemonToken, body)
}

func (e *testEnv) api(t *testing.T, method, path string, body any) (int, map[string]any) {
	return e.call(t, method, path, apiToken, body)
}

func (e *testEnv) webhook(t *testing.T, token string, body any) (int, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/webhooks/gitlab", bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("X-Gitlab-Token", token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (e *testEnv) createTask(t *testing.T, externalID string) *types.Task {
	t.Helper()
	task, err := e.svc.Store().CreateTask(context.Background(), &types.Task{
		OwnerID:    "owner-1",
		ExternalID: externalID,
		Title:      "Task " + externalID,
	})
	require.NoError(t, err)
	return task
}

func mrEvent(path string, iid int, state string) map[string]any {
	return map[string]any{
		"object_kind":       "merge_request",
		"project":           map[string]any{"path_with_namespace": path},
		"object_attributes": map[string]any{"iid": iid, "state": state},
	}
}

func TestHealth_NoAuth(t *testing.T) {
	env := setup(t)

	status, body := env.call(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, Version, body["version"])
}

func TestAuth(t *testing.T) {
	env := setup(t)

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"internal without token", "/internal/jobs/poll", "", http.StatusUnauthorized},
		{"internal with api token", "/internal/jobs/poll", apiToken, http.StatusUnauthorized},
		{"internal with daemon token", "/internal/jobs/poll", daemonToken, http.StatusOK},
		{"api without token", "/api/tasks", "", http.StatusUnauthorized},
		{"api with daemon token", "/api/tasks", daemonToken, http.StatusUnauthorized},
		{"api with api token", "/api/tasks", apiToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := env.call(t, http.MethodGet, tt.path, tt.token, nil)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestAuth_EmptyTokenRejects(t *testing.T) {
	env := setup(t, func(o *Options) { o.DaemonToken = "" })

	status, _ := env.call(t, http.MethodGet, "/internal/jobs/poll", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestPoll_EmptyQueue(t *testing.T) {
	env := setup(t)

	status, body := env.daemon(t, http.MethodGet, "/internal/jobs/poll", nil)
	require.Equal(t, http.StatusOK, status)
	job, present := body["job"]
	assert.True(t, present, "job key must be present")
	assert.Nil(t, job)
}

func TestLifecycle_OverHTTP(t *testing.T) {
	env := setup(t)
	task := env.createTask(t, "cu-1")

	// Plan generation
	status, body := env.api(t, http.MethodPost, "/api/tasks/"+task.ID+"/plan/generate", nil)
	require.Equal(t, http.StatusOK, status, body)
	planRunID := body["runId"].(string)

	status, body = env.daemon(t, http.MethodGet, "/internal/jobs/poll", nil)
	require.Equal(t, http.StatusOK, status)
	job := body["job"].(map[string]any)
	assert.Equal(t, planRunID, job["id"])
	assert.Equal(t, "plan", job["type"])
	assert.Equal(t, task.ID, job["payload"].(map[string]any)["taskId"])

	status, _ = env.daemon(t, http.MethodPost, "/internal/jobs/"+planRunID+"/claim", map[string]string{"daemonId": "daemon-1"})
	require.Equal(t, http.StatusOK, status)
	status, _ = env.daemon(t, http.MethodPost, "/internal/jobs/"+planRunID+"/claim", map[string]string{"daemonId": "daemon-2"})
	assert.Equal(t, http.StatusConflict, status)

	status, _ = env.daemon(t, http.MethodPost, "/internal/jobs/"+planRunID+"/progress", map[string]string{"logs": "thinking\n"})
	require.Equal(t, http.StatusOK, status)

	status, body = env.daemon(t, http.MethodPost, "/internal/jobs/"+planRunID+"/complete", map[string]any{
		"result": map[string]any{
			"assumptions": "a",
			"approach":    "b",
			"fileChanges": map[string][]string{"repo1": {"f.ts"}},
		},
	})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, true, body["success"])

	status, body = env.api(t, http.MethodGet, "/api/tasks/"+task.ID, nil)
	require.Equal(t, http.StatusOK, status)
	got := body["task"].(map[string]any)
	assert.Equal(t, string(types.TaskStatusPlanReady), got["status"])
	plan := got["currentPlan"].(map[string]any)
	assert.EqualValues(t, 1, plan["version"])
	planID := plan["id"].(string)

	status, body = env.api(t, http.MethodGet, "/api/runs/"+planRunID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "thinking\n", body["run"].(map[string]any)["logs"])

	// Approval and implementation
	status, body = env.api(t, http.MethodPost, "/api/plans/"+planID+"/approve", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, string(types.PlanStatusApproved), body["plan"].(map[string]any)["status"])

	status, _ = env.api(t, http.MethodPost, "/api/plans/"+planID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, status)

	status, body = env.api(t, http.MethodPost, "/api/tasks/"+task.ID+"/implement", nil)
	require.Equal(t, http.StatusOK, status, body)
	implRunID := body["runId"].(string)

	status, body = env.daemon(t, http.MethodGet, "/internal/jobs/poll", nil)
	require.Equal(t, http.StatusOK, status)
	job = body["job"].(map[string]any)
	assert.Equal(t, implRunID, job["id"])
	assert.Equal(t, "implement", job["type"])
	assert.Equal(t, []any{"repo1"}, job["payload"].(map[string]any)["repos"])

	status, _ = env.daemon(t, http.MethodPost, "/internal/jobs/"+implRunID+"/claim", map[string]string{"daemonId": "daemon-1"})
	require.Equal(t, http.StatusOK, status)
	status, body = env.daemon(t, http.MethodPost, "/internal/jobs/"+implRunID+"/complete", map[string]any{
		"result": map[string]any{
			"commits": []map[string]any{{"repoName": "repo1", "commitHash": "abc123", "message": "impl"}},
			"mergeRequests": []map[string]any{
				{"repoName": "repo1", "mrUrl": "https://gitlab.com/g/repo1/-/merge_requests/7", "mrIid": 7},
			},
		},
	})
	require.Equal(t, http.StatusOK, status, body)

	status, body = env.api(t, http.MethodGet, "/api/tasks/"+task.ID+"/merge-requests", nil)
	require.Equal(t, http.StatusOK, status)
	mrs := body["mergeRequests"].([]any)
	require.Len(t, mrs, 1)
	assert.Equal(t, "OPEN", mrs[0].(map[string]any)["status"])

	// Merge webhook closes the loop
	status, body = env.webhook(t, webhookSecret, mrEvent("group/sub/repo1", 7, "merged"))
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, true, body["success"])

	status, body = env.api(t, http.MethodGet, "/api/tasks/"+task.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(types.TaskStatusDone), body["task"].(map[string]any)["status"])

	status, body = env.api(t, http.MethodGet, "/api/tasks/"+task.ID+"/events", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["events"], 6)
}

func TestClaim_Errors(t *testing.T) {
	env := setup(t)

	status, body := env.daemon(t, http.MethodPost, "/internal/jobs/missing/claim", map[string]string{"daemonId": "d"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.NotEmpty(t, body["error"])

	status, _ = env.daemon(t, http.MethodPost, "/internal/jobs/missing/claim", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.daemon(t, http.MethodPost, "/internal/jobs/missing/claim", "{not json")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestComplete_InvalidResult(t *testing.T) {
	env := setup(t)
	task := env.createTask(t, "cu-2")
	ctx := context.Background()

	run, err := env.svc.RequestPlan(ctx, task.ID)
	require.NoError(t, err)
	_, err = env.svc.Claim(ctx, run.ID, "daemon-1")
	require.NoError(t, err)

	status, body := env.daemon(t, http.MethodPost, "/internal/jobs/"+run.ID+"/complete", map[string]any{
		"result": map[string]any{"approach": "b"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, body["error"], "assumptions is required")

	status, body = env.api(t, http.MethodGet, "/api/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(types.RunStatusFailed), body["run"].(map[string]any)["status"])

	status, body = env.api(t, http.MethodGet, "/api/tasks/"+task.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(types.TaskStatusBlocked), body["task"].(map[string]any)["status"])

	// Terminal runs reject further reports
	status, _ = env.daemon(t, http.MethodPost, "/internal/jobs/"+run.ID+"/fail", map[string]string{"errorSummary": "late"})
	assert.Equal(t, http.StatusConflict, status)
}

func TestFail(t *testing.T) {
	env := setup(t)
	task := env.createTask(t, "cu-3")
	ctx := context.Background()

	run, err := env.svc.RequestPlan(ctx, task.ID)
	require.NoError(t, err)
	_, err = env.svc.Claim(ctx, run.ID, "daemon-1")
	require.NoError(t, err)

	status, _ := env.daemon(t, http.MethodPost, "/internal/jobs/"+run.ID+"/fail", map[string]string{"logs": "x"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := env.daemon(t, http.MethodPost, "/internal/jobs/"+run.ID+"/fail", map[string]string{
		"errorSummary": "agent crashed",
		"logs":         "stack trace",
	})
	require.Equal(t, http.StatusOK, status, body)

	status, body = env.api(t, http.MethodGet, "/api/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, status)
	got := body["run"].(map[string]any)
	assert.Equal(t, "agent crashed", got["errorSummary"])
	assert.Equal(t, string(types.RunStatusFailed), got["status"])
}

func TestImplement_WithoutApprovedPlan(t *testing.T) {
	env := setup(t)
	task := env.createTask(t, "cu-4")

	status, body := env.api(t, http.MethodPost, "/api/tasks/"+task.ID+"/implement", nil)
	assert.Equal(t, http.StatusPreconditionFailed, status)
	assert.NotEmpty(t, body["error"])

	status, _ = env.api(t, http.MethodPost, "/api/tasks/missing/plan/generate", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestFeedback(t *testing.T) {
	env := setup(t)
	task := env.createTask(t, "cu-5")
	ctx := context.Background()

	run, err := env.svc.RequestPlan(ctx, task.ID)
	require.NoError(t, err)
	_, err = env.svc.Claim(ctx, run.ID, "daemon-1")
	require.NoError(t, err)
	_, err = env.svc.Complete(ctx, run.ID, json.RawMessage(`{"assumptions":"a","approach":"b","fileChanges":{"r":[]}}`))
	require.NoError(t, err)
	plan, err := env.svc.Store().LatestPlan(ctx, task.ID)
	require.NoError(t, err)

	status, _ := env.api(t, http.MethodPost, "/api/plans/"+plan.ID+"/feedback", map[string]string{"content": "  "})
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, body := env.api(t, http.MethodPost, "/api/plans/"+plan.ID+"/feedback", map[string]string{"content": "needs tests"})
	require.Equal(t, http.StatusOK, status, body)
	assert.NotEmpty(t, body["runId"])

	status, body = env.api(t, http.MethodGet, "/api/plans/"+plan.ID, nil)
	require.Equal(t, http.StatusOK, status)
	got := body["plan"].(map[string]any)
	assert.Equal(t, string(types.PlanStatusChangesRequested), got["status"])
	require.Len(t, got["feedback"], 1)

	status, _ = env.api(t, http.MethodPost, "/api/plans/"+plan.ID+"/approve", nil)
	assert.Equal(t, http.StatusPreconditionFailed, status)
}

func TestGitLabWebhook(t *testing.T) {
	env := setup(t)

	status, _ := env.webhook(t, "wrong", mrEvent("g/api", 1, "merged"))
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := env.webhook(t, webhookSecret, map[string]any{"object_kind": "push"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Ignored non-MR event", body["message"])

	status, body = env.webhook(t, webhookSecret, mrEvent("g/api", 99, "merged"))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ignored"])

	status, _ = env.webhook(t, webhookSecret, mrEvent("", 0, "merged"))
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestGitLabWebhook_NoSecretConfigured(t *testing.T) {
	env := setup(t, func(o *Options) { o.GitLabWebhookSecret = "" })

	status, _ := env.webhook(t, "", mrEvent("g/api", 1, "merged"))
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestWorktrees(t *testing.T) {
	env := setup(t)
	task := env.createTask(t, "cu-6")

	status, _ := env.daemon(t, http.MethodPost, "/internal/worktrees", map[string]string{"taskId": task.ID})
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, _ = env.daemon(t, http.MethodPost, "/internal/worktrees", map[string]string{
		"taskId": "missing", "repoName": "api", "path": "/tmp/x", "branchName": "b",
	})
	assert.Equal(t, http.StatusNotFound, status)

	status, body := env.daemon(t, http.MethodPost, "/internal/worktrees", map[string]string{
		"taskId": task.ID, "repoName": "api", "path": "/tmp/wt/api", "branchName": "taskwatch/x",
	})
	require.Equal(t, http.StatusOK, status, body)
	wtID := body["worktree"].(map[string]any)["id"].(string)

	status, body = env.api(t, http.MethodGet, "/api/worktrees?taskId="+task.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["worktrees"], 1)

	status, _ = env.api(t, http.MethodDelete, "/api/worktrees/"+wtID, nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = env.daemon(t, http.MethodDelete, "/internal/worktrees/"+wtID, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDaemonStatus(t *testing.T) {
	env := setup(t)

	status, body := env.api(t, http.MethodGet, "/api/daemon/status", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["online"])

	status, _ = env.daemon(t, http.MethodPost, "/internal/daemon/heartbeat", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.daemon(t, http.MethodPost, "/internal/daemon/heartbeat", map[string]string{"daemonId": "daemon-42"})
	require.Equal(t, http.StatusOK, status)

	status, body = env.api(t, http.MethodGet, "/api/daemon/status", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["online"])
	assert.Equal(t, "daemon-42", body["status"].(map[string]any)["daemonId"])
}

func TestSync_NotConfigured(t *testing.T) {
	env := setup(t)

	status, _ := env.api(t, http.MethodPost, "/api/sync", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestRateLimit(t *testing.T) {
	env := setup(t, func(o *Options) { o.RateLimit = 2 })

	for i := 0; i < 2; i++ {
		status, _ := env.api(t, http.MethodGet, "/api/tasks", nil)
		require.Equal(t, http.StatusOK, status)
	}
	status, body := env.api(t, http.MethodGet, "/api/tasks", nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate limit exceeded", body["error"])

	// Daemon protocol is not limited
	status, _ = env.daemon(t, http.MethodGet, "/internal/jobs/poll", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestEventStream(t *testing.T) {
	env := setup(t)
	task := env.createTask(t, "cu-7")

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") +
		fmt.Sprintf("/api/events?access_token=%s&types=%s&taskId=%s", apiToken, events.EventRunQueued, task.ID)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	run, err := env.svc.RequestPlan(context.Background(), task.ID)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.EventRunQueued, ev.Type)
	assert.Equal(t, run.ID, ev.RunID)
	assert.Equal(t, task.ID, ev.TaskID)
}

func TestEventStream_RequiresToken(t *testing.T) {
	env := setup(t)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("getting run: %w", types.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("claiming: %w", types.ErrConflict), http.StatusConflict},
		{types.ErrPreconditionFailed, http.StatusPreconditionFailed},
		{types.NewValidationError("PLAN result", []string{"approach is required"}), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: %w", types.ErrUpstream, errors.New("timeout")), http.StatusBadGateway},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
