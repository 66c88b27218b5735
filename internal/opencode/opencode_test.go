package opencode

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/cloud-shuttle/taskwatch/internal/config"
	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

func TestClient_Prompt(t *testing.T) {
	var gotTitle, gotText string
	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		var req createSessionRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotTitle = req.Title
		w.Write([]byte(`{"id":"ses_1"}`))
	})
	mux.HandleFunc("/session/ses_1/prompt", func(w http.ResponseWriter, r *http.Request) {
		var req promptRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Parts) == 1 && req.Parts[0].Type == "text" {
			gotText = req.Parts[0].Text
		}
		flusher := w.(http.Flusher)
		w.Write([]byte("thinking... "))
		flusher.Flush()
		w.Write([]byte("done"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var chunks []string
	client := NewClient(srv.URL+"/", time.Minute)
	out, err := client.Prompt(context.Background(), Request{
		Title:    "Plan: fix login",
		Prompt:   "do the thing",
		OnOutput: func(c string) { chunks = append(chunks, c) },
	})
	if err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	if out != "thinking... done" {
		t.Errorf("Unexpected output %q", out)
	}
	if strings.Join(chunks, "") != out {
		t.Errorf("Chunks %q do not add up to output", chunks)
	}
	if gotTitle != "Plan: fix login" || gotText != "do the thing" {
		t.Errorf("Server saw title=%q text=%q", gotTitle, gotText)
	}
}

func TestClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Minute)
	_, err := client.CreateSession(context.Background(), "x")
	if !errors.Is(err, types.ErrUpstream) {
		t.Fatalf("Expected ErrUpstream, got %v", err)
	}
	if !strings.Contains(err.Error(), "status 500") {
		t.Errorf("Expected status in error, got %v", err)
	}

	srv.Close()
	if _, err := client.SendPrompt(context.Background(), "s", "p", nil); !errors.Is(err, types.ErrUpstream) {
		t.Errorf("Expected ErrUpstream for unreachable server, got %v", err)
	}
}

func TestCLI_Prompt(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script agent")
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "opencode")
	body := "#!/bin/sh\nif [ \"$1\" = \"--version\" ]; then echo 1.0; exit 0; fi\necho \"$1: $2\"\npwd\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("Failed to write script: %v", err)
	}

	workDir := t.TempDir()
	cli := NewCLI(script, time.Minute)
	if err := cli.CheckInstalled(); err != nil {
		t.Fatalf("CheckInstalled failed: %v", err)
	}

	var streamed strings.Builder
	out, err := cli.Prompt(context.Background(), Request{
		Prompt:   "hello",
		Dir:      workDir,
		OnOutput: func(c string) { streamed.WriteString(c) },
	})
	if err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	if !strings.HasPrefix(out, "run: hello\n") {
		t.Errorf("Unexpected output %q", out)
	}
	resolved, _ := filepath.EvalSymlinks(workDir)
	if !strings.Contains(out, workDir) && !strings.Contains(out, resolved) {
		t.Errorf("Expected agent to run in %s, got %q", workDir, out)
	}
	if streamed.String() != out {
		t.Errorf("Streamed %q, returned %q", streamed.String(), out)
	}
}

func TestCLI_Failure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script agent")
	}

	script := filepath.Join(t.TempDir(), "opencode")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho nope >&2\nexit 3\n"), 0o755); err != nil {
		t.Fatalf("Failed to write script: %v", err)
	}

	out, err := NewCLI(script, time.Minute).Prompt(context.Background(), Request{Prompt: "x", Dir: t.TempDir()})
	if !errors.Is(err, types.ErrUpstream) {
		t.Fatalf("Expected ErrUpstream, got %v", err)
	}
	if !strings.Contains(out, "nope") {
		t.Errorf("Expected stderr in output, got %q", out)
	}
}

func TestNewAgent(t *testing.T) {
	if _, ok := NewAgent(config.OpenCodeConfig{Hostname: "127.0.0.1", Port: 4096}).(*Client); !ok {
		t.Error("Expected HTTP client without a binary path")
	}
	if _, ok := NewAgent(config.OpenCodeConfig{Path: "/usr/bin/opencode"}).(*CLI); !ok {
		t.Error("Expected CLI agent with a binary path")
	}
}

func TestBuildPlanPrompt(t *testing.T) {
	payload := &types.PlanPayload{
		TaskID: "t1",
		Task: types.PlanTaskInfo{
			Title:    "Add SSO",
			Comments: []string{"use okta", "keep sessions"},
			URL:      "https://app.clickup.com/t/abc",
		},
	}

	prompt := BuildPlanPrompt(payload)
	for _, want := range []string{
		"## Task: Add SSO",
		"No description provided.",
		"use okta\n\nkeep sessions",
		"https://app.clickup.com/t/abc",
		"```json",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("Plan prompt missing %q", want)
		}
	}
	if strings.Contains(prompt, "Revision Requested") {
		t.Error("First plan prompt should not ask for a revision")
	}

	payload.Task.Comments = nil
	payload.PreviousPlan = &types.PreviousPlan{Assumptions: "A1", Approach: "B1", Feedback: "needs tests"}
	prompt = BuildPlanPrompt(payload)
	for _, want := range []string{"No comments.", "Revision Requested", "### Feedback to Address\nneeds tests"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("Revision prompt missing %q", want)
		}
	}
}

func TestBuildImplementPrompt(t *testing.T) {
	payload := &types.ImplementPayload{
		TaskID: "t1",
		Plan: types.ApprovedPlan{
			Assumptions: "A",
			Approach:    "B",
			FileChanges: types.FileChanges{"web": {"app.ts"}, "api": {"main.go", "db.go"}},
		},
		Repos: []string{"api", "web"},
	}

	prompt := BuildImplementPrompt(payload, map[string]string{"web": "/wt/t1/web", "api": "/wt/t1/api"})
	if !strings.Contains(prompt, "- ./api (/wt/t1/api)\n- ./web (/wt/t1/web)") {
		t.Errorf("Working directories not listed in order:\n%s", prompt)
	}
	if !strings.Contains(prompt, "### api\n- main.go\n- db.go\n\n### web\n- app.ts") {
		t.Errorf("Expected file changes not listed:\n%s", prompt)
	}
}

func TestParsePlanResponse(t *testing.T) {
	tests := []struct {
		name     string
		response string
		wantErr  string
		check    func(t *testing.T, r *types.PlanResult)
	}{
		{
			name:     "fenced block among prose",
			response: "Here is the plan:\n```json\n{\"assumptions\":\"a\",\"approach\":\"b\",\"fileChanges\":{\"api\":[\"x.go\"]}}\n```\nThanks",
			check: func(t *testing.T, r *types.PlanResult) {
				if r.Assumptions != "a" || r.Approach != "b" || len(r.FileChanges["api"]) != 1 {
					t.Errorf("Unexpected result %+v", r)
				}
			},
		},
		{
			name:     "missing fields default to empty",
			response: "```json\n{\"approach\":\"only\"}\n```",
			check: func(t *testing.T, r *types.PlanResult) {
				if r.Assumptions != "" || r.FileChanges == nil || len(r.FileChanges) != 0 {
					t.Errorf("Unexpected result %+v", r)
				}
			},
		},
		{
			name:     "no block",
			response: "I could not plan this",
			wantErr:  "no JSON block found",
		},
		{
			name:     "malformed json",
			response: "```json\n{not json}\n```",
			wantErr:  "failed to parse plan JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParsePlanResponse(tt.response)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePlanResponse failed: %v", err)
			}
			tt.check(t, result)
		})
	}
}
