package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeDaemonConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "daemon.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadDaemon(t *testing.T) {
	t.Setenv("TW_TEST_TOKEN", "secret-token")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	path := writeDaemonConfig(t, `
worktree_root = "~/wt"
base_branch = "main"
orchestrator_url = "http://orchestrator:8787"
orchestrator_token = "env:TW_TEST_TOKEN"
gitlab_token = "glpat-plain"
poll_interval = "5s"

[source_repos]
api = "~/src/api"
web = "/abs/web"

[opencode]
port = 5000
`)

	cfg, err := LoadDaemon(path)
	if err != nil {
		t.Fatalf("LoadDaemon failed: %v", err)
	}

	if cfg.WorktreeRoot != filepath.Join(home, "wt") {
		t.Errorf("WorktreeRoot = %q; want expanded home path", cfg.WorktreeRoot)
	}
	if cfg.SourceRepos["api"] != filepath.Join(home, "src/api") {
		t.Errorf("SourceRepos[api] = %q; want expanded home path", cfg.SourceRepos["api"])
	}
	if cfg.SourceRepos["web"] != "/abs/web" {
		t.Errorf("SourceRepos[web] = %q; want /abs/web", cfg.SourceRepos["web"])
	}
	if cfg.OrchestratorToken != "secret-token" {
		t.Errorf("OrchestratorToken = %q; want value from env", cfg.OrchestratorToken)
	}
	if cfg.GitLabToken != "glpat-plain" {
		t.Errorf("GitLabToken = %q; want literal value", cfg.GitLabToken)
	}
	if cfg.BaseBranch != "main" {
		t.Errorf("BaseBranch = %q; want main", cfg.BaseBranch)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v; want 5s", cfg.PollInterval)
	}
	if cfg.ProgressInterval != 15*time.Second {
		t.Errorf("ProgressInterval = %v; want default 15s", cfg.ProgressInterval)
	}
	if cfg.OpenCode.BaseURL() != "http://127.0.0.1:5000" {
		t.Errorf("OpenCode.BaseURL() = %q", cfg.OpenCode.BaseURL())
	}
	if cfg.GitLabURL != "https://gitlab.com" {
		t.Errorf("GitLabURL = %q; want default", cfg.GitLabURL)
	}
}

func TestLoadDaemon_UnsetEnv(t *testing.T) {
	path := writeDaemonConfig(t, `
worktree_root = "/tmp/wt"
orchestrator_token = "env:TW_TEST_DEFINITELY_UNSET"
`)

	_, err := LoadDaemon(path)
	if err == nil {
		t.Fatal("LoadDaemon should fail when an env: variable is unset")
	}
	if !strings.Contains(err.Error(), "TW_TEST_DEFINITELY_UNSET") {
		t.Errorf("error should name the variable, got %v", err)
	}
}

func TestLoadDaemon_Missing(t *testing.T) {
	_, err := LoadDaemon(filepath.Join(t.TempDir(), "absent.toml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestDaemonConfig_Validate(t *testing.T) {
	cfg := DefaultDaemonConfig()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "orchestrator_token") {
		t.Fatalf("expected missing orchestrator_token, got %v", err)
	}

	cfg.OrchestratorToken = "t"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v; want nil", err)
	}

	cfg.PollInterval = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject a zero poll_interval")
	}
}

func TestDaemonConfig_SaveRoundTrip(t *testing.T) {
	cfg := DefaultDaemonConfig()
	cfg.WorktreeRoot = "/tmp/wt"
	cfg.OrchestratorToken = "tok"
	cfg.SourceRepos["api"] = "/src/api"
	cfg.SetConfigPath(filepath.Join(t.TempDir(), "nested", "daemon.toml"))

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := LoadDaemon(cfg.ConfigPath())
	if err != nil {
		t.Fatalf("LoadDaemon failed: %v", err)
	}
	if loaded.SourceRepos["api"] != "/src/api" || loaded.PollInterval != 10*time.Second {
		t.Errorf("round trip lost values: %+v", loaded)
	}
}
