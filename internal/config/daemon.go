package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DaemonConfig holds worker daemon configuration loaded from daemon.toml
type DaemonConfig struct {
	// Where per-task worktrees are created
	WorktreeRoot string `toml:"worktree_root"`

	// Repository name -> local clone used as the worktree source
	SourceRepos map[string]string `toml:"source_repos"`
	BaseBranch  string            `toml:"base_branch"`

	OrchestratorURL   string `toml:"orchestrator_url"`
	OrchestratorToken string `toml:"orchestrator_token"`

	GitLabURL   string `toml:"gitlab_url"`
	GitLabToken string `toml:"gitlab_token"`

	PollInterval     time.Duration `toml:"poll_interval"`
	ProgressInterval time.Duration `toml:"progress_interval"`

	OpenCode OpenCodeConfig `toml:"opencode"`

	// Optional Postgres URL enabling durable job execution
	DBOSDatabaseURL string `toml:"dbos_database_url,omitempty"`

	LogLevel string `toml:"log_level"`

	// File path where this config was loaded
	configPath string
}

// OpenCodeConfig locates the opencode agent the daemon drives. Setting
// Path runs the opencode binary per prompt instead of using the server.
type OpenCodeConfig struct {
	Hostname string        `toml:"hostname"`
	Port     int           `toml:"port"`
	Path     string        `toml:"path,omitempty"`
	Timeout  time.Duration `toml:"timeout,omitempty"`
}

// BaseURL returns the opencode server URL
func (o OpenCodeConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", o.Hostname, o.Port)
}

// DefaultDaemonConfigPath returns ~/.config/taskwatch/daemon.toml
func DefaultDaemonConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "taskwatch", "daemon.toml")
	}
	return filepath.Join(home, ".config", "taskwatch", "daemon.toml")
}

// DefaultDaemonConfig returns a daemon configuration with defaults filled in
func DefaultDaemonConfig() *DaemonConfig {
	return &DaemonConfig{
		WorktreeRoot:     "~/taskwatch/worktrees",
		SourceRepos:      map[string]string{},
		BaseBranch:       "develop",
		OrchestratorURL:  "http://localhost:8787",
		GitLabURL:        "https://gitlab.com",
		PollInterval:     10 * time.Second,
		ProgressInterval: 15 * time.Second,
		OpenCode: OpenCodeConfig{
			Hostname: "127.0.0.1",
			Port:     4096,
		},
		LogLevel: "info",
	}
}

// LoadDaemon reads the daemon configuration at path (the default path when
// empty), expands ~/ paths, resolves env:NAME values and validates it.
func LoadDaemon(path string) (*DaemonConfig, error) {
	if path == "" {
		path = DefaultDaemonConfigPath()
	}

	cfg := DefaultDaemonConfig()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s (run 'taskwatch init')", path)
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// resolve expands home-relative paths and env: indirections
func (c *DaemonConfig) resolve() error {
	c.WorktreeRoot = expandPath(c.WorktreeRoot)
	c.OpenCode.Path = expandPath(c.OpenCode.Path)
	for name, path := range c.SourceRepos {
		c.SourceRepos[name] = expandPath(path)
	}

	for _, field := range []struct {
		name  string
		value *string
	}{
		{"orchestrator_url", &c.OrchestratorURL},
		{"orchestrator_token", &c.OrchestratorToken},
		{"gitlab_token", &c.GitLabToken},
		{"dbos_database_url", &c.DBOSDatabaseURL},
	} {
		resolved, err := resolveEnvValue(*field.value)
		if err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
		*field.value = resolved
	}

	return nil
}

// Save writes the configuration to its path as TOML
func (c *DaemonConfig) Save() error {
	if c.configPath == "" {
		return fmt.Errorf("no config path set")
	}

	if err := os.MkdirAll(filepath.Dir(c.configPath), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	f, err := os.Create(c.configPath)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// SetConfigPath sets where Save writes the configuration
func (c *DaemonConfig) SetConfigPath(path string) {
	c.configPath = path
}

// ConfigPath returns the path to the config file
func (c *DaemonConfig) ConfigPath() string {
	return c.configPath
}

// Validate checks if the configuration is valid
func (c *DaemonConfig) Validate() error {
	var missing []string
	if c.WorktreeRoot == "" {
		missing = append(missing, "worktree_root")
	}
	if c.OrchestratorURL == "" {
		missing = append(missing, "orchestrator_url")
	}
	if c.OrchestratorToken == "" {
		missing = append(missing, "orchestrator_token")
	}
	if c.BaseBranch == "" {
		missing = append(missing, "base_branch")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	if c.PollInterval < time.Second {
		return fmt.Errorf("poll_interval must be at least 1s")
	}
	if c.ProgressInterval < time.Second {
		return fmt.Errorf("progress_interval must be at least 1s")
	}
	if c.OpenCode.Port < 1 || c.OpenCode.Port > 65535 {
		return fmt.Errorf("opencode.port must be between 1 and 65535")
	}
	return nil
}

// SourceRepo returns the local clone for a repository name
func (c *DaemonConfig) SourceRepo(name string) (string, error) {
	path, ok := c.SourceRepos[name]
	if !ok {
		return "", fmt.Errorf("no source repo configured for %s", name)
	}
	return path, nil
}

func expandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func resolveEnvValue(value string) (string, error) {
	name, ok := strings.CutPrefix(value, "env:")
	if !ok {
		return value, nil
	}
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("environment variable %s not set", name)
	}
	return v, nil
}
