// Package config handles TaskWatch configuration
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds orchestrator service configuration
type Config struct {
	// Database settings
	DBPath   string
	DBDriver string // "sqlite3" (mattn, default) or "sqlite" (pure Go)

	// HTTP settings
	ListenAddr          string
	DaemonToken         string // bearer token for /internal routes
	APIToken            string // bearer token for /api routes
	GitLabWebhookSecret string // expected X-Gitlab-Token value
	RateLimit           int    // /api requests per minute per client, 0 disables

	// Queue settings
	LeaseDuration      time.Duration
	ReapInterval       time.Duration
	RequeueExpired     bool
	MaxRunAttempts     int
	DaemonOnlineWindow time.Duration

	// Provider sync settings
	SyncSchedule   string // cron spec, empty disables
	ClickUpToken   string
	ClickUpTeamID  string
	ClickUpUserID  string
	ClickUpBaseURL string
	OwnerID        string

	// Outbound notifications
	WebhookURLs   []string
	WebhookSecret string

	// Observability
	LogLevel string
	Trace    bool
}

// Load loads configuration from environment and defaults
func Load() (*Config, error) {
	cfg := &Config{
		DBPath:             defaultDBPath(),
		DBDriver:           "sqlite3",
		ListenAddr:         ":8787",
		RateLimit:          600,
		LeaseDuration:      10 * time.Minute,
		ReapInterval:       30 * time.Second,
		RequeueExpired:     false,
		MaxRunAttempts:     3,
		DaemonOnlineWindow: 30 * time.Second,
		SyncSchedule:       "@every 5m",
		ClickUpBaseURL:     "https://api.clickup.com/api/v2",
		OwnerID:            "default",
		LogLevel:           "info",
	}

	// Environment overrides
	if v := os.Getenv("TASKWATCH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TASKWATCH_DB_DRIVER"); v != "" {
		cfg.DBDriver = v
	}
	if v := os.Getenv("TASKWATCH_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("TASKWATCH_DAEMON_TOKEN"); v != "" {
		cfg.DaemonToken = v
	}
	if v := os.Getenv("TASKWATCH_API_TOKEN"); v != "" {
		cfg.APIToken = v
	}
	if v := os.Getenv("TASKWATCH_GITLAB_WEBHOOK_SECRET"); v != "" {
		cfg.GitLabWebhookSecret = v
	}
	if v := os.Getenv("TASKWATCH_RATE_LIMIT"); v != "" {
		cfg.RateLimit = parseIntOrDefault(v, 600)
	}
	if v := os.Getenv("TASKWATCH_LEASE_DURATION"); v != "" {
		cfg.LeaseDuration = parseDurationOrDefault(v, 10*time.Minute)
	}
	if v := os.Getenv("TASKWATCH_REAP_INTERVAL"); v != "" {
		cfg.ReapInterval = parseDurationOrDefault(v, 30*time.Second)
	}
	if v := os.Getenv("TASKWATCH_REQUEUE_EXPIRED"); v != "" {
		cfg.RequeueExpired = parseBoolOrDefault(v, false)
	}
	if v := os.Getenv("TASKWATCH_MAX_RUN_ATTEMPTS"); v != "" {
		cfg.MaxRunAttempts = parseIntOrDefault(v, 3)
	}
	if v := os.Getenv("TASKWATCH_DAEMON_ONLINE_WINDOW"); v != "" {
		cfg.DaemonOnlineWindow = parseDurationOrDefault(v, 30*time.Second)
	}
	if v, ok := os.LookupEnv("TASKWATCH_SYNC_SCHEDULE"); ok {
		cfg.SyncSchedule = v
	}
	if v := os.Getenv("TASKWATCH_CLICKUP_TOKEN"); v != "" {
		cfg.ClickUpToken = v
	}
	if v := os.Getenv("TASKWATCH_CLICKUP_TEAM_ID"); v != "" {
		cfg.ClickUpTeamID = v
	}
	if v := os.Getenv("TASKWATCH_CLICKUP_USER_ID"); v != "" {
		cfg.ClickUpUserID = v
	}
	if v := os.Getenv("TASKWATCH_CLICKUP_BASE_URL"); v != "" {
		cfg.ClickUpBaseURL = v
	}
	if v := os.Getenv("TASKWATCH_OWNER_ID"); v != "" {
		cfg.OwnerID = v
	}
	if v := os.Getenv("TASKWATCH_WEBHOOK_URLS"); v != "" {
		cfg.WebhookURLs = splitList(v)
	}
	if v := os.Getenv("TASKWATCH_WEBHOOK_SECRET"); v != "" {
		cfg.WebhookSecret = v
	}
	if v := os.Getenv("TASKWATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TASKWATCH_TRACE"); v != "" {
		cfg.Trace = parseBoolOrDefault(v, false)
	}

	if cfg.MaxRunAttempts < 1 {
		return nil, fmt.Errorf("TASKWATCH_MAX_RUN_ATTEMPTS must be at least 1")
	}
	if cfg.LeaseDuration <= 0 {
		return nil, fmt.Errorf("TASKWATCH_LEASE_DURATION must be positive")
	}

	return cfg, nil
}

// SyncEnabled reports whether provider sync has enough settings to run
func (c *Config) SyncEnabled() bool {
	return c.ClickUpToken != "" && c.ClickUpTeamID != "" && c.ClickUpUserID != ""
}

// defaultDBPath returns the SQLite file in the working directory
func defaultDBPath() string {
	dir, err := os.Getwd()
	if err != nil {
		return filepath.Join(".taskwatch", "taskwatch.db")
	}
	return filepath.Join(dir, ".taskwatch", "taskwatch.db")
}

func parseIntOrDefault(s string, def int) int {
	var i int
	if _, err := fmt.Sscanf(s, "%d", &i); err != nil {
		return def
	}
	return i
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func parseBoolOrDefault(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
