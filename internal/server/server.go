// Package server exposes the orchestrator over HTTP: the daemon job
// protocol under /internal, task actions and reads under /api, the GitLab
// merge request webhook and a websocket event stream.
package server

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/cloud-shuttle/taskwatch/internal/config"
	"github.com/cloud-shuttle/taskwatch/internal/events"
	"github.com/cloud-shuttle/taskwatch/internal/orchestrator"
)

// Version is reported by the health endpoint
const Version = "0.1.0"

// Options configures the HTTP surface
type Options struct {
	ListenAddr          string
	DaemonToken         string
	APIToken            string
	GitLabWebhookSecret string
	OwnerID             string
	// Requests per minute per client on /api; zero disables limiting
	RateLimit int
}

// OptionsFromConfig extracts server options from the service config
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ListenAddr:          cfg.ListenAddr,
		DaemonToken:         cfg.DaemonToken,
		APIToken:            cfg.APIToken,
		GitLabWebhookSecret: cfg.GitLabWebhookSecret,
		OwnerID:             cfg.OwnerID,
		RateLimit:           cfg.RateLimit,
	}
}

// Server is the TaskWatch HTTP server
type Server struct {
	opts         Options
	svc          *orchestrator.Service
	syncer       *orchestrator.Syncer
	bus          *events.Bus
	logger       *log.Logger
	limiter      *RateLimiter
	upgrader     websocket.Upgrader
	server       *http.Server
	started      time.Time
	requestCount atomic.Int64
}

// New creates a server for svc
func New(svc *orchestrator.Service, opts Options) *Server {
	return &Server{
		opts:    opts,
		svc:     svc,
		logger:  log.New(io.Discard),
		limiter: NewRateLimiter(opts.RateLimit),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		server: &http.Server{
			Addr:              opts.ListenAddr,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       time.Minute,
			WriteTimeout:      time.Minute,
			IdleTimeout:       2 * time.Minute,
		},
		started: time.Now(),
	}
}

// SetLogger sets the logger
func (s *Server) SetLogger(logger *log.Logger) {
	s.logger = logger
}

// SetEventBus enables the /api/events stream
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// SetSyncer enables POST /api/sync
func (s *Server) SetSyncer(syncer *orchestrator.Syncer) {
	s.syncer = syncer
}

// Handler builds the routed, middleware-wrapped handler
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)

	internal := router.PathPrefix("/internal").Subrouter()
	internal.Use(s.bearerAuth(s.opts.DaemonToken, false))
	internal.HandleFunc("/jobs/poll", s.handlePoll).Methods(http.MethodGet)
	internal.HandleFunc("/jobs/{id}/claim", s.handleClaim).Methods(http.MethodPost)
	internal.HandleFunc("/jobs/{id}/progress", s.handleProgress).Methods(http.MethodPost)
	internal.HandleFunc("/jobs/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	internal.HandleFunc("/jobs/{id}/fail", s.handleFail).Methods(http.MethodPost)
	internal.HandleFunc("/worktrees", s.handleRegisterWorktree).Methods(http.MethodPost)
	internal.HandleFunc("/worktrees/{id}", s.handleDeleteWorktree).Methods(http.MethodDelete)
	internal.HandleFunc("/daemon/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(s.bearerAuth(s.opts.APIToken, true))
	api.Use(s.limiter.Middleware)
	api.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/plans", s.handleListPlans).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/runs", s.handleListRuns).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/merge-requests", s.handleListMergeRequests).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/events", s.handleTaskEvents).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/plan/generate", s.handleGeneratePlan).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/implement", s.handleImplement).Methods(http.MethodPost)
	api.HandleFunc("/plans/{id}", s.handleGetPlan).Methods(http.MethodGet)
	api.HandleFunc("/plans/{id}/feedback", s.handleFeedback).Methods(http.MethodPost)
	api.HandleFunc("/plans/{id}/approve", s.handleApprove).Methods(http.MethodPost)
	api.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	api.HandleFunc("/worktrees", s.handleListWorktrees).Methods(http.MethodGet)
	api.HandleFunc("/worktrees/{id}", s.handleDeleteWorktree).Methods(http.MethodDelete)
	api.HandleFunc("/daemon/status", s.handleDaemonStatus).Methods(http.MethodGet)
	api.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	router.HandleFunc("/webhooks/gitlab", s.handleGitLabWebhook).Methods(http.MethodPost)

	var handler http.Handler = router
	handler = s.loggingMiddleware(handler)
	return handler
}

// ListenAndServe serves until Shutdown is called. A server shut down
// before it started returns immediately.
func (s *Server) ListenAndServe() error {
	s.server.Handler = s.Handler()

	if s.opts.DaemonToken == "" {
		s.logger.Warn("no daemon token configured, /internal rejects every request")
	}
	if s.opts.APIToken == "" {
		s.logger.Warn("no API token configured, /api rejects every request")
	}
	s.logger.Info("listening", "addr", s.opts.ListenAddr)

	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  Version,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"requests": s.requestCount.Load(),
	})
}
