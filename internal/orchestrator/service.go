// Package orchestrator drives tasks through the plan, approve, implement and
// merge pipeline and serves the job protocol used by worker daemons.
//
// Every operation that changes more than one record runs in a single store
// transaction; events are published only after the transaction commits.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloud-shuttle/taskwatch/internal/config"
	"github.com/cloud-shuttle/taskwatch/internal/db"
	"github.com/cloud-shuttle/taskwatch/internal/events"
	"github.com/cloud-shuttle/taskwatch/pkg/telemetry"
	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

// CommentSource supplies provider comments for a task's PLAN payload
type CommentSource interface {
	TaskComments(ctx context.Context, externalTaskID string) ([]string, error)
}

// Options tunes run leases and daemon liveness
type Options struct {
	LeaseDuration      time.Duration
	RequeueExpired     bool
	MaxRunAttempts     int
	DaemonOnlineWindow time.Duration
}

// DefaultOptions returns the lease settings used when none are configured
func DefaultOptions() Options {
	return Options{
		LeaseDuration:      10 * time.Minute,
		MaxRunAttempts:     3,
		DaemonOnlineWindow: 30 * time.Second,
	}
}

// OptionsFromConfig extracts service options from the service config
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		LeaseDuration:      cfg.LeaseDuration,
		RequeueExpired:     cfg.RequeueExpired,
		MaxRunAttempts:     cfg.MaxRunAttempts,
		DaemonOnlineWindow: cfg.DaemonOnlineWindow,
	}
}

// Service is the orchestrator: task actions, the daemon job protocol, the
// merge request webhook and the lease reaper.
type Service struct {
	store    *db.Store
	opts     Options
	bus      *events.Bus
	comments CommentSource
	logger   *log.Logger
	now      func() time.Time
}

// New creates a service over store
func New(store *db.Store, opts Options) *Service {
	defaults := DefaultOptions()
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = defaults.LeaseDuration
	}
	if opts.MaxRunAttempts < 1 {
		opts.MaxRunAttempts = defaults.MaxRunAttempts
	}
	if opts.DaemonOnlineWindow <= 0 {
		opts.DaemonOnlineWindow = defaults.DaemonOnlineWindow
	}

	return &Service{
		store:  store,
		opts:   opts,
		logger: log.New(io.Discard),
		now:    time.Now,
	}
}

// SetLogger sets the logger
func (s *Service) SetLogger(logger *log.Logger) {
	s.logger = logger
}

// SetEventBus sets where lifecycle events are published
func (s *Service) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// SetCommentSource sets the provider used for PLAN payload comments
func (s *Service) SetCommentSource(source CommentSource) {
	s.comments = source
}

// SetClock overrides the time source used for leases and timestamps
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Store returns the underlying store
func (s *Service) Store() *db.Store {
	return s.store
}

func (s *Service) nowUnix() int64 {
	return s.now().Unix()
}

func (s *Service) leaseExpiry() int64 {
	return s.now().Add(s.opts.LeaseDuration).Unix()
}

// publish emits an event if a bus is attached. Delivery is best effort.
func (s *Service) publish(ctx context.Context, eventType events.EventType, taskID, runID string, data map[string]any) {
	if s.bus == nil {
		return
	}
	ev := events.NewEvent(eventType, taskID, runID, data)
	ev.Timestamp = s.nowUnix()
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Debug("event not published", "type", eventType, "err", err)
	}
}

func (s *Service) publishTransition(ctx context.Context, taskID string, from, to types.TaskStatus) {
	s.publish(ctx, events.EventTaskStatusChanged, taskID, "", map[string]any{
		"from": string(from),
		"to":   string(to),
	})
}

// blockTask moves a task to BLOCKED unless it is already BLOCKED or DONE.
// Returns the previous status and whether the task changed.
func blockTask(ctx context.Context, tx *db.Store, taskID, reason string) (types.TaskStatus, bool, error) {
	task, err := tx.GetTask(ctx, taskID)
	if err != nil {
		return "", false, err
	}
	if task.Status == types.TaskStatusBlocked || task.Status == types.TaskStatusDone {
		return task.Status, false, nil
	}
	prev, err := tx.TransitionTask(ctx, taskID, types.TaskStatusBlocked, reason)
	if err != nil {
		return prev, false, err
	}
	return prev, true, nil
}

// endSpan records err on span with a category derived from the taxonomy
func endSpan(span trace.Span, err error) {
	telemetry.RecordErrorWithStatus(span, err, telemetry.ErrorTypeFromError(err), errorCategory(err))
	span.End()
}

func errorCategory(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, types.ErrValidation):
		return telemetry.ErrorCategoryValidation
	case errors.Is(err, types.ErrUpstream):
		return telemetry.ErrorCategoryUpstream
	case errors.Is(err, context.DeadlineExceeded):
		return telemetry.ErrorCategoryTimeout
	default:
		return telemetry.ErrorCategoryDatabase
	}
}

func requireField(subject, field, value string) error {
	if value == "" {
		return types.NewValidationError(subject, []string{fmt.Sprintf("%s is required", field)})
	}
	return nil
}
