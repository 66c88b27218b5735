// Package telemetry provides OpenTelemetry observability for TaskWatch
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer returns the TaskWatch tracer from the current global provider
func tracer() trace.Tracer {
	return otel.Tracer("taskwatch")
}

// Span names for TaskWatch operations
const (
	// Queue spans
	SpanRunEnqueue  = "taskwatch.run.enqueue"
	SpanRunPoll     = "taskwatch.run.poll"
	SpanRunClaim    = "taskwatch.run.claim"
	SpanRunProgress = "taskwatch.run.progress"
	SpanRunComplete = "taskwatch.run.complete"
	SpanRunFail     = "taskwatch.run.fail"
	SpanRunReap     = "taskwatch.run.reap"

	// Task spans
	SpanTaskTransition = "taskwatch.task.transition"
	SpanTaskSync       = "taskwatch.task.sync"

	// Daemon spans
	SpanDaemonPoll = "taskwatch.daemon.poll"
	SpanDaemonJob  = "taskwatch.daemon.job"

	// Agent spans
	SpanAgentSession = "taskwatch.agent.session"
	SpanAgentPrompt  = "taskwatch.agent.prompt"

	// Git spans
	SpanWorktreeCreate = "taskwatch.worktree.create"
	SpanWorktreeRemove = "taskwatch.worktree.remove"
	SpanGitCommit      = "taskwatch.git.commit"
	SpanGitPush        = "taskwatch.git.push"

	// Merge request spans
	SpanMergeRequestCreate = "taskwatch.merge_request.create"
	SpanMergeRequestUpdate = "taskwatch.merge_request.update"
)

// StartRunSpan starts a span for a queue operation on a run
func StartRunSpan(ctx context.Context, name, runID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(KeyRunID, runID))
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartTaskSpan starts a span for a task operation with task attributes
func StartTaskSpan(ctx context.Context, name string, taskAttrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, trace.WithAttributes(taskAttrs...))
}

// StartDaemonSpan starts a span for a daemon operation
func StartDaemonSpan(ctx context.Context, name string, daemonID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(KeyDaemonID, daemonID))
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartAgentSpan starts a span for a coding agent call
func StartAgentSpan(ctx context.Context, name, sessionID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String(KeyAgentType, AgentTypeOpenCode),
		attribute.String(KeyAgentSessionID, sessionID),
	)
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartWorktreeSpan starts a span for worktree operations
func StartWorktreeSpan(ctx context.Context, name, worktreePath string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(KeyWorktreePath, worktreePath))
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError records an error on a span with optional error type/category
func RecordError(span trace.Span, err error, errorType, errorCategory string) {
	if err == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("exception.message", err.Error()),
		attribute.String("exception.type", errorType),
	}

	if errorCategory != "" {
		attrs = append(attrs, attribute.String(KeyErrorCategory, errorCategory))
	}

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}

// RecordErrorWithStatus records an error and sets span status
func RecordErrorWithStatus(span trace.Span, err error, errorType, errorCategory string) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}

	RecordError(span, err, errorType, errorCategory)
}

// SetTaskStatus sets the task status as a span attribute
func SetTaskStatus(span trace.Span, status string) {
	span.SetAttributes(attribute.String(KeyTaskState, status))
}

// SetRunStatus sets the run status as a span attribute
func SetRunStatus(span trace.Span, status string) {
	span.SetAttributes(attribute.String(KeyRunStatus, status))
}

// GetTraceID returns the trace ID from context if available
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// ErrorTypeFromError extracts a human-readable error type
func ErrorTypeFromError(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%T", err)
}
