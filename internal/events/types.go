// Package events provides in-process pub/sub for task and run lifecycle events
package events

import (
	"slices"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	// EventTaskStatusChanged is emitted on every task status transition
	EventTaskStatusChanged EventType = "task.status_changed"
	// EventTaskSynced is emitted when provider sync creates or reopens a task
	EventTaskSynced EventType = "task.synced"
	// EventPlanReady is emitted when a plan run produced a new plan version
	EventPlanReady EventType = "plan.ready"
	// EventPlanApproved is emitted when a user approves a plan
	EventPlanApproved EventType = "plan.approved"
	// EventRunQueued is emitted when a run is enqueued
	EventRunQueued EventType = "run.queued"
	// EventRunClaimed is emitted when a daemon claims a run
	EventRunClaimed EventType = "run.claimed"
	// EventRunSucceeded is emitted when a run completes
	EventRunSucceeded EventType = "run.succeeded"
	// EventRunFailed is emitted when a run fails or its result is rejected
	EventRunFailed EventType = "run.failed"
	// EventRunRequeued is emitted when the reaper returns an expired run to the queue
	EventRunRequeued EventType = "run.requeued"
	// EventPRReady is emitted when merge requests were opened for a task
	EventPRReady EventType = "task.pr_ready"
	// EventTaskDone is emitted when every merge request of a task merged
	EventTaskDone EventType = "task.done"
	// EventTaskBlocked is emitted when a task becomes BLOCKED
	EventTaskBlocked EventType = "task.blocked"
	// EventMergeRequestUpdated is emitted when a merge request changes state
	EventMergeRequestUpdated EventType = "merge_request.updated"
)

// Event represents a single lifecycle event
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp int64          `json:"timestamp"`
	TaskID    string         `json:"taskId,omitempty"`
	RunID     string         `json:"runId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType EventType, taskID, runID string, data map[string]any) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().Unix(),
		TaskID:    taskID,
		RunID:     runID,
		Data:      data,
	}
}

// Filter selects which events a subscription receives. The zero value
// matches everything.
type Filter struct {
	Types  []EventType `json:"types,omitempty"`
	TaskID string      `json:"taskId,omitempty"`
	Since  int64       `json:"since,omitempty"` // Unix timestamp
}

// Matches reports whether the event passes the filter
func (f Filter) Matches(event *Event) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, event.Type) {
		return false
	}
	if f.TaskID != "" && event.TaskID != f.TaskID {
		return false
	}
	if f.Since > 0 && event.Timestamp < f.Since {
		return false
	}
	return true
}
