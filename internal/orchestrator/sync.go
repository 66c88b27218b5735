package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cloud-shuttle/taskwatch/internal/events"
	"github.com/cloud-shuttle/taskwatch/pkg/telemetry"
	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

// TaskSource lists the provider tasks assigned to the configured user
type TaskSource interface {
	AssignedTasks(ctx context.Context) ([]types.ExternalTask, error)
}

// eligibleStatuses are provider statuses that keep a task in the pipeline
var eligibleStatuses = map[string]struct{}{
	"todo":        {},
	"to do":       {},
	"in progress": {},
}

// IsEligibleStatus reports whether a provider status is tracked
func IsEligibleStatus(status string) bool {
	_, ok := eligibleStatuses[strings.ToLower(strings.TrimSpace(status))]
	return ok
}

// SyncStats summarizes one sync pass
type SyncStats struct {
	Fetched  int `json:"fetched"`
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Reopened int `json:"reopened"`
	Skipped  int `json:"skipped"`
}

// Syncer mirrors provider tasks into the store
type Syncer struct {
	svc     *Service
	source  TaskSource
	ownerID string
}

// NewSyncer creates a syncer that upserts tasks for ownerID
func NewSyncer(svc *Service, source TaskSource, ownerID string) *Syncer {
	return &Syncer{svc: svc, source: source, ownerID: ownerID}
}

// Sync fetches assigned tasks and upserts the eligible ones. New tasks
// start NEW; existing tasks keep their local status except DONE tasks,
// which are re-opened.
func (y *Syncer) Sync(ctx context.Context) (stats SyncStats, err error) {
	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanTaskSync)
	defer func() { endSpan(span, err) }()

	external, err := y.source.AssignedTasks(ctx)
	if err != nil {
		return stats, fmt.Errorf("fetching provider tasks: %w: %w", types.ErrUpstream, err)
	}
	stats.Fetched = len(external)

	store := y.svc.store
	for _, ext := range external {
		if !IsEligibleStatus(ext.Status) {
			stats.Skipped++
			continue
		}

		task, created, err := store.UpsertTask(ctx, &types.Task{
			OwnerID:           y.ownerID,
			ExternalID:        ext.ID,
			Title:             ext.Title,
			Description:       ext.Description,
			URL:               ext.URL,
			ExternalStatus:    ext.Status,
			ExternalUpdatedAt: ext.UpdatedAt,
		})
		if err != nil {
			return stats, fmt.Errorf("upserting task %s: %w", ext.ID, err)
		}

		if created {
			stats.Created++
			y.svc.publish(ctx, events.EventTaskSynced, task.ID, "", map[string]any{"externalTaskId": ext.ID})
			continue
		}
		stats.Updated++

		if task.Status == types.TaskStatusDone {
			if _, err := store.TransitionTask(ctx, task.ID, types.TaskStatusNew, "reopened by provider sync",
				types.TaskStatusDone); err != nil {
				return stats, fmt.Errorf("reopening task %s: %w", task.ID, err)
			}
			stats.Reopened++
			y.svc.publishTransition(ctx, task.ID, types.TaskStatusDone, types.TaskStatusNew)
			y.svc.publish(ctx, events.EventTaskSynced, task.ID, "", map[string]any{
				"externalTaskId": ext.ID,
				"reopened":       true,
			})
		}
	}

	span.SetAttributes(
		attribute.Int("taskwatch.sync.fetched", stats.Fetched),
		attribute.Int("taskwatch.sync.created", stats.Created),
		attribute.Int("taskwatch.sync.reopened", stats.Reopened),
	)
	y.svc.logger.Info("provider sync finished", "fetched", stats.Fetched, "created", stats.Created,
		"updated", stats.Updated, "reopened", stats.Reopened, "skipped", stats.Skipped)
	return stats, nil
}
