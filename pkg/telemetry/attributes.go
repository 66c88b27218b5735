package telemetry

import "go.opentelemetry.io/otel/attribute"

// Semantic convention keys for TaskWatch-specific attributes
const (
	// Task attributes
	KeyTaskID         = "taskwatch.task.id"
	KeyTaskState      = "taskwatch.task.state"
	KeyTaskExternalID = "taskwatch.task.external_id"

	// Run attributes
	KeyRunID      = "taskwatch.run.id"
	KeyRunType    = "taskwatch.run.type"
	KeyRunStatus  = "taskwatch.run.status"
	KeyRunAttempt = "taskwatch.run.attempt"

	// Plan attributes
	KeyPlanID      = "taskwatch.plan.id"
	KeyPlanVersion = "taskwatch.plan.version"

	// Daemon attributes
	KeyDaemonID = "taskwatch.daemon.id"

	// Worktree attributes
	KeyWorktreePath = "taskwatch.worktree.path"
	KeyRepoName     = "taskwatch.repo.name"
	KeyBranchName   = "taskwatch.repo.branch"

	// Agent attributes
	KeyAgentType      = "taskwatch.agent.type"
	KeyAgentSessionID = "taskwatch.agent.session_id"

	// Merge request attributes
	KeyMergeRequestIID = "taskwatch.merge_request.iid"

	// Error attributes
	KeyErrorCategory = "taskwatch.error.category"
)

// Common attribute key values
const (
	AgentTypeOpenCode = "opencode"

	// Error categories
	ErrorCategoryAgent      = "agent"
	ErrorCategoryGit        = "git"
	ErrorCategoryWorktree   = "worktree"
	ErrorCategoryDatabase   = "database"
	ErrorCategoryValidation = "validation"
	ErrorCategoryUpstream   = "upstream"
	ErrorCategoryTimeout    = "timeout"
)

// TaskAttrs returns a set of attributes for a task
func TaskAttrs(id, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyTaskID, id),
		attribute.String(KeyTaskState, state),
	}
}

// RunAttrs returns a set of attributes for a run
func RunAttrs(taskID, runType string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyTaskID, taskID),
		attribute.String(KeyRunType, runType),
		attribute.Int(KeyRunAttempt, attempt),
	}
}

// RepoAttrs returns a set of attributes for a repository checkout
func RepoAttrs(repoName, branch string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyRepoName, repoName),
		attribute.String(KeyBranchName, branch),
	}
}
