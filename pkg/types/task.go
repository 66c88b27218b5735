// Package types defines core data structures for TaskWatch
package types

import "sort"

// TaskStatus represents the local workflow state of a task
type TaskStatus string

const (
	TaskStatusNew          TaskStatus = "NEW"
	TaskStatusPlanning     TaskStatus = "PLANNING"
	TaskStatusPlanReady    TaskStatus = "PLAN_READY"
	TaskStatusPlanRevision TaskStatus = "PLAN_REVISION"
	TaskStatusPlanApproved TaskStatus = "PLAN_APPROVED"
	TaskStatusImplementing TaskStatus = "IMPLEMENTING"
	TaskStatusPRReady      TaskStatus = "PR_READY"
	TaskStatusDone         TaskStatus = "DONE"
	TaskStatusBlocked      TaskStatus = "BLOCKED"
)

// AllTaskStatuses lists every task status in pipeline order
var AllTaskStatuses = []TaskStatus{
	TaskStatusNew,
	TaskStatusPlanning,
	TaskStatusPlanReady,
	TaskStatusPlanRevision,
	TaskStatusPlanApproved,
	TaskStatusImplementing,
	TaskStatusPRReady,
	TaskStatusDone,
	TaskStatusBlocked,
}

// Valid reports whether s is a known task status
func (s TaskStatus) Valid() bool {
	for _, known := range AllTaskStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Task is a unit of externally tracked work owned by one user
type Task struct {
	ID                string     `json:"id"`
	OwnerID           string     `json:"ownerId"`
	ExternalID        string     `json:"externalTaskId"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	URL               string     `json:"url"`
	ExternalStatus    string     `json:"externalStatus"`
	Status            TaskStatus `json:"status"`
	ExternalUpdatedAt int64      `json:"externalUpdatedAt"`
	CreatedAt         int64      `json:"createdAt"`
	UpdatedAt         int64      `json:"updatedAt"`
}

// TaskDetails is a task together with the records the dashboard needs
type TaskDetails struct {
	Task
	CurrentPlan   *Plan           `json:"currentPlan"`
	MergeRequests []*MergeRequest `json:"mergeRequests"`
	ActiveRun     *Run            `json:"activeRun"`
}

// TaskEvent is one recorded status transition of a task
type TaskEvent struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"taskId"`
	FromStatus TaskStatus `json:"fromStatus"`
	ToStatus   TaskStatus `json:"toStatus"`
	Reason     string     `json:"reason,omitempty"`
	CreatedAt  int64      `json:"createdAt"`
}

// PlanStatus represents the review state of a plan
type PlanStatus string

const (
	PlanStatusPending          PlanStatus = "PENDING"
	PlanStatusApproved         PlanStatus = "APPROVED"
	PlanStatusChangesRequested PlanStatus = "CHANGES_REQUESTED"
)

// FileChanges maps a repository name to the files expected to change in it
type FileChanges map[string][]string

// Repos returns the repository names in sorted order
func (fc FileChanges) Repos() []string {
	repos := make([]string, 0, len(fc))
	for repo := range fc {
		repos = append(repos, repo)
	}
	sort.Strings(repos)
	return repos
}

// Plan is a versioned proposal of a technical approach for a task
type Plan struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"taskId"`
	Version     int             `json:"version"`
	Assumptions string          `json:"assumptions"`
	Approach    string          `json:"approach"`
	FileChanges FileChanges     `json:"fileChanges"`
	Status      PlanStatus      `json:"status"`
	ApprovedAt  *int64          `json:"approvedAt"`
	CreatedAt   int64           `json:"createdAt"`
	Feedback    []*PlanFeedback `json:"feedback,omitempty"`
}

// PlanFeedback is one append-only review comment on a plan
type PlanFeedback struct {
	ID        string `json:"id"`
	PlanID    string `json:"planId"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}

// MergeRequestStatus mirrors the state of a code review on the VCS provider
type MergeRequestStatus string

const (
	MergeRequestStatusOpen   MergeRequestStatus = "OPEN"
	MergeRequestStatusMerged MergeRequestStatus = "MERGED"
	MergeRequestStatusClosed MergeRequestStatus = "CLOSED"
)

// MergeRequest is one merge request opened by an implementation run
type MergeRequest struct {
	ID         string             `json:"id"`
	TaskID     string             `json:"taskId"`
	RepoName   string             `json:"repoName"`
	BranchName string             `json:"branchName"`
	URL        string             `json:"mrUrl"`
	IID        int                `json:"mrIid"`
	Status     MergeRequestStatus `json:"status"`
	CreatedAt  int64              `json:"createdAt"`
	UpdatedAt  int64              `json:"updatedAt"`
}

// Worktree is a checkout the daemon created for a task and repository
type Worktree struct {
	ID         string `json:"id"`
	TaskID     string `json:"taskId"`
	RepoName   string `json:"repoName"`
	Path       string `json:"path"`
	BranchName string `json:"branchName"`
	CreatedAt  int64  `json:"createdAt"`
}

// DaemonStatus is the last heartbeat received from a worker daemon
type DaemonStatus struct {
	DaemonID      string `json:"daemonId"`
	Status        string `json:"status"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
	UpdatedAt     int64  `json:"updatedAt"`
}

// ExternalTask is a task as reported by the ticketing provider
type ExternalTask struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Status      string `json:"status"`
	UpdatedAt   int64  `json:"updatedAt"`
}
