package types

// RunType identifies the kind of work a run performs
type RunType string

const (
	RunTypePlan      RunType = "PLAN"
	RunTypeImplement RunType = "IMPLEMENT"
)

// RunStatus represents the lifecycle state of a queued unit of work
type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
)

// IsActive reports whether the run still occupies its task's single active slot
func (s RunStatus) IsActive() bool {
	return s == RunStatusQueued || s == RunStatusRunning
}

// IsTerminal reports whether the run has finished
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// Run is the job queue's record of one unit of work for a task
type Run struct {
	ID             string    `json:"id"`
	TaskID         string    `json:"taskId"`
	Type           RunType   `json:"type"`
	Status         RunStatus `json:"status"`
	StartedAt      int64     `json:"startedAt"`
	FinishedAt     *int64    `json:"finishedAt"`
	Logs           string    `json:"logs"`
	ErrorSummary   string    `json:"errorSummary,omitempty"`
	ClaimedBy      string    `json:"claimedBy,omitempty"`
	LeaseExpiresAt *int64    `json:"leaseExpiresAt,omitempty"`
	Attempts       int       `json:"attempts"`
}

// JobType returns the wire discriminator for the run's type
func (r *Run) JobType() JobType {
	if r.Type == RunTypeImplement {
		return JobTypeImplement
	}
	return JobTypePlan
}
