package types

import (
	"encoding/json"
	"fmt"
)

// JobType is the wire discriminator of a polled job
type JobType string

const (
	JobTypePlan      JobType = "plan"
	JobTypeImplement JobType = "implement"
)

// Job is one unit of work handed to a daemon. Exactly one of Plan or
// Implement is set, matching Type.
type Job struct {
	ID        string
	Type      JobType
	Plan      *PlanPayload
	Implement *ImplementPayload
}

// PlanTaskInfo is the task context a planning agent works from
type PlanTaskInfo struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Comments    []string `json:"comments"`
	URL         string   `json:"clickupUrl"`
}

// PreviousPlan grounds a revision in the last plan and the feedback it received
type PreviousPlan struct {
	Assumptions string `json:"assumptions"`
	Approach    string `json:"approach"`
	Feedback    string `json:"feedback"`
}

// PlanPayload is the payload of a plan job
type PlanPayload struct {
	TaskID       string        `json:"taskId"`
	Task         PlanTaskInfo  `json:"task"`
	PreviousPlan *PreviousPlan `json:"previousPlan,omitempty"`
}

// ApprovedPlan is the plan content an implementation job executes
type ApprovedPlan struct {
	Assumptions string      `json:"assumptions"`
	Approach    string      `json:"approach"`
	FileChanges FileChanges `json:"fileChanges"`
}

// ImplementPayload is the payload of an implement job
type ImplementPayload struct {
	TaskID string       `json:"taskId"`
	Title  string       `json:"title,omitempty"`
	Plan   ApprovedPlan `json:"plan"`
	Repos  []string     `json:"repos"`
}

// NewPlanJob builds a plan job for a run
func NewPlanJob(runID string, payload PlanPayload) *Job {
	return &Job{ID: runID, Type: JobTypePlan, Plan: &payload}
}

// NewImplementJob builds an implement job for a run
func NewImplementJob(runID string, payload ImplementPayload) *Job {
	return &Job{ID: runID, Type: JobTypeImplement, Implement: &payload}
}

// TaskID returns the task the job belongs to
func (j *Job) TaskID() string {
	switch {
	case j.Plan != nil:
		return j.Plan.TaskID
	case j.Implement != nil:
		return j.Implement.TaskID
	}
	return ""
}

type jobEnvelope struct {
	ID      string          `json:"id"`
	Type    JobType         `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the job as {id, type, payload}
func (j Job) MarshalJSON() ([]byte, error) {
	var payload any
	switch j.Type {
	case JobTypePlan:
		if j.Plan == nil {
			return nil, fmt.Errorf("plan job %s has no payload", j.ID)
		}
		payload = j.Plan
	case JobTypeImplement:
		if j.Implement == nil {
			return nil, fmt.Errorf("implement job %s has no payload", j.ID)
		}
		payload = j.Implement
	default:
		return nil, fmt.Errorf("unknown job type %q", j.Type)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding job payload: %w", err)
	}
	return json.Marshal(jobEnvelope{ID: j.ID, Type: j.Type, Payload: raw})
}

// UnmarshalJSON decodes {id, type, payload}, interpreting payload by type
func (j *Job) UnmarshalJSON(data []byte) error {
	var env jobEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	*j = Job{ID: env.ID, Type: env.Type}
	switch env.Type {
	case JobTypePlan:
		j.Plan = &PlanPayload{}
		if err := json.Unmarshal(env.Payload, j.Plan); err != nil {
			return fmt.Errorf("decoding plan payload: %w", err)
		}
	case JobTypeImplement:
		j.Implement = &ImplementPayload{}
		if err := json.Unmarshal(env.Payload, j.Implement); err != nil {
			return fmt.Errorf("decoding implement payload: %w", err)
		}
	default:
		return fmt.Errorf("unknown job type %q", env.Type)
	}
	return nil
}
