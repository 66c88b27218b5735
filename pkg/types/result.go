package types

import (
	"encoding/json"
	"fmt"
)

// PlanResult is what a daemon reports when a plan job succeeds
type PlanResult struct {
	Assumptions string      `json:"assumptions"`
	Approach    string      `json:"approach"`
	FileChanges FileChanges `json:"fileChanges"`
}

// CommitInfo describes one commit pushed by an implement job
type CommitInfo struct {
	RepoName   string `json:"repoName"`
	CommitHash string `json:"commitHash"`
	Message    string `json:"message"`
}

// MergeRequestInfo describes one merge request opened by an implement job
type MergeRequestInfo struct {
	RepoName   string `json:"repoName"`
	MRURL      string `json:"mrUrl"`
	MRIID      int    `json:"mrIid"`
	BranchName string `json:"branchName,omitempty"`
}

// ImplementResult is what a daemon reports when an implement job succeeds
type ImplementResult struct {
	Commits       []CommitInfo       `json:"commits"`
	MergeRequests []MergeRequestInfo `json:"mergeRequests"`
}

type rawPlanResult struct {
	Assumptions *string              `json:"assumptions"`
	Approach    *string              `json:"approach"`
	FileChanges *map[string][]string `json:"fileChanges"`
}

type rawCommit struct {
	RepoName   *string `json:"repoName"`
	CommitHash *string `json:"commitHash"`
	Message    *string `json:"message"`
}

type rawMergeRequest struct {
	RepoName   *string `json:"repoName"`
	MRURL      *string `json:"mrUrl"`
	MRIID      *int    `json:"mrIid"`
	BranchName string  `json:"branchName"`
}

type rawImplementResult struct {
	Commits       *[]rawCommit       `json:"commits"`
	MergeRequests *[]rawMergeRequest `json:"mergeRequests"`
}

// DecodePlanResult parses and validates a plan result body. Unknown fields
// are ignored; every schema field is required.
func DecodePlanResult(data json.RawMessage) (*PlanResult, error) {
	if isEmptyJSON(data) {
		return nil, NewValidationError("PLAN result", []string{"result is required"})
	}

	var raw rawPlanResult
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, NewValidationError("PLAN result", []string{err.Error()})
	}

	var problems []string
	if raw.Assumptions == nil {
		problems = append(problems, "assumptions is required")
	}
	if raw.Approach == nil {
		problems = append(problems, "approach is required")
	}
	if raw.FileChanges == nil || *raw.FileChanges == nil {
		problems = append(problems, "fileChanges is required")
	} else {
		for repo, files := range *raw.FileChanges {
			if files == nil {
				problems = append(problems, fmt.Sprintf("fileChanges.%s must be a list", repo))
			}
		}
	}
	if err := NewValidationError("PLAN result", problems); err != nil {
		return nil, err
	}

	return &PlanResult{
		Assumptions: *raw.Assumptions,
		Approach:    *raw.Approach,
		FileChanges: FileChanges(*raw.FileChanges),
	}, nil
}

// DecodeImplementResult parses and validates an implement result body
func DecodeImplementResult(data json.RawMessage) (*ImplementResult, error) {
	if isEmptyJSON(data) {
		return nil, NewValidationError("IMPLEMENT result", []string{"result is required"})
	}

	var raw rawImplementResult
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, NewValidationError("IMPLEMENT result", []string{err.Error()})
	}

	var problems []string
	if raw.Commits == nil {
		problems = append(problems, "commits is required")
	}
	if raw.MergeRequests == nil {
		problems = append(problems, "mergeRequests is required")
	}
	if len(problems) > 0 {
		return nil, NewValidationError("IMPLEMENT result", problems)
	}

	result := &ImplementResult{
		Commits:       make([]CommitInfo, 0, len(*raw.Commits)),
		MergeRequests: make([]MergeRequestInfo, 0, len(*raw.MergeRequests)),
	}
	for i, c := range *raw.Commits {
		if c.RepoName == nil || c.CommitHash == nil || c.Message == nil {
			problems = append(problems, fmt.Sprintf("commits[%d] requires repoName, commitHash and message", i))
			continue
		}
		result.Commits = append(result.Commits, CommitInfo{
			RepoName:   *c.RepoName,
			CommitHash: *c.CommitHash,
			Message:    *c.Message,
		})
	}
	for i, mr := range *raw.MergeRequests {
		if mr.RepoName == nil || mr.MRURL == nil || mr.MRIID == nil {
			problems = append(problems, fmt.Sprintf("mergeRequests[%d] requires repoName, mrUrl and mrIid", i))
			continue
		}
		result.MergeRequests = append(result.MergeRequests, MergeRequestInfo{
			RepoName:   *mr.RepoName,
			MRURL:      *mr.MRURL,
			MRIID:      *mr.MRIID,
			BranchName: mr.BranchName,
		})
	}
	if err := NewValidationError("IMPLEMENT result", problems); err != nil {
		return nil, err
	}
	return result, nil
}

func isEmptyJSON(data json.RawMessage) bool {
	return len(data) == 0 || string(data) == "null"
}
