package opencode

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

// BuildPlanPrompt asks the agent for a plan in a fenced JSON block. A
// previous plan and its feedback are included for revisions.
func BuildPlanPrompt(p *types.PlanPayload) string {
	var b strings.Builder

	b.WriteString("Analyze the following ClickUp task and create a technical implementation plan.\n\n")
	fmt.Fprintf(&b, "## Task: %s\n\n", p.Task.Title)

	b.WriteString("### Description\n")
	b.WriteString(orDefault(p.Task.Description, "No description provided."))
	b.WriteString("\n\n### Comments\n")
	if len(p.Task.Comments) > 0 {
		b.WriteString(strings.Join(p.Task.Comments, "\n\n"))
	} else {
		b.WriteString("No comments.")
	}
	b.WriteString("\n\n### ClickUp URL\n")
	b.WriteString(p.Task.URL)
	b.WriteString("\n")

	if prev := p.PreviousPlan; prev != nil {
		b.WriteString("\n## Previous Plan (Revision Requested)\n\n")
		fmt.Fprintf(&b, "### Previous Assumptions\n%s\n\n", prev.Assumptions)
		fmt.Fprintf(&b, "### Previous Approach\n%s\n\n", prev.Approach)
		fmt.Fprintf(&b, "### Feedback to Address\n%s\n\n", prev.Feedback)
		b.WriteString("Please revise the plan based on the feedback above.\n")
	}

	b.WriteString(`
## Instructions

Create a plan with:
1. **Assumptions** - List any assumptions you're making about requirements or implementation
2. **Approach** - Describe the technical approach step by step
3. **File Changes** - List expected file modifications per repository

Format your response as JSON:
` + "```json" + `
{
  "assumptions": "markdown text",
  "approach": "markdown text",
  "fileChanges": {
    "repo-name": ["path/to/file1.ts", "path/to/file2.ts"]
  }
}
` + "```\n")

	return b.String()
}

// BuildImplementPrompt asks the agent to carry out an approved plan in the
// given per-repository working directories
func BuildImplementPrompt(p *types.ImplementPayload, repoPaths map[string]string) string {
	var b strings.Builder

	b.WriteString("Implement the following approved plan.\n\n## Working Directories\n")
	repos := make([]string, 0, len(repoPaths))
	for repo := range repoPaths {
		repos = append(repos, repo)
	}
	sort.Strings(repos)
	for _, repo := range repos {
		fmt.Fprintf(&b, "- ./%s (%s)\n", repo, repoPaths[repo])
	}

	b.WriteString("\n## Plan\n\n")
	fmt.Fprintf(&b, "### Assumptions\n%s\n\n", p.Plan.Assumptions)
	fmt.Fprintf(&b, "### Approach\n%s\n\n", p.Plan.Approach)

	b.WriteString("### Expected File Changes\n")
	sections := make([]string, 0, len(p.Plan.FileChanges))
	for _, repo := range p.Plan.FileChanges.Repos() {
		var s strings.Builder
		fmt.Fprintf(&s, "### %s", repo)
		for _, f := range p.Plan.FileChanges[repo] {
			fmt.Fprintf(&s, "\n- %s", f)
		}
		sections = append(sections, s.String())
	}
	b.WriteString(strings.Join(sections, "\n\n"))

	b.WriteString(`

## Instructions

1. Implement all changes described in the plan
2. Run any available tests before completing
3. If you encounter issues, describe what's blocking

When complete, summarize what was implemented.
`)
	return b.String()
}

var jsonBlock = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

// ParsePlanResponse extracts the plan from the first ```json block of an
// agent response. Missing fields default to empty values.
func ParsePlanResponse(response string) (*types.PlanResult, error) {
	m := jsonBlock.FindStringSubmatch(response)
	if m == nil {
		return nil, fmt.Errorf("could not parse plan response: no JSON block found")
	}

	var parsed struct {
		Assumptions string              `json:"assumptions"`
		Approach    string              `json:"approach"`
		FileChanges map[string][]string `json:"fileChanges"`
	}
	if err := json.Unmarshal([]byte(m[1]), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse plan JSON: %w", err)
	}

	result := &types.PlanResult{
		Assumptions: parsed.Assumptions,
		Approach:    parsed.Approach,
		FileChanges: types.FileChanges{},
	}
	for repo, files := range parsed.FileChanges {
		if files == nil {
			files = []string{}
		}
		result.FileChanges[repo] = files
	}
	return result, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
