package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

var (
	badgeBase = lipgloss.NewStyle().Bold(true).Padding(0, 1)

	badgeNeutral = badgeBase.Foreground(lipgloss.Color("252")).Background(lipgloss.Color("238"))
	badgeActive  = badgeBase.Foreground(lipgloss.Color("0")).Background(lipgloss.Color("39"))
	badgeReady   = badgeBase.Foreground(lipgloss.Color("0")).Background(lipgloss.Color("228"))
	badgeGood    = badgeBase.Foreground(lipgloss.Color("0")).Background(lipgloss.Color("42"))
	badgeBad     = badgeBase.Foreground(lipgloss.Color("255")).Background(lipgloss.Color("160"))

	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// badge renders a colored status label
func badge(status string) string {
	switch status {
	case string(types.TaskStatusPlanning), string(types.TaskStatusImplementing),
		string(types.RunStatusQueued), string(types.RunStatusRunning):
		return badgeActive.Render(status)
	case string(types.TaskStatusPlanReady), string(types.TaskStatusPRReady),
		string(types.PlanStatusPending), string(types.MergeRequestStatusOpen):
		return badgeReady.Render(status)
	case string(types.TaskStatusPlanApproved), string(types.TaskStatusDone),
		string(types.RunStatusSucceeded), string(types.MergeRequestStatusMerged),
		"online":
		return badgeGood.Render(status)
	case string(types.TaskStatusBlocked), string(types.RunStatusFailed),
		string(types.MergeRequestStatusClosed), "offline":
		return badgeBad.Render(status)
	}
	return badgeNeutral.Render(status)
}

// emit writes v as JSON or YAML when requested and reports whether it did;
// table output is left to the caller
func emit(v any) (bool, error) {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		// Round trip through JSON so YAML keys match the API field names
		data, err := json.Marshal(v)
		if err != nil {
			return true, err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return true, err
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return true, err
		}
		_, err = os.Stdout.Write(out)
		return true, err
	case "table", "":
		return false, nil
	}
	return true, fmt.Errorf("unknown output format %q (want table, json or yaml)", outputFormat)
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func heading(s string) {
	fmt.Println(headingStyle.Render(s))
}

func formatTime(unix int64) string {
	if unix == 0 {
		return "-"
	}
	return time.Unix(unix, 0).Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
