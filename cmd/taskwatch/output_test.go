package main

import (
	"strings"
	"testing"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"a much longer title", 10, "a much ..."},
		{"line one\nline two", 20, "line one line two"},
	}

	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestBadge(t *testing.T) {
	for _, status := range []string{"PLAN_READY", "RUNNING", "FAILED", "online", "SOMETHING_ELSE"} {
		if got := badge(status); !strings.Contains(got, status) {
			t.Errorf("badge(%q) = %q, missing label", status, got)
		}
	}
}

func TestEmit_Formats(t *testing.T) {
	defer func(prev string) { outputFormat = prev }(outputFormat)

	outputFormat = "table"
	handled, err := emit(map[string]int{"n": 1})
	if handled || err != nil {
		t.Errorf("table output: handled=%v err=%v, want false, nil", handled, err)
	}

	outputFormat = "xml"
	handled, err = emit(map[string]int{"n": 1})
	if !handled || err == nil {
		t.Errorf("unknown format: handled=%v err=%v, want true and an error", handled, err)
	}
}

func TestFormatHelpers(t *testing.T) {
	if got := formatTime(0); got != "-" {
		t.Errorf("formatTime(0) = %q", got)
	}
	if got := orDash(""); got != "-" {
		t.Errorf("orDash(\"\") = %q", got)
	}
	if got := orDash("x"); got != "x" {
		t.Errorf("orDash(\"x\") = %q", got)
	}
}
