package daemon

import (
	"fmt"
	"strings"
	"sync"
)

// logBuffer collects job output. Text not yet shipped to the orchestrator
// is pending until taken.
type logBuffer struct {
	mu      sync.Mutex
	pending strings.Builder
}

func newLogBuffer() *logBuffer {
	return &logBuffer{}
}

// Write appends raw agent output
func (b *logBuffer) Write(chunk string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending.WriteString(chunk)
}

// Printf appends one formatted line
func (b *logBuffer) Printf(format string, args ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fmt.Fprintf(&b.pending, format, args...)
	b.pending.WriteByte('\n')
}

// Take returns and clears the pending output
func (b *logBuffer) Take() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.pending.String()
	b.pending.Reset()
	return s
}

// Restore puts back a chunk that could not be shipped, ahead of anything
// written since
func (b *logBuffer) Restore(chunk string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rest := b.pending.String()
	b.pending.Reset()
	b.pending.WriteString(chunk)
	b.pending.WriteString(rest)
}
