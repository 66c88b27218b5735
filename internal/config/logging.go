package config

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// NewLogger returns a leveled logger for one component. An unknown level
// falls back to info.
func NewLogger(w io.Writer, prefix, level string) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	logger := log.NewWithOptions(w, log.Options{
		Prefix:          prefix,
		ReportTimestamp: true,
	})

	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// Logger returns a component logger at the configured level
func (c *Config) Logger(prefix string) *log.Logger {
	return NewLogger(os.Stderr, prefix, c.LogLevel)
}
