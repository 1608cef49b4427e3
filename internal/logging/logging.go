// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"
)

// LevelEnv overrides the default log level (debug, info, warn, error).
const LevelEnv = "WAKURELAY_LOG_LEVEL"

// fileTimeFormat names log files after process start time.
const fileTimeFormat = "2006-01-02_15-04-05"

// Options configures New.
type Options struct {
	// Dir, when set, receives a <start time>_wakurelay.log file in addition
	// to stderr output.
	Dir string
	// Level overrides LevelEnv when non-empty.
	Level string
	// Stderr is where console output goes. Defaults to os.Stderr.
	Stderr io.Writer
}

// New returns a logger and a close function for the optional log file.
// Console output is text when attached to a terminal and JSON otherwise;
// the file is always JSON.
func New(opts Options) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(firstNonEmpty(opts.Level, os.Getenv(LevelEnv), "info"))
	if err != nil {
		return nil, nil, err
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	var console slog.Handler
	if f, ok := stderr.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		console = slog.NewTextHandler(stderr, handlerOpts)
	} else {
		console = slog.NewJSONHandler(stderr, handlerOpts)
	}

	if opts.Dir == "" {
		return slog.New(console), func() error { return nil }, nil
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	name := filepath.Join(opts.Dir, time.Now().Format(fileTimeFormat)+"_wakurelay.log")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := slog.New(fanout{console, slog.NewJSONHandler(f, handlerOpts)})
	return logger, f.Close, nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s)))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
