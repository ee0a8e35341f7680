// Package logger provides the process-wide structured logger.
//
// Every worktree-flow process (foreground commands and detached background
// tasks alike) appends to the same log file, so entries carry a "component"
// and, where relevant, a "pid" attribute. Until Init is called, loggers
// discard their output, which keeps tests and library callers quiet.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// LogFileName is the file created under the state directory by Init.
const LogFileName = "worktree-flow.log"

var (
	slogLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	levelVar   = new(slog.LevelVar)
	logFile    *os.File
	logPath    string
	mu         sync.Mutex
)

// DefaultLogPath returns the log file location:
// $XDG_STATE_HOME/worktree-flow/worktree-flow.log, falling back to
// ~/.local/state when XDG_STATE_HOME is unset.
func DefaultLogPath() (string, error) {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "worktree-flow", LogFileName), nil
}

// SetDebug toggles debug level logging. It can be called before or after Init.
func SetDebug(enabled bool) {
	if enabled {
		levelVar.Set(slog.LevelDebug)
	} else {
		levelVar.Set(slog.LevelInfo)
	}
}

// Init opens (appending) the log file at path and installs a text handler
// writing to it. Calling Init again switches to the new path.
func Init(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	logPath = path
	slogLogger = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: levelVar})).
		With(slog.Int("pid", os.Getpid()))
	return nil
}

// InitWriter installs a handler writing to w. Used by tests that assert on
// log output.
func InitWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	slogLogger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: levelVar}))
}

// Path returns the current log file path, or "" before Init.
func Path() string {
	mu.Lock()
	defer mu.Unlock()
	return logPath
}

// Close closes the log file and reverts to discarding output.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	logPath = ""
	slogLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WithComponent returns a logger with the component attribute pre-attached.
//
//	log := logger.WithComponent("merge")
//	log.Info("stage completed", "state", state, "branch", branch)
func WithComponent(component string) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return slogLogger.With(slog.String("component", component))
}

// Logger returns the underlying slog.Logger.
func Logger() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return slogLogger
}
