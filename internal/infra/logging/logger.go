// Package logging provides file-based logging for perch.
// It outputs logs to both a project-wide log file (logs/perch.log)
// and taskspace-specific log files (logs/task-<id>.log).
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/perch-dev/perch/internal/domain"
)

// Ensure Logger implements domain.Logger interface.
var _ domain.Logger = (*Logger)(nil)

// Logger wraps slog levels with file-based output.
// Fields are ordered to minimize memory padding.
type Logger struct {
	globalFile     *os.File
	taskspaceFiles map[string]*os.File
	projectDir     string
	mu             sync.Mutex
	level          slog.Level
}

// New creates a Logger that writes under the project's logs directory.
// If projectDir is empty, logging is disabled (returns a no-op logger).
func New(projectDir string, level slog.Level) *Logger {
	return &Logger{
		projectDir:     projectDir,
		level:          level,
		taskspaceFiles: make(map[string]*os.File),
	}
}

// ParseLevel parses a log level string into slog.Level.
func ParseLevel(levelStr string) slog.Level {
	switch levelStr {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ensureLogsDir creates the logs directory if it doesn't exist.
func (l *Logger) ensureLogsDir() error {
	return os.MkdirAll(filepath.Join(l.projectDir, "logs"), 0o750)
}

// ensureGlobalFile opens or returns the project-wide log file.
func (l *Logger) ensureGlobalFile() (*os.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.globalFile != nil {
		return l.globalFile, nil
	}

	if err := l.ensureLogsDir(); err != nil {
		return nil, fmt.Errorf("create logs directory: %w", err)
	}

	path := domain.GlobalLogPath(l.projectDir)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) //nolint:gosec // Log file readable by owner and group
	if err != nil {
		return nil, fmt.Errorf("open global log file: %w", err)
	}
	l.globalFile = f
	return f, nil
}

// ensureTaskspaceFile opens or returns a taskspace's log file.
func (l *Logger) ensureTaskspaceFile(taskspaceID string) (*os.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if f, ok := l.taskspaceFiles[taskspaceID]; ok {
		return f, nil
	}

	if err := l.ensureLogsDir(); err != nil {
		return nil, fmt.Errorf("create logs directory: %w", err)
	}

	path := domain.TaskspaceLogPath(l.projectDir, taskspaceID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) //nolint:gosec // Log file readable by owner and group
	if err != nil {
		return nil, fmt.Errorf("open taskspace log file: %w", err)
	}
	l.taskspaceFiles[taskspaceID] = f
	return f, nil
}

// Close closes all open log files.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var lastErr error
	if l.globalFile != nil {
		if err := l.globalFile.Close(); err != nil {
			lastErr = err
		}
		l.globalFile = nil
	}
	for id, f := range l.taskspaceFiles {
		if err := f.Close(); err != nil {
			lastErr = err
		}
		delete(l.taskspaceFiles, id)
	}
	return lastErr
}

// formatLog formats a log entry.
// Format: [2025-12-30 09:32:51] [INFO] [task-<id>] [category] message
func formatLog(t time.Time, level slog.Level, taskspaceID, category, msg string) string {
	scope := "global"
	if taskspaceID != "" {
		scope = "task-" + taskspaceID
	}
	return fmt.Sprintf("[%s] [%s] [%s] [%s] %s\n",
		t.Format("2006-01-02 15:04:05"),
		levelToString(level),
		scope,
		category,
		msg,
	)
}

func levelToString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelInfo:
		return "INFO"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// log writes a log entry to the appropriate files. An empty taskspaceID
// logs only to the project-wide file; otherwise both files receive the
// entry.
func (l *Logger) log(level slog.Level, taskspaceID, category, msg string) {
	if l.projectDir == "" {
		return // Logging disabled
	}

	if level < l.level {
		return // Skip if below minimum level
	}

	entry := formatLog(time.Now(), level, taskspaceID, category, msg)

	if gf, err := l.ensureGlobalFile(); err == nil {
		_, _ = io.WriteString(gf, entry)
	}

	if taskspaceID != "" {
		if tf, err := l.ensureTaskspaceFile(taskspaceID); err == nil {
			_, _ = io.WriteString(tf, entry)
		}
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(taskspaceID, category, msg string) {
	l.log(slog.LevelDebug, taskspaceID, category, msg)
}

// Info logs an info message.
func (l *Logger) Info(taskspaceID, category, msg string) {
	l.log(slog.LevelInfo, taskspaceID, category, msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(taskspaceID, category, msg string) {
	l.log(slog.LevelWarn, taskspaceID, category, msg)
}

// Error logs an error message.
func (l *Logger) Error(taskspaceID, category, msg string) {
	l.log(slog.LevelError, taskspaceID, category, msg)
}
