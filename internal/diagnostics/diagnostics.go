// ============================================================================
// Diagnostics Sink - Structured non-fatal error reporting
// ============================================================================
//
// Package: internal/diagnostics
// File: diagnostics.go
// Purpose: Single place where every non-fatal failure is reported
//          (quota pressure, health-check errors, cleanup failures,
//          background service failures).
//
// Each report is written through slog at a level derived from its severity
// and kept in a bounded in-memory history so the CLI and tests can inspect
// what went wrong without scraping logs.
//
// ============================================================================

package diagnostics

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Severity classifies how serious a reported failure is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// DefaultHistorySize is the number of entries kept by NewLogger.
const DefaultHistorySize = 100

// Sink receives structured error reports.
type Sink interface {
	LogError(component, operation string, err error, severity Severity, fields map[string]any)
}

// Entry is one recorded report.
type Entry struct {
	Component string
	Operation string
	Error     string
	Severity  Severity
	Fields    map[string]any
	At        time.Time
}

// Logger is the default Sink: slog output plus bounded history.
type Logger struct {
	mu      sync.RWMutex
	log     *slog.Logger
	entries []Entry
	limit   int
}

// NewLogger creates a Logger writing to logger (slog.Default() when nil).
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		log:   logger,
		limit: DefaultHistorySize,
	}
}

// LogError implements Sink.
func (l *Logger) LogError(component, operation string, err error, severity Severity, fields map[string]any) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	l.mu.Lock()
	l.entries = append(l.entries, Entry{
		Component: component,
		Operation: operation,
		Error:     msg,
		Severity:  severity,
		Fields:    copied,
		At:        time.Now(),
	})
	if len(l.entries) > l.limit {
		l.entries = l.entries[len(l.entries)-l.limit:]
	}
	l.mu.Unlock()

	args := make([]any, 0, 8+2*len(copied))
	args = append(args,
		"component", component,
		"operation", operation,
		"severity", string(severity),
		"error", msg)
	for k, v := range copied {
		args = append(args, k, v)
	}
	l.log.Log(context.Background(), levelFor(severity), "diagnostic", args...)
}

// Entries returns a copy of the recorded history, oldest first.
func (l *Logger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Count returns how many recorded entries match the severity.
func (l *Logger) Count(severity Severity) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, e := range l.entries {
		if e.Severity == severity {
			n++
		}
	}
	return n
}

func levelFor(s Severity) slog.Level {
	switch s {
	case SeverityLow:
		return slog.LevelDebug
	case SeverityMedium:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Nop discards every report.
type Nop struct{}

// LogError implements Sink.
func (Nop) LogError(string, string, error, Severity, map[string]any) {}
