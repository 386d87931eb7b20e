// Package logx provides leveled component logging with domain-filtered debug output
// and an in-memory buffer of recent entries for the HTTP API.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// Logger writes lines of the form "[timestamp] [component] LEVEL: message".
type Logger struct {
	component string
}

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// LogEntry is a buffered log line as served by the API.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	TaskID    string `json:"task_id,omitempty"`
	Domain    string `json:"domain,omitempty"`
}

type ringBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	maxSize int
}

type debugSettings struct {
	enabled bool
	domains map[string]bool // nil = all domains
}

type ctxKey int

const taskIDKey ctxKey = iota

//nolint:gochecknoglobals // process-wide logging state
var (
	logWriter     io.Writer
	logWriterLock sync.Mutex

	debugCfg   debugSettings
	debugMutex sync.RWMutex

	buffer = &ringBuffer{maxSize: 1000}

	defaultLogger = NewLogger("system")
)

func init() { //nolint:gochecknoinits // env-driven debug switches
	configureDebugFromEnv()
}

// configureDebugFromEnv reads DEBUG=1|true and DEBUG_DOMAINS=a,b.
func configureDebugFromEnv() {
	enabled := false
	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		enabled = true
	}
	var domains []string
	if v := os.Getenv("DEBUG_DOMAINS"); v != "" {
		domains = strings.Split(v, ",")
	}
	SetDebug(enabled, domains)
}

// SetDebug toggles debug output. An empty domain list enables every domain.
func SetDebug(enabled bool, domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	debugCfg.enabled = enabled
	debugCfg.domains = nil
	for _, d := range domains {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if debugCfg.domains == nil {
			debugCfg.domains = make(map[string]bool)
		}
		debugCfg.domains[d] = true
	}
}

// IsDebugEnabled reports whether debug logging is on at all.
func IsDebugEnabled() bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	return debugCfg.enabled
}

// IsDebugEnabledForDomain reports whether debug logging is on for domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	if !debugCfg.enabled {
		return false
	}
	return debugCfg.domains == nil || debugCfg.domains[domain]
}

// SetOutput redirects all loggers. Passing nil restores stderr.
func SetOutput(w io.Writer) {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	logWriter = w
}

func writeLine(line string) {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	w := logWriter
	if w == nil {
		w = os.Stderr
	}
	fmt.Fprintln(w, line)
}

// WithTaskID tags ctx so that Debug lines and buffered entries carry the task.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// TaskIDFrom returns the task tagged by WithTaskID, or "".
func TaskIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(taskIDKey).(string)
	return id
}

func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// Component returns the name the logger prints in brackets.
func (l *Logger) Component() string {
	return l.component
}

// WithComponent returns a logger for a sub-component, e.g. "orchestrator/<task>".
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{component: component}
}

func (l *Logger) emit(level Level, taskID, domain, message string) {
	timestamp := time.Now().UTC().Format(timestampFormat)
	writeLine(fmt.Sprintf("[%s] [%s] %s: %s", timestamp, l.component, level, message))
	buffer.add(LogEntry{
		Timestamp: timestamp,
		Component: l.component,
		Level:     string(level),
		Message:   message,
		TaskID:    taskID,
		Domain:    domain,
	})
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled() {
		return
	}
	l.emit(LevelDebug, "", "", fmt.Sprintf(format, args...))
}

func (l *Logger) Info(format string, args ...any) {
	l.emit(LevelInfo, "", "", fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(format string, args ...any) {
	l.emit(LevelWarn, "", "", fmt.Sprintf(format, args...))
}

func (l *Logger) Error(format string, args ...any) {
	l.emit(LevelError, "", "", fmt.Sprintf(format, args...))
}

// Debug logs under a domain, honouring DEBUG_DOMAINS, and tags the entry with
// the task carried by ctx.
//
//	logx.Debug(ctx, "react", "extracted action %q", cmd)
//	DEBUG=1 DEBUG_DOMAINS=react,executor ./devops-agent
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	taskID := TaskIDFrom(ctx)
	component := taskID
	if component == "" {
		component = "unknown"
	}
	msg := fmt.Sprintf(format, args...)
	NewLogger(component).emit(LevelDebug, taskID, domain, fmt.Sprintf("[%s] %s", domain, msg))
}

func (b *ringBuffer) add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

func (b *ringBuffer) filter(component, taskID string, since time.Time) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]LogEntry, 0, len(b.entries))
	for i := range b.entries {
		e := &b.entries[i]
		if component != "" && !strings.EqualFold(e.Component, component) {
			continue
		}
		if taskID != "" && e.TaskID != taskID {
			continue
		}
		if !since.IsZero() {
			ts, err := time.Parse(timestampFormat, e.Timestamp)
			if err != nil || ts.Before(since) {
				continue
			}
		}
		out = append(out, *e)
	}
	return out
}

// RecentEntries returns buffered entries, filtered by component, task and time
// when those arguments are non-zero.
func RecentEntries(component, taskID string, since time.Time) []LogEntry {
	return buffer.filter(component, taskID, since)
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err and returns the wrapped error, or nil for a nil err.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}
