// Package eventlog appends every step event to daily rotated JSONL files so
// a task's stream can be replayed after it finished.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"devopsagent/pkg/proto"
)

const maxLineSize = 4 << 20

// Writer handles structured logging of step events to daily rotated JSON log files.
type Writer struct {
	logDir      string
	currentFile *os.File
	currentDate string
	mu          sync.Mutex
	now         func() time.Time
}

// NewWriter creates a new event log writer with daily rotation in logDir.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	writer := &Writer{logDir: logDir, now: time.Now}
	if err := writer.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize log file: %w", err)
	}
	return writer, nil
}

// WriteEvent appends ev as one JSON line, rotating first when the day changed.
func (w *Writer) WriteEvent(ev *proto.StepEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	data = append(data, '\n')

	if _, err := w.currentFile.Write(data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return nil
}

func (w *Writer) rotateIfNeeded() error {
	newDate := w.now().UTC().Format("2006-01-02")
	if w.currentFile == nil || w.currentDate != newDate {
		return w.rotate(newDate)
	}
	return nil
}

func (w *Writer) rotate(newDate string) error {
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
		w.currentFile = nil
	}

	path := filepath.Join(w.logDir, fileName(newDate))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	w.currentFile = file
	w.currentDate = newDate
	return nil
}

func fileName(date string) string {
	return fmt.Sprintf("events-%s.jsonl", date)
}

// Close closes the current log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		if err != nil {
			return fmt.Errorf("failed to close event log file: %w", err)
		}
	}
	return nil
}

// CurrentLogFile returns the path of the active log file, "" after Close.
func (w *Writer) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fileName(w.currentDate))
}

// Dir returns the directory the writer rotates in.
func (w *Writer) Dir() string {
	return w.logDir
}

// ReadEvents parses every event in one log file.
func ReadEvents(logFilePath string) ([]proto.StepEvent, error) {
	return readFiltered(logFilePath, "")
}

func readFiltered(logFilePath, taskID string) ([]proto.StepEvent, error) {
	f, err := os.Open(logFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	events := []proto.StepEvent{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ev proto.StepEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("failed to parse %s line %d: %w", filepath.Base(logFilePath), line, err)
		}
		if taskID != "" && ev.TaskID != taskID {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan log file: %w", err)
	}
	return events, nil
}

// ReadTaskEvents collects the events of one task across every log file in
// logDir, ordered by sequence number.
func ReadTaskEvents(logDir, taskID string) ([]proto.StepEvent, error) {
	if taskID == "" {
		return nil, errors.New("task id is required")
	}
	files, err := ListLogFiles(logDir)
	if err != nil {
		return nil, err
	}

	events := []proto.StepEvent{}
	for _, file := range files {
		found, err := readFiltered(file, taskID)
		if err != nil {
			return nil, err
		}
		events = append(events, found...)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}

// ListLogFiles returns all event log files in logDir, oldest first.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "events-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list log files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}
