package proto

import "strings"

// Decision is a human verdict on a proposed command.
type Decision struct {
	Approved      bool   `json:"approved"`
	EditedCommand string `json:"edited_command,omitempty"` // empty = run as proposed
}

// Approve returns an approving decision, optionally replacing the command.
func Approve(edited string) Decision {
	return Decision{Approved: true, EditedCommand: strings.TrimSpace(edited)}
}

func Reject() Decision {
	return Decision{}
}

// CommandFor returns the command to execute for a proposed one.
func (d Decision) CommandFor(proposed string) string {
	if d.EditedCommand != "" {
		return d.EditedCommand
	}
	return proposed
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal reports whether the task has stopped.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// StatusFor maps a terminal event kind to the task status it implies.
func StatusFor(kind EventKind) (TaskStatus, bool) {
	switch kind {
	case EventCompleted:
		return TaskCompleted, true
	case EventError:
		return TaskFailed, true
	case EventCancelled:
		return TaskCancelled, true
	default:
		return TaskRunning, false
	}
}
