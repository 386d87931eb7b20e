// Package proto defines the values exchanged between the orchestrator, the
// HTTP surface and the CLI: step events, approval decisions and task status.
package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind identifies a StepEvent variant.
type EventKind string

const (
	EventRefinedTask         EventKind = "refined_task"
	EventThought             EventKind = "thought"
	EventApprovalRequired    EventKind = "approval_required"
	EventAwaitingApproval    EventKind = "awaiting_approval"
	EventResult              EventKind = "result"
	EventReflectorSuggestion EventKind = "reflector_suggestion"
	EventCompleted           EventKind = "completed"
	EventError               EventKind = "error"
	EventCancelled           EventKind = "cancelled"
)

//nolint:gochecknoglobals // static lookup
var validKinds = map[EventKind]bool{
	EventRefinedTask: true, EventThought: true, EventApprovalRequired: true,
	EventAwaitingApproval: true, EventResult: true, EventReflectorSuggestion: true,
	EventCompleted: true, EventError: true, EventCancelled: true,
}

func (k EventKind) String() string {
	return string(k)
}

// ParseEventKind validates s as an EventKind.
func ParseEventKind(s string) (EventKind, error) {
	k := EventKind(s)
	if !validKinds[k] {
		return "", fmt.Errorf("unknown event kind: %s", s)
	}
	return k, nil
}

// IsTerminal reports whether no event can follow k in a task stream.
func (k EventKind) IsTerminal() bool {
	return k == EventCompleted || k == EventError || k == EventCancelled
}

// StepEvent is one entry of a task's ordered output stream.
type StepEvent struct {
	Kind      EventKind `json:"kind"`
	TaskID    string    `json:"task_id"`
	StepID    string    `json:"step_id,omitempty"`
	Command   string    `json:"command,omitempty"`
	Text      string    `json:"text,omitempty"`
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

func RefinedTask(text string) StepEvent {
	return StepEvent{Kind: EventRefinedTask, Text: text}
}

func Thought(text string) StepEvent {
	return StepEvent{Kind: EventThought, Text: text}
}

func ApprovalRequired(stepID, command string) StepEvent {
	return StepEvent{Kind: EventApprovalRequired, StepID: stepID, Command: command}
}

func AwaitingApproval(stepID string) StepEvent {
	return StepEvent{Kind: EventAwaitingApproval, StepID: stepID}
}

// Result reports the output of the command executed for stepID.
func Result(stepID, command, output string) StepEvent {
	return StepEvent{Kind: EventResult, StepID: stepID, Command: command, Text: output}
}

func ReflectorSuggestion(text string) StepEvent {
	return StepEvent{Kind: EventReflectorSuggestion, Text: text}
}

func Completed(text string) StepEvent {
	return StepEvent{Kind: EventCompleted, Text: text}
}

func Error(text string) StepEvent {
	return StepEvent{Kind: EventError, Text: text}
}

func Cancelled() StepEvent {
	return StepEvent{Kind: EventCancelled}
}

// Render returns the human-readable stream line of the event, including its
// leading newline.
func (e *StepEvent) Render() string {
	switch e.Kind {
	case EventRefinedTask:
		return "\n🧠 Refined Task: " + e.Text
	case EventThought:
		return "\n🧠 " + e.Text
	case EventApprovalRequired:
		return fmt.Sprintf("\n[ApprovalRequired] %s → %s", e.StepID, e.Command)
	case EventAwaitingApproval:
		return "\n⏸ Awaiting user approval..."
	case EventResult:
		return "\n📄 Result: " + e.Text
	case EventReflectorSuggestion:
		return "\n🔄 Reflector Agent Suggestion:\n" + e.Text
	case EventCompleted:
		return "\n✅ Task complete."
	case EventError:
		return "\n❌ " + e.Text
	case EventCancelled:
		return "\n❌ Task cancelled."
	default:
		return ""
	}
}

// SSEFrame encodes the event as a server-sent events frame:
//
//	event: <kind>
//	data: <json>
func (e *StepEvent) SSEFrame() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal step event: %w", err)
	}
	frame := make([]byte, 0, len(data)+len(e.Kind)+18)
	frame = append(frame, "event: "...)
	frame = append(frame, string(e.Kind)...)
	frame = append(frame, "\ndata: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}
