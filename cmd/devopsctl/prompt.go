package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"devopsagent/pkg/proto"
)

// errQuit is returned when the user asks to stop the task.
var errQuit = errors.New("quit requested")

// Approver asks the user to decide on proposed commands.
type Approver struct {
	in           *bufio.Reader
	out          io.Writer
	colorEnabled bool
}

// NewApprover reads answers from in and writes prompts to out.
func NewApprover(in io.Reader, out io.Writer, colorEnabled bool) *Approver {
	return &Approver{in: bufio.NewReader(in), out: out, colorEnabled: colorEnabled}
}

// Decide shows the proposed command of ev and returns the user's decision.
func (a *Approver) Decide(ev proto.StepEvent) (proto.Decision, error) {
	separator := strings.Repeat("=", 72)
	fmt.Fprintln(a.out)
	fmt.Fprintln(a.out, a.colorize(separator, color.FgCyan))
	fmt.Fprintln(a.out, a.colorize("Proposed command:", color.FgYellow, color.Bold))
	fmt.Fprintln(a.out, "  "+ev.Command)
	fmt.Fprintln(a.out, a.colorize(separator, color.FgCyan))

	for {
		fmt.Fprintln(a.out, "  [y] Run it")
		fmt.Fprintln(a.out, "  [n] Reject")
		fmt.Fprintln(a.out, "  [e] Edit, then run")
		fmt.Fprintln(a.out, "  [q] Cancel the task")
		fmt.Fprint(a.out, a.colorize("Choice: ", color.FgCyan))

		choice, err := a.readLine()
		if err != nil {
			return proto.Decision{}, err
		}
		switch strings.ToLower(choice) {
		case "y", "yes":
			return proto.Approve(""), nil
		case "n", "no":
			return proto.Reject(), nil
		case "e", "edit":
			fmt.Fprint(a.out, a.colorize("New command: ", color.FgCyan))
			edited, err := a.readLine()
			if err != nil {
				return proto.Decision{}, err
			}
			if edited == "" {
				fmt.Fprintln(a.out, a.colorize("Empty command, choose again.", color.FgRed))
				continue
			}
			return proto.Approve(edited), nil
		case "q", "quit":
			return proto.Decision{}, errQuit
		default:
			fmt.Fprintln(a.out, a.colorize("Invalid choice.", color.FgRed))
		}
	}
}

func (a *Approver) readLine() (string, error) {
	line, err := a.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// Print writes the human-readable line of ev.
func (a *Approver) Print(ev *proto.StepEvent) {
	line := strings.TrimPrefix(ev.Render(), "\n")
	switch ev.Kind {
	case proto.EventApprovalRequired, proto.EventAwaitingApproval:
		return
	case proto.EventCompleted:
		line = a.colorize(line, color.FgGreen, color.Bold)
		if ev.Text != "" {
			line += "\n" + ev.Text
		}
	case proto.EventError, proto.EventCancelled:
		line = a.colorize(line, color.FgRed)
	case proto.EventReflectorSuggestion:
		line = a.colorize(line, color.FgMagenta)
	case proto.EventResult:
		line = a.colorize(line, color.FgWhite)
	}
	fmt.Fprintln(a.out, line)
}

func (a *Approver) colorize(text string, attrs ...color.Attribute) string {
	if !a.colorEnabled {
		return text
	}
	return color.New(attrs...).Sprint(text)
}
