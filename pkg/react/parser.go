// Package react reads the Thought/Action/Result replies of the reasoning model.
// It extracts text only and never interprets the command.
package react

import (
	"strings"
)

// Placeholder is the literal Result line the model must emit until the
// command has run.
const Placeholder = "Result: Will be filled in after execution."

const placeholderBody = "will be filled in after execution"

const fence = "```"

// ExtractAction returns the first shell command in a reply, or "" when there
// is none. An inline "Action: <cmd>" line anywhere in the reply wins over a
// fenced block; a fenced block is only recognised right after a bare
// "Action:" header. Blank lines and lines starting with '#' inside the fence
// are dropped and the rest joined with newlines. An unterminated fence yields
// what was collected.
func ExtractAction(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	for _, line := range lines {
		rest, ok := labelled(line, "action:")
		if !ok || rest == "" || opensFence(rest) {
			continue
		}
		if cmd := stripInlineCode(rest); cmd != "" {
			return cmd
		}
	}

	for i, line := range lines {
		rest, ok := labelled(line, "action:")
		if !ok {
			continue
		}
		start := -1
		switch {
		case opensFence(rest):
			start = i + 1
		case rest == "":
			start = fenceAfter(lines, i+1)
		}
		if start < 0 {
			continue
		}
		if cmd := collectFence(lines[start:]); cmd != "" {
			return cmd
		}
	}
	return ""
}

// HasFinalAnswer reports whether the model declared the task done.
func HasFinalAnswer(text string) bool {
	return strings.Contains(text, "Final Answer")
}

// FinalAnswer returns what follows the first "Final Answer" marker, or the
// whole reply when the marker carries no text.
func FinalAnswer(text string) string {
	i := strings.Index(text, "Final Answer")
	if i < 0 {
		return ""
	}
	rest := strings.TrimSpace(text[i+len("Final Answer"):])
	rest = strings.TrimSpace(strings.TrimLeft(rest, ":*"))
	if rest == "" {
		return strings.TrimSpace(text)
	}
	return rest
}

// HasHallucinatedResult reports whether a reply carries a Result line other
// than the placeholder, i.e. the model pretended the command already ran.
func HasHallucinatedResult(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		rest, ok := labelled(line, "result:")
		if !ok {
			continue
		}
		body := strings.Trim(rest, " \t.!()[]*_`")
		if body == "" || strings.EqualFold(body, placeholderBody) {
			continue
		}
		return true
	}
	return false
}

// labelled matches "<label> rest" case-insensitively, tolerating markdown
// emphasis and list markers around the label ("**Action:** ls", "- Action: ls").
func labelled(line, label string) (string, bool) {
	t := strings.TrimSpace(line)
	t = strings.TrimLeft(t, "-*_> \t")
	if len(t) < len(label) || !strings.EqualFold(t[:len(label)], label) {
		return "", false
	}
	rest := strings.TrimLeft(t[len(label):], "*_")
	return strings.TrimSpace(rest), true
}

// opensFence reports whether s is a fence opener with an optional info string,
// e.g. "```" or "```bash".
func opensFence(s string) bool {
	if !strings.HasPrefix(s, fence) {
		return false
	}
	info := s[len(fence):]
	return !strings.Contains(info, fence) && !strings.ContainsAny(strings.TrimSpace(info), " \t")
}

// fenceAfter returns the index of the first line after the fence opener that
// follows lines[from:], skipping blank lines. It returns -1 when the next
// non-blank line is not a fence.
func fenceAfter(lines []string, from int) int {
	for j := from; j < len(lines); j++ {
		t := strings.TrimSpace(lines[j])
		if t == "" {
			continue
		}
		if opensFence(t) {
			return j + 1
		}
		return -1
	}
	return -1
}

func collectFence(lines []string) string {
	var cmds []string
	for _, line := range lines {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, fence) {
			break
		}
		if t == "" || strings.HasPrefix(t, "#") {
			continue
		}
		cmds = append(cmds, t)
	}
	return strings.Join(cmds, "\n")
}

// stripInlineCode removes backticks wrapping the whole command.
func stripInlineCode(s string) string {
	for _, wrap := range []string{fence, "`"} {
		if len(s) > 2*len(wrap) && strings.HasPrefix(s, wrap) && strings.HasSuffix(s, wrap) {
			return strings.TrimSpace(s[len(wrap) : len(s)-len(wrap)])
		}
	}
	return s
}
