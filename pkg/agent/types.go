package agent

import "fmt"

// Type is the agent a model client is built for. It doubles as the role label
// on LLM metrics.
type Type string

const (
	TypePrompt    Type = "prompt"
	TypeReasoning Type = "reasoning"
	TypeReflector Type = "reflector"
)

func (t Type) IsValid() bool {
	return t == TypePrompt || t == TypeReasoning || t == TypeReflector
}

func (t Type) String() string {
	return string(t)
}

// Parse parses a string into a Type.
func Parse(s string) (Type, error) {
	t := Type(s)
	if !t.IsValid() {
		return "", fmt.Errorf("invalid agent type: %s", s)
	}
	return t, nil
}
