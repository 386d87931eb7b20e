// Package prompts holds the system and user instructions sent to the three
// agents. A default pack is embedded; a YAML file may override single entries.
package prompts

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPack []byte

// Name identifies one template in the pack.
type Name string

const (
	PromptEngineerSystem Name = "prompt_engineer.system"
	PromptEngineerUser   Name = "prompt_engineer.user"
	ReasoningSystem      Name = "reasoning.system"
	ReasoningTask        Name = "reasoning.user"
	ReflectorSystem      Name = "reflector.system"
	ReflectorUser        Name = "reflector.user"
	CloneHint            Name = "notes.clone_hint"
	HallucinatedResult   Name = "notes.hallucinated_result"
	PrematureFinalAnswer Name = "notes.premature_final"
)

// Data is the union of fields the templates may reference.
type Data struct {
	Input    string // raw user request
	Task     string // refined task
	Repo     string
	RepoDir  string
	BaseDir  string
	CloneURL string
	Command  string
	Error    string
}

// Section is a system/user pair.
type Section struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

type Notes struct {
	CloneHint          string `yaml:"clone_hint"`
	HallucinatedResult string `yaml:"hallucinated_result"`
	PrematureFinal     string `yaml:"premature_final"`
}

// Pack is a parsed prompt pack.
type Pack struct {
	Version        int     `yaml:"version"`
	PromptEngineer Section `yaml:"prompt_engineer"`
	Reasoning      Section `yaml:"reasoning"`
	Reflector      Section `yaml:"reflector"`
	Notes          Notes   `yaml:"notes"`

	templates map[Name]*template.Template
}

// Default returns the embedded pack.
func Default() (*Pack, error) {
	return Load("")
}

// Load reads the embedded pack and, when path is non-empty, overlays the YAML
// file at path on top of it.
func Load(path string) (*Pack, error) {
	pack := &Pack{}
	if err := yaml.Unmarshal(defaultPack, pack); err != nil {
		return nil, fmt.Errorf("failed to parse embedded prompt pack: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read prompt pack %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, pack); err != nil {
			return nil, fmt.Errorf("failed to parse prompt pack %s: %w", path, err)
		}
	}

	if err := pack.compile(); err != nil {
		return nil, err
	}
	return pack, nil
}

func (p *Pack) sources() map[Name]string {
	return map[Name]string{
		PromptEngineerSystem: p.PromptEngineer.System,
		PromptEngineerUser:   p.PromptEngineer.User,
		ReasoningSystem:      p.Reasoning.System,
		ReasoningTask:        p.Reasoning.User,
		ReflectorSystem:      p.Reflector.System,
		ReflectorUser:        p.Reflector.User,
		CloneHint:            p.Notes.CloneHint,
		HallucinatedResult:   p.Notes.HallucinatedResult,
		PrematureFinalAnswer: p.Notes.PrematureFinal,
	}
}

func (p *Pack) compile() error {
	p.templates = make(map[Name]*template.Template)
	for name, src := range p.sources() {
		if strings.TrimSpace(src) == "" {
			return fmt.Errorf("prompt %s is empty", name)
		}
		tmpl, err := template.New(string(name)).Option("missingkey=error").Parse(src)
		if err != nil {
			return fmt.Errorf("failed to parse prompt %s: %w", name, err)
		}
		p.templates[name] = tmpl
	}
	return nil
}

// Render executes one template. The result is trimmed of surrounding whitespace.
func (p *Pack) Render(name Name, data Data) (string, error) {
	tmpl, ok := p.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt: %s", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// MustRender is Render for templates validated at load time whose data is
// always complete.
func (p *Pack) MustRender(name Name, data Data) string {
	out, err := p.Render(name, data)
	if err != nil {
		panic(err)
	}
	return out
}
