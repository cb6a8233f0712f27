// Package team loads and validates team configurations: the set of
// specialist agents a project can assign tasks to, plus execution
// parameters. Teams are YAML documents loaded once at startup; a
// project binds to one team at creation and never reconfigures.
package team

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Common errors
var (
	ErrTeamNotFound  = errors.New("team not found")
	ErrAgentNotFound = errors.New("agent not found in team")
)

// LLMConfig tunes the model calls an agent makes.
type LLMConfig struct {
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"maxTokens"`
}

// Agent is one configured specialist.
type Agent struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// PromptTemplate is the inline system prompt. {{goal}}, {{task}},
	// and {{name}} placeholders are interpolated per task.
	PromptTemplate string `yaml:"promptTemplate"`
	// PromptTemplateFile is read at load time when PromptTemplate is
	// empty.
	PromptTemplateFile string    `yaml:"promptTemplateFile"`
	LLM                LLMConfig `yaml:"llm"`
	Tools              []string  `yaml:"tools"`
}

// Execution holds the per-project execution parameters.
type Execution struct {
	MaxRounds     int    `yaml:"maxRounds"`
	MaxConcurrent int    `yaml:"maxConcurrent"`
	InitialAgent  string `yaml:"initialAgent"`
	// CompletionSentinel marks an agent turn as final when it appears
	// in the message text.
	CompletionSentinel string `yaml:"completionSentinel"`
	// OnFailure is the default failure policy for generated tasks:
	// abort, continue, or retry.
	OnFailure string `yaml:"onFailure"`
}

// Team is one loaded configuration.
type Team struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Agents      []Agent   `yaml:"agents"`
	Execution   Execution `yaml:"execution"`
}

// Agent returns the named agent.
func (t *Team) Agent(name string) (Agent, error) {
	for _, a := range t.Agents {
		if a.Name == name {
			return a, nil
		}
	}
	return Agent{}, fmt.Errorf("%w: %s (team %s)", ErrAgentNotFound, name, t.Name)
}

// AgentNames returns the configured agent names in declaration order.
func (t *Team) AgentNames() []string {
	names := make([]string, 0, len(t.Agents))
	for _, a := range t.Agents {
		names = append(names, a.Name)
	}
	return names
}

// HasAgent reports whether the team declares the named agent.
func (t *Team) HasAgent(name string) bool {
	_, err := t.Agent(name)
	return err == nil
}

// Parse unmarshals and validates one team document.
func Parse(data []byte) (*Team, error) {
	var t Team
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse team config: %w", err)
	}
	applyDefaults(&t)
	if err := validate(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ParseFile loads one team document from disk, resolving any
// promptTemplateFile references relative to the working directory.
func ParseFile(path string) (*Team, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read team config %s: %w", path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for i := range t.Agents {
		a := &t.Agents[i]
		if a.PromptTemplate == "" && a.PromptTemplateFile != "" {
			tmpl, err := os.ReadFile(a.PromptTemplateFile)
			if err != nil {
				return nil, fmt.Errorf("agent %s: failed to read prompt template: %w", a.Name, err)
			}
			a.PromptTemplate = string(tmpl)
		}
	}
	return t, nil
}

func applyDefaults(t *Team) {
	if t.Execution.MaxRounds <= 0 {
		t.Execution.MaxRounds = 10
	}
	if t.Execution.MaxConcurrent <= 0 {
		t.Execution.MaxConcurrent = 3
	}
	if t.Execution.OnFailure == "" {
		t.Execution.OnFailure = "continue"
	}
}

func validate(t *Team) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("team name is required")
	}
	if len(t.Agents) == 0 {
		return fmt.Errorf("team %s: at least one agent is required", t.Name)
	}
	seen := make(map[string]bool, len(t.Agents))
	for _, a := range t.Agents {
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("team %s: agent name is required", t.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("team %s: duplicate agent name %q", t.Name, a.Name)
		}
		seen[a.Name] = true
		if a.PromptTemplate == "" && a.PromptTemplateFile == "" {
			return fmt.Errorf("team %s: agent %s has no prompt template", t.Name, a.Name)
		}
	}
	if t.Execution.InitialAgent != "" && !seen[t.Execution.InitialAgent] {
		return fmt.Errorf("team %s: initial agent %q is not declared", t.Name, t.Execution.InitialAgent)
	}
	switch t.Execution.OnFailure {
	case "abort", "continue", "retry":
	default:
		return fmt.Errorf("team %s: invalid onFailure policy %q", t.Name, t.Execution.OnFailure)
	}
	return nil
}
