// Package agents provides named delegate profiles: a system prompt plus
// model preferences that the assistant can hand a task to via the
// delegation tool.
package agents

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Agent is one delegate profile, loaded from agent.yaml in its own
// directory. The system prompt lives beside it in system.md.
type Agent struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Model preferences (optional); empty means inherit the caller's.
	Model string `yaml:"model,omitempty"`

	SystemPrompt string `yaml:"-"`
	SourcePath   string `yaml:"-"`
}

// LoadFromDir loads an agent from a directory containing agent.yaml and
// optionally system.md.
func LoadFromDir(dir string) (*Agent, error) {
	data, err := os.ReadFile(filepath.Join(dir, "agent.yaml"))
	if err != nil {
		return nil, fmt.Errorf("read agent.yaml: %w", err)
	}

	var agent Agent
	if err := yaml.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("parse agent.yaml: %w", err)
	}

	if systemData, err := os.ReadFile(filepath.Join(dir, "system.md")); err == nil {
		agent.SystemPrompt = string(systemData)
	}
	agent.SourcePath = dir
	if agent.Name == "" {
		agent.Name = filepath.Base(dir)
	}
	return &agent, nil
}
