package agents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/loomlabs/loom/internal/llm"
	"github.com/loomlabs/loom/internal/logging"
)

// defaultPrompts back the built-in agent types when no directory
// overrides them.
var defaultPrompts = map[string]string{
	"researcher": "You are a focused research assistant. Answer the instruction thoroughly and cite the reasoning behind your conclusions.",
	"reviewer":   "You are a meticulous code reviewer. Point out correctness problems first, style second, and suggest concrete fixes.",
}

// Registry loads delegate profiles and runs delegated instructions as
// one-shot completions. It implements the sub-agent collaborator.
type Registry struct {
	provider  llm.ProviderConfig
	completer llm.Completer
	log       *logging.Logger

	mu      sync.Mutex
	agents  map[string]*Agent
	results map[string]string // agentID -> output
}

// NewRegistry scans the given directories for agent profiles. Later
// directories win on name collisions; built-ins fill the gaps.
func NewRegistry(provider llm.ProviderConfig, completer llm.Completer, log *logging.Logger, dirs ...string) *Registry {
	if log == nil {
		log = logging.Nop()
	}
	r := &Registry{
		provider:  provider,
		completer: completer,
		log:       log.Component("agents"),
		agents:    make(map[string]*Agent),
		results:   make(map[string]string),
	}
	for name, prompt := range defaultPrompts {
		r.agents[name] = &Agent{Name: name, SystemPrompt: prompt}
	}
	for _, dir := range dirs {
		r.scanDir(dir)
	}
	return r
}

func (r *Registry) scanDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		agent, err := LoadFromDir(filepath.Join(dir, entry.Name()))
		if err != nil {
			r.log.Warn().Err(err).Str("dir", entry.Name()).Msg("skipping unparseable agent profile")
			continue
		}
		r.agents[agent.Name] = agent
	}
}

// List returns the known agent names.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	return names
}

// Launch runs the instruction under the named profile and returns an
// agent id the caller can fetch the output with.
func (r *Registry) Launch(ctx context.Context, agentType, instruction, attachToMessageID string) (string, error) {
	r.mu.Lock()
	agent, ok := r.agents[agentType]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown agent type %q", agentType)
	}

	provider := r.provider
	if agent.Model != "" {
		provider.Model = agent.Model
	}

	messages := []llm.BackendMessage{
		{Role: "system", Content: agent.SystemPrompt},
		{Role: "user", Content: instruction},
	}
	output, err := r.completer.Complete(ctx, provider, messages)
	if err != nil {
		return "", fmt.Errorf("agent %s: %w", agentType, err)
	}

	agentID := uuid.NewString()
	r.mu.Lock()
	r.results[agentID] = output
	r.mu.Unlock()
	r.log.Debug().Str("agent", agentType).Str("id", agentID).Str("message", attachToMessageID).Msg("delegated task finished")
	return agentID, nil
}

// ApproveAction is a no-op: delegated one-shot completions take no
// actions of their own.
func (r *Registry) ApproveAction(ctx context.Context, agentID string, approved bool) error {
	return nil
}

// Result returns the output of a finished delegation.
func (r *Registry) Result(agentID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, ok := r.results[agentID]
	return out, ok
}
