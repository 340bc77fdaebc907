package controller

import (
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/thalamus/pkg/graph"
	"github.com/go-go-golems/thalamus/pkg/tools"
)

// Limits bounds the loops and buffers of one turn. Zero values take
// the documented defaults.
type Limits struct {
	// ContextRounds caps builder/retriever round trips per turn.
	ContextRounds int `json:"context_rounds"`
	// ToolRounds caps tool rounds per stage invocation.
	ToolRounds int `json:"tool_rounds"`
	// TurnDeadlineMS bounds the whole turn.
	TurnDeadlineMS int `json:"turn_deadline_ms"`
	// ToolDeadlineMS bounds a single tool handler.
	ToolDeadlineMS int `json:"tool_deadline_ms"`
	// EmitterBuffer bounds each event subscriber queue.
	EmitterBuffer int `json:"emitter_buffer"`
}

// DefaultLimits returns the standard bounds.
func DefaultLimits() Limits {
	return Limits{
		ContextRounds:  3,
		ToolRounds:     8,
		TurnDeadlineMS: 120_000,
		ToolDeadlineMS: 15_000,
		EmitterBuffer:  4096,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.ContextRounds <= 0 {
		l.ContextRounds = d.ContextRounds
	}
	if l.ToolRounds <= 0 {
		l.ToolRounds = d.ToolRounds
	}
	if l.TurnDeadlineMS <= 0 {
		l.TurnDeadlineMS = d.TurnDeadlineMS
	}
	if l.ToolDeadlineMS <= 0 {
		l.ToolDeadlineMS = d.ToolDeadlineMS
	}
	if l.EmitterBuffer <= 0 {
		l.EmitterBuffer = d.EmitterBuffer
	}
	return l
}

// TurnDeadline returns the deadline as a duration.
func (l Limits) TurnDeadline() time.Duration {
	return time.Duration(l.TurnDeadlineMS) * time.Millisecond
}

// Config is the full invocation surface of the controller. The core
// takes a constructed struct; file formats and flag parsing live in
// the callers.
type Config struct {
	// WorldStatePath is the world JSON file.
	WorldStatePath string `json:"world_state_path"`
	// ChatHistoryPath is the chat JSONL log.
	ChatHistoryPath string `json:"chat_history_path"`
	// UserNamespace scopes remote memory operations.
	UserNamespace string `json:"user_namespace"`
	// RoleModels binds the role keys (router, planner, reflect,
	// answer) to concrete models. The answer role is required; it is
	// the fallback for unbound roles.
	RoleModels map[string]graph.RoleModel `json:"role_models"`
	// EnabledSkills is the global skill allow-list. Nil means the
	// default skill set.
	EnabledSkills []string `json:"enabled_skills"`
	// PromptDir holds the per-stage prompt templates.
	PromptDir string `json:"prompt_dir"`

	Limits Limits `json:"limits"`

	// ProviderEndpoint is the OpenAI-compatible chat endpoint. The key
	// is optional; local providers ignore it.
	ProviderEndpoint string `json:"provider_endpoint"`
	ProviderAPIKey   string `json:"provider_api_key"`
	// MemoryEndpoint is optional; absent means memory tools are
	// well-defined no-ops.
	MemoryEndpoint string `json:"memory_endpoint"`
}

func (c *Config) validate() error {
	if c.WorldStatePath == "" {
		return errors.New("controller: world_state_path is required")
	}
	if c.ChatHistoryPath == "" {
		return errors.New("controller: chat_history_path is required")
	}
	if c.UserNamespace == "" {
		return errors.New("controller: user_namespace is required")
	}
	if c.PromptDir == "" {
		return errors.New("controller: prompt_dir is required")
	}
	if _, ok := c.RoleModels[graph.RoleAnswer]; !ok {
		return errors.New("controller: role_models must bind the answer role")
	}
	return nil
}

func (c *Config) enabledSkills() []string {
	if c.EnabledSkills == nil {
		return tools.DefaultEnabledSkills()
	}
	return c.EnabledSkills
}
