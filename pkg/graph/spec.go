// Package graph runs the turn topology: a fixed conditional graph of
// LLM stages threaded over one shared turn state.
package graph

import (
	"context"

	"github.com/go-go-golems/thalamus/pkg/events"
	"github.com/go-go-golems/thalamus/pkg/prompts"
	"github.com/go-go-golems/thalamus/pkg/providers"
	"github.com/go-go-golems/thalamus/pkg/state"
	"github.com/go-go-golems/thalamus/pkg/toolloop"
	"github.com/go-go-golems/thalamus/pkg/tools"
)

// Stage ids.
const (
	StageRouter          = "router"
	StageContextBuilder  = "context_builder"
	StageMemoryRetriever = "memory_retriever"
	StageWorldModifier   = "world_modifier"
	StageAnswer          = "answer"
	StageReflectTopics   = "reflect_topics"
	StageMemoryWriter    = "memory_writer"
)

// Role keys; each maps to a configured model.
const (
	RoleRouter  = "router"
	RolePlanner = "planner"
	RoleReflect = "reflect"
	RoleAnswer  = "answer"
)

// Tools policies.
const (
	PolicyDisabled = "disabled"
	PolicyPrefill  = "prefill"
	PolicyLoop     = "loop"
)

// RoleModel binds a role key to a concrete model and its parameters.
type RoleModel struct {
	Name   string
	Params providers.ChatParams
}

// StageFunc runs one stage against the shared state. Extra issues for
// the node_end payload are returned alongside any hard error.
type StageFunc func(ctx context.Context, env *Env, st *state.TurnState, span *events.Span) ([]string, error)

// StageSpec describes one registered stage.
type StageSpec struct {
	ID            string
	RoleKey       string
	PromptName    string
	ToolsPolicy   string
	AllowedSkills []string
	Run           StageFunc
}

// Env bundles the collaborators a stage needs. One Env serves one
// turn; Resources carries the turn's world draft.
type Env struct {
	Loop      *toolloop.Loop
	Renderer  *prompts.Renderer
	Firewall  *tools.Firewall
	Registry  *tools.Registry
	Resources *tools.Resources
	Emitter   *events.Emitter
	Models    map[string]RoleModel

	// CommitWorld persists the turn's world before the world_commit
	// event is emitted. Nil means the caller persists separately.
	CommitWorld func(world *state.World, diff *state.WorldDiff) error

	// Loop bounds, from configuration.
	ContextRounds int
	ToolRounds    int
}

func (e *Env) model(roleKey string) RoleModel {
	if m, ok := e.Models[roleKey]; ok {
		return m
	}
	return e.Models[RoleAnswer]
}

// toolsetFor composes the firewalled toolset for a stage, honouring
// its policy.
func (e *Env) toolsetFor(spec *StageSpec) *tools.Toolset {
	if spec.ToolsPolicy != PolicyLoop {
		return tools.EmptyToolset()
	}
	return e.Firewall.ToolsetFor(spec.AllowedSkills)
}
