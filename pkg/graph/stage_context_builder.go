package graph

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/thalamus/pkg/events"
	"github.com/go-go-golems/thalamus/pkg/helpers/jsonx"
	"github.com/go-go-golems/thalamus/pkg/providers"
	"github.com/go-go-golems/thalamus/pkg/state"
	"github.com/go-go-golems/thalamus/pkg/toolloop"
	"github.com/go-go-golems/thalamus/pkg/tools"
)

// contextBuilderRounds is the per-invocation tool round budget; the
// executor separately bounds builder/retriever round trips.
const contextBuilderRounds = 3

func contextBuilderSpec() *StageSpec {
	return &StageSpec{
		ID:            StageContextBuilder,
		RoleKey:       RolePlanner,
		PromptName:    "context_builder",
		ToolsPolicy:   PolicyLoop,
		AllowedSkills: []string{tools.SkillCoreContext, tools.SkillMemoryRead},
		Run:           runContextBuilder,
	}
}

// runContextBuilder gathers evidence with tools, then declares whether
// the context is complete and where to go next.
func runContextBuilder(ctx context.Context, env *Env, st *state.TurnState, span *events.Span) ([]string, error) {
	var issues []string
	spec := contextBuilderSpec()

	// Re-rendered every round so evidence from earlier rounds shows up
	// in the context summary, not just as tool messages.
	renderSystem := func() (string, error) {
		tokens := baseTokens(st)
		tokens["CONTEXT"] = contextSummary(&st.Context)
		return renderPrompt(env, spec, tokens)
	}
	system, err := renderSystem()
	if err != nil {
		return issues, err
	}

	model := env.model(RolePlanner)
	result, err := env.Loop.Run(ctx, span, toolloop.Request{
		Model:           model.Name,
		Messages:        systemUserMessages(system, st.Task.UserText),
		Params:          model.Params,
		Toolset:         env.toolsetFor(spec),
		Resources:       env.Resources,
		RefreshSystem:   renderSystem,
		MaxRounds:       contextBuilderRounds,
		Format:          providers.ResponseFormat{Type: "json_object"},
		FormatDirective: `Emit only a JSON object: {"complete": bool, "next": "memory_retriever"|"answer", "memory_request": object?}`,
		OnToolOutcome: func(call providers.ToolCall, outcome tools.Outcome) {
			if packet, ok := evidenceFromOutcome(call, outcome); ok {
				st.Context.AppendSource(packet)
			}
		},
	})
	if err != nil {
		return issues, err
	}
	issues = append(issues, result.Issues...)

	decision, ok := jsonx.FirstObject(result.Text)
	if !ok {
		issues = append(issues, "context_builder_parse_failed")
		st.Context.Complete = true
		st.Context.Next = StageAnswer
		return issues, nil
	}

	if complete, ok := decision["complete"].(bool); ok {
		st.Context.Complete = complete
	}
	switch decision["next"] {
	case StageMemoryRetriever:
		st.Context.Next = StageMemoryRetriever
	default:
		st.Context.Next = StageAnswer
	}
	if req, ok := decision["memory_request"].(map[string]any); ok {
		st.Context.MemoryRequest = req
	}
	log.Debug().
		Bool("complete", st.Context.Complete).
		Str("next", st.Context.Next).
		Int("sources", len(st.Context.Sources)).
		Msg("graph: context builder done")
	return issues, nil
}
