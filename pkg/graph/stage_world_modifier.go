package graph

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/thalamus/pkg/events"
	"github.com/go-go-golems/thalamus/pkg/providers"
	"github.com/go-go-golems/thalamus/pkg/state"
	"github.com/go-go-golems/thalamus/pkg/toolloop"
	"github.com/go-go-golems/thalamus/pkg/tools"
)

func worldModifierSpec() *StageSpec {
	return &StageSpec{
		ID:            StageWorldModifier,
		RoleKey:       RolePlanner,
		PromptName:    "world_modifier",
		ToolsPolicy:   PolicyLoop,
		AllowedSkills: []string{tools.SkillCoreWorld},
		Run:           runWorldModifier,
	}
}

// runWorldModifier lets the planner mutate the world working copy via
// world_apply_ops. The executor publishes the draft back onto the turn
// state after the stage returns.
func runWorldModifier(ctx context.Context, env *Env, st *state.TurnState, span *events.Span) ([]string, error) {
	var issues []string
	spec := worldModifierSpec()

	// The world token tracks the draft, so ops applied in one round are
	// visible in the next round's prompt.
	renderSystem := func() (string, error) {
		tokens := baseTokens(st)
		tokens["WORLD"] = worldJSON(env.Resources.WorldDraft())
		return renderPrompt(env, spec, tokens)
	}
	system, err := renderSystem()
	if err != nil {
		return issues, err
	}

	applied := 0
	model := env.model(RolePlanner)
	result, err := env.Loop.Run(ctx, span, toolloop.Request{
		Model:         model.Name,
		Messages:      systemUserMessages(system, st.Task.UserText),
		Params:        model.Params,
		Toolset:       env.toolsetFor(spec),
		Resources:     env.Resources,
		RefreshSystem: renderSystem,
		MaxRounds:     env.ToolRounds,
		OnToolOutcome: func(_ providers.ToolCall, outcome tools.Outcome) {
			if outcome.OK {
				applied++
			}
		},
	})
	if err != nil {
		return issues, err
	}
	issues = append(issues, result.Issues...)

	if applied == 0 {
		issues = append(issues, "world_modifier_no_ops")
	}
	log.Debug().Int("applied_batches", applied).Msg("graph: world modifier done")
	return issues, nil
}
