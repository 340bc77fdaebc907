package graph

import (
	"context"
	"fmt"

	"github.com/go-go-golems/thalamus/pkg/events"
	"github.com/go-go-golems/thalamus/pkg/providers"
	"github.com/go-go-golems/thalamus/pkg/state"
	"github.com/go-go-golems/thalamus/pkg/toolloop"
	"github.com/go-go-golems/thalamus/pkg/tools"
)

func memoryWriterSpec() *StageSpec {
	return &StageSpec{
		ID:            StageMemoryWriter,
		RoleKey:       RoleReflect,
		PromptName:    "memory_writer",
		ToolsPolicy:   PolicyLoop,
		AllowedSkills: []string{tools.SkillMemoryWrite},
		Run:           runMemoryWriter,
	}
}

// runMemoryWriter decides which facts from the exchange are worth
// keeping and stores them; zero writes is a valid outcome.
func runMemoryWriter(ctx context.Context, env *Env, st *state.TurnState, span *events.Span) ([]string, error) {
	var issues []string
	spec := memoryWriterSpec()

	renderSystem := func() (string, error) {
		tokens := baseTokens(st)
		tokens["ANSWER"] = st.Final.Answer
		tokens["CONTEXT"] = contextSummary(&st.Context)
		return renderPrompt(env, spec, tokens)
	}
	system, err := renderSystem()
	if err != nil {
		return issues, err
	}

	stored := 0
	model := env.model(RoleReflect)
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
				stored++
			}
		},
	})
	if err != nil {
		return issues, err
	}
	issues = append(issues, result.Issues...)

	span.Log("info", fmt.Sprintf("stored %d memories", stored))
	return issues, nil
}
