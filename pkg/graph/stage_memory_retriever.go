package graph

import (
	"context"
	"encoding/json"

	"github.com/go-go-golems/thalamus/pkg/events"
	"github.com/go-go-golems/thalamus/pkg/providers"
	"github.com/go-go-golems/thalamus/pkg/state"
	"github.com/go-go-golems/thalamus/pkg/toolloop"
	"github.com/go-go-golems/thalamus/pkg/tools"
)

func memoryRetrieverSpec() *StageSpec {
	return &StageSpec{
		ID:            StageMemoryRetriever,
		RoleKey:       RoleReflect,
		PromptName:    "memory_retriever",
		ToolsPolicy:   PolicyLoop,
		AllowedSkills: []string{tools.SkillMemoryRead},
		Run:           runMemoryRetriever,
	}
}

// runMemoryRetriever translates the builder's memory_request into one
// or more memory queries and hands control back to the builder.
func runMemoryRetriever(ctx context.Context, env *Env, st *state.TurnState, span *events.Span) ([]string, error) {
	var issues []string
	spec := memoryRetrieverSpec()

	request := "{}"
	if st.Context.MemoryRequest != nil {
		if b, err := json.Marshal(st.Context.MemoryRequest); err == nil {
			request = string(b)
		}
	}

	renderSystem := func() (string, error) {
		tokens := baseTokens(st)
		tokens["CONTEXT"] = contextSummary(&st.Context)
		tokens["MEMORY_REQUEST"] = request
		return renderPrompt(env, spec, tokens)
	}
	system, err := renderSystem()
	if err != nil {
		return issues, err
	}

	model := env.model(RoleReflect)
	result, err := env.Loop.Run(ctx, span, toolloop.Request{
		Model:         model.Name,
		Messages:      systemUserMessages(system, st.Task.UserText),
		Params:        model.Params,
		Toolset:       env.toolsetFor(spec),
		Resources:     env.Resources,
		RefreshSystem: renderSystem,
		MaxRounds:     env.ToolRounds,
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

	// The retrieved evidence is consumed by another builder pass.
	st.Context.Next = StageContextBuilder
	st.Context.MemoryRequest = nil
	return issues, nil
}
