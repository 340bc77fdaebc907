package graph

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/thalamus/pkg/events"
	"github.com/go-go-golems/thalamus/pkg/state"
	"github.com/go-go-golems/thalamus/pkg/toolloop"
)

func answerSpec() *StageSpec {
	return &StageSpec{
		ID:          StageAnswer,
		RoleKey:     RoleAnswer,
		PromptName:  "answer",
		ToolsPolicy: PolicyDisabled,
		Run:         runAnswer,
	}
}

// runAnswer streams the user-facing reply. The answer is the entire
// model output concatenation, written exactly once.
func runAnswer(ctx context.Context, env *Env, st *state.TurnState, span *events.Span) ([]string, error) {
	var issues []string
	if st.Final.Answer != "" {
		return issues, errors.New("final answer already written")
	}

	tokens := baseTokens(st)
	tokens["CONTEXT"] = contextSummary(&st.Context)
	system, err := renderPrompt(env, answerSpec(), tokens)
	if err != nil {
		return issues, err
	}

	env.Emitter.AssistantStreamStart()
	var streamed strings.Builder
	model := env.model(RoleAnswer)
	result, err := env.Loop.Run(ctx, span, toolloop.Request{
		Model:    model.Name,
		Messages: systemUserMessages(system, st.Task.UserText),
		Params:   model.Params,
		OnDelta: func(text string) {
			streamed.WriteString(text)
			env.Emitter.AssistantDelta(text)
		},
	})
	if err != nil {
		// Close the stream over whatever partial text made it out.
		env.Emitter.AssistantStreamEnd(streamed.String())
		return issues, err
	}

	st.Final.Answer = result.Text
	env.Emitter.AssistantStreamEnd(result.Text)
	return issues, nil
}
