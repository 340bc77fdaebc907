package graph

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/thalamus/pkg/events"
	"github.com/go-go-golems/thalamus/pkg/helpers/jsonx"
	"github.com/go-go-golems/thalamus/pkg/state"
	"github.com/go-go-golems/thalamus/pkg/toolloop"
)

func reflectTopicsSpec() *StageSpec {
	return &StageSpec{
		ID:          StageReflectTopics,
		RoleKey:     RoleReflect,
		PromptName:  "reflect_topics",
		ToolsPolicy: PolicyDisabled,
		Run:         runReflectTopics,
	}
}

// runReflectTopics refreshes world.topics from the finished exchange.
// The model output is a JSON array of strings; parse failure keeps the
// prior topics.
func runReflectTopics(ctx context.Context, env *Env, st *state.TurnState, span *events.Span) ([]string, error) {
	var issues []string

	tokens := baseTokens(st)
	tokens["ANSWER"] = st.Final.Answer
	system, err := renderPrompt(env, reflectTopicsSpec(), tokens)
	if err != nil {
		return issues, err
	}

	model := env.model(RoleReflect)
	result, err := env.Loop.Run(ctx, span, toolloop.Request{
		Model:    model.Name,
		Messages: systemUserMessages(system, st.Task.UserText),
		Params:   model.Params,
	})
	if err != nil {
		return issues, err
	}

	topics, ok := jsonx.FirstStringArray(result.Text)
	if !ok {
		issues = append(issues, "reflect_topics_parse_failed")
		return issues, nil
	}

	// Full replacement, applied through the world draft so the diff and
	// commit discipline see it.
	draft := env.Resources.WorldDraft().Clone()
	draft.Topics = topics
	env.Resources.SetWorldDraft(draft)
	log.Debug().Strs("topics", topics).Msg("graph: topics refreshed")
	return issues, nil
}
