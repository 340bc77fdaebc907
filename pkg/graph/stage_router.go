package graph

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/thalamus/pkg/events"
	"github.com/go-go-golems/thalamus/pkg/helpers/jsonx"
	"github.com/go-go-golems/thalamus/pkg/providers"
	"github.com/go-go-golems/thalamus/pkg/state"
	"github.com/go-go-golems/thalamus/pkg/toolloop"
	"github.com/go-go-golems/thalamus/pkg/tools"
)

const routerChatTailLimit = 6

func routerSpec() *StageSpec {
	return &StageSpec{
		ID:          StageRouter,
		RoleKey:     RoleRouter,
		PromptName:  "router",
		ToolsPolicy: PolicyPrefill,
		Run:         runRouter,
	}
}

// runRouter prefills deterministic evidence (chat tail, memory lookup
// by topic digest), then asks the router model for a route decision.
func runRouter(ctx context.Context, env *Env, st *state.TurnState, span *events.Span) ([]string, error) {
	var issues []string
	prefillRouter(ctx, env, st, span)

	tokens := baseTokens(st)
	tokens["CONTEXT"] = contextSummary(&st.Context)
	system, err := renderPrompt(env, routerSpec(), tokens)
	if err != nil {
		return issues, err
	}

	model := env.model(RoleRouter)
	result, err := env.Loop.Run(ctx, span, toolloop.Request{
		Model:    model.Name,
		Messages: systemUserMessages(system, st.Task.UserText),
		Params:   model.Params,
		Format:   providers.ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return issues, err
	}

	decision, ok := jsonx.FirstObject(result.Text)
	if !ok {
		issues = append(issues, "router_parse_failed")
		st.Task.Route = state.RouteAnswer
		st.Runtime.Status = "routed"
		return issues, nil
	}

	st.Task.Route = normaliseRoute(decision["route"])
	if lang, ok := decision["language"].(string); ok && lang != "" {
		st.Task.Language = lang
	}
	st.Runtime.Status = "routed"
	log.Debug().Str("route", st.Task.Route).Str("language", st.Task.Language).Msg("graph: routed")
	return issues, nil
}

// prefillRouter never fails the stage; missing evidence just means a
// less informed route.
func prefillRouter(ctx context.Context, env *Env, st *state.TurnState, span *events.Span) {
	prefillSet := tools.ToolsetOf(env.Registry, tools.ToolChatHistoryTail, tools.ToolMemoryQuery)

	runPrefillCall(ctx, env, st, span, prefillSet, providers.ToolCall{
		ID:            "prefill-chat-tail",
		Name:          tools.ToolChatHistoryTail,
		ArgumentsJSON: mustJSON(map[string]any{"limit": routerChatTailLimit}),
	})

	if digest := topicDigest(st.World); digest != "" {
		runPrefillCall(ctx, env, st, span, prefillSet, providers.ToolCall{
			ID:            "prefill-memory",
			Name:          tools.ToolMemoryQuery,
			ArgumentsJSON: mustJSON(map[string]any{"query": digest, "k": 5}),
		})
	}
}

func runPrefillCall(ctx context.Context, env *Env, st *state.TurnState, span *events.Span, ts *tools.Toolset, call providers.ToolCall) {
	span.ToolCall(call.Name, call.ID, tools.ArgsDigest(call.ArgumentsJSON))
	outcome := ts.Execute(ctx, call, env.Resources)

	var errInfo *events.ToolErrorInfo
	if !outcome.OK {
		errInfo = &events.ToolErrorInfo{Kind: outcome.Kind, Message: outcome.Message}
	}
	span.ToolResult(call.Name, call.ID, outcome.OK, outcome.Duration, len(outcome.Content), errInfo)

	if packet, ok := evidenceFromOutcome(call, outcome); ok {
		st.Context.AppendSource(packet)
	}
}

// topicDigest is the mechanical memory query derived from the world.
func topicDigest(w *state.World) string {
	parts := make([]string, 0, len(w.Topics)+1)
	if w.Project != "" {
		parts = append(parts, w.Project)
	}
	parts = append(parts, w.Topics...)
	return strings.TrimSpace(strings.Join(parts, " "))
}

// normaliseRoute maps model output onto the route enum; anything
// unknown falls back to the answer route.
func normaliseRoute(v any) string {
	s, _ := v.(string)
	switch strings.ToLower(strings.TrimSpace(s)) {
	case state.RouteContext:
		return state.RouteContext
	case state.RouteWorld:
		return state.RouteWorld
	case state.RouteAnswer:
		return state.RouteAnswer
	default:
		return state.RouteAnswer
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
