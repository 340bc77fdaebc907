package controller

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/thalamus/pkg/events"
	"github.com/go-go-golems/thalamus/pkg/graph"
	"github.com/go-go-golems/thalamus/pkg/providers"
	"github.com/go-go-golems/thalamus/pkg/state"
	"github.com/go-go-golems/thalamus/pkg/store"
	"github.com/go-go-golems/thalamus/pkg/tools"
)

type fakeEngine struct {
	respond func(req providers.ChatRequest) []providers.StreamEvent
}

func (e *fakeEngine) ChatStream(_ context.Context, req providers.ChatRequest) (<-chan providers.StreamEvent, error) {
	script := e.respond(req)
	out := make(chan providers.StreamEvent, len(script))
	for _, ev := range script {
		out <- ev
	}
	close(out)
	return out, nil
}

func reply(text string) []providers.StreamEvent {
	return []providers.StreamEvent{
		{Kind: providers.StreamDelta, Delta: text},
		{Kind: providers.StreamFinish, Finish: providers.FinishStop},
	}
}

func hasTool(req providers.ChatRequest, name string) bool {
	for _, t := range req.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

func writePrompts(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	templates := map[string]string{
		"router":           "route: <<USER_TEXT>> world: <<WORLD>>",
		"context_builder":  "gather for <<USER_TEXT>>: <<CONTEXT>>",
		"memory_retriever": "retrieve <<MEMORY_REQUEST>>",
		"world_modifier":   "edit world <<WORLD>>",
		"answer":           "answer <<USER_TEXT>> with <<CONTEXT>>",
		"reflect_topics":   "topics after <<ANSWER>>",
		"memory_writer":    "store from <<ANSWER>>",
	}
	for name, body := range templates {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".txt"), []byte(body), 0o644))
	}
	return dir
}

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		WorldStatePath:  filepath.Join(dir, "world.json"),
		ChatHistoryPath: filepath.Join(dir, "chat.jsonl"),
		UserNamespace:   "tester",
		PromptDir:       writePrompts(t),
		RoleModels: map[string]graph.RoleModel{
			graph.RoleRouter:  {Name: "router-model"},
			graph.RolePlanner: {Name: "planner-model"},
			graph.RoleReflect: {Name: "reflect-model"},
			graph.RoleAnswer:  {Name: "answer-model"},
		},
	}
}

// answerEngine routes everything to the answer path and replies with
// the given text.
func answerEngine(text string) *fakeEngine {
	return &fakeEngine{respond: func(req providers.ChatRequest) []providers.StreamEvent {
		switch req.Model {
		case "router-model":
			return reply(`{"route":"answer"}`)
		case "answer-model":
			return reply(text)
		case "reflect-model":
			if hasTool(req, tools.ToolMemoryStore) {
				return reply("nothing to store")
			}
			return reply("[]")
		}
		return reply("")
	}}
}

func drain(stream <-chan events.TurnEvent) []events.TurnEvent {
	var out []events.TurnEvent
	for ev := range stream {
		out = append(out, ev)
	}
	return out
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	cfg := testConfig(t)
	delete(cfg.RoleModels, graph.RoleAnswer)
	_, err = New(cfg, WithEngine(answerEngine("x")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "answer")
}

func TestNewRejectsUnknownSkill(t *testing.T) {
	cfg := testConfig(t)
	cfg.EnabledSkills = []string{"no_such_skill"}
	_, err := New(cfg, WithEngine(answerEngine("x")))
	require.Error(t, err)
}

func TestSubmitTurnTrivial(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg, WithEngine(answerEngine("Hi.")))
	require.NoError(t, err)

	stream, err := c.SubmitTurn(context.Background(), "Say hi.")
	require.NoError(t, err)
	evs := drain(stream)

	require.NotEmpty(t, evs)
	assert.Equal(t, events.EventTypeTurnStart, evs[0].Type)
	assert.Equal(t, events.EventTypeTurnEndOK, evs[len(evs)-1].Type)
	for _, ev := range evs {
		assert.NotEqual(t, events.EventTypeWorldCommit, ev.Type)
		assert.Equal(t, "turn.v1", ev.Protocol)
	}

	// Unchanged world was never persisted.
	_, statErr := os.Stat(cfg.WorldStatePath)
	assert.True(t, os.IsNotExist(statErr))

	// History carries the exchange.
	turns, err := c.ReadChatTail(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, state.RoleHuman, turns[0].Role)
	assert.Equal(t, "Say hi.", turns[0].Content)
	assert.Equal(t, state.RoleAssistant, turns[1].Role)
	assert.Equal(t, "Hi.", turns[1].Content)
	assert.NotEmpty(t, turns[1].Meta["turn_id"])
}

func TestSubmitTurnWorldEdit(t *testing.T) {
	applied := false
	engine := &fakeEngine{respond: func(req providers.ChatRequest) []providers.StreamEvent {
		switch req.Model {
		case "router-model":
			return reply(`{"route":"world"}`)
		case "planner-model":
			if hasTool(req, tools.ToolWorldApplyOps) && !applied {
				applied = true
				return []providers.StreamEvent{
					{Kind: providers.StreamToolCall, ToolCall: providers.ToolCall{
						ID:            "c1",
						Name:          tools.ToolWorldApplyOps,
						ArgumentsJSON: `{"ops":[{"op":"set","path":"project","value":"aurora"}]}`,
					}},
					{Kind: providers.StreamFinish, Finish: providers.FinishToolCalls},
				}
			}
			return reply("done")
		case "answer-model":
			return reply("Project is now aurora.")
		case "reflect-model":
			if hasTool(req, tools.ToolMemoryStore) {
				return reply("nothing to store")
			}
			return reply("[]")
		}
		return reply("")
	}}

	cfg := testConfig(t)
	c, err := New(cfg, WithEngine(engine))
	require.NoError(t, err)

	stream, err := c.SubmitTurn(context.Background(), "Set project to aurora.")
	require.NoError(t, err)
	evs := drain(stream)

	sawCommit := false
	for _, ev := range evs {
		if ev.Type == events.EventTypeWorldCommit {
			sawCommit = true
		}
	}
	assert.True(t, sawCommit)
	assert.Equal(t, events.EventTypeTurnEndOK, evs[len(evs)-1].Type)

	// Committed durably: a fresh store sees the edit.
	world, err := store.NewWorldStore(cfg.WorldStatePath).Load()
	require.NoError(t, err)
	assert.Equal(t, "aurora", world.Project)
	assert.NotEmpty(t, world.UpdatedAt)
}

func TestSubmitTurnsAreSerialised(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg, WithEngine(answerEngine("ok")))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		stream, err := c.SubmitTurn(context.Background(), "again")
		require.NoError(t, err)
		drain(stream)
	}

	turns, err := c.ReadChatTail(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, turns, 6)
	for i, turn := range turns {
		if i%2 == 0 {
			assert.Equal(t, state.RoleHuman, turn.Role)
		} else {
			assert.Equal(t, state.RoleAssistant, turn.Role)
		}
	}
}

func TestSubmitTurnRejectsEmptyText(t *testing.T) {
	c, err := New(testConfig(t), WithEngine(answerEngine("x")))
	require.NoError(t, err)

	_, err = c.SubmitTurn(context.Background(), "   ")
	require.Error(t, err)

	turns, err := c.ReadChatTail(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestCancelledTurnLeavesNoAssistantRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	engine := &fakeEngine{respond: func(req providers.ChatRequest) []providers.StreamEvent {
		switch req.Model {
		case "router-model":
			return reply(`{"route":"answer"}`)
		case "answer-model":
			cancel()
			return []providers.StreamEvent{
				{Kind: providers.StreamDelta, Delta: "part"},
				{Kind: providers.StreamFinish, Finish: providers.FinishError, Err: context.Canceled},
			}
		}
		return reply("")
	}}

	c, err := New(testConfig(t), WithEngine(engine))
	require.NoError(t, err)

	stream, err := c.SubmitTurn(ctx, "hello")
	require.NoError(t, err)
	evs := drain(stream)

	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	require.Equal(t, events.EventTypeTurnEndError, last.Type)
	assert.Equal(t, events.ReasonCancelled, last.Payload.(events.TurnEndErrorPayload).Reason)

	turns, err := c.ReadChatTail(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, state.RoleHuman, turns[0].Role)
}

func TestCommitWorldRetriesThenFails(t *testing.T) {
	// Parent path is a regular file, so every write attempt fails.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	c := &Controller{world: store.NewWorldStore(filepath.Join(blocker, "world.json"))}
	err := c.commitWorld(state.DefaultWorld(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "twice")
}
