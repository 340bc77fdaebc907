package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(sub *Subscriber) []TurnEvent {
	var out []TurnEvent
	for ev := range sub.Events() {
		out = append(out, ev)
	}
	return out
}

func TestEmitterSeqContiguous(t *testing.T) {
	em := NewEmitter("turn-1", 0)
	sub := em.Subscribe()

	em.TurnStart("hello", "2026-01-01T00:00:00Z", "UTC")
	span := em.Span("llm_router", "router")
	span.Thinking("hm")
	span.EndOK(nil)
	em.TurnEndOK([]string{"llm_router"}, 5*time.Millisecond)
	em.Close()

	evs := collect(sub)
	require.Len(t, evs, 6)
	for i, ev := range evs {
		assert.Equal(t, Protocol, ev.Protocol)
		assert.Equal(t, "turn-1", ev.TurnID)
		assert.Equal(t, i+1, ev.Seq)
	}
	assert.Equal(t, EventTypeTurnStart, evs[0].Type)
	assert.Equal(t, EventTypeNodeStart, evs[1].Type)
	assert.Equal(t, EventTypeDeltaThinking, evs[2].Type)
	assert.Equal(t, EventTypeNodeEnd, evs[3].Type)
	assert.Equal(t, EventTypeTurnEndOK, evs[4].Type)
}

func TestSpanPairsStageID(t *testing.T) {
	em := NewEmitter("turn-2", 0)
	sub := em.Subscribe()

	span := em.Span("llm_answer", "answerer")
	span.ToolCall("chat_history_tail", "call-1", "abcd1234")
	span.ToolResult("chat_history_tail", "call-1", true, 2*time.Millisecond, 42, nil)
	span.EndError([]string{"tool_rounds_bounded"})
	// double end is a no-op
	span.EndOK(nil)
	em.Close()

	evs := collect(sub)
	require.Len(t, evs, 4)

	start, ok := evs[0].Payload.(NodeStartPayload)
	require.True(t, ok)
	assert.Equal(t, "llm_answer", start.StageID)
	assert.Equal(t, "answerer", start.RoleKey)

	call, ok := evs[1].Payload.(ToolCallPayload)
	require.True(t, ok)
	assert.Equal(t, "llm_answer", call.StageID)

	end, ok := evs[3].Payload.(NodeEndPayload)
	require.True(t, ok)
	assert.False(t, end.OK)
	assert.Equal(t, []string{"tool_rounds_bounded"}, end.Issues)
}

func TestSubscriberDropsOnlyDroppable(t *testing.T) {
	em := NewEmitter("turn-3", 4)
	sub := em.Subscribe()

	// Fill the queue past capacity before the consumer reads anything.
	em.TurnStart("hi", "2026-01-01T00:00:00Z", "UTC")
	for i := 0; i < 10; i++ {
		em.AssistantDelta("x")
	}
	// Essential events must survive even on a full queue.
	em.WorldCommit(map[string]any{})
	em.TurnEndOK(nil, time.Millisecond)
	em.Close()

	evs := collect(sub)

	var types []EventType
	overflowCount := 0
	dropped := 0
	for _, ev := range evs {
		types = append(types, ev.Type)
		if ev.Type == EventTypeOverflow {
			overflowCount++
			dropped += ev.Payload.(OverflowPayload).Dropped
		}
	}
	assert.Contains(t, types, EventTypeTurnStart)
	assert.Contains(t, types, EventTypeWorldCommit)
	assert.Contains(t, types, EventTypeTurnEndOK)
	require.Equal(t, 1, overflowCount, "burst drops coalesce into one overflow event")
	assert.Greater(t, dropped, 0)

	// Order is still monotonic, overflow inherits the first dropped seq.
	last := 0
	for _, ev := range evs {
		assert.Greater(t, ev.Seq, last)
		last = ev.Seq
	}
}

func TestSubscriberNeverDropsEssential(t *testing.T) {
	em := NewEmitter("turn-4", 2)
	sub := em.Subscribe()

	for i := 0; i < 20; i++ {
		em.Emit(EventTypeToolCall, ToolCallPayload{Name: "memory_query"})
	}
	em.Close()

	evs := collect(sub)
	count := 0
	for _, ev := range evs {
		if ev.Type == EventTypeToolCall {
			count++
		}
		assert.NotEqual(t, EventTypeOverflow, ev.Type)
	}
	assert.Equal(t, 20, count)
}

func TestEmitAfterCloseIsNoop(t *testing.T) {
	em := NewEmitter("turn-5", 0)
	sub := em.Subscribe()
	em.TurnStart("hi", "2026-01-01T00:00:00Z", "UTC")
	em.Close()
	em.AssistantDelta("late")

	evs := collect(sub)
	require.Len(t, evs, 1)
	assert.Equal(t, EventTypeTurnStart, evs[0].Type)
}

func TestSubscriberCancel(t *testing.T) {
	em := NewEmitter("turn-6", 0)
	sub := em.Subscribe()
	em.TurnStart("hi", "2026-01-01T00:00:00Z", "UTC")
	sub.Cancel()
	// Emitting after cancel must not block even with no consumer.
	for i := 0; i < 100; i++ {
		em.AssistantDelta("x")
	}
	em.Close()

	for range sub.Events() {
	}
}

func TestConcurrentEmitters(t *testing.T) {
	em := NewEmitter("turn-7", 0)
	sub := em.Subscribe()

	var wg sync.WaitGroup
	const n = 8
	const per = 50
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < per; j++ {
				em.Emit(EventTypeToolResult, ToolResultPayload{Name: "memory_store", OK: true})
			}
		}()
	}

	done := make(chan []TurnEvent)
	go func() { done <- collect(sub) }()

	wg.Wait()
	em.Close()
	evs := <-done

	require.Len(t, evs, n*per)
	seen := map[int]bool{}
	for _, ev := range evs {
		assert.False(t, seen[ev.Seq], "seq %d emitted twice", ev.Seq)
		seen[ev.Seq] = true
	}
}

func TestParseEventRoundTrip(t *testing.T) {
	em := NewEmitter("turn-8", 0)
	sub := em.Subscribe()
	em.Emit(EventTypeToolResult, ToolResultPayload{
		Name: "world_apply_ops", ID: "call-9", OK: false,
		Error: &ToolErrorInfo{Kind: "forbidden", Message: "tool not in toolset"},
	})
	em.Close()
	evs := collect(sub)
	require.Len(t, evs, 1)

	b, err := json.Marshal(evs[0])
	require.NoError(t, err)
	got, err := ParseEvent(b)
	require.NoError(t, err)

	assert.Equal(t, evs[0].Seq, got.Seq)
	assert.Equal(t, evs[0].TurnID, got.TurnID)
	payload, ok := got.Payload.(*ToolResultPayload)
	require.True(t, ok)
	require.NotNil(t, payload.Error)
	assert.Equal(t, "forbidden", payload.Error.Kind)
}
