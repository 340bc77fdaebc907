package events

import (
	"github.com/rs/zerolog"
)

// Protocol is the wire protocol identifier stamped on every event.
const Protocol = "turn.v1"

type EventType string

const (
	// turn lifecycle
	EventTypeTurnStart    EventType = "turn_start"
	EventTypeTurnEndOK    EventType = "turn_end_ok"
	EventTypeTurnEndError EventType = "turn_end_error"

	// node spans
	EventTypeNodeStart EventType = "node_start"
	EventTypeNodeEnd   EventType = "node_end"

	// assistant stream
	EventTypeAssistantStreamStart EventType = "assistant_stream_start"
	EventTypeAssistantDelta       EventType = "assistant_delta"
	EventTypeAssistantStreamEnd   EventType = "assistant_stream_end"

	// diagnostics
	EventTypeDeltaThinking EventType = "delta_thinking"
	EventTypeLog           EventType = "log"

	// tool trace
	EventTypeToolCall   EventType = "tool_call"
	EventTypeToolResult EventType = "tool_result"

	// commit record
	EventTypeWorldCommit EventType = "world_commit"

	// emitted by a subscriber buffer when it had to drop events
	EventTypeOverflow EventType = "overflow"
)

// TurnEvent is the envelope every consumer sees. Payload is one of the
// typed payload structs below, keyed by Type.
type TurnEvent struct {
	Protocol string    `json:"protocol"`
	Seq      int       `json:"seq"`
	TurnID   string    `json:"turn_id"`
	Type     EventType `json:"type"`
	TS       string    `json:"ts"`
	Payload  any       `json:"payload"`
}

func (e TurnEvent) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type)).Int("seq", e.Seq).Str("turn_id", e.TurnID)
}

// Essential reports whether the event may never be dropped by a
// subscriber buffer. Only token deltas and log lines are droppable.
func (e TurnEvent) Essential() bool {
	switch e.Type {
	case EventTypeDeltaThinking, EventTypeAssistantDelta, EventTypeLog:
		return false
	}
	return true
}

type TurnStartPayload struct {
	UserText string `json:"user_text"`
	NowISO   string `json:"now_iso"`
	Timezone string `json:"timezone"`
}

type TurnSummary struct {
	NodesVisited []string `json:"nodes_visited"`
	DurationMS   int64    `json:"duration_ms"`
}

type TurnEndOKPayload struct {
	Summary TurnSummary `json:"summary"`
}

// EndReason enumerates turn_end_error reasons.
type EndReason string

const (
	ReasonCancelled EndReason = "cancelled"
	ReasonDeadline  EndReason = "deadline"
	ReasonTransport EndReason = "transport"
	ReasonInternal  EndReason = "internal"
)

type TurnEndErrorPayload struct {
	Reason  EndReason `json:"reason"`
	Message string    `json:"message"`
}

type NodeStartPayload struct {
	StageID string `json:"stage_id"`
	RoleKey string `json:"role_key"`
}

type NodeEndPayload struct {
	StageID    string   `json:"stage_id"`
	OK         bool     `json:"ok"`
	DurationMS int64    `json:"duration_ms"`
	Issues     []string `json:"issues,omitempty"`
}

type AssistantStreamStartPayload struct{}

type AssistantDeltaPayload struct {
	Text string `json:"text"`
}

type AssistantStreamEndPayload struct {
	TextTotal string `json:"text_total"`
}

type DeltaThinkingPayload struct {
	Text string `json:"text"`
}

type LogPayload struct {
	Level   string `json:"level"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

type ToolCallPayload struct {
	StageID    string `json:"stage_id"`
	Name       string `json:"name"`
	ID         string `json:"id"`
	ArgsDigest string `json:"args_digest"`
}

type ToolErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

type ToolResultPayload struct {
	StageID    string         `json:"stage_id"`
	Name       string         `json:"name"`
	ID         string         `json:"id"`
	OK         bool           `json:"ok"`
	DurationMS int64          `json:"duration_ms"`
	Bytes      int            `json:"bytes"`
	Error      *ToolErrorInfo `json:"error,omitempty"`
}

type WorldCommitPayload struct {
	Diff any `json:"diff"`
}

type OverflowPayload struct {
	Dropped int `json:"dropped"`
}
