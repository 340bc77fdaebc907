package providers

import "context"

// Role constants for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the provider conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// Set on assistant messages that carry tool invocations.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// Set on tool messages: the id of the call this result answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// Tool name, set alongside ToolCallID.
	Name string `json:"name,omitempty"`
}

// ToolDef is the schema-only view of a tool handed to the provider.
type ToolDef struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// JSON schema for the arguments object.
	Parameters any `json:"parameters"`
}

// ToolCall is a complete model-emitted tool invocation. ArgumentsJSON
// is the raw argument payload as streamed by the model; it is not
// guaranteed to be valid JSON.
type ToolCall struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ArgumentsJSON string `json:"arguments_json"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// FinishReason values reported on the stream finish marker.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
	FinishError     = "error"
)

// ResponseFormat hints the output shape to the provider. Zero value
// means free text.
type ResponseFormat struct {
	// "json_object" or "json_schema"; empty for free text.
	Type string
	// Schema name and body when Type is "json_schema".
	SchemaName string
	Schema     any
}

type ChatParams struct {
	Temperature *float32
	MaxTokens   int
	Stop        []string
}

type ChatRequest struct {
	Model    string
	Messages []Message
	Tools    []ToolDef
	Params   ChatParams
	Format   ResponseFormat
}

// StreamEventKind discriminates StreamEvent.
type StreamEventKind string

const (
	StreamDelta    StreamEventKind = "delta"
	StreamToolCall StreamEventKind = "tool_call"
	StreamFinish   StreamEventKind = "finish"
)

// StreamEvent is one element of the ordered provider stream. Deltas
// arrive first, then zero or more complete tool calls, then exactly one
// finish event. A transport failure mid-stream is reported as a finish
// with FinishError and Err set.
type StreamEvent struct {
	Kind     StreamEventKind
	Delta    string
	ToolCall ToolCall
	Finish   string
	Usage    *Usage
	Err      error
}

// Engine is the streaming chat abstraction. The returned channel is
// closed after the finish event. Implementations must observe ctx
// cancellation at every read.
type Engine interface {
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error)
}
