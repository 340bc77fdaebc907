package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	go_openai "github.com/sashabaranov/go-openai"
)

func intPtr(i int) *int { return &i }

func TestToolCallMergerAssemblesDeltas(t *testing.T) {
	m := newToolCallMerger()
	m.add([]go_openai.ToolCall{
		{Index: intPtr(0), ID: "call-1", Function: go_openai.FunctionCall{Name: "memory_", Arguments: `{"que`}},
	})
	m.add([]go_openai.ToolCall{
		{Index: intPtr(0), Function: go_openai.FunctionCall{Name: "query", Arguments: `ry":"go"}`}},
	})
	m.add([]go_openai.ToolCall{
		{Index: intPtr(1), ID: "call-2", Function: go_openai.FunctionCall{Name: "chat_history_tail", Arguments: `{"n":5}`}},
	})

	calls := m.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "call-1", calls[0].ID)
	assert.Equal(t, "memory_query", calls[0].Name)
	assert.Equal(t, `{"query":"go"}`, calls[0].ArgumentsJSON)
	assert.Equal(t, "call-2", calls[1].ID)
}

func TestMakeRequestMapsMessagesAndTools(t *testing.T) {
	temp := float32(0.2)
	req, err := makeRequest(ChatRequest{
		Model: "qwen2.5-7b",
		Messages: []Message{
			{Role: RoleSystem, Content: "be terse"},
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "memory_query", ArgumentsJSON: `{"query":"x"}`}}},
			{Role: RoleTool, ToolCallID: "c1", Name: "memory_query", Content: `{"ok":true}`},
		},
		Tools: []ToolDef{
			{Name: "memory_query", Description: "query memories", Parameters: map[string]any{"type": "object"}},
		},
		Params: ChatParams{Temperature: &temp, MaxTokens: 512},
	})
	require.NoError(t, err)

	assert.True(t, req.Stream)
	require.NotNil(t, req.StreamOptions)
	assert.True(t, req.StreamOptions.IncludeUsage)
	require.Len(t, req.Messages, 4)
	assert.Equal(t, "c1", req.Messages[2].ToolCalls[0].ID)
	assert.Equal(t, "c1", req.Messages[3].ToolCallID)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "memory_query", req.Tools[0].Function.Name)
	assert.Nil(t, req.ResponseFormat)
}

func TestMakeRequestJSONObjectFormat(t *testing.T) {
	req, err := makeRequest(ChatRequest{
		Model:    "m",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Format:   ResponseFormat{Type: "json_object"},
	})
	require.NoError(t, err)
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, go_openai.ChatCompletionResponseFormatTypeJSONObject, req.ResponseFormat.Type)
}

func TestMakeRequestJSONSchemaFormat(t *testing.T) {
	req, err := makeRequest(ChatRequest{
		Model:    "m",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Format: ResponseFormat{
			Type:       "json_schema",
			SchemaName: "route_decision",
			Schema:     map[string]any{"type": "object"},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, req.ResponseFormat)
	require.NotNil(t, req.ResponseFormat.JSONSchema)
	assert.Equal(t, "route_decision", req.ResponseFormat.JSONSchema.Name)
}

func TestMakeRequestRejectsUnknownFormat(t *testing.T) {
	_, err := makeRequest(ChatRequest{
		Model:    "m",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Format:   ResponseFormat{Type: "yaml"},
	})
	require.Error(t, err)
}

func TestMakeRequestRequiresModel(t *testing.T) {
	_, err := makeRequest(ChatRequest{})
	require.Error(t, err)
}

func TestTransportErrorClassification(t *testing.T) {
	err := WrapTransport(&go_openai.APIError{HTTPStatusCode: 503})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, TransportServer, te.Class)
	assert.True(t, te.Transient())

	err = WrapTransport(&go_openai.APIError{HTTPStatusCode: 401})
	require.ErrorAs(t, err, &te)
	assert.Equal(t, TransportOther, te.Class)
	assert.False(t, te.Transient())

	err = WrapTransport(assert.AnError)
	require.ErrorAs(t, err, &te)
	assert.Equal(t, TransportOther, te.Class)
}
