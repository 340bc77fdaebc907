package providers

import (
	"context"
	"encoding/json"
	"io"
	"sort"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

// OpenAIEngine speaks the OpenAI-compatible streaming chat protocol, as
// served by local model servers (llama.cpp, vLLM, ollama) and the
// hosted API alike.
type OpenAIEngine struct {
	client *go_openai.Client
}

type OpenAIOption func(*go_openai.ClientConfig)

// WithBaseURL points the engine at an OpenAI-compatible endpoint.
func WithBaseURL(url string) OpenAIOption {
	return func(cfg *go_openai.ClientConfig) { cfg.BaseURL = url }
}

func NewOpenAIEngine(apiKey string, options ...OpenAIOption) *OpenAIEngine {
	cfg := go_openai.DefaultConfig(apiKey)
	for _, o := range options {
		o(&cfg)
	}
	return &OpenAIEngine{client: go_openai.NewClientWithConfig(cfg)}
}

func (e *OpenAIEngine) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	oreq, err := makeRequest(req)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("model", req.Model).
		Int("num_messages", len(req.Messages)).
		Int("num_tools", len(req.Tools)).
		Str("format", req.Format.Type).
		Msg("providers: opening chat stream")

	stream, err := e.client.CreateChatCompletionStream(ctx, *oreq)
	if err != nil {
		return nil, WrapTransport(err)
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		defer func() {
			if err := stream.Close(); err != nil {
				log.Warn().Err(err).Msg("providers: failed to close stream")
			}
		}()
		pumpStream(ctx, stream, out)
	}()
	return out, nil
}

func pumpStream(ctx context.Context, stream *go_openai.ChatCompletionStream, out chan<- StreamEvent) {
	merger := newToolCallMerger()
	var usage *Usage
	finish := FinishStop
	chunks := 0

	for {
		if ctx.Err() != nil {
			emit(ctx, out, StreamEvent{Kind: StreamFinish, Finish: FinishError, Err: ctx.Err()})
			return
		}
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Error().Err(err).Int("chunks_received", chunks).Msg("providers: stream receive failed")
			emit(ctx, out, StreamEvent{Kind: StreamFinish, Finish: FinishError, Err: WrapTransport(err)})
			return
		}
		chunks++

		if response.Usage != nil {
			usage = &Usage{
				InputTokens:  response.Usage.PromptTokens,
				OutputTokens: response.Usage.CompletionTokens,
			}
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		if choice.Delta.Content != "" {
			if !emit(ctx, out, StreamEvent{Kind: StreamDelta, Delta: choice.Delta.Content}) {
				return
			}
		}
		if len(choice.Delta.ToolCalls) > 0 {
			merger.add(choice.Delta.ToolCalls)
		}
		switch choice.FinishReason {
		case go_openai.FinishReasonStop:
			finish = FinishStop
		case go_openai.FinishReasonToolCalls:
			finish = FinishToolCalls
		case go_openai.FinishReasonLength:
			finish = FinishLength
		}
	}

	calls := merger.calls()
	if len(calls) > 0 && finish == FinishStop {
		finish = FinishToolCalls
	}
	for _, tc := range calls {
		if !emit(ctx, out, StreamEvent{Kind: StreamToolCall, ToolCall: tc}) {
			return
		}
	}
	if usage == nil {
		log.Debug().Msg("providers: no usage reported on finish")
	}
	emit(ctx, out, StreamEvent{Kind: StreamFinish, Finish: finish, Usage: usage})
}

func emit(ctx context.Context, out chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func makeRequest(req ChatRequest) (*go_openai.ChatCompletionRequest, error) {
	if req.Model == "" {
		return nil, errors.New("providers: no model specified")
	}
	oreq := &go_openai.ChatCompletionRequest{
		Model:  req.Model,
		Stream: true,
		StreamOptions: &go_openai.StreamOptions{
			IncludeUsage: true,
		},
		MaxTokens: req.Params.MaxTokens,
		Stop:      req.Params.Stop,
	}
	if req.Params.Temperature != nil {
		oreq.Temperature = *req.Params.Temperature
	}

	for _, m := range req.Messages {
		om := go_openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, go_openai.ToolCall{
				ID:   tc.ID,
				Type: go_openai.ToolTypeFunction,
				Function: go_openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.ArgumentsJSON,
				},
			})
		}
		oreq.Messages = append(oreq.Messages, om)
	}

	for _, t := range req.Tools {
		oreq.Tools = append(oreq.Tools, go_openai.Tool{
			Type: go_openai.ToolTypeFunction,
			Function: &go_openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	switch req.Format.Type {
	case "":
	case "json_object":
		oreq.ResponseFormat = &go_openai.ChatCompletionResponseFormat{
			Type: go_openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	case "json_schema":
		schemaBytes, err := json.Marshal(req.Format.Schema)
		if err != nil {
			return nil, errors.Wrap(err, "providers: marshal response schema")
		}
		oreq.ResponseFormat = &go_openai.ChatCompletionResponseFormat{
			Type: go_openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &go_openai.ChatCompletionResponseFormatJSONSchema{
				Name:   req.Format.SchemaName,
				Schema: json.RawMessage(schemaBytes),
				Strict: true,
			},
		}
	default:
		return nil, errors.Errorf("providers: unknown response format %q", req.Format.Type)
	}
	return oreq, nil
}

// toolCallMerger accumulates tool-call deltas by stream index until the
// full invocation is assembled.
type toolCallMerger struct {
	byIndex map[int]go_openai.ToolCall
}

func newToolCallMerger() *toolCallMerger {
	return &toolCallMerger{byIndex: make(map[int]go_openai.ToolCall)}
}

func (m *toolCallMerger) add(toolCalls []go_openai.ToolCall) {
	for _, call := range toolCalls {
		index := 0
		if call.Index != nil {
			index = *call.Index
		}
		if existing, found := m.byIndex[index]; found {
			if call.ID != "" {
				existing.ID = call.ID
			}
			existing.Function.Name += call.Function.Name
			existing.Function.Arguments += call.Function.Arguments
			m.byIndex[index] = existing
		} else {
			m.byIndex[index] = call
		}
	}
}

// calls returns merged invocations in stream-index order.
func (m *toolCallMerger) calls() []ToolCall {
	indexes := make([]int, 0, len(m.byIndex))
	for i := range m.byIndex {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	out := make([]ToolCall, 0, len(indexes))
	for _, i := range indexes {
		call := m.byIndex[i]
		out = append(out, ToolCall{
			ID:            call.ID,
			Name:          call.Function.Name,
			ArgumentsJSON: call.Function.Arguments,
		})
	}
	return out
}
