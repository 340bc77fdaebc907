// Package toolloop drives one streaming LLM call that may issue tool
// invocations, dispatching them deterministically and feeding results
// back into the model context until a tool-free response is produced.
package toolloop

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/thalamus/pkg/events"
	"github.com/go-go-golems/thalamus/pkg/providers"
	"github.com/go-go-golems/thalamus/pkg/tools"
)

// DefaultMaxRounds bounds tool rounds per stage invocation.
const DefaultMaxRounds = 8

// IssueToolRoundsBounded is appended when the round bound forces a
// formatting pass.
const IssueToolRoundsBounded = "tool_rounds_bounded"

// retryBackoff is the single-retry wait for transient transport
// failures; total added latency stays under two seconds.
const retryBackoff = 1500 * time.Millisecond

// Request describes one mediated LLM call.
type Request struct {
	Model    string
	Messages []providers.Message
	Params   providers.ChatParams
	Format   providers.ResponseFormat

	// Toolset may be nil or empty; the loop then degrades to a single
	// streaming call with Format as given.
	Toolset   *tools.Toolset
	Resources *tools.Resources

	// FormatDirective is the extra system message of the formatting
	// pass. Stages that expect structured output set it.
	FormatDirective string

	// RefreshSystem re-renders the leading system message before each
	// tool round after the first, and before the formatting pass, so
	// state accumulated by earlier rounds is visible to the model. Nil
	// keeps the initial render for the whole loop.
	RefreshSystem func() (string, error)

	// MaxRounds overrides DefaultMaxRounds when positive.
	MaxRounds int

	// OnDelta receives streamed text. When nil, deltas go to the span
	// as thinking events.
	OnDelta func(text string)

	// OnToolOutcome observes every executed tool call, successful or
	// not. Stages use it to record evidence.
	OnToolOutcome func(call providers.ToolCall, outcome tools.Outcome)
}

// Result is the loop outcome.
type Result struct {
	Text   string
	Usage  *providers.Usage
	Issues []string
}

type Loop struct {
	engine providers.Engine
}

func New(engine providers.Engine) *Loop {
	return &Loop{engine: engine}
}

// Run executes the loop. Tool failures become result values; the only
// error returns are transport failures that survived the retry and
// context cancellation.
func (l *Loop) Run(ctx context.Context, span *events.Span, req Request) (*Result, error) {
	onDelta := req.OnDelta
	if onDelta == nil {
		onDelta = span.Thinking
	}

	if req.Toolset == nil || req.Toolset.Empty() {
		text, usage, err := l.stream(ctx, onDelta, providers.ChatRequest{
			Model:    req.Model,
			Messages: req.Messages,
			Params:   req.Params,
			Format:   req.Format,
		})
		if err != nil {
			return nil, err
		}
		return &Result{Text: text, Usage: usage}, nil
	}

	maxRounds := req.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}

	messages := make([]providers.Message, len(req.Messages))
	copy(messages, req.Messages)
	schemas := req.Toolset.Schemas()

	var result Result
	var text string
	for round := 1; ; round++ {
		if round > 1 {
			if err := refreshSystem(req, messages); err != nil {
				return nil, err
			}
		}
		if round > maxRounds {
			log.Debug().Int("max_rounds", maxRounds).Msg("toolloop: round bound hit, forcing format pass")
			result.Issues = append(result.Issues, IssueToolRoundsBounded)
			formatted, usage, err := l.formatPass(ctx, onDelta, req, messages)
			if err != nil {
				return nil, err
			}
			result.Text = formatted
			result.Usage = usage
			return &result, nil
		}

		roundText, calls, usage, err := l.streamRound(ctx, onDelta, providers.ChatRequest{
			Model:    req.Model,
			Messages: messages,
			Tools:    schemas,
			Params:   req.Params,
		})
		if err != nil {
			return nil, err
		}
		text += roundText
		result.Usage = usage

		if len(calls) == 0 {
			if req.Format.Type != "" {
				formatted, usage, err := l.formatPass(ctx, onDelta, req, messages)
				if err != nil {
					return nil, err
				}
				result.Text = formatted
				result.Usage = usage
				return &result, nil
			}
			result.Text = text
			return &result, nil
		}

		messages = append(messages, assistantToolMessage(roundText, calls))
		for _, call := range calls {
			msg, issue := l.dispatch(ctx, span, req, call)
			messages = append(messages, msg)
			if issue != "" {
				result.Issues = append(result.Issues, issue)
			}
		}
	}
}

// dispatch executes one tool call and returns the tool-role message to
// inject, plus a stage issue for firewall denials. Every failure mode
// is a result value.
func (l *Loop) dispatch(ctx context.Context, span *events.Span, req Request, call providers.ToolCall) (providers.Message, string) {
	span.ToolCall(call.Name, call.ID, tools.ArgsDigest(call.ArgumentsJSON))

	outcome := req.Toolset.Execute(ctx, call, req.Resources)
	if req.OnToolOutcome != nil {
		req.OnToolOutcome(call, outcome)
	}

	var errInfo *events.ToolErrorInfo
	var issue string
	if !outcome.OK {
		errInfo = &events.ToolErrorInfo{Kind: outcome.Kind, Message: outcome.Message}
		if outcome.Kind == tools.ErrKindForbidden {
			issue = "tool_forbidden:" + call.Name
		}
	}
	span.ToolResult(call.Name, call.ID, outcome.OK, outcome.Duration, len(outcome.Content), errInfo)

	return providers.Message{
		Role:       providers.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    outcome.Content,
	}, issue
}

// refreshSystem rewrites the leading system message in place with a
// fresh render. A failing re-render is a hard error, same as the
// initial one.
func refreshSystem(req Request, messages []providers.Message) error {
	if req.RefreshSystem == nil || len(messages) == 0 || messages[0].Role != providers.RoleSystem {
		return nil
	}
	system, err := req.RefreshSystem()
	if err != nil {
		return err
	}
	messages[0].Content = system
	return nil
}

// formatPass reruns the conversation with tools disabled and the
// response format enforced. Its output replaces earlier round text.
func (l *Loop) formatPass(ctx context.Context, onDelta func(string), req Request, messages []providers.Message) (string, *providers.Usage, error) {
	final := make([]providers.Message, len(messages))
	copy(final, messages)
	if err := refreshSystem(req, final); err != nil {
		return "", nil, err
	}
	if req.FormatDirective != "" {
		final = append(final, providers.Message{
			Role:    providers.RoleSystem,
			Content: req.FormatDirective,
		})
	}
	return l.stream(ctx, onDelta, providers.ChatRequest{
		Model:    req.Model,
		Messages: final,
		Params:   req.Params,
		Format:   req.Format,
	})
}

// stream runs one provider call without tools, retrying once on a
// transient transport failure.
func (l *Loop) stream(ctx context.Context, onDelta func(string), req providers.ChatRequest) (string, *providers.Usage, error) {
	text, _, usage, err := l.streamRound(ctx, onDelta, req)
	return text, usage, err
}

func (l *Loop) streamRound(ctx context.Context, onDelta func(string), req providers.ChatRequest) (string, []providers.ToolCall, *providers.Usage, error) {
	text, calls, usage, err := l.streamOnce(ctx, onDelta, req)
	if err == nil || !transient(err) || ctx.Err() != nil {
		return text, calls, usage, err
	}

	log.Warn().Err(err).Dur("backoff", retryBackoff).Msg("toolloop: transient transport failure, retrying once")
	select {
	case <-time.After(retryBackoff):
	case <-ctx.Done():
		return "", nil, nil, ctx.Err()
	}
	return l.streamOnce(ctx, onDelta, req)
}

func (l *Loop) streamOnce(ctx context.Context, onDelta func(string), req providers.ChatRequest) (string, []providers.ToolCall, *providers.Usage, error) {
	stream, err := l.engine.ChatStream(ctx, req)
	if err != nil {
		return "", nil, nil, err
	}

	var text string
	var calls []providers.ToolCall
	var usage *providers.Usage
	for ev := range stream {
		switch ev.Kind {
		case providers.StreamDelta:
			text += ev.Delta
			onDelta(ev.Delta)
		case providers.StreamToolCall:
			calls = append(calls, ev.ToolCall)
		case providers.StreamFinish:
			if ev.Usage != nil {
				usage = ev.Usage
			}
			if ev.Err != nil {
				return text, calls, usage, ev.Err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return text, calls, usage, err
	}
	return text, calls, usage, nil
}

func transient(err error) bool {
	var te *providers.TransportError
	return errors.As(err, &te) && te.Transient()
}

func assistantToolMessage(text string, calls []providers.ToolCall) providers.Message {
	return providers.Message{
		Role:      providers.RoleAssistant,
		Content:   text,
		ToolCalls: calls,
	}
}
