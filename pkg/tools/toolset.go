package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/thalamus/pkg/providers"
)

// DefaultToolDeadline bounds one handler execution.
const DefaultToolDeadline = 15 * time.Second

// Error kinds reported in tool results. A tool error is a result
// value, never a stage or turn failure.
const (
	ErrKindBadArgs       = "bad_args"
	ErrKindForbidden     = "forbidden"
	ErrKindTimeout       = "timeout"
	ErrKindHandler       = "handler"
	ErrKindInvalidResult = "invalid_result"
	ErrKindForbiddenPath = "forbidden_path"
)

// ToolError lets a handler pick the error kind of its result envelope
// instead of the generic "handler" kind.
type ToolError struct {
	Kind    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Outcome is what one tool call produced. Content is the exact string
// injected back into the model context; on error it is the serialised
// {ok:false, error:{...}} envelope.
type Outcome struct {
	OK       bool
	Content  string
	Kind     string
	Message  string
	Duration time.Duration
}

// Toolset is the composed, firewalled set of tools one stage may call.
type Toolset struct {
	defs  map[string]Definition
	names []string
}

func newToolset(defs map[string]Definition) *Toolset {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Toolset{defs: defs, names: names}
}

// EmptyToolset is a toolset with no tools; stages under it run plain
// LLM calls.
func EmptyToolset() *Toolset {
	return newToolset(nil)
}

// ToolsetOf builds a toolset straight from a registry, bypassing the
// skill firewall. For tests and mechanical prefill calls the executor
// makes on its own behalf.
func ToolsetOf(reg *Registry, names ...string) *Toolset {
	defs := make(map[string]Definition)
	for _, name := range names {
		if def, ok := reg.Get(name); ok {
			defs[name] = def
		}
	}
	return newToolset(defs)
}

func (t *Toolset) Empty() bool     { return len(t.defs) == 0 }
func (t *Toolset) Names() []string { return t.names }

func (t *Toolset) Has(name string) bool {
	_, ok := t.defs[name]
	return ok
}

// Schemas renders the toolset as provider tool definitions, in name
// order.
func (t *Toolset) Schemas() []providers.ToolDef {
	out := make([]providers.ToolDef, 0, len(t.names))
	for _, name := range t.names {
		def := t.defs[name]
		out = append(out, providers.ToolDef{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return out
}

// Execute runs one model-emitted tool call to completion. All failure
// modes become error result values; Execute itself never fails.
func (t *Toolset) Execute(ctx context.Context, call providers.ToolCall, res *Resources) Outcome {
	start := time.Now()

	args, err := ParseArgs(call.ArgumentsJSON)
	if err != nil {
		return errOutcome(ErrKindBadArgs, err.Error(), start)
	}

	def, ok := t.defs[call.Name]
	if !ok {
		return errOutcome(ErrKindForbidden, fmt.Sprintf("tool %s not in toolset", call.Name), start)
	}

	deadline := def.Deadline
	if deadline <= 0 {
		deadline = DefaultToolDeadline
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	result, err := runHandler(callCtx, def, args, res)
	var toolErr *ToolError
	switch {
	case callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		return errOutcome(ErrKindTimeout, fmt.Sprintf("tool %s exceeded %s", call.Name, deadline), start)
	case errors.As(err, &toolErr):
		return errOutcome(toolErr.Kind, toolErr.Message, start)
	case err != nil:
		return errOutcome(ErrKindHandler, err.Error(), start)
	}

	if def.Validator != nil {
		if err := def.Validator(result); err != nil {
			return errOutcome(ErrKindInvalidResult, err.Error(), start)
		}
	}

	content, err := normalise(result)
	if err != nil {
		return errOutcome(ErrKindInvalidResult, err.Error(), start)
	}
	return Outcome{OK: true, Content: content, Duration: time.Since(start)}
}

// runHandler isolates handler panics: a panicking tool yields an error
// result, never an aborted turn.
func runHandler(ctx context.Context, def Definition, args map[string]any, res *Resources) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("tool", def.Name).Interface("panic", r).Msg("tools: handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return def.Handler(ctx, args, res)
}

// ParseArgs decodes a model-emitted argument payload. Some models
// double-encode the object as a JSON string; one unwrap is allowed.
func ParseArgs(argsJSON string) (map[string]any, error) {
	if argsJSON == "" {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal([]byte(argsJSON), &v); err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %v", err)
	}
	if s, ok := v.(string); ok {
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("double-encoded arguments are not valid JSON: %v", err)
		}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("arguments are not an object")
	}
	return obj, nil
}

// ArgsDigest is a short stable fingerprint of an argument payload, for
// event traces.
func ArgsDigest(argsJSON string) string {
	sum := sha256.Sum256([]byte(argsJSON))
	return hex.EncodeToString(sum[:8])
}

// normalise turns a handler result into the tool message content:
// strings pass through, everything else becomes canonical JSON.
func normalise(result any) (string, error) {
	if s, ok := result.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("result not serialisable: %v", err)
	}
	return string(b), nil
}

func errOutcome(kind, message string, start time.Time) Outcome {
	envelope := map[string]any{
		"ok": false,
		"error": map[string]any{
			"kind":    kind,
			"message": message,
		},
	}
	b, _ := json.Marshal(envelope)
	return Outcome{
		OK:       false,
		Content:  string(b),
		Kind:     kind,
		Message:  message,
		Duration: time.Since(start),
	}
}
