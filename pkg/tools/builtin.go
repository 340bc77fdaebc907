package tools

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/thalamus/pkg/memory"
)

// Argument structs for the builtin tools; their schemas are reflected
// from these.

type ChatHistoryTailArgs struct {
	Limit int      `json:"limit" jsonschema:"description=Number of most recent turns to return"`
	Roles []string `json:"roles,omitempty" jsonschema:"description=Restrict to these roles (human/assistant)"`
}

type MemoryQueryArgs struct {
	Query   string         `json:"query" jsonschema:"description=Free-text query against the memory store"`
	K       int            `json:"k,omitempty" jsonschema:"description=Maximum number of items"`
	Filters map[string]any `json:"filters,omitempty" jsonschema:"description=Optional metadata filters"`
}

type MemoryStoreArgs struct {
	Text string         `json:"text" jsonschema:"description=Memory text to persist"`
	Tags []string       `json:"tags,omitempty" jsonschema:"description=Optional tags"`
	Meta map[string]any `json:"meta,omitempty" jsonschema:"description=Optional metadata"`
}

type WorldOp struct {
	Op    string `json:"op" jsonschema:"description=One of set / append / remove"`
	Path  string `json:"path" jsonschema:"description=Whitelisted world path"`
	Value any    `json:"value,omitempty" jsonschema:"description=Operand"`
}

type WorldApplyOpsArgs struct {
	Ops []WorldOp `json:"ops" jsonschema:"description=Ordered list of mutations"`
}

// RegisterBuiltins installs the four core tools into a registry.
func RegisterBuiltins(reg *Registry) error {
	defs := []Definition{
		{
			Name:        ToolChatHistoryTail,
			Description: "Return the most recent chat turns. Read-only.",
			Parameters:  SchemaFor[ChatHistoryTailArgs](),
			Handler:     chatHistoryTailHandler,
		},
		{
			Name:        ToolMemoryQuery,
			Description: "Search the long-term memory store.",
			Parameters:  SchemaFor[MemoryQueryArgs](),
			Handler:     memoryQueryHandler,
			Validator:   requireKey("items"),
		},
		{
			Name:        ToolMemoryStore,
			Description: "Persist a new memory in the long-term store.",
			Parameters:  SchemaFor[MemoryStoreArgs](),
			Handler:     memoryStoreHandler,
			Validator:   requireKey("id"),
		},
		{
			Name:        ToolWorldApplyOps,
			Description: "Apply set/append/remove operations to the world state working copy.",
			Parameters:  SchemaFor[WorldApplyOpsArgs](),
			Handler:     worldApplyOpsHandler,
		},
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func decodeArgs(args map[string]any, out any) error {
	b, err := json.Marshal(args)
	if err != nil {
		return errors.Wrap(err, "encode arguments")
	}
	if err := json.Unmarshal(b, out); err != nil {
		return errors.Wrap(err, "decode arguments")
	}
	return nil
}

// requireKey validates that a handler result object carries a key, so
// malformed backend responses surface as invalid_result.
func requireKey(key string) Validator {
	return func(result any) error {
		obj, ok := result.(map[string]any)
		if !ok {
			return errors.Errorf("result is not an object")
		}
		if _, ok := obj[key]; !ok {
			return errors.Errorf("result missing %q", key)
		}
		return nil
	}
}

func chatHistoryTailHandler(ctx context.Context, args map[string]any, res *Resources) (any, error) {
	var a ChatHistoryTailArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Limit <= 0 {
		a.Limit = 10
	}
	if res.History == nil {
		return map[string]any{"turns": []any{}}, nil
	}
	turns, err := res.History.Tail(ctx, a.Limit, a.Roles)
	if err != nil {
		return nil, errors.Wrap(err, "read chat tail")
	}
	items := make([]map[string]any, 0, len(turns))
	for _, t := range turns {
		items = append(items, map[string]any{
			"ts":      t.TS,
			"role":    t.Role,
			"content": t.Content,
		})
	}
	return map[string]any{"turns": items}, nil
}

func memoryQueryHandler(ctx context.Context, args map[string]any, res *Resources) (any, error) {
	var a MemoryQueryArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	resp, err := res.Memory.Query(ctx, res.Namespace, memory.QueryRequest{
		Query:   a.Query,
		K:       a.K,
		Filters: a.Filters,
	})
	if err != nil {
		return nil, errors.Wrap(err, "memory query")
	}
	items := make([]map[string]any, 0, len(resp.Items))
	for _, it := range resp.Items {
		items = append(items, map[string]any{
			"id":    it.ID,
			"text":  it.Text,
			"score": it.Score,
			"meta":  it.Meta,
		})
	}
	return map[string]any{"items": items}, nil
}

func memoryStoreHandler(ctx context.Context, args map[string]any, res *Resources) (any, error) {
	var a MemoryStoreArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Text == "" {
		return nil, errors.New("text must not be empty")
	}
	resp, err := res.Memory.Store(ctx, res.Namespace, memory.StoreRequest{
		Text: a.Text,
		Tags: a.Tags,
		Meta: a.Meta,
	})
	if err != nil {
		return nil, errors.Wrap(err, "memory store")
	}
	return map[string]any{"id": resp.ID}, nil
}

func worldApplyOpsHandler(_ context.Context, args map[string]any, res *Resources) (any, error) {
	var a WorldApplyOpsArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	draft := res.WorldDraft().Clone()
	for _, op := range a.Ops {
		if err := applyWorldOp(draft, op); err != nil {
			return nil, err
		}
	}
	res.SetWorldDraft(draft)

	b, err := json.Marshal(draft)
	if err != nil {
		return nil, errors.Wrap(err, "serialise world")
	}
	var worldObj map[string]any
	if err := json.Unmarshal(b, &worldObj); err != nil {
		return nil, errors.Wrap(err, "reshape world")
	}
	return map[string]any{"world": worldObj}, nil
}
