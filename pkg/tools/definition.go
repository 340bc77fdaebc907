package tools

import (
	"context"
	"time"

	"github.com/invopop/jsonschema"
)

// Handler executes one tool call. args is the parsed argument object;
// the return value is normalised by the toolset (strings pass through,
// everything else is serialised as canonical JSON).
type Handler func(ctx context.Context, args map[string]any, res *Resources) (any, error)

// Validator inspects a handler result before it is injected back into
// the model context.
type Validator func(result any) error

// Definition binds a tool name to its schema, handler and optional
// validator.
type Definition struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
	Handler     Handler
	Validator   Validator
	// Deadline overrides the default per-tool deadline when non-zero.
	Deadline time.Duration
}

// SchemaFor reflects a JSON schema from an argument struct, with
// definitions expanded inline instead of $refs, since model servers
// tend to choke on references.
func SchemaFor[T any]() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
	}
	var v T
	schema := reflector.Reflect(&v)
	schema.Version = ""
	return schema
}
