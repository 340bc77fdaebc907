package tools

import (
	"context"
	"sync"

	"github.com/go-go-golems/thalamus/pkg/memory"
	"github.com/go-go-golems/thalamus/pkg/state"
)

// HistoryReader is the read-only view of the chat log handed to tool
// handlers.
type HistoryReader interface {
	Tail(ctx context.Context, n int, roles []string) ([]state.ChatTurn, error)
}

// Resources is the capability bundle passed to tool handlers. It
// enforces its own locking; handlers never share state any other way.
type Resources struct {
	History   HistoryReader
	Memory    memory.Client
	Namespace string

	mu    sync.Mutex
	draft *state.World
}

// NewResources wires the per-turn resource bundle. world is the turn's
// working copy; world_apply_ops mutates it through the draft accessors.
func NewResources(history HistoryReader, mem memory.Client, namespace string, world *state.World) *Resources {
	if mem == nil {
		mem = memory.Nop{}
	}
	return &Resources{
		History:   history,
		Memory:    mem,
		Namespace: namespace,
		draft:     world,
	}
}

// WorldDraft returns the current working copy.
func (r *Resources) WorldDraft() *state.World {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draft
}

// SetWorldDraft replaces the working copy after a successful mutation.
func (r *Resources) SetWorldDraft(w *state.World) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draft = w
}
