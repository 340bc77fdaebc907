// Package controller is the embedding surface: it owns the durable
// stores, the tool registry and firewall, and the provider engine, and
// turns a line of user text into a typed turn-event stream.
package controller

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/thalamus/pkg/events"
	"github.com/go-go-golems/thalamus/pkg/graph"
	"github.com/go-go-golems/thalamus/pkg/memory"
	"github.com/go-go-golems/thalamus/pkg/prompts"
	"github.com/go-go-golems/thalamus/pkg/providers"
	"github.com/go-go-golems/thalamus/pkg/state"
	"github.com/go-go-golems/thalamus/pkg/store"
	"github.com/go-go-golems/thalamus/pkg/toolloop"
	"github.com/go-go-golems/thalamus/pkg/tools"
)

// Controller runs turns for one user namespace. Turns are strictly
// serialised: a second SubmitTurn blocks until the first finishes.
type Controller struct {
	cfg      Config
	engine   providers.Engine
	mem      memory.Client
	world    *store.WorldStore
	chat     *store.ChatLog
	registry *tools.Registry
	firewall *tools.Firewall
	renderer *prompts.Renderer
	executor *graph.Executor
	bridge   *events.Bridge

	// turnMu is held for the whole duration of a turn.
	turnMu sync.Mutex
}

type Option func(*Controller)

// WithEngine overrides the provider engine built from the config.
func WithEngine(e providers.Engine) Option {
	return func(c *Controller) { c.engine = e }
}

// WithMemoryClient overrides the memory client built from the config.
func WithMemoryClient(m memory.Client) Option {
	return func(c *Controller) { c.mem = m }
}

// WithBridge mirrors every turn's event stream onto a watermill
// bridge, in addition to the channel SubmitTurn returns.
func WithBridge(b *events.Bridge) Option {
	return func(c *Controller) { c.bridge = b }
}

// New validates the configuration, registers the built-in tools and
// composes the skill firewall. Misconfigured skills fail here, at
// startup, not in the middle of a turn.
func New(cfg Config, options ...Option) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.Limits = cfg.Limits.withDefaults()

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry); err != nil {
		return nil, err
	}
	registry.SetDefaultDeadline(time.Duration(cfg.Limits.ToolDeadlineMS) * time.Millisecond)

	firewall, err := tools.NewFirewall(registry, cfg.enabledSkills())
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:      cfg,
		world:    store.NewWorldStore(cfg.WorldStatePath),
		chat:     store.NewChatLog(cfg.ChatHistoryPath),
		registry: registry,
		firewall: firewall,
		renderer: prompts.NewRenderer(cfg.PromptDir),
		executor: graph.NewExecutor(),
	}
	for _, o := range options {
		o(c)
	}

	if c.engine == nil {
		c.engine = providers.NewOpenAIEngine(cfg.ProviderAPIKey, providers.WithBaseURL(cfg.ProviderEndpoint))
	}
	if c.mem == nil {
		if cfg.MemoryEndpoint != "" {
			c.mem = memory.NewHTTPClient(cfg.MemoryEndpoint)
		} else {
			c.mem = memory.Nop{}
		}
	}
	return c, nil
}

// SubmitTurn starts one turn over userText and returns its event
// stream. The channel closes after the terminal turn event. The
// supplied context cancels the turn; the configured turn deadline
// applies on top of it.
func (c *Controller) SubmitTurn(ctx context.Context, userText string) (<-chan events.TurnEvent, error) {
	if strings.TrimSpace(userText) == "" {
		return nil, errors.New("controller: empty user text")
	}

	// Serialise before any durable read so concurrent submitters see a
	// consistent world/history ordering.
	c.turnMu.Lock()

	// The user turn is durable before the graph runs: a crash mid-turn
	// must not lose what the user said.
	if err := c.chat.Append(state.RoleHuman, userText, nil); err != nil {
		c.turnMu.Unlock()
		return nil, err
	}

	world, err := c.world.Load()
	if err != nil {
		c.turnMu.Unlock()
		return nil, err
	}

	st := state.NewTurnState(userText, world, c.timezone(world))
	em := events.NewEmitter(st.Runtime.TurnID, c.cfg.Limits.EmitterBuffer)
	sub := em.Subscribe()
	if c.bridge != nil {
		go c.bridge.Forward(em.Subscribe())
	}

	env := &graph.Env{
		Loop:          toolloop.New(c.engine),
		Renderer:      c.renderer,
		Firewall:      c.firewall,
		Registry:      c.registry,
		Resources:     tools.NewResources(c.chat, c.mem, c.cfg.UserNamespace, st.World),
		Emitter:       em,
		Models:        c.cfg.RoleModels,
		CommitWorld:   c.commitWorld,
		ContextRounds: c.cfg.Limits.ContextRounds,
		ToolRounds:    c.cfg.Limits.ToolRounds,
	}

	go func() {
		defer c.turnMu.Unlock()
		defer em.Close()

		turnCtx, cancel := context.WithTimeout(ctx, c.cfg.Limits.TurnDeadline())
		defer cancel()

		_, err := c.executor.RunTurn(turnCtx, env, st)
		if err != nil {
			log.Warn().Err(err).Str("turn_id", st.Runtime.TurnID).Msg("controller: turn failed")
			return
		}

		// Only successful turns leave an assistant record; a cancelled
		// stream never shows a reply the history would then contradict.
		if err := c.chat.Append(state.RoleAssistant, st.Final.Answer, map[string]any{
			"turn_id": st.Runtime.TurnID,
		}); err != nil {
			log.Error().Err(err).Msg("controller: append assistant turn")
		}
	}()

	return sub.Events(), nil
}

// commitWorld persists the post-turn world, retrying once. The second
// failure aborts the turn before any world_commit event goes out.
func (c *Controller) commitWorld(world *state.World, _ *state.WorldDiff) error {
	if err := c.world.Commit(world); err != nil {
		log.Warn().Err(err).Msg("controller: world commit failed, retrying")
		if err := c.world.Commit(world); err != nil {
			return errors.Wrap(err, "controller: world commit failed twice")
		}
	}
	return nil
}

// ReadChatTail returns the last n chat turns.
func (c *Controller) ReadChatTail(ctx context.Context, n int) ([]state.ChatTurn, error) {
	return c.chat.Tail(ctx, n, nil)
}

func (c *Controller) timezone(w *state.World) string {
	if w.TZ != "" {
		return w.TZ
	}
	return "UTC"
}
