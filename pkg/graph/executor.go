package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/thalamus/pkg/events"
	"github.com/go-go-golems/thalamus/pkg/providers"
	"github.com/go-go-golems/thalamus/pkg/state"
)

// IssueContextLoopBounded is appended when the builder/retriever loop
// hits its round-trip bound.
const IssueContextLoopBounded = "context_loop_bounded"

// Executor drives the fixed stage topology for one turn at a time.
type Executor struct {
	stages map[string]*StageSpec
}

// NewExecutor registers the seven standard stages.
func NewExecutor() *Executor {
	ex := &Executor{stages: make(map[string]*StageSpec)}
	for _, spec := range []*StageSpec{
		routerSpec(),
		contextBuilderSpec(),
		memoryRetrieverSpec(),
		worldModifierSpec(),
		answerSpec(),
		reflectTopicsSpec(),
		memoryWriterSpec(),
	} {
		ex.stages[spec.ID] = spec
	}
	return ex
}

// RunTurn executes the topology over st, emitting the full event
// stream on env.Emitter. The returned diff is nil when the world did
// not change. Durable persistence happens through env.CommitWorld
// when set; the world_commit event is only emitted after it succeeds.
func (ex *Executor) RunTurn(ctx context.Context, env *Env, st *state.TurnState) (*state.WorldDiff, error) {
	em := env.Emitter
	st.Runtime.Emitter = em
	defer func() {
		st.Runtime.Emitter = nil
	}()

	start := time.Now()
	worldBefore := st.World.Clone()
	em.TurnStart(st.Task.UserText, st.Runtime.NowISO, st.Runtime.Timezone)

	var visited []string
	answered := false
	contextTrips := 0

	current := StageRouter
	for current != "" {
		if err := ctx.Err(); err != nil {
			return nil, ex.endWithContextError(em, err)
		}
		spec, ok := ex.stages[current]
		if !ok {
			em.TurnEndError(events.ReasonInternal, fmt.Sprintf("unknown stage %s", current))
			return nil, errors.Errorf("graph: unknown stage %s", current)
		}

		visited = append(visited, spec.ID)
		st.TraceEntered(spec.ID)
		span := em.Span(spec.ID, spec.RoleKey)
		log.Debug().Str("stage", spec.ID).Str("role", spec.RoleKey).Msg("graph: stage start")

		issues, err := ex.runStage(ctx, env, st, spec, span)

		// Stages with world access publish through the draft.
		st.World = env.Resources.WorldDraft()

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				span.EndError(issues)
				return nil, ex.endWithContextError(em, ctxErr)
			}
			st.AddIssue(fmt.Sprintf("%s: %s", spec.ID, err.Error()))
			span.EndError(append(issues, err.Error()))
			log.Warn().Err(err).Str("stage", spec.ID).Msg("graph: stage failed")

			if spec.ID == StageAnswer {
				reason := events.ReasonInternal
				var te *providers.TransportError
				if errors.As(err, &te) {
					reason = events.ReasonTransport
				}
				em.TurnEndError(reason, err.Error())
				return nil, errors.Wrap(err, "graph: answer stage failed")
			}
			if !answered {
				// Pre-answer failures degrade, never abort: the answer
				// stage still runs with whatever context accumulated.
				current = StageAnswer
				continue
			}
			current = ex.next(env, st, spec.ID, &contextTrips)
			continue
		}

		st.TraceCommitted(spec.ID)
		span.EndOK(issues)
		if spec.ID == StageAnswer {
			answered = true
		}
		current = ex.next(env, st, spec.ID, &contextTrips)
	}

	if err := ctx.Err(); err != nil {
		return nil, ex.endWithContextError(em, err)
	}

	diff, err := state.Diff(worldBefore, st.World)
	if err != nil {
		em.TurnEndError(events.ReasonInternal, err.Error())
		return nil, errors.Wrap(err, "graph: diff world")
	}
	if !diff.Empty() {
		if env.CommitWorld != nil {
			if err := env.CommitWorld(st.World, diff); err != nil {
				em.TurnEndError(events.ReasonInternal, err.Error())
				return nil, errors.Wrap(err, "graph: commit world")
			}
		}
		em.WorldCommit(diff)
	} else {
		diff = nil
	}

	em.TurnEndOK(visited, time.Since(start))
	return diff, nil
}

// next implements the fixed topology.
func (ex *Executor) next(env *Env, st *state.TurnState, current string, contextTrips *int) string {
	switch current {
	case StageRouter:
		switch st.Task.Route {
		case state.RouteContext:
			return StageContextBuilder
		case state.RouteWorld:
			return StageWorldModifier
		default:
			return StageAnswer
		}
	case StageContextBuilder:
		if st.Context.Next == StageMemoryRetriever && !st.Context.Complete {
			bound := env.ContextRounds
			if bound <= 0 {
				bound = 3
			}
			if *contextTrips >= bound {
				st.AddIssue(IssueContextLoopBounded)
				return StageAnswer
			}
			*contextTrips++
			return StageMemoryRetriever
		}
		return StageAnswer
	case StageMemoryRetriever:
		return StageContextBuilder
	case StageWorldModifier:
		return StageAnswer
	case StageAnswer:
		return StageReflectTopics
	case StageReflectTopics:
		return StageMemoryWriter
	case StageMemoryWriter:
		return ""
	}
	return ""
}

func (ex *Executor) runStage(ctx context.Context, env *Env, st *state.TurnState, spec *StageSpec, span *events.Span) (issues []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("stage", spec.ID).Interface("panic", r).Msg("graph: stage panicked")
			err = errors.Errorf("stage panic: %v", r)
		}
	}()
	return spec.Run(ctx, env, st, span)
}

func (ex *Executor) endWithContextError(em *events.Emitter, err error) error {
	reason := events.ReasonCancelled
	if errors.Is(err, context.DeadlineExceeded) {
		reason = events.ReasonDeadline
	}
	em.TurnEndError(reason, err.Error())
	return err
}
