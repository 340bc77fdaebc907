package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultSubscriberBuffer bounds a subscriber queue before the drop
// policy kicks in.
const DefaultSubscriberBuffer = 4096

// Emitter is the per-turn event sink. One instance lives exactly as
// long as its turn; seq starts at 1 and is strictly increasing.
// Safe for concurrent use by stages and tool handlers.
type Emitter struct {
	mu     sync.Mutex
	turnID string
	seq    int
	subs   []*Subscriber
	limit  int
	closed bool
}

func NewEmitter(turnID string, bufferLimit int) *Emitter {
	if bufferLimit <= 0 {
		bufferLimit = DefaultSubscriberBuffer
	}
	return &Emitter{turnID: turnID, limit: bufferLimit}
}

func (e *Emitter) TurnID() string { return e.turnID }

// Subscribe attaches a new bounded subscriber. Subscribers attached
// after events were emitted only see subsequent events.
func (e *Emitter) Subscribe() *Subscriber {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := newSubscriber(e.limit)
	e.subs = append(e.subs, s)
	return s
}

// Emit stamps the envelope and fans the event out. Delivery never
// blocks the emitting goroutine.
func (e *Emitter) Emit(typ EventType, payload any) TurnEvent {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return TurnEvent{}
	}
	e.seq++
	ev := TurnEvent{
		Protocol: Protocol,
		Seq:      e.seq,
		TurnID:   e.turnID,
		Type:     typ,
		TS:       time.Now().UTC().Format(time.RFC3339Nano),
		Payload:  payload,
	}
	subs := e.subs
	e.mu.Unlock()

	log.Trace().Object("event", ev).Msg("events: emit")
	for _, s := range subs {
		s.push(ev)
	}
	return ev
}

// Close flushes and closes all subscriber channels. Emit after Close
// is a no-op.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	subs := e.subs
	e.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

func (e *Emitter) TurnStart(userText, nowISO, timezone string) {
	e.Emit(EventTypeTurnStart, TurnStartPayload{UserText: userText, NowISO: nowISO, Timezone: timezone})
}

func (e *Emitter) TurnEndOK(nodesVisited []string, duration time.Duration) {
	e.Emit(EventTypeTurnEndOK, TurnEndOKPayload{Summary: TurnSummary{
		NodesVisited: nodesVisited,
		DurationMS:   duration.Milliseconds(),
	}})
}

func (e *Emitter) TurnEndError(reason EndReason, message string) {
	e.Emit(EventTypeTurnEndError, TurnEndErrorPayload{Reason: reason, Message: message})
}

func (e *Emitter) Log(level, source, message string) {
	e.Emit(EventTypeLog, LogPayload{Level: level, Source: source, Message: message})
}

func (e *Emitter) AssistantStreamStart() {
	e.Emit(EventTypeAssistantStreamStart, AssistantStreamStartPayload{})
}

func (e *Emitter) AssistantDelta(text string) {
	e.Emit(EventTypeAssistantDelta, AssistantDeltaPayload{Text: text})
}

func (e *Emitter) AssistantStreamEnd(total string) {
	e.Emit(EventTypeAssistantStreamEnd, AssistantStreamEndPayload{TextTotal: total})
}

func (e *Emitter) WorldCommit(diff any) {
	e.Emit(EventTypeWorldCommit, WorldCommitPayload{Diff: diff})
}

// Span wraps one stage execution in a node_start/node_end pair and
// tags all intermediate events with the stage id.
type Span struct {
	em      *Emitter
	stageID string
	start   time.Time
	ended   bool
}

func (e *Emitter) Span(stageID, roleKey string) *Span {
	e.Emit(EventTypeNodeStart, NodeStartPayload{StageID: stageID, RoleKey: roleKey})
	return &Span{em: e, stageID: stageID, start: time.Now()}
}

func (s *Span) StageID() string { return s.stageID }

func (s *Span) Thinking(text string) {
	if text == "" {
		return
	}
	s.em.Emit(EventTypeDeltaThinking, DeltaThinkingPayload{Text: text})
}

func (s *Span) Log(level, message string) {
	s.em.Emit(EventTypeLog, LogPayload{Level: level, Source: s.stageID, Message: message})
}

func (s *Span) ToolCall(name, id, argsDigest string) {
	s.em.Emit(EventTypeToolCall, ToolCallPayload{StageID: s.stageID, Name: name, ID: id, ArgsDigest: argsDigest})
}

func (s *Span) ToolResult(name, id string, ok bool, duration time.Duration, bytes int, toolErr *ToolErrorInfo) {
	s.em.Emit(EventTypeToolResult, ToolResultPayload{
		StageID:    s.stageID,
		Name:       name,
		ID:         id,
		OK:         ok,
		DurationMS: duration.Milliseconds(),
		Bytes:      bytes,
		Error:      toolErr,
	})
}

func (s *Span) EndOK(issues []string) {
	s.end(true, issues)
}

func (s *Span) EndError(issues []string) {
	s.end(false, issues)
}

func (s *Span) end(ok bool, issues []string) {
	if s.ended {
		return
	}
	s.ended = true
	s.em.Emit(EventTypeNodeEnd, NodeEndPayload{
		StageID:    s.stageID,
		OK:         ok,
		DurationMS: time.Since(s.start).Milliseconds(),
		Issues:     issues,
	})
}

// Subscriber is a bounded event queue. Essential events are always
// enqueued; when the queue is at capacity the oldest droppable event
// is discarded and the drops of a burst are coalesced into a single
// overflow event that takes over the seq of the first dropped event.
type Subscriber struct {
	mu        sync.Mutex
	queue     []TurnEvent
	limit     int
	dropped   int
	dropSeq   int
	out       chan TurnEvent
	notify    chan struct{}
	closing   chan struct{}
	cancelled chan struct{}
	isClosed  bool
}

func newSubscriber(limit int) *Subscriber {
	s := &Subscriber{
		limit:     limit,
		out:       make(chan TurnEvent),
		notify:    make(chan struct{}, 1),
		closing:   make(chan struct{}),
		cancelled: make(chan struct{}),
	}
	go s.pump()
	return s
}

// Events is the consumer side. The channel closes after the emitter
// closes and the queue drains.
func (s *Subscriber) Events() <-chan TurnEvent { return s.out }

func (s *Subscriber) push(ev TurnEvent) {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.limit && !ev.Essential() {
		// Incoming droppable event on a full queue: drop it outright.
		s.recordDropLocked(ev.Seq)
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.limit {
		// Essential event must go in; evict the oldest droppable one.
		for i := range s.queue {
			if !s.queue[i].Essential() {
				s.recordDropLocked(s.queue[i].Seq)
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscriber) recordDropLocked(seq int) {
	if s.dropped == 0 {
		s.dropSeq = seq
	}
	s.dropped++
}

func (s *Subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscriber) pop() (TurnEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Hold the overflow record until everything that precedes the first
	// dropped seq has been delivered, so the stream stays ordered.
	if s.dropped > 0 && (len(s.queue) == 0 || s.queue[0].Seq > s.dropSeq) {
		ev := TurnEvent{
			Protocol: Protocol,
			Seq:      s.dropSeq,
			Type:     EventTypeOverflow,
			TS:       time.Now().UTC().Format(time.RFC3339Nano),
			Payload:  OverflowPayload{Dropped: s.dropped},
		}
		if len(s.queue) > 0 {
			ev.TurnID = s.queue[0].TurnID
		}
		s.dropped = 0
		return ev, true
	}
	if len(s.queue) == 0 {
		return TurnEvent{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true
}

func (s *Subscriber) pump() {
	defer close(s.out)
	for {
		ev, ok := s.pop()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.cancelled:
				return
			case <-s.closing:
				// drain whatever arrived before close
				for {
					ev, ok := s.pop()
					if !ok {
						return
					}
					select {
					case s.out <- ev:
					case <-s.cancelled:
						return
					}
				}
			}
		}
		select {
		case s.out <- ev:
		case <-s.cancelled:
			return
		}
	}
}

// Cancel detaches the consumer; pending events are discarded.
func (s *Subscriber) Cancel() {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return
	}
	s.isClosed = true
	s.mu.Unlock()
	close(s.cancelled)
}

func (s *Subscriber) close() {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return
	}
	s.isClosed = true
	s.mu.Unlock()
	close(s.closing)
}
