package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"
)

// Bridge forwards turn events onto a watermill pub/sub so external
// consumers (loggers, UIs) can attach handlers by topic without
// holding a Subscriber channel.
type Bridge struct {
	mu         sync.Mutex
	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router
	topic      string
}

type BridgeOption func(*Bridge)

func WithTopic(topic string) BridgeOption {
	return func(b *Bridge) { b.topic = topic }
}

func NewBridge(options ...BridgeOption) (*Bridge, error) {
	b := &Bridge{topic: "turn-events"}
	for _, o := range options {
		o(b)
	}

	logger := watermill.NopLogger{}
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		// Synchronous delivery keeps publish order; the default config
		// delivers each message in its own goroutine and can reorder
		// consecutive events (REVIEW_FINDINGS.md F4).
		BlockPublishUntilSubscriberAck: true,
	}, logger)
	b.publisher = pubSub
	b.subscriber = pubSub

	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, err
	}
	b.router = router
	return b, nil
}

// Publish serialises the event and hands it to watermill. Failures are
// logged, never surfaced to the emitting stage.
func (b *Bridge) Publish(ev TurnEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Msg("events: bridge marshal failed")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("seq", fmt.Sprintf("%d", ev.Seq))
	msg.Metadata.Set("turn_id", ev.TurnID)

	b.mu.Lock()
	pub := b.publisher
	topic := b.topic
	b.mu.Unlock()

	if err := pub.Publish(topic, msg); err != nil {
		log.Warn().Err(err).Msg("events: bridge publish failed")
	}
}

// Forward pumps a subscriber into the bridge until the subscriber
// channel closes. Intended to run in its own goroutine.
func (b *Bridge) Forward(sub *Subscriber) {
	for ev := range sub.Events() {
		b.Publish(ev)
	}
}

// AddHandler registers a no-publish handler for the bridge topic.
func (b *Bridge) AddHandler(name string, f func(msg *message.Message) error) {
	b.router.AddNoPublisherHandler(name, b.topic, b.subscriber, f)
}

func (b *Bridge) Run(ctx context.Context) error {
	return b.router.Run(ctx)
}

func (b *Bridge) Running() chan struct{} {
	return b.router.Running()
}

func (b *Bridge) Close() error {
	log.Debug().Msg("events: closing bridge")
	if err := b.publisher.Close(); err != nil {
		log.Error().Err(err).Msg("events: failed to close publisher")
	}
	return b.router.Close()
}

// ParseEvent decodes a bridge message back into a TurnEvent envelope.
// The payload field stays as raw JSON keyed by the envelope type.
func ParseEvent(b []byte) (TurnEvent, error) {
	var raw struct {
		Protocol string          `json:"protocol"`
		Seq      int             `json:"seq"`
		TurnID   string          `json:"turn_id"`
		Type     EventType       `json:"type"`
		TS       string          `json:"ts"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return TurnEvent{}, err
	}
	ev := TurnEvent{
		Protocol: raw.Protocol,
		Seq:      raw.Seq,
		TurnID:   raw.TurnID,
		Type:     raw.Type,
		TS:       raw.TS,
	}
	payload, err := decodePayload(raw.Type, raw.Payload)
	if err != nil {
		return TurnEvent{}, err
	}
	ev.Payload = payload
	return ev, nil
}

func decodePayload(typ EventType, raw json.RawMessage) (any, error) {
	unmarshal := func(v any) (any, error) {
		if len(raw) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, err
		}
		return v, nil
	}
	switch typ {
	case EventTypeTurnStart:
		return unmarshal(&TurnStartPayload{})
	case EventTypeTurnEndOK:
		return unmarshal(&TurnEndOKPayload{})
	case EventTypeTurnEndError:
		return unmarshal(&TurnEndErrorPayload{})
	case EventTypeNodeStart:
		return unmarshal(&NodeStartPayload{})
	case EventTypeNodeEnd:
		return unmarshal(&NodeEndPayload{})
	case EventTypeAssistantStreamStart:
		return unmarshal(&AssistantStreamStartPayload{})
	case EventTypeAssistantDelta:
		return unmarshal(&AssistantDeltaPayload{})
	case EventTypeAssistantStreamEnd:
		return unmarshal(&AssistantStreamEndPayload{})
	case EventTypeDeltaThinking:
		return unmarshal(&DeltaThinkingPayload{})
	case EventTypeLog:
		return unmarshal(&LogPayload{})
	case EventTypeToolCall:
		return unmarshal(&ToolCallPayload{})
	case EventTypeToolResult:
		return unmarshal(&ToolResultPayload{})
	case EventTypeWorldCommit:
		return unmarshal(&WorldCommitPayload{})
	case EventTypeOverflow:
		return unmarshal(&OverflowPayload{})
	}
	return nil, fmt.Errorf("unknown event type %q", typ)
}
