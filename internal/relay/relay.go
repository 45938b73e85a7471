// Package relay is the transport the engines use to reach other sessions:
// per-topic broadcast publish/subscribe plus row-change notifications
// emitted by the hosted store.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Topics and events shared by every session.
const (
	TopicMessageRows = "rows:messages"
	TopicStoryRows   = "rows:stories"
	TopicUserRows    = "rows:users"
	TopicTyping      = "typing_room"

	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
	EventTyping = "typing"
)

// SignalingTopic is the per-user topic call signaling is addressed to.
func SignalingTopic(userID string) string {
	return "signaling_" + userID
}

// Envelope is one event delivered on a topic.
type Envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("relay: empty payload for %s/%s", e.Topic, e.Event)
	}
	return json.Unmarshal(e.Payload, v)
}

// NewEnvelope encodes payload into an envelope for topic and event.
func NewEnvelope(topic, event string, payload any) (Envelope, error) {
	env := Envelope{Topic: topic, Event: event, SentAt: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("relay: encode %s/%s: %w", topic, event, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Handler receives envelopes for a subscription. Handlers of one
// subscription are invoked sequentially, in publish order.
type Handler func(Envelope)

// Subscription is an active topic subscription.
type Subscription interface {
	Unsubscribe()
}

// Client is the capability the engines consume.
type Client interface {
	// Publish broadcasts payload under event on topic.
	Publish(ctx context.Context, topic, event string, payload any) error
	// Subscribe registers h for topic. An empty events list matches every
	// event on the topic.
	Subscribe(topic string, events []string, h Handler) (Subscription, error)
	// OnStateChange registers fn to be called when the underlying connection
	// goes down or comes back.
	OnStateChange(fn func(connected bool))
	Close() error
}

func matches(events []string, event string) bool {
	return len(events) == 0 || slices.Contains(events, event)
}
