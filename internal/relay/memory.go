package relay

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("relay: closed")

// Memory is an in-process relay hub. Several sessions sharing one Memory
// see each other's broadcasts, which is how tests and single-host setups
// connect two clients.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*sink]struct{}
	closed bool
}

// NewMemory creates an empty in-process hub.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*sink]struct{})}
}

func (m *Memory) Publish(ctx context.Context, topic, event string, payload any) error {
	env, err := NewEnvelope(topic, event, payload)
	if err != nil {
		return err
	}
	return m.Deliver(ctx, env)
}

// Deliver fans an already encoded envelope out to the topic's subscribers.
func (m *Memory) Deliver(ctx context.Context, env Envelope) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*sink, 0, len(m.subs[env.Topic]))
	for s := range m.subs[env.Topic] {
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	for _, s := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.offer(env)
	}
	return nil
}

func (m *Memory) Subscribe(topic string, events []string, h Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s := newSink(topic, events, h)
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[*sink]struct{})
	}
	m.subs[topic][s] = struct{}{}
	return &memorySub{hub: m, sink: s}, nil
}

// OnStateChange is a no-op: an in-process hub never disconnects.
func (m *Memory) OnStateChange(func(connected bool)) {}

// Subscribers returns the number of live subscriptions on topic.
func (m *Memory) Subscribers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[topic])
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, set := range m.subs {
		for s := range set {
			s.stop()
		}
	}
	m.subs = make(map[string]map[*sink]struct{})
	return nil
}

func (m *Memory) remove(s *sink) {
	m.mu.Lock()
	if set, ok := m.subs[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(m.subs, s.topic)
		}
	}
	m.mu.Unlock()
	s.stop()
}

type memorySub struct {
	hub  *Memory
	sink *sink
	once sync.Once
}

func (s *memorySub) Unsubscribe() {
	s.once.Do(func() { s.hub.remove(s.sink) })
}
