package relay

import "sync"

// sink delivers envelopes to one handler on its own goroutine, in the order
// they were offered. Offering never blocks: envelopes the handler has not
// caught up with wait in an in-memory backlog. A handler may therefore
// publish to a topic it is subscribed to, even while it is behind.
type sink struct {
	topic  string
	events []string
	h      Handler

	mu      sync.Mutex
	backlog []Envelope
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newSink(topic string, events []string, h Handler) *sink {
	s := &sink{
		topic:  topic,
		events: events,
		h:      h,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *sink) run() {
	for {
		s.mu.Lock()
		batch := s.backlog
		s.backlog = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		for _, env := range batch {
			select {
			case <-s.done:
				return
			default:
			}
			s.h(env)
		}
	}
}

// offer queues env if it matches the subscription filter.
func (s *sink) offer(env Envelope) {
	if !matches(s.events, env.Event) {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	s.mu.Lock()
	s.backlog = append(s.backlog, env)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pending returns the number of envelopes waiting for the handler.
func (s *sink) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backlog)
}

func (s *sink) stop() {
	s.once.Do(func() { close(s.done) })
}
