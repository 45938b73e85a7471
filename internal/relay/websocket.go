package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrDisconnected is returned by Publish while the WebSocket is reconnecting.
var ErrDisconnected = errors.New("relay: disconnected")

const (
	reconnectMin = 500 * time.Millisecond
	reconnectMax = 15 * time.Second
)

// WebSocket is a relay client talking to an rtchat-relay server. It
// reconnects with backoff and restores its subscriptions after every
// reconnect.
type WebSocket struct {
	url      string
	maxFrame int64
	dialer   *websocket.Dialer
	logger   *zap.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	topics    map[string]map[*sink]struct{}
	listeners []func(bool)
	closed    bool

	done chan struct{}
	wg   sync.WaitGroup
}

// DialWebSocket connects to the relay at url (ws:// or wss://). The first
// dial must succeed; later disconnects are retried in the background.
// maxFrame bounds inbound frames; zero means 1 MiB.
func DialWebSocket(ctx context.Context, url string, maxFrame int64, logger *zap.Logger) (*WebSocket, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxFrame <= 0 {
		maxFrame = maxFrameSize
	}
	w := &WebSocket{
		url:      url,
		maxFrame: maxFrame,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   logger.With(zap.String("relay", url)),
		topics:   make(map[string]map[*sink]struct{}),
		done:     make(chan struct{}),
	}
	conn, _, err := w.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", url, err)
	}
	w.conn = conn
	w.wg.Add(1)
	go w.run(conn)
	return w, nil
}

func (w *WebSocket) Publish(ctx context.Context, topic, event string, payload any) error {
	env, err := NewEnvelope(topic, event, payload)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.write(frame{Op: opPublish, Topic: topic, Envelope: &env})
}

func (w *WebSocket) Subscribe(topic string, events []string, h Handler) (Subscription, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrClosed
	}
	s := newSink(topic, events, h)
	first := len(w.topics[topic]) == 0
	if w.topics[topic] == nil {
		w.topics[topic] = make(map[*sink]struct{})
	}
	w.topics[topic][s] = struct{}{}
	w.mu.Unlock()

	if first {
		// While disconnected the subscription is restored on reconnect.
		if err := w.write(frame{Op: opSubscribe, Topic: topic}); err != nil && !errors.Is(err, ErrDisconnected) {
			w.remove(s)
			return nil, err
		}
	}
	return &wsSub{client: w, sink: s}, nil
}

func (w *WebSocket) OnStateChange(fn func(connected bool)) {
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conn := w.conn
	for _, set := range w.topics {
		for s := range set {
			s.stop()
		}
	}
	w.topics = make(map[string]map[*sink]struct{})
	w.mu.Unlock()

	close(w.done)
	if conn != nil {
		w.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		w.writeMu.Unlock()
		_ = conn.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *WebSocket) write(f frame) error {
	w.mu.Lock()
	conn := w.conn
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrDisconnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("relay: write %s %s: %w", f.Op, f.Topic, err)
	}
	return nil
}

func (w *WebSocket) remove(s *sink) {
	w.mu.Lock()
	last := false
	if set, ok := w.topics[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(w.topics, s.topic)
			last = true
		}
	}
	w.mu.Unlock()
	s.stop()

	if last {
		if err := w.write(frame{Op: opUnsubscribe, Topic: s.topic}); err != nil &&
			!errors.Is(err, ErrDisconnected) && !errors.Is(err, ErrClosed) {
			w.logger.Debug("relay unsubscribe failed", zap.String("topic", s.topic), zap.Error(err))
		}
	}
}

// run reads from conn until it fails, then reconnects until the client is
// closed.
func (w *WebSocket) run(conn *websocket.Conn) {
	defer w.wg.Done()
	for {
		w.read(conn)

		w.mu.Lock()
		w.conn = nil
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		w.logger.Warn("relay connection lost")
		w.notify(false)

		conn = w.reconnect()
		if conn == nil {
			return
		}
		w.logger.Info("relay reconnected")
		w.notify(true)
	}
}

func (w *WebSocket) read(conn *websocket.Conn) {
	conn.SetReadLimit(w.maxFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		w.writeMu.Lock()
		defer w.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			_ = conn.Close()
			return
		}
		if f.Op != opDeliver || f.Envelope == nil {
			continue
		}
		env := *f.Envelope
		env.Topic = f.Topic

		w.mu.Lock()
		targets := make([]*sink, 0, len(w.topics[f.Topic]))
		for s := range w.topics[f.Topic] {
			targets = append(targets, s)
		}
		w.mu.Unlock()
		for _, s := range targets {
			s.offer(env)
		}
	}
}

// reconnect dials with exponential backoff and resubscribes every topic.
// It returns nil once the client is closed.
func (w *WebSocket) reconnect() *websocket.Conn {
	delay := reconnectMin
	for {
		select {
		case <-w.done:
			return nil
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
		cancel()
		if err != nil {
			w.logger.Debug("relay reconnect failed", zap.Duration("retry_in", delay), zap.Error(err))
			delay = min(delay*2, reconnectMax)
			continue
		}

		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		w.conn = conn
		topics := make([]string, 0, len(w.topics))
		for t := range w.topics {
			topics = append(topics, t)
		}
		w.mu.Unlock()

		ok := true
		for _, t := range topics {
			if err := w.write(frame{Op: opSubscribe, Topic: t}); err != nil {
				w.logger.Warn("relay resubscribe failed", zap.String("topic", t), zap.Error(err))
				ok = false
				break
			}
		}
		if ok {
			return conn
		}
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		_ = conn.Close()
	}
}

func (w *WebSocket) notify(up bool) {
	w.mu.Lock()
	listeners := append([]func(bool){}, w.listeners...)
	w.mu.Unlock()
	for _, fn := range listeners {
		fn(up)
	}
}

type wsSub struct {
	client *WebSocket
	sink   *sink
	once   sync.Once
}

func (s *wsSub) Unsubscribe() {
	s.once.Do(func() { s.client.remove(s.sink) })
}
