package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server exposes a Memory hub to WebSocket clients. Each connection may
// subscribe to any number of topics and publish to any topic.
type Server struct {
	hub      *Memory
	maxFrame int64
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a relay server fanning out through hub. Frames larger
// than maxFrame bytes close the connection; zero means 1 MiB.
func NewServer(hub *Memory, maxFrame int64, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxFrame <= 0 {
		maxFrame = maxFrameSize
	}
	return &Server{
		hub:      hub,
		maxFrame: maxFrame,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	p := &peer{
		hub:      s.hub,
		maxFrame: s.maxFrame,
		conn:     conn,
		logger:   s.logger.With(zap.String("remote", conn.RemoteAddr().String())),
		send:     make(chan frame, peerSendBuffer),
		done:     make(chan struct{}),
		subs:     make(map[string]Subscription),
	}
	p.logger.Debug("relay peer connected")
	go p.writePump()
	p.readPump()
}

// peer is one WebSocket connection on the server side.
type peer struct {
	hub      *Memory
	maxFrame int64
	conn     *websocket.Conn
	logger   *zap.Logger

	send     chan frame
	done     chan struct{}
	doneOnce sync.Once

	mu   sync.Mutex
	subs map[string]Subscription
}

func (p *peer) readPump() {
	defer func() {
		p.mu.Lock()
		for topic, sub := range p.subs {
			sub.Unsubscribe()
			delete(p.subs, topic)
		}
		p.mu.Unlock()
		p.shutdown()
		_ = p.conn.Close()
		p.logger.Debug("relay peer disconnected")
	}()

	p.conn.SetReadLimit(p.maxFrame)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f frame
		if err := p.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Warn("relay peer read error", zap.Error(err))
			}
			return
		}
		p.handle(f)
	}
}

func (p *peer) handle(f frame) {
	switch f.Op {
	case opSubscribe:
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.subs[f.Topic]; ok {
			return
		}
		topic := f.Topic
		sub, err := p.hub.Subscribe(topic, nil, func(env Envelope) {
			p.enqueue(frame{Op: opDeliver, Topic: topic, Envelope: &env})
		})
		if err != nil {
			p.logger.Warn("relay subscribe failed", zap.String("topic", topic), zap.Error(err))
			return
		}
		p.subs[topic] = sub
	case opUnsubscribe:
		p.mu.Lock()
		if sub, ok := p.subs[f.Topic]; ok {
			sub.Unsubscribe()
			delete(p.subs, f.Topic)
		}
		p.mu.Unlock()
	case opPublish:
		if f.Envelope == nil {
			return
		}
		env := *f.Envelope
		env.Topic = f.Topic
		if err := p.hub.Deliver(context.Background(), env); err != nil {
			p.logger.Warn("relay publish failed", zap.String("topic", f.Topic), zap.Error(err))
		}
	default:
		p.logger.Debug("unknown relay op", zap.String("op", f.Op))
	}
}

func (p *peer) enqueue(f frame) {
	select {
	case p.send <- f:
	case <-p.done:
	default:
		// A peer that cannot keep up is disconnected; it resubscribes on reconnect.
		p.logger.Warn("relay peer too slow, closing")
		p.shutdown()
		_ = p.conn.Close()
	}
}

func (p *peer) shutdown() {
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case f := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
