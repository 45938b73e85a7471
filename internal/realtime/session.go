// Package realtime wires the engines of one logged-in user to the relay:
// every subscribed topic feeds a single queue drained by one goroutine, so
// the engines see relay events one at a time and in order.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/bus"
	"github.com/matheus3301/rtchat/internal/call"
	"github.com/matheus3301/rtchat/internal/domain"
	"github.com/matheus3301/rtchat/internal/messaging"
	"github.com/matheus3301/rtchat/internal/metrics"
	"github.com/matheus3301/rtchat/internal/presence"
	"github.com/matheus3301/rtchat/internal/relay"
	"github.com/matheus3301/rtchat/internal/state"
	"github.com/matheus3301/rtchat/internal/status"
	"github.com/matheus3301/rtchat/internal/stories"
)

const queueSize = 256

// Deps are the collaborators of a Session.
type Deps struct {
	State     *state.State
	Relay     relay.Client
	Messaging *messaging.Engine
	Calls     *call.Engine
	Stories   *stories.Feed
	Presence  *presence.Tracker
	Status    *status.Machine
	Bus       *bus.Bus
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Snapshot is the full UI-facing state of a session.
type Snapshot struct {
	Self                 domain.User           `json:"self"`
	Status               status.State          `json:"status"`
	Conversations        []domain.Conversation `json:"conversations"`
	ActiveConversationID string                `json:"activeConversationId,omitempty"`
	Messages             []domain.Message      `json:"messages"`
	ActiveCall           *domain.Call          `json:"activeCall,omitempty"`
	LocalStream          []call.TrackInfo      `json:"localStream,omitempty"`
	RemoteStream         []call.TrackInfo      `json:"remoteStream,omitempty"`
	Muted                bool                  `json:"muted"`
	VideoOff             bool                  `json:"videoOff"`
	Friends              []domain.User         `json:"friends"`
	Stories              []domain.Story        `json:"stories"`
	DataLoaded           bool                  `json:"dataLoaded"`
}

type topicSub struct {
	topic  string
	events []string
}

// Session is the realtime session of the local user.
type Session struct {
	state     *state.State
	relay     relay.Client
	messaging *messaging.Engine
	calls     *call.Engine
	stories   *stories.Feed
	presence  *presence.Tracker
	status    *status.Machine
	bus       *bus.Bus
	metrics   *metrics.Metrics
	logger    *zap.Logger

	queue chan relay.Envelope

	mu        sync.Mutex
	started   bool
	closed    bool
	signaling string
	subs      []relay.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(d Deps) *Session {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Status == nil {
		d.Status = status.NewMachine(d.Bus)
	}
	return &Session{
		state:     d.State,
		relay:     d.Relay,
		messaging: d.Messaging,
		calls:     d.Calls,
		stories:   d.Stories,
		presence:  d.Presence,
		status:    d.Status,
		bus:       d.Bus,
		metrics:   d.Metrics,
		logger:    d.Logger,
		queue:     make(chan relay.Envelope, queueSize),
	}
}

func (s *Session) Messaging() *messaging.Engine { return s.messaging }
func (s *Session) Calls() *call.Engine          { return s.calls }
func (s *Session) Stories() *stories.Feed       { return s.stories }
func (s *Session) Status() *status.Machine      { return s.status }
func (s *Session) State() *state.State          { return s.state }

// Start subscribes the session topics, starts the presence heartbeat and
// loads the initial data. ctx only bounds the initial load.
func (s *Session) Start(ctx context.Context) error {
	self := s.state.Self()
	if self.ID == "" {
		return errors.New("realtime: no local user")
	}
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return errors.New("realtime: session already started")
	}
	s.started = true
	s.signaling = relay.SignalingTopic(self.ID)
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	runCtx := s.ctx
	s.mu.Unlock()

	if err := s.status.Transition(status.Connecting); err != nil {
		return err
	}

	topics := []topicSub{
		{s.signaling, nil},
		{relay.TopicMessageRows, []string{relay.EventInsert, relay.EventUpdate}},
		{relay.TopicTyping, []string{relay.EventTyping}},
		{relay.TopicStoryRows, nil},
		{relay.TopicUserRows, []string{relay.EventInsert, relay.EventUpdate}},
	}
	for _, t := range topics {
		sub, err := s.relay.Subscribe(t.topic, t.events, s.enqueue(runCtx))
		if err != nil {
			s.unsubscribe()
			s.cancel()
			_ = s.status.Transition(status.Error)
			return fmt.Errorf("subscribe %s: %w", t.topic, err)
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}
	s.relay.OnStateChange(s.connectionChanged)
	s.metrics.RelayConnected(true)

	s.wg.Add(1)
	go s.drain(runCtx)

	s.presence.AddCache(s.messaging)
	s.presence.Start(runCtx)

	s.resync(ctx)
	s.logger.Info("session started", zap.String("user_id", self.ID), zap.String("username", self.Username))
	return nil
}

// Close unsubscribes every topic, stops the heartbeat and hangs up any
// call. The relay itself stays open.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}

	s.unsubscribe()
	s.presence.Stop(ctx)
	s.calls.Close()
	s.cancel()
	s.wg.Wait()
	s.messaging.Close()
	_ = s.status.Transition(status.Stopped)
	s.logger.Info("session closed")
}

// Snapshot returns the current state of every engine.
func (s *Session) Snapshot() Snapshot {
	c := s.calls.Snapshot()
	return Snapshot{
		Self:                 s.state.Self(),
		Status:               s.status.Current(),
		Conversations:        s.messaging.Conversations(),
		ActiveConversationID: s.state.Active(),
		Messages:             s.messaging.Messages(),
		ActiveCall:           c.Call,
		LocalStream:          c.Local,
		RemoteStream:         c.Remote,
		Muted:                c.Muted,
		VideoOff:             c.VideoOff,
		Friends:              s.messaging.Friends(),
		Stories:              s.stories.Stories(),
		DataLoaded:           s.state.DataLoaded(),
	}
}

// Resync reloads conversations, friends and stories from the store.
func (s *Session) Resync(ctx context.Context) {
	if s.status.Current() == status.Ready {
		s.resync(ctx)
	}
}

func (s *Session) resync(ctx context.Context) {
	if err := s.status.Transition(status.Syncing); err != nil {
		s.logger.Debug("skip resync", zap.Error(err))
		return
	}
	err := errors.Join(s.messaging.Refresh(ctx), s.stories.Load(ctx))
	if err != nil {
		s.logger.Warn("initial load failed", zap.Error(err))
		s.bus.Notify(bus.LevelError, "Could not load your chats")
		_ = s.status.Transition(status.Degraded)
		return
	}
	_ = s.status.Transition(status.Ready)
}

func (s *Session) enqueue(ctx context.Context) relay.Handler {
	return func(env relay.Envelope) {
		select {
		case s.queue <- env:
		case <-ctx.Done():
		}
	}
}

func (s *Session) drain(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case env := <-s.queue:
			s.dispatch(ctx, env)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) dispatch(ctx context.Context, env relay.Envelope) {
	s.metrics.RelayEvent(env.Topic)
	switch env.Topic {
	case s.signaling:
		s.calls.HandleSignal(ctx, env)
	case relay.TopicMessageRows:
		s.messaging.HandleMessageRow(ctx, env)
	case relay.TopicTyping:
		s.messaging.HandleTyping(env)
	case relay.TopicStoryRows:
		s.stories.HandleStoryRow(env)
	case relay.TopicUserRows:
		s.presence.HandleUserRow(env)
	default:
		s.logger.Debug("event on unexpected topic", zap.String("topic", env.Topic))
	}
}

func (s *Session) connectionChanged(up bool) {
	s.metrics.RelayConnected(up)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	if up {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if !up {
		s.logger.Warn("relay connection lost")
		_ = s.status.Transition(status.Reconnecting)
		s.messaging.HandleRelayDisconnected()
		s.bus.Emit(bus.KindRelayDisconnected, nil)
		return
	}

	s.logger.Info("relay connection restored")
	s.bus.Emit(bus.KindRelayConnected, nil)
	// Rows written while the relay was down were never delivered.
	go func() {
		defer s.wg.Done()
		if err := s.status.Transition(status.Connecting); err != nil {
			s.logger.Debug("reconnect transition", zap.Error(err))
			return
		}
		s.resync(ctx)
	}()
}

func (s *Session) unsubscribe() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
