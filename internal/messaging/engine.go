// Package messaging keeps the local view of conversations and messages in
// sync with the hosted store: optimistic sends, id-keyed upserts of relay
// events, delivery status progress and unread counters.
package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/rtchat/internal/bus"
	"github.com/matheus3301/rtchat/internal/domain"
	"github.com/matheus3301/rtchat/internal/metrics"
	"github.com/matheus3301/rtchat/internal/state"
)

// DefaultThinkDelay is how long the bot "thinks" before its reply is sent.
const DefaultThinkDelay = 1500 * time.Millisecond

// Store is the slice of the hosted store the engine uses.
type Store interface {
	Conversations(ctx context.Context, selfID string) ([]domain.Conversation, error)
	FindOrCreateConversation(ctx context.Context, selfID, otherID string) (string, error)
	Messages(ctx context.Context, conversationID string) ([]domain.Message, error)
	SendMessage(ctx context.Context, m domain.Message) (domain.Message, error)
	MarkDelivered(ctx context.Context, conversationID, readerID string) ([]domain.Message, error)
	MarkSeen(ctx context.Context, conversationID, readerID string) ([]domain.Message, error)
}

// Gate answers block and friendship questions.
type Gate interface {
	CanCompose(ctx context.Context, selfID, otherID string) error
	Annotate(ctx context.Context, selfID string, u domain.User) domain.User
	Friends(ctx context.Context, selfID string) ([]domain.User, error)
}

// Publisher broadcasts on relay topics.
type Publisher interface {
	Publish(ctx context.Context, topic, event string, payload any) error
}

// Responder generates bot replies. Reply never fails; it returns a fallback
// text instead.
type Responder interface {
	Reply(ctx context.Context, prompt string) string
}

// Typing is the payload of typing broadcasts.
type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// Options tunes an Engine.
type Options struct {
	ThinkDelay time.Duration
	// TypingInterval is the minimum gap between two "is typing" broadcasts.
	TypingInterval time.Duration
}

// pendingSend is one entry of the temp-id table: an optimistic message
// waiting for the store to confirm or reject it.
type pendingSend struct {
	conversationID string
	prevLast       *domain.Message
}

// Engine is the message synchronization engine of one session.
type Engine struct {
	state     *state.State
	store     Store
	gate      Gate
	relay     Publisher
	responder Responder
	bus       *bus.Bus
	metrics   *metrics.Metrics
	logger    *zap.Logger

	thinkDelay time.Duration
	typing     *rate.Limiter
	botBusy    atomic.Bool

	mu            sync.Mutex
	conversations []domain.Conversation
	messages      []domain.Message
	friends       []domain.User
	pending       map[string]pendingSend
	// counted holds, per conversation, inbound ids already added to unread.
	counted map[string]*idWindow

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Engine. responder may be nil when no bot is reachable.
func New(st *state.State, s Store, g Gate, p Publisher, r Responder, b *bus.Bus, m *metrics.Metrics, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ThinkDelay <= 0 {
		opts.ThinkDelay = DefaultThinkDelay
	}
	if opts.TypingInterval <= 0 {
		opts.TypingInterval = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		state:      st,
		store:      s,
		gate:       g,
		relay:      p,
		responder:  r,
		bus:        b,
		metrics:    m,
		logger:     logger,
		thinkDelay: opts.ThinkDelay,
		typing:     rate.NewLimiter(rate.Every(opts.TypingInterval), 1),
		pending:    make(map[string]pendingSend),
		counted:    make(map[string]*idWindow),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Close cancels in-flight writes and bot replies and waits for them.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// Conversations returns a copy of the conversation list.
func (e *Engine) Conversations() []domain.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Conversation, len(e.conversations))
	for i, c := range e.conversations {
		out[i] = cloneConversation(c)
	}
	return out
}

// Messages returns a copy of the active conversation's messages.
func (e *Engine) Messages() []domain.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.Message(nil), e.messages...)
}

// Friends returns a copy of the friend list.
func (e *Engine) Friends() []domain.User {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.User(nil), e.friends...)
}

// Pending returns the number of optimistic messages awaiting confirmation.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Conversation returns a copy of the cached conversation with id.
func (e *Engine) Conversation(id string) (domain.Conversation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c := e.findConversation(id); c != nil {
		return cloneConversation(*c), true
	}
	return domain.Conversation{}, false
}

// findConversation must be called with e.mu held.
func (e *Engine) findConversation(id string) *domain.Conversation {
	for i := range e.conversations {
		if e.conversations[i].ID == id {
			return &e.conversations[i]
		}
	}
	return nil
}

func (e *Engine) emit(kinds ...string) {
	for _, k := range kinds {
		e.bus.Emit(k, nil)
	}
}

func cloneConversation(c domain.Conversation) domain.Conversation {
	c.Participants = append([]domain.User(nil), c.Participants...)
	if c.LastMessage != nil {
		m := *c.LastMessage
		c.LastMessage = &m
	}
	return c
}
