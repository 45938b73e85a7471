package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/bus"
	"github.com/matheus3301/rtchat/internal/domain"
	"github.com/matheus3301/rtchat/internal/errs"
	"github.com/matheus3301/rtchat/internal/relay"
)

// TempPrefix marks ids of optimistic messages not yet confirmed.
const TempPrefix = "temp-"

// SendMessage inserts an optimistic message into the active conversation and
// persists it in the background. The returned message carries the temporary
// id; confirmation and rollback are announced on the bus.
func (e *Engine) SendMessage(ctx context.Context, text string, attachments []domain.Attachment) (domain.Message, error) {
	const op = "messaging.SendMessage"
	self := e.state.Self()
	convID := e.state.Active()
	if self.ID == "" || convID == "" {
		return domain.Message{}, errs.E(errs.ValidationNoop, op, nil)
	}

	temp := domain.Message{
		ID:             TempPrefix + uuid.NewString(),
		ConversationID: convID,
		SenderID:       self.ID,
		Text:           text,
		CreatedAt:      time.Now().UTC(),
		Status:         domain.StatusSent,
		Attachments:    attachments,
	}
	if temp.Empty() {
		return domain.Message{}, errs.E(errs.ValidationNoop, op, nil)
	}

	e.mu.Lock()
	conv := e.findConversation(convID)
	if conv == nil {
		e.mu.Unlock()
		return domain.Message{}, errs.E(errs.NotFound, op, nil)
	}
	counterpart, _ := conv.Counterpart()
	e.mu.Unlock()

	if counterpart.ID != "" && counterpart.ID != self.ID {
		if err := e.gate.CanCompose(ctx, self.ID, counterpart.ID); err != nil {
			return domain.Message{}, err
		}
	}

	e.mu.Lock()
	conv = e.findConversation(convID)
	if conv == nil {
		e.mu.Unlock()
		return domain.Message{}, errs.E(errs.NotFound, op, nil)
	}
	e.pending[temp.ID] = pendingSend{conversationID: convID, prevLast: conv.LastMessage}
	last := temp
	conv.LastMessage = &last
	if e.state.Active() == convID {
		e.messages, _ = upsert(e.messages, temp)
	}
	e.mu.Unlock()

	e.bus.Emit(bus.KindMessageUpserted, temp)
	e.emit(bus.KindMessagesChanged, bus.KindConversationsChanged)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.persist(temp, counterpart)
	}()
	return temp, nil
}

func (e *Engine) persist(temp domain.Message, counterpart domain.User) {
	saved, err := e.store.SendMessage(e.ctx, temp)
	if err != nil {
		e.rollback(temp, err)
		return
	}
	e.confirm(temp.ID, saved)

	if counterpart.IsBot {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.botReply(temp.ConversationID, counterpart, temp.Text)
		}()
	}
}

func (e *Engine) confirm(tempID string, saved domain.Message) {
	e.mu.Lock()
	p, ok := e.pending[tempID]
	delete(e.pending, tempID)
	if ok {
		if conv := e.findConversation(p.conversationID); conv != nil {
			if conv.LastMessage == nil || conv.LastMessage.ID == tempID || !conv.LastMessage.CreatedAt.After(saved.CreatedAt) {
				last := saved
				conv.LastMessage = &last
			}
		}
	}
	e.messages = replace(e.messages, tempID, saved)
	e.mu.Unlock()

	e.metrics.MessageSent()
	e.logger.Debug("message confirmed",
		zap.String("temp_id", tempID), zap.String("message_id", saved.ID))
	e.bus.Emit(bus.KindMessageConfirmed, bus.MessageConfirmed{
		ConversationID: saved.ConversationID, TempID: tempID, MessageID: saved.ID,
	})
	e.emit(bus.KindMessagesChanged, bus.KindConversationsChanged)
}

func (e *Engine) rollback(temp domain.Message, cause error) {
	e.mu.Lock()
	p, ok := e.pending[temp.ID]
	delete(e.pending, temp.ID)
	if ok {
		if conv := e.findConversation(p.conversationID); conv != nil &&
			conv.LastMessage != nil && conv.LastMessage.ID == temp.ID {
			conv.LastMessage = p.prevLast
		}
	}
	e.messages = remove(e.messages, temp.ID)
	e.mu.Unlock()

	e.metrics.MessageFailed()
	e.logger.Warn("send failed, optimistic message removed",
		zap.String("temp_id", temp.ID), zap.String("conversation_id", temp.ConversationID), zap.Error(cause))
	e.bus.Emit(bus.KindMessageFailed, bus.MessageFailed{
		ConversationID: temp.ConversationID, TempID: temp.ID, Err: cause.Error(),
	})
	e.bus.Notify(bus.LevelError, "Failed to send message")
	e.emit(bus.KindMessagesChanged, bus.KindConversationsChanged)
}

// botReply asks the responder for an answer and posts it as the bot. Only
// one reply is generated at a time per session.
func (e *Engine) botReply(convID string, bot domain.User, prompt string) {
	if e.responder == nil || !e.botBusy.CompareAndSwap(false, true) {
		return
	}
	defer e.botBusy.Store(false)

	e.broadcastTyping(convID, bot.ID, true)
	defer e.broadcastTyping(convID, bot.ID, false)

	reply := e.responder.Reply(e.ctx, prompt)

	select {
	case <-time.After(e.thinkDelay):
	case <-e.ctx.Done():
		return
	}

	if _, err := e.store.SendMessage(e.ctx, domain.Message{
		ConversationID: convID,
		SenderID:       bot.ID,
		Text:           reply,
	}); err != nil {
		e.logger.Warn("bot reply not stored", zap.String("conversation_id", convID), zap.Error(err))
	}
}

// BotBusy reports whether a bot reply is being generated.
func (e *Engine) BotBusy() bool {
	return e.botBusy.Load()
}

func (e *Engine) broadcastTyping(convID, userID string, typing bool) {
	ctx := context.WithoutCancel(e.ctx)
	err := e.relay.Publish(ctx, relay.TopicTyping, relay.EventTyping, Typing{
		ConversationID: convID, UserID: userID, IsTyping: typing,
	})
	if err != nil {
		e.logger.Debug("typing broadcast failed", zap.Error(err))
	}
}

// NotifyTyping tells the counterpart of the active conversation that the
// local user is typing. Start signals are rate limited; stop signals are
// always sent.
func (e *Engine) NotifyTyping(ctx context.Context, typing bool) error {
	self := e.state.Self()
	convID := e.state.Active()
	if self.ID == "" || convID == "" {
		return errs.E(errs.ValidationNoop, "messaging.NotifyTyping", nil)
	}
	if typing && !e.typing.Allow() {
		return nil
	}
	if err := e.relay.Publish(ctx, relay.TopicTyping, relay.EventTyping, Typing{
		ConversationID: convID, UserID: self.ID, IsTyping: typing,
	}); err != nil {
		return errs.E(errs.TransientNetwork, "messaging.NotifyTyping", err)
	}
	return nil
}

// SendStoryReply sends text to the author of story, creating the
// conversation if needed. The active conversation does not change.
func (e *Engine) SendStoryReply(ctx context.Context, story domain.Story, text string) (domain.Message, error) {
	const op = "messaging.SendStoryReply"
	self := e.state.Self()
	if self.ID == "" || story.UserID == "" || story.UserID == self.ID || text == "" {
		return domain.Message{}, errs.E(errs.ValidationNoop, op, nil)
	}
	if err := e.gate.CanCompose(ctx, self.ID, story.UserID); err != nil {
		return domain.Message{}, err
	}

	convID, known := e.conversationWith(story.UserID)
	if !known {
		id, err := e.store.FindOrCreateConversation(ctx, self.ID, story.UserID)
		if err != nil {
			e.bus.Notify(bus.LevelError, "Failed to send reply")
			return domain.Message{}, err
		}
		convID = id
		if err := e.Refresh(ctx); err != nil {
			e.logger.Warn("refresh after story reply failed", zap.Error(err))
		}
	}

	m, err := e.store.SendMessage(ctx, domain.Message{
		ConversationID: convID,
		SenderID:       self.ID,
		Text:           "Replied to your story: " + text,
	})
	if err != nil {
		e.bus.Notify(bus.LevelError, "Failed to send reply")
		return domain.Message{}, err
	}
	e.bus.Notify(bus.LevelSuccess, "Sent!")
	return m, nil
}

func (e *Engine) conversationWith(userID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.conversations {
		if c.HasParticipant(userID) {
			return c.ID, true
		}
	}
	return "", false
}
