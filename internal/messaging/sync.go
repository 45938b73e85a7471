package messaging

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/bus"
	"github.com/matheus3301/rtchat/internal/domain"
	"github.com/matheus3301/rtchat/internal/errs"
)

// SelectConversation makes id the active conversation, loads its history and
// marks inbound messages seen. A failed fetch leaves an empty list and is
// only logged.
func (e *Engine) SelectConversation(ctx context.Context, id string) error {
	self := e.state.Self()
	if self.ID == "" || id == "" {
		return errs.E(errs.ValidationNoop, "messaging.SelectConversation", nil)
	}

	e.mu.Lock()
	e.state.SetActive(id)
	e.messages = e.pendingFor(id)
	if conv := e.findConversation(id); conv != nil {
		conv.UnreadCount = 0
	}
	e.mu.Unlock()
	e.emit(bus.KindMessagesChanged, bus.KindConversationsChanged)

	history, err := e.store.Messages(ctx, id)
	if err != nil {
		e.logger.Warn("fetch history failed", zap.String("conversation_id", id), zap.Error(err))
		return nil
	}

	unseen := false
	e.mu.Lock()
	if e.state.Active() != id {
		// Another conversation was selected while this one loaded.
		e.mu.Unlock()
		return nil
	}
	msgs := make([]domain.Message, 0, len(history)+len(e.messages))
	for _, m := range history {
		msgs, _ = upsert(msgs, m)
		if m.SenderID != self.ID && m.Status != domain.StatusSeen {
			unseen = true
		}
	}
	// Keep optimistic sends and anything that arrived during the fetch.
	for _, m := range e.messages {
		msgs, _ = upsert(msgs, m)
	}
	e.messages = msgs
	e.mu.Unlock()
	e.emit(bus.KindMessagesChanged)

	if unseen {
		if err := e.MarkSeen(ctx, id); err != nil {
			e.logger.Warn("mark seen failed", zap.String("conversation_id", id), zap.Error(err))
		}
	}
	return nil
}

// pendingFor returns the optimistic messages of a conversation. Must be
// called with e.mu held.
func (e *Engine) pendingFor(convID string) []domain.Message {
	var out []domain.Message
	for _, m := range e.messages {
		if p, ok := e.pending[m.ID]; ok && p.conversationID == convID {
			out = append(out, m)
		}
	}
	return out
}

// Refresh reloads the conversation list and friends from the store.
func (e *Engine) Refresh(ctx context.Context) error {
	self := e.state.Self()
	if self.ID == "" {
		return errs.E(errs.ValidationNoop, "messaging.Refresh", nil)
	}

	convs, err := e.store.Conversations(ctx, self.ID)
	if err != nil {
		return err
	}
	for i := range convs {
		for j := range convs[i].Participants {
			convs[i].Participants[j] = e.gate.Annotate(ctx, self.ID, convs[i].Participants[j])
		}
	}
	friends, err := e.gate.Friends(ctx, self.ID)
	if err != nil {
		e.logger.Warn("fetch friends failed", zap.Error(err))
	}

	active := e.state.Active()
	e.mu.Lock()
	typing := make(map[string]bool, len(e.conversations))
	for _, c := range e.conversations {
		typing[c.ID] = c.IsTyping
	}
	for i := range convs {
		convs[i].IsTyping = typing[convs[i].ID]
		if convs[i].ID == active {
			convs[i].UnreadCount = 0
		}
		// An optimistic send is newer than anything the store knows.
		for _, m := range e.messages {
			if p, ok := e.pending[m.ID]; ok && p.conversationID == convs[i].ID {
				p.prevLast = convs[i].LastMessage
				e.pending[m.ID] = p
				last := m
				convs[i].LastMessage = &last
			}
		}
	}
	e.conversations = convs
	if err == nil {
		e.friends = friends
	}
	e.mu.Unlock()

	e.state.SetDataLoaded(true)
	e.emit(bus.KindConversationsChanged, bus.KindFriendsChanged)
	return nil
}

// CreateConversation opens the 1:1 conversation with userID, creating it in
// the store if needed, and selects it.
func (e *Engine) CreateConversation(ctx context.Context, userID string) (string, error) {
	self := e.state.Self()
	if self.ID == "" || userID == "" {
		return "", errs.E(errs.ValidationNoop, "messaging.CreateConversation", nil)
	}

	id, known := e.conversationWith(userID)
	if !known {
		var err error
		id, err = e.store.FindOrCreateConversation(ctx, self.ID, userID)
		if err != nil {
			e.bus.Notify(bus.LevelError, "Failed to start conversation")
			return "", err
		}
		if err := e.Refresh(ctx); err != nil {
			e.logger.Warn("refresh after create failed", zap.Error(err))
		}
	}
	return id, e.SelectConversation(ctx, id)
}

// MarkSeen moves inbound unseen messages of a conversation to seen and
// resets its unread counter once the store confirms.
func (e *Engine) MarkSeen(ctx context.Context, conversationID string) error {
	self := e.state.Self()
	if self.ID == "" || conversationID == "" {
		return errs.E(errs.ValidationNoop, "messaging.MarkSeen", nil)
	}
	updated, err := e.store.MarkSeen(ctx, conversationID, self.ID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.applyStatus(updated)
	if conv := e.findConversation(conversationID); conv != nil {
		conv.UnreadCount = 0
	}
	e.mu.Unlock()
	e.emit(bus.KindMessagesChanged, bus.KindConversationsChanged)
	return nil
}

// MarkDelivered moves inbound sent messages of a conversation to delivered.
func (e *Engine) MarkDelivered(ctx context.Context, conversationID string) error {
	self := e.state.Self()
	if self.ID == "" || conversationID == "" {
		return errs.E(errs.ValidationNoop, "messaging.MarkDelivered", nil)
	}
	updated, err := e.store.MarkDelivered(ctx, conversationID, self.ID)
	if err != nil {
		return err
	}
	if len(updated) == 0 {
		return nil
	}

	e.mu.Lock()
	e.applyStatus(updated)
	e.mu.Unlock()
	e.emit(bus.KindMessagesChanged, bus.KindConversationsChanged)
	return nil
}

// applyStatus advances the cached status of updated messages. Must be
// called with e.mu held.
func (e *Engine) applyStatus(updated []domain.Message) {
	for _, m := range updated {
		advanceIn(e.messages, m.ID, m.Status)
		if conv := e.findConversation(m.ConversationID); conv != nil &&
			conv.LastMessage != nil && conv.LastMessage.ID == m.ID {
			conv.LastMessage.Status = conv.LastMessage.Status.Advance(m.Status)
		}
	}
}
