package messaging

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/bus"
	"github.com/matheus3301/rtchat/internal/domain"
	"github.com/matheus3301/rtchat/internal/relay"
)

// HandleMessageRow applies a messages row change from the relay.
func (e *Engine) HandleMessageRow(ctx context.Context, env relay.Envelope) {
	var m domain.Message
	if err := env.Decode(&m); err != nil {
		e.logger.Warn("malformed message row", zap.Error(err))
		return
	}
	if m.ID == "" || m.ConversationID == "" {
		return
	}
	switch env.Event {
	case relay.EventInsert:
		e.handleInbound(ctx, m)
	case relay.EventUpdate:
		e.handleStatus(m)
	}
}

func (e *Engine) handleInbound(ctx context.Context, m domain.Message) {
	self := e.state.Self()
	if self.ID == "" {
		return
	}
	active := e.state.Active() == m.ConversationID
	inbound := m.SenderID != self.ID
	unseen := m.Status != domain.StatusSeen

	e.mu.Lock()
	conv := e.findConversation(m.ConversationID)
	if conv == nil {
		e.mu.Unlock()
		// First contact: the conversation is not cached yet.
		if err := e.Refresh(ctx); err != nil {
			e.logger.Warn("refresh for unknown conversation failed",
				zap.String("conversation_id", m.ConversationID), zap.Error(err))
		}
		return
	}

	repeat := false
	if active {
		e.messages, repeat = upsert(e.messages, m)
		repeat = !repeat
	}
	if conv.LastMessage != nil && conv.LastMessage.ID == m.ID {
		repeat = true
		merged := merge(*conv.LastMessage, m)
		conv.LastMessage = &merged
	} else if conv.LastMessage == nil || !conv.LastMessage.CreatedAt.After(m.CreatedAt) {
		last := m
		conv.LastMessage = &last
	}
	conv.IsTyping = false
	if inbound && unseen {
		// Ids read in the active conversation are recorded too, so a later
		// redelivery does not count them.
		fresh := e.countOnce(conv.ID, m.ID)
		if fresh && !active && !repeat {
			conv.UnreadCount++
		}
	}
	convID := conv.ID
	e.mu.Unlock()

	e.bus.Emit(bus.KindMessageUpserted, m)
	e.emit(bus.KindMessagesChanged, bus.KindConversationsChanged)

	if !inbound || !unseen {
		return
	}
	if active {
		if err := e.MarkSeen(ctx, convID); err != nil {
			e.logger.Warn("mark seen failed", zap.String("conversation_id", convID), zap.Error(err))
		}
		return
	}
	if m.Status == domain.StatusSent {
		if err := e.MarkDelivered(ctx, convID); err != nil {
			e.logger.Warn("mark delivered failed", zap.String("conversation_id", convID), zap.Error(err))
		}
	}
}

// countOnce reports whether msgID has not been counted as unread in
// conversationID before. Callers hold e.mu.
func (e *Engine) countOnce(conversationID, msgID string) bool {
	w := e.counted[conversationID]
	if w == nil {
		w = &idWindow{}
		e.counted[conversationID] = w
	}
	return w.add(msgID)
}

func (e *Engine) handleStatus(m domain.Message) {
	if !m.Status.Valid() {
		return
	}
	e.mu.Lock()
	e.applyStatus([]domain.Message{m})
	e.mu.Unlock()

	e.bus.Emit(bus.KindMessageStatus, m)
	e.emit(bus.KindMessagesChanged, bus.KindConversationsChanged)
}

// HandleTyping applies a typing broadcast to the matching conversation.
// The local user's own signals are ignored.
func (e *Engine) HandleTyping(env relay.Envelope) {
	var t Typing
	if err := env.Decode(&t); err != nil {
		e.logger.Debug("malformed typing broadcast", zap.Error(err))
		return
	}
	if t.UserID == e.state.Self().ID {
		return
	}
	e.mu.Lock()
	conv := e.findConversation(t.ConversationID)
	changed := conv != nil && conv.IsTyping != t.IsTyping
	if changed {
		conv.IsTyping = t.IsTyping
	}
	e.mu.Unlock()
	if changed {
		e.emit(bus.KindConversationsChanged)
	}
}

// HandleRelayDisconnected clears every typing flag: no stop signal can
// arrive while the relay is down.
func (e *Engine) HandleRelayDisconnected() {
	e.mu.Lock()
	changed := false
	for i := range e.conversations {
		if e.conversations[i].IsTyping {
			e.conversations[i].IsTyping = false
			changed = true
		}
	}
	e.mu.Unlock()
	if changed {
		e.emit(bus.KindConversationsChanged)
	}
}

// UpdateUser refreshes the cached copies of u in conversations and friends.
// Block flags and friendship status are kept.
func (e *Engine) UpdateUser(u domain.User) {
	apply := func(dst *domain.User) {
		dst.Online = u.Online
		if !u.LastActive.IsZero() {
			dst.LastActive = u.LastActive
		}
		if u.Username != "" {
			dst.Username = u.Username
		}
		if u.Avatar != "" {
			dst.Avatar = u.Avatar
		}
	}

	e.mu.Lock()
	convChanged, friendsChanged := false, false
	for i := range e.conversations {
		for j := range e.conversations[i].Participants {
			if e.conversations[i].Participants[j].ID == u.ID {
				apply(&e.conversations[i].Participants[j])
				convChanged = true
			}
		}
	}
	for i := range e.friends {
		if e.friends[i].ID == u.ID {
			apply(&e.friends[i])
			friendsChanged = true
		}
	}
	e.mu.Unlock()

	if convChanged {
		e.emit(bus.KindConversationsChanged)
	}
	if friendsChanged {
		e.emit(bus.KindFriendsChanged)
	}
}

// SetBlocked records a block change made by the local user on the cached
// participants.
func (e *Engine) SetBlocked(userID string, blocked bool) {
	e.mu.Lock()
	for i := range e.conversations {
		for j := range e.conversations[i].Participants {
			if e.conversations[i].Participants[j].ID == userID {
				e.conversations[i].Participants[j].BlockedByMe = blocked
			}
		}
	}
	for i := range e.friends {
		if e.friends[i].ID == userID {
			e.friends[i].BlockedByMe = blocked
		}
	}
	e.mu.Unlock()
	e.emit(bus.KindConversationsChanged, bus.KindFriendsChanged)
}
