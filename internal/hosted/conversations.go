package hosted

import (
	"context"
	"errors"

	"github.com/matheus3301/rtchat/internal/domain"
	"github.com/matheus3301/rtchat/internal/relay"
	"github.com/matheus3301/rtchat/internal/store"
)

// Conversations returns the conversations of selfID with participant
// profiles, last message and selfID's unread counter.
func (s *Service) Conversations(ctx context.Context, selfID string) ([]domain.Conversation, error) {
	rows, err := s.db.ListConversations(ctx, selfID)
	if err != nil {
		return nil, wrap("hosted.Conversations", err)
	}
	convs := make([]domain.Conversation, 0, len(rows))
	for _, r := range rows {
		users, err := s.db.GetUsers(ctx, r.ParticipantIDs)
		if err != nil {
			return nil, wrap("hosted.Conversations", err)
		}
		convs = append(convs, domain.Conversation{
			ID:           r.ID,
			Participants: users,
			LastMessage:  r.LastMessage,
			UnreadCount:  r.UnreadCount,
		})
	}
	return convs, nil
}

// FindOrCreateConversation returns the 1:1 conversation between selfID and
// otherID, creating it when none exists.
func (s *Service) FindOrCreateConversation(ctx context.Context, selfID, otherID string) (string, error) {
	id, err := s.db.FindDirectConversation(ctx, selfID, otherID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", wrap("hosted.FindOrCreateConversation", err)
	}
	if id, err = s.nextID(); err != nil {
		return "", wrap("hosted.FindOrCreateConversation", err)
	}
	if err := s.db.CreateConversation(ctx, id, []string{selfID, otherID}, s.now()); err != nil {
		return "", wrap("hosted.FindOrCreateConversation", err)
	}
	return id, nil
}

// Messages returns the full history of a conversation, oldest first.
func (s *Service) Messages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	msgs, err := s.db.ListMessages(ctx, conversationID)
	return msgs, wrap("hosted.Messages", err)
}

// SendMessage persists m under a server id and timestamp with status sent,
// bumps the recipients' unread counters and announces the insert.
func (s *Service) SendMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	id, err := s.nextID()
	if err != nil {
		return domain.Message{}, wrap("hosted.SendMessage", err)
	}
	m.ID = id
	m.CreatedAt = s.now()
	m.Status = domain.StatusSent

	if err := s.db.InsertMessage(ctx, m); err != nil {
		return domain.Message{}, wrap("hosted.SendMessage", err)
	}
	s.announce(ctx, relay.TopicMessageRows, relay.EventInsert, m)
	return m, nil
}

// MarkDelivered moves readerID's inbound sent messages to delivered.
func (s *Service) MarkDelivered(ctx context.Context, conversationID, readerID string) ([]domain.Message, error) {
	return s.advance(ctx, "hosted.MarkDelivered", conversationID, readerID,
		[]domain.MessageStatus{domain.StatusSent}, domain.StatusDelivered)
}

// MarkSeen moves readerID's inbound unseen messages to seen and resets the
// reader's unread counter.
func (s *Service) MarkSeen(ctx context.Context, conversationID, readerID string) ([]domain.Message, error) {
	updated, err := s.advance(ctx, "hosted.MarkSeen", conversationID, readerID,
		[]domain.MessageStatus{domain.StatusSent, domain.StatusDelivered}, domain.StatusSeen)
	if err != nil {
		return nil, err
	}
	if err := s.db.ResetUnread(ctx, conversationID, readerID); err != nil {
		return updated, wrap("hosted.MarkSeen", err)
	}
	return updated, nil
}

func (s *Service) advance(ctx context.Context, op, conversationID, readerID string, from []domain.MessageStatus, to domain.MessageStatus) ([]domain.Message, error) {
	updated, err := s.db.AdvanceStatus(ctx, conversationID, readerID, from, to)
	if err != nil {
		return nil, wrap(op, err)
	}
	for _, m := range updated {
		s.announce(ctx, relay.TopicMessageRows, relay.EventUpdate, m)
	}
	return updated, nil
}
