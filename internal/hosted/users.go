package hosted

import (
	"context"
	"errors"

	"github.com/matheus3301/rtchat/internal/domain"
	"github.com/matheus3301/rtchat/internal/relay"
	"github.com/matheus3301/rtchat/internal/store"
)

// EnsureUser returns the profile with username, creating it on first use.
func (s *Service) EnsureUser(ctx context.Context, username, avatar string, isBot bool) (domain.User, error) {
	u, err := s.db.GetUserByName(ctx, username)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.User{}, wrap("hosted.EnsureUser", err)
	}

	id, err := s.nextID()
	if err != nil {
		return domain.User{}, wrap("hosted.EnsureUser", err)
	}
	u = domain.User{ID: id, Username: username, Avatar: avatar, IsBot: isBot, LastActive: s.now()}
	if err := s.db.UpsertUser(ctx, u); err != nil {
		return domain.User{}, wrap("hosted.EnsureUser", err)
	}
	s.announce(ctx, relay.TopicUserRows, relay.EventInsert, u)
	return u, nil
}

// User returns a profile by id.
func (s *Service) User(ctx context.Context, id string) (domain.User, error) {
	u, err := s.db.GetUser(ctx, id)
	return u, wrap("hosted.User", err)
}

// Users returns the profiles with the given ids.
func (s *Service) Users(ctx context.Context, ids []string) ([]domain.User, error) {
	users, err := s.db.GetUsers(ctx, ids)
	return users, wrap("hosted.Users", err)
}

// SearchUsers finds users by username substring, excluding selfID.
func (s *Service) SearchUsers(ctx context.Context, query, selfID string) ([]domain.User, error) {
	users, err := s.db.SearchUsers(ctx, query, selfID, 20)
	return users, wrap("hosted.SearchUsers", err)
}

// SetPresence records the online flag of a user and announces it.
func (s *Service) SetPresence(ctx context.Context, userID string, online bool) (domain.User, error) {
	u, err := s.db.SetPresence(ctx, userID, online, s.now())
	if err != nil {
		return domain.User{}, wrap("hosted.SetPresence", err)
	}
	s.announce(ctx, relay.TopicUserRows, relay.EventUpdate, u)
	return u, nil
}
