package hosted

import (
	"context"

	"github.com/matheus3301/rtchat/internal/store"
)

// Block records that blockerID blocks blockedID.
func (s *Service) Block(ctx context.Context, blockerID, blockedID string) error {
	return wrap("hosted.Block", s.db.Block(ctx, blockerID, blockedID))
}

// Unblock lifts a block.
func (s *Service) Unblock(ctx context.Context, blockerID, blockedID string) error {
	return wrap("hosted.Unblock", s.db.Unblock(ctx, blockerID, blockedID))
}

// BlockStatus reports whether self blocks other and whether other blocks self.
func (s *Service) BlockStatus(ctx context.Context, selfID, otherID string) (blockedByMe, blockedMe bool, err error) {
	blockedByMe, blockedMe, err = s.db.BlockStatus(ctx, selfID, otherID)
	return blockedByMe, blockedMe, wrap("hosted.BlockStatus", err)
}

// RequestFriendship sends a friend request, or accepts a crossing one.
func (s *Service) RequestFriendship(ctx context.Context, requesterID, addresseeID string) (store.Friendship, error) {
	f, err := s.db.RequestFriendship(ctx, requesterID, addresseeID)
	return f, wrap("hosted.RequestFriendship", err)
}

// AcceptFriendship accepts the request requesterID sent to addresseeID.
func (s *Service) AcceptFriendship(ctx context.Context, requesterID, addresseeID string) (store.Friendship, error) {
	f, err := s.db.AcceptFriendship(ctx, requesterID, addresseeID)
	return f, wrap("hosted.AcceptFriendship", err)
}

// Friendships returns every relation userID takes part in.
func (s *Service) Friendships(ctx context.Context, userID string) ([]store.Friendship, error) {
	fs, err := s.db.Friendships(ctx, userID)
	return fs, wrap("hosted.Friendships", err)
}
