// Package access answers who may talk to whom: block predicates consulted by
// the messaging and call engines, plus the friendship relations the UI shows.
package access

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/domain"
	"github.com/matheus3301/rtchat/internal/errs"
	"github.com/matheus3301/rtchat/internal/store"
)

// Store is the slice of the hosted store the gate reads and writes.
type Store interface {
	BlockStatus(ctx context.Context, selfID, otherID string) (blockedByMe, blockedMe bool, err error)
	Block(ctx context.Context, blockerID, blockedID string) error
	Unblock(ctx context.Context, blockerID, blockedID string) error
	RequestFriendship(ctx context.Context, requesterID, addresseeID string) (store.Friendship, error)
	AcceptFriendship(ctx context.Context, requesterID, addresseeID string) (store.Friendship, error)
	Friendships(ctx context.Context, userID string) ([]store.Friendship, error)
	SearchUsers(ctx context.Context, query, selfID string) ([]domain.User, error)
	Users(ctx context.Context, ids []string) ([]domain.User, error)
}

// Gate evaluates block and friendship state for the local user.
type Gate struct {
	store  Store
	logger *zap.Logger
}

// New creates a Gate.
func New(s Store, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{store: s, logger: logger}
}

// Status reports whether selfID blocks otherID and whether otherID blocks
// selfID. A lookup failure reads as not blocked so history stays visible.
func (g *Gate) Status(ctx context.Context, selfID, otherID string) (blockedByMe, blockedMe bool) {
	if selfID == "" || otherID == "" || selfID == otherID {
		return false, false
	}
	byMe, me, err := g.store.BlockStatus(ctx, selfID, otherID)
	if err != nil {
		g.logger.Warn("block status lookup failed",
			zap.String("other_id", otherID), zap.Error(err))
		return false, false
	}
	return byMe, me
}

// CanCompose returns an errs.Blocked error when either side blocks the other.
func (g *Gate) CanCompose(ctx context.Context, selfID, otherID string) error {
	if byMe, me := g.Status(ctx, selfID, otherID); byMe || me {
		return errs.E(errs.Blocked, "access.CanCompose", nil)
	}
	return nil
}

// CanCall applies the same rule as CanCompose to call initiation and
// inbound offers.
func (g *Gate) CanCall(ctx context.Context, selfID, otherID string) error {
	if byMe, me := g.Status(ctx, selfID, otherID); byMe || me {
		return errs.E(errs.Blocked, "access.CanCall", nil)
	}
	return nil
}

// Annotate fills the block flags of u from selfID's point of view.
func (g *Gate) Annotate(ctx context.Context, selfID string, u domain.User) domain.User {
	u.BlockedByMe, u.BlockedMe = g.Status(ctx, selfID, u.ID)
	return u
}

// Block makes selfID block otherID.
func (g *Gate) Block(ctx context.Context, selfID, otherID string) error {
	if selfID == otherID {
		return errs.E(errs.ValidationNoop, "access.Block", nil)
	}
	return g.store.Block(ctx, selfID, otherID)
}

// Unblock lifts a block set by selfID.
func (g *Gate) Unblock(ctx context.Context, selfID, otherID string) error {
	return g.store.Unblock(ctx, selfID, otherID)
}
