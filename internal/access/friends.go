package access

import (
	"context"

	"github.com/matheus3301/rtchat/internal/domain"
	"github.com/matheus3301/rtchat/internal/errs"
	"github.com/matheus3301/rtchat/internal/store"
)

// SendFriendRequest asks otherID to become a friend of selfID. If otherID
// already asked, the request is accepted instead.
func (g *Gate) SendFriendRequest(ctx context.Context, selfID, otherID string) (domain.FriendshipStatus, error) {
	if selfID == otherID {
		return domain.FriendshipSelf, errs.E(errs.ValidationNoop, "access.SendFriendRequest", nil)
	}
	f, err := g.store.RequestFriendship(ctx, selfID, otherID)
	if err != nil {
		return domain.FriendshipNone, err
	}
	return statusOf(f, selfID), nil
}

// AcceptFriendRequest accepts the pending request requesterID sent to selfID.
func (g *Gate) AcceptFriendRequest(ctx context.Context, selfID, requesterID string) error {
	_, err := g.store.AcceptFriendship(ctx, requesterID, selfID)
	return err
}

// FriendIDs returns the ids of selfID's accepted friends.
func (g *Gate) FriendIDs(ctx context.Context, selfID string) ([]string, error) {
	fs, err := g.store.Friendships(ctx, selfID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, f := range fs {
		if f.Status == store.FriendshipAccepted {
			ids = append(ids, other(f, selfID))
		}
	}
	return ids, nil
}

// Friends returns selfID's accepted friends with block flags filled in.
func (g *Gate) Friends(ctx context.Context, selfID string) ([]domain.User, error) {
	ids, err := g.FriendIDs(ctx, selfID)
	if err != nil {
		return nil, err
	}
	return g.load(ctx, selfID, ids, domain.FriendshipAccepted)
}

// PendingRequests returns the users waiting for selfID to accept them.
func (g *Gate) PendingRequests(ctx context.Context, selfID string) ([]domain.User, error) {
	fs, err := g.store.Friendships(ctx, selfID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, f := range fs {
		if f.Status == store.FriendshipPending && f.AddresseeID == selfID {
			ids = append(ids, f.RequesterID)
		}
	}
	return g.load(ctx, selfID, ids, domain.FriendshipPendingReceived)
}

// SearchUsers finds users by username and labels each with its friendship
// status relative to selfID.
func (g *Gate) SearchUsers(ctx context.Context, selfID, query string) ([]domain.User, error) {
	users, err := g.store.SearchUsers(ctx, query, selfID)
	if err != nil {
		return nil, err
	}
	fs, err := g.store.Friendships(ctx, selfID)
	if err != nil {
		return nil, err
	}
	byUser := make(map[string]domain.FriendshipStatus, len(fs))
	for _, f := range fs {
		byUser[other(f, selfID)] = statusOf(f, selfID)
	}
	for i := range users {
		if s, ok := byUser[users[i].ID]; ok {
			users[i].FriendshipStatus = s
		} else {
			users[i].FriendshipStatus = domain.FriendshipNone
		}
		users[i] = g.Annotate(ctx, selfID, users[i])
	}
	return users, nil
}

func (g *Gate) load(ctx context.Context, selfID string, ids []string, status domain.FriendshipStatus) ([]domain.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	users, err := g.store.Users(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range users {
		users[i].FriendshipStatus = status
		users[i] = g.Annotate(ctx, selfID, users[i])
	}
	return users, nil
}

func other(f store.Friendship, selfID string) string {
	if f.RequesterID == selfID {
		return f.AddresseeID
	}
	return f.RequesterID
}

func statusOf(f store.Friendship, selfID string) domain.FriendshipStatus {
	switch {
	case f.Status == store.FriendshipAccepted:
		return domain.FriendshipAccepted
	case f.RequesterID == selfID:
		return domain.FriendshipPendingSent
	default:
		return domain.FriendshipPendingReceived
	}
}
