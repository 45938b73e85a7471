package store

import "github.com/matheus3301/rtchat/internal/domain"

// ConversationRow is a conversation as seen by one participant.
type ConversationRow struct {
	ID string
	// ParticipantIDs excludes the viewing user unless the conversation only
	// contains that user.
	ParticipantIDs []string
	UnreadCount    int
	LastMessage    *domain.Message
}

// Friendship states.
const (
	FriendshipPending  = "pending"
	FriendshipAccepted = "accepted"
)

// Friendship is a directed request between two users.
type Friendship struct {
	RequesterID string
	AddresseeID string
	Status      string
}
