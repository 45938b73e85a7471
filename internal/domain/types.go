// Package domain holds the entities shared by the messaging and call engines.
package domain

import (
	"strings"
	"time"
)

// FriendshipStatus describes the relation between the local user and another user.
type FriendshipStatus string

const (
	FriendshipNone            FriendshipStatus = "none"
	FriendshipPendingSent     FriendshipStatus = "pending_sent"
	FriendshipPendingReceived FriendshipStatus = "pending_received"
	FriendshipAccepted        FriendshipStatus = "accepted"
	FriendshipSelf            FriendshipStatus = "self"
)

// User is a cached view of a profile row. BlockedByMe and BlockedMe are
// computed by the access gate when the user is read.
type User struct {
	ID               string           `json:"id"`
	Username         string           `json:"username"`
	Avatar           string           `json:"avatar,omitempty"`
	Online           bool             `json:"isOnline"`
	LastActive       time.Time        `json:"lastActive,omitempty"`
	IsBot            bool             `json:"isBot,omitempty"`
	FriendshipStatus FriendshipStatus `json:"friendshipStatus,omitempty"`
	BlockedByMe      bool             `json:"blockedByMe"`
	BlockedMe        bool             `json:"blockedMe"`
}

// Blocked reports whether either side of the relation blocks the other.
func (u User) Blocked() bool {
	return u.BlockedByMe || u.BlockedMe
}

// Conversation is a two-party chat. Participants never include the local user
// unless the conversation is a note-to-self.
type Conversation struct {
	ID           string   `json:"id"`
	Participants []User   `json:"participants"`
	LastMessage  *Message `json:"lastMessage,omitempty"`
	UnreadCount  int      `json:"unreadCount"`
	IsTyping     bool     `json:"isTyping,omitempty"`
}

// Counterpart returns the first participant, if any.
func (c *Conversation) Counterpart() (User, bool) {
	if len(c.Participants) == 0 {
		return User{}, false
	}
	return c.Participants[0], true
}

// HasParticipant reports whether userID takes part in the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// AttachmentType classifies an attachment.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentAudio AttachmentType = "audio"
	AttachmentFile  AttachmentType = "file"
)

// AttachmentTypeFor maps a MIME type onto an attachment type.
func AttachmentTypeFor(mime string) AttachmentType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return AttachmentImage
	case strings.HasPrefix(mime, "audio/"):
		return AttachmentAudio
	default:
		return AttachmentFile
	}
}

// Attachment is immutable once created.
type Attachment struct {
	Type AttachmentType `json:"type"`
	URL  string         `json:"url"`
	Name string         `json:"name"`
}

// Message is a single chat message. ID is a temporary client id until the
// store confirms the write.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Text           string        `json:"text"`
	CreatedAt      time.Time     `json:"createdAt"`
	Status         MessageStatus `json:"status"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
}

// Empty reports whether the message carries neither text nor attachments.
func (m *Message) Empty() bool {
	return strings.TrimSpace(m.Text) == "" && len(m.Attachments) == 0
}

// StoryMediaType is the kind of content a story carries.
type StoryMediaType string

const (
	StoryImage StoryMediaType = "image"
	StoryVideo StoryMediaType = "video"
	StoryText  StoryMediaType = "text"
	StoryAudio StoryMediaType = "audio"
)

// Story is a 24h post visible to the author's friends.
type Story struct {
	ID              string         `json:"id"`
	UserID          string         `json:"userId"`
	Username        string         `json:"username"`
	UserAvatar      string         `json:"userAvatar,omitempty"`
	MediaURL        string         `json:"mediaUrl,omitempty"`
	MediaType       StoryMediaType `json:"mediaType"`
	TextContent     string         `json:"textContent,omitempty"`
	BackgroundColor string         `json:"backgroundColor,omitempty"`
	FontStyle       string         `json:"fontStyle,omitempty"`
	Viewers         []string       `json:"viewers"`
	CreatedAt       time.Time      `json:"createdAt"`
	IsViewed        bool           `json:"isViewed,omitempty"`
}

// ViewedBy reports whether userID is among the story viewers.
func (s *Story) ViewedBy(userID string) bool {
	for _, v := range s.Viewers {
		if v == userID {
			return true
		}
	}
	return false
}
