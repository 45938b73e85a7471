package api

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/rtchat/internal/domain"
)

// Empty is the request and reply of methods without parameters.
type Empty struct{}

// StatusReply describes the daemon and its session.
type StatusReply struct {
	Session     string    `json:"session"`
	Status      string    `json:"status"`
	StatusSince time.Time `json:"statusSince"`
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	UptimeMs    int64     `json:"uptimeMs"`
	Chats       int       `json:"chats"`
	Friends     int       `json:"friends"`
	Stories     int       `json:"stories"`
	CallStatus  string    `json:"callStatus,omitempty"`
}

type UserRequest struct {
	UserID string `json:"userId"`
}

type ConversationRequest struct {
	ConversationID string `json:"conversationId"`
}

type ConversationReply struct {
	ConversationID string `json:"conversationId"`
}

// SendRequest sends into ConversationID, or into the active conversation
// when it is empty.
type SendRequest struct {
	ConversationID string              `json:"conversationId,omitempty"`
	Text           string              `json:"text"`
	Attachments    []domain.Attachment `json:"attachments,omitempty"`
}

type MessageReply struct {
	Message domain.Message `json:"message"`
}

type TypingRequest struct {
	Typing bool `json:"typing"`
}

type CallRequest struct {
	UserID string `json:"userId"`
	Video  bool   `json:"video"`
}

type CallReply struct {
	Call domain.Call `json:"call"`
}

// ToggleReply carries the new value of a toggled flag.
type ToggleReply struct {
	On bool `json:"on"`
}

type StoryRequest struct {
	Story domain.Story `json:"story"`
}

type StoryReply struct {
	Story domain.Story `json:"story"`
}

type StoryIDRequest struct {
	StoryID string `json:"storyId"`
}

type StoryReplyRequest struct {
	StoryID string `json:"storyId"`
	Text    string `json:"text"`
}

type SearchRequest struct {
	Query string `json:"query"`
}

type UsersReply struct {
	Users []domain.User `json:"users"`
}

type FriendshipReply struct {
	Status domain.FriendshipStatus `json:"status"`
}

// WatchRequest selects bus events by kind prefix; empty means all.
type WatchRequest struct {
	Prefix string `json:"prefix,omitempty"`
}

// Event is one bus event delivered by WatchEvents.
type Event struct {
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
