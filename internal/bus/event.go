package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the engines.
const (
	KindMessageUpserted  = "message.upserted"
	KindMessageConfirmed = "message.confirmed"
	KindMessageFailed    = "message.send_failed"
	KindMessageStatus    = "message.status"

	KindConversationsChanged = "state.conversations"
	KindMessagesChanged      = "state.messages"
	KindFriendsChanged       = "state.friends"
	KindStoriesChanged       = "state.stories"
	KindCallChanged          = "call.changed"

	KindRelayConnected    = "relay.connected"
	KindRelayDisconnected = "relay.disconnected"

	KindStatusChanged = "session.status_changed"
)

// Level is the severity of a user-visible notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notification is the payload of "notify.*" events: a short message meant
// for a toast in the UI.
type Notification struct {
	Level Level
	Text  string
}

// MessageConfirmed is the payload of KindMessageConfirmed.
type MessageConfirmed struct {
	ConversationID string
	TempID         string
	MessageID      string
}

// MessageFailed is the payload of KindMessageFailed.
type MessageFailed struct {
	ConversationID string
	TempID         string
	Err            string
}
