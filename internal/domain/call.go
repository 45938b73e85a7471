package domain

import "time"

// CallStatus is the lifecycle state of a call as the UI sees it.
type CallStatus string

const (
	CallDialing   CallStatus = "dialing"
	CallIncoming  CallStatus = "incoming"
	CallConnected CallStatus = "connected"
	CallEnded     CallStatus = "ended"
)

// Call describes the single active call of a session.
type Call struct {
	ID         string     `json:"id"`
	Caller     User       `json:"caller"`
	ReceiverID string     `json:"receiverId"`
	Status     CallStatus `json:"status"`
	IsVideo    bool       `json:"isVideo"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
}

// Counterpart returns the id of the other party from selfID's point of view.
func (c *Call) Counterpart(selfID string) string {
	if c.Caller.ID == selfID {
		return c.ReceiverID
	}
	return c.Caller.ID
}
