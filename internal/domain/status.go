package domain

// MessageStatus is the delivery progress of a message. The zero value is
// unknown; known statuses are ordered sent < delivered < seen.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusSeen      MessageStatus = "seen"
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusSeen:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is one of the known statuses.
func (s MessageStatus) Valid() bool {
	return s.rank() > 0
}

// Advance returns the later of s and next. Status never moves backwards.
func (s MessageStatus) Advance(next MessageStatus) MessageStatus {
	if next.rank() > s.rank() {
		return next
	}
	return s
}

// Before reports whether s strictly precedes other.
func (s MessageStatus) Before(other MessageStatus) bool {
	return s.rank() < other.rank()
}
