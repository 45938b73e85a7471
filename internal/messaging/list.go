package messaging

import (
	"sort"

	"github.com/matheus3301/rtchat/internal/domain"
)

// merge folds incoming into existing. Status never regresses and empty
// fields of incoming keep the existing value.
func merge(existing, incoming domain.Message) domain.Message {
	out := existing
	out.Status = existing.Status.Advance(incoming.Status)
	if incoming.Text != "" {
		out.Text = incoming.Text
	}
	if len(incoming.Attachments) > 0 {
		out.Attachments = incoming.Attachments
	}
	if !incoming.CreatedAt.IsZero() {
		out.CreatedAt = incoming.CreatedAt
	}
	if incoming.SenderID != "" {
		out.SenderID = incoming.SenderID
	}
	return out
}

// upsert merges m into msgs by id or inserts it keeping CreatedAt order. It
// reports whether m was new.
func upsert(msgs []domain.Message, m domain.Message) ([]domain.Message, bool) {
	for i := range msgs {
		if msgs[i].ID == m.ID {
			msgs[i] = merge(msgs[i], m)
			return msgs, false
		}
	}
	i := sort.Search(len(msgs), func(i int) bool {
		return msgs[i].CreatedAt.After(m.CreatedAt)
	})
	msgs = append(msgs, domain.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	return msgs, true
}

// replace swaps the message with id for m in place. If m.ID is already
// present elsewhere, that copy is merged into the slot and removed.
func replace(msgs []domain.Message, id string, m domain.Message) []domain.Message {
	slot := -1
	for i := range msgs {
		if msgs[i].ID == id {
			slot = i
			break
		}
	}
	if slot < 0 {
		return msgs
	}
	for i := range msgs {
		if i != slot && msgs[i].ID == m.ID {
			m = merge(m, msgs[i])
			msgs[slot] = m
			return append(msgs[:i], msgs[i+1:]...)
		}
	}
	msgs[slot] = m
	return msgs
}

// remove drops the message with id.
func remove(msgs []domain.Message, id string) []domain.Message {
	for i := range msgs {
		if msgs[i].ID == id {
			return append(msgs[:i], msgs[i+1:]...)
		}
	}
	return msgs
}

// advanceIn moves the status of the message with id in msgs forward.
func advanceIn(msgs []domain.Message, id string, status domain.MessageStatus) bool {
	for i := range msgs {
		if msgs[i].ID == id {
			next := msgs[i].Status.Advance(status)
			changed := next != msgs[i].Status
			msgs[i].Status = next
			return changed
		}
	}
	return false
}

// countedWindow is the number of inbound ids per conversation remembered as
// already counted towards unread.
const countedWindow = 256

// idWindow remembers the last countedWindow ids added to it.
type idWindow struct {
	ids  map[string]struct{}
	ring []string
	next int
}

// add records id and reports whether it was not already present.
func (w *idWindow) add(id string) bool {
	if w.ids == nil {
		w.ids = make(map[string]struct{}, countedWindow)
	}
	if _, ok := w.ids[id]; ok {
		return false
	}
	if len(w.ring) < countedWindow {
		w.ring = append(w.ring, id)
	} else {
		delete(w.ids, w.ring[w.next])
		w.ring[w.next] = id
		w.next = (w.next + 1) % countedWindow
	}
	w.ids[id] = struct{}{}
	return true
}
