package chat

import "time"

type outboxEntry struct {
	key ConversationKey
	msg *Message
}

// outbox holds locally sent messages in send order.
type outbox struct {
	entries []outboxEntry
	byID    map[string]*Message
}

func newOutbox() *outbox {
	return &outbox{byID: make(map[string]*Message)}
}

func (o *outbox) add(key ConversationKey, m *Message) {
	o.entries = append(o.entries, outboxEntry{key: key, msg: m})
	o.byID[m.ID] = m
}

func (o *outbox) get(id string) (*Message, bool) {
	m, ok := o.byID[id]
	return m, ok
}

// forKey returns the entries of one conversation in send order.
func (o *outbox) forKey(key ConversationKey) []*Message {
	var out []*Message
	for _, e := range o.entries {
		if e.key == key {
			out = append(out, e.msg)
		}
	}
	return out
}

// resolve moves a pending entry to a terminal state. Events for entries that
// are already terminal are no-ops.
func (o *outbox) resolve(m *Message, to DeliveryState, at time.Time) bool {
	next, ok := m.State.advance(to)
	if !ok {
		return false
	}
	m.State = next
	m.resolvedAt = at
	return true
}

// prune drops terminal entries resolved before cutoff. A confirmed entry goes
// only once an authoritative copy has been seen, so the view never loses it;
// pending entries are never pruned.
func (o *outbox) prune(cutoff time.Time) int {
	kept := o.entries[:0]
	removed := 0
	for _, e := range o.entries {
		m := e.msg
		drop := m.State.Terminal() && m.resolvedAt.Before(cutoff) &&
			(m.State == StateFailed || m.echoed)
		if drop {
			delete(o.byID, m.ID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(o.entries); i++ {
		o.entries[i] = outboxEntry{}
	}
	o.entries = kept
	return removed
}

func (o *outbox) len() int {
	return len(o.entries)
}
