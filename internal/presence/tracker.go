// Package presence tracks who is typing in which conversation.
//
// Indicators are ephemeral: every Start schedules an expiry, and the expiry is
// what finally clears the indicator. An explicit Stop clears it early. Repeated
// Start calls push the expiry back rather than scheduling another removal.
package presence

import (
	"slices"
	"sync"
	"time"
)

// DefaultTTL is how long an indicator survives without further activity.
const DefaultTTL = 3 * time.Second

// Change describes an identity starting or ceasing to type in a chat.
type Change struct {
	Chat     string
	Identity string
	Typing   bool
}

type entry struct {
	timer *time.Timer
	gen   uint64
}

// Tracker holds the typing set per chat. It is safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	chats    map[string]map[string]*entry
	onChange func(Change)
	closed   bool
	// nextGen numbers every scheduled expiry across all entries.
	nextGen uint64
}

// New returns a tracker whose indicators expire after ttl. onChange, if not nil,
// is called outside the tracker's lock whenever an identity enters or leaves a typing set.
func New(ttl time.Duration, onChange func(Change)) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		ttl:      ttl,
		chats:    make(map[string]map[string]*entry),
		onChange: onChange,
	}
}

// Start marks identity as typing in chat and (re)schedules its expiry.
func (t *Tracker) Start(identity, chat string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	set := t.chats[chat]
	if set == nil {
		set = make(map[string]*entry)
		t.chats[chat] = set
	}

	e, existed := set[identity]
	if existed {
		e.timer.Stop()
	} else {
		e = &entry{}
		set[identity] = e
	}
	t.nextGen++
	e.gen = t.nextGen
	gen := e.gen
	e.timer = time.AfterFunc(t.ttl, func() { t.expire(identity, chat, gen) })
	t.mu.Unlock()

	if !existed {
		t.notify(Change{Chat: chat, Identity: identity, Typing: true})
	}
}

// Stop clears identity's indicator in chat immediately.
func (t *Tracker) Stop(identity, chat string) {
	if t.remove(identity, chat, nil) {
		t.notify(Change{Chat: chat, Identity: identity})
	}
}

func (t *Tracker) expire(identity, chat string, gen uint64) {
	if t.remove(identity, chat, &gen) {
		t.notify(Change{Chat: chat, Identity: identity})
	}
}

// remove deletes the entry, but only if gen (when given) still matches, so a
// timer superseded by a later Start never removes the newer indicator.
func (t *Tracker) remove(identity, chat string, gen *uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.chats[chat]
	e, ok := set[identity]
	if !ok {
		return false
	}
	if gen != nil && e.gen != *gen {
		return false
	}

	e.timer.Stop()
	delete(set, identity)
	if len(set) == 0 {
		delete(t.chats, chat)
	}
	return true
}

// Typing returns the identities currently typing in chat, sorted.
func (t *Tracker) Typing(chat string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.chats[chat]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// IsTyping reports whether identity is typing in chat.
func (t *Tracker) IsTyping(identity, chat string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.chats[chat][identity]
	return ok
}

// Clear drops every indicator without notifying.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLocked()
}

// Close clears the tracker and ignores any further Start calls.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLocked()
	t.closed = true
}

func (t *Tracker) clearLocked() {
	for _, set := range t.chats {
		for _, e := range set {
			e.timer.Stop()
		}
	}
	t.chats = make(map[string]map[string]*entry)
}

func (t *Tracker) notify(c Change) {
	if t.onChange != nil {
		t.onChange(c)
	}
}
