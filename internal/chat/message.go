// Package chat is the client side of the relay: it merges ledger history,
// relay pushes, and locally sent messages into one ordered view per
// conversation and tracks the delivery state of every local send.
package chat

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Oyetundee/Ens-Chat-dApp/internal/identity"
	"github.com/Oyetundee/Ens-Chat-dApp/internal/ledger"
	"github.com/Oyetundee/Ens-Chat-dApp/internal/protocol"
)

// Origin records which source produced a message.
type Origin int

const (
	OriginOptimistic Origin = iota + 1
	OriginRelay
	OriginHistorical
)

func (o Origin) String() string {
	switch o {
	case OriginOptimistic:
		return "optimistic"
	case OriginRelay:
		return "relay"
	case OriginHistorical:
		return "historical"
	default:
		return "unknown"
	}
}

// DeliveryState is the lifecycle of a message. Only Pending can change, and
// only to one of the terminal states.
type DeliveryState int

const (
	StatePending DeliveryState = iota
	StateConfirmed
	StateFailed
)

func (s DeliveryState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s can no longer change.
func (s DeliveryState) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

// advance returns the next state and whether the transition applied.
func (s DeliveryState) advance(to DeliveryState) (DeliveryState, bool) {
	if s != StatePending || !to.Terminal() {
		return s, false
	}
	return to, true
}

// ConversationKey identifies a conversation: GroupKey or a peer's checksummed address.
type ConversationKey string

// GroupKey is the key of the shared group conversation.
const GroupKey ConversationKey = "group"

// Message is one entry in a conversation.
type Message struct {
	ID       string
	From     string
	To       string
	FromName string
	ToName   string
	Content  string
	// CreatedAt is the sender's clock; RelayedAt is set only on relay copies.
	CreatedAt  time.Time
	RelayedAt  time.Time
	State      DeliveryState
	Origin     Origin
	Receipt    string
	FailReason string

	resolvedAt time.Time
	echoed     bool
	seq        uint64
}

// IsGroup reports whether m belongs to the group conversation: its destination
// is empty, the broadcast address, or its own sender.
func IsGroup(m Message) bool {
	return identity.IsBroadcast(m.To) || identity.Equal(m.To, m.From)
}

// KeyFor returns the conversation m belongs to from self's point of view. Direct
// messages between two other identities have no conversation for self.
func KeyFor(m Message, self string) (ConversationKey, bool) {
	if IsGroup(m) {
		return GroupKey, true
	}
	switch {
	case identity.Equal(m.From, self):
		return ConversationKey(identity.Canonical(m.To)), true
	case identity.Equal(m.To, self):
		return ConversationKey(identity.Canonical(m.From)), true
	default:
		return "", false
	}
}

// FromFrame converts a relay push.
func FromFrame(f protocol.Message) Message {
	m := Message{
		ID:        f.ID,
		From:      identity.Canonical(f.From),
		To:        canonicalTo(f.To),
		FromName:  f.FromName,
		ToName:    f.ToName,
		Content:   f.Content,
		CreatedAt: time.Unix(f.Timestamp, 0),
		State:     StateConfirmed,
		Origin:    OriginRelay,
	}
	if f.ServerTimestamp > 0 {
		m.RelayedAt = time.Unix(f.ServerTimestamp, 0)
	}
	if f.Timestamp == 0 {
		m.CreatedAt = m.RelayedAt
	}
	return m
}

// FromRecord converts a ledger record. Records carry no id, so one is derived
// from the sender, recipient, timestamp, and a content digest.
func FromRecord(r ledger.Record) Message {
	from := identity.Canonical(r.From)
	to := canonicalTo(r.To)
	digest := crypto.Keccak256Hash([]byte(r.Content)).Hex()
	return Message{
		ID:        fmt.Sprintf("ledger-%s-%s-%d-%s", from, to, r.Timestamp.Unix(), digest[2:10]),
		From:      from,
		To:        to,
		Content:   r.Content,
		CreatedAt: r.Timestamp,
		State:     StateConfirmed,
		Origin:    OriginHistorical,
	}
}

func canonicalTo(to string) string {
	if to == "" {
		return ""
	}
	return identity.Canonical(to)
}
