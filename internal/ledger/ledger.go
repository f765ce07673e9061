//go:generate go run go.uber.org/mock/mockgen -source=ledger.go -destination=mocks/mock_ledger.go -package=mocks

// Package ledger describes the authoritative message source: the on-chain
// registry of names and messages that the relay only accelerates.
package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrSendRejected is returned when the ledger refuses a message write.
var ErrSendRejected = errors.New("ledger rejected message")

// Record is a message as stored by the ledger.
type Record struct {
	From      string
	To        string
	Content   string
	Timestamp time.Time
}

// Reader exposes historical reads.
type Reader interface {
	AllMessages(ctx context.Context) ([]Record, error)
	Conversation(ctx context.Context, a, b string) ([]Record, error)
}

// Writer sends a message on behalf of one identity and returns the write receipt.
type Writer interface {
	SendMessageByAddress(ctx context.Context, to, content string) (string, error)
}

// Subscriber streams ledger events until ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan Event, error)
}
