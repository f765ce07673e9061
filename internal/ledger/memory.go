package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Oyetundee/Ens-Chat-dApp/internal/identity"
	"github.com/Oyetundee/Ens-Chat-dApp/internal/logging"
)

const subscriberBuffer = 64

// ErrNameTaken is returned when a name is already registered to another address.
var ErrNameTaken = errors.New("name already registered")

// Memory is an in-process ledger used by the command-line client and tests.
// Events are fanned out best-effort: a subscriber that falls behind loses events.
type Memory struct {
	mu      sync.RWMutex
	records []Record
	names   map[string]string
	owners  map[string]string
	subs    map[int]chan Event
	nextSub int
	reject  error
	nonce   uint64
	now     func() time.Time
	log     *slog.Logger
}

// NewMemory returns an empty ledger.
func NewMemory(log *slog.Logger) *Memory {
	return &Memory{
		names:  make(map[string]string),
		owners: make(map[string]string),
		subs:   make(map[int]chan Event),
		now:    time.Now,
		log:    logging.OrDefault(log),
	}
}

// AllMessages returns every record in write order.
func (m *Memory) AllMessages(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Record(nil), m.records...), nil
}

// Conversation returns the direct messages exchanged between a and b in write order.
func (m *Memory) Conversation(ctx context.Context, a, b string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, r := range m.records {
		if (identity.Equal(r.From, a) && identity.Equal(r.To, b)) ||
			(identity.Equal(r.From, b) && identity.Equal(r.To, a)) {
			out = append(out, r)
		}
	}
	return out, nil
}

// WriterFor returns a Writer that sends as from.
func (m *Memory) WriterFor(from string) Writer {
	return memoryWriter{ledger: m, from: identity.Canonical(from)}
}

type memoryWriter struct {
	ledger *Memory
	from   string
}

func (w memoryWriter) SendMessageByAddress(ctx context.Context, to, content string) (string, error) {
	return w.ledger.Send(ctx, w.from, to, content)
}

// Send stores a message from one identity and returns its receipt hash.
func (m *Memory) Send(ctx context.Context, from, to, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	from, err := identity.Normalize(from)
	if err != nil {
		return "", fmt.Errorf("sender: %w", err)
	}
	if strings.TrimSpace(to) == "" {
		to = identity.Broadcast
	}
	if to, err = identity.Normalize(to); err != nil {
		return "", fmt.Errorf("recipient: %w", err)
	}
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%w: empty message", ErrSendRejected)
	}

	m.mu.Lock()
	if m.reject != nil {
		reject := m.reject
		m.mu.Unlock()
		return "", reject
	}
	rec := Record{From: from, To: to, Content: content, Timestamp: m.now().Truncate(time.Second)}
	m.records = append(m.records, rec)
	m.nonce++
	receipt := crypto.Keccak256Hash(
		[]byte(from), []byte(to), []byte(content),
		[]byte(fmt.Sprintf("%d:%d", rec.Timestamp.Unix(), m.nonce)),
	).Hex()
	m.mu.Unlock()

	m.log.Debug("Ledger message stored", "from", from, "to", to, "receipt", receipt)
	m.publish(MessageSent{From: from, To: to, Message: content, Timestamp: rec.Timestamp})
	return receipt, nil
}

// RegisterName claims name for owner. Re-registering the same pair is a no-op.
func (m *Memory) RegisterName(owner, name string) error {
	owner, err := identity.Normalize(owner)
	if err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name is required")
	}

	key := strings.ToLower(name)
	m.mu.Lock()
	if current, ok := m.owners[key]; ok {
		m.mu.Unlock()
		if current == owner {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNameTaken, name)
	}
	if previous, ok := m.names[owner]; ok {
		delete(m.owners, strings.ToLower(previous))
	}
	m.owners[key] = owner
	m.names[owner] = name
	m.mu.Unlock()

	m.publish(NameRegistered{Owner: owner, Name: name, UserAddress: owner})
	return nil
}

// Name returns the name registered to addr.
func (m *Memory) Name(addr string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.names[identity.Canonical(addr)]
	return name, ok
}

// SetRejectErr makes every following write fail with err. Nil restores normal writes.
func (m *Memory) SetRejectErr(err error) {
	m.mu.Lock()
	m.reject = err
	m.mu.Unlock()
}

// Subscribe streams events until ctx is done, at which point the channel is closed.
func (m *Memory) Subscribe(ctx context.Context) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := make(chan Event, subscriberBuffer)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, id)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

func (m *Memory) publish(evt Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id, ch := range m.subs {
		select {
		case ch <- evt:
		default:
			m.log.Debug("Ledger subscriber lagging; event dropped", "subscriber", id)
		}
	}
}
