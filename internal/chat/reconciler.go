package chat

import (
	"cmp"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/Oyetundee/Ens-Chat-dApp/internal/identity"
)

// DefaultDedupWindow is the largest createdAt difference at which two messages
// with the same sender and content are treated as one.
const DefaultDedupWindow = 5 * time.Second

// ErrNoConversation is returned for a message that does not involve the local identity.
var ErrNoConversation = errors.New("message does not belong to a local conversation")

// Outcome reports what Apply did with an authoritative message.
type Outcome int

const (
	// OutcomeInserted means the message was stored as a new entry.
	OutcomeInserted Outcome = iota + 1
	// OutcomeMerged means the message echoed a local send, which is now confirmed.
	OutcomeMerged
	// OutcomeDuplicate means an equivalent authoritative copy was already stored.
	OutcomeDuplicate
	// OutcomeIgnored means the message is not part of any local conversation.
	OutcomeIgnored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeMerged:
		return "merged"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

type conversation struct {
	// baseline is replaced wholesale by each historical load.
	baseline []Message
	// live holds relay pushes and single ledger events in arrival order.
	live []Message
}

// Reconciler merges historical loads, relay pushes, and optimistic sends into
// one deduplicated, ordered view per conversation. Views are computed on demand.
// It is safe for concurrent use.
type Reconciler struct {
	mu     sync.Mutex
	self   string
	window time.Duration
	seq    uint64
	convs  map[ConversationKey]*conversation
	outbox *outbox
	now    func() time.Time
}

// NewReconciler returns an empty reconciler for the local identity self.
func NewReconciler(self string) *Reconciler {
	return &Reconciler{
		self:   identity.Canonical(self),
		window: DefaultDedupWindow,
		convs:  make(map[ConversationKey]*conversation),
		outbox: newOutbox(),
		now:    time.Now,
	}
}

// AddOptimistic records a local send as a pending entry and returns it with its conversation.
func (r *Reconciler) AddOptimistic(m Message) (Message, ConversationKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := KeyFor(m, r.self)
	if !ok {
		return Message{}, "", ErrNoConversation
	}
	if _, exists := r.outbox.get(m.ID); exists || m.ID == "" {
		return Message{}, "", errors.New("optimistic message needs a unique id")
	}

	m.Origin = OriginOptimistic
	m.State = StatePending
	m.seq = r.nextSeq()
	stored := m
	r.outbox.add(key, &stored)
	return stored, key, nil
}

// Confirm marks a pending local send as confirmed with the write receipt.
// It reports whether the transition applied. A send already confirmed by an
// echo still records the receipt.
func (r *Reconciler) Confirm(id, receipt string) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.outbox.get(id)
	if !ok {
		return Message{}, false
	}
	applied := r.outbox.resolve(m, StateConfirmed, r.now())
	if m.State == StateConfirmed && m.Receipt == "" {
		m.Receipt = receipt
	}
	return *m, applied
}

// Fail marks a pending local send as failed. It reports whether the transition applied.
func (r *Reconciler) Fail(id, reason string) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.outbox.get(id)
	if !ok {
		return Message{}, false
	}
	applied := r.outbox.resolve(m, StateFailed, r.now())
	if applied {
		m.FailReason = reason
	}
	return *m, applied
}

// Lookup returns a local send by id.
func (r *Reconciler) Lookup(id string) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.outbox.get(id)
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Apply records one authoritative message: a relay push, or a single ledger
// event when m.Origin is OriginHistorical.
func (r *Reconciler) Apply(m Message) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := KeyFor(m, r.self)
	if !ok {
		return OutcomeIgnored
	}
	if m.Origin != OriginHistorical {
		m.Origin = OriginRelay
	}
	m.State = StateConfirmed

	conv := r.conversation(key)
	if existing := r.findAuthoritative(conv, &m); existing != nil {
		if m.Origin == OriginHistorical {
			existing.Origin = OriginHistorical
		}
		r.confirmEcho(key, &m)
		return OutcomeDuplicate
	}

	match := r.confirmEcho(key, &m)
	if match != nil && match.State == StateFailed {
		// Echoes of a failed send are not stored; the send stays failed.
		return OutcomeMerged
	}
	m.seq = r.nextSeq()
	conv.live = append(conv.live, m)
	if match != nil {
		return OutcomeMerged
	}
	return OutcomeInserted
}

// LoadHistory replaces the historical baseline of key and returns how many
// local sends the load confirmed.
func (r *Reconciler) LoadHistory(key ConversationKey, msgs []Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	baseline := make([]Message, 0, len(msgs))
	confirmed := 0
	for _, m := range msgs {
		m.Origin = OriginHistorical
		m.State = StateConfirmed
		m.seq = r.nextSeq()
		if match := r.confirmEcho(key, &m); match != nil {
			if match.State == StateFailed {
				continue
			}
			confirmed++
		}
		baseline = append(baseline, m)
	}
	r.conversation(key).baseline = baseline
	return confirmed
}

// View returns the merged conversation sorted by createdAt, ties in insertion order.
func (r *Reconciler) View(key ConversationKey) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view(key)
}

// Conversations lists every known conversation, group first.
func (r *Reconciler) Conversations() []ConversationKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keys()
}

// Search returns visible messages whose content or sender name contains query,
// case-insensitively, in createdAt order.
func (r *Reconciler) Search(query string) []Message {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Message
	for _, key := range r.keys() {
		out = append(out, lo.Filter(r.view(key), func(m Message, _ int) bool {
			return strings.Contains(strings.ToLower(m.Content), query) ||
				strings.Contains(strings.ToLower(m.FromName), query)
		})...)
	}
	slices.SortStableFunc(out, compareMessages)
	return out
}

// Prune drops resolved local sends older than olderThan that are no longer needed.
func (r *Reconciler) Prune(olderThan time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outbox.prune(r.now().Add(-olderThan))
}

// OutboxLen returns the number of local sends still held, whatever their state.
func (r *Reconciler) OutboxLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outbox.len()
}

// Clear forgets every conversation and local send.
func (r *Reconciler) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs = make(map[ConversationKey]*conversation)
	r.outbox = newOutbox()
}

func (r *Reconciler) nextSeq() uint64 {
	r.seq++
	return r.seq
}

func (r *Reconciler) conversation(key ConversationKey) *conversation {
	conv, ok := r.convs[key]
	if !ok {
		conv = &conversation{}
		r.convs[key] = conv
	}
	return conv
}

func (r *Reconciler) findAuthoritative(conv *conversation, m *Message) *Message {
	for i := range conv.live {
		if r.matches(&conv.live[i], m) {
			return &conv.live[i]
		}
	}
	for i := range conv.baseline {
		if r.matches(&conv.baseline[i], m) {
			return &conv.baseline[i]
		}
	}
	return nil
}

// confirmEcho finds the local send that m echoes, advancing it to confirmed if
// it is still pending, and returns it. Pending entries are matched first, then
// entries not yet echoed, so rapid identical sends are confirmed one by one.
func (r *Reconciler) confirmEcho(key ConversationKey, m *Message) *Message {
	candidates := r.outbox.forKey(key)
	match, ok := lo.Find(candidates, func(opt *Message) bool {
		return opt.State == StatePending && r.matches(opt, m)
	})
	if !ok {
		match, ok = lo.Find(candidates, func(opt *Message) bool { return !opt.echoed && r.matches(opt, m) })
	}
	if !ok {
		match, ok = lo.Find(candidates, func(opt *Message) bool { return r.matches(opt, m) })
	}
	if !ok {
		return nil
	}

	r.outbox.resolve(match, StateConfirmed, r.now())
	match.echoed = true
	return match
}

// matches reports whether a and b are the same logical message: equal ids, or
// the same sender and content with createdAt within the dedup window.
func (r *Reconciler) matches(a, b *Message) bool {
	if a.ID != "" && a.ID == b.ID {
		return true
	}
	if a.Content != b.Content || !identity.Equal(a.From, b.From) {
		return false
	}
	return absDuration(a.CreatedAt.Sub(b.CreatedAt)) <= r.window
}

func precedence(o Origin) int {
	switch o {
	case OriginOptimistic:
		return 0
	case OriginHistorical:
		return 1
	default:
		return 2
	}
}

func (r *Reconciler) view(key ConversationKey) []Message {
	conv := r.convs[key]
	local := r.outbox.forKey(key)

	candidates := make([]*Message, 0, len(local)+r.size(conv))
	candidates = append(candidates, local...)
	if conv != nil {
		for i := range conv.baseline {
			candidates = append(candidates, &conv.baseline[i])
		}
		for i := range conv.live {
			candidates = append(candidates, &conv.live[i])
		}
	}
	slices.SortStableFunc(candidates, func(a, b *Message) int {
		return cmp.Or(cmp.Compare(precedence(a.Origin), precedence(b.Origin)), cmp.Compare(a.seq, b.seq))
	})

	type fingerprint struct{ from, content string }
	seenIDs := make(map[string]struct{}, len(candidates))
	seen := make(map[fingerprint][]time.Time, len(candidates))

	out := make([]Message, 0, len(candidates))
	for _, c := range candidates {
		if _, dup := seenIDs[c.ID]; dup && c.ID != "" {
			continue
		}
		fp := fingerprint{from: strings.ToLower(c.From), content: c.Content}
		if lo.SomeBy(seen[fp], func(t time.Time) bool { return absDuration(t.Sub(c.CreatedAt)) <= r.window }) {
			continue
		}
		seenIDs[c.ID] = struct{}{}
		seen[fp] = append(seen[fp], c.CreatedAt)
		out = append(out, *c)
	}

	slices.SortStableFunc(out, compareMessages)
	return out
}

func (r *Reconciler) size(conv *conversation) int {
	if conv == nil {
		return 0
	}
	return len(conv.baseline) + len(conv.live)
}

func (r *Reconciler) keys() []ConversationKey {
	keys := lo.Keys(r.convs)
	for _, e := range r.outbox.entries {
		keys = append(keys, e.key)
	}
	keys = lo.Uniq(keys)
	slices.SortFunc(keys, func(a, b ConversationKey) int {
		switch {
		case a == b:
			return 0
		case a == GroupKey:
			return -1
		case b == GroupKey:
			return 1
		default:
			return strings.Compare(string(a), string(b))
		}
	})
	return keys
}

func compareMessages(a, b Message) int {
	return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.seq, b.seq))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
