package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/Oyetundee/Ens-Chat-dApp/internal/identity"
	"github.com/Oyetundee/Ens-Chat-dApp/internal/ledger"
	"github.com/Oyetundee/Ens-Chat-dApp/internal/logging"
	"github.com/Oyetundee/Ens-Chat-dApp/internal/presence"
	"github.com/Oyetundee/Ens-Chat-dApp/internal/protocol"
)

var (
	// ErrEmptyMessage is returned when sending blank content.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNotIdentified is returned when the service has no valid local identity.
	ErrNotIdentified = errors.New("local identity is not set")
)

const noticeBuffer = 32

// SendFailure reports a rejected ledger write for one local send.
type SendFailure struct {
	ID  string
	Err error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("send %s failed: %v", e.ID, e.Err)
}

func (e *SendFailure) Unwrap() error {
	return e.Err
}

// Publisher pushes frames to the relay.
type Publisher interface {
	SendMessage(ctx context.Context, f protocol.SendMessage) error
	Typing(ctx context.Context, f protocol.Typing) error
}

// NoticeLevel classifies user-visible notices.
type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeSuccess
	NoticeError
)

// Notice is a short user-visible message, the CLI's equivalent of a toast.
type Notice struct {
	Level NoticeLevel
	Text  string
}

// Options configures a Service.
type Options struct {
	Self     string
	SelfName string
	// Writer is the authoritative send path. Without it, sends are confirmed
	// only by their relay or ledger echo.
	Writer    ledger.Writer
	Reader    ledger.Reader
	Relay     Publisher
	Logger    *slog.Logger
	TypingTTL time.Duration
}

// Service drives one local identity's chat: it sends, receives, and reconciles
// messages and keeps the typing and directory state current.
type Service struct {
	self     string
	selfName string
	writer   ledger.Writer
	reader   ledger.Reader
	relay    Publisher
	log      *slog.Logger

	rec     *Reconciler
	store   *Store
	dir     *Directory
	typing  *presence.Tracker
	notices chan Notice

	typingMu       sync.Mutex
	typingSentAt   time.Time
	typingChat     ConversationKey
	typingInterval time.Duration
	now            func() time.Time
}

// NewService returns a service for opts.Self.
func NewService(opts Options) (*Service, error) {
	self, err := identity.Normalize(opts.Self)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotIdentified, err)
	}

	ttl := opts.TypingTTL
	if ttl <= 0 {
		ttl = presence.DefaultTTL
	}

	s := &Service{
		self:           self,
		selfName:       strings.TrimSpace(opts.SelfName),
		writer:         opts.Writer,
		reader:         opts.Reader,
		relay:          opts.Relay,
		log:            logging.OrDefault(opts.Logger).With("self", self),
		rec:            NewReconciler(self),
		store:          NewStore(State{Self: self, SelfName: strings.TrimSpace(opts.SelfName), SidebarOpen: true}),
		dir:            NewDirectory(),
		notices:        make(chan Notice, noticeBuffer),
		typingInterval: ttl / 2,
		now:            time.Now,
	}
	s.typing = presence.New(ttl, s.onTypingChange)
	s.dir.Upsert(User{Address: self, Name: s.selfName, Online: true})
	return s, nil
}

// Self returns the local identity.
func (s *Service) Self() string { return s.self }

// Store returns the UI state container.
func (s *Service) Store() *Store { return s.store }

// Directory returns the known users.
func (s *Service) Directory() *Directory { return s.dir }

// Reconciler returns the message reconciler.
func (s *Service) Reconciler() *Reconciler { return s.rec }

// Notices delivers user-visible notices. Notices are dropped when nobody reads them.
func (s *Service) Notices() <-chan Notice { return s.notices }

// SetRelay attaches the relay publisher once the connection is up.
func (s *Service) SetRelay(p Publisher) {
	s.typingMu.Lock()
	s.relay = p
	s.typingMu.Unlock()
}

func (s *Service) publisher() Publisher {
	s.typingMu.Lock()
	defer s.typingMu.Unlock()
	return s.relay
}

// Send posts content to the active chat. The message appears immediately as
// pending; it is pushed to the relay best-effort, then written to the ledger.
// A failed write marks the message failed and restores the input for retry.
func (s *Service) Send(ctx context.Context, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyMessage
	}

	chat := s.store.Get().ActiveChat
	to := identity.Broadcast
	toName := ""
	if chat != GroupKey {
		to = string(chat)
		toName = s.nameFor(to)
	}

	msg, _, err := s.rec.AddOptimistic(Message{
		ID:        "optimistic-" + uuid.NewString(),
		From:      s.self,
		To:        to,
		FromName:  s.selfName,
		ToName:    toName,
		Content:   content,
		CreatedAt: s.now(),
	})
	if err != nil {
		return Message{}, err
	}

	s.store.Update(func(st *State) { st.MessageInput = "" })
	s.stopLocalTyping()

	if relay := s.publisher(); relay != nil {
		frame := protocol.SendMessage{
			ID:        msg.ID,
			From:      s.self,
			To:        to,
			Content:   content,
			Timestamp: msg.CreatedAt.Unix(),
			FromName:  s.selfName,
			ToName:    toName,
		}
		if err := relay.SendMessage(ctx, frame); err != nil {
			s.log.Warn("Relay publish failed; relying on ledger delivery", "id", msg.ID, "error", err)
		}
	}

	if s.writer == nil {
		return msg, nil
	}

	receipt, err := s.writer.SendMessageByAddress(ctx, to, content)
	if err != nil {
		failed, applied := s.rec.Fail(msg.ID, err.Error())
		if !applied {
			// An echo already confirmed it; the write error no longer matters.
			s.log.Warn("Ledger write failed after echo confirmation", "id", msg.ID, "error", err)
			return failed, nil
		}
		s.store.Update(func(st *State) { st.MessageInput = content })
		s.notify(NoticeError, "Failed to send message")
		s.log.Error("Ledger write failed", "id", msg.ID, "error", err)
		return failed, &SendFailure{ID: msg.ID, Err: err}
	}

	confirmed, _ := s.rec.Confirm(msg.ID, receipt)
	s.notify(NoticeSuccess, "Message sent!")
	s.log.Info("Message confirmed", "id", msg.ID, "receipt", receipt)
	return confirmed, nil
}

// HandleRelay merges a relay push.
func (s *Service) HandleRelay(f protocol.Message) Outcome {
	m := FromFrame(f)
	s.observe(m.From, m.FromName)

	outcome := s.rec.Apply(m)
	s.log.Debug("Relay message applied", "id", m.ID, "from", m.From, "outcome", outcome)
	s.afterInbound(m, outcome)
	return outcome
}

// HandleTyping applies a relay typing notice. Notices about conversations the
// local identity is not part of are ignored.
func (s *Service) HandleTyping(f protocol.TypingNotice) {
	from, err := identity.Normalize(f.From)
	if err != nil || from == s.self {
		return
	}
	s.observe(from, f.FromName)

	var key ConversationKey
	switch {
	case f.Chat == string(GroupKey):
		key = GroupKey
	case identity.Equal(f.Chat, s.self):
		key = ConversationKey(from)
	default:
		return
	}
	s.typing.Start(from, string(key))
}

// HandleAuthSuccess records that the relay accepted the local identity.
func (s *Service) HandleAuthSuccess(f protocol.AuthSuccess) {
	s.log.Info("Relay session established", "message", f.Message)
	s.dir.SetOnline(s.self, true)
}

// HandleError surfaces a relay error frame.
func (s *Service) HandleError(f protocol.Error) {
	s.log.Warn("Relay reported error", "message", f.Message)
	s.notify(NoticeError, f.Message)
}

// HandleLedgerEvent applies an authoritative event.
func (s *Service) HandleLedgerEvent(evt ledger.Event) {
	switch e := evt.(type) {
	case ledger.MessageSent:
		m := FromRecord(e.Record())
		m.FromName = s.nameFor(m.From)
		outcome := s.rec.Apply(m)
		s.log.Debug("Ledger message applied", "from", m.From, "outcome", outcome)
		s.afterInbound(m, outcome)
	case ledger.NameRegistered:
		s.dir.Upsert(User{Address: e.UserAddress, Name: e.Name, RegisteredAt: s.now(), Online: true})
		s.notify(NoticeInfo, fmt.Sprintf("Welcome %s!", e.Name))
	default:
		s.log.Warn("Ignoring unknown ledger event", "type", fmt.Sprintf("%T", evt))
	}
}

// Watch applies ledger events from sub until ctx is done or the stream ends.
func (s *Service) Watch(ctx context.Context, sub ledger.Subscriber) error {
	events, err := sub.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to ledger: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			s.HandleLedgerEvent(evt)
		}
	}
}

// LoadConversation replaces key's historical baseline with a ledger read.
func (s *Service) LoadConversation(ctx context.Context, key ConversationKey) error {
	if s.reader == nil {
		return nil
	}

	s.store.Update(func(st *State) { st.Loading = true })
	defer s.store.Update(func(st *State) { st.Loading = false })

	var (
		records []ledger.Record
		err     error
	)
	if key == GroupKey {
		records, err = s.reader.AllMessages(ctx)
	} else {
		records, err = s.reader.Conversation(ctx, s.self, string(key))
	}
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", key, err)
	}

	msgs := lo.FilterMap(records, func(r ledger.Record, _ int) (Message, bool) {
		m := FromRecord(r)
		m.FromName = s.nameFor(m.From)
		got, ok := KeyFor(m, s.self)
		return m, ok && got == key
	})
	confirmed := s.rec.LoadHistory(key, msgs)
	s.log.Debug("Conversation loaded", "chat", key, "messages", len(msgs), "confirmed", confirmed)
	return nil
}

// SetActiveChat switches the active conversation. Any local typing indicator
// for the previous conversation is stopped.
func (s *Service) SetActiveChat(key ConversationKey) error {
	if key != GroupKey {
		addr, err := identity.Normalize(string(key))
		if err != nil {
			return err
		}
		key = ConversationKey(addr)
	}
	s.stopLocalTyping()
	s.store.Update(func(st *State) { st.ActiveChat = key })
	return nil
}

// SetInput updates the pending input and publishes typing activity, at most
// once per half typing window while the input stays non-empty.
func (s *Service) SetInput(ctx context.Context, text string) {
	s.store.Update(func(st *State) { st.MessageInput = text })
	if strings.TrimSpace(text) == "" {
		s.stopLocalTyping()
		return
	}

	chat := s.store.Get().ActiveChat
	s.typing.Start(s.self, string(chat))

	s.typingMu.Lock()
	due := s.typingChat != chat || s.now().Sub(s.typingSentAt) >= s.typingInterval
	if due {
		s.typingChat = chat
		s.typingSentAt = s.now()
	}
	relay := s.relay
	s.typingMu.Unlock()

	if due && relay != nil {
		if err := relay.Typing(ctx, protocol.Typing{FromName: s.selfName, Chat: string(chat)}); err != nil {
			s.log.Debug("Typing publish failed", "error", err)
		}
	}
}

// Messages returns the merged view of key.
func (s *Service) Messages(key ConversationKey) []Message {
	return s.rec.View(key)
}

// ActiveMessages returns the merged view of the active chat.
func (s *Service) ActiveMessages() []Message {
	return s.rec.View(s.store.Get().ActiveChat)
}

// TypingUsers returns the other identities typing in key.
func (s *Service) TypingUsers(key ConversationKey) []string {
	return lo.Without(s.typing.Typing(string(key)), s.self)
}

// PruneOutbox drops resolved local sends older than retention.
func (s *Service) PruneOutbox(retention time.Duration) int {
	return s.rec.Prune(retention)
}

// Reset clears all conversation data, as on disconnect.
func (s *Service) Reset() {
	s.rec.Clear()
	s.typing.Clear()
	s.typingMu.Lock()
	s.typingChat = ""
	s.typingSentAt = time.Time{}
	s.typingMu.Unlock()
	s.store.Update(func(st *State) {
		st.ActiveChat = GroupKey
		st.MessageInput = ""
	})
}

// Close stops the typing timers.
func (s *Service) Close() {
	s.typing.Close()
}

func (s *Service) stopLocalTyping() {
	s.typingMu.Lock()
	chat := s.typingChat
	s.typingChat = ""
	s.typingSentAt = time.Time{}
	s.typingMu.Unlock()

	if chat != "" {
		s.typing.Stop(s.self, string(chat))
	}
}

func (s *Service) onTypingChange(c presence.Change) {
	if c.Identity == s.self && !c.Typing {
		s.typingMu.Lock()
		if string(s.typingChat) == c.Chat {
			s.typingChat = ""
			s.typingSentAt = time.Time{}
		}
		s.typingMu.Unlock()
	}
	s.log.Debug("Typing changed", "chat", c.Chat, "identity", c.Identity, "typing", c.Typing)
}

// observe records that addr is active and learns its display name.
func (s *Service) observe(addr, name string) {
	s.dir.Upsert(User{Address: addr, Name: name, Online: true})
}

func (s *Service) afterInbound(m Message, outcome Outcome) {
	if outcome != OutcomeInserted || identity.Equal(m.From, s.self) {
		return
	}
	if key, ok := KeyFor(m, s.self); ok {
		s.typing.Stop(m.From, string(key))
	}
	s.notify(NoticeInfo, "New message from "+s.nameFor(m.From))
}

func (s *Service) nameFor(addr string) string {
	return s.dir.DisplayName(addr)
}

func (s *Service) notify(level NoticeLevel, text string) {
	select {
	case s.notices <- Notice{Level: level, Text: text}:
	default:
		s.log.Debug("Notice dropped", "text", text)
	}
}
