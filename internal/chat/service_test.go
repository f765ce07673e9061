package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Oyetundee/Ens-Chat-dApp/internal/identity"
	"github.com/Oyetundee/Ens-Chat-dApp/internal/ledger"
	"github.com/Oyetundee/Ens-Chat-dApp/internal/ledger/mocks"
	"github.com/Oyetundee/Ens-Chat-dApp/internal/protocol"
)

type fakeRelay struct {
	mu      sync.Mutex
	sent    []protocol.SendMessage
	typing  []protocol.Typing
	sendErr error
}

func (f *fakeRelay) SendMessage(_ context.Context, m protocol.SendMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return f.sendErr
}

func (f *fakeRelay) Typing(_ context.Context, m protocol.Typing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, m)
	return nil
}

func (f *fakeRelay) typingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.typing)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()
	if opts.Self == "" {
		opts.Self = alice
	}
	if opts.SelfName == "" {
		opts.SelfName = "alice"
	}
	opts.Logger = quietLogger()
	svc, err := NewService(opts)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func drainNotices(svc *Service) []Notice {
	var out []Notice
	for {
		select {
		case n := <-svc.Notices():
			out = append(out, n)
		default:
			return out
		}
	}
}

func TestNewServiceRequiresIdentity(t *testing.T) {
	_, err := NewService(Options{Self: "nobody"})
	require.ErrorIs(t, err, ErrNotIdentified)
}

func TestServiceSendConfirmsOnLedgerSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	req := require.New(t)
	writer := mocks.NewMockWriter(ctrl)
	relay := &fakeRelay{}
	svc := newTestService(t, Options{Writer: writer, Relay: relay})

	writer.EXPECT().
		SendMessageByAddress(gomock.Any(), identity.Broadcast, "gm").
		Return("0xreceipt", nil).
		Times(1)

	svc.SetInput(context.Background(), "gm")
	msg, err := svc.Send(context.Background(), "  gm  ")
	req.NoError(err)
	req.Equal(StateConfirmed, msg.State)
	req.Equal("0xreceipt", msg.Receipt)
	req.Empty(svc.Store().Get().MessageInput)

	req.Len(relay.sent, 1)
	req.Equal(msg.ID, relay.sent[0].ID)
	req.Equal(identity.Broadcast, relay.sent[0].To)
	req.Equal("alice", relay.sent[0].FromName)

	// The relay echo of our own message does not add a second entry.
	echo := protocol.Message{
		ID: msg.ID, From: alice, To: identity.Broadcast, Content: "gm",
		Timestamp: msg.CreatedAt.Unix(), ServerTimestamp: msg.CreatedAt.Unix(),
	}
	req.Equal(OutcomeMerged, svc.HandleRelay(echo))
	req.Len(svc.Messages(GroupKey), 1)

	notices := drainNotices(svc)
	req.Len(notices, 1)
	req.Equal(NoticeSuccess, notices[0].Level)
}

func TestServiceSendFailureRestoresInput(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	req := require.New(t)
	writer := mocks.NewMockWriter(ctrl)
	svc := newTestService(t, Options{Writer: writer})
	req.NoError(svc.SetActiveChat(ConversationKey(bob)))

	rejected := errors.New("user rejected transaction")
	writer.EXPECT().
		SendMessageByAddress(gomock.Any(), bob, "psst").
		Return("", rejected)

	msg, err := svc.Send(context.Background(), "psst")
	req.ErrorIs(err, rejected)
	var failure *SendFailure
	req.ErrorAs(err, &failure)
	req.Equal(msg.ID, failure.ID)

	req.Equal(StateFailed, msg.State)
	req.Equal(rejected.Error(), msg.FailReason)
	req.Equal("psst", svc.Store().Get().MessageInput)

	view := svc.Messages(ConversationKey(bob))
	req.Len(view, 1)
	req.Equal(StateFailed, view[0].State)

	// A late echo cannot revive a failed send.
	svc.HandleRelay(protocol.Message{ID: msg.ID, From: alice, To: bob, Content: "psst", Timestamp: msg.CreatedAt.Unix()})
	got, _ := svc.Reconciler().Lookup(msg.ID)
	req.Equal(StateFailed, got.State)

	notices := drainNotices(svc)
	req.Len(notices, 1)
	req.Equal(NoticeError, notices[0].Level)
}

func TestServiceSendWithoutWriterWaitsForEcho(t *testing.T) {
	relay := &fakeRelay{}
	svc := newTestService(t, Options{Relay: relay})

	msg, err := svc.Send(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, StatePending, msg.State)

	svc.HandleRelay(protocol.Message{ID: "server-copy", From: alice, Content: "hello", Timestamp: msg.CreatedAt.Unix() + 2})
	got, ok := svc.Reconciler().Lookup(msg.ID)
	require.True(t, ok)
	require.Equal(t, StateConfirmed, got.State)
}

func TestServiceSendRejectsEmpty(t *testing.T) {
	svc := newTestService(t, Options{})
	_, err := svc.Send(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)
	require.Empty(t, svc.Messages(GroupKey))
}

func TestServiceRelayPublishFailureStillWritesLedger(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	writer := mocks.NewMockWriter(ctrl)
	writer.EXPECT().SendMessageByAddress(gomock.Any(), gomock.Any(), "x").Return("0x1", nil)

	svc := newTestService(t, Options{Writer: writer, Relay: &fakeRelay{sendErr: errors.New("socket closed")}})
	msg, err := svc.Send(context.Background(), "x")
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, msg.State)
}

func TestServiceLoadConversation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	req := require.New(t)
	reader := mocks.NewMockReader(ctrl)
	svc := newTestService(t, Options{Reader: reader})

	records := []ledger.Record{
		{From: bob, To: identity.Broadcast, Content: "group msg", Timestamp: at(2)},
		{From: carol, To: carol, Content: "self addressed", Timestamp: at(1)},
		{From: bob, To: alice, Content: "direct", Timestamp: at(3)},
	}
	reader.EXPECT().AllMessages(gomock.Any()).Return(records, nil)
	reader.EXPECT().Conversation(gomock.Any(), alice, bob).Return(records[2:], nil)

	var loading []bool
	svc.Store().Subscribe(func(_, next State) { loading = append(loading, next.Loading) })

	req.NoError(svc.LoadConversation(context.Background(), GroupKey))
	req.Equal([]string{"self addressed", "group msg"}, contents(svc.Messages(GroupKey)))
	req.Equal([]bool{true, false}, loading)

	req.NoError(svc.LoadConversation(context.Background(), ConversationKey(bob)))
	view := svc.Messages(ConversationKey(bob))
	req.Len(view, 1)
	req.Equal(OriginHistorical, view[0].Origin)

	reader.EXPECT().AllMessages(gomock.Any()).Return(nil, errors.New("rpc down"))
	req.Error(svc.LoadConversation(context.Background(), GroupKey))
	req.Len(svc.Messages(GroupKey), 2, "a failed load keeps the previous baseline")
}

func TestServiceHandleTyping(t *testing.T) {
	svc := newTestService(t, Options{TypingTTL: time.Minute})

	svc.HandleTyping(protocol.TypingNotice{From: bob, FromName: "bob", Chat: "group"})
	svc.HandleTyping(protocol.TypingNotice{From: carol, Chat: alice})
	svc.HandleTyping(protocol.TypingNotice{From: carol, Chat: bob})
	svc.HandleTyping(protocol.TypingNotice{From: alice, Chat: "group"})

	require.Equal(t, []string{bob}, svc.TypingUsers(GroupKey))
	require.Equal(t, []string{carol}, svc.TypingUsers(ConversationKey(carol)))
	require.Empty(t, svc.TypingUsers(ConversationKey(bob)))
	require.Equal(t, "bob", svc.Directory().DisplayName(bob))

	// A message from a typing user clears the indicator.
	svc.HandleRelay(protocol.Message{ID: "m1", From: bob, Content: "done typing", Timestamp: 10})
	require.Empty(t, svc.TypingUsers(GroupKey))
}

func TestServiceTypingPublishIsThrottled(t *testing.T) {
	relay := &fakeRelay{}
	svc := newTestService(t, Options{Relay: relay, TypingTTL: time.Minute})
	ctx := context.Background()

	svc.SetInput(ctx, "h")
	svc.SetInput(ctx, "he")
	svc.SetInput(ctx, "hel")
	require.Equal(t, 1, relay.typingCount())
	require.Equal(t, "group", relay.typing[0].Chat)

	svc.SetInput(ctx, "")
	svc.SetInput(ctx, "again")
	require.Equal(t, 2, relay.typingCount(), "clearing the input ends the typing burst")

	require.NoError(t, svc.SetActiveChat(ConversationKey(bob)))
	svc.SetInput(ctx, "dm")
	require.Equal(t, 3, relay.typingCount())
	require.Equal(t, bob, relay.typing[2].Chat)
}

func TestServiceLedgerEvents(t *testing.T) {
	svc := newTestService(t, Options{})

	svc.HandleLedgerEvent(ledger.NameRegistered{Owner: bob, Name: "bob", UserAddress: bob})
	svc.HandleLedgerEvent(ledger.MessageSent{From: bob, To: identity.Broadcast, Message: "hi all", Timestamp: at(5)})
	svc.HandleLedgerEvent(ledger.MessageSent{From: bob, To: identity.Broadcast, Message: "hi all", Timestamp: at(5)})

	view := svc.Messages(GroupKey)
	require.Len(t, view, 1)
	require.Equal(t, "bob", view[0].FromName)

	u, ok := svc.Directory().Lookup(bob)
	require.True(t, ok)
	require.True(t, u.Online)

	notices := drainNotices(svc)
	require.Len(t, notices, 2)
	require.Equal(t, "Welcome bob!", notices[0].Text)
	require.Equal(t, "New message from bob", notices[1].Text)
}

func TestServiceWatchAppliesSubscription(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	events := make(chan ledger.Event, 1)
	sub := mocks.NewMockSubscriber(ctrl)
	sub.EXPECT().Subscribe(gomock.Any()).Return((<-chan ledger.Event)(events), nil)

	svc := newTestService(t, Options{})
	events <- ledger.MessageSent{From: bob, To: alice, Message: "dm", Timestamp: at(1)}
	close(events)

	require.NoError(t, svc.Watch(context.Background(), sub))
	require.Len(t, svc.Messages(ConversationKey(bob)), 1)
}

func TestServiceReset(t *testing.T) {
	svc := newTestService(t, Options{TypingTTL: time.Minute})
	require.NoError(t, svc.SetActiveChat(ConversationKey(bob)))
	svc.SetInput(context.Background(), "draft")
	svc.HandleRelay(protocol.Message{ID: "m1", From: bob, Content: "x", Timestamp: 1})
	svc.HandleTyping(protocol.TypingNotice{From: bob, Chat: "group"})

	svc.Reset()

	st := svc.Store().Get()
	require.Equal(t, GroupKey, st.ActiveChat)
	require.Empty(t, st.MessageInput)
	require.Empty(t, svc.Messages(GroupKey))
	require.Empty(t, svc.TypingUsers(GroupKey))
}

func TestServiceEndToEndWithMemoryLedger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := ledger.NewMemory(quietLogger())
	require.NoError(t, l.RegisterName(alice, "alice"))

	svc := newTestService(t, Options{Writer: l.WriterFor(alice), Reader: l})
	done := make(chan error, 1)
	go func() { done <- svc.Watch(ctx, l) }()

	msg, err := svc.Send(ctx, "on chain")
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, msg.State)

	require.Eventually(t, func() bool {
		got, _ := svc.Reconciler().Lookup(msg.ID)
		return got.State == StateConfirmed && len(svc.Messages(GroupKey)) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, svc.LoadConversation(ctx, GroupKey))
	require.Len(t, svc.Messages(GroupKey), 1)

	cancel()
	require.NoError(t, <-done)
}
