package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Oyetundee/Ens-Chat-dApp/internal/identity"
)

const (
	alice = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	bob   = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
	carol = "0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB"
)

func newTestLedger() *Memory {
	return NewMemory(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestMemorySendAndRead(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	l := newTestLedger()

	receipt, err := l.WriterFor(strings.ToLower(alice)).SendMessageByAddress(ctx, bob, "hi bob")
	req.NoError(err)
	req.True(strings.HasPrefix(receipt, "0x"))
	req.Len(receipt, 66)

	_, err = l.Send(ctx, bob, alice, "hi alice")
	req.NoError(err)
	_, err = l.Send(ctx, carol, "", "hello everyone")
	req.NoError(err)

	all, err := l.AllMessages(ctx)
	req.NoError(err)
	req.Len(all, 3)
	req.Equal(alice, all[0].From, "senders are stored checksummed")
	req.Equal(identity.Broadcast, all[2].To, "empty recipient means broadcast")

	conv, err := l.Conversation(ctx, bob, strings.ToLower(alice))
	req.NoError(err)
	req.Len(conv, 2)
	req.Equal("hi bob", conv[0].Content)
	req.Equal("hi alice", conv[1].Content)
}

func TestMemoryReceiptsAreUnique(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	first, err := l.Send(ctx, alice, bob, "same")
	require.NoError(t, err)
	second, err := l.Send(ctx, alice, bob, "same")
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestMemoryRejectsInvalidWrites(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	_, err := l.Send(ctx, "nobody", bob, "x")
	require.ErrorIs(t, err, identity.ErrInvalidAddress)

	_, err = l.Send(ctx, alice, bob, "   ")
	require.ErrorIs(t, err, ErrSendRejected)

	boom := errors.New("user rejected transaction")
	l.SetRejectErr(boom)
	_, err = l.Send(ctx, alice, bob, "x")
	require.ErrorIs(t, err, boom)

	l.SetRejectErr(nil)
	_, err = l.Send(ctx, alice, bob, "x")
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = l.Send(cancelled, alice, bob, "x")
	require.ErrorIs(t, err, context.Canceled)

	all, err := l.AllMessages(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestMemoryRegisterName(t *testing.T) {
	l := newTestLedger()

	require.NoError(t, l.RegisterName(alice, "alice"))
	require.NoError(t, l.RegisterName(alice, "alice"))
	require.ErrorIs(t, l.RegisterName(bob, "Alice"), ErrNameTaken)
	require.Error(t, l.RegisterName(bob, " "))

	name, ok := l.Name(strings.ToLower(alice))
	require.True(t, ok)
	require.Equal(t, "alice", name)

	require.NoError(t, l.RegisterName(alice, "alice2"))
	require.NoError(t, l.RegisterName(bob, "alice"), "renaming frees the old name")
}

func TestMemorySubscribeReceivesEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := newTestLedger()

	events, err := l.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, l.RegisterName(bob, "bob"))
	_, err = l.Send(ctx, alice, bob, "gm")
	require.NoError(t, err)

	reg := receive(t, events).(NameRegistered)
	require.Equal(t, NameRegistered{Owner: bob, Name: "bob", UserAddress: bob}, reg)

	sent := receive(t, events).(MessageSent)
	require.Equal(t, alice, sent.From)
	require.Equal(t, bob, sent.To)
	require.Equal(t, "gm", sent.Message)
	require.Equal(t, "gm", sent.Record().Content)

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-events
		return !open
	}, time.Second, 10*time.Millisecond)
}

func TestMemorySlowSubscriberDoesNotBlockWrites(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	_, err := l.Subscribe(ctx)
	require.NoError(t, err)

	for i := 0; i < subscriberBuffer*2; i++ {
		_, err := l.Send(ctx, alice, bob, "spam")
		require.NoError(t, err)
	}
}

func receive(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case evt := <-events:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ledger event")
		return nil
	}
}
