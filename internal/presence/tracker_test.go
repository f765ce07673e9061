package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) record(c Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) removals(identity, chat string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.changes {
		if c.Identity == identity && c.Chat == chat && !c.Typing {
			n++
		}
	}
	return n
}

func TestTrackerExpiresExactlyOnce(t *testing.T) {
	rec := &recorder{}
	tr := New(50*time.Millisecond, rec.record)
	defer tr.Close()

	tr.Start("alice", "group")
	require.True(t, tr.IsTyping("alice", "group"))
	require.Equal(t, []string{"alice"}, tr.Typing("group"))

	require.Eventually(t, func() bool { return !tr.IsTyping("alice", "group") }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, rec.removals("alice", "group"))
	require.Empty(t, tr.Typing("group"))
}

func TestTrackerRestartResetsWindow(t *testing.T) {
	rec := &recorder{}
	tr := New(200*time.Millisecond, rec.record)
	defer tr.Close()

	tr.Start("alice", "group")
	time.Sleep(120 * time.Millisecond)
	tr.Start("alice", "group")

	// The first window would have closed at 200ms.
	time.Sleep(130 * time.Millisecond)
	require.True(t, tr.IsTyping("alice", "group"), "restart must push the expiry back")

	require.Eventually(t, func() bool { return !tr.IsTyping("alice", "group") }, time.Second, 5*time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	require.Equal(t, 1, rec.removals("alice", "group"))

	rec.mu.Lock()
	starts := 0
	for _, c := range rec.changes {
		if c.Typing {
			starts++
		}
	}
	rec.mu.Unlock()
	require.Equal(t, 1, starts, "a restart is not a new typing change")
}

func TestTrackerStopRemovesImmediately(t *testing.T) {
	rec := &recorder{}
	tr := New(100*time.Millisecond, rec.record)
	defer tr.Close()

	tr.Start("alice", "group")
	tr.Start("bob", "group")
	tr.Start("alice", "0xbob")

	tr.Stop("alice", "group")
	require.Equal(t, []string{"bob"}, tr.Typing("group"))
	require.True(t, tr.IsTyping("alice", "0xbob"))

	tr.Stop("alice", "group")
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 1, rec.removals("alice", "group"), "stale timer and second stop are no-ops")
}

func TestTrackerSupersededExpiryAfterStopAndStart(t *testing.T) {
	rec := &recorder{}
	tr := New(time.Minute, rec.record)
	defer tr.Close()

	gen := func() uint64 {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.chats["group"]["alice"].gen
	}

	tr.Start("alice", "group")
	stale := gen()
	tr.Stop("alice", "group")
	tr.Start("alice", "group")
	require.NotEqual(t, stale, gen())

	// A timer that fired before Stop could cancel it runs late.
	tr.expire("alice", "group", stale)
	require.True(t, tr.IsTyping("alice", "group"))
	require.Equal(t, 1, rec.removals("alice", "group"))
}

func TestTrackerCloseIgnoresFurtherStarts(t *testing.T) {
	tr := New(time.Minute, nil)
	tr.Start("alice", "group")
	tr.Close()

	require.Empty(t, tr.Typing("group"))
	tr.Start("bob", "group")
	require.False(t, tr.IsTyping("bob", "group"))
}

func TestTrackerDefaultTTL(t *testing.T) {
	tr := New(0, nil)
	defer tr.Close()
	require.Equal(t, DefaultTTL, tr.ttl)
}
