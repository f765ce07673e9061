package chat

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStoreUpdateNotifiesSubscribers(t *testing.T) {
	s := NewStore(State{Self: alice})
	require.Equal(t, GroupKey, s.Get().ActiveChat)

	var seen []ConversationKey
	unsubscribe := s.Subscribe(func(prev, next State) {
		require.NotEqual(t, prev.ActiveChat, next.ActiveChat)
		seen = append(seen, next.ActiveChat)
	})

	s.Update(func(st *State) { st.ActiveChat = ConversationKey(bob) })
	s.Update(func(st *State) { st.ActiveChat = ConversationKey(bob) }) // no change, no call
	unsubscribe()
	unsubscribe()
	s.Update(func(st *State) { st.ActiveChat = GroupKey })

	require.Equal(t, []ConversationKey{ConversationKey(bob)}, seen)
	require.Equal(t, GroupKey, s.Get().ActiveChat)
}

func TestStoreSubscribersRunInOrder(t *testing.T) {
	s := NewStore(State{})
	var calls []string
	s.Subscribe(func(_, _ State) { calls = append(calls, "first") })
	s.Subscribe(func(_, _ State) { calls = append(calls, "second") })

	next := s.Update(func(st *State) { st.Loading = true })
	require.True(t, next.Loading)
	require.Equal(t, []string{"first", "second"}, calls)
}

func TestDirectoryListsOnlineFirst(t *testing.T) {
	d := NewDirectory()
	d.Upsert(User{Address: carol, Name: "carol"})
	d.Upsert(User{Address: strings.ToLower(bob), Name: "bob", Online: true})
	d.Upsert(User{Address: alice, Name: "alice"})
	d.Upsert(User{Address: "not an address", Name: "ghost"})

	names := func(users []User) []string {
		out := make([]string, len(users))
		for i, u := range users {
			out[i] = u.Name
		}
		return out
	}

	require.Equal(t, []string{"bob", "alice", "carol"}, names(d.List(false, "")))
	require.Equal(t, []string{"bob"}, names(d.List(true, "")))
	require.Equal(t, []string{"carol"}, names(d.List(false, "CAR")))

	d.SetOnline(bob, false)
	d.SetOnline(carol, true)
	require.Equal(t, []string{"carol", "alice", "bob"}, names(d.List(false, "")))
}

func TestDirectoryLookup(t *testing.T) {
	d := NewDirectory()
	registered := time.Unix(100, 0)
	d.Upsert(User{Address: bob, Name: "bob", RegisteredAt: registered})
	d.Upsert(User{Address: bob}) // empty fields keep stored values

	u, ok := d.Lookup(strings.ToLower(bob))
	require.True(t, ok)
	require.Equal(t, "bob", u.Name)
	require.Equal(t, registered, u.RegisteredAt)
	require.False(t, u.Online)

	u, ok = d.LookupName("BOB")
	require.True(t, ok)
	require.Equal(t, bob, u.Address)

	_, ok = d.LookupName("nobody")
	require.False(t, ok)

	require.Equal(t, "bob", d.DisplayName(bob))
	require.Equal(t, "0xdbF0...C6FB", d.DisplayName(carol))
}
