package chat

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/Oyetundee/Ens-Chat-dApp/internal/identity"
)

// User is a known participant.
type User struct {
	Address      string
	Name         string
	RegisteredAt time.Time
	Online       bool
}

// Directory keeps the known users and who is online. It is safe for concurrent use.
type Directory struct {
	mu     sync.RWMutex
	users  map[string]User
	online map[string]struct{}
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		users:  make(map[string]User),
		online: make(map[string]struct{}),
	}
}

// Upsert adds u or updates the known user with the same address. Empty fields
// in u leave the stored values alone.
func (d *Directory) Upsert(u User) {
	addr, err := identity.Normalize(u.Address)
	if err != nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.users[addr]
	current.Address = addr
	if name := strings.TrimSpace(u.Name); name != "" {
		current.Name = name
	}
	if !u.RegisteredAt.IsZero() {
		current.RegisteredAt = u.RegisteredAt
	}
	d.users[addr] = current
	if u.Online {
		d.online[addr] = struct{}{}
	}
}

// SetOnline records whether addr is online, adding it to the directory if unknown.
func (d *Directory) SetOnline(addr string, online bool) {
	addr, err := identity.Normalize(addr)
	if err != nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.users[addr]; !ok {
		d.users[addr] = User{Address: addr}
	}
	if online {
		d.online[addr] = struct{}{}
	} else {
		delete(d.online, addr)
	}
}

// Lookup returns the user with the given address.
func (d *Directory) Lookup(addr string) (User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.users[identity.Canonical(addr)]
	if !ok {
		return User{}, false
	}
	_, u.Online = d.online[u.Address]
	return u, true
}

// LookupName returns the user registered under name, ignoring case.
func (d *Directory) LookupName(name string) (User, bool) {
	name = strings.TrimSpace(name)
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := lo.Find(lo.Values(d.users), func(u User) bool {
		return u.Name != "" && strings.EqualFold(u.Name, name)
	})
	if ok {
		_, u.Online = d.online[u.Address]
	}
	return u, ok
}

// DisplayName returns the registered name of addr, or its shortened address.
func (d *Directory) DisplayName(addr string) string {
	if u, ok := d.Lookup(addr); ok && u.Name != "" {
		return u.Name
	}
	return identity.Short(addr)
}

// List returns users matching query (name or address, case-insensitive),
// online users first, then by name.
func (d *Directory) List(onlineOnly bool, query string) []User {
	query = strings.ToLower(strings.TrimSpace(query))

	d.mu.RLock()
	users := lo.Map(lo.Values(d.users), func(u User, _ int) User {
		_, u.Online = d.online[u.Address]
		return u
	})
	d.mu.RUnlock()

	users = lo.Filter(users, func(u User, _ int) bool {
		if onlineOnly && !u.Online {
			return false
		}
		return query == "" ||
			strings.Contains(strings.ToLower(u.Name), query) ||
			strings.Contains(strings.ToLower(u.Address), query)
	})

	slices.SortFunc(users, func(a, b User) int {
		if a.Online != b.Online {
			if a.Online {
				return -1
			}
			return 1
		}
		if c := strings.Compare(strings.ToLower(sortName(a)), strings.ToLower(sortName(b))); c != 0 {
			return c
		}
		return strings.Compare(a.Address, b.Address)
	})
	return users
}

func sortName(u User) string {
	if u.Name != "" {
		return u.Name
	}
	return u.Address
}
