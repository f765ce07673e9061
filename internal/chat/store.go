package chat

import "sync"

// State is the client's UI-facing state.
type State struct {
	Self         string
	SelfName     string
	ActiveChat   ConversationKey
	MessageInput string
	Loading      bool
	SidebarOpen  bool
}

// Store is an observable State container. Subscribers run synchronously after
// each Update, outside the lock, in subscription order.
type Store struct {
	mu     sync.RWMutex
	state  State
	subs   map[int]func(prev, next State)
	order  []int
	nextID int
}

// NewStore returns a store holding initial.
func NewStore(initial State) *Store {
	if initial.ActiveChat == "" {
		initial.ActiveChat = GroupKey
	}
	return &Store{state: initial, subs: make(map[int]func(prev, next State))}
}

// Get returns a copy of the current state.
func (s *Store) Get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Update applies fn to the state and notifies subscribers if anything changed.
func (s *Store) Update(fn func(*State)) State {
	s.mu.Lock()
	prev := s.state
	next := prev
	fn(&next)
	s.state = next
	subs := make([]func(prev, next State), 0, len(s.order))
	for _, id := range s.order {
		subs = append(subs, s.subs[id])
	}
	s.mu.Unlock()

	if prev == next {
		return next
	}
	for _, fn := range subs {
		fn(prev, next)
	}
	return next
}

// Subscribe registers fn and returns a function that removes it.
func (s *Store) Subscribe(fn func(prev, next State)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.order = append(s.order, id)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}
