package server

import (
	"sync"

	"github.com/Oyetundee/Ens-Chat-dApp/internal/protocol"
)

// History is a bounded FIFO of recently relayed messages. When full, pushing a
// message evicts the oldest entry. Entries are kept in arrival order, which is
// also relayedAt order because the hub stamps messages as it appends them.
type History struct {
	mu   sync.RWMutex
	buf  []protocol.Message
	head int // index of the oldest entry
	size int
}

// NewHistory creates a history holding at most capacity messages.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = defaultHistoryCapacity
	}
	return &History{buf: make([]protocol.Message, capacity)}
}

// Push appends msg and reports whether the oldest entry was evicted to make room.
func (h *History) Push(msg protocol.Message) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	capacity := len(h.buf)
	if h.size == capacity {
		h.buf[h.head] = msg
		h.head = (h.head + 1) % capacity
		return true
	}

	h.buf[(h.head+h.size)%capacity] = msg
	h.size++
	return false
}

// Recent returns up to the last n entries, oldest first.
func (h *History) Recent(n int) []protocol.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n > h.size {
		n = h.size
	}
	if n <= 0 {
		return nil
	}

	capacity := len(h.buf)
	start := h.head + h.size - n
	out := make([]protocol.Message, n)
	for i := range out {
		out[i] = h.buf[(start+i)%capacity]
	}
	return out
}

// Len returns the number of buffered messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Capacity returns the maximum number of buffered messages.
func (h *History) Capacity() int {
	return len(h.buf)
}
