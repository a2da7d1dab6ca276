package chat

import (
	"slices"
	"sync"
)

// DefaultRecentMessages is the number of recent messages retained per
// conversation when no capacity is given.
const DefaultRecentMessages = 20

// RecentBuffer stores the last N authoritative messages per conversation in
// memory. It is goroutine-safe and uses a ring buffer internally.
type RecentBuffer struct {
	mu       sync.RWMutex
	capacity int
	buffers  map[string]*ringBuffer // conversationID -> ring buffer
}

// ringBuffer is a fixed-size circular buffer of messages.
type ringBuffer struct {
	items  []Message
	pos    int
	count  int
	loaded bool // seeded from the store
}

// NewRecentBuffer creates an empty RecentBuffer holding up to capacity
// messages per conversation.
func NewRecentBuffer(capacity int) *RecentBuffer {
	if capacity <= 0 {
		capacity = DefaultRecentMessages
	}
	return &RecentBuffer{
		capacity: capacity,
		buffers:  make(map[string]*ringBuffer),
	}
}

// Add appends a message to its conversation's ring buffer. If the buffer is
// full, the oldest message is overwritten.
func (rb *RecentBuffer) Add(msg Message) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	buf, ok := rb.buffers[msg.ConversationID]
	if !ok {
		buf = &ringBuffer{items: make([]Message, rb.capacity)}
		rb.buffers[msg.ConversationID] = buf
	}

	buf.items[buf.pos] = msg
	buf.pos = (buf.pos + 1) % rb.capacity
	if buf.count < rb.capacity {
		buf.count++
	}
}

// Replace overwrites a buffered message with the same ID, e.g. after an
// edit. It reports whether the message was buffered.
func (rb *RecentBuffer) Replace(msg Message) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	buf, ok := rb.buffers[msg.ConversationID]
	if !ok {
		return false
	}
	for i := range buf.items {
		if buf.items[i].ID != "" && buf.items[i].ID == msg.ID {
			buf.items[i] = msg
			return true
		}
	}
	return false
}

// Get returns the buffered messages for a conversation in chronological
// order (oldest first), skipping soft-deleted ones. Returns an empty slice if
// the conversation has no buffer.
func (rb *RecentBuffer) Get(conversationID string) []Message {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	buf, ok := rb.buffers[conversationID]
	if !ok {
		return []Message{}
	}

	result := make([]Message, 0, buf.count)
	// The oldest message is at position (pos - count) mod capacity.
	start := (buf.pos - buf.count + rb.capacity) % rb.capacity
	for i := 0; i < buf.count; i++ {
		m := buf.items[(start+i)%rb.capacity]
		if m.Deleted() {
			continue
		}
		result = append(result, m)
	}
	return result
}

// Remove deletes the buffer for a conversation.
func (rb *RecentBuffer) Remove(conversationID string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	delete(rb.buffers, conversationID)
}

// Loaded reports whether the conversation's buffer has been seeded with
// Load.
func (rb *RecentBuffer) Loaded(conversationID string) bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	buf, ok := rb.buffers[conversationID]
	return ok && buf.loaded
}

// Load seeds a conversation's buffer with history read from the store.
// Messages added since the read are kept and win over their stored copy;
// the result is ordered by creation time and trimmed to capacity.
func (rb *RecentBuffer) Load(conversationID string, history []Message) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	merged := make([]Message, 0, len(history)+rb.capacity)
	live := make(map[string]struct{})
	if buf, ok := rb.buffers[conversationID]; ok {
		start := (buf.pos - buf.count + rb.capacity) % rb.capacity
		for i := 0; i < buf.count; i++ {
			m := buf.items[(start+i)%rb.capacity]
			merged = append(merged, m)
			live[m.ID] = struct{}{}
		}
	}
	for _, m := range history {
		if _, ok := live[m.ID]; !ok {
			merged = append(merged, m)
		}
	}
	slices.SortStableFunc(merged, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if len(merged) > rb.capacity {
		merged = merged[len(merged)-rb.capacity:]
	}

	buf := &ringBuffer{items: make([]Message, rb.capacity), loaded: true}
	copy(buf.items, merged)
	buf.count = len(merged)
	buf.pos = len(merged) % rb.capacity
	rb.buffers[conversationID] = buf
}
