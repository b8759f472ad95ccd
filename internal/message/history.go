package message

import (
	"sort"
	"sync"
)

// DefaultMaxHistory bounds a tenant's in-memory history.
const DefaultMaxHistory = 5000

// History is a tenant's message history: unique by id and always sorted
// by timestamp. Once sealed it ignores every mutation.
type History struct {
	mu     sync.RWMutex
	items  []Message
	index  map[string]int
	max    int
	sealed bool
}

// NewHistory creates an empty history holding at most max messages.
func NewHistory(max int) *History {
	if max <= 0 {
		max = DefaultMaxHistory
	}
	return &History{
		index: map[string]int{},
		max:   max,
	}
}

// Add inserts msg unless a message with the same id is present.
// It reports whether the message was added.
func (h *History) Add(msg Message) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sealed || msg.ID == "" {
		return false
	}
	if _, ok := h.index[msg.ID]; ok {
		return false
	}
	h.items = append(h.items, msg)
	h.resortLocked()
	_, kept := h.index[msg.ID]
	return kept
}

// Merge inserts every message whose id is unknown and returns those
// actually added, in timestamp order.
func (h *History) Merge(msgs []Message) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sealed {
		return nil
	}
	added := make(map[string]struct{}, len(msgs))
	for _, msg := range msgs {
		if msg.ID == "" {
			continue
		}
		if _, ok := h.index[msg.ID]; ok {
			continue
		}
		if _, ok := added[msg.ID]; ok {
			continue
		}
		added[msg.ID] = struct{}{}
		h.items = append(h.items, msg)
	}
	if len(added) == 0 {
		return nil
	}
	h.resortLocked()
	out := make([]Message, 0, len(added))
	for _, item := range h.items {
		if _, ok := added[item.ID]; ok {
			out = append(out, item)
		}
	}
	return out
}

// SetAttachment records the attachment reference for a message that has
// none yet. It returns the updated message and whether it changed.
func (h *History) SetAttachment(id, ref string) (Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sealed || ref == "" {
		return Message{}, false
	}
	pos, ok := h.index[id]
	if !ok {
		return Message{}, false
	}
	if h.items[pos].AttachmentRef != "" {
		return h.items[pos], false
	}
	h.items[pos].AttachmentRef = ref
	return h.items[pos], true
}

func (h *History) get(id string) (Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	pos, ok := h.index[id]
	if !ok {
		return Message{}, false
	}
	return h.items[pos], true
}

func (h *History) has(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.index[id]
	return ok
}

// Snapshot returns a copy of the history in timestamp order.
func (h *History) Snapshot() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Message, len(h.items))
	copy(out, h.items)
	return out
}

// Len returns the number of messages held.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.items)
}

// Reset drops every message.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sealed {
		return
	}
	h.items = nil
	h.index = map[string]int{}
}

// Seal drops every message and makes the history permanently read-only.
func (h *History) Seal() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sealed = true
	h.items = nil
	h.index = map[string]int{}
}

func (h *History) isSealed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sealed
}

func (h *History) resortLocked() {
	// Backfilled history can arrive after newer live messages.
	sort.SliceStable(h.items, func(i, j int) bool {
		return h.items[i].Timestamp < h.items[j].Timestamp
	})
	if overflow := len(h.items) - h.max; overflow > 0 {
		h.items = append([]Message(nil), h.items[overflow:]...)
	}
	h.index = make(map[string]int, len(h.items))
	for i, item := range h.items {
		h.index[item.ID] = i
	}
}
