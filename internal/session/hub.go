package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// UpdateType identifies the kind of session update
type UpdateType string

const (
	UpdateStarted UpdateType = "session_started"
	UpdateResult  UpdateType = "result"
	UpdateStatus  UpdateType = "status"
	UpdateVerdict UpdateType = "verdict"
)

// Update is pushed to subscribers after every state change
type Update struct {
	Type      UpdateType    `json:"type"`
	SessionID string        `json:"session_id"`
	Status    Status        `json:"status"`
	Display   Display       `json:"display"`
	Entry     *Entry        `json:"entry,omitempty"`
	Verdict   *FinalVerdict `json:"verdict,omitempty"`
	Time      time.Time     `json:"time"`
}

// critical reports whether every subscriber must see the update
func (u Update) critical() bool {
	return u.Type == UpdateStarted || u.Type == UpdateVerdict
}

// Hub fans updates out to subscribers. Slow subscribers miss updates
// instead of stalling the publisher. Session start and verdict updates are
// never missed: they evict the oldest queued updates instead.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[uint64]chan Update
	nextID      uint64
	buffer      int
	dropped     atomic.Uint64
}

// NewHub creates a hub whose subscriber channels hold buffer updates
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}

	return &Hub{
		subscribers: make(map[uint64]chan Update),
		buffer:      buffer,
	}
}

// Subscribe registers a new subscriber. The returned function unsubscribes
// and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan Update, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	ch := make(chan Update, h.buffer)
	h.subscribers[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		if sub, exists := h.subscribers[id]; exists {
			delete(h.subscribers, id)
			close(sub)
		}
	}
}

// Publish delivers the update to every subscriber with room for it
func (h *Hub) Publish(update Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers {
		select {
		case ch <- update:
			continue
		default:
		}

		if update.critical() {
			h.evictAndSend(ch, update)
		} else {
			h.dropped.Add(1)
		}
	}
}

// evictAndSend discards queued updates until update fits
func (h *Hub) evictAndSend(ch chan Update, update Update) {
	for {
		select {
		case <-ch:
			h.dropped.Add(1)
		default:
		}

		select {
		case ch <- update:
			return
		default:
		}
	}
}

// Count returns the number of subscribers
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Dropped returns how many updates were skipped for full subscribers
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
