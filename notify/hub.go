package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Hub fans messages out to live subscribers such as SSE clients. A slow
// subscriber loses messages instead of blocking ingestion.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int64]map[*subscriber]struct{}
	dropped atomic.Int64
}

type subscriber struct {
	ch     chan Message
	closed bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int64]map[*subscriber]struct{})}
}

// Subscribe registers a subscriber for one account, or for every account when
// accountID is 0. The returned cancel func closes the channel.
func (h *Hub) Subscribe(accountID int64, buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &subscriber{ch: make(chan Message, buffer)}
	h.mu.Lock()
	if h.subs[accountID] == nil {
		h.subs[accountID] = make(map[*subscriber]struct{})
	}
	h.subs[accountID][s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[accountID], s)
			if len(h.subs[accountID]) == 0 {
				delete(h.subs, accountID)
			}
			s.closed = true
			close(s.ch)
			h.mu.Unlock()
		})
	}
}

// Notify delivers m to the account's subscribers and the wildcard subscribers.
func (h *Hub) Notify(_ context.Context, m Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, key := range []int64{m.AccountID, 0} {
		for s := range h.subs[key] {
			if s.closed {
				continue
			}
			select {
			case s.ch <- m:
			default:
				h.dropped.Add(1)
				slog.Debug("dropping notification for slow subscriber",
					slog.Int64("account_id", m.AccountID), slog.String("component", "notify_hub"))
			}
		}
		if m.AccountID == 0 {
			break
		}
	}
	return nil
}

// Subscribers returns the number of live subscribers for accountID.
func (h *Hub) Subscribers(accountID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[accountID])
}

// Dropped returns how many messages were discarded for full queues.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
