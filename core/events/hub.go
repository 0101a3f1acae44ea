package events

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"stakepool/core/types"
)

const (
	defaultHistoryLimit = 2048
	subscriberBuffer    = 32
)

// Hub fans committed ledger events out to live subscribers and keeps a bounded
// replay history keyed by sequence number.
type Hub struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	limit   int
	subs    map[uint64]chan types.Event
	history []types.Event
	now     func() time.Time
}

// NewHub constructs a hub retaining at most limit events for replay. A
// non-positive limit selects the default.
func NewHub(limit int) *Hub {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &Hub{
		limit: limit,
		subs:  make(map[uint64]chan types.Event),
		now:   time.Now,
	}
}

// Emit stamps the event with the next sequence number and delivers it to every
// subscriber. Subscribers whose buffer is full miss the event.
func (h *Hub) Emit(evt Event) {
	if h == nil || evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}

	h.mu.Lock()
	h.seq++
	payload.Sequence = h.seq
	if payload.Timestamp == 0 {
		payload.Timestamp = h.now().Unix()
	}
	h.history = append(h.history, *payload.Clone())
	if len(h.history) > h.limit {
		excess := len(h.history) - h.limit
		trimmed := make([]types.Event, h.limit)
		copy(trimmed, h.history[excess:])
		h.history = trimmed
	}
	// Sends happen under the lock so cancel cannot close a channel mid-send.
	// A subscriber whose buffer is full misses the event.
	for _, ch := range h.subs {
		select {
		case ch <- *payload.Clone():
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe registers a listener for events newer than cursor. The returned
// backlog holds retained events the caller missed; cancel releases the
// subscription and closes the channel. Cancellation also follows ctx.
func (h *Hub) Subscribe(ctx context.Context, cursor string) (<-chan types.Event, func(), []types.Event) {
	updates := make(chan types.Event, subscriberBuffer)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = updates
	backlog := make([]types.Event, 0, len(h.history))
	for _, entry := range h.history {
		if entry.Sequence > since {
			backlog = append(backlog, *entry.Clone())
		}
	}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
			h.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel, backlog
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Sequence returns the sequence number of the most recent event.
func (h *Hub) Sequence() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}
