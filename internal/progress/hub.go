package progress

import (
	"context"
	"log/slog"
	"sync"

	"github.com/openjobspec/ojs-pacer/internal/core"
)

const subscriberBuffer = 64

// Hub is a Sink that fans events out to in-process subscribers of a job,
// such as websocket connections.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[chan core.Event]struct{}
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan core.Event]struct{}), logger: slog.Default()}
}

// Subscribe returns a channel of the job's events and a function that ends
// the subscription and closes the channel.
func (h *Hub) Subscribe(jobID string) (<-chan core.Event, func()) {
	ch := make(chan core.Event, subscriberBuffer)
	h.mu.Lock()
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[chan core.Event]struct{})
		h.subs[jobID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[jobID], ch)
			if len(h.subs[jobID]) == 0 {
				delete(h.subs, jobID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers reports how many subscriptions a job has.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

// Send delivers ev to the job's subscribers, skipping any whose buffer is full.
func (h *Hub) Send(_ context.Context, ev core.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[ev.EventJobID()] {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("dropping event, subscriber channel full", "job_id", ev.EventJobID())
		}
	}
	return nil
}
