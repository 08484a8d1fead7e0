// Package console is the local HTTP control surface of a client agent.
// It renders the call core's side effects as an SSE stream and exposes the
// buttons of the consultation screen as small JSON endpoints.
package console

import (
	"sync"

	"github.com/petervdpas/consultcall/internal/notify"
	"github.com/petervdpas/consultcall/internal/util"
)

const recentEvents = 100

// Hub fans notifier events out to SSE subscribers. It also stands in for the
// ringtone player: Start and Stop become ringtone events.
type Hub struct {
	mu      sync.Mutex
	subs    map[chan notify.Event]struct{}
	recent  *util.RingBuffer[notify.Event]
	ringing bool
}

// NewHub returns a hub that remembers the last 100 events.
func NewHub() *Hub {
	return &Hub{
		subs:   make(map[chan notify.Event]struct{}),
		recent: util.NewRingBuffer[notify.Event](recentEvents),
	}
}

// Notify records e and hands it to every subscriber without blocking.
// A subscriber whose buffer is full misses the event.
func (h *Hub) Notify(e notify.Event) {
	h.recent.Push(e)
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			// slow subscriber
		}
	}
}

// Recent returns the last events, oldest first.
func (h *Hub) Recent() []notify.Event {
	return h.recent.Snapshot()
}

// Subscribe returns a channel of live events and a cancel func that
// closes it. Cancel is safe to call twice.
func (h *Hub) Subscribe() (ch chan notify.Event, cancel func()) {
	ch = make(chan notify.Event, 32)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel = func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Start and Stop emit a ringtone event when the ringing state changes.
func (h *Hub) Start() { h.setRinging(true) }
func (h *Hub) Stop()  { h.setRinging(false) }

// Ringing reports whether the ringtone is on.
func (h *Hub) Ringing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ringing
}

func (h *Hub) setRinging(on bool) {
	h.mu.Lock()
	changed := h.ringing != on
	h.ringing = on
	h.mu.Unlock()
	if changed {
		h.Notify(notify.Event{Kind: notify.KindRingtone, Data: on})
	}
}
