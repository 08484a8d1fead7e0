// Package presence announces a specialist to the relay so incoming calls
// can be routed to this connection.
package presence

import (
	"log"
	"sync"
	"time"

	"github.com/petervdpas/consultcall/internal/proto"
)

const handlerKey = "presence"

// DefaultConnectDelay lets the relay finish setting up the connection
// before the first announcement.
const DefaultConnectDelay = 500 * time.Millisecond

// Announcer sends specialist-online after each connect.
type Announcer struct {
	sig   proto.Signaler
	user  proto.User
	delay time.Duration

	mu      sync.Mutex
	pending *time.Timer
	sent    int
}

// New returns an announcer for user. The first announcement after a
// fresh connect waits connectDelay.
func New(sig proto.Signaler, user proto.User, connectDelay time.Duration) *Announcer {
	if connectDelay < 0 {
		connectDelay = 0
	}
	return &Announcer{sig: sig, user: user, delay: connectDelay}
}

// Register hooks the announcer to the connection lifecycle. Calling it
// again replaces the existing hooks.
func (a *Announcer) Register() {
	a.sig.On(proto.EventConnect, handlerKey, func(proto.Message) { a.onConnect() })
	a.sig.On(proto.EventReconnect, handlerKey, func(proto.Message) { a.announce("reconnect") })
	a.sig.On(proto.EventDisconnect, handlerKey, func(proto.Message) { a.cancelPending() })
}

// Unregister removes the hooks and cancels a pending announcement.
func (a *Announcer) Unregister() {
	a.sig.Off(proto.EventConnect, handlerKey)
	a.sig.Off(proto.EventReconnect, handlerKey)
	a.sig.Off(proto.EventDisconnect, handlerKey)
	a.cancelPending()
}

// Sent returns how many announcements were emitted.
func (a *Announcer) Sent() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sent
}

func (a *Announcer) onConnect() {
	if !a.user.IsSpecialist() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending != nil {
		a.pending.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(a.delay, func() {
		a.mu.Lock()
		if a.pending != t {
			a.mu.Unlock()
			return
		}
		a.pending = nil
		a.mu.Unlock()
		a.announce("connect")
	})
	a.pending = t
}

func (a *Announcer) announce(why string) {
	if !a.user.IsSpecialist() {
		return
	}
	a.cancelPending()
	if err := a.sig.Emit(proto.SpecialistOnline{User: a.user}); err != nil {
		log.Printf("PRESENCE: announce on %s failed: %v", why, err)
		return
	}
	a.mu.Lock()
	a.sent++
	a.mu.Unlock()
	log.Printf("PRESENCE: %s online (%s)", a.user.ID, why)
}

func (a *Announcer) cancelPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending != nil {
		a.pending.Stop()
		a.pending = nil
	}
}
