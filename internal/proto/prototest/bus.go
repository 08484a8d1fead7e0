// Package prototest provides an in-memory Signaler for component tests.
package prototest

import (
	"sync"

	"github.com/petervdpas/consultcall/internal/proto"
)

// Bus records every emitted message and lets tests deliver inbound ones.
type Bus struct {
	*proto.Registry

	mu      sync.Mutex
	emitted []proto.Message
	// EmitErr, when set, is returned by Emit and the message is not recorded.
	EmitErr error
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{Registry: proto.NewRegistry()}
}

// Emit records msg, or fails with EmitErr when set.
func (b *Bus) Emit(msg proto.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.EmitErr != nil {
		return b.EmitErr
	}
	b.emitted = append(b.emitted, msg)
	return nil
}

// Deliver dispatches msg to the registered handlers as if it had arrived
// from the relay.
func (b *Bus) Deliver(msg proto.Message) { b.Dispatch(msg) }

// Emitted returns a copy of everything emitted so far.
func (b *Bus) Emitted() []proto.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]proto.Message(nil), b.emitted...)
}

// CountEmitted returns how many emitted messages have the given event name.
func (b *Bus) CountEmitted(event string) int {
	n := 0
	for _, m := range b.Emitted() {
		if m.Event() == event {
			n++
		}
	}
	return n
}

// Last returns the most recent emitted message for event, or nil.
func (b *Bus) Last(event string) proto.Message {
	all := b.Emitted()
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Event() == event {
			return all[i]
		}
	}
	return nil
}

// Reset forgets the emitted messages; handlers stay.
func (b *Bus) Reset() {
	b.mu.Lock()
	b.emitted = nil
	b.mu.Unlock()
}
