package proto

import "sync"

type keyedHandler struct {
	key string
	h   Handler
}

// Registry holds keyed handlers per event in registration order.
// Both the live transport and test buses dispatch through it.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]keyedHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]keyedHandler)}
}

// On registers h for event under key, replacing an existing handler with
// the same key in place.
func (r *Registry) On(event, key string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[event]
	for i := range list {
		if list[i].key == key {
			list[i].h = h
			return
		}
	}
	r.handlers[event] = append(list, keyedHandler{key: key, h: h})
}

// Off removes the handler registered under key, if any.
func (r *Registry) Off(event, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[event]
	for i := range list {
		if list[i].key == key {
			r.handlers[event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Count returns the number of handlers registered for event.
func (r *Registry) Count(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}

// Dispatch calls every handler for msg.Event() outside the lock, so
// handlers may register or emit.
func (r *Registry) Dispatch(msg Message) {
	r.mu.RLock()
	list := make([]Handler, 0, len(r.handlers[msg.Event()]))
	for _, kh := range r.handlers[msg.Event()] {
		list = append(list, kh.h)
	}
	r.mu.RUnlock()
	for _, h := range list {
		h(msg)
	}
}
