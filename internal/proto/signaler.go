package proto

// Handler receives one decoded message.
type Handler func(Message)

// Signaler is the view of the signaling connection that components depend
// on. Handlers are registered under a key; registering the same event and
// key again replaces the previous handler instead of adding a second one.
type Signaler interface {
	Emit(msg Message) error
	On(event, key string, h Handler)
	Off(event, key string)
}
