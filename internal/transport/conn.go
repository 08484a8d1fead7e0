// Package transport is the client side of the signaling channel: one
// websocket to the relay that reconnects on its own and dispatches decoded
// messages to keyed handlers.
package transport

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/consultcall/internal/proto"
)

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("transport: connection closed")

// Options configures a Conn. Only URL is required.
type Options struct {
	URL    string
	Token  string
	Header http.Header
	Dialer *websocket.Dialer

	MinBackoff time.Duration // default 250ms
	MaxBackoff time.Duration // default 5s

	// ReadTimeout closes a silent connection. The relay pings well within
	// it. Default 60s.
	ReadTimeout time.Duration

	// QueueSize bounds frames held while offline; the oldest is dropped
	// first. Default 64.
	QueueSize int
}

// Conn is the shared signaling connection of one client. It is created by
// the application root and handed to every component that signals.
type Conn struct {
	*proto.Registry

	opts   Options
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	ws       *websocket.Conn
	queue    [][]byte
	started  bool
	closed   bool
	connects int
	dropped  int
}

// New prepares a connection without dialing. Register handlers, then call
// Start, so that no lifecycle event is missed.
func New(opts Options) *Conn {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 250 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &Conn{
		Registry: proto.NewRegistry(),
		opts:     opts,
		done:     make(chan struct{}),
	}
}

// Start connects in the background until ctx ends or Close is called.
func (c *Conn) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Dial is New followed by Start.
func Dial(ctx context.Context, opts Options) *Conn {
	c := New(opts)
	c.Start(ctx)
	return c
}

// Emit sends msg now, or queues it until the next connect.
func (c *Conn) Emit(msg proto.Message) error {
	b, err := proto.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.ws == nil {
		c.enqueueLocked(b)
		return nil
	}
	if err := c.writeLocked(b); err != nil {
		log.Printf("TRANSPORT: write %s failed, queued: %v", msg.Event(), err)
		c.ws.Close()
		c.ws = nil
		c.enqueueLocked(b)
	}
	return nil
}

// Connected reports whether a websocket is currently open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Pending returns the number of queued frames and how many were dropped
// because the queue was full.
func (c *Conn) Pending() (queued, dropped int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue), c.dropped
}

// Close stops reconnecting and closes the socket. Safe to call twice.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	if c.ws != nil {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.ws.Close()
	}
	c.mu.Unlock()

	if started {
		c.cancel()
		<-c.done
	}
	return nil
}

func (c *Conn) enqueueLocked(b []byte) {
	if len(c.queue) >= c.opts.QueueSize {
		c.queue = c.queue[1:]
		c.dropped++
	}
	c.queue = append(c.queue, b)
}

func (c *Conn) writeLocked(b []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)

	backoff := c.opts.MinBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		ws, err := c.dial(ctx)
		if err != nil {
			log.Printf("TRANSPORT: dial %s failed: %v (retry in %s)", c.opts.URL, err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < c.opts.MaxBackoff {
				backoff *= 2
				if backoff > c.opts.MaxBackoff {
					backoff = c.opts.MaxBackoff
				}
			}
			continue
		}
		backoff = c.opts.MinBackoff

		n, ok := c.attach(ws)
		if !ok {
			ws.Close()
			return
		}
		if n == 1 {
			log.Printf("TRANSPORT: connected to %s", c.opts.URL)
			c.Dispatch(proto.Connect{})
		} else {
			log.Printf("TRANSPORT: reconnected to %s (attempt %d)", c.opts.URL, n-1)
			c.Dispatch(proto.Reconnect{Attempt: n - 1})
		}

		reason := c.readLoop(ctx, ws)

		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		closed := c.closed
		c.mu.Unlock()
		ws.Close()

		log.Printf("TRANSPORT: disconnected: %s", reason)
		c.Dispatch(proto.Disconnect{Reason: reason})
		if closed {
			return
		}
	}
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	h := http.Header{}
	for k, v := range c.opts.Header {
		h[k] = v
	}
	if c.opts.Token != "" {
		h.Set("Authorization", "Bearer "+c.opts.Token)
	}
	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, h)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return ws, err
}

// attach installs ws as the live socket and flushes the offline queue in
// order before any new Emit can write.
func (c *Conn) attach(ws *websocket.Conn) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, false
	}
	c.ws = ws
	c.connects++

	pending := c.queue
	c.queue = nil
	for i, b := range pending {
		if err := c.writeLocked(b); err != nil {
			log.Printf("TRANSPORT: flush failed, %d frame(s) requeued: %v", len(pending)-i, err)
			c.queue = append(pending[i:len(pending):len(pending)], c.queue...)
			break
		}
	}
	return c.connects, true
}

// readLoop dispatches inbound frames until the socket fails or ctx ends.
func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) string {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			ws.Close()
		case <-stop:
		}
	}()

	timeout := c.opts.ReadTimeout
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(timeout))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err.Error()
		}
		_ = ws.SetReadDeadline(time.Now().Add(timeout))

		_, msg, err := proto.Decode(raw)
		if err != nil {
			log.Printf("TRANSPORT: dropping frame: %v", err)
			continue
		}
		c.Dispatch(msg)
	}
}
