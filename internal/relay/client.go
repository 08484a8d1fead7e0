package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/consultcall/internal/proto"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	readLimit    = 64 << 10
)

// client is one authenticated websocket connection. A participant with two
// tabs open has two clients.
type client struct {
	id        string
	user      proto.User
	ws        *websocket.Conn
	connected time.Time

	writeMu sync.Mutex

	// Guarded by Server.mu.
	rooms map[string]struct{}
}

func newClient(ws *websocket.Conn, user proto.User) *client {
	return &client{
		id:        uuid.NewString(),
		user:      user,
		ws:        ws,
		connected: time.Now(),
		rooms:     make(map[string]struct{}),
	}
}

var errNotConnected = errors.New("relay: participant not connected")

func (c *client) send(msg proto.Message) error {
	if c == nil {
		return errNotConnected
	}
	b, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *client) sendControl(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteControl(messageType, data, deadline)
}

func (c *client) label() string {
	return c.user.Role + ":" + c.user.ID
}
