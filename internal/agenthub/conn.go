package agenthub

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manlab/manlab/pkg/agentwire"
)

// agentConn wraps one agent WebSocket as a registry.Conn. Writes are
// serialized by a mutex; the ping loop shares it with Send.
type agentConn struct {
	id string
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newAgentConn(ws *websocket.Conn) *agentConn {
	return &agentConn{
		id: uuid.New().String(),
		ws: ws,
	}
}

func (c *agentConn) ConnID() string { return c.id }

// Send writes one wire message. The deadline is the tighter of the write
// timeout and the caller's context deadline.
func (c *agentConn) Send(ctx context.Context, msg *agentwire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}

func (c *agentConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

// close sends a best-effort close frame and tears down the socket.
// Idempotent; also used to evict a superseded connection.
func (c *agentConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.ws.Close()
}
