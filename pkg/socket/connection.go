package socket

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Connection is the write side of one feed client. Anything the client
// sends is discarded; a close frame or read error ends the connection.
type Connection struct {
	conn         *websocket.Conn
	msgType      websocket.MessageType
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func NewConnection(ctx context.Context, conn *websocket.Conn, msgType websocket.MessageType, writeTimeout time.Duration) *Connection {
	ctx2, cancel := context.WithCancel(conn.CloseRead(ctx))

	return &Connection{
		conn:         conn,
		msgType:      msgType,
		writeTimeout: writeTimeout,
		ctx:          ctx2,
		cancel:       cancel,
	}
}

// Done is closed once the peer goes away or the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Connection) Write(payload []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
	defer cancel()

	return c.conn.Write(ctx, c.msgType, payload)
}

// CloseWith sends a close frame with code and reason.
func (c *Connection) CloseWith(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		c.cancel()
		_ = c.conn.Close(code, reason)
	})
}

func (c *Connection) Close() {
	c.CloseWith(websocket.StatusNormalClosure, "")
}
