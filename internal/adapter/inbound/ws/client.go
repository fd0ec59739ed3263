package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// client wraps one upgraded connection. Data writes are serialized by
// writeMu; control frames go through WriteControl, which gorilla allows
// concurrently with other writers.
type client struct {
	id        string
	conn      *websocket.Conn
	writeWait time.Duration

	writeMu   sync.Mutex
	closing   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(id string, conn *websocket.Conn, writeWait time.Duration) *client {
	return &client{
		id:        id,
		conn:      conn,
		writeWait: writeWait,
		done:      make(chan struct{}),
	}
}

// write sends one text frame.
func (c *client) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closing.Load() {
		return websocket.ErrCloseSent
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// ping sends a ping control frame.
func (c *client) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
}

// terminate sends a close frame and bounds how long the read loop waits
// for the peer's close reply. Only the first call writes.
func (c *client) terminate(code int, reason string) error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	msg := websocket.FormatCloseMessage(code, truncateReason(reason))
	err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait))
	_ = c.conn.SetReadDeadline(time.Now().Add(c.writeWait))
	return err
}

// close releases the socket and stops the pinger.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// maxCloseReason is the payload room left after the 2-byte close code.
const maxCloseReason = 123

func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	return reason[:maxCloseReason]
}
