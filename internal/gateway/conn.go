package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duplexlabs/duplex-core/internal/output"
	"github.com/duplexlabs/duplex-core/internal/protocol"
)

var errConnClosed = errors.New("connection closed")

// Conn adapts one websocket to the session transport: paced PCM frames go
// out as binary messages, events as JSON text. The mutex serializes writers;
// gorilla allows only one at a time.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Conn{ws: ws, writeTimeout: writeTimeout}
}

func (c *Conn) WriteFrame(f output.Frame) error {
	return c.write(websocket.BinaryMessage, f.PCM)
}

func (c *Conn) WriteEvent(ev protocol.SessionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, payload)
}

func (c *Conn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

func (c *Conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// closeWith sends a close frame before dropping the socket, so clients see
// the reason instead of a bare EOF.
func (c *Conn) closeWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(c.writeTimeout))
	_ = c.ws.Close()
}

func (c *Conn) Close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}
