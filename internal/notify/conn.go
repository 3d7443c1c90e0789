package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
	// Clients only ever send the auth message.
	maxMessageSize = 4096
)

type connState int32

const (
	stateOpen connState = iota
	stateClosing
	stateClosed
)

// frame is one outbound write. A close frame ends the writer.
type frame struct {
	payload []byte
	close   bool
	code    int
	reason  string
}

// conn is one client socket. All writes go through the writer goroutine so
// that concurrent notifications never interleave on the wire.
type conn struct {
	id     string
	userID uuid.UUID
	ws     *websocket.Conn

	send      chan frame
	state     atomic.Int32
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan frame, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (c *conn) isOpen() bool {
	return connState(c.state.Load()) == stateOpen
}

// enqueue queues payload for writing. It returns false if the connection is
// not open or its buffer is full.
func (c *conn) enqueue(payload []byte) bool {
	if !c.isOpen() {
		return false
	}
	select {
	case c.send <- frame{payload: payload}:
		return true
	default:
		return false
	}
}

// closeWith queues a close frame after any pending payloads. Only the first
// call has an effect.
func (c *conn) closeWith(code int, reason string) {
	if !c.state.CompareAndSwap(int32(stateOpen), int32(stateClosing)) {
		return
	}
	select {
	case c.send <- frame{close: true, code: code, reason: reason}:
	default:
		// Buffer full; drop the handshake and cut the socket.
		c.terminate()
	}
}

// terminate stops the writer and closes the socket without a handshake.
func (c *conn) terminate() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateClosed))
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.terminate()
	}()

	for {
		select {
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if f.close {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(f.code, f.reason))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, f.payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
