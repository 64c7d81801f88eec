package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"whisper2/go-server/internal/protocol"
	"whisper2/go-server/pkg/models"
)

// connState is the per-connection auth state machine. Transitions run
// forward only; a failed handshake closes the socket rather than
// rewinding.
type connState int

const (
	stateConnected connState = iota
	stateChallenged
	stateAuthenticated
	stateClosed
)

// backpressureWait bounds how long a delivery waits on a full send
// queue before the recipient is treated as offline.
const backpressureWait = time.Second

const writeWait = 10 * time.Second

// pendingRegistration carries handshake state between register_begin
// and register_proof.
type pendingRegistration struct {
	whisperID   string
	deviceID    string
	platform    string
	challengeID string
	signPub     []byte
	encPub      []byte
}

// Conn is one WebSocket connection and its outbound queue. The write
// pump is the only goroutine that touches the socket for writes.
type Conn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	mu      sync.Mutex
	state   connState
	sess    models.Session
	pending *pendingRegistration

	closeOnce sync.Once
	writeMu   sync.Mutex
	remoteIP  string
}

func newConn(ws *websocket.Conn, queueDepth int, remoteIP string) *Conn {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Conn{
		ws:       ws,
		send:     make(chan []byte, queueDepth),
		done:     make(chan struct{}),
		remoteIP: remoteIP,
	}
}

func (c *Conn) currentState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conn) session() (models.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess, c.state == stateAuthenticated
}

// trySend queues a frame for the write pump. Blocks up to the
// backpressure bound when the queue is full; never discards a frame
// that was accepted.
func (c *Conn) trySend(frame []byte) bool {
	timer := time.NewTimer(backpressureWait)
	defer timer.Stop()
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	case <-timer.C:
		return false
	}
}

// sendFrame marshals and queues one typed frame.
func (c *Conn) sendFrame(frameType, requestID string, payload any) bool {
	raw, err := protocol.MarshalFrame(frameType, requestID, payload)
	if err != nil {
		return false
	}
	return c.trySend(raw)
}

func (c *Conn) sendError(perr *protocol.Error) {
	if perr == nil {
		return
	}
	c.sendFrame(protocol.TypeError, perr.RequestID, perr)
}

// closeWithError flushes a final error frame and tears the socket
// down. The write deadline keeps the teardown under a second even
// against a stalled peer.
func (c *Conn) closeWithError(perr *protocol.Error) {
	if perr != nil {
		if raw, err := protocol.MarshalFrame(protocol.TypeError, perr.RequestID, perr); err == nil {
			_ = c.writeMessage(raw, 500*time.Millisecond)
		}
	}
	c.close()
}

// writeMessage is the single path onto the socket, shared by the pump
// and the teardown path.
func (c *Conn) writeMessage(frame []byte, wait time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.setState(stateClosed)
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

// writePump drains the send queue onto the socket and keeps an idle
// peer alive with protocol-level pings.
func (c *Conn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.writeMessage(frame, writeWait); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.close()
				return
			}
		}
	}
}
