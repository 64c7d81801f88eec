package gateway

import (
	"sync"

	"whisper2/go-server/internal/protocol"
)

// Hub tracks the authenticated connection per identity. Single active
// device means at most one live connection per WhisperID; a newer
// registration displaces the older connection.
type Hub struct {
	mu    sync.Mutex
	conns map[string]*Conn
	total int
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Conn)}
}

// Register binds c as the live connection for whisperID and returns
// the connection it displaced, if any.
func (h *Hub) Register(whisperID string, c *Conn) *Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.conns[whisperID]
	if old == c {
		return nil
	}
	h.conns[whisperID] = c
	return old
}

// Unregister removes c if it is still the live connection for
// whisperID. A displaced connection unregistering late must not evict
// its replacement.
func (h *Hub) Unregister(whisperID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[whisperID] == c {
		delete(h.conns, whisperID)
	}
}

// Deliver pushes a frame to the identity's live connection. Reports
// false when the identity is offline or its send queue stayed full
// past the backpressure bound; queued envelopes survive either way.
func (h *Hub) Deliver(whisperID string, frame []byte) bool {
	h.mu.Lock()
	c := h.conns[whisperID]
	h.mu.Unlock()
	if c == nil {
		return false
	}
	return c.trySend(frame)
}

// CloseFor sends a final error frame to the identity's connection and
// closes it. Used on ban and on device displacement.
func (h *Hub) CloseFor(whisperID string, perr *protocol.Error) {
	h.mu.Lock()
	c := h.conns[whisperID]
	if c != nil {
		delete(h.conns, whisperID)
	}
	h.mu.Unlock()
	if c != nil {
		c.closeWithError(perr)
	}
}

// ConnCount reports open registered connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// TrackOpen and TrackClosed follow raw socket lifetimes, including
// connections that never authenticate.
func (h *Hub) TrackOpen() {
	h.mu.Lock()
	h.total++
	h.mu.Unlock()
}

func (h *Hub) TrackClosed() {
	h.mu.Lock()
	if h.total > 0 {
		h.total--
	}
	h.mu.Unlock()
}

// LiveCount reports open sockets, authenticated or not.
func (h *Hub) LiveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}
