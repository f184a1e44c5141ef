package hub

import (
	"encoding/json"
	"errors"
	"sync"
)

var ErrNoConnection = errors.New("no local connection")

// Sink is a live client connection on this process. body is an encoded JSON
// value and must be written as-is.
type Sink interface {
	Emit(event string, body json.RawMessage) error
	Close() error
}

type Connection struct {
	ID         string
	IdentityID string
	Sink       Sink
}

// Hub tracks the connections owned by this process, keyed by identity.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[string]*Connection
}

func New() *Hub {
	return &Hub{connections: make(map[string]map[string]*Connection)}
}

func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[conn.IdentityID] == nil {
		h.connections[conn.IdentityID] = make(map[string]*Connection)
	}
	h.connections[conn.IdentityID][conn.ID] = conn
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.connections[conn.IdentityID]
	if set == nil {
		return
	}
	delete(set, conn.ID)
	if len(set) == 0 {
		delete(h.connections, conn.IdentityID)
	}
}

func (h *Hub) Has(identityID, connectionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.connections[identityID][connectionID]
	return ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.connections {
		n += len(set)
	}
	return n
}

// Emit delivers to one connection of identityID, or to all of them when
// connectionID is empty.
func (h *Hub) Emit(identityID, connectionID, event string, body json.RawMessage) error {
	h.mu.RLock()
	set := h.connections[identityID]
	conns := make([]*Connection, 0, len(set))
	if connectionID == "" {
		for _, c := range set {
			conns = append(conns, c)
		}
	} else if c, ok := set[connectionID]; ok {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return ErrNoConnection
	}
	h.write(conns, event, body)
	return nil
}

func (h *Hub) EmitAll(event string, body json.RawMessage) {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, set := range h.connections {
		for _, c := range set {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	h.write(conns, event, body)
}

func (h *Hub) write(conns []*Connection, event string, body json.RawMessage) {
	var failed []*Connection
	for _, c := range conns {
		if err := c.Sink.Emit(event, body); err != nil {
			failed = append(failed, c)
		}
	}
	// Closing makes the transport's read loop exit, which runs the normal
	// disconnect path for that connection.
	for _, c := range failed {
		_ = c.Sink.Close()
	}
}
