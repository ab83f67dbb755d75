package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// socket is the write surface of a WebSocket connection. *websocket.Conn
// satisfies it; tests plug in fakes.
type socket interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// hubConn pairs a socket with a write lock, since gorilla/websocket allows
// only one concurrent writer per connection
type hubConn struct {
	sock    socket
	writeMu sync.Mutex
}

func (c *hubConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

// Hub is the WebSocket backend: a registry of live connections and the
// routing groups they belong to. Connections that fail a write are dropped
// from the hub on the spot.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*hubConn
	groups map[string]map[string]struct{}
}

// NewHub creates an empty WebSocket hub
func NewHub() *Hub {
	return &Hub{
		conns:  make(map[string]*hubConn),
		groups: make(map[string]map[string]struct{}),
	}
}

// Register adds an upgraded connection under the given id, replacing any
// previous connection with the same id
func (h *Hub) Register(connectionID string, sock socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.conns[connectionID]; ok {
		_ = old.sock.Close()
	}
	h.conns[connectionID] = &hubConn{sock: sock}
}

// Unregister removes a connection and its group memberships
func (h *Hub) Unregister(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(connectionID)
}

func (h *Hub) removeLocked(connectionID string) {
	if conn, ok := h.conns[connectionID]; ok {
		_ = conn.sock.Close()
		delete(h.conns, connectionID)
	}
	for groupID, members := range h.groups {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(h.groups, groupID)
		}
	}
}

// ConnectionCount reports the number of live connections
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// JoinGroup adds a registered connection to a routing group
func (h *Hub) JoinGroup(_ context.Context, groupID, connectionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[connectionID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	members, ok := h.groups[groupID]
	if !ok {
		members = make(map[string]struct{})
		h.groups[groupID] = members
	}
	members[connectionID] = struct{}{}
	return nil
}

// SendToGroup writes an event frame to every member of a group. A group
// nobody joined is a no-op, not an error.
func (h *Hub) SendToGroup(_ context.Context, groupID, event string, payloads ...any) error {
	data, err := marshalEvent(event, payloads)
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make(map[string]*hubConn)
	for id := range h.groups[groupID] {
		if conn, ok := h.conns[id]; ok {
			targets[id] = conn
		}
	}
	h.mu.RUnlock()

	var dead []string
	for id, conn := range targets {
		if err := conn.write(data); err != nil {
			log.Printf("Dropping connection %s after failed write: %v", id, err)
			dead = append(dead, id)
		}
	}
	h.pruneDead(dead)
	return nil
}

// SendToConnection writes an event frame to a single connection
func (h *Hub) SendToConnection(_ context.Context, connectionID, event string, payloads ...any) error {
	data, err := marshalEvent(event, payloads)
	if err != nil {
		return err
	}

	h.mu.RLock()
	conn, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}

	if err := conn.write(data); err != nil {
		h.pruneDead([]string{connectionID})
		return fmt.Errorf("writing to connection %s: %w", connectionID, err)
	}
	return nil
}

func (h *Hub) pruneDead(ids []string) {
	if len(ids) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		h.removeLocked(id)
	}
}

func marshalEvent(event string, payloads []any) ([]byte, error) {
	if payloads == nil {
		payloads = []any{}
	}
	data, err := json.Marshal(Event{Event: event, Payloads: payloads})
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", event, err)
	}
	return data, nil
}
