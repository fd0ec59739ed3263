package ws

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/relaygate/relaygate/internal/port/outbound"
)

// Registry holds the live connections of this process by connection id.
// Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*client)}
}

func (r *Registry) add(c *client) {
	r.mu.Lock()
	r.clients[c.id] = c
	r.mu.Unlock()
}

func (r *Registry) get(id string) (*client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Push writes payload as one text frame to id.
func (r *Registry) Push(_ context.Context, id string, payload []byte) error {
	c, ok := r.get(id)
	if !ok {
		return outbound.ErrConnectionGone
	}
	return c.write(payload)
}

// Terminate sends a policy-violation close frame carrying reason. The read
// loop of the connection ends once the peer answers or the write wait
// passes.
func (r *Registry) Terminate(id, reason string) error {
	c, ok := r.get(id)
	if !ok {
		return outbound.ErrConnectionGone
	}
	return c.terminate(websocket.ClosePolicyViolation, reason)
}

// Release forgets id. Idempotent.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	delete(r.clients, id)
	r.mu.Unlock()
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// terminateAll sends a going-away close frame to every connection.
func (r *Registry) terminateAll(reason string) {
	r.mu.RLock()
	clients := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	for _, c := range clients {
		_ = c.terminate(websocket.CloseGoingAway, reason)
	}
}

// Compile-time interface verification.
var _ outbound.ConnectionPusher = (*Registry)(nil)

// closeAll drops every socket without a handshake.
func (r *Registry) closeAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		c.close()
	}
}
