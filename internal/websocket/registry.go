package websocket

import (
	"sort"
	"sync"
)

// Registry maps each online identity to its single live connection. The
// most recent registration for an identity wins.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Register installs c under its user id and returns the connection it
// replaced, if any.
func (r *Registry) Register(c *Client) (previous *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID := c.userID()
	previous = r.clients[userID]
	r.clients[userID] = c
	if previous == c {
		return nil
	}
	return previous
}

// Unregister removes c only if it is still the registered connection for
// its identity. It reports whether an entry was removed.
func (r *Registry) Unregister(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID := c.userID()
	if current, ok := r.clients[userID]; ok && current == c {
		delete(r.clients, userID)
		return true
	}
	return false
}

// Rollback undoes Register(c) when c still holds its identity's slot,
// putting previous back or leaving the slot empty when previous is nil. It
// reports false when the slot has moved on.
func (r *Registry) Rollback(c, previous *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID := c.userID()
	if current, ok := r.clients[userID]; !ok || current != c {
		return false
	}
	if previous == nil {
		delete(r.clients, userID)
	} else {
		r.clients[userID] = previous
	}
	return true
}

// Get returns the registered connection for userID
func (r *Registry) Get(userID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[userID]
	return c, ok
}

// Contains reports whether userID has a registered connection
func (r *Registry) Contains(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[userID]
	return ok
}

// Len returns the number of online identities
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// UserIDs returns a sorted copy of the online identities. Callers may keep
// or mutate it freely.
func (r *Registry) UserIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Clients returns a snapshot of the registered connections.
func (r *Registry) Clients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}

// Clear empties the registry and returns what it held.
func (r *Registry) Clear() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[string]*Client)
	return clients
}
