package broker

import (
	"sort"
	"sync"

	"github.com/zindgh/mqtt-broker/internal/metrics"
)

// Registry is the client-id-ordered client table (spec Glossary:
// client registry). It keeps clients sorted by ClientID.Compare so
// lookups are a binary search; insertion is O(n) to keep the slot
// ordered, matching the source this is grounded on.
type Registry struct {
	mu      sync.RWMutex
	clients []*Client
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) search(id ClientID) (int, bool) {
	idx := sort.Search(len(r.clients), func(i int) bool {
		return r.clients[i].ID.Compare(id) >= 0
	})
	if idx < len(r.clients) && r.clients[idx].ID.Equal(id) {
		return idx, true
	}
	return idx, false
}

// Insert adds c in sorted position. It returns ErrDuplicateClientID if
// an entry for c.ID already exists.
func (r *Registry) Insert(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, found := r.search(c.ID)
	if found {
		return ErrDuplicateClientID
	}
	r.clients = append(r.clients, nil)
	copy(r.clients[idx+1:], r.clients[idx:])
	r.clients[idx] = c
	metrics.RegistrySize.Set(float64(len(r.clients)))
	metrics.ClientsConnected.Inc()
	return nil
}

// Get returns the client for id, if present.
func (r *Registry) Get(id ClientID) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, found := r.search(id)
	if !found {
		return nil, false
	}
	return r.clients[idx], true
}

// Remove drops id from the registry.
func (r *Registry) Remove(id ClientID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, found := r.search(id)
	if !found {
		return false
	}
	r.clients = append(r.clients[:idx], r.clients[idx+1:]...)
	metrics.RegistrySize.Set(float64(len(r.clients)))
	metrics.ClientsConnected.Dec()
	return true
}

// SessionExists reports whether id has a registry entry, live or
// suspended.
func (r *Registry) SessionExists(id ClientID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, found := r.search(id)
	return found
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Snapshot returns a copy of the current client list, used by the
// background session sweeper to evaluate liveness without holding the
// registry lock while it runs per-client logic.
func (r *Registry) Snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, len(r.clients))
	copy(out, r.clients)
	return out
}
