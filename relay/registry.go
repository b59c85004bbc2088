package relay

import (
	"sort"
	"sync"
)

// Transport identifies which wire a client is attached through.
type Transport string

const (
	TransportSocket Transport = "socket"
	TransportPush   Transport = "push-channel"
)

// Client is one connected identity's send handle. Deliver and DeliverChunk
// must be safe for concurrent callers: the router invokes them from other
// connections' goroutines.
type Client interface {
	Name() string
	Transport() Transport
	Deliver(env Envelope) error
	DeliverChunk(chunk []byte) error
	Close() error
}

// Registry is the single source of truth for who is online. At most one
// client may hold a name at any instant; a new registration under a held
// name replaces the previous entry (newest wins).
type Registry struct {
	mu      sync.Mutex
	clients map[string]Client
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register stores client under name and returns the replaced client, if any.
// The caller must close the returned client outside the registry lock.
func (r *Registry) Register(name string, client Client) Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.clients[name]
	r.clients[name] = client
	return prev
}

// Unregister removes name only if it is still bound to client. A replaced
// connection's teardown must not delete its successor's entry.
func (r *Registry) Unregister(name string, client Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.clients[name] != client {
		return false
	}
	delete(r.clients, name)
	return true
}

// Lookup returns the client bound to name.
func (r *Registry) Lookup(name string) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[name]
	return client, ok
}

// Names returns a sorted snapshot of registered names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns the registered clients as a copy, so fan-out sends never
// run under the registry lock.
func (r *Registry) Snapshot() []Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients := make([]Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// Len returns the number of registered identities.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
