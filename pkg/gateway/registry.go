package gateway

import (
	"sort"
	"sync"
	"time"
)

// idleAfter marks a client idle once it has sent nothing for this long
const idleAfter = 5 * time.Minute

// ClientRegistry tracks the event stream connections
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry creates an empty registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client)}
}

// Add registers client and returns the new connection count
func (r *ClientRegistry) Add(client *Client) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[client.ID] = client
	return len(r.clients)
}

// Remove drops the client with id and returns the remaining connection count
func (r *ClientRegistry) Remove(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, id)
	return len(r.clients)
}

// Touch records activity from id at t
func (r *ClientRegistry) Touch(id string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[id]; ok {
		c.LastActivity = t
	}
}

// Count returns the number of connections
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Clients returns the registered connections in no particular order
func (r *ClientRegistry) Clients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Snapshot describes every connection as seen at now, oldest first
func (r *ClientRegistry) Snapshot(now time.Time) []ClientInfo {
	r.mu.RLock()
	infos := make([]ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		infos = append(infos, ClientInfo{
			ID:           c.ID,
			ConnectedAt:  c.ConnectedAt,
			LastActivity: c.LastActivity,
			IPAddress:    c.IPAddress,
			Idle:         now.Sub(c.LastActivity) > idleAfter,
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}
