package clients

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Client is one connected client context (an open page of the application).
type Client struct {
	ID  string
	URL string

	mu         sync.Mutex
	controlled bool
	mailbox    []any
}

// Controlled reports whether the worker has taken control of the client.
func (c *Client) Controlled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controlled
}

// PostMessage queues msg for delivery to the client.
func (c *Client) PostMessage(msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mailbox = append(c.mailbox, msg)
}

// Messages drains and returns the pending messages.
func (c *Client) Messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.mailbox
	c.mailbox = nil
	return msgs
}

// Registry tracks the connected client contexts.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	// claimed is set once the worker activates; later clients start out controlled.
	claimed bool
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Connect registers a new client context for the page at url.
func (r *Registry) Connect(url string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &Client{ID: uuid.NewString(), URL: url, controlled: r.claimed}
	r.clients[c.ID] = c
	return c
}

func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// MatchAll returns the connected clients, ordered by URL then ID.
// Uncontrolled clients are only included when includeUncontrolled is set.
func (r *Registry) MatchAll(includeUncontrolled bool) []*Client {
	r.mu.RLock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if includeUncontrolled || c.Controlled() {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].URL != out[j].URL {
			return out[i].URL < out[j].URL
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Claim takes control of every connected client and of clients connecting later.
// It returns the number of clients that were newly claimed.
func (r *Registry) Claim() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimed = true
	n := 0
	for _, c := range r.clients {
		c.mu.Lock()
		if !c.controlled {
			c.controlled = true
			n++
		}
		c.mu.Unlock()
	}
	return n
}

// Broadcast posts msg to every connected client and returns how many received it.
func (r *Registry) Broadcast(msg any) int {
	clients := r.MatchAll(true)
	for _, c := range clients {
		c.PostMessage(msg)
	}
	return len(clients)
}
