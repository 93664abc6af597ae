package swgate

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client is a page context (a browser tab) seen by the gateway.
type Client struct {
	ID         uuid.UUID `json:"id"`
	URL        string    `json:"url"`
	Controller string    `json:"controller,omitempty"` // worker version, empty when uncontrolled
	SeenAt     time.Time `json:"seenAt"`
}

// DefaultMaxClients bounds the registry when no limit is configured.
const DefaultMaxClients = 10000

// Clients tracks page contexts and which worker version controls each. At
// most limit clients are held; the least recently seen one makes room.
type Clients struct {
	mu    sync.Mutex
	limit int
	items map[uuid.UUID]*Client
}

// NewClients returns a registry holding up to limit clients, DefaultMaxClients
// when limit is not positive.
func NewClients(limit int) *Clients {
	if limit <= 0 {
		limit = DefaultMaxClients
	}
	return &Clients{limit: limit, items: map[uuid.UUID]*Client{}}
}

// Touch records a visit from id, registering the client if it is new. New
// clients start out controlled by controller, which may be empty.
func (c *Clients) Touch(id uuid.UUID, url, controller string) Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.items[id]
	if !ok {
		if len(c.items) >= c.limit {
			c.evictOldestLocked()
		}
		cl = &Client{ID: id, Controller: controller}
		c.items[id] = cl
	}
	cl.URL = url
	cl.SeenAt = time.Now()
	return *cl
}

func (c *Clients) evictOldestLocked() {
	var oldest *Client
	for _, cl := range c.items {
		if oldest == nil || cl.SeenAt.Before(oldest.SeenAt) {
			oldest = cl
		}
	}
	if oldest != nil {
		delete(c.items, oldest.ID)
	}
}

// Expire forgets clients not seen since before and returns how many went.
func (c *Clients) Expire(before time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, cl := range c.items {
		if cl.SeenAt.Before(before) {
			delete(c.items, id)
			n++
		}
	}
	return n
}

// Len is the number of tracked clients.
func (c *Clients) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Get returns a copy of the client with id.
func (c *Clients) Get(id uuid.UUID) (Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.items[id]
	if !ok {
		return Client{}, false
	}
	return *cl, true
}

// OpenWindow registers a fresh client at url, controlled by controller.
func (c *Clients) OpenWindow(url, controller string) Client {
	return c.Touch(uuid.New(), url, controller)
}

// Claim makes version the controller of every known client and returns how
// many changed hands.
func (c *Clients) Claim(version string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cl := range c.items {
		if cl.Controller != version {
			cl.Controller = version
			n++
		}
	}
	return n
}

// MatchAll returns every client, oldest first.
func (c *Clients) MatchAll() []Client {
	c.mu.Lock()
	out := make([]Client, 0, len(c.items))
	for _, cl := range c.items {
		out = append(out, *cl)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SeenAt.Before(out[j].SeenAt) })
	return out
}
