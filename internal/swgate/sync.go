package swgate

import (
	"context"
	"log"
	"slices"
	"sort"
	"sync"
)

// Connectivity tracks whether the origin is reachable. Observations come from
// intercepted fetches and the probe loop; listeners run on every transition.
type Connectivity struct {
	mu        sync.Mutex
	online    bool
	listeners []func(online bool)
}

// NewConnectivity starts in the online state.
func NewConnectivity() *Connectivity {
	return &Connectivity{online: true}
}

func (c *Connectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *Connectivity) OnChange(fn func(online bool)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Observe records one reachability observation.
func (c *Connectivity) Observe(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	ls := slices.Clone(c.listeners)
	c.mu.Unlock()

	if online {
		log.Printf("connectivity: origin reachable again")
	} else {
		log.Printf("connectivity: origin unreachable")
	}
	for _, fn := range ls {
		fn(online)
	}
}

// SyncFunc runs the handler for one sync tag.
type SyncFunc func(ctx context.Context, tag string) error

// SyncManager holds sync tags requested by pages and fires them once the
// origin is reachable. A tag whose handler fails stays registered.
type SyncManager struct {
	fire SyncFunc
	conn *Connectivity

	base context.Context
	wg   sync.WaitGroup

	mu      sync.Mutex
	pending map[string]struct{}
	closed  bool
}

// NewSyncManager wires fire to conn: every offline to online transition fires
// the pending tags in the background, bound to base.
func NewSyncManager(base context.Context, conn *Connectivity, fire SyncFunc) *SyncManager {
	s := &SyncManager{
		fire:    fire,
		conn:    conn,
		base:    base,
		pending: map[string]struct{}{},
	}
	conn.OnChange(func(online bool) {
		if online {
			s.fireAsync()
		}
	})
	return s
}

// Register requests a sync for tag. While online it fires right away (in the
// background); otherwise it waits for connectivity to return.
func (s *SyncManager) Register(tag string) {
	s.mu.Lock()
	s.pending[tag] = struct{}{}
	s.mu.Unlock()
	if s.conn.Online() {
		s.fireAsync()
	}
}

// Pending lists the registered tags.
func (s *SyncManager) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pending))
	for t := range s.pending {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// FirePending runs every pending tag now and returns how many succeeded.
func (s *SyncManager) FirePending(ctx context.Context) int {
	s.mu.Lock()
	tags := make([]string, 0, len(s.pending))
	for t := range s.pending {
		tags = append(tags, t)
	}
	s.pending = map[string]struct{}{}
	s.mu.Unlock()
	sort.Strings(tags)

	ok := 0
	for _, tag := range tags {
		if err := s.fire(ctx, tag); err != nil {
			log.Printf("sync %q failed, will retry on next trigger: %v", tag, err)
			s.mu.Lock()
			s.pending[tag] = struct{}{}
			s.mu.Unlock()
			continue
		}
		ok++
	}
	return ok
}

func (s *SyncManager) fireAsync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.base.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.FirePending(s.base)
	}()
}

// Wait blocks until background firings have finished.
func (s *SyncManager) Wait() { s.wg.Wait() }

// Close stops new background firings and waits for running ones. Pending
// tags stay registered.
func (s *SyncManager) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}
