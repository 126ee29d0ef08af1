package server

import (
	"container/list"
	"sync"
)

// resumeCacheCap bounds the TLS session ticket cache. Least recently used
// entries are evicted first; a lost ticket only costs the client a full
// handshake.
const resumeCacheCap = 1024

// resumeCache is the supervisor-side TLS session ticket store serving the
// workers' resume commands. Keys are opaque session ids from the TLS
// stack.
type resumeCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type resumeEntry struct {
	key  string
	data []byte
}

func newResumeCache() *resumeCache {
	return &resumeCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Store inserts or refreshes a ticket, evicting the least recently used
// entry beyond capacity.
func (c *resumeCache) Store(key, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := string(key)
	if el, ok := c.entries[k]; ok {
		el.Value.(*resumeEntry).data = append([]byte(nil), data...)
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&resumeEntry{
		key:  k,
		data: append([]byte(nil), data...),
	})
	c.entries[k] = el

	for c.order.Len() > resumeCacheCap {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*resumeEntry).key)
	}
}

// Fetch returns the stored ticket data, or nil.
func (c *resumeCache) Fetch(key []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[string(key)]
	if !ok {
		return nil
	}
	c.order.MoveToFront(el)
	return el.Value.(*resumeEntry).data
}

// Delete removes a ticket.
func (c *resumeCache) Delete(key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := string(key)
	if el, ok := c.entries[k]; ok {
		c.order.Remove(el)
		delete(c.entries, k)
	}
}

// Len returns the number of cached tickets.
func (c *resumeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.order.Len()
}
