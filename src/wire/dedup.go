package wire

import "sync"

// DedupCache remembers the IDs of the last N messages seen by a node, so
// that duplicates arriving via different gossip paths are processed only
// once. It is a FIFO set: when full, inserting evicts the oldest ID.
type DedupCache struct {
	sync.Mutex
	ids   map[string]struct{}
	order []string
	head  int
	size  int
}

// NewDedupCache creates a DedupCache holding up to size IDs.
func NewDedupCache(size int) *DedupCache {
	if size <= 0 {
		size = 1
	}
	return &DedupCache{
		ids:   make(map[string]struct{}, size),
		order: make([]string, size),
		size:  size,
	}
}

// Seen reports whether id is currently in the cache.
func (c *DedupCache) Seen(id string) bool {
	c.Lock()
	defer c.Unlock()

	_, ok := c.ids[id]
	return ok
}

// Remember inserts id, evicting the oldest entry if the cache is full.
func (c *DedupCache) Remember(id string) {
	c.Lock()
	defer c.Unlock()

	c.remember(id)
}

// SeenOrRemember atomically tests for id and inserts it if absent. The
// receive path uses this single call so that a duplicate arriving
// concurrently on two links cannot be accepted twice.
func (c *DedupCache) SeenOrRemember(id string) bool {
	c.Lock()
	defer c.Unlock()

	if _, ok := c.ids[id]; ok {
		return true
	}
	c.remember(id)
	return false
}

// Len returns the number of IDs currently cached.
func (c *DedupCache) Len() int {
	c.Lock()
	defer c.Unlock()

	return len(c.ids)
}

func (c *DedupCache) remember(id string) {
	if _, ok := c.ids[id]; ok {
		return
	}

	if old := c.order[c.head]; old != "" {
		delete(c.ids, old)
	}

	c.order[c.head] = id
	c.head = (c.head + 1) % c.size
	c.ids[id] = struct{}{}
}
