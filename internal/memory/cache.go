package memory

import (
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v3"
)

type cacheEntry struct {
	value   string
	expires time.Time
}

// ttlCache is a size-bounded cache with a single TTL. Insertion order equals
// expiry order, so eviction and sweeping both work from the front.
type ttlCache struct {
	mu    sync.Mutex
	items *orderedmap.OrderedMap[uint64, cacheEntry]
	size  int
	ttl   time.Duration
	now   func() time.Time
}

func newTTLCache(size int, ttl time.Duration) *ttlCache {
	if size <= 0 {
		size = 1
	}
	return &ttlCache{
		items: orderedmap.NewOrderedMap[uint64, cacheEntry](),
		size:  size,
		ttl:   ttl,
		now:   time.Now,
	}
}

func (c *ttlCache) get(key uint64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items.Get(key)
	if !ok {
		return "", false
	}
	if !c.now().Before(e.expires) {
		c.items.Delete(key)
		return "", false
	}
	return e.value, true
}

func (c *ttlCache) set(key uint64, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Delete(key)
	c.items.Set(key, cacheEntry{value: value, expires: c.now().Add(c.ttl)})
	for c.items.Len() > c.size {
		c.items.Delete(c.items.Front().Key)
	}
}

// sweep drops expired entries and returns how many were removed.
func (c *ttlCache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for el := c.items.Front(); el != nil; {
		if now.Before(el.Value.expires) {
			break
		}
		next := el.Next()
		c.items.Delete(el.Key)
		removed++
		el = next
	}
	return removed
}

func (c *ttlCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}
