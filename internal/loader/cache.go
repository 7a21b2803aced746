package loader

import "sync"

// Cache memoizes resolved units by load key. Entries live until they are
// invalidated; there is no expiry.
type Cache interface {
	Get(key string) (Unit, bool)
	Put(key string, u Unit)
	Invalidate(key string)
	Clear()
}

type MemoryCache struct {
	mu    sync.RWMutex
	units map[string]Unit
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{units: map[string]Unit{}}
}

func (c *MemoryCache) Get(key string) (Unit, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.units[key]
	return u, ok
}

func (c *MemoryCache) Put(key string, u Unit) {
	c.mu.Lock()
	c.units[key] = u
	c.mu.Unlock()
}

func (c *MemoryCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.units, key)
	c.mu.Unlock()
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	c.units = map[string]Unit{}
	c.mu.Unlock()
}

func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.units)
}
