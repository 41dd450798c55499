package cache

import (
	"context"
	"sync"
	"time"
)

// TTLCache is an in-process cache with expiry and least-recently-used
// eviction
type TTLCache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	maxEntries int64
	stats      Stats
	observer   Observer
	now        func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

type cacheEntry struct {
	value    []byte
	expires  time.Time
	accessed time.Time
}

// Stats counts cache activity
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int64 `json:"entries"`
}

// NewTTLCache creates a cache holding at most maxEntries views
func NewTTLCache(maxEntries int64, observer Observer) *TTLCache {
	if maxEntries < 1 {
		maxEntries = 256
	}
	c := &TTLCache{
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
		observer:   observer,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get retrieves a value if it has not expired
func (c *TTLCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || c.now().After(entry.expires) {
		c.stats.Misses++
		observe(c.observer, false)
		return nil, false, nil
	}

	entry.accessed = c.now()
	c.stats.Hits++
	observe(c.observer, true)
	return entry.value, true, nil
}

// Set stores a value for ttl
func (c *TTLCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && int64(len(c.entries)) >= c.maxEntries {
		c.evictLRU()
	}

	now := c.now()
	c.entries[key] = &cacheEntry{value: value, expires: now.Add(ttl), accessed: now}
	return nil
}

// Invalidate removes every entry
func (c *TTLCache) Invalidate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	return nil
}

// Stats returns a snapshot of the counters
func (c *TTLCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = int64(len(c.entries))
	return s
}

// Close stops the cleanup goroutine
func (c *TTLCache) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	return nil
}

// evictLRU removes the least recently used entry; caller holds the lock
func (c *TTLCache) evictLRU() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.accessed.Before(oldest) {
			oldestKey, oldest = key, entry.accessed
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.stats.Evictions++
	}
}

func (c *TTLCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *TTLCache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, key)
		}
	}
}
