package syncer

import (
	"sync"
	"time"

	"calsync/internal/models"
)

// CacheEntry is one assembled, deduplicated event set. Entries are replaced
// wholesale, never partially mutated.
type CacheEntry struct {
	Events    []models.Event
	FetchedAt time.Time
	TTL       time.Duration
}

// Cache holds the most recent aggregation result with a TTL. A read inside
// the TTL window must never trigger a fetch; Invalidate guarantees the next
// read does.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	entry *CacheEntry
}

// NewCache creates a cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, now: time.Now}
}

// Get returns the cached entry if it is still within its TTL.
func (c *Cache) Get() (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entry == nil {
		return CacheEntry{}, false
	}
	if c.now().Sub(c.entry.FetchedAt) >= c.entry.TTL {
		return CacheEntry{}, false
	}
	return *c.entry, true
}

// GetStale returns whatever entry exists, expired or not. Used to serve a
// bounded-staleness response while a refresh is already in flight.
func (c *Cache) GetStale() (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entry == nil {
		return CacheEntry{}, false
	}
	return *c.entry, true
}

// Set atomically replaces the cached entry.
func (c *Cache) Set(events []models.Event, fetchedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entry = &CacheEntry{
		Events:    events,
		FetchedAt: fetchedAt,
		TTL:       c.ttl,
	}
}

// Invalidate drops the cached entry so the next read triggers a fetch.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = nil
}
