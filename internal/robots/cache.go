// Package robots keeps the robots.txt directives consulted by the compliance
// gate and refreshes them from the network.
package robots

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

type cacheEntry struct {
	data      *robotstxt.RobotsData
	fetchedAt time.Time
}

// Cache stores parsed robots data per host. Entries older than the TTL are
// reported as unknown.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewCache builds a Cache whose entries expire after ttl. A non-positive ttl
// keeps entries forever.
func NewCache(ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     now,
	}
}

// Store replaces the directives for host.
func (c *Cache) Store(host string, data *robotstxt.RobotsData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[hostKey(host)] = cacheEntry{data: data, fetchedAt: c.now()}
}

// StoreResponse parses a robots.txt response and stores it for host. 4xx
// responses allow everything and 5xx responses disallow everything.
func (c *Cache) StoreResponse(host string, status int, body []byte) error {
	data, err := robotstxt.FromStatusAndBytes(status, body)
	if err != nil {
		return fmt.Errorf("parse robots for %s: %w", host, err)
	}
	c.Store(host, data)
	return nil
}

// Test reports whether userAgent may fetch path on host. known is false when
// the host has no fresh directives.
func (c *Cache) Test(host, path, userAgent string) (allowed bool, known bool) {
	c.mu.RLock()
	entry, ok := c.entries[hostKey(host)]
	c.mu.RUnlock()
	if !ok || c.expired(entry) {
		return false, false
	}
	if path == "" {
		path = "/"
	}
	group := entry.data.FindGroup(userAgent)
	if group == nil {
		return true, true
	}
	return group.Test(path), true
}

// Fresh reports whether host has unexpired directives.
func (c *Cache) Fresh(host string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[hostKey(host)]
	return ok && !c.expired(entry)
}

// Forget drops the directives for host.
func (c *Cache) Forget(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, hostKey(host))
}

func (c *Cache) expired(entry cacheEntry) bool {
	if c.ttl <= 0 {
		return false
	}
	return c.now().Sub(entry.fetchedAt) > c.ttl
}

func hostKey(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}
