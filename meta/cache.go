// Package meta caches backend file records and deduplicates the
// lookups that populate it.
package meta

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/blackhillsinfosec/cryptproxy/log"
)

// FileRecord describes one backend entry.
type FileRecord struct {
	// BackendPath is the logical path at the backend, access prefixes
	// removed. It is the cache key.
	BackendPath string `json:"backend_path"`
	// DisplayName is the name shown to clients.
	DisplayName string `json:"display_name"`
	Size        int64  `json:"size"`
	IsDirectory bool   `json:"is_dir"`
}

// Key normalizes a backend path into a cache key.
func Key(backendPath string) string {
	if backendPath == "" {
		return "/"
	}
	if backendPath[0] != '/' {
		backendPath = "/" + backendPath
	}
	return path.Clean(backendPath)
}

type cacheEntry struct {
	rec     FileRecord
	expires time.Time
}

// Cache is a concurrency-safe store of FileRecords keyed by backend
// path. Writes replace whole records; concurrent writers of one key
// resolve as last-write-wins.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewCache returns a Cache whose entries expire after ttl. A ttl of
// zero or less disables expiry.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns a copy of the record cached for backendPath.
func (c *Cache) Get(backendPath string) (FileRecord, bool) {
	c.mu.RLock()
	e, ok := c.entries[Key(backendPath)]
	c.mu.RUnlock()
	if !ok || c.expired(e) {
		return FileRecord{}, false
	}
	return e.rec, true
}

// Put stores rec, overwriting any previous record for its path.
func (c *Cache) Put(rec FileRecord) {
	rec.BackendPath = Key(rec.BackendPath)
	e := cacheEntry{rec: rec}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[rec.BackendPath] = e
	c.mu.Unlock()
}

// Invalidate drops the record for backendPath and reports whether one
// was held.
func (c *Cache) Invalidate(backendPath string) bool {
	k := Key(backendPath)
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[k]
	delete(c.entries, k)
	return ok
}

// Flush drops every record and returns how many were held.
func (c *Cache) Flush() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]cacheEntry)
	return n
}

// Sweep removes expired records and returns how many were removed.
func (c *Cache) Sweep() (removed int) {
	if c.ttl <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	if c.ttl <= 0 || interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := c.Sweep(); n > 0 {
				log.DEBUG.Printf("Swept %d expired file records", n)
			}
		}
	}
}

// Len returns the number of held records, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns the live records sorted by path.
func (c *Cache) Snapshot() []FileRecord {
	c.mu.RLock()
	out := make([]FileRecord, 0, len(c.entries))
	for _, e := range c.entries {
		if !c.expired(e) {
			out = append(out, e.rec)
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].BackendPath < out[j].BackendPath })
	return out
}

func (c *Cache) expired(e cacheEntry) bool {
	return !e.expires.IsZero() && c.now().After(e.expires)
}
