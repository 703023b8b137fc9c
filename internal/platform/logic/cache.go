package logic

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CacheKey identifies a computed rule Result.
type CacheKey struct {
	Token     string
	Patient   uuid.UUID
	Params    string
	IndexDate int64
}

func newCacheKey(token string, patient uuid.UUID, params Params, indexDate time.Time) CacheKey {
	return CacheKey{
		Token:     strings.ToLower(token),
		Patient:   patient,
		Params:    params.Key(),
		IndexDate: indexDate.UnixNano(),
	}
}

type resultEntry struct {
	result    Result
	expiresAt time.Time
}

// ResultCache is a TTL cache of rule Results. Expired entries are removed
// when read; there is no background eviction.
type ResultCache struct {
	mu      sync.RWMutex
	entries map[CacheKey]resultEntry
	now     func() time.Time
}

// NewResultCache creates an empty cache.
func NewResultCache() *ResultCache {
	return &ResultCache{
		entries: make(map[CacheKey]resultEntry),
		now:     time.Now,
	}
}

// Get returns a live entry, deleting it instead if it has expired.
func (c *ResultCache) Get(key CacheKey) (Result, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Result{}, false
	}
	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.expiresAt.Equal(entry.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return Result{}, false
	}
	return entry.result, true
}

// Set stores a Result for ttl. Non-positive TTLs and error Results are
// not stored.
func (c *ResultCache) Set(key CacheKey, r Result, ttl time.Duration) {
	if ttl <= 0 || r.Err() != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = resultEntry{result: r, expiresAt: c.now().Add(ttl)}
}

// Invalidate drops every entry for token.
func (c *ResultCache) Invalidate(token string) {
	token = strings.ToLower(token)
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.Token == token {
			delete(c.entries, k)
		}
	}
}

// Clear removes all entries.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[CacheKey]resultEntry)
}

// Len returns the number of stored entries, expired or not.
func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
