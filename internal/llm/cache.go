package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// responseCache memoizes query responses by content hash with a TTL.
type responseCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	response Response
	storedAt time.Time
}

func newResponseCache(ttl time.Duration) *responseCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &responseCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func cacheKey(prompt, context, intelligenceLevel string) string {
	sum := sha256.Sum256([]byte(prompt + "|" + context + "|" + intelligenceLevel))
	return hex.EncodeToString(sum[:])
}

func (c *responseCache) get(key string) (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return Response{}, false
	}
	if c.now().Sub(entry.storedAt) > c.ttl {
		delete(c.entries, key)
		return Response{}, false
	}
	return entry.response, true
}

func (c *responseCache) put(key string, response Response) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{response: response, storedAt: c.now()}
	c.mu.Unlock()
}

func (c *responseCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
