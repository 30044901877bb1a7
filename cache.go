package earnly

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// ============================================================================
// Query Cache
// ============================================================================

// MemoryCache is a small in-memory cache for GET responses. Keys are
// prefix-structured ("videos:/api/videos?limit=20") so realtime events can
// invalidate whole families of entries at once.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]json.RawMessage
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]json.RawMessage)}
}

func (c *MemoryCache) Get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.entries[key]
	return raw, ok
}

func (c *MemoryCache) Put(key string, value json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
}

// Invalidate removes every entry whose key starts with prefix.
func (c *MemoryCache) Invalidate(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]json.RawMessage)
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// cacheKey builds a deterministic cache key from the invalidation prefix,
// request path and query parameters.
func cacheKey(prefix, path string, query map[string]string) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte(':')
	b.WriteString(path)
	if len(query) > 0 {
		keys := make([]string, 0, len(query))
		for k := range query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sep := byte('?')
		for _, k := range keys {
			b.WriteByte(sep)
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(query[k])
			sep = '&'
		}
	}
	return b.String()
}

// ============================================================================
// Realtime Invalidation
// ============================================================================

// cacheInvalidations maps realtime event types to the cache key prefixes they
// stale. payment.status also drops the balance because a settled payout
// changes the available amount.
var cacheInvalidations = map[string][]string{
	"notification.new":   {"notifications"},
	"notification.read":  {"notifications"},
	"payment.status":     {"payments", "balance"},
	"survey.progress":    {"surveys"},
	"video.like":         {"videos"},
	"video.view":         {"videos"},
	"question.response":  {"questions"},
	"question.vote":      {"questions"},
	"livestream.started": {"livestreams"},
	"livestream.ended":   {"livestreams"},
	"livestream.viewers": {"livestreams"},
}

// BindCache subscribes the cache to the realtime client so incoming events
// evict the query results they make stale. The returned function detaches
// all subscriptions.
func BindCache(rt *RealtimeClient, cache *MemoryCache) func() {
	unsubs := make([]func(), 0, len(cacheInvalidations))
	for eventType, prefixes := range cacheInvalidations {
		prefixes := prefixes
		unsubs = append(unsubs, rt.On(eventType, func(any) {
			for _, prefix := range prefixes {
				cache.Invalidate(prefix)
			}
		}))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
