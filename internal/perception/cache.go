// Package perception implements the Perception Cache + Lifecycle Watcher
// (C3): TTL-bounded, prefix-invalidatable caches for resolved anchors and
// DOM/AX snapshots, kept consistent with page lifecycle via a watcher that
// drains Registry events.
package perception

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/soulbrowser/kernel/internal/ident"
)

const shardCount = 16

// entry is a single cached value with its expiry.
type entry struct {
	value   any
	expires time.Time
}

type shard struct {
	mu    sync.Mutex
	items map[string]entry
}

// Cache is a TTL-bounded cache keyed by a route-prefixed string, supporting
// O(shard) prefix invalidation by route. Reads never block writers to
// other shards; each shard serializes its own reads and writes, matching
// spec.md §4.3's "reads are lock-free, writes use per-shard locks" rule in
// spirit — here reads take the shard's lock only for the duration of the
// map lookup, never across an invalidation pass.
type Cache struct {
	ttl    time.Duration
	shards [shardCount]*shard
	now    func() time.Time
}

// NewCache constructs a Cache with the given TTL (spec.md default: 60s).
func NewCache(ttl time.Duration) *Cache {
	c := &Cache{ttl: ttl, now: time.Now}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]entry)}
	}
	return c
}

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Get returns the cached value for key if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok || c.now().After(e.expires) {
		return nil, false
	}
	return e.value, true
}

// Set stores value for key with the cache's configured TTL.
func (c *Cache) Set(key string, value any) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = entry{value: value, expires: c.now().Add(c.ttl)}
}

// InvalidateRoute removes every entry whose key is prefixed by route's
// string form, across all shards.
func (c *Cache) InvalidateRoute(route ident.ExecRoute) {
	prefix := route.String()
	for _, s := range c.shards {
		s.mu.Lock()
		for k := range s.items {
			if hasPrefix(k, prefix) {
				delete(s.items, k)
			}
		}
		s.mu.Unlock()
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// AnchorKey builds the AnchorCache key for a route and anchor fingerprint.
func AnchorKey(route ident.ExecRoute, anchorFingerprint string) string {
	return route.String() + "|" + anchorFingerprint
}

// SnapshotKey builds the SnapshotCache key for a route.
func SnapshotKey(route ident.ExecRoute) string {
	return route.String()
}
