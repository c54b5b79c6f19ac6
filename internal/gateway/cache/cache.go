// Package cache is the in-process AI response cache. TTLs are fixed
// per category, reflecting how fast each kind of truth changes and how
// costly a miss is. Identical in-flight requests are collapsed to a
// single upstream computation.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Category partitions cached responses by lifetime.
type Category string

const (
	// CategoryExpensiveAnswer holds long-lived factual answers.
	CategoryExpensiveAnswer Category = "expensive_answer"
	// CategoryWebSearch holds web research results.
	CategoryWebSearch Category = "web_search"
	// CategoryContent holds generated content.
	CategoryContent Category = "content"
	// CategoryScoring holds numeric lead scores.
	CategoryScoring Category = "scoring"
)

var categoryTTL = map[Category]time.Duration{
	CategoryExpensiveAnswer: 24 * time.Hour,
	CategoryWebSearch:       6 * time.Hour,
	CategoryContent:         time.Hour,
	CategoryScoring:         15 * time.Minute,
}

// TTL returns the fixed lifetime for a category. Unknown categories
// get the shortest lifetime.
func TTL(c Category) time.Duration {
	if ttl, ok := categoryTTL[c]; ok {
		return ttl
	}
	return categoryTTL[CategoryScoring]
}

// Key builds a deterministic cache key from category, tenant, and
// content. The content hash makes the key independent of how the
// request was assembled.
func Key(c Category, tenantID, content string) string {
	hash := sha256.Sum256([]byte(content))
	return string(c) + ":" + tenantID + ":" + hex.EncodeToString(hash[:])[:24]
}

type entry struct {
	value     any
	category  Category
	expiresAt time.Time
	hits      int
}

// Stats reports cache performance.
type Stats struct {
	Entries    int
	Hits       int64
	Misses     int64
	ByCategory map[Category]int
}

// Cache is a process-local TTL cache with single-flight deduplication.
// In a multi-instance deployment each instance keeps independent
// state; correctness is guaranteed per instance, not cluster-wide.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	group      singleflight.Group
	maxEntries int
	hits       int64
	misses     int64
	now        func() time.Time
}

const evictionHeadroom = 200

// New creates a Cache holding at most maxEntries entries.
func New(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = 2000
	}
	return &Cache{
		entries:    make(map[string]*entry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns a live cached value and bumps its hit count. Entries are
// never served past expiry.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}

	e.hits++
	c.hits++
	return e.value, true
}

// Set stores a value under its category TTL, evicting at capacity.
func (c *Cache) Set(key string, value any, category Category) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}

	c.entries[key] = &entry{
		value:     value,
		category:  category,
		expiresAt: c.now().Add(TTL(category)),
	}
}

// GetOrCompute returns the cached value for key, or runs factory to
// produce it. Concurrent callers for the same key share exactly one
// in-flight computation and see one outcome, success or error. Errors
// are propagated to every waiter and never cached. The computation
// runs on a detached context: a waiter whose own context ends leaves
// with its context error, but the shared computation carries on for
// the callers still waiting and for the cache.
func (c *Cache) GetOrCompute(ctx context.Context, key string, category Category, factory func(ctx context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		// A concurrent computation may have stored the value between
		// the miss above and this call.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := factory(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.Set(key, v, category)
		return v, nil
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate removes a single key.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	return true
}

// InvalidateByCategory removes every entry of a category, optionally
// scoped to one tenant. Returns the number removed.
func (c *Cache) InvalidateByCategory(category Category, tenantID string) int {
	prefix := string(category) + ":"
	if tenantID != "" {
		prefix += tenantID + ":"
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Stats returns current cache statistics, counting only live entries
// per category.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	byCategory := make(map[Category]int)
	now := c.now()
	for _, e := range c.entries {
		if e.expiresAt.After(now) {
			byCategory[e.category]++
		}
	}
	return Stats{
		Entries:    len(c.entries),
		Hits:       c.hits,
		Misses:     c.misses,
		ByCategory: byCategory,
	}
}

// Clear empties the cache and resets counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.hits = 0
	c.misses = 0
}

// evictLocked drops expired entries first, then lowest-hit entries
// until enough headroom frees. Sorting every entry is acceptable only
// while eviction is rare; a true LFU structure would replace this if
// write rates grow.
func (c *Cache) evictLocked() {
	now := c.now()
	for key, e := range c.entries {
		if !e.expiresAt.After(now) {
			delete(c.entries, key)
		}
	}

	if len(c.entries) < c.maxEntries {
		return
	}

	type keyed struct {
		key  string
		hits int
	}
	sorted := make([]keyed, 0, len(c.entries))
	for key, e := range c.entries {
		sorted = append(sorted, keyed{key: key, hits: e.hits})
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].hits < sorted[j].hits })

	toRemove := len(c.entries) - c.maxEntries + evictionHeadroom
	if toRemove < 100 {
		toRemove = 100
	}
	for i := 0; i < toRemove && i < len(sorted); i++ {
		delete(c.entries, sorted[i].key)
	}
}
