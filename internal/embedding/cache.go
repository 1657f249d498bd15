package embedding

import (
	"container/list"
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// cacheEntry pairs a hash key with its embedding vector and expiry in the
// LRU list.
type cacheEntry struct {
	key     uint64
	vec     []float32
	expires time.Time
}

// lruTTLCache is a bounded LRU cache with a per-entry TTL, keyed by
// hash(text) as spec §4.C requires. Grounded on the teacher's
// embedding.CachedEmbedder, extended with TTL expiry and hit/miss counters.
type lruTTLCache struct {
	maxSize int
	ttl     time.Duration

	mu    sync.Mutex
	cache map[uint64]*list.Element
	order *list.List

	hits   metric.Int64Counter
	misses metric.Int64Counter
}

func newLRUTTLCache(maxSize int, ttl time.Duration) *lruTTLCache {
	meter := otel.Meter("hcsr/embedding")
	hits, _ := meter.Int64Counter("embedding_cache_hits_total")
	misses, _ := meter.Int64Counter("embedding_cache_misses_total")

	return &lruTTLCache{
		maxSize: maxSize,
		ttl:     ttl,
		cache:   make(map[uint64]*list.Element, maxSize),
		order:   list.New(),
		hits:    hits,
		misses:  misses,
	}
}

// get returns the cached vector for text, if present and unexpired.
func (c *lruTTLCache) get(ctx context.Context, text string) ([]float32, bool) {
	key := hashText(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.cache[key]
	if !ok {
		c.misses.Add(ctx, 1)
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.ttl > 0 && time.Now().After(entry.expires) {
		c.order.Remove(elem)
		delete(c.cache, key)
		c.misses.Add(ctx, 1)
		return nil, false
	}

	c.order.MoveToBack(elem)
	c.hits.Add(ctx, 1)
	return entry.vec, true
}

// put inserts or refreshes a cache entry, evicting the least-recently-used
// entry if at capacity.
func (c *lruTTLCache) put(text string, vec []float32) {
	if c.maxSize <= 0 {
		return
	}
	key := hashText(text)
	expires := timeMax
	if c.ttl > 0 {
		expires = time.Now().Add(c.ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.cache[key]; exists {
		c.order.MoveToBack(elem)
		e := elem.Value.(*cacheEntry)
		e.vec = vec
		e.expires = expires
		return
	}

	if c.order.Len() >= c.maxSize {
		oldest := c.order.Front()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.cache, oldest.Value.(*cacheEntry).key)
		}
	}

	elem := c.order.PushBack(&cacheEntry{key: key, vec: vec, expires: expires})
	c.cache[key] = elem
}

var timeMax = time.Unix(1<<62, 0)

func hashText(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
