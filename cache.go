package remotekit

import (
	"hash/fnv"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryCache is a sharded, bounded TTL cache for idempotent responses.
type InMemoryCache struct {
	shards      []*cacheShard
	numShards   int
	maxPerShard int
}

type cacheShard struct {
	mu    sync.RWMutex
	store map[string]*CacheEntry
}

// DefaultCacheCapacity bounds the total number of cached responses.
const DefaultCacheCapacity = 512

// NewInMemoryCache creates a cache bounded to DefaultCacheCapacity entries.
func NewInMemoryCache() *InMemoryCache {
	return NewInMemoryCacheWithCapacity(DefaultCacheCapacity)
}

// NewInMemoryCacheWithCapacity creates a cache bounded to capacity entries.
func NewInMemoryCacheWithCapacity(capacity int) *InMemoryCache {
	numShards := 16
	if capacity < numShards {
		numShards = 1
	}
	perShard := capacity / numShards
	if perShard < 1 {
		perShard = 1
	}
	shards := make([]*cacheShard, numShards)
	for i := range shards {
		shards[i] = &cacheShard{store: make(map[string]*CacheEntry)}
	}
	return &InMemoryCache{
		shards:      shards,
		numShards:   numShards,
		maxPerShard: perShard,
	}
}

func (c *InMemoryCache) getShard(key string) *cacheShard {
	hash := fnv.New32a()
	hash.Write([]byte(key))
	return c.shards[hash.Sum32()%uint32(c.numShards)]
}

// Get retrieves a valid cached entry. Expired entries are removed lazily.
func (c *InMemoryCache) Get(key string) (*CacheEntry, bool) {
	shard := c.getShard(key)
	shard.mu.RLock()
	entry, exists := shard.store[key]
	shard.mu.RUnlock()
	if !exists {
		return nil, false
	}

	if time.Now().After(entry.ExpiresAt) {
		shard.mu.Lock()
		// re-check: a fresher entry may have been stored meanwhile
		if cur, ok := shard.store[key]; ok && cur == entry {
			delete(shard.store, key)
		}
		shard.mu.Unlock()
		return nil, false
	}

	return entry, true
}

// Set stores a cache entry, evicting the earliest-expiring entry when the
// shard is at capacity.
func (c *InMemoryCache) Set(key string, entry *CacheEntry, ttl time.Duration) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry.StoredAt = time.Now()
	entry.ExpiresAt = entry.StoredAt.Add(ttl)

	if _, exists := shard.store[key]; !exists && len(shard.store) >= c.maxPerShard {
		shard.evictOldest()
	}
	shard.store[key] = entry
}

// evictOldest removes the entry closest to expiry. Caller holds the lock.
func (s *cacheShard) evictOldest() {
	var victim string
	var earliest time.Time
	for k, e := range s.store {
		if victim == "" || e.ExpiresAt.Before(earliest) {
			victim = k
			earliest = e.ExpiresAt
		}
	}
	if victim != "" {
		delete(s.store, victim)
	}
}

// Delete removes a cache entry
func (c *InMemoryCache) Delete(key string) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.store, key)
}

// Clear removes all cache entries
func (c *InMemoryCache) Clear() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.store = make(map[string]*CacheEntry)
		shard.mu.Unlock()
	}
}

// Len reports the current number of cached entries.
func (c *InMemoryCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.store)
		shard.mu.RUnlock()
	}
	return total
}

// responseFromCache materializes a Response from a cached entry. The body
// is copied so the cache never hands out a mutable reference.
func responseFromCache(entry *CacheEntry) *Response {
	body := make([]byte, len(entry.Body))
	copy(body, entry.Body)
	return &Response{
		StatusCode: entry.StatusCode,
		Header:     entry.Header.Clone(),
		Body:       body,
	}
}

// cacheEntryFromResponse snapshots a response into a cache entry,
// capturing the validator headers.
func cacheEntryFromResponse(resp *Response) *CacheEntry {
	body := make([]byte, len(resp.Body))
	copy(body, resp.Body)
	return &CacheEntry{
		Body:       body,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		ETag:       resp.Header.Get("ETag"),
	}
}

// DefaultCacheKeyFunc builds the cache key from method, path and
// normalized query parameters so equivalent URLs share one entry.
func DefaultCacheKeyFunc(req Request) string {
	path, query, _ := strings.Cut(req.Path, "?")

	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte(':')
	b.WriteString(path)

	if query != "" {
		params := strings.Split(query, "&")
		sort.Strings(params)
		b.WriteByte('?')
		b.WriteString(strings.Join(params, "&"))
	}

	return b.String()
}

// cacheableRequest reports whether a request is an idempotent read
// eligible for caching under its declared policy.
func cacheableRequest(req Request) bool {
	if req.CachePolicy != CacheElseLoad {
		return false
	}
	return req.Method == http.MethodGet || req.Method == http.MethodHead
}
