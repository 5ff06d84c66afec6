package embeddings

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache stores embeddings keyed by CacheKey. Implementations treat every
// failure as a miss; a cache is never allowed to fail an embedding call.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, vec []float32)
}

// CacheKey returns the cache key for text embedded with modelName.
// Two seeded xxhash64 sums give a 128-bit key.
func CacheKey(modelName, text string) string {
	h1 := xxhash.NewS64(0)
	h1.Write([]byte(text)) //nolint:errcheck
	h2 := xxhash.NewS64(1)
	h2.Write([]byte(text)) //nolint:errcheck

	sum := make([]byte, 16)
	binary.LittleEndian.PutUint64(sum[0:], h1.Sum64())
	binary.LittleEndian.PutUint64(sum[8:], h2.Sum64())
	return "emb:" + modelName + ":" + hex.EncodeToString(sum)
}

// ── In-process cache ─────────────────────────────────────────────────────

type memoryEntry struct {
	vec       []float32
	expiresAt time.Time
}

func (e *memoryEntry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// MemoryCache is a thread-safe in-process TTL cache. Once maxEntries is
// reached, expired entries are swept before a new one is stored; if the
// cache is still full the write is dropped.
type MemoryCache struct {
	mu         sync.RWMutex
	entries    map[string]*memoryEntry
	ttl        time.Duration
	maxEntries int
}

// NewMemoryCache creates an in-process cache.
func NewMemoryCache(ttl time.Duration, maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &MemoryCache{
		entries:    make(map[string]*memoryEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || e.expired() {
		return nil, false
	}
	return e.vec, true
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked()
		if len(c.entries) >= c.maxEntries {
			return
		}
	}
	c.entries[key] = &memoryEntry{vec: vec, expiresAt: time.Now().Add(c.ttl)}
}

// Len returns the number of cached entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MemoryCache) evictLocked() {
	for k, e := range c.entries {
		if e.expired() {
			delete(c.entries, k)
		}
	}
}

// ── Redis cache ──────────────────────────────────────────────────────────

// RedisCache stores embeddings in Redis as little-endian float32 blobs.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{rdb: rdb, ttl: ttl, logger: logger}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("embedding cache read failed (non-fatal)", zap.Error(err))
		}
		return nil, false
	}
	vec, ok := decodeVector(raw)
	return vec, ok
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, vec []float32) {
	if err := c.rdb.Set(ctx, key, encodeVector(vec), c.ttl).Err(); err != nil {
		c.logger.Warn("embedding cache write failed (non-fatal)", zap.Error(err))
	}
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(raw []byte) ([]float32, bool) {
	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil, false
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return vec, true
}
