// Package cache deduplicates identical turns over a short TTL. Entries
// live in memory for the fast path and are written through to the
// store so restarts keep recent entries.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL matches the dedup window for repeated questions.
const DefaultTTL = 5 * time.Minute

// Backing is the durable layer behind the in-memory map. CacheGet
// returns the expiry recorded at CachePut so rehydrated entries never
// outlive their original TTL.
type Backing interface {
	CacheGet(ctx context.Context, fingerprint string) (string, time.Time, bool, error)
	CachePut(ctx context.Context, fingerprint, response string, expiresAt time.Time) error
}

// Cache is a TTL response cache keyed by request fingerprint.
type Cache struct {
	backing Backing
	ttl     time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	mem   map[string]entry
	group singleflight.Group
}

type entry struct {
	response  string
	expiresAt time.Time
}

// New creates a cache. A non-positive ttl falls back to DefaultTTL.
func New(backing Backing, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		backing: backing,
		ttl:     ttl,
		logger:  logger,
		mem:     make(map[string]entry),
	}
}

// Fingerprint derives the dedup key for one turn. The question is
// normalized so trivial whitespace or casing differences still hit.
func Fingerprint(userID, mode, question, digestHash string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(question)), " ")
	normalized = strings.TrimRight(normalized, " ?!.")
	sum := sha256.Sum256([]byte(userID + "|" + mode + "|" + normalized + "|" + digestHash))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached response for a fingerprint if present and
// fresh. Backing-store errors degrade to a miss.
func (c *Cache) Get(ctx context.Context, fingerprint string) (string, bool) {
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.mem[fingerprint]; ok {
		if now.Before(e.expiresAt) {
			c.mu.Unlock()
			return e.response, true
		}
		delete(c.mem, fingerprint)
	}
	c.mu.Unlock()

	if c.backing == nil {
		return "", false
	}
	response, expiresAt, ok, err := c.backing.CacheGet(ctx, fingerprint)
	if err != nil {
		c.logger.Warn("cache backing read failed", zap.Error(err))
		return "", false
	}
	if !ok || !now.Before(expiresAt) {
		return "", false
	}
	// Memoize with the stored expiry, not a fresh TTL.
	c.mu.Lock()
	c.mem[fingerprint] = entry{response: response, expiresAt: expiresAt}
	c.mu.Unlock()
	return response, true
}

// Put stores a response under a fingerprint in memory and in the
// backing store.
func (c *Cache) Put(ctx context.Context, fingerprint, response string) {
	expiresAt := time.Now().Add(c.ttl)

	c.mu.Lock()
	c.mem[fingerprint] = entry{response: response, expiresAt: expiresAt}
	c.mu.Unlock()

	if c.backing == nil {
		return
	}
	if err := c.backing.CachePut(ctx, fingerprint, response, expiresAt); err != nil {
		c.logger.Warn("cache backing write failed", zap.Error(err))
	}
}

// Do serves a fingerprint from cache, or computes it exactly once per
// fingerprint even under concurrent misses. The bool reports a cache
// hit; a computed (or coalesced) result is not a hit.
func (c *Cache) Do(ctx context.Context, fingerprint string, compute func() (string, error)) (string, bool, error) {
	if response, ok := c.Get(ctx, fingerprint); ok {
		return response, true, nil
	}
	v, err, _ := c.group.Do(fingerprint, func() (any, error) {
		// Re-check: another goroutine may have populated between the
		// miss and the singleflight slot.
		if response, ok := c.Get(ctx, fingerprint); ok {
			return response, nil
		}
		response, err := compute()
		if err != nil {
			return "", err
		}
		c.Put(ctx, fingerprint, response)
		return response, nil
	})
	if err != nil {
		return "", false, err
	}
	return v.(string), false, nil
}
