package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"secure-code-sandbox/internal/engine"
)

// Clock abstracts time for cache expiry so tests can advance it.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type cacheEntry struct {
	result   Result
	storedAt time.Time
}

// resultCache is a TTL-expiring map of finalized results keyed by the
// request fingerprint. The orchestrator owns it; nothing else touches it.
type resultCache struct {
	ttl   time.Duration
	clock Clock

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newResultCache(ttl time.Duration, clock Clock) *resultCache {
	if clock == nil {
		clock = systemClock{}
	}
	return &resultCache{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]cacheEntry),
	}
}

// cacheKey fingerprints everything that determines an execution's
// outcome: language, code, the replayed inputs, and the limits.
func cacheKey(lang string, code string, inputs []string, limits engine.Limits) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00", lang, code)
	for _, in := range inputs {
		h.Write([]byte(in))
		h.Write([]byte{0})
	}
	fmt.Fprintf(h, "%d|%d|%d|%d|%d|%d|%d",
		limits.MaxMemoryMB, limits.MaxCPUTimeMs, limits.MaxWallClockMs,
		limits.MaxOutputBytes, limits.MaxNetworkRequests, limits.MaxDomMutations,
		limits.MaxRecursionDepth)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *resultCache) get(key string) (Result, bool) {
	if c.ttl <= 0 {
		return Result{}, false
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Result{}, false
	}
	if now.Sub(e.storedAt) > c.ttl {
		delete(c.entries, key)
		return Result{}, false
	}
	return e.result, true
}

func (c *resultCache) put(key string, r Result) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{result: r, storedAt: c.clock.Now()}
	overgrown := len(c.entries) > 256
	c.mu.Unlock()

	if overgrown {
		c.purge()
	}
}

// purge removes all expired entries. Called opportunistically on writes
// once the map grows past a small bound.
func (c *resultCache) purge() {
	now := c.clock.Now()
	c.mu.Lock()
	for k, e := range c.entries {
		if now.Sub(e.storedAt) > c.ttl {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// shortKey truncates a fingerprint for log fields.
func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
