package x402escrow

import (
	"context"
	"sync"
	"time"
)

// SettlementCache deduplicates settle attempts for the same intent. A
// client that retries after a timeout must not trigger a second transfer,
// so completed responses are cached by intent hash for a TTL and
// concurrent attempts on one hash collapse onto the first in-flight call.
type SettlementCache struct {
	mu       sync.Mutex
	results  map[string]*SettleResponse
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

// NewSettlementCache creates a cache whose entries live for ttl.
func NewSettlementCache(ttl time.Duration) *SettlementCache {
	return &SettlementCache{
		results:  make(map[string]*SettleResponse),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

// CacheStatus is the outcome of a cache lookup.
type CacheStatus int

const (
	// CacheMiss means the caller should settle; the key is now in-flight.
	CacheMiss CacheStatus = iota
	// CacheHit means a previous settlement's response was returned.
	CacheHit
	// CacheInFlight means another goroutine is settling this intent.
	CacheInFlight
)

// CheckAndMark atomically looks up the key and, on a miss, marks it
// in-flight. A hit returns the cached response; in-flight returns the
// channel to wait on.
func (c *SettlementCache) CheckAndMark(key string) (CacheStatus, *SettleResponse, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, exists := c.expiry[key]; exists {
		if time.Now().Before(expiry) {
			if result, ok := c.results[key]; ok {
				return CacheHit, result, nil
			}
		}
		delete(c.results, key)
		delete(c.expiry, key)
	}

	if done, exists := c.inFlight[key]; exists {
		return CacheInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return CacheMiss, nil, done
}

// WaitForResult blocks until the in-flight settlement finishes or the
// context ends. A nil response means the in-flight attempt failed and the
// caller may retry.
func (c *SettlementCache) WaitForResult(ctx context.Context, key string, done chan struct{}) (*SettleResponse, error) {
	select {
	case <-done:
		return c.get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *SettlementCache) get(key string) *SettleResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, exists := c.expiry[key]
	if !exists {
		return nil
	}
	if time.Now().After(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return nil
	}
	return c.results[key]
}

// Complete caches the response, clears the in-flight marker, and wakes
// waiters.
func (c *SettlementCache) Complete(key string, response *SettleResponse, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[key] = response
	c.expiry[key] = time.Now().Add(c.ttl)
	delete(c.inFlight, key)
	close(done)

	now := time.Now()
	for k, exp := range c.expiry {
		if now.After(exp) {
			delete(c.results, k)
			delete(c.expiry, k)
		}
	}
}

// Fail clears the in-flight marker without caching, so the settlement can
// be retried, and wakes waiters.
func (c *SettlementCache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, key)
	close(done)
}
