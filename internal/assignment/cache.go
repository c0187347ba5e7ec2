// Package assignment resolves operator identities to the device name each
// identity controls, memoizing positive answers from the lookup service.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/Tris860/websocket-service/internal/metrics"
)

// ErrUnresolved is returned when an identity has no known assignment. It is
// never cached; the next Resolve retries the lookup.
var ErrUnresolved = errors.New("assignment: unresolved")

// Lookup is the external identity to device-name resolver.
type Lookup interface {
	LookupDevice(ctx context.Context, identity string) (string, error)
}

// Cache memoizes identity to device-name assignments.
//
// Entries expire after the configured TTL so that a reassignment on the
// backend is eventually observed; Invalidate drops one immediately.
type Cache struct {
	lookup  Lookup
	entries *expirable.LRU[string, string]
	group   singleflight.Group

	// mu orders Invalidate against lookups storing their answer.
	mu sync.Mutex
	// epoch advances on every Invalidate. A lookup only stores its answer
	// if no invalidation happened while it was in flight.
	epoch uint64
}

// NewCache creates a cache holding at most size entries (0 = unbounded) for
// ttl each (0 = no expiry).
func NewCache(lookup Lookup, size int, ttl time.Duration) *Cache {
	return &Cache{
		lookup:  lookup,
		entries: expirable.NewLRU[string, string](size, nil, ttl),
	}
}

// Resolve returns the device name assigned to identity. Concurrent misses for
// the same identity share one lookup call.
func (c *Cache) Resolve(ctx context.Context, identity string) (string, error) {
	if identity == "" {
		return "", ErrUnresolved
	}
	if name, ok := c.entries.Get(identity); ok {
		metrics.CacheResult("hit")
		return name, nil
	}
	metrics.CacheResult("miss")

	v, err, _ := c.group.Do(identity, func() (any, error) {
		started := c.currentEpoch()
		name, err := c.lookup.LookupDevice(ctx, identity)
		if err != nil {
			return "", err
		}
		if name == "" {
			return "", ErrUnresolved
		}
		c.store(identity, name, started)
		return name, nil
	})
	if err != nil {
		metrics.CacheResult("unresolved")
		if errors.Is(err, ErrUnresolved) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrUnresolved, err)
	}
	return v.(string), nil
}

// Peek returns a cached assignment without consulting the lookup service.
func (c *Cache) Peek(identity string) (string, bool) {
	return c.entries.Peek(identity)
}

// Invalidate drops the cached assignment for identity. A lookup already in
// flight will not store its answer, and the next Resolve starts a fresh
// lookup. It reports whether an entry was present.
func (c *Cache) Invalidate(identity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.group.Forget(identity)
	return c.entries.Remove(identity)
}

func (c *Cache) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// store caches name unless an Invalidate ran since started was read.
func (c *Cache) store(identity, name string, started uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != started {
		metrics.CacheResult("discarded")
		return
	}
	c.entries.Add(identity, name)
}

// Len returns the number of cached assignments.
func (c *Cache) Len() int {
	return c.entries.Len()
}
