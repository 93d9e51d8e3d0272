// Package balance provides per-user balance snapshot caching so that hot
// paths (risk checks, stats) do not hit the upstream on every read.
package balance

import (
	"context"
	"sync"
	"time"

	"options-core/pkg/exchange"
)

// Fetcher retrieves a live balance for a user from the upstream.
type Fetcher func(ctx context.Context, userID string) (*exchange.BalanceResult, error)

// Snapshot is a cached point-in-time balance.
type Snapshot struct {
	Balance   float64   `json:"balance"`
	Currency  string    `json:"currency"`
	FetchedAt time.Time `json:"fetched_at"`
}

type userEntry struct {
	mu       sync.Mutex
	snap     Snapshot
	valid    bool
	lastSeen time.Time
}

// Cache memoizes balance snapshots per user with a TTL.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*userEntry
	ttl     time.Duration
	fetch   Fetcher
}

// NewCache creates a balance cache. A non-positive ttl disables caching so
// every Get goes upstream.
func NewCache(ttl time.Duration, fetch Fetcher) *Cache {
	return &Cache{
		entries: make(map[string]*userEntry),
		ttl:     ttl,
		fetch:   fetch,
	}
}

func (c *Cache) entry(userID string) *userEntry {
	c.mu.RLock()
	e, ok := c.entries[userID]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[userID]; ok {
		return e
	}
	e = &userEntry{}
	c.entries[userID] = e
	return e
}

// Get returns the cached snapshot when it is still fresh, otherwise fetches
// a live balance. Concurrent callers for the same user share one fetch.
func (c *Cache) Get(ctx context.Context, userID string) (Snapshot, error) {
	e := c.entry(userID)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSeen = time.Now()

	if e.valid && c.ttl > 0 && time.Since(e.snap.FetchedAt) < c.ttl {
		return e.snap, nil
	}

	res, err := c.fetch(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	e.snap = Snapshot{
		Balance:   res.Balance,
		Currency:  res.Currency,
		FetchedAt: time.Now(),
	}
	e.valid = true
	return e.snap, nil
}

// Peek returns the cached snapshot without fetching, and whether it is
// fresh enough to use.
func (c *Cache) Peek(userID string) (Snapshot, bool) {
	c.mu.RLock()
	e, ok := c.entries[userID]
	c.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.valid || c.ttl <= 0 || time.Since(e.snap.FetchedAt) >= c.ttl {
		return Snapshot{}, false
	}
	return e.snap, true
}

// Invalidate drops the cached snapshot for a user. Called after every buy
// and sell so the next read reflects the settled balance.
func (c *Cache) Invalidate(userID string) {
	c.mu.RLock()
	e, ok := c.entries[userID]
	c.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.valid = false
	e.mu.Unlock()
}

// InvalidateAll drops every cached snapshot.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*userEntry)
}

// UserCount returns the number of users with a cache entry.
func (c *Cache) UserCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// CleanupIdle removes entries not read for longer than ttl.
func (c *Cache) CleanupIdle(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	for userID, e := range c.entries {
		e.mu.Lock()
		idle := e.lastSeen.Before(cutoff)
		e.mu.Unlock()
		if idle {
			delete(c.entries, userID)
		}
	}
}
