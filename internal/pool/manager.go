// Package pool manages the per-user exchange connections with TTL reuse,
// LRU eviction, and a failure circuit breaker.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"options-core/pkg/exchange"
)

var (
	ErrNoCredentials = errors.New("no credentials for user")
	ErrUserUnhealthy = errors.New("user connection is unhealthy")
	ErrPoolFull      = errors.New("connection pool is full")
)

// TokenProvider resolves the already-decrypted API token for a user. The
// engine never stores plaintext tokens itself; the secret store does.
type TokenProvider interface {
	Token(ctx context.Context, userID string) (string, error)
}

// TraderFactory creates an unauthorized Trader for the given endpoint.
type TraderFactory func(ctx context.Context) (exchange.Trader, error)

// CachedConn holds a Trader with metadata for lifecycle management.
type CachedConn struct {
	Trader    exchange.Trader
	UserID    string
	LoginID   string
	CreatedAt time.Time
	LastUsed  time.Time
	HealthyAt time.Time
	Failures  int
}

// Config holds configuration for the connection pool.
type Config struct {
	MaxSize          int           // Maximum number of cached connections (LRU eviction)
	TTL              time.Duration // Maximum age before a connection is recreated
	IdleTimeout      time.Duration // Time before an idle connection is removed
	FailureThreshold int           // Number of failures before marking unhealthy
	CircuitTimeout   time.Duration // Time to wait before retrying an unhealthy user
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		TTL:              10 * time.Minute,
		IdleTimeout:      30 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// Manager manages a pool of per-user Trader connections.
type Manager struct {
	mu       sync.RWMutex
	conns    map[string]*CachedConn // userID -> cached connection
	lruOrder []string               // LRU tracking (oldest first)

	config  Config
	tokens  TokenProvider
	factory TraderFactory

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a new connection pool.
func NewManager(tokens TokenProvider, factory TraderFactory, cfg Config) *Manager {
	return &Manager{
		conns:    make(map[string]*CachedConn),
		lruOrder: make([]string, 0),
		config:   cfg,
		tokens:   tokens,
		factory:  factory,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background idle-cleanup goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.IdleTimeout / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.EvictExpired()
			}
		}
	}()
}

// Stop gracefully shuts down the pool and closes all connections.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cached := range m.conns {
		_ = cached.Trader.Close()
		delete(m.conns, id)
	}
	m.lruOrder = nil
}

// GetOrCreate returns the cached Trader for a user, or dials and authorizes
// a fresh one. Connections older than the TTL or that have lost their socket
// are torn down and replaced.
func (m *Manager) GetOrCreate(ctx context.Context, userID string) (exchange.Trader, error) {
	m.mu.RLock()
	if cached, ok := m.conns[userID]; ok {
		// Circuit breaker: refuse until the cooldown elapses.
		if cached.Failures >= m.config.FailureThreshold {
			if time.Since(cached.HealthyAt) < m.config.CircuitTimeout {
				m.mu.RUnlock()
				return nil, ErrUserUnhealthy
			}
		}
		stale := time.Since(cached.CreatedAt) > m.config.TTL || !cached.Trader.IsConnected()
		m.mu.RUnlock()

		if !stale {
			m.touchLRU(userID)
			return cached.Trader, nil
		}
		// Fall through to recreate under the write lock.
	} else {
		m.mu.RUnlock()
	}

	return m.createConn(ctx, userID)
}

// createConn dials, authorizes, and caches a fresh connection.
func (m *Manager) createConn(ctx context.Context, userID string) (exchange.Trader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring the lock. Another goroutine may have
	// recreated the connection while we waited.
	if cached, ok := m.conns[userID]; ok {
		stale := time.Since(cached.CreatedAt) > m.config.TTL || !cached.Trader.IsConnected()
		if !stale {
			m.touchLRULocked(userID)
			return cached.Trader, nil
		}
		_ = cached.Trader.Close()
		delete(m.conns, userID)
		m.removeLRULocked(userID)
	}

	if len(m.conns) >= m.config.MaxSize {
		if !m.evictOldestLocked() {
			return nil, ErrPoolFull
		}
	}

	token, err := m.tokens.Token(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve token: %w", err)
	}
	if token == "" {
		return nil, ErrNoCredentials
	}

	trader, err := m.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("create trader: %w", err)
	}

	auth, err := trader.Authorize(ctx, token)
	if err != nil {
		_ = trader.Close()
		return nil, fmt.Errorf("authorize user %s: %w", userID, err)
	}

	now := time.Now()
	m.conns[userID] = &CachedConn{
		Trader:    trader,
		UserID:    userID,
		LoginID:   auth.LoginID,
		CreatedAt: now,
		LastUsed:  now,
		HealthyAt: now,
	}
	m.lruOrder = append(m.lruOrder, userID)
	log.Printf("[pool] new connection for user %s (login %s)", userID, auth.LoginID)

	return trader, nil
}

// Invalidate closes and removes a user's connection.
func (m *Manager) Invalidate(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.conns[userID]; ok {
		_ = cached.Trader.Close()
		delete(m.conns, userID)
		m.removeLRULocked(userID)
	}
}

// RecordFailure records a failure for a user's connection.
func (m *Manager) RecordFailure(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.conns[userID]; ok {
		cached.Failures++
		if cached.Failures == m.config.FailureThreshold {
			log.Printf("[pool] user %s marked unhealthy after %d failures", userID, cached.Failures)
		}
	}
}

// RecordSuccess resets the failure counter.
func (m *Manager) RecordSuccess(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.conns[userID]; ok {
		cached.Failures = 0
		cached.HealthyAt = time.Now()
	}
}

// EvictExpired removes connections idle longer than the idle timeout or
// older than the TTL.
func (m *Manager) EvictExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var toRemove []string
	for id, cached := range m.conns {
		if now.Sub(cached.LastUsed) > m.config.IdleTimeout || now.Sub(cached.CreatedAt) > m.config.TTL {
			toRemove = append(toRemove, id)
		}
	}

	for _, id := range toRemove {
		if cached, ok := m.conns[id]; ok {
			_ = cached.Trader.Close()
			delete(m.conns, id)
			m.removeLRULocked(id)
		}
	}
	if len(toRemove) > 0 {
		log.Printf("[pool] evicted %d expired connection(s)", len(toRemove))
	}
	return len(toRemove)
}

// Stats returns current pool statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		TotalConns: len(m.conns),
		MaxSize:    m.config.MaxSize,
	}
	for _, cached := range m.conns {
		if cached.Failures >= m.config.FailureThreshold {
			stats.UnhealthyCount++
		}
		if cached.Trader.IsConnected() {
			stats.ConnectedCount++
		}
	}
	return stats
}

// Stats contains connection pool statistics.
type Stats struct {
	TotalConns     int `json:"total_conns"`
	MaxSize        int `json:"max_size"`
	ConnectedCount int `json:"connected_count"`
	UnhealthyCount int `json:"unhealthy_count"`
}

// --- Internal helpers ---

func (m *Manager) touchLRU(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLRULocked(userID)
}

func (m *Manager) touchLRULocked(userID string) {
	if cached, ok := m.conns[userID]; ok {
		cached.LastUsed = time.Now()
	}
	for i, id := range m.lruOrder {
		if id == userID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, userID)
			break
		}
	}
}

func (m *Manager) removeLRULocked(userID string) {
	for i, id := range m.lruOrder {
		if id == userID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}
	oldestID := m.lruOrder[0]
	if cached, ok := m.conns[oldestID]; ok {
		_ = cached.Trader.Close()
		delete(m.conns, oldestID)
	}
	m.lruOrder = m.lruOrder[1:]
	return true
}
