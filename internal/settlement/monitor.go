// Package settlement reconciles pending contracts to their terminal outcome
// with bounded retries. Each sweep processes a batch of due trades; checks
// are independent, so one failing contract never aborts the batch.
package settlement

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"

	"options-core/internal/events"
	"options-core/internal/monitor"
	"options-core/pkg/db"
	"options-core/pkg/exchange"
)

// Store is the slice of the relational store the monitor needs.
// *db.Database satisfies it.
type Store interface {
	DueMonitorEntries(ctx context.Context, olderThan time.Time, maxRetry, limit int) ([]db.MonitorJob, error)
	SettleTrade(ctx context.Context, id string, status db.TradeStatus, payout, profit float64, closedAt time.Time) (bool, error)
	BumpMonitorRetry(ctx context.Context, contractID int64, checkedAt time.Time) error
	CloseMonitorEntry(ctx context.Context, contractID int64, status string, checkedAt time.Time) error
	GetMonitorEntry(ctx context.Context, contractID int64) (*db.MonitorEntry, error)
}

// ConnPool hands out authorized per-user exchange clients.
type ConnPool interface {
	GetOrCreate(ctx context.Context, userID string) (exchange.Trader, error)
	RecordFailure(userID string)
	RecordSuccess(userID string)
}

// SessionRecorder applies settled outcomes to the owning session.
type SessionRecorder interface {
	RecordSettlement(ctx context.Context, userID, sessionID string, won bool, profit float64) error
}

// Config holds the settlement tunables.
type Config struct {
	MinAge       time.Duration // contracts need real time to resolve
	RetryLimit   int           // bump ceiling before force cancel
	Concurrency  int           // parallel contract checks per sweep
	BalanceDrops BalanceDropper
}

// BalanceDropper invalidates a user's cached balance after settlement.
// Optional; may be nil.
type BalanceDropper interface {
	Invalidate(userID string)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinAge:      30 * time.Second,
		RetryLimit:  5,
		Concurrency: 8,
	}
}

// Monitor reconciles pending trades against the upstream.
type Monitor struct {
	store    Store
	pool     ConnPool
	sessions SessionRecorder
	bus      *events.Bus
	metrics  *monitor.SystemMetrics
	cfg      Config

	now func() time.Time
}

// NewMonitor creates a settlement monitor. bus and metrics may be nil.
func NewMonitor(store Store, pool ConnPool, sessions SessionRecorder, bus *events.Bus, metrics *monitor.SystemMetrics, cfg Config) *Monitor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Monitor{
		store:    store,
		pool:     pool,
		sessions: sessions,
		bus:      bus,
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Sweep reconciles up to batchSize due contracts and returns how many
// reached a terminal state this pass. Individual check failures are logged
// and counted, never propagated, so the rest of the batch proceeds.
func (m *Monitor) Sweep(ctx context.Context, batchSize int) (int, error) {
	var timer *monitor.Timer
	if m.metrics != nil {
		timer = monitor.NewTimer(m.metrics.SweepLatency)
		defer timer.Stop()
	}

	olderThan := m.now().Add(-m.cfg.MinAge)
	jobs, err := m.store.DueMonitorEntries(ctx, olderThan, m.cfg.RetryLimit, batchSize)
	if err != nil {
		return 0, fmt.Errorf("select due contracts: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	var settled int64
	p := concpool.New().WithMaxGoroutines(m.cfg.Concurrency)
	for _, job := range jobs {
		job := job
		p.Go(func() {
			if m.reconcile(ctx, job) {
				atomic.AddInt64(&settled, 1)
			}
		})
	}
	p.Wait()

	return int(atomic.LoadInt64(&settled)), nil
}

// reconcile checks one contract and reports whether it reached a terminal
// state this pass.
func (m *Monitor) reconcile(ctx context.Context, job db.MonitorJob) bool {
	contractID := job.Entry.ContractID
	userID := job.Entry.UserID

	// Another sweep may have settled the trade already; leave terminal
	// trades untouched.
	if job.Trade.Status.Terminal() {
		if err := m.store.CloseMonitorEntry(ctx, contractID, string(job.Trade.Status), m.now()); err != nil {
			log.Printf("[settlement] contract %d: close entry: %v", contractID, err)
		}
		return false
	}

	trader, err := m.pool.GetOrCreate(ctx, userID)
	if err != nil {
		m.handleCheckFailure(ctx, job, fmt.Errorf("acquire connection: %w", err))
		return false
	}

	info, err := trader.GetContractInfo(ctx, contractID)
	if err != nil {
		if exchange.IsConnectionErr(err) {
			m.pool.RecordFailure(userID)
		}
		if exchange.IsPermanent(err) {
			// The contract reference itself is invalid for this
			// credential. Retrying cannot help; cancel now.
			m.cancelTrade(ctx, job, fmt.Sprintf("permanent upstream rejection: %v", err))
			return true
		}
		m.handleCheckFailure(ctx, job, err)
		return false
	}
	m.pool.RecordSuccess(userID)

	if !info.Status.Terminal() {
		m.bump(ctx, job)
		return false
	}

	profit := info.Profit
	if profit == 0 {
		profit = info.SellPrice - info.BuyPrice
	}
	status := db.TradeLost
	won := false
	if info.Status == exchange.ContractWon || (info.Status == exchange.ContractSold && profit > 0) {
		status = db.TradeWon
		won = true
	}

	now := m.now()
	applied, err := m.store.SettleTrade(ctx, job.Trade.ID, status, info.Payout, profit, now)
	if err != nil {
		log.Printf("[settlement] contract %d: settle trade: %v", contractID, err)
		return false
	}
	if err := m.store.CloseMonitorEntry(ctx, contractID, string(status), now); err != nil {
		log.Printf("[settlement] contract %d: close entry: %v", contractID, err)
	}
	if !applied {
		// The trade was already terminal; nothing more to apply.
		return false
	}

	if err := m.sessions.RecordSettlement(ctx, userID, job.Trade.SessionID, won, profit); err != nil {
		log.Printf("[settlement] contract %d: record settlement: %v", contractID, err)
	}
	if m.cfg.BalanceDrops != nil {
		m.cfg.BalanceDrops.Invalidate(userID)
	}
	if m.metrics != nil {
		m.metrics.IncrementSettlements()
	}
	if m.bus != nil {
		m.bus.Publish(events.EventTradeSettled, events.TradeSettled{
			UserID:  userID,
			TradeID: job.Trade.ID,
			Status:  string(status),
			Profit:  profit,
			At:      now,
		})
	}
	log.Printf("[settlement] contract %d: %s, profit %.2f", contractID, status, profit)
	return true
}

// handleCheckFailure treats an error as transient: bump the retry counter,
// force-cancelling once the ceiling is reached.
func (m *Monitor) handleCheckFailure(ctx context.Context, job db.MonitorJob, cause error) {
	if m.metrics != nil {
		m.metrics.IncrementErrors()
	}
	log.Printf("[settlement] contract %d: check failed (retry %d): %v", job.Entry.ContractID, job.Entry.RetryCount+1, cause)
	m.bump(ctx, job)
}

// bump increments the retry counter and force-cancels the trade once the
// counter reaches the ceiling, so unresolved state stays bounded.
func (m *Monitor) bump(ctx context.Context, job db.MonitorJob) {
	if err := m.store.BumpMonitorRetry(ctx, job.Entry.ContractID, m.now()); err != nil {
		log.Printf("[settlement] contract %d: bump retry: %v", job.Entry.ContractID, err)
		return
	}
	if job.Entry.RetryCount+1 >= m.cfg.RetryLimit {
		m.cancelTrade(ctx, job, fmt.Sprintf("retry ceiling (%d) reached", m.cfg.RetryLimit))
	}
}

// cancelTrade marks the trade cancelled and closes its monitor entry.
func (m *Monitor) cancelTrade(ctx context.Context, job db.MonitorJob, reason string) {
	now := m.now()
	applied, err := m.store.SettleTrade(ctx, job.Trade.ID, db.TradeCancelled, 0, 0, now)
	if err != nil {
		log.Printf("[settlement] contract %d: cancel trade: %v", job.Entry.ContractID, err)
		return
	}
	if err := m.store.CloseMonitorEntry(ctx, job.Entry.ContractID, string(db.TradeCancelled), now); err != nil {
		log.Printf("[settlement] contract %d: close entry: %v", job.Entry.ContractID, err)
	}
	if applied {
		log.Printf("[settlement] contract %d: trade %s cancelled: %s", job.Entry.ContractID, job.Trade.ID, reason)
		if m.bus != nil {
			m.bus.Publish(events.EventTradeSettled, events.TradeSettled{
				UserID:  job.Entry.UserID,
				TradeID: job.Trade.ID,
				Status:  string(db.TradeCancelled),
				At:      now,
			})
		}
	}
}
