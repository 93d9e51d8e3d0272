// Package signal receives external directional signals, deduplicates them,
// and fans the resulting trade out across all eligible users in bounded
// batches.
package signal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	concpool "github.com/sourcegraph/conc/pool"

	"options-core/internal/monitor"
	"options-core/pkg/db"
	"options-core/pkg/exchange"
)

var ErrInvalidDirection = errors.New("signal direction must be RISE or FALL")

// Store is the slice of the relational store the dispatcher needs.
// *db.Database satisfies it.
type Store interface {
	CreateSignal(ctx context.Context, s db.Signal) error
	FindRecentSignal(ctx context.Context, signalType, rawText string, since time.Time) (*db.Signal, error)
	UpdateSignalOutcome(ctx context.Context, id string, total, successes, failures int, executionMs int64) error
	ListSignals(ctx context.Context, limit, offset int) ([]db.Signal, error)
	GetSignalStats(ctx context.Context, from, to time.Time) (db.SignalStats, error)
	ListEligibleUsers(ctx context.Context) ([]db.User, error)
	GetLiveSession(ctx context.Context, userID string) (*db.TradingSession, error)
}

// Executor is the shared single-trade path. *session.Manager satisfies it.
type Executor interface {
	ExecuteTrade(ctx context.Context, userID, asset, direction string, stake float64) (*db.Trade, error)
}

// Config holds the dispatcher tunables.
type Config struct {
	DedupWindow  time.Duration
	BatchSize    int
	BatchTimeout time.Duration
	DefaultAsset string // used when neither asset nor rawText names one
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DedupWindow:  5 * time.Second,
		BatchSize:    10,
		BatchTimeout: 2 * time.Minute,
		DefaultAsset: "R_100",
	}
}

// UserResult is one user's fan-out outcome.
type UserResult struct {
	UserID  string `json:"user_id"`
	TradeID string `json:"trade_id,omitempty"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// Result is the aggregate outcome of one received signal.
type Result struct {
	SignalID    string       `json:"signal_id"`
	Duplicate   bool         `json:"duplicate"`
	TotalUsers  int          `json:"total_users"`
	Successes   int          `json:"successes"`
	Failures    int          `json:"failures"`
	ExecutionMs int64        `json:"execution_ms"`
	Results     []UserResult `json:"results,omitempty"`
}

// Dispatcher receives signals and fans trades out to eligible users.
type Dispatcher struct {
	store    Store
	executor Executor
	metrics  *monitor.SystemMetrics
	cfg      Config

	now func() time.Time
}

// NewDispatcher creates a signal dispatcher. metrics may be nil.
func NewDispatcher(store Store, executor Executor, metrics *monitor.SystemMetrics, cfg Config) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	return &Dispatcher{
		store:    store,
		executor: executor,
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Receive validates and persists a signal, then executes it for every
// eligible user. A signal repeating an identical (type, rawText) pair inside
// the dedup window is not re-executed; the original's id is returned.
func (d *Dispatcher) Receive(ctx context.Context, signalType, asset, source, rawText string) (*Result, error) {
	signalType = strings.ToUpper(strings.TrimSpace(signalType))
	direction, err := directionFor(signalType)
	if err != nil {
		return nil, err
	}

	if d.metrics != nil {
		d.metrics.IncrementSignals()
	}

	since := d.now().Add(-d.cfg.DedupWindow)
	if prior, err := d.store.FindRecentSignal(ctx, signalType, rawText, since); err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	} else if prior != nil {
		log.Printf("[signal] duplicate %s within window, returning %s", signalType, prior.ID)
		return &Result{
			SignalID:    prior.ID,
			Duplicate:   true,
			TotalUsers:  prior.TotalUsers,
			Successes:   prior.Successes,
			Failures:    prior.Failures,
			ExecutionMs: prior.ExecutionMs,
		}, nil
	}

	if asset == "" {
		asset = assetFromRaw(rawText)
	}
	if asset == "" {
		asset = d.cfg.DefaultAsset
	}

	sig := db.Signal{
		ID:         uuid.New().String(),
		Type:       signalType,
		Asset:      asset,
		Source:     source,
		RawText:    rawText,
		ReceivedAt: d.now(),
	}
	if err := d.store.CreateSignal(ctx, sig); err != nil {
		return nil, fmt.Errorf("persist signal: %w", err)
	}

	users, err := d.eligibleUsers(ctx)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	results := d.fanOut(ctx, users, asset, direction)
	elapsed := time.Since(started).Milliseconds()

	res := &Result{
		SignalID:    sig.ID,
		TotalUsers:  len(users),
		ExecutionMs: elapsed,
		Results:     results,
	}
	for _, r := range results {
		if r.OK {
			res.Successes++
		} else {
			res.Failures++
		}
	}

	if err := d.store.UpdateSignalOutcome(ctx, sig.ID, res.TotalUsers, res.Successes, res.Failures, elapsed); err != nil {
		return nil, fmt.Errorf("persist signal outcome: %w", err)
	}
	log.Printf("[signal] %s %s: %d users, %d ok, %d failed in %dms",
		signalType, asset, res.TotalUsers, res.Successes, res.Failures, elapsed)
	return res, nil
}

// eligibleUsers returns active, bot-enabled users with a credential and an
// ACTIVE session.
func (d *Dispatcher) eligibleUsers(ctx context.Context) ([]db.User, error) {
	candidates, err := d.store.ListEligibleUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users := candidates[:0]
	for _, u := range candidates {
		sess, err := d.store.GetLiveSession(ctx, u.ID)
		if err != nil {
			return nil, fmt.Errorf("check session for %s: %w", u.ID, err)
		}
		if sess != nil && sess.State == db.SessionActive {
			users = append(users, u)
		}
	}
	return users, nil
}

// fanOut executes the trade for every user in fixed-size batches. Outcomes
// are collected independently; one user's failure never affects another.
func (d *Dispatcher) fanOut(ctx context.Context, users []db.User, asset, direction string) []UserResult {
	results := make([]UserResult, 0, len(users))
	var mu sync.Mutex

	for start := 0; start < len(users); start += d.cfg.BatchSize {
		end := start + d.cfg.BatchSize
		if end > len(users) {
			end = len(users)
		}
		batch := users[start:end]

		batchCtx := ctx
		var cancel context.CancelFunc
		if d.cfg.BatchTimeout > 0 {
			batchCtx, cancel = context.WithTimeout(ctx, d.cfg.BatchTimeout)
		}

		p := concpool.New().WithMaxGoroutines(d.cfg.BatchSize)
		for _, u := range batch {
			u := u
			p.Go(func() {
				r := UserResult{UserID: u.ID}
				trade, err := d.executor.ExecuteTrade(batchCtx, u.ID, asset, direction, 0)
				if err != nil {
					r.Error = err.Error()
					log.Printf("[signal] user %s: execute failed: %v", u.ID, err)
				} else {
					r.OK = true
					r.TradeID = trade.ID
				}
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			})
		}
		p.Wait()
		if cancel != nil {
			cancel()
		}
	}
	return results
}

// History returns persisted signals, newest first.
func (d *Dispatcher) History(ctx context.Context, limit, offset int) ([]db.Signal, error) {
	if limit <= 0 {
		limit = 50
	}
	return d.store.ListSignals(ctx, limit, offset)
}

// Stats returns aggregate signal statistics over a time range.
func (d *Dispatcher) Stats(ctx context.Context, from, to time.Time) (db.SignalStats, error) {
	return d.store.GetSignalStats(ctx, from, to)
}

// directionFor maps the two-valued signal type onto a contract direction.
func directionFor(signalType string) (string, error) {
	switch signalType {
	case "RISE":
		return string(exchange.ContractCall), nil
	case "FALL":
		return string(exchange.ContractPut), nil
	default:
		return "", ErrInvalidDirection
	}
}

// assetFromRaw pulls the leading symbol out of a raw "SYMBOL,DIRECTION"
// payload, falling back to empty when the shape is unrecognized.
func assetFromRaw(rawText string) string {
	head, _, found := strings.Cut(rawText, ",")
	if !found {
		return ""
	}
	return strings.TrimSpace(head)
}
