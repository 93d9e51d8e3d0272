// Package session implements the per-user trading session state machine:
// start/stop lifecycle, scheduled ticks, daily profit and loss limits, and
// the shared single-trade execution path.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"options-core/internal/events"
	"options-core/internal/monitor"
	"options-core/pkg/db"
	"options-core/pkg/exchange"
)

var (
	ErrSessionActive      = errors.New("session already active")
	ErrSessionStarting    = errors.New("session already starting")
	ErrNoActiveSession    = errors.New("no active session")
	ErrLimitReached       = errors.New("daily limit reached")
	ErrInvariantViolation = errors.New("multiple live sessions for one user")
)

// Store is the slice of the relational store the session manager needs.
// *db.Database satisfies it.
type Store interface {
	CreateSession(ctx context.Context, s db.TradingSession) error
	UpdateSession(ctx context.Context, s db.TradingSession) error
	GetSessionByID(ctx context.Context, id string) (*db.TradingSession, error)
	GetLiveSession(ctx context.Context, userID string) (*db.TradingSession, error)
	CountLiveSessions(ctx context.Context, userID string) (int, error)
	CreateTrade(ctx context.Context, t db.Trade) error
	CountOpenContracts(ctx context.Context, userID string) (int, error)
	CreateMonitorEntry(ctx context.Context, e db.MonitorEntry) error
	SetBotEnabled(ctx context.Context, userID string, enabled bool) error
}

// ConnPool hands out authorized per-user exchange clients.
type ConnPool interface {
	GetOrCreate(ctx context.Context, userID string) (exchange.Trader, error)
	RecordFailure(userID string)
	RecordSuccess(userID string)
}

// Config holds the session manager tunables.
type Config struct {
	Stake     float64
	Target    float64 // daily profit target
	StopLimit float64 // daily loss ceiling
	Currency  string
	Assets    []string // rotation pool for scheduled ticks

	StartGrace           time.Duration
	TickMinInterval      time.Duration
	TickMaxInterval      time.Duration
	MaxConsecutiveErrors int
	OpenContractCeiling  int
	DailyResetHour       int

	ContractDuration     int
	ContractDurationUnit string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Stake:     1,
		Target:    100,
		StopLimit: 50,
		Currency:  "USD",
		Assets:    []string{"R_100", "R_50", "R_25"},

		StartGrace:           5 * time.Second,
		TickMinInterval:      30 * time.Second,
		TickMaxInterval:      90 * time.Second,
		MaxConsecutiveErrors: 5,
		OpenContractCeiling:  3,
		DailyResetHour:       0,

		ContractDuration:     5,
		ContractDurationUnit: "t",
	}
}

// Manager drives per-user trading sessions. All mutating operations for one
// user are serialized by a per-user mutex; users never contend with each
// other.
type Manager struct {
	store   Store
	pool    ConnPool
	bus     *events.Bus
	metrics *monitor.SystemMetrics
	cfg     Config

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	rotation map[string]int // userID -> next asset index

	now func() time.Time
}

// NewManager creates a session manager. bus and metrics may be nil.
func NewManager(store Store, pool ConnPool, bus *events.Bus, metrics *monitor.SystemMetrics, cfg Config) *Manager {
	return &Manager{
		store:    store,
		pool:     pool,
		bus:      bus,
		metrics:  metrics,
		cfg:      cfg,
		locks:    make(map[string]*sync.Mutex),
		rotation: make(map[string]int),
		now:      time.Now,
	}
}

func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[userID] = l
	}
	return l
}

// dayStart returns the most recent daily reset boundary at or before t.
func (m *Manager) dayStart(t time.Time) time.Time {
	boundary := time.Date(t.Year(), t.Month(), t.Day(), m.cfg.DailyResetHour, 0, 0, 0, t.Location())
	if t.Before(boundary) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary
}

// Start creates and activates a session for the user. An existing ACTIVE
// session blocks the start; an INITIALIZING session younger than the grace
// window counts as already starting, while an older one is forced to ERROR
// and superseded.
func (m *Manager) Start(ctx context.Context, userID string) (string, error) {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.checkLiveInvariant(ctx, userID); err != nil {
		return "", err
	}

	live, err := m.store.GetLiveSession(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load live session: %w", err)
	}
	if live != nil {
		switch live.State {
		case db.SessionActive:
			return "", ErrSessionActive
		case db.SessionInitializing:
			if m.now().Sub(live.StartTime) < m.cfg.StartGrace {
				return "", ErrSessionStarting
			}
			// Stale half-started session, likely a crashed start. Park it
			// in ERROR and supersede.
			live.State = db.SessionError
			live.StopActor = "system"
			live.StopReason = "stale initializing session superseded"
			if err := m.store.UpdateSession(ctx, *live); err != nil {
				return "", fmt.Errorf("supersede stale session: %w", err)
			}
			m.publishState(userID, live.ID, string(db.SessionInitializing), string(db.SessionError), live.StopReason)
		}
	}

	now := m.now()
	sess := db.TradingSession{
		ID:               uuid.New().String(),
		UserID:           userID,
		State:            db.SessionInitializing,
		Stake:            m.cfg.Stake,
		Target:           m.cfg.Target,
		StopLimit:        m.cfg.StopLimit,
		DayStart:         m.dayStart(now),
		StartTime:        now,
		LastActivityTime: now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	// Authorization happens inside the pool when the connection is built.
	if _, err := m.pool.GetOrCreate(ctx, userID); err != nil {
		sess.State = db.SessionError
		sess.StopActor = "system"
		sess.StopReason = fmt.Sprintf("authorization failed: %v", err)
		if uerr := m.store.UpdateSession(ctx, sess); uerr != nil {
			log.Printf("[session] user %s: mark ERROR failed: %v", userID, uerr)
		}
		m.publishState(userID, sess.ID, string(db.SessionInitializing), string(db.SessionError), sess.StopReason)
		return "", fmt.Errorf("authorize session: %w", err)
	}

	sess.State = db.SessionActive
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return "", fmt.Errorf("activate session: %w", err)
	}
	m.publishState(userID, sess.ID, string(db.SessionInitializing), string(db.SessionActive), "started")
	log.Printf("[session] user %s: session %s active", userID, sess.ID)
	return sess.ID, nil
}

// Stop transitions the user's live session to STOPPED. disableAutoResume
// additionally clears the persisted bot-enabled flag, so the external
// scheduler will not restart the user; transient system stops leave it set.
func (m *Manager) Stop(ctx context.Context, userID, actor, reason string, disableAutoResume bool) error {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return m.stopLocked(ctx, userID, actor, reason, disableAutoResume)
}

func (m *Manager) stopLocked(ctx context.Context, userID, actor, reason string, disableAutoResume bool) error {
	live, err := m.store.GetLiveSession(ctx, userID)
	if err != nil {
		return fmt.Errorf("load live session: %w", err)
	}
	if live == nil {
		return ErrNoActiveSession
	}

	from := string(live.State)
	now := m.now()
	live.State = db.SessionStopped
	live.EndTime = &now
	live.StopActor = actor
	live.StopReason = reason
	if err := m.store.UpdateSession(ctx, *live); err != nil {
		return fmt.Errorf("stop session: %w", err)
	}

	if disableAutoResume {
		if err := m.store.SetBotEnabled(ctx, userID, false); err != nil {
			return fmt.Errorf("disable auto-resume: %w", err)
		}
	}

	m.publishState(userID, live.ID, from, string(db.SessionStopped), reason)
	log.Printf("[session] user %s: session %s stopped by %s (%s)", userID, live.ID, actor, reason)
	return nil
}

// Tick runs one scheduling step for the user: a no-op unless the session is
// ACTIVE and a randomized interval has elapsed since the last activity.
// Limit breaches auto-stop with auto-resume left enabled.
func (m *Manager) Tick(ctx context.Context, userID string) error {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if m.metrics != nil {
		m.metrics.IncrementTicks()
	}

	sess, err := m.store.GetLiveSession(ctx, userID)
	if err != nil {
		return fmt.Errorf("load live session: %w", err)
	}
	if sess == nil || sess.State != db.SessionActive {
		return nil
	}

	// Randomize the effective interval so ticks across users do not
	// synchronize into bursts.
	interval := m.cfg.TickMinInterval
	if spread := m.cfg.TickMaxInterval - m.cfg.TickMinInterval; spread > 0 {
		interval += time.Duration(rand.Int63n(int64(spread)))
	}
	if m.now().Sub(sess.LastActivityTime) < interval {
		return nil
	}

	if rolled, err := m.rolloverDay(ctx, sess); err != nil {
		return err
	} else if rolled {
		log.Printf("[session] user %s: daily counters rolled over", userID)
	}

	if m.limitBreached(sess) {
		if err := m.stopLocked(ctx, userID, "system", "daily limit reached", false); err != nil {
			return err
		}
		return ErrLimitReached
	}

	open, err := m.store.CountOpenContracts(ctx, userID)
	if err != nil {
		return fmt.Errorf("count open contracts: %w", err)
	}
	if open >= m.cfg.OpenContractCeiling {
		log.Printf("[session] user %s: %d open contracts, tick deferred", userID, open)
		return nil
	}

	asset := m.nextAsset(userID)
	direction := string(exchange.ContractCall)
	if rand.Intn(2) == 1 {
		direction = string(exchange.ContractPut)
	}

	_, err = m.executeLocked(ctx, sess, asset, direction, sess.Stake)
	return err
}

// ExecuteTrade is the shared single-trade path used by Tick and by the
// signal dispatcher. It requires an ACTIVE session.
func (m *Manager) ExecuteTrade(ctx context.Context, userID, asset, direction string, stake float64) (*db.Trade, error) {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.store.GetLiveSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load live session: %w", err)
	}
	if sess == nil || sess.State != db.SessionActive {
		return nil, ErrNoActiveSession
	}
	if stake <= 0 {
		stake = sess.Stake
	}
	return m.executeLocked(ctx, sess, asset, direction, stake)
}

// executeLocked submits one contract purchase. The caller holds the user
// lock and has verified the session is ACTIVE.
func (m *Manager) executeLocked(ctx context.Context, sess *db.TradingSession, asset, direction string, stake float64) (*db.Trade, error) {
	userID := sess.UserID

	trader, err := m.pool.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, m.recordTradeFailure(ctx, sess, fmt.Errorf("acquire connection: %w", err))
	}

	// A stop persisted while we were acquiring the connection must gate
	// the purchase.
	fresh, err := m.store.GetSessionByID(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("recheck session: %w", err)
	}
	if fresh == nil || fresh.State != db.SessionActive {
		return nil, ErrNoActiveSession
	}
	sess = fresh

	var timer *monitor.Timer
	if m.metrics != nil {
		timer = monitor.NewTimer(m.metrics.RPCLatency)
	}
	res, err := trader.BuyContract(ctx, exchange.BuyParams{
		Symbol:       asset,
		Type:         exchange.ContractType(direction),
		Amount:       stake,
		Currency:     m.cfg.Currency,
		Duration:     m.cfg.ContractDuration,
		DurationUnit: m.cfg.ContractDurationUnit,
	})
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		if exchange.IsConnectionErr(err) {
			m.pool.RecordFailure(userID)
		}
		return nil, m.recordTradeFailure(ctx, sess, fmt.Errorf("buy contract: %w", err))
	}
	m.pool.RecordSuccess(userID)

	now := m.now()
	trade := db.Trade{
		ID:                 uuid.New().String(),
		SessionID:          sess.ID,
		UserID:             userID,
		ExternalContractID: res.ContractID,
		Asset:              asset,
		Direction:          direction,
		Stake:              stake,
		Payout:             res.Payout,
		Status:             db.TradePending,
		CreatedAt:          now,
	}
	if err := m.store.CreateTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("persist trade: %w", err)
	}
	if err := m.store.CreateMonitorEntry(ctx, db.MonitorEntry{
		ContractID: res.ContractID,
		TradeID:    trade.ID,
		UserID:     userID,
		Status:     db.MonitorPending,
		CreatedAt:  now,
	}); err != nil {
		return nil, fmt.Errorf("register settlement entry: %w", err)
	}

	sess.TotalTrades++
	sess.ConsecutiveErrors = 0
	sess.LastActivityTime = now
	if err := m.store.UpdateSession(ctx, *sess); err != nil {
		return nil, fmt.Errorf("update session counters: %w", err)
	}

	if m.metrics != nil {
		m.metrics.IncrementTrades()
	}
	if m.bus != nil {
		m.bus.Publish(events.EventTradeExecuted, events.TradeExecuted{
			UserID:     userID,
			SessionID:  sess.ID,
			TradeID:    trade.ID,
			ContractID: res.ContractID,
			Asset:      asset,
			Direction:  direction,
			Stake:      stake,
			At:         now,
		})
	}
	log.Printf("[session] user %s: bought %s %s stake %.2f contract %d", userID, asset, direction, stake, res.ContractID)
	return &trade, nil
}

// recordTradeFailure bumps the error counters and force-stops the session
// once consecutive errors cross the threshold. The returned error wraps
// cause so callers keep the original classification.
func (m *Manager) recordTradeFailure(ctx context.Context, sess *db.TradingSession, cause error) error {
	sess.ErrorCount++
	sess.ConsecutiveErrors++
	if m.metrics != nil {
		m.metrics.IncrementErrors()
	}

	if sess.ConsecutiveErrors >= m.cfg.MaxConsecutiveErrors {
		from := string(sess.State)
		now := m.now()
		sess.State = db.SessionError
		sess.EndTime = &now
		sess.StopActor = "system"
		sess.StopReason = fmt.Sprintf("error threshold reached: %v", cause)
		if err := m.store.UpdateSession(ctx, *sess); err != nil {
			log.Printf("[session] user %s: mark ERROR failed: %v", sess.UserID, err)
		}
		m.publishState(sess.UserID, sess.ID, from, string(db.SessionError), sess.StopReason)
		log.Printf("[session] user %s: session %s errored after %d consecutive failures", sess.UserID, sess.ID, sess.ConsecutiveErrors)
		return cause
	}

	if err := m.store.UpdateSession(ctx, *sess); err != nil {
		log.Printf("[session] user %s: persist error counters failed: %v", sess.UserID, err)
	}
	return cause
}

// RecordSettlement applies a settled trade's outcome to the owning session's
// aggregates and re-checks the daily limits. Called by the settlement
// monitor.
func (m *Manager) RecordSettlement(ctx context.Context, userID, sessionID string, won bool, profit float64) error {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return ErrNoActiveSession
	}

	if _, err := m.rolloverDay(ctx, sess); err != nil {
		return err
	}

	if won {
		sess.SuccessfulTrades++
	} else {
		sess.FailedTrades++
	}
	if profit >= 0 {
		sess.DailyProfit += profit
	} else {
		sess.DailyLoss += -profit
	}
	if err := m.store.UpdateSession(ctx, *sess); err != nil {
		return fmt.Errorf("update session aggregates: %w", err)
	}

	if sess.State == db.SessionActive && m.limitBreached(sess) {
		if err := m.stopLocked(ctx, userID, "system", "daily limit reached", false); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) limitBreached(sess *db.TradingSession) bool {
	return (sess.Target > 0 && sess.DailyProfit >= sess.Target) ||
		(sess.StopLimit > 0 && sess.DailyLoss >= sess.StopLimit)
}

// rolloverDay resets the daily counters when the reset boundary has passed
// since DayStart. Persists the session when it rolls.
func (m *Manager) rolloverDay(ctx context.Context, sess *db.TradingSession) (bool, error) {
	boundary := m.dayStart(m.now())
	if !sess.DayStart.Before(boundary) {
		return false, nil
	}
	sess.DayStart = boundary
	sess.DailyProfit = 0
	sess.DailyLoss = 0
	if err := m.store.UpdateSession(ctx, *sess); err != nil {
		return false, fmt.Errorf("roll over day: %w", err)
	}
	return true, nil
}

// checkLiveInvariant aborts when more than one live session exists for the
// user. This should be impossible; tolerating it silently would let two
// schedulers trade against one account.
func (m *Manager) checkLiveInvariant(ctx context.Context, userID string) error {
	live, err := m.store.CountLiveSessions(ctx, userID)
	if err != nil {
		return fmt.Errorf("count live sessions: %w", err)
	}
	if live > 1 {
		return fmt.Errorf("%w: user %s has %d", ErrInvariantViolation, userID, live)
	}
	return nil
}

func (m *Manager) nextAsset(userID string) string {
	if len(m.cfg.Assets) == 0 {
		return "R_100"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.rotation[userID]
	m.rotation[userID] = (i + 1) % len(m.cfg.Assets)
	return m.cfg.Assets[i%len(m.cfg.Assets)]
}

func (m *Manager) publishState(userID, sessionID, from, to, reason string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.EventSessionState, events.SessionStateChanged{
		UserID:    userID,
		SessionID: sessionID,
		From:      from,
		To:        to,
		Reason:    reason,
		At:        m.now(),
	})
}
