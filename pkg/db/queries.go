package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrUserIDRequired guards user-scoped queries against accidental cross-user
// reads.
var ErrUserIDRequired = errors.New("db: user_id is required")

// --- Sessions ---

// CreateSession inserts a new trading session row.
func (d *Database) CreateSession(ctx context.Context, s TradingSession) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trading_sessions (
			id, user_id, state, stake, target, stop_limit,
			total_trades, successful_trades, failed_trades, error_count, consecutive_errors,
			daily_profit, daily_loss, day_start, start_time, last_activity_time,
			end_time, stop_actor, stop_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.ID, s.UserID, s.State, s.Stake, s.Target, s.StopLimit,
		s.TotalTrades, s.SuccessfulTrades, s.FailedTrades, s.ErrorCount, s.ConsecutiveErrors,
		s.DailyProfit, s.DailyLoss, s.DayStart, s.StartTime, s.LastActivityTime,
		nullableTime(s.EndTime), s.StopActor, s.StopReason,
	)
	return err
}

// UpdateSession rewrites the mutable columns of a session row.
func (d *Database) UpdateSession(ctx context.Context, s TradingSession) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE trading_sessions SET
			state = ?, stake = ?, target = ?, stop_limit = ?,
			total_trades = ?, successful_trades = ?, failed_trades = ?,
			error_count = ?, consecutive_errors = ?,
			daily_profit = ?, daily_loss = ?, day_start = ?,
			last_activity_time = ?, end_time = ?, stop_actor = ?, stop_reason = ?
		WHERE id = ?
	`,
		s.State, s.Stake, s.Target, s.StopLimit,
		s.TotalTrades, s.SuccessfulTrades, s.FailedTrades,
		s.ErrorCount, s.ConsecutiveErrors,
		s.DailyProfit, s.DailyLoss, s.DayStart,
		s.LastActivityTime, nullableTime(s.EndTime), s.StopActor, s.StopReason,
		s.ID,
	)
	return err
}

const sessionColumns = `
	id, user_id, state, stake, target, stop_limit,
	total_trades, successful_trades, failed_trades, error_count, consecutive_errors,
	daily_profit, daily_loss, day_start, start_time, last_activity_time,
	end_time, stop_actor, stop_reason`

func scanSession(row interface{ Scan(...any) error }) (*TradingSession, error) {
	var s TradingSession
	var endTime sql.NullTime
	err := row.Scan(
		&s.ID, &s.UserID, &s.State, &s.Stake, &s.Target, &s.StopLimit,
		&s.TotalTrades, &s.SuccessfulTrades, &s.FailedTrades, &s.ErrorCount, &s.ConsecutiveErrors,
		&s.DailyProfit, &s.DailyLoss, &s.DayStart, &s.StartTime, &s.LastActivityTime,
		&endTime, &s.StopActor, &s.StopReason,
	)
	if err != nil {
		return nil, err
	}
	if endTime.Valid {
		s.EndTime = &endTime.Time
	}
	return &s, nil
}

// GetSessionByID fetches one session, nil when absent.
func (d *Database) GetSessionByID(ctx context.Context, id string) (*TradingSession, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT`+sessionColumns+` FROM trading_sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// GetLiveSession returns the user's session in INITIALIZING or ACTIVE state,
// or nil. At most one such session exists per user.
func (d *Database) GetLiveSession(ctx context.Context, userID string) (*TradingSession, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := d.DB.QueryRowContext(ctx, `
		SELECT`+sessionColumns+`
		FROM trading_sessions
		WHERE user_id = ? AND state IN ('INITIALIZING', 'ACTIVE')
		ORDER BY start_time DESC LIMIT 1
	`, userID)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// CountLiveSessions counts the user's sessions in INITIALIZING or ACTIVE
// state across the whole history.
func (d *Database) CountLiveSessions(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrUserIDRequired
	}
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trading_sessions
		WHERE user_id = ? AND state IN ('INITIALIZING', 'ACTIVE')
	`, userID).Scan(&n)
	return n, err
}

// ListSessionsByUser returns session history, newest first.
func (d *Database) ListSessionsByUser(ctx context.Context, userID string, limit int) ([]TradingSession, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT`+sessionColumns+`
		FROM trading_sessions WHERE user_id = ?
		ORDER BY start_time DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []TradingSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *s)
	}
	return res, rows.Err()
}

// --- Trades ---

// CreateTrade inserts a new trade row.
func (d *Database) CreateTrade(ctx context.Context, t Trade) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (
			id, session_id, user_id, external_contract_id, asset, direction,
			stake, payout, profit, status, created_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.SessionID, t.UserID, t.ExternalContractID, t.Asset, t.Direction,
		t.Stake, t.Payout, t.Profit, t.Status, t.CreatedAt, nullableTime(t.ClosedAt),
	)
	return err
}

const tradeColumns = `
	id, session_id, user_id, external_contract_id, asset, direction,
	stake, payout, profit, status, created_at, closed_at`

func scanTrade(row interface{ Scan(...any) error }) (*Trade, error) {
	var t Trade
	var closedAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.SessionID, &t.UserID, &t.ExternalContractID, &t.Asset, &t.Direction,
		&t.Stake, &t.Payout, &t.Profit, &t.Status, &t.CreatedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		t.ClosedAt = &closedAt.Time
	}
	return &t, nil
}

// GetTrade fetches one trade, nil when absent.
func (d *Database) GetTrade(ctx context.Context, id string) (*Trade, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT`+tradeColumns+` FROM trades WHERE id = ?`, id)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// SettleTrade moves a pending trade to a terminal status. The WHERE guard
// makes terminal statuses monotonic: settling an already-terminal trade is a
// no-op and reports applied=false.
func (d *Database) SettleTrade(ctx context.Context, id string, status TradeStatus, payout, profit float64, closedAt time.Time) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE trades SET status = ?, payout = ?, profit = ?, closed_at = ?
		WHERE id = ? AND status = 'pending'
	`, status, payout, profit, closedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CountOpenContracts returns how many trades are still pending for a user.
func (d *Database) CountOpenContracts(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrUserIDRequired
	}
	var n int
	err := d.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trades WHERE user_id = ? AND status = 'pending'`, userID,
	).Scan(&n)
	return n, err
}

// --- Contract monitor ---

// CreateMonitorEntry registers a contract for settlement reconciliation.
// An empty status means the entry is still pending.
func (d *Database) CreateMonitorEntry(ctx context.Context, e MonitorEntry) error {
	if e.Status == "" {
		e.Status = MonitorPending
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO contract_monitor (contract_id, trade_id, user_id, status, retry_count, last_checked_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ContractID, e.TradeID, e.UserID, e.Status, e.RetryCount, nullableTime(e.LastCheckedAt), e.CreatedAt)
	return err
}

// MonitorJob is one due reconciliation unit: the monitor entry joined with
// its trade.
type MonitorJob struct {
	Entry MonitorEntry
	Trade Trade
}

// DueMonitorEntries selects up to limit pending entries whose trade is older
// than olderThan and whose retry count is below maxRetry.
func (d *Database) DueMonitorEntries(ctx context.Context, olderThan time.Time, maxRetry, limit int) ([]MonitorJob, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT cm.contract_id, cm.trade_id, cm.user_id, cm.status, cm.retry_count, cm.last_checked_at, cm.created_at,
		       t.id, t.session_id, t.user_id, t.external_contract_id, t.asset, t.direction,
		       t.stake, t.payout, t.profit, t.status, t.created_at, t.closed_at
		FROM contract_monitor cm
		JOIN trades t ON t.id = cm.trade_id
		WHERE cm.status = ? AND cm.retry_count < ? AND t.created_at <= ?
		ORDER BY t.created_at ASC
		LIMIT ?
	`, MonitorPending, maxRetry, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []MonitorJob
	for rows.Next() {
		var j MonitorJob
		var lastChecked, closedAt sql.NullTime
		err := rows.Scan(
			&j.Entry.ContractID, &j.Entry.TradeID, &j.Entry.UserID, &j.Entry.Status,
			&j.Entry.RetryCount, &lastChecked, &j.Entry.CreatedAt,
			&j.Trade.ID, &j.Trade.SessionID, &j.Trade.UserID, &j.Trade.ExternalContractID,
			&j.Trade.Asset, &j.Trade.Direction, &j.Trade.Stake, &j.Trade.Payout,
			&j.Trade.Profit, &j.Trade.Status, &j.Trade.CreatedAt, &closedAt,
		)
		if err != nil {
			return nil, err
		}
		if lastChecked.Valid {
			j.Entry.LastCheckedAt = &lastChecked.Time
		}
		if closedAt.Valid {
			j.Trade.ClosedAt = &closedAt.Time
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// BumpMonitorRetry increments the retry counter; it only ever grows.
func (d *Database) BumpMonitorRetry(ctx context.Context, contractID int64, checkedAt time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE contract_monitor SET retry_count = retry_count + 1, last_checked_at = ?
		WHERE contract_id = ?
	`, checkedAt, contractID)
	return err
}

// CloseMonitorEntry marks the entry resolved with the terminal status.
func (d *Database) CloseMonitorEntry(ctx context.Context, contractID int64, status string, checkedAt time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE contract_monitor SET status = ?, last_checked_at = ?
		WHERE contract_id = ?
	`, status, checkedAt, contractID)
	return err
}

// GetMonitorEntry fetches one entry, nil when absent.
func (d *Database) GetMonitorEntry(ctx context.Context, contractID int64) (*MonitorEntry, error) {
	var e MonitorEntry
	var lastChecked sql.NullTime
	err := d.DB.QueryRowContext(ctx, `
		SELECT contract_id, trade_id, user_id, status, retry_count, last_checked_at, created_at
		FROM contract_monitor WHERE contract_id = ?
	`, contractID).Scan(&e.ContractID, &e.TradeID, &e.UserID, &e.Status, &e.RetryCount, &lastChecked, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastChecked.Valid {
		e.LastCheckedAt = &lastChecked.Time
	}
	return &e, nil
}

// --- Signals ---

// CreateSignal inserts a received signal.
func (d *Database) CreateSignal(ctx context.Context, s Signal) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO signals (id, type, asset, source, raw_text, received_at, total_users, successes, failures, execution_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Type, s.Asset, s.Source, s.RawText, s.ReceivedAt, s.TotalUsers, s.Successes, s.Failures, s.ExecutionMs)
	return err
}

// FindRecentSignal returns the newest signal with the same (type, raw_text)
// received at or after since, or nil. Used for duplicate suppression.
func (d *Database) FindRecentSignal(ctx context.Context, signalType, rawText string, since time.Time) (*Signal, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, type, asset, source, raw_text, received_at, total_users, successes, failures, execution_ms
		FROM signals
		WHERE type = ? AND raw_text = ? AND received_at >= ?
		ORDER BY received_at DESC LIMIT 1
	`, signalType, rawText, since)
	s, err := scanSignal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

func scanSignal(row interface{ Scan(...any) error }) (*Signal, error) {
	var s Signal
	err := row.Scan(&s.ID, &s.Type, &s.Asset, &s.Source, &s.RawText, &s.ReceivedAt,
		&s.TotalUsers, &s.Successes, &s.Failures, &s.ExecutionMs)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateSignalOutcome records the fan-out aggregate against the signal.
func (d *Database) UpdateSignalOutcome(ctx context.Context, id string, total, successes, failures int, executionMs int64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE signals SET total_users = ?, successes = ?, failures = ?, execution_ms = ?
		WHERE id = ?
	`, total, successes, failures, executionMs, id)
	return err
}

// ListSignals pages through signal history, newest first.
func (d *Database) ListSignals(ctx context.Context, limit, offset int) ([]Signal, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, type, asset, source, raw_text, received_at, total_users, successes, failures, execution_ms
		FROM signals ORDER BY received_at DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *s)
	}
	return res, rows.Err()
}

// SignalStats aggregates outcomes over a time range.
type SignalStats struct {
	TotalSignals   int
	TotalSuccesses int
	TotalFailures  int
	AvgExecutionMs float64
	CountsByType   map[string]int
	SuccessRate    float64
}

// GetSignalStats computes aggregate statistics for signals received in [from, to].
func (d *Database) GetSignalStats(ctx context.Context, from, to time.Time) (SignalStats, error) {
	stats := SignalStats{CountsByType: make(map[string]int)}

	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(successes), 0), COALESCE(SUM(failures), 0), COALESCE(AVG(execution_ms), 0)
		FROM signals WHERE received_at BETWEEN ? AND ?
	`, from, to).Scan(&stats.TotalSignals, &stats.TotalSuccesses, &stats.TotalFailures, &stats.AvgExecutionMs)
	if err != nil {
		return stats, err
	}

	if n := stats.TotalSuccesses + stats.TotalFailures; n > 0 {
		stats.SuccessRate = float64(stats.TotalSuccesses) / float64(n)
	}

	rows, err := d.DB.QueryContext(ctx, `
		SELECT type, COUNT(*) FROM signals
		WHERE received_at BETWEEN ? AND ? GROUP BY type
	`, from, to)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return stats, err
		}
		stats.CountsByType[typ] = n
	}
	return stats, rows.Err()
}

// --- Users ---

// CreateUser inserts a managed user row.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, credential_ref, is_active, bot_enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.ID, u.Email, u.CredentialRef, boolToInt(u.IsActive), boolToInt(u.BotEnabled), u.CreatedAt)
	return err
}

// GetUser fetches one user, nil when absent.
func (d *Database) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	var isActive, botEnabled int
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, email, credential_ref, is_active, bot_enabled, created_at
		FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.Email, &u.CredentialRef, &isActive, &botEnabled, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.IsActive = isActive == 1
	u.BotEnabled = botEnabled == 1
	return &u, nil
}

// ListEligibleUsers returns users a signal may trade for: active account,
// bot enabled, credential on file.
func (d *Database) ListEligibleUsers(ctx context.Context) ([]User, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, email, credential_ref, is_active, bot_enabled, created_at
		FROM users
		WHERE is_active = 1 AND bot_enabled = 1 AND credential_ref != ''
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []User
	for rows.Next() {
		var u User
		var isActive, botEnabled int
		if err := rows.Scan(&u.ID, &u.Email, &u.CredentialRef, &isActive, &botEnabled, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.IsActive = isActive == 1
		u.BotEnabled = botEnabled == 1
		res = append(res, u)
	}
	return res, rows.Err()
}

// SetBotEnabled flips the persisted auto-trading flag for a user.
func (d *Database) SetBotEnabled(ctx context.Context, userID string, enabled bool) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	_, err := d.DB.ExecContext(ctx, `UPDATE users SET bot_enabled = ? WHERE id = ?`, boolToInt(enabled), userID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
