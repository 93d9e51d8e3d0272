package db

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id             TEXT PRIMARY KEY,
		email          TEXT NOT NULL DEFAULT '',
		credential_ref TEXT NOT NULL DEFAULT '',
		is_active      INTEGER NOT NULL DEFAULT 1,
		bot_enabled    INTEGER NOT NULL DEFAULT 0,
		created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS trading_sessions (
		id                 TEXT PRIMARY KEY,
		user_id            TEXT NOT NULL,
		state              TEXT NOT NULL,
		stake              REAL NOT NULL DEFAULT 0,
		target             REAL NOT NULL DEFAULT 0,
		stop_limit         REAL NOT NULL DEFAULT 0,
		total_trades       INTEGER NOT NULL DEFAULT 0,
		successful_trades  INTEGER NOT NULL DEFAULT 0,
		failed_trades      INTEGER NOT NULL DEFAULT 0,
		error_count        INTEGER NOT NULL DEFAULT 0,
		consecutive_errors INTEGER NOT NULL DEFAULT 0,
		daily_profit       REAL NOT NULL DEFAULT 0,
		daily_loss         REAL NOT NULL DEFAULT 0,
		day_start          TIMESTAMP NOT NULL,
		start_time         TIMESTAMP NOT NULL,
		last_activity_time TIMESTAMP NOT NULL,
		end_time           TIMESTAMP,
		stop_actor         TEXT NOT NULL DEFAULT '',
		stop_reason        TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user_state ON trading_sessions(user_id, state)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id                   TEXT PRIMARY KEY,
		session_id           TEXT NOT NULL,
		user_id              TEXT NOT NULL,
		external_contract_id INTEGER NOT NULL,
		asset                TEXT NOT NULL,
		direction            TEXT NOT NULL,
		stake                REAL NOT NULL,
		payout               REAL NOT NULL DEFAULT 0,
		profit               REAL NOT NULL DEFAULT 0,
		status               TEXT NOT NULL DEFAULT 'pending',
		created_at           TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		closed_at            TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_user_status ON trades(user_id, status)`,
	`CREATE TABLE IF NOT EXISTS contract_monitor (
		contract_id     INTEGER PRIMARY KEY,
		trade_id        TEXT NOT NULL,
		user_id         TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'pending',
		retry_count     INTEGER NOT NULL DEFAULT 0,
		last_checked_at TIMESTAMP,
		created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_monitor_status ON contract_monitor(status, retry_count)`,
	`CREATE TABLE IF NOT EXISTS signals (
		id           TEXT PRIMARY KEY,
		type         TEXT NOT NULL,
		asset        TEXT NOT NULL DEFAULT '',
		source       TEXT NOT NULL DEFAULT '',
		raw_text     TEXT NOT NULL,
		received_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		total_users  INTEGER NOT NULL DEFAULT 0,
		successes    INTEGER NOT NULL DEFAULT 0,
		failures     INTEGER NOT NULL DEFAULT 0,
		execution_ms INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signals_received ON signals(received_at)`,
}

// ApplyMigrations creates or updates the schema. Statements are idempotent so
// repeated startup is safe.
func (d *Database) ApplyMigrations(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := d.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
