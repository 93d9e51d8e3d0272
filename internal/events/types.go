package events

import "time"

// Event enumerates high-level topics inside the options core.
type Event string

const (
	EventTradeExecuted  Event = "trade.executed"
	EventTradeSettled   Event = "trade.settled"
	EventSessionState   Event = "session.state"
	EventSignalReceived Event = "signal.received"
	EventPoolEviction   Event = "pool.eviction"
)

// TradeExecuted is published after a buy is confirmed by the upstream.
type TradeExecuted struct {
	UserID     string
	SessionID  string
	TradeID    string
	ContractID int64
	Asset      string
	Direction  string
	Stake      float64
	At         time.Time
}

// TradeSettled is published when the settlement monitor resolves a contract.
type TradeSettled struct {
	UserID  string
	TradeID string
	Status  string
	Profit  float64
	At      time.Time
}

// SessionStateChanged is published on every session state transition.
type SessionStateChanged struct {
	UserID    string
	SessionID string
	From      string
	To        string
	Reason    string
	At        time.Time
}
