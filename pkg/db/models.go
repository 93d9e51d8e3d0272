package db

import "time"

// SessionState is the lifecycle state of one trading session.
type SessionState string

const (
	SessionInitializing SessionState = "INITIALIZING"
	SessionActive       SessionState = "ACTIVE"
	// STOPPING and RECOVERING are written by operator tooling during manual
	// intervention. The engine never enters them itself; it only has to not
	// count them as live.
	SessionStopping   SessionState = "STOPPING"
	SessionStopped    SessionState = "STOPPED"
	SessionError      SessionState = "ERROR"
	SessionRecovering SessionState = "RECOVERING"
)

// TradeStatus is the settlement state of one trade.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeWon       TradeStatus = "won"
	TradeLost      TradeStatus = "lost"
	TradeCancelled TradeStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s TradeStatus) Terminal() bool {
	return s == TradeWon || s == TradeLost || s == TradeCancelled
}

// TradingSession is one bot-is-trading-for-this-user episode.
// At most one session per user may be INITIALIZING or ACTIVE.
type TradingSession struct {
	ID                string
	UserID            string
	State             SessionState
	Stake             float64
	Target            float64 // daily profit target
	StopLimit         float64 // daily loss ceiling
	TotalTrades       int
	SuccessfulTrades  int
	FailedTrades      int
	ErrorCount        int
	ConsecutiveErrors int
	DailyProfit       float64
	DailyLoss         float64
	DayStart          time.Time // boundary the daily counters roll over at
	StartTime         time.Time
	LastActivityTime  time.Time
	EndTime           *time.Time
	StopActor         string
	StopReason        string
}

// Trade is one binary contract purchase. Status transitions are monotonic:
// once terminal, never reverted.
type Trade struct {
	ID                 string
	SessionID          string
	UserID             string
	ExternalContractID int64
	Asset              string
	Direction          string
	Stake              float64
	Payout             float64
	Profit             float64
	Status             TradeStatus
	CreatedAt          time.Time
	ClosedAt           *time.Time
}

// MonitorPending is the contract_monitor status of an entry still awaiting
// reconciliation. DueMonitorEntries selects on it; CloseMonitorEntry
// overwrites it with the terminal trade status.
const MonitorPending = "pending"

// MonitorEntry tracks settlement reconciliation for one pending contract.
type MonitorEntry struct {
	ContractID    int64
	TradeID       string
	UserID        string
	Status        string
	RetryCount    int
	LastCheckedAt *time.Time
	CreatedAt     time.Time
}

// Signal is one received external directional hint plus its fan-out outcome.
type Signal struct {
	ID          string
	Type        string
	Asset       string
	Source      string
	RawText     string
	ReceivedAt  time.Time
	TotalUsers  int
	Successes   int
	Failures    int
	ExecutionMs int64
}

// User is one managed trading account. CredentialRef points into the external
// secret store; plaintext tokens are never persisted here.
type User struct {
	ID            string
	Email         string
	CredentialRef string
	IsActive      bool
	BotEnabled    bool
	CreatedAt     time.Time
}
