package exchange

// ContractType is the two-valued direction of a binary contract.
type ContractType string

const (
	ContractCall ContractType = "CALL" // rise
	ContractPut  ContractType = "PUT"  // fall
)

// ContractStatus is the remote lifecycle state of a contract.
type ContractStatus string

const (
	ContractOpen ContractStatus = "open"
	ContractWon  ContractStatus = "won"
	ContractLost ContractStatus = "lost"
	ContractSold ContractStatus = "sold"
)

// Terminal reports whether the remote status can no longer change.
func (s ContractStatus) Terminal() bool {
	return s == ContractWon || s == ContractLost || s == ContractSold
}

// AuthorizeResult is the account snapshot returned by authorize.
type AuthorizeResult struct {
	LoginID   string  `json:"loginid"`
	Balance   float64 `json:"balance"`
	Currency  string  `json:"currency"`
	Email     string  `json:"email"`
	FullName  string  `json:"fullname"`
	IsVirtual int     `json:"is_virtual"`
}

// BalanceResult is the response to a dedicated balance query.
type BalanceResult struct {
	Balance  float64 `json:"balance"`
	Currency string  `json:"currency"`
	LoginID  string  `json:"loginid"`
}

// AccountInfo carries the account settings snapshot.
type AccountInfo struct {
	Email       string `json:"email"`
	Country     string `json:"country"`
	ResidenceID string `json:"residence"`
	DateJoined  int64  `json:"date_joined"`
}

// Asset is one tradable instrument.
type Asset struct {
	Symbol         string `json:"symbol"`
	DisplayName    string `json:"display_name"`
	Market         string `json:"market"`
	ExchangeIsOpen int    `json:"exchange_is_open"`
}

// BuyParams describes one binary contract purchase.
type BuyParams struct {
	Symbol       string
	Type         ContractType
	Amount       float64
	Duration     int
	DurationUnit string // "t" ticks, "s" seconds, "m" minutes
	Currency     string
}

// BuyResult is the exchange ack for a purchase.
type BuyResult struct {
	ContractID    int64   `json:"contract_id"`
	BuyPrice      float64 `json:"buy_price"`
	Payout        float64 `json:"payout"`
	StartTime     int64   `json:"start_time"`
	TransactionID int64   `json:"transaction_id"`
	Longcode      string  `json:"longcode"`
}

// SellResult is the exchange ack for an early sell.
type SellResult struct {
	SoldFor       float64 `json:"sold_for"`
	TransactionID int64   `json:"transaction_id"`
}

// ContractInfo is the settlement view of one contract.
type ContractInfo struct {
	ContractID int64          `json:"contract_id"`
	Status     ContractStatus `json:"status"`
	BuyPrice   float64        `json:"buy_price"`
	SellPrice  float64        `json:"sell_price"`
	Payout     float64        `json:"payout"`
	Profit     float64        `json:"profit"`
	IsExpired  int            `json:"is_expired"`
	IsSold     int            `json:"is_sold"`
}

// Tick is one historical price point.
type Tick struct {
	Epoch int64
	Quote float64
}
