// Package exchange implements the correlated request/response RPC layer the
// trading engine speaks to the binary-options exchange. Requests are JSON
// bodies shaped {"<method>": <params>, "req_id": N} over a single websocket;
// responses are matched back to callers by req_id, or structurally for
// unsolicited authorize replies.
package exchange

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"options-core/pkg/ws"
)

// Transport is the wire layer underneath the RPC client. *ws.Conn satisfies
// it; tests substitute fakes.
type Transport interface {
	Connect(ctx context.Context) error
	Send(text string) error
	Receive(timeout time.Duration) (string, error)
	IsConnected() bool
	Close() error
}

// Trader is the operation surface consumed by the engine layers. Implemented
// by *Client; session/settlement tests implement fakes.
type Trader interface {
	Authorize(ctx context.Context, token string) (*AuthorizeResult, error)
	GetBalance(ctx context.Context) (*BalanceResult, error)
	GetAccountInfo(ctx context.Context) (*AccountInfo, error)
	GetAvailableAssets(ctx context.Context) ([]Asset, error)
	BuyContract(ctx context.Context, p BuyParams) (*BuyResult, error)
	SellContract(ctx context.Context, contractID int64) (*SellResult, error)
	GetContractInfo(ctx context.Context, contractID int64) (*ContractInfo, error)
	GetTicks(ctx context.Context, symbol string, count int) ([]Tick, error)
	InvalidateBalance()
	IsConnected() bool
	Close() error
}

// Config holds the RPC tunables.
type Config struct {
	MaxAttempts  int           // per-call attempts including the first
	RetryInitial time.Duration // first retry delay, doubles up to RetryMax
	RetryMax     time.Duration
	CallTimeout  time.Duration // per-attempt wait for a correlated response
	RateMaxCalls int           // sliding-window budget
	RateWindow   time.Duration
	Currency     string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		RetryInitial: 500 * time.Millisecond,
		RetryMax:     5 * time.Second,
		CallTimeout:  15 * time.Second,
		RateMaxCalls: 20,
		RateWindow:   time.Minute,
		Currency:     "USD",
	}
}

type rpcReply struct {
	raw []byte
	err error
}

// Client is one authenticated RPC session for one logical user.
type Client struct {
	transport Transport
	cfg       Config
	limiter   *CallLimiter
	pacer     *rate.Limiter // optional shared outbound pacer

	mu           sync.Mutex
	token        string
	authorized   bool
	account      *AuthorizeResult
	balanceFresh bool
	reqSeq       int64
	connGen      int64 // bumped on every drop/reconnect; read loops exit when superseded
	closed       bool

	pendingMu   sync.Mutex
	pending     map[int64]chan rpcReply
	authWaiters []chan rpcReply
}

// NewClient wires a client over the given transport. Pass a nil pacer to skip
// outbound pacing.
func NewClient(transport Transport, cfg Config, pacer *rate.Limiter) *Client {
	return &Client{
		transport: transport,
		cfg:       cfg,
		limiter:   NewCallLimiter(cfg.RateMaxCalls, cfg.RateWindow),
		pacer:     pacer,
		pending:   make(map[int64]chan rpcReply),
	}
}

// Dial is the production constructor: a hand-rolled websocket transport
// against the exchange endpoint.
func Dial(endpoint string, wsCfg ws.Config, cfg Config, pacer *rate.Limiter) *Client {
	return NewClient(ws.New(endpoint, wsCfg), cfg, pacer)
}

// IsConnected reports live transport state.
func (c *Client) IsConnected() bool { return c.transport.IsConnected() }

// Close tears the session down and fails any in-flight calls.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.connGen++
	c.authorized = false
	c.account = nil
	c.mu.Unlock()
	err := c.transport.Close()
	c.failPending(ErrClosed)
	return err
}

// InvalidateBalance forces the next GetBalance to hit the upstream.
func (c *Client) InvalidateBalance() {
	c.mu.Lock()
	c.balanceFresh = false
	c.mu.Unlock()
}

// Authorize authenticates the session and caches the account snapshot.
func (c *Client) Authorize(ctx context.Context, token string) (*AuthorizeResult, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	raw, err := c.call(ctx, "authorize", map[string]any{"authorize": token}, false)
	if err != nil {
		c.mu.Lock()
		c.authorized = false
		c.account = nil
		c.mu.Unlock()
		return nil, err
	}

	var resp struct {
		Authorize AuthorizeResult `json:"authorize"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &ProtocolError{Detail: fmt.Sprintf("authorize payload: %v", err)}
	}

	c.mu.Lock()
	c.authorized = true
	acct := resp.Authorize
	c.account = &acct
	c.balanceFresh = true
	c.mu.Unlock()

	return &acct, nil
}

// GetBalance prefers the cached account snapshot, falls back to a dedicated
// balance query, and finally to a fresh authorize. A failure on every path
// surfaces an error rather than a silent zero.
func (c *Client) GetBalance(ctx context.Context) (*BalanceResult, error) {
	c.mu.Lock()
	if c.authorized && c.balanceFresh && c.account != nil {
		res := &BalanceResult{
			Balance:  c.account.Balance,
			Currency: c.account.Currency,
			LoginID:  c.account.LoginID,
		}
		c.mu.Unlock()
		return res, nil
	}
	token := c.token
	c.mu.Unlock()

	raw, err := c.call(ctx, "balance", map[string]any{"balance": 1}, true)
	if err == nil {
		var resp struct {
			Balance BalanceResult `json:"balance"`
		}
		if uerr := json.Unmarshal(raw, &resp); uerr != nil {
			return nil, &ProtocolError{Detail: fmt.Sprintf("balance payload: %v", uerr)}
		}
		c.mu.Lock()
		if c.account != nil {
			c.account.Balance = resp.Balance.Balance
		}
		c.balanceFresh = true
		c.mu.Unlock()
		return &resp.Balance, nil
	}

	// Last resort: re-authorize, which carries a balance in its snapshot.
	acct, aerr := c.Authorize(ctx, token)
	if aerr != nil {
		return nil, fmt.Errorf("balance query failed (%v); re-authorize failed: %w", err, aerr)
	}
	return &BalanceResult{Balance: acct.Balance, Currency: acct.Currency, LoginID: acct.LoginID}, nil
}

// GetAccountInfo fetches the account settings snapshot.
func (c *Client) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	raw, err := c.call(ctx, "get_settings", map[string]any{"get_settings": 1}, true)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Settings AccountInfo `json:"get_settings"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &ProtocolError{Detail: fmt.Sprintf("get_settings payload: %v", err)}
	}
	return &resp.Settings, nil
}

// GetAvailableAssets lists tradable instruments.
func (c *Client) GetAvailableAssets(ctx context.Context) ([]Asset, error) {
	raw, err := c.call(ctx, "active_symbols", map[string]any{"active_symbols": "brief"}, true)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Symbols []Asset `json:"active_symbols"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &ProtocolError{Detail: fmt.Sprintf("active_symbols payload: %v", err)}
	}
	return resp.Symbols, nil
}

// BuyContract purchases one binary contract. The cached balance is
// invalidated on success since the stake has left the account.
func (c *Client) BuyContract(ctx context.Context, p BuyParams) (*BuyResult, error) {
	currency := p.Currency
	if currency == "" {
		currency = c.cfg.Currency
	}
	body := map[string]any{
		"buy":   1,
		"price": p.Amount,
		"parameters": map[string]any{
			"contract_type": string(p.Type),
			"symbol":        p.Symbol,
			"amount":        p.Amount,
			"basis":         "stake",
			"duration":      p.Duration,
			"duration_unit": p.DurationUnit,
			"currency":      currency,
		},
	}
	raw, err := c.call(ctx, "buy", body, true)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Buy BuyResult `json:"buy"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &ProtocolError{Detail: fmt.Sprintf("buy payload: %v", err)}
	}
	c.InvalidateBalance()
	return &resp.Buy, nil
}

// SellContract closes a contract early at market price.
func (c *Client) SellContract(ctx context.Context, contractID int64) (*SellResult, error) {
	raw, err := c.call(ctx, "sell", map[string]any{"sell": contractID, "price": 0}, true)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Sell SellResult `json:"sell"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &ProtocolError{Detail: fmt.Sprintf("sell payload: %v", err)}
	}
	c.InvalidateBalance()
	return &resp.Sell, nil
}

// GetContractInfo queries settlement state for one contract.
func (c *Client) GetContractInfo(ctx context.Context, contractID int64) (*ContractInfo, error) {
	body := map[string]any{"proposal_open_contract": 1, "contract_id": contractID}
	raw, err := c.call(ctx, "proposal_open_contract", body, true)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Contract ContractInfo `json:"proposal_open_contract"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &ProtocolError{Detail: fmt.Sprintf("proposal_open_contract payload: %v", err)}
	}
	return &resp.Contract, nil
}

// GetTicks fetches the most recent count ticks for a symbol.
func (c *Client) GetTicks(ctx context.Context, symbol string, count int) ([]Tick, error) {
	body := map[string]any{
		"ticks_history": symbol,
		"count":         count,
		"end":           "latest",
		"style":         "ticks",
	}
	raw, err := c.call(ctx, "ticks_history", body, true)
	if err != nil {
		return nil, err
	}
	var resp struct {
		History struct {
			Prices []float64 `json:"prices"`
			Times  []int64   `json:"times"`
		} `json:"history"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &ProtocolError{Detail: fmt.Sprintf("ticks_history payload: %v", err)}
	}
	if len(resp.History.Prices) != len(resp.History.Times) {
		return nil, &ProtocolError{Detail: "ticks_history prices/times length mismatch"}
	}
	ticks := make([]Tick, len(resp.History.Prices))
	for i := range ticks {
		ticks[i] = Tick{Epoch: resp.History.Times[i], Quote: resp.History.Prices[i]}
	}
	return ticks, nil
}

// --- RPC plumbing ---

// call runs one correlated RPC with bounded retries. Rate-limit rejection
// happens up front, before any transport I/O, and is never retried.
func (c *Client) call(ctx context.Context, method string, body map[string]any, needAuth bool) ([]byte, error) {
	if !c.limiter.Allow() {
		return nil, ErrRateLimited
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryInitial
	bo.MaxInterval = c.cfg.RetryMax

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			sleep := bo.NextBackOff()
			if sleep == backoff.Stop {
				sleep = c.cfg.RetryMax
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sleep):
			}
			if IsConnectionErr(lastErr) {
				c.dropConnection()
			}
		}

		raw, err := c.attempt(ctx, method, body, needAuth)
		if err == nil {
			return raw, nil
		}
		lastErr = err

		if IsPermanent(err) || err == ErrUnauthorized || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, method string, body map[string]any, needAuth bool) ([]byte, error) {
	if err := c.ensureConnection(ctx, needAuth); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.reqSeq++
	id := c.reqSeq
	c.mu.Unlock()

	req := make(map[string]any, len(body)+1)
	for k, v := range body {
		req[k] = v
	}
	req["req_id"] = id

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	ch := make(chan rpcReply, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	if method == "authorize" {
		c.authWaiters = append(c.authWaiters, ch)
	}
	c.pendingMu.Unlock()
	defer c.unregister(id, ch)

	if c.pacer != nil {
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, err
		}
	}

	if err := c.transport.Send(string(payload)); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.err != nil {
			return nil, reply.err
		}
		return reply.raw, nil
	case <-time.After(c.cfg.CallTimeout):
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ensureConnection lazily (re)connects and re-authorizes before any
// non-authorize call.
func (c *Client) ensureConnection(ctx context.Context, needAuth bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	token := c.token
	c.mu.Unlock()

	if !c.transport.IsConnected() {
		c.mu.Lock()
		c.authorized = false
		c.account = nil
		c.balanceFresh = false
		c.mu.Unlock()

		if err := c.transport.Connect(ctx); err != nil {
			return err
		}
		c.mu.Lock()
		c.connGen++
		gen := c.connGen
		c.mu.Unlock()
		go c.readLoop(gen)
	}

	if !needAuth {
		return nil
	}

	c.mu.Lock()
	authorized := c.authorized
	c.mu.Unlock()
	if authorized {
		return nil
	}
	if token == "" {
		return ErrUnauthorized
	}
	if _, err := c.Authorize(ctx, token); err != nil {
		return err
	}
	return nil
}

// readLoop owns Receive on the transport for one connection generation,
// routing frames to waiting callers. It exits on the first transport error,
// failing every in-flight call, or as soon as a reconnect has superseded its
// generation, so the transport never has two concurrent readers.
func (c *Client) readLoop(gen int64) {
	for {
		c.mu.Lock()
		stale := gen != c.connGen
		c.mu.Unlock()
		if stale {
			return
		}
		payload, err := c.transport.Receive(0)
		if err != nil {
			c.mu.Lock()
			c.authorized = false
			c.mu.Unlock()
			c.failPending(err)
			return
		}
		c.dispatch([]byte(payload))
	}
}

type envelope struct {
	ReqID     *int64          `json:"req_id"`
	Error     *UpstreamError  `json:"error"`
	MsgType   string          `json:"msg_type"`
	Authorize json.RawMessage `json:"authorize"`
	EchoReq   json.RawMessage `json:"echo_req"`
}

func (c *Client) dispatch(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("exchange: dropping unparseable frame: %v", err)
		return
	}

	var reply rpcReply
	if env.Error != nil {
		reply = rpcReply{err: env.Error}
	} else {
		reply = rpcReply{raw: raw}
	}

	if env.ReqID != nil {
		c.pendingMu.Lock()
		ch, ok := c.pending[*env.ReqID]
		if ok {
			delete(c.pending, *env.ReqID)
		}
		c.pendingMu.Unlock()
		if ok {
			select {
			case ch <- reply:
			default:
			}
		}
		return
	}

	// Unsolicited authorize responses carry no req_id; match structurally.
	if len(env.Authorize) > 0 && string(env.Authorize) != "null" {
		c.pendingMu.Lock()
		var ch chan rpcReply
		if len(c.authWaiters) > 0 {
			ch = c.authWaiters[0]
			c.authWaiters = c.authWaiters[1:]
		}
		c.pendingMu.Unlock()
		if ch != nil {
			select {
			case ch <- reply:
			default:
			}
		}
		return
	}

	// Bare echo_req frames and anything else uncorrelated are discarded.
}

func (c *Client) unregister(id int64, ch chan rpcReply) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	for i, w := range c.authWaiters {
		if w == ch {
			c.authWaiters = append(c.authWaiters[:i], c.authWaiters[i+1:]...)
			break
		}
	}
	c.pendingMu.Unlock()
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		select {
		case ch <- rpcReply{err: err}:
		default:
		}
	}
	c.authWaiters = nil
	c.pendingMu.Unlock()
}

func (c *Client) dropConnection() {
	_ = c.transport.Close()
	c.mu.Lock()
	c.connGen++
	c.authorized = false
	c.account = nil
	c.balanceFresh = false
	c.mu.Unlock()
}
