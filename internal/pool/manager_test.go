package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"options-core/pkg/exchange"
)

// fakeTrader implements exchange.Trader with canned responses.
type fakeTrader struct {
	mu        sync.Mutex
	id        int
	connected bool
	closed    bool
	authToken string
}

func (f *fakeTrader) Authorize(ctx context.Context, token string) (*exchange.AuthorizeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authToken = token
	return &exchange.AuthorizeResult{LoginID: "CR1001", Currency: "USD"}, nil
}

func (f *fakeTrader) GetBalance(ctx context.Context) (*exchange.BalanceResult, error) {
	return &exchange.BalanceResult{Balance: 100, Currency: "USD"}, nil
}

func (f *fakeTrader) GetAccountInfo(ctx context.Context) (*exchange.AccountInfo, error) {
	return &exchange.AccountInfo{}, nil
}

func (f *fakeTrader) GetAvailableAssets(ctx context.Context) ([]exchange.Asset, error) {
	return nil, nil
}

func (f *fakeTrader) BuyContract(ctx context.Context, p exchange.BuyParams) (*exchange.BuyResult, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTrader) SellContract(ctx context.Context, contractID int64) (*exchange.SellResult, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTrader) GetContractInfo(ctx context.Context, contractID int64) (*exchange.ContractInfo, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTrader) GetTicks(ctx context.Context, symbol string, count int) ([]exchange.Tick, error) {
	return nil, nil
}

func (f *fakeTrader) InvalidateBalance() {}

func (f *fakeTrader) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTrader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.closed = true
	return nil
}

type staticTokens map[string]string

func (s staticTokens) Token(ctx context.Context, userID string) (string, error) {
	return s[userID], nil
}

// testFactory counts how many traders it has built.
type testFactory struct {
	mu      sync.Mutex
	created []*fakeTrader
}

func (tf *testFactory) build(ctx context.Context) (exchange.Trader, error) {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	t := &fakeTrader{id: len(tf.created) + 1, connected: true}
	tf.created = append(tf.created, t)
	return t, nil
}

func (tf *testFactory) count() int {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return len(tf.created)
}

func newTestManager(cfg Config, tokens staticTokens) (*Manager, *testFactory) {
	tf := &testFactory{}
	return NewManager(tokens, tf.build, cfg), tf
}

func TestGetOrCreateReusesWithinTTL(t *testing.T) {
	m, tf := newTestManager(DefaultConfig(), staticTokens{"u1": "tok-1"})
	defer m.Stop()

	ctx := context.Background()
	first, err := m.GetOrCreate(ctx, "u1")
	if err != nil {
		t.Fatalf("first GetOrCreate: %v", err)
	}
	second, err := m.GetOrCreate(ctx, "u1")
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if first != second {
		t.Error("expected the same trader instance within the TTL")
	}
	if tf.count() != 1 {
		t.Errorf("factory built %d traders, want 1", tf.count())
	}
}

func TestGetOrCreateRecreatesStaleConnection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTL = 10 * time.Millisecond
	m, tf := newTestManager(cfg, staticTokens{"u1": "tok-1"})
	defer m.Stop()

	ctx := context.Background()
	first, err := m.GetOrCreate(ctx, "u1")
	if err != nil {
		t.Fatalf("first GetOrCreate: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	second, err := m.GetOrCreate(ctx, "u1")
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if first == second {
		t.Error("expected a fresh trader after TTL expiry")
	}
	if !first.(*fakeTrader).closed {
		t.Error("stale trader should have been closed")
	}
	if tf.count() != 2 {
		t.Errorf("factory built %d traders, want 2", tf.count())
	}
}

func TestGetOrCreateRecreatesDroppedConnection(t *testing.T) {
	m, tf := newTestManager(DefaultConfig(), staticTokens{"u1": "tok-1"})
	defer m.Stop()

	ctx := context.Background()
	first, err := m.GetOrCreate(ctx, "u1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	// Simulate the socket dropping out from under us.
	ft := first.(*fakeTrader)
	ft.mu.Lock()
	ft.connected = false
	ft.mu.Unlock()

	second, err := m.GetOrCreate(ctx, "u1")
	if err != nil {
		t.Fatalf("GetOrCreate after drop: %v", err)
	}
	if first == second {
		t.Error("expected a fresh trader after the socket dropped")
	}
	if tf.count() != 2 {
		t.Errorf("factory built %d traders, want 2", tf.count())
	}
}

func TestCircuitBreakerBlocksUnhealthyUser(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	m, _ := newTestManager(cfg, staticTokens{"u1": "tok-1"})
	defer m.Stop()

	ctx := context.Background()
	if _, err := m.GetOrCreate(ctx, "u1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	m.RecordFailure("u1")
	m.RecordFailure("u1")

	if _, err := m.GetOrCreate(ctx, "u1"); !errors.Is(err, ErrUserUnhealthy) {
		t.Fatalf("err = %v, want ErrUserUnhealthy", err)
	}

	// A success resets the breaker.
	m.RecordSuccess("u1")
	if _, err := m.GetOrCreate(ctx, "u1"); err != nil {
		t.Fatalf("GetOrCreate after recovery: %v", err)
	}
}

func TestMissingTokenIsRejected(t *testing.T) {
	m, tf := newTestManager(DefaultConfig(), staticTokens{})
	defer m.Stop()

	if _, err := m.GetOrCreate(context.Background(), "ghost"); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
	if tf.count() != 0 {
		t.Error("factory should not run without credentials")
	}
}

func TestPoolEvictsOldestWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 2
	m, _ := newTestManager(cfg, staticTokens{"u1": "t1", "u2": "t2", "u3": "t3"})
	defer m.Stop()

	ctx := context.Background()
	first, _ := m.GetOrCreate(ctx, "u1")
	if _, err := m.GetOrCreate(ctx, "u2"); err != nil {
		t.Fatalf("u2: %v", err)
	}
	if _, err := m.GetOrCreate(ctx, "u3"); err != nil {
		t.Fatalf("u3: %v", err)
	}

	stats := m.Stats()
	if stats.TotalConns != 2 {
		t.Errorf("TotalConns = %d, want 2", stats.TotalConns)
	}
	if !first.(*fakeTrader).closed {
		t.Error("oldest connection should have been evicted and closed")
	}
}

func TestInvalidateClosesConnection(t *testing.T) {
	m, tf := newTestManager(DefaultConfig(), staticTokens{"u1": "tok-1"})
	defer m.Stop()

	ctx := context.Background()
	first, _ := m.GetOrCreate(ctx, "u1")
	m.Invalidate("u1")
	if !first.(*fakeTrader).closed {
		t.Error("invalidated connection should be closed")
	}
	if _, err := m.GetOrCreate(ctx, "u1"); err != nil {
		t.Fatalf("GetOrCreate after invalidate: %v", err)
	}
	if tf.count() != 2 {
		t.Errorf("factory built %d traders, want 2", tf.count())
	}
}

func TestEvictExpiredRemovesIdleConnections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 10 * time.Millisecond
	m, _ := newTestManager(cfg, staticTokens{"u1": "tok-1"})
	defer m.Stop()

	if _, err := m.GetOrCreate(context.Background(), "u1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if n := m.EvictExpired(); n != 1 {
		t.Errorf("EvictExpired = %d, want 1", n)
	}
	if m.Stats().TotalConns != 0 {
		t.Error("pool should be empty after eviction")
	}
}
