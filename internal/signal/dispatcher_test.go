package signal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"options-core/pkg/db"
)

type executedCall struct {
	UserID    string
	Asset     string
	Direction string
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []executedCall
	fail  map[string]error
}

func (f *fakeExecutor) ExecuteTrade(ctx context.Context, userID, asset, direction string, stake float64) (*db.Trade, error) {
	f.mu.Lock()
	f.calls = append(f.calls, executedCall{UserID: userID, Asset: asset, Direction: direction})
	err := f.fail[userID]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &db.Trade{ID: uuid.New().String(), UserID: userID}, nil
}

func (f *fakeExecutor) executed() []executedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]executedCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func newEnv(t *testing.T, cfg Config) (*Dispatcher, *db.Database, *fakeExecutor) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.ApplyMigrations(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	exec := &fakeExecutor{fail: make(map[string]error)}
	return NewDispatcher(database, exec, nil, cfg), database, exec
}

// seedUser creates a user, optionally with an ACTIVE session.
func seedUser(t *testing.T, database *db.Database, id string, botEnabled, activeSession bool) {
	t.Helper()
	ctx := context.Background()
	if err := database.CreateUser(ctx, db.User{
		ID: id, Email: id + "@example.com", CredentialRef: "vault:" + id,
		IsActive: true, BotEnabled: botEnabled, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if activeSession {
		if err := database.CreateSession(ctx, db.TradingSession{
			ID: "sess-" + id, UserID: id, State: db.SessionActive,
			Stake: 1, StartTime: time.Now(), LastActivityTime: time.Now(),
			DayStart: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestReceiveDedupsWithinWindow(t *testing.T) {
	d, database, _ := newEnv(t, DefaultConfig())
	ctx := context.Background()

	first, err := d.Receive(ctx, "RISE", "", "webhook", "R_100,RISE")
	if err != nil {
		t.Fatalf("first receive: %v", err)
	}
	if first.Duplicate {
		t.Fatal("first signal must not be a duplicate")
	}

	second, err := d.Receive(ctx, "RISE", "", "webhook", "R_100,RISE")
	if err != nil {
		t.Fatalf("second receive: %v", err)
	}
	if !second.Duplicate {
		t.Error("second identical signal inside the window should be a duplicate")
	}
	if second.SignalID != first.SignalID {
		t.Errorf("duplicate id = %s, want original %s", second.SignalID, first.SignalID)
	}

	signals, err := database.ListSignals(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(signals) != 1 {
		t.Errorf("persisted %d signals, want exactly 1", len(signals))
	}
}

func TestReceiveAcceptsAfterWindowElapses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DedupWindow = 10 * time.Millisecond
	d, _, _ := newEnv(t, cfg)
	ctx := context.Background()

	first, err := d.Receive(ctx, "FALL", "", "webhook", "R_50,FALL")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	second, err := d.Receive(ctx, "FALL", "", "webhook", "R_50,FALL")
	if err != nil {
		t.Fatal(err)
	}
	if second.Duplicate || second.SignalID == first.SignalID {
		t.Error("signal after the window should be accepted as new")
	}
}

func TestReceiveRejectsUnknownDirection(t *testing.T) {
	d, _, _ := newEnv(t, DefaultConfig())
	if _, err := d.Receive(context.Background(), "SIDEWAYS", "", "webhook", "x"); !errors.Is(err, ErrInvalidDirection) {
		t.Fatalf("err = %v, want ErrInvalidDirection", err)
	}
}

func TestFanOutTargetsOnlyEligibleUsers(t *testing.T) {
	d, database, exec := newEnv(t, DefaultConfig())
	seedUser(t, database, "u-active", true, true)
	seedUser(t, database, "u-nosession", true, false)
	seedUser(t, database, "u-disabled", false, true)

	res, err := d.Receive(context.Background(), "RISE", "R_100", "webhook", "R_100,RISE")
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalUsers != 1 || res.Successes != 1 {
		t.Errorf("total/successes = %d/%d, want 1/1", res.TotalUsers, res.Successes)
	}

	calls := exec.executed()
	if len(calls) != 1 || calls[0].UserID != "u-active" {
		t.Errorf("executed for %v, want only u-active", calls)
	}
	if calls[0].Direction != "CALL" {
		t.Errorf("direction = %s, want CALL for RISE", calls[0].Direction)
	}
}

func TestPerUserOutcomesAreIndependent(t *testing.T) {
	d, database, exec := newEnv(t, DefaultConfig())
	seedUser(t, database, "u1", true, true)
	seedUser(t, database, "u2", true, true)
	exec.fail["u2"] = errors.New("upstream rejected")

	res, err := d.Receive(context.Background(), "FALL", "R_100", "webhook", "R_100,FALL")
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalUsers != 2 || res.Successes != 1 || res.Failures != 1 {
		t.Errorf("total/ok/failed = %d/%d/%d, want 2/1/1", res.TotalUsers, res.Successes, res.Failures)
	}

	// Aggregate persisted on the signal row.
	signals, err := database.ListSignals(context.Background(), 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if signals[0].TotalUsers != 2 || signals[0].Successes != 1 || signals[0].Failures != 1 {
		t.Errorf("persisted aggregate = %+v, want 2/1/1", signals[0])
	}
}

func TestAssetParsedFromRawText(t *testing.T) {
	d, database, exec := newEnv(t, DefaultConfig())
	seedUser(t, database, "u1", true, true)

	if _, err := d.Receive(context.Background(), "RISE", "", "webhook", "R_50,RISE"); err != nil {
		t.Fatal(err)
	}
	calls := exec.executed()
	if len(calls) != 1 || calls[0].Asset != "R_50" {
		t.Errorf("executed %v, want asset R_50 parsed from raw text", calls)
	}
}

func TestStatsAggregateOutcomes(t *testing.T) {
	d, database, exec := newEnv(t, DefaultConfig())
	seedUser(t, database, "u1", true, true)
	seedUser(t, database, "u2", true, true)
	exec.fail["u2"] = errors.New("nope")

	ctx := context.Background()
	if _, err := d.Receive(ctx, "RISE", "R_100", "webhook", "R_100,RISE"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Receive(ctx, "FALL", "R_100", "webhook", "R_100,FALL"); err != nil {
		t.Fatal(err)
	}

	stats, err := d.Stats(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalSignals != 2 {
		t.Errorf("TotalSignals = %d, want 2", stats.TotalSignals)
	}
	if stats.TotalSuccesses != 2 || stats.TotalFailures != 2 {
		t.Errorf("successes/failures = %d/%d, want 2/2", stats.TotalSuccesses, stats.TotalFailures)
	}
	if stats.CountsByType["RISE"] != 1 || stats.CountsByType["FALL"] != 1 {
		t.Errorf("CountsByType = %v, want one of each", stats.CountsByType)
	}

	history, err := d.History(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Errorf("history length = %d, want 2", len(history))
	}
}
