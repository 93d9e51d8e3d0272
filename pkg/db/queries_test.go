package db

import (
	"context"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.ApplyMigrations(context.Background()); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestUserScopedQueriesRequireUserID(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	t.Run("GetLiveSession requires userID", func(t *testing.T) {
		if _, err := d.GetLiveSession(ctx, ""); err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})
	t.Run("CountOpenContracts requires userID", func(t *testing.T) {
		if _, err := d.CountOpenContracts(ctx, ""); err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})
	t.Run("SetBotEnabled requires userID", func(t *testing.T) {
		if err := d.SetBotEnabled(ctx, "", true); err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})
}

func TestSessionRoundTrip(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	s := TradingSession{
		ID: "sess-1", UserID: "u1", State: SessionActive,
		Stake: 1, Target: 100, StopLimit: 50,
		DayStart: now, StartTime: now, LastActivityTime: now,
	}
	if err := d.CreateSession(ctx, s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	live, err := d.GetLiveSession(ctx, "u1")
	if err != nil {
		t.Fatalf("GetLiveSession: %v", err)
	}
	if live == nil || live.ID != "sess-1" || live.State != SessionActive {
		t.Fatalf("live=%+v", live)
	}
	if live.EndTime != nil {
		t.Fatalf("EndTime=%v, expected nil for live session", live.EndTime)
	}

	end := now.Add(time.Hour)
	live.State = SessionStopped
	live.EndTime = &end
	live.StopActor = "user"
	live.StopReason = "manual stop"
	if err := d.UpdateSession(ctx, *live); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	if again, _ := d.GetLiveSession(ctx, "u1"); again != nil {
		t.Fatalf("stopped session still reported live: %+v", again)
	}

	stored, err := d.GetSessionByID(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSessionByID: %v", err)
	}
	if stored.EndTime == nil || !stored.EndTime.Equal(end) {
		t.Fatalf("EndTime=%v, expected %v", stored.EndTime, end)
	}
}

func TestSettleTradeIsMonotonic(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	trade := Trade{
		ID: "t1", SessionID: "s1", UserID: "u1", ExternalContractID: 42,
		Asset: "R_100", Direction: "CALL", Stake: 1, Status: TradePending, CreatedAt: now,
	}
	if err := d.CreateTrade(ctx, trade); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}

	applied, err := d.SettleTrade(ctx, "t1", TradeWon, 1.95, 0.95, now)
	if err != nil {
		t.Fatalf("SettleTrade: %v", err)
	}
	if !applied {
		t.Fatal("first settlement not applied")
	}

	// Second settlement must be a no-op: terminal statuses never revert.
	applied, err = d.SettleTrade(ctx, "t1", TradeLost, 0, -1, now)
	if err != nil {
		t.Fatalf("SettleTrade repeat: %v", err)
	}
	if applied {
		t.Fatal("terminal trade was settled a second time")
	}

	got, _ := d.GetTrade(ctx, "t1")
	if got.Status != TradeWon || got.Profit != 0.95 {
		t.Fatalf("trade mutated after terminal: %+v", got)
	}
}

func TestDueMonitorEntriesFiltering(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-5 * time.Minute)
	fresh := time.Now().UTC()

	mk := func(id string, contractID int64, createdAt time.Time, retry int) {
		t.Helper()
		if err := d.CreateTrade(ctx, Trade{
			ID: id, SessionID: "s1", UserID: "u1", ExternalContractID: contractID,
			Asset: "R_100", Direction: "CALL", Stake: 1, Status: TradePending, CreatedAt: createdAt,
		}); err != nil {
			t.Fatalf("CreateTrade %s: %v", id, err)
		}
		if err := d.CreateMonitorEntry(ctx, MonitorEntry{
			ContractID: contractID, TradeID: id, UserID: "u1",
			Status: MonitorPending, RetryCount: retry, CreatedAt: createdAt,
		}); err != nil {
			t.Fatalf("CreateMonitorEntry %s: %v", id, err)
		}
	}

	mk("t-due", 1, old, 0)
	mk("t-young", 2, fresh, 0)   // too recent to settle
	mk("t-exhausted", 3, old, 5) // retry ceiling reached

	jobs, err := d.DueMonitorEntries(ctx, time.Now().UTC().Add(-time.Minute), 5, 10)
	if err != nil {
		t.Fatalf("DueMonitorEntries: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Trade.ID != "t-due" {
		t.Fatalf("jobs=%+v, expected only t-due", jobs)
	}

	if err := d.BumpMonitorRetry(ctx, 1, time.Now().UTC()); err != nil {
		t.Fatalf("BumpMonitorRetry: %v", err)
	}
	e, _ := d.GetMonitorEntry(ctx, 1)
	if e.RetryCount != 1 || e.LastCheckedAt == nil {
		t.Fatalf("entry after bump: %+v", e)
	}
}

func TestSignalDedupLookupAndStats(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sig := Signal{ID: "sig-1", Type: "RISE", Asset: "R_100", Source: "webhook", RawText: "R_100,RISE", ReceivedAt: now}
	if err := d.CreateSignal(ctx, sig); err != nil {
		t.Fatalf("CreateSignal: %v", err)
	}

	dup, err := d.FindRecentSignal(ctx, "RISE", "R_100,RISE", now.Add(-5*time.Second))
	if err != nil {
		t.Fatalf("FindRecentSignal: %v", err)
	}
	if dup == nil || dup.ID != "sig-1" {
		t.Fatalf("dup=%+v", dup)
	}

	if miss, _ := d.FindRecentSignal(ctx, "FALL", "R_100,RISE", now.Add(-5*time.Second)); miss != nil {
		t.Fatalf("different type matched: %+v", miss)
	}

	if err := d.UpdateSignalOutcome(ctx, "sig-1", 10, 8, 2, 1500); err != nil {
		t.Fatalf("UpdateSignalOutcome: %v", err)
	}

	stats, err := d.GetSignalStats(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetSignalStats: %v", err)
	}
	if stats.TotalSignals != 1 || stats.TotalSuccesses != 8 || stats.TotalFailures != 2 {
		t.Fatalf("stats=%+v", stats)
	}
	if stats.SuccessRate != 0.8 {
		t.Fatalf("SuccessRate=%v", stats.SuccessRate)
	}
	if stats.CountsByType["RISE"] != 1 {
		t.Fatalf("CountsByType=%v", stats.CountsByType)
	}
}

func TestEligibleUsersFilter(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	users := []User{
		{ID: "u-ok", CredentialRef: "vault:u-ok", IsActive: true, BotEnabled: true, CreatedAt: now},
		{ID: "u-disabled", CredentialRef: "vault:u-d", IsActive: true, BotEnabled: false, CreatedAt: now},
		{ID: "u-inactive", CredentialRef: "vault:u-i", IsActive: false, BotEnabled: true, CreatedAt: now},
		{ID: "u-nocred", CredentialRef: "", IsActive: true, BotEnabled: true, CreatedAt: now},
	}
	for _, u := range users {
		if err := d.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser %s: %v", u.ID, err)
		}
	}

	eligible, err := d.ListEligibleUsers(ctx)
	if err != nil {
		t.Fatalf("ListEligibleUsers: %v", err)
	}
	if len(eligible) != 1 || eligible[0].ID != "u-ok" {
		t.Fatalf("eligible=%+v", eligible)
	}

	if err := d.SetBotEnabled(ctx, "u-ok", false); err != nil {
		t.Fatalf("SetBotEnabled: %v", err)
	}
	eligible, _ = d.ListEligibleUsers(ctx)
	if len(eligible) != 0 {
		t.Fatalf("eligible after disable=%+v", eligible)
	}
}
