package main

import (
	"context"
	"fmt"
	"log"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"options-core/internal/api"
	"options-core/internal/balance"
	"options-core/internal/events"
	"options-core/internal/monitor"
	"options-core/internal/pool"
	"options-core/internal/session"
	"options-core/internal/settlement"
	"options-core/internal/signal"
	"options-core/pkg/config"
	"options-core/pkg/db"
	"options-core/pkg/exchange"
	"options-core/pkg/ws"
)

// secretStore resolves per-user API tokens through the credential_ref column.
// Supported schemes: "env:NAME" reads an environment variable, "file:/path"
// reads a file. Plaintext tokens never land in the database.
type secretStore struct {
	db *db.Database
}

func (s *secretStore) Token(ctx context.Context, userID string) (string, error) {
	user, err := s.db.GetUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load user: %w", err)
	}
	if user == nil || user.CredentialRef == "" {
		return "", pool.ErrNoCredentials
	}

	scheme, ref, found := strings.Cut(user.CredentialRef, ":")
	if !found {
		return "", fmt.Errorf("malformed credential ref for user %s", userID)
	}
	switch scheme {
	case "env":
		return os.Getenv(ref), nil
	case "file":
		data, err := os.ReadFile(ref)
		if err != nil {
			return "", fmt.Errorf("read credential file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	default:
		return "", fmt.Errorf("unsupported credential scheme %q for user %s", scheme, userID)
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	tun := cfg.Tunables
	log.Printf("options-core starting on :%s, upstream %s", cfg.Port, cfg.ExchangeEndpoint)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init: %v", err)
	}
	defer database.Close()
	if err := database.ApplyMigrations(ctx); err != nil {
		log.Fatalf("db migrations: %v", err)
	}

	// Connection pool over the hand-rolled websocket transport.
	wsCfg := ws.DefaultConfig()
	wsCfg.HandshakeTimeout = tun.HandshakeTimeout
	wsCfg.DialTimeout = tun.DialTimeout

	exCfg := exchange.DefaultConfig()
	exCfg.MaxAttempts = tun.RPCMaxAttempts
	exCfg.RetryInitial = tun.RPCRetryInitial
	exCfg.RetryMax = tun.RPCRetryMax
	exCfg.CallTimeout = tun.RPCCallTimeout
	exCfg.RateMaxCalls = tun.RateMaxCalls
	exCfg.RateWindow = tun.RateWindow
	exCfg.Currency = cfg.Currency

	factory := func(ctx context.Context) (exchange.Trader, error) {
		// One outbound frame every 150ms keeps the upstream happy.
		pacer := rate.NewLimiter(rate.Every(150*time.Millisecond), 1)
		return exchange.Dial(cfg.ExchangeEndpoint, wsCfg, exCfg, pacer), nil
	}

	poolCfg := pool.DefaultConfig()
	poolCfg.TTL = tun.PoolTTL
	poolCfg.FailureThreshold = tun.FailureThreshold
	connPool := pool.NewManager(&secretStore{db: database}, factory, poolCfg)
	connPool.Start(ctx)
	defer connPool.Stop()

	balances := balance.NewCache(tun.BalanceTTL, func(ctx context.Context, userID string) (*exchange.BalanceResult, error) {
		trader, err := connPool.GetOrCreate(ctx, userID)
		if err != nil {
			return nil, err
		}
		return trader.GetBalance(ctx)
	})

	sessCfg := session.Config{
		Stake:                cfg.Stake,
		Target:               cfg.DailyTarget,
		StopLimit:            cfg.DailyStopLimit,
		Currency:             cfg.Currency,
		Assets:               cfg.Assets,
		StartGrace:           tun.StartGrace,
		TickMinInterval:      tun.TickMinInterval,
		TickMaxInterval:      tun.TickMaxInterval,
		MaxConsecutiveErrors: tun.MaxConsecutiveErrors,
		OpenContractCeiling:  tun.OpenContractCeiling,
		DailyResetHour:       tun.DailyResetHour,
		ContractDuration:     tun.ContractDuration,
		ContractDurationUnit: tun.ContractDurationUnit,
	}
	sessions := session.NewManager(database, connPool, bus, metrics, sessCfg)

	settleCfg := settlement.Config{
		MinAge:       tun.SettleMinAge,
		RetryLimit:   tun.SettleRetryLimit,
		Concurrency:  8,
		BalanceDrops: balances,
	}
	settle := settlement.NewMonitor(database, connPool, sessions, bus, metrics, settleCfg)

	sigCfg := signal.DefaultConfig()
	sigCfg.DedupWindow = tun.SignalDedupWindow
	sigCfg.BatchSize = tun.SignalBatchSize
	sigCfg.BatchTimeout = tun.SignalBatchTimeout
	dispatcher := signal.NewDispatcher(database, sessions, metrics, sigCfg)

	// Background settlement sweeps. The API exposes a manual trigger too.
	go func() {
		ticker := time.NewTicker(tun.SettleMinAge)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := settle.Sweep(ctx, tun.SweepBatchSize); err != nil {
					log.Printf("[SETTLE] sweep failed: %v", err)
				} else if n > 0 {
					log.Printf("[SETTLE] settled %d trades", n)
				}
			}
		}
	}()

	// Feed pool stats into the metrics snapshot periodically.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetPoolStats(connPool.Stats())
			}
		}
	}()

	server := api.NewServer(sessions, dispatcher, settle, connPool, balances, metrics, cfg.JWTSecret)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
}
