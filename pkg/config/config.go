// Package config loads environment-driven settings and the optional YAML
// tunables file for the trading core.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the trading core.
type Config struct {
	Port string

	// Exchange
	ExchangeEndpoint string
	Currency         string

	// Trading defaults snapshotted into each new session
	Stake          float64
	DailyTarget    float64
	DailyStopLimit float64
	Assets         []string

	// Database
	DBPath string

	// Auth
	JWTSecret string

	// Engine tunables (overridable via TUNABLES_PATH YAML file)
	Tunables Tunables
}

// Tunables are the knobs the engine exposes instead of hard-coding: retry
// counts, TTLs, batch sizes, and interval windows.
type Tunables struct {
	// RPC layer
	RPCMaxAttempts  int
	RPCCallTimeout  time.Duration
	RPCRetryInitial time.Duration
	RPCRetryMax     time.Duration
	RateMaxCalls    int
	RateWindow      time.Duration

	// Transport
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration

	// Connection pool / balance cache
	PoolTTL          time.Duration
	BalanceTTL       time.Duration
	FailureThreshold int

	// Session manager
	StartGrace           time.Duration
	TickMinInterval      time.Duration
	TickMaxInterval      time.Duration
	MaxConsecutiveErrors int
	OpenContractCeiling  int
	DailyResetHour       int
	ContractDuration     int
	ContractDurationUnit string

	// Settlement monitor
	SettleMinAge     time.Duration
	SettleRetryLimit int
	SweepBatchSize   int

	// Signal dispatcher
	SignalDedupWindow  time.Duration
	SignalBatchSize    int
	SignalBatchTimeout time.Duration
}

// DefaultTunables mirrors the values observed to work against the upstream.
func DefaultTunables() Tunables {
	return Tunables{
		RPCMaxAttempts:  3,
		RPCCallTimeout:  15 * time.Second,
		RPCRetryInitial: 500 * time.Millisecond,
		RPCRetryMax:     5 * time.Second,
		RateMaxCalls:    20,
		RateWindow:      time.Minute,

		HandshakeTimeout: 10 * time.Second,
		DialTimeout:      10 * time.Second,

		PoolTTL:          10 * time.Minute,
		BalanceTTL:       5 * time.Second,
		FailureThreshold: 3,

		StartGrace:           5 * time.Second,
		TickMinInterval:      30 * time.Second,
		TickMaxInterval:      90 * time.Second,
		MaxConsecutiveErrors: 5,
		OpenContractCeiling:  3,
		DailyResetHour:       0,
		ContractDuration:     5,
		ContractDurationUnit: "t",

		SettleMinAge:     30 * time.Second,
		SettleRetryLimit: 5,
		SweepBatchSize:   50,

		SignalDedupWindow:  5 * time.Second,
		SignalBatchSize:    10,
		SignalBatchTimeout: 2 * time.Minute,
	}
}

// UnmarshalYAML accepts a flat map of tunable keys. Durations are written as
// Go duration strings ("30s", "5m"); unknown keys fail loudly rather than
// being silently ignored.
func (t *Tunables) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	for key, val := range raw {
		if err := t.set(key, val); err != nil {
			return fmt.Errorf("tunable %q: %w", key, err)
		}
	}
	return nil
}

func (t *Tunables) set(key, val string) error {
	switch key {
	case "rpc_max_attempts":
		return setInt(&t.RPCMaxAttempts, val)
	case "rpc_call_timeout":
		return setDuration(&t.RPCCallTimeout, val)
	case "rpc_retry_initial":
		return setDuration(&t.RPCRetryInitial, val)
	case "rpc_retry_max":
		return setDuration(&t.RPCRetryMax, val)
	case "rate_max_calls":
		return setInt(&t.RateMaxCalls, val)
	case "rate_window":
		return setDuration(&t.RateWindow, val)
	case "handshake_timeout":
		return setDuration(&t.HandshakeTimeout, val)
	case "dial_timeout":
		return setDuration(&t.DialTimeout, val)
	case "pool_ttl":
		return setDuration(&t.PoolTTL, val)
	case "balance_ttl":
		return setDuration(&t.BalanceTTL, val)
	case "failure_threshold":
		return setInt(&t.FailureThreshold, val)
	case "start_grace":
		return setDuration(&t.StartGrace, val)
	case "tick_min_interval":
		return setDuration(&t.TickMinInterval, val)
	case "tick_max_interval":
		return setDuration(&t.TickMaxInterval, val)
	case "max_consecutive_errors":
		return setInt(&t.MaxConsecutiveErrors, val)
	case "open_contract_ceiling":
		return setInt(&t.OpenContractCeiling, val)
	case "daily_reset_hour":
		return setInt(&t.DailyResetHour, val)
	case "contract_duration":
		return setInt(&t.ContractDuration, val)
	case "contract_duration_unit":
		t.ContractDurationUnit = val
		return nil
	case "settle_min_age":
		return setDuration(&t.SettleMinAge, val)
	case "settle_retry_limit":
		return setInt(&t.SettleRetryLimit, val)
	case "sweep_batch_size":
		return setInt(&t.SweepBatchSize, val)
	case "signal_dedup_window":
		return setDuration(&t.SignalDedupWindow, val)
	case "signal_batch_size":
		return setInt(&t.SignalBatchSize, val)
	case "signal_batch_timeout":
		return setDuration(&t.SignalBatchTimeout, val)
	default:
		return fmt.Errorf("unknown tunable")
	}
}

func setInt(dst *int, val string) error {
	i, err := strconv.Atoi(val)
	if err != nil {
		return err
	}
	*dst = i
	return nil
}

func setDuration(dst *time.Duration, val string) error {
	d, err := time.ParseDuration(val)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

// Load reads environment variables (optionally via .env) into Config, then
// overlays the YAML tunables file when TUNABLES_PATH points at one.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		ExchangeEndpoint: getEnv("EXCHANGE_ENDPOINT", "wss://ws.binaryws.com/websockets/v3"),
		Currency:         getEnv("CURRENCY", "USD"),
		Stake:            getEnvFloat("STAKE", 1),
		DailyTarget:      getEnvFloat("DAILY_TARGET", 100),
		DailyStopLimit:   getEnvFloat("DAILY_STOP_LIMIT", 50),
		Assets:           splitList(getEnv("ASSETS", "R_100,R_50,R_25")),
		DBPath:           getEnv("DB_PATH", "./data/options.db"),
		JWTSecret:        getEnv("JWT_SECRET", "dev-secret"),
		Tunables:         DefaultTunables(),
	}

	if path := os.Getenv("TUNABLES_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read tunables: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg.Tunables); err != nil {
			return nil, fmt.Errorf("parse tunables: %w", err)
		}
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
