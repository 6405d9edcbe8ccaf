// Package config loads engine configuration from environment variables.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Feed modes.
const (
	FeedModeDirect = "DIRECT"
	FeedModeRelay  = "RELAY"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Live-order master switch. Defaults to false: entry orders are
	// rejected until explicitly enabled.
	TradingEnabled bool

	// DataFeedMode selects the tick source: DIRECT (broker WebSocket) or
	// RELAY (internal tick relay, read-only).
	DataFeedMode string
	RelayURL     string

	// Angel One credentials (required in DIRECT mode)
	AngelAPIKey     string
	AngelClientCode string
	AngelPassword   string
	AngelTOTPSecret string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SQLitePath    string
	MetricsAddr   string

	// Subscription: comma-separated "token:exchange:symbol" triples
	SubscribeInstruments string

	// Reconciler tuning
	ReconcileInterval time.Duration
	OrderTimeout      time.Duration
	MaxBrokerCalls    int

	// Exit tuning
	MaxHoldingDays int

	// Notifications (all optional)
	TelegramBotToken string
	TelegramChatID   string
	WebhookURL       string
}

// Load reads configuration from environment variables with sensible defaults.
// Broker credentials are only required in DIRECT mode.
func Load() *Config {
	cfg := &Config{
		TradingEnabled: getEnvBool("TRADING_ENABLED", false),
		DataFeedMode:   strings.ToUpper(getEnv("DATA_FEED_MODE", FeedModeDirect)),
		RelayURL:       getEnv("RELAY_URL", "ws://localhost:9001/ws"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		SQLitePath:    getEnv("SQLITE_PATH", "data/engine.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		// Default: SBIN on NSE
		SubscribeInstruments: getEnv("SUBSCRIBE_INSTRUMENTS", "3045:NSE:SBIN-EQ"),

		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 30*time.Second),
		OrderTimeout:      getEnvDuration("ORDER_TIMEOUT", 10*time.Minute),
		MaxBrokerCalls:    getEnvInt("MAX_BROKER_CALLS", 5),

		MaxHoldingDays: getEnvInt("MAX_HOLDING_DAYS", 30),

		TelegramBotToken: getEnv("NOTIFY_TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("NOTIFY_TELEGRAM_CHAT_ID", ""),
		WebhookURL:       getEnv("NOTIFY_WEBHOOK_URL", ""),
	}

	switch cfg.DataFeedMode {
	case FeedModeDirect:
		cfg.AngelAPIKey = mustEnv("ANGEL_API_KEY")
		cfg.AngelClientCode = mustEnv("ANGEL_CLIENT_CODE")
		cfg.AngelPassword = mustEnv("ANGEL_PASSWORD")
		cfg.AngelTOTPSecret = mustEnv("ANGEL_TOTP_SECRET")
	case FeedModeRelay:
		// Relay mode never places orders.
		if cfg.TradingEnabled {
			log.Println("[config] TRADING_ENABLED ignored in RELAY mode")
			cfg.TradingEnabled = false
		}
	default:
		log.Fatalf("[config] DATA_FEED_MODE must be DIRECT or RELAY, got %q", cfg.DataFeedMode)
	}

	return cfg
}

// Instrument is one parsed SUBSCRIBE_INSTRUMENTS entry.
type Instrument struct {
	Token    string
	Exchange string
	Symbol   string
}

// ParseInstruments parses the SUBSCRIBE_INSTRUMENTS list. Invalid entries are
// logged and skipped.
func (c *Config) ParseInstruments() []Instrument {
	parts := strings.Split(c.SubscribeInstruments, ",")
	out := make([]Instrument, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		fields := strings.Split(p, ":")
		if len(fields) != 3 {
			log.Printf("[config] skipping invalid instrument entry: %q", p)
			continue
		}
		out = append(out, Instrument{Token: fields[0], Exchange: fields[1], Symbol: fields[2]})
	}
	return out
}

// Symbols returns just the symbols from the subscription list.
func (c *Config) Symbols() []string {
	insts := c.ParseInstruments()
	out := make([]string, len(insts))
	for i, in := range insts {
		out[i] = in.Symbol
	}
	return out
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid bool for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid int for %s: %q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid duration for %s: %q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
