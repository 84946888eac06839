// Package config loads the process environment into a typed Config,
// each field backed by an env var with a sane default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable the core pipeline needs. Each component
// binary (cmd/ingest, cmd/writer, cmd/signals, cmd/backfill, cmd/health)
// loads one Config and uses the subset it needs.
type Config struct {
	// Exchange credentials
	KeyID          string
	PrivateKeyPath string
	APIBaseURL     string
	WSURL          string

	// Redis (MessageBus + StateStore)
	RedisHost string
	RedisPort string
	RedisDB   int
	RedisPass string

	// Postgres (time-series DB)
	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string
	DBPoolMin  int
	DBPoolMax  int

	// Writer tuning
	TradeWriterBatchSize      int
	TradeWriterFlushInterval  time.Duration
	OrderbookSnapshotInterval time.Duration
	MarketScanInterval        time.Duration

	// WS tuning
	WSPingInterval      time.Duration
	WSPongTimeout       time.Duration
	WSReconnectMaxDelay time.Duration

	// Monitoring
	HealthCheckInterval time.Duration
	AlertCooldown       time.Duration
	DiskCheckPath       string
}

// Load reads a .env file if present (ignored if absent, same as the
// teacher) then pulls every variable from the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		KeyID:          os.Getenv("KEY_ID"),
		PrivateKeyPath: getEnvDefault("PRIVATE_KEY_PATH", "./kalshi_private_key.pem"),
		APIBaseURL:     getEnvDefault("API_BASE_URL", "https://api.elections.kalshi.com/trade-api/v2"),
		WSURL:          getEnvDefault("WS_URL", "wss://api.elections.kalshi.com/trade-api/ws/v2"),

		RedisHost: getEnvDefault("REDIS_HOST", "localhost"),
		RedisPort: getEnvDefault("REDIS_PORT", "6379"),
		RedisDB:   getEnvIntDefault("REDIS_DB", 0),
		RedisPass: os.Getenv("REDIS_PASSWORD"),

		DBHost:     getEnvDefault("DB_HOST", "localhost"),
		DBPort:     getEnvDefault("DB_PORT", "5432"),
		DBName:     getEnvDefault("DB_NAME", "kass"),
		DBUser:     getEnvDefault("DB_USER", "kass"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBPoolMin:  getEnvIntDefault("DB_POOL_MIN", 2),
		DBPoolMax:  getEnvIntDefault("DB_POOL_MAX", 10),

		TradeWriterBatchSize:      getEnvIntDefault("TRADE_WRITER_BATCH_SIZE", 100),
		TradeWriterFlushInterval:  getEnvSecondsDefault("TRADE_WRITER_FLUSH_INTERVAL", 5.0),
		OrderbookSnapshotInterval: getEnvSecondsDefault("ORDERBOOK_SNAPSHOT_INTERVAL", 60),
		MarketScanInterval:        getEnvSecondsDefault("MARKET_SCAN_INTERVAL", 300),

		WSPingInterval:      getEnvSecondsDefault("WS_PING_INTERVAL", 30),
		WSPongTimeout:       getEnvSecondsDefault("WS_PONG_TIMEOUT", 10),
		WSReconnectMaxDelay: getEnvSecondsDefault("WS_RECONNECT_MAX_DELAY", 60),

		HealthCheckInterval: getEnvSecondsDefault("HEALTH_CHECK_INTERVAL", 30),
		AlertCooldown:       getEnvSecondsDefault("ALERT_COOLDOWN", 300),
		DiskCheckPath:       getEnvDefault("DISK_CHECK_PATH", "/"),
	}

	if cfg.KeyID == "" {
		return nil, fmt.Errorf("KEY_ID is required")
	}

	return cfg, nil
}

// RedisAddr returns the host:port pair go-redis expects.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

// PostgresDSN returns a libpq-style connection string for pgxpool.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%s dbname=%s user=%s password=%s pool_min_conns=%d pool_max_conns=%d",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBPoolMin, c.DBPoolMax)
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvSecondsDefault(key string, def float64) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return durationFromSeconds(def)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return durationFromSeconds(def)
	}
	return durationFromSeconds(f)
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
