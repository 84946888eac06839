package config

import (
	"testing"
	"time"
)

func TestLoad_RequiresKeyID(t *testing.T) {
	t.Setenv("KEY_ID", "")
	if _, err := Load(); err == nil {
		t.Error("expected Load to fail without KEY_ID set")
	}
}

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	t.Setenv("KEY_ID", "test-key")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("WS_PING_INTERVAL", "45")
	t.Setenv("DB_POOL_MAX", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIBaseURL != "https://api.elections.kalshi.com/trade-api/v2" {
		t.Errorf("APIBaseURL default not applied, got %q", cfg.APIBaseURL)
	}
	if cfg.RedisAddr() != "redis.internal:6380" {
		t.Errorf("RedisAddr = %q, want redis.internal:6380", cfg.RedisAddr())
	}
	if cfg.WSPingInterval != 45*time.Second {
		t.Errorf("WSPingInterval = %v, want 45s", cfg.WSPingInterval)
	}
	if cfg.DBPoolMax != 10 {
		t.Errorf("DBPoolMax = %d, want default 10 for an unparseable override", cfg.DBPoolMax)
	}
}

func TestPostgresDSN(t *testing.T) {
	cfg := &Config{
		DBHost: "h", DBPort: "5432", DBName: "n", DBUser: "u", DBPassword: "p",
		DBPoolMin: 2, DBPoolMax: 10,
	}
	dsn := cfg.PostgresDSN()
	want := "host=h port=5432 dbname=n user=u password=p pool_min_conns=2 pool_max_conns=10"
	if dsn != want {
		t.Errorf("PostgresDSN = %q, want %q", dsn, want)
	}
}
