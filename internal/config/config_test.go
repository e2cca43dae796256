package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv isolates a test from overrides set in the developer's shell.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"KALSHI_API_KEY", "KALSHI_PRIVATE_KEY_PATH", "ENVIRONMENT",
		"READ_RATE_LIMIT", "WRITE_RATE_LIMIT", "PAPER_MODE",
		"DATA_DIR", "SQLITE_PATH", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
	t.Chdir(t.TempDir())
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spreadbot.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
kalshi:
  api_key: "test-key"
  private_key_path: "/keys/kalshi.pem"
  environment: production
rate_limits:
  read: 30
  write: 15
strategy:
  max_position_size: 50
  max_concurrent_positions: 3
  order_timeout_seconds: 60
  scan_interval_seconds: 10
trading:
  paper_mode: false
  serialize_entries: false
storage:
  data_dir: "/tmp/spreadbot/data"
  sqlite_path: "/tmp/spreadbot/journal.db"
server:
  host: "0.0.0.0"
  port: 8081
  grpc_port: 9091
logging:
  level: "debug"
  format: "text"
stream:
  reconnect_initial: 2s
  max_reconnects: 10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Kalshi --
	if cfg.Kalshi.APIKey != "test-key" {
		t.Errorf("Kalshi.APIKey = %q, want %q", cfg.Kalshi.APIKey, "test-key")
	}
	if cfg.Kalshi.BaseURL != "https://api.elections.kalshi.com/trade-api/v2" {
		t.Errorf("Kalshi.BaseURL = %q", cfg.Kalshi.BaseURL)
	}
	if cfg.Kalshi.WSURL != "wss://api.elections.kalshi.com/trade-api/ws/v2" {
		t.Errorf("Kalshi.WSURL = %q", cfg.Kalshi.WSURL)
	}

	// -- Rate limits --
	if cfg.RateLimits.Read != 30 || cfg.RateLimits.Write != 15 {
		t.Errorf("RateLimits = %+v, want 30/15", cfg.RateLimits)
	}

	// -- Strategy: file values plus untouched defaults --
	if cfg.Strategy.MaxPositionSize != 50 {
		t.Errorf("Strategy.MaxPositionSize = %d, want 50", cfg.Strategy.MaxPositionSize)
	}
	if cfg.Strategy.RiskPerTradePct != 0.02 {
		t.Errorf("Strategy.RiskPerTradePct = %v, want default 0.02", cfg.Strategy.RiskPerTradePct)
	}

	// -- Trading --
	if cfg.Trading.PaperMode || cfg.Trading.SerializeEntries {
		t.Errorf("Trading = %+v, want both false", cfg.Trading)
	}

	// -- Server --
	if cfg.HTTPAddr() != "0.0.0.0:8081" || cfg.GRPCAddr() != "0.0.0.0:9091" {
		t.Errorf("addrs = %s / %s", cfg.HTTPAddr(), cfg.GRPCAddr())
	}

	// -- Stream --
	if cfg.Stream.ReconnectInitial != 2*time.Second {
		t.Errorf("Stream.ReconnectInitial = %v, want 2s", cfg.Stream.ReconnectInitial)
	}
	if cfg.Stream.ReconnectMax != 60*time.Second {
		t.Errorf("Stream.ReconnectMax = %v, want default 60s", cfg.Stream.ReconnectMax)
	}

	sc := cfg.StreamConfig(nil)
	if sc.URL != cfg.Kalshi.WSURL || sc.MaxReconnects != 10 {
		t.Errorf("StreamConfig = %+v", sc)
	}
	if cfg.ScanInterval() != 10*time.Second {
		t.Errorf("ScanInterval = %v, want 10s", cfg.ScanInterval())
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") returned error: %v", err)
	}
	if !cfg.Trading.PaperMode {
		t.Error("default config should be paper mode")
	}
	if cfg.Kalshi.BaseURL != "https://demo-api.kalshi.co/trade-api/v2" {
		t.Errorf("default BaseURL = %q, want demo", cfg.Kalshi.BaseURL)
	}

	p := cfg.EngineParams()
	if p.MaxPositionSize != 100 || p.MaxConcurrentPositions != 5 || p.OrderTimeout != 300*time.Second ||
		p.DailyLossLimitPct != 0.05 || p.PositionStopLossPct != 0.10 || !p.SerializeEntries {
		t.Errorf("EngineParams = %+v", p)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("KALSHI_API_KEY", "env-key")
	t.Setenv("ENVIRONMENT", "PRODUCTION")
	t.Setenv("READ_RATE_LIMIT", "100")
	t.Setenv("PAPER_MODE", "false")
	t.Setenv("SQLITE_PATH", "/var/lib/spreadbot.db")
	t.Setenv("LOG_LEVEL", "WARN")

	path := writeConfig(t, "kalshi:\n  api_key: file-key\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Kalshi.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env override", cfg.Kalshi.APIKey)
	}
	if cfg.Kalshi.Environment != EnvProduction {
		t.Errorf("Environment = %q, want production", cfg.Kalshi.Environment)
	}
	if cfg.RateLimits.Read != 100 {
		t.Errorf("RateLimits.Read = %d, want 100", cfg.RateLimits.Read)
	}
	if cfg.Trading.PaperMode {
		t.Error("PAPER_MODE=false not applied")
	}
	if cfg.Storage.SQLitePath != "/var/lib/spreadbot.db" {
		t.Errorf("SQLitePath = %q", cfg.Storage.SQLitePath)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("KALSHI_API_KEY")
	t.Setenv("WRITE_RATE_LIMIT", "7")
	env := "KALSHI_API_KEY=dotenv-key\nWRITE_RATE_LIMIT=99\n"
	if err := os.WriteFile(".env", []byte(env), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("KALSHI_API_KEY") })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Kalshi.APIKey != "dotenv-key" {
		t.Errorf("APIKey = %q, want value from .env", cfg.Kalshi.APIKey)
	}
	if cfg.RateLimits.Write != 7 {
		t.Errorf("RateLimits.Write = %d, want process env to win over .env", cfg.RateLimits.Write)
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("READ_RATE_LIMIT", "lots")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "READ_RATE_LIMIT") {
		t.Errorf("Load() error = %v, want READ_RATE_LIMIT parse error", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown environment", func(c *Config) { c.Kalshi.Environment = "staging" }, "kalshi.environment"},
		{"live without key", func(c *Config) { c.Trading.PaperMode = false }, "kalshi.api_key"},
		{"zero read limit", func(c *Config) { c.RateLimits.Read = 0 }, "rate_limits.read"},
		{"risk above one", func(c *Config) { c.Strategy.RiskPerTradePct = 1.5 }, "risk_per_trade_pct"},
		{"spread bounds", func(c *Config) { c.Strategy.MinSpreadCents = 20 }, "min_spread_cents"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.RateLimits.Read = 0
	cfg.RateLimits.Write = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil")
	}
	for _, want := range []string{"rate_limits.read", "rate_limits.write"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}
