package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"spreadbot/internal/engine"
	"spreadbot/internal/stream"
)

// Environment selects the Kalshi endpoints.
type Environment string

const (
	EnvDemo       Environment = "demo"
	EnvProduction Environment = "production"
)

var endpoints = map[Environment]struct{ rest, ws string }{
	EnvDemo: {
		rest: "https://demo-api.kalshi.co/trade-api/v2",
		ws:   "wss://demo-api.kalshi.co/trade-api/ws/v2",
	},
	EnvProduction: {
		rest: "https://api.elections.kalshi.com/trade-api/v2",
		ws:   "wss://api.elections.kalshi.com/trade-api/ws/v2",
	},
}

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the spread trader.
type Config struct {
	Kalshi     Kalshi     `yaml:"kalshi"`
	RateLimits RateLimits `yaml:"rate_limits"`
	Strategy   Strategy   `yaml:"strategy"`
	Trading    Trading    `yaml:"trading"`
	Storage    Storage    `yaml:"storage"`
	Server     Server     `yaml:"server"`
	Logging    Logging    `yaml:"logging"`
	Stream     Stream     `yaml:"stream"`
}

// Kalshi holds credentials and endpoints for the exchange API. Empty URLs
// are derived from Environment.
type Kalshi struct {
	APIKey         string      `yaml:"api_key"`
	PrivateKeyPath string      `yaml:"private_key_path"`
	Environment    Environment `yaml:"environment"`
	BaseURL        string      `yaml:"base_url"`
	WSURL          string      `yaml:"ws_url"`
}

// RateLimits are the per-second request budgets of the API tier.
type RateLimits struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
}

// Strategy holds the spread strategy parameters. The scanner fields are
// carried for the opportunity source; the engine uses the sizing, timeout
// and risk fields.
type Strategy struct {
	MinSpreadCents       int64   `yaml:"min_spread_cents"`
	MaxSpreadCents       int64   `yaml:"max_spread_cents"`
	MinDaysToExpiration  int     `yaml:"min_days_to_expiration"`
	MinLiquidity         int64   `yaml:"min_liquidity"`
	MaxLiquidity         int64   `yaml:"max_liquidity"`
	MinVolume24h         int64   `yaml:"min_volume_24h"`
	MaxPositionSize      int64   `yaml:"max_position_size"`
	MaxConcurrent        int     `yaml:"max_concurrent_positions"`
	RiskPerTradePct      float64 `yaml:"risk_per_trade_pct"`
	OrderTimeoutSeconds  int     `yaml:"order_timeout_seconds"`
	PartialFillThreshold float64 `yaml:"partial_fill_threshold"`
	DailyLossLimitPct    float64 `yaml:"daily_loss_limit_pct"`
	PositionStopLossPct  float64 `yaml:"position_stop_loss_pct"`
	ScanIntervalSeconds  int     `yaml:"scan_interval_seconds"`
}

// Trading controls how orders reach the market.
type Trading struct {
	PaperMode        bool  `yaml:"paper_mode"`
	PaperBalance     int64 `yaml:"paper_balance"`
	SerializeEntries bool  `yaml:"serialize_entries"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Stream configures the push notification connection.
type Stream struct {
	Enabled          bool          `yaml:"enabled"`
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
	MaxReconnects    int           `yaml:"max_reconnects"`
	PingInterval     time.Duration `yaml:"ping_interval"`
}

// Default returns the configuration used when no file or override sets a
// field.
func Default() *Config {
	return &Config{
		Kalshi: Kalshi{
			PrivateKeyPath: "./private_key.pem",
			Environment:    EnvDemo,
		},
		RateLimits: RateLimits{Read: 20, Write: 10},
		Strategy: Strategy{
			MinSpreadCents:       3,
			MaxSpreadCents:       15,
			MinDaysToExpiration:  3,
			MinLiquidity:         1000,
			MaxLiquidity:         100000,
			MinVolume24h:         100,
			MaxPositionSize:      100,
			MaxConcurrent:        5,
			RiskPerTradePct:      0.02,
			OrderTimeoutSeconds:  300,
			PartialFillThreshold: 0.5,
			DailyLossLimitPct:    0.05,
			PositionStopLossPct:  0.10,
			ScanIntervalSeconds:  30,
		},
		Trading: Trading{
			PaperMode:        true,
			PaperBalance:     100000,
			SerializeEntries: true,
		},
		Storage: Storage{
			DataDir:    "./data",
			SQLitePath: "./data/spreadbot.db",
		},
		Server: Server{
			Host:     "127.0.0.1",
			Port:     8080,
			GRPCPort: 9090,
		},
		Logging: Logging{Level: "info", Format: "json"},
		Stream: Stream{
			Enabled:          true,
			ReconnectInitial: time.Second,
			ReconnectMax:     60 * time.Second,
			PingInterval:     30 * time.Second,
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty), a .env file in the working directory (if present) and
// environment variable overrides, in that order of increasing priority. The
// result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.resolveEndpoints()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overwriting variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("KALSHI_API_KEY"); v != "" {
		cfg.Kalshi.APIKey = v
	}
	if v := os.Getenv("KALSHI_PRIVATE_KEY_PATH"); v != "" {
		cfg.Kalshi.PrivateKeyPath = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Kalshi.Environment = Environment(strings.ToLower(v))
	}

	if err := envInt("READ_RATE_LIMIT", &cfg.RateLimits.Read); err != nil {
		return err
	}
	if err := envInt("WRITE_RATE_LIMIT", &cfg.RateLimits.Write); err != nil {
		return err
	}

	if v := os.Getenv("PAPER_MODE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PAPER_MODE: %w", err)
		}
		cfg.Trading.PaperMode = b
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func (c *Config) resolveEndpoints() {
	ep, ok := endpoints[c.Kalshi.Environment]
	if !ok {
		return
	}
	if c.Kalshi.BaseURL == "" {
		c.Kalshi.BaseURL = ep.rest
	}
	if c.Kalshi.WSURL == "" {
		c.Kalshi.WSURL = ep.ws
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	_, knownEnv := endpoints[c.Kalshi.Environment]
	check(knownEnv, "kalshi.environment must be demo or production, got %q", c.Kalshi.Environment)
	if !c.Trading.PaperMode {
		check(c.Kalshi.APIKey != "", "kalshi.api_key is required outside paper mode")
		check(c.Kalshi.PrivateKeyPath != "", "kalshi.private_key_path is required outside paper mode")
	} else {
		check(c.Trading.PaperBalance > 0, "trading.paper_balance must be positive")
	}

	check(c.RateLimits.Read > 0, "rate_limits.read must be positive")
	check(c.RateLimits.Write > 0, "rate_limits.write must be positive")

	s := c.Strategy
	check(s.MaxPositionSize > 0, "strategy.max_position_size must be positive")
	check(s.MaxConcurrent > 0, "strategy.max_concurrent_positions must be positive")
	check(s.RiskPerTradePct > 0 && s.RiskPerTradePct <= 1, "strategy.risk_per_trade_pct must be in (0, 1]")
	check(s.OrderTimeoutSeconds > 0, "strategy.order_timeout_seconds must be positive")
	check(s.DailyLossLimitPct > 0 && s.DailyLossLimitPct <= 1, "strategy.daily_loss_limit_pct must be in (0, 1]")
	check(s.PositionStopLossPct > 0 && s.PositionStopLossPct <= 1, "strategy.position_stop_loss_pct must be in (0, 1]")
	check(s.PartialFillThreshold >= 0 && s.PartialFillThreshold <= 1, "strategy.partial_fill_threshold must be in [0, 1]")
	check(s.MinSpreadCents <= s.MaxSpreadCents, "strategy.min_spread_cents exceeds max_spread_cents")
	check(s.ScanIntervalSeconds > 0, "strategy.scan_interval_seconds must be positive")

	check(c.Server.Port >= 0 && c.Server.Port < 65536, "server.port out of range: %d", c.Server.Port)
	check(c.Server.GRPCPort >= 0 && c.Server.GRPCPort < 65536, "server.grpc_port out of range: %d", c.Server.GRPCPort)
	check(c.Stream.MaxReconnects >= 0, "stream.max_reconnects must not be negative")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Derived settings
// ---------------------------------------------------------------------------

// EngineParams converts the strategy section into engine limits.
func (c *Config) EngineParams() engine.Params {
	return engine.Params{
		MaxPositionSize:        c.Strategy.MaxPositionSize,
		MaxConcurrentPositions: c.Strategy.MaxConcurrent,
		RiskPerTradePct:        c.Strategy.RiskPerTradePct,
		OrderTimeout:           time.Duration(c.Strategy.OrderTimeoutSeconds) * time.Second,
		DailyLossLimitPct:      c.Strategy.DailyLossLimitPct,
		PositionStopLossPct:    c.Strategy.PositionStopLossPct,
		SerializeEntries:       c.Trading.SerializeEntries,
	}
}

// StreamConfig returns the stream client settings. header supplies the
// authentication headers for each dial.
func (c *Config) StreamConfig(header func() (http.Header, error)) stream.Config {
	return stream.Config{
		URL:              c.Kalshi.WSURL,
		Header:           header,
		ReconnectInitial: c.Stream.ReconnectInitial,
		ReconnectMax:     c.Stream.ReconnectMax,
		MaxReconnects:    c.Stream.MaxReconnects,
		PingInterval:     c.Stream.PingInterval,
	}
}

// ScanInterval is how often the trader syncs positions and checks stop
// losses.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Strategy.ScanIntervalSeconds) * time.Second
}

// HTTPAddr is the operator API listen address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GRPCAddr is the gRPC health listen address.
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.GRPCPort)
}
