package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"l2_trader/internal/domain"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Trading modes.
const (
	ModePaper = "PAPER"
	ModeReal  = "REAL"
)

// Config holds every setting of the engine.
// LoadConfig applies environment overrides for secrets after parsing.
type Config struct {
	App struct {
		Name    string   `yaml:"name"`
		Version string   `yaml:"version"`
		Mode    string   `yaml:"mode"` // PAPER or REAL
		Symbols []string `yaml:"symbols"`
	} `yaml:"app"`

	API struct {
		Bitget struct {
			WSURL       string  `yaml:"ws_url"`
			RestURL     string  `yaml:"rest_url"`
			AccessKey   string  `yaml:"access_key"`
			SecretKey   string  `yaml:"secret_key"`
			Passphrase  string  `yaml:"passphrase"`
			ProductType string  `yaml:"product_type"`
			MarginCoin  string  `yaml:"margin_coin"`
			RateLimit   float64 `yaml:"rate_limit_per_sec"`
			BookChannel string  `yaml:"book_channel"`
		} `yaml:"bitget"`
	} `yaml:"api"`

	Signal struct {
		BuyThreshold     float64         `yaml:"buy_threshold"`
		SellThreshold    float64         `yaml:"sell_threshold"`
		Depth            int             `yaml:"depth"`
		CooldownSeconds  int             `yaml:"cooldown_seconds"`
		SpotOnly         bool            `yaml:"spot_only"`
		StaleAfterMS     int             `yaml:"stale_after_ms"`
		NotionalUSD      decimal.Decimal `yaml:"notional_usd"`
		StopLossPct      decimal.Decimal `yaml:"stop_loss_pct"`
		TakeProfitPct    decimal.Decimal `yaml:"take_profit_pct"`
		QtyPrecision     int32           `yaml:"qty_precision"`
		BarSeconds       int             `yaml:"bar_seconds"`
		PercentileWindow int             `yaml:"percentile_window"`

		Filters struct {
			Trend struct {
				Enabled bool `yaml:"enabled"`
				Fast    int  `yaml:"fast"`
				Slow    int  `yaml:"slow"`
			} `yaml:"trend"`
			MeanReversion struct {
				Enabled  bool    `yaml:"enabled"`
				Period   int     `yaml:"period"`
				K        float64 `yaml:"k"`
				Lookback int     `yaml:"lookback_bars"`
			} `yaml:"mean_reversion"`
			Volatility struct {
				Enabled   bool    `yaml:"enabled"`
				ATRPeriod int     `yaml:"atr_period"`
				AvgPeriod int     `yaml:"avg_period"`
				Low       float64 `yaml:"low"`
				High      float64 `yaml:"high"`
			} `yaml:"volatility"`
		} `yaml:"filters"`
	} `yaml:"signal"`

	Risk struct {
		Leverage              int             `yaml:"leverage"`
		MaxLeverage           int             `yaml:"max_leverage"`
		MaxPositionUSD        decimal.Decimal `yaml:"max_position_usd"`
		DailyLossLimit        decimal.Decimal `yaml:"daily_loss_limit"`
		MaxDrawdown           decimal.Decimal `yaml:"max_drawdown"`
		LiquidationBuffer     decimal.Decimal `yaml:"liquidation_buffer"`
		MaintenanceMarginRate decimal.Decimal `yaml:"maintenance_margin_rate"`
	} `yaml:"risk"`

	Execution struct {
		MaxAttempts      int             `yaml:"max_attempts"`
		InitialBackoffMS int             `yaml:"initial_backoff_ms"`
		MaxBackoffMS     int             `yaml:"max_backoff_ms"`
		CallTimeoutMS    int             `yaml:"call_timeout_ms"`
		PaperBalance     decimal.Decimal `yaml:"paper_balance"`
		PaperSlippageBps decimal.Decimal `yaml:"paper_slippage_bps"`
	} `yaml:"execution"`

	KillSwitch struct {
		File           string `yaml:"file"`
		RedisAddr      string `yaml:"redis_addr"`
		RedisKey       string `yaml:"redis_key"`
		PollIntervalMS int    `yaml:"poll_interval_ms"`
	} `yaml:"kill_switch"`

	Runner struct {
		ShutdownTimeoutSec  int  `yaml:"shutdown_timeout_sec"`
		FlattenOnShutdown   bool `yaml:"flatten_on_shutdown"`
		MarginCheckInterval int  `yaml:"margin_check_interval_ms"`
		InboxSize           int  `yaml:"inbox_size"`
	} `yaml:"runner"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Audit struct {
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		Kafka      struct {
			Brokers []string `yaml:"brokers"`
			Topic   string   `yaml:"topic"`
		} `yaml:"kafka"`
	} `yaml:"audit"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, domain.ErrConfigNotFound)
		}
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML, applies defaults and environment overrides, then
// validates.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Mode == "" {
		c.App.Mode = ModePaper
	}
	if c.Signal.Depth == 0 {
		c.Signal.Depth = 5
	}
	if c.Signal.StaleAfterMS == 0 {
		c.Signal.StaleAfterMS = 5000
	}
	if c.Signal.QtyPrecision == 0 {
		c.Signal.QtyPrecision = 4
	}
	if c.Signal.BarSeconds == 0 {
		c.Signal.BarSeconds = 60
	}
	if c.Signal.PercentileWindow == 0 {
		c.Signal.PercentileWindow = 300
	}
	if c.Risk.Leverage == 0 {
		c.Risk.Leverage = 1
	}
	if c.Risk.MaintenanceMarginRate.IsZero() {
		c.Risk.MaintenanceMarginRate = decimal.RequireFromString("0.004")
	}
	if c.Execution.MaxAttempts == 0 {
		c.Execution.MaxAttempts = 3
	}
	if c.Execution.CallTimeoutMS == 0 {
		c.Execution.CallTimeoutMS = 5000
	}
	if c.KillSwitch.PollIntervalMS == 0 {
		c.KillSwitch.PollIntervalMS = 1000
	}
	if c.KillSwitch.RedisKey == "" {
		c.KillSwitch.RedisKey = "l2_trader:kill_switch"
	}
	if c.Runner.ShutdownTimeoutSec == 0 {
		c.Runner.ShutdownTimeoutSec = 10
	}
	if c.Runner.InboxSize == 0 {
		c.Runner.InboxSize = 1024
	}
	if c.API.Bitget.ProductType == "" {
		c.API.Bitget.ProductType = "USDT-FUTURES"
	}
	if c.API.Bitget.MarginCoin == "" {
		c.API.Bitget.MarginCoin = "USDT"
	}
	if c.API.Bitget.BookChannel == "" {
		c.API.Bitget.BookChannel = "books"
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.App.Mode != ModePaper && c.App.Mode != ModeReal {
		return configErr("app.mode", "must be PAPER or REAL, got %q", c.App.Mode)
	}
	if len(c.App.Symbols) == 0 {
		return configErr("app.symbols", "at least one symbol is required")
	}

	// Signal
	s := c.Signal
	if s.BuyThreshold <= 0 || s.SellThreshold <= 0 {
		return configErr("signal", "thresholds must be positive")
	}
	if s.SellThreshold >= s.BuyThreshold {
		return configErr("signal.sell_threshold", "%.4f must be below buy_threshold %.4f", s.SellThreshold, s.BuyThreshold)
	}
	if s.Depth < 1 {
		return configErr("signal.depth", "must be >= 1")
	}
	if s.CooldownSeconds < 0 {
		return configErr("signal.cooldown_seconds", "must not be negative")
	}
	if !s.NotionalUSD.IsPositive() {
		return configErr("signal.notional_usd", "must be positive")
	}
	if s.StopLossPct.IsNegative() || s.StopLossPct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return configErr("signal.stop_loss_pct", "must be in [0, 1)")
	}
	if s.TakeProfitPct.IsNegative() {
		return configErr("signal.take_profit_pct", "must not be negative")
	}
	if f := s.Filters.Trend; f.Enabled && (f.Fast < 1 || f.Fast >= f.Slow) {
		return configErr("signal.filters.trend", "need 1 <= fast < slow")
	}
	if f := s.Filters.MeanReversion; f.Enabled && (f.Period < 2 || f.K <= 0 || f.Lookback < 1) {
		return configErr("signal.filters.mean_reversion", "need period >= 2, k > 0, lookback_bars >= 1")
	}
	if f := s.Filters.Volatility; f.Enabled && (f.ATRPeriod < 1 || f.AvgPeriod < 1 || f.Low < 0 || f.High <= f.Low) {
		return configErr("signal.filters.volatility", "need positive periods and 0 <= low < high")
	}

	// Risk
	r := c.Risk
	if r.MaxLeverage < 1 {
		return configErr("risk.max_leverage", "must be >= 1")
	}
	if r.Leverage < 1 || r.Leverage > r.MaxLeverage {
		return configErr("risk.leverage", "%d outside [1, %d]", r.Leverage, r.MaxLeverage)
	}
	if !r.MaxPositionUSD.IsPositive() {
		return configErr("risk.max_position_usd", "must be positive")
	}
	if !r.DailyLossLimit.IsPositive() {
		return configErr("risk.daily_loss_limit", "must be positive")
	}
	if !r.MaxDrawdown.IsPositive() {
		return configErr("risk.max_drawdown", "must be positive")
	}
	if r.LiquidationBuffer.IsNegative() {
		return configErr("risk.liquidation_buffer", "must not be negative")
	}
	// Liquidation must sit on the losing side of entry at every allowed leverage.
	maxInv := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(r.MaxLeverage)))
	if r.MaintenanceMarginRate.IsNegative() || r.MaintenanceMarginRate.GreaterThanOrEqual(maxInv) {
		return configErr("risk.maintenance_margin_rate", "%s must be in [0, 1/max_leverage)", r.MaintenanceMarginRate)
	}

	// Execution
	if c.Execution.MaxAttempts < 1 {
		return configErr("execution.max_attempts", "must be >= 1")
	}
	if c.App.Mode == ModePaper && !c.Execution.PaperBalance.IsPositive() {
		return configErr("execution.paper_balance", "must be positive in PAPER mode")
	}

	// Feed
	ws := c.API.Bitget.WSURL
	if ws == "" || (!strings.HasPrefix(ws, "ws://") && !strings.HasPrefix(ws, "wss://")) {
		return configErr("api.bitget.ws_url", "invalid websocket URL %q", ws)
	}
	if c.App.Mode == ModeReal {
		b := c.API.Bitget
		if b.AccessKey == "" || b.SecretKey == "" || b.Passphrase == "" {
			return configErr("api.bitget", "REAL mode requires access_key, secret_key and passphrase")
		}
	}
	return nil
}

func configErr(field, format string, args ...any) error {
	return &domain.ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// Cooldown returns the signal cooldown as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Signal.CooldownSeconds) * time.Second
}

// StaleAfter returns the book staleness window.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Signal.StaleAfterMS) * time.Millisecond
}

// overrideWithEnv overwrites secrets and control values from the environment.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("L2T_BITGET_KEY"); key != "" {
		cfg.API.Bitget.AccessKey = key
	}
	if secret := os.Getenv("L2T_BITGET_SECRET"); secret != "" {
		cfg.API.Bitget.SecretKey = secret
	}
	if pass := os.Getenv("L2T_BITGET_PASSPHRASE"); pass != "" {
		cfg.API.Bitget.Passphrase = pass
	}
	if mode := os.Getenv("L2T_MODE"); mode != "" {
		cfg.App.Mode = strings.ToUpper(mode)
	}
	if addr := os.Getenv("L2T_REDIS_ADDR"); addr != "" {
		cfg.KillSwitch.RedisAddr = addr
	}
	if brokers := os.Getenv("L2T_KAFKA_BROKERS"); brokers != "" {
		cfg.Audit.Kafka.Brokers = strings.Split(brokers, ",")
	}
}
