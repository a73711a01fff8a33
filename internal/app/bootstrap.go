package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"l2_trader/internal/audit"
	"l2_trader/internal/domain"
	"l2_trader/internal/engine"
	"l2_trader/internal/execution"
	"l2_trader/internal/infra"
	"l2_trader/internal/infra/bitget"
	"l2_trader/internal/infra/storage"
	"l2_trader/internal/risk"
	"l2_trader/internal/service"
	"l2_trader/internal/strategy"
)

// ResetKillSwitchEnv names the operator who clears a latched kill switch
// at startup. The reset is persisted, so the variable should be unset again
// for later runs.
const ResetKillSwitchEnv = "L2T_RESET_KILL_SWITCH"

// Bootstrap orchestrates the application startup sequence and owns every
// long-lived component.
type Bootstrap struct {
	Config   *infra.Config
	Logger   *slog.Logger
	Storage  *storage.Storage
	Recorder *audit.Recorder
	Gate     *risk.Gate
	Broker   domain.Broker
	Runner   *engine.Runner
	Feed     *bitget.DepthWorker

	closers []func() error
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads the config at path, sets up logging and opens storage.
func (b *Bootstrap) Initialize(path string) error {
	cfg, err := infra.LoadConfig(path)
	if err != nil {
		return err
	}
	return b.InitializeWith(cfg)
}

// InitializeWith is Initialize for an already parsed config.
func (b *Bootstrap) InitializeWith(cfg *infra.Config) error {
	b.Config = cfg

	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)
	slog.Info("Bootstrapping l2_trader", "version", cfg.App.Version, "mode", cfg.App.Mode, "symbols", cfg.App.Symbols)

	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	b.closers = append(b.closers, store.Close)
	slog.Info("Database initialized", "path", cfg.Storage.Path)
	return nil
}

// Build wires the engine. Initialize must have succeeded.
func (b *Bootstrap) Build(ctx context.Context) error {
	cfg := b.Config

	b.Recorder = audit.NewRecorder(b.auditSink(), b.Logger)
	b.closers = append(b.closers, b.Recorder.Close)

	b.Gate = risk.NewGate(risk.Limits{
		MaxLeverage:           cfg.Risk.MaxLeverage,
		MaxPositionUSD:        cfg.Risk.MaxPositionUSD,
		DailyLossLimit:        cfg.Risk.DailyLossLimit,
		MaxDrawdown:           cfg.Risk.MaxDrawdown,
		LiquidationBuffer:     cfg.Risk.LiquidationBuffer,
		MaintenanceMarginRate: cfg.Risk.MaintenanceMarginRate,
	}, risk.WithStore(b.Storage), risk.WithLogger(b.Logger))
	if err := b.Gate.Restore(ctx); err != nil {
		return fmt.Errorf("restore risk state: %w", err)
	}
	if operator := os.Getenv(ResetKillSwitchEnv); operator != "" && b.Gate.KillSwitchActive() {
		prev := b.Gate.Snapshot().KillSwitchReason
		b.Gate.Reset(operator)
		b.Recorder.Record(ctx, domain.AuditKillSwitch, "", map[string]any{
			"action":          "reset",
			"operator":        operator,
			"previous_reason": prev,
		})
	}

	broker, err := execution.NewFactory(cfg).CreateBroker()
	if err != nil {
		return err
	}
	b.Broker = broker

	coord := execution.NewCoordinator(broker, b.Gate, b.Storage, b.Recorder, execution.Config{
		Leverage:       cfg.Risk.Leverage,
		MaxAttempts:    uint(cfg.Execution.MaxAttempts),
		InitialBackoff: millis(cfg.Execution.InitialBackoffMS),
		MaxBackoff:     millis(cfg.Execution.MaxBackoffMS),
		CallTimeout:    millis(cfg.Execution.CallTimeoutMS),
	}, b.Logger)
	coord.SetMetrics(infra.GlobalMetrics)

	strategies := make(map[string]strategy.Strategy, len(cfg.App.Symbols))
	for _, symbol := range cfg.App.Symbols {
		strategies[symbol] = NewStrategy(cfg, symbol)
	}

	ks, err := b.killSwitch(ctx)
	if err != nil {
		return err
	}

	runnerCfg := engine.Config{
		Symbols:           cfg.App.Symbols,
		InboxSize:         cfg.Runner.InboxSize,
		StaleAfter:        cfg.StaleAfter(),
		ShutdownTimeout:   time.Duration(cfg.Runner.ShutdownTimeoutSec) * time.Second,
		FlattenOnShutdown: cfg.Runner.FlattenOnShutdown,
		MarginInterval:    millis(cfg.Runner.MarginCheckInterval),
		KillPollInterval:  millis(cfg.KillSwitch.PollIntervalMS),
		CallTimeout:       millis(cfg.Execution.CallTimeoutMS),
	}

	// The feed needs the runner inbox and the runner needs the feed as
	// resyncer; resyncFunc breaks the cycle.
	var feed *bitget.DepthWorker
	deps := engine.Deps{
		Coordinator: coord,
		Gate:        b.Gate,
		Positions:   service.NewPositionBook(cfg.Risk.MaintenanceMarginRate),
		Strategies:  strategies,
		Auditor:     b.Recorder,
		KillSwitch:  ks,
		Resyncer:    resyncFunc(func(symbol string) error { return feed.Resync(symbol) }),
		Metrics:     infra.GlobalMetrics,
		Logger:      b.Logger,
	}
	paper, isPaper := broker.(*execution.PaperBroker)
	if isPaper {
		deps.Prices = paper
	}

	runner, err := engine.NewRunner(runnerCfg, deps)
	if err != nil {
		return err
	}
	if isPaper {
		paper.OnTrade(runner.OnBrokerTrade)
	}
	b.Runner = runner

	feed = bitget.NewDepthWorker(cfg.API.Bitget.WSURL, cfg.API.Bitget.ProductType, cfg.API.Bitget.BookChannel,
		cfg.App.Symbols, runner.Inbox(), b.Logger)
	b.Feed = feed

	b.logRecentTrades(ctx)
	return nil
}

// NewStrategy builds the signal engine for symbol with the enabled filters.
func NewStrategy(cfg *infra.Config, symbol string) *strategy.Engine {
	s := cfg.Signal
	bar := time.Duration(s.BarSeconds) * time.Second

	var filters []strategy.Filter
	if f := s.Filters.Trend; f.Enabled {
		filters = append(filters, strategy.NewTrendFilter(f.Fast, f.Slow))
	}
	if f := s.Filters.MeanReversion; f.Enabled {
		filters = append(filters, strategy.NewMeanReversionFilter(f.Period, f.K, time.Duration(f.Lookback)*bar))
	}
	if f := s.Filters.Volatility; f.Enabled {
		filters = append(filters, strategy.NewVolatilityFilter(f.ATRPeriod, f.AvgPeriod, f.Low, f.High))
	}

	return strategy.NewEngine(symbol, strategy.Config{
		BuyThreshold:     s.BuyThreshold,
		SellThreshold:    s.SellThreshold,
		Depth:            s.Depth,
		Cooldown:         cfg.Cooldown(),
		SpotOnly:         s.SpotOnly,
		NotionalUSD:      s.NotionalUSD,
		StopLossPct:      s.StopLossPct,
		TakeProfitPct:    s.TakeProfitPct,
		QtyPrecision:     s.QtyPrecision,
		BarInterval:      bar,
		PercentileWindow: s.PercentileWindow,
	}, filters...)
}

func (b *Bootstrap) auditSink() domain.AuditSink {
	a := b.Config.Audit
	if a.File == "" && len(a.Kafka.Brokers) == 0 {
		return audit.Discard{}
	}
	var sinks audit.MultiSink
	if a.File != "" {
		sinks = append(sinks, audit.NewFileSink(a.File, a.MaxSizeMB, a.MaxBackups))
	}
	if len(a.Kafka.Brokers) > 0 {
		sinks = append(sinks, audit.NewKafkaSink(a.Kafka.Brokers, a.Kafka.Topic))
		slog.Info("Audit events mirrored to Kafka", "topic", a.Kafka.Topic)
	}
	return sinks
}

func (b *Bootstrap) killSwitch(ctx context.Context) (domain.KillSwitchIndicator, error) {
	k := b.Config.KillSwitch
	var indicators infra.AnyKillSwitch
	if k.File != "" {
		indicators = append(indicators, infra.FileKillSwitch{Path: k.File})
	}
	if k.RedisAddr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		rks, closeFn, err := infra.DialRedisKillSwitch(dialCtx, k.RedisAddr, k.RedisKey)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, closeFn)
		indicators = append(indicators, rks)
		slog.Info("Redis kill switch enabled", "addr", k.RedisAddr, "key", k.RedisKey)
	}
	if len(indicators) == 0 {
		return nil, nil
	}
	return indicators, nil
}

func (b *Bootstrap) logRecentTrades(ctx context.Context) {
	trades, err := b.Storage.TradesSince(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		slog.Warn("Failed to load recent trades", "error", err)
		return
	}
	snap := b.Gate.Snapshot()
	slog.Info("Risk state restored",
		"trades_24h", len(trades),
		"daily_pnl", snap.DailyRealizedPnL.String(),
		"peak_equity", snap.PeakEquity.String(),
		"kill_switch", snap.KillSwitchActive,
	)
}

// Close releases resources in reverse order of acquisition.
func (b *Bootstrap) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

type resyncFunc func(symbol string) error

func (f resyncFunc) Resync(symbol string) error { return f(symbol) }

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
