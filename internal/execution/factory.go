package execution

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"l2_trader/internal/domain"
	"l2_trader/internal/infra"
	"l2_trader/internal/infra/bitget"
)

// ErrRealMoneyNotConfirmed guards REAL mode.
var ErrRealMoneyNotConfirmed = errors.New("SAFETY_GUARD: real trading requires CONFIRM_REAL_MONEY=true")

// Factory creates the broker for the configured mode.
type Factory struct {
	config *infra.Config
	getenv func(string) string
}

// NewFactory creates a new factory
func NewFactory(cfg *infra.Config) *Factory {
	return &Factory{config: cfg, getenv: os.Getenv}
}

// CreateBroker returns the Broker implementation for app.mode.
// PAPER gets an in-memory account; REAL gets the Bitget client and requires
// the CONFIRM_REAL_MONEY=true latch.
func (f *Factory) CreateBroker() (domain.Broker, error) {
	mode := f.config.App.Mode
	slog.Info("Initializing broker", "mode", mode)

	switch mode {
	case infra.ModePaper:
		return NewPaperBroker(f.config.Execution.PaperBalance, f.config.Execution.PaperSlippageBps), nil

	case infra.ModeReal:
		if f.getenv("CONFIRM_REAL_MONEY") != "true" {
			slog.Error(ErrRealMoneyNotConfirmed.Error())
			return nil, ErrRealMoneyNotConfirmed
		}
		slog.Warn("Connecting to Bitget REAL (mainnet)")
		return bitget.NewClient(f.config), nil

	default:
		return nil, &domain.ConfigError{Field: "app.mode", Err: fmt.Errorf("unknown execution mode %q", mode)}
	}
}
