package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"spreadbot/internal/broker"
	"spreadbot/internal/domain"
	"spreadbot/internal/metrics"
	"spreadbot/internal/util"
)

// Params are the strategy limits shared by the risk manager and the
// execution engine.
type Params struct {
	MaxPositionSize        int64
	MaxConcurrentPositions int
	RiskPerTradePct        float64
	OrderTimeout           time.Duration
	DailyLossLimitPct      float64
	PositionStopLossPct    float64

	// SerializeEntries reserves the ticker from the risk check until the
	// trade finishes, so a second entry on the same market is rejected.
	SerializeEntries bool
}

// DefaultParams returns the default strategy limits.
func DefaultParams() Params {
	return Params{
		MaxPositionSize:        100,
		MaxConcurrentPositions: 5,
		RiskPerTradePct:        0.02,
		OrderTimeout:           300 * time.Second,
		DailyLossLimitPct:      0.05,
		PositionStopLossPct:    0.10,
		SerializeEntries:       true,
	}
}

// HaltOrigin records what halted trading.
type HaltOrigin string

const (
	HaltNone      HaltOrigin = "none"
	HaltManual    HaltOrigin = "manual"
	HaltDailyLoss HaltOrigin = "daily_loss"
)

// HaltState is the trading-halt latch.
type HaltState struct {
	Active bool       `json:"active"`
	Reason string     `json:"reason,omitempty"`
	Origin HaltOrigin `json:"origin"`
	Since  time.Time  `json:"since,omitempty"`
}

// RiskManager gates new positions and sizes them.
type RiskManager struct {
	broker    broker.Broker
	positions *PositionTracker
	params    Params
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu             sync.Mutex
	initialBalance int64
	halt           HaltState
}

// NewRiskManager creates a RiskManager. Call Initialize before trading so
// the daily loss limit has a reference balance.
func NewRiskManager(b broker.Broker, positions *PositionTracker, params Params, log *slog.Logger, m *metrics.Metrics) *RiskManager {
	return &RiskManager{
		broker:    b,
		positions: positions,
		params:    params,
		log:       util.OrDefault(log),
		metrics:   m,
		now:       time.Now,
		halt:      HaltState{Origin: HaltNone},
	}
}

// Initialize records the current balance as the initial balance.
func (rm *RiskManager) Initialize(ctx context.Context) error {
	bal, err := rm.broker.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("initializing risk manager: %w", err)
	}
	rm.mu.Lock()
	rm.initialBalance = bal.Balance
	rm.mu.Unlock()
	rm.log.Info("risk manager initialized", "balance", domain.FormatCents(bal.Balance))
	return nil
}

// InitialBalance returns the reference balance for the daily loss limit.
func (rm *RiskManager) InitialBalance() int64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.initialBalance
}

// Params returns the configured limits.
func (rm *RiskManager) Params() Params {
	return rm.params
}

// CanOpenPosition runs the pre-trade checks in order and returns the first
// failure. A breached daily loss limit latches the halt.
func (rm *RiskManager) CanOpenPosition(ctx context.Context, opp domain.SpreadOpportunity, size int64) (bool, string) {
	if h := rm.HaltState(); h.Active {
		return false, "Trading halted: " + h.Reason
	}

	if n := rm.positions.PositionCount(); n >= rm.params.MaxConcurrentPositions {
		return false, fmt.Sprintf("Max concurrent positions (%d) reached", rm.params.MaxConcurrentPositions)
	}

	if p, ok := rm.positions.Position(opp.Ticker); ok && p.Quantity > 0 {
		return false, "Already have position in " + opp.Ticker
	}

	if size > rm.params.MaxPositionSize {
		return false, fmt.Sprintf("Size %d exceeds max position size (%d)", size, rm.params.MaxPositionSize)
	}

	bal, err := rm.broker.GetBalance(ctx)
	if err != nil {
		rm.log.Error("risk check: balance read failed", "ticker", opp.Ticker, "error", err)
		return false, fmt.Sprintf("Balance unavailable: %v", err)
	}
	if cost := opp.BidPrice * size; cost > bal.AvailableBalance {
		return false, fmt.Sprintf("Insufficient balance. Need %s, have %s",
			domain.FormatCents(cost), domain.FormatCents(bal.AvailableBalance))
	}

	daily := rm.positions.DailyPnL()
	limit := rm.dailyLossLimit()
	if daily < 0 && -daily >= limit {
		reason := fmt.Sprintf("Daily loss limit (%s) exceeded", domain.FormatCents(limit))
		rm.setHalt(HaltState{Active: true, Reason: reason, Origin: HaltDailyLoss, Since: rm.now()})
		rm.log.Warn("daily loss limit breached, trading halted",
			"daily_pnl", domain.FormatCents(daily), "limit", domain.FormatCents(limit))
		return false, reason
	}

	return true, "OK"
}

func (rm *RiskManager) dailyLossLimit() int64 {
	rm.mu.Lock()
	initial := rm.initialBalance
	rm.mu.Unlock()
	return decimal.NewFromInt(initial).
		Mul(decimal.NewFromFloat(rm.params.DailyLossLimitPct)).
		IntPart()
}

// CalculatePositionSize sizes a trade from the per-trade risk budget,
// scaled up for wider spreads, clamped to the position limit and to what
// balance can buy, and floored at one contract. A non-positive bid yields 0.
func (rm *RiskManager) CalculatePositionSize(opp domain.SpreadOpportunity, balance int64) int64 {
	if opp.BidPrice <= 0 {
		return 0
	}

	riskAmount := decimal.NewFromInt(balance).
		Mul(decimal.NewFromFloat(rm.params.RiskPerTradePct)).
		IntPart()
	size := riskAmount / opp.BidPrice

	if profit := opp.SpreadCents - 2*domain.FeePerContractPerSide; profit > 0 {
		factor := decimal.NewFromInt(1).Add(decimal.NewFromInt(profit).Div(decimal.NewFromInt(10)))
		if maxFactor := decimal.NewFromInt(2); factor.GreaterThan(maxFactor) {
			factor = maxFactor
		}
		size = decimal.NewFromInt(size).Mul(factor).IntPart()
	}

	if size > rm.params.MaxPositionSize {
		size = rm.params.MaxPositionSize
	}
	if opp.BidPrice*size > balance {
		size = balance / opp.BidPrice
	}

	rm.log.Debug("position size", "ticker", opp.Ticker, "risk_amount", riskAmount,
		"bid", opp.BidPrice, "size", size)
	if size < 1 {
		return 1
	}
	return size
}

// ShouldExitPosition reports whether a losing position has hit the stop loss.
func (rm *RiskManager) ShouldExitPosition(p domain.TrackedPosition) (bool, string) {
	basis := p.CostBasis()
	pnl := p.TotalPnL()
	if basis <= 0 || pnl >= 0 {
		return false, ""
	}
	loss := decimal.NewFromInt(-pnl).Div(decimal.NewFromInt(basis))
	if loss.GreaterThanOrEqual(decimal.NewFromFloat(rm.params.PositionStopLossPct)) {
		return true, fmt.Sprintf("Stop loss triggered (%s%% loss)", loss.Mul(decimal.NewFromInt(100)).StringFixed(1))
	}
	return false, ""
}

// ---------------------------------------------------------------------------
// Halt latch
// ---------------------------------------------------------------------------

// HaltState returns the current halt state.
func (rm *RiskManager) HaltState() HaltState {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.halt
}

func (rm *RiskManager) setHalt(h HaltState) {
	rm.mu.Lock()
	rm.halt = h
	rm.mu.Unlock()
	rm.metrics.SetHalted(h.Active)
}

// HaltTrading halts trading manually. An existing daily-loss halt keeps its
// origin so that ResumeTrading still cannot clear it.
func (rm *RiskManager) HaltTrading(reason string) {
	rm.mu.Lock()
	if rm.halt.Active && rm.halt.Origin == HaltDailyLoss {
		rm.mu.Unlock()
		rm.log.Warn("manual halt ignored, daily loss halt in effect", "reason", reason)
		return
	}
	rm.mu.Unlock()
	rm.setHalt(HaltState{Active: true, Reason: reason, Origin: HaltManual, Since: rm.now()})
	rm.log.Warn("trading halted", "reason", reason)
}

// ResumeTrading clears a manual halt. It refuses to clear a daily-loss halt
// and reports whether trading is now allowed.
func (rm *RiskManager) ResumeTrading() bool {
	rm.mu.Lock()
	if rm.halt.Origin == HaltDailyLoss && rm.halt.Active {
		rm.mu.Unlock()
		rm.log.Warn("cannot resume trading: daily loss limit still in effect")
		return false
	}
	rm.mu.Unlock()
	rm.setHalt(HaltState{Origin: HaltNone})
	rm.log.Info("trading resumed")
	return true
}

// ResetDailyLimits clears any halt, including a daily-loss halt, and zeroes
// the daily realized PnL. Intended for the start of a new trading day.
func (rm *RiskManager) ResetDailyLimits() {
	rm.positions.ResetDailyPnL()
	rm.setHalt(HaltState{Origin: HaltNone})
	rm.log.Info("daily risk limits reset")
}
