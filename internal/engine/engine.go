// Package engine turns spread opportunities into round-trip trades. It
// coordinates the order manager, position tracker and risk manager behind
// a single ExecuteSpreadTrade entry point.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"spreadbot/internal/broker"
	"spreadbot/internal/domain"
	"spreadbot/internal/metrics"
	"spreadbot/internal/util"
)

// TradeJournal persists finished trade results.
type TradeJournal interface {
	RecordTrade(ctx context.Context, result domain.TradeResult) error
}

// StopSignal names an open position that has hit its stop loss.
type StopSignal struct {
	Ticker   string                 `json:"ticker"`
	Reason   string                 `json:"reason"`
	Position domain.TrackedPosition `json:"position"`
}

// Engine executes spread trades. Concurrent calls share the order manager,
// position tracker, risk manager and rate limiter; each call runs on the
// caller's goroutine.
type Engine struct {
	broker    broker.Broker
	orders    *OrderManager
	positions *PositionTracker
	risk      *RiskManager
	params    Params
	log       *slog.Logger
	metrics   *metrics.Metrics
	journal   TradeJournal
	now       func() time.Time

	entryMu  sync.Mutex
	inflight map[string]struct{}
}

// NewEngine creates an Engine wired with the given dependencies.
func NewEngine(
	b broker.Broker,
	orders *OrderManager,
	positions *PositionTracker,
	risk *RiskManager,
	log *slog.Logger,
	m *metrics.Metrics,
) *Engine {
	return &Engine{
		broker:    b,
		orders:    orders,
		positions: positions,
		risk:      risk,
		params:    risk.Params(),
		log:       util.OrDefault(log),
		metrics:   m,
		now:       time.Now,
		inflight:  make(map[string]struct{}),
	}
}

// SetJournal enables persistence of trade results.
func (e *Engine) SetJournal(j TradeJournal) {
	e.journal = j
}

// Initialize records the risk reference balance and syncs positions.
func (e *Engine) Initialize(ctx context.Context) error {
	if err := e.risk.Initialize(ctx); err != nil {
		return err
	}
	return e.SyncPositions(ctx)
}

// ---------------------------------------------------------------------------
// Trade execution
// ---------------------------------------------------------------------------

// ExecuteSpreadTrade sizes, gates and executes one round trip: buy at the
// bid, wait, sell at the ask, wait. It never panics and never returns an
// error; failures are reported in TradeResult.ErrorMessage.
func (e *Engine) ExecuteSpreadTrade(ctx context.Context, opp domain.SpreadOpportunity) (result domain.TradeResult) {
	start := e.now()
	result = domain.TradeResult{Ticker: opp.Ticker, StartedAt: start}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("trade panicked", "ticker", opp.Ticker, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			result.Success = false
			result.ErrorMessage = fmt.Sprintf("internal error: %v", r)
		}
		result.DurationSeconds = e.now().Sub(start).Seconds()
		e.finish(ctx, result)
	}()

	e.log.Info("executing spread trade", "ticker", opp.Ticker, "side", opp.Side,
		"bid", opp.BidPrice, "ask", opp.AskPrice, "spread", opp.SpreadCents)

	if err := opp.Validate(); err != nil {
		result.ErrorMessage = err.Error()
		return result
	}

	// Sizing
	bal, err := e.broker.GetBalance(ctx)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("Balance unavailable: %v", err)
		return result
	}
	size := e.risk.CalculatePositionSize(opp, bal.AvailableBalance)
	if size <= 0 {
		result.ErrorMessage = "Position size calculated as 0"
		return result
	}

	// Risk check
	if ok, reason := e.risk.CanOpenPosition(ctx, opp, size); !ok {
		e.log.Warn("risk check failed", "ticker", opp.Ticker, "reason", reason)
		result.ErrorMessage = "Risk check failed: " + reason
		return result
	}
	if e.params.SerializeEntries {
		if !e.reserve(opp.Ticker) {
			result.ErrorMessage = "Risk check failed: Trade already in progress for " + opp.Ticker
			return result
		}
		defer e.release(opp.Ticker)
	}
	e.log.Info("risk check passed", "ticker", opp.Ticker, "size", size)

	// Buy leg
	buy, err := e.orders.PlaceLimitOrder(ctx, opp.Ticker, opp.Side, domain.ActionBuy, opp.BidPrice, size)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("Buy order failed: %v", err)
		return result
	}
	result.BuyOrderID = buy.ID

	buyResult := e.orders.WaitForFill(ctx, buy.ID, e.params.OrderTimeout)
	result.BuyFillResult = buyResult
	e.metrics.ObserveFill("buy", buyResult)

	switch buyResult {
	case domain.FillTimeout, domain.FillPartial:
		e.log.Warn("buy not fully filled, cancelling", "order_id", buy.ID, "result", buyResult)
		e.orders.CancelOrder(context.WithoutCancel(ctx), buy.ID)
		filled := e.settledFill(ctx, buy.ID)
		if filled == 0 {
			result.ErrorMessage = "Buy order timed out with no fill"
			return result
		}
		// Also covers a fill that raced the cancel after a TIMEOUT read.
		result.BuyFillResult = domain.FillPartial
		result.QuantityFilled = filled
		result.EntryPrice = opp.BidPrice
		e.exitPartial(ctx, &result, opp, filled, size)
		return result
	case domain.FillCancelled:
		result.ErrorMessage = "Buy order was cancelled"
		return result
	case domain.FillError:
		result.ErrorMessage = "Buy order encountered an error"
		return result
	}

	filled := size
	if o, ok := e.orders.Order(buy.ID); ok && o.Filled > 0 {
		filled = o.Filled
	}
	result.QuantityFilled = filled
	result.EntryPrice = opp.BidPrice
	e.positions.UpdatePosition(opp.Ticker, opp.Side, filled, opp.BidPrice)
	e.log.Info("buy filled", "ticker", opp.Ticker, "qty", filled, "price", opp.BidPrice)

	// Sell leg
	e.positions.SetClosing(opp.Ticker, true)
	sell, err := e.orders.PlaceLimitOrder(ctx, opp.Ticker, opp.Side, domain.ActionSell, opp.AskPrice, filled)
	if err != nil {
		e.positions.SetClosing(opp.Ticker, false)
		result.ErrorMessage = fmt.Sprintf("Sell order failed: %v - position still open", err)
		return result
	}
	result.SellOrderID = sell.ID

	sellResult := e.orders.WaitForFill(ctx, sell.ID, e.params.OrderTimeout)
	result.SellFillResult = sellResult
	e.metrics.ObserveFill("sell", sellResult)

	switch sellResult {
	case domain.FillTimeout, domain.FillPartial:
		e.log.Warn("sell not fully filled, cancelling", "order_id", sell.ID, "result", sellResult)
		e.orders.CancelOrder(context.WithoutCancel(ctx), sell.ID)
		sold := e.settledFill(ctx, sell.ID)
		if sold == filled {
			break
		}
		e.positions.SetClosing(opp.Ticker, false)
		if sold == 0 {
			result.ErrorMessage = "Sell order timed out - position still open"
			return result
		}
		result.ExitPrice = opp.AskPrice
		result.ApplyPnL(sold)
		e.positions.UpdatePosition(opp.Ticker, opp.Side, -sold, opp.AskPrice)
		result.ErrorMessage = fmt.Sprintf("Partial sell: %d/%d contracts", sold, filled)
		return result
	case domain.FillCancelled, domain.FillError:
		e.positions.SetClosing(opp.Ticker, false)
		result.ErrorMessage = fmt.Sprintf("Sell order %s - position still open", sellResult)
		return result
	}

	result.ExitPrice = opp.AskPrice
	result.ApplyPnL(filled)
	e.positions.UpdatePosition(opp.Ticker, opp.Side, -filled, opp.AskPrice)
	result.Success = true
	return result
}

// exitPartial closes a partially filled buy with a sell at the ask, waiting
// twice the normal timeout.
func (e *Engine) exitPartial(ctx context.Context, result *domain.TradeResult, opp domain.SpreadOpportunity, qty, requested int64) {
	e.log.Info("exiting partial position", "ticker", opp.Ticker, "qty", qty, "requested", requested)
	e.positions.UpdatePosition(opp.Ticker, opp.Side, qty, opp.BidPrice)
	e.positions.SetClosing(opp.Ticker, true)

	sell, err := e.orders.PlaceLimitOrder(ctx, opp.Ticker, opp.Side, domain.ActionSell, opp.AskPrice, qty)
	if err != nil {
		e.positions.SetClosing(opp.Ticker, false)
		result.ErrorMessage = fmt.Sprintf("Failed to exit partial position: %v", err)
		return
	}
	result.SellOrderID = sell.ID

	res := e.orders.WaitForFill(ctx, sell.ID, 2*e.params.OrderTimeout)
	result.SellFillResult = res
	e.metrics.ObserveFill("exit", res)

	if res == domain.FillFilled {
		result.ExitPrice = opp.AskPrice
		result.ApplyPnL(qty)
		e.positions.UpdatePosition(opp.Ticker, opp.Side, -qty, opp.AskPrice)
		result.ErrorMessage = fmt.Sprintf("Partial buy: %d/%d contracts filled and exited", qty, requested)
		return
	}

	if res == domain.FillTimeout || res == domain.FillPartial {
		e.orders.CancelOrder(context.WithoutCancel(ctx), sell.ID)
	}
	e.positions.SetClosing(opp.Ticker, false)
	if sold := e.settledFill(ctx, sell.ID); sold > 0 {
		result.ExitPrice = opp.AskPrice
		result.ApplyPnL(sold)
		e.positions.UpdatePosition(opp.Ticker, opp.Side, -sold, opp.AskPrice)
		result.ErrorMessage = fmt.Sprintf("Failed to exit partial position: sold %d/%d - position still open", sold, qty)
		return
	}
	result.ErrorMessage = "Failed to exit partial position - position still open"
}

// settledFill returns the filled count of an order after a cancel attempt,
// re-reading the exchange so that a fill racing the cancel is counted. It
// runs even when ctx is already cancelled.
func (e *Engine) settledFill(ctx context.Context, orderID string) int64 {
	o, ok := e.orders.Refresh(context.WithoutCancel(ctx), orderID)
	if !ok {
		return 0
	}
	return o.Filled
}

func (e *Engine) finish(ctx context.Context, result domain.TradeResult) {
	e.metrics.ObserveTrade(result)
	e.metrics.SetOpenPositions(e.positions.PositionCount())

	if result.Success {
		e.log.Info("trade completed", "ticker", result.Ticker, "qty", result.QuantityFilled,
			"net_pnl", domain.FormatCents(result.NetPnL), "duration", result.DurationSeconds)
	} else {
		e.log.Warn("trade not completed", "ticker", result.Ticker, "qty", result.QuantityFilled,
			"net_pnl", domain.FormatCents(result.NetPnL), "error", result.ErrorMessage)
	}

	if e.journal == nil {
		return
	}
	if err := e.journal.RecordTrade(context.WithoutCancel(ctx), result); err != nil {
		e.log.Error("trade journal write failed", "ticker", result.Ticker, "error", err)
	}
}

func (e *Engine) reserve(ticker string) bool {
	e.entryMu.Lock()
	defer e.entryMu.Unlock()
	if _, busy := e.inflight[ticker]; busy {
		return false
	}
	e.inflight[ticker] = struct{}{}
	return true
}

func (e *Engine) release(ticker string) {
	e.entryMu.Lock()
	defer e.entryMu.Unlock()
	delete(e.inflight, ticker)
}

// ---------------------------------------------------------------------------
// Operator surface
// ---------------------------------------------------------------------------

// CancelAllPending cancels resting orders, optionally for one ticker.
func (e *Engine) CancelAllPending(ctx context.Context, ticker string) int {
	return e.orders.CancelAllOrders(ctx, ticker)
}

// SyncPositions reconciles tracked positions with the exchange.
func (e *Engine) SyncPositions(ctx context.Context) error {
	err := e.positions.SyncPositions(ctx)
	e.metrics.SetOpenPositions(e.positions.PositionCount())
	return err
}

// CheckStopLosses returns the open positions whose loss has reached the
// stop-loss threshold. No orders are placed.
func (e *Engine) CheckStopLosses() []StopSignal {
	var out []StopSignal
	for _, p := range e.positions.OpenPositions() {
		if exit, reason := e.risk.ShouldExitPosition(p); exit {
			e.log.Warn("stop loss", "ticker", p.Ticker, "reason", reason,
				"total_pnl", domain.FormatCents(p.TotalPnL()))
			out = append(out, StopSignal{Ticker: p.Ticker, Reason: reason, Position: p})
		}
	}
	return out
}

// UpdatePrice marks a tracked position at price.
func (e *Engine) UpdatePrice(ticker string, price int64) bool {
	return e.positions.UpdatePrice(ticker, price)
}

// Positions returns every tracked position.
func (e *Engine) Positions() []domain.TrackedPosition { return e.positions.AllPositions() }

// OpenPositions returns positions that are not closed.
func (e *Engine) OpenPositions() []domain.TrackedPosition { return e.positions.OpenPositions() }

// TotalPnL sums PnL over all tracked positions.
func (e *Engine) TotalPnL() PnLSummary { return e.positions.CalculateTotalPnL() }

// DailyPnL returns today's realized PnL.
func (e *Engine) DailyPnL() int64 { return e.positions.DailyPnL() }

// ActiveOrders returns working orders, optionally for one ticker.
func (e *Engine) ActiveOrders(ticker string) []domain.ManagedOrder { return e.orders.ActiveOrders(ticker) }

// Orders returns every order placed by this process.
func (e *Engine) Orders() []domain.ManagedOrder { return e.orders.Orders() }

// HaltTrading halts trading manually.
func (e *Engine) HaltTrading(reason string) { e.risk.HaltTrading(reason) }

// ResumeTrading clears a manual halt.
func (e *Engine) ResumeTrading() bool { return e.risk.ResumeTrading() }

// ResetDailyLimits clears all halts and the daily PnL.
func (e *Engine) ResetDailyLimits() { e.risk.ResetDailyLimits() }

// HaltState returns the current halt state.
func (e *Engine) HaltState() HaltState { return e.risk.HaltState() }

// Params returns the strategy limits in effect.
func (e *Engine) Params() Params { return e.params }
