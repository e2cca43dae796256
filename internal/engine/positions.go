package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"spreadbot/internal/broker"
	"spreadbot/internal/domain"
	"spreadbot/internal/util"
)

// PnLSummary splits total PnL into its realized and unrealized parts.
type PnLSummary struct {
	Realized   int64 `json:"realized"`
	Unrealized int64 `json:"unrealized"`
	Total      int64 `json:"total"`
}

// PositionTracker maintains per-market positions and the rolling daily
// realized PnL. Getters return copies.
type PositionTracker struct {
	broker broker.Broker
	log    *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	positions map[string]*domain.TrackedPosition
	dailyPnL  int64
	day       string
}

// NewPositionTracker creates an empty tracker. b is used by SyncPositions.
func NewPositionTracker(b broker.Broker, log *slog.Logger) *PositionTracker {
	pt := &PositionTracker{
		broker:    b,
		log:       util.OrDefault(log),
		now:       time.Now,
		positions: make(map[string]*domain.TrackedPosition),
	}
	pt.day = util.DayKey(pt.now())
	return pt
}

// rollover resets the daily PnL at UTC midnight. Caller holds mu.
func (pt *PositionTracker) rollover() {
	today := util.DayKey(pt.now())
	if today != pt.day {
		pt.log.Info("daily pnl rollover", "previous_day", pt.day, "previous_pnl", pt.dailyPnL)
		pt.day = today
		pt.dailyPnL = 0
	}
}

// UpdatePosition applies a fill of qtyChange contracts at price. Positive
// changes on the position's side add to it; negative changes, or positive
// changes on the opposite side, reduce it and realize PnL.
func (pt *PositionTracker) UpdatePosition(ticker string, side domain.Side, qtyChange, price int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.rollover()
	now := pt.now()

	p, ok := pt.positions[ticker]
	switch {
	case !ok && qtyChange <= 0:
		pt.log.Warn("cannot reduce non-existent position", "ticker", ticker, "qty_change", qtyChange)
		return

	case !ok:
		pt.positions[ticker] = domain.NewTrackedPosition(ticker, side, qtyChange, price, now)
		pt.log.Info("position opened", "ticker", ticker, "side", side, "qty", qtyChange, "price", price)
		return

	case qtyChange > 0 && p.Status == domain.PositionStatusClosed:
		fresh := domain.NewTrackedPosition(ticker, side, qtyChange, price, now)
		fresh.RealizedPnL = p.RealizedPnL
		pt.positions[ticker] = fresh
		pt.log.Info("position reopened", "ticker", ticker, "side", side, "qty", qtyChange, "price", price)
		return

	case qtyChange > 0 && p.Side == side:
		p.Add(qtyChange, price, now)
		pt.log.Info("position increased", "ticker", ticker, "qty", p.Quantity, "avg_price", p.AvgEntryPrice)
		return
	}

	qty := qtyChange
	if qty < 0 {
		qty = -qty
	}
	pnl := p.Reduce(qty, price, now)
	pt.dailyPnL += pnl
	pt.log.Info("position reduced", "ticker", ticker, "realized_pnl", pnl,
		"remaining", p.Quantity, "status", p.Status)
}

// SyncPositions reconciles tracked positions with the exchange. Flat
// exposures and tickers missing from the exchange are closed; exposures
// unknown locally are adopted at UnknownEntryPrice and flagged.
func (pt *PositionTracker) SyncPositions(ctx context.Context) error {
	remote, err := pt.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("syncing positions: %w", err)
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	now := pt.now()

	seen := make(map[string]struct{}, len(remote))
	for _, rp := range remote {
		seen[rp.Ticker] = struct{}{}
		local, ok := pt.positions[rp.Ticker]

		if rp.MarketExposure == 0 {
			if ok && local.Status != domain.PositionStatusClosed {
				local.Close(now)
				pt.log.Info("position closed by sync", "ticker", rp.Ticker)
			}
			continue
		}

		side, qty := domain.SideYes, rp.MarketExposure
		if qty < 0 {
			side, qty = domain.SideNo, -qty
		}

		if ok && local.Status != domain.PositionStatusClosed {
			local.SetQuantity(side, qty, now)
			continue
		}

		adopted := domain.NewTrackedPosition(rp.Ticker, side, qty, domain.UnknownEntryPrice, now)
		adopted.UnknownEntry = true
		if ok {
			adopted.RealizedPnL = local.RealizedPnL
		}
		pt.positions[rp.Ticker] = adopted
		pt.log.Info("adopted external position", "ticker", rp.Ticker, "side", side, "qty", qty)
	}

	for ticker, p := range pt.positions {
		if _, ok := seen[ticker]; ok || p.Status == domain.PositionStatusClosed {
			continue
		}
		p.Close(now)
		pt.log.Info("position no longer on exchange", "ticker", ticker)
	}

	pt.log.Info("position sync complete", "remote", len(remote), "tracked", len(pt.positions))
	return nil
}

// SetClosing marks an open position as closing while an exit order works,
// or back to open when closing is false. Closed positions are unaffected.
func (pt *PositionTracker) SetClosing(ticker string, closing bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	p, ok := pt.positions[ticker]
	if !ok || p.Status == domain.PositionStatusClosed {
		return
	}
	if closing {
		p.Status = domain.PositionStatusClosing
	} else {
		p.Status = domain.PositionStatusOpen
	}
}

// UpdatePrice records a new mark price for ticker. It reports whether the
// ticker is tracked.
func (pt *PositionTracker) UpdatePrice(ticker string, price int64) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	p, ok := pt.positions[ticker]
	if ok {
		p.UpdatePrice(price, pt.now())
	}
	return ok
}

// CalculateTotalPnL sums realized and unrealized PnL over every tracked
// position, open and closed.
func (pt *PositionTracker) CalculateTotalPnL() PnLSummary {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	var s PnLSummary
	for _, p := range pt.positions {
		s.Realized += p.RealizedPnL
		s.Unrealized += p.UnrealizedPnL
	}
	s.Total = s.Realized + s.Unrealized
	return s
}

// DailyPnL returns today's realized PnL.
func (pt *PositionTracker) DailyPnL() int64 {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.rollover()
	return pt.dailyPnL
}

// ResetDailyPnL zeroes the daily realized PnL.
func (pt *PositionTracker) ResetDailyPnL() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.day = util.DayKey(pt.now())
	pt.dailyPnL = 0
}

// Position returns a copy of the position for ticker.
func (pt *PositionTracker) Position(ticker string) (domain.TrackedPosition, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	p, ok := pt.positions[ticker]
	if !ok {
		return domain.TrackedPosition{}, false
	}
	return *p, true
}

// AllPositions returns every tracked position sorted by ticker.
func (pt *PositionTracker) AllPositions() []domain.TrackedPosition {
	return pt.collect(func(*domain.TrackedPosition) bool { return true })
}

// OpenPositions returns the positions that are not closed.
func (pt *PositionTracker) OpenPositions() []domain.TrackedPosition {
	return pt.collect(func(p *domain.TrackedPosition) bool {
		return p.Status != domain.PositionStatusClosed
	})
}

// PositionCount returns the number of open positions.
func (pt *PositionTracker) PositionCount() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	n := 0
	for _, p := range pt.positions {
		if p.Status != domain.PositionStatusClosed {
			n++
		}
	}
	return n
}

func (pt *PositionTracker) collect(keep func(*domain.TrackedPosition) bool) []domain.TrackedPosition {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	out := make([]domain.TrackedPosition, 0, len(pt.positions))
	for _, p := range pt.positions {
		if keep(p) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}
