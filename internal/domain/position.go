package domain

import "time"

// UnknownEntryPrice is the entry price assumed for positions adopted from
// the exchange, whose real cost basis cannot be recovered from net exposure.
const UnknownEntryPrice = 50

// TrackedPosition is the engine's view of exposure in one market.
// Status is closed exactly when Quantity is zero, and UnrealizedPnL is always
// derived from side, entry price, current price and quantity.
type TrackedPosition struct {
	Ticker        string         `json:"ticker"`
	Side          Side           `json:"side"`
	Quantity      int64          `json:"quantity"`
	AvgEntryPrice int64          `json:"avg_entry_price"`
	CurrentPrice  int64          `json:"current_price"`
	RealizedPnL   int64          `json:"realized_pnl"`
	UnrealizedPnL int64          `json:"unrealized_pnl"`
	Status        PositionStatus `json:"status"`
	UnknownEntry  bool           `json:"unknown_entry,omitempty"`
	EntryTime     time.Time      `json:"entry_time"`
	LastUpdated   time.Time      `json:"last_updated"`
}

// NewTrackedPosition opens a position of qty contracts at price.
func NewTrackedPosition(ticker string, side Side, qty, price int64, now time.Time) *TrackedPosition {
	p := &TrackedPosition{
		Ticker:        ticker,
		Side:          side,
		Quantity:      qty,
		AvgEntryPrice: price,
		CurrentPrice:  price,
		Status:        PositionStatusOpen,
		EntryTime:     now,
		LastUpdated:   now,
	}
	p.refresh()
	return p
}

// Add increases the position, recomputing the weighted average entry price
// with truncating integer division.
func (p *TrackedPosition) Add(qty, price int64, now time.Time) {
	if qty <= 0 {
		return
	}
	totalCost := p.AvgEntryPrice*p.Quantity + price*qty
	p.Quantity += qty
	p.AvgEntryPrice = totalCost / p.Quantity
	p.LastUpdated = now
	p.refresh()
}

// Reduce closes up to qty contracts at price and returns the realized PnL of
// the reduction.
func (p *TrackedPosition) Reduce(qty, price int64, now time.Time) int64 {
	if qty > p.Quantity {
		qty = p.Quantity
	}
	if qty <= 0 {
		return 0
	}

	var pnl int64
	if p.Side == SideYes {
		pnl = (price - p.AvgEntryPrice) * qty
	} else {
		pnl = (p.AvgEntryPrice - price) * qty
	}

	p.RealizedPnL += pnl
	p.Quantity -= qty
	p.LastUpdated = now
	p.refresh()
	return pnl
}

// UpdatePrice records a new mark price.
func (p *TrackedPosition) UpdatePrice(price int64, now time.Time) {
	p.CurrentPrice = price
	p.LastUpdated = now
	p.refresh()
}

// SetQuantity overwrites the quantity, used when reconciling with the
// exchange.
func (p *TrackedPosition) SetQuantity(side Side, qty int64, now time.Time) {
	p.Side = side
	p.Quantity = qty
	p.LastUpdated = now
	p.refresh()
}

// Close marks the position closed with zero quantity.
func (p *TrackedPosition) Close(now time.Time) {
	p.SetQuantity(p.Side, 0, now)
}

// TotalPnL is realized plus unrealized PnL.
func (p *TrackedPosition) TotalPnL() int64 {
	return p.RealizedPnL + p.UnrealizedPnL
}

// CostBasis is the capital committed to the open quantity.
func (p *TrackedPosition) CostBasis() int64 {
	return p.AvgEntryPrice * p.Quantity
}

// CurrentValue is the open quantity marked at the current price.
func (p *TrackedPosition) CurrentValue() int64 {
	return p.CurrentPrice * p.Quantity
}

// PnLPercent is total PnL as a percentage of cost basis.
func (p *TrackedPosition) PnLPercent() float64 {
	basis := p.CostBasis()
	if basis == 0 {
		return 0
	}
	return float64(p.TotalPnL()) / float64(basis) * 100
}

func (p *TrackedPosition) refresh() {
	switch {
	case p.CurrentPrice <= 0:
		p.UnrealizedPnL = 0
	case p.Side == SideYes:
		p.UnrealizedPnL = (p.CurrentPrice - p.AvgEntryPrice) * p.Quantity
	default:
		p.UnrealizedPnL = (p.AvgEntryPrice - p.CurrentPrice) * p.Quantity
	}

	if p.Quantity == 0 {
		p.Status = PositionStatusClosed
	} else if p.Status == PositionStatusClosed {
		p.Status = PositionStatusOpen
	}
}
