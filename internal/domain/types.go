// Package domain defines the core types shared across the spread-capture
// system: orders, fills, positions, opportunities and trade results. All
// monetary values are integer cents.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is one of the two complementary outcomes of a binary market.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// Action is the direction of an order.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// OrderStatus is the lifecycle state of an order, using the exchange's wire
// values.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusResting   OrderStatus = "resting"
	OrderStatusExecuted  OrderStatus = "executed"
	OrderStatusCancelled OrderStatus = "canceled"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusExecuted || s == OrderStatusCancelled
}

// PositionStatus is the lifecycle state of a tracked position.
type PositionStatus string

const (
	PositionStatusOpen    PositionStatus = "open"
	PositionStatusClosing PositionStatus = "closing"
	PositionStatusClosed  PositionStatus = "closed"
)

// FillResult classifies the outcome of waiting on one order.
type FillResult string

const (
	FillFilled    FillResult = "filled"
	FillPartial   FillResult = "partial"
	FillTimeout   FillResult = "timeout"
	FillCancelled FillResult = "cancelled"
	FillError     FillResult = "error"
)

// ---------------------------------------------------------------------------
// Exchange records
// ---------------------------------------------------------------------------

// Order is the exchange's view of an order.
type Order struct {
	ID          string      `json:"order_id"`
	ClientID    string      `json:"client_order_id,omitempty"`
	Ticker      string      `json:"ticker"`
	Side        Side        `json:"side"`
	Action      Action      `json:"action"`
	Price       int64       `json:"price"`
	Count       int64       `json:"count"`
	FilledCount int64       `json:"filled_count"`
	Remaining   int64       `json:"remaining_count"`
	Status      OrderStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_time"`
}

// Fill is a single execution against one of our orders.
type Fill struct {
	TradeID   string    `json:"trade_id"`
	OrderID   string    `json:"order_id"`
	Ticker    string    `json:"ticker"`
	Side      Side      `json:"side"`
	Action    Action    `json:"action"`
	Price     int64     `json:"price"`
	Count     int64     `json:"count"`
	CreatedAt time.Time `json:"created_time"`
}

// Position is the exchange's net exposure in one market. MarketExposure is
// positive for YES contracts and negative for NO contracts.
type Position struct {
	Ticker            string `json:"ticker"`
	MarketExposure    int64  `json:"market_exposure"`
	RealizedPnL       int64  `json:"realized_pnl"`
	RestingOrderCount int64  `json:"resting_orders_count"`
}

// Balance is the account balance in cents.
type Balance struct {
	Balance          int64 `json:"balance"`
	AvailableBalance int64 `json:"available_balance"`
	BonusBalance     int64 `json:"bonus_balance"`
}

// ---------------------------------------------------------------------------
// Trade results
// ---------------------------------------------------------------------------

// TradeResult is the outcome of one spread trade attempt.
type TradeResult struct {
	Success         bool       `json:"success"`
	Ticker          string     `json:"ticker"`
	BuyOrderID      string     `json:"buy_order_id,omitempty"`
	SellOrderID     string     `json:"sell_order_id,omitempty"`
	BuyFillResult   FillResult `json:"buy_fill_result,omitempty"`
	SellFillResult  FillResult `json:"sell_fill_result,omitempty"`
	QuantityFilled  int64      `json:"quantity_filled"`
	EntryPrice      int64      `json:"entry_price"`
	ExitPrice       int64      `json:"exit_price"`
	GrossPnL        int64      `json:"gross_pnl"`
	Fees            int64      `json:"fees"`
	NetPnL          int64      `json:"net_pnl"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	DurationSeconds float64    `json:"duration_seconds"`
}

// FeePerContractPerSide is the exchange fee charged on each leg.
const FeePerContractPerSide = 1

// ApplyPnL fills in gross, fees and net PnL for quantity contracts using the
// result's entry and exit prices.
func (r *TradeResult) ApplyPnL(quantity int64) {
	r.GrossPnL = (r.ExitPrice - r.EntryPrice) * quantity
	r.Fees = quantity * 2 * FeePerContractPerSide
	r.NetPnL = r.GrossPnL - r.Fees
}

// ---------------------------------------------------------------------------
// Money formatting
// ---------------------------------------------------------------------------

// FormatCents renders a cent amount as dollars, e.g. 12345 -> "$123.45".
func FormatCents(cents int64) string {
	d := decimal.New(cents, -2)
	if d.IsNegative() {
		return fmt.Sprintf("-$%s", d.Abs().StringFixed(2))
	}
	return fmt.Sprintf("$%s", d.StringFixed(2))
}
