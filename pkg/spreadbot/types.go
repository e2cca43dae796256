package spreadbot

import (
	"spreadbot/internal/domain"
	"spreadbot/internal/engine"
)

// Wire types shared with the server. Monetary values are integer cents.
type (
	Opportunity = domain.SpreadOpportunity
	TradeResult = domain.TradeResult
	Position    = domain.TrackedPosition
	Order       = domain.ManagedOrder
	HaltState   = engine.HaltState
	StopSignal  = engine.StopSignal
)

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Halted bool   `json:"halted"`
}

// PnLResponse is returned by GET /api/v1/pnl.
type PnLResponse struct {
	Realized   int64 `json:"realized"`
	Unrealized int64 `json:"unrealized"`
	Total      int64 `json:"total"`
	Daily      int64 `json:"daily"`
}

// Limits are the strategy limits in effect.
type Limits struct {
	MaxPositionSize        int64   `json:"max_position_size"`
	MaxConcurrentPositions int     `json:"max_concurrent_positions"`
	RiskPerTradePct        float64 `json:"risk_per_trade_pct"`
	OrderTimeoutSeconds    float64 `json:"order_timeout_seconds"`
	DailyLossLimitPct      float64 `json:"daily_loss_limit_pct"`
	PositionStopLossPct    float64 `json:"position_stop_loss_pct"`
	SerializeEntries       bool    `json:"serialize_entries"`
}

// RiskResponse is returned by GET /api/v1/risk and by the halt controls.
type RiskResponse struct {
	Halt          HaltState `json:"halt"`
	DailyPnL      int64     `json:"daily_pnl"`
	OpenPositions int       `json:"open_positions"`
	Limits        Limits    `json:"limits"`
}

// CancelResponse is returned by POST /api/v1/cancel.
type CancelResponse struct {
	Cancelled int `json:"cancelled"`
}

// SyncResponse is returned by POST /api/v1/sync.
type SyncResponse struct {
	OpenPositions int `json:"open_positions"`
}

// HaltRequest is the body of POST /api/v1/halt.
type HaltRequest struct {
	Reason string `json:"reason"`
}

// MarkRequest is the body of POST /api/v1/marks.
type MarkRequest struct {
	Ticker string `json:"ticker"`
	Price  int64  `json:"price"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StreamMessage is one frame on the /api/v1/stream websocket.
type StreamMessage struct {
	Type  string `json:"type"`
	Cause string `json:"cause,omitempty"`
	Order *Order `json:"order,omitempty"`
}

// StreamTypeOrder marks a StreamMessage carrying an order change.
const StreamTypeOrder = "order"
