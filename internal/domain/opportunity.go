package domain

import (
	"fmt"
	"time"
)

// ValidationError reports a malformed input that was rejected before any
// external call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SpreadOpportunity is a detected bid/ask spread in one market, produced by
// the scanner. Prices are in cents.
type SpreadOpportunity struct {
	Ticker           string    `json:"ticker"`
	MarketTitle      string    `json:"market_title,omitempty"`
	Side             Side      `json:"side"`
	BidPrice         int64     `json:"bid_price"`
	AskPrice         int64     `json:"ask_price"`
	SpreadCents      int64     `json:"spread_cents"`
	SpreadPct        float64   `json:"spread_pct,omitempty"`
	Probability      float64   `json:"probability,omitempty"`
	Volume24h        int64     `json:"volume_24h"`
	Liquidity        int64     `json:"liquidity"`
	DaysToExpiration float64   `json:"days_to_expiration"`
	Expiration       time.Time `json:"expiration,omitempty"`
	ExpectedProfit   float64   `json:"expected_profit,omitempty"`
	Score            float64   `json:"score,omitempty"`
}

// Validate checks the opportunity's input contract.
func (o SpreadOpportunity) Validate() error {
	if o.Ticker == "" {
		return &ValidationError{Field: "ticker", Reason: "must not be empty"}
	}
	if !o.Side.Valid() {
		return &ValidationError{Field: "side", Reason: fmt.Sprintf("must be yes or no, got %q", o.Side)}
	}
	if o.BidPrice < 0 || o.BidPrice > 100 {
		return &ValidationError{Field: "bid_price", Reason: fmt.Sprintf("must be 0-100, got %d", o.BidPrice)}
	}
	if o.AskPrice < 0 || o.AskPrice > 100 {
		return &ValidationError{Field: "ask_price", Reason: fmt.Sprintf("must be 0-100, got %d", o.AskPrice)}
	}
	if o.BidPrice > o.AskPrice {
		return &ValidationError{Field: "bid_price", Reason: fmt.Sprintf("bid %d exceeds ask %d", o.BidPrice, o.AskPrice)}
	}
	if o.SpreadCents != o.AskPrice-o.BidPrice {
		return &ValidationError{Field: "spread_cents", Reason: fmt.Sprintf("got %d, want ask-bid=%d", o.SpreadCents, o.AskPrice-o.BidPrice)}
	}
	if o.Probability < 0 || o.Probability > 1 {
		return &ValidationError{Field: "probability", Reason: fmt.Sprintf("must be 0-1, got %g", o.Probability)}
	}
	return nil
}

// Midpoint is the mid price in cents.
func (o SpreadOpportunity) Midpoint() float64 {
	return float64(o.BidPrice+o.AskPrice) / 2
}

// NoBid is the implied NO bid (100 - YES ask).
func (o SpreadOpportunity) NoBid() int64 {
	return 100 - o.AskPrice
}

// NoAsk is the implied NO ask (100 - YES bid).
func (o SpreadOpportunity) NoAsk() int64 {
	return 100 - o.BidPrice
}
