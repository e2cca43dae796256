// Package broker defines the Broker interface for the trading API and
// provides implementations for the Kalshi exchange and an in-memory
// simulator used for paper trading and tests.
package broker

import (
	"context"

	"spreadbot/internal/domain"
)

// Broker abstracts the trading API. All monetary values are integer cents.
type Broker interface {
	// Name returns the broker identifier (e.g. "kalshi", "simulator").
	Name() string

	// GetBalance returns the account balance.
	GetBalance(ctx context.Context) (domain.Balance, error)

	// GetPositions returns the net exposure per market.
	GetPositions(ctx context.Context) ([]domain.Position, error)

	// GetOrders lists orders matching the filter.
	GetOrders(ctx context.Context, filter OrderFilter) ([]domain.Order, error)

	// CreateOrder places a limit order.
	CreateOrder(ctx context.Context, req CreateOrderRequest) (domain.Order, error)

	// CancelOrder cancels an order. An unknown order yields an *APIError
	// with status 404.
	CancelOrder(ctx context.Context, orderID string) error

	// GetOrder returns the authoritative state of one order.
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
}

// OrderFilter narrows GetOrders. Zero values match everything.
type OrderFilter struct {
	Ticker string
	Status domain.OrderStatus
}

// Matches reports whether o passes the filter.
func (f OrderFilter) Matches(o domain.Order) bool {
	if f.Ticker != "" && o.Ticker != f.Ticker {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	return true
}

// CreateOrderRequest describes a limit order.
type CreateOrderRequest struct {
	Ticker   string
	Side     domain.Side
	Action   domain.Action
	Price    int64 // cents, 1-99
	Count    int64
	ClientID string
}
