// Package store persists trade results and the order audit trail. SQLite
// holds the live journal; Parquet files hold daily archives.
package store

import (
	"context"
	"errors"
	"time"

	"spreadbot/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// TradeStore persists and retrieves finished trade results.
type TradeStore interface {
	// RecordTrade appends a trade result to the journal.
	RecordTrade(ctx context.Context, result domain.TradeResult) error

	// ListTrades returns the most recent trades, newest first, up to limit.
	ListTrades(ctx context.Context, limit int) ([]domain.TradeResult, error)

	// TradesBetween returns trades started within [start, end), oldest first.
	TradesBetween(ctx context.Context, start, end time.Time) ([]domain.TradeResult, error)
}

// OrderStore persists the latest known state of every order placed.
type OrderStore interface {
	// RecordOrder inserts or updates an order by ID.
	RecordOrder(ctx context.Context, order domain.ManagedOrder) error

	// GetOrder retrieves a single order by its ID.
	GetOrder(ctx context.Context, id string) (domain.ManagedOrder, error)

	// ListOrders returns orders for ticker, or all orders when ticker is
	// empty, oldest first.
	ListOrders(ctx context.Context, ticker string) ([]domain.ManagedOrder, error)
}
