package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"spreadbot/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ TradeStore = (*SQLiteStore)(nil)
var _ OrderStore = (*SQLiteStore)(nil)

// SQLiteStore implements TradeStore and OrderStore backed by a SQLite
// database.
type SQLiteStore struct {
	db *sql.DB
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS trades (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		ticker           TEXT    NOT NULL,
		success          INTEGER NOT NULL,
		buy_order_id     TEXT    NOT NULL DEFAULT '',
		sell_order_id    TEXT    NOT NULL DEFAULT '',
		buy_fill_result  TEXT    NOT NULL DEFAULT '',
		sell_fill_result TEXT    NOT NULL DEFAULT '',
		quantity_filled  INTEGER NOT NULL,
		entry_price      INTEGER NOT NULL,
		exit_price       INTEGER NOT NULL,
		gross_pnl        INTEGER NOT NULL,
		fees             INTEGER NOT NULL,
		net_pnl          INTEGER NOT NULL,
		error_message    TEXT    NOT NULL DEFAULT '',
		started_at       INTEGER NOT NULL,
		duration_seconds REAL    NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS trades_started_at ON trades (started_at)`,
	`CREATE TABLE IF NOT EXISTS orders (
		order_id   TEXT PRIMARY KEY,
		ticker     TEXT    NOT NULL,
		side       TEXT    NOT NULL,
		action     TEXT    NOT NULL,
		price      INTEGER NOT NULL,
		count      INTEGER NOT NULL,
		filled     INTEGER NOT NULL,
		remaining  INTEGER NOT NULL,
		status     TEXT    NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS orders_ticker ON orders (ticker, created_at)`,
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dbPath, err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// TradeStore implementation
// ---------------------------------------------------------------------------

const tradeColumns = `ticker, success, buy_order_id, sell_order_id, buy_fill_result, sell_fill_result,
	quantity_filled, entry_price, exit_price, gross_pnl, fees, net_pnl, error_message,
	started_at, duration_seconds`

// RecordTrade appends a trade result.
func (s *SQLiteStore) RecordTrade(ctx context.Context, r domain.TradeResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (`+tradeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Ticker, r.Success, r.BuyOrderID, r.SellOrderID, string(r.BuyFillResult), string(r.SellFillResult),
		r.QuantityFilled, r.EntryPrice, r.ExitPrice, r.GrossPnL, r.Fees, r.NetPnL, r.ErrorMessage,
		r.StartedAt.UnixMilli(), r.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("recording trade for %s: %w", r.Ticker, err)
	}
	return nil
}

// ListTrades returns the most recent trades, newest first. A non-positive
// limit returns every trade.
func (s *SQLiteStore) ListTrades(ctx context.Context, limit int) ([]domain.TradeResult, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trades ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing trades: %w", err)
	}
	return scanTrades(rows)
}

// TradesBetween returns trades started within [start, end), oldest first.
func (s *SQLiteStore) TradesBetween(ctx context.Context, start, end time.Time) ([]domain.TradeResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE started_at >= ? AND started_at < ? ORDER BY started_at, id`,
		start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("querying trades: %w", err)
	}
	return scanTrades(rows)
}

func scanTrades(rows *sql.Rows) ([]domain.TradeResult, error) {
	defer rows.Close()

	var out []domain.TradeResult
	for rows.Next() {
		var (
			r             domain.TradeResult
			buyRes, sellR string
			startedMs     int64
		)
		if err := rows.Scan(&r.Ticker, &r.Success, &r.BuyOrderID, &r.SellOrderID, &buyRes, &sellR,
			&r.QuantityFilled, &r.EntryPrice, &r.ExitPrice, &r.GrossPnL, &r.Fees, &r.NetPnL,
			&r.ErrorMessage, &startedMs, &r.DurationSeconds); err != nil {
			return nil, fmt.Errorf("scanning trade: %w", err)
		}
		r.BuyFillResult = domain.FillResult(buyRes)
		r.SellFillResult = domain.FillResult(sellR)
		r.StartedAt = time.UnixMilli(startedMs).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

const orderColumns = `order_id, ticker, side, action, price, count, filled, remaining, status, created_at, updated_at`

// RecordOrder inserts an order or replaces its mutable fields.
func (s *SQLiteStore) RecordOrder(ctx context.Context, o domain.ManagedOrder) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			filled = excluded.filled,
			remaining = excluded.remaining,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		o.ID, o.Ticker, string(o.Side), string(o.Action), o.Price, o.Count, o.Filled, o.Remaining,
		string(o.Status), o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("recording order %s: %w", o.ID, err)
	}
	return nil
}

// GetOrder retrieves a single order by its ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (domain.ManagedOrder, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, id)
	if err != nil {
		return domain.ManagedOrder{}, fmt.Errorf("getting order %s: %w", id, err)
	}
	orders, err := scanOrders(rows)
	if err != nil {
		return domain.ManagedOrder{}, err
	}
	if len(orders) == 0 {
		return domain.ManagedOrder{}, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return orders[0], nil
}

// ListOrders returns orders for ticker, or every order when ticker is empty.
func (s *SQLiteStore) ListOrders(ctx context.Context, ticker string) ([]domain.ManagedOrder, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if ticker == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at, order_id`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE ticker = ? ORDER BY created_at, order_id`, ticker)
	}
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]domain.ManagedOrder, error) {
	defer rows.Close()

	var out []domain.ManagedOrder
	for rows.Next() {
		var (
			o                    domain.ManagedOrder
			side, action, status string
			createdMs, updatedMs int64
		)
		if err := rows.Scan(&o.ID, &o.Ticker, &side, &action, &o.Price, &o.Count, &o.Filled,
			&o.Remaining, &status, &createdMs, &updatedMs); err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		o.Side = domain.Side(side)
		o.Action = domain.Action(action)
		o.Status = domain.OrderStatus(status)
		o.CreatedAt = time.UnixMilli(createdMs).UTC()
		o.UpdatedAt = time.UnixMilli(updatedMs).UTC()
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
