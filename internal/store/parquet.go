package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"spreadbot/internal/domain"
)

// ParquetExporter archives trade results to one Parquet file per UTC day.
type ParquetExporter struct {
	DataDir string
}

// NewParquetExporter creates an exporter rooted at the given data directory.
func NewParquetExporter(dataDir string) *ParquetExporter {
	return &ParquetExporter{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// TradeRecord is the Parquet schema for an archived trade result.
type TradeRecord struct {
	Ticker          string  `parquet:"ticker"`
	StartedAt       int64   `parquet:"started_at,timestamp(millisecond)"` // Unix ms
	Success         bool    `parquet:"success"`
	BuyOrderID      string  `parquet:"buy_order_id"`
	SellOrderID     string  `parquet:"sell_order_id"`
	BuyFillResult   string  `parquet:"buy_fill_result"`
	SellFillResult  string  `parquet:"sell_fill_result"`
	QuantityFilled  int64   `parquet:"quantity_filled"`
	EntryPrice      int64   `parquet:"entry_price"`
	ExitPrice       int64   `parquet:"exit_price"`
	GrossPnL        int64   `parquet:"gross_pnl"`
	Fees            int64   `parquet:"fees"`
	NetPnL          int64   `parquet:"net_pnl"`
	ErrorMessage    string  `parquet:"error_message"`
	DurationSeconds float64 `parquet:"duration_seconds"`
}

func toRecord(r domain.TradeResult) TradeRecord {
	return TradeRecord{
		Ticker:          r.Ticker,
		StartedAt:       r.StartedAt.UnixMilli(),
		Success:         r.Success,
		BuyOrderID:      r.BuyOrderID,
		SellOrderID:     r.SellOrderID,
		BuyFillResult:   string(r.BuyFillResult),
		SellFillResult:  string(r.SellFillResult),
		QuantityFilled:  r.QuantityFilled,
		EntryPrice:      r.EntryPrice,
		ExitPrice:       r.ExitPrice,
		GrossPnL:        r.GrossPnL,
		Fees:            r.Fees,
		NetPnL:          r.NetPnL,
		ErrorMessage:    r.ErrorMessage,
		DurationSeconds: r.DurationSeconds,
	}
}

func (rec TradeRecord) toResult() domain.TradeResult {
	return domain.TradeResult{
		Success:         rec.Success,
		Ticker:          rec.Ticker,
		BuyOrderID:      rec.BuyOrderID,
		SellOrderID:     rec.SellOrderID,
		BuyFillResult:   domain.FillResult(rec.BuyFillResult),
		SellFillResult:  domain.FillResult(rec.SellFillResult),
		QuantityFilled:  rec.QuantityFilled,
		EntryPrice:      rec.EntryPrice,
		ExitPrice:       rec.ExitPrice,
		GrossPnL:        rec.GrossPnL,
		Fees:            rec.Fees,
		NetPnL:          rec.NetPnL,
		ErrorMessage:    rec.ErrorMessage,
		StartedAt:       time.UnixMilli(rec.StartedAt).UTC(),
		DurationSeconds: rec.DurationSeconds,
	}
}

// ---------------------------------------------------------------------------
// Export
// ---------------------------------------------------------------------------

// WriteTrades writes trades to their day files, merging with what is
// already archived. Each UTC day produces a file at:
//
//	<DataDir>/trades/<YYYY-MM-DD>.parquet
func (e *ParquetExporter) WriteTrades(_ context.Context, trades []domain.TradeResult) error {
	if len(trades) == 0 {
		return nil
	}

	groups := make(map[string][]TradeRecord)
	for _, t := range trades {
		day := t.StartedAt.UTC().Format(time.DateOnly)
		groups[day] = append(groups[day], toRecord(t))
	}

	for day, records := range groups {
		path := filepath.Join(e.DataDir, "trades", day+".parquet")

		// An unreadable archive is left alone; rewriting it from this
		// batch alone would drop every trade already in it.
		existing, err := readParquetFile[TradeRecord](path)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("reading trades for %s: %w", day, err)
		}
		merged := mergeTradeRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing trades for %s: %w", day, err)
		}
	}
	return nil
}

// ExportDay copies the trades started on day (UTC) from src to the archive
// and returns how many were written.
func (e *ParquetExporter) ExportDay(ctx context.Context, src TradeStore, day time.Time) (int, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	trades, err := src.TradesBetween(ctx, start, start.AddDate(0, 0, 1))
	if err != nil {
		return 0, err
	}
	if err := e.WriteTrades(ctx, trades); err != nil {
		return 0, err
	}
	return len(trades), nil
}

// ReadDay returns the archived trades for day (UTC), oldest first. A missing
// file yields no trades.
func (e *ParquetExporter) ReadDay(_ context.Context, day time.Time) ([]domain.TradeResult, error) {
	records, err := readParquetFile[TradeRecord](e.dayPath(day))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]domain.TradeResult, len(records))
	for i, r := range records {
		out[i] = r.toResult()
	}
	return out, nil
}

// dayPath returns the archive path for a UTC day.
// Layout: <dataDir>/trades/<YYYY-MM-DD>.parquet
func (e *ParquetExporter) dayPath(day time.Time) string {
	return filepath.Join(e.DataDir, "trades", day.UTC().Format(time.DateOnly)+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, records); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeTradeRecords deduplicates records by (ticker, started_at, buy order),
// preferring incoming records. Results are sorted by start time.
func mergeTradeRecords(existing, incoming []TradeRecord) []TradeRecord {
	type key struct {
		ticker string
		ts     int64
		buyID  string
	}
	seen := make(map[key]TradeRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Ticker, r.StartedAt, r.BuyOrderID}] = r
	}
	for _, r := range incoming {
		seen[key{r.Ticker, r.StartedAt, r.BuyOrderID}] = r
	}

	merged := make([]TradeRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].StartedAt != merged[j].StartedAt {
			return merged[i].StartedAt < merged[j].StartedAt
		}
		return merged[i].Ticker < merged[j].Ticker
	})
	return merged
}
