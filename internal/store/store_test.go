package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"spreadbot/internal/domain"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore(%q) returned error: %v", dbPath, err)
	}
	t.Cleanup(func() {
		if cerr := s.Close(); cerr != nil {
			t.Errorf("Close() returned error: %v", cerr)
		}
	})
	return s
}

func trade(ticker string, started time.Time, net int64) domain.TradeResult {
	return domain.TradeResult{
		Success:         net > 0,
		Ticker:          ticker,
		BuyOrderID:      "buy-" + ticker + started.Format("150405"),
		SellOrderID:     "sell-" + ticker,
		BuyFillResult:   domain.FillFilled,
		SellFillResult:  domain.FillFilled,
		QuantityFilled:  10,
		EntryPrice:      45,
		ExitPrice:       50,
		GrossPnL:        50,
		Fees:            20,
		NetPnL:          net,
		StartedAt:       started,
		DurationSeconds: 1.5,
	}
}

func TestSQLiteStoreReopenKeepsSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	for i := 0; i < 2; i++ {
		s, err := NewSQLiteStore(dbPath)
		if err != nil {
			t.Fatalf("open #%d: %v", i+1, err)
		}
		if err := s.db.Ping(); err != nil {
			t.Fatalf("db.Ping() returned error: %v", err)
		}
		s.Close()
	}
}

func TestSQLiteStoreTrades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	trades := []domain.TradeResult{
		trade("A", base, 30),
		trade("B", base.Add(time.Minute), 30),
		trade("C", base.Add(25*time.Hour), -5),
	}
	trades[2].ErrorMessage = "Sell order timed out - position still open"
	trades[2].SellFillResult = domain.FillTimeout
	for _, tr := range trades {
		if err := s.RecordTrade(ctx, tr); err != nil {
			t.Fatalf("RecordTrade: %v", err)
		}
	}

	got, err := s.ListTrades(ctx, 2)
	if err != nil {
		t.Fatalf("ListTrades: %v", err)
	}
	if len(got) != 2 || got[0].Ticker != "C" || got[1].Ticker != "B" {
		t.Fatalf("ListTrades(2) = %+v, want [C B]", got)
	}
	if got[0].Success || got[0].SellFillResult != domain.FillTimeout || got[0].ErrorMessage == "" {
		t.Errorf("round-tripped failure = %+v", got[0])
	}
	if !got[0].StartedAt.Equal(trades[2].StartedAt) {
		t.Errorf("StartedAt = %v, want %v", got[0].StartedAt, trades[2].StartedAt)
	}

	all, err := s.ListTrades(ctx, 0)
	if err != nil {
		t.Fatalf("ListTrades(0): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListTrades(0) returned %d, want 3", len(all))
	}

	day, err := s.TradesBetween(ctx, base.Truncate(24*time.Hour), base.Truncate(24*time.Hour).Add(24*time.Hour))
	if err != nil {
		t.Fatalf("TradesBetween: %v", err)
	}
	if len(day) != 2 || day[0].Ticker != "A" || !day[0].Success || day[0].NetPnL != 30 {
		t.Errorf("TradesBetween = %+v", day)
	}
}

func TestSQLiteStoreOrders(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	o := domain.ManagedOrder{
		ID: "o-1", Ticker: "MKT", Side: domain.SideYes, Action: domain.ActionBuy,
		Price: 45, Count: 10, Remaining: 10, Status: domain.OrderStatusResting,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.RecordOrder(ctx, o); err != nil {
		t.Fatalf("RecordOrder: %v", err)
	}

	o.Filled, o.Remaining, o.Status = 10, 0, domain.OrderStatusExecuted
	o.UpdatedAt = now.Add(time.Second)
	if err := s.RecordOrder(ctx, o); err != nil {
		t.Fatalf("RecordOrder (update): %v", err)
	}

	got, err := s.GetOrder(ctx, "o-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Filled != 10 || got.Remaining != 0 || got.Status != domain.OrderStatusExecuted ||
		got.Side != domain.SideYes || got.Price != 45 || !got.UpdatedAt.Equal(o.UpdatedAt) {
		t.Errorf("GetOrder = %+v, want %+v", got, o)
	}

	if _, err := s.GetOrder(ctx, "missing"); !IsNotFound(err) {
		t.Errorf("GetOrder(missing) error = %v, want ErrNotFound", err)
	}

	other := o
	other.ID, other.Ticker = "o-2", "OTHER"
	if err := s.RecordOrder(ctx, other); err != nil {
		t.Fatalf("RecordOrder: %v", err)
	}
	if got, _ := s.ListOrders(ctx, "MKT"); len(got) != 1 {
		t.Errorf("ListOrders(MKT) returned %d, want 1", len(got))
	}
	if got, _ := s.ListOrders(ctx, ""); len(got) != 2 {
		t.Errorf("ListOrders() returned %d, want 2", len(got))
	}
}

func TestParquetExporterDayPath(t *testing.T) {
	e := NewParquetExporter("/data")
	got := e.dayPath(time.Date(2026, 6, 15, 23, 30, 0, 0, time.UTC))
	want := filepath.Join("/data", "trades", "2026-06-15.parquet")
	if got != want {
		t.Errorf("dayPath mismatch:\n  got  %s\n  want %s", got, want)
	}
}

func TestParquetExporterExportDayMerges(t *testing.T) {
	s := openTestStore(t)
	e := NewParquetExporter(t.TempDir())
	ctx := context.Background()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	first := trade("A", day.Add(10*time.Hour), 30)
	if err := s.RecordTrade(ctx, first); err != nil {
		t.Fatal(err)
	}
	if n, err := e.ExportDay(ctx, s, day); err != nil || n != 1 {
		t.Fatalf("ExportDay = (%d, %v), want (1, nil)", n, err)
	}

	// A second export after another trade must merge, not duplicate.
	if err := s.RecordTrade(ctx, trade("B", day.Add(11*time.Hour), 12)); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordTrade(ctx, trade("NEXT", day.Add(30*time.Hour), 12)); err != nil {
		t.Fatal(err)
	}
	if n, err := e.ExportDay(ctx, s, day); err != nil || n != 2 {
		t.Fatalf("ExportDay = (%d, %v), want (2, nil)", n, err)
	}

	got, err := e.ReadDay(ctx, day)
	if err != nil {
		t.Fatalf("ReadDay: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadDay returned %d trades, want 2", len(got))
	}
	if got[0].Ticker != "A" || got[0].NetPnL != 30 || got[0].BuyFillResult != domain.FillFilled {
		t.Errorf("first archived trade = %+v", got[0])
	}
	if !got[0].StartedAt.Equal(first.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", got[0].StartedAt, first.StartedAt)
	}
}

func TestParquetExporterReadMissingDay(t *testing.T) {
	e := NewParquetExporter(t.TempDir())
	got, err := e.ReadDay(context.Background(), time.Now())
	if err != nil || got != nil {
		t.Errorf("ReadDay on empty archive = (%v, %v), want (nil, nil)", got, err)
	}
}

func TestParquetExporterKeepsUnreadableArchive(t *testing.T) {
	e := NewParquetExporter(t.TempDir())
	ctx := context.Background()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	path := e.dayPath(day)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	garbage := []byte("not a parquet file")
	if err := os.WriteFile(path, garbage, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := e.WriteTrades(ctx, []domain.TradeResult{trade("A", day.Add(time.Hour), 30)}); err == nil {
		t.Fatal("WriteTrades over an unreadable archive should fail")
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, garbage) {
		t.Errorf("archive was rewritten: %q", got)
	}
}
