package engine

import (
	"context"
	"strings"
	"testing"

	"spreadbot/internal/broker"
	"spreadbot/internal/domain"
)

func newRisk(t *testing.T, balance int64, params Params) (*RiskManager, *PositionTracker, *broker.SimulatorBroker) {
	t.Helper()
	sim := broker.NewSimulatorBroker(balance)
	pt := NewPositionTracker(sim, quietLogger())
	rm := NewRiskManager(sim, pt, params, quietLogger(), nil)
	if err := rm.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	return rm, pt, sim
}

func opportunity(ticker string, bid, ask int64) domain.SpreadOpportunity {
	return domain.SpreadOpportunity{
		Ticker:      ticker,
		Side:        domain.SideYes,
		BidPrice:    bid,
		AskPrice:    ask,
		SpreadCents: ask - bid,
	}
}

func TestCalculatePositionSize(t *testing.T) {
	tests := []struct {
		name    string
		pct     float64
		bid     int64
		ask     int64
		balance int64
		want    int64
	}{
		{"spread bonus", 0.02, 45, 50, 100_000, 57},
		{"zero bid", 0.02, 0, 5, 100_000, 0},
		{"no bonus at fee breakeven", 0.02, 45, 47, 100_000, 44},
		{"bonus capped at 2x", 0.02, 45, 57, 100_000, 88},
		{"clamped to max size", 0.02, 10, 15, 100_000, 100},
		{"floored at one", 0.02, 45, 50, 100, 1},
		{"clamped to affordability", 1.0, 40, 52, 1_000, 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := DefaultParams()
			params.RiskPerTradePct = tt.pct
			rm, _, _ := newRisk(t, tt.balance, params)
			got := rm.CalculatePositionSize(opportunity("MKT", tt.bid, tt.ask), tt.balance)
			if got != tt.want {
				t.Errorf("size = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCanOpenPositionChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("ok", func(t *testing.T) {
		rm, _, _ := newRisk(t, 100_000, DefaultParams())
		ok, reason := rm.CanOpenPosition(ctx, opportunity("MKT", 45, 50), 57)
		if !ok || reason != "OK" {
			t.Errorf("got (%v, %q), want (true, OK)", ok, reason)
		}
	})

	t.Run("max concurrent", func(t *testing.T) {
		params := DefaultParams()
		params.MaxConcurrentPositions = 1
		rm, pt, _ := newRisk(t, 100_000, params)
		pt.UpdatePosition("OTHER", domain.SideYes, 5, 40)
		_, reason := rm.CanOpenPosition(ctx, opportunity("MKT", 45, 50), 10)
		if reason != "Max concurrent positions (1) reached" {
			t.Errorf("reason = %q", reason)
		}
	})

	t.Run("existing position", func(t *testing.T) {
		rm, pt, _ := newRisk(t, 100_000, DefaultParams())
		pt.UpdatePosition("MKT", domain.SideYes, 5, 40)
		_, reason := rm.CanOpenPosition(ctx, opportunity("MKT", 45, 50), 10)
		if reason != "Already have position in MKT" {
			t.Errorf("reason = %q", reason)
		}
	})

	t.Run("size limit", func(t *testing.T) {
		rm, _, _ := newRisk(t, 100_000, DefaultParams())
		_, reason := rm.CanOpenPosition(ctx, opportunity("MKT", 45, 50), 101)
		if reason != "Size 101 exceeds max position size (100)" {
			t.Errorf("reason = %q", reason)
		}
	})

	t.Run("insufficient balance", func(t *testing.T) {
		rm, _, _ := newRisk(t, 1_000, DefaultParams())
		_, reason := rm.CanOpenPosition(ctx, opportunity("MKT", 45, 50), 30)
		if reason != "Insufficient balance. Need $13.50, have $10.00" {
			t.Errorf("reason = %q", reason)
		}
	})

	t.Run("halt checked first", func(t *testing.T) {
		params := DefaultParams()
		params.MaxConcurrentPositions = 1
		rm, pt, _ := newRisk(t, 100_000, params)
		pt.UpdatePosition("OTHER", domain.SideYes, 5, 40)
		rm.HaltTrading("maintenance")
		_, reason := rm.CanOpenPosition(ctx, opportunity("MKT", 45, 50), 10)
		if reason != "Trading halted: maintenance" {
			t.Errorf("reason = %q", reason)
		}
	})
}

func TestDailyLossLimitLatchesHalt(t *testing.T) {
	ctx := context.Background()
	rm, pt, _ := newRisk(t, 10_000, DefaultParams())

	pt.UpdatePosition("LOSER", domain.SideYes, 10, 80)
	pt.UpdatePosition("LOSER", domain.SideYes, -10, 20)
	if got := pt.DailyPnL(); got != -600 {
		t.Fatalf("daily = %d, want -600", got)
	}

	ok, reason := rm.CanOpenPosition(ctx, opportunity("MKT", 10, 15), 1)
	if ok || reason != "Daily loss limit ($5.00) exceeded" {
		t.Fatalf("got (%v, %q)", ok, reason)
	}
	h := rm.HaltState()
	if !h.Active || h.Origin != HaltDailyLoss {
		t.Fatalf("halt = %+v, want active daily_loss", h)
	}

	_, reason = rm.CanOpenPosition(ctx, opportunity("MKT", 10, 15), 1)
	if !strings.HasPrefix(reason, "Trading halted: ") {
		t.Errorf("second check reason = %q, want halted", reason)
	}

	if rm.ResumeTrading() {
		t.Error("ResumeTrading cleared a daily loss halt")
	}
	rm.HaltTrading("operator")
	if h := rm.HaltState(); h.Origin != HaltDailyLoss {
		t.Errorf("manual halt replaced daily loss origin: %+v", h)
	}

	rm.ResetDailyLimits()
	if h := rm.HaltState(); h.Active {
		t.Errorf("halt after reset = %+v", h)
	}
	if got := pt.DailyPnL(); got != 0 {
		t.Errorf("daily after reset = %d, want 0", got)
	}
	if ok, _ := rm.CanOpenPosition(ctx, opportunity("MKT", 10, 15), 1); !ok {
		t.Error("trading still blocked after reset")
	}
}

func TestManualHaltAndResume(t *testing.T) {
	rm, _, _ := newRisk(t, 10_000, DefaultParams())
	rm.HaltTrading("news")
	if h := rm.HaltState(); !h.Active || h.Origin != HaltManual || h.Reason != "news" {
		t.Fatalf("halt = %+v", h)
	}
	if !rm.ResumeTrading() {
		t.Fatal("ResumeTrading refused a manual halt")
	}
	if h := rm.HaltState(); h.Active || h.Origin != HaltNone {
		t.Errorf("halt after resume = %+v", h)
	}
}

func TestShouldExitPosition(t *testing.T) {
	rm, _, _ := newRisk(t, 10_000, DefaultParams())

	p := domain.NewTrackedPosition("MKT", domain.SideYes, 10, 50, testTime)
	p.UpdatePrice(44, testTime)
	exit, reason := rm.ShouldExitPosition(*p)
	if !exit || reason != "Stop loss triggered (12.0% loss)" {
		t.Errorf("at -12%%: got (%v, %q)", exit, reason)
	}

	p.UpdatePrice(46, testTime)
	if exit, _ := rm.ShouldExitPosition(*p); exit {
		t.Error("exit triggered at -8%")
	}

	p.UpdatePrice(60, testTime)
	if exit, _ := rm.ShouldExitPosition(*p); exit {
		t.Error("exit triggered on a winning position")
	}
}
