package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"spreadbot/internal/broker"
	"spreadbot/internal/config"
	"spreadbot/internal/domain"
	"spreadbot/internal/engine"
	"spreadbot/internal/metrics"
	"spreadbot/internal/store"
	"spreadbot/pkg/spreadbot"
)

type testEnv struct {
	sim       *broker.SimulatorBroker
	orders    *engine.OrderManager
	positions *engine.PositionTracker
	engine    *engine.Engine
	health    *HealthService
	hub       *Hub
	srv       *httptest.Server
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, trades store.TradeStore) *testEnv {
	t.Helper()
	log := quietLogger()
	sim := broker.NewSimulatorBroker(10_000)
	om := engine.NewOrderManager(sim, log, nil)
	sim.AddListener(om)
	pt := engine.NewPositionTracker(sim, log)
	params := engine.DefaultParams()
	params.OrderTimeout = time.Second
	rm := engine.NewRiskManager(sim, pt, params, log, nil)
	eng := engine.NewEngine(sim, om, pt, rm, log, nil)
	if err := eng.Initialize(t.Context()); err != nil {
		t.Fatal(err)
	}
	if trades != nil {
		eng.SetJournal(trades)
	}

	hub := NewHub(log)
	go hub.Run(t.Context())
	om.OnOrderUpdate(hub)

	health := NewHealthService(eng, log)
	h := NewHandlers(eng, trades, metrics.New(), health, hub, log)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{sim: sim, orders: om, positions: pt, engine: eng, health: health, hub: hub, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, e.srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status = %d, want %d (body %s)",
			resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, b)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, http.MethodGet, "/healthz", nil)
	wantStatus(t, resp, http.StatusOK)
	got := decode[spreadbot.HealthResponse](t, resp)
	if got.Status != "ok" || got.Halted {
		t.Errorf("healthz = %+v", got)
	}
}

func TestPositionsAndPnL(t *testing.T) {
	env := newTestEnv(t, nil)
	env.positions.UpdatePosition("OPEN", domain.SideYes, 10, 40)
	env.positions.UpdatePosition("DONE", domain.SideYes, 5, 30)
	env.positions.UpdatePosition("DONE", domain.SideYes, -5, 34)

	all := decode[[]spreadbot.Position](t, env.do(t, http.MethodGet, "/api/v1/positions", nil))
	if len(all) != 2 {
		t.Errorf("positions = %d, want 2", len(all))
	}
	open := decode[[]spreadbot.Position](t, env.do(t, http.MethodGet, "/api/v1/positions?open=true", nil))
	if len(open) != 1 || open[0].Ticker != "OPEN" {
		t.Errorf("open positions = %+v", open)
	}

	resp := env.do(t, http.MethodPost, "/api/v1/marks", spreadbot.MarkRequest{Ticker: "OPEN", Price: 45})
	wantStatus(t, resp, http.StatusNoContent)

	pnl := decode[spreadbot.PnLResponse](t, env.do(t, http.MethodGet, "/api/v1/pnl", nil))
	if pnl.Realized != 20 || pnl.Unrealized != 50 || pnl.Total != 70 || pnl.Daily != 20 {
		t.Errorf("pnl = %+v, want 20/50/70 daily 20", pnl)
	}
}

func TestMarkErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, http.MethodPost, "/api/v1/marks", spreadbot.MarkRequest{Ticker: "NOPE", Price: 50})
	wantStatus(t, resp, http.StatusNotFound)

	resp = env.do(t, http.MethodPost, "/api/v1/marks", spreadbot.MarkRequest{Ticker: "NOPE", Price: 101})
	wantStatus(t, resp, http.StatusBadRequest)
}

func TestEmptyListsEncodeAsArrays(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, path := range []string{"/api/v1/positions", "/api/v1/orders", "/api/v1/stop-losses"} {
		resp := env.do(t, http.MethodGet, path, nil)
		wantStatus(t, resp, http.StatusOK)
		b, _ := io.ReadAll(resp.Body)
		if got := strings.TrimSpace(string(b)); got != "[]" {
			t.Errorf("%s = %s, want []", path, got)
		}
	}
}

func TestExecuteTrade(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sim.SetAutoFill(true, 0)

	opp := spreadbot.Opportunity{Ticker: "MKT", Side: domain.SideYes, BidPrice: 45, AskPrice: 50, SpreadCents: 5}
	resp := env.do(t, http.MethodPost, "/api/v1/trades", opp)
	wantStatus(t, resp, http.StatusOK)
	res := decode[spreadbot.TradeResult](t, resp)
	if !res.Success || res.QuantityFilled == 0 {
		t.Fatalf("trade = %+v", res)
	}

	orders := decode[[]spreadbot.Order](t, env.do(t, http.MethodGet, "/api/v1/orders?ticker=MKT", nil))
	if len(orders) != 2 {
		t.Errorf("orders = %d, want buy and sell", len(orders))
	}
	active := decode[[]spreadbot.Order](t, env.do(t, http.MethodGet, "/api/v1/orders?active=true", nil))
	if len(active) != 0 {
		t.Errorf("active orders = %+v", active)
	}
}

func TestExecuteTradeSurvivesClientDisconnect(t *testing.T) {
	env := newTestEnv(t, nil)
	sold := make(chan struct{})
	env.sim.OnCreate(func(o domain.Order) {
		if o.Action == domain.ActionBuy {
			_ = env.sim.Execute(o.ID)
			return
		}
		go func() {
			time.Sleep(300 * time.Millisecond)
			_ = env.sim.Execute(o.ID)
			close(sold)
		}()
	})

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	opp := spreadbot.Opportunity{Ticker: "MKT", Side: domain.SideYes, BidPrice: 45, AskPrice: 50, SpreadCents: 5}
	if _, err := spreadbot.NewClient(env.srv.URL).ExecuteTrade(ctx, opp); err == nil {
		t.Fatal("ExecuteTrade returned before the client deadline, want a disconnect")
	}

	select {
	case <-sold:
	case <-time.After(2 * time.Second):
		t.Fatal("sell leg was never filled")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		p, ok := env.positions.Position("MKT")
		if ok && p.Quantity == 0 && p.Status == domain.PositionStatusClosed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("position = %+v, want closed after the sell filled", p)
		}
		time.Sleep(10 * time.Millisecond)
	}

	orders := env.orders.Orders()
	if len(orders) != 2 {
		t.Fatalf("orders = %d, want buy and sell", len(orders))
	}
	for _, o := range orders {
		if o.Status != domain.OrderStatusExecuted {
			t.Errorf("%s order status = %s, want executed", o.Action, o.Status)
		}
	}
}

func TestExecuteTradeRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, nil)

	req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, env.srv.URL+"/api/v1/trades",
		strings.NewReader(`{"ticker": "MKT", "bogus": 1}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	wantStatus(t, resp, http.StatusBadRequest)

	opp := spreadbot.Opportunity{Ticker: "MKT", Side: domain.SideYes, BidPrice: 55, AskPrice: 50, SpreadCents: -5}
	resp = env.do(t, http.MethodPost, "/api/v1/trades", opp)
	wantStatus(t, resp, http.StatusBadRequest)
	if e := decode[spreadbot.ErrorResponse](t, resp); !strings.Contains(e.Error, "bid_price") {
		t.Errorf("error = %q", e.Error)
	}
	if n := env.sim.CreateCalls(); n != 0 {
		t.Errorf("CreateCalls = %d, want 0", n)
	}
}

func TestHaltResume(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/api/v1/halt", spreadbot.HaltRequest{Reason: "maintenance"})
	wantStatus(t, resp, http.StatusOK)
	risk := decode[spreadbot.RiskResponse](t, resp)
	if !risk.Halt.Active || risk.Halt.Reason != "maintenance" || risk.Halt.Origin != engine.HaltManual {
		t.Errorf("halt = %+v", risk.Halt)
	}
	if got, _ := env.health.Check(t.Context(), HealthServiceName); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("health while halted = %s", got)
	}

	resp = env.do(t, http.MethodPost, "/api/v1/resume", nil)
	wantStatus(t, resp, http.StatusOK)
	if risk := decode[spreadbot.RiskResponse](t, resp); risk.Halt.Active {
		t.Errorf("still halted: %+v", risk.Halt)
	}
	if got, _ := env.health.Check(t.Context(), ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("health after resume = %s", got)
	}
}

func TestHaltWithoutBody(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, http.MethodPost, "/api/v1/halt", nil)
	wantStatus(t, resp, http.StatusOK)
	if risk := decode[spreadbot.RiskResponse](t, resp); risk.Halt.Reason != "manual halt" {
		t.Errorf("reason = %q, want default", risk.Halt.Reason)
	}
}

func TestResumeRefusedAfterDailyLoss(t *testing.T) {
	env := newTestEnv(t, nil)
	env.positions.UpdatePosition("LOSER", domain.SideYes, 10, 80)
	env.positions.UpdatePosition("LOSER", domain.SideYes, -10, 20)

	opp := spreadbot.Opportunity{Ticker: "MKT", Side: domain.SideYes, BidPrice: 45, AskPrice: 50, SpreadCents: 5}
	res := decode[spreadbot.TradeResult](t, env.do(t, http.MethodPost, "/api/v1/trades", opp))
	if res.Success || !strings.Contains(res.ErrorMessage, "Daily loss limit") {
		t.Fatalf("trade = %+v, want daily loss rejection", res)
	}

	resp := env.do(t, http.MethodPost, "/api/v1/resume", nil)
	wantStatus(t, resp, http.StatusConflict)
	if risk := decode[spreadbot.RiskResponse](t, resp); risk.Halt.Origin != engine.HaltDailyLoss {
		t.Errorf("halt = %+v", risk.Halt)
	}

	resp = env.do(t, http.MethodPost, "/api/v1/reset-daily", nil)
	wantStatus(t, resp, http.StatusOK)
	risk := decode[spreadbot.RiskResponse](t, resp)
	if risk.Halt.Active || risk.DailyPnL != 0 {
		t.Errorf("after reset = %+v", risk)
	}
}

func TestCancelAndSync(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.orders.PlaceLimitOrder(t.Context(), "MKT", domain.SideYes, domain.ActionBuy, 40, 5); err != nil {
		t.Fatal(err)
	}

	resp := env.do(t, http.MethodPost, "/api/v1/cancel?ticker=MKT", nil)
	wantStatus(t, resp, http.StatusOK)
	if got := decode[spreadbot.CancelResponse](t, resp); got.Cancelled != 1 {
		t.Errorf("cancelled = %d, want 1", got.Cancelled)
	}

	env.sim.SetExposure("EXT", 4)
	resp = env.do(t, http.MethodPost, "/api/v1/sync", nil)
	wantStatus(t, resp, http.StatusOK)
	if got := decode[spreadbot.SyncResponse](t, resp); got.OpenPositions != 1 {
		t.Errorf("open after sync = %d, want 1", got.OpenPositions)
	}
}

func TestTradeJournal(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		env := newTestEnv(t, nil)
		wantStatus(t, env.do(t, http.MethodGet, "/api/v1/trades", nil), http.StatusServiceUnavailable)
	})

	t.Run("sqlite", func(t *testing.T) {
		db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { db.Close() })

		env := newTestEnv(t, db)
		env.sim.SetAutoFill(true, 0)
		opp := spreadbot.Opportunity{Ticker: "MKT", Side: domain.SideYes, BidPrice: 45, AskPrice: 50, SpreadCents: 5}
		wantStatus(t, env.do(t, http.MethodPost, "/api/v1/trades", opp), http.StatusOK)

		trades := decode[[]spreadbot.TradeResult](t, env.do(t, http.MethodGet, "/api/v1/trades?limit=5", nil))
		if len(trades) != 1 || trades[0].Ticker != "MKT" || !trades[0].Success {
			t.Errorf("trades = %+v", trades)
		}
		wantStatus(t, env.do(t, http.MethodGet, "/api/v1/trades?limit=zero", nil), http.StatusBadRequest)
	})
}

func TestMetricsRoute(t *testing.T) {
	env := newTestEnv(t, nil)
	wantStatus(t, env.do(t, http.MethodGet, "/metrics", nil), http.StatusOK)
}

func TestStreamBroadcastsOrderChanges(t *testing.T) {
	env := newTestEnv(t, nil)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/v1/stream"
	conn, _, err := websocket.DefaultDialer.DialContext(t.Context(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	o, err := env.orders.PlaceLimitOrder(t.Context(), "MKT", domain.SideYes, domain.ActionBuy, 40, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.sim.Execute(o.ID); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg spreadbot.StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		if msg.Type != spreadbot.StreamTypeOrder || msg.Order == nil {
			t.Fatalf("message = %+v", msg)
		}
		if msg.Order.ID == o.ID && msg.Order.Status == domain.OrderStatusExecuted {
			return
		}
	}
}

func TestServerShutsDownOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.GRPCPort = 0

	env := newTestEnv(t, nil)
	s := NewServer(cfg, http.NotFoundHandler(), env.health, quietLogger())

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
