package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"spreadbot/internal/domain"
	"spreadbot/internal/engine"
	"spreadbot/internal/metrics"
	"spreadbot/internal/store"
	"spreadbot/internal/util"
	"spreadbot/pkg/spreadbot"
)

// Engine is the execution surface exposed to operators.
type Engine interface {
	ExecuteSpreadTrade(ctx context.Context, opp domain.SpreadOpportunity) domain.TradeResult
	CancelAllPending(ctx context.Context, ticker string) int
	SyncPositions(ctx context.Context) error
	CheckStopLosses() []engine.StopSignal
	UpdatePrice(ticker string, price int64) bool

	Positions() []domain.TrackedPosition
	OpenPositions() []domain.TrackedPosition
	TotalPnL() engine.PnLSummary
	DailyPnL() int64
	ActiveOrders(ticker string) []domain.ManagedOrder
	Orders() []domain.ManagedOrder

	HaltTrading(reason string)
	ResumeTrading() bool
	ResetDailyLimits()
	HaltState() engine.HaltState
	Params() engine.Params
}

var _ Engine = (*engine.Engine)(nil)

const defaultTradeLimit = 50

// Handlers serves the operator HTTP API.
type Handlers struct {
	engine  Engine
	trades  store.TradeStore
	metrics *metrics.Metrics
	health  *HealthService
	hub     *Hub
	log     *slog.Logger
}

// NewHandlers creates the operator API. trades, m, health and hub may be
// nil; the routes that need them then report 503 or are not registered.
func NewHandlers(e Engine, trades store.TradeStore, m *metrics.Metrics, health *HealthService, hub *Hub, log *slog.Logger) *Handlers {
	return &Handlers{
		engine:  e,
		trades:  trades,
		metrics: m,
		health:  health,
		hub:     hub,
		log:     util.OrDefault(log),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /api/v1/positions", h.handlePositions)
	mux.HandleFunc("GET /api/v1/pnl", h.handlePnL)
	mux.HandleFunc("GET /api/v1/orders", h.handleOrders)
	mux.HandleFunc("GET /api/v1/risk", h.handleRisk)
	mux.HandleFunc("GET /api/v1/stop-losses", h.handleStopLosses)
	mux.HandleFunc("GET /api/v1/trades", h.handleListTrades)
	mux.HandleFunc("POST /api/v1/trades", h.handleExecuteTrade)
	mux.HandleFunc("POST /api/v1/cancel", h.handleCancel)
	mux.HandleFunc("POST /api/v1/sync", h.handleSync)
	mux.HandleFunc("POST /api/v1/marks", h.handleMark)
	mux.HandleFunc("POST /api/v1/halt", h.handleHalt)
	mux.HandleFunc("POST /api/v1/resume", h.handleResume)
	mux.HandleFunc("POST /api/v1/reset-daily", h.handleResetDaily)
	if h.hub != nil {
		mux.HandleFunc("GET /api/v1/stream", h.hub.HandleWebSocket)
	}
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}
}

// Handler returns an http.Handler with all routes and request logging.
func (h *Handlers) Handler() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return h.logRequests(mux)
}

func (h *Handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.log.Debug("api request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, spreadbot.ErrorResponse{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func (h *Handlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, spreadbot.HealthResponse{Status: "ok", Halted: h.engine.HaltState().Active})
}

func (h *Handlers) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("open") == "true" {
		writeJSON(w, nonNil(h.engine.OpenPositions()))
		return
	}
	writeJSON(w, nonNil(h.engine.Positions()))
}

func (h *Handlers) handlePnL(w http.ResponseWriter, _ *http.Request) {
	s := h.engine.TotalPnL()
	writeJSON(w, spreadbot.PnLResponse{
		Realized:   s.Realized,
		Unrealized: s.Unrealized,
		Total:      s.Total,
		Daily:      h.engine.DailyPnL(),
	})
}

func (h *Handlers) handleOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ticker := q.Get("ticker")
	if q.Get("active") == "true" {
		writeJSON(w, nonNil(h.engine.ActiveOrders(ticker)))
		return
	}
	var out []domain.ManagedOrder
	for _, o := range h.engine.Orders() {
		if ticker == "" || o.Ticker == ticker {
			out = append(out, o)
		}
	}
	writeJSON(w, nonNil(out))
}

func (h *Handlers) riskResponse() spreadbot.RiskResponse {
	p := h.engine.Params()
	return spreadbot.RiskResponse{
		Halt:          h.engine.HaltState(),
		DailyPnL:      h.engine.DailyPnL(),
		OpenPositions: len(h.engine.OpenPositions()),
		Limits: spreadbot.Limits{
			MaxPositionSize:        p.MaxPositionSize,
			MaxConcurrentPositions: p.MaxConcurrentPositions,
			RiskPerTradePct:        p.RiskPerTradePct,
			OrderTimeoutSeconds:    p.OrderTimeout.Seconds(),
			DailyLossLimitPct:      p.DailyLossLimitPct,
			PositionStopLossPct:    p.PositionStopLossPct,
			SerializeEntries:       p.SerializeEntries,
		},
	}
}

func (h *Handlers) handleRisk(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.riskResponse())
}

func (h *Handlers) handleStopLosses(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, nonNil(h.engine.CheckStopLosses()))
}

func (h *Handlers) handleListTrades(w http.ResponseWriter, r *http.Request) {
	if h.trades == nil {
		writeError(w, http.StatusServiceUnavailable, "trade journal not configured")
		return
	}
	limit := defaultTradeLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", s))
			return
		}
		limit = n
	}
	trades, err := h.trades.ListTrades(r.Context(), limit)
	if err != nil {
		h.log.Error("listing trades", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	writeJSON(w, nonNil(trades))
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func (h *Handlers) handleExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var opp domain.SpreadOpportunity
	if err := decodeBody(w, r, &opp); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := opp.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.log.Info("operator trade request", "ticker", opp.Ticker, "side", opp.Side,
		"bid", opp.BidPrice, "ask", opp.AskPrice)
	// Once the buy is placed the exit must run to completion even if the
	// caller goes away, or the position is left open without a sell.
	ctx := context.WithoutCancel(r.Context())
	writeJSON(w, h.engine.ExecuteSpreadTrade(ctx, opp))
}

func (h *Handlers) handleCancel(w http.ResponseWriter, r *http.Request) {
	ticker := r.URL.Query().Get("ticker")
	n := h.engine.CancelAllPending(r.Context(), ticker)
	h.log.Info("operator cancel-all", "ticker", ticker, "cancelled", n)
	writeJSON(w, spreadbot.CancelResponse{Cancelled: n})
}

func (h *Handlers) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.SyncPositions(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, spreadbot.SyncResponse{OpenPositions: len(h.engine.OpenPositions())})
}

func (h *Handlers) handleMark(w http.ResponseWriter, r *http.Request) {
	var req spreadbot.MarkRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Price < 0 || req.Price > 100 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("price must be 0-100, got %d", req.Price))
		return
	}
	if !h.engine.UpdatePrice(req.Ticker, req.Price) {
		writeError(w, http.StatusNotFound, "no tracked position for "+req.Ticker)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleHalt(w http.ResponseWriter, r *http.Request) {
	var req spreadbot.HaltRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual halt"
	}
	h.engine.HaltTrading(req.Reason)
	h.health.Refresh()
	writeJSON(w, h.riskResponse())
}

func (h *Handlers) handleResume(w http.ResponseWriter, _ *http.Request) {
	if !h.engine.ResumeTrading() {
		writeJSONStatus(w, http.StatusConflict, h.riskResponse())
		return
	}
	h.health.Refresh()
	writeJSON(w, h.riskResponse())
}

func (h *Handlers) handleResetDaily(w http.ResponseWriter, _ *http.Request) {
	h.engine.ResetDailyLimits()
	h.health.Refresh()
	writeJSON(w, h.riskResponse())
}
