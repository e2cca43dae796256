package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"spreadbot/internal/domain"
	"spreadbot/internal/metrics"
	"spreadbot/internal/util"
)

// Compile-time interface check.
var _ Broker = (*KalshiBroker)(nil)

const (
	readAttempts  = 3
	readBaseDelay = 200 * time.Millisecond
	pageLimit     = 100
)

// KalshiBroker implements the Broker interface against the Kalshi trade API
// v2. Every call is charged against the read or write bucket of the shared
// rate limiter. Transient read failures are retried; writes never are.
type KalshiBroker struct {
	baseURL    string
	basePath   string
	signer     Signer
	limiter    *util.RateLimiter
	httpClient *http.Client
	log        *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// KalshiOption customises a KalshiBroker.
type KalshiOption func(*KalshiBroker)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) KalshiOption {
	return func(b *KalshiBroker) { b.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) KalshiOption {
	return func(b *KalshiBroker) { b.log = l }
}

// WithMetrics records rate-limit waits and API errors.
func WithMetrics(m *metrics.Metrics) KalshiOption {
	return func(b *KalshiBroker) { b.metrics = m }
}

// NewKalshiBroker creates a broker for the API rooted at baseURL, e.g.
// https://demo-api.kalshi.co/trade-api/v2. signer may be nil for
// unauthenticated use in tests.
func NewKalshiBroker(baseURL string, signer Signer, limiter *util.RateLimiter, opts ...KalshiOption) (*KalshiBroker, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if limiter == nil {
		limiter = util.NewRateLimiter(20, 10)
	}

	b := &KalshiBroker{
		baseURL:    u.String(),
		basePath:   u.Path,
		signer:     signer,
		limiter:    limiter,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Name returns "kalshi".
func (b *KalshiBroker) Name() string {
	return "kalshi"
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type wireOrder struct {
	OrderID        string    `json:"order_id"`
	ClientOrderID  string    `json:"client_order_id"`
	Ticker         string    `json:"ticker"`
	Side           string    `json:"side"`
	Action         string    `json:"action"`
	Status         string    `json:"status"`
	YesPrice       int64     `json:"yes_price"`
	NoPrice        int64     `json:"no_price"`
	Count          int64     `json:"count"`
	InitialCount   int64     `json:"initial_count"`
	FillCount      *int64    `json:"fill_count"`
	RemainingCount int64     `json:"remaining_count"`
	CreatedTime    time.Time `json:"created_time"`
}

func (w wireOrder) toDomain() domain.Order {
	side := domain.Side(strings.ToLower(w.Side))
	price := w.YesPrice
	if side == domain.SideNo {
		price = w.NoPrice
	}

	count := w.InitialCount
	if count == 0 {
		count = w.Count
	}
	var filled int64
	if w.FillCount != nil {
		filled = *w.FillCount
	} else {
		filled = count - w.RemainingCount
	}
	if count == 0 {
		count = filled + w.RemainingCount
	}

	status := domain.OrderStatus(strings.ToLower(w.Status))
	if status == "cancelled" {
		status = domain.OrderStatusCancelled
	}

	return domain.Order{
		ID:          w.OrderID,
		ClientID:    w.ClientOrderID,
		Ticker:      w.Ticker,
		Side:        side,
		Action:      domain.Action(strings.ToLower(w.Action)),
		Price:       price,
		Count:       count,
		FilledCount: filled,
		Remaining:   w.RemainingCount,
		Status:      status,
		CreatedAt:   w.CreatedTime,
	}
}

type orderEnvelope struct {
	Order wireOrder `json:"order"`
}

type ordersEnvelope struct {
	Orders []wireOrder `json:"orders"`
	Cursor string      `json:"cursor"`
}

type wirePosition struct {
	Ticker             string `json:"ticker"`
	Position           int64  `json:"position"`
	MarketExposure     int64  `json:"market_exposure"`
	RealizedPnL        int64  `json:"realized_pnl"`
	RestingOrdersCount int64  `json:"resting_orders_count"`
}

type positionsEnvelope struct {
	MarketPositions []wirePosition `json:"market_positions"`
	Cursor          string         `json:"cursor"`
}

type balanceEnvelope struct {
	Balance          int64  `json:"balance"`
	AvailableBalance *int64 `json:"available_balance"`
}

type createOrderBody struct {
	Ticker        string `json:"ticker"`
	ClientOrderID string `json:"client_order_id"`
	Side          string `json:"side"`
	Action        string `json:"action"`
	Count         int64  `json:"count"`
	Type          string `json:"type"`
	YesPrice      int64  `json:"yes_price,omitempty"`
	NoPrice       int64  `json:"no_price,omitempty"`
}

type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ---------------------------------------------------------------------------
// Broker implementation
// ---------------------------------------------------------------------------

// GetBalance returns the account balance. The API reports a single balance
// figure, which is also used as the available balance unless the response
// carries a separate one.
func (b *KalshiBroker) GetBalance(ctx context.Context) (domain.Balance, error) {
	var env balanceEnvelope
	if err := b.read(ctx, "/portfolio/balance", nil, &env); err != nil {
		return domain.Balance{}, fmt.Errorf("get balance: %w", err)
	}
	bal := domain.Balance{Balance: env.Balance, AvailableBalance: env.Balance}
	if env.AvailableBalance != nil {
		bal.AvailableBalance = *env.AvailableBalance
	}
	return bal, nil
}

// GetPositions pages through all market positions. MarketExposure carries
// the signed net contract count.
func (b *KalshiBroker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	var out []domain.Position
	cursor := ""
	for {
		q := url.Values{"limit": {fmt.Sprint(pageLimit)}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var env positionsEnvelope
		if err := b.read(ctx, "/portfolio/positions", q, &env); err != nil {
			return nil, fmt.Errorf("get positions: %w", err)
		}
		for _, p := range env.MarketPositions {
			out = append(out, domain.Position{
				Ticker:            p.Ticker,
				MarketExposure:    p.Position,
				RealizedPnL:       p.RealizedPnL,
				RestingOrderCount: p.RestingOrdersCount,
			})
		}
		if env.Cursor == "" || len(env.MarketPositions) == 0 {
			return out, nil
		}
		cursor = env.Cursor
	}
}

// GetOrders pages through orders matching filter.
func (b *KalshiBroker) GetOrders(ctx context.Context, filter OrderFilter) ([]domain.Order, error) {
	var out []domain.Order
	cursor := ""
	for {
		q := url.Values{"limit": {fmt.Sprint(pageLimit)}}
		if filter.Ticker != "" {
			q.Set("ticker", filter.Ticker)
		}
		if filter.Status != "" {
			q.Set("status", string(filter.Status))
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var env ordersEnvelope
		if err := b.read(ctx, "/portfolio/orders", q, &env); err != nil {
			return nil, fmt.Errorf("get orders: %w", err)
		}
		for _, o := range env.Orders {
			out = append(out, o.toDomain())
		}
		if env.Cursor == "" || len(env.Orders) == 0 {
			return out, nil
		}
		cursor = env.Cursor
	}
}

// CreateOrder places a limit order. Failures are returned as-is.
func (b *KalshiBroker) CreateOrder(ctx context.Context, req CreateOrderRequest) (domain.Order, error) {
	clientID := req.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	body := createOrderBody{
		Ticker:        req.Ticker,
		ClientOrderID: clientID,
		Side:          string(req.Side),
		Action:        string(req.Action),
		Count:         req.Count,
		Type:          "limit",
	}
	if req.Side == domain.SideYes {
		body.YesPrice = req.Price
	} else {
		body.NoPrice = req.Price
	}

	var env orderEnvelope
	if err := b.do(ctx, util.RequestWrite, http.MethodPost, "/portfolio/orders", nil, body, &env); err != nil {
		return domain.Order{}, err
	}
	order := env.Order.toDomain()
	b.log.Info("order created", "order_id", order.ID, "ticker", order.Ticker,
		"side", order.Side, "action", order.Action, "price", order.Price, "count", order.Count)
	return order, nil
}

// CancelOrder cancels an order.
func (b *KalshiBroker) CancelOrder(ctx context.Context, orderID string) error {
	return b.do(ctx, util.RequestWrite, http.MethodDelete, "/portfolio/orders/"+url.PathEscape(orderID), nil, nil, nil)
}

// GetOrder returns one order.
func (b *KalshiBroker) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	var env orderEnvelope
	if err := b.read(ctx, "/portfolio/orders/"+url.PathEscape(orderID), nil, &env); err != nil {
		return domain.Order{}, err
	}
	return env.Order.toDomain(), nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func (b *KalshiBroker) read(ctx context.Context, endpoint string, q url.Values, out any) error {
	return util.RetryIf(ctx, readAttempts, readBaseDelay, IsTransient, func() error {
		return b.do(ctx, util.RequestRead, http.MethodGet, endpoint, q, nil, out)
	})
}

func (b *KalshiBroker) do(ctx context.Context, kind util.RequestType, method, endpoint string, q url.Values, body, out any) error {
	waited, err := b.limiter.Acquire(ctx, kind)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	b.metrics.ObserveRateLimitWait(string(kind), waited)
	if waited > 0 {
		b.log.Debug("rate limited", "kind", kind, "waited", waited)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	target := b.baseURL + endpoint
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.signer != nil {
		if err := b.signer.Sign(req.Header, method, b.basePath+endpoint, b.now()); err != nil {
			return err
		}
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := decodeAPIError(resp.StatusCode, data)
		b.metrics.IncAPIError(resp.StatusCode)
		b.log.Warn("api error", "method", method, "endpoint", endpoint,
			"status", apiErr.Status, "code", apiErr.Code, "message", apiErr.Message)
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", endpoint, err)
	}
	return nil
}

func decodeAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status, Message: http.StatusText(status)}
	var env errorEnvelope
	if json.Unmarshal(data, &env) != nil {
		return apiErr
	}
	switch {
	case env.Error != nil:
		apiErr.Code = env.Error.Code
		if env.Error.Message != "" {
			apiErr.Message = env.Error.Message
		}
	default:
		apiErr.Code = env.Code
		if env.Message != "" {
			apiErr.Message = env.Message
		}
	}
	return apiErr
}
