package broker

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"spreadbot/internal/domain"
	"spreadbot/internal/stream"
)

// Compile-time interface checks.
var (
	_ Broker        = (*SimulatorBroker)(nil)
	_ stream.Source = (*SimulatorBroker)(nil)
)

// SimulatorBroker implements the Broker interface for paper trading and
// tests. It keeps orders, balance and net exposure in memory and publishes
// order updates and fills to its listeners the way the exchange's websocket
// feed would. Orders rest until filled through Fill or Execute, or
// automatically when auto-fill is enabled.
type SimulatorBroker struct {
	*stream.Hub

	mu       sync.Mutex
	balance  int64
	orders   map[string]*domain.Order
	exposure map[string]int64
	now      func() time.Time

	failCreate error
	failCancel error
	suppress   bool
	autoFill   bool
	fillDelay  time.Duration
	onCreate   func(domain.Order)
	onCancel   func(orderID string)

	createCalls int
	cancelCalls int
}

// NewSimulatorBroker creates a simulator holding balance cents.
func NewSimulatorBroker(balance int64) *SimulatorBroker {
	return &SimulatorBroker{
		Hub:      stream.NewHub(nil),
		balance:  balance,
		orders:   make(map[string]*domain.Order),
		exposure: make(map[string]int64),
		now:      time.Now,
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// ---------------------------------------------------------------------------
// Test and paper-trading controls
// ---------------------------------------------------------------------------

// SetBalance overwrites the account balance.
func (b *SimulatorBroker) SetBalance(cents int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balance = cents
}

// SetExposure overwrites the net exposure for ticker, as if the position had
// been opened outside this process.
func (b *SimulatorBroker) SetExposure(ticker string, contracts int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exposure[ticker] = contracts
}

// FailNextCreate makes the next CreateOrder return err.
func (b *SimulatorBroker) FailNextCreate(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failCreate = err
}

// FailNextCancel makes the next CancelOrder return err.
func (b *SimulatorBroker) FailNextCancel(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failCancel = err
}

// SuppressEvents stops (or resumes) publishing to listeners, simulating a
// dead notification channel.
func (b *SimulatorBroker) SuppressEvents(suppress bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.suppress = suppress
}

// SetAutoFill fills every new order in full after delay.
func (b *SimulatorBroker) SetAutoFill(enabled bool, delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autoFill = enabled
	b.fillDelay = delay
}

// OnCreate registers a hook run after every successful CreateOrder.
func (b *SimulatorBroker) OnCreate(fn func(domain.Order)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onCreate = fn
}

// OnCancel registers a hook run at the start of every CancelOrder, before
// the cancel takes effect.
func (b *SimulatorBroker) OnCancel(fn func(orderID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onCancel = fn
}

// CreateCalls returns how many times CreateOrder has been called.
func (b *SimulatorBroker) CreateCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createCalls
}

// CancelCalls returns how many times CancelOrder has been called.
func (b *SimulatorBroker) CancelCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelCalls
}

// Fill executes up to n contracts of a resting order at its limit price.
func (b *SimulatorBroker) Fill(orderID string, n int64) error {
	b.mu.Lock()
	o, ok := b.orders[orderID]
	if !ok {
		b.mu.Unlock()
		return &APIError{Status: http.StatusNotFound, Code: "not_found", Message: "order " + orderID}
	}
	if o.Status.Terminal() {
		b.mu.Unlock()
		return fmt.Errorf("order %s is %s", orderID, o.Status)
	}
	if n > o.Remaining {
		n = o.Remaining
	}
	if n <= 0 {
		b.mu.Unlock()
		return nil
	}

	o.FilledCount += n
	o.Remaining -= n
	if o.Remaining == 0 {
		o.Status = domain.OrderStatusExecuted
	}
	b.settle(*o, n)

	fill := domain.Fill{
		TradeID:   uuid.NewString(),
		OrderID:   o.ID,
		Ticker:    o.Ticker,
		Side:      o.Side,
		Action:    o.Action,
		Price:     o.Price,
		Count:     n,
		CreatedAt: b.now(),
	}
	update := *o
	suppress := b.suppress
	b.mu.Unlock()

	if !suppress {
		b.Publish(stream.Filled(fill))
		b.Publish(stream.OrderUpdated(update))
	}
	return nil
}

// Execute fills the whole remainder of an order.
func (b *SimulatorBroker) Execute(orderID string) error {
	b.mu.Lock()
	o, ok := b.orders[orderID]
	var remaining int64
	if ok {
		remaining = o.Remaining
	}
	b.mu.Unlock()
	if !ok {
		return &APIError{Status: http.StatusNotFound, Code: "not_found", Message: "order " + orderID}
	}
	return b.Fill(orderID, remaining)
}

// CancelExternally cancels an order as if from outside this process.
func (b *SimulatorBroker) CancelExternally(orderID string) error {
	return b.cancel(orderID)
}

// settle applies a fill of n contracts to balance and exposure. Caller holds mu.
func (b *SimulatorBroker) settle(o domain.Order, n int64) {
	cost := o.Price * n
	fees := n * domain.FeePerContractPerSide
	sign := int64(1)
	if o.Side == domain.SideNo {
		sign = -1
	}
	if o.Action == domain.ActionBuy {
		b.balance -= cost + fees
		b.exposure[o.Ticker] += sign * n
	} else {
		b.balance += cost - fees
		b.exposure[o.Ticker] -= sign * n
	}
}

// ---------------------------------------------------------------------------
// Broker implementation
// ---------------------------------------------------------------------------

// GetBalance returns the simulated balance.
func (b *SimulatorBroker) GetBalance(_ context.Context) (domain.Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.Balance{Balance: b.balance, AvailableBalance: b.balance}, nil
}

// GetPositions returns the net exposure of every market ever traded,
// including flat ones, sorted by ticker.
func (b *SimulatorBroker) GetPositions(_ context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.Position, 0, len(b.exposure))
	for ticker, n := range b.exposure {
		var resting int64
		for _, o := range b.orders {
			if o.Ticker == ticker && !o.Status.Terminal() {
				resting++
			}
		}
		out = append(out, domain.Position{Ticker: ticker, MarketExposure: n, RestingOrderCount: resting})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

// GetOrders returns copies of the orders matching filter, oldest first.
func (b *SimulatorBroker) GetOrders(_ context.Context, filter OrderFilter) ([]domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []domain.Order
	for _, o := range b.orders {
		if filter.Matches(*o) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreateOrder records a resting limit order.
func (b *SimulatorBroker) CreateOrder(_ context.Context, req CreateOrderRequest) (domain.Order, error) {
	b.mu.Lock()
	b.createCalls++

	if err := b.failCreate; err != nil {
		b.failCreate = nil
		b.mu.Unlock()
		return domain.Order{}, err
	}
	if req.Price < 1 || req.Price > 99 || req.Count <= 0 || !req.Side.Valid() {
		b.mu.Unlock()
		return domain.Order{}, &APIError{Status: http.StatusBadRequest, Code: "invalid_order",
			Message: fmt.Sprintf("price %d count %d side %q", req.Price, req.Count, req.Side)}
	}
	if req.Action == domain.ActionBuy && req.Price*req.Count > b.balance {
		b.mu.Unlock()
		return domain.Order{}, &APIError{Status: http.StatusBadRequest, Code: "insufficient_balance",
			Message: "insufficient balance"}
	}

	o := &domain.Order{
		ID:        uuid.NewString(),
		ClientID:  req.ClientID,
		Ticker:    req.Ticker,
		Side:      req.Side,
		Action:    req.Action,
		Price:     req.Price,
		Count:     req.Count,
		Remaining: req.Count,
		Status:    domain.OrderStatusResting,
		CreatedAt: b.now(),
	}
	b.orders[o.ID] = o
	if _, ok := b.exposure[o.Ticker]; !ok {
		b.exposure[o.Ticker] = 0
	}

	created := *o
	hook := b.onCreate
	autoFill, delay := b.autoFill, b.fillDelay
	b.mu.Unlock()

	if hook != nil {
		hook(created)
	}
	if autoFill {
		time.AfterFunc(delay, func() { _ = b.Execute(created.ID) })
	}
	return created, nil
}

// CancelOrder cancels a resting order. Unknown or terminal orders yield a
// 404 APIError.
func (b *SimulatorBroker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	b.cancelCalls++
	hook := b.onCancel
	if err := b.failCancel; err != nil {
		b.failCancel = nil
		b.mu.Unlock()
		return err
	}
	b.mu.Unlock()

	if hook != nil {
		hook(orderID)
	}
	return b.cancel(orderID)
}

func (b *SimulatorBroker) cancel(orderID string) error {
	b.mu.Lock()
	o, ok := b.orders[orderID]
	if !ok || o.Status.Terminal() {
		b.mu.Unlock()
		return &APIError{Status: http.StatusNotFound, Code: "not_found", Message: "order " + orderID}
	}
	o.Status = domain.OrderStatusCancelled
	update := *o
	suppress := b.suppress
	b.mu.Unlock()

	if !suppress {
		b.Publish(stream.OrderUpdated(update))
	}
	return nil
}

// GetOrder returns a copy of one order.
func (b *SimulatorBroker) GetOrder(_ context.Context, orderID string) (domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return domain.Order{}, &APIError{Status: http.StatusNotFound, Code: "not_found", Message: "order " + orderID}
	}
	return *o, nil
}
