package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"spreadbot/internal/broker"
	"spreadbot/internal/domain"
	"spreadbot/internal/metrics"
	"spreadbot/internal/stream"
	"spreadbot/internal/util"
)

// maxEarlyOrders bounds how many unknown order IDs have buffered events.
const maxEarlyOrders = 256

// OrderListener is notified after every change to a managed order.
type OrderListener interface {
	OrderChanged(order domain.ManagedOrder, cause stream.Event)
}

// OrderListenerFunc adapts a function to OrderListener.
type OrderListenerFunc func(order domain.ManagedOrder, cause stream.Event)

// OrderChanged calls f.
func (f OrderListenerFunc) OrderChanged(order domain.ManagedOrder, cause stream.Event) {
	f(order, cause)
}

// OrderJournal persists order snapshots for audit.
type OrderJournal interface {
	RecordOrder(ctx context.Context, order domain.ManagedOrder) error
}

// trackedOrder pairs a managed order with its completion signal.
type trackedOrder struct {
	order   *domain.ManagedOrder
	done    chan struct{}
	once    sync.Once
	fillSum int64
	trades  map[string]struct{}
}

func (t *trackedOrder) signal() {
	t.once.Do(func() { close(t.done) })
}

// OrderManager places and cancels orders and tracks their fills from two
// sources: synchronous API responses and asynchronous stream events.
type OrderManager struct {
	broker  broker.Broker
	log     *slog.Logger
	metrics *metrics.Metrics
	journal OrderJournal
	now     func() time.Time

	mu     sync.Mutex
	orders map[string]*trackedOrder
	early  map[string][]stream.Event
	queue  []string // early IDs, oldest first

	listenersMu sync.RWMutex
	listeners   []OrderListener
}

// Compile-time interface check.
var _ stream.Listener = (*OrderManager)(nil)

// NewOrderManager creates an OrderManager. Register it with the event source
// (stream client or simulator) via AddListener.
func NewOrderManager(b broker.Broker, log *slog.Logger, m *metrics.Metrics) *OrderManager {
	return &OrderManager{
		broker:  b,
		log:     util.OrDefault(log),
		metrics: m,
		now:     time.Now,
		orders:  make(map[string]*trackedOrder),
		early:   make(map[string][]stream.Event),
	}
}

// SetJournal enables audit persistence of order snapshots.
func (om *OrderManager) SetJournal(j OrderJournal) {
	om.journal = j
}

// OnOrderUpdate registers a listener for order changes.
func (om *OrderManager) OnOrderUpdate(l OrderListener) {
	om.listenersMu.Lock()
	defer om.listenersMu.Unlock()
	om.listeners = append(om.listeners, l)
}

// ---------------------------------------------------------------------------
// Placement and cancellation
// ---------------------------------------------------------------------------

// PlaceLimitOrder places a limit order. Exchange errors are returned as-is
// and leave no local state.
func (om *OrderManager) PlaceLimitOrder(ctx context.Context, ticker string, side domain.Side, action domain.Action, price, count int64) (domain.ManagedOrder, error) {
	switch {
	case ticker == "":
		return domain.ManagedOrder{}, &domain.ValidationError{Field: "ticker", Reason: "must not be empty"}
	case !side.Valid():
		return domain.ManagedOrder{}, &domain.ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %q", side)}
	case action != domain.ActionBuy && action != domain.ActionSell:
		return domain.ManagedOrder{}, &domain.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", action)}
	case price < 1 || price > 99:
		return domain.ManagedOrder{}, &domain.ValidationError{Field: "price", Reason: fmt.Sprintf("%d not in [1,99]", price)}
	case count <= 0:
		return domain.ManagedOrder{}, &domain.ValidationError{Field: "count", Reason: fmt.Sprintf("%d must be positive", count)}
	}

	o, err := om.broker.CreateOrder(ctx, broker.CreateOrderRequest{
		Ticker: ticker,
		Side:   side,
		Action: action,
		Price:  price,
		Count:  count,
	})
	if err != nil {
		om.log.Error("order placement failed", "ticker", ticker, "side", side,
			"action", action, "price", price, "count", count, "error", err)
		return domain.ManagedOrder{}, err
	}

	now := om.now()
	t := &trackedOrder{
		order:  domain.NewManagedOrder(o, now),
		done:   make(chan struct{}),
		trades: make(map[string]struct{}),
	}

	om.mu.Lock()
	om.orders[o.ID] = t
	buffered := om.early[o.ID]
	delete(om.early, o.ID)
	for _, ev := range buffered {
		om.apply(t, ev, now)
	}
	if t.order.IsTerminal() {
		t.signal()
	}
	snapshot := *t.order
	om.mu.Unlock()

	om.metrics.IncOrderPlaced(action)
	om.log.Info("order placed", "order_id", o.ID, "ticker", ticker, "side", side,
		"action", action, "price", price, "count", count)
	om.record(ctx, snapshot)
	return snapshot, nil
}

// CancelOrder cancels an order. It returns false, without calling the
// exchange, for unknown or already terminal orders, and false when the
// exchange reports the order gone or the cancel fails.
func (om *OrderManager) CancelOrder(ctx context.Context, orderID string) bool {
	om.mu.Lock()
	t, ok := om.orders[orderID]
	terminal := ok && t.order.IsTerminal()
	om.mu.Unlock()
	if !ok || terminal {
		return false
	}

	if err := om.broker.CancelOrder(ctx, orderID); err != nil {
		if broker.IsNotFound(err) {
			om.log.Info("cancel: order already gone", "order_id", orderID)
		} else {
			om.log.Warn("cancel failed", "order_id", orderID, "error", err)
		}
		return false
	}

	om.markCancelled(ctx, t)
	om.metrics.IncOrderCancelled()
	om.log.Info("order cancelled", "order_id", orderID)
	return true
}

func (om *OrderManager) markCancelled(ctx context.Context, t *trackedOrder) {
	om.mu.Lock()
	t.order.MarkCancelled(om.now())
	t.signal()
	snapshot := *t.order
	om.mu.Unlock()

	om.notify(snapshot, stream.OrderUpdated(domain.Order{
		ID:          snapshot.ID,
		Ticker:      snapshot.Ticker,
		Side:        snapshot.Side,
		Action:      snapshot.Action,
		Price:       snapshot.Price,
		Count:       snapshot.Count,
		FilledCount: snapshot.Filled,
		Remaining:   snapshot.Remaining,
		Status:      domain.OrderStatusCancelled,
	}))
	om.record(ctx, snapshot)
}

// CancelAllOrders cancels every resting order on the exchange, optionally
// restricted to ticker, and returns how many were cancelled. Individual
// failures are logged and skipped.
func (om *OrderManager) CancelAllOrders(ctx context.Context, ticker string) int {
	resting, err := om.broker.GetOrders(ctx, broker.OrderFilter{Ticker: ticker, Status: domain.OrderStatusResting})
	if err != nil {
		om.log.Error("cancel all: listing orders failed", "ticker", ticker, "error", err)
		return 0
	}

	cancelled := 0
	for _, o := range resting {
		if err := om.broker.CancelOrder(ctx, o.ID); err != nil {
			om.log.Warn("cancel all: cancel failed", "order_id", o.ID, "error", err)
			continue
		}
		cancelled++
		om.metrics.IncOrderCancelled()

		om.mu.Lock()
		t, ok := om.orders[o.ID]
		om.mu.Unlock()
		if ok {
			om.markCancelled(ctx, t)
		}
	}

	om.log.Info("cancelled resting orders", "ticker", ticker, "listed", len(resting), "cancelled", cancelled)
	return cancelled
}

// ---------------------------------------------------------------------------
// Waiting
// ---------------------------------------------------------------------------

// WaitForFill blocks until the order reaches a terminal state, timeout
// elapses, or ctx is done, then classifies the outcome from an authoritative
// read of the order. Context cancellation is treated like a timeout and is
// meant for process shutdown only: request-scoped callers must detach their
// context first, since a cancelled wait on the sell leg leaves the position
// open.
func (om *OrderManager) WaitForFill(ctx context.Context, orderID string, timeout time.Duration) domain.FillResult {
	om.mu.Lock()
	t, ok := om.orders[orderID]
	om.mu.Unlock()
	if !ok {
		om.log.Warn("wait for unknown order", "order_id", orderID)
		return domain.FillError
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.done:
		return om.classifyTerminal(ctx, t)
	case <-timer.C:
		return om.classifyTimeout(ctx, t)
	case <-ctx.Done():
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return om.classifyTimeout(readCtx, t)
	}
}

// classifyTerminal handles a wake-up from the completion signal.
func (om *OrderManager) classifyTerminal(ctx context.Context, t *trackedOrder) domain.FillResult {
	o, err := om.broker.GetOrder(ctx, t.order.ID)
	if err != nil {
		if broker.IsNotFound(err) {
			om.log.Warn("order vanished", "order_id", t.order.ID)
			return domain.FillError
		}
		om.log.Warn("order re-read failed, using local state", "order_id", t.order.ID, "error", err)
	} else {
		om.reconcile(ctx, t, o)
	}

	local := om.snapshot(t)
	switch {
	case local.Filled == local.Count:
		return domain.FillFilled
	case local.Filled > 0:
		return domain.FillPartial
	default:
		return domain.FillCancelled
	}
}

// classifyTimeout performs the single authoritative read after a timeout. A
// fully executed order found at this point counts as filled.
func (om *OrderManager) classifyTimeout(ctx context.Context, t *trackedOrder) domain.FillResult {
	o, err := om.broker.GetOrder(ctx, t.order.ID)
	if err != nil {
		om.log.Warn("order re-read after timeout failed, using local state", "order_id", t.order.ID, "error", err)
	} else {
		om.reconcile(ctx, t, o)
	}

	local := om.snapshot(t)
	switch {
	case local.Filled == local.Count:
		return domain.FillFilled
	case local.Filled > 0:
		return domain.FillPartial
	default:
		return domain.FillTimeout
	}
}

// reconcile folds an authoritative read into the local order.
func (om *OrderManager) reconcile(ctx context.Context, t *trackedOrder, o domain.Order) {
	om.mu.Lock()
	before := *t.order
	t.order.ApplyUpdate(o.FilledCount, o.Status, om.now())
	if t.order.IsTerminal() {
		t.signal()
	}
	after := *t.order
	om.mu.Unlock()

	if after.Filled != before.Filled || after.Status != before.Status {
		om.notify(after, stream.OrderUpdated(o))
		om.record(ctx, after)
	}
}

// Refresh re-reads an order from the exchange, folds it into the local
// record and returns the result. When the read fails the local record is
// returned unchanged. ok is false for orders this manager did not place.
func (om *OrderManager) Refresh(ctx context.Context, orderID string) (domain.ManagedOrder, bool) {
	om.mu.Lock()
	t, ok := om.orders[orderID]
	om.mu.Unlock()
	if !ok {
		return domain.ManagedOrder{}, false
	}

	o, err := om.broker.GetOrder(ctx, orderID)
	if err != nil {
		om.log.Warn("order refresh failed, using local state", "order_id", orderID, "error", err)
	} else {
		om.reconcile(ctx, t, o)
	}
	return om.snapshot(t), true
}

// ---------------------------------------------------------------------------
// Stream events
// ---------------------------------------------------------------------------

// HandleEvent applies an order update or fill from the stream. Events for
// orders not yet registered are buffered and replayed when placement
// completes, so a fill that beats the create response is not lost.
func (om *OrderManager) HandleEvent(ev stream.Event) {
	id := ev.OrderID()
	if id == "" {
		return
	}

	om.mu.Lock()
	t, ok := om.orders[id]
	if !ok {
		om.buffer(id, ev)
		om.mu.Unlock()
		return
	}
	changed := om.apply(t, ev, om.now())
	if t.order.IsTerminal() {
		t.signal()
	}
	snapshot := *t.order
	om.mu.Unlock()

	if ev.Kind == stream.KindFilled {
		om.log.Info("fill received", "order_id", id, "ticker", ev.Fill.Ticker,
			"price", ev.Fill.Price, "count", ev.Fill.Count, "filled", snapshot.Filled, "of", snapshot.Count)
	} else {
		om.log.Debug("order update", "order_id", id, "status", snapshot.Status,
			"filled", snapshot.Filled, "of", snapshot.Count)
	}
	if changed {
		om.notify(snapshot, ev)
	}
}

// apply mutates t from ev. Fill events are deduplicated by trade ID and
// summed; order updates carry the cumulative fill count. A fill only adds
// what the running sum has over the count already applied, so the larger of
// the two wins whichever arrives first. Caller holds mu.
func (om *OrderManager) apply(t *trackedOrder, ev stream.Event, now time.Time) bool {
	before := *t.order
	switch ev.Kind {
	case stream.KindFilled:
		if ev.Fill.TradeID != "" {
			if _, seen := t.trades[ev.Fill.TradeID]; seen {
				return false
			}
			t.trades[ev.Fill.TradeID] = struct{}{}
		}
		t.fillSum += ev.Fill.Count
		if delta := t.fillSum - t.order.Filled; delta > 0 {
			t.order.ApplyFill(delta, now)
		}
	case stream.KindOrderUpdated:
		t.order.ApplyUpdate(ev.Order.FilledCount, ev.Order.Status, now)
	}
	return t.order.Filled != before.Filled || t.order.Status != before.Status
}

// buffer keeps events for an unknown order ID. Caller holds mu.
func (om *OrderManager) buffer(id string, ev stream.Event) {
	if _, ok := om.early[id]; !ok {
		if len(om.queue) >= maxEarlyOrders {
			oldest := om.queue[0]
			om.queue = om.queue[1:]
			delete(om.early, oldest)
		}
		om.queue = append(om.queue, id)
	}
	om.early[id] = append(om.early[id], ev)
}

func (om *OrderManager) notify(order domain.ManagedOrder, cause stream.Event) {
	om.listenersMu.RLock()
	ls := append([]OrderListener(nil), om.listeners...)
	om.listenersMu.RUnlock()

	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					om.log.Error("order listener panicked", "order_id", order.ID, "panic", fmt.Sprint(r))
				}
			}()
			l.OrderChanged(order, cause)
		}()
	}
}

func (om *OrderManager) record(ctx context.Context, order domain.ManagedOrder) {
	if om.journal == nil {
		return
	}
	if err := om.journal.RecordOrder(ctx, order); err != nil {
		om.log.Warn("order journal write failed", "order_id", order.ID, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func (om *OrderManager) snapshot(t *trackedOrder) domain.ManagedOrder {
	om.mu.Lock()
	defer om.mu.Unlock()
	return *t.order
}

// Order returns a copy of the managed order with the given ID.
func (om *OrderManager) Order(orderID string) (domain.ManagedOrder, bool) {
	om.mu.Lock()
	defer om.mu.Unlock()
	t, ok := om.orders[orderID]
	if !ok {
		return domain.ManagedOrder{}, false
	}
	return *t.order, true
}

// ActiveOrders returns pending and resting orders, optionally for one ticker.
func (om *OrderManager) ActiveOrders(ticker string) []domain.ManagedOrder {
	om.mu.Lock()
	defer om.mu.Unlock()

	var out []domain.ManagedOrder
	for _, t := range om.orders {
		if !t.order.IsActive() {
			continue
		}
		if ticker != "" && t.order.Ticker != ticker {
			continue
		}
		out = append(out, *t.order)
	}
	sortOrders(out)
	return out
}

// Orders returns every order placed by this process, oldest first.
func (om *OrderManager) Orders() []domain.ManagedOrder {
	om.mu.Lock()
	defer om.mu.Unlock()

	out := make([]domain.ManagedOrder, 0, len(om.orders))
	for _, t := range om.orders {
		out = append(out, *t.order)
	}
	sortOrders(out)
	return out
}

func sortOrders(orders []domain.ManagedOrder) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}
