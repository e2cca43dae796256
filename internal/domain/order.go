package domain

import "time"

// ManagedOrder is the local record of an order placed by the engine. It is
// created on placement, mutated only by fill and cancel notifications, and
// kept for the lifetime of the process for audit.
//
// Filled+Remaining always equals Count. Status is executed only when
// Remaining is zero, and executed/canceled are terminal: later updates may
// still reconcile the fill counts of a cancelled order upward (a fill that
// raced the cancel) but never change its status.
type ManagedOrder struct {
	ID        string      `json:"order_id"`
	Ticker    string      `json:"ticker"`
	Side      Side        `json:"side"`
	Action    Action      `json:"action"`
	Price     int64       `json:"price"`
	Count     int64       `json:"count"`
	Filled    int64       `json:"filled_count"`
	Remaining int64       `json:"remaining_count"`
	Status    OrderStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// NewManagedOrder builds the local record for a freshly created exchange
// order. Orders start resting unless the exchange already reports more.
func NewManagedOrder(o Order, now time.Time) *ManagedOrder {
	m := &ManagedOrder{
		ID:        o.ID,
		Ticker:    o.Ticker,
		Side:      o.Side,
		Action:    o.Action,
		Price:     o.Price,
		Count:     o.Count,
		Remaining: o.Count,
		Status:    OrderStatusResting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if o.Status == OrderStatusPending {
		m.Status = OrderStatusPending
	}
	m.ApplyUpdate(o.FilledCount, o.Status, now)
	return m
}

// IsTerminal reports whether the order can no longer change status.
func (m *ManagedOrder) IsTerminal() bool {
	return m.Status.Terminal()
}

// IsActive reports whether the order is still working in the book.
func (m *ManagedOrder) IsActive() bool {
	return m.Status == OrderStatusPending || m.Status == OrderStatusResting
}

// ApplyUpdate reconciles the order with an authoritative filled count and
// status. Filled counts only move forward and are clamped to Count. An
// executed report with an unfilled remainder is recorded as cancelled, since
// the remainder can no longer fill.
func (m *ManagedOrder) ApplyUpdate(filled int64, status OrderStatus, now time.Time) {
	m.setFilled(filled)
	m.UpdatedAt = now

	if m.IsTerminal() {
		return
	}

	switch {
	case m.Remaining == 0:
		m.Status = OrderStatusExecuted
	case status == OrderStatusExecuted, status == OrderStatusCancelled:
		m.Status = OrderStatusCancelled
	case status == OrderStatusPending, status == OrderStatusResting:
		m.Status = status
	}
}

// ApplyFill adds count newly filled contracts.
func (m *ManagedOrder) ApplyFill(count int64, now time.Time) {
	if count <= 0 {
		return
	}
	m.setFilled(m.Filled + count)
	m.UpdatedAt = now
	if !m.IsTerminal() && m.Remaining == 0 {
		m.Status = OrderStatusExecuted
	}
}

// MarkCancelled moves a non-terminal order to cancelled.
func (m *ManagedOrder) MarkCancelled(now time.Time) {
	if m.IsTerminal() {
		return
	}
	m.Status = OrderStatusCancelled
	m.UpdatedAt = now
}

func (m *ManagedOrder) setFilled(filled int64) {
	if filled > m.Count {
		filled = m.Count
	}
	if filled < m.Filled {
		filled = m.Filled
	}
	m.Filled = filled
	m.Remaining = m.Count - filled
}
