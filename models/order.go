package models

import (
	"github.com/shopspring/decimal"
)

// Order statuses after translation from the wire vocabulary.
const (
	OrderStatusOpen     = "open"
	OrderStatusClosed   = "closed"
	OrderStatusCanceled = "canceled"
)

// wireStatuses maps the status vocabulary exchanges put on the wire to the
// canonical lifecycle states. Unknown statuses pass through unchanged.
var wireStatuses = map[string]string{
	"new":              OrderStatusOpen,
	"open":             OrderStatusOpen,
	"partially_filled": OrderStatusOpen,
	"filled":           OrderStatusClosed,
	"closed":           OrderStatusClosed,
	"canceled":         OrderStatusCanceled,
	"cancelled":        OrderStatusCanceled,
	"rejected":         OrderStatusCanceled,
	"expired":          OrderStatusCanceled,
}

// StatusFromWire translates an exchange order status into the canonical
// open/closed/canceled vocabulary.
func StatusFromWire(status string) string {
	if canonical, ok := wireStatuses[status]; ok {
		return canonical
	}
	return status
}

// Order is the authoritative record for a single order. Records are keyed by
// (symbol, id); later events for the same key mutate the record in place.
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	Filled        decimal.Decimal `json:"filled"`
	Remaining     decimal.Decimal `json:"remaining"`
	Average       decimal.Decimal `json:"average"`
	Cost          decimal.Decimal `json:"cost"`
	Fee           *Fee            `json:"fee,omitempty"`
	Status        string          `json:"status"`
	Trades        []Trade         `json:"trades,omitempty"`
	Timestamp     int64           `json:"timestamp"`
}

// Key returns the cache key for the order.
func (o *Order) Key() string {
	return o.Symbol + ":" + o.ID
}

// Closed reports whether the order is in a terminal state.
func (o *Order) Closed() bool {
	return o.Status == OrderStatusClosed || o.Status == OrderStatusCanceled
}
