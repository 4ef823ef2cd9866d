// Package reconcile maintains the authoritative order-by-id cache and
// attributes incoming fills to resting orders. All quantity arithmetic is
// exact decimal so accumulated state reconciles with the sum of fills.
package reconcile

import (
	"github.com/shopspring/decimal"

	"github.com/masonbcnt/ccxt/internal/cache"
	"github.com/masonbcnt/ccxt/models"
)

// Reconciler owns the bounded order cache. It is not safe for concurrent use;
// the dispatch path that mutates it is its single owner.
type Reconciler struct {
	orders *cache.Keyed[*models.Order]
}

// New creates a reconciler whose order cache holds at most limit orders.
func New(limit int) *Reconciler {
	return &Reconciler{
		orders: cache.NewKeyed[*models.Order](limit, func(o *models.Order) string {
			return o.Key()
		}),
	}
}

// Upsert records an order placement or snapshot. A later event for the same
// (symbol, id) mutates the existing record in place; accumulated fills are
// preserved.
func (r *Reconciler) Upsert(order *models.Order) *models.Order {
	order.Status = models.StatusFromWire(order.Status)

	prior, ok := r.orders.Get(order.Key())
	if !ok {
		if order.Remaining.IsZero() && order.Amount.IsPositive() {
			order.Remaining = order.Amount.Sub(order.Filled)
		}
		r.orders.Add(order)
		return order
	}

	if order.Status != "" {
		prior.Status = order.Status
	}
	if order.Price.IsPositive() {
		prior.Price = order.Price
	}
	if order.Amount.IsPositive() {
		prior.Amount = order.Amount
	}
	if order.ClientOrderID != "" {
		prior.ClientOrderID = order.ClientOrderID
	}
	if order.Timestamp != 0 {
		prior.Timestamp = order.Timestamp
	}
	r.recompute(prior)
	return prior
}

// ApplyFill attributes a fill to its resting order. When no order with the
// trade's (symbol, order id) is cached the trade stands alone and the second
// return value is false. Fills for canceled orders are dropped.
func (r *Reconciler) ApplyFill(trade models.Trade, terminal bool) (*models.Order, bool) {
	order, ok := r.orders.Get(trade.Symbol + ":" + trade.OrderID)
	if !ok {
		return nil, false
	}
	if order.Status == models.OrderStatusCanceled {
		return order, true
	}

	if trade.Cost.IsZero() {
		trade.Cost = trade.Price.Mul(trade.Amount)
	}
	order.Trades = append(order.Trades, trade)
	if trade.Timestamp != 0 {
		order.Timestamp = trade.Timestamp
	}
	if terminal {
		order.Status = models.OrderStatusClosed
	}
	r.recompute(order)
	return order, true
}

// Cancel marks the order canceled. Subsequent fills for the id are ignored.
func (r *Reconciler) Cancel(symbol, id string) (*models.Order, bool) {
	order, ok := r.orders.Get(symbol + ":" + id)
	if !ok {
		return nil, false
	}
	order.Status = models.OrderStatusCanceled
	return order, true
}

// Get returns the cached order for (symbol, id).
func (r *Reconciler) Get(symbol, id string) (*models.Order, bool) {
	return r.orders.Get(symbol + ":" + id)
}

// Orders returns up to limit cached orders in insertion order, optionally
// filtered by symbol. An empty symbol matches everything.
func (r *Reconciler) Orders(symbol string, limit int) []*models.Order {
	all := r.orders.Limit(0)
	out := make([]*models.Order, 0, len(all))
	for _, order := range all {
		if symbol != "" && order.Symbol != symbol {
			continue
		}
		out = append(out, order)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// recompute rebuilds the derived fields from the order's trade list: filled
// is the exact decimal sum of fill amounts, cost the sum of fill costs,
// average cost over filled, and fee the summed cost in the first-seen fee
// currency.
func (r *Reconciler) recompute(order *models.Order) {
	filled := decimal.Zero
	cost := decimal.Zero
	feeCost := decimal.Zero
	feeCurrency := ""
	if order.Fee != nil {
		feeCurrency = order.Fee.Currency
	}

	for _, trade := range order.Trades {
		filled = filled.Add(trade.Amount)
		cost = cost.Add(trade.Cost)
		if trade.Fee == nil {
			continue
		}
		if feeCurrency == "" {
			feeCurrency = trade.Fee.Currency
		}
		if trade.Fee.Currency == feeCurrency {
			feeCost = feeCost.Add(trade.Fee.Cost)
		}
	}

	order.Filled = filled
	order.Cost = cost
	if filled.IsPositive() {
		order.Average = cost.Div(filled)
	}
	if order.Amount.IsPositive() {
		remaining := order.Amount.Sub(filled)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		order.Remaining = remaining
	}
	if feeCurrency != "" {
		order.Fee = &models.Fee{Cost: feeCost, Currency: feeCurrency}
	}
}
