package reconcile

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/masonbcnt/ccxt/models"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func placeOrder(t *testing.T, r *Reconciler, id, amount string) *models.Order {
	t.Helper()
	return r.Upsert(&models.Order{
		ID:     id,
		Symbol: "BTC/USD",
		Side:   "buy",
		Type:   "limit",
		Amount: dec(amount),
		Status: "new",
	})
}

func fill(id, tradeID, price, amount string) models.Trade {
	return models.Trade{
		ID:      tradeID,
		OrderID: id,
		Symbol:  "BTC/USD",
		Side:    "buy",
		Price:   dec(price),
		Amount:  dec(amount),
	}
}

func TestAveragePriceOverFills(t *testing.T) {
	r := New(100)
	placeOrder(t, r, "1", "2")

	if _, ok := r.ApplyFill(fill("1", "t1", "10", "1"), false); !ok {
		t.Fatal("fill not attributed")
	}
	order, ok := r.ApplyFill(fill("1", "t2", "12", "1"), true)
	if !ok {
		t.Fatal("fill not attributed")
	}

	if !order.Filled.Equal(dec("2")) {
		t.Errorf("filled = %s, want 2", order.Filled)
	}
	if !order.Average.Equal(dec("11")) {
		t.Errorf("average = %s, want 11", order.Average)
	}
	if !order.Cost.Equal(dec("22")) {
		t.Errorf("cost = %s, want 22", order.Cost)
	}
	if !order.Remaining.IsZero() {
		t.Errorf("remaining = %s, want 0", order.Remaining)
	}
	if order.Status != models.OrderStatusClosed {
		t.Errorf("status = %s, want closed", order.Status)
	}
}

func TestDecimalPrecisionAcrossSmallFills(t *testing.T) {
	r := New(100)
	placeOrder(t, r, "1", "0.3")

	for i := 0; i < 3; i++ {
		r.ApplyFill(fill("1", "t", "10", "0.1"), false)
	}
	order, _ := r.Get("BTC/USD", "1")

	// 0.1 + 0.1 + 0.1 must be exactly 0.3, not a float approximation.
	if !order.Filled.Equal(dec("0.3")) {
		t.Errorf("filled = %s, want exactly 0.3", order.Filled)
	}
	if !order.Remaining.IsZero() {
		t.Errorf("remaining = %s, want exactly 0", order.Remaining)
	}
}

func TestStandaloneFill(t *testing.T) {
	r := New(100)
	if order, ok := r.ApplyFill(fill("unknown", "t1", "10", "1"), false); ok || order != nil {
		t.Fatal("fill for unknown order should stand alone")
	}
}

func TestStatusMapping(t *testing.T) {
	cases := map[string]string{
		"new":              models.OrderStatusOpen,
		"partially_filled": models.OrderStatusOpen,
		"filled":           models.OrderStatusClosed,
		"canceled":         models.OrderStatusCanceled,
		"rejected":         models.OrderStatusCanceled,
	}
	for wire, want := range cases {
		r := New(10)
		order := r.Upsert(&models.Order{ID: "1", Symbol: "BTC/USD", Status: wire})
		if order.Status != want {
			t.Errorf("status %q mapped to %q, want %q", wire, order.Status, want)
		}
	}
}

func TestCancelStopsAccumulation(t *testing.T) {
	r := New(100)
	placeOrder(t, r, "1", "2")
	r.ApplyFill(fill("1", "t1", "10", "1"), false)

	if _, ok := r.Cancel("BTC/USD", "1"); !ok {
		t.Fatal("cancel of cached order failed")
	}
	order, _ := r.ApplyFill(fill("1", "t2", "10", "1"), false)

	if !order.Filled.Equal(dec("1")) {
		t.Errorf("fill accepted after cancel: filled = %s", order.Filled)
	}
	if order.Status != models.OrderStatusCanceled {
		t.Errorf("status = %s, want canceled", order.Status)
	}
}

func TestUpsertMergesInPlace(t *testing.T) {
	r := New(100)
	placeOrder(t, r, "1", "2")
	r.ApplyFill(fill("1", "t1", "10", "1"), false)

	order := r.Upsert(&models.Order{ID: "1", Symbol: "BTC/USD", Status: "partially_filled", Price: dec("10")})

	if len(r.Orders("BTC/USD", 0)) != 1 {
		t.Fatal("upsert appended a duplicate record")
	}
	if !order.Filled.Equal(dec("1")) {
		t.Errorf("accumulated fills lost on upsert: filled = %s", order.Filled)
	}
	if order.Status != models.OrderStatusOpen {
		t.Errorf("status = %s, want open", order.Status)
	}
}

func TestFeeAccumulation(t *testing.T) {
	r := New(100)
	placeOrder(t, r, "1", "3")

	f1 := fill("1", "t1", "10", "1")
	f1.Fee = &models.Fee{Cost: dec("0.01"), Currency: "USD"}
	f2 := fill("1", "t2", "10", "1")
	f2.Fee = &models.Fee{Cost: dec("0.02"), Currency: "USD"}
	f3 := fill("1", "t3", "10", "1")
	f3.Fee = &models.Fee{Cost: dec("0.5"), Currency: "BNB"}

	r.ApplyFill(f1, false)
	r.ApplyFill(f2, false)
	order, _ := r.ApplyFill(f3, false)

	if order.Fee == nil {
		t.Fatal("fee not accumulated")
	}
	if order.Fee.Currency != "USD" {
		t.Errorf("first-seen fee currency lost: %s", order.Fee.Currency)
	}
	if !order.Fee.Cost.Equal(dec("0.03")) {
		t.Errorf("fee cost = %s, want 0.03", order.Fee.Cost)
	}
}

func TestOrdersFilterAndLimit(t *testing.T) {
	r := New(100)
	r.Upsert(&models.Order{ID: "1", Symbol: "BTC/USD", Status: "new"})
	r.Upsert(&models.Order{ID: "2", Symbol: "ETH/USD", Status: "new"})
	r.Upsert(&models.Order{ID: "3", Symbol: "BTC/USD", Status: "new"})

	btc := r.Orders("BTC/USD", 0)
	if len(btc) != 2 {
		t.Fatalf("symbol filter broken: %d orders", len(btc))
	}
	last := r.Orders("", 1)
	if len(last) != 1 || last[0].ID != "3" {
		t.Fatalf("limit should keep most recent: %+v", last)
	}
}
