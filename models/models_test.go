package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestStatusFromWire(t *testing.T) {
	tests := []struct {
		wire string
		want string
	}{
		{"new", OrderStatusOpen},
		{"partially_filled", OrderStatusOpen},
		{"filled", OrderStatusClosed},
		{"canceled", OrderStatusCanceled},
		{"cancelled", OrderStatusCanceled},
		{"rejected", OrderStatusCanceled},
		{"expired", OrderStatusCanceled},
		{"exotic_state", "exotic_state"},
	}
	for _, tt := range tests {
		if got := StatusFromWire(tt.wire); got != tt.want {
			t.Fatalf("StatusFromWire(%q) = %q, want %q", tt.wire, got, tt.want)
		}
	}
}

func TestOrderKeyAndClosed(t *testing.T) {
	order := &Order{ID: "o1", Symbol: "BTC/USD", Status: OrderStatusOpen}
	if order.Key() != "BTC/USD:o1" {
		t.Fatalf("key = %q, want BTC/USD:o1", order.Key())
	}
	if order.Closed() {
		t.Fatalf("open order reported closed")
	}
	order.Status = OrderStatusCanceled
	if !order.Closed() {
		t.Fatalf("canceled order not reported closed")
	}
}

func TestBalanceTotal(t *testing.T) {
	b := Balance{Free: decimal.RequireFromString("1.5"), Used: decimal.RequireFromString("0.5")}
	if !b.Total().Equal(decimal.RequireFromString("2")) {
		t.Fatalf("total = %v, want 2", b.Total())
	}
}

func TestBalancesReplaceAndMerge(t *testing.T) {
	balances := NewBalances()
	balances.Replace(map[string]Balance{
		"BTC": {Free: decimal.NewFromInt(1)},
		"USD": {Free: decimal.NewFromInt(1000)},
	}, 1000)
	if len(balances.Currencies) != 2 || balances.Timestamp != 1000 {
		t.Fatalf("snapshot not applied: %+v", balances)
	}

	balances.Merge("BTC", Balance{Free: decimal.NewFromInt(2)}, 2000)
	if got := balances.Currencies["BTC"].Free; !got.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("BTC free = %v, want 2", got)
	}
	if got := balances.Currencies["USD"].Free; !got.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("merge touched an unrelated currency: %v", got)
	}

	balances.Replace(map[string]Balance{"ETH": {Free: decimal.NewFromInt(3)}}, 3000)
	if len(balances.Currencies) != 1 {
		t.Fatalf("replace should drop currencies absent from the snapshot")
	}
}
