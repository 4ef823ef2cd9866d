package stream

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestCorrelatorRegisterShares(t *testing.T) {
	c := NewCorrelator()
	first := c.Register("trades::BTC/USD")
	second := c.Register("trades::BTC/USD")
	if first != second {
		t.Fatalf("expected the same future for a pending key")
	}
	if c.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", c.PendingCount())
	}
}

func TestCorrelatorResolveRemoves(t *testing.T) {
	c := NewCorrelator()
	f := c.Register("orderbook::BTC/USD")

	if !c.Resolve("orderbook::BTC/USD", 42) {
		t.Fatalf("expected a pending entry to resolve")
	}
	value, err := f.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != 42 {
		t.Fatalf("got %v, want 42", value)
	}

	if c.PendingCount() != 0 {
		t.Fatalf("pending = %d, want 0 after resolve", c.PendingCount())
	}
	if c.Resolve("orderbook::BTC/USD", 43) {
		t.Fatalf("resolved a key with no pending entry")
	}
}

func TestCorrelatorResolveMatchFanOut(t *testing.T) {
	c := NewCorrelator()
	aggregate := c.Register("orders")
	scoped := c.Register("orders::BTC/USD")
	other := c.Register("orders::ETH/USD")

	n := c.ResolveMatch(func(key string) bool {
		return key == "orders" || strings.HasSuffix(key, "::BTC/USD")
	}, "update")
	if n != 2 {
		t.Fatalf("resolved %d entries, want 2", n)
	}

	for _, f := range []*Future{aggregate, scoped} {
		value, err := f.Wait(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if value != "update" {
			t.Fatalf("got %v, want update", value)
		}
	}

	select {
	case <-other.Done():
		t.Fatalf("unrelated key should stay pending")
	default:
	}
}

func TestCorrelatorRejectAll(t *testing.T) {
	c := NewCorrelator()
	futures := []*Future{
		c.Register("trades::BTC/USD"),
		c.Register("orders"),
		c.Register("balance"),
	}

	cause := transportError(errors.New("connection reset"))
	c.RejectAll(cause)

	for _, f := range futures {
		_, err := f.Wait(context.Background())
		var streamErr *Error
		if !errors.As(err, &streamErr) || streamErr.Kind != KindTransport {
			t.Fatalf("got %v, want transport error", err)
		}
	}
	if c.PendingCount() != 0 {
		t.Fatalf("pending = %d, want 0 after RejectAll", c.PendingCount())
	}
}
