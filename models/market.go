package models

import (
	"github.com/shopspring/decimal"
)

// PriceLevel is a single (price, size) pair in an order book side. A size of
// zero is a removal tombstone rather than a resting level.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Fee is the cost of a trade in a single currency.
type Fee struct {
	Cost     decimal.Decimal `json:"cost"`
	Currency string          `json:"currency"`
}

// Trade is a single execution, either from the public tape or a private fill.
// Trades are immutable once constructed; reconciliation only ever appends
// them to an order's trade list.
type Trade struct {
	ID           string          `json:"id"`
	OrderID      string          `json:"order_id,omitempty"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Amount       decimal.Decimal `json:"amount"`
	Cost         decimal.Decimal `json:"cost"`
	Fee          *Fee            `json:"fee,omitempty"`
	Timestamp    int64           `json:"timestamp"`
	TakerOrMaker string          `json:"taker_or_maker,omitempty"`
}

// Ticker is the latest top-of-book and 24h statistics for a symbol.
type Ticker struct {
	Symbol     string          `json:"symbol"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Last       decimal.Decimal `json:"last"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	BaseVolume decimal.Decimal `json:"base_volume"`
	Timestamp  int64           `json:"timestamp"`
}

// Candle is one OHLCV bar. Timestamp is the period start in milliseconds.
type Candle struct {
	Timestamp int64           `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Balance is the free/used split for a single currency.
type Balance struct {
	Free decimal.Decimal `json:"free"`
	Used decimal.Decimal `json:"used"`
}

// Total returns free plus used.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Used)
}

// Balances is the account balance keyed by currency code. Depending on the
// dialect it is either replaced wholesale per event or merged one currency at
// a time.
type Balances struct {
	Currencies map[string]Balance `json:"currencies"`
	Timestamp  int64              `json:"timestamp"`
}

// NewBalances returns an empty balance snapshot.
func NewBalances() *Balances {
	return &Balances{Currencies: make(map[string]Balance)}
}

// Replace swaps the whole snapshot, for full-snapshot dialects.
func (b *Balances) Replace(currencies map[string]Balance, timestamp int64) {
	b.Currencies = make(map[string]Balance, len(currencies))
	for code, bal := range currencies {
		b.Currencies[code] = bal
	}
	b.Timestamp = timestamp
}

// Merge upserts a single currency, for per-currency delta dialects.
func (b *Balances) Merge(code string, bal Balance, timestamp int64) {
	if b.Currencies == nil {
		b.Currencies = make(map[string]Balance)
	}
	b.Currencies[code] = bal
	b.Timestamp = timestamp
}

// Position is an open derivatives position, keyed by (symbol, side) in the
// position cache.
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Contracts     decimal.Decimal `json:"contracts"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	Timestamp     int64           `json:"timestamp"`
}
