// Package book implements the per-symbol order book kept in sync from wire
// snapshots and incremental deltas. Two reconciliation styles are supported:
// level-by-level merge for incremental dialects and whole-side replacement
// for dialects that send a complete side at a fixed depth per event.
package book

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/masonbcnt/ccxt/models"
)

// DepthTiers are the depth levels exchanges commonly offer on subscribe.
// Zero depth means unbounded incremental.
var DepthTiers = []int{5, 10, 20, 50, 100}

// ValidDepth reports whether depth is zero or one of the published tiers.
func ValidDepth(depth int) bool {
	if depth == 0 {
		return true
	}
	for _, tier := range DepthTiers {
		if depth == tier {
			return true
		}
	}
	return false
}

// Side is one ordered side of a book: bids descending by price, asks
// ascending. Prices are unique; levels are kept best-first.
type Side struct {
	levels []models.PriceLevel
	asc    bool
	depth  int
}

func newSide(asc bool, depth int) *Side {
	return &Side{asc: asc, depth: depth}
}

// search returns the index at which price sits or would be inserted.
func (s *Side) search(price decimal.Decimal) int {
	return sort.Search(len(s.levels), func(i int) bool {
		cmp := s.levels[i].Price.Cmp(price)
		if s.asc {
			return cmp >= 0
		}
		return cmp <= 0
	})
}

// Apply upserts a single level. A size of zero deletes the price if present
// and is a no-op otherwise. Applying the same (price, size) twice leaves the
// side unchanged.
func (s *Side) Apply(price, size decimal.Decimal) {
	i := s.search(price)
	found := i < len(s.levels) && s.levels[i].Price.Equal(price)

	if size.IsZero() {
		if found {
			s.levels = append(s.levels[:i], s.levels[i+1:]...)
		}
		return
	}

	if found {
		s.levels[i].Size = size
		return
	}

	s.levels = append(s.levels, models.PriceLevel{})
	copy(s.levels[i+1:], s.levels[i:])
	s.levels[i] = models.PriceLevel{Price: price, Size: size}
	s.trim()
}

// Replace discards the prior side entirely and installs the given levels.
// Zero-size levels are dropped.
func (s *Side) Replace(levels []models.PriceLevel) {
	s.levels = s.levels[:0]
	for _, level := range levels {
		if level.Size.IsZero() {
			continue
		}
		s.levels = append(s.levels, level)
	}
	sort.Slice(s.levels, func(i, j int) bool {
		cmp := s.levels[i].Price.Cmp(s.levels[j].Price)
		if s.asc {
			return cmp < 0
		}
		return cmp > 0
	})
	s.trim()
}

// trim drops the worst levels beyond the declared depth tier.
func (s *Side) trim() {
	if s.depth > 0 && len(s.levels) > s.depth {
		s.levels = s.levels[:s.depth]
	}
}

// Len returns the number of resting levels.
func (s *Side) Len() int {
	return len(s.levels)
}

// Best returns the top level of the side.
func (s *Side) Best() (models.PriceLevel, bool) {
	if len(s.levels) == 0 {
		return models.PriceLevel{}, false
	}
	return s.levels[0], true
}

// Levels returns a copy of the side, best-first.
func (s *Side) Levels() []models.PriceLevel {
	out := make([]models.PriceLevel, len(s.levels))
	copy(out, s.levels)
	return out
}

// Book is the bid/ask state for one symbol. It is created on first subscribe
// and mutated in place by every frame for that symbol afterwards.
type Book struct {
	Symbol string

	bids *Side
	asks *Side

	timestamp int64
	// firstWins keeps the first observed timestamp for dialects whose
	// source timestamp is connection-level rather than per-update.
	firstWins bool
	touched   bool
}

// New creates an empty book. depth fixes the per-side limit for the lifetime
// of the book; zero means unbounded.
func New(symbol string, depth int, timestampFirstWins bool) *Book {
	return &Book{
		Symbol:    symbol,
		bids:      newSide(false, depth),
		asks:      newSide(true, depth),
		firstWins: timestampFirstWins,
	}
}

// Bids returns the bid side.
func (b *Book) Bids() *Side {
	return b.bids
}

// Asks returns the ask side.
func (b *Book) Asks() *Side {
	return b.asks
}

// Reset replaces both sides wholesale from a snapshot frame.
func (b *Book) Reset(bids, asks []models.PriceLevel, timestamp int64) {
	b.bids.Replace(bids)
	b.asks.Replace(asks)
	b.touched = true
	b.timestamp = 0
	b.UpdateTimestamp(timestamp)
}

// ApplyDelta merges a single level into the given side.
func (b *Book) ApplyDelta(bid bool, price, size decimal.Decimal) {
	if bid {
		b.bids.Apply(price, size)
	} else {
		b.asks.Apply(price, size)
	}
	b.touched = true
}

// ReplaceSide discards one side and installs the given levels, for dialects
// that send a complete side at a fixed depth per event.
func (b *Book) ReplaceSide(bid bool, levels []models.PriceLevel) {
	if bid {
		b.bids.Replace(levels)
	} else {
		b.asks.Replace(levels)
	}
	b.touched = true
}

// UpdateTimestamp records the frame's event time. Under the first-wins
// policy only the first non-zero timestamp sticks.
func (b *Book) UpdateTimestamp(timestamp int64) {
	if timestamp == 0 {
		return
	}
	if b.firstWins && b.timestamp != 0 {
		return
	}
	b.timestamp = timestamp
}

// Best returns the top level of the chosen side.
func (b *Book) Best(bid bool) (models.PriceLevel, bool) {
	if bid {
		return b.bids.Best()
	}
	return b.asks.Best()
}

// Timestamp returns the book's event time in milliseconds.
func (b *Book) Timestamp() int64 {
	return b.timestamp
}

// Valid reports whether the book may be emitted to consumers: it must have
// been touched and both sides must be non-empty.
func (b *Book) Valid() bool {
	return b.touched && b.bids.Len() > 0 && b.asks.Len() > 0
}
