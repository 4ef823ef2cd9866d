// Package cache provides the fixed-capacity containers used to keep
// replayable stream history without unbounded growth. All variants silently
// evict the oldest element once full; appending never fails.
package cache

// Append is an insertion-ordered sequence with ring-buffer eviction. It backs
// public trade tapes.
type Append[T any] struct {
	items   []T
	maxSize int
}

// NewAppend creates an append cache holding at most maxSize elements. A
// maxSize of zero means unbounded.
func NewAppend[T any](maxSize int) *Append[T] {
	return &Append[T]{maxSize: maxSize}
}

// Add appends item, evicting the oldest element when the cache is full.
func (c *Append[T]) Add(item T) {
	if c.maxSize > 0 && len(c.items) >= c.maxSize {
		copy(c.items, c.items[1:])
		c.items = c.items[:len(c.items)-1]
	}
	c.items = append(c.items, item)
}

// Len returns the number of cached elements.
func (c *Append[T]) Len() int {
	return len(c.items)
}

// Limit returns the most recent n elements, oldest first, without mutating
// the cache. n <= 0 returns everything.
func (c *Append[T]) Limit(n int) []T {
	start := 0
	if n > 0 && len(c.items) > n {
		start = len(c.items) - n
	}
	out := make([]T, len(c.items)-start)
	copy(out, c.items[start:])
	return out
}

// Keyed is an insertion-ordered cache that deduplicates by key: re-adding an
// existing key replaces the value in place without shifting iteration order
// and without consuming the eviction budget. It backs order and position
// caches.
type Keyed[T any] struct {
	order   []string
	byKey   map[string]T
	keyFn   func(T) string
	maxSize int
}

// NewKeyed creates a keyed cache holding at most maxSize distinct keys.
func NewKeyed[T any](maxSize int, keyFn func(T) string) *Keyed[T] {
	return &Keyed[T]{
		byKey:   make(map[string]T),
		keyFn:   keyFn,
		maxSize: maxSize,
	}
}

// Add inserts or replaces item under its key.
func (c *Keyed[T]) Add(item T) {
	key := c.keyFn(item)
	if _, ok := c.byKey[key]; ok {
		c.byKey[key] = item
		return
	}
	if c.maxSize > 0 && len(c.order) >= c.maxSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.byKey, oldest)
	}
	c.order = append(c.order, key)
	c.byKey[key] = item
}

// Get returns the cached value for key.
func (c *Keyed[T]) Get(key string) (T, bool) {
	item, ok := c.byKey[key]
	return item, ok
}

// Len returns the number of distinct cached keys.
func (c *Keyed[T]) Len() int {
	return len(c.order)
}

// Limit returns the most recent n elements in insertion order. n <= 0
// returns everything.
func (c *Keyed[T]) Limit(n int) []T {
	start := 0
	if n > 0 && len(c.order) > n {
		start = len(c.order) - n
	}
	out := make([]T, 0, len(c.order)-start)
	for _, key := range c.order[start:] {
		out = append(out, c.byKey[key])
	}
	return out
}

// Timed is an append-only cache ordered by element timestamp. Re-adding an
// element carrying the timestamp of the newest entry replaces that entry in
// place, which is how a still-open candle is updated. It backs OHLCV series.
type Timed[T any] struct {
	items   []T
	tsFn    func(T) int64
	maxSize int
}

// NewTimed creates a timestamp-ordered cache holding at most maxSize elements.
func NewTimed[T any](maxSize int, tsFn func(T) int64) *Timed[T] {
	return &Timed[T]{tsFn: tsFn, maxSize: maxSize}
}

// Add appends item, replacing the newest element when the timestamps match,
// and evicts the oldest element when the cache is full.
func (c *Timed[T]) Add(item T) {
	if n := len(c.items); n > 0 && c.tsFn(c.items[n-1]) == c.tsFn(item) {
		c.items[n-1] = item
		return
	}
	if c.maxSize > 0 && len(c.items) >= c.maxSize {
		copy(c.items, c.items[1:])
		c.items = c.items[:len(c.items)-1]
	}
	c.items = append(c.items, item)
}

// Len returns the number of cached elements.
func (c *Timed[T]) Len() int {
	return len(c.items)
}

// Limit returns the most recent n elements, oldest first. n <= 0 returns
// everything.
func (c *Timed[T]) Limit(n int) []T {
	start := 0
	if n > 0 && len(c.items) > n {
		start = len(c.items) - n
	}
	out := make([]T, len(c.items)-start)
	copy(out, c.items[start:])
	return out
}

// Since returns up to n elements with a timestamp strictly after ts, oldest
// first. n <= 0 applies no count limit.
func (c *Timed[T]) Since(ts int64, n int) []T {
	start := len(c.items)
	for start > 0 && c.tsFn(c.items[start-1]) > ts {
		start--
	}
	out := c.items[start:]
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	result := make([]T, len(out))
	copy(result, out)
	return result
}
