package stream

import (
	"sync"

	"github.com/masonbcnt/ccxt/logger"
)

// Correlator is the hash-keyed table of pending completions. Registering an
// already-pending key shares the existing future so independent callers all
// observe the same resolution; resolving removes the entry so the next event
// requires a fresh registration.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*Future
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]*Future)}
}

// Register returns the pending future for key, creating one when absent.
func (c *Correlator) Register(key string) *Future {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.pending[key]; ok {
		return f
	}
	f := newFuture()
	c.pending[key] = f
	return f
}

// Resolve settles and removes the entry for key. It reports whether a
// pending entry existed.
func (c *Correlator) Resolve(key string, value any) bool {
	c.mu.Lock()
	f, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	logger.IncrementResolved()
	f.Resolve(value)
	return true
}

// ResolveMatch fans one value out to every pending key accepted by match,
// for frames that satisfy several keys at once. It returns the number of
// entries resolved.
func (c *Correlator) ResolveMatch(match func(key string) bool, value any) int {
	c.mu.Lock()
	var matched []*Future
	for key, f := range c.pending {
		if match(key) {
			matched = append(matched, f)
			delete(c.pending, key)
		}
	}
	c.mu.Unlock()
	for _, f := range matched {
		logger.IncrementResolved()
		f.Resolve(value)
	}
	return len(matched)
}

// Reject settles the entry for key with err and removes it.
func (c *Correlator) Reject(key string, err error) bool {
	c.mu.Lock()
	f, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	logger.IncrementRejected()
	f.Reject(err)
	return true
}

// RejectAll rejects every pending entry, used when the owning connection is
// lost.
func (c *Correlator) RejectAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*Future)
	c.mu.Unlock()
	for _, f := range pending {
		logger.IncrementRejected()
		f.Reject(err)
	}
}

// PendingCount returns the number of unresolved entries.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
