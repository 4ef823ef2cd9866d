// Package stream is the generic streaming-market-data client shared by
// exchange adapters. It multiplexes logical subscriptions over one
// connection per URL, correlates request/response pairs through message
// futures, and reconciles incremental wire updates into bounded local state:
// order books, trade tapes, the order cache, balances and candles.
package stream

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/masonbcnt/ccxt/config"
	"github.com/masonbcnt/ccxt/internal/book"
	"github.com/masonbcnt/ccxt/internal/cache"
	"github.com/masonbcnt/ccxt/internal/reconcile"
	"github.com/masonbcnt/ccxt/logger"
	"github.com/masonbcnt/ccxt/models"
)

// Stream owns every connection and all reconciled market state for one
// client instance. State is confined to the instance; nothing is shared
// across instances.
type Stream struct {
	id         string
	cfg        *config.Config
	log        *logger.Entry
	baseLog    *logger.Log
	translator Translator
	pingFrame  []byte
	firstWins  bool

	handlers []frameHandler

	mu        sync.Mutex
	conns     map[string]*Conn
	books     map[string]*book.Book
	bookDepth map[string]int
	trades    map[string]*cache.Append[models.Trade]
	fills     map[string]*cache.Append[models.Trade]
	candles   map[string]*cache.Timed[models.Candle]
	tickers   map[string]models.Ticker
	orders    *reconcile.Reconciler
	positions *cache.Keyed[models.Position]
	balances  *models.Balances
}

// Option customizes a Stream at construction time.
type Option func(*Stream)

// WithTranslator installs the dialect translator for inbound frames.
func WithTranslator(t Translator) Option {
	return func(s *Stream) { s.translator = t }
}

// WithPingFrame makes the heartbeat send an application-level ping payload
// instead of a websocket control ping.
func WithPingFrame(payload []byte) Option {
	return func(s *Stream) { s.pingFrame = payload }
}

// WithFirstWinsTimestamps keeps the first observed book timestamp, for
// dialects whose source timestamp is connection-level rather than
// per-update.
func WithFirstWinsTimestamps() Option {
	return func(s *Stream) { s.firstWins = true }
}

// New creates a client instance. The zero translator is the canonical JSON
// dialect.
func New(cfg *config.Config, log *logger.Log, opts ...Option) *Stream {
	s := &Stream{
		id:         uuid.NewString(),
		cfg:        cfg,
		baseLog:    log,
		translator: JSONTranslator{},
		conns:      make(map[string]*Conn),
		books:      make(map[string]*book.Book),
		bookDepth:  make(map[string]int),
		trades:     make(map[string]*cache.Append[models.Trade]),
		fills:      make(map[string]*cache.Append[models.Trade]),
		candles:    make(map[string]*cache.Timed[models.Candle]),
		tickers:    make(map[string]models.Ticker),
		orders:     reconcile.New(cfg.Cache.OrdersLimit),
		positions: cache.NewKeyed[models.Position](cfg.Cache.PositionsLimit, func(p models.Position) string {
			return p.Symbol + ":" + p.Side
		}),
		balances: models.NewBalances(),
	}
	s.log = log.WithComponent("stream").WithFields(logger.Fields{"client_id": s.id})
	for _, opt := range opts {
		opt(s)
	}
	s.handlers = s.defaultHandlers()
	s.log.WithFields(logger.Fields{
		"name":    cfg.Client.Name,
		"version": cfg.Client.Version,
	}).Info("stream client initialized")
	return s
}

type watchOptions struct {
	auth        bool
	unsubscribe []byte
	symbols     []string
	depth       int
}

// WatchOption adjusts a single watch call.
type WatchOption func(*watchOptions)

// WithAuth gates the subscription on a completed authentication handshake.
func WithAuth() WatchOption {
	return func(o *watchOptions) { o.auth = true }
}

// WithUnsubscribePayload stores the frame to send on Unwatch.
func WithUnsubscribePayload(payload []byte) WatchOption {
	return func(o *watchOptions) { o.unsubscribe = payload }
}

// WithSymbols declares the symbols the request covers, enforcing the
// per-request symbol budget before anything reaches the wire.
func WithSymbols(symbols ...string) WatchOption {
	return func(o *watchOptions) { o.symbols = symbols }
}

// WithDepth declares the book depth tier of the subscribed channel.
func WithDepth(depth int) WatchOption {
	return func(o *watchOptions) { o.depth = depth }
}

// Watch ensures the wire channel is subscribed on the URL's connection and
// suspends until routingKey is next resolved, the watch timeout elapses, or
// ctx is cancelled. A nil request waits without sending anything.
func (s *Stream) Watch(ctx context.Context, url, routingKey string, request []byte, subscriptionKey string, opts ...WatchOption) (any, error) {
	return s.WatchMultiple(ctx, url, []string{routingKey}, request, []string{subscriptionKey}, opts...)
}

// WatchMultiple registers several routing keys for one covering request and
// returns the first resolution among them.
func (s *Stream) WatchMultiple(ctx context.Context, url string, routingKeys []string, request []byte, subscriptionKeys []string, opts ...WatchOption) (any, error) {
	var o watchOptions
	for _, opt := range opts {
		opt(&o)
	}

	// Application errors are rejected synchronously, before any frame is
	// sent.
	if len(o.symbols) > s.cfg.Watch.MaxSymbolsPerRequest {
		return nil, ErrTooManySymbols
	}
	if o.depth != 0 && !book.ValidDepth(o.depth) {
		return nil, &Error{Kind: KindBadRequest, Message: "unsupported depth tier"}
	}
	if o.depth != 0 {
		s.mu.Lock()
		for _, symbol := range o.symbols {
			s.bookDepth[symbol] = o.depth
		}
		s.mu.Unlock()
	}

	c := s.conn(url)
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	if o.auth {
		auth := c.authFuture()
		if auth == nil {
			return nil, ErrNotAuthenticated
		}
		authCtx, cancel := context.WithTimeout(ctx, s.cfg.Watch.Timeout)
		_, err := auth.Wait(authCtx)
		cancel()
		if err != nil {
			return nil, err
		}
	}

	// Register before subscribing so the first inbound resolution cannot
	// slip between send and wait.
	futures := make([]*Future, len(routingKeys))
	for i, key := range routingKeys {
		futures[i] = c.correlator.Register(key)
	}

	if request != nil {
		if err := c.subscribe(ctx, subscriptionKeys, request, o.unsubscribe, routingKeys); err != nil {
			return nil, err
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.Watch.Timeout)
	defer cancel()
	if len(futures) == 1 {
		return futures[0].Wait(waitCtx)
	}

	type outcome struct {
		value any
		err   error
	}
	settled := make(chan outcome, len(futures))
	for _, f := range futures {
		go func(f *Future) {
			value, err := f.Wait(waitCtx)
			settled <- outcome{value, err}
		}(f)
	}
	first := <-settled
	return first.value, first.err
}

// Authenticate sends the adapter-signed login frame and waits for the
// authenticated routing key. Concurrent calls share one handshake.
func (s *Stream) Authenticate(ctx context.Context, url string, request []byte) (any, error) {
	c := s.conn(url)
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	future, err := c.authenticate(ctx, request)
	if err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.Watch.Timeout)
	defer cancel()
	return future.Wait(waitCtx)
}

// Unwatch tears down one wire channel and prunes the per-symbol book state
// it fed. Caches survive; only the books are deleted on unsubscribe.
func (s *Stream) Unwatch(ctx context.Context, url, subscriptionKey string, symbols ...string) error {
	s.mu.Lock()
	c := s.conns[url]
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	if err := c.unsubscribe(ctx, subscriptionKey); err != nil {
		return err
	}
	s.mu.Lock()
	for _, symbol := range symbols {
		delete(s.books, symbol)
		delete(s.bookDepth, symbol)
	}
	s.mu.Unlock()
	return nil
}

// Close tears down every connection, rejecting all in-flight completions.
// Reconciled state survives until the instance is dropped.
func (s *Stream) Close() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[string]*Conn)
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	s.log.Info("stream client closed")
}

// conn returns the connection for url, creating it on first use.
func (s *Stream) conn(url string) *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[url]; ok {
		return c
	}
	c := newConn(url, s.translator, s.dispatch, s.cfg.Connection, s.cfg.RateLimit, s.baseLog, s.pingFrame)
	s.conns[url] = c
	return c
}

// frameHandler is one (predicate, handler) pair of the dispatch table,
// evaluated in fixed order.
type frameHandler struct {
	name   string
	match  func(*Frame) bool
	handle func(*Conn, *Frame)
}

func (s *Stream) defaultHandlers() []frameHandler {
	return []frameHandler{
		{"error", func(f *Frame) bool { return f.Err != nil }, s.handleError},
		{"auth", func(f *Frame) bool { return f.Auth != nil }, s.handleAuth},
		{"orderbook", func(f *Frame) bool { return f.Book != nil }, s.handleBook},
		{"orders", func(f *Frame) bool { return len(f.Orders) > 0 }, s.handleOrders},
		{"fills", func(f *Frame) bool { return len(f.Fills) > 0 }, s.handleFills},
		{"trades", func(f *Frame) bool { return len(f.Trades) > 0 }, s.handleTrades},
		{"balance", func(f *Frame) bool { return f.Balance != nil }, s.handleBalance},
		{"ohlcv", func(f *Frame) bool { return f.Candles != nil }, s.handleCandles},
		{"ticker", func(f *Frame) bool { return f.Ticker != nil }, s.handleTicker},
		{"positions", func(f *Frame) bool { return len(f.Positions) > 0 }, s.handlePositions},
	}
}

// dispatch classifies the frame once and routes it to the first matching
// handler. Frames matching nothing are dropped, not raised.
func (s *Stream) dispatch(c *Conn, f *Frame) {
	for _, h := range s.handlers {
		if h.match(f) {
			h.handle(c, f)
			return
		}
	}
	logger.IncrementFrameDropped()
	s.log.WithFields(logger.Fields{"channel": f.Channel}).Debug("ignoring unrecognized frame")
}

// resolveSymbol fans a value out to the symbol-specific key, the aggregate
// key, and any wildcard key whose comma-joined symbol set contains symbol.
func (s *Stream) resolveSymbol(c *Conn, base, symbol string, value any) {
	c.correlator.Resolve(base+"::"+symbol, value)
	c.correlator.Resolve(base, value)
	c.correlator.ResolveMatch(func(key string) bool {
		rest, ok := strings.CutPrefix(key, base+"::")
		if !ok || !strings.Contains(rest, ",") {
			return false
		}
		for _, part := range strings.Split(rest, ",") {
			if part == symbol {
				return true
			}
		}
		return false
	}, value)
}

func (s *Stream) handleBook(c *Conn, f *Frame) {
	if f.Symbol == "" {
		logger.IncrementFrameDropped()
		return
	}
	payload := f.Book

	s.mu.Lock()
	b, ok := s.books[f.Symbol]
	if !ok {
		depth := s.bookDepth[f.Symbol]
		if depth == 0 {
			depth = s.cfg.Book.Depth
		}
		b = book.New(f.Symbol, depth, s.firstWins)
		s.books[f.Symbol] = b
	}
	switch {
	case payload.Snapshot:
		b.Reset(payload.Bids, payload.Asks, f.Timestamp)
	case payload.Replace:
		if payload.Bids != nil {
			b.ReplaceSide(true, payload.Bids)
		}
		if payload.Asks != nil {
			b.ReplaceSide(false, payload.Asks)
		}
		b.UpdateTimestamp(f.Timestamp)
	default:
		for _, level := range payload.Bids {
			b.ApplyDelta(true, level.Price, level.Size)
		}
		for _, level := range payload.Asks {
			b.ApplyDelta(false, level.Price, level.Size)
		}
		b.UpdateTimestamp(f.Timestamp)
	}
	valid := b.Valid()
	s.mu.Unlock()

	// Emission is suppressed until both sides are non-empty.
	if !valid {
		return
	}
	s.resolveSymbol(c, "orderbook", f.Symbol, b)
}

func (s *Stream) handleTrades(c *Conn, f *Frame) {
	if f.Symbol == "" {
		logger.IncrementFrameDropped()
		return
	}
	s.mu.Lock()
	tape, ok := s.trades[f.Symbol]
	if !ok {
		tape = cache.NewAppend[models.Trade](s.cfg.Cache.TradesLimit)
		s.trades[f.Symbol] = tape
	}
	for _, trade := range f.Trades {
		tape.Add(trade)
	}
	s.mu.Unlock()
	s.resolveSymbol(c, "trades", f.Symbol, f.Trades)
}

func (s *Stream) handleOrders(c *Conn, f *Frame) {
	updated := make(map[string][]*models.Order)
	s.mu.Lock()
	for _, event := range f.Orders {
		switch event.Kind {
		case OrderEventPlace:
			if event.Order == nil {
				continue
			}
			order := s.orders.Upsert(event.Order)
			updated[order.Symbol] = append(updated[order.Symbol], order)
		case OrderEventFill:
			if event.Fill == nil {
				continue
			}
			order, ok := s.orders.ApplyFill(*event.Fill, event.Terminal)
			s.recordFillLocked(*event.Fill)
			if ok {
				updated[order.Symbol] = append(updated[order.Symbol], order)
			}
		case OrderEventCancel:
			if event.Order == nil {
				continue
			}
			if order, ok := s.orders.Cancel(event.Order.Symbol, event.Order.ID); ok {
				updated[order.Symbol] = append(updated[order.Symbol], order)
			}
		}
	}
	s.mu.Unlock()

	for symbol, orders := range updated {
		s.resolveSymbol(c, "orders", symbol, orders)
	}
	for _, event := range f.Orders {
		if event.Kind == OrderEventFill && event.Fill != nil {
			s.resolveSymbol(c, "mytrades", event.Fill.Symbol, event.Fill)
		}
	}
}

func (s *Stream) handleFills(c *Conn, f *Frame) {
	s.mu.Lock()
	for _, fill := range f.Fills {
		s.recordFillLocked(fill)
	}
	s.mu.Unlock()
	for _, fill := range f.Fills {
		s.resolveSymbol(c, "mytrades", fill.Symbol, fill)
	}
}

// recordFillLocked appends a private fill to the per-symbol fill tape. The
// caller holds s.mu.
func (s *Stream) recordFillLocked(fill models.Trade) {
	tape, ok := s.fills[fill.Symbol]
	if !ok {
		tape = cache.NewAppend[models.Trade](s.cfg.Cache.TradesLimit)
		s.fills[fill.Symbol] = tape
	}
	tape.Add(fill)
}

func (s *Stream) handleBalance(c *Conn, f *Frame) {
	payload := f.Balance
	s.mu.Lock()
	if payload.Snapshot {
		s.balances.Replace(payload.Currencies, f.Timestamp)
	} else {
		for code, balance := range payload.Currencies {
			s.balances.Merge(code, balance, f.Timestamp)
		}
	}
	value := s.balances
	s.mu.Unlock()
	c.correlator.Resolve("balance", value)
}

func (s *Stream) handleCandles(c *Conn, f *Frame) {
	if f.Symbol == "" || f.Candles.Timeframe == "" {
		logger.IncrementFrameDropped()
		return
	}
	key := f.Symbol + ":" + f.Candles.Timeframe
	s.mu.Lock()
	series, ok := s.candles[key]
	if !ok {
		series = cache.NewTimed[models.Candle](s.cfg.Cache.OHLCVLimit, func(candle models.Candle) int64 {
			return candle.Timestamp
		})
		s.candles[key] = series
	}
	for _, candle := range f.Candles.Candles {
		series.Add(candle)
	}
	s.mu.Unlock()

	c.correlator.Resolve("ohlcv::"+f.Symbol+"::"+f.Candles.Timeframe, f.Candles.Candles)
	s.resolveSymbol(c, "ohlcv", f.Symbol, f.Candles.Candles)
}

func (s *Stream) handleTicker(c *Conn, f *Frame) {
	ticker := *f.Ticker
	if ticker.Symbol == "" {
		ticker.Symbol = f.Symbol
	}
	if ticker.Symbol == "" {
		logger.IncrementFrameDropped()
		return
	}
	s.mu.Lock()
	s.tickers[ticker.Symbol] = ticker
	s.mu.Unlock()
	s.resolveSymbol(c, "ticker", ticker.Symbol, ticker)
}

func (s *Stream) handlePositions(c *Conn, f *Frame) {
	s.mu.Lock()
	for _, position := range f.Positions {
		s.positions.Add(position)
	}
	s.mu.Unlock()
	for _, position := range f.Positions {
		s.resolveSymbol(c, "positions", position.Symbol, position)
	}
}

func (s *Stream) handleAuth(c *Conn, f *Frame) {
	if f.Auth.Success {
		s.log.Info("authenticated")
		c.resolveAuth(f.Auth)
		return
	}
	err := classifyProtocolError(f.Auth.Code, f.Auth.Message)
	if err.Kind != KindAuthentication {
		err = &Error{Kind: KindAuthentication, Code: f.Auth.Code, Message: f.Auth.Message}
	}
	s.log.WithError(err).Warn("authentication failed")
	c.failAuth(err)
}

func (s *Stream) handleError(c *Conn, f *Frame) {
	err := classifyProtocolError(f.Err.Code, f.Err.Message)
	s.log.WithError(err).WithFields(logger.Fields{"channel": f.Channel}).Warn("server error frame")

	// Authentication-flavored errors evict the cached auth state so a
	// retry can succeed.
	if err.Kind == KindAuthentication {
		c.failAuth(err)
		return
	}
	if f.Channel != "" {
		if f.Symbol != "" {
			c.correlator.Reject(f.Channel+"::"+f.Symbol, err)
		}
		c.correlator.Reject(f.Channel, err)
	}
}

// OrderBook returns the live book for symbol. Callers must treat it as
// read-only; the dispatch path is its sole writer.
func (s *Stream) OrderBook(symbol string) (*book.Book, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[symbol]
	return b, ok
}

// Trades returns the most recent limit public trades for symbol.
func (s *Stream) Trades(symbol string, limit int) []models.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	tape, ok := s.trades[symbol]
	if !ok {
		return nil
	}
	return tape.Limit(limit)
}

// MyTrades returns the most recent limit private fills for symbol.
func (s *Stream) MyTrades(symbol string, limit int) []models.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	tape, ok := s.fills[symbol]
	if !ok {
		return nil
	}
	return tape.Limit(limit)
}

// Orders returns cached orders, optionally filtered by symbol.
func (s *Stream) Orders(symbol string, limit int) []*models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders.Orders(symbol, limit)
}

// Order returns the cached order for (symbol, id).
func (s *Stream) Order(symbol, id string) (*models.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders.Get(symbol, id)
}

// Balances returns the live balance snapshot.
func (s *Stream) Balances() *models.Balances {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances
}

// OHLCV returns up to limit candles for symbol and timeframe after since.
// A zero since applies no time filter.
func (s *Stream) OHLCV(symbol, timeframe string, since int64, limit int) []models.Candle {
	s.mu.Lock()
	defer s.mu.Unlock()
	series, ok := s.candles[symbol+":"+timeframe]
	if !ok {
		return nil
	}
	if since > 0 {
		return series.Since(since, limit)
	}
	return series.Limit(limit)
}

// Ticker returns the latest ticker for symbol.
func (s *Stream) Ticker(symbol string) (models.Ticker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticker, ok := s.tickers[symbol]
	return ticker, ok
}

// Positions returns cached positions, optionally filtered by symbol.
func (s *Stream) Positions(symbol string) []models.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.positions.Limit(0)
	if symbol == "" {
		return all
	}
	out := make([]models.Position, 0, len(all))
	for _, position := range all {
		if position.Symbol == symbol {
			out = append(out, position)
		}
	}
	return out
}
