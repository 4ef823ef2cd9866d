package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/masonbcnt/ccxt/config"
	"github.com/masonbcnt/ccxt/logger"
)

// KeyAuthenticated is the routing key resolved when a login frame is
// acknowledged.
const KeyAuthenticated = "authenticated"

// wireChannelLogin is the subscription-table key for the login frame, so the
// authentication handshake replays on reconnect like any other subscription.
const wireChannelLogin = "login"

// Subscription is one logical subscription multiplexed over a connection.
// The subscribe frame for a wire channel is sent exactly once; when a single
// request covers several channels only the first carries the payload, so
// replay does not duplicate frames.
type Subscription struct {
	WireChannel string
	Request     []byte
	Unsubscribe []byte
	RoutingKeys []string
	Auth        bool
}

type dispatchFunc func(*Conn, *Frame)

// Conn owns one persistent websocket connection to a single URL and
// multiplexes every logical subscription for that URL over it. Its read loop
// is the sole goroutine handling inbound frames, so frames are processed
// strictly in wire arrival order.
type Conn struct {
	url        string
	translator Translator
	dispatch   dispatchFunc
	cfg        config.ConnectionConfig
	limiter    *rate.Limiter
	log        *logger.Entry
	pingFrame  []byte

	correlator *Correlator

	mu            sync.Mutex
	ws            *websocket.Conn
	subscriptions map[string]*Subscription
	subOrder      []string
	auth          *Future
	closed        bool

	writeMu      sync.Mutex
	lastPongNano int64
	wg           sync.WaitGroup
}

func newConn(url string, translator Translator, dispatch dispatchFunc, cfg config.ConnectionConfig, rl config.RateLimitConfig, log *logger.Log, pingFrame []byte) *Conn {
	return &Conn{
		url:           url,
		translator:    translator,
		dispatch:      dispatch,
		cfg:           cfg,
		limiter:       rate.NewLimiter(rate.Limit(rl.MessagesPerSecond), rl.Burst),
		log:           log.WithComponent("stream_conn").WithFields(logger.Fields{"url": url}),
		pingFrame:     pingFrame,
		correlator:    NewCorrelator(),
		subscriptions: make(map[string]*Subscription),
	}
}

// URL returns the connection's target.
func (c *Conn) URL() string {
	return c.url
}

// Correlator returns the completion table scoped to this connection.
func (c *Conn) Correlator() *Correlator {
	return c.correlator
}

// ensureConnected dials the URL on first use. Subsequent calls are no-ops
// while the connection is healthy.
func (c *Conn) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transportError(errConnClosed)
	}
	if c.ws != nil {
		return nil
	}
	return c.connectLocked(ctx)
}

var errConnClosed = &Error{Kind: KindTransport, Message: "connection closed"}

func (c *Conn) connectLocked(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.log.WithError(err).Warn("failed to connect websocket")
		return transportError(err)
	}

	c.ws = ws
	c.touchPong()
	ws.SetPongHandler(func(string) error {
		c.touchPong()
		return nil
	})

	c.wg.Add(1)
	go c.readLoop(ws)
	go c.heartbeat(ws)

	c.log.Info("websocket connected")
	return nil
}

// readLoop handles every inbound frame for one websocket session, strictly
// in arrival order.
func (c *Conn) readLoop(ws *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.handleDisconnect(ws, err)
			return
		}
		c.touchPong()

		frame, err := c.translator.Translate(raw)
		if err != nil {
			logger.IncrementFrameDropped()
			c.log.WithError(err).Debug("dropping unparseable frame")
			continue
		}
		if frame == nil {
			logger.IncrementFrameDropped()
			continue
		}
		logger.IncrementFrameRead(frame.Channel, len(raw))
		if frame.Pong {
			continue
		}
		c.dispatch(c, frame)
	}
}

// heartbeat sends periodic pings and forces a reconnect when no liveness
// signal arrives within the configured timeout.
func (c *Conn) heartbeat(ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		if c.currentSession() != ws {
			return
		}
		if time.Since(c.lastPong()) > c.cfg.HeartbeatTimeout {
			c.log.Warn("heartbeat timeout, forcing reconnect")
			ws.Close()
			return
		}
		if c.pingFrame != nil {
			c.writeMu.Lock()
			err := ws.WriteMessage(websocket.TextMessage, c.pingFrame)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		} else if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
			return
		}
	}
}

func (c *Conn) currentSession() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws
}

func (c *Conn) touchPong() {
	atomic.StoreInt64(&c.lastPongNano, time.Now().UnixNano())
}

func (c *Conn) lastPong() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastPongNano))
}

// handleDisconnect rejects all in-flight completions with a transport error
// and re-establishes the connection with backoff. Already-reconciled state is
// untouched; subscriptions replay once the socket is back.
func (c *Conn) handleDisconnect(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	auth := c.auth
	c.auth = nil
	c.mu.Unlock()

	if auth != nil {
		auth.Reject(transportError(cause))
	}

	ws.Close()
	c.correlator.RejectAll(transportError(cause))
	c.log.WithError(cause).Warn("websocket disconnected")
	logger.IncrementReconnect()

	delay := c.cfg.ReconnectDelay
	for {
		time.Sleep(delay)
		c.mu.Lock()
		if c.closed || len(c.subscriptions) == 0 {
			c.mu.Unlock()
			return
		}
		err := c.connectLocked(context.Background())
		if err == nil {
			err = c.replayLocked()
		}
		c.mu.Unlock()
		if err == nil {
			return
		}
		logger.IncrementReconnect()
		delay *= 2
		if delay > c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
		}
	}
}

// replayLocked resends every still-active subscription's original request
// frame, login first, before any caller-issued traffic (callers block on the
// connection mutex until replay finishes).
func (c *Conn) replayLocked() error {
	for _, key := range c.subOrder {
		sub, ok := c.subscriptions[key]
		if !ok || !sub.Auth || sub.Request == nil {
			continue
		}
		c.auth = newFuture()
		if err := c.sendLocked(context.Background(), sub.Request); err != nil {
			return err
		}
		c.log.Info("replayed login frame")
	}
	for _, key := range c.subOrder {
		sub, ok := c.subscriptions[key]
		if !ok || sub.Auth || sub.Request == nil {
			continue
		}
		if err := c.sendLocked(context.Background(), sub.Request); err != nil {
			return err
		}
		c.log.WithFields(logger.Fields{"wire_channel": sub.WireChannel}).Info("replayed subscribe frame")
	}
	return nil
}

// subscribe records the wire channels covered by request and sends the frame
// once when any of them is new. Reusing an already-subscribed channel skips
// the send entirely.
func (c *Conn) subscribe(ctx context.Context, wireChannels []string, request, unsubscribe []byte, routingKeys []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transportError(errConnClosed)
	}

	var newChannels []string
	for _, channel := range wireChannels {
		if _, ok := c.subscriptions[channel]; !ok {
			newChannels = append(newChannels, channel)
		}
	}
	if len(newChannels) == 0 {
		return nil
	}

	if err := c.sendLocked(ctx, request); err != nil {
		return err
	}
	for i, channel := range newChannels {
		sub := &Subscription{
			WireChannel: channel,
			Unsubscribe: unsubscribe,
			RoutingKeys: routingKeys,
		}
		// Only the first new channel keeps the payload so replay sends
		// the covering request once.
		if i == 0 {
			sub.Request = request
		}
		c.subscriptions[channel] = sub
		c.subOrder = append(c.subOrder, channel)
	}
	return nil
}

// unsubscribe tears down one wire channel, sending the stored unsubscribe
// payload when the dialect provides one. The socket is closed once the last
// subscription is gone.
func (c *Conn) unsubscribe(ctx context.Context, wireChannel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subscriptions[wireChannel]
	if !ok {
		return nil
	}
	delete(c.subscriptions, wireChannel)
	for i, key := range c.subOrder {
		if key == wireChannel {
			c.subOrder = append(c.subOrder[:i], c.subOrder[i+1:]...)
			break
		}
	}

	if sub.Unsubscribe != nil && c.ws != nil {
		if err := c.sendLocked(ctx, sub.Unsubscribe); err != nil {
			return err
		}
	}

	if len(c.subscriptions) == 0 && c.ws != nil {
		ws := c.ws
		c.ws = nil
		ws.Close()
		c.log.Info("closed idle connection")
	}
	return nil
}

// subscribed reports whether a subscribe frame was already recorded for the
// wire channel.
func (c *Conn) subscribed(wireChannel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[wireChannel]
	return ok
}

// authenticate sends the login frame once and returns the future resolved by
// the authenticated routing key. Concurrent callers share the same handshake.
func (c *Conn) authenticate(ctx context.Context, request []byte) (*Future, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transportError(errConnClosed)
	}
	if c.auth != nil {
		return c.auth, nil
	}

	c.auth = newFuture()
	if _, ok := c.subscriptions[wireChannelLogin]; !ok {
		c.subscriptions[wireChannelLogin] = &Subscription{
			WireChannel: wireChannelLogin,
			Request:     request,
			RoutingKeys: []string{KeyAuthenticated},
			Auth:        true,
		}
		c.subOrder = append(c.subOrder, wireChannelLogin)
	}
	if err := c.sendLocked(ctx, request); err != nil {
		c.auth = nil
		c.evictAuthLocked()
		return nil, err
	}
	return c.auth, nil
}

// authFuture returns the pending or settled authentication future, or nil
// when no handshake was initiated.
func (c *Conn) authFuture() *Future {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth
}

// resolveAuth settles the handshake successfully.
func (c *Conn) resolveAuth(value any) {
	c.mu.Lock()
	f := c.auth
	c.mu.Unlock()
	if f != nil {
		f.Resolve(value)
	}
	c.correlator.Resolve(KeyAuthenticated, value)
}

// failAuth rejects the handshake and evicts the cached auth state so a
// subsequent authenticate call retries cleanly.
func (c *Conn) failAuth(err error) {
	c.mu.Lock()
	f := c.auth
	c.auth = nil
	c.evictAuthLocked()
	c.mu.Unlock()
	if f != nil {
		f.Reject(err)
	}
	c.correlator.Reject(KeyAuthenticated, err)
}

func (c *Conn) evictAuthLocked() {
	if _, ok := c.subscriptions[wireChannelLogin]; !ok {
		return
	}
	delete(c.subscriptions, wireChannelLogin)
	for i, key := range c.subOrder {
		if key == wireChannelLogin {
			c.subOrder = append(c.subOrder[:i], c.subOrder[i+1:]...)
			break
		}
	}
}

// sendLocked writes an outbound frame, paced by the rate limiter. The caller
// holds c.mu.
func (c *Conn) sendLocked(ctx context.Context, payload []byte) error {
	if c.ws == nil {
		return transportError(errConnClosed)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return transportError(err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return transportError(err)
	}
	return nil
}

// Close tears the connection down and rejects every pending completion.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	c.correlator.RejectAll(errConnClosed)
	c.wg.Wait()
	c.log.Info("connection closed")
}
