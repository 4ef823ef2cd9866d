package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/masonbcnt/ccxt/config"
	"github.com/masonbcnt/ccxt/logger"
)

// wsServer is an in-process websocket endpoint recording every inbound frame
// and optionally answering through onMessage.
type wsServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	onMessage func(ws *websocket.Conn, raw []byte)

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []string
}

func newWSServer(t *testing.T, onMessage func(ws *websocket.Conn, raw []byte)) *wsServer {
	t.Helper()
	s := &wsServer{t: t, onMessage: onMessage}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.close)
	return s
}

func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, ws)
	s.mu.Unlock()
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, string(raw))
		s.mu.Unlock()
		if s.onMessage != nil {
			s.onMessage(ws, raw)
		}
	}
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) send(ws *websocket.Conn, frame *Frame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		s.t.Errorf("marshal frame: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ws.WriteMessage(websocket.TextMessage, raw)
}

func (s *wsServer) broadcast(frame *Frame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		s.t.Errorf("marshal frame: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ws := range s.conns {
		ws.WriteMessage(websocket.TextMessage, raw)
	}
}

// dropAll severs every live connection server-side.
func (s *wsServer) dropAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, ws := range conns {
		ws.Close()
	}
}

func (s *wsServer) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.received))
	copy(out, s.received)
	return out
}

func (s *wsServer) close() {
	s.dropAll()
	s.srv.Close()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func testConfig() *config.Config {
	return &config.Config{
		Client: config.ClientConfig{Name: "streamtest", Version: "0.0.1"},
		Connection: config.ConnectionConfig{
			HeartbeatInterval: time.Second,
			HeartbeatTimeout:  5 * time.Second,
			ReconnectDelay:    20 * time.Millisecond,
			MaxReconnectDelay: 100 * time.Millisecond,
		},
		Watch:     config.WatchConfig{Timeout: 2 * time.Second, MaxSymbolsPerRequest: 5},
		Cache:     config.CacheConfig{TradesLimit: 100, OrdersLimit: 100, OHLCVLimit: 100, PositionsLimit: 100},
		RateLimit: config.RateLimitConfig{MessagesPerSecond: 200, Burst: 200},
	}
}

func testConn(t *testing.T, url string, dispatch dispatchFunc) *Conn {
	t.Helper()
	if dispatch == nil {
		dispatch = func(*Conn, *Frame) {}
	}
	cfg := testConfig()
	c := newConn(url, JSONTranslator{}, dispatch, cfg.Connection, cfg.RateLimit, logger.GetLogger(), nil)
	t.Cleanup(c.Close)
	return c
}

func TestSubscribeSendsOnce(t *testing.T) {
	server := newWSServer(t, nil)
	c := testConn(t, server.url(), nil)

	ctx := context.Background()
	if err := c.ensureConnected(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	request := []byte(`{"op":"subscribe","channel":"books"}`)
	for i := 0; i < 3; i++ {
		if err := c.subscribe(ctx, []string{"books:BTC/USD"}, request, nil, []string{"orderbook::BTC/USD"}); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}

	waitFor(t, time.Second, func() bool { return len(server.messages()) >= 1 })
	if got := len(server.messages()); got != 1 {
		t.Fatalf("server received %d frames, want 1", got)
	}
	if !c.subscribed("books:BTC/USD") {
		t.Fatalf("wire channel not recorded")
	}
}

func TestSubscribeCoveringRequestKeepsOnePayload(t *testing.T) {
	server := newWSServer(t, nil)
	c := testConn(t, server.url(), nil)

	ctx := context.Background()
	if err := c.ensureConnected(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	request := []byte(`{"op":"subscribe","channel":"trades","symbols":["BTC/USD","ETH/USD"]}`)
	channels := []string{"trades:BTC/USD", "trades:ETH/USD"}
	if err := c.subscribe(ctx, channels, request, nil, []string{"trades::BTC/USD,ETH/USD"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	withPayload := 0
	for _, channel := range channels {
		if !c.subscribed(channel) {
			t.Fatalf("channel %s not recorded", channel)
		}
		if c.subscriptions[channel].Request != nil {
			withPayload++
		}
	}
	if withPayload != 1 {
		t.Fatalf("%d channels carry the request payload, want 1", withPayload)
	}
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	server := newWSServer(t, nil)
	c := testConn(t, server.url(), nil)

	ctx := context.Background()
	if err := c.ensureConnected(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.subscribe(ctx, []string{"books:BTC/USD"}, []byte(`{"op":"subscribe","channel":"books"}`), nil, []string{"orderbook::BTC/USD"}); err != nil {
		t.Fatalf("subscribe books: %v", err)
	}
	if err := c.subscribe(ctx, []string{"trades:BTC/USD"}, []byte(`{"op":"subscribe","channel":"trades"}`), nil, []string{"trades::BTC/USD"}); err != nil {
		t.Fatalf("subscribe trades: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(server.messages()) >= 2 })

	pending := c.correlator.Register("orderbook::BTC/USD")
	server.dropAll()

	// In-flight completion rejected with a transport error.
	_, err := pending.Wait(ctx)
	var streamErr *Error
	if !errors.As(err, &streamErr) || streamErr.Kind != KindTransport {
		t.Fatalf("pending future got %v, want transport error", err)
	}

	// Both subscribe frames replayed on the fresh session.
	waitFor(t, 2*time.Second, func() bool { return len(server.messages()) >= 4 })
	replayed := server.messages()[2:]
	joined := strings.Join(replayed, "\n")
	if !strings.Contains(joined, `"channel":"books"`) || !strings.Contains(joined, `"channel":"trades"`) {
		t.Fatalf("replay missing a subscription, got: %s", joined)
	}
}

func TestUnsubscribeSendsPayloadAndClosesIdle(t *testing.T) {
	server := newWSServer(t, nil)
	c := testConn(t, server.url(), nil)

	ctx := context.Background()
	if err := c.ensureConnected(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	unsub := []byte(`{"op":"unsubscribe","channel":"books"}`)
	if err := c.subscribe(ctx, []string{"books:BTC/USD"}, []byte(`{"op":"subscribe"}`), unsub, []string{"orderbook::BTC/USD"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(server.messages()) >= 1 })

	if err := c.unsubscribe(ctx, "books:BTC/USD"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(server.messages()) >= 2 })
	if got := server.messages()[1]; !strings.Contains(got, `"op":"unsubscribe"`) {
		t.Fatalf("second frame = %s, want the unsubscribe payload", got)
	}
	if c.subscribed("books:BTC/USD") {
		t.Fatalf("wire channel still recorded after unsubscribe")
	}
	if c.currentSession() != nil {
		t.Fatalf("socket kept open with no remaining subscriptions")
	}
}

func TestAuthenticateSharedHandshake(t *testing.T) {
	server := newWSServer(t, nil)
	c := testConn(t, server.url(), nil)

	ctx := context.Background()
	if err := c.ensureConnected(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	login := []byte(`{"op":"login","sig":"abc"}`)
	first, err := c.authenticate(ctx, login)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	second, err := c.authenticate(ctx, login)
	if err != nil {
		t.Fatalf("authenticate again: %v", err)
	}
	if first != second {
		t.Fatalf("concurrent authenticate calls should share one handshake")
	}
	waitFor(t, time.Second, func() bool { return len(server.messages()) >= 1 })
	if got := len(server.messages()); got != 1 {
		t.Fatalf("server received %d login frames, want 1", got)
	}

	c.resolveAuth("ok")
	value, err := first.Wait(ctx)
	if err != nil {
		t.Fatalf("wait auth: %v", err)
	}
	if value != "ok" {
		t.Fatalf("auth value = %v, want ok", value)
	}
}

func TestFailAuthEvictsForRetry(t *testing.T) {
	server := newWSServer(t, nil)
	c := testConn(t, server.url(), nil)

	ctx := context.Background()
	if err := c.ensureConnected(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	login := []byte(`{"op":"login","sig":"bad"}`)
	future, err := c.authenticate(ctx, login)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	authErr := &Error{Kind: KindAuthentication, Code: "60009", Message: "login failed"}
	c.failAuth(authErr)
	if _, err := future.Wait(ctx); !errors.Is(err, authErr) {
		t.Fatalf("got %v, want the auth rejection", err)
	}
	if c.authFuture() != nil {
		t.Fatalf("auth state not evicted after failure")
	}

	// A retry sends a fresh login frame instead of reusing the failed one.
	if _, err := c.authenticate(ctx, login); err != nil {
		t.Fatalf("authenticate retry: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(server.messages()) >= 2 })
}
