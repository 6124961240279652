package feed

import (
	"bytes"
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

	"github.com/oddsview-terminal/oddsview/internal/market"
)

// fakeConn is a scripted transport. Inbound frames are pushed through
// the inbound channel; Close unblocks ReadMessage with an error.
type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.inbound:
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// fakeDialer scripts dial outcomes and records attempt counts.
type fakeDialer struct {
	mu      sync.Mutex
	failAll bool
	dials   int
	conns   []*fakeConn
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failAll {
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func newTestClient(t *testing.T, dialer Dialer, mutate func(*Config)) (*Client, *market.Store) {
	t.Helper()
	cfg := DefaultConfig("ws://example.invalid/ws/market")
	cfg.AssetIDs = []string{"tok-a", "tok-b"}
	cfg.SubscribeDelay = 5 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour // heartbeat out of the way by default
	cfg.Reconnect.Interval = 10 * time.Millisecond
	cfg.Reconnect.MaxAttempts = 3
	if mutate != nil {
		mutate(&cfg)
	}

	store := market.NewStore(cfg.AssetIDs, []string{"Yes", "No"}, nil)
	client := New(cfg, store, nil)
	if dialer != nil {
		client.dialer = dialer
	}
	t.Cleanup(client.Disconnect)
	return client, store
}

func waitFor(t *testing.T, timeout time.Duration, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestClient_ConnectRefusedWithoutInstruments(t *testing.T) {
	dialer := &fakeDialer{}
	client, _ := newTestClient(t, dialer, func(cfg *Config) {
		cfg.AssetIDs = nil
	})

	if err := client.Connect(); err != ErrNoInstruments {
		t.Fatalf("Connect: err = %v, want ErrNoInstruments", err)
	}
	if client.Status() != StatusDisconnected {
		t.Errorf("status = %s, want disconnected", client.Status())
	}
	if dialer.dialCount() != 0 {
		t.Errorf("refused connect must have no side effects, got %d dials", dialer.dialCount())
	}
}

func TestClient_SubscribesAfterOpen(t *testing.T) {
	dialer := &fakeDialer{}
	client, _ := newTestClient(t, dialer, nil)

	if err := client.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, time.Second, "connected status", func() bool {
		return client.Status() == StatusConnected
	})

	waitFor(t, time.Second, "subscription frame", func() bool {
		return len(dialer.conn(0).sentFrames()) > 0
	})

	var req struct {
		Type        string   `json:"type"`
		AssetsIDs   []string `json:"assets_ids"`
		InitialDump bool     `json:"initial_dump"`
	}
	if err := json.Unmarshal(dialer.conn(0).sentFrames()[0], &req); err != nil {
		t.Fatalf("unmarshal subscription: %v", err)
	}
	if req.Type != "MARKET" || !req.InitialDump {
		t.Errorf("bad subscribe request: %+v", req)
	}
	if len(req.AssetsIDs) != 2 || req.AssetsIDs[0] != "tok-a" {
		t.Errorf("bad instrument set: %v", req.AssetsIDs)
	}
}

func TestClient_HeartbeatProbe(t *testing.T) {
	dialer := &fakeDialer{}
	client, _ := newTestClient(t, dialer, func(cfg *Config) {
		cfg.HeartbeatInterval = 10 * time.Millisecond
		cfg.SubscribeDelay = time.Hour // keep the subscribe frame out of the way
	})

	if err := client.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, time.Second, "two heartbeat probes", func() bool {
		conn := dialer.conn(0)
		if conn == nil {
			return false
		}
		pings := 0
		for _, frame := range conn.sentFrames() {
			if bytes.Equal(frame, []byte("ping")) {
				pings++
			}
		}
		return pings >= 2
	})
}

func TestClient_DispatchesEventsToStore(t *testing.T) {
	dialer := &fakeDialer{}
	client, store := newTestClient(t, dialer, nil)

	if err := client.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, time.Second, "connected status", func() bool {
		return client.Status() == StatusConnected
	})

	dialer.conn(0).inbound <- []byte(`{
		"event_type":"book","asset_id":"tok-a",
		"bids":[{"price":"0.64","size":"100"}],
		"asks":[{"price":"0.66","size":"150"}],
		"timestamp":"1700000000000"}`)

	waitFor(t, time.Second, "derived odds", func() bool {
		_, ok := store.State().LiveOdds["tok-a"]
		return ok
	})

	derived := store.State().LiveOdds["tok-a"]
	if derived.MidPrice != 0.65 || derived.ProbabilityPct != 65.0 {
		t.Errorf("derived odds = %+v, want mid 0.65 / 65%%", derived)
	}

	dialer.conn(0).inbound <- []byte(`{
		"event_type":"last_trade_price","asset_id":"tok-b",
		"price":"0.35","side":"sell","size":"20","timestamp":"1700000001000"}`)

	waitFor(t, time.Second, "executed trade", func() bool {
		return len(store.State().ExecutedTrades) == 1
	})
	trade := store.State().ExecutedTrades[0]
	if trade.Side != "SELL" || trade.Outcome != "No" {
		t.Errorf("trade = %+v, want SELL on No", trade)
	}
}

func TestClient_MalformedFrameIsAbsorbed(t *testing.T) {
	dialer := &fakeDialer{}
	client, store := newTestClient(t, dialer, nil)

	if err := client.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, time.Second, "connected status", func() bool {
		return client.Status() == StatusConnected
	})

	dialer.conn(0).inbound <- []byte("this is not json")

	waitFor(t, time.Second, "decode error counted", func() bool {
		return client.Snapshot().DecodeErrors == 1
	})
	if client.Status() != StatusConnected {
		t.Errorf("status = %s, want connected after malformed frame", client.Status())
	}
	if len(store.State().LiveOdds) != 0 || len(store.State().ExecutedTrades) != 0 {
		t.Error("malformed frame must not change state")
	}
}

func TestClient_ReconnectExhaustsAttempts(t *testing.T) {
	dialer := &fakeDialer{failAll: true}
	client, _ := newTestClient(t, dialer, func(cfg *Config) {
		cfg.Reconnect.Interval = 5 * time.Millisecond
		cfg.Reconnect.MaxAttempts = 3
	})

	if err := client.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, 2*time.Second, "terminal disconnected state", func() bool {
		return client.Status() == StatusDisconnected
	})

	// Initial dial plus exactly 3 reconnect attempts.
	if got := dialer.dialCount(); got != 4 {
		t.Errorf("dials = %d, want 4", got)
	}

	snap := client.Snapshot()
	if snap.LastError != ErrRetriesExhausted.Error() {
		t.Errorf("last error = %q, want %q", snap.LastError, ErrRetriesExhausted.Error())
	}

	// Settled: no further attempts are scheduled.
	time.Sleep(50 * time.Millisecond)
	if got := dialer.dialCount(); got != 4 {
		t.Errorf("dials after settling = %d, want 4", got)
	}
}

func TestClient_DisconnectCancelsPendingReconnect(t *testing.T) {
	dialer := &fakeDialer{failAll: true}
	client, _ := newTestClient(t, dialer, func(cfg *Config) {
		cfg.Reconnect.Interval = 100 * time.Millisecond
		cfg.Reconnect.MaxAttempts = 5
	})

	if err := client.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, time.Second, "reconnect scheduled", func() bool {
		return client.Status() == StatusReconnecting
	})
	dialsBefore := dialer.dialCount()

	client.Disconnect()

	time.Sleep(250 * time.Millisecond)
	if got := dialer.dialCount(); got != dialsBefore {
		t.Errorf("dials after Disconnect = %d, want %d (pending timer must be inert)", got, dialsBefore)
	}
	if client.Status() != StatusDisconnected {
		t.Errorf("status = %s, want disconnected", client.Status())
	}
}

func TestClient_ResubscribesAfterReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	client, _ := newTestClient(t, dialer, func(cfg *Config) {
		cfg.Reconnect.Interval = 5 * time.Millisecond
	})

	if err := client.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, time.Second, "first subscription", func() bool {
		conn := dialer.conn(0)
		return conn != nil && len(conn.sentFrames()) > 0
	})

	// Drop the connection; the client reconnects and subscribes again.
	dialer.conn(0).Close()

	waitFor(t, 2*time.Second, "second subscription", func() bool {
		conn := dialer.conn(1)
		return conn != nil && len(conn.sentFrames()) > 0
	})

	if !bytes.Contains(dialer.conn(1).sentFrames()[0], []byte(`"assets_ids"`)) {
		t.Errorf("reconnect frame = %s, want subscribe request", dialer.conn(1).sentFrames()[0])
	}
	if client.Status() != StatusConnected {
		t.Errorf("status = %s, want connected after reconnect", client.Status())
	}
}

func TestReconnectPolicy_Delay(t *testing.T) {
	fixed := ReconnectPolicy{Strategy: BackoffFixed, Interval: 3 * time.Second, MaxInterval: 30 * time.Second}
	for attempt := 1; attempt <= 5; attempt++ {
		if got := fixed.Delay(attempt); got != 3*time.Second {
			t.Errorf("fixed Delay(%d) = %v, want 3s", attempt, got)
		}
	}

	exp := ReconnectPolicy{Strategy: BackoffExponential, Interval: time.Second, MaxInterval: 30 * time.Second}
	wants := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, want := range wants {
		if got := exp.Delay(i + 1); got != want {
			t.Errorf("exponential Delay(%d) = %v, want %v", i+1, got, want)
		}
	}
}

// --- gorilla/websocket integration ---

func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestClient_EndToEndOverWebSocket(t *testing.T) {
	book := `{
		"event_type":"book","asset_id":"tok-a",
		"bids":[{"price":"0.48","size":"30"}],
		"asks":[{"price":"0.52","size":"25"}],
		"timestamp":"1700000000000","hash":"0xabc"}`

	srv := mockWSServer(t, func(conn *websocket.Conn) {
		// Wait for the subscription, then push a book snapshot.
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !bytes.Contains(msg, []byte(`"MARKET"`)) {
			t.Errorf("first frame = %s, want subscribe request", msg)
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(book)); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	client, store := newTestClient(t, nil, func(cfg *Config) {
		cfg.URL = wsURL(srv)
	})

	if err := client.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 3*time.Second, "book applied over real websocket", func() bool {
		_, ok := store.State().LiveOdds["tok-a"]
		return ok
	})

	derived := store.State().LiveOdds["tok-a"]
	if derived.BestBid != 0.48 || derived.BestAsk != 0.52 || derived.MidPrice != 0.5 {
		t.Errorf("derived = %+v, want bid 0.48 / ask 0.52 / mid 0.5", derived)
	}
	if !client.Snapshot().IsConnected {
		t.Error("snapshot should report connected")
	}
}
