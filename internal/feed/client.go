// Package feed implements the resilient client for the exchange's
// streaming market-data channel: connection lifecycle, subscription,
// frame decoding, and dispatch into the market state store.
package feed

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/oddsview-terminal/oddsview/internal/market"
)

var (
	// ErrNoInstruments is returned when a connect request arrives with
	// an empty instrument set.
	ErrNoInstruments = errors.New("feed: instrument set is empty")

	// ErrNoURL is returned when the feed endpoint is not configured.
	ErrNoURL = errors.New("feed: endpoint url is not configured")

	// ErrRetriesExhausted is surfaced through the snapshot when the
	// reconnect attempt cap is reached.
	ErrRetriesExhausted = errors.New("feed: reconnect attempts exhausted")
)

// Conn is the subset of *websocket.Conn the client uses. Tests inject
// scripted implementations to drive closures deterministically.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens the transport for one connection attempt.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// wsDialer dials with gorilla/websocket.
type wsDialer struct {
	headers http.Header
}

func (d wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	conn, _, err := dialer.DialContext(ctx, url, d.headers)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// BackoffStrategy selects how reconnect delays grow between attempts.
type BackoffStrategy string

const (
	// BackoffFixed waits the same interval before every attempt.
	BackoffFixed BackoffStrategy = "fixed"
	// BackoffExponential doubles the interval per attempt, capped at
	// ReconnectPolicy.MaxInterval.
	BackoffExponential BackoffStrategy = "exponential"
)

// ReconnectPolicy configures automatic reconnection after closures.
type ReconnectPolicy struct {
	Enabled     bool
	Strategy    BackoffStrategy
	Interval    time.Duration // fixed delay, or exponential base
	MaxInterval time.Duration // exponential cap
	MaxAttempts int
}

// Delay returns the wait before the given attempt (1-based).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if p.Strategy != BackoffExponential {
		return p.Interval
	}
	delay := p.Interval
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	if delay > p.MaxInterval {
		return p.MaxInterval
	}
	return delay
}

// Config holds tunable parameters for a Client.
type Config struct {
	URL      string
	MarketID string   // target market (condition) identifier
	AssetIDs []string // ordered instrument identifiers to subscribe

	// SubscribeDelay is the pause between the transport reporting open
	// and the subscription frame being sent.
	SubscribeDelay time.Duration

	// HeartbeatInterval is the period of the liveness probe sent while
	// the socket remains open.
	HeartbeatInterval time.Duration

	Reconnect ReconnectPolicy
}

// DefaultConfig returns production defaults for the given endpoint.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		SubscribeDelay:    100 * time.Millisecond,
		HeartbeatInterval: 30 * time.Second,
		Reconnect: ReconnectPolicy{
			Enabled:     true,
			Strategy:    BackoffFixed,
			Interval:    3 * time.Second,
			MaxInterval: 30 * time.Second,
			MaxAttempts: 5,
		},
	}
}

// Snapshot is the state served to the presentation layer: connection
// status plus the store's derived market state. Errors are reflected
// here rather than thrown across the component boundary.
type Snapshot struct {
	IsConnected      bool
	ConnectionStatus Status
	LiveOdds         map[string]market.DerivedOdds
	ExecutedTrades   []market.ExecutedTrade
	LastUpdate       time.Time
	LastError        string
	DecodeErrors     int
}

// Client owns the socket lifecycle as an explicit state machine with
// named transition handlers. Timers are owned handles, cancelled on
// every state exit that supersedes them; a generation counter makes
// callbacks from superseded connections inert, so a timer firing after
// teardown can never mutate state or schedule further attempts.
type Client struct {
	cfg    Config
	dialer Dialer
	store  *market.Store
	log    *logrus.Entry

	writeMu sync.Mutex // serializes subscription and heartbeat writes

	mu             sync.Mutex
	status         Status
	lastErr        string
	attempts       int
	decodeErrors   int
	gen            uint64
	conn           Conn
	reconnectTimer *time.Timer
	subscribeTimer *time.Timer
	heartbeatStop  chan struct{}
}

// New creates a Client. Call Connect to start; the zero state is
// disconnected.
func New(cfg Config, store *market.Store, logger *logrus.Entry) *Client {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.SubscribeDelay == 0 {
		cfg.SubscribeDelay = 100 * time.Millisecond
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Reconnect.Interval == 0 {
		cfg.Reconnect.Interval = 3 * time.Second
	}
	if cfg.Reconnect.MaxInterval == 0 {
		cfg.Reconnect.MaxInterval = 30 * time.Second
	}

	return &Client{
		cfg:    cfg,
		dialer: wsDialer{},
		store:  store,
		log:    logger.WithField("component", "feed"),
		status: StatusDisconnected,
	}
}

// Connect requests the disconnected/reconnecting → connecting
// transition. It is refused synchronously, with no side effects, when
// the instrument set or endpoint is missing. A connect issued while a
// reconnect timer is pending supersedes that timer.
func (c *Client) Connect() error {
	if c.cfg.URL == "" {
		c.log.Warn("connect refused: no endpoint configured")
		return ErrNoURL
	}
	if len(c.cfg.AssetIDs) == 0 {
		c.log.Warn("connect refused: no instruments configured")
		return ErrNoInstruments
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusConnecting || c.status == StatusConnected {
		return nil
	}
	c.stopTimersLocked()
	c.attempts = 0
	c.startConnectLocked()
	return nil
}

// Disconnect tears the client down from any state: pending timers are
// cancelled, the heartbeat stops, the transport closes if open, and
// auto-reconnect stays suppressed until the next explicit Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++ // invalidate every outstanding timer and loop callback
	c.stopTimersLocked()
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	c.status = StatusDisconnected
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.log.Info("disconnected")
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Snapshot assembles the produced state for the presentation layer.
func (c *Client) Snapshot() Snapshot {
	state := c.store.State()

	c.mu.Lock()
	status := c.status
	lastErr := c.lastErr
	decodeErrors := c.decodeErrors
	c.mu.Unlock()

	return Snapshot{
		IsConnected:      status == StatusConnected,
		ConnectionStatus: status,
		LiveOdds:         state.LiveOdds,
		ExecutedTrades:   state.ExecutedTrades,
		LastUpdate:       state.LastUpdate,
		LastError:        lastErr,
		DecodeErrors:     decodeErrors,
	}
}

// startConnectLocked performs the → connecting transition. Caller
// holds c.mu.
func (c *Client) startConnectLocked() {
	c.gen++
	gen := c.gen
	c.status = StatusConnecting
	c.log.WithField("attempt", c.attempts).Info("connecting")
	go c.dial(gen)
}

func (c *Client) dial(gen uint64) {
	conn, err := c.dialer.Dial(context.Background(), c.cfg.URL)
	if err != nil {
		c.handleDialError(gen, err)
		return
	}
	c.handleOpen(gen, conn)
}

// handleDialError treats a failed dial like a closure: it drives the
// reconnect policy rather than surfacing a hard failure.
func (c *Client) handleDialError(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.lastErr = err.Error()
	c.log.WithError(err).Warn("dial failed")
	c.scheduleReconnectLocked()
}

// handleOpen performs the connecting → connected transition: the
// attempt counter resets, the heartbeat starts, and the subscription
// is sent after a short fixed delay.
func (c *Client) handleOpen(gen uint64, conn Conn) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.status = StatusConnected
	c.attempts = 0
	c.lastErr = ""
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.subscribeTimer = time.AfterFunc(c.cfg.SubscribeDelay, func() {
		c.sendSubscription(gen)
	})
	c.mu.Unlock()

	c.log.WithField("market", c.cfg.MarketID).Info("connected")
	go c.heartbeatLoop(conn, stop)
	go c.readLoop(gen, conn)
}

// sendSubscription builds and sends the subscribe frame for the full
// instrument set. A send attempted while not connected is logged and
// abandoned; the subscription is resent from scratch on the next
// successful connect.
func (c *Client) sendSubscription(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.status != StatusConnected || c.conn == nil {
		c.mu.Unlock()
		c.log.Warn("subscribe skipped: not connected")
		return
	}
	conn := c.conn
	c.mu.Unlock()

	payload, err := subscribePayload(c.cfg.AssetIDs)
	if err != nil {
		c.log.WithError(err).Error("build subscribe request")
		return
	}
	if err := c.send(conn, payload); err != nil {
		c.log.WithError(err).Warn("subscribe send failed")
		return
	}
	c.log.WithField("instruments", len(c.cfg.AssetIDs)).Info("subscribed")
}

// readLoop delivers inbound frames strictly in arrival order. The
// transport's read error is the single signal that drives the closure
// transition; write errors elsewhere are reported but do not schedule
// reconnects of their own.
func (c *Client) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClosed(gen, err)
			return
		}
		c.handleFrame(gen, data)
	}
}

// handleFrame decodes one frame and applies its events to the store in
// array order. Malformed frames are dropped and counted; they never
// crash the connection.
func (c *Client) handleFrame(gen uint64, raw []byte) {
	c.mu.Lock()
	stale := gen != c.gen
	c.mu.Unlock()
	if stale {
		return
	}

	events, err := DecodeFrame(raw)
	if err != nil {
		c.mu.Lock()
		c.decodeErrors++
		c.mu.Unlock()
		c.log.WithError(err).Debug("dropping malformed frame")
		return
	}

	for _, ev := range events {
		switch e := ev.(type) {
		case BookEvent:
			c.store.ApplyBookEvent(e.AssetID, e.Bids, e.Asks)
		case PriceChangeEvent:
			c.store.ApplyPriceChangeEvent(e.AssetID, e.Changes)
		case TradeEvent:
			c.store.ApplyTradeEvent(e.AssetID, e.Side, e.Price, e.Size, e.Timestamp)
		case UnknownEvent:
			c.log.WithField("event_type", e.Type).Debug("ignoring unknown event type")
		}
	}
}

// handleClosed performs the connected → reconnecting transition once
// the transport reports closure.
func (c *Client) handleClosed(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return // superseded by reconnect or explicit teardown
	}
	c.stopHeartbeatLocked()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if err != nil {
		c.lastErr = err.Error()
	}
	c.log.WithError(err).Warn("connection closed")
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked applies the reconnect policy after a closure
// or failed dial. Past the attempt cap the client settles into a
// terminal disconnected state until the next explicit Connect. Caller
// holds c.mu.
func (c *Client) scheduleReconnectLocked() {
	if !c.cfg.Reconnect.Enabled {
		c.status = StatusDisconnected
		return
	}
	if c.attempts >= c.cfg.Reconnect.MaxAttempts {
		c.status = StatusDisconnected
		c.lastErr = ErrRetriesExhausted.Error()
		c.log.WithField("attempts", c.attempts).Error("reconnect attempts exhausted")
		return
	}

	c.attempts++
	delay := c.cfg.Reconnect.Delay(c.attempts)
	c.status = StatusReconnecting
	gen := c.gen
	c.log.WithFields(logrus.Fields{
		"attempt": c.attempts,
		"delay":   delay,
	}).Info("reconnect scheduled")
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.reconnectFired(gen)
	})
}

// reconnectFired performs the reconnecting → connecting transition
// when the timer elapses.
func (c *Client) reconnectFired(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.status != StatusReconnecting {
		return // cancelled by teardown or superseded by explicit connect
	}
	c.startConnectLocked()
}

// heartbeatLoop sends the literal liveness probe at a fixed interval
// while the socket remains open. A failed probe is only reported; the
// subsequent read-loop closure drives the state transition.
func (c *Client) heartbeatLoop(conn Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.send(conn, pingFrame); err != nil {
				c.log.WithError(err).Debug("heartbeat send failed")
				return
			}
		}
	}
}

func (c *Client) send(conn Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// stopTimersLocked cancels pending reconnect and subscribe timers.
// Caller holds c.mu.
func (c *Client) stopTimersLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.subscribeTimer != nil {
		c.subscribeTimer.Stop()
		c.subscribeTimer = nil
	}
}

// stopHeartbeatLocked stops the heartbeat loop. Caller holds c.mu.
func (c *Client) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}
