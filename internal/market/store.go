// Package market holds the derived, user-facing state produced from the
// raw feed: implied odds per instrument and a bounded history of
// executed trades.
package market

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oddsview-terminal/oddsview/internal/odds"
)

// TradeHistoryLimit caps the executed-trade history. Oldest entries are
// evicted once the cap is exceeded.
const TradeHistoryLimit = 50

// PriceLevel represents a single bid or ask at a given price.
type PriceLevel struct {
	Price float64
	Size  float64
}

// PriceChange is one incremental level change from a price_change event.
type PriceChange struct {
	Price float64
	Size  float64
	Side  string
}

// DerivedOdds is the per-instrument view computed on every book event.
// Entries are overwritten whole, never merged.
type DerivedOdds struct {
	AssetID        string
	Outcome        string
	BestBid        float64
	BestAsk        float64
	MidPrice       float64
	Spread         float64
	ProbabilityPct float64
	AmericanOdds   int
	EuropeanOdds   float64
	UpdatedAt      time.Time
}

// ExecutedTrade is an immutable record of one trade reported by the
// feed. The ID is a deterministic composite of instrument and feed
// timestamp so consumers can de-duplicate across reconnects.
type ExecutedTrade struct {
	ID        string
	AssetID   string
	Outcome   string
	Side      string // "BUY" or "SELL"
	Price     float64
	Size      float64
	Timestamp time.Time
}

// State is the store's read-only view, merged by the feed client into
// the snapshot served to the presentation layer.
type State struct {
	LiveOdds       map[string]DerivedOdds
	ExecutedTrades []ExecutedTrade
	LastUpdate     time.Time
}

// Store owns all derived market state. Mutations arrive exclusively
// from the feed client's single event-processing path; reads may come
// from any goroutine. After Close every mutation is a no-op.
type Store struct {
	log *logrus.Entry

	mu         sync.RWMutex
	closed     bool
	outcomes   map[string]string // instrument ID → human-readable label
	odds       map[string]DerivedOdds
	trades     []ExecutedTrade
	lastUpdate time.Time

	nowFunc func() time.Time // injectable clock for testing
}

// NewStore creates a Store for the given instruments. Labels are
// position-aligned with assetIDs; a missing label falls back to a
// generated placeholder. The mapping is fixed for the store's lifetime.
func NewStore(assetIDs, labels []string, logger *logrus.Entry) *Store {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	outcomes := make(map[string]string, len(assetIDs))
	for i, id := range assetIDs {
		if i < len(labels) && labels[i] != "" {
			outcomes[id] = labels[i]
		} else {
			outcomes[id] = fmt.Sprintf("Outcome %d", i+1)
		}
	}

	return &Store{
		log:      logger.WithField("component", "market"),
		outcomes: outcomes,
		odds:     make(map[string]DerivedOdds, len(assetIDs)),
		nowFunc:  time.Now,
	}
}

// ApplyBookEvent recomputes DerivedOdds for the instrument from a full
// book snapshot, replacing any prior entry. An empty bid side counts as
// 0 and an empty ask side as 1 so the mid-price stays defined.
func (s *Store) ApplyBookEvent(assetID string, bids, asks []PriceLevel) {
	bestBid := bestHigh(bids)
	bestAsk := bestLow(asks)
	mid, spread, probabilityPct := odds.Implied(bestBid, bestAsk)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	now := s.nowFunc()
	s.odds[assetID] = DerivedOdds{
		AssetID:        assetID,
		Outcome:        s.outcomeLocked(assetID),
		BestBid:        bestBid,
		BestAsk:        bestAsk,
		MidPrice:       mid,
		Spread:         spread,
		ProbabilityPct: probabilityPct,
		AmericanOdds:   odds.American(probabilityPct),
		EuropeanOdds:   odds.European(probabilityPct),
		UpdatedAt:      now,
	}
	s.lastUpdate = now
}

// ApplyTradeEvent prepends an ExecutedTrade to the history and evicts
// beyond TradeHistoryLimit. Trades for instruments outside the
// configured mapping still get a fallback outcome label.
func (s *Store) ApplyTradeEvent(assetID, side string, price, size float64, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	trade := ExecutedTrade{
		ID:        fmt.Sprintf("%s-%d", assetID, ts.UnixMilli()),
		AssetID:   assetID,
		Outcome:   s.outcomeLocked(assetID),
		Side:      side,
		Price:     price,
		Size:      size,
		Timestamp: ts,
	}

	s.trades = append([]ExecutedTrade{trade}, s.trades...)
	if len(s.trades) > TradeHistoryLimit {
		s.trades = s.trades[:TradeHistoryLimit]
	}
	s.lastUpdate = s.nowFunc()
}

// ApplyPriceChangeEvent is the hook point for incremental book
// maintenance. The minimal implementation replaces books whole on each
// snapshot, so deltas are informational only.
func (s *Store) ApplyPriceChangeEvent(assetID string, changes []PriceChange) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return
	}
	s.log.WithFields(logrus.Fields{
		"asset_id": assetID,
		"changes":  len(changes),
	}).Debug("price change received")
}

// State returns a copy of the current derived state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	liveOdds := make(map[string]DerivedOdds, len(s.odds))
	for id, d := range s.odds {
		liveOdds[id] = d
	}
	trades := make([]ExecutedTrade, len(s.trades))
	copy(trades, s.trades)

	return State{
		LiveOdds:       liveOdds,
		ExecutedTrades: trades,
		LastUpdate:     s.lastUpdate,
	}
}

// Close marks the store torn down. Subsequent mutations are no-ops;
// reads continue to serve the last known state.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// outcomeLocked resolves the label for an instrument. Caller holds s.mu.
func (s *Store) outcomeLocked(assetID string) string {
	if label, ok := s.outcomes[assetID]; ok {
		return label
	}
	return "Unknown outcome"
}

// bestHigh returns the highest price from a set of bids, or 0 when the
// side is empty.
func bestHigh(levels []PriceLevel) float64 {
	if len(levels) == 0 {
		return 0
	}
	best := levels[0].Price
	for _, l := range levels[1:] {
		if l.Price > best {
			best = l.Price
		}
	}
	return best
}

// bestLow returns the lowest price from a set of asks, or 1 when the
// side is empty.
func bestLow(levels []PriceLevel) float64 {
	if len(levels) == 0 {
		return 1
	}
	best := levels[0].Price
	for _, l := range levels[1:] {
		if l.Price < best {
			best = l.Price
		}
	}
	return best
}
