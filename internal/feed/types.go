package feed

import (
	"time"

	"github.com/oddsview-terminal/oddsview/internal/market"
)

// Status is the connection state machine's current state. Exactly one
// value holds at any instant; only StatusConnected permits outbound
// subscription traffic.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// Event is one decoded feed event. The concrete type is determined by
// the wire discriminant (event_type); payloads with an unrecognized
// discriminant decode to UnknownEvent so forward-compatible frames are
// ignored rather than coerced.
type Event interface {
	isEvent()
}

// BookEvent is a full order-book snapshot for one instrument.
type BookEvent struct {
	AssetID   string
	Market    string
	Bids      []market.PriceLevel
	Asks      []market.PriceLevel
	Timestamp time.Time
	Hash      string
}

// PriceChangeEvent carries incremental level changes for one instrument.
type PriceChangeEvent struct {
	AssetID   string
	Changes   []market.PriceChange
	Timestamp time.Time
	Hash      string
}

// TradeEvent reports the last executed trade for one instrument.
type TradeEvent struct {
	AssetID    string
	Side       string // "BUY" or "SELL"
	Price      float64
	Size       float64
	FeeRateBps float64
	Timestamp  time.Time
}

// UnknownEvent preserves the discriminant of an unrecognized payload.
type UnknownEvent struct {
	Type string
}

func (BookEvent) isEvent()        {}
func (PriceChangeEvent) isEvent() {}
func (TradeEvent) isEvent()       {}
func (UnknownEvent) isEvent()     {}

// --- Raw wire types (Polymarket CLOB market channel) ---

type rawEnvelope struct {
	EventType string `json:"event_type"`
}

type rawPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type rawBookEvent struct {
	EventType string          `json:"event_type"`
	AssetID   string          `json:"asset_id"`
	Market    string          `json:"market"`
	Bids      []rawPriceLevel `json:"bids"`
	Asks      []rawPriceLevel `json:"asks"`
	Timestamp string          `json:"timestamp"`
	Hash      string          `json:"hash"`
}

type rawPriceChange struct {
	Price string `json:"price"`
	Size  string `json:"size"`
	Side  string `json:"side"`
}

type rawPriceChangeEvent struct {
	EventType string           `json:"event_type"`
	AssetID   string           `json:"asset_id"`
	Changes   []rawPriceChange `json:"changes"`
	Timestamp string           `json:"timestamp"`
	Hash      string           `json:"hash"`
}

type rawTradeEvent struct {
	EventType  string `json:"event_type"`
	AssetID    string `json:"asset_id"`
	Price      string `json:"price"`
	Side       string `json:"side"`
	Size       string `json:"size"`
	FeeRateBps string `json:"fee_rate_bps"`
	Timestamp  string `json:"timestamp"`
}
