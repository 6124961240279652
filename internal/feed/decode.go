package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oddsview-terminal/oddsview/internal/market"
)

// Liveness probes arrive as literal text outside the JSON envelope.
var (
	pingFrame = []byte("ping")
	pongFrame = []byte("pong")
)

// DecodeFrame parses one inbound text frame into typed events. Liveness
// probes yield no events and no error. A frame may carry a single event
// object or an ordered array of them; both forms are normalized to a
// slice preserving array order. Malformed frames return an error and
// must be dropped by the caller; they never terminate the connection.
func DecodeFrame(raw []byte) ([]Event, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if bytes.EqualFold(trimmed, pingFrame) || bytes.EqualFold(trimmed, pongFrame) {
		return nil, nil
	}

	var payloads []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &payloads); err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
	} else {
		payloads = []json.RawMessage{trimmed}
	}

	events := make([]Event, 0, len(payloads))
	for _, p := range payloads {
		ev, err := decodeEvent(p)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func decodeEvent(raw json.RawMessage) (Event, error) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.EventType {
	case "book":
		return decodeBook(raw)
	case "price_change":
		return decodePriceChange(raw)
	case "last_trade_price":
		return decodeTrade(raw)
	default:
		return UnknownEvent{Type: env.EventType}, nil
	}
}

func decodeBook(raw json.RawMessage) (Event, error) {
	var ev rawBookEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode book event: %w", err)
	}
	return BookEvent{
		AssetID:   ev.AssetID,
		Market:    ev.Market,
		Bids:      parseLevels(ev.Bids),
		Asks:      parseLevels(ev.Asks),
		Timestamp: parseTimestamp(ev.Timestamp),
		Hash:      ev.Hash,
	}, nil
}

func decodePriceChange(raw json.RawMessage) (Event, error) {
	var ev rawPriceChangeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode price_change event: %w", err)
	}
	changes := make([]market.PriceChange, 0, len(ev.Changes))
	for _, ch := range ev.Changes {
		price, err := strconv.ParseFloat(ch.Price, 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(ch.Size, 64)
		if err != nil {
			continue
		}
		changes = append(changes, market.PriceChange{
			Price: price,
			Size:  size,
			Side:  strings.ToUpper(ch.Side),
		})
	}
	return PriceChangeEvent{
		AssetID:   ev.AssetID,
		Changes:   changes,
		Timestamp: parseTimestamp(ev.Timestamp),
		Hash:      ev.Hash,
	}, nil
}

func decodeTrade(raw json.RawMessage) (Event, error) {
	var ev rawTradeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode last_trade_price event: %w", err)
	}
	price, err := strconv.ParseFloat(ev.Price, 64)
	if err != nil {
		return nil, fmt.Errorf("decode trade price %q: %w", ev.Price, err)
	}
	size, err := strconv.ParseFloat(ev.Size, 64)
	if err != nil {
		return nil, fmt.Errorf("decode trade size %q: %w", ev.Size, err)
	}
	feeRate, _ := strconv.ParseFloat(ev.FeeRateBps, 64)
	return TradeEvent{
		AssetID:    ev.AssetID,
		Side:       strings.ToUpper(ev.Side),
		Price:      price,
		Size:       size,
		FeeRateBps: feeRate,
		Timestamp:  parseTimestamp(ev.Timestamp),
	}, nil
}

// parseLevels converts raw string price/size pairs into PriceLevel
// slices. Levels that fail to parse are skipped.
func parseLevels(raw []rawPriceLevel) []market.PriceLevel {
	levels := make([]market.PriceLevel, 0, len(raw))
	for _, r := range raw {
		price, err := strconv.ParseFloat(r.Price, 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(r.Size, 64)
		if err != nil {
			continue
		}
		levels = append(levels, market.PriceLevel{Price: price, Size: size})
	}
	return levels
}

// parseTimestamp converts a Unix-millisecond string to time.Time.
// The zero time is returned for absent or malformed values.
func parseTimestamp(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
