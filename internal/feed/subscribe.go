package feed

import (
	"encoding/json"
	"fmt"
)

// subscribeRequest is the market-channel subscription message. The
// initial_dump flag requests a full book snapshot for every instrument
// rather than deltas only.
type subscribeRequest struct {
	Type        string   `json:"type"`
	AssetsIDs   []string `json:"assets_ids"`
	InitialDump bool     `json:"initial_dump"`
}

// subscribePayload builds a single subscription frame naming every
// tracked instrument. Subscriptions do not survive a reconnect, so the
// client resends this payload from scratch after each successful
// connection.
func subscribePayload(assetIDs []string) ([]byte, error) {
	if len(assetIDs) == 0 {
		return nil, ErrNoInstruments
	}
	payload, err := json.Marshal(subscribeRequest{
		Type:        "MARKET",
		AssetsIDs:   assetIDs,
		InitialDump: true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal subscribe request: %w", err)
	}
	return payload, nil
}
