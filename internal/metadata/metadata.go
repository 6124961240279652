// Package metadata resolves a market identifier to the ordered outcome
// labels and instrument token IDs used to configure the feed
// subscription.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DefaultBaseURL is the exchange's CLOB REST endpoint.
const DefaultBaseURL = "https://clob.polymarket.com"

// Outcome pairs one human-readable outcome label with its instrument
// token identifier. Order matches the exchange's token ordering.
type Outcome struct {
	Label   string
	TokenID string
}

// Resolver fetches market metadata. Satisfied by *Client in production
// and by stubs in tests.
type Resolver interface {
	Resolve(ctx context.Context, marketID string) ([]Outcome, error)
}

// Client is the HTTP metadata resolver.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client against the given base URL. An empty URL
// selects DefaultBaseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// marketResponse is the subset of the market payload we consume.
type marketResponse struct {
	Tokens []struct {
		TokenID string `json:"token_id"`
		Outcome string `json:"outcome"`
	} `json:"tokens"`
}

// Resolve fetches the market's tokens and returns them in exchange
// order.
func (c *Client) Resolve(ctx context.Context, marketID string) ([]Outcome, error) {
	url := fmt.Sprintf("%s/markets/%s", c.baseURL, marketID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("metadata: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata: fetch market %s: %w", marketID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata: fetch market %s: unexpected status %d", marketID, resp.StatusCode)
	}

	var market marketResponse
	if err := json.NewDecoder(resp.Body).Decode(&market); err != nil {
		return nil, fmt.Errorf("metadata: decode market %s: %w", marketID, err)
	}
	if len(market.Tokens) == 0 {
		return nil, fmt.Errorf("metadata: market %s has no tokens", marketID)
	}

	outcomes := make([]Outcome, 0, len(market.Tokens))
	for _, tok := range market.Tokens {
		outcomes = append(outcomes, Outcome{Label: tok.Outcome, TokenID: tok.TokenID})
	}
	return outcomes, nil
}
