package clob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

type Client struct {
	host       string
	httpClient *http.Client
	auth       TradingAuth
}

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Body)
}

func NewClient(httpClient *http.Client, host string) *Client {
	if host == "" {
		host = "https://clob.polymarket.com"
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	host = strings.TrimRight(host, "/")
	return &Client{
		host:       host,
		httpClient: httpClient,
	}
}

// WithAuth returns a copy that signs private endpoints with auth.
func (c *Client) WithAuth(auth TradingAuth) *Client {
	out := *c
	out.auth = auth
	return &out
}

func (c *Client) HasAuth() bool {
	return c != nil && c.auth.complete()
}

func (c *Client) doRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	fullURL := c.host + path
	if len(query) > 0 {
		fullURL = fullURL + "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func (c *Client) GetMidpoint(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	if tokenID == "" {
		return decimal.Zero, fmt.Errorf("token_id is required")
	}
	query := url.Values{}
	query.Set("token_id", tokenID)
	body, err := c.doRequest(ctx, "/midpoint", query)
	if err != nil {
		return decimal.Zero, err
	}
	return parseMidpoint(body)
}

func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	if tokenID == "" {
		return nil, fmt.Errorf("token_id is required")
	}
	query := url.Values{}
	query.Set("token_id", tokenID)
	body, err := c.doRequest(ctx, "/book", query)
	if err != nil {
		return nil, err
	}
	return parseOrderBook(body)
}

// GetPriceHistory reads /prices-history for one token. interval is one of the
// venue's presets (1h, 6h, 1d, 1w, 1m, max); fidelity is minutes per point.
func (c *Client) GetPriceHistory(ctx context.Context, tokenID, interval string, fidelity int) ([]PricePoint, error) {
	if tokenID == "" {
		return nil, fmt.Errorf("token_id is required")
	}
	query := url.Values{}
	query.Set("market", tokenID)
	if interval != "" {
		query.Set("interval", interval)
	}
	if fidelity > 0 {
		query.Set("fidelity", fmt.Sprintf("%d", fidelity))
	}
	body, err := c.doRequest(ctx, "/prices-history", query)
	if err != nil {
		return nil, err
	}
	return parsePriceHistory(body)
}

// GetSimplifiedMarkets reads one page of /simplified-markets. An empty
// cursor starts from the beginning.
func (c *Client) GetSimplifiedMarkets(ctx context.Context, cursor string) (*MarketsPage, error) {
	return c.marketsPage(ctx, "/simplified-markets", cursor)
}

// GetMarkets reads one page of /markets, which also carries question text.
func (c *Client) GetMarkets(ctx context.Context, cursor string) (*MarketsPage, error) {
	return c.marketsPage(ctx, "/markets", cursor)
}

func (c *Client) marketsPage(ctx context.Context, path, cursor string) (*MarketsPage, error) {
	query := url.Values{}
	if cursor = strings.TrimSpace(cursor); cursor != "" {
		query.Set("next_cursor", cursor)
	}
	body, err := c.doRequest(ctx, path, query)
	if err != nil {
		return nil, err
	}
	return parseMarketsPage(body)
}
