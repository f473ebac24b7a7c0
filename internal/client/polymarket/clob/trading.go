package clob

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	headerAddress    = "POLY_ADDRESS"
	headerSignature  = "POLY_SIGNATURE"
	headerTimestamp  = "POLY_TIMESTAMP"
	headerAPIKey     = "POLY_API_KEY"
	headerPassphrase = "POLY_PASSPHRASE"

	OrderTypeFOK = "FOK"
	OrderTypeGTC = "GTC"
	OrderTypeGTD = "GTD"

	// collateral balances are reported in USDC base units
	usdcDecimals = 6
)

// TradingAuth carries the L2 API credentials used to HMAC-sign private
// requests.
type TradingAuth struct {
	APIKey     string
	APISecret  string
	Passphrase string
	Address    string
	// Now is used for the signature timestamp; nil means time.Now.
	Now func() time.Time
}

func (a TradingAuth) complete() bool {
	return strings.TrimSpace(a.APIKey) != "" &&
		strings.TrimSpace(a.APISecret) != "" &&
		strings.TrimSpace(a.Passphrase) != ""
}

type MarketOrderRequest struct {
	TokenID string
	Side    string
	// Amount is USD for buys and shares for sells.
	Amount decimal.Decimal
	// Price is the worst acceptable price; zero lets the venue pick.
	Price decimal.Decimal
}

type LimitOrderRequest struct {
	TokenID    string
	Side       string
	Price      decimal.Decimal
	Size       decimal.Decimal
	Expiration time.Time
}

type orderPayload struct {
	Order     orderBody `json:"order"`
	Owner     string    `json:"owner,omitempty"`
	OrderType string    `json:"orderType"`
}

type orderBody struct {
	TokenID    string `json:"tokenId"`
	Side       string `json:"side"`
	Price      string `json:"price,omitempty"`
	Size       string `json:"size"`
	Expiration string `json:"expiration"`
	Maker      string `json:"maker,omitempty"`
}

type TradingOrder struct {
	OrderID     string
	Status      string
	FilledUSD   decimal.Decimal
	AvgPrice    decimal.Decimal
	Fee         decimal.Decimal
	Failure     string
	SubmittedAt *time.Time
}

// CreateMarketOrder submits a fill-or-kill order.
func (c *Client) CreateMarketOrder(ctx context.Context, req MarketOrderRequest) (*TradingOrder, error) {
	if strings.TrimSpace(req.TokenID) == "" {
		return nil, fmt.Errorf("token_id is required")
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive")
	}
	body := orderBody{
		TokenID:    req.TokenID,
		Side:       normalizeSide(req.Side),
		Size:       req.Amount.String(),
		Expiration: "0",
		Maker:      c.auth.Address,
	}
	if req.Price.IsPositive() {
		body.Price = req.Price.String()
	}
	return c.postOrder(ctx, orderPayload{Order: body, Owner: c.auth.APIKey, OrderType: OrderTypeFOK})
}

// CreateLimitOrder rests an order on the book. A non-zero expiration makes it
// good-til-date, otherwise good-til-cancelled.
func (c *Client) CreateLimitOrder(ctx context.Context, req LimitOrderRequest) (*TradingOrder, error) {
	if strings.TrimSpace(req.TokenID) == "" {
		return nil, fmt.Errorf("token_id is required")
	}
	if !req.Price.IsPositive() || !req.Size.IsPositive() {
		return nil, fmt.Errorf("price and size must be positive")
	}
	orderType := OrderTypeGTC
	expiration := "0"
	if !req.Expiration.IsZero() {
		orderType = OrderTypeGTD
		expiration = strconv.FormatInt(req.Expiration.Unix(), 10)
	}
	body := orderBody{
		TokenID:    req.TokenID,
		Side:       normalizeSide(req.Side),
		Price:      req.Price.String(),
		Size:       req.Size.String(),
		Expiration: expiration,
		Maker:      c.auth.Address,
	}
	return c.postOrder(ctx, orderPayload{Order: body, Owner: c.auth.APIKey, OrderType: orderType})
}

func (c *Client) postOrder(ctx context.Context, payload orderPayload) (*TradingOrder, error) {
	body, err := c.doJSON(ctx, http.MethodPost, "/order", nil, payload)
	if err != nil {
		return nil, err
	}
	order, err := parseTradingOrder(body)
	if err != nil {
		return nil, err
	}
	if order.Failure != "" && order.OrderID == "" {
		return nil, fmt.Errorf("order rejected: %s", order.Failure)
	}
	return order, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return fmt.Errorf("order id is required")
	}
	_, err := c.doJSON(ctx, http.MethodDelete, "/order", nil, map[string]string{"orderID": orderID})
	return err
}

// GetBalance returns the USDC collateral balance in dollars.
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("asset_type", "COLLATERAL")
	body, err := c.doJSON(ctx, http.MethodGet, "/balance-allowance", query, nil)
	if err != nil {
		return decimal.Zero, err
	}
	var resp struct {
		Balance Decimal `json:"balance"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Balance.Shift(-usdcDecimals), nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	if c == nil || c.httpClient == nil {
		return nil, fmt.Errorf("client is nil")
	}
	if !c.auth.complete() {
		return nil, fmt.Errorf("api credentials are required for %s", path)
	}
	path = normalizePath(path, "/")
	fullURL := c.host + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	var body io.Reader
	bodyRaw := []byte{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		bodyRaw = raw
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	ts := strconv.FormatInt(c.now().UTC().Unix(), 10)
	req.Header.Set(headerAddress, c.auth.Address)
	req.Header.Set(headerAPIKey, c.auth.APIKey)
	req.Header.Set(headerPassphrase, c.auth.Passphrase)
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerSignature, Sign(c.auth.APISecret, ts, method, path, bodyRaw))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

// Sign computes the L2 request signature: HMAC-SHA256 over
// timestamp+METHOD+path+body keyed by the url-safe base64 secret.
func Sign(secret, ts, method, path string, body []byte) string {
	key, err := base64.URLEncoding.DecodeString(secret)
	if err != nil {
		key = []byte(secret)
	}
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(ts + strings.ToUpper(strings.TrimSpace(method)) + path + string(body)))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

func (c *Client) now() time.Time {
	if c.auth.Now != nil {
		return c.auth.Now()
	}
	return time.Now()
}

func normalizeSide(side string) string {
	if strings.EqualFold(strings.TrimSpace(side), "sell") {
		return "SELL"
	}
	return "BUY"
}

func normalizePath(path, fallback string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		path = fallback
	}
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

func parseTradingOrder(raw []byte) (*TradingOrder, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty order response")
	}
	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, err
	}
	// common envelopes: {data:{...}} or {...}
	if data, ok := root["data"].(map[string]any); ok {
		root = data
	}
	if order, ok := root["order"].(map[string]any); ok {
		root = order
	}
	out := &TradingOrder{}
	out.OrderID = firstString(root, "orderID", "order_id", "id")
	out.Status = strings.ToLower(strings.TrimSpace(firstString(root, "status", "state")))
	out.Failure = firstString(root, "errorMsg", "error", "message")
	out.FilledUSD = firstDecimal(root, "makingAmount", "filled_usd")
	out.AvgPrice = firstDecimal(root, "avg_price", "price")
	out.Fee = firstDecimal(root, "fee", "fees")
	out.SubmittedAt = firstTime(root, "submitted_at", "created_at")
	if out.OrderID == "" && out.Failure == "" {
		return nil, fmt.Errorf("order id missing in response")
	}
	return out, nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			s := strings.TrimSpace(fmt.Sprintf("%v", v))
			if s != "" && s != "<nil>" {
				return s
			}
		}
	}
	return ""
}

func firstDecimal(m map[string]any, keys ...string) decimal.Decimal {
	for _, k := range keys {
		s := firstString(m, k)
		if s == "" {
			continue
		}
		if d, err := decimal.NewFromString(s); err == nil {
			return d
		}
	}
	return decimal.Zero
}

func firstTime(m map[string]any, keys ...string) *time.Time {
	for _, k := range keys {
		s := firstString(m, k)
		if s == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}
