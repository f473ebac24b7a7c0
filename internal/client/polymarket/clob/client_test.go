package clob

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestGetMidpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/midpoint" || r.URL.Query().Get("token_id") != "tok" {
			t.Fatalf("unexpected request %s", r.URL.String())
		}
		_, _ = w.Write([]byte(`{"mid":"0.455"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL)
	mid, err := c.GetMidpoint(context.Background(), "tok")
	if err != nil {
		t.Fatalf("GetMidpoint: %v", err)
	}
	if !mid.Equal(decimal.RequireFromString("0.455")) {
		t.Fatalf("mid=%s want=0.455", mid)
	}
}

func TestGetMidpoint_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"No orderbook exists"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.Client(), srv.URL).GetMidpoint(context.Background(), "tok")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("err=%v want APIError 404", err)
	}
}

func TestGetOrderBook_BestLevels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"market":"0xabc","asset_id":"tok",
			"bids":[{"price":"0.40","size":"100"},{"price":"0.45","size":"20"}],
			"asks":[{"price":"0.52","size":"10"},{"price":"0.50","size":"5"}]}`))
	}))
	defer srv.Close()

	book, err := NewClient(srv.Client(), srv.URL).GetOrderBook(context.Background(), "tok")
	require.NoError(t, err)
	bid, ok := book.BestBid()
	require.True(t, ok)
	require.True(t, bid.Equal(decimal.RequireFromString("0.45")))
	ask, ok := book.BestAsk()
	require.True(t, ok)
	require.True(t, ask.Equal(decimal.RequireFromString("0.50")))
	mid, ok := book.Mid()
	require.True(t, ok)
	require.True(t, mid.Equal(decimal.RequireFromString("0.475")))

	empty := &OrderBook{}
	if _, ok := empty.Mid(); ok {
		t.Fatalf("empty book reported a mid")
	}
}

func TestGetSimplifiedMarkets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/simplified-markets" {
			t.Fatalf("path=%s", r.URL.Path)
		}
		if r.URL.Query().Get("next_cursor") != "MTAw" {
			t.Fatalf("cursor=%q", r.URL.Query().Get("next_cursor"))
		}
		_, _ = w.Write([]byte(`{"limit":1,"count":1,"next_cursor":"LTE=","data":[
			{"condition_id":"0xc1","active":true,"closed":false,"tokens":[
				{"token_id":"y","outcome":"Yes","price":0.61},
				{"token_id":"n","outcome":"No","price":"0.39"}]}]}`))
	}))
	defer srv.Close()

	page, err := NewClient(srv.Client(), srv.URL).GetSimplifiedMarkets(context.Background(), "MTAw")
	require.NoError(t, err)
	require.Equal(t, EndCursor, page.NextCursor)
	require.Len(t, page.Data, 1)
	m := page.Data[0]
	require.True(t, m.Tradable())
	require.Equal(t, "Yes", m.Tokens[0].Outcome)
	require.True(t, m.Tokens[0].Price.Equal(decimal.RequireFromString("0.61")))
	require.True(t, m.Tokens[1].Price.Equal(decimal.RequireFromString("0.39")))
}

func TestGetPriceHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("market") != "tok" || q.Get("interval") != "1m" || q.Get("fidelity") != "60" {
			t.Fatalf("query=%s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"history":[{"t":1700000000,"p":0.5},{"t":1700003600,"p":"0.55"}]}`))
	}))
	defer srv.Close()

	points, err := NewClient(srv.Client(), srv.URL).GetPriceHistory(context.Background(), "tok", "1m", 60)
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.Equal(t, time.Unix(1700003600, 0).UTC(), points[1].TS)
	require.True(t, points[1].Price.Equal(decimal.RequireFromString("0.55")))
}

func TestPrivateEndpointsRequireAuth(t *testing.T) {
	c := NewClient(nil, "http://127.0.0.1:1")
	if _, err := c.GetBalance(context.Background()); err == nil {
		t.Fatalf("expected missing credentials error")
	}
	if c.HasAuth() {
		t.Fatalf("HasAuth without credentials")
	}
}

func TestGetBalance_SignedRequest(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	auth := TradingAuth{
		APIKey:     "key",
		APISecret:  "c2VjcmV0LXNlY3JldA==",
		Passphrase: "pass",
		Address:    "0xabc",
		Now:        func() time.Time { return fixed },
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/balance-allowance", r.URL.Path)
		require.Equal(t, "COLLATERAL", r.URL.Query().Get("asset_type"))
		require.Equal(t, "key", r.Header.Get("POLY_API_KEY"))
		require.Equal(t, "pass", r.Header.Get("POLY_PASSPHRASE"))
		require.Equal(t, "0xabc", r.Header.Get("POLY_ADDRESS"))
		require.Equal(t, "1700000000", r.Header.Get("POLY_TIMESTAMP"))
		want := Sign(auth.APISecret, "1700000000", http.MethodGet, "/balance-allowance", nil)
		require.Equal(t, want, r.Header.Get("POLY_SIGNATURE"))
		_, _ = w.Write([]byte(`{"balance":"1234560000","allowances":{}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL).WithAuth(auth)
	bal, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	require.True(t, bal.Equal(decimal.RequireFromString("1234.56")), "balance=%s", bal)
}

func TestSign_Deterministic(t *testing.T) {
	a := Sign("c2VjcmV0", "1", "post", "/order", []byte(`{}`))
	b := Sign("c2VjcmV0", "1", "POST", "/order", []byte(`{}`))
	if a != b {
		t.Fatalf("method case changed signature")
	}
	if a == Sign("c2VjcmV0", "2", "POST", "/order", []byte(`{}`)) {
		t.Fatalf("timestamp not covered by signature")
	}
}

func TestCreateOrders(t *testing.T) {
	var got []orderPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/order", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		var p orderPayload
		require.NoError(t, json.Unmarshal(raw, &p))
		got = append(got, p)
		_, _ = w.Write([]byte(`{"success":true,"errorMsg":"","orderID":"0xorder","status":"matched"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL).WithAuth(TradingAuth{APIKey: "k", APISecret: "s", Passphrase: "p"})
	o, err := c.CreateMarketOrder(context.Background(), MarketOrderRequest{TokenID: "tok", Side: "buy", Amount: decimal.NewFromInt(25)})
	require.NoError(t, err)
	require.Equal(t, "0xorder", o.OrderID)
	require.Equal(t, "matched", o.Status)

	exp := time.Unix(1800000000, 0)
	_, err = c.CreateLimitOrder(context.Background(), LimitOrderRequest{
		TokenID: "tok", Side: "sell", Price: decimal.RequireFromString("0.51"), Size: decimal.NewFromInt(100), Expiration: exp,
	})
	require.NoError(t, err)

	require.Len(t, got, 2)
	require.Equal(t, OrderTypeFOK, got[0].OrderType)
	require.Equal(t, "BUY", got[0].Order.Side)
	require.Equal(t, "25", got[0].Order.Size)
	require.Equal(t, OrderTypeGTD, got[1].OrderType)
	require.Equal(t, "SELL", got[1].Order.Side)
	require.Equal(t, "1800000000", got[1].Order.Expiration)
	require.Equal(t, "0.51", got[1].Order.Price)
}

func TestCreateOrder_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"errorMsg":"not enough balance"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL).WithAuth(TradingAuth{APIKey: "k", APISecret: "s", Passphrase: "p"})
	_, err := c.CreateMarketOrder(context.Background(), MarketOrderRequest{TokenID: "tok", Side: "BUY", Amount: decimal.NewFromInt(5)})
	if err == nil {
		t.Fatalf("expected rejection error")
	}
}
