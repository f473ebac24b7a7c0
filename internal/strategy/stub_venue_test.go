package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polybot/internal/client/polymarket/clob"
	"polybot/internal/config"
	"polybot/internal/feed"
	"polybot/internal/risk"
	"polybot/internal/simulator"
)

// stubVenue is an in-memory Venue. Only what the strategy tests touch is
// modelled.
type stubVenue struct {
	mu sync.Mutex

	mids       map[string]decimal.Decimal
	books      map[string]*clob.OrderBook
	history    map[string][]clob.PricePoint
	markets    []clob.Market
	pageSize   int
	orderErr   error
	balance    decimal.Decimal
	marketReqs []clob.MarketOrderRequest
	limitReqs  []clob.LimitOrderRequest
	cancelled  []string
	pageCalls  int
	seq        int
}

func newStubVenue() *stubVenue {
	return &stubVenue{
		mids:    map[string]decimal.Decimal{},
		books:   map[string]*clob.OrderBook{},
		history: map[string][]clob.PricePoint{},
		balance: decimal.NewFromInt(10000),
	}
}

func (v *stubVenue) setMid(tokenID, price string) {
	v.mu.Lock()
	v.mids[tokenID] = decimal.RequireFromString(price)
	v.mu.Unlock()
}

func (v *stubVenue) GetMidpoint(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	mid, ok := v.mids[tokenID]
	if !ok {
		return decimal.Zero, &clob.APIError{Status: 404, Body: "no orderbook"}
	}
	return mid, nil
}

func (v *stubVenue) GetOrderBook(ctx context.Context, tokenID string) (*clob.OrderBook, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b, ok := v.books[tokenID]
	if !ok {
		return nil, errors.New("no book")
	}
	return b, nil
}

func (v *stubVenue) GetPriceHistory(ctx context.Context, tokenID, interval string, fidelity int) ([]clob.PricePoint, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.history[tokenID], nil
}

func (v *stubVenue) page(cursor string) (*clob.MarketsPage, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pageCalls++
	size := v.pageSize
	if size <= 0 {
		size = len(v.markets)
	}
	start := 0
	if cursor != "" {
		if _, err := fmt.Sscanf(cursor, "%d", &start); err != nil {
			return nil, err
		}
	}
	end := min(start+size, len(v.markets))
	next := clob.EndCursor
	if end < len(v.markets) {
		next = fmt.Sprintf("%d", end)
	}
	return &clob.MarketsPage{Data: v.markets[start:end], NextCursor: next}, nil
}

func (v *stubVenue) GetSimplifiedMarkets(ctx context.Context, cursor string) (*clob.MarketsPage, error) {
	return v.page(cursor)
}

func (v *stubVenue) GetMarkets(ctx context.Context, cursor string) (*clob.MarketsPage, error) {
	return v.page(cursor)
}

func (v *stubVenue) CreateMarketOrder(ctx context.Context, req clob.MarketOrderRequest) (*clob.TradingOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.orderErr != nil {
		return nil, v.orderErr
	}
	v.marketReqs = append(v.marketReqs, req)
	v.seq++
	return &clob.TradingOrder{OrderID: fmt.Sprintf("mkt-%d", v.seq), Status: "matched"}, nil
}

func (v *stubVenue) CreateLimitOrder(ctx context.Context, req clob.LimitOrderRequest) (*clob.TradingOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.orderErr != nil {
		return nil, v.orderErr
	}
	v.limitReqs = append(v.limitReqs, req)
	v.seq++
	return &clob.TradingOrder{OrderID: fmt.Sprintf("lmt-%d", v.seq), Status: "live"}, nil
}

func (v *stubVenue) CancelOrder(ctx context.Context, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelled = append(v.cancelled, orderID)
	return nil
}

func (v *stubVenue) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balance, nil
}

type stubFeed struct {
	mu      sync.Mutex
	history map[string][]feed.Tick
}

func (f *stubFeed) OnPrice(cb feed.Callback) {}

func (f *stubFeed) GetPrice(symbol string) (decimal.Decimal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.history[symbol]
	if len(h) == 0 {
		return decimal.Zero, false
	}
	return h[len(h)-1].Price, true
}

func (f *stubFeed) PriceHistory(symbol string) []feed.Tick {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]feed.Tick(nil), f.history[symbol]...)
}

var testTrading = config.TradingConfig{
	MaxPositionSizeUSD: 1000,
	RiskPerTrade:       0.02,
	WinnerFee:          0.02,
}

func testRisk() config.RiskConfig {
	return config.RiskConfig{
		MaxTotalExposureUSD:  5000,
		MaxPositions:         20,
		MaxLossPerDayUSD:     500,
		EmergencyStopLossPct: 0.1,
	}
}

func newTestDeps(t *testing.T, venue *stubVenue, mode Mode) Deps {
	t.Helper()
	deps := Deps{
		Venue:    venue,
		Governor: risk.NewGovernor(testRisk(), testTrading, nil, nil),
		Mode:     mode,
		Balance:  func() decimal.Decimal { return decimal.NewFromInt(10000) },
	}
	if mode == ModeTesting {
		sim, err := simulator.New(config.TestingConfig{OutputDir: t.TempDir()}, testTrading, nil, nil)
		if err != nil {
			t.Fatalf("simulator.New: %v", err)
		}
		deps.Simulator = sim
	}
	return deps
}

func binaryMarket(id, question, yesOutcome, noOutcome string) clob.Market {
	return clob.Market{
		ConditionID: id,
		Question:    question,
		Active:      true,
		Tokens: []clob.Token{
			{TokenID: id + "-yes", Outcome: yesOutcome},
			{TokenID: id + "-no", Outcome: noOutcome},
		},
	}
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}
