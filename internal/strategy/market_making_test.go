package strategy

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"polybot/internal/client/polymarket/clob"
	"polybot/internal/config"
)

func mmConfig() config.MarketMakingConfig {
	return config.MarketMakingConfig{
		StrategyCommon:          config.StrategyCommon{Enabled: true, Interval: time.Second},
		MinSpread:               0.1,
		VolatilityLookbackHours: []int{1, 24},
		MaxVolatility:           0.05,
		OrderSizeUSD:            50,
		OrderExpiry:             time.Hour,
		MaxMarkets:              20,
	}
}

func calmHistory(now time.Time, a, b string) []clob.PricePoint {
	out := make([]clob.PricePoint, 0, 20)
	for i := 20; i > 0; i-- {
		price := a
		if i%2 == 0 {
			price = b
		}
		out = append(out, clob.PricePoint{TS: now.Add(-time.Duration(i) * time.Minute), Price: dec(price)})
	}
	return out
}

func mmVenue(now time.Time) *stubVenue {
	venue := newStubVenue()
	venue.markets = append(venue.markets, binaryMarket("mm1", "Will the index close green?", "Yes", "No"))
	venue.setMid("mm1-yes", "0.50")
	venue.books["mm1-yes"] = &clob.OrderBook{
		Bids: []clob.Order{{Price: dec("0.44"), Size: dec("10")}, {Price: dec("0.45"), Size: dec("10")}},
		Asks: []clob.Order{{Price: dec("0.55"), Size: dec("10")}, {Price: dec("0.60"), Size: dec("10")}},
	}
	venue.history["mm1-yes"] = calmHistory(now, "0.50", "0.51")
	return venue
}

func newMM(t *testing.T, venue *stubVenue, mode Mode, now time.Time) *MarketMaking {
	deps := newTestDeps(t, venue, mode)
	deps.Now = fixedClock(now)
	return NewMarketMaking(mmConfig(), deps)
}

func TestStdev(t *testing.T) {
	if got := stdev([]float64{1}); got != 0 {
		t.Fatalf("single sample stdev=%v want=0", got)
	}
	got := stdev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if math.Abs(got-2.138089935) > 1e-6 {
		t.Fatalf("stdev=%v want~2.138", got)
	}
}

func TestVolatility_NeedsEnoughSamples(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newMM(t, newStubVenue(), ModeTesting, now)
	for i := 0; i < minVolatilitySamples-1; i++ {
		s.Record("tok", dec("0.5"), now.Add(-time.Duration(i)*time.Minute))
	}
	if _, ok := s.Volatility("tok", time.Hour, now); ok {
		t.Fatalf("volatility with too few samples")
	}
	require.False(t, s.Suitable("tok", now))

	s.Record("tok", dec("0.5"), now)
	v, ok := s.Volatility("tok", time.Hour, now)
	require.True(t, ok)
	require.Zero(t, v)
}

func TestMarketMaking_QuotesCalmWideMarket(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newMM(t, mmVenue(now), ModeTesting, now)

	opp, err := s.Analyze(context.Background())
	require.NoError(t, err)
	require.NotNil(t, opp)
	require.Equal(t, KindMarketMaking, opp.Kind)
	leg := opp.Legs[0]
	require.True(t, leg.Limit)
	if !leg.Price.Equal(dec("0.495")) {
		t.Fatalf("bid=%s want=0.495", leg.Price)
	}
	if !opp.Edge.Equal(dec("0.2")) {
		t.Fatalf("spread=%s want=0.2", opp.Edge)
	}

	positions, err := s.Execute(context.Background(), opp)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.True(t, positions[0].Quantity.Equal(dec("101.01")), "qty=%s", positions[0].Quantity)
	require.True(t, positions[0].CostBasis.LessThanOrEqual(dec("50")), "cost=%s", positions[0].CostBasis)
	require.True(t, positions[0].CostBasis.Round(2).Equal(dec("50")), "cost=%s", positions[0].CostBasis)
	require.Equal(t, "limit", positions[0].MetaString(metaOrderType))
}

func TestMarketMaking_SkipsVolatileMarket(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	venue := mmVenue(now)
	venue.history["mm1-yes"] = calmHistory(now, "0.30", "0.70")
	s := newMM(t, venue, ModeTesting, now)

	opp, err := s.Analyze(context.Background())
	require.NoError(t, err)
	require.Nil(t, opp)
}

func TestMarketMaking_SkipsTightSpread(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	venue := mmVenue(now)
	venue.books["mm1-yes"] = &clob.OrderBook{
		Bids: []clob.Order{{Price: dec("0.49"), Size: dec("10")}},
		Asks: []clob.Order{{Price: dec("0.51"), Size: dec("10")}},
	}
	s := newMM(t, venue, ModeTesting, now)

	opp, err := s.Analyze(context.Background())
	require.NoError(t, err)
	require.Nil(t, opp)
}

func TestMarketMaking_LivePlacesBothSides(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	venue := mmVenue(now)
	s := newMM(t, venue, ModeLive, now)

	opp, err := s.Analyze(context.Background())
	require.NoError(t, err)
	require.NotNil(t, opp)
	_, err = s.Execute(context.Background(), opp)
	require.NoError(t, err)

	require.Len(t, venue.limitReqs, 2)
	bid, ask := venue.limitReqs[0], venue.limitReqs[1]
	require.Equal(t, "BUY", bid.Side)
	require.Equal(t, "SELL", ask.Side)
	require.True(t, ask.Price.Equal(dec("0.505")), "ask=%s", ask.Price)
	require.True(t, bid.Size.Equal(dec("101.01")), "bid size=%s", bid.Size)
	require.True(t, ask.Size.Equal(dec("99")), "ask size=%s", ask.Size)
	require.Equal(t, now.Add(time.Hour), ask.Expiration)
	require.Empty(t, venue.marketReqs)
}

func TestMarketMaking_AdverseMoveExit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	venue := mmVenue(now)
	s := newMM(t, venue, ModeTesting, now)
	opp, err := s.Analyze(context.Background())
	require.NoError(t, err)
	positions, err := s.Execute(context.Background(), opp)
	require.NoError(t, err)

	venue.setMid("mm1-yes", "0.48")
	require.NoError(t, s.MonitorPositions(context.Background()))
	require.True(t, positions[0].IsOpen())

	venue.setMid("mm1-yes", "0.46")
	require.NoError(t, s.MonitorPositions(context.Background()))
	require.False(t, positions[0].IsOpen())
	want := decimal.RequireFromString("0.46")
	require.True(t, positions[0].ExitPrice.Equal(want))
	require.True(t, positions[0].RealizedPnL.IsNegative())
}
