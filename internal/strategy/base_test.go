package strategy

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"polybot/internal/client/polymarket/clob"
	"polybot/internal/models"
	"polybot/internal/simulator"
)

type funcStrategy struct {
	Base
	analyze func(ctx context.Context) (*Opportunity, error)
	calls   atomic.Int64
}

func (s *funcStrategy) Analyze(ctx context.Context) (*Opportunity, error) {
	s.calls.Add(1)
	if s.analyze == nil {
		return nil, nil
	}
	return s.analyze(ctx)
}

func (s *funcStrategy) Execute(ctx context.Context, opp *Opportunity) ([]*models.Position, error) {
	return s.Open(ctx, opp)
}

func (s *funcStrategy) MonitorPositions(ctx context.Context) error { return nil }

func (s *funcStrategy) Run(ctx context.Context) error { return s.RunLoop(ctx, s) }

func newFuncStrategy(t *testing.T, venue *stubVenue, mode Mode) *funcStrategy {
	s := &funcStrategy{}
	s.init("test_strategy", 10*time.Millisecond, newTestDeps(t, venue, mode))
	return s
}

func singleLeg(token, price, size string) *Opportunity {
	return &Opportunity{
		Kind:     KindDiscount,
		MarketID: "m1",
		Question: "Will it happen?",
		Edge:     dec("0.05"),
		Legs: []Leg{{
			MarketID: "m1",
			TokenID:  token,
			Outcome:  "Yes",
			Side:     models.DirectionBuy,
			Price:    dec(price),
			SizeUSD:  dec(size),
		}},
		Metadata: map[string]any{},
	}
}

func TestOpen_TestingModeLogsSimulatedTrade(t *testing.T) {
	s := newFuncStrategy(t, newStubVenue(), ModeTesting)

	positions, err := s.Open(context.Background(), singleLeg("tok", "0.40", "100"))
	require.NoError(t, err)
	require.Len(t, positions, 1)
	p := positions[0]
	if !p.Quantity.Equal(dec("250")) {
		t.Fatalf("qty=%s want=250", p.Quantity)
	}
	id := p.MetaString(metaSimTradeID)
	require.NotEmpty(t, id)
	trade, ok := s.Simulator.Trade(id)
	require.True(t, ok)
	require.Equal(t, models.TradePending, trade.Status)
	require.Len(t, s.Governor.OpenPositions(), 1)
	require.Equal(t, 1, s.Summary().OpenPositions)
}

func TestOpen_DryRunOpensNothing(t *testing.T) {
	venue := newStubVenue()
	s := newFuncStrategy(t, venue, ModeDryRun)

	positions, err := s.Open(context.Background(), singleLeg("tok", "0.40", "100"))
	require.NoError(t, err)
	require.Empty(t, positions)
	require.Empty(t, s.Governor.OpenPositions())
	require.Empty(t, venue.marketReqs)
	require.Empty(t, s.Positions())
}

func TestOpen_LiveOrderFailureReleasesAdmission(t *testing.T) {
	venue := newStubVenue()
	venue.orderErr = errors.New("not enough balance")
	s := newFuncStrategy(t, venue, ModeLive)

	_, err := s.Open(context.Background(), singleLeg("tok", "0.40", "100"))
	if err == nil {
		t.Fatalf("expected order error")
	}
	require.Empty(t, s.Governor.OpenPositions())
	require.Empty(t, s.Positions())
}

func TestOpen_LivePlacesMarketOrderWithSlippage(t *testing.T) {
	venue := newStubVenue()
	s := newFuncStrategy(t, venue, ModeLive)
	s.MaxSlippage = dec("0.005")

	positions, err := s.Open(context.Background(), singleLeg("tok", "0.40", "100"))
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Len(t, venue.marketReqs, 1)
	req := venue.marketReqs[0]
	require.Equal(t, "BUY", req.Side)
	require.True(t, req.Amount.Equal(dec("100")))
	require.True(t, req.Price.Equal(dec("0.402")), "price=%s", req.Price)
	require.Equal(t, "mkt-1", positions[0].MetaString(metaOrderID))
}

func TestOpen_MultiLegAllOrNothing(t *testing.T) {
	s := newFuncStrategy(t, newStubVenue(), ModeTesting)
	cfg := testRisk()
	cfg.MaxPositions = 1
	s.Governor.Config = cfg

	opp := singleLeg("a", "0.40", "100")
	opp.Legs = append(opp.Legs, Leg{MarketID: "m1", TokenID: "b", Side: models.DirectionBuy, Price: dec("0.50"), SizeUSD: dec("100")})

	_, err := s.Open(context.Background(), opp)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err=%v want ErrRejected", err)
	}
	require.Empty(t, s.Governor.OpenPositions())
	require.Equal(t, 0, s.Simulator.Statistics().TotalTrades)
}

func TestOpen_ComboLegsShareID(t *testing.T) {
	s := newFuncStrategy(t, newStubVenue(), ModeTesting)
	opp := singleLeg("a", "0.40", "100")
	opp.Legs = append(opp.Legs, Leg{MarketID: "m2", TokenID: "b", Side: models.DirectionBuy, Price: dec("0.50"), SizeUSD: dec("100")})

	positions, err := s.Open(context.Background(), opp)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	combo := positions[0].MetaString(metaComboID)
	require.NotEmpty(t, combo)
	require.Equal(t, combo, positions[1].MetaString(metaComboID))
	require.NotEqual(t, positions[0].ID, positions[1].ID)
}

func TestClosePosition_Once(t *testing.T) {
	s := newFuncStrategy(t, newStubVenue(), ModeTesting)
	positions, err := s.Open(context.Background(), singleLeg("tok", "0.40", "100"))
	require.NoError(t, err)
	p := positions[0]

	closed, err := s.ClosePosition(context.Background(), p, dec("0.50"), "take profit")
	require.NoError(t, err)
	require.True(t, closed)
	if !p.RealizedPnL.Equal(dec("25")) {
		t.Fatalf("pnl=%s want=25", p.RealizedPnL)
	}

	again, err := s.ClosePosition(context.Background(), p, dec("0.10"), "stop loss")
	require.NoError(t, err)
	require.False(t, again)
	require.True(t, p.RealizedPnL.Equal(dec("25")))

	perf := s.Performance()
	require.Equal(t, 1, perf.TotalTrades)
	require.Equal(t, 1, perf.WinningTrades)
	require.True(t, s.Governor.TodayPnL().Equal(dec("25")))
	require.Empty(t, s.Governor.OpenPositions())

	trade, _ := s.Simulator.Trade(p.MetaString(metaSimTradeID))
	require.Equal(t, models.TradeMonitoring, trade.Status)
	require.Equal(t, "take profit", trade.ExitReason)
}

func TestClosePosition_LiveSellsBeforeClosing(t *testing.T) {
	venue := newStubVenue()
	s := newFuncStrategy(t, venue, ModeLive)
	positions, err := s.Open(context.Background(), singleLeg("tok", "0.40", "100"))
	require.NoError(t, err)
	p := positions[0]

	venue.orderErr = errors.New("venue down")
	closed, err := s.ClosePosition(context.Background(), p, dec("0.30"), "stop loss")
	require.Error(t, err)
	require.False(t, closed)
	require.True(t, p.IsOpen())

	venue.orderErr = nil
	closed, err = s.ClosePosition(context.Background(), p, dec("0.30"), "stop loss")
	require.NoError(t, err)
	require.True(t, closed)
	last := venue.marketReqs[len(venue.marketReqs)-1]
	require.Equal(t, "SELL", last.Side)
	require.True(t, last.Amount.Equal(dec("250")))
}

func TestClosePosition_SettlementNeedsNoOrder(t *testing.T) {
	venue := newStubVenue()
	s := newFuncStrategy(t, venue, ModeLive)
	positions, err := s.Open(context.Background(), singleLeg("tok", "0.40", "100"))
	require.NoError(t, err)

	closed, err := s.ClosePosition(context.Background(), positions[0], dec("1"), ReasonSettlement)
	require.NoError(t, err)
	require.True(t, closed)
	require.Len(t, venue.marketReqs, 1)
}

func TestRunLoop_RecoversPanics(t *testing.T) {
	s := newFuncStrategy(t, newStubVenue(), ModeTesting)
	s.analyze = func(ctx context.Context) (*Opportunity, error) { panic("boom") }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for s.calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("loop stopped after panic: calls=%d", s.calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	require.True(t, s.Running())
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.False(t, s.Running())
	require.Contains(t, s.Summary().LastError, "boom")
}

func TestMarketList_PagesAndCaches(t *testing.T) {
	venue := newStubVenue()
	closed := binaryMarket("c", "closed", "Yes", "No")
	closed.Closed = true
	venue.markets = []clob.Market{
		binaryMarket("a", "A", "Yes", "No"),
		closed,
		binaryMarket("b", "B", "Yes", "No"),
	}
	venue.pageSize = 1
	s := newFuncStrategy(t, venue, ModeTesting)

	markets, err := s.MarketList(context.Background(), false, 0)
	require.NoError(t, err)
	require.Len(t, markets, 2)
	require.Equal(t, 3, venue.pageCalls)

	_, err = s.MarketList(context.Background(), false, 0)
	require.NoError(t, err)
	require.Equal(t, 3, venue.pageCalls)
}

func TestSettled(t *testing.T) {
	cases := map[string]bool{"0.99": true, "1": true, "0.01": true, "0": true, "0.5": false, "0.985": false}
	for in, want := range cases {
		if got := Settled(dec(in)); got != want {
			t.Fatalf("Settled(%s)=%v want=%v", in, got, want)
		}
	}
}

func TestLegQuantity_RoundsDownToShareSize(t *testing.T) {
	leg := Leg{Price: dec("0.45"), SizeUSD: dec("100")}
	require.True(t, leg.Quantity().Equal(dec("222.22")), "qty=%s", leg.Quantity())
	require.True(t, leg.Cost().Equal(dec("99.999")), "cost=%s", leg.Cost())
	require.True(t, leg.Cost().LessThanOrEqual(leg.SizeUSD))

	require.True(t, Leg{Price: decimal.Zero, SizeUSD: dec("100")}.Quantity().IsZero())
	require.True(t, Leg{Price: dec("0.5"), SizeUSD: dec("0.001")}.Quantity().IsZero())
}

func TestAbandon_CancelsLoggedLegs(t *testing.T) {
	s := newFuncStrategy(t, newStubVenue(), ModeTesting)
	trade, err := s.Simulator.LogTrade(simulator.TradeInput{
		Strategy:   "test_strategy",
		TokenID:    "a",
		Side:       simulator.SideBuy,
		EntryPrice: dec("0.40"),
		Quantity:   dec("10"),
	})
	require.NoError(t, err)
	first := models.NewPosition("test_strategy", "m1", "a", models.DirectionBuy, dec("0.40"), dec("10"), decimal.Zero,
		map[string]any{metaSimTradeID: trade.TradeID}, time.Now())
	unlogged := models.NewPosition("test_strategy", "m1", "b", models.DirectionBuy, dec("0.50"), dec("10"), decimal.Zero,
		map[string]any{}, time.Now())

	s.abandon([]*models.Position{first, unlogged}, errors.New("second leg failed"))

	got, ok := s.Simulator.Trade(trade.TradeID)
	require.True(t, ok)
	require.Equal(t, models.TradeCancelled, got.Status)
	require.Equal(t, "leg_failed", got.ExitReason)
	st := s.Simulator.Statistics()
	require.Equal(t, 1, st.CancelledTrades)
	require.Zero(t, st.PendingTrades)
	require.Empty(t, s.Simulator.OpenTrades())
	require.True(t, st.Equal(s.Simulator.RecomputeStatistics()))
}
