package strategy

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"polybot/internal/client/polymarket/clob"
	"polybot/internal/config"
	"polybot/internal/models"
)

const (
	historyRetention     = 30 * 24 * time.Hour
	historyRefresh       = time.Hour
	minVolatilitySamples = 10
)

var (
	mmBidFactor = decimal.RequireFromString("0.99")
	mmAskFactor = decimal.RequireFromString("1.01")
	mmStop      = decimal.RequireFromString("0.95")
)

// MarketMaking quotes both sides of calm binary markets with a wide spread.
// Only the bid is tracked as a position.
type MarketMaking struct {
	Base
	Config config.MarketMakingConfig

	histMu  sync.Mutex
	history map[string][]pricePoint
	seeded  map[string]time.Time
}

type quote struct {
	market clob.Market
	token  clob.Token
	mid    decimal.Decimal
	bid    decimal.Decimal
	ask    decimal.Decimal
	spread decimal.Decimal
}

func NewMarketMaking(cfg config.MarketMakingConfig, deps Deps) *MarketMaking {
	s := &MarketMaking{Config: cfg, history: map[string][]pricePoint{}, seeded: map[string]time.Time{}}
	s.init(config.StrategyMarketMaking, cfg.Interval, deps)
	return s
}

func (s *MarketMaking) Run(ctx context.Context) error { return s.RunLoop(ctx, s) }

// Record appends one price and keeps thirty days.
func (s *MarketMaking) Record(tokenID string, price decimal.Decimal, at time.Time) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	h := append(s.history[tokenID], pricePoint{at: at, price: price})
	cutoff := at.Add(-historyRetention)
	i := 0
	for i < len(h) && h[i].at.Before(cutoff) {
		i++
	}
	s.history[tokenID] = h[i:]
}

// seedHistory loads hourly venue history once an hour per token.
func (s *MarketMaking) seedHistory(ctx context.Context, tokenID string, now time.Time) {
	s.histMu.Lock()
	last, ok := s.seeded[tokenID]
	s.histMu.Unlock()
	if ok && now.Sub(last) < historyRefresh {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, s.CallTimeout)
	defer cancel()
	points, err := s.Venue.GetPriceHistory(callCtx, tokenID, "1m", 60)
	s.histMu.Lock()
	s.seeded[tokenID] = now
	s.histMu.Unlock()
	if err != nil {
		s.logger.Debug("price history unavailable", zap.String("token_id", tokenID), zap.Error(err))
		return
	}
	s.histMu.Lock()
	merged := make([]pricePoint, 0, len(points)+len(s.history[tokenID]))
	var newest time.Time
	for _, p := range points {
		merged = append(merged, pricePoint{at: p.TS, price: p.Price})
		if p.TS.After(newest) {
			newest = p.TS
		}
	}
	for _, p := range s.history[tokenID] {
		if p.at.After(newest) {
			merged = append(merged, p)
		}
	}
	s.history[tokenID] = merged
	s.histMu.Unlock()
}

// Volatility is the sample standard deviation of prices within lookback.
func (s *MarketMaking) Volatility(tokenID string, lookback time.Duration, now time.Time) (float64, bool) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	cutoff := now.Add(-lookback)
	var vals []float64
	for _, p := range s.history[tokenID] {
		if !p.at.Before(cutoff) {
			vals = append(vals, p.price.InexactFloat64())
		}
	}
	if len(vals) < minVolatilitySamples {
		return 0, false
	}
	return stdev(vals), true
}

func stdev(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	ss := 0.0
	for _, v := range vals {
		ss += (v - mean) * (v - mean)
	}
	return math.Sqrt(ss / float64(len(vals)-1))
}

// Suitable reports whether mean volatility over the lookbacks that have
// enough samples stays under the configured ceiling.
func (s *MarketMaking) Suitable(tokenID string, now time.Time) bool {
	sum := 0.0
	n := 0
	for _, h := range s.Config.VolatilityLookbackHours {
		v, ok := s.Volatility(tokenID, time.Duration(h)*time.Hour, now)
		if !ok {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return false
	}
	limit := s.Config.MaxVolatility
	if limit <= 0 {
		limit = 0.05
	}
	return sum/float64(n) < limit
}

func (s *MarketMaking) Analyze(ctx context.Context) (*Opportunity, error) {
	limit := s.Config.MaxMarkets
	if limit <= 0 {
		limit = 20
	}
	markets, err := s.MarketList(ctx, false, limit)
	if err != nil {
		return nil, err
	}
	minSpread := decimal.NewFromFloat(s.Config.MinSpread)

	var best *quote
	for _, m := range markets {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		token := m.Tokens[0]
		q, ok := s.quote(ctx, m, token)
		if !ok {
			continue
		}
		if q.spread.LessThan(minSpread) {
			continue
		}
		if best == nil || q.spread.GreaterThan(best.spread) {
			best = q
		}
	}
	if best == nil {
		return nil, nil
	}
	s.logger.Info("market making opportunity",
		zap.String("market_id", best.market.ConditionID),
		zap.String("mid", best.mid.StringFixed(3)),
		zap.String("spread_pct", best.spread.Mul(decimal.NewFromInt(100)).StringFixed(2)),
	)
	return &Opportunity{
		Kind:       KindMarketMaking,
		MarketID:   best.market.ConditionID,
		Question:   best.market.Question,
		Edge:       best.spread,
		Confidence: decimal.NewFromInt(1),
		Score:      best.spread,
		Legs: []Leg{{
			MarketID: best.market.ConditionID,
			TokenID:  best.token.TokenID,
			Outcome:  best.token.Outcome,
			Question: best.market.Question,
			Side:     models.DirectionBuy,
			Price:    best.mid.Mul(mmBidFactor),
			Limit:    true,
		}},
		Metadata: map[string]any{
			"side":          "bid",
			"mid":           best.mid.InexactFloat64(),
			"target_spread": best.spread.InexactFloat64(),
		},
	}, nil
}

func (s *MarketMaking) quote(ctx context.Context, m clob.Market, token clob.Token) (*quote, bool) {
	callCtx, cancel := context.WithTimeout(ctx, s.CallTimeout)
	book, err := s.Venue.GetOrderBook(callCtx, token.TokenID)
	cancel()
	if err != nil {
		s.logger.Debug("order book unavailable", zap.String("token_id", token.TokenID), zap.Error(err))
		return nil, false
	}
	mid, ok := s.Mark(ctx, token.TokenID)
	if !ok || !mid.IsPositive() {
		return nil, false
	}
	now := s.now()
	s.seedHistory(ctx, token.TokenID, now)
	s.Record(token.TokenID, mid, now)
	if !s.Suitable(token.TokenID, now) {
		return nil, false
	}
	bid, okBid := book.BestBid()
	ask, okAsk := book.BestAsk()
	if !okBid || !okAsk {
		return nil, false
	}
	return &quote{
		market: m,
		token:  token,
		mid:    mid,
		bid:    bid,
		ask:    ask,
		spread: ask.Sub(bid).Div(mid),
	}, true
}

// Execute rests a bid at mid*0.99 tracked as the position and, when live, an
// untracked ask at mid*1.01.
func (s *MarketMaking) Execute(ctx context.Context, opp *Opportunity) ([]*models.Position, error) {
	if opp == nil || len(opp.Legs) != 1 {
		return nil, nil
	}
	size := decimal.NewFromFloat(s.Config.OrderSizeUSD)
	if !size.IsPositive() {
		return nil, fmt.Errorf("%w: order size not configured", ErrRejected)
	}
	expiry := s.Config.OrderExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	expiresAt := s.now().Add(expiry)
	opp.Legs[0].SizeUSD = size
	opp.Metadata["expires_at"] = expiresAt

	positions, err := s.Open(ctx, opp)
	if err != nil || len(positions) == 0 || s.Mode != ModeLive {
		return positions, err
	}

	mid, _ := opp.Metadata["mid"].(float64)
	ask := decimal.NewFromFloat(mid).Mul(mmAskFactor)
	if !ask.IsPositive() || ask.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return positions, nil
	}
	qty := size.Div(ask).RoundDown(SizeDecimals)
	callCtx, cancel := context.WithTimeout(ctx, s.CallTimeout)
	defer cancel()
	order, err := s.Venue.CreateLimitOrder(callCtx, clob.LimitOrderRequest{
		TokenID:    opp.Legs[0].TokenID,
		Side:       "SELL",
		Price:      ask,
		Size:       qty,
		Expiration: expiresAt,
	})
	if err != nil {
		s.warn("ask order failed", err)
		return positions, nil
	}
	s.recordOrder(positions[0], order, "SELL", "limit", ask, qty, &expiresAt)
	return positions, nil
}

func (s *MarketMaking) MonitorPositions(ctx context.Context) error {
	for _, p := range s.OpenPositions() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		price, ok := s.Mark(ctx, p.TokenID)
		if !ok {
			continue
		}
		reason := ""
		switch {
		case Settled(price):
			reason = ReasonSettlement
		case p.Direction == models.DirectionBuy && price.LessThan(p.EntryPrice.Mul(mmStop)):
			reason = "adverse move"
		}
		if reason == "" {
			continue
		}
		if _, err := s.ClosePosition(ctx, p, price, reason); err != nil {
			s.warn("close position failed", err)
		}
	}
	return nil
}
