package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"polybot/internal/config"
	"polybot/internal/models"
)

const (
	trackWindow  = time.Hour
	avgLookback  = 5 * time.Minute
	metaAvgPrice = "avg_price"
)

var (
	hedgeMaxEntry   = decimal.RequireFromString("0.97")
	hedgeSumCeiling = decimal.RequireFromString("0.98")
	hedgeNormalized = decimal.RequireFromString("0.98")
	hedgeDiscountTP = decimal.RequireFromString("1.2")
	hedgeDiscountSL = decimal.RequireFromString("0.9")
	hedgeSumTP      = decimal.RequireFromString("1.05")
)

type pricePoint struct {
	at    time.Time
	price decimal.Decimal
}

// BinaryHedging watches two-outcome markets for a side trading well below
// its recent average, and for YES+NO quotes summing below one.
type BinaryHedging struct {
	Base
	Config config.BinaryHedgingConfig

	trackMu sync.Mutex
	track   map[string][]pricePoint
}

func NewBinaryHedging(cfg config.BinaryHedgingConfig, deps Deps) *BinaryHedging {
	s := &BinaryHedging{Config: cfg, track: map[string][]pricePoint{}}
	s.init(config.StrategyBinaryHedging, cfg.Interval, deps)
	return s
}

func (s *BinaryHedging) Run(ctx context.Context) error { return s.RunLoop(ctx, s) }

// Track records one observed price and drops points older than an hour.
func (s *BinaryHedging) Track(tokenID string, price decimal.Decimal, at time.Time) {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	h := append(s.track[tokenID], pricePoint{at: at, price: price})
	cutoff := at.Add(-trackWindow)
	i := 0
	for i < len(h) && h[i].at.Before(cutoff) {
		i++
	}
	s.track[tokenID] = h[i:]
}

// Average is the mean tracked price over the lookback ending at now.
func (s *BinaryHedging) Average(tokenID string, lookback time.Duration, now time.Time) (decimal.Decimal, bool) {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	cutoff := now.Add(-lookback)
	sum := decimal.Zero
	n := 0
	for _, p := range s.track[tokenID] {
		if p.at.Before(cutoff) {
			continue
		}
		sum = sum.Add(p.price)
		n++
	}
	if n == 0 {
		return decimal.Zero, false
	}
	return sum.Div(decimal.NewFromInt(int64(n))), true
}

func (s *BinaryHedging) Analyze(ctx context.Context) (*Opportunity, error) {
	if s.Config.MaxPositions > 0 && len(s.OpenPositions()) >= s.Config.MaxPositions {
		return nil, nil
	}
	markets, err := s.MarketList(ctx, false, s.Config.MaxMarkets)
	if err != nil {
		return nil, err
	}
	minDiscount := decimal.NewFromFloat(s.Config.MinDiscount)
	one := decimal.NewFromInt(1)

	var best *Opportunity
	consider := func(o *Opportunity) {
		if best == nil || o.Score.GreaterThan(best.Score) {
			best = o
		}
	}
	for _, m := range markets {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a, b := m.Tokens[0], m.Tokens[1]
		priceA, okA := s.Mark(ctx, a.TokenID)
		priceB, okB := s.Mark(ctx, b.TokenID)
		if !okA || !okB {
			continue
		}
		now := s.now()
		s.Track(a.TokenID, priceA, now)
		s.Track(b.TokenID, priceB, now)

		for _, side := range []struct {
			tokenID, outcome string
			price            decimal.Decimal
		}{{a.TokenID, a.Outcome, priceA}, {b.TokenID, b.Outcome, priceB}} {
			avg, ok := s.Average(side.tokenID, avgLookback, now)
			if !ok || !avg.IsPositive() {
				continue
			}
			discount := avg.Sub(side.price).Div(avg)
			if discount.LessThan(minDiscount) || !side.price.LessThan(hedgeMaxEntry) || !side.price.IsPositive() {
				continue
			}
			consider(&Opportunity{
				Kind:       KindDiscount,
				MarketID:   m.ConditionID,
				Question:   m.Question,
				Edge:       discount,
				Confidence: decimal.Min(discount.Div(minDiscount).Div(decimal.NewFromInt(2)), one),
				Score:      discount,
				Legs: []Leg{{
					MarketID: m.ConditionID,
					TokenID:  side.tokenID,
					Outcome:  side.outcome,
					Question: m.Question,
					Side:     models.DirectionBuy,
					Price:    side.price,
				}},
				Metadata: map[string]any{metaAvgPrice: avg.InexactFloat64()},
			})
		}

		sum := priceA.Add(priceB)
		if sum.LessThan(hedgeSumCeiling) && priceA.IsPositive() && priceB.IsPositive() {
			edge := one.Sub(sum)
			consider(&Opportunity{
				Kind:       KindSumArbitrage,
				MarketID:   m.ConditionID,
				Question:   m.Question,
				Edge:       edge,
				Confidence: one,
				Score:      edge,
				Legs: []Leg{
					{MarketID: m.ConditionID, TokenID: a.TokenID, Outcome: a.Outcome, Question: m.Question, Side: models.DirectionBuy, Price: priceA},
					{MarketID: m.ConditionID, TokenID: b.TokenID, Outcome: b.Outcome, Question: m.Question, Side: models.DirectionBuy, Price: priceB},
				},
				Metadata: map[string]any{"price_sum": sum.InexactFloat64()},
			})
		}
	}
	if best != nil {
		s.logger.Info("binary opportunity",
			zap.String("kind", best.Kind),
			zap.String("market_id", best.MarketID),
			zap.String("edge", best.Edge.StringFixed(4)),
		)
	}
	return best, nil
}

// Execute sizes the position from the balance; sum arbitrage splits that
// size evenly across both legs.
func (s *BinaryHedging) Execute(ctx context.Context, opp *Opportunity) ([]*models.Position, error) {
	if opp == nil || len(opp.Legs) == 0 {
		return nil, nil
	}
	size := s.SizeFor(opp.Edge)
	if !size.IsPositive() {
		return nil, fmt.Errorf("%w: no balance to size position", ErrRejected)
	}
	per := size.Div(decimal.NewFromInt(int64(len(opp.Legs))))
	for i := range opp.Legs {
		opp.Legs[i].SizeUSD = per
	}
	return s.Open(ctx, opp)
}

func (s *BinaryHedging) MonitorPositions(ctx context.Context) error {
	for _, p := range s.OpenPositions() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		price, ok := s.Mark(ctx, p.TokenID)
		if !ok {
			continue
		}
		reason := hedgeExitReason(p, price)
		if reason == "" {
			continue
		}
		if _, err := s.ClosePosition(ctx, p, price, reason); err != nil {
			s.warn("close position failed", err)
		}
	}
	return nil
}

func hedgeExitReason(p *models.Position, price decimal.Decimal) string {
	if Settled(price) {
		return ReasonSettlement
	}
	switch p.MetaString(metaKind) {
	case KindDiscount:
		if avg, ok := p.MetaFloat(metaAvgPrice); ok && avg > 0 &&
			price.GreaterThanOrEqual(decimal.NewFromFloat(avg).Mul(hedgeNormalized)) {
			return "price normalized"
		}
		if price.GreaterThan(p.EntryPrice.Mul(hedgeDiscountTP)) {
			return "take profit"
		}
		if price.LessThan(p.EntryPrice.Mul(hedgeDiscountSL)) {
			return "stop loss"
		}
	case KindSumArbitrage:
		if price.GreaterThan(p.EntryPrice.Mul(hedgeSumTP)) {
			return "take profit"
		}
	}
	return ""
}
