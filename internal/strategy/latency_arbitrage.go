package strategy

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"polybot/internal/client/polymarket/clob"
	"polybot/internal/config"
	"polybot/internal/models"
)

var (
	reFifteenMinute = regexp.MustCompile(`(?i)15\s*-?\s*min`)

	latencyFairValue = decimal.RequireFromString("0.85")
	latencyMaxEntry  = decimal.RequireFromString("0.6")
	latencyTP        = decimal.RequireFromString("1.5")
	latencySL        = decimal.RequireFromString("0.8")
)

// assetPatterns maps a market key prefix to its spot symbol and question regex.
var assetPatterns = map[string]struct {
	symbol string
	re     *regexp.Regexp
}{
	"BTC": {"BTCUSDT", regexp.MustCompile(`(?i)\b(btc|bitcoin)\b`)},
	"ETH": {"ETHUSDT", regexp.MustCompile(`(?i)\b(eth|ethereum)\b`)},
	"SOL": {"SOLUSDT", regexp.MustCompile(`(?i)\b(sol|solana)\b`)},
}

// LatencyArbitrage buys the lagging side of crypto 15-minute up/down markets
// after a sharp spot move the venue has not priced in yet.
type LatencyArbitrage struct {
	Base
	Config config.LatencyArbitrageConfig
	Feed   PriceFeed
}

type momentum struct {
	Symbol     string
	Start      decimal.Decimal
	End        decimal.Decimal
	PctChange  decimal.Decimal
	Up         bool
	Confidence decimal.Decimal
}

func NewLatencyArbitrage(cfg config.LatencyArbitrageConfig, feed PriceFeed, deps Deps) *LatencyArbitrage {
	s := &LatencyArbitrage{Config: cfg, Feed: feed}
	s.init(config.StrategyLatencyArbitrage, cfg.Interval, deps)
	return s
}

func (s *LatencyArbitrage) Run(ctx context.Context) error { return s.RunLoop(ctx, s) }

// Momentum measures the move of symbol across the configured window of feed
// history. It needs at least two ticks inside the window.
func (s *LatencyArbitrage) Momentum(symbol string, now time.Time) (momentum, bool) {
	if s.Feed == nil {
		return momentum{}, false
	}
	window := s.Config.MomentumWindow
	if window <= 0 {
		window = time.Minute
	}
	cutoff := now.Add(-window)
	var first, last decimal.Decimal
	n := 0
	for _, t := range s.Feed.PriceHistory(symbol) {
		if t.At.Before(cutoff) {
			continue
		}
		if n == 0 {
			first = t.Price
		}
		last = t.Price
		n++
	}
	if n < 2 || !first.IsPositive() {
		return momentum{}, false
	}
	pct := last.Sub(first).Div(first).Mul(decimal.NewFromInt(100))
	conf := decimal.Min(pct.Abs().Div(decimal.NewFromInt(5)), decimal.NewFromInt(1))
	return momentum{
		Symbol:     symbol,
		Start:      first,
		End:        last,
		PctChange:  pct.Abs(),
		Up:         pct.IsPositive(),
		Confidence: conf,
	}, true
}

// marketsByKey finds one open 15-minute market per configured key.
func (s *LatencyArbitrage) marketsByKey(ctx context.Context) (map[string]clob.Market, error) {
	markets, err := s.MarketList(ctx, true, 0)
	if err != nil {
		return nil, err
	}
	out := map[string]clob.Market{}
	for _, key := range s.Config.Markets {
		asset := strings.ToUpper(strings.SplitN(key, "_", 2)[0])
		pat, ok := assetPatterns[asset]
		if !ok {
			continue
		}
		for _, m := range markets {
			if reFifteenMinute.MatchString(m.Question) && pat.re.MatchString(m.Question) {
				out[key] = m
				break
			}
		}
	}
	return out, nil
}

// upDownTokens picks the UP (or YES) and DOWN (or NO) tokens.
func upDownTokens(m clob.Market) (up, down clob.Token, ok bool) {
	var foundUp, foundDown bool
	for _, t := range m.Tokens {
		o := strings.ToUpper(t.Outcome)
		switch {
		case !foundUp && (strings.Contains(o, "UP") || strings.Contains(o, "YES")):
			up, foundUp = t, true
		case !foundDown && (strings.Contains(o, "DOWN") || strings.Contains(o, "NO")):
			down, foundDown = t, true
		}
	}
	return up, down, foundUp && foundDown
}

func (s *LatencyArbitrage) Analyze(ctx context.Context) (*Opportunity, error) {
	markets, err := s.marketsByKey(ctx)
	if err != nil {
		return nil, err
	}
	if len(markets) == 0 {
		return nil, nil
	}
	minMove := decimal.NewFromFloat(s.Config.MinMovePct)
	minEdge := decimal.NewFromFloat(s.Config.MinEdge)
	quoteTimeout := s.CallTimeout
	if s.Config.MaxLatencyMs > 0 {
		quoteTimeout = time.Duration(s.Config.MaxLatencyMs) * time.Millisecond
	}
	now := s.now()

	var best *Opportunity
	for _, key := range s.Config.Markets {
		m, ok := markets[key]
		if !ok {
			continue
		}
		asset := strings.ToUpper(strings.SplitN(key, "_", 2)[0])
		mom, ok := s.Momentum(assetPatterns[asset].symbol, now)
		if !ok || mom.PctChange.LessThan(minMove) {
			continue
		}
		up, down, ok := upDownTokens(m)
		if !ok {
			continue
		}
		target := down
		direction := "DOWN"
		if mom.Up {
			target = up
			direction = "UP"
		}
		price, ok := s.markWithin(ctx, target.TokenID, quoteTimeout)
		if !ok || !price.IsPositive() || !price.LessThan(latencyMaxEntry) {
			continue
		}
		edge := latencyFairValue.Sub(price)
		if edge.LessThan(minEdge) {
			continue
		}
		s.logger.Info("latency opportunity",
			zap.String("market", key),
			zap.String("direction", direction),
			zap.String("move_pct", mom.PctChange.StringFixed(2)),
			zap.String("price", price.StringFixed(3)),
			zap.String("edge", edge.StringFixed(3)),
		)
		if best != nil && !edge.GreaterThan(best.Edge) {
			continue
		}
		best = &Opportunity{
			Kind:       KindMomentum,
			MarketID:   m.ConditionID,
			Question:   m.Question,
			Edge:       edge,
			Confidence: mom.Confidence,
			Score:      edge,
			Legs: []Leg{{
				MarketID: m.ConditionID,
				TokenID:  target.TokenID,
				Outcome:  target.Outcome,
				Question: m.Question,
				Side:     models.DirectionBuy,
				Price:    price,
			}},
			Metadata: map[string]any{
				"market_key": key,
				"symbol":     mom.Symbol,
				"direction":  direction,
				"move_pct":   mom.PctChange.InexactFloat64(),
			},
		}
	}
	return best, nil
}

func (s *LatencyArbitrage) Execute(ctx context.Context, opp *Opportunity) ([]*models.Position, error) {
	if opp == nil || len(opp.Legs) != 1 {
		return nil, nil
	}
	size := s.SizeFor(opp.Edge)
	if !size.IsPositive() {
		return nil, fmt.Errorf("%w: no balance to size position", ErrRejected)
	}
	opp.Legs[0].SizeUSD = size
	return s.Open(ctx, opp)
}

func (s *LatencyArbitrage) MonitorPositions(ctx context.Context) error {
	maxHold := s.Config.MaxHold
	if maxHold <= 0 {
		maxHold = 14 * time.Minute
	}
	for _, p := range s.OpenPositions() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		price, ok := s.Mark(ctx, p.TokenID)
		if !ok {
			continue
		}
		reason := latencyExitReason(p, price, s.now(), maxHold)
		if reason == "" {
			continue
		}
		if _, err := s.ClosePosition(ctx, p, price, reason); err != nil {
			s.warn("close position failed", err)
		}
	}
	return nil
}

func latencyExitReason(p *models.Position, price decimal.Decimal, now time.Time, maxHold time.Duration) string {
	switch {
	case Settled(price):
		return ReasonSettlement
	case price.GreaterThan(p.EntryPrice.Mul(latencyTP)):
		return "take profit"
	case price.LessThan(p.EntryPrice.Mul(latencySL)):
		return "stop loss"
	case p.Age(now) > maxHold:
		return "market closing soon"
	}
	return ""
}
