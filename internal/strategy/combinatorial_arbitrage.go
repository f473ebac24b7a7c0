package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"polybot/internal/client/polymarket/clob"
	"polybot/internal/config"
	"polybot/internal/labeler"
	"polybot/internal/models"
)

const combosPerTopic = 10

// CombinatorialArbitrage looks for groups of related markets whose YES
// prices sum to less than one and buys every leg of the cheapest group.
type CombinatorialArbitrage struct {
	Base
	Config  config.CombinatorialArbitrageConfig
	Labeler *labeler.MarketLabeler

	comboMu  sync.Mutex
	reported map[string]bool
}

func NewCombinatorialArbitrage(cfg config.CombinatorialArbitrageConfig, lab *labeler.MarketLabeler, deps Deps) *CombinatorialArbitrage {
	if lab == nil {
		lab = &labeler.MarketLabeler{Logger: deps.Logger}
	}
	s := &CombinatorialArbitrage{Config: cfg, Labeler: lab, reported: map[string]bool{}}
	s.init(config.StrategyCombinatorialArbitrage, cfg.Interval, deps)
	return s
}

func (s *CombinatorialArbitrage) Run(ctx context.Context) error { return s.RunLoop(ctx, s) }

type pricedMarket struct {
	market clob.Market
	yes    clob.Token
	prob   decimal.Decimal
}

// combinations returns every index set of size k..max over n items, in
// lexicographic order.
func combinations(n, minSize, maxSize int) [][]int {
	var out [][]int
	var walk func(start int, cur []int)
	walk = func(start int, cur []int) {
		if len(cur) >= minSize {
			out = append(out, append([]int(nil), cur...))
		}
		if len(cur) == maxSize {
			return
		}
		for i := start; i < n; i++ {
			walk(i+1, append(cur, i))
		}
	}
	walk(0, nil)
	return out
}

func (s *CombinatorialArbitrage) Analyze(ctx context.Context) (*Opportunity, error) {
	markets, err := s.MarketList(ctx, true, 0)
	if err != nil {
		return nil, err
	}
	perTopic := s.Config.MaxMarketsPerTopic
	if perTopic <= 0 || perTopic > combosPerTopic {
		perTopic = combosPerTopic
	}
	groups := s.Labeler.Group(markets, perTopic)
	minEdge := decimal.NewFromFloat(s.Config.MinEdge)
	maxSize := s.Config.MaxMarketsPerCombo
	if maxSize < 2 {
		maxSize = 2
	}
	one := decimal.NewFromInt(1)

	var (
		best      *Opportunity
		bestDev   decimal.Decimal
		bestTopic string
	)
	for _, topic := range labeler.Topics(groups) {
		priced := make([]pricedMarket, 0, len(groups[topic]))
		for _, m := range groups[topic] {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			yes := m.Tokens[0]
			prob, ok := s.Mark(ctx, yes.TokenID)
			if !ok || !prob.IsPositive() {
				continue
			}
			priced = append(priced, pricedMarket{market: m, yes: yes, prob: prob})
		}
		if len(priced) < 2 {
			continue
		}
		for _, idx := range combinations(len(priced), 2, min(maxSize, len(priced))) {
			sum := decimal.Zero
			for _, i := range idx {
				sum = sum.Add(priced[i].prob)
			}
			dev := one.Sub(sum).Abs()
			if !dev.GreaterThan(minEdge) || !sum.LessThan(one) {
				continue
			}
			if best != nil && !dev.GreaterThan(bestDev) {
				continue
			}
			legs := make([]Leg, 0, len(idx))
			questions := make([]string, 0, len(idx))
			for _, i := range idx {
				pm := priced[i]
				legs = append(legs, Leg{
					MarketID: pm.market.ConditionID,
					TokenID:  pm.yes.TokenID,
					Outcome:  pm.yes.Outcome,
					Question: pm.market.Question,
					Side:     models.DirectionBuy,
					Price:    pm.prob,
				})
				questions = append(questions, pm.market.Question)
			}
			bestDev = dev
			bestTopic = topic
			best = &Opportunity{
				Kind:       KindCombo,
				Question:   strings.Join(questions, " | "),
				Edge:       dev,
				Confidence: one,
				Score:      dev,
				Legs:       legs,
				Metadata: map[string]any{
					"topic":     topic,
					"price_sum": sum.InexactFloat64(),
				},
			}
		}
	}
	if best != nil {
		s.logger.Info("combo opportunity",
			zap.String("topic", bestTopic),
			zap.Int("legs", len(best.Legs)),
			zap.String("deviation", bestDev.StringFixed(4)),
		)
	}
	return best, nil
}

// Execute spreads the sized capital across legs in proportion to each leg's
// probability, so every leg buys the same share count.
func (s *CombinatorialArbitrage) Execute(ctx context.Context, opp *Opportunity) ([]*models.Position, error) {
	if opp == nil || len(opp.Legs) < 2 {
		return nil, nil
	}
	total := s.SizeFor(opp.Edge)
	if !total.IsPositive() {
		return nil, fmt.Errorf("%w: no balance to size position", ErrRejected)
	}
	sum := decimal.Zero
	for _, l := range opp.Legs {
		sum = sum.Add(l.Price)
	}
	if !sum.IsPositive() {
		return nil, nil
	}
	for i := range opp.Legs {
		opp.Legs[i].SizeUSD = total.Mul(opp.Legs[i].Price).Div(sum)
	}
	return s.Open(ctx, opp)
}

// MonitorPositions closes legs only once their market settles.
func (s *CombinatorialArbitrage) MonitorPositions(ctx context.Context) error {
	for _, p := range s.OpenPositions() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		price, ok := s.Mark(ctx, p.TokenID)
		if !ok || !Settled(price) {
			continue
		}
		if _, err := s.ClosePosition(ctx, p, price, ReasonSettlement); err != nil {
			s.warn("close position failed", err)
		}
	}
	s.reportCombos()
	return nil
}

// ResolvedCombos returns combo ids whose legs have all closed.
func (s *CombinatorialArbitrage) ResolvedCombos() []string {
	s.comboMu.Lock()
	defer s.comboMu.Unlock()
	out := make([]string, 0, len(s.reported))
	for id := range s.reported {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *CombinatorialArbitrage) reportCombos() {
	type combo struct {
		legs  int
		open  int
		pnl   decimal.Decimal
		topic string
	}
	combos := map[string]*combo{}
	for _, p := range s.Positions() {
		p := p // per-iteration copy (Go 1.22+ loop semantics on go1.21)
		id := p.MetaString(metaComboID)
		if id == "" {
			continue
		}
		c := combos[id]
		if c == nil {
			c = &combo{topic: p.MetaString("topic")}
			combos[id] = c
		}
		c.legs++
		if p.IsOpen() {
			c.open++
		} else {
			c.pnl = c.pnl.Add(p.RealizedPnL)
		}
	}
	s.comboMu.Lock()
	defer s.comboMu.Unlock()
	for id, c := range combos {
		if c.open > 0 || s.reported[id] {
			continue
		}
		s.reported[id] = true
		s.logger.Info("combo resolved",
			zap.String("combo_id", id),
			zap.String("topic", c.topic),
			zap.Int("legs", c.legs),
			zap.String("pnl", c.pnl.StringFixed(2)),
		)
	}
}
