package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"polybot/internal/client/polymarket/clob"
	"polybot/internal/models"
	"polybot/internal/repository"
	"polybot/internal/risk"
	"polybot/internal/simulator"
)

type Mode string

const (
	ModeTesting Mode = "testing"
	ModeLive    Mode = "live"
	ModeDryRun  Mode = "dry_run"
)

const (
	defaultCallTimeout = 10 * time.Second
	marketsTTL         = time.Minute
	maxMarketPages     = 5

	metaSimTradeID = "sim_trade_id"
	metaOrderID    = "order_id"
	metaOrderType  = "order_type"
	metaComboID    = "combo_id"
	metaKind       = "type"

	ReasonSettlement = "market resolved"
)

// Deps carries the shared collaborators every strategy is built with.
type Deps struct {
	Venue     Venue
	Governor  *risk.Governor
	Simulator *simulator.Simulator
	Repo      repository.Repository
	Logger    *zap.Logger
	Mode      Mode
	// Balance returns the orchestrator's latest account balance snapshot.
	Balance     func() decimal.Decimal
	TakerFee    decimal.Decimal
	MaxSlippage decimal.Decimal
	CallTimeout time.Duration
	Now         func() time.Time
}

// cycle is what a concrete strategy plugs into the shared loop.
type cycle interface {
	Analyze(ctx context.Context) (*Opportunity, error)
	Execute(ctx context.Context, opp *Opportunity) ([]*models.Position, error)
	MonitorPositions(ctx context.Context) error
}

// Base holds the state every strategy shares: its own positions, the folded
// performance and the execution path for the configured mode.
type Base struct {
	Deps
	name     string
	interval time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	positions []*models.Position
	perf      models.StrategyPerformance
	lastErr   string

	running    atomic.Bool
	iterations atomic.Uint64
	found      atomic.Uint64
	taken      atomic.Uint64

	marketsMu      sync.Mutex
	markets        []clob.Market
	marketsFull    bool
	marketsFetched time.Time
}

func (b *Base) init(name string, interval time.Duration, deps Deps) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.CallTimeout <= 0 {
		deps.CallTimeout = defaultCallTimeout
	}
	if deps.Mode == "" {
		deps.Mode = ModeDryRun
	}
	b.Deps = deps
	b.name = name
	b.interval = interval
	b.logger = logger.Named(name)
	b.perf = models.StrategyPerformance{StrategyName: name}
}

func (b *Base) Name() string { return b.name }

func (b *Base) Running() bool { return b.running.Load() }

// RunLoop drives analyze -> execute -> monitor every interval until ctx is
// cancelled. A failed or panicking iteration never ends the loop.
func (b *Base) RunLoop(ctx context.Context, c cycle) error {
	interval := b.interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	b.running.Store(true)
	defer b.running.Store(false)
	b.logger.Info("strategy started", zap.Duration("interval", interval), zap.String("mode", string(b.Mode)))
	defer b.logger.Info("strategy stopped")

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		b.iterate(ctx, c)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (b *Base) iterate(ctx context.Context, c cycle) {
	defer func() {
		if r := recover(); r != nil {
			b.setErr(fmt.Errorf("panic: %v", r))
			b.logger.Error("strategy iteration panic", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	if ctx.Err() != nil {
		return
	}
	b.iterations.Add(1)

	opp, err := c.Analyze(ctx)
	if err != nil {
		b.warn("analyze failed", err)
	}
	if opp != nil && ctx.Err() == nil {
		b.found.Add(1)
		if _, err := c.Execute(ctx, opp); err != nil {
			if errors.Is(err, ErrRejected) {
				b.logger.Info("opportunity rejected", zap.String("kind", opp.Kind), zap.String("reason", err.Error()))
			} else {
				b.warn("execute failed", err)
			}
		}
	}
	if ctx.Err() != nil {
		return
	}
	if err := c.MonitorPositions(ctx); err != nil {
		b.warn("monitor failed", err)
	}
}

func (b *Base) warn(msg string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	b.setErr(err)
	b.logger.Warn(msg, zap.Error(err))
}

func (b *Base) setErr(err error) {
	b.mu.Lock()
	b.lastErr = err.Error()
	b.mu.Unlock()
}

// Open admits the opportunity's legs as one unit and performs the order-
// equivalent action for each. Any failure releases the whole admission.
func (b *Base) Open(ctx context.Context, opp *Opportunity) ([]*models.Position, error) {
	if opp == nil || len(opp.Legs) == 0 {
		return nil, nil
	}
	now := b.now()
	comboID := ""
	if len(opp.Legs) > 1 {
		comboID = fmt.Sprintf("%s_combo_%d", b.name, now.UnixMilli())
	}

	legs := make([]*models.Position, 0, len(opp.Legs))
	total := decimal.Zero
	for _, leg := range opp.Legs {
		qty := leg.Quantity()
		if !qty.IsPositive() {
			return nil, fmt.Errorf("%s: invalid leg token=%s price=%s size=%s", b.name, leg.TokenID, leg.Price, leg.SizeUSD)
		}
		meta := map[string]any{
			metaKind:  opp.Kind,
			"outcome": leg.Outcome,
			"edge":    opp.Edge.InexactFloat64(),
		}
		for k, v := range opp.Metadata {
			meta[k] = v
		}
		if comboID != "" {
			meta[metaComboID] = comboID
		}
		if leg.Limit {
			meta[metaOrderType] = "limit"
		}
		cost := qty.Mul(leg.Price)
		fee := cost.Mul(b.TakerFee)
		legs = append(legs, models.NewPosition(b.name, leg.MarketID, leg.TokenID, leg.Side, leg.Price, qty, fee, meta, now))
		total = total.Add(cost)
	}

	if b.Mode == ModeDryRun {
		ok, reason := b.Governor.Evaluate(total, b.Governor.OpenPositions())
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrRejected, reason)
		}
		for _, leg := range opp.Legs {
			b.logger.Info("dry run: order not submitted",
				zap.String("kind", opp.Kind),
				zap.String("token_id", leg.TokenID),
				zap.String("side", string(leg.Side)),
				zap.String("price", leg.Price.StringFixed(3)),
				zap.String("size_usd", leg.Cost().StringFixed(2)),
			)
		}
		return nil, nil
	}

	if ok, reason := b.Governor.AdmitAll(legs); !ok {
		return nil, fmt.Errorf("%w: %s", ErrRejected, reason)
	}
	for i, p := range legs {
		var err error
		if b.Mode == ModeTesting {
			err = b.logSimulated(opp, opp.Legs[i], p)
		} else {
			err = b.placeLive(ctx, opp.Legs[i], p)
		}
		if err != nil {
			b.abandon(legs[:i], err)
			ids := make([]string, 0, len(legs))
			for _, l := range legs {
				ids = append(ids, l.ID)
			}
			b.Governor.Release(ids...)
			return nil, err
		}
	}

	b.mu.Lock()
	b.positions = append(b.positions, legs...)
	b.mu.Unlock()
	b.taken.Add(1)
	for _, p := range legs {
		b.persistPosition(p)
		b.logger.Info("position opened",
			zap.String("position_id", p.ID),
			zap.String("kind", opp.Kind),
			zap.String("market_id", p.MarketID),
			zap.String("price", p.EntryPrice.StringFixed(3)),
			zap.String("cost", p.CostBasis.StringFixed(2)),
			zap.String("edge", opp.Edge.StringFixed(4)),
		)
	}
	return legs, nil
}

// abandon cancels the paper trades already logged for legs that will not
// become positions.
func (b *Base) abandon(done []*models.Position, cause error) {
	if b.Simulator == nil {
		return
	}
	for _, p := range done {
		id := p.MetaString(metaSimTradeID)
		if id == "" {
			continue
		}
		if _, err := b.Simulator.Cancel(id, "leg_failed"); err != nil {
			b.logger.Warn("cancel simulated leg failed", zap.String("trade_id", id), zap.Error(err))
			continue
		}
		b.logger.Info("simulated leg cancelled", zap.String("trade_id", id), zap.NamedError("cause", cause))
	}
}

func (b *Base) logSimulated(opp *Opportunity, leg Leg, p *models.Position) error {
	if b.Simulator == nil {
		return errors.New("testing mode without simulator")
	}
	question := leg.Question
	if question == "" {
		question = opp.Question
	}
	side := simulator.SideBuy
	if leg.Side == models.DirectionSell {
		side = simulator.SideSell
	}
	trade, err := b.Simulator.LogTrade(simulator.TradeInput{
		Strategy:       b.name,
		MarketID:       leg.MarketID,
		TokenID:        leg.TokenID,
		Side:           side,
		EntryPrice:     leg.Price,
		Quantity:       p.Quantity,
		MarketQuestion: question,
		Outcome:        leg.Outcome,
		Edge:           opp.Edge,
		Confidence:     opp.Confidence,
		Metadata:       p.Metadata,
	})
	if err != nil {
		return err
	}
	p.Metadata[metaSimTradeID] = trade.TradeID
	return nil
}

func (b *Base) placeLive(ctx context.Context, leg Leg, p *models.Position) error {
	if b.Venue == nil {
		return errors.New("live mode without venue")
	}
	callCtx, cancel := context.WithTimeout(ctx, b.CallTimeout)
	defer cancel()

	side := strings.ToUpper(string(leg.Side))
	var (
		order     *clob.TradingOrder
		err       error
		orderType = "market"
		expires   *time.Time
	)
	if leg.Limit {
		orderType = "limit"
		exp := time.Time{}
		if v, ok := p.Metadata["expires_at"].(time.Time); ok {
			exp = v
			expires = &v
		}
		order, err = b.Venue.CreateLimitOrder(callCtx, clob.LimitOrderRequest{
			TokenID:    leg.TokenID,
			Side:       side,
			Price:      leg.Price,
			Size:       p.Quantity,
			Expiration: exp,
		})
	} else {
		order, err = b.Venue.CreateMarketOrder(callCtx, clob.MarketOrderRequest{
			TokenID: leg.TokenID,
			Side:    side,
			Amount:  p.CostBasis,
			Price:   b.worstPrice(leg.Price, leg.Side),
		})
	}
	if err != nil {
		return fmt.Errorf("%s: place order token=%s: %w", b.name, leg.TokenID, err)
	}
	p.Metadata[metaOrderID] = order.OrderID
	b.recordOrder(p, order, side, orderType, p.EntryPrice, p.Quantity, expires)
	return nil
}

// worstPrice widens the quoted price by the configured slippage.
func (b *Base) worstPrice(price decimal.Decimal, side models.Direction) decimal.Decimal {
	if !b.MaxSlippage.IsPositive() {
		return price
	}
	one := decimal.NewFromInt(1)
	if side == models.DirectionSell {
		return price.Mul(one.Sub(b.MaxSlippage))
	}
	return decimal.Min(price.Mul(one.Add(b.MaxSlippage)), one)
}

func (b *Base) recordOrder(p *models.Position, order *clob.TradingOrder, side, orderType string, price, qty decimal.Decimal, expires *time.Time) {
	if b.Repo == nil || order == nil {
		return
	}
	item := &models.Order{
		ClobOrderID:  order.OrderID,
		PositionID:   p.ID,
		StrategyName: b.name,
		TokenID:      p.TokenID,
		Side:         side,
		OrderType:    orderType,
		Price:        price,
		Quantity:     qty,
		Status:       order.Status,
		ExpiresAt:    expires,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Repo.InsertOrder(ctx, item); err != nil {
		b.logger.Warn("persist order failed", zap.String("order_id", order.OrderID), zap.Error(err))
	}
}

// ClosePosition exits p at price. In live mode the exit order must succeed
// before the position is closed; settlement exits need no order.
func (b *Base) ClosePosition(ctx context.Context, p *models.Position, price decimal.Decimal, reason string) (bool, error) {
	if p == nil || !p.IsOpen() {
		return false, nil
	}
	exitFee := decimal.Zero
	if reason != ReasonSettlement {
		exitFee = price.Mul(p.Quantity).Mul(b.TakerFee)
	}
	if b.Mode == ModeLive {
		if err := b.exitLive(ctx, p, price, reason); err != nil {
			return false, err
		}
	}

	b.mu.Lock()
	closed := p.Close(price, b.now(), exitFee)
	if closed {
		b.perf.Fold(p)
	}
	perf := b.perf
	b.mu.Unlock()
	if !closed {
		return false, nil
	}

	b.Governor.Close(p)
	if b.Mode == ModeTesting && b.Simulator != nil {
		if id := p.MetaString(metaSimTradeID); id != "" {
			if _, err := b.Simulator.UpdateExit(id, price, reason); err != nil &&
				!errors.Is(err, simulator.ErrInvalidTransition) && !errors.Is(err, simulator.ErrAlreadyResolved) {
				b.logger.Warn("simulated exit failed", zap.String("trade_id", id), zap.Error(err))
			}
		}
	}
	b.persistPosition(p)
	b.persistPerformance(perf)
	b.logger.Info("position closed",
		zap.String("position_id", p.ID),
		zap.String("reason", reason),
		zap.String("exit_price", price.StringFixed(3)),
		zap.String("pnl", p.RealizedPnL.StringFixed(2)),
		zap.String("roi_pct", p.ROIPct.StringFixed(2)),
	)
	return true, nil
}

func (b *Base) exitLive(ctx context.Context, p *models.Position, price decimal.Decimal, reason string) error {
	if b.Venue == nil {
		return errors.New("live mode without venue")
	}
	callCtx, cancel := context.WithTimeout(ctx, b.CallTimeout)
	defer cancel()
	if p.MetaString(metaOrderType) == "limit" {
		if id := p.MetaString(metaOrderID); id != "" {
			if err := b.Venue.CancelOrder(callCtx, id); err != nil {
				b.logger.Warn("cancel resting order failed", zap.String("order_id", id), zap.Error(err))
			}
		}
	}
	if reason == ReasonSettlement {
		return nil
	}
	side := "SELL"
	dir := models.DirectionSell
	if p.Direction == models.DirectionSell {
		side = "BUY"
		dir = models.DirectionBuy
	}
	order, err := b.Venue.CreateMarketOrder(callCtx, clob.MarketOrderRequest{
		TokenID: p.TokenID,
		Side:    side,
		Amount:  p.Quantity,
		Price:   b.worstPrice(price, dir),
	})
	if err != nil {
		return fmt.Errorf("%s: exit order position=%s: %w", b.name, p.ID, err)
	}
	b.recordOrder(p, order, side, "market", price, p.Quantity, nil)
	return nil
}

// Mark fetches the current midpoint for tokenID. Failures are "no data".
func (b *Base) Mark(ctx context.Context, tokenID string) (decimal.Decimal, bool) {
	return b.markWithin(ctx, tokenID, b.CallTimeout)
}

func (b *Base) markWithin(ctx context.Context, tokenID string, timeout time.Duration) (decimal.Decimal, bool) {
	if b.Venue == nil {
		return decimal.Zero, false
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	mid, err := b.Venue.GetMidpoint(callCtx, tokenID)
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Debug("midpoint unavailable", zap.String("token_id", tokenID), zap.Error(err))
		}
		return decimal.Zero, false
	}
	return mid, true
}

// MarketList returns up to limit markets, cached for a minute. full selects
// /markets, which carries question text, over /simplified-markets.
func (b *Base) MarketList(ctx context.Context, full bool, limit int) ([]clob.Market, error) {
	b.marketsMu.Lock()
	defer b.marketsMu.Unlock()
	now := b.now()
	if b.markets != nil && b.marketsFull == full && now.Sub(b.marketsFetched) < marketsTTL {
		return b.markets, nil
	}
	if b.Venue == nil {
		return nil, errors.New("no venue")
	}
	out := []clob.Market{}
	cursor := ""
	for page := 0; page < maxMarketPages; page++ {
		callCtx, cancel := context.WithTimeout(ctx, b.CallTimeout)
		var (
			res *clob.MarketsPage
			err error
		)
		if full {
			res, err = b.Venue.GetMarkets(callCtx, cursor)
		} else {
			res, err = b.Venue.GetSimplifiedMarkets(callCtx, cursor)
		}
		cancel()
		if err != nil {
			if len(out) > 0 {
				break
			}
			return nil, fmt.Errorf("%s: list markets: %w", b.name, err)
		}
		for _, m := range res.Data {
			if m.Tradable() {
				out = append(out, m)
			}
		}
		if (limit > 0 && len(out) >= limit) || res.NextCursor == "" || res.NextCursor == clob.EndCursor {
			break
		}
		cursor = res.NextCursor
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	b.markets = out
	b.marketsFull = full
	b.marketsFetched = now
	return out, nil
}

// OpenPositions returns this strategy's open positions. The pointers stay
// owned by the strategy goroutine.
func (b *Base) OpenPositions() []*models.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*models.Position, 0, len(b.positions))
	for _, p := range b.positions {
		if p.IsOpen() {
			out = append(out, p)
		}
	}
	return out
}

// Positions returns copies of every position this strategy opened.
func (b *Base) Positions() []models.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

func (b *Base) Performance() models.StrategyPerformance {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.perf
}

func (b *Base) Summary() Summary {
	b.mu.Lock()
	open := 0
	exposure := decimal.Zero
	for _, p := range b.positions {
		if p.IsOpen() {
			open++
			exposure = exposure.Add(p.CostBasis)
		}
	}
	perf := b.perf
	lastErr := b.lastErr
	b.mu.Unlock()
	return Summary{
		Name:               b.name,
		Running:            b.Running(),
		OpenPositions:      open,
		Exposure:           exposure,
		Performance:        perf,
		WinRate:            perf.WinRate(),
		AvgProfit:          perf.AvgProfitPerTrade(),
		Iterations:         b.iterations.Load(),
		OpportunitiesFound: b.found.Load(),
		OpportunitiesTaken: b.taken.Load(),
		LastError:          lastErr,
	}
}

// SizeFor sizes a new position from the latest balance snapshot.
func (b *Base) SizeFor(edge decimal.Decimal) decimal.Decimal {
	balance := decimal.Zero
	if b.Balance != nil {
		balance = b.Balance()
	}
	return b.Governor.SizeFor(balance, edge)
}

func (b *Base) persistPosition(p *models.Position) {
	if b.Repo == nil {
		return
	}
	b.mu.Lock()
	item := p.Clone()
	b.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Repo.UpsertPosition(ctx, &item); err != nil {
		b.logger.Warn("persist position failed", zap.String("position_id", p.ID), zap.Error(err))
	}
}

func (b *Base) persistPerformance(perf models.StrategyPerformance) {
	if b.Repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Repo.UpsertStrategyPerformance(ctx, &perf); err != nil {
		b.logger.Warn("persist performance failed", zap.Error(err))
	}
}

func (b *Base) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}
