package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"polybot/internal/config"
	"polybot/internal/models"
	"polybot/internal/repository"
)

var (
	ErrAlreadyResolved   = errors.New("simulator: trade already resolved")
	ErrInvalidTransition = errors.New("simulator: invalid trade transition")
	ErrUnknownTrade      = errors.New("simulator: unknown trade")
)

const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

var hundred = decimal.NewFromInt(100)

// Simulator is the paper ledger used in testing mode. Every state change is
// appended to <session>.jsonl before it becomes visible in memory.
type Simulator struct {
	OutputDir string
	SessionID string
	FeeRate   decimal.Decimal
	Repo      repository.Repository
	Logger    *zap.Logger
	Now       func() time.Time

	startedAt time.Time
	seq       atomic.Uint64

	mu     sync.Mutex
	trades []*models.SimulatedTrade
	byID   map[string]*models.SimulatedTrade
	stats  counters

	// version orders transitions for the repository mirror.
	version uint64

	persistMu sync.Mutex
	persisted map[string]uint64
}

type counters struct {
	total     int
	resolved  int
	winning   int
	losing    int
	expired   int
	cancelled int
	totalPnL  decimal.Decimal
}

type Statistics struct {
	SessionID        string          `json:"session_id"`
	TotalTrades      int             `json:"total_trades"`
	PendingTrades    int             `json:"pending_trades"`
	MonitoringTrades int             `json:"monitoring_trades"`
	ResolvedTrades   int             `json:"resolved_trades"`
	ExpiredTrades    int             `json:"expired_trades"`
	CancelledTrades  int             `json:"cancelled_trades"`
	WinningTrades    int             `json:"winning_trades"`
	LosingTrades     int             `json:"losing_trades"`
	WinRate          decimal.Decimal `json:"win_rate"`
	TotalPnL         decimal.Decimal `json:"total_pnl"`
	AvgPnLPerTrade   decimal.Decimal `json:"avg_pnl_per_trade"`
}

// Equal compares every counter; decimals are compared by value.
func (s Statistics) Equal(o Statistics) bool {
	return s.SessionID == o.SessionID &&
		s.TotalTrades == o.TotalTrades &&
		s.PendingTrades == o.PendingTrades &&
		s.MonitoringTrades == o.MonitoringTrades &&
		s.ResolvedTrades == o.ResolvedTrades &&
		s.ExpiredTrades == o.ExpiredTrades &&
		s.CancelledTrades == o.CancelledTrades &&
		s.WinningTrades == o.WinningTrades &&
		s.LosingTrades == o.LosingTrades &&
		s.WinRate.Equal(o.WinRate) &&
		s.TotalPnL.Equal(o.TotalPnL) &&
		s.AvgPnLPerTrade.Equal(o.AvgPnLPerTrade)
}

type TradeInput struct {
	Strategy       string
	MarketID       string
	TokenID        string
	Side           string
	EntryPrice     decimal.Decimal
	Quantity       decimal.Decimal
	MarketQuestion string
	Outcome        string
	Edge           decimal.Decimal
	Confidence     decimal.Decimal
	Metadata       map[string]any
}

func New(cfg config.TestingConfig, trading config.TradingConfig, repo repository.Repository, logger *zap.Logger) (*Simulator, error) {
	dir := strings.TrimSpace(cfg.OutputDir)
	if dir == "" {
		dir = "simulation_results"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("simulator: create output dir: %w", err)
	}
	now := time.Now()
	s := &Simulator{
		OutputDir: dir,
		SessionID: fmt.Sprintf("sim_%d", now.Unix()),
		FeeRate:   decimal.NewFromFloat(trading.WinnerFee),
		Repo:      repo,
		Logger:    logger,
		startedAt: now,
		byID:      map[string]*models.SimulatedTrade{},
	}
	if logger != nil {
		logger.Info("simulator: testing mode session started",
			zap.String("session_id", s.SessionID),
			zap.String("log", s.SessionFile()),
		)
	}
	return s, nil
}

func (s *Simulator) SessionFile() string {
	return filepath.Join(s.OutputDir, s.SessionID+".jsonl")
}

func (s *Simulator) ReportFile() string {
	return filepath.Join(s.OutputDir, s.SessionID+"_report.txt")
}

func (s *Simulator) CSVFile() string {
	return filepath.Join(s.OutputDir, s.SessionID+"_trades.csv")
}

// LogTrade records a PENDING paper trade.
func (s *Simulator) LogTrade(in TradeInput) (models.SimulatedTrade, error) {
	if s == nil {
		return models.SimulatedTrade{}, errors.New("simulator: nil simulator")
	}
	if !in.Quantity.IsPositive() || in.EntryPrice.IsNegative() {
		return models.SimulatedTrade{}, fmt.Errorf("simulator: invalid trade size price=%s qty=%s", in.EntryPrice, in.Quantity)
	}
	side := strings.ToUpper(strings.TrimSpace(in.Side))
	if side != SideSell {
		side = SideBuy
	}
	now := s.now()
	meta := datatypes.JSONMap{}
	for k, v := range in.Metadata {
		meta[k] = v
	}
	trade := &models.SimulatedTrade{
		TradeID:          fmt.Sprintf("%s_%d_%d", in.Strategy, now.UnixMilli(), s.seq.Add(1)),
		SessionID:        s.SessionID,
		Strategy:         in.Strategy,
		MarketID:         in.MarketID,
		TokenID:          in.TokenID,
		Side:             side,
		EntryPrice:       in.EntryPrice,
		Quantity:         in.Quantity,
		Timestamp:        now,
		Status:           models.TradePending,
		MarketQuestion:   in.MarketQuestion,
		PredictedOutcome: in.Outcome,
		Edge:             in.Edge,
		Confidence:       in.Confidence,
		Metadata:         meta,
	}

	s.mu.Lock()
	if err := s.appendLocked(trade); err != nil {
		s.mu.Unlock()
		return models.SimulatedTrade{}, err
	}
	s.trades = append(s.trades, trade)
	s.byID[trade.TradeID] = trade
	s.stats.total++
	out := cloneTrade(trade)
	s.publish(out)
	if s.Logger != nil {
		s.Logger.Info("simulator: trade logged",
			zap.String("trade_id", out.TradeID),
			zap.String("strategy", out.Strategy),
			zap.String("side", out.Side),
			zap.String("outcome", out.PredictedOutcome),
			zap.String("price", out.EntryPrice.StringFixed(3)),
			zap.String("edge_pct", out.Edge.Mul(hundred).StringFixed(2)),
			zap.String("cost", out.CostBasis().StringFixed(2)),
			zap.String("market", truncate(out.MarketQuestion, 80)),
		)
	}
	return out, nil
}

// UpdateExit records the point where the strategy would have exited. A later
// call on a MONITORING trade replaces the recorded exit.
func (s *Simulator) UpdateExit(tradeID string, exitPrice decimal.Decimal, reason string) (models.SimulatedTrade, error) {
	if s == nil {
		return models.SimulatedTrade{}, ErrUnknownTrade
	}
	s.mu.Lock()
	cur, ok := s.byID[tradeID]
	if !ok {
		s.mu.Unlock()
		return models.SimulatedTrade{}, ErrUnknownTrade
	}
	if cur.Status == models.TradeResolved {
		s.mu.Unlock()
		return models.SimulatedTrade{}, ErrAlreadyResolved
	}
	if cur.Status != models.TradePending && cur.Status != models.TradeMonitoring {
		s.mu.Unlock()
		return models.SimulatedTrade{}, fmt.Errorf("%w: exit from %s", ErrInvalidTransition, cur.Status)
	}
	next := cloneTrade(cur)
	now := s.now()
	price := exitPrice
	next.Status = models.TradeMonitoring
	next.WouldHaveExited = true
	next.ExitPrice = &price
	next.ExitTimestamp = &now
	next.ExitReason = reason
	holding := int64(now.Sub(next.Timestamp).Seconds())
	next.HoldingTimeSeconds = &holding

	move := exitPrice.Sub(next.EntryPrice)
	if next.Side == SideSell {
		move = move.Neg()
	}
	s.settlePnL(&next, move.Mul(next.Quantity))

	if err := s.appendLocked(&next); err != nil {
		s.mu.Unlock()
		return models.SimulatedTrade{}, err
	}
	*cur = next
	out := cloneTrade(cur)
	s.publish(out)
	if s.Logger != nil {
		s.Logger.Info("simulator: exit recorded",
			zap.String("trade_id", out.TradeID),
			zap.String("reason", reason),
			zap.String("price", exitPrice.StringFixed(3)),
			zap.String("net_pnl", out.NetPnL.StringFixed(2)),
			zap.String("roi_pct", out.ROIPct.StringFixed(2)),
		)
	}
	return out, nil
}

// ResolveTrade settles a trade against the market outcome. A second call
// returns ErrAlreadyResolved and leaves the record and counters untouched.
func (s *Simulator) ResolveTrade(tradeID, actualOutcome string, settlementPrice decimal.Decimal) (models.SimulatedTrade, error) {
	if s == nil {
		return models.SimulatedTrade{}, ErrUnknownTrade
	}
	s.mu.Lock()
	cur, ok := s.byID[tradeID]
	if !ok {
		s.mu.Unlock()
		return models.SimulatedTrade{}, ErrUnknownTrade
	}
	if cur.Status == models.TradeResolved {
		s.mu.Unlock()
		return models.SimulatedTrade{}, ErrAlreadyResolved
	}
	if cur.Status == models.TradeCancelled {
		s.mu.Unlock()
		return models.SimulatedTrade{}, fmt.Errorf("%w: resolve from %s", ErrInvalidTransition, cur.Status)
	}
	wasExpired := cur.Status == models.TradeExpired
	next := cloneTrade(cur)
	now := s.now()
	price := settlementPrice
	next.Status = models.TradeResolved
	next.ResolutionOutcome = actualOutcome
	next.SettlementPrice = &price
	next.ResolvedAt = &now
	if next.HoldingTimeSeconds == nil {
		holding := int64(now.Sub(next.Timestamp).Seconds())
		next.HoldingTimeSeconds = &holding
	}
	s.settlePnL(&next, settlementValue(next.Side, settlementPrice, next.Quantity).Sub(next.CostBasis()))

	if err := s.appendLocked(&next); err != nil {
		s.mu.Unlock()
		return models.SimulatedTrade{}, err
	}
	*cur = next
	if wasExpired {
		s.stats.expired--
	}
	s.stats.resolved++
	s.stats.totalPnL = s.stats.totalPnL.Add(*cur.NetPnL)
	if cur.NetPnL.IsPositive() {
		s.stats.winning++
	} else {
		s.stats.losing++
	}
	out := cloneTrade(cur)
	s.publish(out)
	if s.Logger != nil {
		s.Logger.Info("simulator: trade resolved",
			zap.String("trade_id", out.TradeID),
			zap.String("outcome", actualOutcome),
			zap.String("net_pnl", out.NetPnL.StringFixed(2)),
			zap.String("roi_pct", out.ROIPct.StringFixed(2)),
		)
	}
	return out, nil
}

// Expire marks open trades older than maxAge as EXPIRED. They stay out of
// the PnL counters until a later ResolveTrade settles them.
func (s *Simulator) Expire(maxAge time.Duration) []models.SimulatedTrade {
	if s == nil || maxAge <= 0 {
		return nil
	}
	now := s.now()
	cutoff := now.Add(-maxAge)
	var out []models.SimulatedTrade
	s.mu.Lock()
	for _, cur := range s.trades {
		if cur.Status.Terminal() || !cur.Timestamp.Before(cutoff) {
			continue
		}
		next := cloneTrade(cur)
		next.Status = models.TradeExpired
		next.ResolvedAt = &now
		if err := s.appendLocked(&next); err != nil {
			if s.Logger != nil {
				s.Logger.Warn("simulator: expire append failed", zap.String("trade_id", cur.TradeID), zap.Error(err))
			}
			continue
		}
		*cur = next
		s.stats.expired++
		out = append(out, cloneTrade(cur))
	}
	s.publish(out...)
	if len(out) > 0 && s.Logger != nil {
		s.Logger.Info("simulator: trades expired", zap.Int("count", len(out)), zap.Duration("max_age", maxAge))
	}
	return out
}

// Cancel withdraws a PENDING or MONITORING trade that never went on, such as
// the first leg of a combo whose second leg could not be logged.
func (s *Simulator) Cancel(tradeID, reason string) (models.SimulatedTrade, error) {
	if s == nil {
		return models.SimulatedTrade{}, ErrUnknownTrade
	}
	s.mu.Lock()
	cur, ok := s.byID[tradeID]
	if !ok {
		s.mu.Unlock()
		return models.SimulatedTrade{}, ErrUnknownTrade
	}
	if cur.Status != models.TradePending && cur.Status != models.TradeMonitoring {
		s.mu.Unlock()
		return models.SimulatedTrade{}, fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, cur.Status)
	}
	next := cloneTrade(cur)
	now := s.now()
	next.Status = models.TradeCancelled
	next.ExitReason = reason
	next.ResolvedAt = &now
	if err := s.appendLocked(&next); err != nil {
		s.mu.Unlock()
		return models.SimulatedTrade{}, err
	}
	*cur = next
	s.stats.cancelled++
	out := cloneTrade(cur)
	s.publish(out)
	if s.Logger != nil {
		s.Logger.Info("simulator: trade cancelled", zap.String("trade_id", out.TradeID), zap.String("reason", reason))
	}
	return out, nil
}

// settlePnL sets gross, fee (on positive gross only), net and ROI.
func (s *Simulator) settlePnL(t *models.SimulatedTrade, gross decimal.Decimal) {
	fee := decimal.Zero
	if gross.IsPositive() {
		fee = gross.Mul(s.FeeRate)
	}
	net := gross.Sub(fee)
	roi := decimal.Zero
	if cost := t.CostBasis(); cost.IsPositive() {
		roi = net.Div(cost).Mul(hundred)
	}
	t.GrossPnL = &gross
	t.Fees = &fee
	t.NetPnL = &net
	t.ROIPct = &roi
}

func settlementValue(side string, price, qty decimal.Decimal) decimal.Decimal {
	if side == SideSell {
		return decimal.NewFromInt(1).Sub(price).Mul(qty)
	}
	return price.Mul(qty)
}

func (s *Simulator) Trade(tradeID string) (models.SimulatedTrade, bool) {
	if s == nil {
		return models.SimulatedTrade{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[tradeID]
	if !ok {
		return models.SimulatedTrade{}, false
	}
	return cloneTrade(t), true
}

func (s *Simulator) PendingTrades() []models.SimulatedTrade {
	return s.TradesByStatus(models.TradePending)
}

func (s *Simulator) MonitoringTrades() []models.SimulatedTrade {
	return s.TradesByStatus(models.TradeMonitoring)
}

// OpenTrades returns PENDING, MONITORING then EXPIRED trades, the set the
// resolution loop polls.
func (s *Simulator) OpenTrades() []models.SimulatedTrade {
	out := append(s.PendingTrades(), s.MonitoringTrades()...)
	return append(out, s.TradesByStatus(models.TradeExpired)...)
}

// TradesByStatus filters by status; an empty status returns every trade.
func (s *Simulator) TradesByStatus(status models.TradeStatus) []models.SimulatedTrade {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SimulatedTrade, 0, len(s.trades))
	for _, t := range s.trades {
		if status == "" || t.Status == status {
			out = append(out, cloneTrade(t))
		}
	}
	return out
}

// Statistics reports the incremental counters.
func (s *Simulator) Statistics() Statistics {
	if s == nil {
		return Statistics{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, monitoring := 0, 0
	for _, t := range s.trades {
		switch t.Status {
		case models.TradePending:
			pending++
		case models.TradeMonitoring:
			monitoring++
		}
	}
	return buildStatistics(s.SessionID, s.stats, pending, monitoring)
}

// RecomputeStatistics folds the full trade list from scratch.
func (s *Simulator) RecomputeStatistics() Statistics {
	if s == nil {
		return Statistics{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, pending, monitoring := foldTrades(s.trades)
	return buildStatistics(s.SessionID, c, pending, monitoring)
}

func foldTrades(trades []*models.SimulatedTrade) (counters, int, int) {
	var c counters
	pending, monitoring := 0, 0
	for _, t := range trades {
		c.total++
		switch t.Status {
		case models.TradePending:
			pending++
		case models.TradeMonitoring:
			monitoring++
		case models.TradeExpired:
			c.expired++
		case models.TradeCancelled:
			c.cancelled++
		case models.TradeResolved:
			c.resolved++
			net := decimal.Zero
			if t.NetPnL != nil {
				net = *t.NetPnL
			}
			c.totalPnL = c.totalPnL.Add(net)
			if net.IsPositive() {
				c.winning++
			} else {
				c.losing++
			}
		}
	}
	return c, pending, monitoring
}

func buildStatistics(session string, c counters, pending, monitoring int) Statistics {
	st := Statistics{
		SessionID:        session,
		TotalTrades:      c.total,
		PendingTrades:    pending,
		MonitoringTrades: monitoring,
		ResolvedTrades:   c.resolved,
		ExpiredTrades:    c.expired,
		CancelledTrades:  c.cancelled,
		WinningTrades:    c.winning,
		LosingTrades:     c.losing,
		TotalPnL:         c.totalPnL,
	}
	if c.resolved > 0 {
		n := decimal.NewFromInt(int64(c.resolved))
		st.WinRate = decimal.NewFromInt(int64(c.winning)).Div(n).Mul(hundred)
		st.AvgPnLPerTrade = c.totalPnL.Div(n)
	}
	return st
}

// appendLocked writes one full record line. Callers hold mu.
func (s *Simulator) appendLocked(t *models.SimulatedTrade) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("simulator: encode trade: %w", err)
	}
	f, err := os.OpenFile(s.SessionFile(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("simulator: open session log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("simulator: append session log: %w", err)
	}
	return nil
}

// publish stamps the transition, releases mu and mirrors trades to the
// repository. Callers hold mu.
func (s *Simulator) publish(trades ...models.SimulatedTrade) {
	s.version++
	ver := s.version
	s.mu.Unlock()
	for _, t := range trades {
		s.mirror(t, ver)
	}
}

// mirror upserts t unless a later transition of the same trade already
// reached the repository.
func (s *Simulator) mirror(t models.SimulatedTrade, ver uint64) {
	if s.Repo == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if s.persisted == nil {
		s.persisted = map[string]uint64{}
	}
	if ver <= s.persisted[t.TradeID] {
		return
	}
	s.persisted[t.TradeID] = ver
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Repo.UpsertSimulatedTrade(ctx, &t); err != nil && s.Logger != nil {
		s.Logger.Warn("simulator: persist trade failed", zap.String("trade_id", t.TradeID), zap.Error(err))
	}
}

func (s *Simulator) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func cloneTrade(t *models.SimulatedTrade) models.SimulatedTrade {
	out := *t
	if t.Metadata != nil {
		out.Metadata = make(datatypes.JSONMap, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
