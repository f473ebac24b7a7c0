package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"polybot/internal/config"
	"polybot/internal/models"
	"polybot/internal/repository"
)

const defaultLedgerRetention = 7 * 24 * time.Hour

// Governor is the account-wide admission gate shared by every strategy.
// It owns the open-position book, the realized PnL ledger and the
// emergency-stop flag; all of them change under mu. The ledger may hold
// entries warmed from earlier runs, sessionPnL never does.
type Governor struct {
	Config  config.RiskConfig
	Trading config.TradingConfig
	Repo    repository.Repository
	Logger  *zap.Logger
	// Now defaults to time.Now; "today" is evaluated in its location.
	Now func() time.Time

	mu            sync.Mutex
	ledger        []LedgerEntry
	sessionPnL    decimal.Decimal
	open          map[string]models.Position
	emergencyStop bool
}

type LedgerEntry struct {
	PnL        decimal.Decimal `json:"pnl"`
	Strategy   string          `json:"strategy"`
	RecordedAt time.Time       `json:"recorded_at"`
}

type Metrics struct {
	TotalExposure      decimal.Decimal `json:"total_exposure"`
	MaxExposure        decimal.Decimal `json:"max_exposure"`
	ExposurePct        decimal.Decimal `json:"exposure_pct"`
	TodayPnL           decimal.Decimal `json:"today_pnl"`
	TotalPnL           decimal.Decimal `json:"total_pnl"`
	SessionPnL         decimal.Decimal `json:"session_pnl"`
	DailyLossLimit     decimal.Decimal `json:"daily_loss_limit"`
	DailyLossRemaining decimal.Decimal `json:"daily_loss_remaining"`
	EmergencyStop      bool            `json:"emergency_stop"`
	OpenPositions      int             `json:"open_positions"`
}

func NewGovernor(riskCfg config.RiskConfig, tradingCfg config.TradingConfig, repo repository.Repository, logger *zap.Logger) *Governor {
	return &Governor{
		Config:  riskCfg,
		Trading: tradingCfg,
		Repo:    repo,
		Logger:  logger,
	}
}

// Evaluate applies the admission gates in order. It never mutates state.
func (g *Governor) Evaluate(size decimal.Decimal, open []models.Position) (bool, string) {
	if g == nil {
		return true, ""
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.evaluateLocked(size, open, g.now())
}

func (g *Governor) evaluateLocked(size decimal.Decimal, open []models.Position, now time.Time) (bool, string) {
	if g.emergencyStop {
		return false, "emergency stop triggered"
	}
	count := 0
	exposure := decimal.Zero
	for i := range open {
		if !open[i].IsOpen() {
			continue
		}
		count++
		exposure = exposure.Add(open[i].CostBasis)
	}
	if g.Config.MaxPositions > 0 && count >= g.Config.MaxPositions {
		return false, fmt.Sprintf("max positions reached (%d)", g.Config.MaxPositions)
	}
	if g.Trading.MaxPositionSizeUSD > 0 {
		limit := decimal.NewFromFloat(g.Trading.MaxPositionSizeUSD)
		if size.GreaterThan(limit) {
			return false, fmt.Sprintf("position size exceeds max (%s)", limit.StringFixed(2))
		}
	}
	if rejectExposure(g.Config, exposure, size) {
		return false, fmt.Sprintf("total exposure would exceed max (%s)", decimal.NewFromFloat(g.Config.MaxTotalExposureUSD).StringFixed(2))
	}
	if rejectDailyLoss(g.Config, g.todayPnLLocked(now)) {
		return false, fmt.Sprintf("daily loss limit reached (%s)", decimal.NewFromFloat(g.Config.MaxLossPerDayUSD).StringFixed(2))
	}
	return true, ""
}

// rejectExposure admits iff exposure+size <= cap.
func rejectExposure(cfg config.RiskConfig, exposure, size decimal.Decimal) bool {
	if cfg.MaxTotalExposureUSD <= 0 {
		return false
	}
	limit := decimal.NewFromFloat(cfg.MaxTotalExposureUSD)
	return exposure.Add(size).GreaterThan(limit)
}

// rejectDailyLoss blocks once today's pnl is strictly below -limit.
func rejectDailyLoss(cfg config.RiskConfig, todayPnL decimal.Decimal) bool {
	if cfg.MaxLossPerDayUSD <= 0 {
		return false
	}
	limit := decimal.NewFromFloat(cfg.MaxLossPerDayUSD)
	return todayPnL.LessThan(limit.Neg())
}

// Admit evaluates p against the shared book and registers it on success.
func (g *Governor) Admit(p *models.Position) (bool, string) {
	if p == nil {
		return false, "empty position"
	}
	return g.AdmitAll([]*models.Position{p})
}

// AdmitAll admits every leg or none. Legs are checked one by one against the
// book as it grows, so the count and exposure caps see the whole combo.
func (g *Governor) AdmitAll(legs []*models.Position) (bool, string) {
	if g == nil {
		return true, ""
	}
	if len(legs) == 0 {
		return false, "empty position"
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open == nil {
		g.open = map[string]models.Position{}
	}
	now := g.now()
	added := make([]string, 0, len(legs))
	for _, leg := range legs {
		ok, reason := g.evaluateLocked(leg.CostBasis, g.openLocked(), now)
		if !ok {
			for _, id := range added {
				delete(g.open, id)
			}
			if g.Logger != nil {
				g.Logger.Debug("risk: reject",
					zap.String("strategy", leg.StrategyName),
					zap.String("size", leg.CostBasis.StringFixed(2)),
					zap.String("reason", reason),
				)
			}
			return false, reason
		}
		g.open[leg.ID] = leg.Clone()
		added = append(added, leg.ID)
	}
	return true, ""
}

// Release drops admitted positions whose execution failed. No PnL is recorded.
func (g *Governor) Release(ids ...string) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		delete(g.open, id)
	}
}

// Close removes a closed position from the book and records its realized PnL.
func (g *Governor) Close(p *models.Position) {
	if g == nil || p == nil {
		return
	}
	g.mu.Lock()
	_, tracked := g.open[p.ID]
	delete(g.open, p.ID)
	g.mu.Unlock()
	if !tracked || p.IsOpen() {
		return
	}
	g.recordRealizedPnL(p.RealizedPnL, p.StrategyName, p.ID)
}

// RecordRealizedPnl appends one ledger entry and prunes the rolling window.
func (g *Governor) RecordRealizedPnl(pnl decimal.Decimal, strategy string) {
	g.recordRealizedPnL(pnl, strategy, "")
}

func (g *Governor) recordRealizedPnL(pnl decimal.Decimal, strategy, positionID string) {
	if g == nil {
		return
	}
	now := g.now()
	g.mu.Lock()
	g.ledger = append(g.ledger, LedgerEntry{PnL: pnl, Strategy: strategy, RecordedAt: now})
	g.sessionPnL = g.sessionPnL.Add(pnl)
	g.pruneLocked(now)
	g.mu.Unlock()

	if g.Repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := g.Repo.InsertPnLRecord(ctx, &models.PnLRecord{
		StrategyName: strategy,
		PositionID:   positionID,
		PnL:          pnl,
		RecordedAt:   now,
	})
	if err != nil && g.Logger != nil {
		g.Logger.Warn("risk: persist pnl record failed", zap.Error(err))
	}
}

func (g *Governor) pruneLocked(now time.Time) {
	cutoff := now.Add(-g.retention())
	keep := g.ledger[:0]
	for _, e := range g.ledger {
		if !e.RecordedAt.Before(cutoff) {
			keep = append(keep, e)
		}
	}
	g.ledger = keep
}

func (g *Governor) retention() time.Duration {
	if g.Config.LedgerRetention > 0 {
		return g.Config.LedgerRetention
	}
	return defaultLedgerRetention
}

// Warm loads the rolling window from the repository so a restart does not
// forget today's losses. Warmed entries feed the daily-loss gate only; they
// are not part of SessionPnL.
func (g *Governor) Warm(ctx context.Context) error {
	if g == nil || g.Repo == nil {
		return nil
	}
	now := g.now()
	items, err := g.Repo.ListPnLRecordsSince(ctx, now.Add(-g.retention()))
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, it := range items {
		g.ledger = append(g.ledger, LedgerEntry{PnL: it.PnL, Strategy: it.StrategyName, RecordedAt: it.RecordedAt.In(now.Location())})
	}
	g.pruneLocked(now)
	return nil
}

// CheckEmergencyStop latches the stop flag once drawdown reaches the threshold.
func (g *Governor) CheckEmergencyStop(current, starting decimal.Decimal) bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.emergencyStop {
		return true
	}
	if !starting.IsPositive() {
		return false
	}
	drawdown := starting.Sub(current).Div(starting)
	threshold := decimal.NewFromFloat(g.Config.EmergencyStopLossPct)
	if threshold.IsPositive() && drawdown.GreaterThanOrEqual(threshold) {
		g.emergencyStop = true
		if g.Logger != nil {
			g.Logger.Error("risk: emergency stop triggered",
				zap.String("drawdown_pct", drawdown.Mul(decimal.NewFromInt(100)).StringFixed(2)),
				zap.String("balance", current.StringFixed(2)),
				zap.String("starting_balance", starting.StringFixed(2)),
			)
		}
	}
	return g.emergencyStop
}

func (g *Governor) EmergencyStopped() bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.emergencyStop
}

// ResetEmergencyStop is the explicit administrative reset.
func (g *Governor) ResetEmergencyStop() {
	if g == nil {
		return
	}
	g.mu.Lock()
	was := g.emergencyStop
	g.emergencyStop = false
	g.mu.Unlock()
	if was && g.Logger != nil {
		g.Logger.Warn("risk: emergency stop reset")
	}
}

// SizeFor is fixed-fraction sizing capped at the per-position max. The edge
// only gates: without a positive edge there is nothing to size. It never
// scales the size.
func (g *Governor) SizeFor(balance decimal.Decimal, edge decimal.Decimal) decimal.Decimal {
	if g == nil || !balance.IsPositive() || !edge.IsPositive() {
		return decimal.Zero
	}
	size := balance.Mul(decimal.NewFromFloat(g.Trading.RiskPerTrade))
	if g.Trading.MaxPositionSizeUSD > 0 {
		size = decimal.Min(size, decimal.NewFromFloat(g.Trading.MaxPositionSizeUSD))
	}
	return size
}

// OpenPositions returns copies of the account-wide open book.
func (g *Governor) OpenPositions() []models.Position {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.openLocked()
}

func (g *Governor) openLocked() []models.Position {
	out := make([]models.Position, 0, len(g.open))
	for _, p := range g.open {
		out = append(out, p)
	}
	return out
}

func (g *Governor) TotalExposure() decimal.Decimal {
	total := decimal.Zero
	for _, p := range g.OpenPositions() {
		total = total.Add(p.CostBasis)
	}
	return total
}

// SessionPnL is the realized PnL recorded since this process started.
func (g *Governor) SessionPnL() decimal.Decimal {
	if g == nil {
		return decimal.Zero
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessionPnL
}

func (g *Governor) TodayPnL() decimal.Decimal {
	if g == nil {
		return decimal.Zero
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.todayPnLLocked(g.now())
}

func (g *Governor) todayPnLLocked(now time.Time) decimal.Decimal {
	y, m, d := now.Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	sum := decimal.Zero
	for _, e := range g.ledger {
		if !e.RecordedAt.Before(dayStart) {
			sum = sum.Add(e.PnL)
		}
	}
	return sum
}

func (g *Governor) Metrics() Metrics {
	if g == nil {
		return Metrics{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	exposure := decimal.Zero
	for _, p := range g.open {
		exposure = exposure.Add(p.CostBasis)
	}
	total := decimal.Zero
	for _, e := range g.ledger {
		total = total.Add(e.PnL)
	}
	today := g.todayPnLLocked(now)
	maxExp := decimal.NewFromFloat(g.Config.MaxTotalExposureUSD)
	limit := decimal.NewFromFloat(g.Config.MaxLossPerDayUSD)
	pct := decimal.Zero
	if maxExp.IsPositive() {
		pct = exposure.Div(maxExp).Mul(decimal.NewFromInt(100))
	}
	return Metrics{
		TotalExposure:      exposure,
		MaxExposure:        maxExp,
		ExposurePct:        pct,
		TodayPnL:           today,
		TotalPnL:           total,
		SessionPnL:         g.sessionPnL,
		DailyLossLimit:     limit,
		DailyLossRemaining: decimal.Max(decimal.Zero, limit.Add(today)),
		EmergencyStop:      g.emergencyStop,
		OpenPositions:      len(g.open),
	}
}

func (g *Governor) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}
