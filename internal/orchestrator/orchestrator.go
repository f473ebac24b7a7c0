package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"polybot/internal/config"
	"polybot/internal/feed"
	"polybot/internal/labeler"
	"polybot/internal/models"
	"polybot/internal/repository"
	"polybot/internal/risk"
	"polybot/internal/simulator"
	"polybot/internal/strategy"
)

const (
	balanceInterval     = time.Minute
	reportEvery         = 10
	settledYes          = "YES"
	settledNo           = "NO"
	defaultCheckTimeout = 10 * time.Second
)

var (
	ErrNotInitialized = errors.New("orchestrator not initialized")
	ErrAlreadyRunning = errors.New("orchestrator already running")
)

// Feed is the spot price source the latency strategy reads.
type Feed interface {
	strategy.PriceFeed
	Run(ctx context.Context) error
	Stop()
	Health() feed.Health
}

var _ Feed = (*feed.BinanceFeed)(nil)

// Orchestrator owns the shared collaborators and the lifecycle of every
// enabled strategy: Initialize once, Start, then Stop.
type Orchestrator struct {
	Config config.Config
	Venue  strategy.Venue
	Repo   repository.Repository
	Logger *zap.Logger
	// Feed is built from Config.Feed when nil and latency arbitrage is enabled.
	Feed    Feed
	Labeler *labeler.MarketLabeler
	Now     func() time.Time

	governor   *risk.Governor
	sim        *simulator.Simulator
	strategies []strategy.Strategy
	mode       strategy.Mode

	mu          sync.RWMutex
	initialized bool
	running     bool
	paper       bool
	startedAt   *time.Time
	balance     decimal.Decimal
	starting    decimal.Decimal
	resolved    int
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

type Status struct {
	Running         bool                  `json:"running"`
	Mode            strategy.Mode         `json:"mode"`
	StartedAt       *time.Time            `json:"started_at,omitempty"`
	Balance         decimal.Decimal       `json:"balance"`
	StartingBalance decimal.Decimal       `json:"starting_balance"`
	PnL             decimal.Decimal       `json:"pnl"`
	PnLPct          decimal.Decimal       `json:"pnl_pct"`
	Strategies      []strategy.Summary    `json:"strategies"`
	Risk            risk.Metrics          `json:"risk_metrics"`
	Simulation      *simulator.Statistics `json:"simulation,omitempty"`
	Feed            *feed.Health          `json:"feed,omitempty"`
}

// ModeFor maps configuration onto the execution mode: paper trading wins,
// then the live trading switch, otherwise dry-run.
func ModeFor(cfg config.Config) strategy.Mode {
	switch {
	case cfg.Testing.Enabled:
		return strategy.ModeTesting
	case cfg.App.LiveTrading:
		return strategy.ModeLive
	default:
		return strategy.ModeDryRun
	}
}

func (o *Orchestrator) Initialize(ctx context.Context) error {
	if o == nil {
		return ErrNotInitialized
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if err := o.Config.ValidateCredentials(); err != nil {
		return err
	}
	if o.Venue == nil {
		return errors.New("orchestrator: venue is required")
	}
	o.mode = ModeFor(o.Config)

	balance, err := o.fetchBalance(ctx)
	if err != nil {
		if o.mode != strategy.ModeTesting {
			return fmt.Errorf("connectivity check: %w", err)
		}
		o.Logger.Warn("balance unavailable, using paper balance", zap.Error(err),
			zap.Float64("paper_balance_usd", o.Config.Testing.PaperBalanceUSD))
		balance = decimal.NewFromFloat(o.Config.Testing.PaperBalanceUSD)
	}
	o.mu.Lock()
	o.paper = err != nil
	o.balance = balance
	o.starting = balance
	o.mu.Unlock()
	o.Logger.Info("account balance", zap.String("balance", balance.StringFixed(2)))

	o.governor = risk.NewGovernor(o.Config.Risk, o.Config.Trading, o.Repo, o.Logger.Named("risk"))
	o.governor.Now = o.Now
	if o.Repo != nil {
		if err := o.governor.Warm(ctx); err != nil {
			o.Logger.Warn("risk ledger warm-up failed", zap.Error(err))
		}
	}

	if o.mode == strategy.ModeTesting {
		sim, err := simulator.New(o.Config.Testing, o.Config.Trading, o.Repo, o.Logger.Named("simulator"))
		if err != nil {
			return fmt.Errorf("init simulator: %w", err)
		}
		o.sim = sim
	}

	if o.Config.Strategies.LatencyArbitrage.Enabled && o.Feed == nil {
		o.Feed = feed.NewBinanceFeed(o.Config.Feed, o.Logger.Named("feed"))
	}
	if o.Labeler == nil {
		o.Labeler = &labeler.MarketLabeler{Logger: o.Logger.Named("labeler")}
	}

	deps := strategy.Deps{
		Venue:       o.Venue,
		Governor:    o.governor,
		Simulator:   o.sim,
		Repo:        o.Repo,
		Logger:      o.Logger,
		Mode:        o.mode,
		Balance:     o.Balance,
		TakerFee:    decimal.NewFromFloat(o.Config.Trading.TakerFee),
		MaxSlippage: decimal.NewFromFloat(o.Config.Trading.MaxSlippage),
		CallTimeout: o.Config.ClobREST.Timeout,
		Now:         o.Now,
	}
	s := o.Config.Strategies
	for _, name := range o.Config.EnabledStrategies() {
		switch name {
		case config.StrategyLatencyArbitrage:
			o.strategies = append(o.strategies, strategy.NewLatencyArbitrage(s.LatencyArbitrage, o.Feed, deps))
		case config.StrategyBinaryHedging:
			o.strategies = append(o.strategies, strategy.NewBinaryHedging(s.BinaryHedging, deps))
		case config.StrategyCombinatorialArbitrage:
			o.strategies = append(o.strategies, strategy.NewCombinatorialArbitrage(s.CombinatorialArbitrage, o.Labeler, deps))
		case config.StrategyMarketMaking:
			o.strategies = append(o.strategies, strategy.NewMarketMaking(s.MarketMaking, deps))
		}
		o.Logger.Info("strategy initialized", zap.String("strategy", name))
	}

	switch o.mode {
	case strategy.ModeTesting:
		o.Logger.Info("testing mode: trades are simulated and resolved, nothing is sent to the venue")
	case strategy.ModeLive:
		o.Logger.Warn("live trading mode: real funds will be used")
	default:
		o.Logger.Info("dry-run mode: opportunities are logged, no orders are placed")
	}

	o.mu.Lock()
	o.initialized = true
	o.mu.Unlock()
	o.Logger.Info("orchestrator initialized", zap.Int("strategies", len(o.strategies)), zap.String("mode", string(o.mode)))
	return nil
}

// Start launches the feed, one goroutine per strategy and the monitors. It
// returns immediately; Stop cancels and waits for all of them.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.initialized {
		return ErrNotInitialized
	}
	if o.running {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	now := o.now()
	o.startedAt = &now

	if o.Feed != nil && o.Config.Strategies.LatencyArbitrage.Enabled {
		o.spawn("feed", func() error { return o.Feed.Run(runCtx) })
	}
	for _, s := range o.strategies {
		s := s // per-iteration copy (Go 1.22+ loop semantics on go1.21)
		o.spawn(s.Name(), func() error { return s.Run(runCtx) })
	}
	o.spawn("balance_monitor", func() error { return o.monitorLoop(runCtx) })
	if o.sim != nil {
		o.spawn("resolution_monitor", func() error { return o.resolutionLoop(runCtx) })
	}
	o.Logger.Info("orchestrator started", zap.Int("strategies", len(o.strategies)))
	return nil
}

func (o *Orchestrator) spawn(name string, fn func() error) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			o.Logger.Error("loop exited", zap.String("loop", name), zap.Error(err))
		}
	}()
}

// Stop cancels every loop, waits for in-flight iterations and, in testing
// mode, writes the final report and CSV export.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	o.Logger.Info("stopping orchestrator")
	if cancel != nil {
		cancel()
	}
	if o.Feed != nil {
		o.Feed.Stop()
	}
	o.wg.Wait()

	var errs []error
	if o.sim != nil {
		if path, err := o.sim.SaveFinalReport(); err != nil {
			errs = append(errs, fmt.Errorf("save final report: %w", err))
		} else {
			o.Logger.Info("final report saved", zap.String("path", path))
		}
		if path, err := o.sim.ExportCSV(); err != nil {
			errs = append(errs, fmt.Errorf("export csv: %w", err))
		} else {
			o.Logger.Info("trades exported", zap.String("path", path))
		}
	}
	o.logFinalSummary()
	o.Logger.Info("orchestrator stopped")
	return errors.Join(errs...)
}

// Run is Start followed by Stop once ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return o.Stop()
}

func (o *Orchestrator) monitorLoop(ctx context.Context) error {
	t := time.NewTicker(balanceInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			o.CheckBalance(ctx)
		}
	}
}

// CheckBalance refreshes the balance snapshot and feeds it to the emergency
// stop check.
func (o *Orchestrator) CheckBalance(ctx context.Context) bool {
	current, err := o.currentBalance(ctx)
	if err != nil {
		o.Logger.Warn("balance refresh failed", zap.Error(err))
		current = o.Balance()
	}
	o.mu.Lock()
	o.balance = current
	starting := o.starting
	o.mu.Unlock()
	return o.governor.CheckEmergencyStop(current, starting)
}

// currentBalance reads the venue balance, or in a paper session the
// starting balance plus the PnL realized in this session.
func (o *Orchestrator) currentBalance(ctx context.Context) (decimal.Decimal, error) {
	o.mu.RLock()
	paper, starting := o.paper, o.starting
	o.mu.RUnlock()
	if paper {
		return starting.Add(o.governor.SessionPnL()), nil
	}
	return o.fetchBalance(ctx)
}

func (o *Orchestrator) fetchBalance(ctx context.Context) (decimal.Decimal, error) {
	timeout := o.Config.ClobREST.Timeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return o.Venue.GetBalance(callCtx)
}

func (o *Orchestrator) resolutionLoop(ctx context.Context) error {
	interval := o.Config.Testing.MonitorInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	o.Logger.Info("simulated trade monitor started", zap.Duration("interval", interval))
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			o.ResolveOpenTrades(ctx)
		}
	}
}

// ResolveOpenTrades settles every unsettled paper trade, expired ones
// included, whose token trades at a terminal price. It returns how many it
// resolved.
func (o *Orchestrator) ResolveOpenTrades(ctx context.Context) int {
	if o.sim == nil {
		return 0
	}
	n := 0
	for _, trade := range o.sim.OpenTrades() {
		if ctx.Err() != nil {
			break
		}
		price, ok := o.midpoint(ctx, trade.TokenID)
		if !ok {
			continue
		}
		outcome, settle := "", decimal.Zero
		switch {
		case price.GreaterThanOrEqual(strategy.SettledHigh):
			outcome, settle = settledYes, decimal.NewFromInt(1)
		case price.LessThanOrEqual(strategy.SettledLow):
			outcome, settle = settledNo, decimal.Zero
		default:
			continue
		}
		if _, err := o.sim.ResolveTrade(trade.TradeID, outcome, settle); err != nil {
			if !errors.Is(err, simulator.ErrAlreadyResolved) {
				o.Logger.Warn("resolve trade failed", zap.String("trade_id", trade.TradeID), zap.Error(err))
			}
			continue
		}
		n++
	}
	if n == 0 {
		return 0
	}
	o.mu.Lock()
	before := o.resolved
	o.resolved += n
	after := o.resolved
	o.mu.Unlock()
	if o.Config.Testing.GenerateReports && after/reportEvery > before/reportEvery {
		o.Logger.Info("interim simulation report\n" + o.sim.GenerateReport())
	}
	return n
}

func (o *Orchestrator) midpoint(ctx context.Context, tokenID string) (decimal.Decimal, bool) {
	timeout := o.Config.ClobREST.Timeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	mid, err := o.Venue.GetMidpoint(callCtx, tokenID)
	if err != nil {
		o.Logger.Debug("midpoint unavailable", zap.String("token_id", tokenID), zap.Error(err))
		return decimal.Zero, false
	}
	return mid, true
}

// ExpireTrades moves paper trades older than the auto-resolve timeout to
// EXPIRED.
func (o *Orchestrator) ExpireTrades() []models.SimulatedTrade {
	if o.sim == nil || o.Config.Testing.AutoResolveTimeout <= 0 {
		return nil
	}
	expired := o.sim.Expire(o.Config.Testing.AutoResolveTimeout)
	if len(expired) > 0 {
		o.Logger.Info("simulated trades expired", zap.Int("count", len(expired)))
	}
	return expired
}

func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	st := Status{
		Running:         o.running,
		Mode:            o.mode,
		StartedAt:       o.startedAt,
		Balance:         o.balance,
		StartingBalance: o.starting,
	}
	o.mu.RUnlock()
	st.PnL = st.Balance.Sub(st.StartingBalance)
	if st.StartingBalance.IsPositive() {
		st.PnLPct = st.PnL.Div(st.StartingBalance).Mul(decimal.NewFromInt(100))
	}
	st.Strategies = make([]strategy.Summary, 0, len(o.strategies))
	for _, s := range o.strategies {
		st.Strategies = append(st.Strategies, s.Summary())
	}
	st.Risk = o.governor.Metrics()
	if o.sim != nil {
		stats := o.sim.Statistics()
		st.Simulation = &stats
	}
	if o.Feed != nil && o.Config.Strategies.LatencyArbitrage.Enabled {
		h := o.Feed.Health()
		st.Feed = &h
	}
	return st
}

// LogStatus writes the periodic status block.
func (o *Orchestrator) LogStatus() {
	st := o.Status()
	o.Logger.Info("status",
		zap.Bool("running", st.Running),
		zap.String("balance", st.Balance.StringFixed(2)),
		zap.String("starting_balance", st.StartingBalance.StringFixed(2)),
		zap.String("pnl", st.PnL.StringFixed(2)),
		zap.String("pnl_pct", st.PnLPct.StringFixed(2)),
		zap.String("exposure", st.Risk.TotalExposure.StringFixed(2)),
		zap.String("exposure_pct", st.Risk.ExposurePct.StringFixed(1)),
		zap.String("today_pnl", st.Risk.TodayPnL.StringFixed(2)),
		zap.Bool("emergency_stop", st.Risk.EmergencyStop),
	)
	for _, s := range st.Strategies {
		o.Logger.Info("strategy status",
			zap.String("strategy", s.Name),
			zap.Int("trades", s.Performance.TotalTrades),
			zap.Float64("win_rate", s.WinRate),
			zap.String("net_pnl", s.Performance.NetPnL.StringFixed(2)),
			zap.Int("open", s.OpenPositions),
		)
	}
	if st.Simulation != nil {
		o.Logger.Info("simulation status",
			zap.Int("total", st.Simulation.TotalTrades),
			zap.Int("resolved", st.Simulation.ResolvedTrades),
			zap.Int("pending", st.Simulation.PendingTrades),
			zap.String("win_rate", st.Simulation.WinRate.StringFixed(2)),
			zap.String("total_pnl", st.Simulation.TotalPnL.StringFixed(2)),
			zap.String("avg_pnl", st.Simulation.AvgPnLPerTrade.StringFixed(2)),
		)
	}
}

// LogInterimReport writes the simulation report to the log.
func (o *Orchestrator) LogInterimReport() {
	if o.sim == nil {
		return
	}
	o.Logger.Info("interim simulation report\n" + o.sim.GenerateReport())
}

func (o *Orchestrator) logFinalSummary() {
	st := o.Status()
	o.Logger.Info("final summary",
		zap.String("starting_balance", st.StartingBalance.StringFixed(2)),
		zap.String("ending_balance", st.Balance.StringFixed(2)),
		zap.String("pnl", st.PnL.StringFixed(2)),
		zap.String("pnl_pct", st.PnLPct.StringFixed(2)),
	)
	for _, s := range st.Strategies {
		p := s.Performance
		o.Logger.Info("strategy summary",
			zap.String("strategy", s.Name),
			zap.Int("trades", p.TotalTrades),
			zap.Float64("win_rate", s.WinRate),
			zap.String("gross_pnl", p.GrossPnL.StringFixed(2)),
			zap.String("fees", p.Fees.StringFixed(2)),
			zap.String("net_pnl", p.NetPnL.StringFixed(2)),
			zap.String("avg_profit", s.AvgProfit.StringFixed(2)),
			zap.String("max_drawdown", p.MaxDrawdown.StringFixed(2)),
		)
	}
}

func (o *Orchestrator) Balance() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.balance
}

func (o *Orchestrator) Running() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running
}

func (o *Orchestrator) Mode() strategy.Mode { return o.mode }

func (o *Orchestrator) Governor() *risk.Governor { return o.governor }

// Simulator is nil outside testing mode.
func (o *Orchestrator) Simulator() *simulator.Simulator { return o.sim }

func (o *Orchestrator) Strategies() []strategy.Strategy {
	return append([]strategy.Strategy(nil), o.strategies...)
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}
