package simulator

import (
	"bufio"
	"encoding/csv"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"polybot/internal/config"
	"polybot/internal/models"
)

func newTestSimulator(t *testing.T) *Simulator {
	t.Helper()
	s, err := New(config.TestingConfig{OutputDir: t.TempDir()}, config.TradingConfig{WinnerFee: 0.02}, nil, nil)
	require.NoError(t, err)
	return s
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func logBuy(t *testing.T, s *Simulator, strategy, price, qty string) models.SimulatedTrade {
	t.Helper()
	tr, err := s.LogTrade(TradeInput{
		Strategy:   strategy,
		MarketID:   "m1",
		TokenID:    "tok1",
		Side:       "buy",
		EntryPrice: dec(price),
		Quantity:   dec(qty),
		Outcome:    "YES",
		Edge:       dec("0.05"),
		Confidence: dec("0.5"),
	})
	require.NoError(t, err)
	return tr
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	return n
}

func TestResolveTrade_WinningBuy(t *testing.T) {
	s := newTestSimulator(t)
	tr := logBuy(t, s, "binary_hedging", "0.40", "250")
	require.Equal(t, models.TradePending, tr.Status)
	require.Equal(t, SideBuy, tr.Side)

	got, err := s.ResolveTrade(tr.TradeID, "YES", decimal.NewFromInt(1))
	require.NoError(t, err)
	require.Equal(t, models.TradeResolved, got.Status)
	require.True(t, got.GrossPnL.Equal(dec("150")), "gross=%s", got.GrossPnL)
	require.True(t, got.Fees.Equal(dec("3")), "fees=%s", got.Fees)
	require.True(t, got.NetPnL.Equal(dec("147")), "net=%s", got.NetPnL)
	require.True(t, got.ROIPct.Equal(dec("147")), "roi=%s", got.ROIPct)

	st := s.Statistics()
	require.Equal(t, 1, st.ResolvedTrades)
	require.Equal(t, 1, st.WinningTrades)
	require.True(t, st.TotalPnL.Equal(dec("147")))
	require.True(t, st.WinRate.Equal(dec("100")))
}

func TestResolveTrade_LosingBuyHasNoFee(t *testing.T) {
	s := newTestSimulator(t)
	tr := logBuy(t, s, "latency_arbitrage", "0.40", "250")
	got, err := s.ResolveTrade(tr.TradeID, "NO", decimal.Zero)
	require.NoError(t, err)
	require.True(t, got.GrossPnL.Equal(dec("-100")))
	require.True(t, got.Fees.IsZero())
	require.True(t, got.ROIPct.Equal(dec("-100")))
	require.Equal(t, 1, s.Statistics().LosingTrades)
}

func TestResolveTrade_SellSideSettlesInverse(t *testing.T) {
	s := newTestSimulator(t)
	tr, err := s.LogTrade(TradeInput{
		Strategy: "market_making", TokenID: "tok", Side: SideSell,
		EntryPrice: dec("0.30"), Quantity: dec("100"),
	})
	require.NoError(t, err)
	got, err := s.ResolveTrade(tr.TradeID, "NO", decimal.Zero)
	require.NoError(t, err)
	// value (1-0)*100 = 100, cost 30
	require.True(t, got.GrossPnL.Equal(dec("70")), "gross=%s", got.GrossPnL)
}

func TestResolveTrade_Idempotent(t *testing.T) {
	s := newTestSimulator(t)
	tr := logBuy(t, s, "binary_hedging", "0.40", "250")
	_, err := s.ResolveTrade(tr.TradeID, "YES", decimal.NewFromInt(1))
	require.NoError(t, err)
	before := s.Statistics()
	lines := countLines(t, s.SessionFile())

	_, err = s.ResolveTrade(tr.TradeID, "NO", decimal.Zero)
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("err=%v want ErrAlreadyResolved", err)
	}
	after := s.Statistics()
	if !before.Equal(after) {
		t.Fatalf("stats changed: before=%+v after=%+v", before, after)
	}
	if got := countLines(t, s.SessionFile()); got != lines {
		t.Fatalf("lines=%d want=%d", got, lines)
	}
	stored, _ := s.Trade(tr.TradeID)
	if stored.ResolutionOutcome != "YES" {
		t.Fatalf("outcome=%s want=YES", stored.ResolutionOutcome)
	}
}

func TestUpdateExit_Transitions(t *testing.T) {
	s := newTestSimulator(t)
	tr := logBuy(t, s, "latency_arbitrage", "0.50", "100")

	got, err := s.UpdateExit(tr.TradeID, dec("0.80"), "take_profit")
	require.NoError(t, err)
	require.Equal(t, models.TradeMonitoring, got.Status)
	require.True(t, got.WouldHaveExited)
	require.Equal(t, "take_profit", got.ExitReason)
	require.True(t, got.GrossPnL.Equal(dec("30")))
	require.True(t, got.Fees.Equal(dec("0.6")))
	require.True(t, got.NetPnL.Equal(dec("29.4")))

	got, err = s.UpdateExit(tr.TradeID, dec("0.40"), "stop_loss")
	require.NoError(t, err)
	require.Equal(t, "stop_loss", got.ExitReason)
	require.True(t, got.NetPnL.Equal(dec("-10")))

	_, err = s.ResolveTrade(tr.TradeID, "YES", decimal.NewFromInt(1))
	require.NoError(t, err)
	_, err = s.UpdateExit(tr.TradeID, dec("0.90"), "late")
	require.ErrorIs(t, err, ErrAlreadyResolved)

	_, err = s.UpdateExit("missing", dec("0.1"), "x")
	require.ErrorIs(t, err, ErrUnknownTrade)

	stale := newTestSimulator(t)
	old := logBuy(t, stale, "latency_arbitrage", "0.50", "100")
	stale.Now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.Len(t, stale.Expire(time.Hour), 1)
	_, err = stale.UpdateExit(old.TradeID, dec("0.90"), "late")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEveryTransitionAppendsOneLine(t *testing.T) {
	s := newTestSimulator(t)
	a := logBuy(t, s, "binary_hedging", "0.40", "10")
	b := logBuy(t, s, "binary_hedging", "0.60", "10")
	_, err := s.UpdateExit(a.TradeID, dec("0.5"), "take_profit")
	require.NoError(t, err)
	_, err = s.ResolveTrade(a.TradeID, "YES", decimal.NewFromInt(1))
	require.NoError(t, err)
	_, err = s.ResolveTrade(b.TradeID, "NO", decimal.Zero)
	require.NoError(t, err)
	if got := countLines(t, s.SessionFile()); got != 5 {
		t.Fatalf("lines=%d want=5", got)
	}
}

func TestExpire_ExcludesFromPnL(t *testing.T) {
	s := newTestSimulator(t)
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return base }
	old := logBuy(t, s, "combinatorial_arbitrage", "0.30", "10")
	s.Now = func() time.Time { return base.Add(50 * time.Minute) }
	fresh := logBuy(t, s, "combinatorial_arbitrage", "0.30", "10")
	s.Now = func() time.Time { return base.Add(70 * time.Minute) }

	expired := s.Expire(time.Hour)
	require.Len(t, expired, 1)
	require.Equal(t, old.TradeID, expired[0].TradeID)
	require.Equal(t, models.TradeExpired, expired[0].Status)

	open := s.OpenTrades()
	require.Len(t, open, 2)
	require.Equal(t, fresh.TradeID, open[0].TradeID)
	require.Equal(t, old.TradeID, open[1].TradeID)

	st := s.Statistics()
	require.Equal(t, 1, st.ExpiredTrades)
	require.Equal(t, 0, st.ResolvedTrades)
	require.True(t, st.TotalPnL.IsZero())
	require.True(t, st.Equal(s.RecomputeStatistics()))

	// the market settles after the timeout
	got, err := s.ResolveTrade(old.TradeID, "YES", decimal.NewFromInt(1))
	require.NoError(t, err)
	require.Equal(t, models.TradeResolved, got.Status)
	require.True(t, got.NetPnL.Equal(dec("6.86")))

	st = s.Statistics()
	require.Zero(t, st.ExpiredTrades)
	require.Equal(t, 1, st.ResolvedTrades)
	require.True(t, st.TotalPnL.Equal(dec("6.86")))
	require.True(t, st.Equal(s.RecomputeStatistics()))

	_, err = s.ResolveTrade(old.TradeID, "YES", decimal.NewFromInt(1))
	require.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestCancel_WithdrawsOpenTrade(t *testing.T) {
	s := newTestSimulator(t)
	tr := logBuy(t, s, "binary_hedging", "0.45", "100")

	got, err := s.Cancel(tr.TradeID, "leg_failed")
	require.NoError(t, err)
	require.Equal(t, models.TradeCancelled, got.Status)
	require.Nil(t, got.NetPnL)

	_, err = s.Cancel(tr.TradeID, "again")
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = s.ResolveTrade(tr.TradeID, "YES", decimal.NewFromInt(1))
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = s.Cancel("missing", "x")
	require.ErrorIs(t, err, ErrUnknownTrade)

	st := s.Statistics()
	require.Equal(t, 1, st.CancelledTrades)
	require.Empty(t, s.OpenTrades())
	require.True(t, st.Equal(s.RecomputeStatistics()))
	require.Contains(t, s.GenerateReport(), "Cancelled Trades: 1")
}

func TestLogTrade_RejectsEmptyQuantity(t *testing.T) {
	s := newTestSimulator(t)
	_, err := s.LogTrade(TradeInput{Strategy: "x", EntryPrice: dec("0.5"), Quantity: decimal.Zero})
	require.Error(t, err)
	require.Equal(t, 0, s.Statistics().TotalTrades)
}

func TestGenerateReport_StrategyBreakdown(t *testing.T) {
	s := newTestSimulator(t)
	a := logBuy(t, s, "binary_hedging", "0.40", "250")
	b := logBuy(t, s, "latency_arbitrage", "0.50", "100")
	logBuy(t, s, "market_making", "0.50", "100")
	_, _ = s.ResolveTrade(a.TradeID, "YES", decimal.NewFromInt(1))
	_, _ = s.ResolveTrade(b.TradeID, "NO", decimal.Zero)

	report := s.GenerateReport()
	for _, want := range []string{
		"SIMULATION PERFORMANCE REPORT",
		"Session ID: " + s.SessionID,
		"Total Simulated Trades: 3",
		"Resolved Trades: 2",
		"Pending/Monitoring: 1",
		"Win Rate: 50.00%",
		"Total PnL: $97.00",
		"binary_hedging:",
		"latency_arbitrage:",
	} {
		if !strings.Contains(report, want) {
			t.Fatalf("report missing %q:\n%s", want, report)
		}
	}
	if strings.Contains(report, "market_making:") {
		t.Fatalf("unresolved strategy listed in breakdown")
	}

	rows := s.Breakdown()
	require.Len(t, rows, 2)
	require.Equal(t, "binary_hedging", rows[0].Strategy)
	require.True(t, rows[0].TotalPnL.Equal(dec("147")))
	require.Equal(t, 1, rows[1].Losses)
}

func TestSaveFinalReportAndExportCSV(t *testing.T) {
	s := newTestSimulator(t)
	a := logBuy(t, s, "binary_hedging", "0.40", "250")
	logBuy(t, s, "binary_hedging", "0.20", "50")
	_, _ = s.ResolveTrade(a.TradeID, "YES", decimal.NewFromInt(1))

	reportPath, err := s.SaveFinalReport()
	require.NoError(t, err)
	raw, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	require.Contains(t, string(raw), "Total PnL: $147.00")

	csvPath, err := s.ExportCSV()
	require.NoError(t, err)
	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, csvHeader, rows[0])
	require.Equal(t, a.TradeID, rows[1][0])
	require.Equal(t, "RESOLVED", rows[1][9])
	require.Equal(t, "147", rows[1][22])
}

func TestExportCSV_EmptySession(t *testing.T) {
	s := newTestSimulator(t)
	path, err := s.ExportCSV()
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, strings.Join(csvHeader, ",")+"\n", string(raw))
}

func TestReplay_RebuildsLatestState(t *testing.T) {
	s := newTestSimulator(t)
	a := logBuy(t, s, "binary_hedging", "0.40", "250")
	b := logBuy(t, s, "latency_arbitrage", "0.50", "100")
	_, _ = s.UpdateExit(b.TradeID, dec("0.6"), "take_profit")
	_, _ = s.ResolveTrade(a.TradeID, "YES", decimal.NewFromInt(1))

	r, err := Replay(s.SessionFile(), decimal.NewFromFloat(0.02))
	require.NoError(t, err)
	require.Equal(t, s.SessionID, r.SessionID)
	require.True(t, s.Statistics().Equal(r.Statistics()), "live=%+v replay=%+v", s.Statistics(), r.Statistics())

	tr, ok := r.Trade(b.TradeID)
	require.True(t, ok)
	require.Equal(t, models.TradeMonitoring, tr.Status)
	require.Equal(t, "take_profit", tr.ExitReason)
	require.Contains(t, r.GenerateReport(), "Total PnL: $147.00")
}

func TestReplay_BadLine(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/sim_1.jsonl"
	require.NoError(t, os.WriteFile(path, []byte("{not json}\n"), 0o644))
	_, err := Replay(path, decimal.Zero)
	require.Error(t, err)
}

func TestProperty_IncrementalStatsMatchRecompute(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	consistent := func(s *Simulator) bool {
		st := s.Statistics()
		return st.Equal(s.RecomputeStatistics()) &&
			st.WinningTrades+st.LosingTrades == st.ResolvedTrades &&
			st.PendingTrades+st.MonitoringTrades+st.ResolvedTrades+st.ExpiredTrades+st.CancelledTrades == st.TotalTrades
	}

	// op: 0 log, 1 exit first open, 2 resolve first open YES, 3 resolve first
	// open NO, 4 re-resolve any, 5 expire stale, 6 cancel first open
	properties.Property("Statistics equals RecomputeStatistics after every operation", prop.ForAll(
		func(ops []int) bool {
			s, err := New(config.TestingConfig{OutputDir: t.TempDir()}, config.TradingConfig{WinnerFee: 0.02}, nil, nil)
			if err != nil {
				return false
			}
			clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			s.Now = func() time.Time { return clock }
			for i, op := range ops {
				clock = clock.Add(time.Minute)
				open := s.OpenTrades()
				switch op {
				case 0:
					price := decimal.NewFromInt(int64(5 + i%90)).Div(decimal.NewFromInt(100))
					_, _ = s.LogTrade(TradeInput{Strategy: "p", TokenID: "t", Side: SideBuy, EntryPrice: price, Quantity: decimal.NewFromInt(int64(1 + i))})
				case 1:
					if len(open) > 0 {
						_, _ = s.UpdateExit(open[0].TradeID, decimal.NewFromFloat(0.5), "x")
					}
				case 2:
					if len(open) > 0 {
						_, _ = s.ResolveTrade(open[len(open)-1].TradeID, "YES", decimal.NewFromInt(1))
					}
				case 3:
					if len(open) > 0 {
						_, _ = s.ResolveTrade(open[0].TradeID, "NO", decimal.Zero)
					}
				case 4:
					all := s.TradesByStatus(models.TradeResolved)
					if len(all) > 0 {
						if _, err := s.ResolveTrade(all[0].TradeID, "NO", decimal.Zero); !errors.Is(err, ErrAlreadyResolved) {
							return false
						}
					}
				case 5:
					for _, tr := range s.Expire(3 * time.Minute) {
						if tr.Status != models.TradeExpired {
							return false
						}
					}
				case 6:
					if len(open) > 0 {
						_, _ = s.Cancel(open[0].TradeID, "x")
					}
				}
				if !consistent(s) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 6)),
	))

	properties.TestingRun(t)
}
