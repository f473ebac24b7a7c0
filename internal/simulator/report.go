package simulator

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"polybot/internal/models"
)

type StrategyBreakdown struct {
	Strategy string          `json:"strategy"`
	Trades   int             `json:"trades"`
	Wins     int             `json:"wins"`
	Losses   int             `json:"losses"`
	WinRate  decimal.Decimal `json:"win_rate"`
	TotalPnL decimal.Decimal `json:"total_pnl"`
}

// Breakdown aggregates RESOLVED trades per strategy, ordered by name.
func (s *Simulator) Breakdown() []StrategyBreakdown {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	byName := map[string]*StrategyBreakdown{}
	for _, t := range s.trades {
		if t.Status != models.TradeResolved {
			continue
		}
		b, ok := byName[t.Strategy]
		if !ok {
			b = &StrategyBreakdown{Strategy: t.Strategy}
			byName[t.Strategy] = b
		}
		net := decimal.Zero
		if t.NetPnL != nil {
			net = *t.NetPnL
		}
		b.Trades++
		b.TotalPnL = b.TotalPnL.Add(net)
		if net.IsPositive() {
			b.Wins++
		} else {
			b.Losses++
		}
	}
	s.mu.Unlock()

	out := make([]StrategyBreakdown, 0, len(byName))
	for _, b := range byName {
		if b.Trades > 0 {
			b.WinRate = decimal.NewFromInt(int64(b.Wins)).Div(decimal.NewFromInt(int64(b.Trades))).Mul(hundred)
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strategy < out[j].Strategy })
	return out
}

func (s *Simulator) GenerateReport() string {
	if s == nil {
		return ""
	}
	st := s.Statistics()
	rule := strings.Repeat("=", 70)

	var b strings.Builder
	fmt.Fprintln(&b, rule)
	fmt.Fprintln(&b, "SIMULATION PERFORMANCE REPORT")
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "Session ID: %s\n", st.SessionID)
	if !s.startedAt.IsZero() {
		fmt.Fprintf(&b, "Started: %s\n", s.startedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(&b, "Generated: %s\n\n", s.now().Format("2006-01-02 15:04:05"))

	fmt.Fprintln(&b, "Overall Statistics:")
	fmt.Fprintf(&b, "  Total Simulated Trades: %d\n", st.TotalTrades)
	fmt.Fprintf(&b, "  Resolved Trades: %d\n", st.ResolvedTrades)
	fmt.Fprintf(&b, "  Pending/Monitoring: %d\n", st.PendingTrades+st.MonitoringTrades)
	fmt.Fprintf(&b, "  Expired Trades: %d\n", st.ExpiredTrades)
	fmt.Fprintf(&b, "  Cancelled Trades: %d\n\n", st.CancelledTrades)
	fmt.Fprintf(&b, "  Winning Trades: %d\n", st.WinningTrades)
	fmt.Fprintf(&b, "  Losing Trades: %d\n", st.LosingTrades)
	fmt.Fprintf(&b, "  Win Rate: %s%%\n\n", st.WinRate.StringFixed(2))
	fmt.Fprintf(&b, "  Total PnL: $%s\n", st.TotalPnL.StringFixed(2))
	fmt.Fprintf(&b, "  Average PnL/Trade: $%s\n", st.AvgPnLPerTrade.StringFixed(2))

	if rows := s.Breakdown(); len(rows) > 0 {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "Strategy Performance:")
		for _, r := range rows {
			fmt.Fprintf(&b, "\n  %s:\n", r.Strategy)
			fmt.Fprintf(&b, "    Trades: %d\n", r.Trades)
			fmt.Fprintf(&b, "    Win Rate: %s%%\n", r.WinRate.StringFixed(2))
			fmt.Fprintf(&b, "    Total PnL: $%s\n", r.TotalPnL.StringFixed(2))
		}
	}
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, rule)
	return b.String()
}

// SaveFinalReport writes <session>_report.txt and returns its path.
func (s *Simulator) SaveFinalReport() (string, error) {
	report := s.GenerateReport()
	path := s.ReportFile()
	if err := os.WriteFile(path, []byte(report), 0o644); err != nil {
		return "", fmt.Errorf("simulator: write report: %w", err)
	}
	if s.Logger != nil {
		s.Logger.Info("simulator: final report saved", zap.String("path", path))
	}
	return path, nil
}

var csvHeader = []string{
	"trade_id", "session_id", "strategy", "market_id", "token_id", "side",
	"entry_price", "amount", "timestamp", "status", "market_question", "outcome",
	"edge", "confidence", "exit_price", "exit_timestamp", "exit_reason", "would_have_exited",
	"resolution_outcome", "settlement_price", "gross_pnl", "fees", "net_pnl", "roi_pct",
	"holding_time_seconds", "resolved_at", "metadata",
}

// ExportCSV writes every trade to <session>_trades.csv. An empty session
// produces a header-only file.
func (s *Simulator) ExportCSV() (string, error) {
	trades := s.TradesByStatus("")
	path := s.CSVFile()
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("simulator: create csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return "", err
	}
	for i := range trades {
		if err := w.Write(csvRow(&trades[i])); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("simulator: write csv: %w", err)
	}
	if s.Logger != nil {
		s.Logger.Info("simulator: trades exported", zap.String("path", path), zap.Int("rows", len(trades)))
	}
	return path, nil
}

func csvRow(t *models.SimulatedTrade) []string {
	meta := ""
	if len(t.Metadata) > 0 {
		if raw, err := json.Marshal(t.Metadata); err == nil {
			meta = string(raw)
		}
	}
	return []string{
		t.TradeID, t.SessionID, t.Strategy, t.MarketID, t.TokenID, t.Side,
		t.EntryPrice.String(), t.Quantity.String(), formatTime(&t.Timestamp), string(t.Status),
		t.MarketQuestion, t.PredictedOutcome, t.Edge.String(), t.Confidence.String(),
		formatDecimal(t.ExitPrice), formatTime(t.ExitTimestamp), t.ExitReason, strconv.FormatBool(t.WouldHaveExited),
		t.ResolutionOutcome, formatDecimal(t.SettlementPrice), formatDecimal(t.GrossPnL), formatDecimal(t.Fees),
		formatDecimal(t.NetPnL), formatDecimal(t.ROIPct), formatInt(t.HoldingTimeSeconds), formatTime(t.ResolvedAt),
		meta,
	}
}

func formatDecimal(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

// Replay rebuilds a read-only session from its JSONL log. The last record for
// each trade id wins; trades keep their first-seen order.
func Replay(path string, feeRate decimal.Decimal) (*Simulator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("simulator: open session log: %w", err)
	}
	defer f.Close()

	s := &Simulator{
		OutputDir: filepath.Dir(path),
		SessionID: strings.TrimSuffix(filepath.Base(path), ".jsonl"),
		FeeRate:   feeRate,
		byID:      map[string]*models.SimulatedTrade{},
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var t models.SimulatedTrade
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("simulator: %s line %d: %w", path, line, err)
		}
		if cur, ok := s.byID[t.TradeID]; ok {
			*cur = t
			continue
		}
		rec := t
		s.trades = append(s.trades, &rec)
		s.byID[t.TradeID] = &rec
		if s.startedAt.IsZero() || t.Timestamp.Before(s.startedAt) {
			s.startedAt = t.Timestamp
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("simulator: read session log: %w", err)
	}
	s.stats, _, _ = foldTrades(s.trades)
	return s, nil
}
