package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"polybot/internal/config"
	"polybot/internal/db"
	"polybot/internal/models"
	"polybot/internal/orchestrator"
	gormrepository "polybot/internal/repository/gorm"
	"polybot/internal/risk"
	"polybot/internal/simulator"
	"polybot/internal/strategy"
)

type fakeBot struct {
	status orchestrator.Status
	gov    *risk.Governor
	sim    *simulator.Simulator
}

func (b *fakeBot) Status() orchestrator.Status     { return b.status }
func (b *fakeBot) Strategies() []strategy.Strategy { return nil }
func (b *fakeBot) Governor() *risk.Governor        { return b.gov }
func (b *fakeBot) Simulator() *simulator.Simulator { return b.sim }

func fixedNow() time.Time {
	return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
}

func newFakeBot(t *testing.T, paper bool) *fakeBot {
	t.Helper()
	trading := config.TradingConfig{MaxPositionSizeUSD: 1000, RiskPerTrade: 0.02, WinnerFee: 0.02}
	b := &fakeBot{
		status: orchestrator.Status{Running: true, Mode: strategy.ModeTesting, Balance: decimal.NewFromInt(900), StartingBalance: decimal.NewFromInt(1000)},
		gov:    risk.NewGovernor(config.RiskConfig{MaxTotalExposureUSD: 500, MaxPositions: 5, MaxLossPerDayUSD: 100, EmergencyStopLossPct: 0.1}, trading, nil, nil),
	}
	if paper {
		sim, err := simulator.New(config.TestingConfig{OutputDir: t.TempDir()}, trading, nil, nil)
		require.NoError(t, err)
		b.sim = sim
	}
	return b
}

func newEngine(register ...func(*gin.Engine)) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	for _, fn := range register {
		fn(r)
	}
	return r
}

func do(t *testing.T, r *gin.Engine, method, path string) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var body apiResponse
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestHealth_ReadyFollowsRunning(t *testing.T) {
	running := false
	h := &HealthHandler{Running: func() bool { return running }}
	r := newEngine(h.Register)

	w, _ := do(t, r, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, r, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	running = true
	w, _ = do(t, r, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestStatusAndRisk(t *testing.T) {
	bot := newFakeBot(t, false)
	h := &BotHandler{Bot: bot}
	r := newEngine(h.Register)

	w, body := do(t, r, http.MethodGet, "/api/v1/status")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 0, body.Code)
	data := body.Data.(map[string]any)
	require.Equal(t, true, data["running"])
	require.Equal(t, "900", data["balance"])

	require.True(t, bot.gov.CheckEmergencyStop(decimal.NewFromInt(850), decimal.NewFromInt(1000)))
	_, body = do(t, r, http.MethodGet, "/api/v1/risk")
	require.Equal(t, true, body.Data.(map[string]any)["emergency_stop"])

	w, body = do(t, r, http.MethodPost, "/api/v1/risk/reset-emergency-stop")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, body.Data.(map[string]any)["was_stopped"])
	require.False(t, bot.gov.EmergencyStopped())
}

func TestStrategies_UnknownName(t *testing.T) {
	h := &BotHandler{Bot: newFakeBot(t, false)}
	r := newEngine(h.Register)

	_, body := do(t, r, http.MethodGet, "/api/v1/strategies")
	require.Equal(t, float64(0), body.Meta["count"])

	w, _ := do(t, r, http.MethodGet, "/api/v1/strategies/nope")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestSimulation_DisabledOutsideTesting(t *testing.T) {
	h := &SimulationHandler{Bot: newFakeBot(t, false)}
	r := newEngine(h.Register)
	w, body := do(t, r, http.MethodGet, "/api/v1/simulation/stats")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "testing mode disabled", body.Message)
}

func TestSimulation_TradesFilterAndReport(t *testing.T) {
	bot := newFakeBot(t, true)
	for _, strat := range []string{"binary_hedging", "market_making"} {
		_, err := bot.sim.LogTrade(simulator.TradeInput{
			Strategy:   strat,
			TokenID:    "tok-" + strat,
			Side:       simulator.SideBuy,
			EntryPrice: decimal.RequireFromString("0.40"),
			Quantity:   decimal.NewFromInt(250),
		})
		require.NoError(t, err)
	}
	trade := bot.sim.PendingTrades()[0]
	_, err := bot.sim.ResolveTrade(trade.TradeID, "YES", decimal.NewFromInt(1))
	require.NoError(t, err)

	h := &SimulationHandler{Bot: bot}
	r := newEngine(h.Register)

	_, body := do(t, r, http.MethodGet, "/api/v1/simulation/stats")
	require.Equal(t, float64(2), body.Data.(map[string]any)["total_trades"])

	_, body = do(t, r, http.MethodGet, "/api/v1/simulation/trades?status=resolved")
	items := body.Data.([]any)
	require.Len(t, items, 1)
	require.Equal(t, float64(1), body.Meta["total"])

	_, body = do(t, r, http.MethodGet, "/api/v1/simulation/trades?strategy=market_making&limit=1")
	require.Len(t, body.Data.([]any), 1)

	w, _ := do(t, r, http.MethodGet, "/api/v1/simulation/trades?status=bogus")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, r, http.MethodGet, "/api/v1/simulation/trades/"+trade.TradeID)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, r, http.MethodGet, "/api/v1/simulation/report")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), trade.Strategy)
}

func TestHistory_Positions(t *testing.T) {
	conn, err := db.Open(config.DBConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "history.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(conn) })
	require.NoError(t, db.AutoMigrate(conn))
	store := gormrepository.New(conn.Gorm)

	p := models.NewPosition("binary_hedging", "m1", "tok", models.DirectionBuy,
		decimal.RequireFromString("0.40"), decimal.NewFromInt(250), decimal.Zero, nil, fixedNow())
	require.NoError(t, store.UpsertPosition(context.Background(), p))

	h := &HistoryHandler{Repo: store}
	r := newEngine(h.Register)

	w, body := do(t, r, http.MethodGet, "/api/v1/history/positions?strategy=binary_hedging")
	require.Equal(t, http.StatusOK, w.Code, body.Message)
	require.Len(t, body.Data.([]any), 1)

	_, body = do(t, r, http.MethodGet, "/api/v1/history/positions?strategy=market_making")
	require.Empty(t, body.Data)

	w, _ = do(t, r, http.MethodGet, "/api/v1/history/performance")
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, newEngine((&HistoryHandler{}).Register), http.MethodGet, "/api/v1/history/positions")
	require.Equal(t, http.StatusNotFound, w.Code)
}
