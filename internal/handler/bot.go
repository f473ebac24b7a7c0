package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"polybot/internal/orchestrator"
	"polybot/internal/risk"
	"polybot/internal/simulator"
	"polybot/internal/strategy"
)

// Bot is the read surface of a running orchestrator.
type Bot interface {
	Status() orchestrator.Status
	Strategies() []strategy.Strategy
	Governor() *risk.Governor
	Simulator() *simulator.Simulator
}

var _ Bot = (*orchestrator.Orchestrator)(nil)

type BotHandler struct {
	Bot    Bot
	Logger *zap.Logger
}

func (h *BotHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1")
	group.GET("/status", h.status)
	group.GET("/strategies", h.listStrategies)
	group.GET("/strategies/:name", h.getStrategy)
	group.GET("/strategies/:name/positions", h.strategyPositions)
	group.GET("/risk", h.risk)
	group.POST("/risk/reset-emergency-stop", h.resetEmergencyStop)
}

// @Summary Bot status
// @Tags bot
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/v1/status [get]
func (h *BotHandler) status(c *gin.Context) {
	if h.Bot == nil {
		Error(c, http.StatusServiceUnavailable, "bot unavailable", nil)
		return
	}
	Ok(c, h.Bot.Status(), nil)
}

// @Summary List strategy summaries
// @Tags strategies
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/v1/strategies [get]
func (h *BotHandler) listStrategies(c *gin.Context) {
	if h.Bot == nil {
		Error(c, http.StatusServiceUnavailable, "bot unavailable", nil)
		return
	}
	items := make([]strategy.Summary, 0)
	for _, s := range h.Bot.Strategies() {
		items = append(items, s.Summary())
	}
	Ok(c, items, map[string]any{"count": len(items)})
}

// @Summary Strategy summary
// @Tags strategies
// @Produce json
// @Param name path string true "strategy name"
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /api/v1/strategies/{name} [get]
func (h *BotHandler) getStrategy(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	Ok(c, s.Summary(), nil)
}

// @Summary Positions held by a strategy in this session
// @Tags strategies
// @Produce json
// @Param name path string true "strategy name"
// @Param open query bool false "only open positions"
// @Success 200 {object} map[string]any
// @Router /api/v1/strategies/{name}/positions [get]
func (h *BotHandler) strategyPositions(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	items := s.Positions()
	if open := boolQueryPtr(c, "open"); open != nil {
		filtered := items[:0]
		for _, p := range items {
			p := p // per-iteration copy (Go 1.22+ loop semantics on go1.21)
			if p.IsOpen() == *open {
				filtered = append(filtered, p)
			}
		}
		items = filtered
	}
	Ok(c, items, map[string]any{"count": len(items)})
}

func (h *BotHandler) lookup(c *gin.Context) (strategy.Strategy, bool) {
	if h.Bot == nil {
		Error(c, http.StatusServiceUnavailable, "bot unavailable", nil)
		return nil, false
	}
	name := strings.TrimSpace(c.Param("name"))
	if name == "" {
		Error(c, http.StatusBadRequest, "name required", nil)
		return nil, false
	}
	for _, s := range h.Bot.Strategies() {
		if s.Name() == name {
			return s, true
		}
	}
	Error(c, http.StatusNotFound, "strategy not found", nil)
	return nil, false
}

// @Summary Risk metrics
// @Tags risk
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/v1/risk [get]
func (h *BotHandler) risk(c *gin.Context) {
	if h.Bot == nil || h.Bot.Governor() == nil {
		Error(c, http.StatusServiceUnavailable, "risk governor unavailable", nil)
		return
	}
	gov := h.Bot.Governor()
	Ok(c, gov.Metrics(), map[string]any{"open_positions": gov.OpenPositions()})
}

// @Summary Clear a latched emergency stop
// @Tags risk
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/v1/risk/reset-emergency-stop [post]
func (h *BotHandler) resetEmergencyStop(c *gin.Context) {
	if h.Bot == nil || h.Bot.Governor() == nil {
		Error(c, http.StatusServiceUnavailable, "risk governor unavailable", nil)
		return
	}
	gov := h.Bot.Governor()
	was := gov.EmergencyStopped()
	gov.ResetEmergencyStop()
	if h.Logger != nil {
		h.Logger.Warn("emergency stop reset via api", zap.Bool("was_stopped", was), zap.String("remote", c.ClientIP()))
	}
	Ok(c, gin.H{"emergency_stop": false, "was_stopped": was}, nil)
}
