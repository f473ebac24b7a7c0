package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"polybot/internal/models"
	"polybot/internal/simulator"
)

type SimulationHandler struct {
	Bot Bot
}

func (h *SimulationHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/simulation")
	group.GET("/stats", h.stats)
	group.GET("/trades", h.trades)
	group.GET("/trades/:id", h.trade)
	group.GET("/breakdown", h.breakdown)
	group.GET("/report", h.report)
}

func (h *SimulationHandler) sim(c *gin.Context) (*simulator.Simulator, bool) {
	if h.Bot == nil || h.Bot.Simulator() == nil {
		Error(c, http.StatusNotFound, "testing mode disabled", nil)
		return nil, false
	}
	return h.Bot.Simulator(), true
}

// @Summary Paper trading statistics
// @Tags simulation
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /api/v1/simulation/stats [get]
func (h *SimulationHandler) stats(c *gin.Context) {
	sim, ok := h.sim(c)
	if !ok {
		return
	}
	Ok(c, sim.Statistics(), map[string]any{"session_file": sim.SessionFile()})
}

// @Summary List paper trades
// @Tags simulation
// @Produce json
// @Param status query string false "PENDING, MONITORING, RESOLVED, EXPIRED"
// @Param strategy query string false "strategy name"
// @Param limit query int false "page size"
// @Param offset query int false "offset"
// @Success 200 {object} map[string]any
// @Router /api/v1/simulation/trades [get]
func (h *SimulationHandler) trades(c *gin.Context) {
	sim, ok := h.sim(c)
	if !ok {
		return
	}
	status := models.TradeStatus(strings.ToUpper(strings.TrimSpace(c.Query("status"))))
	switch status {
	case "", models.TradePending, models.TradeMonitoring, models.TradeResolved, models.TradeExpired, models.TradeCancelled:
	default:
		Error(c, http.StatusBadRequest, "invalid status", nil)
		return
	}
	items := sim.TradesByStatus(status)
	if name := strQueryPtr(c, "strategy"); name != nil {
		filtered := items[:0]
		for _, t := range items {
			if t.Strategy == *name {
				filtered = append(filtered, t)
			}
		}
		items = filtered
	}
	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	total := len(items)
	if offset > total {
		offset = total
	}
	end := min(offset+limit, total)
	meta := paginationMeta(limit, offset, end-offset)
	meta["total"] = total
	meta["has_next"] = end < total
	Ok(c, items[offset:end], meta)
}

// @Summary One paper trade
// @Tags simulation
// @Produce json
// @Param id path string true "trade id"
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /api/v1/simulation/trades/{id} [get]
func (h *SimulationHandler) trade(c *gin.Context) {
	sim, ok := h.sim(c)
	if !ok {
		return
	}
	t, found := sim.Trade(strings.TrimSpace(c.Param("id")))
	if !found {
		Error(c, http.StatusNotFound, "trade not found", nil)
		return
	}
	Ok(c, t, nil)
}

// @Summary Per-strategy breakdown of resolved paper trades
// @Tags simulation
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/v1/simulation/breakdown [get]
func (h *SimulationHandler) breakdown(c *gin.Context) {
	sim, ok := h.sim(c)
	if !ok {
		return
	}
	Ok(c, sim.Breakdown(), nil)
}

// @Summary Text report of the paper session
// @Tags simulation
// @Produce plain
// @Success 200 {string} string
// @Router /api/v1/simulation/report [get]
func (h *SimulationHandler) report(c *gin.Context) {
	sim, ok := h.sim(c)
	if !ok {
		return
	}
	c.String(http.StatusOK, sim.GenerateReport())
}
