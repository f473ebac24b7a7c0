package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"polybot/internal/repository"
)

// HistoryHandler serves what the database mirror kept across sessions.
type HistoryHandler struct {
	Repo repository.Repository
}

func (h *HistoryHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/history")
	group.GET("/positions", h.positions)
	group.GET("/performance", h.performance)
	group.GET("/simulated-trades", h.simulatedTrades)
}

// @Summary Persisted positions
// @Tags history
// @Produce json
// @Param status query string false "OPEN or CLOSED"
// @Param strategy query string false "strategy name"
// @Param market_id query string false "market id"
// @Param order_by query string false "opened_at, closed_at, realized_pnl"
// @Param asc query bool false "ascending"
// @Param limit query int false "page size"
// @Param offset query int false "offset"
// @Success 200 {object} map[string]any
// @Router /api/v1/history/positions [get]
func (h *HistoryHandler) positions(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusNotFound, "persistence disabled", nil)
		return
	}
	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)
	items, err := h.Repo.ListPositions(c.Request.Context(), repository.ListPositionsParams{
		Limit:        limit,
		Offset:       offset,
		Status:       strQueryPtr(c, "status"),
		StrategyName: strQueryPtr(c, "strategy"),
		MarketID:     strQueryPtr(c, "market_id"),
		OrderBy: parseOrder(c.Query("order_by"), map[string]string{
			"opened_at":    "opened_at",
			"closed_at":    "closed_at",
			"realized_pnl": "realized_pnl",
		}),
		Asc: boolQueryPtr(c, "asc"),
	})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, len(items)))
}

// @Summary Persisted strategy performance
// @Tags history
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/v1/history/performance [get]
func (h *HistoryHandler) performance(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusNotFound, "persistence disabled", nil)
		return
	}
	items, err := h.Repo.ListStrategyPerformance(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}

// @Summary Persisted paper trades across sessions
// @Tags history
// @Produce json
// @Param session_id query string false "session id"
// @Param status query string false "trade status"
// @Param strategy query string false "strategy name"
// @Param limit query int false "page size"
// @Param offset query int false "offset"
// @Success 200 {object} map[string]any
// @Router /api/v1/history/simulated-trades [get]
func (h *HistoryHandler) simulatedTrades(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusNotFound, "persistence disabled", nil)
		return
	}
	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)
	items, err := h.Repo.ListSimulatedTrades(c.Request.Context(), repository.ListSimulatedTradesParams{
		Limit:     limit,
		Offset:    offset,
		SessionID: strQueryPtr(c, "session_id"),
		Status:    strQueryPtr(c, "status"),
		Strategy:  strQueryPtr(c, "strategy"),
	})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, len(items)))
}
