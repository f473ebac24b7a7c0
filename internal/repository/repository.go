package repository

import (
	"context"
	"time"

	"polybot/internal/models"
)

// Repository is the optional durable mirror. Every caller treats a nil
// Repository as "persistence disabled".
type Repository interface {
	// Risk ledger.
	InsertPnLRecord(ctx context.Context, item *models.PnLRecord) error
	ListPnLRecordsSince(ctx context.Context, since time.Time) ([]models.PnLRecord, error)

	// Positions and per-strategy aggregates.
	UpsertPosition(ctx context.Context, item *models.Position) error
	ListPositions(ctx context.Context, params ListPositionsParams) ([]models.Position, error)
	UpsertStrategyPerformance(ctx context.Context, item *models.StrategyPerformance) error
	ListStrategyPerformance(ctx context.Context) ([]models.StrategyPerformance, error)

	// Venue orders.
	InsertOrder(ctx context.Context, item *models.Order) error

	// Paper trades.
	UpsertSimulatedTrade(ctx context.Context, item *models.SimulatedTrade) error
	ListSimulatedTrades(ctx context.Context, params ListSimulatedTradesParams) ([]models.SimulatedTrade, error)
}

type ListPositionsParams struct {
	Limit        int
	Offset       int
	Status       *string
	StrategyName *string
	MarketID     *string
	OrderBy      string
	Asc          *bool
}

type ListSimulatedTradesParams struct {
	Limit     int
	Offset    int
	SessionID *string
	Status    *string
	Strategy  *string
}
