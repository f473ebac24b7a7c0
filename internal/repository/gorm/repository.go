package gormrepository

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"polybot/internal/models"
	"polybot/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

var _ repository.Repository = (*Store)(nil)

func (s *Store) InsertPnLRecord(ctx context.Context, item *models.PnLRecord) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) ListPnLRecordsSince(ctx context.Context, since time.Time) ([]models.PnLRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.PnLRecord
	err := s.db.WithContext(ctx).
		Model(&models.PnLRecord{}).
		Where("recorded_at >= ?", since).
		Order("recorded_at asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpsertPosition(ctx context.Context, item *models.Position) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.ID) == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"exit_price",
			"exit_fee",
			"realized_pnl",
			"roi_pct",
			"status",
			"closed_at",
			"metadata",
		}),
	}).Create(item).Error
}

func (s *Store) ListPositions(ctx context.Context, params repository.ListPositionsParams) ([]models.Position, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.Position{})
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.StrategyName != nil && strings.TrimSpace(*params.StrategyName) != "" {
		query = query.Where("strategy_name = ?", strings.TrimSpace(*params.StrategyName))
	}
	if params.MarketID != nil && strings.TrimSpace(*params.MarketID) != "" {
		query = query.Where("market_id = ?", strings.TrimSpace(*params.MarketID))
	}
	query = applyOrder(query, params.OrderBy, params.Asc, "opened_at")
	limit := normalizeLimit(params.Limit, 200)
	offset := normalizeOffset(params.Offset)
	var items []models.Position
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpsertStrategyPerformance(ctx context.Context, item *models.StrategyPerformance) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.StrategyName) == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "strategy_name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"total_trades",
			"winning_trades",
			"gross_pnl",
			"fees",
			"net_pnl",
			"peak_pnl",
			"max_drawdown",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) ListStrategyPerformance(ctx context.Context) ([]models.StrategyPerformance, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.StrategyPerformance
	if err := s.db.WithContext(ctx).Order("strategy_name asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) InsertOrder(ctx context.Context, item *models.Order) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) UpsertSimulatedTrade(ctx context.Context, item *models.SimulatedTrade) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.TradeID) == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trade_id"}},
		UpdateAll: true,
	}).Create(item).Error
}

func (s *Store) ListSimulatedTrades(ctx context.Context, params repository.ListSimulatedTradesParams) ([]models.SimulatedTrade, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.SimulatedTrade{})
	if params.SessionID != nil && strings.TrimSpace(*params.SessionID) != "" {
		query = query.Where("session_id = ?", strings.TrimSpace(*params.SessionID))
	}
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.ToUpper(strings.TrimSpace(*params.Status)))
	}
	if params.Strategy != nil && strings.TrimSpace(*params.Strategy) != "" {
		query = query.Where("strategy = ?", strings.TrimSpace(*params.Strategy))
	}
	limit := normalizeLimit(params.Limit, 200)
	offset := normalizeOffset(params.Offset)
	var items []models.SimulatedTrade
	if err := query.Order("timestamp desc").Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func applyOrder(query *gorm.DB, orderBy string, asc *bool, fallback string) *gorm.DB {
	column := strings.TrimSpace(orderBy)
	if column == "" {
		column = fallback
	}
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction)
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
