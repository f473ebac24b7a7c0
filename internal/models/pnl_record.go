package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PnLRecord is one realized-PnL entry of the risk ledger.
type PnLRecord struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	StrategyName string `gorm:"type:varchar(50);not null;index"`
	PositionID   string `gorm:"type:varchar(120);index"`

	// Explicit column name because default GORM naming turns "PnL" into "pn_l".
	PnL decimal.Decimal `gorm:"column:pnl;type:numeric(30,10);not null"`

	RecordedAt time.Time `gorm:"not null;index"`
}

func (PnLRecord) TableName() string {
	return "pnl_records"
}
