package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order mirrors one venue order placed for a position.
type Order struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	ClobOrderID  string `gorm:"type:varchar(100);index"`
	PositionID   string `gorm:"type:varchar(120);index"`
	StrategyName string `gorm:"type:varchar(50);not null;index"`
	TokenID      string `gorm:"type:varchar(100);not null;index"`

	Side      string `gorm:"type:varchar(10);not null"`
	OrderType string `gorm:"type:varchar(20);not null;default:'market'"`

	Price    decimal.Decimal `gorm:"type:numeric(20,10);not null"`
	Quantity decimal.Decimal `gorm:"type:numeric(30,10);not null"`

	Status    string `gorm:"type:varchar(20);not null;index"`
	ExpiresAt *time.Time

	CreatedAt time.Time `gorm:"autoCreateTime;index"`
}

func (Order) TableName() string {
	return "orders"
}
