package models

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

const (
	PositionOpen   = "OPEN"
	PositionClosed = "CLOSED"
)

var positionSeq atomic.Uint64

type Position struct {
	ID           string `gorm:"primaryKey;type:varchar(120)"`
	MarketID     string `gorm:"type:varchar(100);not null;index"`
	TokenID      string `gorm:"type:varchar(100);not null;index"`
	StrategyName string `gorm:"type:varchar(50);not null;index"`

	Direction Direction `gorm:"type:varchar(10);not null"`

	EntryPrice decimal.Decimal `gorm:"type:numeric(20,10);not null"`
	Quantity   decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	CostBasis  decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	EntryFee   decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`

	ExitPrice   *decimal.Decimal `gorm:"type:numeric(20,10)"`
	ExitFee     decimal.Decimal  `gorm:"type:numeric(30,10);not null;default:0"`
	RealizedPnL decimal.Decimal  `gorm:"column:realized_pnl;type:numeric(30,10);not null;default:0"`
	ROIPct      decimal.Decimal  `gorm:"column:roi_pct;type:numeric(20,10);not null;default:0"`

	Status   string    `gorm:"type:varchar(10);not null;index"`
	OpenedAt time.Time `gorm:"not null"`
	ClosedAt *time.Time

	Metadata datatypes.JSONMap
}

func (Position) TableName() string {
	return "positions"
}

// NewPosition builds an open position. The id carries the entry time plus a
// process-wide sequence so two legs opened in the same millisecond stay distinct.
func NewPosition(strategy, marketID, tokenID string, dir Direction, price, qty, entryFee decimal.Decimal, meta map[string]any, now time.Time) *Position {
	if meta == nil {
		meta = map[string]any{}
	}
	return &Position{
		ID:           fmt.Sprintf("%s_%d_%d", strategy, now.UnixMilli(), positionSeq.Add(1)),
		MarketID:     marketID,
		TokenID:      tokenID,
		StrategyName: strategy,
		Direction:    dir,
		EntryPrice:   price,
		Quantity:     qty,
		CostBasis:    price.Mul(qty),
		EntryFee:     entryFee,
		Status:       PositionOpen,
		OpenedAt:     now,
		Metadata:     datatypes.JSONMap(meta),
	}
}

func (p *Position) IsOpen() bool {
	return p != nil && p.Status == PositionOpen
}

// GrossPnL is the price move on the full quantity, sign-flipped for sells.
func (p *Position) GrossPnL(price decimal.Decimal) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	move := price.Sub(p.EntryPrice)
	if p.Direction == DirectionSell {
		move = move.Neg()
	}
	return move.Mul(p.Quantity)
}

func (p *Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if !p.IsOpen() {
		return decimal.Zero
	}
	return p.GrossPnL(mark).Sub(p.EntryFee)
}

// Close realizes the position once. A second call leaves the recorded result
// untouched and reports false.
func (p *Position) Close(exitPrice decimal.Decimal, at time.Time, exitFee decimal.Decimal) bool {
	if !p.IsOpen() {
		return false
	}
	price := exitPrice
	closedAt := at
	p.ExitPrice = &price
	p.ExitFee = exitFee
	p.ClosedAt = &closedAt
	p.RealizedPnL = p.GrossPnL(exitPrice).Sub(p.EntryFee).Sub(exitFee)
	if p.CostBasis.IsPositive() {
		p.ROIPct = p.RealizedPnL.Div(p.CostBasis).Mul(decimal.NewFromInt(100))
	}
	p.Status = PositionClosed
	return true
}

func (p *Position) Age(now time.Time) time.Duration {
	if p == nil {
		return 0
	}
	return now.Sub(p.OpenedAt)
}

func (p *Position) MetaString(key string) string {
	if p == nil || p.Metadata == nil {
		return ""
	}
	if v, ok := p.Metadata[key].(string); ok {
		return v
	}
	return ""
}

func (p *Position) MetaFloat(key string) (float64, bool) {
	if p == nil || p.Metadata == nil {
		return 0, false
	}
	switch v := p.Metadata[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case decimal.Decimal:
		return v.InexactFloat64(), true
	default:
		return 0, false
	}
}

// Clone returns a copy safe to hand to readers outside the owning strategy.
func (p *Position) Clone() Position {
	out := *p
	if p.Metadata != nil {
		out.Metadata = make(datatypes.JSONMap, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
