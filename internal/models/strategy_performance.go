package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// StrategyPerformance is folded from closed positions, never recomputed.
type StrategyPerformance struct {
	StrategyName string `gorm:"primaryKey;type:varchar(50)" json:"strategy"`

	TotalTrades   int `gorm:"not null;default:0" json:"total_trades"`
	WinningTrades int `gorm:"not null;default:0" json:"winning_trades"`

	GrossPnL decimal.Decimal `gorm:"column:gross_pnl;type:numeric(30,10);not null;default:0" json:"gross_pnl"`
	Fees     decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"total_fees"`
	NetPnL   decimal.Decimal `gorm:"column:net_pnl;type:numeric(30,10);not null;default:0" json:"net_pnl"`

	PeakPnL     decimal.Decimal `gorm:"column:peak_pnl;type:numeric(30,10);not null;default:0" json:"-"`
	MaxDrawdown decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"max_drawdown"`

	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (StrategyPerformance) TableName() string {
	return "strategy_performance"
}

// Fold adds one closed position. Open positions are ignored.
func (s *StrategyPerformance) Fold(p *Position) {
	if s == nil || p == nil || p.Status != PositionClosed {
		return
	}
	s.TotalTrades++
	if p.RealizedPnL.IsPositive() {
		s.WinningTrades++
	}
	fees := p.EntryFee.Add(p.ExitFee)
	s.GrossPnL = s.GrossPnL.Add(p.RealizedPnL.Add(fees))
	s.Fees = s.Fees.Add(fees)
	s.NetPnL = s.NetPnL.Add(p.RealizedPnL)
	if s.NetPnL.GreaterThan(s.PeakPnL) {
		s.PeakPnL = s.NetPnL
	}
	if dd := s.PeakPnL.Sub(s.NetPnL); dd.GreaterThan(s.MaxDrawdown) {
		s.MaxDrawdown = dd
	}
}

// WinRate is a percentage.
func (s StrategyPerformance) WinRate() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.WinningTrades) / float64(s.TotalTrades) * 100
}

func (s StrategyPerformance) AvgProfitPerTrade() decimal.Decimal {
	if s.TotalTrades == 0 {
		return decimal.Zero
	}
	return s.NetPnL.Div(decimal.NewFromInt(int64(s.TotalTrades)))
}
