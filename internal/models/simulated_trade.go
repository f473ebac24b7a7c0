package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type TradeStatus string

const (
	TradePending    TradeStatus = "PENDING"
	TradeMonitoring TradeStatus = "MONITORING"
	TradeResolved   TradeStatus = "RESOLVED"
	TradeExpired    TradeStatus = "EXPIRED"
	TradeCancelled  TradeStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s TradeStatus) Terminal() bool {
	return s == TradeResolved || s == TradeExpired || s == TradeCancelled
}

// SimulatedTrade is a paper trade. The JSON form is the append-only log record.
type SimulatedTrade struct {
	TradeID   string `gorm:"primaryKey;type:varchar(120)" json:"trade_id"`
	SessionID string `gorm:"type:varchar(50);not null;index" json:"session_id"`
	Strategy  string `gorm:"type:varchar(50);not null;index" json:"strategy"`
	MarketID  string `gorm:"type:varchar(100);index" json:"market_id"`
	TokenID   string `gorm:"type:varchar(100);not null;index" json:"token_id"`
	Side      string `gorm:"type:varchar(10);not null" json:"side"`

	EntryPrice decimal.Decimal `gorm:"type:numeric(20,10);not null" json:"entry_price"`
	Quantity   decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"amount"`
	Timestamp  time.Time       `gorm:"not null" json:"timestamp"`

	Status           TradeStatus     `gorm:"type:varchar(20);not null;index" json:"status"`
	MarketQuestion   string          `gorm:"type:text" json:"market_question,omitempty"`
	PredictedOutcome string          `gorm:"type:varchar(20)" json:"outcome,omitempty"`
	Edge             decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0" json:"edge"`
	Confidence       decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0" json:"confidence"`

	Metadata datatypes.JSONMap `json:"metadata,omitempty"`

	ExitPrice       *decimal.Decimal `gorm:"type:numeric(20,10)" json:"exit_price,omitempty"`
	ExitTimestamp   *time.Time       `json:"exit_timestamp,omitempty"`
	ExitReason      string           `gorm:"type:varchar(50)" json:"exit_reason,omitempty"`
	WouldHaveExited bool             `gorm:"not null;default:false" json:"would_have_exited"`

	ResolutionOutcome  string           `gorm:"type:varchar(20)" json:"resolution_outcome,omitempty"`
	SettlementPrice    *decimal.Decimal `gorm:"type:numeric(20,10)" json:"settlement_price,omitempty"`
	GrossPnL           *decimal.Decimal `gorm:"column:gross_pnl;type:numeric(30,10)" json:"gross_pnl,omitempty"`
	Fees               *decimal.Decimal `gorm:"type:numeric(30,10)" json:"fees,omitempty"`
	NetPnL             *decimal.Decimal `gorm:"column:net_pnl;type:numeric(30,10)" json:"net_pnl,omitempty"`
	ROIPct             *decimal.Decimal `gorm:"column:roi_pct;type:numeric(20,10)" json:"roi_pct,omitempty"`
	HoldingTimeSeconds *int64           `json:"holding_time_seconds,omitempty"`
	ResolvedAt         *time.Time       `json:"resolved_at,omitempty"`
}

func (SimulatedTrade) TableName() string {
	return "simulated_trades"
}

func (t *SimulatedTrade) CostBasis() decimal.Decimal {
	return t.EntryPrice.Mul(t.Quantity)
}
