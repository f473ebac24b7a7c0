package strategy

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"polybot/internal/client/polymarket/clob"
	"polybot/internal/feed"
	"polybot/internal/models"
)

// Strategy is one independent detector running its own analyze/execute/
// monitor loop against the shared account.
type Strategy interface {
	Name() string
	Analyze(ctx context.Context) (*Opportunity, error)
	Execute(ctx context.Context, opp *Opportunity) ([]*models.Position, error)
	MonitorPositions(ctx context.Context) error
	Run(ctx context.Context) error
	Running() bool
	Summary() Summary
	Positions() []models.Position
}

// Venue is the subset of the CLOB client the strategies use. *clob.Client
// satisfies it.
type Venue interface {
	GetMidpoint(ctx context.Context, tokenID string) (decimal.Decimal, error)
	GetOrderBook(ctx context.Context, tokenID string) (*clob.OrderBook, error)
	GetPriceHistory(ctx context.Context, tokenID, interval string, fidelity int) ([]clob.PricePoint, error)
	GetSimplifiedMarkets(ctx context.Context, cursor string) (*clob.MarketsPage, error)
	GetMarkets(ctx context.Context, cursor string) (*clob.MarketsPage, error)
	CreateMarketOrder(ctx context.Context, req clob.MarketOrderRequest) (*clob.TradingOrder, error)
	CreateLimitOrder(ctx context.Context, req clob.LimitOrderRequest) (*clob.TradingOrder, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetBalance(ctx context.Context) (decimal.Decimal, error)
}

// PriceFeed is satisfied by *feed.BinanceFeed.
type PriceFeed interface {
	OnPrice(cb feed.Callback)
	GetPrice(symbol string) (decimal.Decimal, bool)
	PriceHistory(symbol string) []feed.Tick
}

var _ Venue = (*clob.Client)(nil)
var _ PriceFeed = (*feed.BinanceFeed)(nil)

// ErrRejected wraps a risk governor rejection. It is not a failure.
var ErrRejected = errors.New("risk rejected")

const (
	KindMomentum     = "momentum"
	KindDiscount     = "discount"
	KindSumArbitrage = "sum_arbitrage"
	KindCombo        = "combo"
	KindMarketMaking = "market_making"
)

// Opportunity is a scored candidate returned by Analyze. Multi-leg
// opportunities are admitted and opened together.
type Opportunity struct {
	Kind       string
	MarketID   string
	Question   string
	Legs       []Leg
	Edge       decimal.Decimal
	Confidence decimal.Decimal
	Score      decimal.Decimal
	Metadata   map[string]any
}

type Leg struct {
	MarketID string
	TokenID  string
	Outcome  string
	Question string
	Side     models.Direction
	Price    decimal.Decimal
	SizeUSD  decimal.Decimal
	// Limit places a resting order instead of a fill-or-kill one.
	Limit bool
}

// SizeDecimals is the venue's share precision.
const SizeDecimals int32 = 2

// Quantity is the share count SizeUSD buys at Price, rounded down to
// SizeDecimals. The leg's cost is Quantity × Price, never more than SizeUSD.
func (l Leg) Quantity() decimal.Decimal {
	if !l.Price.IsPositive() {
		return decimal.Zero
	}
	return l.SizeUSD.Div(l.Price).RoundDown(SizeDecimals)
}

// Cost is what the rounded quantity actually pays.
func (l Leg) Cost() decimal.Decimal {
	return l.Quantity().Mul(l.Price)
}

type Summary struct {
	Name               string                     `json:"name"`
	Running            bool                       `json:"running"`
	OpenPositions      int                        `json:"open_positions"`
	Exposure           decimal.Decimal            `json:"exposure"`
	Performance        models.StrategyPerformance `json:"performance"`
	WinRate            float64                    `json:"win_rate"`
	AvgProfit          decimal.Decimal            `json:"avg_profit"`
	Iterations         uint64                     `json:"iterations"`
	OpportunitiesFound uint64                     `json:"opportunities_found"`
	OpportunitiesTaken uint64                     `json:"opportunities_taken"`
	LastError          string                     `json:"last_error,omitempty"`
}

// Settlement boundaries: a token at or beyond either is treated as resolved.
var (
	SettledHigh = decimal.RequireFromString("0.99")
	SettledLow  = decimal.RequireFromString("0.01")
)

// Settled reports a price at a settlement boundary.
func Settled(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(SettledHigh) || price.LessThanOrEqual(SettledLow)
}
