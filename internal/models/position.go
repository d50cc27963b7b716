package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	SideLong  = "long"
	SideShort = "short"
)

const (
	PositionOpen   = "open"
	PositionClosed = "closed"
)

// Close reasons.
const (
	CloseStopLoss    = "stop_loss"
	CloseTakeProfit  = "take_profit"
	CloseManual      = "manual"
	CloseSessionStop = "session_stop"
	CloseLifecycle   = "lifecycle"
	CloseSignal      = "signal"
)

const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// PaperPosition is a simulated position held by a paper_trading strategy.
type PaperPosition struct {
	ID         string `gorm:"type:varchar(36);primaryKey"`
	SessionID  string `gorm:"type:varchar(36);not null;index"`
	StrategyID string `gorm:"type:varchar(36);not null;index"`
	Instrument string `gorm:"type:varchar(40);not null;index"`
	Side       string `gorm:"type:varchar(10);not null"`

	Size          decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	EntryPrice    decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	StopLoss      decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	TakeProfit    decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	LastPrice     decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	UnrealizedPnL decimal.Decimal `gorm:"column:unrealized_pnl;type:numeric(30,10);not null;default:0"`
	RealizedPnL   decimal.Decimal `gorm:"column:realized_pnl;type:numeric(30,10);not null;default:0"`
	ExitPrice     decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`

	Status      string     `gorm:"type:varchar(10);not null;default:'open';index"`
	CloseReason string     `gorm:"type:varchar(30)"`
	OpenedAt    time.Time  `gorm:"not null"`
	ClosedAt    *time.Time `gorm:"column:closed_at"`

	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (PaperPosition) TableName() string {
	return "paper_positions"
}

// Mark recomputes unrealized P&L at price.
func (p *PaperPosition) Mark(price decimal.Decimal) {
	p.LastPrice = price
	p.UnrealizedPnL = PnL(p.Side, p.EntryPrice, price, p.Size)
}

// PnL is (exit-entry)*size for longs and (entry-exit)*size for shorts.
func PnL(side string, entry, exit, size decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(entry)
	if side == SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(size)
}

// PaperTrade is an immutable fill record.
type PaperTrade struct {
	ID         string `gorm:"type:varchar(36);primaryKey"`
	PositionID string `gorm:"type:varchar(36);index"`
	SessionID  string `gorm:"type:varchar(36);not null;index"`
	StrategyID string `gorm:"type:varchar(36);not null;index"`
	Instrument string `gorm:"type:varchar(40);not null"`
	Side       string `gorm:"type:varchar(10);not null"`
	Exit       bool   `gorm:"not null;default:false"`
	Mode       string `gorm:"type:varchar(10);not null;default:'paper';index"`

	Price       decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	Size        decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	Fee         decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	RealizedPnL decimal.Decimal `gorm:"column:realized_pnl;type:numeric(30,10);not null;default:0"`
	Reason      string          `gorm:"type:varchar(30)"`

	ExecutedAt time.Time `gorm:"not null;index"`
}

func (PaperTrade) TableName() string {
	return "paper_trades"
}
