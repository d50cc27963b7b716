package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// RiskDecision is the append-only audit record of one gate evaluation.
type RiskDecision struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	AccountID  string `gorm:"type:varchar(100);not null;index"`
	OrderID    string `gorm:"type:varchar(64);index"`
	SessionID  string `gorm:"type:varchar(36);index"`
	StrategyID string `gorm:"type:varchar(36);index"`
	Symbol     string `gorm:"type:varchar(40);not null"`

	Decision string `gorm:"type:varchar(10);not null;index"`
	Reason   string `gorm:"type:text"`
	Check    string `gorm:"type:varchar(40)"`

	Leverage float64         `gorm:"not null;default:1"`
	Size     decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	Notional decimal.Decimal `gorm:"type:numeric(30,10);not null"`

	CreatedAt time.Time `gorm:"not null;index"`
}

func (RiskDecision) TableName() string {
	return "risk_decisions"
}

// AllocationRecord is the derived output of one optimizer pass.
type AllocationRecord struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	SessionID  string `gorm:"type:varchar(36);not null;index"`
	StrategyID string `gorm:"type:varchar(36);not null;index"`
	Rank       int    `gorm:"not null"`

	Fraction float64         `gorm:"not null"`
	Amount   decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	Sharpe   float64         `gorm:"not null"`
	Kelly    float64         `gorm:"not null"`

	ComputedAt time.Time `gorm:"not null"`
}

func (AllocationRecord) TableName() string {
	return "allocation_records"
}
