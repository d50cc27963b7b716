package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

const (
	StrategyGenerated    = "generated"
	StrategyBacktested   = "backtested"
	StrategyPaperTrading = "paper_trading"
	StrategyLive         = "live"
	StrategyRetired      = "retired"
)

const (
	KindSingle      = "single"
	KindCombination = "combination"
)

// Retire reason codes.
const (
	ReasonFailedBacktest     = "failed_backtest"
	ReasonFailedPaperTrading = "failed_paper_trading"
	ReasonError              = "error"
	ReasonManual             = "manual"
	ReasonRejected           = "rejected"
)

// Strategy is one generated trading rule set tracked through the lifecycle.
type Strategy struct {
	ID        string `gorm:"type:varchar(36);primaryKey"`
	SessionID string `gorm:"type:varchar(36);not null;index"`
	Name      string `gorm:"type:varchar(120);not null"`
	Kind      string `gorm:"type:varchar(20);not null;default:'single'"`

	Instrument  string         `gorm:"type:varchar(40);not null;index"`
	Timeframe   string         `gorm:"type:varchar(10);not null"`
	Indicators  datatypes.JSON `gorm:"column:indicators"`
	Logic       string         `gorm:"type:text"`
	Description string         `gorm:"type:text"`

	Status string `gorm:"type:varchar(20);not null;index"`

	WinRate      float64 `gorm:"not null;default:0"`
	ProfitFactor float64 `gorm:"not null;default:0"`
	TotalTrades  int64   `gorm:"not null;default:0"`
	TotalReturn  float64 `gorm:"not null;default:0"`

	// Composition is a JSON list of StrategyComponent, set once at creation.
	Composition datatypes.JSON `gorm:"column:composition"`

	CurrentAllocationFraction float64 `gorm:"not null;default:0"`
	PendingApproval           bool    `gorm:"not null;default:false"`

	PaperStartedAt *time.Time `gorm:"column:paper_started_at"`
	PromotedAt     *time.Time `gorm:"column:promoted_at"`
	RetiredAt      *time.Time `gorm:"column:retired_at"`
	RetireReason   string     `gorm:"type:varchar(40)"`

	CreatedAt time.Time `gorm:"not null;index"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Strategy) TableName() string {
	return "strategies"
}

type StrategyComponent struct {
	StrategyID string  `json:"strategy_id"`
	Weight     float64 `json:"weight"`
}

func (s Strategy) Components() []StrategyComponent {
	if len(s.Composition) == 0 {
		return nil
	}
	var out []StrategyComponent
	if err := json.Unmarshal(s.Composition, &out); err != nil {
		return nil
	}
	return out
}

// Performance is the snapshot overwritten on every evaluation.
type Performance struct {
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`
	TotalTrades  int64   `json:"total_trades"`
	TotalReturn  float64 `json:"total_return"`
}

func (s Strategy) Performance() Performance {
	return Performance{
		WinRate:      s.WinRate,
		ProfitFactor: s.ProfitFactor,
		TotalTrades:  s.TotalTrades,
		TotalReturn:  s.TotalReturn,
	}
}

func (s *Strategy) SetPerformance(p Performance) {
	s.WinRate = p.WinRate
	s.ProfitFactor = p.ProfitFactor
	s.TotalTrades = p.TotalTrades
	s.TotalReturn = p.TotalReturn
}

func (s Strategy) Terminal() bool {
	return s.Status == StrategyRetired
}
