package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	SessionRunning = "running"
	SessionStopped = "stopped"
	SessionPaused  = "paused"
)

const (
	AutomationFull     = "full"
	AutomationAssisted = "assisted"
)

// Session is one user's run of the engine.
type Session struct {
	ID     string `gorm:"type:varchar(36);primaryKey"`
	UserID string `gorm:"type:varchar(100);not null;index"`
	Status string `gorm:"type:varchar(20);not null;index"`

	StrategiesGenerated int64           `gorm:"not null;default:0"`
	BacktestsCompleted  int64           `gorm:"not null;default:0"`
	PaperTradesExecuted int64           `gorm:"not null;default:0"`
	LiveTradesExecuted  int64           `gorm:"not null;default:0"`
	CumulativePnL       decimal.Decimal `gorm:"column:cumulative_pnl;type:numeric(30,10);not null;default:0"`

	Config datatypes.JSON `gorm:"not null"`

	LastHeartbeatAt *time.Time `gorm:"column:last_heartbeat_at"`
	StartedAt       *time.Time `gorm:"column:started_at"`
	StoppedAt       *time.Time `gorm:"column:stopped_at"`

	// LastError is the most recent failed unit of work of the session.
	LastError   string     `gorm:"type:text"`
	LastErrorAt *time.Time `gorm:"column:last_error_at"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Session) TableName() string {
	return "sessions"
}

// SessionConfig is the per-session risk and automation configuration.
type SessionConfig struct {
	InitialCapital         decimal.Decimal `json:"initial_capital"`
	MaxDrawdown            float64         `json:"max_drawdown"`
	PositionSize           float64         `json:"position_size"`
	MaxConcurrentPositions int             `json:"max_concurrent_positions"`
	StopLossPct            float64         `json:"stop_loss_pct"`
	TakeProfitPct          float64         `json:"take_profit_pct"`
	MaxLeverage            float64         `json:"max_leverage"`
	Instruments            []string        `json:"instruments"`
	Timeframes             []string        `json:"timeframes"`
	AutomationLevel        string          `json:"automation_level"`
	GenerationInterval     time.Duration   `json:"generation_interval"`
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		InitialCapital:         decimal.NewFromInt(10000),
		MaxDrawdown:            0.2,
		PositionSize:           0.01,
		MaxConcurrentPositions: 5,
		StopLossPct:            0.02,
		TakeProfitPct:          0.04,
		MaxLeverage:            1,
		Instruments:            []string{"BTC_USDT"},
		Timeframes:             []string{"1h"},
		AutomationLevel:        AutomationFull,
		GenerationInterval:     time.Hour,
	}
}

// Normalize fills zero values from the defaults.
func (c SessionConfig) Normalize() SessionConfig {
	def := DefaultSessionConfig()
	if c.InitialCapital.LessThanOrEqual(decimal.Zero) {
		c.InitialCapital = def.InitialCapital
	}
	if c.MaxDrawdown <= 0 {
		c.MaxDrawdown = def.MaxDrawdown
	}
	if c.PositionSize <= 0 {
		c.PositionSize = def.PositionSize
	}
	if c.MaxConcurrentPositions <= 0 {
		c.MaxConcurrentPositions = def.MaxConcurrentPositions
	}
	if c.StopLossPct <= 0 {
		c.StopLossPct = def.StopLossPct
	}
	if c.TakeProfitPct <= 0 {
		c.TakeProfitPct = def.TakeProfitPct
	}
	if c.MaxLeverage <= 0 {
		c.MaxLeverage = def.MaxLeverage
	}
	if len(c.Instruments) == 0 {
		c.Instruments = def.Instruments
	}
	if len(c.Timeframes) == 0 {
		c.Timeframes = def.Timeframes
	}
	if c.AutomationLevel != AutomationAssisted {
		c.AutomationLevel = AutomationFull
	}
	if c.GenerationInterval <= 0 {
		c.GenerationInterval = def.GenerationInterval
	}
	return c
}

func (s Session) Settings() (SessionConfig, error) {
	if len(s.Config) == 0 {
		return DefaultSessionConfig(), nil
	}
	var cfg SessionConfig
	if err := json.Unmarshal(s.Config, &cfg); err != nil {
		return SessionConfig{}, err
	}
	return cfg, nil
}

func (s *Session) SetSettings(cfg SessionConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	s.Config = datatypes.JSON(raw)
	return nil
}

// AccountSetting holds per-user supervisor preferences.
type AccountSetting struct {
	UserID        string         `gorm:"type:varchar(100);primaryKey"`
	AlwaysRun     bool           `gorm:"not null;default:false;index"`
	DefaultConfig datatypes.JSON `gorm:"column:default_config"`
	CredentialRef string         `gorm:"type:varchar(200)"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (AccountSetting) TableName() string {
	return "account_settings"
}
