// Package scoring is the boundary to the external backtest scorer and the
// per-tick signal function. The engine only integrates their results.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"autopilot/internal/marketdata"
	"autopilot/internal/models"
)

// ErrUnavailable marks a transient scorer outage; the strategy stays where it is and is retried.
var ErrUnavailable = errors.New("scorer unavailable")

type BacktestRequest struct {
	StrategyID     string          `json:"strategy_id"`
	Logic          string          `json:"logic"`
	Indicators     json.RawMessage `json:"indicators,omitempty"`
	Instrument     string          `json:"instrument"`
	Timeframe      string          `json:"timeframe"`
	Window         time.Duration   `json:"-"`
	WindowDays     int             `json:"window_days"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
}

type Scorer interface {
	Evaluate(ctx context.Context, req BacktestRequest) (models.Performance, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, req BacktestRequest) (models.Performance, error)

func (f ScorerFunc) Evaluate(ctx context.Context, req BacktestRequest) (models.Performance, error) {
	return f(ctx, req)
}

// Signal actions.
const (
	ActionHold       = "hold"
	ActionEnterLong  = "enter_long"
	ActionEnterShort = "enter_short"
	ActionExit       = "exit"
)

type SignalRequest struct {
	StrategyID string          `json:"strategy_id"`
	Logic      string          `json:"logic"`
	Indicators json.RawMessage `json:"indicators,omitempty"`
	Instrument string          `json:"instrument"`
	Timeframe  string          `json:"timeframe"`
	Tick       marketdata.Tick `json:"tick"`
}

type Signal struct {
	Action   string  `json:"action"`
	Leverage float64 `json:"leverage,omitempty"`
	// StopLossPct/TakeProfitPct override the session defaults when > 0.
	StopLossPct   float64 `json:"stop_loss_pct,omitempty"`
	TakeProfitPct float64 `json:"take_profit_pct,omitempty"`
}

type Signaler interface {
	Signal(ctx context.Context, req SignalRequest) (Signal, error)
}

type SignalerFunc func(ctx context.Context, req SignalRequest) (Signal, error)

func (f SignalerFunc) Signal(ctx context.Context, req SignalRequest) (Signal, error) {
	return f(ctx, req)
}
