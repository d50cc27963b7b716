package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrUnavailable marks transient gateway failures; callers skip the cycle and retry later.
var ErrUnavailable = errors.New("exchange unavailable")

const (
	SideBuy  = "buy"
	SideSell = "sell"
)

type OrderRequest struct {
	ClientOrderID string           `json:"client_order_id"`
	StrategyID    string           `json:"strategy_id,omitempty"`
	Instrument    string           `json:"instrument"`
	Side          string           `json:"side"`
	Size          decimal.Decimal  `json:"size"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	Leverage      float64          `json:"leverage"`
	ReduceOnly    bool             `json:"reduce_only"`
}

type OrderResult struct {
	OrderID     string          `json:"order_id"`
	Status      string          `json:"status"`
	FilledPrice decimal.Decimal `json:"filled_price"`
	FilledSize  decimal.Decimal `json:"filled_size"`
}

type Position struct {
	Instrument string          `json:"instrument"`
	Side       string          `json:"side"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
}

// RejectionError is a structured order rejection from the venue. It is a
// policy outcome, not a transport failure.
type RejectionError struct {
	Status int    `json:"-"`
	Code   string `json:"code"`
	Reason string `json:"message"`
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("order rejected (%d %s): %s", e.Status, e.Code, e.Reason)
}

// Gateway is the venue boundary used by the live order path and the optimizer.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	Balance(ctx context.Context) (decimal.Decimal, error)
	OpenPositions(ctx context.Context) ([]Position, error)
	// SetAllocation pushes an authoritative position-size fraction for a strategy.
	SetAllocation(ctx context.Context, strategyID string, fraction float64) error
}
