package exchange

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger is an in-process Gateway used when no venue is configured. It
// accepts every order at the requested price and tracks allocation overrides.
type Ledger struct {
	mu          sync.Mutex
	balance     decimal.Decimal
	orders      []OrderRequest
	allocations map[string]float64

	// Reject, when set, is returned by PlaceOrder instead of filling.
	Reject error
}

var _ Gateway = (*Ledger)(nil)

func NewLedger(balance decimal.Decimal) *Ledger {
	return &Ledger{balance: balance, allocations: map[string]float64{}}
}

func (l *Ledger) PlaceOrder(_ context.Context, req OrderRequest) (OrderResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Reject != nil {
		return OrderResult{}, l.Reject
	}
	l.orders = append(l.orders, req)
	price := decimal.Zero
	if req.Price != nil {
		price = *req.Price
	}
	return OrderResult{
		OrderID:     uuid.NewString(),
		Status:      "filled",
		FilledPrice: price,
		FilledSize:  req.Size,
	}, nil
}

func (l *Ledger) Balance(context.Context) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance, nil
}

func (l *Ledger) SetBalance(v decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balance = v
}

func (l *Ledger) OpenPositions(context.Context) ([]Position, error) {
	return nil, nil
}

func (l *Ledger) SetAllocation(_ context.Context, strategyID string, fraction float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allocations[strategyID] = fraction
	return nil
}

func (l *Ledger) Allocations() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]float64, len(l.allocations))
	for k, v := range l.allocations {
		out[k] = v
	}
	return out
}

func (l *Ledger) Orders() []OrderRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]OrderRequest(nil), l.orders...)
}
