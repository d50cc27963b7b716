package risk

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"autopilot/internal/config"
)

// Check names, in evaluation order.
const (
	CheckLeverage      = "leverage_cap"
	CheckTier          = "tier_cap"
	CheckDailyLoss     = "daily_loss_cap"
	CheckOpenPositions = "max_open_positions"
	CheckKillSwitch    = "kill_switch"

	CheckSnapshot = "snapshot_unavailable"
	CheckInternal = "internal_error"
	CheckAudit    = "audit_unavailable"
)

type Order struct {
	OrderID    string
	AccountID  string
	SessionID  string
	StrategyID string
	Instrument string
	Side       string
	Size       decimal.Decimal
	Price      decimal.Decimal
	Leverage   float64
}

func (o Order) Notional() decimal.Decimal {
	return o.Size.Mul(o.Price).Abs()
}

func (o Order) leverage() float64 {
	if o.Leverage <= 0 {
		return 1
	}
	return o.Leverage
}

// Snapshot is the account state an order is evaluated against.
type Snapshot struct {
	Balance          decimal.Decimal
	RealizedPnL24h   decimal.Decimal
	OpenPositions    int
	MaxOpenPositions int
	KillSwitch       bool
}

type Tier struct {
	Name        string
	MinBalance  decimal.Decimal
	MaxNotional decimal.Decimal
}

type Policy struct {
	// MaxLeverage per instrument; "*" is the fallback before DefaultMaxLeverage.
	MaxLeverage          map[string]float64
	DefaultMaxLeverage   float64
	Tiers                []Tier
	DailyLossCapFraction float64
	MaxOpenPositions     int
}

func PolicyFromConfig(cfg config.RiskConfig, maxLeverage map[string]float64) Policy {
	p := Policy{
		MaxLeverage:          map[string]float64{},
		DefaultMaxLeverage:   cfg.DefaultMaxLeverage,
		DailyLossCapFraction: cfg.DailyLossCapFrac,
		MaxOpenPositions:     cfg.MaxOpenPositions,
	}
	for k, v := range maxLeverage {
		p.MaxLeverage[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	for _, t := range cfg.Tiers {
		p.Tiers = append(p.Tiers, Tier{
			Name:        t.Name,
			MinBalance:  decimal.NewFromFloat(t.MinBalance),
			MaxNotional: decimal.NewFromFloat(t.MaxNotional),
		})
	}
	sort.Slice(p.Tiers, func(i, j int) bool { return p.Tiers[i].MinBalance.LessThan(p.Tiers[j].MinBalance) })
	return p
}

func (p Policy) maxLeverage(instrument string) (float64, error) {
	if v, ok := p.MaxLeverage[strings.ToUpper(strings.TrimSpace(instrument))]; ok && v > 0 {
		return v, nil
	}
	if v, ok := p.MaxLeverage["*"]; ok && v > 0 {
		return v, nil
	}
	if p.DefaultMaxLeverage > 0 {
		return p.DefaultMaxLeverage, nil
	}
	return 0, fmt.Errorf("no leverage limit configured for %s", instrument)
}

// TierFor returns the tier with the highest MinBalance not above balance.
func (p Policy) TierFor(balance decimal.Decimal) (Tier, error) {
	var found *Tier
	for i := range p.Tiers {
		if p.Tiers[i].MinBalance.LessThanOrEqual(balance) {
			if found == nil || p.Tiers[i].MinBalance.GreaterThan(found.MinBalance) {
				found = &p.Tiers[i]
			}
		}
	}
	if found == nil {
		return Tier{}, errors.New("no risk tier applies to balance " + balance.StringFixed(2))
	}
	return *found, nil
}
