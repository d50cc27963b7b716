package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type Decision struct {
	Approved bool   `json:"approved"`
	Check    string `json:"check,omitempty"`
	Reason   string `json:"reason"`
}

func approve() Decision {
	return Decision{Approved: true, Reason: "all checks passed"}
}

func reject(check, reason string) Decision {
	return Decision{Approved: false, Check: check, Reason: reason}
}

type check struct {
	name string
	fn   func(Order, Snapshot, Policy) (string, error)
}

// checks run in this order; the first non-empty reason or error rejects.
var checks = []check{
	{CheckLeverage, checkLeverage},
	{CheckTier, checkTier},
	{CheckDailyLoss, checkDailyLoss},
	{CheckOpenPositions, checkOpenPositions},
	{CheckKillSwitch, checkKillSwitch},
}

// Evaluate is side-effect free. Any check error or panic rejects.
func Evaluate(order Order, snap Snapshot, policy Policy) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			d = reject(CheckInternal, fmt.Sprintf("risk evaluation panicked: %v", r))
		}
	}()
	for _, c := range checks {
		reason, err := c.fn(order, snap, policy)
		if err != nil {
			return reject(c.name, "check failed: "+err.Error())
		}
		if reason != "" {
			return reject(c.name, reason)
		}
	}
	return approve()
}

func checkLeverage(o Order, _ Snapshot, p Policy) (string, error) {
	limit, err := p.maxLeverage(o.Instrument)
	if err != nil {
		return "", err
	}
	if lev := o.leverage(); lev > limit {
		return fmt.Sprintf("leverage %gx exceeds %s max %gx", lev, o.Instrument, limit), nil
	}
	return "", nil
}

func checkTier(o Order, s Snapshot, p Policy) (string, error) {
	if !o.Size.IsPositive() || !o.Price.IsPositive() {
		return "", fmt.Errorf("order size and price must be positive")
	}
	tier, err := p.TierFor(s.Balance)
	if err != nil {
		return "", err
	}
	if n := o.Notional(); n.GreaterThan(tier.MaxNotional) {
		return fmt.Sprintf("notional %s exceeds %s tier cap %s", n.StringFixed(2), tier.Name, tier.MaxNotional.StringFixed(2)), nil
	}
	return "", nil
}

func checkDailyLoss(_ Order, s Snapshot, p Policy) (string, error) {
	if p.DailyLossCapFraction <= 0 {
		return "", fmt.Errorf("daily loss cap not configured")
	}
	limit := s.Balance.Mul(decimal.NewFromFloat(p.DailyLossCapFraction)).Neg()
	if s.RealizedPnL24h.LessThan(limit) {
		return fmt.Sprintf("trailing 24h pnl %s below loss cap %s", s.RealizedPnL24h.StringFixed(2), limit.StringFixed(2)), nil
	}
	return "", nil
}

func checkOpenPositions(_ Order, s Snapshot, p Policy) (string, error) {
	limit := s.MaxOpenPositions
	if limit <= 0 {
		limit = p.MaxOpenPositions
	}
	if limit <= 0 {
		return "", fmt.Errorf("max open positions not configured")
	}
	if s.OpenPositions >= limit {
		return fmt.Sprintf("%d open positions at ceiling %d", s.OpenPositions, limit), nil
	}
	return "", nil
}

func checkKillSwitch(_ Order, s Snapshot, _ Policy) (string, error) {
	if s.KillSwitch {
		return "kill switch engaged", nil
	}
	return "", nil
}
