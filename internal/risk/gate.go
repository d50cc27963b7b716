package risk

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"autopilot/internal/events"
	"autopilot/internal/models"
	"autopilot/internal/repository"
)

// AccountProvider supplies the account snapshot for an order (balance, trailing pnl, open count).
type AccountProvider interface {
	Snapshot(ctx context.Context, order Order) (Snapshot, error)
}

type AccountProviderFunc func(ctx context.Context, order Order) (Snapshot, error)

func (f AccountProviderFunc) Snapshot(ctx context.Context, order Order) (Snapshot, error) {
	return f(ctx, order)
}

// SwitchSource reports the global kill switch.
type SwitchSource interface {
	KillSwitch(ctx context.Context) (bool, error)
}

// Gate is consulted before every simulated or live order. It gathers the
// account snapshot, evaluates the policy and appends the decision to the audit log.
type Gate struct {
	Policy Policy
	Repo   repository.Repository
	Switch SwitchSource
	Bus    *events.Bus
	Logger *zap.Logger
	Now    func() time.Time
}

func (g *Gate) Check(ctx context.Context, order Order, provider AccountProvider) (d Decision) {
	if g == nil {
		return reject(CheckInternal, "risk gate not configured")
	}
	defer func() {
		if r := recover(); r != nil {
			d = reject(CheckInternal, fmt.Sprintf("risk gate panicked: %v", r))
			g.record(ctx, order, d)
		}
	}()

	snap, err := g.snapshot(ctx, order, provider)
	if err != nil {
		d = reject(CheckSnapshot, err.Error())
	} else {
		d = Evaluate(order, snap, g.Policy)
	}
	return g.record(ctx, order, d)
}

func (g *Gate) snapshot(ctx context.Context, order Order, provider AccountProvider) (Snapshot, error) {
	if provider == nil {
		return Snapshot{}, fmt.Errorf("no account provider")
	}
	snap, err := provider.Snapshot(ctx, order)
	if err != nil {
		return Snapshot{}, fmt.Errorf("account snapshot: %w", err)
	}
	if g.Switch == nil {
		return snap, nil
	}
	engaged, err := g.Switch.KillSwitch(ctx)
	if err != nil {
		// Unreadable switch counts as engaged.
		if g.Logger != nil {
			g.Logger.Warn("risk: kill switch unreadable", zap.Error(err))
		}
		engaged = true
	}
	snap.KillSwitch = snap.KillSwitch || engaged
	return snap, nil
}

// record appends the decision. An approval that cannot be audited is turned
// into a rejection, and the rejection is appended in its place.
func (g *Gate) record(ctx context.Context, order Order, d Decision) Decision {
	now := time.Now().UTC()
	if g.Now != nil {
		now = g.Now().UTC()
	}
	outcome := models.DecisionRejected
	if d.Approved {
		outcome = models.DecisionApproved
	}
	item := &models.RiskDecision{
		AccountID:  order.AccountID,
		OrderID:    order.OrderID,
		SessionID:  order.SessionID,
		StrategyID: order.StrategyID,
		Symbol:     order.Instrument,
		Decision:   outcome,
		Reason:     d.Reason,
		Check:      d.Check,
		Leverage:   order.leverage(),
		Size:       order.Size,
		Notional:   order.Notional(),
		CreatedAt:  now,
	}
	if g.Repo != nil {
		if err := g.Repo.InsertRiskDecision(ctx, item); err != nil {
			if g.Logger != nil {
				g.Logger.Error("risk: audit append failed", zap.String("order_id", order.OrderID), zap.Error(err))
			}
			if d.Approved {
				d = reject(CheckAudit, "audit log unavailable: "+err.Error())
				retry := *item
				retry.ID = 0
				retry.Decision = models.DecisionRejected
				retry.Reason = d.Reason
				retry.Check = d.Check
				if err := g.Repo.InsertRiskDecision(ctx, &retry); err != nil && g.Logger != nil {
					g.Logger.Error("risk: rejection audit append failed", zap.String("order_id", order.OrderID), zap.Error(err))
				}
			}
		}
	}
	if !d.Approved {
		if g.Logger != nil {
			g.Logger.Info("risk: order rejected",
				zap.String("session_id", order.SessionID),
				zap.String("strategy_id", order.StrategyID),
				zap.String("instrument", order.Instrument),
				zap.String("check", d.Check),
				zap.String("reason", d.Reason),
			)
		}
		g.Bus.Publish(events.Event{
			Topic:      events.TopicRiskRejected,
			SessionID:  order.SessionID,
			StrategyID: order.StrategyID,
			Payload:    d,
			At:         now,
		})
	}
	return d
}
