package risk

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"autopilot/internal/config"
	"autopilot/internal/models"
	"autopilot/internal/repository"
	"autopilot/internal/repository/memory"
)

type staticSwitch struct {
	on  bool
	err error
}

func (s staticSwitch) KillSwitch(context.Context) (bool, error) { return s.on, s.err }

func testPolicy() Policy {
	return PolicyFromConfig(config.RiskConfig{
		Tiers:              config.DefaultRiskTiers(),
		DailyLossCapFrac:   0.05,
		MaxOpenPositions:   10,
		DefaultMaxLeverage: 5,
	}, map[string]float64{"BTC_USDT": 20})
}

func healthySnapshot() Snapshot {
	return Snapshot{Balance: decimal.NewFromInt(10000), RealizedPnL24h: decimal.Zero, OpenPositions: 1, MaxOpenPositions: 5}
}

func smallOrder() Order {
	return Order{
		OrderID:    "o1",
		AccountID:  "user-1",
		SessionID:  "s1",
		StrategyID: "st1",
		Instrument: "BTC_USDT",
		Side:       "buy",
		Size:       decimal.RequireFromString("0.01"),
		Price:      decimal.NewFromInt(60000),
		Leverage:   2,
	}
}

func TestEvaluateLeverageCapRejects(t *testing.T) {
	order := smallOrder()
	order.Leverage = 50
	d := Evaluate(order, healthySnapshot(), testPolicy())
	if d.Approved {
		t.Fatalf("expected rejection")
	}
	if d.Check != CheckLeverage || !strings.Contains(d.Reason, "leverage") {
		t.Fatalf("decision=%+v want leverage cap", d)
	}
}

func TestEvaluateChecksInOrder(t *testing.T) {
	snap := healthySnapshot()
	snap.RealizedPnL24h = decimal.NewFromInt(-600)
	snap.OpenPositions = 5
	snap.KillSwitch = true

	order := smallOrder()
	order.Size = decimal.NewFromInt(1) // 60k notional, above the standard tier
	if d := Evaluate(order, snap, testPolicy()); d.Check != CheckTier {
		t.Fatalf("check=%s want=%s", d.Check, CheckTier)
	}
	order = smallOrder()
	if d := Evaluate(order, snap, testPolicy()); d.Check != CheckDailyLoss {
		t.Fatalf("check=%s want=%s", d.Check, CheckDailyLoss)
	}
	snap.RealizedPnL24h = decimal.NewFromInt(-500)
	if d := Evaluate(order, snap, testPolicy()); d.Check != CheckOpenPositions {
		t.Fatalf("check=%s want=%s (loss equal to cap passes)", d.Check, CheckOpenPositions)
	}
	snap.OpenPositions = 0
	if d := Evaluate(order, snap, testPolicy()); d.Check != CheckKillSwitch {
		t.Fatalf("check=%s want=%s", d.Check, CheckKillSwitch)
	}
	snap.KillSwitch = false
	if d := Evaluate(order, snap, testPolicy()); !d.Approved {
		t.Fatalf("decision=%+v want approved", d)
	}
}

func TestEvaluateKillSwitchAlwaysRejects(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	policy := testPolicy()
	for i := 0; i < 500; i++ {
		order := Order{
			Instrument: []string{"BTC_USDT", "ETH_USDT", ""}[rng.Intn(3)],
			Size:       decimal.NewFromFloat(rng.Float64() * 2),
			Price:      decimal.NewFromFloat(rng.Float64() * 100000),
			Leverage:   rng.Float64() * 30,
		}
		snap := Snapshot{
			Balance:          decimal.NewFromFloat(rng.Float64() * 1e6),
			RealizedPnL24h:   decimal.NewFromFloat(rng.NormFloat64() * 1000),
			OpenPositions:    rng.Intn(12),
			MaxOpenPositions: rng.Intn(12),
			KillSwitch:       true,
		}
		if d := Evaluate(order, snap, policy); d.Approved {
			t.Fatalf("approved with kill switch: order=%+v snap=%+v", order, snap)
		}
	}
}

func TestEvaluateTierSelection(t *testing.T) {
	policy := testPolicy()
	tier, err := policy.TierFor(decimal.NewFromInt(60000))
	if err != nil || tier.Name != "pro" {
		t.Fatalf("tier=%+v err=%v want=pro", tier, err)
	}
	empty := Policy{}
	if _, err := empty.TierFor(decimal.NewFromInt(1)); err == nil {
		t.Fatalf("expected error without tiers")
	}
	if d := Evaluate(smallOrder(), healthySnapshot(), Policy{DefaultMaxLeverage: 5}); d.Approved || d.Check != CheckTier {
		t.Fatalf("decision=%+v want fail-closed tier rejection", d)
	}
}

func TestGateAuditsEveryDecision(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	gate := &Gate{Policy: testPolicy(), Repo: repo, Switch: staticSwitch{}}
	provider := AccountProviderFunc(func(context.Context, Order) (Snapshot, error) { return healthySnapshot(), nil })

	if d := gate.Check(ctx, smallOrder(), provider); !d.Approved {
		t.Fatalf("decision=%+v want approved", d)
	}
	bad := smallOrder()
	bad.Leverage = 50
	if d := gate.Check(ctx, bad, provider); d.Approved {
		t.Fatalf("expected rejection")
	}

	items, err := repo.ListRiskDecisions(ctx, repository.ListRiskDecisionsParams{AccountID: "user-1"})
	if err != nil {
		t.Fatalf("ListRiskDecisions err=%v", err)
	}
	if len(items) != 2 {
		t.Fatalf("audit entries=%d want=2", len(items))
	}
	if items[0].Decision != models.DecisionRejected || items[0].Check != CheckLeverage {
		t.Fatalf("latest=%+v", items[0])
	}
	if items[1].Decision != models.DecisionApproved {
		t.Fatalf("first=%+v", items[1])
	}
}

func TestGateFailsClosed(t *testing.T) {
	ctx := context.Background()
	provider := AccountProviderFunc(func(context.Context, Order) (Snapshot, error) { return healthySnapshot(), nil })

	cases := map[string]struct {
		gate     *Gate
		provider AccountProvider
		check    string
	}{
		"snapshot error": {
			gate:     &Gate{Policy: testPolicy(), Repo: memory.New()},
			provider: AccountProviderFunc(func(context.Context, Order) (Snapshot, error) { return Snapshot{}, errors.New("db down") }),
			check:    CheckSnapshot,
		},
		"provider panic": {
			gate:     &Gate{Policy: testPolicy(), Repo: memory.New()},
			provider: AccountProviderFunc(func(context.Context, Order) (Snapshot, error) { panic("nil map") }),
			check:    CheckInternal,
		},
		"switch unreadable": {
			gate:     &Gate{Policy: testPolicy(), Repo: memory.New(), Switch: staticSwitch{err: errors.New("timeout")}},
			provider: provider,
			check:    CheckKillSwitch,
		},
		"audit down": {
			gate:     &Gate{Policy: testPolicy(), Repo: func() *memory.Store { s := memory.New(); s.FailWrites = errors.New("disk full"); return s }()},
			provider: provider,
			check:    CheckAudit,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			d := tc.gate.Check(ctx, smallOrder(), tc.provider)
			if d.Approved || d.Check != tc.check {
				t.Fatalf("decision=%+v want rejected by %s", d, tc.check)
			}
		})
	}
}

// flakyAudit fails the first audit append and passes the rest through.
type flakyAudit struct {
	*memory.Store
	calls int
}

func (f *flakyAudit) InsertRiskDecision(ctx context.Context, item *models.RiskDecision) error {
	f.calls++
	if f.calls == 1 {
		return errors.New("write timeout")
	}
	return f.Store.InsertRiskDecision(ctx, item)
}

func TestUnauditedApprovalIsRecordedAsRejected(t *testing.T) {
	ctx := context.Background()
	repo := &flakyAudit{Store: memory.New()}
	gate := &Gate{Policy: testPolicy(), Repo: repo}
	provider := AccountProviderFunc(func(context.Context, Order) (Snapshot, error) { return healthySnapshot(), nil })

	d := gate.Check(ctx, smallOrder(), provider)
	if d.Approved || d.Check != CheckAudit {
		t.Fatalf("decision=%+v want rejected by %s", d, CheckAudit)
	}
	items, err := repo.ListRiskDecisions(ctx, repository.ListRiskDecisionsParams{})
	if err != nil {
		t.Fatalf("ListRiskDecisions err=%v", err)
	}
	if len(items) != 1 {
		t.Fatalf("audit entries=%d want=1", len(items))
	}
	if items[0].Decision != models.DecisionRejected || items[0].Check != CheckAudit || items[0].OrderID != "o1" {
		t.Fatalf("audit entry=%+v", items[0])
	}
}
