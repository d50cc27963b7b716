// Package allocation re-weights a session's live strategies from their
// trailing realized performance.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"autopilot/internal/config"
	cronrunner "autopilot/internal/cron"
	"autopilot/internal/events"
	"autopilot/internal/exchange"
	"autopilot/internal/models"
	"autopilot/internal/performance"
	"autopilot/internal/repository"
)

// ErrPassInProgress is returned when the session already has a pass running.
var ErrPassInProgress = errors.New("allocation pass already in progress")

// Applier receives the fractions for the session's live strategies.
type Applier interface {
	ApplyAllocations(ctx context.Context, sessionID string, fractions map[string]float64) error
}

type Candidate struct {
	StrategyID string
	Metrics    performance.Summary
}

type Entry struct {
	StrategyID string
	Rank       int
	Sharpe     float64
	Kelly      float64
	Fraction   float64
	Amount     decimal.Decimal
}

type Params struct {
	MinSharpe       float64
	KellyCap        float64
	KellyMultiplier float64
}

func ParamsFromConfig(cfg config.AllocationConfig) Params {
	p := Params{MinSharpe: cfg.MinSharpe, KellyCap: cfg.KellyCap, KellyMultiplier: cfg.KellyMultiplier}
	if p.KellyCap <= 0 {
		p.KellyCap = 0.25
	}
	if p.KellyMultiplier <= 0 {
		p.KellyMultiplier = 0.5
	}
	return p
}

// Kelly returns clamp((wr*pf - (1-wr)) / pf, 0, cap) * multiplier. pf <= 0 yields 0.
func Kelly(winRate, profitFactor float64, p Params) float64 {
	if profitFactor <= 0 || math.IsNaN(profitFactor) {
		return 0
	}
	k := (winRate*profitFactor - (1 - winRate)) / profitFactor
	k = math.Max(0, math.Min(k, p.KellyCap))
	return k * p.KellyMultiplier
}

// Rank discards candidates with Sharpe <= MinSharpe, orders the rest by Sharpe
// descending and allocates each kelly × remaining pool in turn. The amounts
// never exceed pool.
func Rank(cands []Candidate, pool decimal.Decimal, p Params) []Entry {
	kept := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Metrics.Sharpe > p.MinSharpe {
			kept = append(kept, c)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Metrics.Sharpe == kept[j].Metrics.Sharpe {
			return kept[i].StrategyID < kept[j].StrategyID
		}
		return kept[i].Metrics.Sharpe > kept[j].Metrics.Sharpe
	})

	out := make([]Entry, 0, len(kept))
	if !pool.IsPositive() {
		return out
	}
	remaining := pool
	for i, c := range kept {
		k := Kelly(c.Metrics.WinRate, c.Metrics.ProfitFactor, p)
		amount := remaining.Mul(decimal.NewFromFloat(k)).RoundDown(8)
		remaining = remaining.Sub(amount)
		out = append(out, Entry{
			StrategyID: c.StrategyID,
			Rank:       i + 1,
			Sharpe:     c.Metrics.Sharpe,
			Kelly:      k,
			Fraction:   amount.Div(pool).InexactFloat64(),
			Amount:     amount,
		})
	}
	return out
}

type Optimizer struct {
	Repo      repository.Repository
	Lifecycle Applier
	Bus       *events.Bus
	Logger    *zap.Logger
	Clock     cronrunner.Clock
	Config    config.AllocationConfig

	ProfitFactorCap float64

	mu      sync.Mutex
	running map[string]bool
}

func (o *Optimizer) acquire(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running == nil {
		o.running = map[string]bool{}
	}
	if o.running[sessionID] {
		return false
	}
	o.running[sessionID] = true
	return true
}

func (o *Optimizer) release(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, sessionID)
}

func (o *Optimizer) now() time.Time {
	if o.Clock != nil {
		return o.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

// Run performs one pass for the session against pool. A session without live
// strategies is left untouched and nil is returned.
func (o *Optimizer) Run(ctx context.Context, sessionID string, pool decimal.Decimal, gw exchange.Gateway) ([]Entry, error) {
	if !o.acquire(sessionID) {
		return nil, ErrPassInProgress
	}
	defer o.release(sessionID)

	live, err := o.Repo.ListStrategies(ctx, repository.ListStrategiesParams{
		SessionID: sessionID,
		Statuses:  []string{models.StrategyLive},
	})
	if err != nil {
		return nil, err
	}
	if len(live) == 0 {
		return nil, nil
	}

	window := o.Config.Window
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	now := o.now()
	since := now.Add(-window)
	cands := make([]Candidate, 0, len(live))
	for _, st := range live {
		trades, err := o.Repo.ListTrades(ctx, repository.ListTradesParams{
			SessionID:  sessionID,
			StrategyID: st.ID,
			ExitsOnly:  true,
			Since:      &since,
			Limit:      5000,
		})
		if err != nil {
			return nil, fmt.Errorf("trades for %s: %w", st.ID, err)
		}
		cands = append(cands, Candidate{StrategyID: st.ID, Metrics: performance.FromTrades(trades, o.ProfitFactorCap)})
	}

	entries := Rank(cands, pool, ParamsFromConfig(o.Config))
	fractions := make(map[string]float64, len(live))
	for _, st := range live {
		fractions[st.ID] = 0
	}
	for _, e := range entries {
		fractions[e.StrategyID] = e.Fraction
	}

	if gw != nil {
		for _, st := range live {
			if err := gw.SetAllocation(ctx, st.ID, fractions[st.ID]); err != nil && o.Logger != nil {
				o.Logger.Warn("allocation: push to gateway failed",
					zap.String("session_id", sessionID),
					zap.String("strategy_id", st.ID),
					zap.Error(err),
				)
			}
		}
	}

	records := make([]models.AllocationRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, models.AllocationRecord{
			SessionID:  sessionID,
			StrategyID: e.StrategyID,
			Rank:       e.Rank,
			Fraction:   e.Fraction,
			Amount:     e.Amount,
			Sharpe:     e.Sharpe,
			Kelly:      e.Kelly,
			ComputedAt: now,
		})
	}
	if err := o.Repo.ReplaceAllocations(ctx, sessionID, records); err != nil {
		return nil, fmt.Errorf("persist allocations: %w", err)
	}
	if o.Lifecycle != nil {
		if err := o.Lifecycle.ApplyAllocations(ctx, sessionID, fractions); err != nil {
			return nil, fmt.Errorf("apply allocations: %w", err)
		}
	}

	payload := make([]events.AllocationEntry, 0, len(entries))
	for _, e := range entries {
		payload = append(payload, events.AllocationEntry{
			StrategyID: e.StrategyID,
			Rank:       e.Rank,
			Sharpe:     e.Sharpe,
			Kelly:      e.Kelly,
			Fraction:   e.Fraction,
			Amount:     e.Amount.StringFixed(2),
		})
	}
	o.Bus.Publish(events.Event{Topic: events.TopicAllocationChanged, SessionID: sessionID, Payload: payload, At: now})
	if o.Logger != nil {
		o.Logger.Info("allocation: pass complete",
			zap.String("session_id", sessionID),
			zap.Int("live", len(live)),
			zap.Int("allocated", len(entries)),
			zap.String("pool", pool.StringFixed(2)),
		)
	}
	return entries, nil
}
