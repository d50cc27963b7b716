// Package lifecycle owns every strategy status change. Transitions are
// committed through the repository first and announced on the bus after.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"autopilot/internal/config"
	cronrunner "autopilot/internal/cron"
	"autopilot/internal/events"
	"autopilot/internal/generator"
	"autopilot/internal/models"
	"autopilot/internal/repository"
	"autopilot/internal/scoring"
)

// ErrSessionFull is returned by Create when the session already tracks the maximum number of strategies.
var ErrSessionFull = errors.New("session strategy limit reached")

// PaperSource reports the simulated results of a paper_trading strategy.
type PaperSource interface {
	PaperPerformance(ctx context.Context, strategyID string) (models.Performance, error)
}

type PaperSourceFunc func(ctx context.Context, strategyID string) (models.Performance, error)

func (f PaperSourceFunc) PaperPerformance(ctx context.Context, strategyID string) (models.Performance, error) {
	return f(ctx, strategyID)
}

type Manager struct {
	Repo   repository.Repository
	Scorer scoring.Scorer
	Bus    *events.Bus
	Logger *zap.Logger
	Clock  cronrunner.Clock
	Config config.LifecycleConfig

	// OnLeavePaper runs after a strategy has left paper_trading and the change is committed.
	OnLeavePaper func(ctx context.Context, st models.Strategy)

	locksMu sync.Mutex
	locks   map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// lock serializes work on one strategy. Entries live only while held or awaited.
func (m *Manager) lock(id string) func() {
	m.locksMu.Lock()
	if m.locks == nil {
		m.locks = map[string]*keyedLock{}
	}
	l := m.locks[id]
	if l == nil {
		l = &keyedLock{}
		m.locks[id] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.locksMu.Unlock()
	}
}

func (m *Manager) now() time.Time {
	if m.Clock != nil {
		return m.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *Manager) cfg() config.LifecycleConfig {
	c := m.Config
	if c.BacktestWindow <= 0 {
		c.BacktestWindow = 30 * 24 * time.Hour
	}
	if c.BacktestCapital <= 0 {
		c.BacktestCapital = 10000
	}
	if c.BacktestMinWinRate <= 0 {
		c.BacktestMinWinRate = 0.55
	}
	if c.BacktestMinProfit <= 0 {
		c.BacktestMinProfit = 1.5
	}
	if c.PaperDuration <= 0 {
		c.PaperDuration = 168 * time.Hour
	}
	if c.PaperMinWinRate <= 0 {
		c.PaperMinWinRate = 0.60
	}
	if c.PaperMinProfit <= 0 {
		c.PaperMinProfit = 2.0
	}
	if c.StepConcurrency <= 0 {
		c.StepConcurrency = 8
	}
	return c
}

func (m *Manager) BacktestCriteria() Criteria {
	c := m.cfg()
	return Criteria{MinWinRate: c.BacktestMinWinRate, MinProfitFactor: c.BacktestMinProfit}
}

func (m *Manager) PaperCriteria() Criteria {
	c := m.cfg()
	return Criteria{MinWinRate: c.PaperMinWinRate, MinProfitFactor: c.PaperMinProfit}
}

// Create records a freshly generated strategy in status generated.
func (m *Manager) Create(ctx context.Context, sessionID string, def generator.Definition) (*models.Strategy, error) {
	if m == nil || m.Repo == nil {
		return nil, errors.New("lifecycle manager not configured")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := validateComposition(def.Components); err != nil {
		return nil, err
	}
	if limit := m.Config.MaxStrategiesPerSession; limit > 0 {
		active, err := m.Repo.ListStrategies(ctx, repository.ListStrategiesParams{
			SessionID: sessionID,
			Statuses:  []string{models.StrategyGenerated, models.StrategyBacktested, models.StrategyPaperTrading, models.StrategyLive},
		})
		if err != nil {
			return nil, err
		}
		if len(active) >= limit {
			return nil, fmt.Errorf("%w: %d", ErrSessionFull, limit)
		}
	}

	kind := def.Kind
	if kind == "" {
		kind = models.KindSingle
	}
	item := &models.Strategy{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Name:        strings.TrimSpace(def.Name),
		Kind:        kind,
		Instrument:  strings.ToUpper(strings.TrimSpace(def.Instrument)),
		Timeframe:   def.Timeframe,
		Logic:       def.Logic,
		Description: def.Description,
		Status:      models.StrategyGenerated,
		CreatedAt:   m.now(),
	}
	if len(def.Indicators) > 0 {
		item.Indicators = datatypes.JSON(def.Indicators)
	}
	if len(def.Components) > 0 {
		raw, err := json.Marshal(def.Components)
		if err != nil {
			return nil, err
		}
		item.Composition = datatypes.JSON(raw)
	}

	err := m.Repo.InTx(ctx, func(tx repository.Repository) error {
		if err := tx.UpsertStrategy(ctx, item); err != nil {
			return err
		}
		return tx.AddSessionCounters(ctx, sessionID, repository.SessionDelta{StrategiesGenerated: 1})
	})
	if err != nil {
		return nil, err
	}
	m.publish(item, "", "")
	return item, nil
}

// Step advances one strategy by at most one scheduled action. A panic or
// non-transient failure retires only this strategy with reason error.
func (m *Manager) Step(ctx context.Context, id string, paper PaperSource) (err error) {
	unlock := m.lock(id)
	defer unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy %s step panicked: %v", id, r)
			m.retireOnError(ctx, id, err)
		}
	}()

	cur, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	switch cur.Status {
	case models.StrategyGenerated:
		return m.backtestLocked(ctx, cur)
	case models.StrategyBacktested:
		return m.screenLocked(ctx, cur)
	case models.StrategyPaperTrading:
		if cur.PendingApproval || !m.PaperDue(*cur) {
			return nil
		}
		if paper == nil {
			return errors.New("no paper performance source")
		}
		perf, err := paper.PaperPerformance(ctx, cur.ID)
		if err != nil {
			return fmt.Errorf("paper performance %s: %w", cur.ID, err)
		}
		return m.evaluatePaperLocked(ctx, cur, perf)
	}
	return nil
}

// StepSession steps every non-live, non-retired strategy of the session
// concurrently, at most StepConcurrency at a time. Errors are logged per
// strategy; the returned count is the number stepped.
func (m *Manager) StepSession(ctx context.Context, sessionID string, paper PaperSource) (int, error) {
	items, err := m.Repo.ListStrategies(ctx, repository.ListStrategiesParams{
		SessionID: sessionID,
		Statuses:  []string{models.StrategyGenerated, models.StrategyBacktested, models.StrategyPaperTrading},
	})
	if err != nil {
		return 0, err
	}
	sem := make(chan struct{}, m.cfg().StepConcurrency)
	var wg sync.WaitGroup
	n := 0
	for _, item := range items {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return n, ctx.Err()
		}
		n++
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := m.Step(ctx, id, paper); err != nil && m.Logger != nil {
				m.Logger.Warn("lifecycle: step failed",
					zap.String("session_id", sessionID),
					zap.String("strategy_id", id),
					zap.Error(err),
				)
			}
		}(item.ID)
	}
	wg.Wait()
	return n, nil
}

// Backtest scores a generated strategy and screens it in the same call.
func (m *Manager) Backtest(ctx context.Context, id string) (*models.Strategy, error) {
	unlock := m.lock(id)
	defer unlock()
	cur, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.backtestLocked(ctx, cur); err != nil {
		return nil, err
	}
	return m.load(ctx, id)
}

func (m *Manager) backtestLocked(ctx context.Context, cur *models.Strategy) error {
	if cur.Status != models.StrategyGenerated {
		return checkTransition(cur.Status, models.StrategyBacktested)
	}
	perf, err := m.score(ctx, cur)
	if err != nil {
		if errors.Is(err, scoring.ErrUnavailable) || ctx.Err() != nil {
			if m.Logger != nil {
				m.Logger.Warn("lifecycle: backtest deferred", zap.String("strategy_id", cur.ID), zap.Error(err))
			}
			return err
		}
		m.retireLockedOnError(ctx, cur, err)
		return err
	}

	next := *cur
	next.Status = models.StrategyBacktested
	next.SetPerformance(perf)
	if err := m.commit(ctx, cur, &next, repository.SessionDelta{BacktestsCompleted: 1}, ""); err != nil {
		return err
	}
	return m.screenLocked(ctx, &next)
}

func (m *Manager) score(ctx context.Context, st *models.Strategy) (perf models.Performance, err error) {
	if m.Scorer == nil {
		return models.Performance{}, fmt.Errorf("%w: no scorer configured", scoring.ErrUnavailable)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scorer panicked: %v", r)
		}
	}()
	c := m.cfg()
	return m.Scorer.Evaluate(ctx, scoring.BacktestRequest{
		StrategyID:     st.ID,
		Logic:          st.Logic,
		Indicators:     []byte(st.Indicators),
		Instrument:     st.Instrument,
		Timeframe:      st.Timeframe,
		Window:         c.BacktestWindow,
		WindowDays:     int(c.BacktestWindow / (24 * time.Hour)),
		InitialCapital: decimal.NewFromFloat(c.BacktestCapital),
	})
}

// screenLocked applies the backtest criteria to a backtested strategy.
func (m *Manager) screenLocked(ctx context.Context, cur *models.Strategy) error {
	next := *cur
	if m.BacktestCriteria().Passes(cur.Performance()) {
		now := m.now()
		next.Status = models.StrategyPaperTrading
		next.PaperStartedAt = &now
		return m.commit(ctx, cur, &next, repository.SessionDelta{}, "")
	}
	m.markRetired(&next, models.ReasonFailedBacktest)
	return m.commit(ctx, cur, &next, repository.SessionDelta{}, models.ReasonFailedBacktest)
}

// PaperDue reports whether the paper observation window has elapsed.
func (m *Manager) PaperDue(st models.Strategy) bool {
	if st.Status != models.StrategyPaperTrading {
		return false
	}
	started := st.UpdatedAt
	if st.PaperStartedAt != nil {
		started = *st.PaperStartedAt
	}
	return !m.now().Before(started.Add(m.cfg().PaperDuration))
}

// EvaluatePaper applies the paper criteria with the supplied simulated results.
func (m *Manager) EvaluatePaper(ctx context.Context, id string, perf models.Performance) (*models.Strategy, error) {
	unlock := m.lock(id)
	defer unlock()
	cur, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.evaluatePaperLocked(ctx, cur, perf); err != nil {
		return nil, err
	}
	return m.load(ctx, id)
}

func (m *Manager) evaluatePaperLocked(ctx context.Context, cur *models.Strategy, perf models.Performance) error {
	if cur.Status != models.StrategyPaperTrading {
		return checkTransition(cur.Status, models.StrategyLive)
	}
	next := *cur
	next.SetPerformance(perf)
	if !m.PaperCriteria().Passes(perf) {
		m.markRetired(&next, models.ReasonFailedPaperTrading)
		return m.commit(ctx, cur, &next, repository.SessionDelta{}, models.ReasonFailedPaperTrading)
	}
	assisted, err := m.assisted(ctx, cur.SessionID)
	if err != nil {
		return err
	}
	if assisted {
		next.PendingApproval = true
		return m.commit(ctx, cur, &next, repository.SessionDelta{}, "pending_approval")
	}
	m.markLive(&next)
	return m.commit(ctx, cur, &next, repository.SessionDelta{}, "")
}

func (m *Manager) assisted(ctx context.Context, sessionID string) (bool, error) {
	sess, err := m.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, nil
	}
	cfg, err := sess.Settings()
	if err != nil {
		return false, err
	}
	return cfg.AutomationLevel == models.AutomationAssisted, nil
}

// Approve promotes a strategy parked by assisted automation.
func (m *Manager) Approve(ctx context.Context, id string) (*models.Strategy, error) {
	unlock := m.lock(id)
	defer unlock()
	cur, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != models.StrategyPaperTrading || !cur.PendingApproval {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, cur.Status)
	}
	next := *cur
	m.markLive(&next)
	if err := m.commit(ctx, cur, &next, repository.SessionDelta{}, "approved"); err != nil {
		return nil, err
	}
	return &next, nil
}

// Reject retires a strategy parked by assisted automation.
func (m *Manager) Reject(ctx context.Context, id string) (*models.Strategy, error) {
	unlock := m.lock(id)
	defer unlock()
	cur, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != models.StrategyPaperTrading || !cur.PendingApproval {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, cur.Status)
	}
	next := *cur
	m.markRetired(&next, models.ReasonRejected)
	if err := m.commit(ctx, cur, &next, repository.SessionDelta{}, models.ReasonRejected); err != nil {
		return nil, err
	}
	return &next, nil
}

// Retire moves any non-terminal strategy to retired. reason defaults to manual.
func (m *Manager) Retire(ctx context.Context, id, reason string) (*models.Strategy, error) {
	unlock := m.lock(id)
	defer unlock()
	cur, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(cur.Status, models.StrategyRetired); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		reason = models.ReasonManual
	}
	next := *cur
	m.markRetired(&next, reason)
	if err := m.commit(ctx, cur, &next, repository.SessionDelta{}, reason); err != nil {
		return nil, err
	}
	return &next, nil
}

// ApplyAllocations writes the optimizer's fractions onto the session's live
// strategies. Live strategies missing from fractions are set to 0.
func (m *Manager) ApplyAllocations(ctx context.Context, sessionID string, fractions map[string]float64) error {
	live, err := m.Repo.ListStrategies(ctx, repository.ListStrategiesParams{
		SessionID: sessionID,
		Statuses:  []string{models.StrategyLive},
	})
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(live))
	for _, item := range live {
		ids = append(ids, item.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		unlock := m.lock(id)
		defer unlock()
	}

	return m.Repo.InTx(ctx, func(tx repository.Repository) error {
		for _, id := range ids {
			cur, err := tx.GetStrategy(ctx, id)
			if err != nil {
				return err
			}
			if cur == nil || cur.Status != models.StrategyLive {
				continue
			}
			cur.CurrentAllocationFraction = fractions[id]
			if err := tx.SaveStrategyIfStatus(ctx, cur, models.StrategyLive); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *Manager) load(ctx context.Context, id string) (*models.Strategy, error) {
	if m == nil || m.Repo == nil {
		return nil, errors.New("lifecycle manager not configured")
	}
	cur, err := m.Repo.GetStrategy(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, fmt.Errorf("strategy %s: %w", id, repository.ErrNotFound)
	}
	return cur, nil
}

func (m *Manager) markLive(st *models.Strategy) {
	now := m.now()
	st.Status = models.StrategyLive
	st.PendingApproval = false
	st.PromotedAt = &now
}

func (m *Manager) markRetired(st *models.Strategy, reason string) {
	now := m.now()
	st.Status = models.StrategyRetired
	st.PendingApproval = false
	st.CurrentAllocationFraction = 0
	st.RetiredAt = &now
	st.RetireReason = reason
}

func (m *Manager) retireOnError(ctx context.Context, id string, cause error) {
	cur, err := m.load(ctx, id)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Error("lifecycle: cannot load strategy to retire", zap.String("strategy_id", id), zap.Error(err))
		}
		return
	}
	m.retireLockedOnError(ctx, cur, cause)
}

func (m *Manager) retireLockedOnError(ctx context.Context, cur *models.Strategy, cause error) {
	if m.Logger != nil {
		m.Logger.Error("lifecycle: retiring strategy after failure",
			zap.String("strategy_id", cur.ID),
			zap.String("status", cur.Status),
			zap.Error(cause),
		)
	}
	if cur.Status == models.StrategyRetired {
		return
	}
	next := *cur
	m.markRetired(&next, models.ReasonError)
	if err := m.commit(ctx, cur, &next, repository.SessionDelta{}, models.ReasonError); err != nil && m.Logger != nil {
		m.Logger.Error("lifecycle: retire after failure not committed", zap.String("strategy_id", cur.ID), zap.Error(err))
	}
}

// commit persists next conditioned on cur's status and the session delta in one
// transaction, then publishes the transition.
func (m *Manager) commit(ctx context.Context, cur, next *models.Strategy, delta repository.SessionDelta, reason string) error {
	if cur.Status != next.Status {
		if err := checkTransition(cur.Status, next.Status); err != nil {
			return err
		}
	}
	err := m.Repo.InTx(ctx, func(tx repository.Repository) error {
		if err := tx.SaveStrategyIfStatus(ctx, next, cur.Status); err != nil {
			return err
		}
		return tx.AddSessionCounters(ctx, next.SessionID, delta)
	})
	if err != nil {
		return fmt.Errorf("commit %s %s -> %s: %w", cur.ID, cur.Status, next.Status, err)
	}

	m.publish(next, cur.Status, reason)
	if m.Logger != nil {
		m.Logger.Info("lifecycle: transition",
			zap.String("session_id", next.SessionID),
			zap.String("strategy_id", next.ID),
			zap.String("from", cur.Status),
			zap.String("to", next.Status),
			zap.String("reason", reason),
		)
	}
	if cur.Status == models.StrategyPaperTrading && next.Status != models.StrategyPaperTrading && m.OnLeavePaper != nil {
		m.OnLeavePaper(ctx, *next)
	}
	return nil
}

func (m *Manager) publish(st *models.Strategy, from, reason string) {
	m.Bus.Publish(events.Event{
		Topic:      events.TopicStrategyTransition,
		SessionID:  st.SessionID,
		StrategyID: st.ID,
		Payload: events.TransitionPayload{
			From:   from,
			To:     st.Status,
			Reason: reason,
			Name:   st.Name,
		},
		At: m.now(),
	})
}
