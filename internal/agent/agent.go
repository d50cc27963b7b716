// Package agent runs one trading session: strategy generation, lifecycle
// steps, tick-driven paper and live execution, and the session flush.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	cronrunner "autopilot/internal/cron"
	"autopilot/internal/events"
	"autopilot/internal/exchange"
	"autopilot/internal/generator"
	"autopilot/internal/lifecycle"
	"autopilot/internal/marketdata"
	"autopilot/internal/models"
	"autopilot/internal/repository"
	"autopilot/internal/risk"
	"autopilot/internal/scoring"
	"autopilot/internal/service"
	"autopilot/internal/simulator"
)

var ErrStopped = errors.New("session agent stopped")

// Deps are shared by every agent of a supervisor.
type Deps struct {
	Repo      repository.Repository
	Lifecycle *lifecycle.Manager
	Generator generator.Generator
	Signaler  scoring.Signaler
	Gate      *risk.Gate
	Hub       *marketdata.Hub
	Settings  *service.SystemSettingsService
	Bus       *events.Bus
	Logger    *zap.Logger
	Clock     cronrunner.Clock

	// NewSimulator builds the paper simulator for a session; the agent wires its callbacks.
	NewSimulator func(sessionID string) *simulator.Simulator
}

type liveLeg struct {
	side  string
	size  decimal.Decimal
	entry decimal.Decimal
}

type Agent struct {
	deps    Deps
	gateway exchange.Gateway
	sim     *simulator.Simulator
	logger  *zap.Logger

	sessionID string
	userID    string

	mu         sync.Mutex
	cfg        models.SessionConfig
	status     string
	strategies []models.Strategy
	lastGen    time.Time
	live       map[string]liveLeg
	cancel     context.CancelFunc
	stopped    bool

	genMu sync.Mutex
	wg    sync.WaitGroup
}

// New builds an agent for sess. gw may be nil when no venue is configured for the user.
func New(deps Deps, sess models.Session, gw exchange.Gateway) (*Agent, error) {
	if deps.Repo == nil || deps.Lifecycle == nil {
		return nil, errors.New("agent: repository and lifecycle are required")
	}
	cfg, err := sess.Settings()
	if err != nil {
		return nil, fmt.Errorf("session %s config: %w", sess.ID, err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{
		deps:      deps,
		gateway:   gw,
		logger:    logger.With(zap.String("session_id", sess.ID), zap.String("user_id", sess.UserID)),
		sessionID: sess.ID,
		userID:    sess.UserID,
		cfg:       cfg.Normalize(),
		status:    sess.Status,
		live:      map[string]liveLeg{},
	}
	if deps.NewSimulator != nil {
		a.sim = deps.NewSimulator(sess.ID)
	} else {
		a.sim = &simulator.Simulator{SessionID: sess.ID, Repo: deps.Repo, Bus: deps.Bus}
	}
	a.sim.SessionID = sess.ID
	a.sim.Logger = a.logger
	a.sim.Approve = a.approvePaper
	a.sim.OnRealized = a.onRealized
	return a, nil
}

func (a *Agent) SessionID() string { return a.sessionID }
func (a *Agent) UserID() string    { return a.userID }

func (a *Agent) Simulator() *simulator.Simulator { return a.sim }

func (a *Agent) Gateway() exchange.Gateway { return a.gateway }

func (a *Agent) now() time.Time {
	if a.deps.Clock != nil {
		return a.deps.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

func (a *Agent) Config() models.SessionConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

func (a *Agent) Status() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Start restores open paper positions and live legs, subscribes to the
// configured instruments and marks the session running.
func (a *Agent) Start(parent context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return ErrStopped
	}
	if a.cancel != nil {
		a.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(parent)
	a.cancel = cancel
	if a.status != models.SessionPaused {
		a.status = models.SessionRunning
	}
	instruments := append([]string(nil), a.cfg.Instruments...)
	a.mu.Unlock()

	restored, err := a.sim.Restore(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("restore paper positions: %w", err)
	}
	if err := a.refreshStrategies(ctx); err != nil {
		cancel()
		return err
	}
	legs, err := a.restoreLive(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("restore live legs: %w", err)
	}
	if err := a.persistState(ctx, func(s *models.Session) {
		now := a.now()
		if s.StartedAt == nil {
			s.StartedAt = &now
		}
		s.StoppedAt = nil
	}); err != nil {
		cancel()
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.sim.Run(ctx)
	}()
	if a.deps.Hub != nil {
		for _, inst := range instruments {
			ch, unsubscribe := a.deps.Hub.Subscribe(inst, 256)
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				defer unsubscribe()
				a.consume(ctx, ch)
			}()
		}
	}
	a.logger.Info("agent: started",
		zap.Int("restored_positions", restored),
		zap.Int("restored_live_legs", legs),
		zap.Strings("instruments", instruments),
	)
	a.publishState()
	return nil
}

// restoreLive rebuilds the open live leg of every live strategy from its
// recorded fills. Entries and exits alternate per strategy, so a leg is open
// when entries outnumber exits; it is the latest entry.
func (a *Agent) restoreLive(ctx context.Context) (int, error) {
	a.mu.Lock()
	var ids []string
	for _, st := range a.strategies {
		if st.Status == models.StrategyLive {
			ids = append(ids, st.ID)
		}
	}
	a.mu.Unlock()

	legs := map[string]liveLeg{}
	for _, id := range ids {
		trades, err := a.deps.Repo.ListTrades(ctx, repository.ListTradesParams{
			SessionID:  a.sessionID,
			StrategyID: id,
			Mode:       models.ModeLive,
		})
		if err != nil {
			return 0, err
		}
		entries, exits := 0, 0
		var last models.PaperTrade
		for _, t := range trades {
			if t.Exit {
				exits++
				continue
			}
			entries++
			last = t
		}
		if entries > exits {
			legs[id] = liveLeg{side: last.Side, size: last.Size, entry: last.Price}
		}
	}
	a.mu.Lock()
	for id, leg := range legs {
		a.live[id] = leg
	}
	a.mu.Unlock()
	return len(legs), nil
}

// consume handles one instrument's ticks in arrival order.
func (a *Agent) consume(ctx context.Context, ch <-chan marketdata.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ch:
			if !ok {
				return
			}
			a.HandleTick(ctx, tick)
		}
	}
}

// Stop cancels the agent's background work, closes paper positions and
// flushes the session as stopped. Repeated calls are no-ops.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	cancel := a.cancel
	a.status = models.SessionStopped
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()

	a.sim.DrainPending(ctx)
	closed := a.sim.CloseAll(ctx, models.CloseSessionStop)
	err := a.Flush(ctx)
	a.logger.Info("agent: stopped", zap.Int("closed_positions", closed), zap.Error(err))
	a.publishState()
	return err
}

// Flush persists the session record and the latest paper marks.
func (a *Agent) Flush(ctx context.Context) error {
	var errs []error
	if err := a.sim.FlushMarks(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush marks: %w", err))
	}
	if err := a.persistState(ctx, func(s *models.Session) {
		if s.Status == models.SessionStopped && s.StoppedAt == nil {
			now := a.now()
			s.StoppedAt = &now
		}
	}); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// persistState writes status and config onto the stored session, keeping counters as stored.
func (a *Agent) persistState(ctx context.Context, mutate func(*models.Session)) error {
	a.mu.Lock()
	status := a.status
	cfg := a.cfg
	a.mu.Unlock()
	return a.deps.Repo.InTx(ctx, func(tx repository.Repository) error {
		cur, err := tx.GetSession(ctx, a.sessionID)
		if err != nil {
			return err
		}
		if cur == nil {
			cur = &models.Session{ID: a.sessionID, UserID: a.userID, CreatedAt: a.now()}
		}
		cur.Status = status
		if err := cur.SetSettings(cfg); err != nil {
			return err
		}
		if mutate != nil {
			mutate(cur)
		}
		return tx.UpsertSession(ctx, cur)
	})
}

func (a *Agent) setStatus(ctx context.Context, status string) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return ErrStopped
	}
	changed := a.status != status
	a.status = status
	a.mu.Unlock()
	if !changed {
		return nil
	}
	if err := a.persistState(ctx, nil); err != nil {
		return err
	}
	a.publishState()
	return nil
}

// Pause stops generation and new entries; open positions keep their exits.
func (a *Agent) Pause(ctx context.Context) error { return a.setStatus(ctx, models.SessionPaused) }

func (a *Agent) Resume(ctx context.Context) error { return a.setStatus(ctx, models.SessionRunning) }

// UpdateConfig replaces the session configuration. New instruments take effect on the next start.
func (a *Agent) UpdateConfig(ctx context.Context, cfg models.SessionConfig) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return ErrStopped
	}
	a.cfg = cfg.Normalize()
	a.mu.Unlock()
	return a.persistState(ctx, nil)
}

// Fail records a failed unit of work on the session. With pause set a running
// session is also paused until an operator resumes it.
func (a *Agent) Fail(ctx context.Context, cause error, pause bool) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return ErrStopped
	}
	if pause && a.status == models.SessionRunning {
		a.status = models.SessionPaused
	}
	status := a.status
	a.mu.Unlock()

	msg := cause.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	now := a.now()
	if err := a.persistState(ctx, func(s *models.Session) {
		s.LastError = msg
		s.LastErrorAt = &now
	}); err != nil {
		return err
	}
	a.logger.Error("agent: session unit failed", zap.String("status", status), zap.String("error", msg))
	a.deps.Bus.Publish(events.Event{
		Topic:     events.TopicSessionState,
		SessionID: a.sessionID,
		Payload:   map[string]string{"status": status, "user_id": a.userID, "reason": models.ReasonError, "error": msg},
		At:        now,
	})
	return nil
}

func (a *Agent) publishState() {
	a.deps.Bus.Publish(events.Event{
		Topic:     events.TopicSessionState,
		SessionID: a.sessionID,
		Payload:   map[string]string{"status": a.Status(), "user_id": a.userID},
		At:        a.now(),
	})
}

func (a *Agent) Heartbeat(ctx context.Context) error {
	return a.deps.Repo.UpdateSessionHeartbeat(ctx, a.sessionID, a.now())
}

func (a *Agent) refreshStrategies(ctx context.Context) error {
	items, err := a.deps.Repo.ListStrategies(ctx, repository.ListStrategiesParams{
		SessionID: a.sessionID,
		Statuses:  []string{models.StrategyPaperTrading, models.StrategyLive},
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.strategies = items
	a.mu.Unlock()
	return nil
}

// Cycle is one execution pass: lifecycle steps, drawdown guard and strategy refresh.
func (a *Agent) Cycle(ctx context.Context) error {
	if a.isStopped() {
		return ErrStopped
	}
	if _, err := a.deps.Lifecycle.StepSession(ctx, a.sessionID, a.sim); err != nil {
		return err
	}
	if err := a.refreshStrategies(ctx); err != nil {
		return err
	}
	return a.checkDrawdown(ctx)
}

func (a *Agent) isStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

// checkDrawdown pauses the session once cumulative P&L falls below -max_drawdown × initial capital.
func (a *Agent) checkDrawdown(ctx context.Context) error {
	sess, err := a.deps.Repo.GetSession(ctx, a.sessionID)
	if err != nil || sess == nil {
		return err
	}
	cfg := a.Config()
	limit := cfg.InitialCapital.Mul(decimal.NewFromFloat(cfg.MaxDrawdown)).Neg()
	if sess.CumulativePnL.GreaterThanOrEqual(limit) || a.Status() != models.SessionRunning {
		return nil
	}
	a.logger.Warn("agent: max drawdown reached, pausing",
		zap.String("cumulative_pnl", sess.CumulativePnL.String()),
		zap.String("limit", limit.String()),
	)
	return a.Pause(ctx)
}

// GenerationDue reports whether the session's own generation cadence has elapsed.
func (a *Agent) GenerationDue(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped || a.status != models.SessionRunning {
		return false
	}
	return a.lastGen.IsZero() || !now.Before(a.lastGen.Add(a.cfg.GenerationInterval))
}

// MaybeGenerate asks the generator for one strategy when due. A generator
// failure skips this round and reports false without an error.
func (a *Agent) MaybeGenerate(ctx context.Context) (bool, error) {
	if a.deps.Generator == nil {
		return false, nil
	}
	now := a.now()
	if !a.GenerationDue(now) {
		return false, nil
	}
	if !a.genMu.TryLock() {
		return false, nil
	}
	defer a.genMu.Unlock()
	a.mu.Lock()
	a.lastGen = now
	cfg := a.cfg
	a.mu.Unlock()

	existing, err := a.deps.Repo.ListStrategies(ctx, repository.ListStrategiesParams{
		SessionID: a.sessionID,
		Statuses:  []string{models.StrategyGenerated, models.StrategyBacktested, models.StrategyPaperTrading, models.StrategyLive},
	})
	if err != nil {
		return false, err
	}
	mc := generator.MarketContext{SessionID: a.sessionID, Instruments: cfg.Instruments, Timeframes: cfg.Timeframes}
	for _, st := range existing {
		mc.Existing = append(mc.Existing, st.Name)
	}
	for _, inst := range cfg.Instruments {
		if t, ok := a.deps.Hub.Last(inst); ok {
			mc.Latest = append(mc.Latest, t)
		}
	}

	def, err := a.generate(ctx, mc)
	if err != nil {
		a.logger.Warn("agent: generation skipped", zap.Error(err))
		return false, nil
	}
	if def.Timeframe == "" && len(cfg.Timeframes) > 0 {
		def.Timeframe = cfg.Timeframes[0]
	}
	st, err := a.deps.Lifecycle.Create(ctx, a.sessionID, def)
	if err != nil {
		if errors.Is(err, lifecycle.ErrSessionFull) {
			a.logger.Info("agent: generation skipped", zap.Error(err))
			return false, nil
		}
		return false, err
	}
	a.logger.Info("agent: strategy generated", zap.String("strategy_id", st.ID), zap.String("name", st.Name))
	return true, nil
}

func (a *Agent) generate(ctx context.Context, mc generator.MarketContext) (def generator.Definition, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: generator panicked: %v", generator.ErrUnavailable, r)
		}
	}()
	return a.deps.Generator.Generate(ctx, mc)
}

// HandleTick marks paper positions and asks the signal function about every
// active strategy on the tick's instrument.
func (a *Agent) HandleTick(ctx context.Context, tick marketdata.Tick) {
	a.sim.OnTick(tick)
	if a.Status() != models.SessionRunning || a.deps.Signaler == nil {
		return
	}
	instrument := strings.ToUpper(tick.Instrument)
	a.mu.Lock()
	targets := make([]models.Strategy, 0, len(a.strategies))
	for _, st := range a.strategies {
		if st.Instrument == instrument {
			targets = append(targets, st)
		}
	}
	a.mu.Unlock()

	for _, st := range targets {
		a.handleStrategyTick(ctx, st, tick)
	}
}

func (a *Agent) handleStrategyTick(ctx context.Context, st models.Strategy, tick marketdata.Tick) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("agent: tick handler panicked", zap.String("strategy_id", st.ID), zap.Any("panic", r))
		}
	}()
	sig, err := a.deps.Signaler.Signal(ctx, scoring.SignalRequest{
		StrategyID: st.ID,
		Logic:      st.Logic,
		Indicators: []byte(st.Indicators),
		Instrument: st.Instrument,
		Timeframe:  st.Timeframe,
		Tick:       tick,
	})
	if err != nil {
		a.logger.Debug("agent: signal unavailable", zap.String("strategy_id", st.ID), zap.Error(err))
		return
	}
	switch st.Status {
	case models.StrategyPaperTrading:
		a.paperSignal(ctx, st, tick, sig)
	case models.StrategyLive:
		a.liveSignal(ctx, st, tick, sig)
	}
}

func sideFor(action string) string {
	switch action {
	case scoring.ActionEnterLong:
		return models.SideLong
	case scoring.ActionEnterShort:
		return models.SideShort
	}
	return ""
}

func (a *Agent) paperSignal(ctx context.Context, st models.Strategy, tick marketdata.Tick, sig scoring.Signal) {
	if sig.Action == scoring.ActionExit {
		a.sim.CloseStrategy(ctx, st.ID, models.CloseSignal)
		return
	}
	side := sideFor(sig.Action)
	if side == "" || a.sim.HasOpen(st.ID, st.Instrument) {
		return
	}
	cfg := a.Config()
	req := simulator.EntryRequest{
		StrategyID:    st.ID,
		Instrument:    st.Instrument,
		Side:          side,
		Price:         tick.Price,
		AccountValue:  a.accountValue(ctx),
		RiskPerTrade:  cfg.PositionSize,
		StopLossPct:   pick(sig.StopLossPct, cfg.StopLossPct),
		TakeProfitPct: pick(sig.TakeProfitPct, cfg.TakeProfitPct),
		Leverage:      pick(sig.Leverage, 1),
		AccountID:     a.userID,
	}
	if _, err := a.sim.Enter(ctx, req); err != nil {
		var rej *simulator.RejectedError
		switch {
		case errors.As(err, &rej):
			a.logger.Info("agent: paper entry rejected", zap.String("strategy_id", st.ID), zap.String("check", rej.Decision.Check))
		case errors.Is(err, simulator.ErrExecutionFailed), errors.Is(err, simulator.ErrPositionOpen):
			a.logger.Debug("agent: paper entry not filled", zap.String("strategy_id", st.ID), zap.Error(err))
		default:
			a.logger.Warn("agent: paper entry failed", zap.String("strategy_id", st.ID), zap.Error(err))
		}
		return
	}
	a.addCounters(ctx, repository.SessionDelta{PaperTradesExecuted: 1})
}

func pick(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}

func (a *Agent) onRealized(ctx context.Context, r simulator.Realized) {
	a.addCounters(ctx, repository.SessionDelta{PnL: r.PnL})
}

func (a *Agent) addCounters(ctx context.Context, delta repository.SessionDelta) {
	if err := a.deps.Repo.AddSessionCounters(ctx, a.sessionID, delta); err != nil {
		a.logger.Error("agent: session counters not updated", zap.Error(err))
	}
}

// accountValue is the paper account: initial capital plus cumulative realized P&L.
func (a *Agent) accountValue(ctx context.Context) decimal.Decimal {
	cfg := a.Config()
	sess, err := a.deps.Repo.GetSession(ctx, a.sessionID)
	if err != nil || sess == nil {
		return cfg.InitialCapital
	}
	return cfg.InitialCapital.Add(sess.CumulativePnL)
}

func (a *Agent) approvePaper(ctx context.Context, order risk.Order) risk.Decision {
	return a.deps.Gate.Check(ctx, order, risk.AccountProviderFunc(a.paperSnapshot))
}

func (a *Agent) paperSnapshot(ctx context.Context, _ risk.Order) (risk.Snapshot, error) {
	sess, err := a.deps.Repo.GetSession(ctx, a.sessionID)
	if err != nil {
		return risk.Snapshot{}, err
	}
	if sess == nil {
		return risk.Snapshot{}, fmt.Errorf("session %s: %w", a.sessionID, repository.ErrNotFound)
	}
	pnl, err := a.deps.Repo.SumRealizedPnLSince(ctx, a.sessionID, a.now().Add(-24*time.Hour))
	if err != nil {
		return risk.Snapshot{}, err
	}
	cfg := a.Config()
	return risk.Snapshot{
		Balance:          cfg.InitialCapital.Add(sess.CumulativePnL),
		RealizedPnL24h:   pnl,
		OpenPositions:    a.sim.OpenCount(),
		MaxOpenPositions: cfg.MaxConcurrentPositions,
	}, nil
}

func (a *Agent) liveSnapshot(ctx context.Context, _ risk.Order) (risk.Snapshot, error) {
	if a.gateway == nil {
		return risk.Snapshot{}, errors.New("no exchange gateway for session")
	}
	balance, err := a.gateway.Balance(ctx)
	if err != nil {
		return risk.Snapshot{}, err
	}
	open, err := a.gateway.OpenPositions(ctx)
	if err != nil {
		return risk.Snapshot{}, err
	}
	pnl, err := a.deps.Repo.SumRealizedPnLSince(ctx, a.sessionID, a.now().Add(-24*time.Hour))
	if err != nil {
		return risk.Snapshot{}, err
	}
	a.mu.Lock()
	legs := len(a.live)
	a.mu.Unlock()
	return risk.Snapshot{
		Balance:          balance,
		RealizedPnL24h:   pnl,
		OpenPositions:    max(len(open), legs),
		MaxOpenPositions: a.Config().MaxConcurrentPositions,
	}, nil
}

// liveSignal routes a live strategy's signal through the risk gate to the venue.
func (a *Agent) liveSignal(ctx context.Context, st models.Strategy, tick marketdata.Tick, sig scoring.Signal) {
	if a.gateway == nil || !a.deps.Settings.IsEnabled(ctx, service.FeatureLiveOrders, false) {
		return
	}
	a.mu.Lock()
	leg, holding := a.live[st.ID]
	a.mu.Unlock()

	if sig.Action == scoring.ActionExit {
		if holding {
			a.exitLive(ctx, st, tick, leg)
		}
		return
	}
	side := sideFor(sig.Action)
	if side == "" || holding {
		return
	}

	cfg := a.Config()
	value := a.accountValue(ctx)
	notional := value.Mul(decimal.NewFromFloat(st.CurrentAllocationFraction))
	if !notional.IsPositive() {
		notional = a.sim.Size(value, cfg.PositionSize, cfg.StopLossPct)
	}
	if !notional.IsPositive() || !tick.Price.IsPositive() {
		return
	}
	size := notional.Div(tick.Price).Round(8)
	orderSide := exchange.SideBuy
	if side == models.SideShort {
		orderSide = exchange.SideSell
	}
	leverage := pick(sig.Leverage, 1)
	req := exchange.OrderRequest{
		ClientOrderID: fmt.Sprintf("%s-%d", st.ID[:min(8, len(st.ID))], a.now().UnixNano()),
		StrategyID:    st.ID,
		Instrument:    st.Instrument,
		Side:          orderSide,
		Size:          size,
		Leverage:      leverage,
	}
	d := a.deps.Gate.Check(ctx, risk.Order{
		OrderID:    req.ClientOrderID,
		AccountID:  a.userID,
		SessionID:  a.sessionID,
		StrategyID: st.ID,
		Instrument: st.Instrument,
		Side:       orderSide,
		Size:       size,
		Price:      tick.Price,
		Leverage:   leverage,
	}, risk.AccountProviderFunc(a.liveSnapshot))
	if !d.Approved {
		return
	}
	res, err := a.gateway.PlaceOrder(ctx, req)
	if err != nil {
		a.logOrderError(st.ID, err)
		return
	}
	fill := res.FilledPrice
	if !fill.IsPositive() {
		fill = tick.Price
	}
	filled := res.FilledSize
	if !filled.IsPositive() {
		filled = size
	}
	a.mu.Lock()
	a.live[st.ID] = liveLeg{side: side, size: filled, entry: fill}
	a.mu.Unlock()
	a.recordLive(ctx, st, side, fill, filled, false, decimal.Zero, res.OrderID)
}

// exitLive closes a leg with a reduce-only order. Exits only shrink exposure
// and are not gated, so an engaged kill switch cannot trap an open position.
func (a *Agent) exitLive(ctx context.Context, st models.Strategy, tick marketdata.Tick, leg liveLeg) {
	orderSide := exchange.SideSell
	if leg.side == models.SideShort {
		orderSide = exchange.SideBuy
	}
	req := exchange.OrderRequest{
		ClientOrderID: fmt.Sprintf("%s-x-%d", st.ID[:min(8, len(st.ID))], a.now().UnixNano()),
		StrategyID:    st.ID,
		Instrument:    st.Instrument,
		Side:          orderSide,
		Size:          leg.size,
		Leverage:      1,
		ReduceOnly:    true,
	}
	res, err := a.gateway.PlaceOrder(ctx, req)
	if err != nil {
		a.logOrderError(st.ID, err)
		return
	}
	fill := res.FilledPrice
	if !fill.IsPositive() {
		fill = tick.Price
	}
	pnl := models.PnL(leg.side, leg.entry, fill, leg.size)
	a.mu.Lock()
	delete(a.live, st.ID)
	a.mu.Unlock()
	a.recordLive(ctx, st, leg.side, fill, leg.size, true, pnl, res.OrderID)
}

func (a *Agent) logOrderError(strategyID string, err error) {
	var rej *exchange.RejectionError
	switch {
	case errors.As(err, &rej):
		a.logger.Info("agent: live order rejected by venue", zap.String("strategy_id", strategyID), zap.String("code", rej.Code), zap.String("reason", rej.Reason))
	case errors.Is(err, exchange.ErrUnavailable):
		a.logger.Warn("agent: venue unavailable, order skipped", zap.String("strategy_id", strategyID), zap.Error(err))
	default:
		a.logger.Error("agent: live order failed", zap.String("strategy_id", strategyID), zap.Error(err))
	}
}

func (a *Agent) recordLive(ctx context.Context, st models.Strategy, side string, price, size decimal.Decimal, exit bool, pnl decimal.Decimal, orderID string) {
	trade := &models.PaperTrade{
		ID:          uuid.NewString(),
		SessionID:   a.sessionID,
		StrategyID:  st.ID,
		Instrument:  st.Instrument,
		Side:        side,
		Exit:        exit,
		Mode:        models.ModeLive,
		Price:       price,
		Size:        size,
		RealizedPnL: pnl,
		Reason:      models.CloseSignal,
		ExecutedAt:  a.now(),
	}
	if err := a.deps.Repo.InsertTrade(ctx, trade); err != nil {
		a.logger.Error("agent: live fill not recorded", zap.String("strategy_id", st.ID), zap.String("order_id", orderID), zap.Error(err))
	}
	a.addCounters(ctx, repository.SessionDelta{LiveTradesExecuted: 1, PnL: pnl})
}

// CloseStrategyPositions closes paper positions of a strategy that left paper_trading.
func (a *Agent) CloseStrategyPositions(ctx context.Context, strategyID string) int {
	return a.sim.CloseStrategy(ctx, strategyID, models.CloseLifecycle)
}

// Snapshot is a read-only status view.
type Snapshot struct {
	SessionID     string               `json:"session_id"`
	UserID        string               `json:"user_id"`
	Status        string               `json:"status"`
	Config        models.SessionConfig `json:"config"`
	OpenPositions int                  `json:"open_positions"`
	Strategies    int                  `json:"active_strategies"`
}

func (a *Agent) Snapshot() Snapshot {
	open := a.sim.OpenCount()
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		SessionID:     a.sessionID,
		UserID:        a.userID,
		Status:        a.status,
		Config:        a.cfg,
		OpenPositions: open,
		Strategies:    len(a.strategies),
	}
}
