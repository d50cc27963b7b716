// Package simulator fills paper orders with latency, slippage and fees and
// watches open paper positions for stop-loss and take-profit exits.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"autopilot/internal/config"
	"autopilot/internal/events"
	"autopilot/internal/marketdata"
	"autopilot/internal/models"
	"autopilot/internal/performance"
	"autopilot/internal/repository"
	"autopilot/internal/risk"
)

var (
	// ErrExecutionFailed is the simulated venue refusing the order; nothing changed.
	ErrExecutionFailed = errors.New("execution_failed")
	ErrPositionOpen    = errors.New("position already open for strategy and instrument")
	ErrInvalidOrder    = errors.New("invalid paper order")
	ErrCloseInFlight   = errors.New("position close already in progress")
)

// RejectedError carries a risk gate rejection.
type RejectedError struct {
	Decision risk.Decision
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("risk rejected (%s): %s", e.Decision.Check, e.Decision.Reason)
}

// Approver asks the risk gate about an order.
type Approver func(ctx context.Context, order risk.Order) risk.Decision

// Realized is reported to the owning session after an exit is persisted.
type Realized struct {
	SessionID  string
	StrategyID string
	PositionID string
	Reason     string
	PnL        decimal.Decimal
	Fees       decimal.Decimal
}

// EntryRequest describes a paper entry. AccountValue and RiskPerTrade drive sizing.
type EntryRequest struct {
	StrategyID    string
	Instrument    string
	Side          string
	Price         decimal.Decimal
	AccountValue  decimal.Decimal
	RiskPerTrade  float64
	StopLossPct   float64
	TakeProfitPct float64
	Leverage      float64
	AccountID     string
}

type closeRequest struct {
	positionID string
	price      decimal.Decimal
	reason     string
}

type Simulator struct {
	SessionID string
	Repo      repository.Repository
	Bus       *events.Bus
	Logger    *zap.Logger
	Config    config.SimulatorConfig
	Approve   Approver

	// OnRealized receives every persisted exit.
	OnRealized func(ctx context.Context, r Realized)

	// Sleep, Rand and Now are replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
	Now   func() time.Time

	// ProfitFactorCap bounds the paper profit factor when there are no losses.
	ProfitFactorCap float64

	mu        sync.Mutex
	positions map[string]*models.PaperPosition
	byKey     map[string]string
	closing   map[string]bool
	inflight  map[string]bool
	queue     chan closeRequest
	initOnce  sync.Once
}

const reservedKey = "reserved"

func (s *Simulator) init() {
	s.initOnce.Do(func() {
		s.positions = map[string]*models.PaperPosition{}
		s.byKey = map[string]string{}
		s.closing = map[string]bool{}
		s.inflight = map[string]bool{}
		size := s.Config.CloseQueueSize
		if size <= 0 {
			size = 256
		}
		s.queue = make(chan closeRequest, size)
	})
}

func positionKey(strategyID, instrument string) string {
	return strategyID + "|" + strings.ToUpper(instrument)
}

func (s *Simulator) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Simulator) rand() float64 {
	if s.Rand != nil {
		return s.Rand()
	}
	return rand.Float64()
}

func (s *Simulator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if s.Sleep != nil {
		return s.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Restore loads the session's open positions from the store.
func (s *Simulator) Restore(ctx context.Context) (int, error) {
	s.init()
	items, err := s.Repo.ListOpenPositions(ctx, s.SessionID)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range items {
		p := items[i]
		s.positions[p.ID] = &p
		s.byKey[positionKey(p.StrategyID, p.Instrument)] = p.ID
	}
	return len(items), nil
}

// Size returns the position notional: account × risk / stop distance, capped at the max fraction of the account.
func (s *Simulator) Size(accountValue decimal.Decimal, riskPerTrade, stopLossPct float64) decimal.Decimal {
	if !accountValue.IsPositive() || riskPerTrade <= 0 || stopLossPct <= 0 {
		return decimal.Zero
	}
	value := accountValue.Mul(decimal.NewFromFloat(riskPerTrade)).Div(decimal.NewFromFloat(stopLossPct))
	maxFrac := s.Config.MaxPositionFraction
	if maxFrac <= 0 {
		maxFrac = 0.10
	}
	limit := accountValue.Mul(decimal.NewFromFloat(maxFrac))
	if value.GreaterThan(limit) {
		return limit
	}
	return value
}

// slippage is the adverse price fraction for an order of the given notional.
func (s *Simulator) slippage(notional decimal.Decimal) decimal.Decimal {
	base := decimal.NewFromFloat(s.Config.BaseSlippage)
	impact := notional.Div(decimal.NewFromInt(1_000_000)).Mul(decimal.NewFromFloat(s.Config.ImpactPerMillion))
	jitter := s.Config.SlippageJitter
	factor := 1 + jitter*(2*s.rand()-1)
	return base.Add(impact).Mul(decimal.NewFromFloat(factor))
}

func (s *Simulator) fee(notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(decimal.NewFromFloat(s.Config.FeeBps)).Div(decimal.NewFromInt(10_000))
}

func (s *Simulator) succeeded() bool {
	p := s.Config.SuccessProbability
	if p <= 0 {
		p = 0.98
	}
	return s.rand() < p
}

// Enter opens a paper position after risk approval. Rejections and simulated
// failures leave no state behind.
func (s *Simulator) Enter(ctx context.Context, req EntryRequest) (*models.PaperPosition, error) {
	s.init()
	if req.StrategyID == "" || req.Instrument == "" || !req.Price.IsPositive() {
		return nil, ErrInvalidOrder
	}
	if req.Side != models.SideLong && req.Side != models.SideShort {
		return nil, fmt.Errorf("%w: side %q", ErrInvalidOrder, req.Side)
	}
	instrument := strings.ToUpper(req.Instrument)
	key := positionKey(req.StrategyID, instrument)

	s.mu.Lock()
	if _, ok := s.byKey[key]; ok {
		s.mu.Unlock()
		return nil, ErrPositionOpen
	}
	s.byKey[key] = reservedKey
	s.mu.Unlock()
	release := func() {
		s.mu.Lock()
		if s.byKey[key] == reservedKey {
			delete(s.byKey, key)
		}
		s.mu.Unlock()
	}

	notional := s.Size(req.AccountValue, req.RiskPerTrade, req.StopLossPct)
	if !notional.IsPositive() {
		release()
		return nil, fmt.Errorf("%w: zero size", ErrInvalidOrder)
	}
	size := notional.Div(req.Price)
	side := "buy"
	if req.Side == models.SideShort {
		side = "sell"
	}
	orderID := uuid.NewString()

	if s.Approve != nil {
		d := s.Approve(ctx, risk.Order{
			OrderID:    orderID,
			AccountID:  req.AccountID,
			SessionID:  s.SessionID,
			StrategyID: req.StrategyID,
			Instrument: instrument,
			Side:       side,
			Size:       size,
			Price:      req.Price,
			Leverage:   req.Leverage,
		})
		if !d.Approved {
			release()
			return nil, &RejectedError{Decision: d}
		}
	}

	if err := s.sleep(ctx, s.Config.Latency); err != nil {
		release()
		return nil, err
	}
	if !s.succeeded() {
		release()
		return nil, ErrExecutionFailed
	}

	slip := s.slippage(notional)
	fill := req.Price.Mul(decimal.NewFromInt(1).Add(slip))
	if req.Side == models.SideShort {
		fill = req.Price.Mul(decimal.NewFromInt(1).Sub(slip))
	}
	entryFee := s.fee(size.Mul(fill))
	now := s.now()

	pos := &models.PaperPosition{
		ID:         uuid.NewString(),
		SessionID:  s.SessionID,
		StrategyID: req.StrategyID,
		Instrument: instrument,
		Side:       req.Side,
		Size:       size,
		EntryPrice: fill,
		LastPrice:  fill,
		Status:     models.PositionOpen,
		OpenedAt:   now,
	}
	pos.StopLoss, pos.TakeProfit = levels(req.Side, fill, req.StopLossPct, req.TakeProfitPct)
	trade := &models.PaperTrade{
		ID:         orderID,
		PositionID: pos.ID,
		SessionID:  s.SessionID,
		StrategyID: req.StrategyID,
		Instrument: instrument,
		Side:       req.Side,
		Mode:       models.ModePaper,
		Price:      fill,
		Size:       size,
		Fee:        entryFee,
		Reason:     "entry",
		ExecutedAt: now,
	}
	err := s.Repo.InTx(ctx, func(tx repository.Repository) error {
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}
		return tx.InsertTrade(ctx, trade)
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("persist paper entry: %w", err)
	}

	s.mu.Lock()
	s.positions[pos.ID] = pos
	s.byKey[key] = pos.ID
	s.mu.Unlock()
	if s.Logger != nil {
		s.Logger.Info("simulator: position opened",
			zap.String("session_id", s.SessionID),
			zap.String("strategy_id", req.StrategyID),
			zap.String("instrument", instrument),
			zap.String("side", req.Side),
			zap.String("size", size.String()),
			zap.String("entry", fill.String()),
		)
	}
	cp := *pos
	return &cp, nil
}

func levels(side string, entry decimal.Decimal, slPct, tpPct float64) (decimal.Decimal, decimal.Decimal) {
	one := decimal.NewFromInt(1)
	sl := decimal.NewFromFloat(slPct)
	tp := decimal.NewFromFloat(tpPct)
	var stop, take decimal.Decimal
	if side == models.SideShort {
		if slPct > 0 {
			stop = entry.Mul(one.Add(sl))
		}
		if tpPct > 0 {
			take = entry.Mul(one.Sub(tp))
		}
		return stop, take
	}
	if slPct > 0 {
		stop = entry.Mul(one.Sub(sl))
	}
	if tpPct > 0 {
		take = entry.Mul(one.Add(tp))
	}
	return stop, take
}

// trigger reports the exit reason for pos at price, if any.
func trigger(pos *models.PaperPosition, price decimal.Decimal) string {
	if pos.Side == models.SideShort {
		if pos.StopLoss.IsPositive() && price.GreaterThanOrEqual(pos.StopLoss) {
			return models.CloseStopLoss
		}
		if pos.TakeProfit.IsPositive() && price.LessThanOrEqual(pos.TakeProfit) {
			return models.CloseTakeProfit
		}
		return ""
	}
	if pos.StopLoss.IsPositive() && price.LessThanOrEqual(pos.StopLoss) {
		return models.CloseStopLoss
	}
	if pos.TakeProfit.IsPositive() && price.GreaterThanOrEqual(pos.TakeProfit) {
		return models.CloseTakeProfit
	}
	return ""
}

// OnTick marks positions on the tick's instrument and queues triggered exits.
// It never closes positions itself. It returns the number of exits queued.
func (s *Simulator) OnTick(tick marketdata.Tick) int {
	s.init()
	instrument := strings.ToUpper(tick.Instrument)
	if !tick.Price.IsPositive() {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := 0
	for id, pos := range s.positions {
		if pos.Instrument != instrument {
			continue
		}
		pos.Mark(tick.Price)
		if s.closing[id] {
			continue
		}
		reason := trigger(pos, tick.Price)
		if reason == "" {
			continue
		}
		select {
		case s.queue <- closeRequest{positionID: id, price: tick.Price, reason: reason}:
			s.closing[id] = true
			queued++
		default:
			// Retried on the next tick.
			if s.Logger != nil {
				s.Logger.Warn("simulator: close queue full", zap.String("position_id", id))
			}
		}
	}
	return queued
}

// Run processes queued exits until ctx is done.
func (s *Simulator) Run(ctx context.Context) {
	s.init()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.queue:
			s.handleClose(ctx, req)
		}
	}
}

// DrainPending processes every queued exit synchronously and returns how many were handled.
func (s *Simulator) DrainPending(ctx context.Context) int {
	s.init()
	n := 0
	for {
		select {
		case req := <-s.queue:
			s.handleClose(ctx, req)
			n++
		default:
			return n
		}
	}
}

func (s *Simulator) handleClose(ctx context.Context, req closeRequest) {
	if _, err := s.close(ctx, req.positionID, req.price, req.reason, false); err != nil && s.Logger != nil {
		s.Logger.Warn("simulator: queued close failed",
			zap.String("position_id", req.positionID),
			zap.String("reason", req.reason),
			zap.Error(err),
		)
	}
}

// Close exits one position at price immediately.
func (s *Simulator) Close(ctx context.Context, positionID string, price decimal.Decimal, reason string) (*Realized, error) {
	s.init()
	return s.close(ctx, positionID, price, reason, true)
}

// CloseStrategy closes every open position of the strategy at its last price.
func (s *Simulator) CloseStrategy(ctx context.Context, strategyID, reason string) int {
	return s.closeWhere(ctx, reason, func(p *models.PaperPosition) bool { return p.StrategyID == strategyID })
}

// CloseAll closes every open position at its last price.
func (s *Simulator) CloseAll(ctx context.Context, reason string) int {
	return s.closeWhere(ctx, reason, func(*models.PaperPosition) bool { return true })
}

func (s *Simulator) closeWhere(ctx context.Context, reason string, match func(*models.PaperPosition) bool) int {
	s.init()
	type target struct {
		id    string
		price decimal.Decimal
	}
	s.mu.Lock()
	targets := make([]target, 0)
	for id, pos := range s.positions {
		if !match(pos) {
			continue
		}
		price := pos.LastPrice
		if !price.IsPositive() {
			price = pos.EntryPrice
		}
		targets = append(targets, target{id: id, price: price})
	}
	s.mu.Unlock()

	n := 0
	for _, t := range targets {
		if _, err := s.close(ctx, t.id, t.price, reason, true); err != nil {
			if s.Logger != nil {
				s.Logger.Error("simulator: forced close failed", zap.String("position_id", t.id), zap.Error(err))
			}
			continue
		}
		n++
	}
	return n
}

// close realizes pos at price. Forced closes skip latency and simulated failure.
func (s *Simulator) close(ctx context.Context, id string, price decimal.Decimal, reason string, forced bool) (*Realized, error) {
	s.mu.Lock()
	pos, ok := s.positions[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("position %s: %w", id, repository.ErrNotFound)
	}
	if s.inflight[id] {
		s.mu.Unlock()
		return nil, ErrCloseInFlight
	}
	s.inflight[id] = true
	s.closing[id] = true
	snapshot := *pos
	s.mu.Unlock()

	fail := func(err error) (*Realized, error) {
		s.mu.Lock()
		delete(s.closing, id)
		delete(s.inflight, id)
		s.mu.Unlock()
		return nil, err
	}
	if !forced {
		if err := s.sleep(ctx, s.Config.Latency); err != nil {
			return fail(err)
		}
		if !s.succeeded() {
			return fail(ErrExecutionFailed)
		}
	}

	exitNotional := snapshot.Size.Mul(price)
	slip := s.slippage(exitNotional)
	exit := price.Mul(decimal.NewFromInt(1).Sub(slip))
	if snapshot.Side == models.SideShort {
		exit = price.Mul(decimal.NewFromInt(1).Add(slip))
	}
	entryFee := s.fee(snapshot.Size.Mul(snapshot.EntryPrice))
	exitFee := s.fee(snapshot.Size.Mul(exit))
	gross := models.PnL(snapshot.Side, snapshot.EntryPrice, exit, snapshot.Size)
	net := gross.Sub(entryFee).Sub(exitFee)
	now := s.now()

	closed := snapshot
	closed.Status = models.PositionClosed
	closed.CloseReason = reason
	closed.ExitPrice = exit
	closed.LastPrice = price
	closed.UnrealizedPnL = decimal.Zero
	closed.RealizedPnL = net
	closed.ClosedAt = &now
	trade := &models.PaperTrade{
		ID:          uuid.NewString(),
		PositionID:  id,
		SessionID:   snapshot.SessionID,
		StrategyID:  snapshot.StrategyID,
		Instrument:  snapshot.Instrument,
		Side:        snapshot.Side,
		Exit:        true,
		Mode:        models.ModePaper,
		Price:       exit,
		Size:        snapshot.Size,
		Fee:         exitFee,
		RealizedPnL: net,
		Reason:      reason,
		ExecutedAt:  now,
	}
	err := s.Repo.InTx(ctx, func(tx repository.Repository) error {
		if err := tx.UpsertPosition(ctx, &closed); err != nil {
			return err
		}
		return tx.InsertTrade(ctx, trade)
	})
	if err != nil {
		return fail(fmt.Errorf("persist paper exit: %w", err))
	}

	s.mu.Lock()
	delete(s.positions, id)
	delete(s.closing, id)
	delete(s.inflight, id)
	if s.byKey[positionKey(snapshot.StrategyID, snapshot.Instrument)] == id {
		delete(s.byKey, positionKey(snapshot.StrategyID, snapshot.Instrument))
	}
	s.mu.Unlock()

	r := Realized{
		SessionID:  snapshot.SessionID,
		StrategyID: snapshot.StrategyID,
		PositionID: id,
		Reason:     reason,
		PnL:        net,
		Fees:       entryFee.Add(exitFee),
	}
	if s.Logger != nil {
		s.Logger.Info("simulator: position closed",
			zap.String("session_id", snapshot.SessionID),
			zap.String("strategy_id", snapshot.StrategyID),
			zap.String("reason", reason),
			zap.String("exit", exit.String()),
			zap.String("pnl", net.String()),
		)
	}
	if s.OnRealized != nil {
		s.OnRealized(ctx, r)
	}
	s.Bus.Publish(events.Event{
		Topic:      events.TopicPositionClosed,
		SessionID:  snapshot.SessionID,
		StrategyID: snapshot.StrategyID,
		Payload:    closed,
		At:         now,
	})
	return &r, nil
}

// Open returns copies of the open positions.
func (s *Simulator) Open() []models.PaperPosition {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PaperPosition, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	return out
}

func (s *Simulator) OpenCount() int {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.positions)
}

// HasOpen reports whether the strategy holds a position on instrument.
func (s *Simulator) HasOpen(strategyID, instrument string) bool {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[positionKey(strategyID, instrument)]
	return ok && id != reservedKey
}

// FlushMarks persists the latest marks of open positions.
func (s *Simulator) FlushMarks(ctx context.Context) error {
	var errs []error
	for _, p := range s.Open() {
		if err := s.Repo.UpsertPosition(ctx, &p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PaperPerformance summarizes the strategy's simulated exits.
func (s *Simulator) PaperPerformance(ctx context.Context, strategyID string) (models.Performance, error) {
	trades, err := s.Repo.ListTrades(ctx, repository.ListTradesParams{
		SessionID:  s.SessionID,
		StrategyID: strategyID,
		Mode:       models.ModePaper,
		ExitsOnly:  true,
		Limit:      5000,
	})
	if err != nil {
		return models.Performance{}, err
	}
	return performance.FromTrades(trades, s.ProfitFactorCap).Performance(), nil
}
