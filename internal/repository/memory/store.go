// Package memory is an in-process Repository used by tests and by the
// store.driver=memory mode. Transactions are serialized with every write and
// rolled back by restoring a snapshot when fn fails.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autopilot/internal/models"
	"autopilot/internal/repository"
)

type Store struct {
	*state
	// inTx marks the view handed to an InTx callback; it already holds txMu.
	inTx bool
}

type state struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	sessions    map[string]models.Session
	strategies  map[string]models.Strategy
	positions   map[string]models.PaperPosition
	trades      []models.PaperTrade
	decisions   []models.RiskDecision
	allocations map[string][]models.AllocationRecord
	accounts    map[string]models.AccountSetting
	settings    map[string]models.SystemSetting

	nextDecisionID uint64
	nextSettingID  uint64

	// FailWrites makes every write return this error; used to simulate store outages.
	FailWrites error
}

func New() *Store {
	return &Store{state: &state{
		sessions:    map[string]models.Session{},
		strategies:  map[string]models.Strategy{},
		positions:   map[string]models.PaperPosition{},
		allocations: map[string][]models.AllocationRecord{},
		accounts:    map[string]models.AccountSetting{},
		settings:    map[string]models.SystemSetting{},
	}}
}

var _ repository.Repository = (*Store)(nil)

type snapshot struct {
	sessions    map[string]models.Session
	strategies  map[string]models.Strategy
	positions   map[string]models.PaperPosition
	trades      []models.PaperTrade
	decisions   []models.RiskDecision
	allocations map[string][]models.AllocationRecord
	accounts    map[string]models.AccountSetting
	settings    map[string]models.SystemSetting
}

func (s *Store) snapshot() snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot{
		sessions:    cloneMap(s.sessions),
		strategies:  cloneMap(s.strategies),
		positions:   cloneMap(s.positions),
		trades:      append([]models.PaperTrade(nil), s.trades...),
		decisions:   append([]models.RiskDecision(nil), s.decisions...),
		allocations: cloneMap(s.allocations),
		accounts:    cloneMap(s.accounts),
		settings:    cloneMap(s.settings),
	}
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = snap.sessions
	s.strategies = snap.strategies
	s.positions = snap.positions
	s.trades = snap.trades
	s.decisions = snap.decisions
	s.allocations = snap.allocations
	s.accounts = snap.accounts
	s.settings = snap.settings
}

func (s *Store) InTx(ctx context.Context, fn func(tx repository.Repository) error) error {
	if fn == nil {
		return nil
	}
	if s.inTx {
		return fn(s)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	snap := s.snapshot()
	if err := fn(&Store{state: s.state, inTx: true}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// writeLock keeps writes outside a transaction from landing inside a
// transaction's snapshot window.
func (s *Store) writeLock() func() {
	if s.inTx {
		return func() {}
	}
	s.txMu.Lock()
	return s.txMu.Unlock
}

func (s *Store) writeErr() error {
	return s.FailWrites
}

// --- sessions ---------------------------------------------------------------

func (s *Store) UpsertSession(_ context.Context, item *models.Session) error {
	if item == nil {
		return nil
	}
	if err := s.writeErr(); err != nil {
		return err
	}
	if strings.TrimSpace(item.ID) == "" {
		return errors.New("session id required")
	}
	defer s.writeLock()()
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := s.sessions[item.ID]; ok && item.CreatedAt.IsZero() {
		item.CreatedAt = prev.CreatedAt
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	s.sessions[item.ID] = *item
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *Store) ListActiveSessions(_ context.Context) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Session, 0, len(s.sessions))
	for _, item := range s.sessions {
		if item.Status == models.SessionRunning || item.Status == models.SessionPaused {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateSessionHeartbeat(_ context.Context, id string, at time.Time) error {
	if err := s.writeErr(); err != nil {
		return err
	}
	defer s.writeLock()()
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.sessions[id]
	if !ok {
		return nil
	}
	item.LastHeartbeatAt = &at
	item.UpdatedAt = at
	s.sessions[id] = item
	return nil
}

func (s *Store) AddSessionCounters(_ context.Context, id string, delta repository.SessionDelta) error {
	if delta.IsZero() {
		return nil
	}
	if err := s.writeErr(); err != nil {
		return err
	}
	defer s.writeLock()()
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.sessions[id]
	if !ok {
		return repository.ErrNotFound
	}
	item.StrategiesGenerated += delta.StrategiesGenerated
	item.BacktestsCompleted += delta.BacktestsCompleted
	item.PaperTradesExecuted += delta.PaperTradesExecuted
	item.LiveTradesExecuted += delta.LiveTradesExecuted
	item.CumulativePnL = item.CumulativePnL.Add(delta.PnL)
	item.UpdatedAt = time.Now().UTC()
	s.sessions[id] = item
	return nil
}

// --- strategies -------------------------------------------------------------

func (s *Store) UpsertStrategy(_ context.Context, item *models.Strategy) error {
	if item == nil {
		return nil
	}
	if err := s.writeErr(); err != nil {
		return err
	}
	if strings.TrimSpace(item.ID) == "" {
		return errors.New("strategy id required")
	}
	defer s.writeLock()()
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	s.strategies[item.ID] = *item
	return nil
}

func (s *Store) GetStrategy(_ context.Context, id string) (*models.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.strategies[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *Store) ListStrategies(_ context.Context, params repository.ListStrategiesParams) ([]models.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	statuses := map[string]struct{}{}
	for _, st := range params.Statuses {
		statuses[st] = struct{}{}
	}
	out := make([]models.Strategy, 0)
	for _, item := range s.strategies {
		if params.SessionID != "" && item.SessionID != params.SessionID {
			continue
		}
		if len(statuses) > 0 {
			if _, ok := statuses[item.Status]; !ok {
				continue
			}
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit := repository.NormalizeLimit(params.Limit, 1000); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SaveStrategyIfStatus(_ context.Context, item *models.Strategy, expected string) error {
	if item == nil {
		return nil
	}
	if err := s.writeErr(); err != nil {
		return err
	}
	defer s.writeLock()()
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.strategies[item.ID]
	if !ok || cur.Status != expected {
		return repository.ErrStaleStatus
	}
	item.CreatedAt = cur.CreatedAt
	item.UpdatedAt = time.Now().UTC()
	s.strategies[item.ID] = *item
	return nil
}

// --- paper positions & trades -----------------------------------------------

func (s *Store) UpsertPosition(_ context.Context, item *models.PaperPosition) error {
	if item == nil {
		return nil
	}
	if err := s.writeErr(); err != nil {
		return err
	}
	defer s.writeLock()()
	s.mu.Lock()
	defer s.mu.Unlock()
	item.UpdatedAt = time.Now().UTC()
	s.positions[item.ID] = *item
	return nil
}

func (s *Store) ListOpenPositions(_ context.Context, sessionID string) ([]models.PaperPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PaperPosition, 0)
	for _, item := range s.positions {
		if item.Status != models.PositionOpen {
			continue
		}
		if sessionID != "" && item.SessionID != sessionID {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *Store) InsertTrade(_ context.Context, item *models.PaperTrade) error {
	if item == nil {
		return nil
	}
	if err := s.writeErr(); err != nil {
		return err
	}
	defer s.writeLock()()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, *item)
	return nil
}

func (s *Store) ListTrades(_ context.Context, params repository.ListTradesParams) ([]models.PaperTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PaperTrade, 0)
	for _, item := range s.trades {
		if params.SessionID != "" && item.SessionID != params.SessionID {
			continue
		}
		if params.StrategyID != "" && item.StrategyID != params.StrategyID {
			continue
		}
		if params.Mode != "" && item.Mode != params.Mode {
			continue
		}
		if params.ExitsOnly && !item.Exit {
			continue
		}
		if params.Since != nil && item.ExecutedAt.Before(*params.Since) {
			continue
		}
		out = append(out, item)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	if limit := repository.NormalizeLimit(params.Limit, 5000); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SumRealizedPnLSince(_ context.Context, sessionID string, since time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, item := range s.trades {
		if item.SessionID != sessionID || !item.Exit || item.ExecutedAt.Before(since) {
			continue
		}
		total = total.Add(item.RealizedPnL)
	}
	return total, nil
}

// --- risk audit -------------------------------------------------------------

func (s *Store) InsertRiskDecision(_ context.Context, item *models.RiskDecision) error {
	if item == nil {
		return nil
	}
	if err := s.writeErr(); err != nil {
		return err
	}
	defer s.writeLock()()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextDecisionID++
	item.ID = s.nextDecisionID
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	s.decisions = append(s.decisions, *item)
	return nil
}

func (s *Store) ListRiskDecisions(_ context.Context, params repository.ListRiskDecisionsParams) ([]models.RiskDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.RiskDecision, 0)
	for i := len(s.decisions) - 1; i >= 0; i-- {
		item := s.decisions[i]
		if params.AccountID != "" && item.AccountID != params.AccountID {
			continue
		}
		if params.SessionID != "" && item.SessionID != params.SessionID {
			continue
		}
		if params.Decision != "" && item.Decision != params.Decision {
			continue
		}
		out = append(out, item)
	}
	if params.Offset > 0 {
		if params.Offset >= len(out) {
			return []models.RiskDecision{}, nil
		}
		out = out[params.Offset:]
	}
	if limit := repository.NormalizeLimit(params.Limit, 200); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- allocations ------------------------------------------------------------

func (s *Store) ReplaceAllocations(_ context.Context, sessionID string, items []models.AllocationRecord) error {
	if err := s.writeErr(); err != nil {
		return err
	}
	defer s.writeLock()()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allocations[sessionID] = append([]models.AllocationRecord(nil), items...)
	return nil
}

func (s *Store) ListAllocations(_ context.Context, sessionID string) ([]models.AllocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]models.AllocationRecord(nil), s.allocations[sessionID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

// --- accounts ---------------------------------------------------------------

func (s *Store) UpsertAccountSetting(_ context.Context, item *models.AccountSetting) error {
	if item == nil {
		return nil
	}
	if err := s.writeErr(); err != nil {
		return err
	}
	item.UserID = strings.TrimSpace(item.UserID)
	if item.UserID == "" {
		return errors.New("user id required")
	}
	defer s.writeLock()()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[item.UserID] = *item
	return nil
}

func (s *Store) GetAccountSetting(_ context.Context, userID string) (*models.AccountSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.accounts[strings.TrimSpace(userID)]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *Store) ListAlwaysRunAccounts(_ context.Context) ([]models.AccountSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.AccountSetting, 0)
	for _, item := range s.accounts {
		if item.AlwaysRun {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// --- system settings --------------------------------------------------------

func (s *Store) UpsertSystemSetting(_ context.Context, item *models.SystemSetting) error {
	if item == nil {
		return nil
	}
	if err := s.writeErr(); err != nil {
		return err
	}
	item.Key = strings.TrimSpace(item.Key)
	if item.Key == "" {
		return nil
	}
	defer s.writeLock()()
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.settings[item.Key]; ok {
		item.ID = prev.ID
		item.CreatedAt = prev.CreatedAt
	} else {
		s.nextSettingID++
		item.ID = s.nextSettingID
		item.CreatedAt = time.Now().UTC()
	}
	item.UpdatedAt = time.Now().UTC()
	s.settings[item.Key] = *item
	return nil
}

func (s *Store) GetSystemSettingByKey(_ context.Context, key string) (*models.SystemSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.settings[strings.TrimSpace(key)]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
