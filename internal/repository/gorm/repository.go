package gormrepository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"autopilot/internal/models"
	"autopilot/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

var _ repository.Repository = (*Store)(nil)

func (s *Store) InTx(ctx context.Context, fn func(tx repository.Repository) error) error {
	if s == nil || s.db == nil || fn == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// --- sessions ---------------------------------------------------------------

func (s *Store) UpsertSession(ctx context.Context, item *models.Session) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.ID) == "" {
		return errors.New("session id required")
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status",
			"strategies_generated",
			"backtests_completed",
			"paper_trades_executed",
			"live_trades_executed",
			"cumulative_pnl",
			"config",
			"last_heartbeat_at",
			"started_at",
			"stopped_at",
			"last_error",
			"last_error_at",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	var item models.Session
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListActiveSessions(ctx context.Context) ([]models.Session, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Session
	if err := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("status IN ?", repository.ActiveSessionStatuses).
		Order("created_at asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpdateSessionHeartbeat(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ?", id).
		Updates(map[string]any{"last_heartbeat_at": at, "updated_at": at}).Error
}

func (s *Store) AddSessionCounters(ctx context.Context, id string, delta repository.SessionDelta) error {
	if s == nil || s.db == nil || delta.IsZero() {
		return nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"strategies_generated":  gorm.Expr("strategies_generated + ?", delta.StrategiesGenerated),
			"backtests_completed":   gorm.Expr("backtests_completed + ?", delta.BacktestsCompleted),
			"paper_trades_executed": gorm.Expr("paper_trades_executed + ?", delta.PaperTradesExecuted),
			"live_trades_executed":  gorm.Expr("live_trades_executed + ?", delta.LiveTradesExecuted),
			"cumulative_pnl":        gorm.Expr("cumulative_pnl + ?", delta.PnL),
			"updated_at":            time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// --- strategies -------------------------------------------------------------

func (s *Store) UpsertStrategy(ctx context.Context, item *models.Strategy) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.ID) == "" {
		return errors.New("strategy id required")
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status",
			"win_rate",
			"profit_factor",
			"total_trades",
			"total_return",
			"composition",
			"current_allocation_fraction",
			"pending_approval",
			"paper_started_at",
			"promoted_at",
			"retired_at",
			"retire_reason",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) GetStrategy(ctx context.Context, id string) (*models.Strategy, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	var item models.Strategy
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListStrategies(ctx context.Context, params repository.ListStrategiesParams) ([]models.Strategy, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.Strategy{})
	if v := strings.TrimSpace(params.SessionID); v != "" {
		query = query.Where("session_id = ?", v)
	}
	if statuses := cleanStrings(params.Statuses); len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	var items []models.Strategy
	if err := query.Order("created_at asc").Limit(repository.NormalizeLimit(params.Limit, 1000)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) SaveStrategyIfStatus(ctx context.Context, item *models.Strategy, expected string) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	res := s.db.WithContext(ctx).
		Model(item).
		Where("status = ?", expected).
		Select("*").
		Omit("id", "created_at").
		Updates(item)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repository.ErrStaleStatus
	}
	return nil
}

// --- paper positions & trades -----------------------------------------------

func (s *Store) UpsertPosition(ctx context.Context, item *models.PaperPosition) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"last_price",
			"unrealized_pnl",
			"realized_pnl",
			"exit_price",
			"status",
			"close_reason",
			"closed_at",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) ListOpenPositions(ctx context.Context, sessionID string) ([]models.PaperPosition, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.PaperPosition{}).Where("status = ?", models.PositionOpen)
	if v := strings.TrimSpace(sessionID); v != "" {
		query = query.Where("session_id = ?", v)
	}
	var items []models.PaperPosition
	if err := query.Order("opened_at asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) InsertTrade(ctx context.Context, item *models.PaperTrade) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) ListTrades(ctx context.Context, params repository.ListTradesParams) ([]models.PaperTrade, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.PaperTrade{})
	if v := strings.TrimSpace(params.SessionID); v != "" {
		query = query.Where("session_id = ?", v)
	}
	if v := strings.TrimSpace(params.StrategyID); v != "" {
		query = query.Where("strategy_id = ?", v)
	}
	if v := strings.TrimSpace(params.Mode); v != "" {
		query = query.Where("mode = ?", v)
	}
	if params.ExitsOnly {
		query = query.Where("exit = ?", true)
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("executed_at >= ?", params.Since.UTC())
	}
	var items []models.PaperTrade
	if err := query.Order("executed_at asc").Limit(repository.NormalizeLimit(params.Limit, 5000)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) SumRealizedPnLSince(ctx context.Context, sessionID string, since time.Time) (decimal.Decimal, error) {
	if s == nil || s.db == nil {
		return decimal.Zero, nil
	}
	var out decimal.NullDecimal
	err := s.db.WithContext(ctx).
		Model(&models.PaperTrade{}).
		Select("COALESCE(SUM(realized_pnl), 0)").
		Where("session_id = ?", sessionID).
		Where("exit = ?", true).
		Where("executed_at >= ?", since.UTC()).
		Row().
		Scan(&out)
	if err != nil {
		return decimal.Zero, err
	}
	if !out.Valid {
		return decimal.Zero, nil
	}
	return out.Decimal, nil
}

// --- risk audit -------------------------------------------------------------

func (s *Store) InsertRiskDecision(ctx context.Context, item *models.RiskDecision) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) ListRiskDecisions(ctx context.Context, params repository.ListRiskDecisionsParams) ([]models.RiskDecision, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.RiskDecision{})
	if v := strings.TrimSpace(params.AccountID); v != "" {
		query = query.Where("account_id = ?", v)
	}
	if v := strings.TrimSpace(params.SessionID); v != "" {
		query = query.Where("session_id = ?", v)
	}
	if v := strings.TrimSpace(params.Decision); v != "" {
		query = query.Where("decision = ?", v)
	}
	offset := params.Offset
	if offset < 0 {
		offset = 0
	}
	var items []models.RiskDecision
	if err := query.Order("id desc").Limit(repository.NormalizeLimit(params.Limit, 200)).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- allocations ------------------------------------------------------------

func (s *Store) ReplaceAllocations(ctx context.Context, sessionID string, items []models.AllocationRecord) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&models.AllocationRecord{}).Error; err != nil {
			return err
		}
		return createInBatches(tx, items, 200)
	})
}

func (s *Store) ListAllocations(ctx context.Context, sessionID string) ([]models.AllocationRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.AllocationRecord
	if err := s.db.WithContext(ctx).
		Model(&models.AllocationRecord{}).
		Where("session_id = ?", sessionID).
		Order("rank asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- accounts ---------------------------------------------------------------

func (s *Store) UpsertAccountSetting(ctx context.Context, item *models.AccountSetting) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	item.UserID = strings.TrimSpace(item.UserID)
	if item.UserID == "" {
		return errors.New("user id required")
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"always_run",
			"default_config",
			"credential_ref",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) GetAccountSetting(ctx context.Context, userID string) (*models.AccountSetting, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.AccountSetting
	err := s.db.WithContext(ctx).Where("user_id = ?", strings.TrimSpace(userID)).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListAlwaysRunAccounts(ctx context.Context) ([]models.AccountSetting, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.AccountSetting
	if err := s.db.WithContext(ctx).
		Model(&models.AccountSetting{}).
		Where("always_run = ?", true).
		Order("user_id asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- system settings --------------------------------------------------------

func (s *Store) UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	item.Key = strings.TrimSpace(item.Key)
	if item.Key == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"value",
			"description",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	var item models.SystemSetting
	err := s.db.WithContext(ctx).Model(&models.SystemSetting{}).Where("key = ?", key).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func createInBatches[T any](db *gorm.DB, items []T, batchSize int) error {
	if len(items) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	return db.CreateInBatches(items, batchSize).Error
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	seen := map[string]struct{}{}
	for _, raw := range items {
		val := strings.TrimSpace(raw)
		if val == "" {
			continue
		}
		if _, ok := seen[val]; ok {
			continue
		}
		seen[val] = struct{}{}
		out = append(out, val)
	}
	return out
}
