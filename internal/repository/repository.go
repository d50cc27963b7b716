package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"autopilot/internal/models"
)

var (
	// ErrNotFound is returned by callers when a referenced record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrStaleStatus means a conditional strategy update lost against a concurrent transition.
	ErrStaleStatus = errors.New("strategy status changed concurrently")
)

// Repository is the durable store used by the engine. Get* methods return (nil, nil)
// when the record does not exist.
type Repository interface {
	// InTx runs fn against a transaction-scoped repository.
	InTx(ctx context.Context, fn func(tx Repository) error) error

	// Sessions
	UpsertSession(ctx context.Context, item *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListActiveSessions(ctx context.Context) ([]models.Session, error)
	UpdateSessionHeartbeat(ctx context.Context, id string, at time.Time) error
	// AddSessionCounters adds delta to the stored counters in a single statement.
	AddSessionCounters(ctx context.Context, id string, delta SessionDelta) error

	// Strategies
	UpsertStrategy(ctx context.Context, item *models.Strategy) error
	GetStrategy(ctx context.Context, id string) (*models.Strategy, error)
	ListStrategies(ctx context.Context, params ListStrategiesParams) ([]models.Strategy, error)
	// SaveStrategyIfStatus writes item only if the stored status still equals expected.
	SaveStrategyIfStatus(ctx context.Context, item *models.Strategy, expected string) error

	// Paper positions & trades
	UpsertPosition(ctx context.Context, item *models.PaperPosition) error
	ListOpenPositions(ctx context.Context, sessionID string) ([]models.PaperPosition, error)
	InsertTrade(ctx context.Context, item *models.PaperTrade) error
	ListTrades(ctx context.Context, params ListTradesParams) ([]models.PaperTrade, error)
	SumRealizedPnLSince(ctx context.Context, sessionID string, since time.Time) (decimal.Decimal, error)

	// Risk audit
	InsertRiskDecision(ctx context.Context, item *models.RiskDecision) error
	ListRiskDecisions(ctx context.Context, params ListRiskDecisionsParams) ([]models.RiskDecision, error)

	// Allocations
	ReplaceAllocations(ctx context.Context, sessionID string, items []models.AllocationRecord) error
	ListAllocations(ctx context.Context, sessionID string) ([]models.AllocationRecord, error)

	// Accounts
	UpsertAccountSetting(ctx context.Context, item *models.AccountSetting) error
	GetAccountSetting(ctx context.Context, userID string) (*models.AccountSetting, error)
	ListAlwaysRunAccounts(ctx context.Context) ([]models.AccountSetting, error)

	// System settings
	UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error
	GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error)
}

type SessionDelta struct {
	StrategiesGenerated int64
	BacktestsCompleted  int64
	PaperTradesExecuted int64
	LiveTradesExecuted  int64
	PnL                 decimal.Decimal
}

func (d SessionDelta) IsZero() bool {
	return d.StrategiesGenerated == 0 && d.BacktestsCompleted == 0 &&
		d.PaperTradesExecuted == 0 && d.LiveTradesExecuted == 0 && d.PnL.IsZero()
}

type ListStrategiesParams struct {
	SessionID string
	Statuses  []string
	Limit     int
}

type ListTradesParams struct {
	SessionID  string
	StrategyID string
	Mode       string
	ExitsOnly  bool
	Since      *time.Time
	Limit      int
}

type ListRiskDecisionsParams struct {
	AccountID string
	SessionID string
	Decision  string
	Limit     int
	Offset    int
}

// ActiveSessionStatuses are the statuses restored by the supervisor at boot.
var ActiveSessionStatuses = []string{models.SessionRunning, models.SessionPaused}

// NormalizeLimit clamps list limits for both store implementations.
func NormalizeLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > 5000 {
		return 5000
	}
	return limit
}
