// Package supervisor owns the running session agents, the periodic loops that
// drive them and the operator-facing session controls.
package supervisor

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

	"autopilot/internal/agent"
	"autopilot/internal/allocation"
	"autopilot/internal/config"
	"autopilot/internal/credentials"
	cronrunner "autopilot/internal/cron"
	"autopilot/internal/events"
	"autopilot/internal/exchange"
	"autopilot/internal/lifecycle"
	"autopilot/internal/models"
	"autopilot/internal/repository"
	"autopilot/internal/service"
)

var (
	ErrAlreadyRunning  = errors.New("a session is already running for this user")
	ErrNotRunning      = errors.New("session is not running")
	ErrFeatureDisabled = errors.New("feature disabled")
	ErrShuttingDown    = errors.New("supervisor is shutting down")
)

// GatewayFactory builds the exchange gateway for an account from its resolved credentials.
type GatewayFactory func(userID string, creds credentials.Credentials) (exchange.Gateway, error)

// HeartbeatMirror receives heartbeats after they are persisted.
type HeartbeatMirror interface {
	SetHeartbeat(ctx context.Context, sessionID string, at time.Time) error
	Forget(ctx context.Context, sessionID string) error
}

type Supervisor struct {
	Repo        repository.Repository
	Lifecycle   *lifecycle.Manager
	Optimizer   *allocation.Optimizer
	Settings    *service.SystemSettingsService
	Credentials credentials.Resolver
	Gateways    GatewayFactory
	Heartbeats  HeartbeatMirror
	Bus         *events.Bus
	Logger      *zap.Logger
	Clock       cronrunner.Clock
	Config      config.SupervisorConfig

	// Agent is the dependency template every session agent is built from.
	Agent agent.Deps

	mu       sync.Mutex
	agents   map[string]*agent.Agent
	byUser   map[string]string
	starting map[string]bool
	closing  bool

	sched    *cronrunner.Scheduler
	cancel   context.CancelFunc
	loopDone chan struct{}
	stopOnce sync.Once
	stopErr  error
}

func (s *Supervisor) init() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agents == nil {
		s.agents = map[string]*agent.Agent{}
		s.byUser = map[string]string{}
		s.starting = map[string]bool{}
	}
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	if s.Clock == nil {
		s.Clock = cronrunner.SystemClock()
	}
	if s.Lifecycle != nil && s.Lifecycle.OnLeavePaper == nil {
		s.Lifecycle.OnLeavePaper = s.onLeavePaper
	}
}

func (s *Supervisor) now() time.Time { return s.Clock.Now().UTC() }

func (s *Supervisor) cfg() config.SupervisorConfig {
	c := s.Config
	if c.AlwaysRunInterval <= 0 {
		c.AlwaysRunInterval = time.Minute
	}
	if c.ExecutionInterval <= 0 {
		c.ExecutionInterval = 5 * time.Second
	}
	if c.GenerationInterval <= 0 {
		c.GenerationInterval = time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.Resolution <= 0 {
		c.Resolution = time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// Recover restarts every session left running or paused. A store failure is
// returned to the caller; sessions whose credentials do not resolve are skipped.
func (s *Supervisor) Recover(ctx context.Context) (int, error) {
	s.init()
	sessions, err := s.Repo.ListActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load active sessions: %w", err)
	}
	started := 0
	for _, sess := range sessions {
		if _, err := s.launch(ctx, sess); err != nil {
			s.Logger.Warn("supervisor: session not recovered",
				zap.String("session_id", sess.ID),
				zap.String("user_id", sess.UserID),
				zap.Error(err),
			)
			continue
		}
		started++
	}
	s.Logger.Info("supervisor: recovery complete", zap.Int("active", len(sessions)), zap.Int("started", started))
	return started, nil
}

// Scheduler registers the periodic loops on a new scheduler bound to ctx.
func (s *Supervisor) Scheduler(ctx context.Context) (*cronrunner.Scheduler, error) {
	s.init()
	c := s.cfg()
	sched := cronrunner.New(s.Logger, ctx, s.Clock)
	entries := []struct {
		name  string
		every time.Duration
		job   cronrunner.Job
	}{
		{"always-run", c.AlwaysRunInterval, s.alwaysRunCheck},
		{"execution", c.ExecutionInterval, s.executionCycle},
		{"generation", c.GenerationInterval, s.generationCycle},
		{"heartbeat", c.HeartbeatInterval, s.heartbeatCycle},
	}
	if s.Optimizer != nil && s.Optimizer.Config.Enabled {
		every := s.Optimizer.Config.Interval
		if every <= 0 {
			every = time.Hour
		}
		entries = append(entries, struct {
			name  string
			every time.Duration
			job   cronrunner.Job
		}{"allocation", every, s.allocationCycle})
	}
	for _, e := range entries {
		if err := sched.Add(e.name, cronrunner.Every(e.every), c.Jitter, e.job); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

// Run recovers sessions, then drives the loops until ctx is cancelled or Stop is called.
func (s *Supervisor) Run(ctx context.Context) error {
	if _, err := s.Recover(ctx); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(ctx)
	sched, err := s.Scheduler(loopCtx)
	if err != nil {
		cancel()
		return err
	}
	done := make(chan struct{})
	s.mu.Lock()
	s.sched = sched
	s.cancel = cancel
	s.loopDone = done
	s.mu.Unlock()

	s.alwaysRunCheck(loopCtx)
	go func() {
		defer close(done)
		sched.Run(loopCtx, s.cfg().Resolution)
	}()
	return nil
}

// Stop halts the loops and stops every agent with a final flush. Only the
// first call does work.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.init()
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		cancel, done := s.cancel, s.loopDone
		agents := make([]*agent.Agent, 0, len(s.agents))
		for _, a := range s.agents {
			agents = append(agents, a)
		}
		s.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}
		var (
			mu   sync.Mutex
			errs []error
			wg   sync.WaitGroup
		)
		for _, a := range agents {
			wg.Add(1)
			go func(a *agent.Agent) {
				defer wg.Done()
				if err := s.stopAgent(ctx, a); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("session %s: %w", a.SessionID(), err))
					mu.Unlock()
				}
			}(a)
		}
		wg.Wait()
		s.stopErr = errors.Join(errs...)
		s.Logger.Info("supervisor: stopped", zap.Int("sessions", len(agents)), zap.Error(s.stopErr))
	})
	return s.stopErr
}

func (s *Supervisor) stopAgent(ctx context.Context, a *agent.Agent) error {
	err := a.Stop(ctx)
	s.mu.Lock()
	if s.agents[a.SessionID()] == a {
		delete(s.agents, a.SessionID())
		if s.byUser[a.UserID()] == a.SessionID() {
			delete(s.byUser, a.UserID())
		}
	}
	s.mu.Unlock()
	if s.Heartbeats != nil {
		if ferr := s.Heartbeats.Forget(ctx, a.SessionID()); ferr != nil {
			s.Logger.Debug("supervisor: heartbeat cache not cleared", zap.String("session_id", a.SessionID()), zap.Error(ferr))
		}
	}
	return err
}

// reserve claims the user slot so concurrent starts cannot both succeed.
func (s *Supervisor) reserve(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return ErrShuttingDown
	}
	if _, ok := s.byUser[userID]; ok || s.starting[userID] {
		return ErrAlreadyRunning
	}
	s.starting[userID] = true
	return nil
}

func (s *Supervisor) unreserve(userID string) {
	s.mu.Lock()
	delete(s.starting, userID)
	s.mu.Unlock()
}

// launch builds, starts and registers the agent for a stored session.
func (s *Supervisor) launch(ctx context.Context, sess models.Session) (*agent.Agent, error) {
	if err := s.reserve(sess.UserID); err != nil {
		return nil, err
	}
	defer s.unreserve(sess.UserID)

	gw, err := s.gateway(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	deps := s.Agent
	deps.Repo = s.Repo
	deps.Lifecycle = s.Lifecycle
	deps.Settings = s.Settings
	deps.Bus = s.Bus
	deps.Logger = s.Logger
	deps.Clock = s.Clock
	a, err := agent.New(deps, sess, gw)
	if err != nil {
		return nil, err
	}
	if err := a.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.agents[sess.ID] = a
	s.byUser[sess.UserID] = sess.ID
	s.mu.Unlock()
	return a, nil
}

// gateway resolves the account's credentials. Without a resolver the session runs paper-only.
func (s *Supervisor) gateway(ctx context.Context, userID string) (exchange.Gateway, error) {
	if s.Credentials == nil || s.Gateways == nil {
		return nil, nil
	}
	ref := userID
	acct, err := s.Repo.GetAccountSetting(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acct != nil && strings.TrimSpace(acct.CredentialRef) != "" {
		ref = acct.CredentialRef
	}
	creds, err := s.Credentials.Resolve(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}
	return s.Gateways(userID, creds)
}

func (s *Supervisor) agentFor(sessionID string) (*agent.Agent, bool) {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[sessionID]
	return a, ok
}

func (s *Supervisor) running() []*agent.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*agent.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	return out
}

// StartSession creates and starts a session for userID. cfg overrides the account default when non-nil.
func (s *Supervisor) StartSession(ctx context.Context, userID string, cfg *models.SessionConfig) (*models.Session, error) {
	s.init()
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	s.mu.Lock()
	_, running := s.byUser[userID]
	s.mu.Unlock()
	if running {
		return nil, ErrAlreadyRunning
	}

	settings, err := s.defaultConfig(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		settings = *cfg
	}
	now := s.now()
	sess := models.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    models.SessionRunning,
		CreatedAt: now,
		StartedAt: &now,
	}
	if err := sess.SetSettings(settings.Normalize()); err != nil {
		return nil, err
	}
	if err := s.Repo.UpsertSession(ctx, &sess); err != nil {
		return nil, err
	}
	if _, err := s.launch(ctx, sess); err != nil {
		sess.Status = models.SessionStopped
		stopped := s.now()
		sess.StoppedAt = &stopped
		if uerr := s.Repo.UpsertSession(ctx, &sess); uerr != nil {
			s.Logger.Warn("supervisor: failed session not marked stopped", zap.String("session_id", sess.ID), zap.Error(uerr))
		}
		return nil, err
	}
	s.Logger.Info("supervisor: session started", zap.String("session_id", sess.ID), zap.String("user_id", userID))
	return s.Repo.GetSession(ctx, sess.ID)
}

func (s *Supervisor) defaultConfig(ctx context.Context, userID string) (models.SessionConfig, error) {
	acct, err := s.Repo.GetAccountSetting(ctx, userID)
	if err != nil {
		return models.SessionConfig{}, err
	}
	if acct == nil || len(acct.DefaultConfig) == 0 {
		return models.DefaultSessionConfig(), nil
	}
	var cfg models.SessionConfig
	if err := json.Unmarshal(acct.DefaultConfig, &cfg); err != nil {
		return models.SessionConfig{}, fmt.Errorf("account %s default config: %w", userID, err)
	}
	return cfg.Normalize(), nil
}

// StopSession stops a running session with a final flush. A session with no
// loaded agent is marked stopped in the store; stopping a stopped session is a no-op.
func (s *Supervisor) StopSession(ctx context.Context, sessionID string) error {
	a, ok := s.agentFor(sessionID)
	if !ok {
		return s.stopDormant(ctx, sessionID)
	}
	if err := s.stopAgent(ctx, a); err != nil {
		return err
	}
	s.Logger.Info("supervisor: session stopped", zap.String("session_id", sessionID))
	return nil
}

// stopDormant terminates a stored session that has no agent, e.g. one skipped
// at recovery or whose launch failed.
func (s *Supervisor) stopDormant(ctx context.Context, sessionID string) error {
	var stopped *models.Session
	err := s.Repo.InTx(ctx, func(tx repository.Repository) error {
		sess, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess == nil {
			return fmt.Errorf("session %s: %w", sessionID, repository.ErrNotFound)
		}
		if sess.Status == models.SessionStopped {
			return nil
		}
		now := s.now()
		sess.Status = models.SessionStopped
		sess.StoppedAt = &now
		if err := tx.UpsertSession(ctx, sess); err != nil {
			return err
		}
		stopped = sess
		return nil
	})
	if err != nil || stopped == nil {
		return err
	}
	if s.Heartbeats != nil {
		if err := s.Heartbeats.Forget(ctx, sessionID); err != nil {
			s.Logger.Debug("supervisor: heartbeat cache forget failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	s.Bus.Publish(events.Event{
		Topic:     events.TopicSessionState,
		SessionID: sessionID,
		Payload:   map[string]string{"status": models.SessionStopped, "user_id": stopped.UserID},
		At:        s.now(),
	})
	s.Logger.Info("supervisor: dormant session stopped", zap.String("session_id", sessionID), zap.String("user_id", stopped.UserID))
	return nil
}

func (s *Supervisor) PauseSession(ctx context.Context, sessionID string) error {
	a, ok := s.agentFor(sessionID)
	if !ok {
		return ErrNotRunning
	}
	return a.Pause(ctx)
}

func (s *Supervisor) ResumeSession(ctx context.Context, sessionID string) error {
	a, ok := s.agentFor(sessionID)
	if !ok {
		return ErrNotRunning
	}
	return a.Resume(ctx)
}

func (s *Supervisor) UpdateConfig(ctx context.Context, sessionID string, cfg models.SessionConfig) error {
	if a, ok := s.agentFor(sessionID); ok {
		return a.UpdateConfig(ctx, cfg)
	}
	return s.Repo.InTx(ctx, func(tx repository.Repository) error {
		sess, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess == nil {
			return fmt.Errorf("session %s: %w", sessionID, repository.ErrNotFound)
		}
		if err := sess.SetSettings(cfg.Normalize()); err != nil {
			return err
		}
		return tx.UpsertSession(ctx, sess)
	})
}

// SessionStatus is the stored session plus the live agent view when running.
type SessionStatus struct {
	Session     models.Session       `json:"session"`
	Config      models.SessionConfig `json:"config"`
	Running     bool                 `json:"running"`
	Agent       *agent.Snapshot      `json:"agent,omitempty"`
	HeartbeatAt *time.Time           `json:"heartbeat_at,omitempty"`
}

func (s *Supervisor) Status(ctx context.Context, sessionID string) (*SessionStatus, error) {
	sess, err := s.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, repository.ErrNotFound)
	}
	cfg, err := sess.Settings()
	if err != nil {
		return nil, err
	}
	out := &SessionStatus{Session: *sess, Config: cfg, HeartbeatAt: sess.LastHeartbeatAt}
	if a, ok := s.agentFor(sessionID); ok {
		snap := a.Snapshot()
		out.Running = true
		out.Agent = &snap
	}
	return out, nil
}

// Instruments is the sorted union of the instruments traded by running sessions.
func (s *Supervisor) Instruments(context.Context) []string {
	seen := map[string]bool{}
	var out []string
	for _, a := range s.running() {
		for _, inst := range a.Config().Instruments {
			if inst = strings.TrimSpace(inst); inst != "" && !seen[inst] {
				seen[inst] = true
				out = append(out, inst)
			}
		}
	}
	sort.Strings(out)
	return out
}

// ActiveSession returns the running session id for userID.
func (s *Supervisor) ActiveSession(userID string) (string, bool) {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byUser[strings.TrimSpace(userID)]
	return id, ok
}

func (s *Supervisor) ListStrategies(ctx context.Context, sessionID string, statuses []string, limit int) ([]models.Strategy, error) {
	return s.Repo.ListStrategies(ctx, repository.ListStrategiesParams{SessionID: sessionID, Statuses: statuses, Limit: limit})
}

func (s *Supervisor) ApproveStrategy(ctx context.Context, id string) (*models.Strategy, error) {
	return s.Lifecycle.Approve(ctx, id)
}

func (s *Supervisor) RejectStrategy(ctx context.Context, id string) (*models.Strategy, error) {
	return s.Lifecycle.Reject(ctx, id)
}

func (s *Supervisor) RetireStrategy(ctx context.Context, id, reason string) (*models.Strategy, error) {
	return s.Lifecycle.Retire(ctx, id, reason)
}

func (s *Supervisor) SetKillSwitch(ctx context.Context, engaged bool) error {
	if err := s.Settings.SetKillSwitch(ctx, engaged); err != nil {
		return err
	}
	s.Logger.Warn("supervisor: kill switch changed", zap.Bool("engaged", engaged))
	return nil
}

func (s *Supervisor) KillSwitch(ctx context.Context) (bool, error) {
	return s.Settings.KillSwitch(ctx)
}

func (s *Supervisor) ListRiskDecisions(ctx context.Context, params repository.ListRiskDecisionsParams) ([]models.RiskDecision, error) {
	return s.Repo.ListRiskDecisions(ctx, params)
}

func (s *Supervisor) ListAllocations(ctx context.Context, sessionID string) ([]models.AllocationRecord, error) {
	return s.Repo.ListAllocations(ctx, sessionID)
}

// RunAllocation runs one optimizer pass for a running session on demand.
func (s *Supervisor) RunAllocation(ctx context.Context, sessionID string) ([]allocation.Entry, error) {
	if s.Optimizer == nil || !s.Settings.IsEnabled(ctx, service.FeatureAllocation, true) {
		return nil, ErrFeatureDisabled
	}
	a, ok := s.agentFor(sessionID)
	if !ok {
		return nil, ErrNotRunning
	}
	return s.allocate(ctx, a)
}

func (s *Supervisor) allocate(ctx context.Context, a *agent.Agent) ([]allocation.Entry, error) {
	sess, err := s.Repo.GetSession(ctx, a.SessionID())
	if err != nil {
		return nil, err
	}
	pool := a.Config().InitialCapital
	if sess != nil {
		pool = pool.Add(sess.CumulativePnL)
	}
	if !pool.GreaterThan(decimal.Zero) {
		return nil, nil
	}
	return s.Optimizer.Run(ctx, a.SessionID(), pool, a.Gateway())
}

func (s *Supervisor) onLeavePaper(ctx context.Context, st models.Strategy) {
	if a, ok := s.agentFor(st.SessionID); ok {
		if n := a.CloseStrategyPositions(ctx, st.ID); n > 0 {
			s.Logger.Info("supervisor: paper positions closed on transition",
				zap.String("strategy_id", st.ID),
				zap.String("status", st.Status),
				zap.Int("closed", n),
			)
		}
	}
}
