package supervisor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"autopilot/internal/agent"
	"autopilot/internal/config"
	"autopilot/internal/credentials"
	cronrunner "autopilot/internal/cron"
	"autopilot/internal/events"
	"autopilot/internal/exchange"
	"autopilot/internal/generator"
	"autopilot/internal/lifecycle"
	"autopilot/internal/models"
	"autopilot/internal/repository"
	"autopilot/internal/repository/memory"
	"autopilot/internal/risk"
	"autopilot/internal/scoring"
	"autopilot/internal/service"
	"autopilot/internal/simulator"
)

var epoch = time.Date(2026, 7, 6, 8, 0, 0, 0, time.UTC)

type fakeHeartbeats struct {
	beats map[string]time.Time
}

func (f *fakeHeartbeats) SetHeartbeat(_ context.Context, id string, at time.Time) error {
	f.beats[id] = at
	return nil
}

func (f *fakeHeartbeats) Forget(_ context.Context, id string) error {
	delete(f.beats, id)
	return nil
}

func newSupervisor(t *testing.T, repo repository.Repository, scorer scoring.Scorer) (*Supervisor, *cronrunner.FakeClock, *fakeHeartbeats) {
	t.Helper()
	clock := cronrunner.NewFakeClock(epoch)
	bus := events.NewBus(nil)
	settings := &service.SystemSettingsService{Repo: repo}
	if err := settings.EnsureDefaultSwitches(context.Background()); err != nil {
		t.Fatalf("EnsureDefaultSwitches err=%v", err)
	}
	if scorer == nil {
		scorer = scoring.ScorerFunc(func(context.Context, scoring.BacktestRequest) (models.Performance, error) {
			return models.Performance{WinRate: 0.6, ProfitFactor: 1.8}, nil
		})
	}
	beats := &fakeHeartbeats{beats: map[string]time.Time{}}
	sup := &Supervisor{
		Repo:       repo,
		Lifecycle:  &lifecycle.Manager{Repo: repo, Scorer: scorer, Bus: bus, Clock: clock},
		Settings:   settings,
		Heartbeats: beats,
		Bus:        bus,
		Clock:      clock,
		Agent: agent.Deps{
			Signaler: scoring.SignalerFunc(func(context.Context, scoring.SignalRequest) (scoring.Signal, error) {
				return scoring.Signal{Action: scoring.ActionHold}, nil
			}),
			Gate: &risk.Gate{Repo: repo, Switch: settings, Now: clock.Now},
			NewSimulator: func(sessionID string) *simulator.Simulator {
				return &simulator.Simulator{
					SessionID: sessionID,
					Repo:      repo,
					Config:    config.SimulatorConfig{SuccessProbability: 1, MaxPositionFraction: 0.1},
					Rand:      func() float64 { return 0.5 },
					Now:       clock.Now,
				}
			},
		},
	}
	return sup, clock, beats
}

func seedSession(t *testing.T, repo repository.Repository, id, userID string) {
	t.Helper()
	sess := &models.Session{ID: id, UserID: userID, Status: models.SessionRunning, CreatedAt: epoch}
	if err := sess.SetSettings(models.DefaultSessionConfig()); err != nil {
		t.Fatalf("SetSettings err=%v", err)
	}
	if err := repo.UpsertSession(context.Background(), sess); err != nil {
		t.Fatalf("UpsertSession err=%v", err)
	}
}

func TestStartSessionRejectsSecondForSameUser(t *testing.T) {
	ctx := context.Background()
	sup, _, _ := newSupervisor(t, memory.New(), nil)
	defer sup.Stop(ctx)

	sess, err := sup.StartSession(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("StartSession err=%v", err)
	}
	if sess.Status != models.SessionRunning || sess.StartedAt == nil {
		t.Fatalf("session=%+v", sess)
	}
	if _, err := sup.StartSession(ctx, "u1", nil); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err=%v want=ErrAlreadyRunning", err)
	}
	if _, err := sup.StartSession(ctx, "u2", nil); err != nil {
		t.Fatalf("other user StartSession err=%v", err)
	}

	if err := sup.StopSession(ctx, sess.ID); err != nil {
		t.Fatalf("StopSession err=%v", err)
	}
	if err := sup.StopSession(ctx, sess.ID); err != nil {
		t.Fatalf("second StopSession err=%v", err)
	}
	if _, ok := sup.ActiveSession("u1"); ok {
		t.Fatalf("user still has an active session")
	}
	if _, err := sup.StartSession(ctx, "u1", nil); err != nil {
		t.Fatalf("restart after stop err=%v", err)
	}
	if err := sup.StopSession(ctx, "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("err=%v want=ErrNotFound", err)
	}
}

func TestStopSessionWithoutAgentPersistsStopped(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	sup, clock, _ := newSupervisor(t, repo, nil)
	defer sup.Stop(ctx)
	seedSession(t, repo, "s9", "u9")
	sub := sup.Bus.Subscribe(events.TopicSessionState, 4)

	if err := sup.StopSession(ctx, "s9"); err != nil {
		t.Fatalf("StopSession err=%v", err)
	}
	got, _ := repo.GetSession(ctx, "s9")
	if got.Status != models.SessionStopped || got.StoppedAt == nil || !got.StoppedAt.Equal(epoch) {
		t.Fatalf("status=%s stopped_at=%v want=stopped at %v", got.Status, got.StoppedAt, epoch)
	}
	select {
	case ev := <-sub:
		if ev.SessionID != "s9" {
			t.Fatalf("event session=%s want=s9", ev.SessionID)
		}
	default:
		t.Fatalf("no session.state event")
	}

	clock.Advance(time.Minute)
	if err := sup.StopSession(ctx, "s9"); err != nil {
		t.Fatalf("second StopSession err=%v", err)
	}
	again, _ := repo.GetSession(ctx, "s9")
	if again.Status != models.SessionStopped || !again.StoppedAt.Equal(epoch) {
		t.Fatalf("second stop changed state: status=%s stopped_at=%v", again.Status, again.StoppedAt)
	}
	active, _ := repo.ListActiveSessions(ctx)
	if len(active) != 0 {
		t.Fatalf("active sessions=%d want=0", len(active))
	}
}

func TestStopTwiceFlushesOnce(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	sup, _, beats := newSupervisor(t, repo, nil)
	sess, err := sup.StartSession(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("StartSession err=%v", err)
	}
	sup.heartbeatCycle(ctx)
	if _, ok := beats.beats[sess.ID]; !ok {
		t.Fatalf("heartbeat not mirrored")
	}

	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop err=%v", err)
	}
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("second Stop err=%v", err)
	}
	stored, _ := repo.GetSession(ctx, sess.ID)
	if stored.Status != models.SessionStopped || stored.StoppedAt == nil {
		t.Fatalf("stored=%+v", stored)
	}
	if _, ok := beats.beats[sess.ID]; ok {
		t.Fatalf("heartbeat cache not cleared on stop")
	}
	if _, err := sup.StartSession(ctx, "u2", nil); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("err=%v want=ErrShuttingDown", err)
	}
}

func TestSessionFlushRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	sup, _, _ := newSupervisor(t, repo, nil)
	cfg := models.DefaultSessionConfig()
	cfg.InitialCapital = decimal.NewFromInt(25000)
	cfg.AutomationLevel = models.AutomationAssisted
	sess, err := sup.StartSession(ctx, "u1", &cfg)
	if err != nil {
		t.Fatalf("StartSession err=%v", err)
	}
	delta := repository.SessionDelta{StrategiesGenerated: 4, BacktestsCompleted: 3, PaperTradesExecuted: 7, PnL: decimal.RequireFromString("-12.5")}
	if err := repo.AddSessionCounters(ctx, sess.ID, delta); err != nil {
		t.Fatalf("AddSessionCounters err=%v", err)
	}
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop err=%v", err)
	}

	status, err := sup.Status(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Status err=%v", err)
	}
	got := status.Session
	if status.Running || got.Status != models.SessionStopped {
		t.Fatalf("status=%+v", status)
	}
	if got.StrategiesGenerated != 4 || got.BacktestsCompleted != 3 || got.PaperTradesExecuted != 7 || !got.CumulativePnL.Equal(decimal.RequireFromString("-12.5")) {
		t.Fatalf("counters=%+v", got)
	}
	if !status.Config.InitialCapital.Equal(decimal.NewFromInt(25000)) || status.Config.AutomationLevel != models.AutomationAssisted {
		t.Fatalf("config=%+v", status.Config)
	}
}

func TestRecoverSkipsUnresolvedCredentials(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	seedSession(t, repo, "s1", "u1")
	seedSession(t, repo, "s2", "u2")
	sup, _, _ := newSupervisor(t, repo, nil)
	defer sup.Stop(ctx)
	sup.Credentials = credentials.Static{"u1": {APIKey: "k", APISecret: "s"}}
	sup.Gateways = func(string, credentials.Credentials) (exchange.Gateway, error) {
		return exchange.NewLedger(decimal.NewFromInt(10000)), nil
	}

	n, err := sup.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Recover n=%d err=%v", n, err)
	}
	if id, ok := sup.ActiveSession("u1"); !ok || id != "s1" {
		t.Fatalf("u1 active=%q ok=%v", id, ok)
	}
	if _, ok := sup.ActiveSession("u2"); ok {
		t.Fatalf("u2 started without credentials")
	}
}

type downRepo struct {
	*memory.Store
}

func (downRepo) ListActiveSessions(context.Context) ([]models.Session, error) {
	return nil, errors.New("connection refused")
}

func TestRecoverFailsWhenStoreUnreachable(t *testing.T) {
	sup, _, _ := newSupervisor(t, downRepo{memory.New()}, nil)
	if _, err := sup.Recover(context.Background()); err == nil {
		t.Fatalf("expected boot error")
	}
}

func TestFailedSessionUnitIsRecorded(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	sup, _, _ := newSupervisor(t, repo, nil)
	defer sup.Stop(ctx)
	crashed, _ := sup.StartSession(ctx, "u1", nil)
	flaky, _ := sup.StartSession(ctx, "u2", nil)
	healthy, _ := sup.StartSession(ctx, "u3", nil)
	sub := sup.Bus.Subscribe(events.TopicSessionState, 8)

	sup.fanOut(ctx, "execution", func(_ context.Context, a *agent.Agent) error {
		switch a.SessionID() {
		case crashed.ID:
			panic("nil pointer dereference")
		case flaky.ID:
			return errors.New("venue timeout")
		}
		return nil
	})

	got, _ := repo.GetSession(ctx, crashed.ID)
	if got.Status != models.SessionPaused || got.LastErrorAt == nil || !strings.Contains(got.LastError, "panicked") {
		t.Fatalf("crashed status=%s last_error=%q", got.Status, got.LastError)
	}
	got, _ = repo.GetSession(ctx, flaky.ID)
	if got.Status != models.SessionRunning || !strings.Contains(got.LastError, "venue timeout") {
		t.Fatalf("flaky status=%s last_error=%q", got.Status, got.LastError)
	}
	got, _ = repo.GetSession(ctx, healthy.ID)
	if got.Status != models.SessionRunning || got.LastError != "" {
		t.Fatalf("healthy status=%s last_error=%q", got.Status, got.LastError)
	}

	reasons := map[string]string{}
	for len(sub) > 0 {
		ev := <-sub
		if p, ok := ev.Payload.(map[string]string); ok && p["reason"] != "" {
			reasons[ev.SessionID] = p["status"]
		}
	}
	if reasons[crashed.ID] != models.SessionPaused || reasons[flaky.ID] != models.SessionRunning || len(reasons) != 2 {
		t.Fatalf("failure events=%v", reasons)
	}

	if err := sup.ResumeSession(ctx, crashed.ID); err != nil {
		t.Fatalf("ResumeSession err=%v", err)
	}
}

func TestExecutionCycleIsolatesSessions(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	scorer := scoring.ScorerFunc(func(_ context.Context, req scoring.BacktestRequest) (models.Performance, error) {
		if req.Logic == "boom" {
			panic("scorer crashed")
		}
		return models.Performance{WinRate: 0.6, ProfitFactor: 1.8}, nil
	})
	sup, clock, beats := newSupervisor(t, repo, scorer)
	defer sup.Stop(ctx)
	a, _ := sup.StartSession(ctx, "u1", nil)
	b, _ := sup.StartSession(ctx, "u2", nil)

	bad, err := sup.Lifecycle.Create(ctx, a.ID, generator.Definition{Name: "bad", Instrument: "BTC_USDT", Timeframe: "1h", Logic: "boom"})
	if err != nil {
		t.Fatalf("Create err=%v", err)
	}
	good, err := sup.Lifecycle.Create(ctx, b.ID, generator.Definition{Name: "good", Instrument: "BTC_USDT", Timeframe: "1h", Logic: "ema"})
	if err != nil {
		t.Fatalf("Create err=%v", err)
	}

	clock.Advance(5 * time.Second)
	sup.executionCycle(ctx)

	gotBad, _ := repo.GetStrategy(ctx, bad.ID)
	gotGood, _ := repo.GetStrategy(ctx, good.ID)
	if gotBad.Status != models.StrategyRetired || gotBad.RetireReason != models.ReasonError {
		t.Fatalf("bad=%s/%s want retired/error", gotBad.Status, gotBad.RetireReason)
	}
	if gotGood.Status != models.StrategyPaperTrading {
		t.Fatalf("good=%s want paper_trading", gotGood.Status)
	}
	for _, id := range []string{a.ID, b.ID} {
		sess, _ := repo.GetSession(ctx, id)
		if sess.LastHeartbeatAt == nil || !sess.LastHeartbeatAt.Equal(clock.Now()) {
			t.Fatalf("session %s heartbeat=%v", id, sess.LastHeartbeatAt)
		}
		if !beats.beats[id].Equal(clock.Now()) {
			t.Fatalf("session %s cache heartbeat=%v", id, beats.beats[id])
		}
	}
}

func TestAlwaysRunStartsMissingSessions(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	if err := repo.UpsertAccountSetting(ctx, &models.AccountSetting{UserID: "bot", AlwaysRun: true}); err != nil {
		t.Fatalf("UpsertAccountSetting err=%v", err)
	}
	sup, _, _ := newSupervisor(t, repo, nil)
	defer sup.Stop(ctx)

	sup.alwaysRunCheck(ctx)
	first, ok := sup.ActiveSession("bot")
	if !ok {
		t.Fatalf("always-run account not started")
	}
	sup.alwaysRunCheck(ctx)
	if again, _ := sup.ActiveSession("bot"); again != first {
		t.Fatalf("session replaced: %s -> %s", first, again)
	}

	if err := sup.Settings.SetEnabled(ctx, service.FeatureAlwaysRun, false); err != nil {
		t.Fatalf("SetEnabled err=%v", err)
	}
	_ = sup.StopSession(ctx, first)
	sup.alwaysRunCheck(ctx)
	if _, ok := sup.ActiveSession("bot"); ok {
		t.Fatalf("always-run ignored disabled switch")
	}
}

func TestSchedulerRunsLoopsOnVirtualTime(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	sup, clock, _ := newSupervisor(t, repo, nil)
	defer sup.Stop(ctx)
	sess, err := sup.StartSession(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("StartSession err=%v", err)
	}
	sched, err := sup.Scheduler(ctx)
	if err != nil {
		t.Fatalf("Scheduler err=%v", err)
	}
	names := map[string]bool{}
	for _, e := range sched.Entries() {
		names[e.Name] = true
	}
	for _, want := range []string{"always-run", "execution", "generation", "heartbeat"} {
		if !names[want] {
			t.Fatalf("entry %q missing from %v", want, names)
		}
	}

	if n := sched.RunDue(ctx); n != 0 {
		t.Fatalf("started=%d before any interval elapsed", n)
	}
	clock.Advance(5 * time.Second)
	if n := sched.RunDue(ctx); n != 1 {
		t.Fatalf("started=%d want only execution", n)
	}
	sched.Wait()
	stored, _ := repo.GetSession(ctx, sess.ID)
	if stored.LastHeartbeatAt == nil {
		t.Fatalf("execution pass did not record a heartbeat")
	}
}

func TestRetiringPaperStrategyClosesPositions(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	sup, _, _ := newSupervisor(t, repo, nil)
	sup.Agent.Gate.Policy = risk.PolicyFromConfig(config.RiskConfig{
		Tiers:              config.DefaultRiskTiers(),
		DailyLossCapFrac:   0.05,
		MaxOpenPositions:   10,
		DefaultMaxLeverage: 5,
	}, nil)
	defer sup.Stop(ctx)
	sess, _ := sup.StartSession(ctx, "u1", nil)
	st, err := sup.Lifecycle.Create(ctx, sess.ID, generator.Definition{Name: "x", Instrument: "BTC_USDT", Timeframe: "1h", Logic: "ema"})
	if err != nil {
		t.Fatalf("Create err=%v", err)
	}
	if _, err := sup.Lifecycle.Backtest(ctx, st.ID); err != nil {
		t.Fatalf("Backtest err=%v", err)
	}

	a, _ := sup.agentFor(sess.ID)
	_, err = a.Simulator().Enter(ctx, simulator.EntryRequest{
		StrategyID:   st.ID,
		Instrument:   "BTC_USDT",
		Side:         models.SideLong,
		Price:        decimal.NewFromInt(100),
		AccountValue: decimal.NewFromInt(10000),
		RiskPerTrade: 0.01,
		StopLossPct:  0.02,
	})
	if err != nil {
		t.Fatalf("Enter err=%v", err)
	}
	if _, err := sup.RetireStrategy(ctx, st.ID, ""); err != nil {
		t.Fatalf("Retire err=%v", err)
	}
	if a.Simulator().OpenCount() != 0 {
		t.Fatalf("paper position left open after retirement")
	}
	exits, _ := repo.ListTrades(ctx, repository.ListTradesParams{StrategyID: st.ID, ExitsOnly: true})
	if len(exits) != 1 || exits[0].Reason != models.CloseLifecycle {
		t.Fatalf("exits=%+v", exits)
	}
}

func TestPauseAndResumeRequireRunningSession(t *testing.T) {
	ctx := context.Background()
	sup, _, _ := newSupervisor(t, memory.New(), nil)
	defer sup.Stop(ctx)
	if err := sup.PauseSession(ctx, "nope"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err=%v want=ErrNotRunning", err)
	}
	sess, _ := sup.StartSession(ctx, "u1", nil)
	if err := sup.PauseSession(ctx, sess.ID); err != nil {
		t.Fatalf("Pause err=%v", err)
	}
	status, _ := sup.Status(ctx, sess.ID)
	if !status.Running || status.Session.Status != models.SessionPaused || status.Agent.Status != models.SessionPaused {
		t.Fatalf("status=%+v", status)
	}
	if err := sup.ResumeSession(ctx, sess.ID); err != nil {
		t.Fatalf("Resume err=%v", err)
	}
	if err := sup.SetKillSwitch(ctx, true); err != nil {
		t.Fatalf("SetKillSwitch err=%v", err)
	}
	if on, _ := sup.KillSwitch(ctx); !on {
		t.Fatalf("kill switch not engaged")
	}
}

func TestInstrumentsUnionOfRunningSessions(t *testing.T) {
	ctx := context.Background()
	sup, _, _ := newSupervisor(t, memory.New(), nil)
	defer sup.Stop(ctx)

	cfgA := models.DefaultSessionConfig()
	cfgA.Instruments = []string{"ETH_USDT", "BTC_USDT"}
	cfgB := models.DefaultSessionConfig()
	cfgB.Instruments = []string{"BTC_USDT", "SOL_USDT"}
	if _, err := sup.StartSession(ctx, "a", &cfgA); err != nil {
		t.Fatalf("StartSession a err=%v", err)
	}
	b, err := sup.StartSession(ctx, "b", &cfgB)
	if err != nil {
		t.Fatalf("StartSession b err=%v", err)
	}
	got := sup.Instruments(ctx)
	want := []string{"BTC_USDT", "ETH_USDT", "SOL_USDT"}
	if len(got) != len(want) {
		t.Fatalf("instruments=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("instruments=%v want=%v", got, want)
		}
	}

	if err := sup.StopSession(ctx, b.ID); err != nil {
		t.Fatalf("StopSession err=%v", err)
	}
	if got := sup.Instruments(ctx); len(got) != 2 {
		t.Fatalf("instruments after stop=%v want=[BTC_USDT ETH_USDT]", got)
	}
}
