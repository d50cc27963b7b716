package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"autopilot/internal/agent"
	"autopilot/internal/config"
	cronrunner "autopilot/internal/cron"
	"autopilot/internal/events"
	"autopilot/internal/lifecycle"
	"autopilot/internal/models"
	"autopilot/internal/repository"
	"autopilot/internal/repository/memory"
	"autopilot/internal/risk"
	"autopilot/internal/scoring"
	"autopilot/internal/service"
	"autopilot/internal/simulator"
	"autopilot/internal/supervisor"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type statusView struct {
	Session struct {
		ID     string
		UserID string
		Status string
	} `json:"session"`
	Running bool            `json:"running"`
	Agent   *agent.Snapshot `json:"agent"`
}

type strategyView struct {
	ID           string
	Status       string
	RetireReason string
}

type testAPI struct {
	t      *testing.T
	engine *gin.Engine
	repo   *memory.Store
	sup    *supervisor.Supervisor
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	repo := memory.New()
	clock := cronrunner.NewFakeClock(time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC))
	bus := events.NewBus(nil)
	settings := &service.SystemSettingsService{Repo: repo}
	if err := settings.EnsureDefaultSwitches(context.Background()); err != nil {
		t.Fatalf("EnsureDefaultSwitches err=%v", err)
	}
	scorer := scoring.ScorerFunc(func(context.Context, scoring.BacktestRequest) (models.Performance, error) {
		return models.Performance{WinRate: 0.6, ProfitFactor: 1.8}, nil
	})
	sup := &supervisor.Supervisor{
		Repo:      repo,
		Lifecycle: &lifecycle.Manager{Repo: repo, Scorer: scorer, Bus: bus, Clock: clock},
		Settings:  settings,
		Bus:       bus,
		Clock:     clock,
		Logger:    zap.NewNop(),
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
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })

	r := gin.New()
	(&HealthHandler{}).Register(r)
	(&SessionHandler{Supervisor: sup}).Register(r)
	(&StrategyHandler{Supervisor: sup}).Register(r)
	(&RiskHandler{Supervisor: sup}).Register(r)
	(&SettingsHandler{Settings: settings}).Register(r)
	(&AccountHandler{Repo: repo}).Register(r)
	return &testAPI{t: t, engine: r, repo: repo, sup: sup}
}

func (a *testAPI) do(method, path string, body any, out any) int {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			a.t.Fatalf("encode err=%v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		a.t.Fatalf("%s %s body=%q err=%v", method, path, w.Body.String(), err)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			a.t.Fatalf("%s %s data err=%v", method, path, err)
		}
	}
	return w.Code
}

func TestSessionEndpoints(t *testing.T) {
	api := newTestAPI(t)

	if code := api.do(http.MethodPost, "/api/v1/sessions", map[string]any{}, nil); code != http.StatusBadRequest {
		t.Fatalf("empty user status=%d want=400", code)
	}

	var st statusView
	code := api.do(http.MethodPost, "/api/v1/sessions", map[string]any{
		"user_id": "u1",
		"config":  map[string]any{"initial_capital": "5000", "instruments": []string{"ETH_USDT"}},
	}, &st)
	if code != http.StatusOK {
		t.Fatalf("start status=%d", code)
	}
	if !st.Running || st.Session.UserID != "u1" || st.Agent == nil {
		t.Fatalf("start view=%+v", st)
	}
	if got := st.Agent.Config.InitialCapital.String(); got != "5000" {
		t.Fatalf("initial_capital=%s want=5000", got)
	}
	id := st.Session.ID

	if code := api.do(http.MethodPost, "/api/v1/sessions", map[string]any{"user_id": "u1"}, nil); code != http.StatusConflict {
		t.Fatalf("second start status=%d want=409", code)
	}

	if code := api.do(http.MethodPost, "/api/v1/sessions/"+id+"/pause", nil, &st); code != http.StatusOK {
		t.Fatalf("pause status=%d", code)
	}
	if st.Agent.Status != models.SessionPaused {
		t.Fatalf("status=%s want=%s", st.Agent.Status, models.SessionPaused)
	}
	if code := api.do(http.MethodPost, "/api/v1/sessions/"+id+"/resume", nil, &st); code != http.StatusOK || st.Agent.Status != models.SessionRunning {
		t.Fatalf("resume status=%d view=%+v", code, st.Agent)
	}

	var active statusView
	if code := api.do(http.MethodGet, "/api/v1/users/u1/session", nil, &active); code != http.StatusOK || active.Session.ID != id {
		t.Fatalf("active status=%d id=%s want=%s", code, active.Session.ID, id)
	}

	if code := api.do(http.MethodPut, "/api/v1/sessions/"+id+"/config", map[string]any{"max_concurrent_positions": 2}, &st); code != http.StatusOK {
		t.Fatalf("config status=%d", code)
	}
	if st.Agent.Config.MaxConcurrentPositions != 2 {
		t.Fatalf("max_concurrent_positions=%d want=2", st.Agent.Config.MaxConcurrentPositions)
	}

	if code := api.do(http.MethodPost, "/api/v1/sessions/"+id+"/stop", nil, &st); code != http.StatusOK {
		t.Fatalf("stop status=%d", code)
	}
	if st.Running || st.Session.Status != models.SessionStopped {
		t.Fatalf("stopped view=%+v", st)
	}
	if code := api.do(http.MethodPost, "/api/v1/sessions/"+id+"/pause", nil, nil); code != http.StatusConflict {
		t.Fatalf("pause stopped status=%d want=409", code)
	}
	if code := api.do(http.MethodGet, "/api/v1/users/u1/session", nil, nil); code != http.StatusNotFound {
		t.Fatalf("active after stop status=%d want=404", code)
	}
	if code := api.do(http.MethodGet, "/api/v1/sessions/missing", nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing status=%d want=404", code)
	}
	if code := api.do(http.MethodPost, "/api/v1/sessions/"+id+"/allocations/run", nil, nil); code != http.StatusForbidden {
		t.Fatalf("allocation without optimizer status=%d want=403", code)
	}
}

func TestStrategyEndpoints(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	var st statusView
	if code := api.do(http.MethodPost, "/api/v1/sessions", map[string]any{"user_id": "u1"}, &st); code != http.StatusOK {
		t.Fatalf("start status=%d", code)
	}
	now := time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC)
	seed := []models.Strategy{
		{ID: "pending", SessionID: st.Session.ID, Name: "a", Instrument: "BTC_USDT", Timeframe: "1h", Status: models.StrategyPaperTrading, PendingApproval: true, CreatedAt: now},
		{ID: "fresh", SessionID: st.Session.ID, Name: "b", Instrument: "BTC_USDT", Timeframe: "1h", Status: models.StrategyGenerated, CreatedAt: now},
	}
	for i := range seed {
		if err := api.repo.UpsertStrategy(ctx, &seed[i]); err != nil {
			t.Fatalf("UpsertStrategy err=%v", err)
		}
	}

	var got strategyView
	if code := api.do(http.MethodPost, "/api/v1/strategies/pending/approve", nil, &got); code != http.StatusOK || got.Status != models.StrategyLive {
		t.Fatalf("approve status=%d strategy=%+v", code, got)
	}
	if code := api.do(http.MethodPost, "/api/v1/strategies/pending/approve", nil, nil); code != http.StatusConflict {
		t.Fatalf("second approve status=%d want=409", code)
	}
	if code := api.do(http.MethodPost, "/api/v1/strategies/fresh/reject", nil, nil); code != http.StatusConflict {
		t.Fatalf("reject not pending status=%d want=409", code)
	}
	if code := api.do(http.MethodPost, "/api/v1/strategies/fresh/retire", map[string]any{"reason": "operator"}, &got); code != http.StatusOK {
		t.Fatalf("retire status=%d", code)
	}
	if got.Status != models.StrategyRetired || got.RetireReason != "operator" {
		t.Fatalf("retired=%+v", got)
	}
	if code := api.do(http.MethodPost, "/api/v1/strategies/fresh/retire", nil, nil); code != http.StatusConflict {
		t.Fatalf("retire retired status=%d want=409", code)
	}
	if code := api.do(http.MethodPost, "/api/v1/strategies/nope/retire", nil, nil); code != http.StatusNotFound {
		t.Fatalf("retire missing status=%d want=404", code)
	}

	var live []strategyView
	if code := api.do(http.MethodGet, "/api/v1/sessions/"+st.Session.ID+"/strategies?status=live", nil, &live); code != http.StatusOK {
		t.Fatalf("list status=%d", code)
	}
	if len(live) != 1 || live[0].ID != "pending" {
		t.Fatalf("live=%+v", live)
	}
}

func TestRiskAndSwitchEndpoints(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	if code := api.do(http.MethodPut, "/api/v1/risk/kill-switch", map[string]any{}, nil); code != http.StatusBadRequest {
		t.Fatalf("empty kill switch status=%d want=400", code)
	}
	var ks struct {
		Engaged bool `json:"engaged"`
	}
	if code := api.do(http.MethodPut, "/api/v1/risk/kill-switch", map[string]any{"engaged": true}, &ks); code != http.StatusOK || !ks.Engaged {
		t.Fatalf("engage status=%d engaged=%v", code, ks.Engaged)
	}
	ks.Engaged = false
	if code := api.do(http.MethodGet, "/api/v1/risk/kill-switch", nil, &ks); code != http.StatusOK || !ks.Engaged {
		t.Fatalf("kill switch status=%d engaged=%v want=true", code, ks.Engaged)
	}

	for _, d := range []models.RiskDecision{
		{AccountID: "u1", SessionID: "s1", Symbol: "BTC_USDT", Decision: models.DecisionApproved},
		{AccountID: "u1", SessionID: "s1", Symbol: "BTC_USDT", Decision: models.DecisionRejected, Check: risk.CheckKillSwitch},
		{AccountID: "u2", SessionID: "s2", Symbol: "ETH_USDT", Decision: models.DecisionRejected},
	} {
		if err := api.repo.InsertRiskDecision(ctx, &d); err != nil {
			t.Fatalf("InsertRiskDecision err=%v", err)
		}
	}
	var decisions []struct {
		AccountID string
		Check     string
	}
	if code := api.do(http.MethodGet, "/api/v1/risk/decisions?account_id=u1&decision=rejected", nil, &decisions); code != http.StatusOK {
		t.Fatalf("decisions status=%d", code)
	}
	if len(decisions) != 1 || decisions[0].Check != risk.CheckKillSwitch {
		t.Fatalf("decisions=%+v", decisions)
	}

	var switches []switchView
	if code := api.do(http.MethodGet, "/api/v1/settings/switches", nil, &switches); code != http.StatusOK {
		t.Fatalf("switches status=%d", code)
	}
	if len(switches) != len(service.DefaultFeatureSwitches()) {
		t.Fatalf("switches=%d want=%d", len(switches), len(service.DefaultFeatureSwitches()))
	}
	for _, sw := range switches {
		if sw.Key == service.FeatureLiveOrders && sw.Enabled {
			t.Fatalf("live_orders enabled by default")
		}
	}
	if code := api.do(http.MethodPut, "/api/v1/settings/switches/bogus", map[string]any{"enabled": true}, nil); code != http.StatusNotFound {
		t.Fatalf("unknown switch status=%d want=404", code)
	}
	var sw switchView
	if code := api.do(http.MethodPut, "/api/v1/settings/switches/execution", map[string]any{"enabled": false}, &sw); code != http.StatusOK || sw.Enabled {
		t.Fatalf("put switch status=%d view=%+v", code, sw)
	}
	sw.Enabled = true
	if code := api.do(http.MethodGet, "/api/v1/settings/switches/execution", nil, &sw); code != http.StatusOK || sw.Enabled {
		t.Fatalf("get switch status=%d view=%+v", code, sw)
	}
}

func TestAccountEndpoints(t *testing.T) {
	api := newTestAPI(t)

	if code := api.do(http.MethodGet, "/api/v1/accounts/u9", nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing account status=%d want=404", code)
	}
	var acct accountView
	code := api.do(http.MethodPut, "/api/v1/accounts/u9", map[string]any{
		"always_run":     true,
		"credential_ref": " keys/u9 ",
		"default_config": map[string]any{"max_drawdown": 0.1},
	}, &acct)
	if code != http.StatusOK {
		t.Fatalf("put account status=%d", code)
	}
	if !acct.AlwaysRun || acct.CredentialRef != "keys/u9" || acct.DefaultConfig == nil || acct.DefaultConfig.MaxDrawdown != 0.1 {
		t.Fatalf("account=%+v", acct)
	}

	if code := api.do(http.MethodPut, "/api/v1/accounts/u9", map[string]any{"always_run": false}, &acct); code != http.StatusOK {
		t.Fatalf("second put status=%d", code)
	}
	if acct.AlwaysRun || acct.CredentialRef != "keys/u9" {
		t.Fatalf("partial update=%+v", acct)
	}

	var st statusView
	if code := api.do(http.MethodPost, "/api/v1/sessions", map[string]any{"user_id": "u9"}, &st); code != http.StatusOK {
		t.Fatalf("start status=%d", code)
	}
	if st.Agent.Config.MaxDrawdown != 0.1 {
		t.Fatalf("session max_drawdown=%v want=0.1 from account default", st.Agent.Config.MaxDrawdown)
	}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestReadiness(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		cache Pinger
		want  int
	}{
		{nil, http.StatusOK},
		{pingFunc(func(context.Context) error { return nil }), http.StatusOK},
		{pingFunc(func(context.Context) error { return errors.New("down") }), http.StatusServiceUnavailable},
	}
	for i, tc := range cases {
		r := gin.New()
		(&HealthHandler{Cache: tc.cache}).Register(r)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if w.Code != tc.want {
			t.Fatalf("case %d status=%d want=%d", i, w.Code, tc.want)
		}
	}
}

func TestErrorStatus(t *testing.T) {
	cases := map[error]int{
		repository.ErrNotFound:         http.StatusNotFound,
		supervisor.ErrAlreadyRunning:   http.StatusConflict,
		lifecycle.ErrInvalidTransition: http.StatusConflict,
		supervisor.ErrFeatureDisabled:  http.StatusForbidden,
		supervisor.ErrShuttingDown:     http.StatusServiceUnavailable,
		errors.New("boom"):             http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := errorStatus(err); got != want {
			t.Fatalf("errorStatus(%v)=%d want=%d", err, got, want)
		}
	}
}
