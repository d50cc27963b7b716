package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsEnvOnly(t *testing.T) {
	cfg, err := Load("", true)
	if err != nil {
		t.Fatalf("Load err=%v", err)
	}
	if cfg.Lifecycle.PaperDuration != 168*time.Hour {
		t.Fatalf("paper_duration=%v want=168h", cfg.Lifecycle.PaperDuration)
	}
	if cfg.Lifecycle.BacktestMinWinRate != 0.55 || cfg.Lifecycle.BacktestMinProfit != 1.5 {
		t.Fatalf("backtest criteria=%v/%v", cfg.Lifecycle.BacktestMinWinRate, cfg.Lifecycle.BacktestMinProfit)
	}
	if cfg.Simulator.Latency != 50*time.Millisecond || cfg.Simulator.SuccessProbability != 0.98 {
		t.Fatalf("simulator=%+v", cfg.Simulator)
	}
	if cfg.Supervisor.ExecutionInterval != 5*time.Second || cfg.Supervisor.AlwaysRunInterval != time.Minute {
		t.Fatalf("supervisor=%+v", cfg.Supervisor)
	}
	if cfg.Allocation.Interval != time.Hour || cfg.Allocation.KellyCap != 0.25 {
		t.Fatalf("allocation=%+v", cfg.Allocation)
	}
	if len(cfg.Risk.Tiers) == 0 {
		t.Fatalf("expected default risk tiers")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("AP_SERVER_HTTP_ADDR", ":9999")
	t.Setenv("AP_DB_DRIVER", "sqlite")
	cfg, err := Load("", true)
	if err != nil {
		t.Fatalf("Load err=%v", err)
	}
	if cfg.Server.HTTPAddr != ":9999" {
		t.Fatalf("http_addr=%q want=:9999", cfg.Server.HTTPAddr)
	}
	if cfg.DB.Driver != "sqlite" {
		t.Fatalf("db.driver=%q want=sqlite", cfg.DB.Driver)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte(`
lifecycle:
  paper_duration: 24h
risk:
  max_open_positions: 3
  tiers:
    - name: only
      min_balance: 0
      max_notional: 250
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write err=%v", err)
	}
	cfg, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load err=%v", err)
	}
	if cfg.Lifecycle.PaperDuration != 24*time.Hour {
		t.Fatalf("paper_duration=%v want=24h", cfg.Lifecycle.PaperDuration)
	}
	if cfg.Risk.MaxOpenPositions != 3 {
		t.Fatalf("max_open_positions=%d want=3", cfg.Risk.MaxOpenPositions)
	}
	if len(cfg.Risk.Tiers) != 1 || cfg.Risk.Tiers[0].MaxNotional != 250 {
		t.Fatalf("tiers=%+v", cfg.Risk.Tiers)
	}
}
