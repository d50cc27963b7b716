package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestHTTPClientEvaluate(t *testing.T) {
	var got BacktestRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/backtests" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"win_rate":0.6,"profit_factor":1.8,"total_trades":42,"total_return":0.12}`))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL, time.Second)
	if err != nil {
		t.Fatalf("NewHTTPClient err=%v", err)
	}
	perf, err := c.Evaluate(context.Background(), BacktestRequest{
		StrategyID:     "s1",
		Instrument:     "BTC_USDT",
		Window:         30 * 24 * time.Hour,
		InitialCapital: decimal.NewFromInt(10000),
	})
	if err != nil {
		t.Fatalf("Evaluate err=%v", err)
	}
	if perf.WinRate != 0.6 || perf.ProfitFactor != 1.8 || perf.TotalTrades != 42 {
		t.Fatalf("perf=%+v", perf)
	}
	if got.WindowDays != 30 || !got.InitialCapital.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("request=%+v", got)
	}
}

func TestHTTPClientOutageIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c, _ := NewHTTPClient(srv.URL, time.Second)
	if _, err := c.Signal(context.Background(), SignalRequest{StrategyID: "s1"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err=%v want=ErrUnavailable", err)
	}
}

func TestHTTPClientBadRequestIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte("logic does not compile"))
	}))
	defer srv.Close()
	c, _ := NewHTTPClient(srv.URL, time.Second)
	_, err := c.Evaluate(context.Background(), BacktestRequest{StrategyID: "s1"})
	if err == nil || errors.Is(err, ErrUnavailable) {
		t.Fatalf("err=%v want permanent error", err)
	}
}
