package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"autopilot/internal/credentials"
)

func TestClientPlaceOrderSignsAndDecodes(t *testing.T) {
	var gotSig, gotKey string
	var gotBody OrderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/orders" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		gotSig = r.Header.Get(headerSignature)
		gotKey = r.Header.Get(headerAPIKey)
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"order_id":"ord-1","status":"filled","filled_price":"101.5","filled_size":"2"}`))
	}))
	defer srv.Close()

	c, err := NewClient(Options{BaseURL: srv.URL, Timeout: 2 * time.Second}, credentials.Credentials{APIKey: "k", APISecret: "s"})
	if err != nil {
		t.Fatalf("NewClient err=%v", err)
	}
	res, err := c.PlaceOrder(context.Background(), OrderRequest{Instrument: "BTC_USDT", Side: SideBuy, Size: decimal.NewFromInt(2), Leverage: 3})
	if err != nil {
		t.Fatalf("PlaceOrder err=%v", err)
	}
	if res.OrderID != "ord-1" || !res.FilledPrice.Equal(decimal.RequireFromString("101.5")) {
		t.Fatalf("result=%+v", res)
	}
	if gotKey != "k" || len(gotSig) != 64 {
		t.Fatalf("auth headers key=%q sig=%q", gotKey, gotSig)
	}
	if gotBody.Leverage != 3 || gotBody.Instrument != "BTC_USDT" {
		t.Fatalf("body=%+v", gotBody)
	}
}

func TestClientMapsRejectionAndOutage(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"code":"insufficient_margin","message":"not enough margin"}`))
	}))
	defer srv.Close()
	c, err := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second}, credentials.Credentials{})
	if err != nil {
		t.Fatalf("NewClient err=%v", err)
	}

	_, err = c.PlaceOrder(context.Background(), OrderRequest{Instrument: "BTC_USDT", Side: SideBuy, Size: decimal.NewFromInt(1)})
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Code != "insufficient_margin" || rej.Status != http.StatusBadRequest {
		t.Fatalf("err=%v want RejectionError", err)
	}

	status = http.StatusServiceUnavailable
	if _, err := c.Balance(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err=%v want=ErrUnavailable", err)
	}
}

func TestClientBalanceAndAllocation(t *testing.T) {
	var allocPath string
	var allocBody map[string]float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/account/balance":
			_, _ = w.Write([]byte(`{"balance":"12500.25"}`))
		default:
			allocPath = r.URL.Path
			_ = json.NewDecoder(r.Body).Decode(&allocBody)
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()
	c, _ := NewClient(Options{BaseURL: srv.URL}, credentials.Credentials{})

	bal, err := c.Balance(context.Background())
	if err != nil || !bal.Equal(decimal.RequireFromString("12500.25")) {
		t.Fatalf("balance=%s err=%v", bal, err)
	}
	if err := c.SetAllocation(context.Background(), "strat-1", 0.125); err != nil {
		t.Fatalf("SetAllocation err=%v", err)
	}
	if allocPath != "/api/v1/allocations/strat-1" || allocBody["fraction"] != 0.125 {
		t.Fatalf("path=%q body=%v", allocPath, allocBody)
	}
}
