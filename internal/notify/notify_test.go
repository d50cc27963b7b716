package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"autopilot/internal/config"
	"autopilot/internal/events"
)

type captured struct {
	mu     sync.Mutex
	paths  []string
	bodies []map[string]any
}

func (c *captured) server(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.paths = append(c.paths, r.URL.Path)
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func transition() events.Event {
	return events.Event{
		Topic:     events.TopicStrategyTransition,
		SessionID: "s1",
		Payload:   events.TransitionPayload{From: "backtested", To: "retired", Reason: "failed_backtest", Name: "ema-cross"},
		At:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestWebhookAndTelegramDelivery(t *testing.T) {
	hook := &captured{}
	hookSrv := hook.server(t, http.StatusOK)
	tg := &captured{}
	tgSrv := tg.server(t, http.StatusOK)

	webhook, err := NewWebhookSender(hookSrv.URL+"/hooks/ap", time.Second)
	if err != nil {
		t.Fatalf("NewWebhookSender err=%v", err)
	}
	telegram, err := NewTelegramSender("123:abc", "-100", time.Second)
	if err != nil {
		t.Fatalf("NewTelegramSender err=%v", err)
	}
	telegram.APIBase = tgSrv.URL
	n := &Notifier{Senders: []Sender{webhook, telegram}}

	if got := n.Handle(context.Background(), transition()); got != 2 {
		t.Fatalf("delivered=%d want=2", got)
	}
	if len(hook.bodies) != 1 || hook.bodies[0]["event"] != events.TopicStrategyTransition || hook.bodies[0]["project"] != "autopilot" {
		t.Fatalf("webhook body=%v", hook.bodies)
	}
	text, _ := hook.bodies[0]["message"].(string)
	if !strings.Contains(text, "backtested -> retired") || !strings.HasPrefix(text, "[s1]") {
		t.Fatalf("message=%q", text)
	}
	if len(tg.paths) != 1 || tg.paths[0] != "/bot123:abc/sendMessage" {
		t.Fatalf("telegram path=%v", tg.paths)
	}
	if tg.bodies[0]["chat_id"] != "-100" {
		t.Fatalf("telegram body=%v", tg.bodies[0])
	}
}

func TestDeliveryFailureIsCounted(t *testing.T) {
	hook := &captured{}
	srv := hook.server(t, http.StatusBadGateway)
	webhook, _ := NewWebhookSender(srv.URL, time.Second)
	if err := webhook.Send(context.Background(), Render(transition())); err == nil {
		t.Fatalf("expected status error")
	}
	n := &Notifier{Senders: []Sender{webhook}}
	if got := n.Handle(context.Background(), transition()); got != 0 {
		t.Fatalf("delivered=%d want=0", got)
	}
}

func TestTopicFilter(t *testing.T) {
	hook := &captured{}
	srv := hook.server(t, http.StatusOK)
	webhook, _ := NewWebhookSender(srv.URL, time.Second)
	n := &Notifier{Senders: []Sender{webhook}}
	if got := n.Handle(context.Background(), events.Event{Topic: events.TopicPositionClosed}); got != 0 {
		t.Fatalf("position.closed delivered by default")
	}
	n.Topics = []string{events.TopicPositionClosed}
	if got := n.Handle(context.Background(), events.Event{Topic: events.TopicPositionClosed}); got != 1 {
		t.Fatalf("configured topic not delivered")
	}
}

func TestRenderAllocation(t *testing.T) {
	msg := Render(events.Event{
		Topic:   events.TopicAllocationChanged,
		Payload: []events.AllocationEntry{{StrategyID: "a", Rank: 1, Fraction: 0.125}},
	})
	if msg.Text != "allocation updated: #1 a 12.50%" {
		t.Fatalf("text=%q", msg.Text)
	}
}

func TestNewFromConfig(t *testing.T) {
	if n, err := New(config.NotifyConfig{Enabled: false, WebhookURL: "http://x"}, nil); n != nil || err != nil {
		t.Fatalf("disabled notifier=%v err=%v", n, err)
	}
	if _, err := New(config.NotifyConfig{Enabled: true, WebhookURL: "not a url"}, nil); err == nil {
		t.Fatalf("expected invalid url error")
	}
	if _, err := New(config.NotifyConfig{Enabled: true, Telegram: config.TelegramConfig{BotToken: "t"}}, nil); err == nil {
		t.Fatalf("expected missing chat id error")
	}
	n, err := New(config.NotifyConfig{Enabled: true, WebhookURL: "http://127.0.0.1:9/h"}, nil)
	if err != nil || n == nil || len(n.Senders) != 1 {
		t.Fatalf("notifier=%v err=%v", n, err)
	}
}

func TestRunForwardsBusEvents(t *testing.T) {
	hook := &captured{}
	srv := hook.server(t, http.StatusOK)
	webhook, _ := NewWebhookSender(srv.URL, time.Second)
	n := &Notifier{Senders: []Sender{webhook}}
	bus := events.NewBus(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Run(ctx, bus)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.Publish(transition())
		hook.mu.Lock()
		got := len(hook.bodies)
		hook.mu.Unlock()
		if got > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no delivery from bus")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}
