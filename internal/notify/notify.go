// Package notify forwards committed engine events to operator channels.
package notify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"autopilot/internal/config"
	"autopilot/internal/events"
)

const project = "autopilot"

// DefaultTopics are forwarded when no topic filter is configured.
var DefaultTopics = []string{
	events.TopicStrategyTransition,
	events.TopicAllocationChanged,
	events.TopicSessionState,
	events.TopicRiskRejected,
}

type Notifier struct {
	Senders []Sender
	Topics  []string
	Logger  *zap.Logger
}

// New builds a notifier from config; it returns nil when nothing is configured.
func New(cfg config.NotifyConfig, logger *zap.Logger) (*Notifier, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	n := &Notifier{Topics: cfg.Topics, Logger: logger}
	if strings.TrimSpace(cfg.WebhookURL) != "" {
		s, err := NewWebhookSender(cfg.WebhookURL, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		n.Senders = append(n.Senders, s)
	}
	if cfg.Telegram.BotToken != "" || cfg.Telegram.ChatID != "" {
		s, err := NewTelegramSender(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		n.Senders = append(n.Senders, s)
	}
	if len(n.Senders) == 0 {
		return nil, nil
	}
	return n, nil
}

func (n *Notifier) wants(topic string) bool {
	topics := n.Topics
	if len(topics) == 0 {
		topics = DefaultTopics
	}
	for _, t := range topics {
		if t == topic || t == events.TopicAll {
			return true
		}
	}
	return false
}

// Run consumes bus events until ctx is done or the bus is closed.
func (n *Notifier) Run(ctx context.Context, bus *events.Bus) {
	if n == nil || bus == nil {
		return
	}
	ch := bus.Subscribe(events.TopicAll, 256)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			n.Handle(ctx, ev)
		}
	}
}

// Handle delivers ev to every sender. Delivery errors are logged only.
func (n *Notifier) Handle(ctx context.Context, ev events.Event) int {
	if !n.wants(ev.Topic) {
		return 0
	}
	msg := Render(ev)
	delivered := 0
	for _, s := range n.Senders {
		if err := s.Send(ctx, msg); err != nil {
			if n.Logger != nil {
				n.Logger.Warn("notify: delivery failed", zap.String("channel", s.Name()), zap.String("topic", ev.Topic), zap.Error(err))
			}
			continue
		}
		delivered++
	}
	return delivered
}

func Render(ev events.Event) Message {
	msg := Message{Project: project, Event: ev.Topic, SessionID: ev.SessionID, Payload: ev.Payload, At: ev.At}
	switch p := ev.Payload.(type) {
	case events.TransitionPayload:
		msg.Text = fmt.Sprintf("strategy %s: %s -> %s", p.Name, p.From, p.To)
		if p.Reason != "" {
			msg.Text += " (" + p.Reason + ")"
		}
	case []events.AllocationEntry:
		parts := make([]string, 0, len(p))
		for _, e := range p {
			parts = append(parts, fmt.Sprintf("#%d %s %.2f%%", e.Rank, e.StrategyID, e.Fraction*100))
		}
		msg.Text = "allocation updated: " + strings.Join(parts, ", ")
		if len(parts) == 0 {
			msg.Text = "allocation updated: no strategy qualified"
		}
	default:
		msg.Text = fmt.Sprintf("%s %v", ev.Topic, ev.Payload)
	}
	if ev.SessionID != "" {
		msg.Text = "[" + ev.SessionID + "] " + msg.Text
	}
	return msg
}
