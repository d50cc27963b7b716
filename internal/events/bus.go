package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	TopicStrategyTransition = "strategy.transition"
	TopicAllocationChanged  = "allocation.changed"
	TopicSessionState       = "session.state"
	TopicPositionClosed     = "position.closed"
	TopicRiskRejected       = "risk.rejected"

	// TopicAll subscribes to every topic.
	TopicAll = "*"
)

type Event struct {
	Topic      string    `json:"topic"`
	SessionID  string    `json:"session_id,omitempty"`
	StrategyID string    `json:"strategy_id,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	At         time.Time `json:"at"`
}

// TransitionPayload is published on TopicStrategyTransition after the commit.
type TransitionPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
	Name   string `json:"name,omitempty"`
}

type AllocationEntry struct {
	StrategyID string  `json:"strategy_id"`
	Rank       int     `json:"rank"`
	Sharpe     float64 `json:"sharpe"`
	Kelly      float64 `json:"kelly"`
	Fraction   float64 `json:"fraction"`
	Amount     string  `json:"amount"`
}

// Bus fans events out to subscribers without ever blocking the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event
	closed  bool
	logger  *zap.Logger
	dropped uint64
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{subs: map[string][]chan Event{}, logger: logger}
}

// Subscribe returns a channel receiving events for topic (or TopicAll).
func (b *Bus) Subscribe(topic string, buf int) <-chan Event {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan Event, buf)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.deliver(b.subs[ev.Topic], ev)
	if ev.Topic != TopicAll {
		b.deliver(b.subs[TopicAll], ev)
	}
}

func (b *Bus) deliver(subs []chan Event, ev Event) {
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Drop when subscriber is slow; publisher must not block.
			n := atomic.AddUint64(&b.dropped, 1)
			if b.logger != nil && n%100 == 1 {
				b.logger.Warn("event dropped", zap.String("topic", ev.Topic), zap.Uint64("dropped_total", n))
			}
		}
	}
}

func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return atomic.LoadUint64(&b.dropped)
}

// Close closes every subscriber channel. Publish after Close is a no-op.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subs = map[string][]chan Event{}
}
