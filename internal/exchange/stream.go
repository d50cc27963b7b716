package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"autopilot/internal/marketdata"
)

type streamMessage struct {
	Type       string          `json:"type"`
	Instrument string          `json:"instrument"`
	Price      decimal.Decimal `json:"price"`
	Volume     decimal.Decimal `json:"volume"`
	TS         int64           `json:"ts"`
}

type subscribeRequest struct {
	Op          string   `json:"op"`
	Instruments []string `json:"instruments"`
}

// InstrumentProvider returns the instruments that should currently be subscribed.
type InstrumentProvider func(context.Context) []string

type StreamOptions struct {
	URL                string
	Instruments        []string
	InstrumentProvider InstrumentProvider
	RefreshInterval    time.Duration
	HeartbeatInterval  time.Duration
	PingTimeout        time.Duration
	BackoffMin         time.Duration
	BackoffMax         time.Duration
	Logger             *zap.Logger
}

// MarketStream keeps a websocket subscription alive and forwards ticks.
type MarketStream struct {
	opts StreamOptions
}

func NewMarketStream(opts StreamOptions) *MarketStream {
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 20 * time.Second
	}
	if opts.PingTimeout == 0 {
		opts.PingTimeout = 5 * time.Second
	}
	if opts.BackoffMin == 0 {
		opts.BackoffMin = time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.RefreshInterval == 0 {
		opts.RefreshInterval = 30 * time.Second
	}
	return &MarketStream{opts: opts}
}

// Run reconnects with jittered backoff until ctx is done.
func (s *MarketStream) Run(ctx context.Context, onTick func(marketdata.Tick)) error {
	if s == nil || strings.TrimSpace(s.opts.URL) == "" {
		return fmt.Errorf("market stream url is empty")
	}
	backoff := s.opts.BackoffMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, _, err := websocket.Dial(ctx, s.opts.URL, nil)
		if err != nil {
			s.warn("market stream connect failed", err)
			if err := sleepWithJitter(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff, s.opts.BackoffMax)
			continue
		}
		conn.SetReadLimit(1 << 20)

		current := s.instruments(ctx)
		if err := writeJSON(ctx, conn, subscribeRequest{Op: "subscribe", Instruments: current}); err != nil {
			s.warn("market stream subscribe failed", err)
			_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
			if err := sleepWithJitter(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff, s.opts.BackoffMax)
			continue
		}
		if s.opts.Logger != nil {
			s.opts.Logger.Info("market stream subscribed", zap.Int("instruments", len(current)))
		}
		backoff = s.opts.BackoffMin

		err = s.consume(ctx, conn, onTick, setFromSlice(current))
		_ = conn.Close(websocket.StatusNormalClosure, "reconnect")
		if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return ctx.Err()
		}
		if err := sleepWithJitter(ctx, backoff); err != nil {
			return err
		}
		backoff = nextBackoff(backoff, s.opts.BackoffMax)
	}
}

func (s *MarketStream) consume(ctx context.Context, conn *websocket.Conn, onTick func(marketdata.Tick), current map[string]struct{}) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	bgErr := make(chan error, 2)

	go func() {
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				pingCtx, cancelPing := context.WithTimeout(loopCtx, s.opts.PingTimeout)
				err := conn.Ping(pingCtx)
				cancelPing()
				if err != nil {
					bgErr <- err
					cancel()
					return
				}
			}
		}
	}()

	if s.opts.InstrumentProvider != nil {
		go func() {
			ticker := time.NewTicker(s.opts.RefreshInterval)
			defer ticker.Stop()
			for {
				select {
				case <-loopCtx.Done():
					return
				case <-ticker.C:
					next := setFromSlice(s.opts.InstrumentProvider(loopCtx))
					added, removed := diffSets(current, next)
					if len(added) > 0 {
						_ = writeJSON(loopCtx, conn, subscribeRequest{Op: "subscribe", Instruments: added})
					}
					if len(removed) > 0 {
						_ = writeJSON(loopCtx, conn, subscribeRequest{Op: "unsubscribe", Instruments: removed})
					}
					current = next
				}
			}
		}()
	}

	for {
		_, data, err := conn.Read(loopCtx)
		if err != nil {
			select {
			case perr := <-bgErr:
				return perr
			default:
			}
			if !errors.Is(err, context.Canceled) {
				s.warn("market stream read failed", err)
			}
			return err
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch strings.ToLower(msg.Type) {
		case "ping":
			_ = conn.Write(loopCtx, websocket.MessageText, []byte(`{"type":"pong"}`))
		case "tick":
			if onTick == nil || msg.Instrument == "" {
				continue
			}
			at := time.Now().UTC()
			if msg.TS > 0 {
				at = time.UnixMilli(msg.TS).UTC()
			}
			onTick(marketdata.Tick{Instrument: msg.Instrument, Price: msg.Price, Volume: msg.Volume, At: at})
		}
	}
}

func (s *MarketStream) instruments(ctx context.Context) []string {
	if s.opts.InstrumentProvider != nil {
		if ids := s.opts.InstrumentProvider(ctx); len(ids) > 0 {
			return ids
		}
	}
	return s.opts.Instruments
}

func (s *MarketStream) warn(msg string, err error) {
	if s.opts.Logger != nil {
		s.opts.Logger.Warn(msg, zap.Error(err))
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func sleepWithJitter(ctx context.Context, base time.Duration) error {
	if base <= 0 {
		return nil
	}
	jitter := time.Duration(0)
	if half := int64(base / 2); half > 0 {
		jitter = time.Duration(rand.Int63n(half))
	}
	timer := time.NewTimer(base + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func setFromSlice(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = struct{}{}
	}
	return out
}

func diffSets(current, next map[string]struct{}) ([]string, []string) {
	added := make([]string, 0)
	removed := make([]string, 0)
	for key := range next {
		if _, ok := current[key]; !ok {
			added = append(added, key)
		}
	}
	for key := range current {
		if _, ok := next[key]; !ok {
			removed = append(removed, key)
		}
	}
	return added, removed
}
