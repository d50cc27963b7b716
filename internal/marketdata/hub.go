package marketdata

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one price/volume update for an instrument.
type Tick struct {
	Instrument string          `json:"instrument"`
	Price      decimal.Decimal `json:"price"`
	Volume     decimal.Decimal `json:"volume"`
	At         time.Time       `json:"at"`
}

type subscriber struct {
	id int64
	ch chan Tick
}

// Hub fans ticks out per instrument. Each subscriber sees ticks for an
// instrument in publish order; a full subscriber drops the tick instead of
// blocking the stream.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string][]subscriber
	last    map[string]Tick
	nextID  int64
	dropped uint64
}

func NewHub() *Hub {
	return &Hub{subs: map[string][]subscriber{}, last: map[string]Tick{}}
}

func normalize(instrument string) string {
	return strings.ToUpper(strings.TrimSpace(instrument))
}

// Subscribe returns a tick channel for instrument and a cancel func that closes it.
func (h *Hub) Subscribe(instrument string, buf int) (<-chan Tick, func()) {
	if buf <= 0 {
		buf = 64
	}
	key := normalize(instrument)
	ch := make(chan Tick, buf)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[key] = append(h.subs[key], subscriber{id: id, ch: ch})
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			subs := h.subs[key]
			for i, s := range subs {
				if s.id == id {
					h.subs[key] = append(subs[:i:i], subs[i+1:]...)
					close(s.ch)
					break
				}
			}
		})
	}
}

func (h *Hub) Publish(t Tick) {
	if h == nil {
		return
	}
	t.Instrument = normalize(t.Instrument)
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	h.mu.Lock()
	h.last[t.Instrument] = t
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs[t.Instrument] {
		select {
		case s.ch <- t:
		default:
			atomic.AddUint64(&h.dropped, 1)
		}
	}
}

// Last returns the most recent tick seen for instrument.
func (h *Hub) Last(instrument string) (Tick, bool) {
	if h == nil {
		return Tick{}, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.last[normalize(instrument)]
	return t, ok
}

// Instruments lists instruments with at least one subscriber.
func (h *Hub) Instruments() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.subs))
	for k, subs := range h.subs {
		if len(subs) > 0 {
			out = append(out, k)
		}
	}
	return out
}

func (h *Hub) Dropped() uint64 {
	return atomic.LoadUint64(&h.dropped)
}
