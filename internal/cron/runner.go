package cronrunner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var ErrDuplicateEntry = errors.New("scheduler entry already exists")

type Job func(ctx context.Context)

type entry struct {
	name     string
	spec     string
	jitter   time.Duration
	schedule cron.Schedule
	job      Job

	next    time.Time
	prev    time.Time
	running atomic.Bool
	skipped int64
}

// EntryInfo is a read-only view of a scheduled entry.
type EntryInfo struct {
	Name    string
	Spec    string
	Next    time.Time
	Prev    time.Time
	Running bool
	Skipped int64
}

// Scheduler runs named periodic jobs against an injectable Clock. Due jobs run
// on their own goroutine; a job still running when it comes due again is skipped.
type Scheduler struct {
	clock   Clock
	logger  *zap.Logger
	baseCtx context.Context

	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup

	jitterRand func() float64
}

func New(logger *zap.Logger, baseCtx context.Context, clock Clock) *Scheduler {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &Scheduler{
		clock:      clock,
		logger:     logger,
		baseCtx:    baseCtx,
		entries:    map[string]*entry{},
		jitterRand: rand.Float64,
	}
}

// Every formats d as a robfig "@every" spec.
func Every(d time.Duration) string {
	if d < time.Second {
		d = time.Second
	}
	return "@every " + d.String()
}

func (s *Scheduler) Clock() Clock {
	return s.clock
}

// Add registers job under name. spec accepts standard 5-field cron or descriptors like "@every 5s".
func (s *Scheduler) Add(name, spec string, jitter time.Duration, job Job) error {
	if job == nil {
		return fmt.Errorf("scheduler entry %q: nil job", name)
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("scheduler entry %q: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, name)
	}
	e := &entry{name: name, spec: spec, jitter: jitter, schedule: schedule, job: job}
	e.next = s.nextRun(e, s.clock.Now())
	s.entries[name] = e
	return nil
}

func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; !ok {
		return false
	}
	delete(s.entries, name)
	return true
}

func (s *Scheduler) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryInfo, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, EntryInfo{
			Name:    e.name,
			Spec:    e.spec,
			Next:    e.next,
			Prev:    e.prev,
			Running: e.running.Load(),
			Skipped: atomic.LoadInt64(&e.skipped),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RunDue starts every entry whose next run is at or before now and returns how many were started.
func (s *Scheduler) RunDue(ctx context.Context) int {
	if ctx == nil {
		ctx = s.baseCtx
	}
	now := s.clock.Now()
	s.mu.Lock()
	due := make([]*entry, 0)
	for _, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		e.prev = now
		e.next = s.nextRun(e, now)
		due = append(due, e)
	}
	s.mu.Unlock()

	started := 0
	for _, e := range due {
		if !e.running.CompareAndSwap(false, true) {
			atomic.AddInt64(&e.skipped, 1)
			if s.logger != nil {
				s.logger.Debug("scheduler entry still running, skipped", zap.String("entry", e.name))
			}
			continue
		}
		started++
		s.wg.Add(1)
		go s.exec(ctx, e)
	}
	return started
}

func (s *Scheduler) exec(ctx context.Context, e *entry) {
	defer s.wg.Done()
	defer e.running.Store(false)
	defer func() {
		if r := recover(); r != nil && s.logger != nil {
			s.logger.Error("scheduler entry panicked", zap.String("entry", e.name), zap.Any("panic", r))
		}
	}()
	e.job(ctx)
}

// Wait blocks until every started job has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Run polls for due entries every resolution until ctx is cancelled, then waits for in-flight jobs.
func (s *Scheduler) Run(ctx context.Context, resolution time.Duration) {
	if resolution <= 0 {
		resolution = time.Second
	}
	if s.logger != nil {
		s.logger.Info("scheduler started", zap.Int("entries", len(s.Entries())))
	}
	ticker := time.NewTicker(resolution)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Wait()
			if s.logger != nil {
				s.logger.Info("scheduler stopped")
			}
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

func (s *Scheduler) nextRun(e *entry, from time.Time) time.Time {
	next := e.schedule.Next(from)
	if e.jitter > 0 && s.jitterRand != nil {
		next = next.Add(time.Duration(s.jitterRand() * float64(e.jitter)))
	}
	return next
}
