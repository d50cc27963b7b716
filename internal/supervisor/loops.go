package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"autopilot/internal/agent"
	"autopilot/internal/allocation"
	"autopilot/internal/models"
	"autopilot/internal/service"
)

// fanOut runs fn for every running agent concurrently. A failure in one
// session is recorded on that session and does not affect the others; a
// panic also pauses it.
func (s *Supervisor) fanOut(ctx context.Context, loop string, fn func(context.Context, *agent.Agent) error) {
	agents := s.running()
	var wg sync.WaitGroup
	for _, a := range agents {
		wg.Add(1)
		go func(a *agent.Agent) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.Logger.Error("supervisor: session cycle panicked",
						zap.String("loop", loop),
						zap.String("session_id", a.SessionID()),
						zap.Any("panic", r),
					)
					s.markFailed(ctx, a, loop, fmt.Errorf("%s cycle panicked: %v", loop, r), true)
				}
			}()
			if err := fn(ctx, a); err != nil && !errors.Is(err, agent.ErrStopped) {
				s.Logger.Warn("supervisor: session cycle failed",
					zap.String("loop", loop),
					zap.String("session_id", a.SessionID()),
					zap.Error(err),
				)
				s.markFailed(ctx, a, loop, fmt.Errorf("%s cycle: %w", loop, err), false)
			}
		}(a)
	}
	wg.Wait()
}

func (s *Supervisor) markFailed(ctx context.Context, a *agent.Agent, loop string, cause error, pause bool) {
	if ctx.Err() != nil {
		return
	}
	if err := a.Fail(ctx, cause, pause); err != nil && !errors.Is(err, agent.ErrStopped) {
		s.Logger.Warn("supervisor: session failure not recorded",
			zap.String("loop", loop),
			zap.String("session_id", a.SessionID()),
			zap.Error(err),
		)
	}
}

// alwaysRunCheck starts a session for every always_run account without one.
func (s *Supervisor) alwaysRunCheck(ctx context.Context) {
	if !s.Settings.IsEnabled(ctx, service.FeatureAlwaysRun, true) {
		return
	}
	accounts, err := s.Repo.ListAlwaysRunAccounts(ctx)
	if err != nil {
		s.Logger.Warn("supervisor: always-run accounts unavailable", zap.Error(err))
		return
	}
	for _, acct := range accounts {
		if _, ok := s.ActiveSession(acct.UserID); ok {
			continue
		}
		sess, err := s.StartSession(ctx, acct.UserID, nil)
		switch {
		case err == nil:
			s.Logger.Info("supervisor: always-run session started", zap.String("user_id", acct.UserID), zap.String("session_id", sess.ID))
		case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrShuttingDown):
		default:
			s.Logger.Warn("supervisor: always-run start skipped", zap.String("user_id", acct.UserID), zap.Error(err))
		}
	}
}

// executionCycle steps each session; a successful pass refreshes its heartbeat.
func (s *Supervisor) executionCycle(ctx context.Context) {
	if !s.Settings.IsEnabled(ctx, service.FeatureExecution, true) {
		return
	}
	s.fanOut(ctx, "execution", func(ctx context.Context, a *agent.Agent) error {
		if err := a.Cycle(ctx); err != nil {
			return err
		}
		return s.beat(ctx, a)
	})
}

func (s *Supervisor) generationCycle(ctx context.Context) {
	if !s.Settings.IsEnabled(ctx, service.FeatureGeneration, true) {
		return
	}
	s.fanOut(ctx, "generation", func(ctx context.Context, a *agent.Agent) error {
		_, err := a.MaybeGenerate(ctx)
		return err
	})
}

func (s *Supervisor) allocationCycle(ctx context.Context) {
	if !s.Settings.IsEnabled(ctx, service.FeatureAllocation, true) {
		return
	}
	s.fanOut(ctx, "allocation", func(ctx context.Context, a *agent.Agent) error {
		if a.Status() != models.SessionRunning {
			return nil
		}
		_, err := s.allocate(ctx, a)
		if errors.Is(err, allocation.ErrPassInProgress) {
			return nil
		}
		return err
	})
}

func (s *Supervisor) heartbeatCycle(ctx context.Context) {
	s.fanOut(ctx, "heartbeat", s.beat)
}

func (s *Supervisor) beat(ctx context.Context, a *agent.Agent) error {
	if err := a.Heartbeat(ctx); err != nil {
		return err
	}
	if s.Heartbeats != nil {
		if err := s.Heartbeats.SetHeartbeat(ctx, a.SessionID(), s.now()); err != nil {
			s.Logger.Debug("supervisor: heartbeat cache write failed", zap.String("session_id", a.SessionID()), zap.Error(err))
		}
	}
	return nil
}
