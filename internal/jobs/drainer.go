package jobs

import (
	"context"

	logx "github.com/codebridger/subturtle-core/pkg/logx"
)

// kickDrain nudges the drain loop. The channel has capacity one, so a kick
// while a pass is pending coalesces with it.
func (s *Service) kickDrain() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// drainLoop serializes normal-mode executions. It runs under the supervisor
// with restart, so a panic escaping drain does not kill the queue for good.
func (s *Service) drainLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.kick:
			s.drain(ctx)
		}
	}
}

// drain claims queued jobs one at a time, oldest first, until the queue is
// empty. The CAS guard makes re-entry a no-op if a restart overlaps a pass.
func (s *Service) drain(ctx context.Context) {
	if !s.draining.CompareAndSwap(false, true) {
		return
	}
	defer s.draining.Store(false)

	for ctx.Err() == nil {
		j, ok, err := s.store.ClaimNextQueued(ctx)
		if err != nil {
			s.log.Error("claim next queued", logx.Err(err))
			return
		}
		if !ok {
			return
		}
		s.execute(ctx, j, j.ExpectedTime)
	}
}
