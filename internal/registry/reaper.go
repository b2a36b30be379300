package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

// Reaper periodically walks the fleet and applies the heartbeat timeline:
// a runner past staleAfter is marked stale (warning only); past removeAfter
// it is removed, its declared agents purged and its runs failed.
type Reaper struct {
	service  *Service
	interval time.Duration
}

// NewReaper creates a reaper sweeping at the given interval.
func NewReaper(service *Service, interval time.Duration) *Reaper {
	return &Reaper{service: service, interval: interval}
}

// Run sweeps until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep applies the heartbeat thresholds once.
func (r *Reaper) Sweep(ctx context.Context) {
	s := r.service
	runners, err := s.store.ListRunners(ctx, v1.RunnerStatusActive, v1.RunnerStatusStale)
	if err != nil {
		s.logger.Error("Reaper failed to list runners", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, runner := range runners {
		silence := now.Sub(runner.LastHeartbeat)

		switch {
		case silence >= s.removeAfter:
			if err := s.remove(ctx, runner); err != nil {
				s.logger.Error("Reaper failed to remove runner",
					zap.String("runner_id", runner.ID), zap.Error(err))
			}

		case silence >= s.staleAfter && runner.Status == v1.RunnerStatusActive:
			if err := s.store.UpdateRunnerStatus(ctx, runner.ID, v1.RunnerStatusStale); err != nil {
				s.logger.Error("Reaper failed to mark runner stale",
					zap.String("runner_id", runner.ID), zap.Error(err))
				continue
			}
			runner.Status = v1.RunnerStatusStale
			s.logger.Warn("Runner is stale",
				zap.String("runner_id", runner.ID),
				zap.Duration("silence", silence))
			s.publishStatus(ctx, runner)
		}
	}
}
