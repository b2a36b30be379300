package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/drover-ai/drover/internal/common/apperr"
	"github.com/drover-ai/drover/internal/common/logger"
	"github.com/drover-ai/drover/internal/store"
)

// Lifecycle applies terminal run transitions with full bookkeeping (journal
// events, session projection, callbacks). Implemented by the session service.
type Lifecycle interface {
	FailRun(ctx context.Context, runID, reason, errorCode string) error
	ForceStopRun(ctx context.Context, runID string) error
}

// Sweeper enforces the time-based parts of the queue: claim leases, the
// dispatch timeout for unmatched pending runs, and the stop-acknowledgement
// grace period.
type Sweeper struct {
	store      *store.Store
	dispatcher *Dispatcher
	lifecycle  Lifecycle
	logger     *logger.Logger

	interval        time.Duration
	leaseWindow     time.Duration
	dispatchTimeout time.Duration
	stopGrace       time.Duration
}

// NewSweeper creates a sweeper. leaseWindow bounds how long a claimed run may
// sit unconfirmed; dispatchTimeout bounds how long a pending run may wait for
// a matching runner; stopGrace bounds how long a stop may go unacknowledged.
func NewSweeper(st *store.Store, d *Dispatcher, lc Lifecycle, interval, leaseWindow, dispatchTimeout, stopGrace time.Duration, log *logger.Logger) *Sweeper {
	return &Sweeper{
		store:           st,
		dispatcher:      d,
		lifecycle:       lc,
		interval:        interval,
		leaseWindow:     leaseWindow,
		dispatchTimeout: dispatchTimeout,
		stopGrace:       stopGrace,
		logger:          log.WithFields(zap.String("component", "dispatch_sweeper")),
	}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep applies every time-based rule once.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	s.reclaimLeases(ctx, now)
	s.timeoutPending(ctx, now)
	s.forceStops(ctx, now)
}

// reclaimLeases returns claimed-but-unconfirmed runs to the queue so another
// runner can pick them up.
func (s *Sweeper) reclaimLeases(ctx context.Context, now time.Time) {
	expired, err := s.store.ListClaimedRunsBefore(ctx, now.Add(-s.leaseWindow))
	if err != nil {
		s.logger.Error("Failed to list expired claims", zap.Error(err))
		return
	}
	released := 0
	for _, run := range expired {
		if err := s.store.ReleaseRun(ctx, run.ID); err != nil {
			s.logger.Error("Failed to release expired claim",
				zap.String("run_id", run.ID), zap.Error(err))
			continue
		}
		s.logger.Warn("Claim lease expired, run requeued",
			zap.String("run_id", run.ID),
			zap.String("runner_id", run.RunnerID))
		released++
	}
	if released > 0 && s.dispatcher != nil {
		s.dispatcher.Notify()
	}
}

// timeoutPending fails pending runs that outlived the dispatch window.
func (s *Sweeper) timeoutPending(ctx context.Context, now time.Time) {
	stuck, err := s.store.ListPendingRunsBefore(ctx, now.Add(-s.dispatchTimeout))
	if err != nil {
		s.logger.Error("Failed to list timed-out runs", zap.Error(err))
		return
	}
	for _, run := range stuck {
		if err := s.lifecycle.FailRun(ctx, run.ID, TimeoutReason, apperr.CodeNoRunnerAvailable); err != nil {
			s.logger.Error("Failed to time out run",
				zap.String("run_id", run.ID), zap.Error(err))
			continue
		}
		s.logger.Warn("Run timed out waiting for a runner",
			zap.String("run_id", run.ID),
			zap.String("agent", run.AgentName))
	}
}

// forceStops finalizes stop requests the runner never acknowledged.
func (s *Sweeper) forceStops(ctx context.Context, now time.Time) {
	unacked, err := s.store.ListStoppingRunsBefore(ctx, now.Add(-s.stopGrace))
	if err != nil {
		s.logger.Error("Failed to list unacknowledged stops", zap.Error(err))
		return
	}
	for _, run := range unacked {
		if err := s.lifecycle.ForceStopRun(ctx, run.ID); err != nil {
			s.logger.Error("Failed to force-stop run",
				zap.String("run_id", run.ID), zap.Error(err))
		}
	}
}
