// Package dispatch hands pending runs to eligible runners. The queue is FIFO
// by creation time within the set of runs a runner matches; claims are
// atomic compare-and-swap transitions so concurrent pollers never double-claim.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drover-ai/drover/internal/common/apperr"
	"github.com/drover-ai/drover/internal/common/logger"
	"github.com/drover-ai/drover/internal/events"
	"github.com/drover-ai/drover/internal/events/bus"
	"github.com/drover-ai/drover/internal/store"
	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

// TimeoutReason is the error recorded on runs no runner picked up in time.
const TimeoutReason = "No matching runner available within timeout"

// Dispatcher matches pending runs to polling runners.
type Dispatcher struct {
	store    *store.Store
	bus      bus.EventBus
	logger   *logger.Logger
	longPoll time.Duration
	wakeup   *notifier
	sub      bus.Subscription
}

// New creates a dispatcher. longPoll bounds how long a Claim call blocks
// waiting for work.
func New(st *store.Store, eventBus bus.EventBus, longPoll time.Duration, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		bus:      eventBus,
		longPoll: longPoll,
		wakeup:   newNotifier(),
		logger:   log.WithFields(zap.String("component", "dispatch")),
	}
}

// Start subscribes the dispatcher to queue wakeups.
func (d *Dispatcher) Start() error {
	sub, err := d.bus.Subscribe(events.RunsPending, func(ctx context.Context, event *bus.Event) error {
		d.wakeup.broadcast()
		return nil
	})
	if err != nil {
		return err
	}
	d.sub = sub
	return nil
}

// Stop detaches the dispatcher from the bus.
func (d *Dispatcher) Stop() {
	if d.sub != nil {
		_ = d.sub.Unsubscribe()
	}
}

// Notify wakes blocked Claim calls. The run creator publishes on the bus
// instead when it runs in another process.
func (d *Dispatcher) Notify() { d.wakeup.broadcast() }

// Claim blocks up to the long-poll window for the oldest pending run the
// runner matches, transitions it pending -> claimed, and returns it with its
// resolved blueprint. A nil result means no eligible work arrived in time.
func (d *Dispatcher) Claim(ctx context.Context, runnerID string) (*v1.ClaimedRun, error) {
	runner, err := d.store.GetRunner(ctx, runnerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound(apperr.CodeRunnerNotFound, "runner "+runnerID+" is not registered")
	}
	if err != nil {
		return nil, err
	}
	if runner.Status == v1.RunnerStatusRemoved {
		return nil, apperr.NotFound(apperr.CodeRunnerNotFound, "runner "+runnerID+" was removed; re-register")
	}

	// Polling is proof of life.
	if err := d.store.UpdateRunnerHeartbeat(ctx, runnerID, time.Now().UTC()); err != nil {
		d.logger.Warn("Failed to record poll heartbeat",
			zap.String("runner_id", runnerID), zap.Error(err))
	}

	deadline := time.Now().Add(d.longPoll)
	for {
		claimed, err := d.tryClaim(ctx, runner)
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			return claimed, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wake := d.wakeup.wait()
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

// tryClaim makes one pass over the pending queue in FIFO order.
func (d *Dispatcher) tryClaim(ctx context.Context, runner *v1.Runner) (*v1.ClaimedRun, error) {
	pending, err := d.store.ListPendingRuns(ctx)
	if err != nil {
		return nil, err
	}

	for _, run := range pending {
		agent, err := d.store.GetAgent(ctx, run.AgentName)
		if errors.Is(err, store.ErrNotFound) {
			continue // blueprint purged after the run was queued
		}
		if err != nil {
			return nil, err
		}
		session, err := d.store.GetSession(ctx, run.SessionID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		if !matches(run, agent, session, runner) {
			continue
		}

		err = d.store.ClaimRun(ctx, run.ID, runner.ID, time.Now().UTC())
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			continue // another poller won the race
		}
		if err != nil {
			return nil, err
		}

		run.Status = v1.RunStatusClaimed
		run.RunnerID = runner.ID
		d.logger.Info("Run claimed",
			zap.String("run_id", run.ID),
			zap.String("runner_id", runner.ID),
			zap.String("agent", run.AgentName))
		return &v1.ClaimedRun{Run: run, Blueprint: run.ResolvedBlueprint}, nil
	}
	return nil, nil
}

// notifier is a broadcast signal: every waiter blocked on wait() is released
// by one broadcast().
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{})}
}

func (n *notifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

func (n *notifier) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.ch)
	n.ch = make(chan struct{})
}
