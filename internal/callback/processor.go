// Package callback resumes parent sessions when their async children finish.
// A callback is not a continuation: it is a new resume_session run synthesized
// on the parent, delivered at most once per callback record.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drover-ai/drover/internal/common/apperr"
	"github.com/drover-ai/drover/internal/common/ids"
	"github.com/drover-ai/drover/internal/common/logger"
	"github.com/drover-ai/drover/internal/events"
	"github.com/drover-ai/drover/internal/events/bus"
	"github.com/drover-ai/drover/internal/session"
	"github.com/drover-ai/drover/internal/store"
	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

// Processor drains pending callbacks into resume runs on parent sessions.
// Event-driven with a periodic sweep so callbacks survive restarts and
// parent-busy retries.
type Processor struct {
	store    *store.Store
	sessions *session.Service
	bus      bus.EventBus
	logger   *logger.Logger

	interval time.Duration
	kick     chan struct{}
	sub      bus.Subscription
}

// New creates a callback processor. interval bounds how long a pending
// callback can sit before the sweep picks it up.
func New(st *store.Store, sessions *session.Service, eventBus bus.EventBus, interval time.Duration, log *logger.Logger) *Processor {
	return &Processor{
		store:    st,
		sessions: sessions,
		bus:      eventBus,
		interval: interval,
		kick:     make(chan struct{}, 1),
		logger:   log.WithFields(zap.String("component", "callback")),
	}
}

// Start subscribes to callback notifications and begins the drain loop.
func (p *Processor) Start(ctx context.Context) error {
	sub, err := p.bus.Subscribe(events.CallbackQueued, func(ctx context.Context, event *bus.Event) error {
		select {
		case p.kick <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.sub = sub

	go p.run(ctx)
	return nil
}

// Stop detaches the processor from the bus.
func (p *Processor) Stop() {
	if p.sub != nil {
		_ = p.sub.Unsubscribe()
	}
}

func (p *Processor) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.kick:
		case <-ticker.C:
		}
		p.Drain(ctx)
	}
}

// Drain processes every deliverable pending callback once, oldest first.
func (p *Processor) Drain(ctx context.Context) {
	pending, err := p.store.ListPendingCallbacks(ctx)
	if err != nil {
		p.logger.Error("Failed to list pending callbacks", zap.Error(err))
		return
	}
	for _, cb := range pending {
		if err := p.deliver(ctx, cb); err != nil {
			p.logger.Error("Callback delivery failed",
				zap.String("callback_id", cb.ID), zap.Error(err))
		}
	}
}

// deliver synthesizes the resume run for one callback. The pending -> delivered
// mark is a conditional write, so concurrent processors produce at most one
// resume run per record; a parent with an active run is left pending for the
// next sweep.
func (p *Processor) deliver(ctx context.Context, cb *store.Callback) error {
	prompt, err := p.renderPrompt(ctx, cb)
	if err != nil {
		return err
	}
	scope, err := p.parentScope(ctx, cb.ParentSessionID)
	if err != nil {
		return err
	}

	if err := p.store.MarkCallbackDelivered(ctx, cb.ID, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil // another processor won this record
		}
		return err
	}

	run, err := p.sessions.CreateRun(ctx, &v1.CreateRunRequest{
		Type:       v1.RunTypeResumeSession,
		SessionID:  cb.ParentSessionID,
		Parameters: map[string]any{"prompt": prompt},
		Scope:      scope,
	})
	if err != nil {
		if apperr.From(err).Code == apperr.CodeSessionConflict {
			// Parent is busy: put the record back so the sweep retries once
			// the parent's active run finishes.
			return p.requeue(ctx, cb)
		}
		return err
	}

	p.logger.Info("Parent session resumed",
		zap.String("callback_id", cb.ID),
		zap.String("parent_session_id", cb.ParentSessionID),
		zap.String("resume_run_id", run.ID))
	return nil
}

// requeue re-creates a delivered-but-undeliverable callback as a fresh pending
// record. The old record stays delivered, so the exactly-once mark is never
// reused.
func (p *Processor) requeue(ctx context.Context, cb *store.Callback) error {
	retry := *cb
	retry.ID = ids.NewCallback()
	retry.Status = store.CallbackStatusPending
	retry.DeliveredAt = nil
	if err := p.store.CreateCallback(ctx, &retry); err != nil {
		return fmt.Errorf("failed to requeue callback %s: %w", cb.ID, err)
	}
	p.logger.Info("Parent busy, callback requeued",
		zap.String("callback_id", cb.ID),
		zap.String("parent_session_id", cb.ParentSessionID))
	return nil
}

// renderPrompt builds the templated text the parent is resumed with: the child
// session ID, its terminal status, and its result or failure.
func (p *Processor) renderPrompt(ctx context.Context, cb *store.Callback) (string, error) {
	if cb.ChildStatus == v1.RunStatusCompleted {
		result := cb.Result
		if result == nil {
			run, err := p.store.GetRun(ctx, cb.ChildRunID)
			if err != nil {
				return "", err
			}
			result, err = p.sessions.Result(ctx, run.SessionID)
			if err != nil {
				return "", err
			}
		}
		return successPrompt(cb.ChildSessionID, result), nil
	}

	reason := ""
	if run, err := p.store.GetRun(ctx, cb.ChildRunID); err == nil {
		reason = run.Error
	}
	return failurePrompt(cb.ChildSessionID, cb.ChildStatus, reason), nil
}

func successPrompt(childSessionID string, result *v1.SessionResult) string {
	text := ""
	if result != nil && result.ResultText != nil {
		text = *result.ResultText
	}
	prompt := fmt.Sprintf("Child session %s completed.\n\nResult:\n%s", childSessionID, text)
	if result != nil && result.ResultData != nil {
		pretty, err := json.MarshalIndent(result.ResultData, "", "  ")
		if err == nil {
			prompt += fmt.Sprintf("\n\nStructured result:\n```json\n%s\n```", pretty)
		}
	}
	return prompt
}

func failurePrompt(childSessionID string, status v1.RunStatus, reason string) string {
	prompt := fmt.Sprintf("Child session %s did not complete (status: %s).", childSessionID, status)
	if reason != "" {
		prompt += "\n\nFailure: " + reason
	}
	prompt += "\n\nDecide whether to retry, continue without the result, or report the failure."
	return prompt
}

// parentScope inherits the scope of the parent's most recent run.
func (p *Processor) parentScope(ctx context.Context, parentSessionID string) (map[string]string, error) {
	run, err := p.store.LatestRunBySession(ctx, parentSessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run.Scope, nil
}
