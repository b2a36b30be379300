package main

import (
	"context"
	"fmt"
	"os"
	"time"

	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

type mockRunner struct {
	client   *client
	id       string
	hostname string
	tags     []string
	profile  string
	runDelay time.Duration
}

func (r *mockRunner) register(ctx context.Context) error {
	runner, err := r.client.register(ctx, &v1.RegisterRunnerRequest{
		Hostname:        r.hostname,
		Tags:            r.tags,
		ExecutorProfile: r.profile,
		Executor:        map[string]any{"kind": "mock"},
	})
	if err != nil {
		return err
	}
	r.id = runner.ID
	return nil
}

func (r *mockRunner) unregister(ctx context.Context) error {
	return r.client.unregister(ctx, r.id)
}

func (r *mockRunner) heartbeatLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.client.heartbeat(ctx, r.id); err != nil && ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "mock-runner: heartbeat failed: %v\n", err)
			}
		}
	}
}

// pollLoop claims and executes runs until the context is cancelled. The
// long-poll itself provides the pacing; errors back off briefly so a
// restarting coordinator is not hammered.
func (r *mockRunner) pollLoop(ctx context.Context) {
	for ctx.Err() == nil {
		claimed, err := r.client.claim(ctx, r.id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Fprintf(os.Stderr, "mock-runner: claim failed: %v\n", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}
		if claimed == nil {
			continue // empty poll window
		}
		r.execute(ctx, claimed)
	}
}

func (r *mockRunner) execute(ctx context.Context, claimed *v1.ClaimedRun) {
	run := claimed.Run
	fmt.Printf("mock-runner: executing %s (agent %s, session %s)\n",
		run.ID, run.AgentName, run.SessionID)

	if err := r.client.markRunning(ctx, r.id, run.ID); err != nil {
		fmt.Fprintf(os.Stderr, "mock-runner: running transition failed for %s: %v\n", run.ID, err)
		return
	}

	r.streamEvent(ctx, run, "message", map[string]any{
		"role": "assistant",
		"text": fmt.Sprintf("Working on run %d of session %s.", run.RunNumber, run.SessionID),
	})

	// Simulated execution time; a stop request arriving meanwhile is
	// acknowledged instead of completing.
	select {
	case <-ctx.Done():
		return
	case <-time.After(r.runDelay):
	}
	if r.ackIfStopping(ctx, run.ID) {
		return
	}

	outcome := resolveOutcome(run, claimed.Blueprint)
	switch {
	case outcome.failure != "":
		if err := r.client.fail(ctx, r.id, run.ID, outcome.failure); err != nil {
			fmt.Fprintf(os.Stderr, "mock-runner: fail report for %s: %v\n", run.ID, err)
		}
	default:
		if err := r.client.complete(ctx, r.id, run.ID, outcome.result); err != nil {
			fmt.Fprintf(os.Stderr, "mock-runner: completion report for %s: %v\n", run.ID, err)
		}
	}
}

func (r *mockRunner) ackIfStopping(ctx context.Context, runID string) bool {
	run, err := r.client.getRun(ctx, runID)
	if err != nil || run.Status != v1.RunStatusStopping {
		return false
	}
	if err := r.client.ackStopped(ctx, r.id, runID); err != nil {
		fmt.Fprintf(os.Stderr, "mock-runner: stop ack for %s: %v\n", runID, err)
	}
	return true
}

func (r *mockRunner) streamEvent(ctx context.Context, run *v1.Run, eventType string, payload map[string]any) {
	err := r.client.appendEvent(ctx, &v1.AppendEventRequest{
		SessionID: run.SessionID,
		RunID:     run.ID,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "mock-runner: event append failed for %s: %v\n", run.ID, err)
	}
}
