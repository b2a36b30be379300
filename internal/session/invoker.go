package session

import (
	"context"
	"fmt"
	"time"

	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

// hookPollInterval is how often a nested hook run's status is re-read while
// the hook engine waits for it.
const hookPollInterval = 250 * time.Millisecond

// InvokeHookAgent executes a hook agent as a nested run and blocks until it
// terminates. The hook input becomes the nested run's parameters; the nested
// session is detached so it never calls back into the hooked session.
func (s *Service) InvokeHookAgent(ctx context.Context, agentName string, input map[string]any) (*v1.SessionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.hookWait)
	defer cancel()

	run, err := s.CreateRun(ctx, &v1.CreateRunRequest{
		Type:          v1.RunTypeStartSession,
		AgentName:     agentName,
		Parameters:    input,
		ExecutionMode: v1.ExecutionModeDetached,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start hook agent %s: %w", agentName, err)
	}

	ticker := time.NewTicker(hookPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Cancel the abandoned nested run so it does not linger.
			if _, stopErr := s.StopRun(context.Background(), run.ID); stopErr != nil {
				s.logger.Warn("Failed to stop abandoned hook run")
			}
			return nil, fmt.Errorf("hook agent %s did not finish in time", agentName)
		case <-ticker.C:
		}

		current, err := s.GetRun(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		switch current.Status {
		case v1.RunStatusCompleted:
			return s.resultForRun(ctx, current)
		case v1.RunStatusFailed:
			return nil, fmt.Errorf("hook agent %s failed: %s", agentName, current.Error)
		case v1.RunStatusStopped:
			return nil, fmt.Errorf("hook agent %s was stopped before finishing", agentName)
		}
	}
}
