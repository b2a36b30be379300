package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/drover-ai/drover/internal/common/apperr"
	"github.com/drover-ai/drover/internal/common/ids"
	"github.com/drover-ai/drover/internal/events"
	"github.com/drover-ai/drover/internal/hooks"
	"github.com/drover-ai/drover/internal/store"
	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

// MarkRunning records the runner's acknowledgement that execution started:
// claimed -> running, session projected to running, run_start journaled.
func (s *Service) MarkRunning(ctx context.Context, runID, runnerID string) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if runnerID != "" && run.RunnerID != runnerID {
		return apperr.Conflict(apperr.CodeInvalidRequest, "run "+runID+" is not claimed by this runner")
	}

	unlock := s.lanes.lock(run.SessionID)
	defer unlock()

	err = s.store.MarkRunRunning(ctx, runID, time.Now().UTC())
	if errors.Is(err, store.ErrConflict) {
		return apperr.Conflict(apperr.CodeInvalidRequest, "run "+runID+" is not in claimed state")
	}
	if err != nil {
		return err
	}

	s.appendEvent(ctx, run.SessionID, runID, events.RunStart, map[string]any{
		"agent_name": run.AgentName,
		"run_number": run.RunNumber,
		"runner_id":  run.RunnerID,
	})
	if err := s.store.UpdateSessionStatus(ctx, run.SessionID, v1.SessionStatusRunning); err != nil {
		s.logger.Warn("Failed to project session status",
			zap.String("session_id", run.SessionID), zap.Error(err))
	}
	return nil
}

// CompleteRun finalizes a run the runner reports as successful. The result
// shape is checked against the agent's contract before anything is written:
// procedural and output-schema agents report result_data, plain autonomous
// agents report result_text.
func (s *Service) CompleteRun(ctx context.Context, runID, runnerID string, req *v1.CompleteRunRequest) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if runnerID != "" && run.RunnerID != runnerID {
		return apperr.Conflict(apperr.CodeInvalidRequest, "run "+runID+" is not claimed by this runner")
	}
	agent, err := s.blueprints.Get(ctx, run.AgentName)
	if err != nil {
		return err
	}
	if err := s.checkResultContract(agent, req); err != nil {
		return err
	}

	unlock := s.lanes.lock(run.SessionID)
	defer unlock()

	err = s.store.MarkRunTerminal(ctx, runID, v1.RunStatusCompleted, "", "", time.Now().UTC())
	if errors.Is(err, store.ErrConflict) {
		return apperr.Conflict(apperr.CodeInvalidRequest,
			"run "+runID+" has not been reported running or already finished")
	}
	if err != nil {
		return err
	}
	run.Status = v1.RunStatusCompleted

	resultPayload := map[string]any{}
	if req.ResultText != nil {
		resultPayload["result_text"] = *req.ResultText
	}
	if req.ResultData != nil {
		resultPayload["result_data"] = req.ResultData
	}
	s.appendEvent(ctx, run.SessionID, runID, events.Result, resultPayload)
	s.appendEvent(ctx, run.SessionID, runID, events.RunCompleted, map[string]any{
		"agent_name": run.AgentName,
		"run_number": run.RunNumber,
	})
	if err := s.store.UpdateSessionStatus(ctx, run.SessionID, v1.SessionStatusFinished); err != nil {
		s.logger.Warn("Failed to project session status",
			zap.String("session_id", run.SessionID), zap.Error(err))
	}
	s.logger.Info("Run completed",
		zap.String("run_id", runID),
		zap.String("session_id", run.SessionID))

	result := &v1.SessionResult{ResultText: req.ResultText, ResultData: req.ResultData}
	s.afterTerminal(run, agent, result, "")
	return nil
}

// FailRun finalizes a run as failed with the given reason. errorCode is the
// stable discriminator recorded on the run and its run_failed event; empty
// for failures the runner itself reported. Already-terminal runs are left
// untouched; the sweeper and orphan paths may race completion.
func (s *Service) FailRun(ctx context.Context, runID, reason, errorCode string) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	unlock := s.lanes.lock(run.SessionID)
	defer unlock()

	err = s.store.MarkRunTerminal(ctx, runID, v1.RunStatusFailed, reason, errorCode, time.Now().UTC())
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	run.Status = v1.RunStatusFailed
	run.Error = reason
	run.ErrorCode = errorCode

	payload := map[string]any{"error": reason}
	if errorCode != "" {
		payload["error_code"] = errorCode
	}
	s.appendEvent(ctx, run.SessionID, runID, events.RunFailed, payload)
	if err := s.store.UpdateSessionStatus(ctx, run.SessionID, v1.SessionStatusFailed); err != nil {
		s.logger.Warn("Failed to project session status",
			zap.String("session_id", run.SessionID), zap.Error(err))
	}
	s.logger.Warn("Run failed",
		zap.String("run_id", runID),
		zap.String("reason", reason))

	agent, agentErr := s.blueprints.Get(ctx, run.AgentName)
	if agentErr != nil {
		agent = nil
	}
	s.afterTerminal(run, agent, nil, reason)
	return nil
}

// StopRun handles POST /runs/:id/stop. A pending run is cancelled outright;
// a claimed or running run enters stopping and waits for the runner's
// acknowledgement.
func (s *Service) StopRun(ctx context.Context, runID string) (*v1.Run, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	unlock := s.lanes.lock(run.SessionID)
	defer unlock()

	switch run.Status {
	case v1.RunStatusPending:
		if err := s.finalizeStop(ctx, run); err != nil {
			return nil, err
		}
	case v1.RunStatusClaimed, v1.RunStatusRunning:
		err := s.store.MarkRunStopping(ctx, runID, time.Now().UTC())
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		run.Status = v1.RunStatusStopping
		s.logger.Info("Stop requested", zap.String("run_id", runID))
	case v1.RunStatusStopping:
		// Stop already in flight.
	default:
		return nil, apperr.Conflict(apperr.CodeInvalidRequest, "run "+runID+" already finished")
	}
	return run, nil
}

// StoppedRun records the runner's acknowledgement of a stop request.
func (s *Service) StoppedRun(ctx context.Context, runID, runnerID string) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if runnerID != "" && run.RunnerID != runnerID {
		return apperr.Conflict(apperr.CodeInvalidRequest, "run "+runID+" is not claimed by this runner")
	}

	unlock := s.lanes.lock(run.SessionID)
	defer unlock()
	return s.finalizeStop(ctx, run)
}

// ForceStopRun finalizes a stop the runner never acknowledged.
func (s *Service) ForceStopRun(ctx context.Context, runID string) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	unlock := s.lanes.lock(run.SessionID)
	defer unlock()
	s.logger.Warn("Stop unacknowledged, forcing", zap.String("run_id", runID))
	return s.finalizeStop(ctx, run)
}

// finalizeStop moves a run to stopped with full bookkeeping. Callers hold the
// session lane.
func (s *Service) finalizeStop(ctx context.Context, run *v1.Run) error {
	err := s.store.MarkRunTerminal(ctx, run.ID, v1.RunStatusStopped, "", "", time.Now().UTC())
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	run.Status = v1.RunStatusStopped

	s.appendEvent(ctx, run.SessionID, run.ID, events.RunStopped, map[string]any{
		"agent_name": run.AgentName,
		"run_number": run.RunNumber,
	})
	if err := s.store.UpdateSessionStatus(ctx, run.SessionID, v1.SessionStatusStopped); err != nil {
		s.logger.Warn("Failed to project session status",
			zap.String("session_id", run.SessionID), zap.Error(err))
	}
	s.logger.Info("Run stopped", zap.String("run_id", run.ID))

	agent, agentErr := s.blueprints.Get(ctx, run.AgentName)
	if agentErr != nil {
		agent = nil
	}
	s.afterTerminal(run, agent, nil, "")
	return nil
}

// FailRunsForRunner fails every non-terminal run held by a runner. Invoked
// when the runner unregisters or its heartbeat lapses past removal.
func (s *Service) FailRunsForRunner(ctx context.Context, runnerID, reason, errorCode string) error {
	runs, err := s.store.ListActiveRunsByRunner(ctx, runnerID)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if err := s.FailRun(ctx, run.ID, reason, errorCode); err != nil {
			s.logger.Error("Failed to fail orphaned run",
				zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	return nil
}

// Result returns the authoritative result of a session's latest run. The
// result journal event is the source of truth; when a run terminated without
// one, the last message event's text stands in.
func (s *Service) Result(ctx context.Context, sessionID string) (*v1.SessionResult, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	run, err := s.store.LatestRunBySession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound(apperr.CodeRunNotFound, "session "+sessionID+" has no terminal result")
	}
	if err != nil {
		return nil, err
	}
	if !run.Status.Terminal() {
		return nil, apperr.NotFound(apperr.CodeRunNotFound,
			"session "+sessionID+" has no terminal result yet").WithDetail("run_status", string(run.Status))
	}
	return s.resultForRun(ctx, run)
}

func (s *Service) resultForRun(ctx context.Context, run *v1.Run) (*v1.SessionResult, error) {
	event, err := s.store.LastEventOfTypeForRun(ctx, run.SessionID, run.ID, events.Result)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if event != nil {
		result := &v1.SessionResult{}
		if text, ok := event.Payload["result_text"].(string); ok {
			result.ResultText = &text
		}
		if data, ok := event.Payload["result_data"].(map[string]any); ok {
			result.ResultData = data
		}
		return result, nil
	}

	// No result event: fall back to the last message the run produced.
	message, err := s.store.LastEventOfTypeForRun(ctx, run.SessionID, run.ID, events.Message)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	result := &v1.SessionResult{}
	if message != nil {
		if text, ok := message.Payload["text"].(string); ok {
			result.ResultText = &text
		}
	}
	return result, nil
}

// checkResultContract enforces the typed output contract on a completion
// report.
func (s *Service) checkResultContract(agent *v1.Agent, req *v1.CompleteRunRequest) error {
	expectsData := agent.Type == v1.AgentTypeProcedural || len(agent.OutputSchema) > 0
	if expectsData {
		if req.ResultData == nil || req.ResultText != nil {
			return apperr.BadRequest("agent " + agent.Name + " must report result_data and no result_text")
		}
		if len(agent.OutputSchema) > 0 {
			validationErrs, err := s.blueprints.Validator().ValidateDocument(agent.OutputSchema, req.ResultData)
			if err != nil {
				return err
			}
			if len(validationErrs) > 0 {
				return apperr.BadRequest("result_data does not satisfy the agent's output schema").
					WithDetail("agent_name", agent.Name).
					WithDetail("validation_errors", validationErrs)
			}
		}
		return nil
	}
	if req.ResultText == nil || req.ResultData != nil {
		return apperr.BadRequest("agent " + agent.Name + " must report result_text and no result_data")
	}
	return nil
}

// afterTerminal runs the post-terminal side effects: the on_run_finish hook
// and the parent callback. Both happen off the request path; neither can
// change the run's terminal state.
func (s *Service) afterTerminal(run *v1.Run, agent *v1.Agent, result *v1.SessionResult, runError string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.hookWait)
		defer cancel()

		if agent != nil {
			input := hooks.FinishInput{
				Parameters: run.Parameters,
				AgentName:  run.AgentName,
				SessionID:  run.SessionID,
				RunID:      run.ID,
				Status:     run.Status,
				Error:      runError,
			}
			if result != nil {
				input.ResultText = result.ResultText
				input.ResultData = result.ResultData
			}
			s.hooks.RunFinish(ctx, agent, input)
		}
		s.enqueueCallback(ctx, run, result)
	}()
}

// enqueueCallback records a pending callback when the run's session reports
// to a parent via async_callback.
func (s *Service) enqueueCallback(ctx context.Context, run *v1.Run, result *v1.SessionResult) {
	session, err := s.store.GetSession(ctx, run.SessionID)
	if err != nil {
		s.logger.Error("Failed to load session for callback",
			zap.String("session_id", run.SessionID), zap.Error(err))
		return
	}
	if session.ParentSessionID == "" || session.ExecutionMode != v1.ExecutionModeAsyncCallback {
		return
	}

	cb := &store.Callback{
		ID:              ids.NewCallback(),
		ParentSessionID: session.ParentSessionID,
		ChildSessionID:  session.ID,
		ChildRunID:      run.ID,
		ChildStatus:     run.Status,
		Result:          result,
		Status:          store.CallbackStatusPending,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.CreateCallback(ctx, cb); err != nil {
		s.logger.Error("Failed to enqueue callback",
			zap.String("child_session_id", session.ID), zap.Error(err))
		return
	}
	s.publish(ctx, events.CallbackQueued, "callback_queued", map[string]any{
		"callback_id":       cb.ID,
		"parent_session_id": cb.ParentSessionID,
		"child_session_id":  cb.ChildSessionID,
	})
	s.logger.Info("Callback queued",
		zap.String("callback_id", cb.ID),
		zap.String("parent_session_id", cb.ParentSessionID))
}
