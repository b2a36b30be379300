// Package hooks runs the interception points declared on agent blueprints:
// on_run_start (may transform parameters or block the run) and on_run_finish
// (observation only).
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/drover-ai/drover/internal/common/apperr"
	"github.com/drover-ai/drover/internal/common/ids"
	"github.com/drover-ai/drover/internal/common/logger"
	"github.com/drover-ai/drover/internal/eventlog"
	"github.com/drover-ai/drover/internal/events"
	"github.com/drover-ai/drover/internal/store"
	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

// Action values a hook may return.
const (
	ActionContinue = "continue"
	ActionBlock    = "block"
)

// StartInput is the payload handed to an on_run_start hook.
type StartInput struct {
	Parameters map[string]any `json:"parameters"`
	AgentName  string         `json:"agent_name"`
	SessionID  string         `json:"session_id"`
	RunID      string         `json:"run_id"`
}

// FinishInput is the payload handed to an on_run_finish hook.
type FinishInput struct {
	Parameters map[string]any `json:"parameters"`
	AgentName  string         `json:"agent_name"`
	SessionID  string         `json:"session_id"`
	RunID      string         `json:"run_id"`
	Status     v1.RunStatus   `json:"status"`
	ResultText *string        `json:"result_text,omitempty"`
	ResultData map[string]any `json:"result_data,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Outcome is a hook's decision about the hooked run.
type Outcome struct {
	Action      string         `json:"action"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	BlockReason string         `json:"block_reason,omitempty"`
}

// AgentInvoker executes a hook agent synchronously and returns its structured
// result. Implemented by the session service; the indirection breaks the
// dependency cycle between hooks and run creation.
type AgentInvoker interface {
	InvokeHookAgent(ctx context.Context, agentName string, input map[string]any) (*v1.SessionResult, error)
}

// Engine executes hooks and records their invocations.
type Engine struct {
	store    *store.Store
	eventlog *eventlog.Service
	invoker  AgentInvoker
	client   *http.Client
	logger   *logger.Logger
}

// New creates a hook engine. The agent invoker is wired afterwards.
func New(st *store.Store, el *eventlog.Service, log *logger.Logger) *Engine {
	return &Engine{
		store:    st,
		eventlog: el,
		client:   &http.Client{Timeout: 60 * time.Second},
		logger:   log.WithFields(zap.String("component", "hooks")),
	}
}

// SetInvoker wires the synchronous agent execution path.
func (e *Engine) SetInvoker(invoker AgentInvoker) { e.invoker = invoker }

// RunStart executes the agent's on_run_start hook, if any. The returned
// outcome is ActionContinue (with possibly transformed parameters) or
// ActionBlock. A hook failure is mapped according to the hook's on_error
// policy: block fails the run, ignore proceeds with the original parameters.
func (e *Engine) RunStart(ctx context.Context, agent *v1.Agent, input StartInput) (*Outcome, error) {
	spec := startSpec(agent)
	if spec == nil {
		return &Outcome{Action: ActionContinue, Parameters: input.Parameters}, nil
	}

	record := e.beginRecord(ctx, input.RunID, "on_run_start", agent.Name, input.SessionID)
	outcome, err := e.execute(ctx, spec, map[string]any{
		"parameters": input.Parameters,
		"agent_name": input.AgentName,
		"session_id": input.SessionID,
		"run_id":     input.RunID,
	})
	if err != nil {
		e.finishRecord(ctx, record, store.HookOutcomeFailed, "", err.Error(), input.SessionID, input.RunID)
		if spec.OnError == v1.HookOnErrorIgnore {
			e.logger.Warn("on_run_start hook failed, continuing",
				zap.String("run_id", input.RunID), zap.Error(err))
			return &Outcome{Action: ActionContinue, Parameters: input.Parameters}, nil
		}
		return nil, apperr.New(apperr.CodeHookFailed, http.StatusBadGateway,
			"on_run_start hook failed: "+err.Error()).WithCause(err)
	}

	switch outcome.Action {
	case ActionBlock:
		e.finishRecord(ctx, record, store.HookOutcomeBlock, outcome.BlockReason, "", input.SessionID, input.RunID)
		return outcome, nil
	case ActionContinue, "":
		if outcome.Parameters == nil {
			outcome.Parameters = input.Parameters
		}
		outcome.Action = ActionContinue
		e.finishRecord(ctx, record, store.HookOutcomeContinue, "", "", input.SessionID, input.RunID)
		return outcome, nil
	default:
		err := fmt.Errorf("hook returned unknown action %q", outcome.Action)
		e.finishRecord(ctx, record, store.HookOutcomeFailed, "", err.Error(), input.SessionID, input.RunID)
		if spec.OnError == v1.HookOnErrorIgnore {
			return &Outcome{Action: ActionContinue, Parameters: input.Parameters}, nil
		}
		return nil, apperr.New(apperr.CodeHookFailed, http.StatusBadGateway, err.Error()).WithCause(err)
	}
}

// RunFinish executes the agent's on_run_finish hook, if any. The outcome is
// discarded: a finish hook observes, it cannot change an emitted result.
// Failures are logged regardless of on_error; the run keeps its terminal state.
func (e *Engine) RunFinish(ctx context.Context, agent *v1.Agent, input FinishInput) {
	spec := finishSpec(agent)
	if spec == nil {
		return
	}

	record := e.beginRecord(ctx, input.RunID, "on_run_finish", agent.Name, input.SessionID)
	payload := map[string]any{
		"parameters": input.Parameters,
		"agent_name": input.AgentName,
		"session_id": input.SessionID,
		"run_id":     input.RunID,
		"status":     string(input.Status),
	}
	if input.ResultText != nil {
		payload["result_text"] = *input.ResultText
	}
	if input.ResultData != nil {
		payload["result_data"] = input.ResultData
	}
	if input.Error != "" {
		payload["error"] = input.Error
	}

	if _, err := e.execute(ctx, spec, payload); err != nil {
		e.finishRecord(ctx, record, store.HookOutcomeFailed, "", err.Error(), input.SessionID, input.RunID)
		e.logger.Warn("on_run_finish hook failed",
			zap.String("run_id", input.RunID), zap.Error(err))
		return
	}
	e.finishRecord(ctx, record, store.HookOutcomeContinue, "", "", input.SessionID, input.RunID)
}

func (e *Engine) execute(ctx context.Context, spec *v1.HookSpec, input map[string]any) (*Outcome, error) {
	switch spec.Type {
	case v1.HookTypeAgent:
		return e.executeAgent(ctx, spec, input)
	case v1.HookTypeHTTP:
		return e.executeHTTP(ctx, spec, input)
	default:
		return nil, fmt.Errorf("unknown hook type %q", spec.Type)
	}
}

// executeAgent runs the hook agent as a nested synchronous operation and
// interprets its structured result as the outcome.
func (e *Engine) executeAgent(ctx context.Context, spec *v1.HookSpec, input map[string]any) (*Outcome, error) {
	if e.invoker == nil {
		return nil, fmt.Errorf("agent hooks are not wired")
	}
	result, err := e.invoker.InvokeHookAgent(ctx, spec.AgentName, input)
	if err != nil {
		return nil, err
	}
	if result == nil || result.ResultData == nil {
		return nil, fmt.Errorf("hook agent %s returned no structured result", spec.AgentName)
	}
	return outcomeFromMap(result.ResultData)
}

func (e *Engine) executeHTTP(ctx context.Context, spec *v1.HookSpec, input map[string]any) (*Outcome, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hook webhook request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("hook webhook returned status %d", resp.StatusCode)
	}
	outcome := &Outcome{}
	if err := json.NewDecoder(resp.Body).Decode(outcome); err != nil {
		return nil, fmt.Errorf("hook webhook returned invalid JSON: %w", err)
	}
	return outcome, nil
}

func (e *Engine) beginRecord(ctx context.Context, runID, hookType, agentName, sessionID string) *store.HookRecord {
	record := &store.HookRecord{
		ID:        ids.NewHook(),
		RunID:     runID,
		HookType:  hookType,
		AgentName: agentName,
		StartedAt: time.Now().UTC(),
	}
	if err := e.store.CreateHookRecord(ctx, record); err != nil {
		e.logger.Error("Failed to create hook record", zap.Error(err))
	}
	e.appendEvent(ctx, sessionID, runID, events.HookStart, map[string]any{
		"hook_type":  hookType,
		"agent_name": agentName,
	})
	return record
}

func (e *Engine) finishRecord(ctx context.Context, record *store.HookRecord, outcome store.HookOutcome, blockReason, hookErr, sessionID, runID string) {
	now := time.Now().UTC()
	if err := e.store.FinishHookRecord(ctx, record.ID, outcome, blockReason, hookErr, now); err != nil {
		e.logger.Error("Failed to finish hook record", zap.Error(err))
	}

	eventType := events.HookComplete
	payload := map[string]any{
		"hook_type":  record.HookType,
		"agent_name": record.AgentName,
	}
	switch outcome {
	case store.HookOutcomeBlock:
		eventType = events.HookBlocked
		payload["block_reason"] = blockReason
	case store.HookOutcomeFailed:
		eventType = events.HookFailed
		payload["error"] = hookErr
	}
	e.appendEvent(ctx, sessionID, runID, eventType, payload)
}

func (e *Engine) appendEvent(ctx context.Context, sessionID, runID, eventType string, payload map[string]any) {
	_, err := e.eventlog.Append(ctx, &v1.Event{
		SessionID: sessionID,
		RunID:     runID,
		Type:      eventType,
		Payload:   payload,
	})
	if err != nil {
		e.logger.Error("Failed to append hook event",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func startSpec(agent *v1.Agent) *v1.HookSpec {
	if agent.Hooks == nil {
		return nil
	}
	return agent.Hooks.OnRunStart
}

func finishSpec(agent *v1.Agent) *v1.HookSpec {
	if agent.Hooks == nil {
		return nil
	}
	return agent.Hooks.OnRunFinish
}

// outcomeFromMap converts a hook agent's result_data into an outcome.
func outcomeFromMap(data map[string]any) (*Outcome, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	outcome := &Outcome{}
	if err := json.Unmarshal(raw, outcome); err != nil {
		return nil, fmt.Errorf("hook result is not a valid outcome: %w", err)
	}
	return outcome, nil
}
