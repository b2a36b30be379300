package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drover-ai/drover/internal/blueprint"
	"github.com/drover-ai/drover/internal/common/apperr"
	"github.com/drover-ai/drover/internal/common/logger"
	"github.com/drover-ai/drover/internal/db"
	"github.com/drover-ai/drover/internal/eventlog"
	"github.com/drover-ai/drover/internal/events"
	"github.com/drover-ai/drover/internal/events/bus"
	"github.com/drover-ai/drover/internal/hooks"
	"github.com/drover-ai/drover/internal/store"
	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

type testEnv struct {
	store      *store.Store
	blueprints *blueprint.Service
	sessions   *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	pool, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	st, err := store.New(pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	el := eventlog.New(st, eventBus, 64, log)
	require.NoError(t, el.Start())
	t.Cleanup(el.Stop)

	blueprints := blueprint.NewService(st, "", log)
	engine := hooks.New(st, el, log)
	sessions := New(st, el, eventBus, blueprints, engine, log)
	engine.SetInvoker(sessions)
	return &testEnv{store: st, blueprints: blueprints, sessions: sessions}
}

func (e *testEnv) addAgent(t *testing.T, req *v1.CreateAgentRequest) {
	t.Helper()
	_, err := e.blueprints.Create(context.Background(), req)
	require.NoError(t, err)
}

func startRequest(agent, prompt string) *v1.CreateRunRequest {
	return &v1.CreateRunRequest{
		Type:       v1.RunTypeStartSession,
		AgentName:  agent,
		Parameters: map[string]any{"prompt": prompt},
	}
}

// drive pushes a run through claimed and running so terminal transitions
// become legal.
func (e *testEnv) drive(t *testing.T, runID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.ClaimRun(ctx, runID, "lnch_test", time.Now().UTC()))
	require.NoError(t, e.sessions.MarkRunning(ctx, runID, "lnch_test"))
}

func eventTypes(t *testing.T, st *store.Store, sessionID string) []string {
	t.Helper()
	list, err := st.ListEventsSince(context.Background(), sessionID, 0)
	require.NoError(t, err)
	types := make([]string, 0, len(list))
	for _, event := range list {
		types = append(types, event.Type)
	}
	return types
}

func TestCreateRunOpensSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addAgent(t, &v1.CreateAgentRequest{Name: "researcher", Type: v1.AgentTypeAutonomous})

	run, err := env.sessions.CreateRun(ctx, startRequest("researcher", "Research X"))
	require.NoError(t, err)
	require.Equal(t, v1.RunStatusPending, run.Status)
	require.Equal(t, 1, run.RunNumber)
	require.NotNil(t, run.ResolvedBlueprint)

	session, err := env.sessions.GetSession(ctx, run.SessionID)
	require.NoError(t, err)
	require.Equal(t, "researcher", session.AgentName)
	require.Equal(t, v1.SessionStatusPending, session.Status)
	require.Equal(t, v1.ExecutionModeDetached, session.ExecutionMode)
}

func TestCreateRunRejectsInvalidParameters(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, &v1.CreateAgentRequest{Name: "researcher", Type: v1.AgentTypeAutonomous})

	_, err := env.sessions.CreateRun(context.Background(), &v1.CreateRunRequest{
		Type:      v1.RunTypeStartSession,
		AgentName: "researcher",
	})
	appErr := apperr.From(err)
	require.Equal(t, apperr.CodeParameterValidationFailed, appErr.Code)

	violations := appErr.Details["validation_errors"].([]v1.ValidationError)
	require.Len(t, violations, 1)
	require.Equal(t, "$.prompt", violations[0].Path)
	require.Contains(t, appErr.Details, "parameters_schema")
}

func TestCreateRunUnknownAgent(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.sessions.CreateRun(context.Background(), startRequest("ghost", "hi"))
	require.Equal(t, apperr.CodeAgentNotFound, apperr.From(err).Code)
}

func TestResumeRequiresIdleSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addAgent(t, &v1.CreateAgentRequest{Name: "researcher", Type: v1.AgentTypeAutonomous})

	first, err := env.sessions.CreateRun(ctx, startRequest("researcher", "first"))
	require.NoError(t, err)

	resume := &v1.CreateRunRequest{
		Type:       v1.RunTypeResumeSession,
		SessionID:  first.SessionID,
		Parameters: map[string]any{"prompt": "continue"},
	}
	_, err = env.sessions.CreateRun(ctx, resume)
	require.Equal(t, apperr.CodeSessionConflict, apperr.From(err).Code)

	env.drive(t, first.ID)
	text := "done"
	require.NoError(t, env.sessions.CompleteRun(ctx, first.ID, "lnch_test", &v1.CompleteRunRequest{ResultText: &text}))

	second, err := env.sessions.CreateRun(ctx, resume)
	require.NoError(t, err)
	require.Equal(t, 2, second.RunNumber)
	require.Equal(t, first.SessionID, second.SessionID)
}

func TestResumeUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.sessions.CreateRun(context.Background(), &v1.CreateRunRequest{
		Type:       v1.RunTypeResumeSession,
		SessionID:  "ses_missing",
		Parameters: map[string]any{"prompt": "hi"},
	})
	require.Equal(t, apperr.CodeSessionNotFound, apperr.From(err).Code)
}

func TestRunLifecycleEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addAgent(t, &v1.CreateAgentRequest{Name: "researcher", Type: v1.AgentTypeAutonomous})

	run, err := env.sessions.CreateRun(ctx, startRequest("researcher", "Research X"))
	require.NoError(t, err)
	env.drive(t, run.ID)

	session, err := env.sessions.GetSession(ctx, run.SessionID)
	require.NoError(t, err)
	require.Equal(t, v1.SessionStatusRunning, session.Status)

	text := "X is shiny"
	require.NoError(t, env.sessions.CompleteRun(ctx, run.ID, "lnch_test", &v1.CompleteRunRequest{ResultText: &text}))

	require.Equal(t, []string{events.RunStart, events.Result, events.RunCompleted},
		eventTypes(t, env.store, run.SessionID))

	session, err = env.sessions.GetSession(ctx, run.SessionID)
	require.NoError(t, err)
	require.Equal(t, v1.SessionStatusFinished, session.Status)

	result, err := env.sessions.Result(ctx, run.SessionID)
	require.NoError(t, err)
	require.Equal(t, "X is shiny", *result.ResultText)
	require.Nil(t, result.ResultData)
}

func TestResultBeforeTerminalRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addAgent(t, &v1.CreateAgentRequest{Name: "researcher", Type: v1.AgentTypeAutonomous})

	run, err := env.sessions.CreateRun(ctx, startRequest("researcher", "hi"))
	require.NoError(t, err)

	_, err = env.sessions.Result(ctx, run.SessionID)
	require.Equal(t, apperr.CodeRunNotFound, apperr.From(err).Code)
}

func TestCompleteRunResultContract(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addAgent(t, &v1.CreateAgentRequest{Name: "researcher", Type: v1.AgentTypeAutonomous})
	env.addAgent(t, &v1.CreateAgentRequest{
		Name:             "extractor",
		Type:             v1.AgentTypeProcedural,
		ParametersSchema: json.RawMessage(`{"type":"object"}`),
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["count"],
			"properties": {"count": {"type": "integer"}}
		}`),
	})

	aiRun, err := env.sessions.CreateRun(ctx, startRequest("researcher", "hi"))
	require.NoError(t, err)
	env.drive(t, aiRun.ID)

	// An autonomous agent without an output schema reports text, not data.
	err = env.sessions.CompleteRun(ctx, aiRun.ID, "lnch_test", &v1.CompleteRunRequest{
		ResultData: map[string]any{"x": 1},
	})
	require.Equal(t, apperr.CodeInvalidRequest, apperr.From(err).Code)

	procRun, err := env.sessions.CreateRun(ctx, &v1.CreateRunRequest{
		Type:      v1.RunTypeStartSession,
		AgentName: "extractor",
	})
	require.NoError(t, err)
	env.drive(t, procRun.ID)

	text := "nope"
	err = env.sessions.CompleteRun(ctx, procRun.ID, "lnch_test", &v1.CompleteRunRequest{ResultText: &text})
	require.Equal(t, apperr.CodeInvalidRequest, apperr.From(err).Code)

	// result_data must satisfy the output schema.
	err = env.sessions.CompleteRun(ctx, procRun.ID, "lnch_test", &v1.CompleteRunRequest{
		ResultData: map[string]any{"count": "three"},
	})
	require.Equal(t, apperr.CodeInvalidRequest, apperr.From(err).Code)

	require.NoError(t, env.sessions.CompleteRun(ctx, procRun.ID, "lnch_test", &v1.CompleteRunRequest{
		ResultData: map[string]any{"count": float64(3)},
	}))

	result, err := env.sessions.Result(ctx, procRun.SessionID)
	require.NoError(t, err)
	require.Nil(t, result.ResultText)
	require.EqualValues(t, 3, result.ResultData["count"])
}

func TestStopPendingRunCancelsOutright(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addAgent(t, &v1.CreateAgentRequest{Name: "researcher", Type: v1.AgentTypeAutonomous})

	run, err := env.sessions.CreateRun(ctx, startRequest("researcher", "hi"))
	require.NoError(t, err)

	stopped, err := env.sessions.StopRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, v1.RunStatusStopped, stopped.Status)
	require.Contains(t, eventTypes(t, env.store, run.SessionID), events.RunStopped)

	session, err := env.sessions.GetSession(ctx, run.SessionID)
	require.NoError(t, err)
	require.Equal(t, v1.SessionStatusStopped, session.Status)
}

func TestStopRunningWaitsForAck(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addAgent(t, &v1.CreateAgentRequest{Name: "researcher", Type: v1.AgentTypeAutonomous})

	run, err := env.sessions.CreateRun(ctx, startRequest("researcher", "hi"))
	require.NoError(t, err)
	env.drive(t, run.ID)

	stopping, err := env.sessions.StopRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, v1.RunStatusStopping, stopping.Status)

	require.NoError(t, env.sessions.StoppedRun(ctx, run.ID, "lnch_test"))
	got, err := env.sessions.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, v1.RunStatusStopped, got.Status)
}

func TestStopFinishedRunRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addAgent(t, &v1.CreateAgentRequest{Name: "researcher", Type: v1.AgentTypeAutonomous})

	run, err := env.sessions.CreateRun(ctx, startRequest("researcher", "hi"))
	require.NoError(t, err)
	env.drive(t, run.ID)
	text := "done"
	require.NoError(t, env.sessions.CompleteRun(ctx, run.ID, "lnch_test", &v1.CompleteRunRequest{ResultText: &text}))

	_, err = env.sessions.StopRun(ctx, run.ID)
	require.Equal(t, apperr.CodeInvalidRequest, apperr.From(err).Code)
}

func TestFailRunsForRunner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addAgent(t, &v1.CreateAgentRequest{Name: "researcher", Type: v1.AgentTypeAutonomous})

	run, err := env.sessions.CreateRun(ctx, startRequest("researcher", "hi"))
	require.NoError(t, err)
	env.drive(t, run.ID)

	require.NoError(t, env.sessions.FailRunsForRunner(ctx, "lnch_test",
		"Runner disconnected during execution", apperr.CodeRunnerDisconnected))

	got, err := env.sessions.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, v1.RunStatusFailed, got.Status)
	require.Equal(t, "Runner disconnected during execution", got.Error)
	require.Equal(t, apperr.CodeRunnerDisconnected, got.ErrorCode)
	require.Contains(t, eventTypes(t, env.store, run.SessionID), events.RunFailed)

	failedEvent, err := env.store.LastEventOfTypeForRun(ctx, run.SessionID, run.ID, events.RunFailed)
	require.NoError(t, err)
	require.Equal(t, apperr.CodeRunnerDisconnected, failedEvent.Payload["error_code"])
}

func TestStartHookBlocksRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"action":       "block",
			"block_reason": "budget exhausted",
		})
	}))
	defer webhook.Close()

	env.addAgent(t, &v1.CreateAgentRequest{
		Name: "guarded",
		Type: v1.AgentTypeAutonomous,
		Hooks: &v1.Hooks{
			OnRunStart: &v1.HookSpec{Type: v1.HookTypeHTTP, URL: webhook.URL},
		},
	})

	_, err := env.sessions.CreateRun(ctx, startRequest("guarded", "hi"))
	appErr := apperr.From(err)
	require.Equal(t, apperr.CodeHookBlocked, appErr.Code)
	require.Equal(t, "budget exhausted", appErr.Details["block_reason"])

	// The rejection is auditable: a failed run exists, hook_blocked journaled.
	runID := appErr.Details["run_id"].(string)
	run, err := env.sessions.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, v1.RunStatusFailed, run.Status)
	require.Contains(t, eventTypes(t, env.store, run.SessionID), events.HookBlocked)
}

func TestStartHookTransformsParameters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var input hooks.StartInput
		_ = json.NewDecoder(r.Body).Decode(&input)
		prompt, _ := input.Parameters["prompt"].(string)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"action":     "continue",
			"parameters": map[string]any{"prompt": "[reviewed] " + prompt},
		})
	}))
	defer webhook.Close()

	env.addAgent(t, &v1.CreateAgentRequest{
		Name: "reviewed",
		Type: v1.AgentTypeAutonomous,
		Hooks: &v1.Hooks{
			OnRunStart: &v1.HookSpec{Type: v1.HookTypeHTTP, URL: webhook.URL},
		},
	})

	run, err := env.sessions.CreateRun(ctx, startRequest("reviewed", "deploy"))
	require.NoError(t, err)
	require.Equal(t, "[reviewed] deploy", run.Parameters["prompt"])
	require.Contains(t, eventTypes(t, env.store, run.SessionID), events.HookComplete)
}

func TestCallbackEnqueuedOnChildCompletion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addAgent(t, &v1.CreateAgentRequest{Name: "orchestrator", Type: v1.AgentTypeAutonomous})
	env.addAgent(t, &v1.CreateAgentRequest{Name: "worker", Type: v1.AgentTypeAutonomous})

	parent, err := env.sessions.CreateRun(ctx, startRequest("orchestrator", "coordinate"))
	require.NoError(t, err)
	env.drive(t, parent.ID)
	text := "delegated"
	require.NoError(t, env.sessions.CompleteRun(ctx, parent.ID, "lnch_test", &v1.CompleteRunRequest{ResultText: &text}))

	child, err := env.sessions.CreateRun(ctx, &v1.CreateRunRequest{
		Type:          v1.RunTypeStartSession,
		AgentName:     "worker",
		Parameters:    map[string]any{"prompt": "do the thing"},
		Context:       &v1.RunContext{ParentSessionID: parent.SessionID},
		ExecutionMode: v1.ExecutionModeAsyncCallback,
	})
	require.NoError(t, err)
	env.drive(t, child.ID)
	childText := "thing done"
	require.NoError(t, env.sessions.CompleteRun(ctx, child.ID, "lnch_test", &v1.CompleteRunRequest{ResultText: &childText}))

	// Callback enqueueing runs off the completion path.
	require.Eventually(t, func() bool {
		pending, err := env.store.ListPendingCallbacks(ctx)
		return err == nil && len(pending) == 1
	}, 2*time.Second, 10*time.Millisecond)

	pending, err := env.store.ListPendingCallbacks(ctx)
	require.NoError(t, err)
	cb := pending[0]
	require.Equal(t, parent.SessionID, cb.ParentSessionID)
	require.Equal(t, child.SessionID, cb.ChildSessionID)
	require.Equal(t, v1.RunStatusCompleted, cb.ChildStatus)
	require.Equal(t, "thing done", *cb.Result.ResultText)
}

func TestDetachedChildEnqueuesNoCallback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addAgent(t, &v1.CreateAgentRequest{Name: "worker", Type: v1.AgentTypeAutonomous})

	run, err := env.sessions.CreateRun(ctx, startRequest("worker", "solo"))
	require.NoError(t, err)
	env.drive(t, run.ID)
	text := "done"
	require.NoError(t, env.sessions.CompleteRun(ctx, run.ID, "lnch_test", &v1.CompleteRunRequest{ResultText: &text}))

	time.Sleep(50 * time.Millisecond)
	pending, err := env.store.ListPendingCallbacks(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

// driveHookAgent acts as a runner for the nested hook run: it waits for a
// pending run of the given agent, pushes it through the state machine, and
// completes it with the provided structured result.
func (e *testEnv) driveHookAgent(agentName string, result map[string]any) {
	ctx := context.Background()
	for i := 0; i < 400; i++ {
		time.Sleep(10 * time.Millisecond)
		pending, err := e.store.ListPendingRuns(ctx)
		if err != nil {
			return
		}
		for _, run := range pending {
			if run.AgentName != agentName {
				continue
			}
			if err := e.store.ClaimRun(ctx, run.ID, "lnch_hook", time.Now().UTC()); err != nil {
				continue
			}
			if err := e.sessions.MarkRunning(ctx, run.ID, "lnch_hook"); err != nil {
				return
			}
			_ = e.sessions.CompleteRun(ctx, run.ID, "lnch_hook", &v1.CompleteRunRequest{ResultData: result})
			return
		}
	}
}

func TestAgentHookBlocksRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addAgent(t, &v1.CreateAgentRequest{
		Name:             "validator",
		Type:             v1.AgentTypeProcedural,
		ParametersSchema: json.RawMessage(`{"type":"object"}`),
	})
	env.addAgent(t, &v1.CreateAgentRequest{
		Name: "deployer",
		Type: v1.AgentTypeAutonomous,
		Hooks: &v1.Hooks{
			OnRunStart: &v1.HookSpec{
				Type:      v1.HookTypeAgent,
				AgentName: "validator",
				OnError:   v1.HookOnErrorBlock,
			},
		},
	})

	go env.driveHookAgent("validator", map[string]any{
		"action":       "block",
		"block_reason": "disallowed url",
	})

	_, err := env.sessions.CreateRun(ctx, startRequest("deployer", "deploy https://evil.example"))
	appErr := apperr.From(err)
	require.Equal(t, apperr.CodeHookBlocked, appErr.Code)
	require.Equal(t, "disallowed url", appErr.Details["block_reason"])

	// The blocked run never reached the dispatch queue.
	runID := appErr.Details["run_id"].(string)
	run, err := env.sessions.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, v1.RunStatusFailed, run.Status)
	require.Contains(t, eventTypes(t, env.store, run.SessionID), events.HookBlocked)

	// The validator executed in its own detached session.
	pending, err := env.store.ListPendingRuns(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestCompleteUnclaimedRunRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addAgent(t, &v1.CreateAgentRequest{Name: "researcher", Type: v1.AgentTypeAutonomous})

	run, err := env.sessions.CreateRun(ctx, startRequest("researcher", "hi"))
	require.NoError(t, err)

	// Without a runner identity the ownership check cannot apply, but a run
	// nobody claimed still must not complete.
	text := "done"
	err = env.sessions.CompleteRun(ctx, run.ID, "", &v1.CompleteRunRequest{ResultText: &text})
	require.Equal(t, apperr.CodeInvalidRequest, apperr.From(err).Code)

	got, err := env.sessions.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, v1.RunStatusPending, got.Status)

	// Same for a claimed run the runner never reported running.
	require.NoError(t, env.store.ClaimRun(ctx, run.ID, "lnch_test", time.Now().UTC()))
	err = env.sessions.CompleteRun(ctx, run.ID, "lnch_test", &v1.CompleteRunRequest{ResultText: &text})
	require.Equal(t, apperr.CodeInvalidRequest, apperr.From(err).Code)
}

func TestResolvedBlueprintCarriesMCPServerConfigs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.blueprints.PutMCPServer("github",
		json.RawMessage(`{"command": "github-mcp"}`)))
	env.addAgent(t, &v1.CreateAgentRequest{
		Name:       "researcher",
		Type:       v1.AgentTypeAutonomous,
		MCPServers: []string{"github", "local-only"},
	})

	run, err := env.sessions.CreateRun(ctx, startRequest("researcher", "hi"))
	require.NoError(t, err)
	require.NotNil(t, run.ResolvedBlueprint)
	require.Equal(t, []string{"github", "local-only"}, run.ResolvedBlueprint.MCPServers)
	require.JSONEq(t, `{"command": "github-mcp"}`,
		string(run.ResolvedBlueprint.MCPServerConfigs["github"]))
	_, known := run.ResolvedBlueprint.MCPServerConfigs["local-only"]
	require.False(t, known)
}
