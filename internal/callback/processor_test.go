package callback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drover-ai/drover/internal/blueprint"
	"github.com/drover-ai/drover/internal/common/logger"
	"github.com/drover-ai/drover/internal/db"
	"github.com/drover-ai/drover/internal/eventlog"
	"github.com/drover-ai/drover/internal/events/bus"
	"github.com/drover-ai/drover/internal/hooks"
	"github.com/drover-ai/drover/internal/session"
	"github.com/drover-ai/drover/internal/store"
	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

type testEnv struct {
	store     *store.Store
	sessions  *session.Service
	processor *Processor
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
	sessions := session.New(st, el, eventBus, blueprints, engine, log)

	ctx := context.Background()
	for _, name := range []string{"orchestrator", "worker"} {
		_, err := blueprints.Create(ctx, &v1.CreateAgentRequest{Name: name, Type: v1.AgentTypeAutonomous})
		require.NoError(t, err)
	}

	return &testEnv{
		store:     st,
		sessions:  sessions,
		processor: New(st, sessions, eventBus, time.Hour, log),
	}
}

// runToCompletion creates, claims and completes a run in one step.
func (e *testEnv) runToCompletion(t *testing.T, req *v1.CreateRunRequest, resultText string) *v1.Run {
	t.Helper()
	ctx := context.Background()
	run, err := e.sessions.CreateRun(ctx, req)
	require.NoError(t, err)
	require.NoError(t, e.store.ClaimRun(ctx, run.ID, "lnch_test", time.Now().UTC()))
	require.NoError(t, e.sessions.MarkRunning(ctx, run.ID, "lnch_test"))
	require.NoError(t, e.sessions.CompleteRun(ctx, run.ID, "lnch_test", &v1.CompleteRunRequest{ResultText: &resultText}))
	return run
}

// spawnChild completes a parent run, then runs an async_callback child to its
// terminal state and waits for the callback record.
func (e *testEnv) spawnChild(t *testing.T, fail bool) (parent, child *v1.Run) {
	t.Helper()
	ctx := context.Background()

	parent = e.runToCompletion(t, &v1.CreateRunRequest{
		Type:       v1.RunTypeStartSession,
		AgentName:  "orchestrator",
		Parameters: map[string]any{"prompt": "coordinate"},
	}, "delegated")

	child, err := e.sessions.CreateRun(ctx, &v1.CreateRunRequest{
		Type:          v1.RunTypeStartSession,
		AgentName:     "worker",
		Parameters:    map[string]any{"prompt": "do the thing"},
		Context:       &v1.RunContext{ParentSessionID: parent.SessionID},
		ExecutionMode: v1.ExecutionModeAsyncCallback,
	})
	require.NoError(t, err)
	require.NoError(t, e.store.ClaimRun(ctx, child.ID, "lnch_test", time.Now().UTC()))
	require.NoError(t, e.sessions.MarkRunning(ctx, child.ID, "lnch_test"))
	if fail {
		require.NoError(t, e.sessions.FailRun(ctx, child.ID, "worker crashed", ""))
	} else {
		text := "thing done"
		require.NoError(t, e.sessions.CompleteRun(ctx, child.ID, "lnch_test", &v1.CompleteRunRequest{ResultText: &text}))
	}

	require.Eventually(t, func() bool {
		pending, err := e.store.ListPendingCallbacks(ctx)
		return err == nil && len(pending) == 1
	}, 2*time.Second, 10*time.Millisecond)
	return parent, child
}

func TestDrainResumesParentExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	parent, child := env.spawnChild(t, false)

	env.processor.Drain(ctx)

	runs, err := env.store.ListRunsBySession(ctx, parent.SessionID)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	resume := runs[1]
	require.Equal(t, v1.RunTypeResumeSession, resume.Type)
	prompt := resume.Parameters["prompt"].(string)
	require.Contains(t, prompt, child.SessionID)
	require.Contains(t, prompt, "thing done")

	pending, err := env.store.ListPendingCallbacks(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	// A second drain must not synthesize another resume run.
	env.processor.Drain(ctx)
	runs, err = env.store.ListRunsBySession(ctx, parent.SessionID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
}

func TestDrainUsesFailureTemplate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	parent, child := env.spawnChild(t, true)

	env.processor.Drain(ctx)

	runs, err := env.store.ListRunsBySession(ctx, parent.SessionID)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	prompt := runs[1].Parameters["prompt"].(string)
	require.Contains(t, prompt, child.SessionID)
	require.Contains(t, prompt, "did not complete")
	require.Contains(t, prompt, "worker crashed")
}

func TestBusyParentRequeuesCallback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	parent, _ := env.spawnChild(t, false)

	// Occupy the parent before the processor gets to the callback.
	blocker, err := env.sessions.CreateRun(ctx, &v1.CreateRunRequest{
		Type:       v1.RunTypeResumeSession,
		SessionID:  parent.SessionID,
		Parameters: map[string]any{"prompt": "manual follow-up"},
	})
	require.NoError(t, err)

	env.processor.Drain(ctx)

	// No resume run was synthesized; the record went back to pending.
	runs, err := env.store.ListRunsBySession(ctx, parent.SessionID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	pending, err := env.store.ListPendingCallbacks(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Once the parent is idle again the retry delivers.
	require.NoError(t, env.store.ClaimRun(ctx, blocker.ID, "lnch_test", time.Now().UTC()))
	require.NoError(t, env.sessions.MarkRunning(ctx, blocker.ID, "lnch_test"))
	text := "handled"
	require.NoError(t, env.sessions.CompleteRun(ctx, blocker.ID, "lnch_test", &v1.CompleteRunRequest{ResultText: &text}))

	env.processor.Drain(ctx)
	runs, err = env.store.ListRunsBySession(ctx, parent.SessionID)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	require.Equal(t, v1.RunTypeResumeSession, runs[2].Type)
}

func TestScopeInheritedFromParent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	parent := env.runToCompletion(t, &v1.CreateRunRequest{
		Type:       v1.RunTypeStartSession,
		AgentName:  "orchestrator",
		Parameters: map[string]any{"prompt": "coordinate"},
		Scope:      map[string]string{"workspace": "acme"},
	}, "delegated")

	child, err := env.sessions.CreateRun(ctx, &v1.CreateRunRequest{
		Type:          v1.RunTypeStartSession,
		AgentName:     "worker",
		Parameters:    map[string]any{"prompt": "go"},
		Context:       &v1.RunContext{ParentSessionID: parent.SessionID},
		ExecutionMode: v1.ExecutionModeAsyncCallback,
	})
	require.NoError(t, err)
	require.NoError(t, env.store.ClaimRun(ctx, child.ID, "lnch_test", time.Now().UTC()))
	require.NoError(t, env.sessions.MarkRunning(ctx, child.ID, "lnch_test"))
	text := "done"
	require.NoError(t, env.sessions.CompleteRun(ctx, child.ID, "lnch_test", &v1.CompleteRunRequest{ResultText: &text}))

	require.Eventually(t, func() bool {
		pending, err := env.store.ListPendingCallbacks(ctx)
		return err == nil && len(pending) == 1
	}, 2*time.Second, 10*time.Millisecond)

	env.processor.Drain(ctx)
	runs, err := env.store.ListRunsBySession(ctx, parent.SessionID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "acme", runs[1].Scope["workspace"])
}
