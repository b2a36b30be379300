package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/drover-ai/drover/internal/common/apperr"
	"github.com/drover-ai/drover/internal/common/ids"
	"github.com/drover-ai/drover/internal/common/logger"
	"github.com/drover-ai/drover/internal/db"
	"github.com/drover-ai/drover/internal/events/bus"
	"github.com/drover-ai/drover/internal/store"
	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

type testEnv struct {
	store      *store.Store
	bus        bus.EventBus
	dispatcher *Dispatcher
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
	d := New(st, eventBus, 50*time.Millisecond, log)
	require.NoError(t, d.Start())
	t.Cleanup(d.Stop)
	return &testEnv{store: st, bus: eventBus, dispatcher: d}
}

func (e *testEnv) addRunner(t *testing.T, runner *v1.Runner) *v1.Runner {
	t.Helper()
	if runner.ID == "" {
		runner.ID = ids.NewRunner()
	}
	if runner.Status == "" {
		runner.Status = v1.RunnerStatusActive
	}
	now := time.Now().UTC()
	runner.LastHeartbeat = now
	runner.RegisteredAt = now
	err := e.store.InTx(context.Background(), func(tx *sqlx.Tx) error {
		return e.store.TxUpsertRunner(context.Background(), tx, runner)
	})
	require.NoError(t, err)
	return runner
}

func (e *testEnv) addAgent(t *testing.T, agent *v1.Agent) *v1.Agent {
	t.Helper()
	if agent.Type == "" {
		agent.Type = v1.AgentTypeAutonomous
	}
	require.NoError(t, e.store.CreateAgent(context.Background(), agent))
	return agent
}

func (e *testEnv) addRun(t *testing.T, agentName string, session *v1.Session) *v1.Run {
	t.Helper()
	ctx := context.Background()
	if session == nil {
		session = &v1.Session{AgentName: agentName}
	}
	if session.ID == "" {
		session.ID = ids.NewSession()
	}
	if session.Status == "" {
		session.Status = v1.SessionStatusPending
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	require.NoError(t, e.store.CreateSession(ctx, session))

	run := &v1.Run{
		ID:        ids.NewRun(),
		SessionID: session.ID,
		Type:      v1.RunTypeStartSession,
		AgentName: agentName,
		Status:    v1.RunStatusPending,
		CreatedAt: time.Now().UTC(),
		ResolvedBlueprint: &v1.ResolvedBlueprint{
			AgentName: agentName,
			Type:      v1.AgentTypeAutonomous,
		},
	}
	require.NoError(t, e.store.InTx(ctx, func(tx *sqlx.Tx) error {
		return e.store.TxCreateRun(ctx, tx, run)
	}))
	return run
}

func TestClaimFIFO(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addAgent(t, &v1.Agent{Name: "researcher"})
	runner := env.addRunner(t, &v1.Runner{Hostname: "host-a"})
	first := env.addRun(t, "researcher", nil)
	second := env.addRun(t, "researcher", nil)

	claimed, err := env.dispatcher.Claim(ctx, runner.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, claimed.Run.ID)
	require.Equal(t, v1.RunStatusClaimed, claimed.Run.Status)
	require.NotNil(t, claimed.Blueprint)
	require.Equal(t, "researcher", claimed.Blueprint.AgentName)

	claimed, err = env.dispatcher.Claim(ctx, runner.ID)
	require.NoError(t, err)
	require.Equal(t, second.ID, claimed.Run.ID)
}

func TestClaimUnknownRunner(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.dispatcher.Claim(context.Background(), "lnch_missing")
	require.Equal(t, apperr.CodeRunnerNotFound, apperr.From(err).Code)
}

func TestClaimRemovedRunnerRejected(t *testing.T) {
	env := newTestEnv(t)
	runner := env.addRunner(t, &v1.Runner{Hostname: "host-a", Status: v1.RunnerStatusRemoved})

	_, err := env.dispatcher.Claim(context.Background(), runner.ID)
	require.Equal(t, apperr.CodeRunnerNotFound, apperr.From(err).Code)
}

func TestClaimCountsAsHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	runner := env.addRunner(t, &v1.Runner{Hostname: "host-a"})
	stale := time.Now().UTC().Add(-5 * time.Minute)
	require.NoError(t, env.store.UpdateRunnerHeartbeat(ctx, runner.ID, stale))

	_, err := env.dispatcher.Claim(ctx, runner.ID)
	require.NoError(t, err)

	got, err := env.store.GetRunner(ctx, runner.ID)
	require.NoError(t, err)
	require.True(t, got.LastHeartbeat.After(stale))
}

func TestRunnerDeclaredAgentOnlyDispatchesToOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	owner := env.addRunner(t, &v1.Runner{Hostname: "host-a"})
	other := env.addRunner(t, &v1.Runner{Hostname: "host-b"})
	env.addAgent(t, &v1.Agent{Name: "local-tool", RunnerID: owner.ID})
	run := env.addRun(t, "local-tool", nil)

	claimed, err := env.dispatcher.Claim(ctx, other.ID)
	require.NoError(t, err)
	require.Nil(t, claimed)

	claimed, err = env.dispatcher.Claim(ctx, owner.ID)
	require.NoError(t, err)
	require.Equal(t, run.ID, claimed.Run.ID)
}

func TestDemandsFilterRunners(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addAgent(t, &v1.Agent{
		Name:    "gpu-job",
		Demands: &v1.Demands{Tags: []string{"gpu"}, ExecutorProfile: "heavy"},
	})
	wrongProfile := env.addRunner(t, &v1.Runner{Hostname: "a", Tags: []string{"gpu"}, ExecutorProfile: "light"})
	missingTag := env.addRunner(t, &v1.Runner{Hostname: "b", ExecutorProfile: "heavy"})
	eligible := env.addRunner(t, &v1.Runner{Hostname: "c", Tags: []string{"gpu", "linux"}, ExecutorProfile: "heavy"})
	run := env.addRun(t, "gpu-job", nil)

	for _, runner := range []*v1.Runner{wrongProfile, missingTag} {
		claimed, err := env.dispatcher.Claim(ctx, runner.ID)
		require.NoError(t, err)
		require.Nil(t, claimed)
	}

	claimed, err := env.dispatcher.Claim(ctx, eligible.ID)
	require.NoError(t, err)
	require.Equal(t, run.ID, claimed.Run.ID)
}

func TestSessionHintsNarrowDemands(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addAgent(t, &v1.Agent{Name: "deployer"})
	hereRunner := env.addRunner(t, &v1.Runner{Hostname: "host-a"})
	elsewhereRunner := env.addRunner(t, &v1.Runner{Hostname: "host-b"})
	run := env.addRun(t, "deployer", &v1.Session{AgentName: "deployer", Hostname: "host-a"})

	claimed, err := env.dispatcher.Claim(ctx, elsewhereRunner.ID)
	require.NoError(t, err)
	require.Nil(t, claimed)

	claimed, err = env.dispatcher.Claim(ctx, hereRunner.ID)
	require.NoError(t, err)
	require.Equal(t, run.ID, claimed.Run.ID)
}

func TestRequireMatchingTags(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addAgent(t, &v1.Agent{Name: "untagged-job"})
	picky := env.addRunner(t, &v1.Runner{Hostname: "host-a", Tags: []string{"team-x"}, RequireMatchingTags: true})
	env.addRun(t, "untagged-job", nil)

	// A runner requiring tag overlap never claims a run without shared tags.
	claimed, err := env.dispatcher.Claim(ctx, picky.ID)
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestLongPollWakesOnNotify(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addAgent(t, &v1.Agent{Name: "researcher"})
	runner := env.addRunner(t, &v1.Runner{Hostname: "host-a"})

	type claimResult struct {
		claimed *v1.ClaimedRun
		err     error
	}
	done := make(chan claimResult, 1)
	go func() {
		claimed, err := env.dispatcher.Claim(ctx, runner.ID)
		done <- claimResult{claimed, err}
	}()

	// Give the poller time to block, then enqueue work and wake it.
	time.Sleep(10 * time.Millisecond)
	run := env.addRun(t, "researcher", nil)
	env.dispatcher.Notify()

	result := <-done
	require.NoError(t, result.err)
	require.NotNil(t, result.claimed)
	require.Equal(t, run.ID, result.claimed.Run.ID)
}

func TestLongPollExpiresEmpty(t *testing.T) {
	env := newTestEnv(t)
	runner := env.addRunner(t, &v1.Runner{Hostname: "host-a"})

	start := time.Now()
	claimed, err := env.dispatcher.Claim(context.Background(), runner.ID)
	require.NoError(t, err)
	require.Nil(t, claimed)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

type lifecycleRecorder struct {
	failed  []string
	stopped []string
}

func (l *lifecycleRecorder) FailRun(ctx context.Context, runID, reason, errorCode string) error {
	l.failed = append(l.failed, runID+"|"+reason+"|"+errorCode)
	return nil
}

func (l *lifecycleRecorder) ForceStopRun(ctx context.Context, runID string) error {
	l.stopped = append(l.stopped, runID)
	return nil
}

func TestSweeperReclaimsExpiredLease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addAgent(t, &v1.Agent{Name: "researcher"})
	runner := env.addRunner(t, &v1.Runner{Hostname: "host-a"})
	run := env.addRun(t, "researcher", nil)
	require.NoError(t, env.store.ClaimRun(ctx, run.ID, runner.ID, time.Now().UTC().Add(-time.Minute)))

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	recorder := &lifecycleRecorder{}
	sweeper := NewSweeper(env.store, env.dispatcher, recorder,
		time.Hour, 30*time.Second, time.Hour, time.Hour, log)
	sweeper.Sweep(ctx)

	got, err := env.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, v1.RunStatusPending, got.Status)
	require.Empty(t, got.RunnerID)
	require.Empty(t, recorder.failed)
}

func TestSweeperTimesOutUnmatchedRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addAgent(t, &v1.Agent{Name: "researcher"})
	run := env.addRun(t, "researcher", nil)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	recorder := &lifecycleRecorder{}
	sweeper := NewSweeper(env.store, env.dispatcher, recorder,
		time.Hour, time.Hour, time.Nanosecond, time.Hour, log)
	time.Sleep(time.Millisecond)
	sweeper.Sweep(ctx)

	require.Equal(t, []string{run.ID + "|" + TimeoutReason + "|" + apperr.CodeNoRunnerAvailable}, recorder.failed)
}

func TestSweeperForceStopsUnackedStop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addAgent(t, &v1.Agent{Name: "researcher"})
	runner := env.addRunner(t, &v1.Runner{Hostname: "host-a"})
	run := env.addRun(t, "researcher", nil)
	require.NoError(t, env.store.ClaimRun(ctx, run.ID, runner.ID, time.Now().UTC()))
	require.NoError(t, env.store.MarkRunStopping(ctx, run.ID, time.Now().UTC().Add(-time.Minute)))

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	recorder := &lifecycleRecorder{}
	sweeper := NewSweeper(env.store, env.dispatcher, recorder,
		time.Hour, time.Hour, time.Hour, 30*time.Second, log)
	sweeper.Sweep(ctx)

	require.Equal(t, []string{run.ID}, recorder.stopped)
}
