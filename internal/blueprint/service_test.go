package blueprint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drover-ai/drover/internal/common/apperr"
	"github.com/drover-ai/drover/internal/common/logger"
	"github.com/drover-ai/drover/internal/db"
	"github.com/drover-ai/drover/internal/store"
	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	pool, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	st, err := store.New(pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return NewService(st, t.TempDir(), log)
}

func createRequest(name string) *v1.CreateAgentRequest {
	return &v1.CreateAgentRequest{
		Name:         name,
		Type:         v1.AgentTypeAutonomous,
		Description:  "test agent",
		SystemPrompt: "You are " + name,
	}
}

func TestCreateGetDelete(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, createRequest("researcher"))
	require.NoError(t, err)
	require.False(t, created.CreatedAt.IsZero())

	got, err := svc.Get(ctx, "researcher")
	require.NoError(t, err)
	require.Equal(t, "You are researcher", got.SystemPrompt)

	list, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, svc.Delete(ctx, "researcher"))
	_, err = svc.Get(ctx, "researcher")
	require.Equal(t, apperr.CodeAgentNotFound, apperr.From(err).Code)
}

func TestCreateRejectsNameCollision(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, createRequest("researcher"))
	require.NoError(t, err)

	_, err = svc.Create(ctx, createRequest("researcher"))
	require.Equal(t, apperr.CodeAgentNameCollision, apperr.From(err).Code)
}

func TestCreateRejectsBadSchema(t *testing.T) {
	svc := newTestService(t)
	req := createRequest("broken")
	req.ParametersSchema = json.RawMessage(`{"type": 12}`)

	_, err := svc.Create(context.Background(), req)
	require.Equal(t, apperr.CodeInvalidRequest, apperr.From(err).Code)
}

func TestHookTargetingItselfRejected(t *testing.T) {
	svc := newTestService(t)
	req := createRequest("guard")
	req.Hooks = &v1.Hooks{
		OnRunStart: &v1.HookSpec{Type: v1.HookTypeAgent, AgentName: "guard"},
	}
	_, err := svc.Create(context.Background(), req)
	require.Error(t, err)
	require.Contains(t, err.Error(), "targets itself")
}

func TestHookOnHookedAgentRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	inner := createRequest("inner-guard")
	_, err := svc.Create(ctx, inner)
	require.NoError(t, err)

	outer := createRequest("guarded")
	outer.Hooks = &v1.Hooks{
		OnRunStart: &v1.HookSpec{Type: v1.HookTypeAgent, AgentName: "inner-guard"},
	}
	_, err = svc.Create(ctx, outer)
	require.NoError(t, err)

	// An agent whose hook target itself declares hooks must be refused.
	nested := createRequest("nested")
	nested.Hooks = &v1.Hooks{
		OnRunFinish: &v1.HookSpec{Type: v1.HookTypeAgent, AgentName: "guarded"},
	}
	_, err = svc.Create(ctx, nested)
	require.Error(t, err)
	require.Contains(t, err.Error(), "do not recurse")
}

func TestHookTargetRegisteredLaterCannotDeclareHooks(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// The target does not exist yet, so the forward check has nothing to
	// inspect and the hook is accepted.
	deployer := createRequest("deployer")
	deployer.Hooks = &v1.Hooks{
		OnRunStart: &v1.HookSpec{Type: v1.HookTypeAgent, AgentName: "validator"},
	}
	_, err := svc.Create(ctx, deployer)
	require.NoError(t, err)

	// Registering the target with hooks of its own would let hooks run on
	// a hook-invoked agent; the reverse check refuses it.
	validator := createRequest("validator")
	validator.Hooks = &v1.Hooks{
		OnRunStart: &v1.HookSpec{Type: v1.HookTypeHTTP, URL: "http://hooks.internal/check"},
	}
	_, err = svc.Create(ctx, validator)
	require.Error(t, err)
	require.Contains(t, err.Error(), "do not recurse")

	// Without hooks the target registers fine, but cannot gain hooks later.
	created, err := svc.Create(ctx, createRequest("validator"))
	require.NoError(t, err)
	require.Nil(t, created.Hooks)

	update := createRequest("validator")
	update.Hooks = &v1.Hooks{
		OnRunFinish: &v1.HookSpec{Type: v1.HookTypeHTTP, URL: "http://hooks.internal/audit"},
	}
	_, err = svc.Update(ctx, "validator", update)
	require.Error(t, err)
	require.Contains(t, err.Error(), "do not recurse")
}

func TestHTTPHookRequiresURL(t *testing.T) {
	svc := newTestService(t)
	req := createRequest("webhooked")
	req.Hooks = &v1.Hooks{
		OnRunFinish: &v1.HookSpec{Type: v1.HookTypeHTTP},
	}
	_, err := svc.Create(context.Background(), req)
	require.Error(t, err)
}

func TestUpdatePreservesCreatedAt(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, createRequest("researcher"))
	require.NoError(t, err)

	req := createRequest("researcher")
	req.Description = "updated"
	updated, err := svc.Update(ctx, "researcher", req)
	require.NoError(t, err)
	require.Equal(t, created.CreatedAt, updated.CreatedAt)
	require.Equal(t, "updated", updated.Description)
}

func TestDefinitionsSurviveReload(t *testing.T) {
	pool, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	st, err := store.New(pool)
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	dataDir := t.TempDir()
	ctx := context.Background()

	svc := NewService(st, dataDir, log)
	_, err = svc.Create(ctx, createRequest("survivor"))
	require.NoError(t, err)
	require.NoError(t, st.DeleteAgent(ctx, "survivor"))

	// A fresh service over the same data directory re-imports the file.
	svc2 := NewService(st, dataDir, log)
	require.NoError(t, svc2.Load(ctx))

	got, err := svc2.Get(ctx, "survivor")
	require.NoError(t, err)
	require.Equal(t, "You are survivor", got.SystemPrompt)
}

func TestMCPServerDefinitionsMaterialise(t *testing.T) {
	pool, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	st, err := store.New(pool)
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	dataDir := t.TempDir()
	ctx := context.Background()

	// A hand-dropped definition under config/mcp-servers is picked up at
	// startup.
	githubDir := filepath.Join(dataDir, "config", "mcp-servers", "github")
	require.NoError(t, os.MkdirAll(githubDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(githubDir, "mcp-server.json"),
		[]byte(`{"command": "github-mcp", "args": ["--stdio"]}`), 0o644))

	svc := NewService(st, dataDir, log)
	require.NoError(t, svc.Load(ctx))
	require.Equal(t, []string{"github"}, svc.ListMCPServers())

	configs := svc.MCPServerConfigs([]string{"github", "unknown"})
	require.Len(t, configs, 1)
	require.JSONEq(t, `{"command": "github-mcp", "args": ["--stdio"]}`, string(configs["github"]))

	// Definitions written through the service survive a restart.
	require.NoError(t, svc.PutMCPServer("search", json.RawMessage(`{"url": "http://search.internal"}`)))
	require.Error(t, svc.PutMCPServer("broken", json.RawMessage(`{"url":`)))

	svc2 := NewService(st, dataDir, log)
	require.NoError(t, svc2.Load(ctx))
	require.Equal(t, []string{"github", "search"}, svc2.ListMCPServers())
}
