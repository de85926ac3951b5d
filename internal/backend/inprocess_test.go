package backend

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiln/internal/execution"
	"kiln/internal/handler"
	"kiln/internal/pluginctx"
	"kiln/internal/workspace"
)

func testRegistry() *handler.Registry {
	r := handler.NewRegistry()
	r.Register("echo#run", func(c *pluginctx.Context, input json.RawMessage) (any, error) {
		return input, nil
	})
	r.Register("sleep#run", func(c *pluginctx.Context, input json.RawMessage) (any, error) {
		select {
		case <-time.After(500 * time.Millisecond):
			return "woke", nil
		case <-c.Done():
			return nil, c.Ctx().Err()
		}
	})
	r.Register("fail#run", func(c *pluginctx.Context, input json.RawMessage) (any, error) {
		return nil, errors.New("report generation failed")
	})
	r.Register("panic#run", func(c *pluginctx.Context, input json.RawMessage) (any, error) {
		panic("boom")
	})
	r.Register("badout#run", func(c *pluginctx.Context, input json.RawMessage) (any, error) {
		return make(chan int), nil
	})
	r.Register("readsecret#run", func(c *pluginctx.Context, input json.RawMessage) (any, error) {
		_, err := c.FS().ReadFile(".env")
		return nil, err
	})
	return r
}

func newInProcess(t *testing.T) *InProcess {
	t.Helper()
	ws, err := workspace.NewFSManager(t.TempDir())
	require.NoError(t, err)
	return NewInProcess(testRegistry(), &pluginctx.Factory{}, ws)
}

func request(ref string, timeoutMs int64) *execution.Request {
	return &execution.Request{
		ExecutionID: "exec-" + ref,
		Descriptor: execution.PluginDescriptor{
			PluginID: "reporter",
			TenantID: "acme",
			Host:     execution.HostCLI,
		},
		HandlerRef: ref,
		Workspace:  execution.Workspace{Type: execution.WorkspaceEphemeral},
		TimeoutMs:  timeoutMs,
	}
}

func TestInProcessSuccess(t *testing.T) {
	b := newInProcess(t)
	req := request("echo#run", 0)
	req.Input = json.RawMessage(`{"n":1}`)

	res := b.Execute(context.Background(), req)
	require.True(t, res.OK, "%+v", res.Err)
	assert.JSONEq(t, `{"n":1}`, string(res.Data))
	assert.Equal(t, NameInProcess, res.Backend)
	assert.GreaterOrEqual(t, res.ExecutionTimeMs, int64(0))
}

func TestInProcessErrorCodes(t *testing.T) {
	b := newInProcess(t)
	cases := []struct {
		name string
		req  *execution.Request
		code execution.Code
	}{
		{"handler error", request("fail#run", 0), execution.CodeHandlerError},
		{"panic", request("panic#run", 0), execution.CodeHandlerError},
		{"unserializable output", request("badout#run", 0), execution.CodeHandlerContractError},
		{"not registered", request("missing#run", 0), execution.CodeHandlerNotFound},
		{"denied path read", request("readsecret#run", 0), execution.CodePermissionDenied},
		{"invalid request", &execution.Request{}, execution.CodeValidationError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := b.Execute(context.Background(), tc.req)
			require.False(t, res.OK)
			require.NotNil(t, res.Err)
			assert.Equal(t, tc.code, res.Err.Code)
		})
	}
}

func TestInProcessPanicCarriesStack(t *testing.T) {
	b := newInProcess(t)
	res := b.Execute(context.Background(), request("panic#run", 0))
	require.NotNil(t, res.Err)
	assert.Contains(t, res.Err.Message, "boom")
	assert.NotEmpty(t, res.Err.Stack)
}

func TestInProcessTimeout(t *testing.T) {
	b := newInProcess(t)
	start := time.Now()
	res := b.Execute(context.Background(), request("sleep#run", 50))
	elapsed := time.Since(start)

	require.NotNil(t, res.Err)
	assert.Equal(t, execution.CodeTimeout, res.Err.Code)
	// The caller gets the result at the deadline, not when the handler
	// finishes sleeping.
	assert.Less(t, elapsed, 400*time.Millisecond)
	assert.Less(t, res.ExecutionTimeMs, int64(400))
	assert.GreaterOrEqual(t, res.ExecutionTimeMs, int64(50))
}

func TestInProcessAbort(t *testing.T) {
	b := newInProcess(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	res := b.Execute(ctx, request("sleep#run", 0))
	require.NotNil(t, res.Err)
	assert.Equal(t, execution.CodeAborted, res.Err.Code)
}

func TestInProcessWorkspaceError(t *testing.T) {
	b := newInProcess(t)
	req := request("echo#run", 0)
	req.Workspace = execution.Workspace{Type: execution.WorkspaceLocal, Cwd: "/does/not/exist"}
	res := b.Execute(context.Background(), req)
	require.NotNil(t, res.Err)
	assert.Equal(t, execution.CodeWorkspaceError, res.Err.Code)
}

func TestInProcessShutdown(t *testing.T) {
	b := newInProcess(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))
	require.NoError(t, b.Shutdown(ctx))

	res := b.Execute(context.Background(), request("echo#run", 0))
	require.NotNil(t, res.Err)
	assert.Equal(t, execution.CodeAborted, res.Err.Code)
	assert.Error(t, b.Health(context.Background()))
}

func TestInProcessStats(t *testing.T) {
	b := newInProcess(t)
	b.Execute(context.Background(), request("echo#run", 0))
	b.Execute(context.Background(), request("fail#run", 0))

	s := b.Stats()
	assert.Equal(t, NameInProcess, s.Backend)
	assert.Equal(t, int64(1), s.Completed)
	assert.Equal(t, int64(1), s.Failed)
	assert.Zero(t, s.InFlight)
}

func TestFactorySelection(t *testing.T) {
	ws, err := workspace.NewFSManager(t.TempDir())
	require.NoError(t, err)

	b, err := New(FactoryOptions{
		Backend:        NameInProcess,
		Registry:       testRegistry(),
		ContextFactory: &pluginctx.Factory{},
		Workspaces:     ws,
	})
	require.NoError(t, err)
	assert.IsType(t, &InProcess{}, b)

	_, err = New(FactoryOptions{Backend: "fpga", Workspaces: ws})
	require.Error(t, err)

	_, err = New(FactoryOptions{Backend: NameSubprocess, Workspaces: ws})
	require.Error(t, err, "subprocess without a worker binary")
}
