package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duckplug/internal/backend"
	"duckplug/internal/core"
	"duckplug/internal/models"
)

var errEngine = errors.New("engine exploded")

type failingBackend struct{ backend.Desktop }

func (f *failingBackend) Execute(ctx context.Context, req models.ExecuteRequest) (models.ExecuteResponse, error) {
	return models.ExecuteResponse{}, backend.NewError("execute", req.Query, errEngine)
}

func init() {
	backend.Register("test-failing", func(ctx context.Context, opts backend.Options) (backend.Backend, error) {
		return &failingBackend{}, nil
	})
}

func newPlugin(t *testing.T, name string) *Plugin {
	t.Helper()
	p := New(Config{Backend: name}, nil)
	require.NoError(t, p.Init(context.Background()))
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func encode(t *testing.T, resp core.Response) string {
	t.Helper()
	buf, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	return string(buf)
}

func TestInvokePlaceholderCommands(t *testing.T) {
	tests := []struct {
		name    string
		cmd     string
		payload string
		want    string
	}{
		{name: "ping value", cmd: CmdPing, payload: `{"value":"v"}`, want: `{"value":"v"}`},
		{name: "ping absent", cmd: CmdPing, payload: `{}`, want: `{}`},
		{name: "ping wrapped", cmd: CmdPing, payload: `{"payload":{"value":"w"}}`, want: `{"value":"w"}`},
		{
			name:    "execute",
			cmd:     CmdExecute,
			payload: `{"query":"anything"}`,
			want:    `{"success":true,"message":"Executed query: anything","rowsAffected":0}`,
		},
		{
			name:    "query",
			cmd:     CmdQuery,
			payload: `{"query":"SELECT 1"}`,
			want:    `{"success":true,"data":[],"message":"Queried: SELECT 1"}`,
		},
	}

	p := newPlugin(t, backend.PlatformDesktop)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := p.Invoke(context.Background(), tt.cmd, []byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, core.StatusOK, resp.Status)
			assert.JSONEq(t, tt.want, encode(t, resp))
		})
	}
}

func TestInvokeDeserializationFailure(t *testing.T) {
	p := newPlugin(t, backend.PlatformDesktop)
	for _, cmd := range []string{CmdExecute, CmdQuery} {
		resp, err := p.Invoke(context.Background(), cmd, []byte(`{}`))
		require.Error(t, err, cmd)
		assert.ErrorIs(t, err, models.ErrDeserialization)
		assert.Equal(t, core.StatusError, resp.Status)
		assert.Equal(t, CodeDeserialization, resp.ErrorCode)
		assert.Contains(t, resp.Message, "query")
		assert.Nil(t, resp.Data)
	}
}

func TestInvokeBackendErrorPropagatesUnchanged(t *testing.T) {
	p := newPlugin(t, "test-failing")
	resp, err := p.Invoke(context.Background(), CmdExecute, []byte(`{"query":"DROP x"}`))
	require.Error(t, err)

	var be *backend.BackendError
	require.ErrorAs(t, err, &be)
	assert.ErrorIs(t, err, errEngine)
	assert.Equal(t, CodeBackend, resp.ErrorCode)
	assert.Equal(t, CodeBackend, ErrorCode(err))
}

func TestInvokeUnknownCommand(t *testing.T) {
	p := newPlugin(t, backend.PlatformDesktop)
	resp, err := p.Invoke(context.Background(), "vacuum", nil)
	assert.ErrorIs(t, err, ErrUnknownCommand)
	assert.Equal(t, CodeUnknownCommand, resp.ErrorCode)
}

func TestInvokeBeforeInit(t *testing.T) {
	p := New(Config{}, nil)
	resp, err := p.Invoke(context.Background(), CmdPing, nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, CodeNotInitialized, resp.ErrorCode)

	_, err = p.Query(context.Background(), models.QueryRequest{Query: "x"})
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestInitCreatesExactlyOneBackend(t *testing.T) {
	p := newPlugin(t, backend.PlatformMobile)
	first := p.Backend()
	require.NotNil(t, first)

	assert.ErrorIs(t, p.Init(context.Background()), ErrAlreadyInitialized)
	assert.Same(t, first, p.Backend())
}

func TestInitUnknownBackend(t *testing.T) {
	p := New(Config{Backend: "oracle"}, nil)
	err := p.Init(context.Background())
	var unknown *backend.UnknownBackendError
	require.ErrorAs(t, err, &unknown)
	assert.Nil(t, p.Backend())
}

func TestTypedHelpers(t *testing.T) {
	p := newPlugin(t, backend.PlatformDesktop)
	ctx := context.Background()

	ping, err := p.Ping(ctx, models.PingRequest{Value: models.String("x")})
	require.NoError(t, err)
	assert.Equal(t, "x", *ping.Value)

	exec, err := p.Execute(ctx, models.ExecuteRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "Executed query: q", exec.Message)
}

func TestRegisteredThroughHostRegistry(t *testing.T) {
	ctx := context.Background()
	r := core.NewRegistry()
	require.NoError(t, r.Register(ctx, New(Config{Backend: backend.PlatformDesktop}, nil)))
	t.Cleanup(func() { _ = r.Close() })

	cmds, err := r.Commands(Name)
	require.NoError(t, err)
	assert.Equal(t, []string{CmdPing, CmdExecute, CmdQuery}, cmds)

	resp, err := r.Invoke(ctx, Name, CmdQuery, []byte(`{"query":"SELECT 1"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"data":[],"message":"Queried: SELECT 1"}`, encode(t, resp))
}

func TestConcurrentInvocations(t *testing.T) {
	p := newPlugin(t, backend.PlatformMobile)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Invoke(ctx, CmdExecute, []byte(`{"query":"INSERT INTO u VALUES (1, 'a', 'b')"}`))
			assert.NoError(t, err)
			_, err = p.Invoke(ctx, CmdQuery, []byte(`{"query":"SELECT * FROM u"}`))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	resp, err := p.Query(ctx, models.QueryRequest{Query: "SELECT * FROM u"})
	require.NoError(t, err)
	assert.Len(t, resp.Data, 32)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "", ErrorCode(nil))
	assert.Equal(t, CodeDeserialization, ErrorCode(&models.DeserializationError{Op: "query", Err: errors.New("x")}))
	assert.Equal(t, CodeUnknownCommand, ErrorCode(ErrUnknownCommand))
	assert.Equal(t, core.CodeModuleNotFound, ErrorCode(core.ErrUnknownProvider))
	assert.Equal(t, CodeBackend, ErrorCode(errors.New("other")))
}
