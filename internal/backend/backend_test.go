package backend

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duckplug/internal/models"
)

func TestDesktopPingEchoes(t *testing.T) {
	ctx := context.Background()
	d := NewDesktop()

	resp, err := d.Ping(ctx, models.PingRequest{Value: models.String("hello")})
	require.NoError(t, err)
	require.NotNil(t, resp.Value)
	assert.Equal(t, "hello", *resp.Value)

	resp, err = d.Ping(ctx, models.PingRequest{})
	require.NoError(t, err)
	assert.Nil(t, resp.Value)
}

func TestDesktopExecutePlaceholder(t *testing.T) {
	resp, err := NewDesktop().Execute(context.Background(), models.ExecuteRequest{Query: "anything"})
	require.NoError(t, err)

	buf, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"message":"Executed query: anything","rowsAffected":0}`, string(buf))
}

func TestDesktopQueryPlaceholder(t *testing.T) {
	resp, err := NewDesktop().Query(context.Background(), models.QueryRequest{Query: "SELECT 1"})
	require.NoError(t, err)

	buf, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"data":[],"message":"Queried: SELECT 1"}`, string(buf))
}

func TestMobileSampleRowsWhenEmpty(t *testing.T) {
	m := NewMobile()
	resp, err := m.Query(context.Background(), models.QueryRequest{Query: "select * from users"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	require.Len(t, resp.Data, 2)
	assert.JSONEq(t, `{"id":1,"name":"Sample User 1","email":"user1@example.com"}`, string(resp.Data[0]))
}

func TestMobileInsertThenSelect(t *testing.T) {
	ctx := context.Background()
	m := NewMobile()

	created, err := m.Execute(ctx, models.ExecuteRequest{Query: "CREATE TABLE users (id INT, name TEXT, email TEXT)"})
	require.NoError(t, err)
	assert.Equal(t, "Table created successfully (mock)", created.Message)
	assert.Equal(t, int64(0), *created.RowsAffected)

	inserted, err := m.Execute(ctx, models.ExecuteRequest{Query: "insert into users values (1, 'Ann', 'ann@example.com')"})
	require.NoError(t, err)
	assert.Equal(t, "Data inserted successfully (mock)", inserted.Message)
	assert.Equal(t, int64(1), *inserted.RowsAffected)

	resp, err := m.Query(ctx, models.QueryRequest{Query: "SELECT * FROM users"})
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)
	assert.JSONEq(t, `{"id":1,"name":"Ann","email":"ann@example.com"}`, string(resp.Data[0]))
	assert.Equal(t, "Query executed successfully (mock)", *resp.Message)

	_, err = m.Execute(ctx, models.ExecuteRequest{Query: "create table users (id INT)"})
	require.NoError(t, err)
	resp, err = m.Query(ctx, models.QueryRequest{Query: "SELECT * FROM users"})
	require.NoError(t, err)
	assert.Len(t, resp.Data, 2, "cleared table falls back to sample rows")
}

func TestMobileInsertDefaults(t *testing.T) {
	row, ok := parseInsertValues("INSERT INTO users VALUES (7)", 3)
	require.True(t, ok)
	assert.Equal(t, mockRow{ID: 3, Name: "Unknown", Email: "unknown@example.com"}, row)

	_, ok = parseInsertValues("INSERT INTO users SELECT * FROM other", 1)
	assert.False(t, ok)
}

func TestMobileNonSelectQuery(t *testing.T) {
	resp, err := NewMobile().Query(context.Background(), models.QueryRequest{Query: "PRAGMA version"})
	require.NoError(t, err)
	assert.Empty(t, resp.Data)
	assert.Equal(t, "No data returned", *resp.Message)
}

func TestMobileConcurrentInserts(t *testing.T) {
	ctx := context.Background()
	m := NewMobile()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Execute(ctx, models.ExecuteRequest{Query: "INSERT INTO t VALUES (0, 'x', 'y')"})
		}()
	}
	wg.Wait()

	resp, err := m.Query(ctx, models.QueryRequest{Query: "SELECT * FROM t"})
	require.NoError(t, err)
	assert.Len(t, resp.Data, 50)
}

func TestRegistryNew(t *testing.T) {
	ctx := context.Background()

	b, err := New(ctx, "", Options{})
	require.NoError(t, err)
	assert.IsType(t, defaultBackendType(), b)

	b, err = New(ctx, PlatformMobile, Options{})
	require.NoError(t, err)
	assert.IsType(t, &Mobile{}, b)

	_, err = New(ctx, "oracle", Options{})
	var unknown *UnknownBackendError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "oracle", unknown.Name)
	assert.Contains(t, unknown.Available, PlatformDesktop)
}

func TestRegistryFactoryError(t *testing.T) {
	Register("broken", func(ctx context.Context, opts Options) (Backend, error) {
		return nil, errors.New("boom")
	})
	_, err := New(context.Background(), "broken", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create backend broken")
}

func TestBackendErrorIs(t *testing.T) {
	cause := errors.New("syntax error")
	err := NewError("execute", "SELEC 1", cause)
	assert.ErrorIs(t, err, ErrBackend)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, `execute "SELEC 1": syntax error`, err.Error())
	assert.NoError(t, NewError("execute", "x", nil))
}

func defaultBackendType() Backend {
	if DefaultPlatform == PlatformMobile {
		return &Mobile{}
	}
	return &Desktop{}
}
