package fedhostsdk_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedhost/internal/config"
	"fedhost/internal/db"
	"fedhost/internal/engine"
	"fedhost/internal/migrate"
	"fedhost/internal/server"
	fedhostsdk "fedhost/sdk/go"
)

func newHost(t *testing.T) (*fedhostsdk.Client, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	e := engine.New(conn, config.Default(), nil)
	h, err := server.New(server.Config{Engine: e, BasePath: "/api"})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return fedhostsdk.New(srv.URL), e
}

func TestClientLifecycle(t *testing.T) {
	c, _ := newHost(t)
	ctx := context.Background()

	app, created, err := c.RegisterApp(ctx, fedhostsdk.AppInput{Name: "Tasks", URL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "iframe", app.IntegrationStrategy.Type)

	again, created, err := c.RegisterApp(ctx, fedhostsdk.AppInput{Name: "Tasks", URL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, app.ID, again.ID)

	_, err = c.CreateApp(ctx, fedhostsdk.AppInput{Name: "Tasks", URL: "http://x", IntegrationStrategy: &fedhostsdk.Strategy{Type: "iframe"}})
	var apiErr *fedhostsdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 409, apiErr.StatusCode)
	assert.Equal(t, "duplicate_name", apiErr.Code)

	hb, err := c.Heartbeat(ctx, app.ID, "error", nil)
	require.NoError(t, err)
	assert.False(t, hb.IsHealthy)

	apps, err := c.ListApps(ctx, false)
	require.NoError(t, err)
	require.Len(t, apps, 1)
	require.NotNil(t, apps[0].IsHealthy)
	assert.False(t, *apps[0].IsHealthy)

	desc := "task board"
	updated, err := c.UpdateApp(ctx, app.ID, fedhostsdk.AppPatch{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, desc, updated.Description)

	off, err := c.SetActive(ctx, app.ID, nil)
	require.NoError(t, err)
	assert.False(t, off.IsActive)

	events, err := c.Events(ctx, 10, "", "", app.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, events.Items)

	require.NoError(t, c.DeleteApp(ctx, app.ID))
	_, err = c.GetApp(ctx, app.ID)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.StatusCode)
}

func TestWatchReceivesHeartbeats(t *testing.T) {
	c, e := newHost(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	app, _, err := c.RegisterApp(ctx, fedhostsdk.AppInput{Name: "Clock", URL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	got := make(chan fedhostsdk.Message, 1)
	go func() {
		_ = c.Watch(ctx, "", func(m fedhostsdk.Message) {
			if m.Event == "app-status-changed" {
				select {
				case got <- m:
				default:
				}
			}
		})
	}()
	require.Eventually(t, func() bool { return e.Hub.Connected("") == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = c.Heartbeat(ctx, app.ID, "", map[string]any{"build": "42"})
	require.NoError(t, err)

	select {
	case m := <-got:
		var ev fedhostsdk.StatusChanged
		require.NoError(t, json.Unmarshal(m.Data, &ev))
		assert.Equal(t, app.ID, ev.AppID)
		assert.Equal(t, "online", ev.Status)
		assert.True(t, ev.IsHealthy)
	case <-ctx.Done():
		t.Fatal("no status message")
	}
}

func TestChannelRelay(t *testing.T) {
	c, e := newHost(t)
	ctx := context.Background()

	a, err := c.Dial(ctx, "app-a")
	require.NoError(t, err)
	defer a.Close()
	b, err := c.Dial(ctx, "app-b")
	require.NoError(t, err)
	defer b.Close()
	require.Eventually(t, func() bool { return e.Hub.Connected("") == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Send("app-message", "app-b", map[string]string{"ping": "pong"}))
	m, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, "app-message", m.Event)
	assert.Equal(t, "app-a", m.From)
}
