package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedhost/internal/db"
	"fedhost/internal/domain"
	"fedhost/internal/events"
	"fedhost/internal/migrate"
	"fedhost/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func app(id, name string, active bool, s domain.Strategy) domain.App {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return domain.App{ID: id, Name: name, URL: "http://" + id, IsActive: active, Strategy: s, CreatedAt: now, UpdatedAt: now}
}

func TestInsertAndGetRoundTripsStrategy(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	a := app("a1", "Tasks", true, domain.RemoteModule{RemoteURL: "http://a1/remoteEntry.js", Scope: "tasks", Module: "./App"})
	a.Description = "task manager"
	require.NoError(t, r.InsertApp(ctx, a))

	got, err := r.GetApp(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, a.Strategy, got.Strategy)
	assert.Equal(t, "task manager", got.Description)
	assert.True(t, got.IsActive)
	assert.Nil(t, got.LastHeartbeatAt)

	byName, err := r.GetAppByName(ctx, "Tasks")
	require.NoError(t, err)
	assert.Equal(t, "a1", byName.ID)
}

func TestDuplicateNameIsDistinguishable(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertApp(ctx, app("a1", "Tasks", true, domain.Iframe{})))
	err := r.InsertApp(ctx, app("a2", "Tasks", true, domain.Iframe{}))
	assert.ErrorIs(t, err, repo.ErrDuplicateName)
}

func TestListActiveOnly(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertApp(ctx, app("a1", "Alpha", true, domain.Iframe{})))
	require.NoError(t, r.InsertApp(ctx, app("a2", "Beta", false, domain.Iframe{})))

	all, err := r.ListApps(ctx, repo.AppFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := r.ListApps(ctx, repo.AppFilters{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Alpha", active[0].Name)
}

func TestSetActiveTouchDelete(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertApp(ctx, app("a1", "Alpha", true, domain.Iframe{})))
	at := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, r.SetActive(ctx, "a1", false, at))
	require.NoError(t, r.TouchHeartbeat(ctx, "a1", at))
	got, err := r.GetApp(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	require.NotNil(t, got.LastHeartbeatAt)
	assert.True(t, at.Equal(*got.LastHeartbeatAt))

	require.NoError(t, r.DeleteApp(ctx, "a1"))
	assert.ErrorIs(t, r.DeleteApp(ctx, "a1"), repo.ErrNotFound)
	assert.ErrorIs(t, r.TouchHeartbeat(ctx, "a1", at), repo.ErrNotFound)
	_, err = r.GetApp(ctx, "a1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestLatestEventsFilters(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB}
	require.NoError(t, w.Append(ctx, events.AppCreated, "a1", "admin", events.EventPayload{"name": "Alpha"}))
	require.NoError(t, w.Append(ctx, events.AppDeleted, "a1", "", nil))
	require.NoError(t, w.Append(ctx, events.AppCreated, "a2", "admin", nil))

	evts, err := r.LatestEvents(ctx, repo.EventFilters{AppID: "a1"})
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, events.AppDeleted, evts[0].Type)
	assert.Equal(t, "anonymous", evts[0].ActorID)

	evts, err = r.LatestEvents(ctx, repo.EventFilters{Type: events.AppCreated, Limit: 1})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "a2", evts[0].AppID)
}
