package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedhost/internal/db"
)

func TestApplyIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	applied, err := Apply(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_apps.sql", "0002_events.sql"}, applied)

	applied, err = Apply(ctx, conn)
	require.NoError(t, err)
	assert.Empty(t, applied)

	var version int
	require.NoError(t, conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version))
	assert.Equal(t, 2, version)
}
