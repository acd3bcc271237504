package persistence_test

import (
	"TradeLedger/internal/persistence"
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func migrationFS() fstest.MapFS {
	return fstest.MapFS{
		"000001_trades.up.sql":      {Data: []byte(`CREATE TABLE t1 (id TEXT PRIMARY KEY); CREATE INDEX idx_t1 ON t1 (id);`)},
		"000001_trades.down.sql":    {Data: []byte(`DROP TABLE t1;`)},
		"000002_positions.up.sql":   {Data: []byte(`CREATE TABLE t2 (id TEXT PRIMARY KEY);`)},
		"000002_positions.down.sql": {Data: []byte(`DROP TABLE t2;`)},
		"README.md":                 {Data: []byte("not a migration")},
	}
}

func TestMigrator_UpDownStatus(t *testing.T) {
	ctx := context.Background()
	db, dialect, err := persistence.OpenDB("sqlite", filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()

	m := persistence.NewMigratorFS(db, dialect, migrationFS()).WithLogger(zerolog.Nop())

	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Applied)
	assert.Equal(t, []string{"000001", "000002"}, st.Pending)

	require.NoError(t, m.Up(ctx))
	require.NoError(t, m.Up(ctx), "second Up is a no-op")

	applied, err := m.Applied(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"000001", "000002"}, applied)
	_, err = db.ExecContext(ctx, `INSERT INTO t2 (id) VALUES ('x')`)
	require.NoError(t, err)

	require.NoError(t, m.Down(ctx))
	st, err = m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"000001"}, st.Applied)
	assert.Equal(t, []string{"000002"}, st.Pending)
	_, err = db.ExecContext(ctx, `SELECT 1 FROM t2`)
	assert.Error(t, err, "t2 dropped")

	require.NoError(t, m.Down(ctx))
	require.NoError(t, m.Down(ctx), "nothing left to roll back")
}

func TestMigrator_BadMigrationRollsBack(t *testing.T) {
	ctx := context.Background()
	db, dialect, err := persistence.OpenDB("sqlite", filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()

	files := migrationFS()
	files["000003_broken.up.sql"] = &fstest.MapFile{Data: []byte(`CREATE TABLE oops (`)}
	m := persistence.NewMigratorFS(db, dialect, files).WithLogger(zerolog.Nop())

	require.Error(t, m.Up(ctx))
	applied, err := m.Applied(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"000001", "000002"}, applied, "earlier files stay applied")
}
