package automigrate

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samhotchkiss/threadmask/internal/logger"
)

func writeFiles(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("-- noop\n"), 0o644))
	}
	return dir
}

func TestNextVersion(t *testing.T) {
	dir := writeFiles(t,
		"001_create_core_schema.up.sql",
		"001_create_core_schema.down.sql",
		"007_add_audit_index.up.sql",
		"README.md",
		"x_not_numbered.up.sql",
	)

	next, err := NextVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, 8, next)

	next, err = NextVersion(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Equal(t, 1, next)
}

func TestNewRequiresDatabaseURLAndDirectory(t *testing.T) {
	_, err := New("", t.TempDir())
	require.Error(t, err)

	_, err = New("postgres://localhost/threadmask", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "file.sql")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = New("postgres://localhost/threadmask", file)
	require.Error(t, err)
}

func TestRunAppliesRepositoryMigrations(t *testing.T) {
	connStr := os.Getenv("THREADMASK_TEST_DATABASE_URL")
	if connStr == "" {
		t.Skip("set THREADMASK_TEST_DATABASE_URL to run migration integration tests")
	}
	dir := filepath.Join("..", "..", "migrations")

	m, err := New(connStr, dir)
	require.NoError(t, err)
	if err := m.Down(); err != nil {
		t.Logf("down: %v", err)
	}
	Close(m, logger.Nop())

	require.NoError(t, Run(connStr, dir, logger.Nop()))
	require.NoError(t, Run(connStr, dir, logger.Nop()))

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	defer db.Close()

	var exists bool
	require.NoError(t, db.QueryRow(`SELECT to_regclass('public.message_events') IS NOT NULL`).Scan(&exists))
	assert.True(t, exists)
}
