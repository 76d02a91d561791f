package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pastebin/svc/db"
)

func unsetenv(t *testing.T, keys ...string) {
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestHealthcheckUsesConfiguredDatabase(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	unsetenv(t, "DATABASE_PATH", "DATABASE_DRIVER")

	assert.Equal(t, 1, healthcheck(), "no database yet")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "probe must not create files")

	s, err := db.NewSQLite("pastes.db")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Equal(t, 0, healthcheck())

	t.Setenv("DATABASE_PATH", filepath.Join(dir, "elsewhere.db"))
	assert.Equal(t, 1, healthcheck())
}
