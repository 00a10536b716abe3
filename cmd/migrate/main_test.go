package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "add_audit_index", sanitizeName("Add audit-index!"))
	assert.Equal(t, "", sanitizeName("--- !!"))
}

func TestParseSteps(t *testing.T) {
	steps, err := parseSteps("2")
	require.NoError(t, err)
	assert.Equal(t, 2, steps)

	_, err = parseSteps("0")
	assert.Error(t, err)
	_, err = parseSteps("two")
	assert.Error(t, err)
}

func TestRunCreateNumbersSequentially(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_create_core_schema.up.sql"), nil, 0o644))

	require.NoError(t, runCreate(dir, []string{"Add pool index"}))

	_, err := os.Stat(filepath.Join(dir, "002_add_pool_index.up.sql"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "002_add_pool_index.down.sql"))
	assert.NoError(t, err)

	assert.Error(t, runCreate(dir, nil))
}
