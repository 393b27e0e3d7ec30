package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureStateDirs(t *testing.T) {
	dir := t.TempDir()
	l := LayoutFor(dir, "", "")
	require.NoError(t, EnsureStateDirs(l))
	for _, p := range []string{l.Journal, l.Store, l.Crash, l.Abort} {
		fi, err := os.Stat(p)
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
	}
	// idempotent
	require.NoError(t, EnsureStateDirs(l))
}

func TestEnsureStateDirsRejectsFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "store"), nil, 0o600))
	require.Error(t, EnsureStateDirs(LayoutFor(dir, "", "")))
}

func TestEnsureStateDirsRejectsSymlink(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Symlink(t.TempDir(), filepath.Join(dir, "journal")))
	require.Error(t, EnsureStateDirs(LayoutFor(dir, "", "")))
}

func TestLayoutOverrides(t *testing.T) {
	l := LayoutFor("/data", "/fast/journal", "")
	assert.Equal(t, "/fast/journal", l.Journal)
	assert.Equal(t, "/data/store", l.Store)
}

func TestCrashRoot(t *testing.T) {
	t.Setenv("LOGPIPE_ARTIFACT_ROOT", "")
	t.Setenv("TEST_ARTIFACTS_ROOT", "")
	assert.Equal(t, "/data", CrashRoot("/data"))
	t.Setenv("LOGPIPE_ARTIFACT_ROOT", "/tmp/artifacts")
	assert.Equal(t, "/tmp/artifacts", CrashRoot("/data"))
}
