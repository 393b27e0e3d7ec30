package shutdown

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCrashDump(t *testing.T) {
	dir := t.TempDir()
	dump, rec, err := WriteCrashDump(dir, "open journal", errors.New("permission denied"))
	require.NoError(t, err)

	b, err := os.ReadFile(dump)
	require.NoError(t, err)
	assert.Contains(t, string(b), "reason: open journal")
	assert.Contains(t, string(b), "goroutine")

	raw, err := os.ReadFile(rec)
	require.NoError(t, err)
	var r abortRecord
	require.NoError(t, json.Unmarshal(raw, &r))
	assert.Equal(t, dump, r.CrashPath)
	assert.Equal(t, "permission denied", r.Error)

	entries, err := os.ReadDir(dir + "/state/crash")
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"))
	}
}
