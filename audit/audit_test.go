package audit_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsguardian/guardian/audit"
)

func readEntries(t *testing.T, path string) []audit.Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []audit.Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e audit.Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e), "bad audit line %q", scanner.Text())
		out = append(out, e)
	}
	return out
}

func TestLogAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.log")
	l, err := audit.New(path, nil)
	require.NoError(t, err)
	defer l.Close()

	l.Log("api", "admin", "control_light", map[string]any{"device_id": "l1"}, "ok", 12345*time.Microsecond, "")
	l.Log("api", "viewer", "lock_door", nil, "err", 7*time.Millisecond, "trace-1")

	entries := readEntries(t, path)
	require.Len(t, entries, 2)

	first := entries[0]
	assert.Equal(t, "api", first.Actor)
	assert.Equal(t, "admin", first.Role)
	assert.Equal(t, "control_light", first.Action)
	assert.Equal(t, "ok", first.Result)
	assert.Equal(t, 12.35, first.LatencyMS)
	assert.Len(t, first.ArgsHash, 16, "args hash should be 16 hex chars")
	assert.Len(t, first.TraceID, 36, "blank trace id should be replaced with a uuid")
	assert.Greater(t, first.Timestamp, 0.0)

	assert.Equal(t, "trace-1", entries[1].TraceID)
}

func TestHashArgsIsOrderInsensitive(t *testing.T) {
	a := audit.HashArgs(map[string]any{"b": 1.0, "a": map[string]any{"y": true, "x": "v"}})
	b := audit.HashArgs(map[string]any{"a": map[string]any{"x": "v", "y": true}, "b": 1.0})
	assert.Equal(t, a, b, "key order must not change the hash")

	c := audit.HashArgs(map[string]any{"b": 2.0})
	assert.NotEqual(t, a, c, "different args must hash differently")
}
