package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dataspace-connector/internal/command"
	"github.com/ChuLiYu/dataspace-connector/internal/pipeline"
	"github.com/ChuLiYu/dataspace-connector/internal/snapshot"
	"github.com/ChuLiYu/dataspace-connector/internal/storage/wal"
	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

// execute runs the CLI with args and returns its standard output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "connector", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["run"], "Should have 'run' command")
	assert.True(t, names["copy"], "Should have 'copy' command")
	assert.True(t, names["status"], "Should have 'status' command")

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("env-file"))
}

func TestInvalidLogLevel(t *testing.T) {
	_, err := execute(t, "status", "--log-level", "loud")
	assert.ErrorContains(t, err, `invalid log level "loud"`)
}

// ============================================================================
// copy
// ============================================================================

func TestParseAddress(t *testing.T) {
	tests := []struct {
		arg      string
		pattern  string
		wantType string
		wantKey  string
		wantVal  string
	}{
		{"http://example.com/data", "", pipeline.HTTPType, "baseUrl", "http://example.com/data"},
		{"https://example.com", "", pipeline.HTTPType, "baseUrl", "https://example.com"},
		{"/var/data", "*.csv", pipeline.FileType, "pattern", "*.csv"},
		{"relative/dir", "", pipeline.FileType, "path", "relative/dir"},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			addr := parseAddress(tt.arg, tt.pattern)
			assert.Equal(t, tt.wantType, addr.Type)
			assert.Equal(t, tt.wantVal, addr.Property(tt.wantKey))
		})
	}
}

func TestCopyFileToDirectory(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	for _, name := range []string{"a.txt", "b.txt", "skip.log"} {
		require.NoError(t, os.WriteFile(filepath.Join(src, name), []byte("content of "+name), 0o644))
	}

	_, err := execute(t, "copy", src, dst, "--pattern", "*.txt", "--partition-size", "1")
	require.NoError(t, err)

	entries, err := os.ReadDir(dst)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, names)
	data, err := os.ReadFile(filepath.Join(dst, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "content of b.txt", string(data))
}

func TestCopyHTTPToStdout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("remote payload"))
	}))
	defer srv.Close()

	out, err := execute(t, "copy", srv.URL, "-")
	require.NoError(t, err)
	assert.Equal(t, "remote payload", out)
}

func TestCopyErrors(t *testing.T) {
	_, err := execute(t, "copy", "-", t.TempDir())
	assert.ErrorContains(t, err, "standard input")

	_, err = execute(t, "copy", filepath.Join(t.TempDir(), "missing"), "-")
	assert.ErrorContains(t, err, "copy failed")

	_, err = execute(t, "copy", "only-one")
	assert.Error(t, err)
}

// ============================================================================
// status
// ============================================================================

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "connector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestStatusFromSnapshot(t *testing.T) {
	snapPath := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, snapshot.NewManager(snapPath).Write(types.SnapshotData{
		Processes: map[string]*types.TransferProcess{
			"tp-1": {ID: "tp-1", Type: types.Consumer, State: types.Completed, AssetID: "asset-1", CreatedAt: 1},
			"tp-2": {ID: "tp-2", Type: types.Provider, State: types.Terminated, AssetID: "asset-2", ErrorDetail: "boom", CreatedAt: 2},
			"tp-3": {ID: "tp-3", Type: types.Consumer, State: types.Completed, AssetID: "asset-3", CreatedAt: 3},
		},
	}))
	cfgPath := writeConfig(t, "participant:\n  id: node-a\nstore:\n  snapshot_path: "+snapPath+"\n")

	out, err := execute(t, "status", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Participant: node-a")
	assert.Contains(t, out, "Processes:   3")
	assert.Contains(t, out, types.Completed.String())
	assert.Contains(t, out, "boom")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Contains(t, lines[len(lines)-1], "tp-3", "processes are listed by creation time")

	out, err = execute(t, "status", "-c", cfgPath, "--json")
	require.NoError(t, err)
	var processes []types.TransferProcess
	require.NoError(t, json.Unmarshal([]byte(out), &processes))
	assert.Len(t, processes, 3)
}

func TestStatusReportsJournal(t *testing.T) {
	dir := t.TempDir()
	snapPath := filepath.Join(dir, "snapshot.json")
	journalPath := filepath.Join(dir, "commands.wal")
	require.NoError(t, snapshot.NewManager(snapPath).Write(types.SnapshotData{Processes: map[string]*types.TransferProcess{}}))

	j, err := wal.Open(journalPath, wal.Options{SyncOnAppend: true})
	require.NoError(t, err)
	q := command.NewQueue(10, command.WithJournal(j))
	require.NoError(t, q.Enqueue(command.CancelTransfer{ProcessID: "tp-1"}))
	require.NoError(t, q.Enqueue(command.CancelTransfer{ProcessID: "tp-2"}))
	require.NoError(t, q.Ack(q.Drain(1)[0]))
	require.NoError(t, j.Close())

	cfgPath := writeConfig(t, "store:\n  snapshot_path: "+snapPath+"\njournal:\n  path: "+journalPath+"\n")
	out, err := execute(t, "status", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Journal:     3 events, 1 pending commands, last seq 3")

	require.NoError(t, os.WriteFile(journalPath, []byte("garbage\n{}\n"), 0o644))
	_, err = execute(t, "status", "-c", cfgPath)
	assert.ErrorContains(t, err, "failed to read journal")
}

func TestStatusWithoutPersistence(t *testing.T) {
	cfgPath := writeConfig(t, "participant:\n  id: node-a\n")
	_, err := execute(t, "status", "-c", cfgPath)
	assert.ErrorContains(t, err, "keeps no state")
}

func TestStatusSQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "connector.db")
	cfgPath := writeConfig(t, "store:\n  type: sqlite\n  dsn: "+dsn+"\n")
	_, err := execute(t, "status", "-c", cfgPath)
	assert.ErrorContains(t, err, "failed to read processes", "the schema does not exist yet")
}

func TestEnvFileOverridesConfig(t *testing.T) {
	snapPath := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, snapshot.NewManager(snapPath).Write(types.SnapshotData{Processes: map[string]*types.TransferProcess{}}))
	envPath := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("EDC_PARTICIPANT_ID=from-env\nEDC_STORE_SNAPSHOT_PATH="+snapPath+"\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("EDC_PARTICIPANT_ID")
		os.Unsetenv("EDC_STORE_SNAPSHOT_PATH")
	})

	out, err := execute(t, "status", "-c", writeConfig(t, "participant:\n  id: from-file\n"), "--env-file", envPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Participant: from-env")
	assert.Contains(t, out, "Processes:   0")
}
