package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixturesDir = "../harness/testdata/scenarios"

func newTestCmd(format string, args ...string) (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	return buf, cmd.Execute()
}

// copyScenario copies one fixture into a fresh scenarios directory.
func copyScenario(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(fixturesDir, name+".yaml"))
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "scenarios")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), data, 0o644))
	return dir
}

func TestTestCommand_MissingArgs(t *testing.T) {
	_, err := newTestCmd("text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommand_NonExistentDir(t *testing.T) {
	buf, err := newTestCmd("text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), "scenarios directory not found")
}

func TestTestCommand_EmptyDir(t *testing.T) {
	buf, err := newTestCmd("text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "No scenarios found")
}

func TestTestCommand_Fixtures(t *testing.T) {
	buf, err := newTestCmd("text", fixturesDir)
	require.NoError(t, err, buf.String())

	out := buf.String()
	assert.Contains(t, out, "✓ weight_logs_offline_edit")
	assert.Contains(t, out, "✓ rejected_replay_halts")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTestCommand_FixturesJSON(t *testing.T) {
	buf, err := newTestCmd("json", fixturesDir, "--filter", "weight_*")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Total)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "weight_logs_offline_edit", resp.Data.Scenarios[0].Name)
	assert.Equal(t, "match", resp.Data.Scenarios[0].Golden, "golden file sits next to the scenarios dir")
}

func TestTestCommand_UpdateThenCompare(t *testing.T) {
	dir := copyScenario(t, "offline_insert_rebind")
	golden := filepath.Join(filepath.Dir(dir), "golden", "offline_insert_rebind.golden")

	buf, err := newTestCmd("text", dir, "--update")
	require.NoError(t, err, buf.String())
	assert.Contains(t, buf.String(), "(golden updated)")
	require.FileExists(t, golden)

	buf, err = newTestCmd("json", dir)
	require.NoError(t, err, buf.String())
	assert.Contains(t, buf.String(), `"golden":"match"`)

	require.NoError(t, os.WriteFile(golden, []byte("{}\n"), 0o644))
	buf, err = newTestCmd("text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, buf.String(), "trace does not match golden file")
	assert.Contains(t, buf.String(), "0 passed, 1 failed, 1 total")
}

func TestTestCommand_BrokenScenario(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: broken\n"), 0o644))

	buf, err := newTestCmd("text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, buf.String(), "✗ broken.yaml")
	assert.Contains(t, buf.String(), "failed to load scenario")
}

func TestFindScenarioFiles_Filter(t *testing.T) {
	files, err := findScenarioFiles(fixturesDir, "offline_*")
	require.NoError(t, err)
	require.Len(t, files, 2)
	for _, f := range files {
		assert.Contains(t, filepath.Base(f), "offline_")
	}

	_, err = findScenarioFiles(fixturesDir, "[")
	assert.Error(t, err)
}
