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

var packScenarios = filepath.Join("..", "harness", "testdata", "scenarios")

const minimalScenario = `name: minimal
description: "one host action"
seed: [2]
steps:
  - send: { from: host, type: number, args: { value: 5 } }
  - advance: 100ms
assertions:
  - type: final_state
    endpoint: host
    state: [2, 5]
`

func scenarioDir(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "scenarios")
	require.NoError(t, os.MkdirAll(dir, 0755))
	for name, content := range files {
		writeFile(t, dir, name, content)
	}
	return dir
}

func TestSimulate_PackScenarios(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewSimulateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{packScenarios})

	require.NoError(t, cmd.Execute(), buf.String())
	out := buf.String()
	assert.Contains(t, out, "✓ two_clients_converge")
	assert.Contains(t, out, "✓ silent_client_disconnected")
	assert.Contains(t, out, "Results: 4 passed, 0 failed, 4 total")
}

func TestSimulate_FilterJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewSimulateCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{packScenarios, "--filter", "two_*"})

	require.NoError(t, cmd.Execute())

	var resp struct {
		Status string         `json:"status"`
		Data   SimulateResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Total)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "two_clients_converge", resp.Data.Scenarios[0].Name)
}

func TestSimulate_FailingAssertion(t *testing.T) {
	broken := bytes.Replace([]byte(minimalScenario), []byte("state: [2, 5]"), []byte("state: [7]"), 1)
	dir := scenarioDir(t, map[string]string{"minimal.yaml": string(broken)})

	buf := &bytes.Buffer{}
	cmd := NewSimulateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{dir})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, buf.String(), "✗ minimal")
	assert.Contains(t, buf.String(), "Results: 0 passed, 1 failed, 1 total")
}

func TestSimulate_LoadError(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"bad.yaml": "name: [unclosed\n"})

	buf := &bytes.Buffer{}
	cmd := NewSimulateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{dir})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, buf.String(), "✗ bad.yaml")
	assert.Contains(t, buf.String(), "failed to load scenario")
}

func TestSimulate_UpdateThenCompareGolden(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"minimal.yaml": minimalScenario})
	goldenPath := filepath.Join(filepath.Dir(dir), "golden", "minimal.golden")

	cmd := NewSimulateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{dir, "--update"})
	require.NoError(t, cmd.Execute())

	golden, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	assert.Contains(t, string(golden), `"scenario": "minimal"`)

	cmd = NewSimulateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{dir})
	require.NoError(t, cmd.Execute())

	require.NoError(t, os.WriteFile(goldenPath, []byte("{}\n"), 0644))
	buf := &bytes.Buffer{}
	cmd = NewSimulateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{dir})
	err = cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, buf.String(), "does not match golden file")
}

func TestSimulate_MissingDirectory(t *testing.T) {
	cmd := NewSimulateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"/nonexistent/scenarios"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
