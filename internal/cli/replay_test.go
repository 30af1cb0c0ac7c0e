package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/lockstep"
	"github.com/roach88/lockstep/internal/machine"
	"github.com/roach88/lockstep/internal/store"
	"github.com/roach88/lockstep/internal/testutil"
	"github.com/roach88/lockstep/internal/value"
)

// seedJournal records a host session that starts from [2], pushes 3 at
// tick 1 and multiplies at tick 2. With corrupt set the second digest is
// wrong.
func seedJournal(t *testing.T, corrupt bool) (dbPath, sessionID string) {
	t.Helper()
	ctx := context.Background()
	dbPath = filepath.Join(t.TempDir(), "lockstep.db")

	st, err := store.Open(dbPath, store.WithIDGenerator(testutil.NewSequentialIDs("session")))
	require.NoError(t, err)
	defer st.Close()

	j := st.NewJournal(ctx, "host")
	require.NoError(t, j.Begin(lockstep.ConnectData{
		State:  value.Array{value.Int(2)},
		Config: lockstep.DefaultConfig(),
	}))

	frames := []struct {
		action lockstep.Action
		state  value.Array
	}{
		{machine.Number(3), value.Array{value.Int(2), value.Int(3)}},
		{machine.Op(machine.OpMul), value.Array{value.Int(6)}},
	}
	for i, f := range frames {
		digest, err := value.Digest(value.DomainState, f.state)
		require.NoError(t, err)
		if corrupt && i == 1 {
			digest = "0000"
		}
		frame := lockstep.Frame{
			ID:      int64(i + 1),
			Actions: []lockstep.QueueItem{{Action: f.action, PromiseID: int64(i + 1)}},
		}
		require.NoError(t, j.Append(frame, digest))
	}
	return dbPath, j.SessionID()
}

func TestReplay_Deterministic(t *testing.T) {
	dbPath, id := seedJournal(t, false)

	buf := &bytes.Buffer{}
	cmd := NewReplayCommand(&RootOptions{Format: "text", Verbose: true})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath})

	require.NoError(t, cmd.Execute())
	out := buf.String()
	assert.Contains(t, out, "Replay Summary: 1 session(s)")
	assert.Contains(t, out, "✓ Session: "+id)
	assert.Contains(t, out, "Frames: 2 (last tick 2), 2 action(s), 0 failed")
	assert.Contains(t, out, "Final state: [6]")
	assert.Contains(t, out, "✓ All sessions replayed deterministically")
}

func TestReplay_DivergenceJSON(t *testing.T) {
	dbPath, id := seedJournal(t, true)

	buf := &bytes.Buffer{}
	cmd := NewReplayCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath, "--session", id})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string       `json:"status"`
		Data   ReplayResult `json:"data"`
		Error  *CLIError    `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_DESYNC", resp.Error.Code)
	require.Len(t, resp.Data.Sessions, 1)
	assert.Equal(t, []int64{2}, resp.Data.Sessions[0].Divergences)
	assert.JSONEq(t, "[6]", string(resp.Data.Sessions[0].FinalState))
}

func TestReplay_UnknownSession(t *testing.T) {
	dbPath, _ := seedJournal(t, false)

	cmd := NewReplayCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--db", dbPath, "--session", "missing"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestReplay_EmptyDatabase(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewReplayCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", filepath.Join(t.TempDir(), "empty.db")})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "No sessions found")
}

func TestReplay_RequiresDB(t *testing.T) {
	cmd := NewReplayCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"db" not set`)
}

func TestSessions_Text(t *testing.T) {
	dbPath, id := seedJournal(t, false)

	buf := &bytes.Buffer{}
	cmd := NewSessionsCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath})

	require.NoError(t, cmd.Execute())
	out := buf.String()
	assert.Contains(t, out, "ROLE")
	assert.Contains(t, out, id)
	assert.Contains(t, out, "host")
	assert.Contains(t, out, "0-2")
}

func TestSessions_JSON(t *testing.T) {
	dbPath, id := seedJournal(t, false)

	buf := &bytes.Buffer{}
	cmd := NewSessionsCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath})

	require.NoError(t, cmd.Execute())
	var resp struct {
		Status string        `json:"status"`
		Data   []SessionInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, id, resp.Data[0].ID)
	assert.Equal(t, "host", resp.Data[0].Role)
	assert.Equal(t, 2, resp.Data[0].Frames)
	assert.Equal(t, int64(2), resp.Data[0].LastTick)
}
