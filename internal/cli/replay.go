package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/machine"
	"github.com/roach88/lockstep/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	Session  string // optional - specific session only
}

// ReplaySessionResult holds the replay result for a single session.
type ReplaySessionResult struct {
	SessionID   string          `json:"session_id"`
	Frames      int             `json:"frames"`
	Actions     int             `json:"actions"`
	Failed      int             `json:"failed"`
	LastTick    int64           `json:"last_tick"`
	FinalState  json.RawMessage `json:"final_state"`
	FinalDigest string          `json:"final_digest"`
	Divergences []int64         `json:"divergences,omitempty"`
	Matches     bool            `json:"matches"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Sessions      []ReplaySessionResult `json:"sessions"`
	TotalSessions int                   `json:"total_sessions"`
	AllMatch      bool                  `json:"all_match"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay journaled sessions and verify state digests",
		Long: `Replay journaled sessions through a fresh calculator and compare the state
digest after every frame with the one recorded live.

Exit codes:
  0 - Every replayed digest matched
  1 - At least one frame diverged
  2 - Command error (database not found, etc.)

Examples:
  lockstep replay --db ./lockstep.db
  lockstep replay --db ./lockstep.db --session 0190f1c2-...
  lockstep replay --db ./lockstep.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Session, "session", "", "replay specific session only")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	var ids []string
	if opts.Session != "" {
		ids = []string{opts.Session}
	} else {
		sessions, err := st.ListSessions(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list sessions", err)
		}
		for _, s := range sessions {
			ids = append(ids, s.ID)
		}
	}

	result := ReplayResult{
		Sessions:      make([]ReplaySessionResult, 0, len(ids)),
		TotalSessions: len(ids),
		AllMatch:      true,
	}
	if len(ids) == 0 {
		if opts.Format == "json" {
			return outputReplayJSON(cmd, result)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions found in database.")
		return nil
	}

	for _, id := range ids {
		rr, err := st.Replay(ctx, id, machine.NewCalculator())
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay session %s", id), err)
		}
		sr := ReplaySessionResult{
			SessionID:   rr.SessionID,
			Frames:      rr.Frames,
			Actions:     rr.Actions,
			Failed:      rr.Failed,
			LastTick:    rr.LastTick,
			FinalState:  rawState(rr.FinalState),
			FinalDigest: rr.FinalDigest,
			Matches:     rr.Matches(),
		}
		for _, d := range rr.Divergences {
			sr.Divergences = append(sr.Divergences, d.TickID)
		}
		result.Sessions = append(result.Sessions, sr)
		if !sr.Matches {
			result.AllMatch = false
		}
	}

	if opts.Format == "json" {
		return outputReplayJSON(cmd, result)
	}
	return outputReplayText(cmd, result, opts.Verbose)
}

// outputReplayJSON outputs the replay result as JSON.
func outputReplayJSON(cmd *cobra.Command, result ReplayResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}
	if !result.AllMatch {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_DESYNC",
			Message: "replayed state diverged from the journal",
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}

	if !result.AllMatch {
		return NewExitError(ExitFailure, "replay diverged")
	}
	return nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(cmd *cobra.Command, result ReplayResult, verbose bool) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Replay Summary: %d session(s)\n", result.TotalSessions)
	fmt.Fprintln(w)

	for _, s := range result.Sessions {
		status := "✓"
		if !s.Matches {
			status = "✗"
		}

		fmt.Fprintf(w, "%s Session: %s\n", status, s.SessionID)
		fmt.Fprintf(w, "  Frames: %d (last tick %d), %d action(s), %d failed\n", s.Frames, s.LastTick, s.Actions, s.Failed)
		if verbose {
			fmt.Fprintf(w, "  Final state: %s\n", s.FinalState)
			fmt.Fprintf(w, "  Final digest: %s\n", s.FinalDigest)
		}
		if !s.Matches {
			fmt.Fprintf(w, "  Warning: digests diverged at tick(s) %v\n", s.Divergences)
		}
		fmt.Fprintln(w)
	}

	if result.AllMatch {
		fmt.Fprintln(w, "✓ All sessions replayed deterministically")
		return nil
	}

	fmt.Fprintln(w, "✗ Replay diverged")
	return NewExitError(ExitFailure, "replay diverged")
}
