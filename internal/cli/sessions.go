package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/store"
)

// SessionsOptions holds flags for the sessions command.
type SessionsOptions struct {
	*RootOptions
	Database string
}

// SessionInfo is one journaled session.
type SessionInfo struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	ClientID  int    `json:"client_id"`
	StartTick int64  `json:"start_tick"`
	LastTick  int64  `json:"last_tick"`
	Frames    int    `json:"frames"`
	CreatedAt string `json:"created_at"`
}

// NewSessionsCommand creates the sessions command.
func NewSessionsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SessionsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List journaled sessions",
		Long: `List every session recorded in a journal, oldest first.

Examples:
  lockstep sessions --db ./lockstep.db
  lockstep sessions --db ./lockstep.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessions(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runSessions(opts *SessionsOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	summaries, err := st.ListSessions(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list sessions", err)
	}

	infos := make([]SessionInfo, 0, len(summaries))
	for _, s := range summaries {
		infos = append(infos, SessionInfo{
			ID:        s.ID,
			Role:      s.Role,
			ClientID:  int(s.ClientID),
			StartTick: s.TickID,
			LastTick:  s.LastTick,
			Frames:    s.Frames,
			CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	formatter := opts.formatter(cmd)
	if formatter.JSON() {
		return formatter.Success(infos)
	}

	w := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(w, "No sessions found in database.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tROLE\tCLIENT\tTICKS\tFRAMES\tCREATED")
	for _, s := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d-%d\t%d\t%s\n", s.ID, s.Role, s.ClientID, s.StartTick, s.LastTick, s.Frames, s.CreatedAt)
	}
	return tw.Flush()
}
