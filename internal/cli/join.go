package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/lockstep"
	"github.com/roach88/lockstep/internal/machine"
	"github.com/roach88/lockstep/internal/store"
	"github.com/roach88/lockstep/internal/transport/ws"
)

var errNotJoined = errors.New("disconnected before joining")

// JoinOptions holds flags for the join command.
type JoinOptions struct {
	*RootOptions
	ConfigPath string
	URL        string
	Journal    string
	Meta       []string
	Timeout    time.Duration
}

// actionReport is printed for every settled action.
type actionReport struct {
	Action string          `json:"action"`
	TickID int64           `json:"tickId"`
	State  json.RawMessage `json:"state"`
}

func (r actionReport) String() string {
	return fmt.Sprintf("%s => %s", r.Action, r.State)
}

// NewJoinCommand creates the join command.
func NewJoinCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JoinOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a hosted session and send actions from stdin",
		Long: `Join a lockstep session and send one calculator action per input line.

Each line is either an operator ("+", "-", "*", "/", "%"), "number <n>", or
"<type> <json object>". The resulting state is printed once the action's
tick has been applied. Blank lines and lines starting with # are skipped.
At end of input the client disconnects and prints its final state.

Examples:
  echo "number 4" | lockstep join --url ws://127.0.0.1:7777/ws
  lockstep join --config session.yaml --meta name=alice < actions.txt`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "session config file (YAML)")
	cmd.Flags().StringVar(&opts.URL, "url", "", "host URL (ws:// or wss://)")
	cmd.Flags().StringVar(&opts.Journal, "journal", "", "SQLite journal path")
	cmd.Flags().StringArrayVar(&opts.Meta, "meta", nil, "join metadata key=value (repeatable)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "how long to wait for the host to admit us")

	return cmd
}

func runJoin(ctx context.Context, opts *JoinOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := opts.formatter(cmd)
	log := opts.logger(cmd.ErrOrStderr())

	file, err := loadFile(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.URL != "" {
		file.URL = opts.URL
	}
	if opts.Journal != "" {
		file.Journal = opts.Journal
	}
	if file.URL == "" {
		return NewExitError(ExitCommandError, "no host url: pass --url or set url in the config")
	}
	meta, err := parseMeta(file.Meta, opts.Meta)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid metadata", err)
	}

	lsOpts := []lockstep.Option{lockstep.WithLogger(log)}
	var journal *store.Journal
	if file.Journal != "" {
		st, err := store.Open(file.Journal)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		defer st.Close()
		journal = st.NewJournal(context.WithoutCancel(ctx), "client")
		lsOpts = append(lsOpts, lockstep.WithJournal(journal))
	}

	conn, err := ws.Dial(ctx, file.URL, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect", err)
	}

	loop := lockstep.NewLoop()
	m := machine.NewCalculator()
	client := lockstep.NewClient(m, conn, append(lsOpts, lockstep.WithScheduler(loop))...)
	conn.Bind(client)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	joined := make(chan error, 1)
	notify := func(err error) {
		select {
		case joined <- err:
		default:
		}
	}
	client.Subscribe(func(ev lockstep.Event) {
		switch ev.Kind {
		case lockstep.EventConnect:
			notify(nil)
		case lockstep.EventDisconnect:
			notify(errNotJoined)
			cancelRun()
		case lockstep.EventError:
			if lockstep.CodeOf(ev.Err) == lockstep.ErrCodeRejected {
				notify(ev.Err)
				return
			}
			log.Warn("session error", "code", string(lockstep.CodeOf(ev.Err)), "error", ev.Err)
		case lockstep.EventFreeze, lockstep.EventUnfreeze:
			log.Debug("freeze state", "event", ev.Kind.String(), "tick", ev.TickID)
		}
	})

	loopDone := make(chan error, 1)
	go func() { loopDone <- client.Run(context.WithoutCancel(ctx)) }()
	connDone := make(chan error, 1)
	go func() { connDone <- conn.Run(runCtx) }()

	shutdown := func() {
		_ = conn.Disconnect(ws.HostID)
		cancelRun()
		if err := <-connDone; err != nil && !errors.Is(err, context.Canceled) {
			log.Debug("connection closed", "error", err)
		}
		client.Stop()
		loop.Close()
		<-loopDone
	}

	client.Join(meta)
	select {
	case err := <-joined:
		if err != nil {
			shutdown()
			return WrapExitError(ExitFailure, "join failed", err)
		}
	case <-time.After(opts.Timeout):
		shutdown()
		return NewExitError(ExitFailure, fmt.Sprintf("host did not admit us within %s", opts.Timeout))
	case <-ctx.Done():
		shutdown()
		return WrapExitError(ExitFailure, "interrupted", ctx.Err())
	}
	formatter.VerboseLog("Joined as client %d at tick %d", conn.ClientID(), client.TickID())

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		action, err := parseAction(line)
		if err != nil {
			_ = formatter.Error("E001", err.Error(), line)
			continue
		}
		state, err := client.Send(action).Wait(runCtx)
		if runCtx.Err() != nil {
			break
		}
		if err != nil {
			// Futures settle with the machine's own error.
			code := lockstep.CodeOf(err)
			if code == "" {
				code = lockstep.ErrCodeExecution
			}
			_ = formatter.Error(string(code), err.Error(), line)
			continue
		}
		_ = formatter.Success(actionReport{Action: line, TickID: client.TickID(), State: rawState(state)})
	}
	if err := scanner.Err(); err != nil {
		shutdown()
		return WrapExitError(ExitCommandError, "failed to read input", err)
	}

	disconnected := runCtx.Err() != nil && ctx.Err() == nil
	shutdown()
	session := ""
	if journal != nil {
		session = journal.SessionID()
	}
	if err := formatter.Success(newStateReport("client", session, client.TickID(), m.State())); err != nil {
		return err
	}
	if disconnected {
		return NewExitError(ExitFailure, "host closed the session")
	}
	return nil
}
