package cli

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/lockstep"
	"github.com/roach88/lockstep/internal/machine"
	"github.com/roach88/lockstep/internal/store"
	"github.com/roach88/lockstep/internal/transport/ws"
)

// DefaultListen is the host address when neither the config nor a flag
// names one.
const DefaultListen = "127.0.0.1:7777"

// HostOptions holds flags for the host command.
type HostOptions struct {
	*RootOptions
	ConfigPath string
	Listen     string
	Journal    string
	Seed       []int64
	Meta       []string

	// onListen receives the bound address once the listener is up.
	onListen func(addr string)
}

// NewHostCommand creates the host command.
func NewHostCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HostOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Host a calculator session over WebSocket",
		Long: `Host a lockstep session running the stack calculator.

Clients connect to ws://<listen>/ws. The host seals frames until interrupted,
then prints the final tick and state. With --journal every applied frame is
recorded for offline replay.

Examples:
  lockstep host --listen :7777 --seed 1 --seed 2
  lockstep host --config session.yaml --journal ./lockstep.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "session config file (YAML)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default "+DefaultListen+")")
	cmd.Flags().StringVar(&opts.Journal, "journal", "", "SQLite journal path")
	cmd.Flags().Int64SliceVar(&opts.Seed, "seed", nil, "initial calculator stack")
	cmd.Flags().StringArrayVar(&opts.Meta, "meta", nil, "host metadata key=value (repeatable)")

	return cmd
}

func runHost(ctx context.Context, opts *HostOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := opts.formatter(cmd)
	log := opts.logger(cmd.ErrOrStderr())

	file, err := loadFile(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Listen != "" {
		file.Listen = opts.Listen
	}
	if opts.Journal != "" {
		file.Journal = opts.Journal
	}
	if file.Listen == "" {
		file.Listen = DefaultListen
	}
	meta, err := parseMeta(file.Meta, opts.Meta)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid metadata", err)
	}

	lsOpts := []lockstep.Option{lockstep.WithConfig(file.Session), lockstep.WithLogger(log)}
	var journal *store.Journal
	if file.Journal != "" {
		st, err := store.Open(file.Journal)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		defer st.Close()
		journal = st.NewJournal(context.WithoutCancel(ctx), "host")
		lsOpts = append(lsOpts, lockstep.WithJournal(journal))
	}

	srv := ws.NewServer(serverOptions(file, log)...)
	loop := lockstep.NewLoop()
	m := machine.NewCalculator(opts.Seed...)
	host := lockstep.NewHost(m, srv, append(lsOpts, lockstep.WithScheduler(loop))...)
	srv.Bind(host)
	host.Subscribe(func(ev lockstep.Event) {
		switch ev.Kind {
		case lockstep.EventStart:
			// The journal session begins with the host.
			if journal != nil {
				formatter.VerboseLog("Journal: %s (session %s)", file.Journal, journal.SessionID())
			}
		case lockstep.EventConnect, lockstep.EventDisconnect, lockstep.EventFreeze, lockstep.EventUnfreeze:
			log.Info("roster", "event", ev.Kind.String(), "client", int(ev.ClientID), "tick", ev.TickID)
		case lockstep.EventError:
			log.Warn("session error", "code", string(lockstep.CodeOf(ev.Err)), "client", int(ev.ClientID), "error", ev.Err)
		}
	})

	ln, err := net.Listen("tcp", file.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/ws", srv)
	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", "error", err)
		}
	}()
	addr := ln.Addr().String()
	log.Info("hosting", "addr", "ws://"+addr+"/ws", "dynamic", file.Session.Dynamic)
	if opts.onListen != nil {
		opts.onListen(addr)
	}

	loopDone := make(chan error, 1)
	go func() { loopDone <- host.Run(context.WithoutCancel(ctx)) }()
	host.Start(meta)

	<-ctx.Done()
	log.Info("shutting down")

	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	host.Stop()
	loop.Close()
	if err := <-loopDone; err != nil {
		return WrapExitError(ExitFailure, "host loop failed", err)
	}

	session := ""
	if journal != nil {
		session = journal.SessionID()
	}
	return formatter.Success(newStateReport("host", session, host.TickID(), m.State()))
}

func serverOptions(file config.File, log *slog.Logger) []ws.ServerOption {
	opts := []ws.ServerOption{ws.WithServerLogger(log)}
	if file.RateLimit > 0 {
		burst := file.RateBurst
		if burst <= 0 {
			burst = max(1, int(file.RateLimit))
		}
		opts = append(opts, ws.WithRateLimit(rate.Limit(file.RateLimit), burst))
	}
	return opts
}

