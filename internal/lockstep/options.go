package lockstep

import (
	"context"
	"log/slog"

	"github.com/roach88/lockstep/internal/value"
)

// Journal records what an endpoint applied so a session can be replayed
// offline. Calls happen on the scheduler; a failing journal is logged and
// never stops the simulation.
type Journal interface {
	Begin(snapshot ConnectData) error
	Append(frame Frame, stateDigest string) error
}

// ActionHandler validates or transforms an action accepted by the host.
// Returning false drops the action.
type ActionHandler func(item QueueItem, client ClientInfo) (QueueItem, bool)

// ConnectionHandler transforms or vetoes join metadata. A non-nil error
// rejects the join.
type ConnectionHandler func(meta value.Object, id ClientID) (value.Object, error)

// Option configures a Client or Host.
type Option func(*options)

type options struct {
	cfg               Config
	sched             Scheduler
	log               *slog.Logger
	journal           Journal
	actionHandler     ActionHandler
	connectionHandler ConnectionHandler
}

func buildOptions(opts []Option) options {
	o := options{cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.sched == nil {
		o.sched = NewLoop()
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	return o
}

// WithConfig sets the session config. Clients replace it with the host's
// config when they join.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithScheduler sets the scheduler. Default: a new Loop that the caller runs
// through Run.
func WithScheduler(s Scheduler) Option {
	return func(o *options) { o.sched = s }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithJournal records the session snapshot and every applied frame.
func WithJournal(j Journal) Option {
	return func(o *options) { o.journal = j }
}

// WithActionHandler replaces the host's default action validation (which
// stamps the sender's client id). Ignored by clients.
func WithActionHandler(h ActionHandler) Option {
	return func(o *options) { o.actionHandler = h }
}

// WithConnectionHandler installs the host's join hook. Ignored by clients.
func WithConnectionHandler(h ConnectionHandler) Option {
	return func(o *options) { o.connectionHandler = h }
}

// runner is implemented by schedulers that need a goroutine, like Loop.
type runner interface {
	Run(ctx context.Context) error
}
