package harness

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/lockstep/internal/lockstep"
	"github.com/roach88/lockstep/internal/machine"
	"github.com/roach88/lockstep/internal/testutil"
	"github.com/roach88/lockstep/internal/transport/local"
	"github.com/roach88/lockstep/internal/value"
)

// endpoint is what Host and Client have in common.
type endpoint interface {
	Send(a lockstep.Action) *lockstep.Future
	Subscribe(l lockstep.Listener) (unsubscribe func())
	TickID() int64
	Frozen() bool
	Started() bool
	Stop()
}

type member struct {
	name     string
	id       lockstep.ClientID
	ep       endpoint
	machine  *machine.ReducerMachine
	conn     *local.ClientConn
	recorder *testutil.Recorder
}

type pending struct {
	step   int
	from   string
	future *lockstep.Future
}

// Harness executes one scenario.
type Harness struct {
	scenario *Scenario
	sched    *testutil.ManualScheduler
	net      *local.Network
	host     *lockstep.Host
	cfg      lockstep.Config
	logger   *slog.Logger
	members  []*member
	futures  []pending
}

// Option configures a run.
type Option func(*Harness)

// WithLogger makes the run log through l. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Run executes a scenario and returns the result.
//
// Execution flow:
// 1. Start the host on a fresh virtual scheduler and network
// 2. Execute steps in order
// 3. Drain remaining posted work (no time passes)
// 4. Summarize endpoints and futures, then evaluate assertions
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	cfg, err := scenario.SessionConfig()
	if err != nil {
		return nil, err
	}

	h := &Harness{
		scenario: scenario,
		sched:    testutil.NewManualScheduler(),
		cfg:      cfg,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
	}
	for _, opt := range opts {
		opt(h)
	}

	var netOpts []local.Option
	netOpts = append(netOpts, local.WithLogger(h.logger))
	if scenario.Delay != "" {
		d, err := time.ParseDuration(scenario.Delay)
		if err != nil {
			return nil, fmt.Errorf("delay: %w", err)
		}
		netOpts = append(netOpts, local.WithDelay(d))
	}
	h.net = local.NewNetwork(h.sched, netOpts...)

	if err := h.startHost(); err != nil {
		return nil, err
	}

	for i, step := range scenario.Steps {
		if err := h.execute(i+1, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	h.sched.Drain()

	result := NewResult()
	for _, m := range h.members {
		result.Endpoints = append(result.Endpoints, summarize(m))
	}
	for _, p := range h.futures {
		result.Futures = append(result.Futures, outcome(p))
	}

	evaluate(scenario, result)
	return result, nil
}

func (h *Harness) startHost() error {
	meta, err := toObject(h.scenario.HostMeta)
	if err != nil {
		return fmt.Errorf("host_meta: %w", err)
	}
	m := machine.NewCalculator(h.scenario.Seed...)
	conn := h.net.Host()
	h.host = lockstep.NewHost(m, conn,
		lockstep.WithConfig(h.cfg),
		lockstep.WithScheduler(h.sched),
		lockstep.WithLogger(h.logger),
	)
	conn.Bind(h.host)
	h.members = append(h.members, &member{
		name:     HostName,
		id:       local.HostID,
		ep:       h.host,
		machine:  m,
		recorder: testutil.Record(h.host),
	})
	h.host.Start(meta)
	h.sched.Drain()
	if !h.host.Started() {
		return fmt.Errorf("host did not start")
	}
	return nil
}

func (h *Harness) execute(n int, step Step) error {
	switch {
	case step.Join != "":
		return h.join(step.Join)
	case step.Leave != "":
		m, err := h.member(step.Leave)
		if err != nil {
			return err
		}
		if err := m.conn.Disconnect(local.HostID); err != nil {
			return fmt.Errorf("leave %s: %w", m.name, err)
		}
	case step.Pause != "":
		m, err := h.member(step.Pause)
		if err != nil {
			return err
		}
		h.net.Pause(m.id)
	case step.Resume != "":
		m, err := h.member(step.Resume)
		if err != nil {
			return err
		}
		h.net.Resume(m.id)
	case step.Kick != "":
		m, err := h.member(step.Kick)
		if err != nil {
			return err
		}
		if err := h.host.Kick(m.id); err != nil {
			return err
		}
	case step.Stop != "":
		m, err := h.member(step.Stop)
		if err != nil {
			return err
		}
		m.ep.Stop()
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.sched.Advance(d)
		return nil
	case step.Send != nil:
		return h.send(n, step.Send)
	}
	h.sched.Drain()
	return nil
}

func (h *Harness) join(name string) error {
	if _, err := h.member(name); err == nil {
		return fmt.Errorf("client %s already joined", name)
	}
	def, _ := h.scenario.client(name)
	meta, err := toObject(def.Meta)
	if err != nil {
		return fmt.Errorf("client %s meta: %w", name, err)
	}
	conn := h.net.Dial()
	m := machine.NewCalculator()
	c := lockstep.NewClient(m, conn,
		lockstep.WithScheduler(h.sched),
		lockstep.WithLogger(h.logger.With("client", name)),
	)
	conn.Bind(c)
	h.members = append(h.members, &member{
		name:     name,
		id:       conn.ClientID(),
		ep:       c,
		machine:  m,
		conn:     conn,
		recorder: testutil.Record(c),
	})
	c.Join(meta)
	h.sched.Drain()
	return nil
}

func (h *Harness) send(n int, s *SendStep) error {
	m, err := h.member(s.From)
	if err != nil {
		return err
	}
	args, err := toObject(s.Args)
	if err != nil {
		return fmt.Errorf("send args: %w", err)
	}
	fut := m.ep.Send(lockstep.Action{Type: s.Type, Args: args})
	h.futures = append(h.futures, pending{step: n, from: s.From, future: fut})
	return nil
}

func (h *Harness) member(name string) (*member, error) {
	for _, m := range h.members {
		if m.name == name {
			return m, nil
		}
	}
	return nil, fmt.Errorf("endpoint %s has not joined", name)
}

func toObject(m map[string]any) (value.Object, error) {
	if m == nil {
		return nil, nil
	}
	v, err := value.From(m)
	if err != nil {
		return nil, err
	}
	return v.(value.Object), nil
}

func summarize(m *member) EndpointSummary {
	s := EndpointSummary{
		Name:    m.name,
		ID:      m.id,
		TickID:  m.ep.TickID(),
		State:   m.machine.State(),
		Started: m.ep.Started(),
		Frozen:  m.ep.Frozen(),
		Events:  make(map[string]int),
		Errors:  []string{},
	}
	for _, ev := range m.recorder.Events() {
		s.Events[ev.Kind.String()]++
		if ev.Kind == lockstep.EventError {
			code := string(lockstep.CodeOf(ev.Err))
			if code == "" {
				code = "UNKNOWN"
			}
			s.Errors = append(s.Errors, code)
		}
	}
	return s
}

func outcome(p pending) FutureOutcome {
	o := FutureOutcome{Step: p.step, Endpoint: p.from, Status: StatusPending}
	state, err, ok := p.future.Result()
	switch {
	case !ok:
	case err != nil:
		o.Status = StatusRejected
		o.Error = err.Error()
	default:
		o.Status = StatusResolved
		o.State = state
	}
	return o
}
