package lockstep_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/lockstep"
	"github.com/roach88/lockstep/internal/machine"
	"github.com/roach88/lockstep/internal/testutil"
	"github.com/roach88/lockstep/internal/transport/local"
	"github.com/roach88/lockstep/internal/value"
)

// session is a host plus clients on one local network and one virtual
// scheduler.
type session struct {
	t       *testing.T
	sched   *testutil.ManualScheduler
	net     *local.Network
	host    *lockstep.Host
	machine *machine.ReducerMachine
	events  *testutil.Recorder
}

type peer struct {
	client  *lockstep.Client
	conn    *local.ClientConn
	machine *machine.ReducerMachine
	events  *testutil.Recorder
}

func testConfig() lockstep.Config {
	return lockstep.Config{
		Dynamic:         true,
		DynamicPushWait: 10 * time.Millisecond,
		DynamicTickWait: 10 * time.Millisecond,
		FixedTick:       50 * time.Millisecond,
		FixedBuffer:     0,
		DisconnectWait:  3 * time.Second,
		FreezeWait:      time.Second,
	}
}

func newSession(t *testing.T, cfg lockstep.Config, seed []int64, opts ...lockstep.Option) *session {
	t.Helper()
	sched := testutil.NewManualScheduler()
	net := local.NewNetwork(sched)
	m := machine.NewCalculator(seed...)
	conn := net.Host()
	opts = append([]lockstep.Option{lockstep.WithConfig(cfg), lockstep.WithScheduler(sched)}, opts...)
	host := lockstep.NewHost(m, conn, opts...)
	conn.Bind(host)
	s := &session{t: t, sched: sched, net: net, host: host, machine: m, events: testutil.Record(host)}
	host.Start(nil)
	sched.Drain()
	require.True(t, host.Started())
	return s
}

func (s *session) join(meta value.Object) *peer {
	s.t.Helper()
	conn := s.net.Dial()
	m := machine.NewCalculator()
	c := lockstep.NewClient(m, conn, lockstep.WithScheduler(s.sched))
	conn.Bind(c)
	p := &peer{client: c, conn: conn, machine: m, events: testutil.Record(c)}
	c.Join(meta)
	s.sched.Drain()
	return p
}

func stack(ns ...int64) value.Array {
	out := value.Array{}
	for _, n := range ns {
		out = append(out, value.Int(n))
	}
	return out
}

func settled(t *testing.T, f *lockstep.Future) (value.Value, error) {
	t.Helper()
	state, err, ok := f.Result()
	require.True(t, ok, "future %d still pending", f.PromiseID())
	return state, err
}

func TestHost_SingleActionResolvesWithState(t *testing.T) {
	s := newSession(t, testConfig(), nil)

	fut := s.host.Send(machine.Number(9))
	s.sched.Advance(100 * time.Millisecond)

	state, err := settled(t, fut)
	require.NoError(t, err)
	assert.Equal(t, stack(9), state)
	assert.Equal(t, stack(9), s.machine.State())
	assert.Equal(t, int64(1), s.host.TickID())
	assert.Equal(t, []int64{1}, s.events.Ticks())
}

func TestHost_SequentialActions(t *testing.T) {
	s := newSession(t, testConfig(), []int64{5, 4})
	fut := s.host.Send(machine.Op(machine.OpAdd))
	s.sched.Advance(100 * time.Millisecond)
	state, err := settled(t, fut)
	require.NoError(t, err)
	assert.Equal(t, stack(9), state)

	for _, a := range []lockstep.Action{machine.Number(3), machine.Number(4), machine.Op(machine.OpMul), machine.Op(machine.OpAdd)} {
		f := s.host.Send(a)
		s.sched.Advance(100 * time.Millisecond)
		_, err := settled(t, f)
		require.NoError(t, err)
	}
	assert.Equal(t, stack(21), s.machine.State())
}

func TestClient_ConvergesWithHost(t *testing.T) {
	s := newSession(t, testConfig(), []int64{9})
	p := s.join(value.Object{"name": value.String("alice")})

	require.True(t, p.client.Started())
	assert.Equal(t, stack(9), p.machine.State(), "snapshot loaded on join")
	assert.Equal(t, value.Object{"name": value.String("alice")}, p.client.Meta())

	fut := p.client.Send(machine.Number(3))
	s.sched.Advance(100 * time.Millisecond)
	state, err := settled(t, fut)
	require.NoError(t, err)
	assert.Equal(t, stack(9, 3), state)
	assert.Equal(t, stack(9, 3), s.machine.State())

	p.client.Send(machine.Number(4))
	fut = p.client.Send(machine.Op(machine.OpMul))
	s.sched.Advance(100 * time.Millisecond)
	state, err = settled(t, fut)
	require.NoError(t, err)
	assert.Equal(t, stack(9, 12), state)
	assert.Equal(t, stack(9, 12), s.machine.State())
	assert.Equal(t, stack(9, 12), p.machine.State())
	assert.Equal(t, s.host.TickID(), p.client.TickID())
	assert.Empty(t, s.events.Errors())
	assert.Empty(t, p.events.Errors())
}

func TestClient_ActionsStampedWithSender(t *testing.T) {
	var seen []lockstep.ClientID
	handler := func(item lockstep.QueueItem, c lockstep.ClientInfo) (lockstep.QueueItem, bool) {
		seen = append(seen, c.ID)
		item.ClientID = c.ID
		return item, true
	}
	s := newSession(t, testConfig(), nil, lockstep.WithActionHandler(handler))
	p := s.join(nil)

	s.host.Send(machine.Number(1))
	s.sched.Advance(100 * time.Millisecond)
	p.client.Send(machine.Number(2))
	s.sched.Advance(100 * time.Millisecond)

	assert.Equal(t, []lockstep.ClientID{local.HostID, p.conn.ClientID()}, seen)
	assert.Equal(t, stack(1, 2), p.machine.State())
}

func TestHost_ActionHandlerCanDrop(t *testing.T) {
	handler := func(item lockstep.QueueItem, c lockstep.ClientInfo) (lockstep.QueueItem, bool) {
		if item.Type == machine.OpDiv {
			return item, false
		}
		item.ClientID = c.ID
		return item, true
	}
	s := newSession(t, testConfig(), []int64{0, 1}, lockstep.WithActionHandler(handler))

	dropped := s.host.Send(machine.Op(machine.OpDiv))
	kept := s.host.Send(machine.Number(2))
	s.sched.Advance(100 * time.Millisecond)

	_, err := settled(t, kept)
	require.NoError(t, err)
	_, _, ok := dropped.Result()
	assert.False(t, ok, "dropped action never reaches the machine")
	assert.Equal(t, stack(0, 1, 2), s.machine.State())
}

func TestClient_FrameGapIsDesync(t *testing.T) {
	s := newSession(t, testConfig(), []int64{9})
	p := s.join(nil)
	p.events.Reset()
	s.events.Reset()

	p.client.HandleAction(lockstep.Frame{ID: 2, Actions: []lockstep.QueueItem{
		{Action: machine.Number(1)},
	}}, local.HostID)
	s.sched.Drain()

	errs := p.events.Errors()
	require.Len(t, errs, 1)
	assert.True(t, lockstep.IsDesync(errs[0]))
	assert.Equal(t, int64(0), p.client.TickID())
	assert.Equal(t, stack(9), p.machine.State())
	assert.Empty(t, p.events.Ticks())

	// The desync is reported to the host as well.
	hostErrs := s.events.Errors()
	require.Len(t, hostErrs, 1)
	assert.True(t, lockstep.IsDesync(hostErrs[0]))
}

func TestClient_RepeatedFrameIsDesync(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	p := s.join(nil)

	s.host.Send(machine.Number(1))
	s.sched.Advance(100 * time.Millisecond)
	require.Equal(t, int64(1), p.client.TickID())
	p.events.Reset()

	p.client.HandleAction(lockstep.Frame{ID: 1, Actions: []lockstep.QueueItem{{Action: machine.Number(1)}}}, local.HostID)
	s.sched.Drain()

	require.Len(t, p.events.Errors(), 1)
	assert.True(t, lockstep.IsDesync(p.events.Errors()[0]))
	assert.Equal(t, stack(1), p.machine.State())
}

func TestClient_NilActionsIsProtocolError(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	p := s.join(nil)
	p.events.Reset()

	p.client.HandleAction(lockstep.Frame{ID: 1}, local.HostID)
	s.sched.Drain()

	require.Len(t, p.events.Errors(), 1)
	assert.True(t, lockstep.IsProtocol(p.events.Errors()[0]))
	assert.Equal(t, int64(0), p.client.TickID())
}

func TestClient_SecondConnectRefused(t *testing.T) {
	s := newSession(t, testConfig(), []int64{1})
	p := s.join(nil)
	p.events.Reset()

	p.client.HandleConnect(lockstep.ConnectData{State: stack(5), Config: testConfig()}, local.HostID)
	s.sched.Drain()

	require.Len(t, p.events.Errors(), 1)
	assert.Equal(t, lockstep.ErrCodeState, lockstep.CodeOf(p.events.Errors()[0]))
	assert.Equal(t, stack(1), p.machine.State())
}

func TestClient_ExecutionErrorRejectsOwnFuture(t *testing.T) {
	s := newSession(t, testConfig(), []int64{9})
	p := s.join(nil)
	s.events.Reset()

	bad := p.client.Send(machine.Op(machine.OpDiv))
	good := p.client.Send(machine.Number(5))
	s.sched.Advance(100 * time.Millisecond)

	_, err := settled(t, bad)
	require.ErrorIs(t, err, machine.ErrStackUnderflow)
	state, err := settled(t, good)
	require.NoError(t, err)
	assert.Equal(t, stack(9, 5), state, "remaining actions of the tick still run")

	assert.Empty(t, p.events.Errors(), "own failure goes to the future only")
	hostErrs := s.events.Errors()
	require.Len(t, hostErrs, 1)
	assert.True(t, lockstep.IsExecution(hostErrs[0]))
	assert.ErrorIs(t, hostErrs[0], machine.ErrStackUnderflow)
}

func TestHost_MachinePanicBecomesError(t *testing.T) {
	sched := testutil.NewManualScheduler()
	net := local.NewNetwork(sched)
	m := machine.New(value.Array{}, func(value.Value, lockstep.QueueItem) (value.Value, error) {
		panic("boom")
	})
	conn := net.Host()
	host := lockstep.NewHost(m, conn, lockstep.WithConfig(testConfig()), lockstep.WithScheduler(sched))
	conn.Bind(host)
	host.Start(nil)

	fut := host.Send(machine.Number(1))
	sched.Advance(100 * time.Millisecond)

	_, err := settled(t, fut)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, int64(1), host.TickID())
}

func TestFuture_WaitHonorsContext(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	fut := s.host.Send(machine.Number(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fut.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)

	s.sched.Advance(100 * time.Millisecond)
	state, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stack(1), state)
	select {
	case <-fut.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestPromiseIDsAreUnique(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	seen := map[int64]bool{}
	for i := 0; i < 20; i++ {
		f := s.host.Send(machine.Number(int64(i)))
		assert.False(t, seen[f.PromiseID()])
		seen[f.PromiseID()] = true
	}
}

func TestHost_SilentClientFreezesThenRecovers(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	p := s.join(nil)
	id := p.conn.ClientID()
	s.events.Reset()

	s.net.Pause(id)
	s.host.Send(machine.Number(1))
	s.sched.Advance(100 * time.Millisecond)
	require.Equal(t, int64(1), s.host.TickID(), "not yet past freezeWait")

	s.sched.Advance(2 * time.Second)
	pending := s.host.Send(machine.Number(2))
	s.sched.Advance(100 * time.Millisecond)

	assert.Equal(t, 1, s.events.Count(lockstep.EventFreeze))
	assert.True(t, s.host.Frozen())
	assert.Equal(t, int64(1), s.host.TickID(), "no tick sealed while frozen")
	_, _, ok := pending.Result()
	assert.False(t, ok)

	s.net.Resume(id)
	s.sched.Advance(100 * time.Millisecond)

	assert.Equal(t, 1, s.events.Count(lockstep.EventUnfreeze))
	assert.False(t, s.host.Frozen())
	_, err := settled(t, pending)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.host.TickID())
	assert.Equal(t, stack(1, 2), p.machine.State())
	assert.Equal(t, 0, s.events.Count(lockstep.EventDisconnect))
}

func TestHost_SilentClientIsDisconnected(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	p := s.join(nil)
	id := p.conn.ClientID()
	s.events.Reset()

	s.net.Pause(id)
	s.host.Send(machine.Number(1))
	s.sched.Advance(100 * time.Millisecond)
	s.sched.Advance(2 * time.Second)
	pending := s.host.Send(machine.Number(2))
	s.sched.Advance(100 * time.Millisecond)
	require.True(t, s.host.Frozen())

	// The liveness timer keeps checking without any traffic.
	s.sched.Advance(3*time.Second + 200*time.Millisecond)

	assert.Equal(t, 1, s.events.Count(lockstep.EventDisconnect))
	assert.False(t, s.host.Frozen())
	errs := s.events.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, lockstep.ErrCodeLiveness, lockstep.CodeOf(errs[0]))

	require.Len(t, s.host.Clients(), 1, "only the host remains")
	_, err := settled(t, pending)
	require.NoError(t, err, "ticks resume once the client is gone")
	assert.Equal(t, stack(1, 2), s.machine.State())

	assert.False(t, p.client.Started())
	assert.Equal(t, 1, p.events.Count(lockstep.EventDisconnect))
	assert.Equal(t, 0, s.sched.Pending(), "no timers left behind")
}

func TestHost_FreezeIsEdgeTriggered(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	a := s.join(nil)
	b := s.join(nil)
	s.events.Reset()

	s.net.Pause(a.conn.ClientID())
	s.net.Pause(b.conn.ClientID())
	s.host.Send(machine.Number(1))
	s.sched.Advance(2 * time.Second)
	s.host.Send(machine.Number(2))
	s.sched.Advance(100 * time.Millisecond)
	require.True(t, s.host.Frozen())
	assert.Equal(t, 1, s.events.Count(lockstep.EventFreeze), "two frozen clients, one notification")

	s.net.Resume(a.conn.ClientID())
	s.sched.Advance(100 * time.Millisecond)
	assert.True(t, s.host.Frozen())
	assert.Equal(t, 0, s.events.Count(lockstep.EventUnfreeze))

	s.net.Resume(b.conn.ClientID())
	s.sched.Advance(100 * time.Millisecond)
	assert.False(t, s.host.Frozen())
	assert.Equal(t, 1, s.events.Count(lockstep.EventUnfreeze))
	assert.Equal(t, stack(1, 2), a.machine.State())
	assert.Equal(t, stack(1, 2), b.machine.State())
}

func TestHost_JoinFreezesUntilFirstAck(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	first := s.join(nil)
	require.False(t, s.host.Frozen())
	s.events.Reset()

	conn := s.net.Dial()
	m := machine.NewCalculator()
	c := lockstep.NewClient(m, conn, lockstep.WithScheduler(s.sched))
	conn.Bind(c)

	// Let the join request through, hold the snapshot and the ack.
	s.net.Pause(conn.ClientID())
	c.Join(nil)
	s.sched.Drain()
	s.net.Resume(conn.ClientID())
	s.net.Pause(conn.ClientID())
	s.sched.Drain()
	assert.True(t, s.host.Frozen(), "new client frozen until it acks")
	assert.Equal(t, 1, s.events.Count(lockstep.EventConnect))
	assert.Equal(t, 1, s.events.Count(lockstep.EventFreeze))

	s.host.Send(machine.Number(7))
	s.sched.Advance(100 * time.Millisecond)
	assert.Equal(t, int64(0), s.host.TickID())

	s.net.Resume(conn.ClientID())
	s.sched.Advance(100 * time.Millisecond)
	assert.False(t, s.host.Frozen())
	assert.Equal(t, int64(1), s.host.TickID())
	assert.Equal(t, stack(7), m.State())
	assert.Equal(t, stack(7), first.machine.State())
}

func TestHost_DuplicateAckIsIgnored(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	p := s.join(nil)
	id := p.conn.ClientID()

	s.host.Send(machine.Number(1))
	s.sched.Advance(100 * time.Millisecond)
	require.Equal(t, int64(1), s.host.TickID())
	s.events.Reset()

	s.host.HandleAck(lockstep.Ack{ID: 1, Actions: []lockstep.QueueItem{}}, id)
	s.sched.Advance(100 * time.Millisecond)
	assert.Empty(t, s.events.Errors())

	var info lockstep.ClientInfo
	for _, c := range s.host.Clients() {
		if c.ID == id {
			info = c
		}
	}
	assert.Equal(t, int64(1), info.AckID)

	// Actions riding on a duplicate still reach the host queue.
	s.host.HandleAck(lockstep.Ack{ID: 1, Actions: []lockstep.QueueItem{{Action: machine.Number(2)}}}, id)
	s.sched.Advance(100 * time.Millisecond)
	assert.Empty(t, s.events.Errors())
	assert.Equal(t, stack(1, 2), s.machine.State())
	assert.Equal(t, stack(1, 2), p.machine.State())
}

func TestHost_AckErrors(t *testing.T) {
	tests := []struct {
		name string
		ack  lockstep.Ack
		from func(p *peer) lockstep.ClientID
		code lockstep.ErrorCode
	}{
		{
			name: "skips a tick",
			ack:  lockstep.Ack{ID: 3, Actions: []lockstep.QueueItem{}},
			code: lockstep.ErrCodeDesync,
		},
		{
			name: "from the future",
			ack:  lockstep.Ack{ID: 2, Actions: []lockstep.QueueItem{}},
			code: lockstep.ErrCodeDesync,
		},
		{
			name: "unknown client",
			ack:  lockstep.Ack{ID: 2, Actions: []lockstep.QueueItem{}},
			from: func(*peer) lockstep.ClientID { return 42 },
			code: lockstep.ErrCodeProtocol,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t, testConfig(), nil)
			p := s.join(nil)
			s.host.Send(machine.Number(1))
			s.sched.Advance(100 * time.Millisecond)
			require.Equal(t, int64(1), s.host.TickID())
			s.events.Reset()

			from := p.conn.ClientID()
			if tt.from != nil {
				from = tt.from(p)
			}
			s.host.HandleAck(tt.ack, from)
			s.sched.Drain()

			errs := s.events.Errors()
			require.Len(t, errs, 1)
			assert.Equal(t, tt.code, lockstep.CodeOf(errs[0]))
			assert.Equal(t, int64(1), s.host.TickID())
		})
	}
}

func TestHost_NilAckActionsIsProtocolError(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	p := s.join(nil)
	s.host.Send(machine.Number(1))
	s.sched.Advance(100 * time.Millisecond)
	s.net.Pause(p.conn.ClientID())
	s.host.Send(machine.Number(2))
	s.sched.Advance(100 * time.Millisecond)
	require.Equal(t, int64(2), s.host.TickID())
	s.events.Reset()

	// Client has acked 1; a next ack at 2 without actions.
	s.host.HandleAck(lockstep.Ack{ID: 2}, p.conn.ClientID())
	s.sched.Drain()

	errs := s.events.Errors()
	require.Len(t, errs, 1)
	assert.True(t, lockstep.IsProtocol(errs[0]))
}

func TestHost_PushFromUnknownClient(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	s.host.HandleAction(lockstep.Frame{Actions: []lockstep.QueueItem{{Action: machine.Number(1)}}}, 9)
	s.sched.Advance(100 * time.Millisecond)

	errs := s.events.Errors()
	require.Len(t, errs, 1)
	assert.True(t, lockstep.IsProtocol(errs[0]))
	assert.Equal(t, int64(0), s.host.TickID())
}

func TestHost_DisconnectUnknownClient(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	s.host.HandleDisconnect(9)
	s.sched.Drain()

	errs := s.events.Errors()
	require.Len(t, errs, 1)
	assert.True(t, lockstep.IsProtocol(errs[0]))
	assert.Equal(t, 0, s.events.Count(lockstep.EventDisconnect))
}

func TestHost_ClientLeaves(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	p := s.join(nil)
	require.Len(t, s.host.Clients(), 2)

	require.NoError(t, p.conn.Disconnect(local.HostID))
	s.sched.Drain()

	assert.Equal(t, 1, s.events.Count(lockstep.EventDisconnect))
	require.Len(t, s.host.Clients(), 1)

	fut := s.host.Send(machine.Number(3))
	s.sched.Advance(100 * time.Millisecond)
	_, err := settled(t, fut)
	require.NoError(t, err)
}

func TestHost_Kick(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	p := s.join(nil)

	require.NoError(t, s.host.Kick(p.conn.ClientID()))
	s.sched.Drain()
	assert.False(t, p.client.Started())
	assert.Len(t, s.host.Clients(), 1)

	require.ErrorIs(t, s.host.Kick(99), lockstep.ErrUnknownClient)
}

func TestHost_KickSelfRefused(t *testing.T) {
	s := newSession(t, testConfig(), nil)

	require.ErrorIs(t, s.host.Kick(s.host.Clients()[0].ID), lockstep.ErrKickHost)
	s.sched.Drain()
	require.Len(t, s.host.Clients(), 1, "host keeps its own record")

	fut := s.host.Send(machine.Number(3))
	s.sched.Advance(100 * time.Millisecond)
	_, err := settled(t, fut)
	require.NoError(t, err)
	assert.Empty(t, s.events.Errors())
}

func TestHost_ConnectionHandler(t *testing.T) {
	rejected := errors.New("banned")
	handler := func(meta value.Object, id lockstep.ClientID) (value.Object, error) {
		if name, _ := meta.String("name"); name == "mallory" {
			return nil, rejected
		}
		out := meta.Clone()
		if out == nil {
			out = value.Object{}
		}
		out["seat"] = value.Int(int64(id))
		return out, nil
	}
	s := newSession(t, testConfig(), nil, lockstep.WithConnectionHandler(handler))
	assert.Equal(t, value.Object{"seat": value.Int(0)}, s.host.Meta())

	ok := s.join(value.Object{"name": value.String("alice")})
	require.True(t, ok.client.Started())
	assert.Equal(t, value.Object{"name": value.String("alice"), "seat": value.Int(int64(ok.conn.ClientID()))}, ok.client.Meta())

	s.events.Reset()
	bad := s.join(value.Object{"name": value.String("mallory")})
	assert.False(t, bad.client.Started())
	require.Len(t, s.events.Errors(), 1)
	assert.True(t, lockstep.IsRejected(s.events.Errors()[0]))
	require.Len(t, bad.events.Errors(), 1)
	assert.True(t, lockstep.IsRejected(bad.events.Errors()[0]), "rejection forwarded to the client")
	assert.Len(t, s.host.Clients(), 2)
	assert.False(t, s.host.Frozen())
}

func TestHost_DuplicateJoinRejected(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	p := s.join(nil)
	s.events.Reset()

	s.host.HandleConnect(lockstep.ConnectData{}, p.conn.ClientID())
	s.sched.Drain()

	require.Len(t, s.events.Errors(), 1)
	assert.Equal(t, lockstep.ErrCodeState, lockstep.CodeOf(s.events.Errors()[0]))
	assert.Len(t, s.host.Clients(), 2)
}

func TestHost_ClientsSnapshot(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	p := s.join(value.Object{"name": value.String("bob")})
	s.host.Send(machine.Number(1))
	s.sched.Advance(100 * time.Millisecond)

	clients := s.host.Clients()
	require.Len(t, clients, 2)
	assert.Equal(t, local.HostID, clients[0].ID)
	assert.Equal(t, p.conn.ClientID(), clients[1].ID)
	assert.True(t, clients[1].Connected)
	assert.False(t, clients[1].Frozen)
	assert.True(t, clients[1].FreezeTime.IsZero())
	assert.Equal(t, int64(1), clients[1].AckID)
	assert.LessOrEqual(t, clients[1].AckID, s.host.TickID())

	clients[1].Meta["name"] = value.String("changed")
	assert.Equal(t, value.String("bob"), s.host.Clients()[1].Meta["name"])
}

func TestFixedMode_ManyClients(t *testing.T) {
	cfg := testConfig()
	cfg.Dynamic = false
	cfg.FixedTick = 100 * time.Millisecond
	cfg.FixedBuffer = 0
	cfg.FreezeWait = 2 * time.Second
	cfg.DisconnectWait = 10 * time.Second
	s := newSession(t, cfg, nil)

	peers := []*peer{s.join(nil), s.join(nil), s.join(nil)}

	s.host.Send(machine.Number(3))
	s.host.Send(machine.Number(3))
	last := s.host.Send(machine.Op(machine.OpMul))
	s.sched.Advance(time.Second)
	state, err := settled(t, last)
	require.NoError(t, err)
	assert.Equal(t, stack(9), state)

	k := int64(10)
	for i := len(peers) - 1; i >= 0; i-- {
		c := peers[i].client
		c.Send(machine.Number(k))
		c.Send(machine.Number(k + 1))
		c.Send(machine.Op(machine.OpAdd))
		fut := c.Send(machine.Op(machine.OpAdd))
		k += 2
		s.sched.Advance(time.Second)
		_, err := settled(t, fut)
		require.NoError(t, err)
	}
	s.sched.Advance(time.Second)

	assert.Equal(t, stack(84), s.machine.State())
	for _, p := range peers {
		assert.Equal(t, stack(84), p.machine.State())
		assert.Equal(t, s.host.TickID(), p.client.TickID())
	}
	assert.Empty(t, s.events.Errors())
}

func TestFixedMode_SealsEmptyTicks(t *testing.T) {
	cfg := testConfig()
	cfg.Dynamic = false
	cfg.FixedTick = 100 * time.Millisecond
	s := newSession(t, cfg, nil)

	s.sched.Advance(350 * time.Millisecond)
	assert.Equal(t, int64(3), s.host.TickID())
	assert.Equal(t, []int64{1, 2, 3}, s.events.Ticks())
}

func TestFixedMode_ClientHoldsBuffer(t *testing.T) {
	cfg := testConfig()
	cfg.Dynamic = false
	cfg.FixedTick = 100 * time.Millisecond
	cfg.FixedBuffer = 2
	s := newSession(t, cfg, nil)
	p := s.join(nil)

	s.sched.Advance(250 * time.Millisecond)
	// Two frames sealed, both held back on either side.
	assert.Equal(t, int64(2), s.host.SealedTickID())
	assert.Equal(t, int64(0), s.host.TickID())
	assert.True(t, s.host.Frozen())
	assert.Equal(t, int64(0), p.client.TickID())
	assert.True(t, p.client.Frozen())
	assert.Equal(t, 1, p.events.Count(lockstep.EventFreeze))

	s.sched.Advance(time.Second)
	assert.False(t, s.host.Frozen())
	assert.Equal(t, s.host.SealedTickID()-2, s.host.TickID())
	assert.False(t, p.client.Frozen())
	assert.Equal(t, s.host.SealedTickID()-2, p.client.TickID())
	assert.Equal(t, 1, p.events.Count(lockstep.EventUnfreeze))
}

func TestDynamicMode_BufferHoldsFrames(t *testing.T) {
	cfg := testConfig()
	cfg.FixedBuffer = 1
	s := newSession(t, cfg, nil)
	p := s.join(nil)
	require.False(t, p.client.Frozen())

	first := s.host.Send(machine.Number(9))
	s.sched.Advance(100 * time.Millisecond)

	assert.Equal(t, int64(1), s.host.SealedTickID())
	assert.Equal(t, int64(0), s.host.TickID())
	assert.Empty(t, s.machine.State())
	assert.True(t, s.host.Frozen())
	assert.Equal(t, int64(0), p.client.TickID())
	assert.Empty(t, p.machine.State())
	assert.True(t, p.client.Frozen())
	assert.Equal(t, 1, p.events.Count(lockstep.EventFreeze))
	_, _, ok := first.Result()
	assert.False(t, ok, "held frame not applied yet")

	// A sealed frame still reaches a client while the host holds its own.
	second := p.client.Send(machine.Number(1))
	s.sched.Advance(100 * time.Millisecond)

	state, err := settled(t, first)
	require.NoError(t, err)
	assert.Equal(t, stack(9), state)
	_, _, ok = second.Result()
	assert.False(t, ok)

	assert.Equal(t, int64(2), s.host.SealedTickID())
	assert.Equal(t, int64(1), s.host.TickID())
	assert.Equal(t, int64(1), p.client.TickID())
	assert.Equal(t, stack(9), s.machine.State())
	assert.Equal(t, stack(9), p.machine.State())
	assert.False(t, s.host.Frozen())
	assert.False(t, p.client.Frozen())
	assert.Equal(t, 1, p.events.Count(lockstep.EventUnfreeze))
	assert.Empty(t, s.events.Errors())
	assert.Empty(t, p.events.Errors())
}

func TestDynamicMode_JoinReceivesHeldFrames(t *testing.T) {
	cfg := testConfig()
	cfg.FixedBuffer = 1
	s := newSession(t, cfg, nil)

	s.host.Send(machine.Number(9))
	s.sched.Advance(100 * time.Millisecond)
	require.Equal(t, int64(1), s.host.SealedTickID())
	require.Equal(t, int64(0), s.host.TickID())

	p := s.join(nil)
	require.True(t, p.client.Started())
	assert.Equal(t, int64(0), p.client.TickID(), "snapshot is the applied state")
	assert.True(t, p.client.Frozen(), "held frame delivered after the snapshot")

	s.host.Send(machine.Number(1))
	s.sched.Advance(100 * time.Millisecond)

	assert.Equal(t, int64(1), s.host.TickID())
	assert.Equal(t, int64(1), p.client.TickID())
	assert.Equal(t, stack(9), p.machine.State())
	assert.Equal(t, s.machine.State(), p.machine.State())
	assert.Empty(t, s.events.Errors())
	assert.Empty(t, p.events.Errors())

	clients := s.host.Clients()
	require.Len(t, clients, 2)
	assert.Equal(t, int64(2), clients[1].AckID)
	assert.False(t, clients[1].Frozen)
}

func TestStop_CancelsTimersAndLeavesFuturesPending(t *testing.T) {
	cfg := testConfig()
	cfg.Dynamic = false
	s := newSession(t, cfg, nil)
	p := s.join(nil)

	pending := p.client.Send(machine.Number(1))
	s.host.Stop()
	p.client.Stop()
	s.sched.Drain()

	assert.False(t, s.host.Started())
	assert.False(t, p.client.Started())
	assert.Equal(t, 1, s.events.Count(lockstep.EventStop))
	assert.Equal(t, 0, s.sched.Pending())

	s.sched.Advance(5 * time.Second)
	_, _, ok := pending.Result()
	assert.False(t, ok)
}

func TestEvents_Unsubscribe(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	count := 0
	unsubscribe := s.host.Subscribe(func(ev lockstep.Event) {
		if ev.Kind == lockstep.EventTick {
			count++
		}
	})
	s.host.Send(machine.Number(1))
	s.sched.Advance(100 * time.Millisecond)
	unsubscribe()
	s.host.Send(machine.Number(2))
	s.sched.Advance(100 * time.Millisecond)

	assert.Equal(t, 1, count)
}

func TestClient_RTTFromHost(t *testing.T) {
	sched := testutil.NewManualScheduler()
	net := local.NewNetwork(sched, local.WithDelay(20*time.Millisecond))
	conn := net.Host()
	host := lockstep.NewHost(machine.NewCalculator(), conn, lockstep.WithConfig(testConfig()), lockstep.WithScheduler(sched))
	conn.Bind(host)
	host.Start(nil)
	sched.Drain()

	cc := net.Dial()
	c := lockstep.NewClient(machine.NewCalculator(), cc, lockstep.WithScheduler(sched))
	cc.Bind(c)
	c.Join(nil)
	sched.Advance(time.Second)
	require.True(t, c.Started())

	for i := 0; i < 3; i++ {
		c.Send(machine.Number(int64(i)))
		sched.Advance(time.Second)
	}
	var rtt time.Duration
	for _, info := range host.Clients() {
		if info.ID == cc.ClientID() {
			rtt = info.RTT
		}
	}
	assert.Equal(t, 40*time.Millisecond, rtt, "seal to ack is two hops")
	assert.Equal(t, 40*time.Millisecond, c.RTT())
}
