package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/value"
)

func mustParse(t *testing.T, yaml string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(yaml))
	require.NoError(t, err)
	return s
}

func TestRun_Minimal(t *testing.T) {
	result, err := Run(mustParse(t, minimalScenario))
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)

	host, ok := result.Endpoint(HostName)
	require.True(t, ok)
	assert.Equal(t, int64(1), host.TickID)
	assert.Equal(t, value.Array{value.Int(1)}, host.State)
}

func TestRun_FailedAssertionsAreReported(t *testing.T) {
	result, err := Run(mustParse(t, `
name: failing
description: "every assertion is wrong"
steps:
  - send: { from: host, type: number, args: { value: 1 } }
  - advance: 100ms
assertions:
  - type: final_state
    endpoint: host
    state: [2]
  - type: tick
    endpoint: host
    tick: 5
  - type: future
    step: 1
    status: rejected
`))
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "Expected: [2]")
	assert.Contains(t, result.Errors[1], "tick 1")
	assert.Contains(t, result.Errors[2], "resolved")
}

func TestRun_LeaveAndKick(t *testing.T) {
	result, err := Run(mustParse(t, `
name: roster
description: "one client leaves, the other is kicked"
clients:
  - name: alice
  - name: bob
steps:
  - join: alice
  - join: bob
  - leave: alice
  - kick: bob
  - send: { from: host, type: number, args: { value: 4 } }
  - advance: 100ms
assertions:
  - type: event_count
    endpoint: host
    event: disconnect
    count: 2
  - type: event_count
    endpoint: bob
    event: disconnect
    count: 1
  - type: final_state
    endpoint: host
    state: [4]
`))
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)

	alice, ok := result.Endpoint("alice")
	require.True(t, ok)
	assert.True(t, alice.Started, "leaving does not stop the client itself")
	bob, ok := result.Endpoint("bob")
	require.True(t, ok)
	assert.False(t, bob.Started)
}

func TestRun_StopLeavesFuturePending(t *testing.T) {
	result, err := Run(mustParse(t, `
name: stopped
description: "a stopped host seals nothing"
steps:
  - stop: host
  - send: { from: host, type: number, args: { value: 1 } }
  - advance: 1s
assertions:
  - type: future
    step: 2
    status: pending
  - type: event_count
    endpoint: host
    event: stop
    count: 1
`))
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
}

func TestRun_DelayedNetworkConverges(t *testing.T) {
	result, err := Run(mustParse(t, `
name: delayed
description: "a 20ms one-way delay still converges"
delay: 20ms
seed: [2]
clients:
  - name: alice
steps:
  - join: alice
  - advance: 100ms
  - send: { from: alice, type: number, args: { value: 5 } }
  - advance: 200ms
  - send: { from: host, type: "*" }
  - advance: 200ms
assertions:
  - type: converged
  - type: final_state
    endpoint: alice
    state: [10]
`))
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
}

func TestRun_JoinTwiceFails(t *testing.T) {
	_, err := Run(mustParse(t, `
name: twice
description: "joining twice is a scenario error"
clients:
  - name: alice
steps:
  - join: alice
  - join: alice
assertions:
  - type: converged
`))
	assert.ErrorContains(t, err, "already joined")
}

func TestRun_StepBeforeJoinFails(t *testing.T) {
	_, err := Run(mustParse(t, `
name: early
description: "pausing a client that never joined"
clients:
  - name: alice
steps:
  - pause: alice
assertions:
  - type: converged
`))
	assert.ErrorContains(t, err, "has not joined")
}

func TestRun_HostMeta(t *testing.T) {
	result, err := Run(mustParse(t, `
name: meta
description: "host metadata with floats is refused"
host_meta: { ratio: 0.5 }
steps:
  - advance: 1s
assertions:
  - type: converged
`))
	assert.Nil(t, result)
	assert.ErrorContains(t, err, "host_meta")
}
