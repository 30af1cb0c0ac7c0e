// Package harness runs lockstep sessions described in YAML scenarios.
//
// A scenario starts a host running the stack calculator, joins named
// clients over an in-process network and walks through a list of steps in
// virtual time. Every endpoint shares one testutil.ManualScheduler, so a
// scenario produces the same result on every run.
//
// # Scenario Format
//
//	name: two_clients_converge
//	description: "Clients see every action in the same order"
//	config:
//	  dynamic: true
//	  freeze_wait: 1s
//	seed: [9]
//	clients:
//	  - name: alice
//	    meta: { seat: 1 }
//	steps:
//	  - join: alice
//	  - send: { from: alice, type: number, args: { value: 3 } }
//	  - advance: 100ms
//	  - pause: alice
//	assertions:
//	  - type: converged
//	  - type: final_state
//	    endpoint: host
//	    state: [9, 3]
//
// The config block uses the session keys of a lockstep config file and is
// validated the same way.
//
// # Steps
//
//   - join, leave, pause, resume, kick, stop: name a client ("host" for stop)
//   - send: queue an action on an endpoint; its future is tracked by step
//   - advance: move virtual time forward
//
// # Assertion Types
//
//   - final_state: machine state of one endpoint
//   - converged: every started endpoint has the same tick and state
//   - tick: last applied tick of one endpoint
//   - event_count: number of events of one kind
//   - error_code: an error with the given code was reported
//   - future: outcome of the future created by a send step
//
// # Golden Files
//
// RunWithGolden compares a canonical JSON summary of the run with
// testdata/golden/{name}.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
