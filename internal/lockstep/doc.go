// Package lockstep implements the lockstep synchronizer: one authoritative host
// and N clients apply the identical, host-ordered sequence of action batches
// (ticks) to their own simulation machine.
//
// ARCHITECTURE:
//
// Single logical thread per endpoint:
// Every mutation of queues, the client roster and the machine happens inside
// callbacks run by the endpoint's Scheduler. Inbound transport callbacks and
// public calls (Start, Stop, Send, Handle*) post work onto the scheduler and
// return immediately. Timers (dynamic push debounce, tick seal debounce, fixed
// tick interval, liveness checks) fire on the same scheduler.
//
// Roles by composition:
// The shared engine owns tick sequencing, queues, freeze counting and futures.
// Client wraps an engine that pushes and acks over the Connector. Host wraps an
// engine whose push and ack are routed into the host's own ingestion path, plus
// the roster of remote clients, the host queue and the seal-time ring.
//
// Ordering:
//   - Frames are applied in strictly increasing tick id order; a gap or repeat
//     is a desync, reported and dropped, never healed.
//   - Actions inside a frame are applied in the order the host sealed them.
//   - The host seals actions in arrival order across clients. There is no
//     fairness policy beyond arrival order.
//   - Every endpoint, the host included, holds back FixedBuffer frames
//     before applying. The host keeps sealing regardless, so its sealed tick
//     may run ahead of the tick its machine has applied.
//
// Errors never escape the public entry points. They are logged and delivered
// as EventError to subscribers.
package lockstep
