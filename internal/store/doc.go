// Package store is the SQLite tick journal.
//
// A session row holds what an endpoint started from: its role, client id,
// config, metadata and the initial state snapshot with its digest. A frame
// row holds one applied tick: the ordered actions and the digest of the
// machine state after applying them.
//
// # Patterns
//
// Logical ordering:
//   - Frames are ordered by tick_id, sessions by id (UUIDv7, time sortable)
//   - Timestamps are informational only
//
// Idempotent writes:
//   - Frame inserts use ON CONFLICT DO NOTHING on (session_id, tick_id)
//
// Deterministic replay:
//   - Replay loads the snapshot into a Machine and re-runs every frame,
//     comparing digests tick by tick
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
