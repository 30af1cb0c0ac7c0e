package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/lockstep/internal/lockstep"
	"github.com/roach88/lockstep/internal/value"
)

// SessionRecord is the starting point of one journaled endpoint.
type SessionRecord struct {
	ID          string
	Role        string
	ClientID    lockstep.ClientID
	TickID      int64
	Config      lockstep.Config
	Meta        value.Object
	State       value.Value
	StateDigest string
	CreatedAt   time.Time
}

// FrameRecord is one applied tick.
type FrameRecord struct {
	SessionID   string
	TickID      int64
	RTT         time.Duration
	Actions     []lockstep.QueueItem
	StateDigest string
}

// WriteSession inserts a session row. Fails if the id already exists.
func (s *Store) WriteSession(ctx context.Context, rec SessionRecord) error {
	cfg, err := json.Marshal(rec.Config)
	if err != nil {
		return fmt.Errorf("write session: config: %w", err)
	}
	meta, err := value.Marshal(rec.Meta)
	if err != nil {
		return fmt.Errorf("write session: meta: %w", err)
	}
	state, err := value.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("write session: state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, role, client_id, tick_id, config, meta, state, state_digest, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Role, int(rec.ClientID), rec.TickID, string(cfg), string(meta), string(state),
		rec.StateDigest, rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write session %s: %w", rec.ID, err)
	}
	return nil
}

// WriteFrame inserts a frame row. Idempotent: the first write for a
// (session, tick) pair wins.
func (s *Store) WriteFrame(ctx context.Context, rec FrameRecord) error {
	actions := rec.Actions
	if actions == nil {
		actions = []lockstep.QueueItem{}
	}
	data, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("write frame: actions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO frames (session_id, tick_id, rtt_ns, actions, state_digest)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, tick_id) DO NOTHING
	`, rec.SessionID, rec.TickID, int64(rec.RTT), string(data), rec.StateDigest)
	if err != nil {
		return fmt.Errorf("write frame %s/%d: %w", rec.SessionID, rec.TickID, err)
	}
	return nil
}
