package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/lockstep/internal/lockstep"
	"github.com/roach88/lockstep/internal/value"
)

// ErrSessionNotFound is returned when a session id has no row.
var ErrSessionNotFound = errors.New("session not found")

// SessionSummary is one line of ListSessions.
type SessionSummary struct {
	ID        string
	Role      string
	ClientID  lockstep.ClientID
	TickID    int64
	Frames    int
	LastTick  int64
	CreatedAt time.Time
}

// ListSessions returns every session ordered by id. UUIDv7 ids sort in
// creation order.
func (s *Store) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.role, s.client_id, s.tick_id, s.created_at,
		       COUNT(f.tick_id), COALESCE(MAX(f.tick_id), s.tick_id)
		FROM sessions s
		LEFT JOIN frames f ON f.session_id = s.id
		GROUP BY s.id
		ORDER BY s.id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var clientID int
		var created string
		if err := rows.Scan(&sum.ID, &sum.Role, &clientID, &sum.TickID, &created, &sum.Frames, &sum.LastTick); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.ClientID = lockstep.ClientID(clientID)
		sum.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("session %s: created_at: %w", sum.ID, err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// ReadSession loads one session row.
func (s *Store) ReadSession(ctx context.Context, id string) (SessionRecord, error) {
	var rec SessionRecord
	var clientID int
	var cfg, meta, state, created string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, role, client_id, tick_id, config, meta, state, state_digest, created_at
		FROM sessions WHERE id = ?
	`, id).Scan(&rec.ID, &rec.Role, &clientID, &rec.TickID, &cfg, &meta, &state, &rec.StateDigest, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("read session %s: %w", id, err)
	}

	rec.ClientID = lockstep.ClientID(clientID)
	if err := json.Unmarshal([]byte(cfg), &rec.Config); err != nil {
		return SessionRecord{}, fmt.Errorf("session %s: config: %w", id, err)
	}
	if err := json.Unmarshal([]byte(meta), &rec.Meta); err != nil {
		return SessionRecord{}, fmt.Errorf("session %s: meta: %w", id, err)
	}
	rec.State, err = value.Parse([]byte(state))
	if err != nil {
		return SessionRecord{}, fmt.Errorf("session %s: state: %w", id, err)
	}
	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("session %s: created_at: %w", id, err)
	}
	return rec, nil
}

// ReadFrames returns a session's frames in tick order.
func (s *Store) ReadFrames(ctx context.Context, sessionID string) ([]FrameRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tick_id, rtt_ns, actions, state_digest
		FROM frames
		WHERE session_id = ?
		ORDER BY tick_id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read frames %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []FrameRecord
	for rows.Next() {
		rec := FrameRecord{SessionID: sessionID}
		var rtt int64
		var actions string
		if err := rows.Scan(&rec.TickID, &rtt, &actions, &rec.StateDigest); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		rec.RTT = time.Duration(rtt)
		if err := json.Unmarshal([]byte(actions), &rec.Actions); err != nil {
			return nil, fmt.Errorf("frame %s/%d: actions: %w", sessionID, rec.TickID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate frames: %w", err)
	}
	return out, nil
}
