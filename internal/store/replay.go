package store

import (
	"context"
	"fmt"

	"github.com/roach88/lockstep/internal/lockstep"
	"github.com/roach88/lockstep/internal/value"
)

// Divergence is a tick whose replayed state digest differs from the
// recorded one.
type Divergence struct {
	TickID   int64
	Recorded string
	Replayed string
}

// ReplayResult summarizes a replay.
type ReplayResult struct {
	SessionID   string
	Frames      int
	Actions     int
	Failed      int
	LastTick    int64
	FinalState  value.Value
	FinalDigest string
	Divergences []Divergence
}

// Matches reports whether every replayed digest matched the journal.
func (r ReplayResult) Matches() bool { return len(r.Divergences) == 0 }

// Replay loads the session snapshot into m and re-applies every recorded
// frame in tick order. Failed actions are counted and skipped, the same way
// a live endpoint skips them. The state digest after each frame is compared
// with the recorded digest.
func (s *Store) Replay(ctx context.Context, sessionID string, m lockstep.Machine) (ReplayResult, error) {
	sess, err := s.ReadSession(ctx, sessionID)
	if err != nil {
		return ReplayResult{}, err
	}
	frames, err := s.ReadFrames(ctx, sessionID)
	if err != nil {
		return ReplayResult{}, err
	}

	if err := m.LoadState(sess.State); err != nil {
		return ReplayResult{}, fmt.Errorf("replay %s: load state: %w", sessionID, err)
	}

	res := ReplayResult{SessionID: sessionID, LastTick: sess.TickID}
	expected := sess.TickID
	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		expected++
		if f.TickID != expected {
			return res, fmt.Errorf("replay %s: frame gap: expected tick %d, found %d", sessionID, expected, f.TickID)
		}
		for _, item := range f.Actions {
			res.Actions++
			if _, err := runSafe(m, item); err != nil {
				res.Failed++
			}
		}
		digest, err := value.Digest(value.DomainState, m.State())
		if err != nil {
			return res, fmt.Errorf("replay %s: tick %d: %w", sessionID, f.TickID, err)
		}
		if digest != f.StateDigest {
			res.Divergences = append(res.Divergences, Divergence{
				TickID:   f.TickID,
				Recorded: f.StateDigest,
				Replayed: digest,
			})
		}
		res.Frames++
		res.LastTick = f.TickID
		res.FinalDigest = digest
	}

	res.FinalState = m.State()
	if res.FinalDigest == "" {
		res.FinalDigest = sess.StateDigest
	}
	return res, nil
}

// FirstDivergence compares two journaled sessions tick by tick and returns
// the first tick both recorded with different state digests. ok is false
// when every common tick agrees.
func (s *Store) FirstDivergence(ctx context.Context, a, b string) (tick int64, ok bool, err error) {
	fa, err := s.ReadFrames(ctx, a)
	if err != nil {
		return 0, false, err
	}
	fb, err := s.ReadFrames(ctx, b)
	if err != nil {
		return 0, false, err
	}
	byTick := make(map[int64]string, len(fb))
	for _, f := range fb {
		byTick[f.TickID] = f.StateDigest
	}
	for _, f := range fa {
		other, found := byTick[f.TickID]
		if found && other != f.StateDigest {
			return f.TickID, true, nil
		}
	}
	return 0, false, nil
}

func runSafe(m lockstep.Machine, item lockstep.QueueItem) (state value.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("machine panic: %v", r)
		}
	}()
	return m.Run(item)
}
