package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/lockstep/internal/lockstep"
	"github.com/roach88/lockstep/internal/value"
)

// ErrNotBegun is returned by Append before Begin.
var ErrNotBegun = errors.New("journal not begun")

// Journal adapts a Store to lockstep.Journal. Each Begin opens a new
// session; later Appends go to it.
//
// Thread-safety: a Journal is driven by one synchronizer's scheduler and is
// not safe for concurrent use.
type Journal struct {
	store     *Store
	ctx       context.Context
	role      string
	now       func() time.Time
	sessionID string
}

// JournalOption configures a Journal.
type JournalOption func(*Journal)

// WithClock sets the clock for created_at. Default: time.Now.
func WithClock(now func() time.Time) JournalOption {
	return func(j *Journal) { j.now = now }
}

// NewJournal returns a journal that records sessions for an endpoint of
// the given role ("host" or "client"). ctx bounds every write.
func (s *Store) NewJournal(ctx context.Context, role string, opts ...JournalOption) *Journal {
	j := &Journal{store: s, ctx: ctx, role: role, now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// SessionID returns the current session id, empty before Begin.
func (j *Journal) SessionID() string { return j.sessionID }

// Begin implements lockstep.Journal.
func (j *Journal) Begin(snap lockstep.ConnectData) error {
	digest, err := value.Digest(value.DomainState, snap.State)
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	rec := SessionRecord{
		ID:          j.store.ids.Generate(),
		Role:        j.role,
		ClientID:    snap.ID,
		TickID:      snap.TickID,
		Config:      snap.Config,
		Meta:        snap.Meta,
		State:       snap.State,
		StateDigest: digest,
		CreatedAt:   j.now(),
	}
	if err := j.store.WriteSession(j.ctx, rec); err != nil {
		return err
	}
	j.sessionID = rec.ID
	return nil
}

// Append implements lockstep.Journal.
func (j *Journal) Append(frame lockstep.Frame, stateDigest string) error {
	if j.sessionID == "" {
		return ErrNotBegun
	}
	return j.store.WriteFrame(j.ctx, FrameRecord{
		SessionID:   j.sessionID,
		TickID:      frame.ID,
		RTT:         frame.RTT,
		Actions:     frame.Actions,
		StateDigest: stateDigest,
	})
}

var _ lockstep.Journal = (*Journal)(nil)
