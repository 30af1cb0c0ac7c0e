package lockstep

import (
	"sync/atomic"
	"time"
)

// timeRing is a fixed-capacity FIFO of seal timestamps. Pushing into a full
// ring drops the oldest entry.
type timeRing struct {
	buf   []time.Time
	start int
	size  int
}

func newTimeRing(capacity int) *timeRing {
	return &timeRing{buf: make([]time.Time, max(1, capacity))}
}

func (r *timeRing) push(t time.Time) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = t
		r.size++
		return
	}
	r.buf[r.start] = t
	r.start = (r.start + 1) % len(r.buf)
}

func (r *timeRing) len() int { return r.size }

// back returns the n-th newest entry (0 is the newest). n past the oldest
// entry is clamped to the oldest. ok is false when the ring is empty.
func (r *timeRing) back(n int64) (time.Time, bool) {
	if r.size == 0 {
		return time.Time{}, false
	}
	if n < 0 {
		n = 0
	}
	if n > int64(r.size-1) {
		n = int64(r.size - 1)
	}
	idx := (r.start + r.size - 1 - int(n)) % len(r.buf)
	return r.buf[idx], true
}

// sequence is a monotonic counter. Safe for concurrent use so that Send can
// hand out promise ids before its work reaches the scheduler.
type sequence struct {
	n atomic.Int64
}

// next returns the current value and advances the counter.
func (s *sequence) next() int64 {
	return s.n.Add(1) - 1
}
