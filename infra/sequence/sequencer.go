package sequence

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrGap is returned when a commit would skip or repeat a sequence number.
var ErrGap = errors.New("sequence: commit out of order")

// Sequencer hands out strictly monotonic sequence numbers. A number is
// only consumed once the caller has durably written it, so a failed
// append never leaves a hole.
type Sequencer struct {
	last atomic.Uint64
}

// New creates a sequencer whose last committed number is last.
// On a fresh log last is 0; otherwise it is the seq of the newest record.
func New(last uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(last)
	return s
}

// Peek returns the number the next commit must carry.
func (s *Sequencer) Peek() uint64 {
	return s.last.Load() + 1
}

// Commit marks seq as used. It must equal Peek().
func (s *Sequencer) Commit(seq uint64) error {
	if seq == 0 || !s.last.CompareAndSwap(seq-1, seq) {
		return errors.Wrapf(ErrGap, "commit %d, last %d", seq, s.last.Load())
	}
	return nil
}

// Current returns the last committed number.
func (s *Sequencer) Current() uint64 {
	return s.last.Load()
}
