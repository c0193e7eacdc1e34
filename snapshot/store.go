package snapshot

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"lokiseq/infra/logger"
	"lokiseq/infra/wal"
)

// Store keeps checkpoints in their own log, one record per checkpoint.
// The log must be opened with AllowTruncate for Prune to work.
type Store struct {
	log *wal.Log
	lg  *logrus.Entry
}

func NewStore(log *wal.Log) *Store {
	return &Store{log: log, lg: logger.WithComponent("checkpoint")}
}

// Open opens a checkpoint store in dir. Every checkpoint gets its own
// segment so pruning can drop them one at a time.
func Open(dir string, noSync bool) (*Store, error) {
	l, err := wal.Open(wal.Config{Dir: dir, SegmentSize: 1, NoSync: noSync, AllowTruncate: true})
	if err != nil {
		return nil, errors.Wrap(err, "open checkpoint log")
	}
	return NewStore(l), nil
}

// Write appends c durably.
func (s *Store) Write(c Checkpoint, now time.Time) error {
	data, err := Encode(c)
	if err != nil {
		return err
	}
	off, err := s.log.Append(wal.Record{Type: wal.RecordCheckpoint, Seq: c.Seq(), Time: now.UnixNano(), Data: data})
	if err != nil {
		return errors.Wrap(err, "append checkpoint")
	}
	s.lg.WithFields(logrus.Fields{
		"seq":           c.Seq(),
		"input_offset":  c.InputOffset,
		"output_offset": c.OutputOffset,
		"offset":        off,
	}).Info("checkpoint written")
	return nil
}

// Latest returns the newest checkpoint that decodes cleanly. Records that
// fail to decode are skipped so an older checkpoint can still be used.
func (s *Store) Latest() (Checkpoint, bool, error) {
	r := s.log.ReadFrom(s.log.FirstOffset())
	defer r.Close()

	var (
		best  Checkpoint
		found bool
	)
	for r.Next() {
		rec := r.Record()
		if rec.Type != wal.RecordCheckpoint {
			continue
		}
		c, err := Decode(rec.Data)
		if err != nil {
			s.lg.WithError(err).WithField("offset", r.Offset()).Warn("skipping unreadable checkpoint")
			continue
		}
		if !found || c.Seq() >= best.Seq() {
			best, found = c, true
		}
	}
	if err := r.Err(); err != nil {
		return Checkpoint{}, false, errors.Wrap(err, "read checkpoint log")
	}
	return best, found, nil
}

// Prune drops all but the newest keep checkpoints.
func (s *Store) Prune(keep int) error {
	if keep < 1 {
		keep = 1
	}
	next := s.log.NextOffset()
	if next <= uint64(keep) {
		return nil
	}
	return s.log.TruncateBefore(next - uint64(keep))
}

// Count is the number of checkpoints retained.
func (s *Store) Count() uint64 {
	return s.log.NextOffset() - s.log.FirstOffset()
}

func (s *Store) Close() error { return s.log.Close() }
