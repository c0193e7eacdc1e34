package sequencer

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"lokiseq/domain/engine"
	"lokiseq/infra/wal"
)

// recover restores the newest checkpoint and works out which replayed
// responses are already in the output log. It returns the input offset
// replay starts from.
func (s *Sequencer) recover() (uint64, error) {
	s.eng = engine.New(s.cfg.Engine)
	var outputFrom uint64

	if s.store != nil {
		cp, found, err := s.store.Latest()
		if err != nil {
			return 0, errors.Wrap(err, "load checkpoint")
		}
		if found {
			if cp.InputOffset != cp.Seq() {
				return 0, errors.Wrapf(ErrCheckpointMismatch, "checkpoint seq %d at input offset %d", cp.Seq(), cp.InputOffset)
			}
			if s.eng, err = engine.Import(s.cfg.Engine, cp.State); err != nil {
				return 0, errors.Wrap(err, "restore checkpoint")
			}
			s.lastCkptSeq = cp.Seq()
			outputFrom = cp.OutputOffset
		}
	}

	end, err := s.input.End()
	if err != nil {
		return 0, errors.Wrap(err, "read input tail")
	}
	if end < s.eng.Seq() {
		return 0, errors.Wrapf(ErrCheckpointMismatch, "checkpoint at %d, input log ends at %d", s.eng.Seq(), end)
	}

	last, ok, err := s.output.Last()
	if err != nil {
		return 0, errors.Wrap(err, "read output tail")
	}
	if ok {
		s.suppressUpTo = last.Seq
	}
	if s.suppressUpTo < s.eng.Seq() {
		return 0, errors.Wrapf(ErrCheckpointMismatch, "checkpoint at %d, output log ends at %d", s.eng.Seq(), s.suppressUpTo)
	}
	if s.cfg.StrictReplay && s.suppressUpTo > s.eng.Seq() {
		s.verify = s.output.ReadFrom(outputFrom)
	}

	s.lastApplied.Store(s.eng.Seq())
	s.log.WithFields(logrus.Fields{
		"checkpoint":    s.eng.Seq(),
		"output_to":     s.suppressUpTo,
		"strict_replay": s.verify != nil,
	}).Info("recovering")
	return s.eng.Seq(), nil
}

// verifyReplay checks a recomputed response against the stored one.
func (s *Sequencer) verifyReplay(seq uint64, data []byte) error {
	if s.verify == nil {
		return nil
	}
	for s.verify.Next() {
		rec := s.verify.Record()
		if rec.Type != wal.RecordResponse {
			continue
		}
		if rec.Seq != seq {
			return errors.Wrapf(ErrReplayDiverged, "replayed seq %d, stored seq %d", seq, rec.Seq)
		}
		if !bytes.Equal(rec.Data, data) {
			return errors.Wrapf(ErrReplayDiverged, "seq %d produced different output", seq)
		}
		return nil
	}
	if err := s.verify.Err(); err != nil {
		return errors.Wrap(err, "read output log")
	}
	return errors.Wrapf(ErrReplayDiverged, "no stored response for seq %d", seq)
}

// finishRecovery runs once replay has reached the end of the input log.
func (s *Sequencer) finishRecovery() error {
	if s.eng.Seq() < s.suppressUpTo {
		return errors.Wrapf(ErrCheckpointMismatch, "output log reaches seq %d, input log only %d", s.suppressUpTo, s.eng.Seq())
	}
	if s.verify != nil {
		_ = s.verify.Close()
		s.verify = nil
	}
	s.log.WithField("seq", s.eng.Seq()).Info("recovery complete")
	return nil
}
