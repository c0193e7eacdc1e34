// Package sequencer owns the deterministic engine. It restores the newest
// checkpoint, replays the input log, then applies new input records one
// at a time, writing one output record per command.
package sequencer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"lokiseq/domain/engine"
	"lokiseq/domain/message"
	"lokiseq/infra/logger"
	"lokiseq/infra/metrics"
	"lokiseq/infra/wal"
	"lokiseq/snapshot"
)

var (
	ErrOutOfSequence = engine.ErrOutOfSequence
	// ErrCheckpointMismatch means the checkpoint and the logs disagree on
	// where the engine stands.
	ErrCheckpointMismatch = errors.New("sequencer: checkpoint does not match logs")
	// ErrReplayDiverged means a replayed command produced output different
	// from what was written the first time.
	ErrReplayDiverged   = errors.New("sequencer: replay diverged from output log")
	ErrUnexpectedRecord = errors.New("sequencer: unexpected record type in input log")
	ErrAlreadyStarted   = errors.New("sequencer: already started")
)

type Config struct {
	CheckpointEnabled bool
	// CheckpointEvery writes a checkpoint after this many commands. Zero
	// leaves checkpoints to the interval job, requests and drain.
	CheckpointEvery  uint64
	CheckpointRetain int
	// StrictReplay compares every recomputed response against the copy in
	// the output log during recovery.
	StrictReplay bool
	Engine       engine.Config
}

type Sequencer struct {
	cfg     Config
	input   wal.Source
	output  *wal.Log
	store   *snapshot.Store
	metrics *metrics.Metrics
	log     *logrus.Entry
	now     func() time.Time

	state       atomic.Int32
	lastApplied atomic.Uint64
	started     atomic.Bool

	// owned by the Run goroutine
	eng            *engine.Engine
	suppressUpTo   uint64
	verify         *wal.Reader
	sinceCkpt      uint64
	lastCkptSeq    uint64
	checkpointReqs chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	ready    chan struct{}
	done     chan struct{}

	abnormal     func(error)
	abnormalOnce sync.Once
}

// New builds a sequencer. store may be nil when no checkpoint log is kept.
func New(cfg Config, input wal.Source, output *wal.Log, store *snapshot.Store, m *metrics.Metrics) *Sequencer {
	if cfg.CheckpointRetain <= 0 {
		cfg.CheckpointRetain = 2
	}
	return &Sequencer{
		cfg:            cfg,
		input:          input,
		output:         output,
		store:          store,
		metrics:        m,
		log:            logger.WithComponent("sequencer"),
		now:            time.Now,
		checkpointReqs: make(chan struct{}, 1),
		stop:           make(chan struct{}),
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// OnAbnormalStop registers fn to run once if Run fails.
func (s *Sequencer) OnAbnormalStop(fn func(error)) { s.abnormal = fn }

func (s *Sequencer) Status() State { return State(s.state.Load()) }

// LastApplied is the sequence number of the newest applied command.
func (s *Sequencer) LastApplied() uint64 { return s.lastApplied.Load() }

// Ready is closed once recovery has caught up with the input log.
func (s *Sequencer) Ready() <-chan struct{} { return s.ready }

// Done is closed when Run returns.
func (s *Sequencer) Done() <-chan struct{} { return s.done }

// Stop asks Run to drain and return.
func (s *Sequencer) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// RequestCheckpoint asks for a checkpoint at the next command boundary.
// Requests made while one is pending are merged.
func (s *Sequencer) RequestCheckpoint() {
	select {
	case s.checkpointReqs <- struct{}{}:
	default:
	}
}

func (s *Sequencer) setState(st State) {
	s.state.Store(int32(st))
	s.metrics.SequencerState(st.String(), allStates)
	s.log.WithField("state", st).Info("state changed")
}

// Run recovers and then processes input until Stop or ctx is done. Any
// error it returns is fatal and has already been reported through the
// abnormal stop callback.
func (s *Sequencer) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(s.done)

	err := s.run(ctx)
	if s.verify != nil {
		_ = s.verify.Close()
	}
	s.setState(Final)
	if err != nil {
		s.log.WithError(err).WithField("seq", s.LastApplied()).Error("sequencer halted")
		s.abnormalOnce.Do(func() {
			if s.abnormal != nil {
				s.abnormal(err)
			}
		})
	}
	return err
}

func (s *Sequencer) run(ctx context.Context) error {
	s.setState(Recovering)
	next, err := s.recover()
	if err != nil {
		return err
	}

	r := s.input.ReadFrom(next)
	defer r.Close()

	ticker := time.NewTicker(s.input.PollInterval())
	defer ticker.Stop()

	recovering := true
	for {
		changed := s.input.Changed()
		for r.Next() {
			if err := s.process(r.Offset(), r.Record()); err != nil {
				return err
			}
			if err := s.pendingCheckpoint(); err != nil {
				return err
			}
		}
		if err := r.Err(); err != nil {
			return errors.Wrap(err, "read input log")
		}

		if recovering {
			if err := s.finishRecovery(); err != nil {
				return err
			}
			recovering = false
			s.setState(Running)
			close(s.ready)
		}

		select {
		case <-ctx.Done():
			return s.drain(r)
		case <-s.stop:
			return s.drain(r)
		case <-s.checkpointReqs:
			if err := s.checkpoint("requested"); err != nil {
				return err
			}
		case <-changed:
		case <-ticker.C:
		}
	}
}

// drain applies whatever input is already readable and writes the final
// checkpoint.
func (s *Sequencer) drain(r *wal.Reader) error {
	s.setState(Draining)
	for r.Next() {
		if err := s.process(r.Offset(), r.Record()); err != nil {
			return err
		}
	}
	if err := r.Err(); err != nil {
		return errors.Wrap(err, "read input log")
	}
	if err := s.checkpoint("drain"); err != nil {
		return err
	}
	return errors.Wrap(s.output.Flush(), "flush output log")
}

func (s *Sequencer) pendingCheckpoint() error {
	select {
	case <-s.checkpointReqs:
		return s.checkpoint("requested")
	default:
	}
	if s.cfg.CheckpointEvery > 0 && s.sinceCkpt >= s.cfg.CheckpointEvery {
		return s.checkpoint("count")
	}
	return nil
}

// process applies one input record.
func (s *Sequencer) process(offset uint64, rec wal.Record) error {
	if rec.Type != wal.RecordCommand {
		return errors.Wrapf(ErrUnexpectedRecord, "offset %d type %s", offset, rec.Type)
	}
	if rec.Seq != offset+1 {
		return errors.Wrapf(ErrOutOfSequence, "record at offset %d carries seq %d", offset, rec.Seq)
	}

	cmd, err := message.DecodeCommand(rec.Seq, rec.Time, rec.Data)
	if err != nil {
		// Applied as an unknown command so the sequence stays dense.
		s.log.WithError(err).WithField("seq", rec.Seq).Warn("undecodable command")
		cmd.Payload = nil
	}

	resp, err := s.eng.Apply(cmd)
	if err != nil {
		return errors.Wrapf(err, "apply seq %d", rec.Seq)
	}
	data := message.EncodeResponse(resp)

	if rec.Seq <= s.suppressUpTo {
		if err := s.verifyReplay(rec.Seq, data); err != nil {
			return err
		}
	} else {
		if _, err := s.output.Append(wal.Record{Type: wal.RecordResponse, Seq: resp.Seq, Time: resp.Time, Data: data}); err != nil {
			return errors.Wrapf(err, "append response %d", resp.Seq)
		}
	}

	s.observe(cmd, resp)
	s.lastApplied.Store(rec.Seq)
	s.sinceCkpt++
	return nil
}

func (s *Sequencer) observe(cmd message.Command, resp *message.Response) {
	kind := "Unknown"
	if cmd.Payload != nil {
		kind = cmd.Payload.Kind().String()
	}
	s.metrics.CommandApplied(kind, resp.Seq)
	for _, ev := range resp.Events {
		switch v := ev.(type) {
		case message.Rejected:
			s.metrics.Rejected(string(v.Reason))
		case message.TradeExecuted:
			s.metrics.Trade()
		}
	}
	s.log.WithFields(logrus.Fields{"seq": resp.Seq, "kind": kind, "events": len(resp.Events)}).Debug("applied")
}

// checkpoint writes the engine state and a Checkpointed output record.
// Nothing is written while replayed output is still being suppressed,
// since the output offset would not line up with the state.
func (s *Sequencer) checkpoint(reason string) error {
	s.sinceCkpt = 0
	if !s.cfg.CheckpointEnabled || s.store == nil {
		return nil
	}
	seq := s.eng.Seq()
	if seq == s.lastCkptSeq || seq < s.suppressUpTo {
		return nil
	}

	now := s.now()
	marker := &message.Response{Seq: seq, Time: now.UnixNano(), Events: []message.Event{message.Checkpointed{Seq: seq}}}
	if _, err := s.output.Append(wal.Record{Type: wal.RecordCheckpointed, Seq: seq, Time: marker.Time, Data: message.EncodeResponse(marker)}); err != nil {
		return errors.Wrap(err, "append checkpointed")
	}

	cp := snapshot.Checkpoint{
		State:        s.eng.Export(),
		InputOffset:  seq,
		OutputOffset: s.output.NextOffset(),
	}
	if err := s.store.Write(cp, now); err != nil {
		return err
	}
	s.lastCkptSeq = seq
	s.metrics.Checkpoint()
	s.log.WithFields(logrus.Fields{"seq": seq, "reason": reason}).Info("checkpoint")

	if err := s.store.Prune(s.cfg.CheckpointRetain); err != nil {
		s.log.WithError(err).Warn("prune checkpoints")
	}
	return nil
}
