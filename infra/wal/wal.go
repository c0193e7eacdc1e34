package wal

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"lokiseq/infra/logger"
	"lokiseq/infra/memory"
)

// frames recycles encode buffers across appends.
var frames = memory.NewBufferPool(4<<10, 1<<20)

var (
	ErrClosed             = errors.New("wal: log closed")
	ErrBroken             = errors.New("wal: log broken by failed write")
	ErrTruncateNotAllowed = errors.New("wal: truncation not allowed on this log")
	ErrTruncated          = errors.New("wal: offset no longer retained")
	ErrCorrupt            = errors.New("wal: corrupt record before end of log")
)

const (
	defaultSegmentSize  = 64 << 20
	defaultPollInterval = 5 * time.Millisecond
)

type Config struct {
	Dir         string
	SegmentSize int64
	// NoSync skips the fsync after each append. Only tests set it.
	NoSync bool
	// AllowTruncate enables TruncateBefore. Only the checkpoint log sets it.
	AllowTruncate bool
	PollInterval  time.Duration
}

// Log is a segmented append-only record log. Offsets are dense record
// indexes starting at zero; Append is durable before it returns.
type Log struct {
	cfg Config
	log *logrus.Entry

	mu       sync.Mutex
	segments []*segment
	active   *os.File
	next     uint64
	last     Record
	hasLast  bool
	changed  chan struct{}
	err      error
	closed   bool
}

func Open(cfg Config) (*Log, error) {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = defaultSegmentSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create log dir")
	}

	l := &Log{
		cfg:     cfg,
		log:     logger.WithComponent("wal").WithField("dir", cfg.Dir),
		changed: make(chan struct{}),
	}
	if err := l.recover(); err != nil {
		return nil, err
	}
	return l, nil
}

// recover sizes every segment, cuts a torn tail off the newest one and
// opens it for appending.
func (l *Log) recover() error {
	segs, err := listSegments(l.cfg.Dir)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		segs = []*segment{{path: segmentPath(l.cfg.Dir, 0), first: 0}}
	}

	for i := 0; i < len(segs)-1; i++ {
		segs[i].count = segs[i+1].first - segs[i].first
		if st, err := os.Stat(segs[i].path); err == nil {
			segs[i].size = st.Size()
		}
	}

	tail := segs[len(segs)-1]
	if _, err := os.Stat(tail.path); err == nil {
		res, err := scanSegment(tail.path)
		if err != nil {
			return err
		}
		if res.torn {
			l.log.WithFields(logrus.Fields{
				"segment": tail.path,
				"valid":   res.validBytes,
			}).Warn("discarding torn tail")
			if err := os.Truncate(tail.path, res.validBytes); err != nil {
				return errors.Wrap(err, "truncate torn tail")
			}
		}
		tail.count = res.count
		tail.size = res.validBytes
	}

	f, err := os.OpenFile(tail.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open active segment")
	}

	l.segments = segs
	l.active = f
	l.next = tail.first + tail.count
	l.last, l.hasLast, err = lastRecord(segs)
	return err
}

// Append writes r and returns its offset. Version defaults to RecordVersion.
func (l *Log) Append(r Record) (uint64, error) {
	if r.Version == 0 {
		r.Version = RecordVersion
	}
	bp := frames.Get()
	defer frames.Put(bp)
	frame := appendFrame(*bp, r)
	*bp = frame

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}
	if l.err != nil {
		return 0, l.err
	}

	if _, err := l.active.Write(frame); err != nil {
		l.err = errors.Wrap(ErrBroken, err.Error())
		return 0, l.err
	}
	if !l.cfg.NoSync {
		if err := l.active.Sync(); err != nil {
			l.err = errors.Wrap(ErrBroken, err.Error())
			return 0, l.err
		}
	}

	off := l.next
	l.next++
	tail := l.segments[len(l.segments)-1]
	tail.count++
	tail.size += int64(len(frame))
	l.last, l.hasLast = r, true

	close(l.changed)
	l.changed = make(chan struct{})

	if tail.size >= l.cfg.SegmentSize {
		if err := l.rotate(); err != nil {
			l.err = err
			return off, nil
		}
	}
	return off, nil
}

func (l *Log) rotate() error {
	if err := l.active.Sync(); err != nil {
		return errors.Wrap(err, "sync before rotate")
	}
	if err := l.active.Close(); err != nil {
		return errors.Wrap(err, "close segment")
	}

	seg := &segment{path: segmentPath(l.cfg.Dir, l.next), first: l.next}
	f, err := os.OpenFile(seg.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open segment")
	}
	syncDir(l.cfg.Dir)

	l.segments = append(l.segments, seg)
	l.active = f
	l.log.WithField("first", seg.first).Debug("rotated segment")
	return nil
}

// Flush forces written records to stable storage.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return errors.Wrap(l.active.Sync(), "flush")
}

// TruncateBefore drops whole segments whose records all precede offset.
// The active segment is never removed.
func (l *Log) TruncateBefore(offset uint64) error {
	if !l.cfg.AllowTruncate {
		return ErrTruncateNotAllowed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	keep := l.segments[:0]
	for i, seg := range l.segments {
		if i < len(l.segments)-1 && seg.first+seg.count <= offset {
			if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
				return errors.Wrap(err, "remove segment")
			}
			continue
		}
		keep = append(keep, seg)
	}
	l.segments = keep
	return nil
}

// FirstOffset is the oldest offset still retained.
func (l *Log) FirstOffset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.segments[0].first
}

// NextOffset is the offset the next Append will return.
func (l *Log) NextOffset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

func (l *Log) End() (uint64, error) {
	return l.NextOffset(), nil
}

// Last returns the newest record in the log.
func (l *Log) Last() (Record, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last, l.hasLast, nil
}

// Changed returns a channel closed by the next successful Append.
func (l *Log) Changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.changed
}

func (l *Log) ReadFrom(offset uint64) *Reader {
	return newReader(l.cfg.Dir, offset)
}

func (l *Log) PollInterval() time.Duration {
	return l.cfg.PollInterval
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.active.Sync(); err != nil {
		_ = l.active.Close()
		return errors.Wrap(err, "sync on close")
	}
	return errors.Wrap(l.active.Close(), "close")
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
