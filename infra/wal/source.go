package wal

import (
	"context"
	"time"
)

// Source is the read side of a log, shared by an in-process *Log and a
// Dir opened on a log another process writes.
type Source interface {
	ReadFrom(offset uint64) *Reader
	// End returns the offset after the newest record.
	End() (uint64, error)
	Last() (Record, bool, error)
	// Changed may return nil when appends cannot be observed directly.
	Changed() <-chan struct{}
	PollInterval() time.Duration
}

var (
	_ Source = (*Log)(nil)
	_ Source = (*Dir)(nil)
)

// Dir is a read-only view of a log directory.
type Dir struct {
	path string
	poll time.Duration
}

func OpenDir(path string, poll time.Duration) *Dir {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Dir{path: path, poll: poll}
}

func (d *Dir) ReadFrom(offset uint64) *Reader {
	return newReader(d.path, offset)
}

func (d *Dir) End() (uint64, error) {
	segs, err := listSegments(d.path)
	if err != nil || len(segs) == 0 {
		return 0, err
	}
	tail := segs[len(segs)-1]
	res, err := scanSegment(tail.path)
	if err != nil {
		return 0, err
	}
	return tail.first + res.count, nil
}

func (d *Dir) Last() (Record, bool, error) {
	segs, err := listSegments(d.path)
	if err != nil {
		return Record{}, false, err
	}
	return lastRecord(segs)
}

func (d *Dir) Changed() <-chan struct{} { return nil }

func (d *Dir) PollInterval() time.Duration { return d.poll }

// Follow hands every record from offset onwards to fn, waiting for new
// appends once it reaches the end. It returns when ctx is done, fn fails or
// the log is unreadable.
func Follow(ctx context.Context, src Source, offset uint64, fn func(offset uint64, rec Record) error) error {
	r := src.ReadFrom(offset)
	defer r.Close()

	ticker := time.NewTicker(src.PollInterval())
	defer ticker.Stop()

	for {
		changed := src.Changed()
		for r.Next() {
			if err := fn(r.Offset(), r.Record()); err != nil {
				return err
			}
		}
		if err := r.Err(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-ticker.C:
		}
	}
}
