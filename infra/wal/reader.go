package wal

import (
	"bufio"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Reader iterates records from a starting offset. When Next returns false
// with a nil Err the reader sits at the current end of the log; calling
// Next again later picks up records appended since.
type Reader struct {
	dir string

	want uint64 // offset of the next record to hand out

	seg     *segment
	pos     uint64 // offset of the frame at bytePos
	bytePos int64
	f       *os.File
	br      *bufio.Reader

	rec    Record
	recOff uint64
	err    error
}

func newReader(dir string, offset uint64) *Reader {
	return &Reader{dir: dir, want: offset}
}

func (r *Reader) Next() bool {
	if r.err != nil {
		return false
	}

	for {
		if r.f == nil {
			ok, err := r.open()
			if err != nil {
				r.err = err
				return false
			}
			if !ok {
				return false
			}
		}

		rec, n, err := readFrame(r.br)
		if err == nil {
			r.bytePos += n
			r.pos++
			if r.pos-1 < r.want {
				continue
			}
			r.rec, r.recOff = rec, r.pos-1
			r.want = r.pos
			return true
		}

		r.closeFile()

		advanced, aerr := r.advance()
		if aerr != nil {
			r.err = aerr
			return false
		}
		if advanced {
			continue
		}
		if err == errTorn && r.hasNext() {
			r.err = errors.Wrapf(ErrCorrupt, "segment %s at byte %d", r.seg.path, r.bytePos)
		}
		return false
	}
}

// open positions the reader on the segment holding its next frame.
func (r *Reader) open() (bool, error) {
	if r.seg == nil {
		segs, err := listSegments(r.dir)
		if err != nil {
			return false, err
		}
		if len(segs) == 0 {
			return false, nil
		}
		if r.want < segs[0].first {
			return false, errors.Wrapf(ErrTruncated, "offset %d, first retained %d", r.want, segs[0].first)
		}
		r.seg = segs[0]
		for _, s := range segs {
			if s.first <= r.want {
				r.seg = s
			}
		}
		r.pos, r.bytePos = r.seg.first, 0
	}

	f, err := os.Open(r.seg.path)
	if os.IsNotExist(err) {
		return false, errors.Wrapf(ErrTruncated, "segment %s removed", r.seg.path)
	}
	if err != nil {
		return false, errors.Wrap(err, "open segment")
	}
	if _, err := f.Seek(r.bytePos, io.SeekStart); err != nil {
		_ = f.Close()
		return false, errors.Wrap(err, "seek segment")
	}
	r.f = f
	r.br = bufio.NewReader(f)
	return true, nil
}

// advance moves to the segment starting at the current position, if one
// has been created.
func (r *Reader) advance() (bool, error) {
	segs, err := listSegments(r.dir)
	if err != nil {
		return false, err
	}
	for _, s := range segs {
		if s.first == r.pos && s.path != r.seg.path {
			r.seg, r.bytePos = s, 0
			return true, nil
		}
	}
	return false, nil
}

// hasNext reports whether a later segment exists, which means the current
// one is complete and a bad frame in it is corruption, not a torn write.
func (r *Reader) hasNext() bool {
	segs, err := listSegments(r.dir)
	if err != nil {
		return false
	}
	for _, s := range segs {
		if s.first > r.seg.first {
			return true
		}
	}
	return false
}

func (r *Reader) Record() Record { return r.rec }

func (r *Reader) Offset() uint64 { return r.recOff }

func (r *Reader) Err() error { return r.err }

func (r *Reader) Close() error {
	r.closeFile()
	return nil
}

func (r *Reader) closeFile() {
	if r.f != nil {
		_ = r.f.Close()
		r.f, r.br = nil, nil
	}
}
