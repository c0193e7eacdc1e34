package wal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

const segmentGlob = "segment-*.wal"

// segment is one file of the log; first is the offset of its first record.
type segment struct {
	path  string
	first uint64
	count uint64
	size  int64
}

func segmentPath(dir string, first uint64) string {
	return filepath.Join(dir, fmt.Sprintf("segment-%020d.wal", first))
}

// listSegments returns the segments of dir ordered by first offset.
func listSegments(dir string) ([]*segment, error) {
	files, err := filepath.Glob(filepath.Join(dir, segmentGlob))
	if err != nil {
		return nil, errors.Wrap(err, "glob segments")
	}

	segs := make([]*segment, 0, len(files))
	for _, path := range files {
		var first uint64
		if _, err := fmt.Sscanf(filepath.Base(path), "segment-%020d.wal", &first); err != nil {
			continue
		}
		segs = append(segs, &segment{path: path, first: first})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].first < segs[j].first })
	return segs, nil
}

// scanResult describes the valid prefix of a segment file.
type scanResult struct {
	count      uint64
	validBytes int64
	last       Record
	torn       bool
}

func scanSegment(path string) (scanResult, error) {
	var res scanResult

	f, err := os.Open(path)
	if err != nil {
		return res, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	for {
		rec, n, err := readFrame(br)
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			res.torn = true
			return res, nil
		}
		res.count++
		res.validBytes += n
		res.last = rec
	}
}

// lastRecord finds the newest valid record across segs, walking backwards
// past empty segments.
func lastRecord(segs []*segment) (Record, bool, error) {
	for i := len(segs) - 1; i >= 0; i-- {
		res, err := scanSegment(segs[i].path)
		if err != nil {
			return Record{}, false, err
		}
		if res.count > 0 {
			return res.last, true, nil
		}
	}
	return Record{}, false, nil
}
