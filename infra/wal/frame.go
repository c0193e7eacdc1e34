package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"slices"

	"github.com/pkg/errors"
)

// Frame layout:
// [len:4][crc:4][version:1][type:1][seq:8][time:8][data]
// len counts everything after the crc field, crc covers the same bytes.
const (
	frameHeader  = 8
	bodyFixed    = 1 + 1 + 8 + 8
	maxFrameBody = 64 << 20
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func CRC32(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

func CRC32Valid(data []byte, sum uint32) bool {
	return CRC32(data) == sum
}

// errTorn marks a partial or garbled frame at the current position.
var errTorn = errors.New("wal: torn frame")

// appendFrame appends the encoded frame of r to dst.
func appendFrame(dst []byte, r Record) []byte {
	bodyLen := bodyFixed + len(r.Data)
	start := len(dst)
	dst = slices.Grow(dst, frameHeader+bodyLen)[:start+frameHeader+bodyLen]
	buf := dst[start:]

	binary.BigEndian.PutUint32(buf[0:4], uint32(bodyLen))
	body := buf[frameHeader:]
	body[0] = r.Version
	body[1] = byte(r.Type)
	binary.BigEndian.PutUint64(body[2:10], r.Seq)
	binary.BigEndian.PutUint64(body[10:18], uint64(r.Time))
	copy(body[bodyFixed:], r.Data)

	binary.BigEndian.PutUint32(buf[4:8], CRC32(body))
	return dst
}

// readFrame returns the next record and the number of bytes it occupied.
// A clean end of input yields io.EOF; anything short or failing its
// checksum yields errTorn.
func readFrame(r io.Reader) (Record, int64, error) {
	var header [frameHeader]byte
	n, err := io.ReadFull(r, header[:])
	if err == io.EOF && n == 0 {
		return Record{}, 0, io.EOF
	}
	if err != nil {
		return Record{}, 0, errTorn
	}

	bodyLen := binary.BigEndian.Uint32(header[0:4])
	if bodyLen < bodyFixed || bodyLen > maxFrameBody {
		return Record{}, 0, errTorn
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Record{}, 0, errTorn
	}
	if !CRC32Valid(body, binary.BigEndian.Uint32(header[4:8])) {
		return Record{}, 0, errTorn
	}

	rec := Record{
		Version: body[0],
		Type:    RecordType(body[1]),
		Seq:     binary.BigEndian.Uint64(body[2:10]),
		Time:    int64(binary.BigEndian.Uint64(body[10:18])),
		Data:    body[bodyFixed:],
	}
	return rec, int64(frameHeader + bodyLen), nil
}
