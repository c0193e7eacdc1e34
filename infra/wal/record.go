package wal

// RecordType tags what a record's payload holds.
type RecordType uint8

const (
	RecordCommand RecordType = iota + 1
	RecordResponse
	RecordCheckpoint
	RecordCheckpointed
)

func (t RecordType) String() string {
	switch t {
	case RecordCommand:
		return "command"
	case RecordResponse:
		return "response"
	case RecordCheckpoint:
		return "checkpoint"
	case RecordCheckpointed:
		return "checkpointed"
	default:
		return "unknown"
	}
}

// RecordVersion is the schema version written into every frame.
const RecordVersion uint8 = 1

// Record is one self-describing log entry.
type Record struct {
	Version uint8
	Type    RecordType
	Seq     uint64
	Time    int64
	Data    []byte
}
