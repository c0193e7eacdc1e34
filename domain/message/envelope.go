package message

import "strconv"

// Envelope is the JSON shape handed to external collaborators.
type Envelope struct {
	EventID   string `json:"event_id"`
	Seq       uint64 `json:"seq"`
	RequestID string `json:"request_id,omitempty"`
	Time      int64  `json:"time"`
	Type      string `json:"type"`
	Event     Event  `json:"event"`
}

func Envelopes(r *Response) []Envelope {
	out := make([]Envelope, 0, len(r.Events))
	for i, ev := range r.Events {
		id := EventID(r.Seq, i)
		if _, ok := ev.(Checkpointed); ok {
			// Shares its seq with the response of the same command.
			id = strconv.FormatUint(r.Seq, 10) + "-checkpoint"
		}
		out = append(out, Envelope{
			EventID:   id,
			Seq:       r.Seq,
			RequestID: r.RequestID,
			Time:      r.Time,
			Type:      ev.Type().String(),
			Event:     ev,
		})
	}
	return out
}

func (c CancelCause) String() string {
	switch c {
	case CauseUser:
		return "user"
	case CauseUnfilled:
		return "unfilled"
	default:
		return "unknown"
	}
}

func (c CancelCause) MarshalText() ([]byte, error) { return []byte(c.String()), nil }
