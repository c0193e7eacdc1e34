// Package cursor stores per-consumer progress through the output log, and
// the delivery state of a response a consumer is still retrying.
package cursor

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

// -------------------- State --------------------

type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// -------------------- Delivery --------------------

// Delivery is the bookkeeping for one response a consumer has not yet
// acknowledged.
type Delivery struct {
	State       State
	Retries     uint32
	LastAttempt int64
}

// binary encoding: [state:1][retries:4][lastAttempt:8]
func encodeDelivery(d Delivery) []byte {
	buf := make([]byte, 1+4+8)
	buf[0] = byte(d.State)
	binary.BigEndian.PutUint32(buf[1:5], d.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(d.LastAttempt))
	return buf
}

func decodeDelivery(b []byte) (Delivery, error) {
	if len(b) != 13 {
		return Delivery{}, errors.New("cursor: invalid delivery record length")
	}
	return Delivery{
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
	}, nil
}

// -------------------- Store --------------------

type Store struct {
	db *pebble.DB
}

func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "open cursor store")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return errors.Wrap(s.db.Close(), "close cursor store")
}

// Offset returns the next output offset consumer should read.
func (s *Store) Offset(consumer string) (uint64, bool, error) {
	val, closer, err := s.db.Get(offsetKey(consumer))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "read offset")
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, false, errors.Errorf("cursor: bad offset for %s", consumer)
	}
	return binary.BigEndian.Uint64(val), true, nil
}

// Commit durably records that consumer acknowledged everything before
// next, and drops the delivery record of seq.
func (s *Store) Commit(consumer string, next, seq uint64) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, next)

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(offsetKey(consumer), v, nil); err != nil {
		return errors.Wrap(err, "commit offset")
	}
	if err := b.Delete(deliveryKey(consumer, seq), nil); err != nil {
		return errors.Wrap(err, "commit offset")
	}
	return errors.Wrap(b.Commit(pebble.Sync), "commit offset")
}

// Mark updates the delivery state of seq for consumer.
func (s *Store) Mark(consumer string, seq uint64, state State, retries uint32, at time.Time) error {
	d := Delivery{State: state, Retries: retries, LastAttempt: at.UnixNano()}
	opts := pebble.NoSync
	if state == StateFailed {
		opts = pebble.Sync
	}
	return errors.Wrap(s.db.Set(deliveryKey(consumer, seq), encodeDelivery(d), opts), "mark delivery")
}

// Delivery returns the bookkeeping for seq, if any is pending.
func (s *Store) Delivery(consumer string, seq uint64) (Delivery, bool, error) {
	val, closer, err := s.db.Get(deliveryKey(consumer, seq))
	if errors.Is(err, pebble.ErrNotFound) {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, errors.Wrap(err, "read delivery")
	}
	defer closer.Close()
	d, err := decodeDelivery(val)
	return d, err == nil, err
}

// ScanFailed visits the deliveries consumer gave up on.
func (s *Store) ScanFailed(consumer string, fn func(seq uint64, d Delivery) error) error {
	prefix := deliveryPrefix(consumer)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return errors.Wrap(err, "scan deliveries")
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		d, err := decodeDelivery(iter.Value())
		if err != nil {
			return err
		}
		if d.State != StateFailed {
			continue
		}
		key := iter.Key()
		seq := binary.BigEndian.Uint64(key[len(key)-8:])
		if err := fn(seq, d); err != nil {
			return err
		}
	}
	return errors.Wrap(iter.Error(), "scan deliveries")
}

// -------------------- Helpers --------------------

func offsetKey(consumer string) []byte {
	return []byte(fmt.Sprintf("offset/%s", consumer))
}

func deliveryPrefix(consumer string) []byte {
	return []byte(fmt.Sprintf("delivery/%s/", consumer))
}

func deliveryKey(consumer string, seq uint64) []byte {
	k := deliveryPrefix(consumer)
	return binary.BigEndian.AppendUint64(k, seq)
}

// prefixEnd is the smallest key greater than every key starting with p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
