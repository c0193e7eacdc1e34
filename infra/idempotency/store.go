// Package idempotency remembers which sequence number each client request
// id received, and the response it produced, so retried requests are
// answered instead of being sequenced again.
package idempotency

import (
	"encoding/binary"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"lokiseq/domain/message"
	"lokiseq/infra/logger"
)

const DefaultTTL = 24 * time.Hour

var ErrConflict = errors.New("idempotency: request id already bound to another sequence")

type Store struct {
	db  *badger.DB
	ttl time.Duration
}

// Open opens the store in dir, or in memory when dir is empty.
func Open(dir string, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{}).
		WithSyncWrites(true)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open idempotency store")
	}
	return &Store{db: db, ttl: ttl}, nil
}

func (s *Store) Close() error {
	return errors.Wrap(s.db.Close(), "close idempotency store")
}

func requestKey(id string) []byte { return append([]byte("req/"), id...) }

func outcomeKey(seq uint64) []byte {
	k := make([]byte, 4+8)
	copy(k, "out/")
	binary.BigEndian.PutUint64(k[4:], seq)
	return k
}

// Lookup returns the sequence number id was assigned, if any.
func (s *Store) Lookup(id string) (uint64, bool, error) {
	var seq uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(requestKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			if len(v) != 8 {
				return errors.Errorf("idempotency: bad value for %q", id)
			}
			seq = binary.BigEndian.Uint64(v)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "lookup request")
	}
	return seq, true, nil
}

// Remember binds id to seq. Binding the same pair twice is fine; binding
// id to a different seq is ErrConflict.
func (s *Store) Remember(id string, seq uint64) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, seq)
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(requestKey(id))
		switch {
		case err == nil:
			return item.Value(func(old []byte) error {
				if len(old) == 8 && binary.BigEndian.Uint64(old) == seq {
					return nil
				}
				return errors.Wrapf(ErrConflict, "%q", id)
			})
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.SetEntry(badger.NewEntry(requestKey(id), v).WithTTL(s.ttl))
	})
	return errors.Wrap(err, "remember request")
}

// SaveOutcome stores resp under its sequence number and binds its request id.
func (s *Store) SaveOutcome(resp *message.Response) error {
	data := message.EncodeResponse(resp)
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.SetEntry(badger.NewEntry(outcomeKey(resp.Seq), data).WithTTL(s.ttl)); err != nil {
			return err
		}
		if resp.RequestID == "" {
			return nil
		}
		v := make([]byte, 8)
		binary.BigEndian.PutUint64(v, resp.Seq)
		return txn.SetEntry(badger.NewEntry(requestKey(resp.RequestID), v).WithTTL(s.ttl))
	})
	return errors.Wrap(err, "save outcome")
}

// OutcomeBySeq returns the stored response for seq.
func (s *Store) OutcomeBySeq(seq uint64) (*message.Response, bool, error) {
	var resp *message.Response
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(outcomeKey(seq))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			var derr error
			resp, derr = message.DecodeResponse(v)
			return derr
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "load outcome")
	}
	return resp, true, nil
}

// Outcome returns the response produced for request id. The bool is false
// when id is unknown or its command has not been processed yet; seq is
// set whenever id is known.
func (s *Store) Outcome(id string) (uint64, *message.Response, bool, error) {
	seq, known, err := s.Lookup(id)
	if err != nil || !known {
		return 0, nil, false, err
	}
	resp, ok, err := s.OutcomeBySeq(seq)
	return seq, resp, ok, err
}

// badgerLogger routes badger's logging into logrus, dropping its chatty
// info and debug lines.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, args ...interface{}) {
	logger.WithComponent("badger").Errorf(f, args...)
}

func (badgerLogger) Warningf(f string, args ...interface{}) {
	logger.WithComponent("badger").Warnf(f, args...)
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}

// GC reclaims value log space left behind by expired entries.
func (s *Store) GC() error {
	err := s.db.RunValueLogGC(0.5)
	if err == nil || errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) ||
		errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return errors.Wrap(err, "value log gc")
}
