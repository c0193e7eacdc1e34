package processor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lokiseq/domain/message"
	"lokiseq/infra/backoff"
	"lokiseq/infra/cursor"
	"lokiseq/infra/wal"
)

type recorder struct {
	name  string
	mu    sync.Mutex
	seqs  []uint64
	fails int
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Accept(_ context.Context, resp *message.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails != 0 {
		if r.fails > 0 {
			r.fails--
		}
		return errors.New("collaborator down")
	}
	r.seqs = append(r.seqs, resp.Seq)
	return nil
}

func (r *recorder) got() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.seqs...)
}

func openOutput(t *testing.T) *wal.Log {
	t.Helper()
	l, err := wal.Open(wal.Config{Dir: t.TempDir(), NoSync: true, PollInterval: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func openCursors(t *testing.T, dir string) *cursor.Store {
	t.Helper()
	c, err := cursor.Open(dir)
	require.NoError(t, err)
	return c
}

func appendResponses(t *testing.T, l *wal.Log, from, to uint64) {
	t.Helper()
	for seq := from; seq <= to; seq++ {
		data := message.EncodeResponse(&message.Response{Seq: seq, RequestID: "r"})
		_, err := l.Append(wal.Record{Type: wal.RecordResponse, Seq: seq, Data: data})
		require.NoError(t, err)
	}
}

func run(t *testing.T, p *Processor) chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- p.Run(context.Background()) }()
	return errc
}

func seqRange(from, to uint64) []uint64 {
	var out []uint64
	for s := from; s <= to; s++ {
		out = append(out, s)
	}
	return out
}

var fast = Config{Retry: backoff.Policy{Base: time.Millisecond, Max: 2 * time.Millisecond}, MaxElapsed: time.Second}

func TestDurableConsumerResumes(t *testing.T) {
	out := openOutput(t)
	dir := filepath.Join(t.TempDir(), "cursors")
	appendResponses(t, out, 1, 5)

	cursors := openCursors(t, dir)
	rec := &recorder{name: "sql"}
	p := New(fast, out, cursors, nil)
	p.Add(rec, true)
	errc := run(t, p)
	require.Eventually(t, func() bool { return len(rec.got()) == 5 }, time.Second, time.Millisecond)
	p.Stop()
	require.NoError(t, <-errc)
	require.NoError(t, cursors.Close())

	appendResponses(t, out, 6, 8)
	cursors = openCursors(t, dir)
	defer cursors.Close()
	off, _, err := cursors.Offset("sql")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), off)

	rec2 := &recorder{name: "sql"}
	p = New(fast, out, cursors, nil)
	p.Add(rec2, true)
	errc = run(t, p)
	require.Eventually(t, func() bool { return len(rec2.got()) == 3 }, time.Second, time.Millisecond)
	p.Stop()
	require.NoError(t, <-errc)
	assert.Equal(t, seqRange(6, 8), rec2.got())
}

func TestVolatileConsumerStartsAtEnd(t *testing.T) {
	out := openOutput(t)
	appendResponses(t, out, 1, 3)

	rec := &recorder{name: "gateway"}
	p := New(fast, out, nil, nil)
	p.Add(rec, false)
	errc := run(t, p)

	// Give Run time to read the log end before appending.
	time.Sleep(50 * time.Millisecond)
	appendResponses(t, out, 4, 5)
	require.Eventually(t, func() bool { return len(rec.got()) == 2 }, time.Second, time.Millisecond)
	p.Stop()
	require.NoError(t, <-errc)
	assert.Equal(t, seqRange(4, 5), rec.got())
}

func TestRetriesUntilAccepted(t *testing.T) {
	out := openOutput(t)
	appendResponses(t, out, 1, 2)
	cursors := openCursors(t, t.TempDir())
	defer cursors.Close()

	rec := &recorder{name: "kafka", fails: 3}
	p := New(fast, out, cursors, nil)
	p.Add(rec, true)
	errc := run(t, p)
	require.Eventually(t, func() bool { return len(rec.got()) == 2 }, 2*time.Second, time.Millisecond)
	p.Stop()
	require.NoError(t, <-errc)

	assert.Equal(t, seqRange(1, 2), rec.got())
	_, pending, err := cursors.Delivery("kafka", 1)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestExhaustedDeliveryStopsAbnormally(t *testing.T) {
	out := openOutput(t)
	appendResponses(t, out, 1, 1)
	cursors := openCursors(t, t.TempDir())
	defer cursors.Close()

	healthy := &recorder{name: "healthy"}
	broken := &recorder{name: "broken", fails: -1}
	cfg := fast
	cfg.MaxElapsed = 20 * time.Millisecond
	p := New(cfg, out, cursors, nil)
	p.Add(healthy, true)
	p.Add(broken, true)

	var stopErr error
	p.OnAbnormalStop(func(err error) { stopErr = err })

	err := p.Run(context.Background())
	assert.True(t, errors.Is(err, ErrDeliveryExhausted))
	assert.True(t, errors.Is(stopErr, ErrDeliveryExhausted))

	var failed []uint64
	require.NoError(t, cursors.ScanFailed("broken", func(seq uint64, _ cursor.Delivery) error {
		failed = append(failed, seq)
		return nil
	}))
	assert.Equal(t, []uint64{1}, failed)

	off, _, err := cursors.Offset("broken")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off)
}

func TestFailedDeliveriesSurviveRestart(t *testing.T) {
	out := openOutput(t)
	appendResponses(t, out, 1, 1)
	cursors := openCursors(t, t.TempDir())
	defer cursors.Close()
	cfg := fast
	cfg.MaxElapsed = 20 * time.Millisecond

	p := New(cfg, out, cursors, nil)
	p.Add(&recorder{name: "healthy"}, true)
	p.Add(&recorder{name: "broken", fails: -1}, true)
	assert.True(t, errors.Is(p.Run(context.Background()), ErrDeliveryExhausted))

	failed, err := p.Failed()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"healthy": 0, "broken": 1}, failed)
	first, ok, err := cursors.Delivery("broken", 1)
	require.NoError(t, err)
	require.True(t, ok)

	// A second run keeps counting from the attempts already recorded.
	p = New(cfg, out, cursors, nil)
	p.Add(&recorder{name: "broken", fails: -1}, true)
	assert.True(t, errors.Is(p.Run(context.Background()), ErrDeliveryExhausted))
	second, ok, err := cursors.Delivery("broken", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Greater(t, second.Retries, first.Retries)

	rec := &recorder{name: "broken"}
	p = New(cfg, out, cursors, nil)
	p.Add(rec, true)
	errc := run(t, p)
	require.Eventually(t, func() bool {
		failed, err := p.Failed()
		return err == nil && failed["broken"] == 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, []uint64{1}, rec.got())
	p.Stop()
	require.NoError(t, <-errc)
}

func TestStopDrains(t *testing.T) {
	out := openOutput(t)
	rec := &recorder{name: "sql"}
	cursors := openCursors(t, t.TempDir())
	defer cursors.Close()
	p := New(fast, out, cursors, nil)
	p.Add(rec, true)

	appendResponses(t, out, 1, 50)
	p.Stop()
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, seqRange(1, 50), rec.got())
	<-p.Done()
}

func TestCheckpointedRecordsAreDelivered(t *testing.T) {
	out := openOutput(t)
	marker := &message.Response{Seq: 1, Events: []message.Event{message.Checkpointed{Seq: 1}}}
	appendResponses(t, out, 1, 1)
	_, err := out.Append(wal.Record{Type: wal.RecordCheckpointed, Seq: 1, Data: message.EncodeResponse(marker)})
	require.NoError(t, err)

	rec := &recorder{name: "kafka"}
	p := New(fast, out, nil, nil)
	p.Add(rec, true)
	p.Stop()
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, []uint64{1, 1}, rec.got())
}
