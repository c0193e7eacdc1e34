package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lokiseq/domain/engine"
	"lokiseq/domain/message"
	"lokiseq/infra/idempotency"
	"lokiseq/infra/wal"
)

type fixture struct {
	g     *Gateway
	input *wal.Log
	eng   *engine.Engine
}

func newFixture(t *testing.T, cfg Config, auth Authenticator) *fixture {
	t.Helper()
	input, err := wal.Open(wal.Config{Dir: t.TempDir(), NoSync: true, PollInterval: time.Millisecond})
	require.NoError(t, err)
	ids, err := idempotency.Open("", time.Hour)
	require.NoError(t, err)
	g, err := New(cfg, input, ids, auth, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		g.Stop()
		_ = input.Close()
		_ = ids.Close()
	})
	return &fixture{g: g, input: input, eng: engine.New(engine.Config{})}
}

// respond applies every sequenced command and hands the response back to
// the gateway, standing in for the sequencer and the response processor.
func (f *fixture) respond(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = wal.Follow(ctx, f.input, 0, func(_ uint64, rec wal.Record) error {
			cmd, err := message.DecodeCommand(rec.Seq, rec.Time, rec.Data)
			if err != nil {
				return err
			}
			resp, err := f.eng.Apply(cmd)
			if err != nil {
				return err
			}
			return f.g.Accept(ctx, resp)
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func deposit(id string, amount int64) Request {
	return Request{RequestID: id, Payload: message.Deposit{Account: "A", Asset: "USDC", Amount: decimal.NewFromInt(amount)}}
}

func TestSubmitReturnsResponse(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.respond(t)

	resp, err := f.g.Submit(context.Background(), deposit("r1", 100))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.Seq)
	assert.Equal(t, "r1", resp.RequestID)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, message.EventBalanceChanged, resp.Events[0].Type())
}

func TestResubmitIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.respond(t)

	first, err := f.g.Submit(context.Background(), deposit("r1", 100))
	require.NoError(t, err)
	again, err := f.g.Submit(context.Background(), deposit("r1", 100))
	require.NoError(t, err)

	assert.Equal(t, first.Seq, again.Seq)
	assert.Equal(t, uint64(1), f.input.NextOffset())
	assert.Equal(t, "100", f.eng.Ledger().Balance("A", "USDC").Available.String())
}

func TestTimeoutThenQueryAgain(t *testing.T) {
	f := newFixture(t, Config{Timeout: 20 * time.Millisecond}, nil)

	_, err := f.g.Submit(context.Background(), deposit("r1", 5))
	require.True(t, errors.Is(err, ErrNoResponse))
	assert.Contains(t, err.Error(), "status unknown, query again")

	_, err = f.g.Outcome(context.Background(), "r1")
	assert.True(t, errors.Is(err, ErrNoResponse))

	// The retry waits on the same sequence number rather than taking a new one.
	_, err = f.g.Submit(context.Background(), deposit("r1", 5))
	assert.True(t, errors.Is(err, ErrNoResponse))
	assert.Equal(t, uint64(1), f.input.NextOffset())

	resp := &message.Response{Seq: 1, RequestID: "r1"}
	require.NoError(t, f.g.Accept(context.Background(), resp))
	require.NoError(t, f.g.Accept(context.Background(), resp))

	got, err := f.g.Outcome(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Seq)

	got, err = f.g.Submit(context.Background(), deposit("r1", 5))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Seq)
	assert.Equal(t, uint64(1), f.input.NextOffset())

	_, err = f.g.Outcome(context.Background(), "never-sent")
	assert.True(t, errors.Is(err, ErrUnknownRequest))
}

func TestRetryRacingResponseIsAnswered(t *testing.T) {
	f := newFixture(t, Config{Timeout: 5 * time.Second}, nil)
	gone, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 1; i <= 200; i++ {
		id := fmt.Sprintf("r%d", i)
		_, err := f.g.Submit(gone, deposit(id, 1))
		require.True(t, errors.Is(err, ErrNoResponse))

		accepted := make(chan error, 1)
		go func() {
			accepted <- f.g.Accept(context.Background(), &message.Response{Seq: uint64(i), RequestID: id})
		}()
		resp, err := f.g.Submit(context.Background(), deposit(id, 1))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), resp.Seq)
		require.NoError(t, <-accepted)
	}
	assert.Equal(t, uint64(200), f.input.NextOffset())
}

func TestInvalidRequestsGetNoSequence(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	cases := []Request{
		{RequestID: "a"},
		{RequestID: "b", Payload: message.Deposit{Asset: "USDC", Amount: decimal.NewFromInt(1)}},
		{RequestID: "c", Payload: message.PlaceOrder{Account: "A"}},
		{RequestID: string(make([]byte, 200)), Payload: message.CancelOrder{Account: "A", OrderID: 1}},
	}
	for _, req := range cases {
		_, err := f.g.Submit(context.Background(), req)
		assert.True(t, errors.Is(err, ErrInvalidRequest), "%+v", req)
	}
	assert.Equal(t, uint64(0), f.input.NextOffset())
}

type denyAll struct{}

func (denyAll) Authenticate(context.Context, Request) error { return errors.New("no") }

func TestUnauthenticatedGetsNoSequence(t *testing.T) {
	f := newFixture(t, Config{}, denyAll{})
	_, err := f.g.Submit(context.Background(), deposit("r1", 1))
	assert.True(t, errors.Is(err, ErrUnauthenticated))
	assert.Equal(t, uint64(0), f.input.NextOffset())
}

func TestHTTPAuthenticator(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/verify", r.URL.Path)
		var body verifyRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "A", body.Account)
		assert.Equal(t, "Deposit", body.Command)
		if body.Token != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	auth := NewHTTPAuthenticator(srv.URL+"/", time.Second)
	req := deposit("r1", 1)
	req.Token = "good"
	assert.NoError(t, auth.Authenticate(context.Background(), req))

	req.Token = "bad"
	assert.True(t, errors.Is(auth.Authenticate(context.Background(), req), ErrUnauthenticated))
	assert.Equal(t, int32(2), calls.Load())
}

func TestAppendFailureHalts(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	var halted error
	f.g.OnAbnormalStop(func(err error) { halted = err })

	require.NoError(t, f.input.Close())
	_, err := f.g.Submit(context.Background(), deposit("r1", 1))
	assert.True(t, errors.Is(err, ErrStopped))
	assert.Error(t, halted)

	_, err = f.g.Submit(context.Background(), deposit("r2", 1))
	assert.True(t, errors.Is(err, ErrStopped))
}

func TestStopReleasesWaiters(t *testing.T) {
	f := newFixture(t, Config{Timeout: time.Minute}, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := f.g.Submit(context.Background(), deposit("r1", 1))
		errc <- err
	}()
	require.Eventually(t, func() bool { return f.input.NextOffset() == 1 }, time.Second, time.Millisecond)
	f.g.Stop()

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrStopped))
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}
}

func TestConcurrentSubmitsAreDense(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.respond(t)

	const n = 50
	var wg sync.WaitGroup
	seqs := make([]uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.g.Submit(context.Background(), deposit(fmt.Sprintf("r%d", i), 1))
			if assert.NoError(t, err) {
				seqs[i] = resp.Seq
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, s := range seqs {
		seen[s] = true
	}
	assert.Len(t, seen, n)
	for s := uint64(1); s <= n; s++ {
		assert.True(t, seen[s], "seq %d missing", s)
	}
	assert.Equal(t, "50", f.eng.Ledger().Balance("A", "USDC").Available.String())
}

func TestResumesSequenceFromLog(t *testing.T) {
	dir := t.TempDir()
	input, err := wal.Open(wal.Config{Dir: dir, NoSync: true})
	require.NoError(t, err)
	for seq := uint64(1); seq <= 3; seq++ {
		_, err := input.Append(wal.Record{Type: wal.RecordCommand, Seq: seq})
		require.NoError(t, err)
	}
	ids, err := idempotency.Open("", 0)
	require.NoError(t, err)
	defer ids.Close()

	g, err := New(Config{}, input, ids, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), g.seq.Peek())
	require.NoError(t, input.Close())
}
