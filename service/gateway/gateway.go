// Package gateway is the only writer of the input log. It validates and
// authenticates requests, dedupes them by client request id, assigns
// sequence numbers and then waits for the matching response.
package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"lokiseq/domain/message"
	"lokiseq/infra/idempotency"
	"lokiseq/infra/logger"
	"lokiseq/infra/metrics"
	"lokiseq/infra/sequence"
	"lokiseq/infra/wal"
)

var (
	// ErrNoResponse means the command was sequenced but its response did
	// not arrive in time. Its status is unknown; query again.
	ErrNoResponse      = errors.New("status unknown, query again")
	ErrStopped         = errors.New("gateway: stopped")
	ErrInvalidRequest  = errors.New("gateway: invalid request")
	ErrUnauthenticated = errors.New("gateway: unauthenticated")
	ErrUnknownRequest  = errors.New("gateway: unknown request id")
)

const (
	DefaultTimeout  = 5 * time.Second
	maxRequestIDLen = 128
)

// Request is one client command before it is sequenced.
type Request struct {
	RequestID string
	Token     string
	Payload   message.Payload
}

// Account is the account the request acts for, empty for admin commands.
func (r Request) Account() string {
	switch p := r.Payload.(type) {
	case message.PlaceOrder:
		return p.Account
	case message.CancelOrder:
		return p.Account
	case message.ChangeOrder:
		return p.Account
	case message.Deposit:
		return p.Account
	case message.Withdraw:
		return p.Account
	}
	return ""
}

type Config struct {
	Timeout time.Duration
}

type Gateway struct {
	cfg     Config
	input   *wal.Log
	seq     *sequence.Sequencer
	ids     *idempotency.Store
	auth    Authenticator
	metrics *metrics.Metrics
	log     *logrus.Entry
	now     func() time.Time

	// mu covers dedupe, sequence assignment and the append.
	mu sync.Mutex

	waitMu  sync.Mutex
	waiters map[uint64][]chan *message.Response

	stopped  atomic.Bool
	abnormal func(error)
	haltOnce sync.Once
}

func New(cfg Config, input *wal.Log, ids *idempotency.Store, auth Authenticator, m *metrics.Metrics) (*Gateway, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if auth == nil {
		auth = AllowAll{}
	}
	last, ok, err := input.Last()
	if err != nil {
		return nil, errors.Wrap(err, "read input tail")
	}
	var lastSeq uint64
	if ok {
		lastSeq = last.Seq
	}
	if lastSeq != input.NextOffset() {
		return nil, errors.Errorf("gateway: input log ends at offset %d with seq %d", input.NextOffset(), lastSeq)
	}

	g := &Gateway{
		cfg:     cfg,
		input:   input,
		seq:     sequence.New(lastSeq),
		ids:     ids,
		auth:    auth,
		metrics: m,
		log:     logger.WithComponent("gateway"),
		now:     time.Now,
		waiters: make(map[uint64][]chan *message.Response),
	}
	g.log.WithField("next_seq", g.seq.Peek()).Info("gateway ready")
	return g, nil
}

// OnAbnormalStop registers fn to run once if the gateway halts.
func (g *Gateway) OnAbnormalStop(fn func(error)) { g.abnormal = fn }

// Submit sequences req and waits for its response. A retried request id
// never gets a second sequence number; it waits for the first one's
// response instead.
func (g *Gateway) Submit(ctx context.Context, req Request) (*message.Response, error) {
	if g.stopped.Load() {
		return nil, ErrStopped
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if err := validate(req); err != nil {
		g.metrics.Request("invalid")
		return nil, err
	}
	if err := g.auth.Authenticate(ctx, req); err != nil {
		g.metrics.Request("unauthenticated")
		if !errors.Is(err, ErrUnauthenticated) {
			err = errors.Wrap(ErrUnauthenticated, err.Error())
		}
		return nil, err
	}

	seq, ch, resp, err := g.sequence(req)
	if err != nil || resp != nil {
		return resp, err
	}
	return g.wait(ctx, seq, ch)
}

// sequence returns either a channel to wait on or an already known response.
func (g *Gateway) sequence(req Request) (uint64, chan *message.Response, *message.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped.Load() {
		return 0, nil, nil, ErrStopped
	}

	seq, known, err := g.ids.Lookup(req.RequestID)
	if err != nil {
		return 0, nil, nil, err
	}
	if known {
		g.metrics.Request("duplicate")
		// Register before looking for the outcome: Accept saves the outcome
		// before it collects waiters, so one of the two always sees it.
		ch := g.register(seq)
		if resp, ok, err := g.ids.OutcomeBySeq(seq); err != nil || ok {
			g.unregister(seq, ch)
			return seq, nil, resp, err
		}
		return seq, ch, nil, nil
	}

	seq = g.seq.Peek()
	data, err := message.EncodeCommand(message.Command{Seq: seq, RequestID: req.RequestID, Payload: req.Payload})
	if err != nil {
		return 0, nil, nil, errors.Wrap(ErrInvalidRequest, err.Error())
	}

	ch := g.register(seq)
	if _, err := g.input.Append(wal.Record{Type: wal.RecordCommand, Seq: seq, Time: g.now().UnixNano(), Data: data}); err != nil {
		g.unregister(seq, ch)
		g.halt(errors.Wrapf(err, "append seq %d", seq))
		return 0, nil, nil, errors.Wrap(ErrStopped, err.Error())
	}
	if err := g.seq.Commit(seq); err != nil {
		g.halt(err)
		return 0, nil, nil, errors.Wrap(ErrStopped, err.Error())
	}
	if err := g.ids.Remember(req.RequestID, seq); err != nil {
		// The command is durable; only a retry after restart could slip past dedupe.
		g.log.WithError(err).WithField("seq", seq).Error("remember request id")
	}

	g.metrics.Request("sequenced")
	g.log.WithFields(logrus.Fields{"seq": seq, "request_id": req.RequestID, "kind": req.Payload.Kind()}).Debug("sequenced")
	return seq, ch, nil, nil
}

func (g *Gateway) wait(ctx context.Context, seq uint64, ch chan *message.Response) (*message.Response, error) {
	timer := time.NewTimer(g.cfg.Timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrStopped
		}
		return resp, nil
	case <-timer.C:
	case <-ctx.Done():
	}
	g.unregister(seq, ch)
	g.metrics.Request("timeout")
	return nil, errors.Wrapf(ErrNoResponse, "seq %d", seq)
}

// Outcome answers a request id after a timeout.
func (g *Gateway) Outcome(_ context.Context, requestID string) (*message.Response, error) {
	seq, resp, done, err := g.ids.Outcome(requestID)
	if err != nil {
		return nil, err
	}
	if done {
		return resp, nil
	}
	if seq == 0 {
		return nil, errors.Wrapf(ErrUnknownRequest, "%q", requestID)
	}
	return nil, errors.Wrapf(ErrNoResponse, "seq %d", seq)
}

// Name identifies the gateway as an output consumer.
func (g *Gateway) Name() string { return "gateway" }

// Accept stores a response and wakes whoever waits for it. Delivering
// the same response twice is harmless.
func (g *Gateway) Accept(_ context.Context, resp *message.Response) error {
	if isCheckpoint(resp) {
		return nil
	}
	if err := g.ids.SaveOutcome(resp); err != nil {
		return err
	}

	g.waitMu.Lock()
	chans := g.waiters[resp.Seq]
	delete(g.waiters, resp.Seq)
	g.waitMu.Unlock()

	for _, ch := range chans {
		ch <- resp
	}
	return nil
}

// Stop refuses new requests and releases all waiters.
func (g *Gateway) Stop() {
	if g.stopped.Swap(true) {
		return
	}
	g.waitMu.Lock()
	defer g.waitMu.Unlock()
	for seq, chans := range g.waiters {
		for _, ch := range chans {
			close(ch)
		}
		delete(g.waiters, seq)
	}
	g.log.Info("gateway stopped")
}

func (g *Gateway) Stopped() bool { return g.stopped.Load() }

// LastSequenced is the newest sequence number written to the input log.
func (g *Gateway) LastSequenced() uint64 { return g.seq.Current() }

func (g *Gateway) halt(err error) {
	g.log.WithError(err).Error("input append failed, halting")
	g.Stop()
	g.haltOnce.Do(func() {
		if g.abnormal != nil {
			g.abnormal(err)
		}
	})
}

func (g *Gateway) register(seq uint64) chan *message.Response {
	ch := make(chan *message.Response, 1)
	g.waitMu.Lock()
	g.waiters[seq] = append(g.waiters[seq], ch)
	g.waitMu.Unlock()
	return ch
}

func (g *Gateway) unregister(seq uint64, ch chan *message.Response) {
	g.waitMu.Lock()
	defer g.waitMu.Unlock()
	chans := g.waiters[seq]
	for i, c := range chans {
		if c == ch {
			chans = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(chans) == 0 {
		delete(g.waiters, seq)
	} else {
		g.waiters[seq] = chans
	}
}

func isCheckpoint(resp *message.Response) bool {
	if len(resp.Events) != 1 {
		return false
	}
	_, ok := resp.Events[0].(message.Checkpointed)
	return ok
}

// validate rejects requests that are malformed on the wire. Business
// rules are left to the engine so their rejections are sequenced.
func validate(req Request) error {
	if len(req.RequestID) > maxRequestIDLen {
		return errors.Wrap(ErrInvalidRequest, "request id too long")
	}
	switch p := req.Payload.(type) {
	case nil:
		return errors.Wrap(ErrInvalidRequest, "missing command")
	case message.PlaceOrder:
		if p.Market == "" {
			return errors.Wrap(ErrInvalidRequest, "missing market")
		}
	case message.Deposit:
		if p.Asset == "" {
			return errors.Wrap(ErrInvalidRequest, "missing asset")
		}
	case message.Withdraw:
		if p.Asset == "" {
			return errors.Wrap(ErrInvalidRequest, "missing asset")
		}
	case message.CreateMarket:
		if p.Market == "" {
			return errors.Wrap(ErrInvalidRequest, "missing market")
		}
	}
	if _, admin := req.Payload.(message.CreateMarket); !admin && req.Account() == "" {
		return errors.Wrap(ErrInvalidRequest, "missing account")
	}
	return nil
}
