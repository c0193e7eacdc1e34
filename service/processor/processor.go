// Package processor tails the output log and hands every response to a
// set of consumers. Each consumer reads at its own pace; durable ones
// resume from a stored offset, so delivery is at least once.
package processor

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"lokiseq/domain/message"
	"lokiseq/infra/backoff"
	"lokiseq/infra/cursor"
	"lokiseq/infra/logger"
	"lokiseq/infra/metrics"
	"lokiseq/infra/wal"
)

// ErrDeliveryExhausted means a consumer kept failing past MaxElapsed.
var ErrDeliveryExhausted = errors.New("processor: delivery retries exhausted")

const DefaultMaxElapsed = 30 * time.Second

// Consumer receives responses in sequence order. Accept must be
// idempotent per response since a restart can deliver it again.
type Consumer interface {
	Name() string
	Accept(ctx context.Context, resp *message.Response) error
}

type Config struct {
	Retry      backoff.Policy
	MaxElapsed time.Duration
}

type lane struct {
	c       Consumer
	durable bool
	log     *logrus.Entry
}

type Processor struct {
	cfg     Config
	output  wal.Source
	cursors *cursor.Store
	metrics *metrics.Metrics
	log     *logrus.Entry
	now     func() time.Time

	lanes []*lane

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	abnormal     func(error)
	abnormalOnce sync.Once
}

// New builds a processor. cursors may be nil when no consumer is durable.
func New(cfg Config, output wal.Source, cursors *cursor.Store, m *metrics.Metrics) *Processor {
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = DefaultMaxElapsed
	}
	return &Processor{
		cfg:     cfg,
		output:  output,
		cursors: cursors,
		metrics: m,
		log:     logger.WithComponent("processor"),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Add registers a consumer. Durable consumers resume from their stored
// offset; the others start at the end of the log each run.
func (p *Processor) Add(c Consumer, durable bool) {
	p.lanes = append(p.lanes, &lane{c: c, durable: durable, log: p.log.WithField("consumer", c.Name())})
}

func (p *Processor) OnAbnormalStop(fn func(error)) { p.abnormal = fn }

// Stop makes every consumer finish what is already in the log and return.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Processor) Done() <-chan struct{} { return p.done }

// Failed counts, per durable consumer, the responses it gave up on and
// has not delivered since.
func (p *Processor) Failed() (map[string]int, error) {
	out := make(map[string]int)
	if p.cursors == nil {
		return out, nil
	}
	for _, l := range p.lanes {
		if !l.durable {
			continue
		}
		name := l.c.Name()
		n := 0
		err := p.cursors.ScanFailed(name, func(uint64, cursor.Delivery) error {
			n++
			return nil
		})
		if err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, nil
}

// Run delivers until Stop or ctx is done. A consumer that exhausts its
// retries stops the whole processor.
func (p *Processor) Run(ctx context.Context) error {
	defer close(p.done)

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range p.lanes {
		from, err := p.startOffset(l)
		if err != nil {
			return p.fail(err)
		}
		l.log.WithFields(logrus.Fields{"offset": from, "durable": l.durable}).Info("consumer started")
		g.Go(func() error { return p.runLane(gctx, l, from) })
	}

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		return p.fail(err)
	}
	p.log.Info("processor stopped")
	return nil
}

func (p *Processor) fail(err error) error {
	p.log.WithError(err).Error("processor halted")
	p.abnormalOnce.Do(func() {
		if p.abnormal != nil {
			p.abnormal(err)
		}
	})
	return err
}

func (p *Processor) startOffset(l *lane) (uint64, error) {
	if !l.durable {
		end, err := p.output.End()
		return end, errors.Wrap(err, "output end")
	}
	if p.cursors == nil {
		return 0, nil
	}
	off, _, err := p.cursors.Offset(l.c.Name())
	return off, err
}

func (p *Processor) runLane(ctx context.Context, l *lane, from uint64) error {
	r := p.output.ReadFrom(from)
	defer r.Close()

	ticker := time.NewTicker(p.output.PollInterval())
	defer ticker.Stop()

	for {
		changed := p.output.Changed()
		for r.Next() {
			if err := p.deliver(ctx, l, r.Offset(), r.Record()); err != nil {
				return err
			}
		}
		if err := r.Err(); err != nil {
			return errors.Wrap(err, "read output log")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stop:
			// One last pass picks up anything appended since.
			for r.Next() {
				if err := p.deliver(ctx, l, r.Offset(), r.Record()); err != nil {
					return err
				}
			}
			l.log.Info("consumer drained")
			return r.Err()
		case <-changed:
		case <-ticker.C:
		}
	}
}

func (p *Processor) deliver(ctx context.Context, l *lane, offset uint64, rec wal.Record) error {
	if rec.Type != wal.RecordResponse && rec.Type != wal.RecordCheckpointed {
		return errors.Errorf("processor: unexpected %s record at output offset %d", rec.Type, offset)
	}
	resp, err := message.DecodeResponse(rec.Data)
	if err != nil {
		return errors.Wrapf(err, "decode output offset %d", offset)
	}

	name := l.c.Name()
	start := p.now()
	var prior uint32
	for attempt := 0; ; attempt++ {
		err := l.c.Accept(ctx, resp)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt == 0 && l.durable && p.cursors != nil {
			// Count attempts made before a restart too.
			d, ok, derr := p.cursors.Delivery(name, resp.Seq)
			if derr != nil {
				return derr
			}
			if ok {
				prior = d.Retries
			}
		}
		retries := prior + uint32(attempt+1)

		p.metrics.Retry(name)
		entry := l.log.WithError(err).WithFields(logrus.Fields{"seq": resp.Seq, "attempt": retries})
		if p.now().Sub(start) >= p.cfg.MaxElapsed {
			if l.durable && p.cursors != nil {
				if merr := p.cursors.Mark(name, resp.Seq, cursor.StateFailed, retries, p.now()); merr != nil {
					entry.WithError(merr).Error("record failed delivery")
				}
			}
			return errors.Wrapf(ErrDeliveryExhausted, "%s seq %d: %v", name, resp.Seq, err)
		}
		entry.Warn("delivery failed, retrying")
		if l.durable && p.cursors != nil {
			if merr := p.cursors.Mark(name, resp.Seq, cursor.StateSent, retries, p.now()); merr != nil {
				return merr
			}
		}
		if err := p.cfg.Retry.Sleep(ctx, attempt); err != nil {
			return err
		}
	}

	if l.durable && p.cursors != nil {
		if err := p.cursors.Commit(name, offset+1, resp.Seq); err != nil {
			return err
		}
	}
	p.metrics.Delivered(name, offset+1)
	return nil
}
