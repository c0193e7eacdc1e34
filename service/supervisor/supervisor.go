// Package supervisor builds the components a start mode needs, starts them
// in dependency order and stops them in reverse.
package supervisor

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"lokiseq/api/admin"
	"lokiseq/api/grpcserver"
	"lokiseq/config"
	"lokiseq/domain/engine"
	"lokiseq/infra/backoff"
	"lokiseq/infra/cursor"
	"lokiseq/infra/idempotency"
	"lokiseq/infra/kafka"
	"lokiseq/infra/logger"
	"lokiseq/infra/metrics"
	"lokiseq/infra/sqlstore"
	"lokiseq/infra/wal"
	"lokiseq/jobs/broadcaster"
	"lokiseq/jobs/scheduler"
	"lokiseq/service/gateway"
	"lokiseq/service/processor"
	"lokiseq/service/sequencer"
	"lokiseq/snapshot"
)

// Scheduler task names.
const (
	TaskCheckpoint     = "checkpoint"
	TaskIdempotencyGC  = "idempotency-gc"
	idempotencyGCEvery = 5 * time.Minute
)

// Data directory layout.
const (
	dirInput       = "input"
	dirOutput      = "output"
	dirCheckpoints = "checkpoints"
	dirCursors     = "cursors"
	dirRequests    = "requests"
)

// Supervisor owns every component of one process.
type Supervisor struct {
	cfg     config.Config
	log     *logrus.Entry
	metrics *metrics.Metrics
	sched   *scheduler.Scheduler

	input     *wal.Log
	inputSrc  wal.Source
	output    *wal.Log
	outputSrc wal.Source

	checkpoints *snapshot.Store
	cursors     *cursor.Store
	ids         *idempotency.Store
	projection  *sqlstore.Sink
	sinks       []io.Closer

	seq  *sequencer.Sequencer
	proc *processor.Processor
	gw   *gateway.Gateway

	grpcSrv  *grpc.Server
	grpcLis  net.Listener
	adminSrv *http.Server
	adminLis net.Listener

	failOnce  sync.Once
	closeOnce sync.Once
	failed    chan struct{}
	failErr   error
}

// New opens the stores and builds the components for cfg.Mode. Any error
// is a startup failure.
func New(cfg config.Config) (_ *Supervisor, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Supervisor{
		cfg:     cfg,
		log:     logger.WithComponent("supervisor").WithField("mode", cfg.Mode),
		metrics: metrics.New(),
		sched:   scheduler.New(),
		failed:  make(chan struct{}),
	}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	if err := s.openLogs(); err != nil {
		return nil, err
	}
	if s.runs(config.ModeSequencer) {
		if err := s.buildSequencer(); err != nil {
			return nil, err
		}
	}
	if s.runs(config.ModeGateway) {
		if err := s.buildGateway(); err != nil {
			return nil, err
		}
	}
	if s.runs(config.ModeProcessor) || s.gw != nil {
		if err := s.buildProcessor(); err != nil {
			return nil, err
		}
	}
	if err := s.buildAdmin(); err != nil {
		return nil, err
	}
	return s, nil
}

// runs reports whether the component named by m runs in this process.
func (s *Supervisor) runs(m string) bool {
	switch s.cfg.Mode {
	case config.ModeAll:
		return true
	case config.ModeAllExceptSequencer:
		return m != config.ModeSequencer
	}
	return s.cfg.Mode == m
}

func (s *Supervisor) path(name string) string {
	return filepath.Join(s.cfg.DataDir, name)
}

// openLogs opens each log for writing in the process that appends to it and
// read-only everywhere else.
func (s *Supervisor) openLogs() error {
	for _, d := range []string{dirInput, dirOutput} {
		if err := os.MkdirAll(s.path(d), 0o755); err != nil {
			return errors.Wrap(err, "create data dir")
		}
	}
	open := func(dir string) (*wal.Log, error) {
		return wal.Open(wal.Config{
			Dir:          s.path(dir),
			SegmentSize:  s.cfg.WAL.SegmentSize,
			NoSync:       !s.cfg.WAL.SyncOnAppend,
			PollInterval: s.cfg.WAL.PollInterval,
		})
	}

	var err error
	if s.runs(config.ModeGateway) {
		if s.input, err = open(dirInput); err != nil {
			return errors.Wrap(err, "open input log")
		}
		s.inputSrc = s.input
	} else {
		s.inputSrc = wal.OpenDir(s.path(dirInput), s.cfg.WAL.PollInterval)
	}
	if s.runs(config.ModeSequencer) {
		if s.output, err = open(dirOutput); err != nil {
			return errors.Wrap(err, "open output log")
		}
		s.outputSrc = s.output
	} else {
		s.outputSrc = wal.OpenDir(s.path(dirOutput), s.cfg.WAL.PollInterval)
	}
	return nil
}

func (s *Supervisor) buildSequencer() error {
	var err error
	s.checkpoints, err = snapshot.Open(s.path(dirCheckpoints), !s.cfg.WAL.SyncOnAppend)
	if err != nil {
		return errors.Wrap(err, "open checkpoint store")
	}
	alloc, err := s.cfg.Allocation()
	if err != nil {
		return err
	}
	sc := s.cfg.Sequencer
	s.seq = sequencer.New(sequencer.Config{
		CheckpointEnabled: sc.CheckpointEnabled,
		CheckpointEvery:   sc.CheckpointEvery,
		CheckpointRetain:  sc.CheckpointRetain,
		StrictReplay:      sc.StrictReplay,
		Engine:            engine.Config{Allocation: alloc},
	}, s.inputSrc, s.output, s.checkpoints, s.metrics)
	s.seq.OnAbnormalStop(func(err error) { s.fail("sequencer", err) })

	if err := s.sched.Register(TaskCheckpoint, scheduler.Handle(func(_ context.Context, reason string) error {
		if reason == "" {
			reason = "interval"
		}
		s.log.WithField("reason", reason).Debug("checkpoint requested")
		s.seq.RequestCheckpoint()
		return nil
	})); err != nil {
		return err
	}
	if sc.CheckpointEnabled && sc.CheckpointInterval > 0 {
		return s.sched.Every(TaskCheckpoint, sc.CheckpointInterval)
	}
	return nil
}

func (s *Supervisor) buildGateway() error {
	if err := os.MkdirAll(s.path(dirRequests), 0o755); err != nil {
		return errors.Wrap(err, "create data dir")
	}
	var err error
	s.ids, err = idempotency.Open(s.path(dirRequests), s.cfg.Gateway.IdempotencyTTL)
	if err != nil {
		return err
	}
	if err := s.sched.Register(TaskIdempotencyGC, scheduler.Handle(func(context.Context, any) error {
		return s.ids.GC()
	})); err != nil {
		return err
	}
	if err := s.sched.Every(TaskIdempotencyGC, idempotencyGCEvery); err != nil {
		return err
	}

	var auth gateway.Authenticator = gateway.AllowAll{}
	if s.cfg.Gateway.AuthURL != "" {
		auth = gateway.NewHTTPAuthenticator(s.cfg.Gateway.AuthURL, s.cfg.Gateway.Timeout)
	}
	s.gw, err = gateway.New(gateway.Config{Timeout: s.cfg.Gateway.Timeout}, s.input, s.ids, auth, s.metrics)
	if err != nil {
		return err
	}
	s.gw.OnAbnormalStop(func(err error) { s.fail("gateway", err) })

	s.grpcSrv = grpcserver.NewGRPCServer(grpcserver.NewServer(s.gw))
	s.grpcLis, err = net.Listen("tcp", s.cfg.Gateway.Addr)
	return errors.Wrap(err, "listen grpc")
}

func (s *Supervisor) buildProcessor() error {
	pc := s.cfg.Processor
	withSinks := s.runs(config.ModeProcessor)
	if withSinks {
		var err error
		if err = os.MkdirAll(s.path(dirCursors), 0o755); err != nil {
			return errors.Wrap(err, "create data dir")
		}
		if s.cursors, err = cursor.Open(s.path(dirCursors)); err != nil {
			return err
		}
	}
	s.proc = processor.New(processor.Config{
		Retry:      backoff.Policy{Base: pc.RetryBase, Max: pc.RetryMax},
		MaxElapsed: pc.MaxElapsed,
	}, s.outputSrc, s.cursors, s.metrics)
	s.proc.OnAbnormalStop(func(err error) { s.fail("processor", err) })

	if s.gw != nil {
		// A gateway-only process keeps no cursors and only needs responses
		// for requests it is still waiting on.
		s.proc.Add(s.gw, withSinks)
	}
	if !withSinks {
		return nil
	}
	for _, name := range pc.Consumers {
		c, err := s.buildSink(name)
		if err != nil {
			return errors.Wrapf(err, "consumer %s", name)
		}
		s.proc.Add(c, true)
	}
	return nil
}

func (s *Supervisor) buildSink(name string) (processor.Consumer, error) {
	sc := s.cfg.Sinks
	switch name {
	case "sqlite":
		sink, err := sqlstore.Open(sc.SQLitePath)
		if err != nil {
			return nil, err
		}
		s.projection = sink
		s.sinks = append(s.sinks, sink)
		return sink, nil
	case "kafka":
		sink := kafka.NewSink(sc.KafkaBrokers, sc.EventsTopic)
		s.sinks = append(s.sinks, sink)
		return sink, nil
	case "broadcaster":
		b, err := broadcaster.New(sc.KafkaBrokers, sc.NotificationTopic)
		if err != nil {
			return nil, err
		}
		s.sinks = append(s.sinks, b)
		return b, nil
	}
	return nil, errors.Errorf("unknown consumer %q", name)
}

func (s *Supervisor) buildAdmin() error {
	if s.cfg.Admin.Addr == "" {
		return nil
	}
	cfg := admin.Config{
		Registry: s.metrics.Registry,
		Health:   s.Health,
		Status:   s.Status,
	}
	if s.seq != nil {
		cfg.Checkpoint = func(reason string) bool {
			return s.sched.Trigger(TaskCheckpoint, reason)
		}
	}
	if s.projection != nil {
		cfg.Projection = s.projection
	}
	var err error
	s.adminLis, err = net.Listen("tcp", s.cfg.Admin.Addr)
	if err != nil {
		return errors.Wrap(err, "listen admin")
	}
	s.adminSrv = &http.Server{
		Handler:           admin.New(cfg).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// Run starts the components, blocks until ctx is done or one of them
// stops abnormally, and then shuts everything down. It returns the
// abnormal stop error, if any.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.close()

	bg, cancelBg := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBg()
	var g errgroup.Group

	g.Go(func() error { return s.sched.Run(bg) })

	if s.seq != nil {
		g.Go(func() error { return s.seq.Run(bg) })
		select {
		case <-s.seq.Ready():
			s.log.WithField("seq", s.seq.LastApplied()).Info("sequencer running")
		case <-s.seq.Done():
			cancelBg()
			_ = g.Wait()
			return errors.Wrap(s.err(), "sequencer recovery")
		case <-ctx.Done():
			s.seq.Stop()
			<-s.seq.Done()
			cancelBg()
			_ = g.Wait()
			return s.err()
		}
	}
	if s.proc != nil {
		g.Go(func() error { return s.proc.Run(bg) })
	}
	if s.grpcSrv != nil {
		g.Go(func() error {
			s.log.WithField("addr", s.grpcLis.Addr().String()).Info("gateway listening")
			return s.grpcSrv.Serve(s.grpcLis)
		})
	}
	if s.adminSrv != nil {
		g.Go(func() error {
			err := s.adminSrv.Serve(s.adminLis)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	s.log.Info("started")

	select {
	case <-ctx.Done():
		s.log.Info("shutdown requested")
	case <-s.failed:
		s.log.WithError(s.err()).Error("abnormal stop, shutting down")
	}

	s.shutdown()
	cancelBg()
	if err := g.Wait(); err != nil && s.err() == nil {
		s.log.WithError(err).Warn("component exited with error")
	}
	s.log.Info("stopped")
	return s.err()
}

// shutdown stops the components in reverse start order. The sequencer
// drains and checkpoints before the processor drains the last responses.
func (s *Supervisor) shutdown() {
	if s.gw != nil {
		s.gw.Stop()
		s.grpcSrv.GracefulStop()
	}
	if s.seq != nil {
		s.seq.Stop()
		<-s.seq.Done()
	}
	if s.proc != nil {
		s.proc.Stop()
		<-s.proc.Done()
	}
	if s.adminSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.adminSrv.Shutdown(ctx)
	}
}

func (s *Supervisor) close() {
	s.closeOnce.Do(func() {
		closeAll := func(name string, c io.Closer) {
			if err := c.Close(); err != nil {
				s.log.WithError(err).WithField("store", name).Warn("close failed")
			}
		}
		for _, c := range s.sinks {
			closeAll("sink", c)
		}
		if s.cursors != nil {
			closeAll("cursors", s.cursors)
		}
		if s.ids != nil {
			closeAll("requests", s.ids)
		}
		if s.checkpoints != nil {
			closeAll("checkpoints", s.checkpoints)
		}
		if s.output != nil {
			closeAll("output", s.output)
		}
		if s.input != nil {
			closeAll("input", s.input)
		}
		// Already closed when the servers ran.
		for _, lis := range []net.Listener{s.grpcLis, s.adminLis} {
			if lis != nil {
				_ = lis.Close()
			}
		}
	})
}

func (s *Supervisor) fail(component string, err error) {
	s.failOnce.Do(func() {
		s.failErr = errors.Wrap(err, component)
		close(s.failed)
	})
}

func (s *Supervisor) err() error {
	select {
	case <-s.failed:
		return s.failErr
	default:
		return nil
	}
}

// Health returns the abnormal stop error once a component has failed.
func (s *Supervisor) Health() error { return s.err() }

// Status reports each local component's state.
func (s *Supervisor) Status() map[string]string {
	out := map[string]string{"mode": s.cfg.Mode}
	if s.seq != nil {
		out["sequencer"] = s.seq.Status().String()
	}
	running := func(done <-chan struct{}) string {
		select {
		case <-done:
			return "stopped"
		default:
			return "running"
		}
	}
	if s.seq != nil {
		out["last_applied"] = strconv.FormatUint(s.seq.LastApplied(), 10)
	}
	if s.proc != nil {
		out["processor"] = running(s.proc.Done())
		if out["processor"] == "running" {
			failed, err := s.proc.Failed()
			if err != nil {
				s.log.WithError(err).Warn("scan failed deliveries")
			}
			for name, n := range failed {
				out["failed_"+name] = strconv.Itoa(n)
			}
		}
	}
	if s.gw != nil {
		out["gateway"] = "running"
		if s.gw.Stopped() {
			out["gateway"] = "stopped"
		}
		out["last_sequenced"] = strconv.FormatUint(s.gw.LastSequenced(), 10)
	}
	return out
}

// Metrics exposes the registry for tests and embedding.
func (s *Supervisor) Metrics() *metrics.Metrics { return s.metrics }

// Gateway is nil unless the gateway runs in this process.
func (s *Supervisor) Gateway() *gateway.Gateway { return s.gw }

// Sequencer is nil unless the sequencer runs in this process.
func (s *Supervisor) Sequencer() *sequencer.Sequencer { return s.seq }

// CheckpointCount reports checkpoints written so far, zero when the
// sequencer runs elsewhere.
func (s *Supervisor) CheckpointCount() uint64 {
	if s.checkpoints == nil {
		return 0
	}
	return s.checkpoints.Count()
}

// GatewayAddr is the gRPC listen address, empty without a gateway.
func (s *Supervisor) GatewayAddr() string {
	if s.grpcLis == nil {
		return ""
	}
	return s.grpcLis.Addr().String()
}

// AdminAddr is the admin HTTP listen address, empty when disabled.
func (s *Supervisor) AdminAddr() string {
	if s.adminLis == nil {
		return ""
	}
	return s.adminLis.Addr().String()
}
