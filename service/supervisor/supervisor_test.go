package supervisor

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"lokiseq/api/grpcserver"
	"lokiseq/config"
	"lokiseq/infra/sqlstore"
)

func testConfig(t *testing.T, mode, dataDir string) config.Config {
	cfg := config.Default()
	cfg.Mode = mode
	cfg.DataDir = dataDir
	cfg.WAL.SyncOnAppend = false
	cfg.WAL.PollInterval = 5 * time.Millisecond
	cfg.Gateway.Addr = "127.0.0.1:0"
	cfg.Gateway.Timeout = 3 * time.Second
	cfg.Admin.Addr = "127.0.0.1:0"
	cfg.Processor.MaxElapsed = time.Second
	return cfg
}

type running struct {
	s      *Supervisor
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, cfg config.Config) *running {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{s: s, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- s.Run(ctx) }()
	t.Cleanup(func() { r.stop(t) })
	return r
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case err, ok := <-r.done:
		if ok {
			close(r.done)
		}
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
		return nil
	}
}

func dial(t *testing.T, addr string) *grpcserver.Client {
	t.Helper()
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return grpcserver.NewClient(conn)
}

func trade(t *testing.T, c *grpcserver.Client) {
	t.Helper()
	ctx := context.Background()
	_, err := c.CreateMarket(ctx, &grpcserver.CreateMarketRequest{Market: "ETH/USDC", Base: "ETH", Quote: "USDC", BaseScale: 8, QuoteScale: 2})
	require.NoError(t, err)
	_, err = c.Deposit(ctx, &grpcserver.TransferRequest{Account: "alice", Asset: "ETH", Amount: decimal.NewFromInt(2)})
	require.NoError(t, err)
	_, err = c.Deposit(ctx, &grpcserver.TransferRequest{Account: "bob", Asset: "USDC", Amount: decimal.NewFromInt(1000)})
	require.NoError(t, err)
	_, err = c.PlaceOrder(ctx, &grpcserver.PlaceOrderRequest{Account: "alice", Market: "ETH/USDC", Side: "ask", Price: decimal.NewFromInt(300), Quantity: decimal.NewFromInt(1)})
	require.NoError(t, err)
	reply, err := c.PlaceOrder(ctx, &grpcserver.PlaceOrderRequest{
		Auth:    grpcserver.Auth{RequestID: "bob-buy"},
		Account: "bob", Market: "ETH/USDC", Side: "bid", Price: decimal.NewFromInt(310), Quantity: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	require.False(t, reply.Rejected, reply.Reason)
	assert.Equal(t, uint64(5), reply.Seq)
}

func TestAllModeEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, config.ModeAll, dir)
	cfg.Sequencer.CheckpointEvery = 3
	cfg.Processor.Consumers = []string{"sqlite"}
	cfg.Sinks.SQLitePath = filepath.Join(dir, "projection.db")

	r := start(t, cfg)
	c := dial(t, r.s.GatewayAddr())
	trade(t, c)

	out, err := c.GetOutcome(context.Background(), &grpcserver.OutcomeRequest{RequestID: "bob-buy"})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), out.Seq)

	resp, err := http.Get("http://" + r.s.AdminAddr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post("http://"+r.s.AdminAddr()+"/checkpoint", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	status := r.s.Status()
	assert.Equal(t, "running", status["sequencer"])
	assert.Equal(t, "5", status["last_sequenced"])
	assert.Equal(t, "5", status["last_applied"])
	assert.Equal(t, "0", status["failed_sqlite"])
	require.NoError(t, r.stop(t))
	assert.GreaterOrEqual(t, r.s.CheckpointCount(), uint64(2))

	sink, err := sqlstore.Open(cfg.Sinks.SQLitePath)
	require.NoError(t, err)
	defer sink.Close()
	trades, err := sink.Trades(context.Background(), "ETH/USDC")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Price.Equal(decimal.NewFromInt(300)))
}

func TestRestartResumes(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, config.ModeAll, dir)

	r := start(t, cfg)
	trade(t, dial(t, r.s.GatewayAddr()))
	require.NoError(t, r.stop(t))

	r = start(t, cfg)
	c := dial(t, r.s.GatewayAddr())
	reply, err := c.Withdraw(context.Background(), &grpcserver.TransferRequest{Account: "bob", Asset: "ETH", Amount: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.Equal(t, uint64(6), reply.Seq)
	assert.False(t, reply.Rejected, reply.Reason)

	// Resubmitting a request id from before the restart returns the old outcome.
	again, err := c.PlaceOrder(context.Background(), &grpcserver.PlaceOrderRequest{
		Auth:    grpcserver.Auth{RequestID: "bob-buy"},
		Account: "bob", Market: "ETH/USDC", Side: "bid", Price: decimal.NewFromInt(310), Quantity: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), again.Seq)
}

func TestSplitProcesses(t *testing.T) {
	dir := t.TempDir()
	seqCfg := testConfig(t, config.ModeSequencer, dir)
	seqCfg.Admin.Addr = ""
	restCfg := testConfig(t, config.ModeAllExceptSequencer, dir)

	seq := start(t, seqCfg)
	rest := start(t, restCfg)
	assert.Empty(t, seq.s.GatewayAddr())
	assert.Nil(t, rest.s.Sequencer())

	trade(t, dial(t, rest.s.GatewayAddr()))
	assert.Equal(t, "running", rest.s.Status()["processor"])
}

func TestCheckpointsDisabled(t *testing.T) {
	cfg := testConfig(t, config.ModeAll, t.TempDir())
	cfg.Sequencer.CheckpointEnabled = false
	cfg.Sequencer.CheckpointEvery = 1

	r := start(t, cfg)
	trade(t, dial(t, r.s.GatewayAddr()))
	require.NoError(t, r.stop(t))
	assert.Zero(t, r.s.CheckpointCount())
}

func TestStartupFailures(t *testing.T) {
	cfg := testConfig(t, "everything", t.TempDir())
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = testConfig(t, config.ModeGateway, t.TempDir())
	cfg.Gateway.Addr = "not-an-address"
	_, err = New(cfg)
	assert.Error(t, err)
}
