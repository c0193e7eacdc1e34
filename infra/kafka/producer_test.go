package kafka

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lokiseq/domain/message"
	"lokiseq/domain/orderbook"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestAcceptPublishesEnvelopes(t *testing.T) {
	w := &fakeWriter{}
	s := &Sink{writer: w}

	resp := &message.Response{Seq: 4, RequestID: "r4", Events: []message.Event{
		message.MarketCreated{Market: "ETH/USDC", Base: "ETH", Quote: "USDC"},
		message.BalanceChanged{Account: "A", Asset: "USDC", Available: decimal.NewFromInt(3), Locked: decimal.Zero},
	}}
	require.NoError(t, s.Accept(context.Background(), resp))
	require.Len(t, w.msgs, 2)

	assert.Equal(t, "ETH/USDC", string(w.msgs[0].Key))
	assert.Equal(t, "A", string(w.msgs[1].Key))
	assert.Equal(t, "4-1", string(w.msgs[1].Headers[0].Value))

	var env map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &env))
	assert.Equal(t, "BalanceChanged", env["type"])
	assert.Equal(t, "r4", env["request_id"])
}

func TestOrderLifecycleSharesMarketKey(t *testing.T) {
	w := &fakeWriter{}
	s := &Sink{writer: w}

	resp := &message.Response{Seq: 9, Events: []message.Event{
		message.OrderAccepted{OrderID: 9, Account: "B", Market: "ETH/USDC"},
		message.TradeExecuted{TradeID: 1, Market: "ETH/USDC", TakerOrderID: 9, MakerOrderID: 3},
		message.OrderUpdated{OrderID: 3, Market: "ETH/USDC", Status: orderbook.Filled},
		message.OrderChanged{OrderID: 3, Account: "A", Market: "ETH/USDC"},
		message.OrderCancelled{OrderID: 9, Account: "B", Market: "ETH/USDC", Cause: message.CauseUnfilled},
		message.Checkpointed{Seq: 9},
	}}
	require.NoError(t, s.Accept(context.Background(), resp))
	require.Len(t, w.msgs, 6)
	for _, m := range w.msgs[:5] {
		assert.Equal(t, "ETH/USDC", string(m.Key))
	}
	assert.Equal(t, "sequencer", string(w.msgs[5].Key))
}

func TestAcceptReportsWriteFailure(t *testing.T) {
	s := &Sink{writer: &fakeWriter{err: errors.New("broker down")}}
	err := s.Accept(context.Background(), &message.Response{Seq: 1, Events: []message.Event{message.Checkpointed{Seq: 1}}})
	assert.Error(t, err)

	assert.NoError(t, s.Accept(context.Background(), &message.Response{Seq: 2}))
}
