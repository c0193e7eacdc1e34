package broadcaster

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lokiseq/domain/message"
	"lokiseq/domain/orderbook"
)

func TestAcceptPublishesOrderEvents(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	// Event is an interface, so read back only the routing fields.
	type received struct {
		EventID string            `json:"event_id"`
		Type    string            `json:"type"`
		OrderID orderbook.OrderID `json:"order_id"`
	}
	var got []received
	for i := 0; i < 3; i++ {
		producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			var n received
			if err := json.Unmarshal(val, &n); err != nil {
				return err
			}
			got = append(got, n)
			return nil
		})
	}
	b := NewWithProducer(producer, "orders")

	resp := &message.Response{Seq: 9, Events: []message.Event{
		message.OrderAccepted{OrderID: 9, Account: "A", Market: "ETH/USDC", Side: orderbook.Bid},
		message.TradeExecuted{TradeID: 1, TakerOrderID: 9, MakerOrderID: 3, Price: decimal.NewFromInt(10), Quantity: decimal.NewFromInt(1)},
		message.BalanceChanged{Account: "A", Asset: "ETH"},
		message.OrderUpdated{OrderID: 3, Status: orderbook.Filled},
	}}
	require.NoError(t, b.Accept(context.Background(), resp))
	require.NoError(t, producer.Close())

	require.Len(t, got, 3)
	assert.Equal(t, "9-0", got[0].EventID)
	assert.Equal(t, orderbook.OrderID(9), got[1].OrderID)
	assert.Equal(t, "TradeExecuted", got[1].Type)
	assert.Equal(t, orderbook.OrderID(3), got[2].OrderID)
	assert.Equal(t, "9-3", got[2].EventID)
}

func TestAcceptSkipsResponsesWithoutOrders(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	b := NewWithProducer(producer, "orders")

	resp := &message.Response{Seq: 2, Events: []message.Event{
		message.Rejected{Account: "A", Reason: message.ReasonInsufficientBalance},
		message.Checkpointed{Seq: 2},
	}}
	require.NoError(t, b.Accept(context.Background(), resp))
	require.NoError(t, producer.Close())
}

func TestAcceptReturnsSendError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	b := NewWithProducer(producer, "orders")

	err := b.Accept(context.Background(), &message.Response{Seq: 5, Events: []message.Event{
		message.OrderCancelled{OrderID: 5, Account: "A"},
	}})
	require.Error(t, err)
	require.NoError(t, producer.Close())
}
