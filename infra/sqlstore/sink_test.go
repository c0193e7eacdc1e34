package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lokiseq/domain/message"
	"lokiseq/domain/orderbook"
)

func tradeResponse(seq, tradeID uint64, buyerAvail string) *message.Response {
	return &message.Response{Seq: seq, RequestID: "r", Time: 7, Events: []message.Event{
		message.TradeExecuted{TradeID: tradeID, Market: "ETH/USDC", TakerOrderID: orderbook.OrderID(seq), MakerOrderID: 1,
			TakerAccount: "B", MakerAccount: "A", TakerSide: orderbook.Ask,
			Price: decimal.RequireFromString("5"), Quantity: decimal.RequireFromString("10"), Seq: seq, Time: 7},
		message.BalanceChanged{Account: "A", Asset: "USDC", Available: decimal.RequireFromString(buyerAvail), Locked: decimal.Zero},
	}}
}

func TestAcceptIsIdempotent(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "db", "events.sqlite"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	resp := tradeResponse(5, 1, "50")
	require.NoError(t, s.Accept(ctx, resp))
	require.NoError(t, s.Accept(ctx, resp))

	n, err := s.EventCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	trades, err := s.Trades(ctx, "ETH/USDC")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, uint64(5), trades[0].Seq)
	assert.True(t, trades[0].Price.Equal(decimal.NewFromInt(5)))
}

func TestOlderBalanceDoesNotOverwrite(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Accept(ctx, tradeResponse(9, 2, "40")))
	require.NoError(t, s.Accept(ctx, tradeResponse(5, 1, "50")))

	av, lk, found, err := s.Balance(ctx, "A", "USDC")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "40", av.String())
	assert.Equal(t, "0", lk.String())

	_, _, found, err = s.Balance(ctx, "nobody", "USDC")
	require.NoError(t, err)
	assert.False(t, found)
}
