package orderbook

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limit(id OrderID, side Side, price, qty string) *Order {
	return &Order{
		ID:        id,
		Account:   "acc",
		Side:      side,
		Type:      Limit,
		Price:     d(price),
		Quantity:  d(qty),
		Remaining: d(qty),
		Status:    Open,
	}
}

func collect(b *OrderBook, taker *Order) []Fill {
	var fills []Fill
	b.Match(taker, func(f Fill) { fills = append(fills, f) })
	return fills
}

func TestMatchPriceTimePriority(t *testing.T) {
	b := NewOrderBook(FIFO, 8)
	b.Rest(limit(1, Ask, "101", "1"))
	b.Rest(limit(2, Ask, "100", "2"))
	b.Rest(limit(3, Ask, "100", "2"))

	fills := collect(b, limit(4, Bid, "101", "4.5"))
	require.Len(t, fills, 3)

	assert.Equal(t, OrderID(2), fills[0].Maker.ID)
	assert.True(t, fills[0].Price.Equal(d("100")))
	assert.True(t, fills[0].Quantity.Equal(d("2")))
	assert.Equal(t, OrderID(3), fills[1].Maker.ID)
	assert.Equal(t, OrderID(1), fills[2].Maker.ID)
	assert.True(t, fills[2].Price.Equal(d("101")))
	assert.True(t, fills[2].Quantity.Equal(d("0.5")))

	assert.Equal(t, Filled, fills[0].Maker.Status)
	assert.Equal(t, PartiallyFilled, fills[2].Maker.Status)
	_, ok := b.Order(2)
	assert.False(t, ok)

	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.True(t, ask.Equal(d("101")))
	assert.Equal(t, 1, b.Len())
}

func TestMatchStopsAtLimit(t *testing.T) {
	b := NewOrderBook(FIFO, 8)
	b.Rest(limit(1, Bid, "99", "1"))

	taker := limit(2, Ask, "100", "1")
	assert.Empty(t, collect(b, taker))
	assert.True(t, taker.Remaining.Equal(d("1")))
}

func TestMarketOrderWalksEveryLevel(t *testing.T) {
	b := NewOrderBook(FIFO, 8)
	b.Rest(limit(1, Bid, "99", "1"))
	b.Rest(limit(2, Bid, "98", "1"))

	taker := &Order{ID: 3, Side: Ask, Type: Market, Quantity: d("3"), Remaining: d("3")}
	fills := collect(b, taker)
	require.Len(t, fills, 2)
	assert.True(t, taker.Remaining.Equal(d("1")))
	_, ok := b.BestBid()
	assert.False(t, ok)
}

func TestSweepMatchesExecution(t *testing.T) {
	b := NewOrderBook(FIFO, 8)
	b.Rest(limit(1, Ask, "10", "1"))
	b.Rest(limit(2, Ask, "11", "2"))
	b.Rest(limit(3, Ask, "12", "5"))

	filled, cost := b.Sweep(Bid, nil, d("2.5"))
	assert.True(t, filled.Equal(d("2.5")))
	assert.True(t, cost.Equal(d("26.5")), cost.String())

	lim := d("11")
	filled, cost = b.Sweep(Bid, &lim, d("10"))
	assert.True(t, filled.Equal(d("3")))
	assert.True(t, cost.Equal(d("32")))

	taker := &Order{ID: 4, Side: Bid, Type: Market, Quantity: d("2.5"), Remaining: d("2.5")}
	spent := decimal.Zero
	b.Match(taker, func(f Fill) { spent = spent.Add(f.Price.Mul(f.Quantity)) })
	assert.True(t, spent.Equal(d("26.5")))
}

func TestRemove(t *testing.T) {
	b := NewOrderBook(FIFO, 8)
	b.Rest(limit(1, Bid, "5", "1"))
	b.Rest(limit(2, Bid, "5", "2"))

	o, ok := b.Remove(1)
	require.True(t, ok)
	assert.Equal(t, OrderID(1), o.ID)
	lvl := b.Bids.FindLevel(d("5"))
	require.NotNil(t, lvl)
	assert.True(t, lvl.Total.Equal(d("2")))
	assert.Equal(t, []OrderID{2}, lvl.IDs())

	_, ok = b.Remove(2)
	require.True(t, ok)
	assert.Nil(t, b.Bids.FindLevel(d("5")))
	_, ok = b.Remove(2)
	assert.False(t, ok)
}

func TestReduceKeepsPriority(t *testing.T) {
	b := NewOrderBook(FIFO, 8)
	b.Rest(limit(1, Ask, "5", "3"))
	b.Rest(limit(2, Ask, "5", "2"))

	require.True(t, b.Reduce(1, d("1")))
	assert.False(t, b.Reduce(1, d("4")))
	assert.False(t, b.Reduce(1, d("0")))
	assert.False(t, b.Reduce(9, d("1")))

	lvl := b.Asks.FindLevel(d("5"))
	require.NotNil(t, lvl)
	assert.True(t, lvl.Total.Equal(d("3")))
	assert.Equal(t, []OrderID{1, 2}, lvl.IDs())

	fills := collect(b, &Order{ID: 3, Side: Bid, Type: Limit, Price: d("5"), Quantity: d("1"), Remaining: d("1")})
	require.Len(t, fills, 1)
	assert.Equal(t, OrderID(1), fills[0].Maker.ID)
}

func TestProRataAllocation(t *testing.T) {
	b := NewOrderBook(ProRata, 0)
	b.Rest(limit(1, Ask, "10", "1"))
	b.Rest(limit(2, Ask, "10", "3"))
	b.Rest(limit(3, Ask, "10", "6"))

	fills := collect(b, limit(4, Bid, "10", "5"))
	got := map[OrderID]string{}
	for _, f := range fills {
		got[f.Maker.ID] = f.Quantity.String()
	}
	// 0.5, 1.5, 3 truncate to 0, 1, 3; the leftover 1 goes to the oldest order.
	assert.Equal(t, map[OrderID]string{1: "1", 2: "1", 3: "3"}, got)

	lvl := b.Asks.FindLevel(d("10"))
	require.NotNil(t, lvl)
	assert.True(t, lvl.Total.Equal(d("5")))
	assert.Equal(t, []OrderID{2, 3}, lvl.IDs())
}

func TestWalkPriorityOrder(t *testing.T) {
	b := NewOrderBook(FIFO, 8)
	b.Rest(limit(1, Bid, "5", "1"))
	b.Rest(limit(2, Bid, "6", "1"))
	b.Rest(limit(3, Bid, "5", "1"))

	var ids []OrderID
	b.Walk(Bid, func(o *Order) bool {
		ids = append(ids, o.ID)
		return true
	})
	assert.Equal(t, []OrderID{2, 1, 3}, ids)
}
