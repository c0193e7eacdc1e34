package orderbook

import "github.com/shopspring/decimal"

// Allocation decides how a taker's quantity is shared between the orders
// resting at one price level.
type Allocation uint8

const (
	// FIFO fills the earliest resting order first.
	FIFO Allocation = iota
	// ProRata splits the quantity by remaining size, rounded down to the
	// quantity scale, and hands leftovers out in time priority.
	ProRata
)

func (a Allocation) String() string {
	if a == ProRata {
		return "pro-rata"
	}
	return "fifo"
}

// Fill is one execution against a resting order, reported after both
// sides have been decremented.
type Fill struct {
	Maker    *Order
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBook is single-writer and deterministic. Orders are owned by the
// arena; the trees only hold price levels of order IDs.
type OrderBook struct {
	Bids *RBTree
	Asks *RBTree

	orders   map[OrderID]*Order
	alloc    Allocation
	qtyScale int32
}

func NewOrderBook(alloc Allocation, qtyScale int32) *OrderBook {
	return &OrderBook{
		Bids:     NewRBTree(),
		Asks:     NewRBTree(),
		orders:   make(map[OrderID]*Order),
		alloc:    alloc,
		qtyScale: qtyScale,
	}
}

func (b *OrderBook) side(s Side) *RBTree {
	if s == Bid {
		return b.Bids
	}
	return b.Asks
}

// best returns the most aggressive level on side s.
func (b *OrderBook) best(s Side) *PriceLevel {
	if s == Bid {
		return b.Bids.MaxLevel()
	}
	return b.Asks.MinLevel()
}

func (b *OrderBook) BestBid() (decimal.Decimal, bool) {
	if lvl := b.best(Bid); lvl != nil {
		return lvl.Price, true
	}
	return decimal.Decimal{}, false
}

func (b *OrderBook) BestAsk() (decimal.Decimal, bool) {
	if lvl := b.best(Ask); lvl != nil {
		return lvl.Price, true
	}
	return decimal.Decimal{}, false
}

func (b *OrderBook) Order(id OrderID) (*Order, bool) {
	o, ok := b.orders[id]
	return o, ok
}

func (b *OrderBook) Len() int {
	return len(b.orders)
}

// Rest places o at the back of its price level.
func (b *OrderBook) Rest(o *Order) {
	b.orders[o.ID] = o
	b.side(o.Side).UpsertLevel(o.Price).push(o)
}

// Remove takes a resting order off the book.
func (b *OrderBook) Remove(id OrderID) (*Order, bool) {
	o, ok := b.orders[id]
	if !ok {
		return nil, false
	}
	tree := b.side(o.Side)
	if lvl := tree.FindLevel(o.Price); lvl != nil {
		lvl.remove(o)
		if lvl.Empty() {
			tree.DeleteLevel(o.Price)
		}
	}
	delete(b.orders, id)
	return o, true
}

// Reduce lowers a resting order's remaining quantity in place, so it keeps
// its time priority. It reports false if id is not resting or remaining
// is not a positive amount below the current one.
func (b *OrderBook) Reduce(id OrderID, remaining decimal.Decimal) bool {
	o, ok := b.orders[id]
	if !ok || !remaining.IsPositive() || remaining.GreaterThan(o.Remaining) {
		return false
	}
	if lvl := b.side(o.Side).FindLevel(o.Price); lvl != nil {
		lvl.Total = lvl.Total.Sub(o.Remaining.Sub(remaining))
	}
	o.Remaining = remaining
	return true
}

// Match executes taker against the opposite side, best price first, until
// it is filled or no resting price crosses. Filled makers leave the book.
// fn sees every fill in execution order.
func (b *OrderBook) Match(taker *Order, fn func(Fill)) {
	opp := taker.Side.Opposite()
	tree := b.side(opp)

	for taker.Remaining.IsPositive() {
		lvl := b.best(opp)
		if lvl == nil || !taker.crosses(lvl.Price) {
			return
		}

		if b.alloc == ProRata && taker.Remaining.LessThan(lvl.Total) {
			b.fillProRata(lvl, taker, fn)
		} else {
			b.fillFIFO(lvl, taker, fn)
		}

		if lvl.Empty() {
			tree.DeleteLevel(lvl.Price)
		}
	}
}

// Sweep walks the opposite side without mutating anything and reports how
// much of qty a taker with the given side and limit would fill and what it
// would cost in quote. A nil limit means a market order.
func (b *OrderBook) Sweep(side Side, limit *decimal.Decimal, qty decimal.Decimal) (filled, cost decimal.Decimal) {
	probe := &Order{Side: side, Type: Market}
	if limit != nil {
		probe.Type, probe.Price = Limit, *limit
	}

	visit := func(lvl *PriceLevel) bool {
		if !probe.crosses(lvl.Price) {
			return false
		}
		q := decimal.Min(qty.Sub(filled), lvl.Total)
		filled = filled.Add(q)
		cost = cost.Add(q.Mul(lvl.Price))
		return filled.LessThan(qty)
	}
	if side == Bid {
		b.Asks.ForEachAscending(visit)
	} else {
		b.Bids.ForEachDescending(visit)
	}
	return filled, cost
}

func (b *OrderBook) execute(lvl *PriceLevel, taker, maker *Order, q decimal.Decimal, fn func(Fill)) {
	taker.Remaining = taker.Remaining.Sub(q)
	maker.Remaining = maker.Remaining.Sub(q)
	lvl.Total = lvl.Total.Sub(q)

	if maker.Remaining.IsZero() {
		maker.Status = Filled
		lvl.remove(maker)
		delete(b.orders, maker.ID)
	} else {
		maker.Status = PartiallyFilled
	}
	fn(Fill{Maker: maker, Price: lvl.Price, Quantity: q})
}

func (b *OrderBook) fillFIFO(lvl *PriceLevel, taker *Order, fn func(Fill)) {
	for taker.Remaining.IsPositive() && !lvl.Empty() {
		maker := b.orders[lvl.queue[0]]
		q := decimal.Min(taker.Remaining, maker.Remaining)
		b.execute(lvl, taker, maker, q, fn)
	}
}

// fillProRata is only used when the level holds more than the taker wants.
func (b *OrderBook) fillProRata(lvl *PriceLevel, taker *Order, fn func(Fill)) {
	want := taker.Remaining
	ids := append([]OrderID(nil), lvl.queue...)
	shares := make([]decimal.Decimal, len(ids))

	allocated := decimal.Zero
	for i, id := range ids {
		maker := b.orders[id]
		shares[i] = maker.Remaining.Mul(want).Div(lvl.Total).Truncate(b.qtyScale)
		allocated = allocated.Add(shares[i])
	}

	left := want.Sub(allocated)
	for i, id := range ids {
		if !left.IsPositive() {
			break
		}
		room := b.orders[id].Remaining.Sub(shares[i])
		extra := decimal.Min(room, left)
		shares[i] = shares[i].Add(extra)
		left = left.Sub(extra)
	}

	for i, id := range ids {
		if shares[i].IsPositive() {
			b.execute(lvl, taker, b.orders[id], shares[i], fn)
		}
	}
}

// Walk visits resting orders on side s in priority order.
func (b *OrderBook) Walk(s Side, fn func(*Order) bool) {
	visit := func(lvl *PriceLevel) bool {
		for _, id := range lvl.queue {
			if !fn(b.orders[id]) {
				return false
			}
		}
		return true
	}
	if s == Bid {
		b.Bids.ForEachDescending(visit)
	} else {
		b.Asks.ForEachAscending(visit)
	}
}
