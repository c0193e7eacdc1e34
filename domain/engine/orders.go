package engine

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"lokiseq/domain/message"
	"lokiseq/domain/orderbook"
)

func (e *Engine) placeOrder(cmd message.Command, p message.PlaceOrder) error {
	id := orderbook.OrderID(cmd.Seq)

	m, ok := e.markets[p.Market]
	if !ok {
		e.reject(id, p.Account, message.ReasonUnknownMarket)
		return nil
	}
	if reason, ok := validateOrder(m, p); !ok {
		e.reject(id, p.Account, reason)
		return nil
	}

	o := &orderbook.Order{
		ID:        id,
		Account:   p.Account,
		Side:      p.Side,
		Type:      p.Type,
		Price:     p.Price,
		Quantity:  p.Quantity,
		Remaining: p.Quantity,
		Status:    orderbook.Open,
	}

	asset, lock := e.reserve(m, o)
	if err := e.ledger.Lock(p.Account, asset, lock); err != nil {
		e.reject(id, p.Account, message.ReasonInsufficientBalance)
		return nil
	}
	o.Locked = lock
	e.touch(p.Account, asset)

	e.emit(message.OrderAccepted{
		OrderID:   id,
		Account:   p.Account,
		Market:    m.ID,
		Side:      p.Side,
		OrderType: p.Type,
		Price:     p.Price,
		Quantity:  p.Quantity,
	})

	var settleErr error
	m.Book.Match(o, func(f orderbook.Fill) {
		if settleErr == nil {
			settleErr = e.settle(cmd, m, o, f)
		}
	})
	if settleErr != nil {
		return settleErr
	}

	traded := o.Filled().IsPositive()
	switch {
	case o.Remaining.IsZero():
		o.Status = orderbook.Filled
	case traded:
		o.Status = orderbook.PartiallyFilled
	}
	if traded {
		e.emit(message.OrderUpdated{OrderID: id, Market: m.ID, Status: o.Status, Remaining: o.Remaining})
	}

	switch {
	case o.Status == orderbook.Filled:
		e.close(m, o)
	case o.Type == orderbook.Limit:
		m.Book.Rest(o)
		e.open[id] = m.ID
	default:
		// Market orders never rest.
		o.Status = orderbook.Cancelled
		e.emit(message.OrderCancelled{OrderID: id, Account: o.Account, Market: m.ID, Remaining: o.Remaining, Cause: message.CauseUnfilled})
		e.close(m, o)
	}
	return nil
}

func validateOrder(m *Market, p message.PlaceOrder) (message.Reason, bool) {
	switch {
	case p.Account == "" || !p.Side.Valid() || !p.Type.Valid():
		return message.ReasonInvalidOrder, false
	case !p.Quantity.IsPositive() || !fits(p.Quantity, m.BaseScale):
		return message.ReasonInvalidQuantity, false
	case p.Type == orderbook.Limit && (!p.Price.IsPositive() || !fits(p.Price, m.QuoteScale)):
		return message.ReasonInvalidPrice, false
	case p.Type == orderbook.Market && !p.Price.IsZero():
		return message.ReasonInvalidPrice, false
	}
	return "", true
}

// reserve returns the asset and amount o must lock before it may trade.
// Market buys are priced against the book as it stands, which is exactly
// what they will pay.
func (e *Engine) reserve(m *Market, o *orderbook.Order) (string, decimal.Decimal) {
	if o.Side == orderbook.Ask {
		return m.Base, o.Quantity
	}
	if o.Type == orderbook.Limit {
		return m.Quote, o.Price.Mul(o.Quantity)
	}
	_, cost := m.Book.Sweep(orderbook.Bid, nil, o.Quantity)
	return m.Quote, cost
}

// settle moves funds for one fill between taker and maker.
func (e *Engine) settle(cmd message.Command, m *Market, taker *orderbook.Order, f orderbook.Fill) error {
	maker := f.Maker
	buyer, seller := taker, maker
	if taker.Side == orderbook.Ask {
		buyer, seller = maker, taker
	}
	cost := f.Price.Mul(f.Quantity)

	// A limit buyer reserved its own price per unit; anything above the
	// execution price goes back to available.
	release := cost
	if buyer.Type == orderbook.Limit {
		release = buyer.Price.Mul(f.Quantity)
	}
	if err := e.ledger.SpendLocked(buyer.Account, m.Quote, release); err != nil {
		return errors.Wrap(ErrInvariant, err.Error())
	}
	buyer.Locked = buyer.Locked.Sub(release)
	if refund := release.Sub(cost); refund.IsPositive() {
		e.ledger.Credit(buyer.Account, m.Quote, refund)
	}
	e.ledger.Credit(buyer.Account, m.Base, f.Quantity)

	if err := e.ledger.SpendLocked(seller.Account, m.Base, f.Quantity); err != nil {
		return errors.Wrap(ErrInvariant, err.Error())
	}
	seller.Locked = seller.Locked.Sub(f.Quantity)
	e.ledger.Credit(seller.Account, m.Quote, cost)

	e.touch(buyer.Account, m.Quote)
	e.touch(buyer.Account, m.Base)
	e.touch(seller.Account, m.Base)
	e.touch(seller.Account, m.Quote)

	e.emit(message.TradeExecuted{
		TradeID:      e.nextTrade,
		Market:       m.ID,
		TakerOrderID: taker.ID,
		MakerOrderID: maker.ID,
		TakerAccount: taker.Account,
		MakerAccount: maker.Account,
		TakerSide:    taker.Side,
		Price:        f.Price,
		Quantity:     f.Quantity,
		Seq:          cmd.Seq,
		Time:         cmd.Time,
	})
	e.nextTrade++

	e.emit(message.OrderUpdated{OrderID: maker.ID, Market: m.ID, Status: maker.Status, Remaining: maker.Remaining})
	if maker.Status == orderbook.Filled {
		delete(e.open, maker.ID)
		e.close(m, maker)
	}
	return nil
}

// close releases whatever o still holds and remembers how it ended.
func (e *Engine) close(m *Market, o *orderbook.Order) {
	if o.Locked.IsPositive() {
		asset := m.Base
		if o.Side == orderbook.Bid {
			asset = m.Quote
		}
		// Locked funds are always backed by the ledger; see settle.
		_ = e.ledger.Unlock(o.Account, asset, o.Locked)
		e.touch(o.Account, asset)
		o.Locked = decimal.Zero
	}
	e.closed[o.ID] = ClosedOrder{ID: o.ID, Account: o.Account, Status: o.Status}
}

// ownedOrder finds the resting order id that account may act on. When
// there is none it records the rejection and returns a nil order.
func (e *Engine) ownedOrder(account string, id orderbook.OrderID) (*Market, *orderbook.Order, error) {
	marketID, ok := e.open[id]
	if !ok {
		if c, done := e.closed[id]; done {
			if c.Account != account {
				e.reject(id, account, message.ReasonNotOrderOwner)
			} else {
				e.reject(id, account, message.ReasonAlreadyTerminal)
			}
			return nil, nil, nil
		}
		e.reject(id, account, message.ReasonUnknownOrder)
		return nil, nil, nil
	}

	m := e.markets[marketID]
	o, ok := m.Book.Order(id)
	if !ok {
		return nil, nil, errors.Wrapf(ErrInvariant, "order %d indexed in %s but not on its book", id, marketID)
	}
	if o.Account != account {
		e.reject(id, account, message.ReasonNotOrderOwner)
		return nil, nil, nil
	}
	return m, o, nil
}

func (e *Engine) cancelOrder(p message.CancelOrder) error {
	m, o, err := e.ownedOrder(p.Account, p.OrderID)
	if err != nil || o == nil {
		return err
	}

	m.Book.Remove(o.ID)
	delete(e.open, o.ID)
	o.Status = orderbook.Cancelled
	e.emit(message.OrderCancelled{OrderID: o.ID, Account: o.Account, Market: m.ID, Remaining: o.Remaining, Cause: message.CauseUser})
	e.close(m, o)
	return nil
}

// changeOrder gives a resting order a new price and total quantity. A
// smaller quantity at the same price keeps the order's place in the queue;
// any other change re-enters the book and may trade as a taker.
func (e *Engine) changeOrder(cmd message.Command, p message.ChangeOrder) error {
	m, o, err := e.ownedOrder(p.Account, p.OrderID)
	if err != nil || o == nil {
		return err
	}
	terms := message.PlaceOrder{Account: p.Account, Market: m.ID, Side: o.Side, Type: orderbook.Limit, Price: p.Price, Quantity: p.Quantity}
	if reason, ok := validateOrder(m, terms); !ok {
		e.reject(o.ID, p.Account, reason)
		return nil
	}
	if !p.Quantity.GreaterThan(o.Filled()) {
		e.reject(o.ID, p.Account, message.ReasonInvalidQuantity)
		return nil
	}
	remaining := p.Quantity.Sub(o.Filled())

	asset, lock := m.Base, remaining
	if o.Side == orderbook.Bid {
		asset, lock = m.Quote, p.Price.Mul(remaining)
	}
	switch extra := lock.Sub(o.Locked); {
	case extra.IsPositive():
		if err := e.ledger.Lock(o.Account, asset, extra); err != nil {
			e.reject(o.ID, p.Account, message.ReasonInsufficientBalance)
			return nil
		}
		e.touch(o.Account, asset)
	case extra.IsNegative():
		if err := e.ledger.Unlock(o.Account, asset, extra.Neg()); err != nil {
			return errors.Wrap(ErrInvariant, err.Error())
		}
		e.touch(o.Account, asset)
	}
	o.Locked = lock

	e.emit(message.OrderChanged{
		OrderID:   o.ID,
		Account:   o.Account,
		Market:    m.ID,
		Price:     p.Price,
		Quantity:  p.Quantity,
		Remaining: remaining,
	})

	if p.Price.Equal(o.Price) && remaining.LessThanOrEqual(o.Remaining) {
		if remaining.LessThan(o.Remaining) && !m.Book.Reduce(o.ID, remaining) {
			return errors.Wrapf(ErrInvariant, "order %d could not be reduced", o.ID)
		}
		o.Quantity = p.Quantity
		return nil
	}

	m.Book.Remove(o.ID)
	o.Price, o.Quantity, o.Remaining = p.Price, p.Quantity, remaining

	var settleErr error
	m.Book.Match(o, func(f orderbook.Fill) {
		if settleErr == nil {
			settleErr = e.settle(cmd, m, o, f)
		}
	})
	if settleErr != nil {
		return settleErr
	}

	if o.Remaining.LessThan(remaining) {
		o.Status = orderbook.PartiallyFilled
		if o.Remaining.IsZero() {
			o.Status = orderbook.Filled
		}
		e.emit(message.OrderUpdated{OrderID: o.ID, Market: m.ID, Status: o.Status, Remaining: o.Remaining})
	}
	if o.Status == orderbook.Filled {
		delete(e.open, o.ID)
		e.close(m, o)
		return nil
	}
	m.Book.Rest(o)
	return nil
}
