package engine

import (
	"sort"

	"github.com/pkg/errors"

	"lokiseq/domain/ledger"
	"lokiseq/domain/orderbook"
)

// State is a canonical, order-stable copy of everything the engine holds.
// Resting orders are listed in priority order so restoring them in the
// same order rebuilds identical queues.
type State struct {
	Seq       uint64
	NextTrade uint64
	Markets   []MarketState
	Balances  []BalanceState
	Closed    []ClosedOrder
}

type MarketState struct {
	ID         string
	Base       string
	Quote      string
	BaseScale  int32
	QuoteScale int32
	Bids       []orderbook.Order
	Asks       []orderbook.Order
}

type BalanceState struct {
	Account string
	Asset   string
	Balance ledger.Balance
}

func (e *Engine) Export() State {
	st := State{Seq: e.seq, NextTrade: e.nextTrade}

	ids := make([]string, 0, len(e.markets))
	for id := range e.markets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		m := e.markets[id]
		ms := MarketState{ID: m.ID, Base: m.Base, Quote: m.Quote, BaseScale: m.BaseScale, QuoteScale: m.QuoteScale}
		m.Book.Walk(orderbook.Bid, func(o *orderbook.Order) bool {
			ms.Bids = append(ms.Bids, *o)
			return true
		})
		m.Book.Walk(orderbook.Ask, func(o *orderbook.Order) bool {
			ms.Asks = append(ms.Asks, *o)
			return true
		})
		st.Markets = append(st.Markets, ms)
	}

	e.ledger.Walk(func(account, asset string, b ledger.Balance) {
		st.Balances = append(st.Balances, BalanceState{Account: account, Asset: asset, Balance: b})
	})

	for _, c := range e.closed {
		st.Closed = append(st.Closed, c)
	}
	sort.Slice(st.Closed, func(i, j int) bool { return st.Closed[i].ID < st.Closed[j].ID })
	return st
}

// Import rebuilds an engine from st.
func Import(cfg Config, st State) (*Engine, error) {
	e := New(cfg)
	e.seq = st.Seq
	if st.NextTrade > 0 {
		e.nextTrade = st.NextTrade
	}

	for _, ms := range st.Markets {
		m := &Market{
			ID:         ms.ID,
			Base:       ms.Base,
			Quote:      ms.Quote,
			BaseScale:  ms.BaseScale,
			QuoteScale: ms.QuoteScale,
			Book:       orderbook.NewOrderBook(cfg.Allocation, ms.BaseScale),
		}
		for _, orders := range [][]orderbook.Order{ms.Bids, ms.Asks} {
			for i := range orders {
				o := orders[i]
				if _, dup := e.open[o.ID]; dup {
					return nil, errors.Errorf("engine: order %d restored twice", o.ID)
				}
				m.Book.Rest(&o)
				e.open[o.ID] = m.ID
			}
		}
		e.markets[m.ID] = m
	}

	for _, b := range st.Balances {
		e.ledger.Set(b.Account, b.Asset, b.Balance)
	}
	for _, c := range st.Closed {
		e.closed[c.ID] = c
	}
	return e, nil
}
