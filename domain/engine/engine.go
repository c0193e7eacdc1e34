// Package engine is the deterministic state machine behind the sequencer.
// Apply is a pure function of the current state and one command: it reads
// no clock, does no I/O and either commits a command fully or rejects it
// without touching state.
package engine

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"lokiseq/domain/ledger"
	"lokiseq/domain/message"
	"lokiseq/domain/orderbook"
)

var (
	ErrOutOfSequence = errors.New("engine: out of sequence command")
	// ErrInvariant means the state machine found itself in a state it can
	// never legally reach. The caller must halt.
	ErrInvariant = errors.New("engine: invariant violated")
)

const maxScale = 18

type Config struct {
	Allocation orderbook.Allocation
}

type Market struct {
	ID         string
	Base       string
	Quote      string
	BaseScale  int32
	QuoteScale int32
	Book       *orderbook.OrderBook
}

// ClosedOrder remembers who owned a finished order and how it ended.
type ClosedOrder struct {
	ID      orderbook.OrderID
	Account string
	Status  orderbook.Status
}

type balanceKey struct{ account, asset string }

type Engine struct {
	cfg Config

	seq       uint64
	nextTrade uint64
	markets   map[string]*Market
	ledger    *ledger.Ledger
	open      map[orderbook.OrderID]string // resting order -> market
	closed    map[orderbook.OrderID]ClosedOrder

	// per-command scratch
	events  []message.Event
	touched []balanceKey
	seen    map[balanceKey]bool
}

func New(cfg Config) *Engine {
	return &Engine{
		cfg:       cfg,
		nextTrade: 1,
		markets:   make(map[string]*Market),
		ledger:    ledger.New(),
		open:      make(map[orderbook.OrderID]string),
		closed:    make(map[orderbook.OrderID]ClosedOrder),
		seen:      make(map[balanceKey]bool),
	}
}

// Seq is the last applied sequence number.
func (e *Engine) Seq() uint64 { return e.seq }

func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

func (e *Engine) Market(id string) (*Market, bool) {
	m, ok := e.markets[id]
	return m, ok
}

// Apply applies cmd, which must carry the next sequence number, and
// returns everything it produced. A non-nil error is fatal.
func (e *Engine) Apply(cmd message.Command) (*message.Response, error) {
	if cmd.Seq != e.seq+1 {
		return nil, errors.Wrapf(ErrOutOfSequence, "got %d, last applied %d", cmd.Seq, e.seq)
	}

	e.events = nil
	e.touched = e.touched[:0]
	for k := range e.seen {
		delete(e.seen, k)
	}

	var err error
	switch p := cmd.Payload.(type) {
	case message.PlaceOrder:
		err = e.placeOrder(cmd, p)
	case message.CancelOrder:
		err = e.cancelOrder(p)
	case message.ChangeOrder:
		err = e.changeOrder(cmd, p)
	case message.Deposit:
		e.deposit(p)
	case message.Withdraw:
		e.withdraw(p)
	case message.CreateMarket:
		e.createMarket(p)
	default:
		e.reject(0, "", message.ReasonUnknownCommand)
	}
	if err != nil {
		return nil, err
	}

	for _, k := range e.touched {
		b := e.ledger.Balance(k.account, k.asset)
		e.emit(message.BalanceChanged{Account: k.account, Asset: k.asset, Available: b.Available, Locked: b.Locked})
	}

	e.seq = cmd.Seq
	return &message.Response{
		Seq:       cmd.Seq,
		RequestID: cmd.RequestID,
		Time:      cmd.Time,
		Events:    e.events,
	}, nil
}

func (e *Engine) emit(ev message.Event) {
	e.events = append(e.events, ev)
}

func (e *Engine) reject(id orderbook.OrderID, account string, reason message.Reason) {
	e.emit(message.Rejected{OrderID: id, Account: account, Reason: reason})
}

func (e *Engine) touch(account, asset string) {
	k := balanceKey{account, asset}
	if !e.seen[k] {
		e.seen[k] = true
		e.touched = append(e.touched, k)
	}
}

// ---- balances ----

func (e *Engine) deposit(p message.Deposit) {
	if p.Account == "" || p.Asset == "" || !p.Amount.IsPositive() {
		e.reject(0, p.Account, message.ReasonInvalidAmount)
		return
	}
	e.ledger.Credit(p.Account, p.Asset, p.Amount)
	e.touch(p.Account, p.Asset)
}

func (e *Engine) withdraw(p message.Withdraw) {
	if p.Account == "" || p.Asset == "" || !p.Amount.IsPositive() {
		e.reject(0, p.Account, message.ReasonInvalidAmount)
		return
	}
	if err := e.ledger.Debit(p.Account, p.Asset, p.Amount); err != nil {
		e.reject(0, p.Account, message.ReasonInsufficientBalance)
		return
	}
	e.touch(p.Account, p.Asset)
}

// ---- markets ----

func (e *Engine) createMarket(p message.CreateMarket) {
	if p.Market == "" || p.Base == "" || p.Quote == "" || p.Base == p.Quote ||
		p.BaseScale < 0 || p.BaseScale > maxScale || p.QuoteScale < 0 || p.QuoteScale > maxScale {
		e.reject(0, "", message.ReasonInvalidMarket)
		return
	}

	if m, ok := e.markets[p.Market]; ok {
		if m.Base != p.Base || m.Quote != p.Quote || m.BaseScale != p.BaseScale || m.QuoteScale != p.QuoteScale {
			e.reject(0, "", message.ReasonMarketExists)
		}
		return
	}

	e.markets[p.Market] = &Market{
		ID:         p.Market,
		Base:       p.Base,
		Quote:      p.Quote,
		BaseScale:  p.BaseScale,
		QuoteScale: p.QuoteScale,
		Book:       orderbook.NewOrderBook(e.cfg.Allocation, p.BaseScale),
	}
	e.emit(message.MarketCreated{
		Market:     p.Market,
		Base:       p.Base,
		Quote:      p.Quote,
		BaseScale:  p.BaseScale,
		QuoteScale: p.QuoteScale,
	})
}

// fits reports whether d has no more than scale decimal places.
func fits(d decimal.Decimal, scale int32) bool {
	return d.Truncate(scale).Equal(d)
}
