package message

import (
	"strconv"

	"github.com/shopspring/decimal"

	"lokiseq/domain/orderbook"
)

type EventType uint8

const (
	EventOrderAccepted EventType = iota + 1
	EventRejected
	EventTradeExecuted
	EventOrderUpdated
	EventOrderCancelled
	EventBalanceChanged
	EventMarketCreated
	EventCheckpointed
	EventOrderChanged
)

func (t EventType) String() string {
	switch t {
	case EventOrderAccepted:
		return "OrderAccepted"
	case EventRejected:
		return "Rejected"
	case EventTradeExecuted:
		return "TradeExecuted"
	case EventOrderUpdated:
		return "OrderUpdated"
	case EventOrderCancelled:
		return "OrderCancelled"
	case EventBalanceChanged:
		return "BalanceChanged"
	case EventMarketCreated:
		return "MarketCreated"
	case EventCheckpointed:
		return "Checkpointed"
	case EventOrderChanged:
		return "OrderChanged"
	default:
		return "Unknown"
	}
}

// Reason is the deterministic code attached to a business rejection.
type Reason string

const (
	ReasonUnknownMarket       Reason = "UnknownMarket"
	ReasonMarketExists        Reason = "MarketExists"
	ReasonInvalidMarket       Reason = "InvalidMarket"
	ReasonInvalidOrder        Reason = "InvalidOrder"
	ReasonInvalidPrice        Reason = "InvalidPrice"
	ReasonInvalidQuantity     Reason = "InvalidQuantity"
	ReasonInvalidAmount       Reason = "InvalidAmount"
	ReasonInsufficientBalance Reason = "InsufficientBalance"
	ReasonUnknownOrder        Reason = "UnknownOrder"
	ReasonNotOrderOwner       Reason = "NotOrderOwner"
	ReasonAlreadyTerminal     Reason = "AlreadyTerminal"
	ReasonUnknownCommand      Reason = "UnknownCommand"
)

type CancelCause uint8

const (
	CauseUser CancelCause = iota + 1
	// CauseUnfilled is the remainder of a market order that found no more liquidity.
	CauseUnfilled
)

// Event is one entry of a Response.
type Event interface {
	Type() EventType
}

type OrderAccepted struct {
	OrderID   orderbook.OrderID
	Account   string
	Market    string
	Side      orderbook.Side
	OrderType orderbook.OrderType
	Price     decimal.Decimal
	Quantity  decimal.Decimal
}

// Rejected refuses a whole command. OrderID is set for order commands.
type Rejected struct {
	OrderID orderbook.OrderID
	Account string
	Reason  Reason
}

type TradeExecuted struct {
	TradeID      uint64
	Market       string
	TakerOrderID orderbook.OrderID
	MakerOrderID orderbook.OrderID
	TakerAccount string
	MakerAccount string
	TakerSide    orderbook.Side
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	Seq          uint64
	Time         int64
}

// OrderUpdated reports an order's state after it traded.
type OrderUpdated struct {
	OrderID   orderbook.OrderID
	Market    string
	Status    orderbook.Status
	Remaining decimal.Decimal
}

// OrderChanged reports the new terms of a changed order. Any trades the
// change caused follow it in the same response.
type OrderChanged struct {
	OrderID   orderbook.OrderID
	Account   string
	Market    string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Remaining decimal.Decimal
}

type OrderCancelled struct {
	OrderID   orderbook.OrderID
	Account   string
	Market    string
	Remaining decimal.Decimal
	Cause     CancelCause
}

// BalanceChanged carries the balance after the command, not a delta, so
// applying it twice downstream is harmless.
type BalanceChanged struct {
	Account   string
	Asset     string
	Available decimal.Decimal
	Locked    decimal.Decimal
}

type MarketCreated struct {
	Market     string
	Base       string
	Quote      string
	BaseScale  int32
	QuoteScale int32
}

type Checkpointed struct {
	Seq uint64
}

func (OrderAccepted) Type() EventType  { return EventOrderAccepted }
func (Rejected) Type() EventType       { return EventRejected }
func (TradeExecuted) Type() EventType  { return EventTradeExecuted }
func (OrderUpdated) Type() EventType   { return EventOrderUpdated }
func (OrderCancelled) Type() EventType { return EventOrderCancelled }
func (OrderChanged) Type() EventType   { return EventOrderChanged }
func (BalanceChanged) Type() EventType { return EventBalanceChanged }
func (MarketCreated) Type() EventType  { return EventMarketCreated }
func (Checkpointed) Type() EventType   { return EventCheckpointed }

// Response is everything one command produced. It is written as a single
// output record so a command's effects appear atomically.
type Response struct {
	Seq       uint64
	RequestID string
	Time      int64
	Events    []Event
}

// Rejection returns the rejection in r, if the command was refused.
func (r *Response) Rejection() (Rejected, bool) {
	for _, e := range r.Events {
		if rej, ok := e.(Rejected); ok {
			return rej, true
		}
	}
	return Rejected{}, false
}

// EventID identifies the i-th event of the response with sequence seq.
// Downstream consumers dedupe on it.
func EventID(seq uint64, i int) string {
	return strconv.FormatUint(seq, 10) + "-" + strconv.Itoa(i)
}
