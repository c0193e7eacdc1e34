// Package message defines the commands the sequencer consumes, the events
// it produces, and their durable encoding.
package message

import (
	"github.com/shopspring/decimal"

	"lokiseq/domain/orderbook"
)

type Kind uint8

const (
	KindPlaceOrder Kind = iota + 1
	KindCancelOrder
	KindDeposit
	KindWithdraw
	KindCreateMarket
	KindChangeOrder
)

func (k Kind) String() string {
	switch k {
	case KindPlaceOrder:
		return "PlaceOrder"
	case KindCancelOrder:
		return "CancelOrder"
	case KindDeposit:
		return "Deposit"
	case KindWithdraw:
		return "Withdraw"
	case KindCreateMarket:
		return "CreateMarket"
	case KindChangeOrder:
		return "ChangeOrder"
	default:
		return "Unknown"
	}
}

// Payload is one of PlaceOrder, CancelOrder, ChangeOrder, Deposit,
// Withdraw or CreateMarket.
type Payload interface {
	Kind() Kind
}

// Command is an input record. Seq and Time are assigned once by the
// gateway and replayed verbatim, so applying a command never reads a clock.
type Command struct {
	Seq       uint64
	Time      int64
	RequestID string
	Payload   Payload
}

type PlaceOrder struct {
	Account  string
	Market   string
	Side     orderbook.Side
	Type     orderbook.OrderType
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

type CancelOrder struct {
	Account string
	OrderID orderbook.OrderID
}

// ChangeOrder replaces the price and total quantity of a resting limit
// order. Quantity counts what already filled, so it must exceed it.
type ChangeOrder struct {
	Account  string
	OrderID  orderbook.OrderID
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

type Deposit struct {
	Account string
	Asset   string
	Amount  decimal.Decimal
}

type Withdraw struct {
	Account string
	Asset   string
	Amount  decimal.Decimal
}

type CreateMarket struct {
	Market     string
	Base       string
	Quote      string
	BaseScale  int32
	QuoteScale int32
}

func (PlaceOrder) Kind() Kind   { return KindPlaceOrder }
func (CancelOrder) Kind() Kind  { return KindCancelOrder }
func (ChangeOrder) Kind() Kind  { return KindChangeOrder }
func (Deposit) Kind() Kind      { return KindDeposit }
func (Withdraw) Kind() Kind     { return KindWithdraw }
func (CreateMarket) Kind() Kind { return KindCreateMarket }
