package orderbook

import "github.com/shopspring/decimal"

// OrderID is the sequence number of the command that placed the order.
type OrderID uint64

type Side uint8
type OrderType uint8
type Status uint8

const (
	Bid Side = iota + 1
	Ask
)

const (
	Limit OrderType = iota + 1
	Market
)

const (
	Open Status = iota + 1
	PartiallyFilled
	Filled
	Cancelled
	Rejected
)

func (s Side) Valid() bool { return s == Bid || s == Ask }

func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

func (t OrderType) Valid() bool { return t == Limit || t == Market }

func (t OrderType) String() string {
	switch t {
	case Limit:
		return "limit"
	case Market:
		return "market"
	default:
		return "unknown"
	}
}

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether an order in this status can no longer trade.
func (s Status) Terminal() bool {
	return s == Filled || s == Cancelled || s == Rejected
}

// Order lives in the book's arena; price levels refer to it by ID only.
type Order struct {
	ID        OrderID
	Account   string
	Side      Side
	Type      OrderType
	Price     decimal.Decimal // zero for market orders
	Quantity  decimal.Decimal
	Remaining decimal.Decimal
	// Locked is the part of the owner's balance still reserved by this order.
	Locked decimal.Decimal
	Status Status
}

func (o *Order) Filled() decimal.Decimal {
	return o.Quantity.Sub(o.Remaining)
}

// crosses reports whether a taker o can trade against a maker resting at price.
func (o *Order) crosses(price decimal.Decimal) bool {
	if o.Type == Market {
		return true
	}
	if o.Side == Bid {
		return price.LessThanOrEqual(o.Price)
	}
	return price.GreaterThanOrEqual(o.Price)
}

func (s Side) MarshalText() ([]byte, error)      { return []byte(s.String()), nil }
func (t OrderType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }
func (s Status) MarshalText() ([]byte, error)    { return []byte(s.String()), nil }
