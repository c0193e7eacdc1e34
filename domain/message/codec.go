package message

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"

	"lokiseq/domain/orderbook"
)

// Payloads use the protobuf wire format with one field number per struct
// field. Decimals travel as strings; zero values are omitted; unknown
// fields are skipped so older readers tolerate newer writers.

var ErrMalformed = errors.New("message: malformed payload")

type encoder struct{ b []byte }

func (e *encoder) uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *encoder) str(num protowire.Number, s string) {
	if s == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, s)
}

func (e *encoder) dec(num protowire.Number, d decimal.Decimal) {
	if d.IsZero() {
		return
	}
	e.str(num, d.String())
}

func (e *encoder) bytes(num protowire.Number, b []byte) {
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, b)
}

type field struct {
	num protowire.Number
	u   uint64
	b   []byte
}

func (f field) str() string { return string(f.b) }

func (f field) dec() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(string(f.b))
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(ErrMalformed, "field %d: %v", f.num, err)
	}
	return d, nil
}

func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(ErrMalformed, protowire.ParseError(n).Error())
		}
		b = b[n:]

		f := field{num: num}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n >= 0 {
				b = b[n:]
				continue
			}
		}
		if n < 0 {
			return errors.Wrap(ErrMalformed, protowire.ParseError(n).Error())
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// ---- commands ----

func EncodeCommand(c Command) ([]byte, error) {
	var body encoder
	switch p := c.Payload.(type) {
	case PlaceOrder:
		body.str(1, p.Account)
		body.str(2, p.Market)
		body.uint(3, uint64(p.Side))
		body.uint(4, uint64(p.Type))
		body.dec(5, p.Price)
		body.dec(6, p.Quantity)
	case CancelOrder:
		body.str(1, p.Account)
		body.uint(2, uint64(p.OrderID))
	case ChangeOrder:
		body.str(1, p.Account)
		body.uint(2, uint64(p.OrderID))
		body.dec(3, p.Price)
		body.dec(4, p.Quantity)
	case Deposit:
		body.str(1, p.Account)
		body.str(2, p.Asset)
		body.dec(3, p.Amount)
	case Withdraw:
		body.str(1, p.Account)
		body.str(2, p.Asset)
		body.dec(3, p.Amount)
	case CreateMarket:
		body.str(1, p.Market)
		body.str(2, p.Base)
		body.str(3, p.Quote)
		body.uint(4, uint64(p.BaseScale))
		body.uint(5, uint64(p.QuoteScale))
	default:
		return nil, errors.Errorf("message: unknown payload %T", c.Payload)
	}

	var e encoder
	e.uint(1, uint64(c.Payload.Kind()))
	e.str(2, c.RequestID)
	e.bytes(3, body.b)
	return e.b, nil
}

// DecodeCommand rebuilds a command from an input record's header fields
// and payload.
func DecodeCommand(seq uint64, ts int64, data []byte) (Command, error) {
	c := Command{Seq: seq, Time: ts}
	var kind Kind
	var body []byte

	err := walk(data, func(f field) error {
		switch f.num {
		case 1:
			kind = Kind(f.u)
		case 2:
			c.RequestID = f.str()
		case 3:
			body = f.b
		}
		return nil
	})
	if err != nil {
		return c, err
	}

	c.Payload, err = decodePayload(kind, body)
	return c, err
}

func decodePayload(kind Kind, body []byte) (Payload, error) {
	var err error
	switch kind {
	case KindPlaceOrder:
		var p PlaceOrder
		err = walk(body, func(f field) (ferr error) {
			switch f.num {
			case 1:
				p.Account = f.str()
			case 2:
				p.Market = f.str()
			case 3:
				p.Side = orderbook.Side(f.u)
			case 4:
				p.Type = orderbook.OrderType(f.u)
			case 5:
				p.Price, ferr = f.dec()
			case 6:
				p.Quantity, ferr = f.dec()
			}
			return ferr
		})
		return p, err
	case KindCancelOrder:
		var p CancelOrder
		err = walk(body, func(f field) error {
			switch f.num {
			case 1:
				p.Account = f.str()
			case 2:
				p.OrderID = orderbook.OrderID(f.u)
			}
			return nil
		})
		return p, err
	case KindChangeOrder:
		var p ChangeOrder
		err = walk(body, func(f field) (ferr error) {
			switch f.num {
			case 1:
				p.Account = f.str()
			case 2:
				p.OrderID = orderbook.OrderID(f.u)
			case 3:
				p.Price, ferr = f.dec()
			case 4:
				p.Quantity, ferr = f.dec()
			}
			return ferr
		})
		return p, err
	case KindDeposit:
		var p Deposit
		err = walk(body, func(f field) (ferr error) {
			p.Account, p.Asset, p.Amount, ferr = transferField(f, p.Account, p.Asset, p.Amount)
			return ferr
		})
		return p, err
	case KindWithdraw:
		var p Withdraw
		err = walk(body, func(f field) (ferr error) {
			p.Account, p.Asset, p.Amount, ferr = transferField(f, p.Account, p.Asset, p.Amount)
			return ferr
		})
		return p, err
	case KindCreateMarket:
		var p CreateMarket
		err = walk(body, func(f field) error {
			switch f.num {
			case 1:
				p.Market = f.str()
			case 2:
				p.Base = f.str()
			case 3:
				p.Quote = f.str()
			case 4:
				p.BaseScale = int32(f.u)
			case 5:
				p.QuoteScale = int32(f.u)
			}
			return nil
		})
		return p, err
	default:
		return nil, errors.Wrapf(ErrMalformed, "unknown command kind %d", kind)
	}
}

func transferField(f field, account, asset string, amount decimal.Decimal) (string, string, decimal.Decimal, error) {
	var err error
	switch f.num {
	case 1:
		account = f.str()
	case 2:
		asset = f.str()
	case 3:
		amount, err = f.dec()
	}
	return account, asset, amount, err
}

// ---- responses ----

func EncodeResponse(r *Response) []byte {
	var e encoder
	e.uint(1, r.Seq)
	e.str(2, r.RequestID)
	e.uint(3, uint64(r.Time))
	for _, ev := range r.Events {
		var wrapped encoder
		wrapped.uint(1, uint64(ev.Type()))
		wrapped.bytes(2, encodeEvent(ev))
		e.bytes(4, wrapped.b)
	}
	return e.b
}

func DecodeResponse(data []byte) (*Response, error) {
	r := &Response{}
	err := walk(data, func(f field) error {
		switch f.num {
		case 1:
			r.Seq = f.u
		case 2:
			r.RequestID = f.str()
		case 3:
			r.Time = int64(f.u)
		case 4:
			ev, err := decodeWrappedEvent(f.b)
			if err != nil {
				return err
			}
			r.Events = append(r.Events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func decodeWrappedEvent(b []byte) (Event, error) {
	var typ EventType
	var body []byte
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			typ = EventType(f.u)
		case 2:
			body = f.b
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodeEvent(typ, body)
}

func encodeEvent(ev Event) []byte {
	var e encoder
	switch v := ev.(type) {
	case OrderAccepted:
		e.uint(1, uint64(v.OrderID))
		e.str(2, v.Account)
		e.str(3, v.Market)
		e.uint(4, uint64(v.Side))
		e.uint(5, uint64(v.OrderType))
		e.dec(6, v.Price)
		e.dec(7, v.Quantity)
	case Rejected:
		e.uint(1, uint64(v.OrderID))
		e.str(2, v.Account)
		e.str(3, string(v.Reason))
	case TradeExecuted:
		e.uint(1, v.TradeID)
		e.str(2, v.Market)
		e.uint(3, uint64(v.TakerOrderID))
		e.uint(4, uint64(v.MakerOrderID))
		e.str(5, v.TakerAccount)
		e.str(6, v.MakerAccount)
		e.uint(7, uint64(v.TakerSide))
		e.dec(8, v.Price)
		e.dec(9, v.Quantity)
		e.uint(10, v.Seq)
		e.uint(11, uint64(v.Time))
	case OrderUpdated:
		e.uint(1, uint64(v.OrderID))
		e.uint(2, uint64(v.Status))
		e.dec(3, v.Remaining)
		e.str(4, v.Market)
	case OrderChanged:
		e.uint(1, uint64(v.OrderID))
		e.str(2, v.Account)
		e.str(3, v.Market)
		e.dec(4, v.Price)
		e.dec(5, v.Quantity)
		e.dec(6, v.Remaining)
	case OrderCancelled:
		e.uint(1, uint64(v.OrderID))
		e.str(2, v.Account)
		e.dec(3, v.Remaining)
		e.uint(4, uint64(v.Cause))
		e.str(5, v.Market)
	case BalanceChanged:
		e.str(1, v.Account)
		e.str(2, v.Asset)
		e.dec(3, v.Available)
		e.dec(4, v.Locked)
	case MarketCreated:
		e.str(1, v.Market)
		e.str(2, v.Base)
		e.str(3, v.Quote)
		e.uint(4, uint64(v.BaseScale))
		e.uint(5, uint64(v.QuoteScale))
	case Checkpointed:
		e.uint(1, v.Seq)
	}
	return e.b
}

func decodeEvent(typ EventType, b []byte) (Event, error) {
	var err error
	switch typ {
	case EventOrderAccepted:
		var v OrderAccepted
		err = walk(b, func(f field) (ferr error) {
			switch f.num {
			case 1:
				v.OrderID = orderbook.OrderID(f.u)
			case 2:
				v.Account = f.str()
			case 3:
				v.Market = f.str()
			case 4:
				v.Side = orderbook.Side(f.u)
			case 5:
				v.OrderType = orderbook.OrderType(f.u)
			case 6:
				v.Price, ferr = f.dec()
			case 7:
				v.Quantity, ferr = f.dec()
			}
			return ferr
		})
		return v, err
	case EventRejected:
		var v Rejected
		err = walk(b, func(f field) error {
			switch f.num {
			case 1:
				v.OrderID = orderbook.OrderID(f.u)
			case 2:
				v.Account = f.str()
			case 3:
				v.Reason = Reason(f.str())
			}
			return nil
		})
		return v, err
	case EventTradeExecuted:
		var v TradeExecuted
		err = walk(b, func(f field) (ferr error) {
			switch f.num {
			case 1:
				v.TradeID = f.u
			case 2:
				v.Market = f.str()
			case 3:
				v.TakerOrderID = orderbook.OrderID(f.u)
			case 4:
				v.MakerOrderID = orderbook.OrderID(f.u)
			case 5:
				v.TakerAccount = f.str()
			case 6:
				v.MakerAccount = f.str()
			case 7:
				v.TakerSide = orderbook.Side(f.u)
			case 8:
				v.Price, ferr = f.dec()
			case 9:
				v.Quantity, ferr = f.dec()
			case 10:
				v.Seq = f.u
			case 11:
				v.Time = int64(f.u)
			}
			return ferr
		})
		return v, err
	case EventOrderUpdated:
		var v OrderUpdated
		err = walk(b, func(f field) (ferr error) {
			switch f.num {
			case 1:
				v.OrderID = orderbook.OrderID(f.u)
			case 2:
				v.Status = orderbook.Status(f.u)
			case 3:
				v.Remaining, ferr = f.dec()
			case 4:
				v.Market = f.str()
			}
			return ferr
		})
		return v, err
	case EventOrderChanged:
		var v OrderChanged
		err = walk(b, func(f field) (ferr error) {
			switch f.num {
			case 1:
				v.OrderID = orderbook.OrderID(f.u)
			case 2:
				v.Account = f.str()
			case 3:
				v.Market = f.str()
			case 4:
				v.Price, ferr = f.dec()
			case 5:
				v.Quantity, ferr = f.dec()
			case 6:
				v.Remaining, ferr = f.dec()
			}
			return ferr
		})
		return v, err
	case EventOrderCancelled:
		var v OrderCancelled
		err = walk(b, func(f field) (ferr error) {
			switch f.num {
			case 1:
				v.OrderID = orderbook.OrderID(f.u)
			case 2:
				v.Account = f.str()
			case 3:
				v.Remaining, ferr = f.dec()
			case 4:
				v.Cause = CancelCause(f.u)
			case 5:
				v.Market = f.str()
			}
			return ferr
		})
		return v, err
	case EventBalanceChanged:
		var v BalanceChanged
		err = walk(b, func(f field) (ferr error) {
			switch f.num {
			case 1:
				v.Account = f.str()
			case 2:
				v.Asset = f.str()
			case 3:
				v.Available, ferr = f.dec()
			case 4:
				v.Locked, ferr = f.dec()
			}
			return ferr
		})
		return v, err
	case EventMarketCreated:
		var v MarketCreated
		err = walk(b, func(f field) error {
			switch f.num {
			case 1:
				v.Market = f.str()
			case 2:
				v.Base = f.str()
			case 3:
				v.Quote = f.str()
			case 4:
				v.BaseScale = int32(f.u)
			case 5:
				v.QuoteScale = int32(f.u)
			}
			return nil
		})
		return v, err
	case EventCheckpointed:
		var v Checkpointed
		err = walk(b, func(f field) error {
			if f.num == 1 {
				v.Seq = f.u
			}
			return nil
		})
		return v, err
	default:
		return nil, errors.Wrapf(ErrMalformed, "unknown event type %d", typ)
	}
}
