package grpcserver

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Auth fields shared by every command.
type Auth struct {
	RequestID string `json:"request_id,omitempty"`
	Token     string `json:"token,omitempty"`
}

type PlaceOrderRequest struct {
	Auth
	Account  string          `json:"account"`
	Market   string          `json:"market"`
	Side     string          `json:"side"` // "bid" or "ask"
	Type     string          `json:"type"` // "limit" or "market"
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

type CancelOrderRequest struct {
	Auth
	Account string `json:"account"`
	OrderID uint64 `json:"order_id"`
}

// ChangeOrderRequest sets a resting order's price and total quantity.
type ChangeOrderRequest struct {
	Auth
	Account  string          `json:"account"`
	OrderID  uint64          `json:"order_id"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

type TransferRequest struct {
	Auth
	Account string          `json:"account"`
	Asset   string          `json:"asset"`
	Amount  decimal.Decimal `json:"amount"`
}

type CreateMarketRequest struct {
	Auth
	Market     string `json:"market"`
	Base       string `json:"base"`
	Quote      string `json:"quote"`
	BaseScale  int32  `json:"base_scale"`
	QuoteScale int32  `json:"quote_scale"`
}

type OutcomeRequest struct {
	RequestID string `json:"request_id"`
}

// Reply is the response to any command. Events are the JSON envelopes
// of everything the command produced.
type Reply struct {
	Seq       uint64            `json:"seq"`
	RequestID string            `json:"request_id"`
	Rejected  bool              `json:"rejected"`
	Reason    string            `json:"reason,omitempty"`
	Events    []json.RawMessage `json:"events"`
}
