package grpcserver

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"lokiseq/domain/message"
	"lokiseq/domain/orderbook"
	"lokiseq/infra/logger"
	"lokiseq/service/gateway"
)

// Backend is what the server needs from the gateway.
type Backend interface {
	Submit(ctx context.Context, req gateway.Request) (*message.Response, error)
	Outcome(ctx context.Context, requestID string) (*message.Response, error)
}

// Server adapts the gateway to gRPC.
type Server struct {
	backend Backend
	lg      *logrus.Entry
}

func NewServer(backend Backend) *Server {
	return &Server{backend: backend, lg: logger.WithComponent("grpc")}
}

// NewGRPCServer returns a grpc.Server with s registered and request
// logging installed.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(s.logRequests))
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&ServiceDesc, s)
	return srv
}

// -------------------- Commands --------------------

func (s *Server) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*Reply, error) {
	side, err := parseSide(req.Side)
	if err != nil {
		return nil, err
	}
	typ, err := parseType(req.Type)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, req.Auth, message.PlaceOrder{
		Account:  req.Account,
		Market:   req.Market,
		Side:     side,
		Type:     typ,
		Price:    req.Price,
		Quantity: req.Quantity,
	})
}

func (s *Server) CancelOrder(ctx context.Context, req *CancelOrderRequest) (*Reply, error) {
	return s.submit(ctx, req.Auth, message.CancelOrder{
		Account: req.Account,
		OrderID: orderbook.OrderID(req.OrderID),
	})
}

func (s *Server) ChangeOrder(ctx context.Context, req *ChangeOrderRequest) (*Reply, error) {
	return s.submit(ctx, req.Auth, message.ChangeOrder{
		Account:  req.Account,
		OrderID:  orderbook.OrderID(req.OrderID),
		Price:    req.Price,
		Quantity: req.Quantity,
	})
}

func (s *Server) Deposit(ctx context.Context, req *TransferRequest) (*Reply, error) {
	return s.submit(ctx, req.Auth, message.Deposit{Account: req.Account, Asset: req.Asset, Amount: req.Amount})
}

func (s *Server) Withdraw(ctx context.Context, req *TransferRequest) (*Reply, error) {
	return s.submit(ctx, req.Auth, message.Withdraw{Account: req.Account, Asset: req.Asset, Amount: req.Amount})
}

func (s *Server) CreateMarket(ctx context.Context, req *CreateMarketRequest) (*Reply, error) {
	return s.submit(ctx, req.Auth, message.CreateMarket{
		Market:     req.Market,
		Base:       req.Base,
		Quote:      req.Quote,
		BaseScale:  req.BaseScale,
		QuoteScale: req.QuoteScale,
	})
}

// -------------------- Queries --------------------

func (s *Server) GetOutcome(ctx context.Context, req *OutcomeRequest) (*Reply, error) {
	resp, err := s.backend.Outcome(ctx, req.RequestID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toReply(resp)
}

func (s *Server) submit(ctx context.Context, auth Auth, p message.Payload) (*Reply, error) {
	resp, err := s.backend.Submit(ctx, gateway.Request{
		RequestID: auth.RequestID,
		Token:     auth.Token,
		Payload:   p,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return toReply(resp)
}

func (s *Server) logRequests(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	entry := s.lg.WithFields(logrus.Fields{
		"method":  info.FullMethod,
		"elapsed": time.Since(start),
		"code":    status.Code(err),
	})
	if r, ok := resp.(*Reply); ok && r != nil {
		entry = entry.WithField("seq", r.Seq)
	}
	if err != nil {
		entry.WithError(err).Info("request failed")
	} else {
		entry.Debug("request")
	}
	return resp, err
}

// -------------------- converters --------------------

func toReply(resp *message.Response) (*Reply, error) {
	r := &Reply{Seq: resp.Seq, RequestID: resp.RequestID, Events: []json.RawMessage{}}
	if rej, ok := resp.Rejection(); ok {
		r.Rejected = true
		r.Reason = string(rej.Reason)
	}
	for _, env := range message.Envelopes(resp) {
		b, err := json.Marshal(env)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		r.Events = append(r.Events, b)
	}
	return r, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, gateway.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, gateway.ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, gateway.ErrNoResponse):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, gateway.ErrUnknownRequest):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, gateway.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func parseSide(s string) (orderbook.Side, error) {
	switch strings.ToLower(s) {
	case "bid", "buy":
		return orderbook.Bid, nil
	case "ask", "sell":
		return orderbook.Ask, nil
	}
	return 0, status.Errorf(codes.InvalidArgument, "unknown side %q", s)
}

func parseType(s string) (orderbook.OrderType, error) {
	switch strings.ToLower(s) {
	case "", "limit":
		return orderbook.Limit, nil
	case "market":
		return orderbook.Market, nil
	}
	return 0, status.Errorf(codes.InvalidArgument, "unknown order type %q", s)
}
