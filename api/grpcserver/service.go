package grpcserver

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "lokiseq.v1.Gateway"

// GatewayServer is the server API of the lokiseq.v1.Gateway service.
type GatewayServer interface {
	PlaceOrder(context.Context, *PlaceOrderRequest) (*Reply, error)
	CancelOrder(context.Context, *CancelOrderRequest) (*Reply, error)
	ChangeOrder(context.Context, *ChangeOrderRequest) (*Reply, error)
	Deposit(context.Context, *TransferRequest) (*Reply, error)
	Withdraw(context.Context, *TransferRequest) (*Reply, error)
	CreateMarket(context.Context, *CreateMarketRequest) (*Reply, error)
	GetOutcome(context.Context, *OutcomeRequest) (*Reply, error)
}

// unary builds a method handler for one request type.
func unary[Req any](name string, call func(GatewayServer, context.Context, *Req) (*Reply, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(GatewayServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(GatewayServer), ctx, req.(*Req))
			})
		},
	}
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("PlaceOrder", GatewayServer.PlaceOrder),
		unary("CancelOrder", GatewayServer.CancelOrder),
		unary("ChangeOrder", GatewayServer.ChangeOrder),
		unary("Deposit", GatewayServer.Deposit),
		unary("Withdraw", GatewayServer.Withdraw),
		unary("CreateMarket", GatewayServer.CreateMarket),
		unary("GetOutcome", GatewayServer.GetOutcome),
	},
	Metadata: "lokiseq/v1/gateway",
}
