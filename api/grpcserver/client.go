package grpcserver

import (
	"context"

	"google.golang.org/grpc"
)

// Client calls the gateway service over conn.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) call(ctx context.Context, method string, in any) (*Reply, error) {
	out := new(Reply)
	err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, in, out, grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PlaceOrder(ctx context.Context, in *PlaceOrderRequest) (*Reply, error) {
	return c.call(ctx, "PlaceOrder", in)
}

func (c *Client) CancelOrder(ctx context.Context, in *CancelOrderRequest) (*Reply, error) {
	return c.call(ctx, "CancelOrder", in)
}

func (c *Client) ChangeOrder(ctx context.Context, in *ChangeOrderRequest) (*Reply, error) {
	return c.call(ctx, "ChangeOrder", in)
}

func (c *Client) Deposit(ctx context.Context, in *TransferRequest) (*Reply, error) {
	return c.call(ctx, "Deposit", in)
}

func (c *Client) Withdraw(ctx context.Context, in *TransferRequest) (*Reply, error) {
	return c.call(ctx, "Withdraw", in)
}

func (c *Client) CreateMarket(ctx context.Context, in *CreateMarketRequest) (*Reply, error) {
	return c.call(ctx, "CreateMarket", in)
}

func (c *Client) GetOutcome(ctx context.Context, in *OutcomeRequest) (*Reply, error) {
	return c.call(ctx, "GetOutcome", in)
}
