package transport

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"ndb/internal/transport/wire"
)

// Dial connects to addr and waits until the connection is ready, the attempt
// fails, or ctx is done. Unlike a lazy gRPC client it reports a refused
// connection right away so callers can apply their own retry policy.
func Dial(ctx context.Context, addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(wire.CallOption()),
	)
	if err != nil {
		return nil, fmt.Errorf("create client for %s: %w", addr, err)
	}

	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return conn, nil
		case connectivity.TransientFailure, connectivity.Shutdown:
			conn.Close()
			return nil, fmt.Errorf("connect to %s: %s", addr, state)
		}

		if !conn.WaitForStateChange(ctx, state) {
			conn.Close()
			return nil, fmt.Errorf("connect to %s: %w", addr, ctx.Err())
		}
	}
}

// Client sends commands to a node over a single connection.
type Client struct {
	conn *grpc.ClientConn
}

func NewClient(ctx context.Context, addr string) (*Client, error) {
	conn, err := Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Do(ctx context.Context, name string, args ...string) (*wire.Reply, error) {
	return wire.Execute(ctx, c.conn, wire.NewCommand(name, args...))
}

func (c *Client) Close() error {
	return c.conn.Close()
}
