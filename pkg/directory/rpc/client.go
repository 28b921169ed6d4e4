package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/jacquard/jacquard/pkg/constraints"
)

// Client is a directory.Directory backed by a Directory RPC server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a Directory RPC server at addr.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("directory/rpc: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Lookup implements directory.Directory.
func (c *Client) Lookup(ctx context.Context, userID string) (*constraints.User, error) {
	req := &lookupRequest{UserID: userID}
	resp := new(lookupResponse)

	if err := c.conn.Invoke(ctx, "/"+serviceName+"/Lookup", req, resp); err != nil {
		return nil, fmt.Errorf("directory/rpc: lookup %q: %w", userID, err)
	}
	if !resp.Found {
		return nil, nil
	}
	user := fromWire(*resp.User)
	return &user, nil
}

// AllUsers implements directory.Directory.
func (c *Client) AllUsers(ctx context.Context) ([]constraints.User, error) {
	req := &allUsersRequest{}
	resp := new(allUsersResponse)

	if err := c.conn.Invoke(ctx, "/"+serviceName+"/AllUsers", req, resp); err != nil {
		return nil, fmt.Errorf("directory/rpc: all_users: %w", err)
	}

	out := make([]constraints.User, len(resp.Users))
	for i, w := range resp.Users {
		out[i] = fromWire(w)
	}
	return out, nil
}
