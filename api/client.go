package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/davidbalbert/routesim/rpc"
)

type Client struct {
	*grpc.ClientConn
	rpcClient rpc.APIClient
}

func NewClient(socket string) (*Client, error) {
	target := fmt.Sprintf("unix://%s", socket)
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	rpcClient := rpc.NewAPIClient(conn)

	return &Client{
		ClientConn: conn,
		rpcClient:  rpcClient,
	}, nil
}

func (c *Client) GetVersion(ctx context.Context) (string, error) {
	resp, err := c.rpcClient.GetVersion(ctx, &emptypb.Empty{})
	if err != nil {
		return "", err
	}

	return resp.GetValue(), nil
}

func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.rpcClient.Shutdown(ctx, &emptypb.Empty{})
	return err
}

func (c *Client) GetState(ctx context.Context) (rpc.State, error) {
	resp, err := c.rpcClient.GetState(ctx, &emptypb.Empty{})
	if err != nil {
		return rpc.State{}, err
	}

	return rpc.DecodeState(resp), nil
}

func (c *Client) GetRoutes(ctx context.Context, node uint32) ([]rpc.Route, error) {
	resp, err := c.rpcClient.GetRoutes(ctx, wrapperspb.UInt32(node))
	if err != nil {
		return nil, err
	}

	return rpc.DecodeRoutes(resp)
}

func (c *Client) GetMetrics(ctx context.Context) (rpc.Metrics, error) {
	resp, err := c.rpcClient.GetMetrics(ctx, &emptypb.Empty{})
	if err != nil {
		return rpc.Metrics{}, err
	}

	return rpc.DecodeMetrics(resp), nil
}

func (c *Client) StartPacketSending(ctx context.Context) error {
	_, err := c.rpcClient.StartPacketSending(ctx, &emptypb.Empty{})
	return err
}

func (c *Client) StopPacketSending(ctx context.Context) error {
	_, err := c.rpcClient.StopPacketSending(ctx, &emptypb.Empty{})
	return err
}
