package rpc

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type fakeService struct {
	sending  bool
	shutdown bool
}

func (f *fakeService) GetVersion(context.Context) (string, error) {
	return "1.2.3", nil
}

func (f *fakeService) Shutdown(context.Context) error {
	f.shutdown = true
	return nil
}

func (f *fakeService) GetState(context.Context) (State, error) {
	return State{Tick: 42, Mode: "data", State: "forwarding", Sending: f.sending, Routers: 4, Hosts: 2}, nil
}

func (f *fakeService) GetRoutes(_ context.Context, node uint32) ([]Route, error) {
	if node != 1 {
		return nil, fmt.Errorf("router %d: %w", node, ErrUnknownNode)
	}
	return []Route{
		{Dest: "10.1.0.1/32", NextHop: "10.1.0.1", Metric: 0, Protocol: "Direct", Port: "1/0"},
		{Dest: "10.2.0.0/16", NextHop: "10.2.0.6", Metric: 1, Protocol: "eBGP", Port: "1/2", ASPath: []int{2}},
	}, nil
}

func (f *fakeService) GetMetrics(context.Context) (Metrics, error) {
	return Metrics{
		Sent: 10, Received: 9, Dropped: 1,
		AvgHops: 3.5, MinHops: 2, MaxHops: 5,
		AvgWait: 0.25, MaxWait: 2,
		Usage: []RouterUsage{{Router: "10.1.0.1", Count: 9}},
	}, nil
}

func (f *fakeService) StartPacketSending(context.Context) error {
	f.sending = true
	return nil
}

func (f *fakeService) StopPacketSending(context.Context) error {
	f.sending = false
	return nil
}

func newTestClient(t *testing.T, svc APIService) APIClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterAPIServer(s, NewAPIServer(svc))
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return NewAPIClient(conn)
}

func TestRoundTrip(t *testing.T) {
	svc := &fakeService{}
	c := newTestClient(t, svc)
	ctx := context.Background()

	v, err := c.GetVersion(ctx, &emptypb.Empty{})
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", v.GetValue())

	_, err = c.StartPacketSending(ctx, &emptypb.Empty{})
	require.NoError(t, err)

	st, err := c.GetState(ctx, &emptypb.Empty{})
	require.NoError(t, err)
	assert.Equal(t, State{Tick: 42, Mode: "data", State: "forwarding", Sending: true, Routers: 4, Hosts: 2}, DecodeState(st))

	_, err = c.StopPacketSending(ctx, &emptypb.Empty{})
	require.NoError(t, err)
	assert.False(t, svc.sending)

	resp, err := c.GetRoutes(ctx, wrapperspb.UInt32(1))
	require.NoError(t, err)
	routes, err := DecodeRoutes(resp)
	require.NoError(t, err)
	want, _ := svc.GetRoutes(ctx, 1)
	if diff := cmp.Diff(want, routes); diff != "" {
		t.Errorf("routes mismatch (-want +got):\n%s", diff)
	}

	m, err := c.GetMetrics(ctx, &emptypb.Empty{})
	require.NoError(t, err)
	wantMetrics, _ := svc.GetMetrics(ctx)
	assert.Equal(t, wantMetrics, DecodeMetrics(m))

	_, err = c.Shutdown(ctx, &emptypb.Empty{})
	require.NoError(t, err)
	assert.True(t, svc.shutdown)
}

func TestUnknownNode(t *testing.T) {
	c := newTestClient(t, &fakeService{})

	_, err := c.GetRoutes(context.Background(), wrapperspb.UInt32(7))
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestUnimplemented(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterAPIServer(s, UnimplementedAPIServer{})
	go s.Serve(lis)
	defer s.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	_, err = NewAPIClient(conn).GetState(context.Background(), &emptypb.Empty{})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}
