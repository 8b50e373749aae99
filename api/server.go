package api

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/davidbalbert/routesim/clock"
	"github.com/davidbalbert/routesim/common"
	"github.com/davidbalbert/routesim/metrics"
	"github.com/davidbalbert/routesim/rpc"
	"github.com/davidbalbert/routesim/topology"
)

type Server struct {
	net      *topology.Network
	clock    *clock.Clock
	metrics  *metrics.Collector
	log      *zap.Logger
	shutdown context.CancelFunc
	socket   string
	version  string
}

func NewServer(net *topology.Network, clk *clock.Clock, collector *metrics.Collector, logger *zap.Logger, socket string, shutdown context.CancelFunc, version string) *Server {
	return &Server{
		net:      net,
		clock:    clk,
		metrics:  collector,
		log:      logger.Named("api"),
		shutdown: shutdown,
		socket:   socket,
		version:  version,
	}
}

func (s *Server) Run(ctx context.Context) error {
	// A socket left behind by a previous run would make Listen fail.
	if err := os.Remove(s.socket); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	listener, err := net.Listen("unix", s.socket)
	if err != nil {
		return err
	}

	grpcServer := grpc.NewServer()
	rpcServer := rpc.NewAPIServer(s)

	rpc.RegisterAPIServer(grpcServer, rpcServer)

	s.log.Info("api listening", zap.String("socket", s.socket))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return grpcServer.Serve(listener)
	})

	g.Go(func() error {
		<-ctx.Done()
		grpcServer.GracefulStop()
		return nil
	})

	return g.Wait()
}

func (s *Server) GetVersion(ctx context.Context) (string, error) {
	return s.version, nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutdown requested")
	s.shutdown()
	return nil
}

func (s *Server) GetState(ctx context.Context) (rpc.State, error) {
	return rpc.State{
		Tick:    s.clock.Seq(),
		Mode:    s.clock.Mode().String(),
		State:   s.clock.State().String(),
		Sending: s.clock.Sending(),
		Routers: len(s.net.Routers()),
		Hosts:   len(s.net.Hosts()),
	}, nil
}

func (s *Server) GetRoutes(ctx context.Context, node uint32) ([]rpc.Route, error) {
	r, ok := s.net.Router(common.NodeID(node))
	if !ok {
		return nil, fmt.Errorf("router %d: %w", node, rpc.ErrUnknownNode)
	}

	entries, err := r.Routes(ctx)
	if err != nil {
		return nil, err
	}

	routes := make([]rpc.Route, len(entries))
	for i, e := range entries {
		var path []int
		for _, as := range e.ASPath {
			path = append(path, int(as))
		}

		routes[i] = rpc.Route{
			Dest:     e.Dest.String(),
			NextHop:  e.NextHop.String(),
			Metric:   e.Metric,
			Protocol: e.Protocol.String(),
			Port:     e.Port.String(),
			ASPath:   path,
		}
	}

	return routes, nil
}

func (s *Server) GetMetrics(ctx context.Context) (rpc.Metrics, error) {
	snap := s.metrics.Snapshot()

	m := rpc.Metrics{
		Sent:     snap.Sent,
		Received: snap.Received,
		Dropped:  snap.Dropped,
		AvgHops:  snap.AvgHops,
		MinHops:  snap.MinHops,
		MaxHops:  snap.MaxHops,
		AvgWait:  snap.AvgWait,
		MaxWait:  snap.MaxWait,
	}
	for _, u := range snap.Usage {
		m.Usage = append(m.Usage, rpc.RouterUsage{Router: u.Router.String(), Count: u.Count})
	}

	return m, nil
}

func (s *Server) StartPacketSending(ctx context.Context) error {
	s.clock.StartPacketSending()
	return nil
}

func (s *Server) StopPacketSending(ctx context.Context) error {
	s.clock.StopPacketSending()
	return nil
}
