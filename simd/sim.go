package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davidbalbert/routesim/api"
	"github.com/davidbalbert/routesim/clock"
	"github.com/davidbalbert/routesim/config"
	"github.com/davidbalbert/routesim/events"
	"github.com/davidbalbert/routesim/metrics"
	"github.com/davidbalbert/routesim/topology"
	"github.com/davidbalbert/routesim/traffic"
)

type simulation struct {
	conf      *config.Config
	log       *zap.Logger
	net       *topology.Network
	clock     *clock.Clock
	collector *metrics.Collector
	registry  *prometheus.Registry
}

func newSimulation(conf *config.Config, topo *topology.Config, logger *zap.Logger) (*simulation, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	collector := metrics.NewCollector()
	sink := metrics.Multi{collector, metrics.NewPrometheus(registry)}

	net, err := topology.Build(topo, conf.TopologyOptions(logger, sink))
	if err != nil {
		return nil, err
	}

	clk := clock.New(conf.Clock, logger, net.Actors()...)
	net.SetNotifier(clk)

	return &simulation{
		conf:      conf,
		log:       logger,
		net:       net,
		clock:     clk,
		collector: collector,
		registry:  registry,
	}, nil
}

// loadTraffic splits r into packets, spreads them over every host and sends
// each to a random other host. It returns the number of packets queued.
func (s *simulation) loadTraffic(r io.Reader) (int, error) {
	hosts := s.net.Hosts()
	if len(hosts) < 2 {
		return 0, fmt.Errorf("traffic needs at least two hosts, have %d", len(hosts))
	}

	pkts, err := traffic.Split(r, s.conf.Traffic.PacketSize)
	if err != nil {
		return 0, err
	}

	var addrs []netip.Addr
	for _, h := range hosts {
		if a := h.Identity().Addr; a.IsValid() {
			addrs = append(addrs, a)
		}
	}

	gen := traffic.NewGenerator(s.conf.Traffic.Stream)
	for i, part := range traffic.Distribute(pkts, len(hosts)) {
		self := hosts[i].Identity().Addr
		if err := gen.Address(self, addrs, part); err != nil {
			return 0, err
		}
		hosts[i].Enqueue(part...)
	}

	return len(pkts), nil
}

func (s *simulation) watchEvents(ctx context.Context) error {
	token := s.clock.Subscribe()
	defer s.clock.Unsubscribe(token)

	for {
		e, ok := s.clock.NextEvent(ctx, token)
		if !ok {
			return nil
		}

		switch e.Type {
		case events.Converged:
			snap := s.collector.Snapshot()
			s.log.Info("converged", zap.Uint64("tick", e.Tick), zap.Uint64("dropped", snap.Dropped))
		case events.RouteChanged:
			s.log.Debug("route changed", zap.Uint64("tick", e.Tick))
		case events.ModeChanged:
			s.log.Info("mode changed", zap.Uint64("tick", e.Tick), zap.Any("mode", e.Data))
		case events.Stopped:
			return nil
		}
	}
}

// sendTraffic waits for convergence and then queues the configured traffic
// file.
func (s *simulation) sendTraffic(ctx context.Context) error {
	if s.conf.Traffic.File == "" {
		return nil
	}

	data, err := os.ReadFile(s.conf.Traffic.File)
	if err != nil {
		return err
	}

	if err := s.clock.WaitConverged(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, clock.ErrStopped) {
			return nil
		}
		return err
	}

	n, err := s.loadTraffic(bytes.NewReader(data))
	if err != nil {
		return err
	}
	s.log.Info("traffic queued", zap.String("file", s.conf.Traffic.File), zap.Int("packets", n))

	return nil
}

func (s *simulation) serveMetrics(ctx context.Context) error {
	if s.conf.MetricsAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: s.conf.MetricsAddr, Handler: mux}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("serving metrics", zap.String("addr", s.conf.MetricsAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Run runs the simulation until ctx is done or a client asks for shutdown.
func (s *simulation) Run(ctx context.Context, version string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	if err := s.clock.Start(ctx, s.conf.Clock.Interval); err != nil {
		return err
	}

	apiServer := api.NewServer(s.net, s.clock, s.collector, s.log, s.conf.Socket, cancel, version)

	g.Go(func() error {
		return apiServer.Run(ctx)
	})

	g.Go(func() error {
		return s.serveMetrics(ctx)
	})

	g.Go(func() error {
		return s.watchEvents(ctx)
	})

	g.Go(func() error {
		return s.sendTraffic(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		return s.clock.Stop()
	})

	return g.Wait()
}
