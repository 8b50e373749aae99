package topology

import (
	"fmt"
	"slices"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/davidbalbert/routesim/clock"
	"github.com/davidbalbert/routesim/common"
	"github.com/davidbalbert/routesim/dhcp"
	"github.com/davidbalbert/routesim/host"
	"github.com/davidbalbert/routesim/metrics"
	"github.com/davidbalbert/routesim/port"
	"github.com/davidbalbert/routesim/router"
)

type Options struct {
	Logger        *zap.Logger
	Metrics       metrics.Sink
	Timers        router.Timers
	Buffer        router.BufferConfig
	BrokenPolicy  router.BrokenPolicy
	SplitHorizon  bool
	LinkCost      int
	LeaseDuration uint64
}

func DefaultOptions() Options {
	return Options{
		Logger:        zap.NewNop(),
		Metrics:       metrics.Nop{},
		Timers:        router.DefaultTimers(),
		Buffer:        router.DefaultBufferConfig(),
		SplitHorizon:  true,
		LinkCost:      1,
		LeaseDuration: dhcp.LeaseDuration,
	}
}

type AS struct {
	ID   common.ASID
	IGP  router.Protocol
	Type Type
	// Routers are in local index order.
	Routers []*router.Router
	Hosts   []*host.Host
	DHCP    []*dhcp.Server
}

// Network is every entity built from a Config, plus the fabric connecting
// them.
type Network struct {
	Fabric *port.Fabric
	ASes   []*AS

	routers  map[common.NodeID]*router.Router
	hosts    map[common.NodeID]*host.Host
	notifier atomic.Pointer[notifierBox]
}

type notifierBox struct {
	n router.ChangeNotifier
}

// SetNotifier sets where route change notifications go. The clock is
// usually built after the network, so routers report to the network and the
// network passes notifications on.
func (n *Network) SetNotifier(cn router.ChangeNotifier) {
	n.notifier.Store(&notifierBox{cn})
}

func (n *Network) NotifyRouteChanged(id common.NodeID) {
	if b := n.notifier.Load(); b != nil {
		b.n.NotifyRouteChanged(id)
	}
}

func Build(conf *Config, opts Options) (*Network, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	n := &Network{
		Fabric:  port.NewFabric(),
		routers: make(map[common.NodeID]*router.Router),
		hosts:   make(map[common.NodeID]*host.Host),
	}

	for _, ac := range conf.AutonomousSystems {
		as, err := n.buildAS(ac, opts)
		if err != nil {
			return nil, err
		}
		n.ASes = append(n.ASes, as)
	}

	for _, l := range conf.Links() {
		a, ok := n.routers[l.FromNode]
		if !ok {
			return nil, fmt.Errorf("topology: unknown router %d", l.FromNode)
		}
		b, ok := n.routers[l.ToNode]
		if !ok {
			return nil, fmt.Errorf("topology: unknown router %d", l.ToNode)
		}
		if err := n.link(a, b); err != nil {
			return nil, fmt.Errorf("topology: AS link %s-%s: %w", l.FromAS, l.ToAS, err)
		}
		opts.Logger.Debug("ebgp link", zap.Stringer("from", a.ID), zap.Stringer("to", b.ID))
	}

	return n, nil
}

func (n *Network) buildAS(ac *ASConfig, opts Options) (*AS, error) {
	id := *ac.ID
	log := opts.Logger.With(zap.Stringer("as", id))

	as := &AS{ID: id, IGP: ac.igp, Type: ac.TopologyType}

	servers := make(map[common.NodeID]*dhcp.Server)
	if len(ac.DHCPServers) > 0 {
		pools, err := dhcp.Split(dhcp.PoolPrefix(id), len(ac.DHCPServers))
		if err != nil {
			return nil, fmt.Errorf("topology: %s: %w", id, err)
		}
		for i, rid := range ac.DHCPServers {
			srv, err := dhcp.NewServer(pools[i], opts.LeaseDuration)
			if err != nil {
				return nil, fmt.Errorf("topology: %s: %w", id, err)
			}
			servers[rid] = srv
			as.DHCP = append(as.DHCP, srv)
		}
	}

	for _, rid := range ac.Routers() {
		conf := router.DefaultConfig(common.Node{ID: rid, AS: id, Kind: common.KindRouter, Addr: common.NodeAddr(id, rid)})
		conf.PortCount = ac.RouterPortCount
		conf.IGP = ac.igp
		conf.Timers = opts.Timers
		conf.Buffer = opts.Buffer
		conf.BrokenPolicy = opts.BrokenPolicy
		conf.SplitHorizon = opts.SplitHorizon
		conf.Broken = slices.Contains(ac.BrokenRouters, rid)
		if opts.LinkCost > 0 {
			conf.LinkCost = opts.LinkCost
		}
		if srv, ok := servers[rid]; ok {
			conf.DHCP = srv
		}

		r, err := router.New(conf, n.Fabric, opts.Logger, opts.Metrics, n)
		if err != nil {
			return nil, fmt.Errorf("topology: %w", err)
		}
		if conf.Broken {
			log.Warn("router marked broken", zap.Stringer("router", rid), zap.Stringer("policy", conf.BrokenPolicy))
		}

		as.Routers = append(as.Routers, r)
		n.routers[rid] = r
	}

	edges, err := layoutFor(ac.TopologyType, len(as.Routers))
	if err != nil {
		return nil, fmt.Errorf("topology: %s: %w", id, err)
	}
	for _, e := range edges {
		if err := n.link(as.Routers[e.a], as.Routers[e.b]); err != nil {
			return nil, fmt.Errorf("topology: %s: %w", id, err)
		}
	}

	for _, gw := range ac.Gateways {
		r := n.routers[*gw.Node]
		for _, hid := range gw.Users {
			conf := host.DefaultConfig(common.Node{ID: hid, AS: id, Kind: common.KindHost, Addr: common.NodeAddr(id, hid)})
			conf.DHCP = len(servers) > 0
			conf.LeaseDuration = opts.LeaseDuration

			h, err := host.New(conf, n.Fabric, opts.Logger, opts.Metrics)
			if err != nil {
				return nil, fmt.Errorf("topology: %w", err)
			}

			rp, err := r.AvailablePort()
			if err != nil {
				return nil, fmt.Errorf("topology: %s: host %d: %w", id, hid, err)
			}
			if err := n.Fabric.Bind(rp.Key(), h.Port().Key()); err != nil {
				return nil, fmt.Errorf("topology: %s: host %d: %w", id, hid, err)
			}

			as.Hosts = append(as.Hosts, h)
			n.hosts[hid] = h
		}
	}

	log.Info("built autonomous system",
		zap.String("type", string(ac.TopologyType)),
		zap.Stringer("igp", ac.igp),
		zap.Int("routers", len(as.Routers)),
		zap.Int("links", len(edges)),
		zap.Int("hosts", len(as.Hosts)),
		zap.Int("dhcp_servers", len(as.DHCP)))

	return as, nil
}

func (n *Network) link(a, b *router.Router) error {
	pa, err := a.AvailablePort()
	if err != nil {
		return err
	}
	pb, err := b.AvailablePort()
	if err != nil {
		return err
	}
	return n.Fabric.Bind(pa.Key(), pb.Key())
}

func (n *Network) Router(id common.NodeID) (*router.Router, bool) {
	r, ok := n.routers[id]
	return r, ok
}

func (n *Network) Host(id common.NodeID) (*host.Host, bool) {
	h, ok := n.hosts[id]
	return h, ok
}

// Entity looks up any router or host by id.
func (n *Network) Entity(id common.NodeID) (common.Entity, bool) {
	if r, ok := n.routers[id]; ok {
		return r, true
	}
	if h, ok := n.hosts[id]; ok {
		return h, true
	}
	return nil, false
}

// Routers returns every router ordered by id.
func (n *Network) Routers() []*router.Router {
	var rs []*router.Router
	for _, as := range n.ASes {
		rs = append(rs, as.Routers...)
	}
	slices.SortFunc(rs, func(a, b *router.Router) int {
		return int(a.ID) - int(b.ID)
	})
	return rs
}

// Hosts returns every host ordered by id.
func (n *Network) Hosts() []*host.Host {
	var hs []*host.Host
	for _, as := range n.ASes {
		hs = append(hs, as.Hosts...)
	}
	slices.SortFunc(hs, func(a, b *host.Host) int {
		return int(a.Identity().ID) - int(b.Identity().ID)
	})
	return hs
}

// Actors returns routers then hosts, ready to hand to a clock.
func (n *Network) Actors() []clock.Actor {
	var actors []clock.Actor
	for _, r := range n.Routers() {
		actors = append(actors, r)
	}
	for _, h := range n.Hosts() {
		actors = append(actors, h)
	}
	return actors
}

type Link struct {
	A, B common.NodeID
}

// Links returns every bound link between two routers, each once.
func (n *Network) Links() []Link {
	var links []Link
	for _, p := range n.Fabric.Ports() {
		peer, ok := p.PeerNode()
		if !ok || p.Owner().Kind != common.KindRouter || peer.Kind != common.KindRouter {
			continue
		}
		if p.Owner().ID < peer.ID {
			links = append(links, Link{A: p.Owner().ID, B: peer.ID})
		}
	}
	return links
}
