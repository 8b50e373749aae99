package router

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"

	arc "github.com/hashicorp/golang-lru/arc/v2"
	"go.uber.org/zap"
	"go4.org/netipx"

	"github.com/davidbalbert/routesim/clock"
	"github.com/davidbalbert/routesim/common"
	"github.com/davidbalbert/routesim/metrics"
	"github.com/davidbalbert/routesim/packet"
	"github.com/davidbalbert/routesim/port"
	"github.com/davidbalbert/routesim/sync"
)

var (
	ErrNoRoute     = errors.New("no route to host")
	ErrTTLExceeded = errors.New("ttl exceeded")
	ErrBufferFull  = errors.New("buffer full")
	ErrNoPort      = errors.New("no free port")
)

// ChangeNotifier is told whenever a router's selected route for some
// destination changes.
type ChangeNotifier interface {
	NotifyRouteChanged(id common.NodeID)
}

type nopNotifier struct{}

func (nopNotifier) NotifyRouteChanged(common.NodeID) {}

// Router is an actor. Everything except the buffer is owned by the goroutine
// running Run, and other goroutines go through the mailbox.
type Router struct {
	common.Node

	conf     Config
	log      *zap.Logger
	metrics  metrics.Sink
	notifier ChangeNotifier
	fabric   *port.Fabric
	ports    []*port.Port
	mailbox  *sync.Mailbox

	now    uint64
	table  *table
	seen   *arc.ARCCache[uint64, struct{}]
	buffer *buffer

	ripTriggered bool

	neighbors  map[port.Key]*Neighbor
	lsdb       map[netip.Addr]*packet.LSA
	lsaSeq     int64
	lsaDirty   bool
	spfPending bool
	lastSPF    SPF

	bgpGeneration uint32
	bgpDirty      bool
	ebgpIn        map[port.Key]*bgpAdvertisement
	ibgpIn        map[netip.Addr]*bgpAdvertisement

	dhcpClients map[common.NodeID]port.Key

	stats Stats
}

func New(conf Config, fabric *port.Fabric, logger *zap.Logger, sink metrics.Sink, notifier ChangeNotifier) (*Router, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}

	if sink == nil {
		sink = metrics.Nop{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}

	seen, err := arc.NewARC[uint64, struct{}](conf.SeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("router: failed to create seen cache: %w", err)
	}

	r := &Router{
		Node:        conf.Node,
		conf:        conf,
		log:         logger.Named("router").With(zap.Stringer("router", conf.Node.ID), zap.Stringer("as", conf.Node.AS), zap.Stringer("addr", conf.Node.Addr)),
		metrics:     sink,
		notifier:    notifier,
		fabric:      fabric,
		mailbox:     sync.NewMailbox(),
		table:       newTable(),
		seen:        seen,
		buffer:      newBuffer(conf.Buffer),
		neighbors:   make(map[port.Key]*Neighbor),
		lsdb:        make(map[netip.Addr]*packet.LSA),
		ebgpIn:      make(map[port.Key]*bgpAdvertisement),
		ibgpIn:      make(map[netip.Addr]*bgpAdvertisement),
		dhcpClients: make(map[common.NodeID]port.Key),
	}

	for i := 0; i < conf.PortCount; i++ {
		p, err := fabric.NewPort(conf.Node, i)
		if err != nil {
			return nil, fmt.Errorf("router: failed to create port: %w", err)
		}
		r.ports = append(r.ports, p)
	}

	r.AddRoute(common.HostPrefix(r.Addr), r.Addr, 0, ProtocolDirect, port.Key{Node: r.ID, Num: -1}, true)

	return r, nil
}

func (r *Router) Identity() common.Node {
	return r.Node
}

func (r *Router) Config() Config {
	return r.conf
}

func (r *Router) Ports() []*port.Port {
	return r.ports
}

// AvailablePort returns the first port that isn't bound yet.
func (r *Router) AvailablePort() (*port.Port, error) {
	for _, p := range r.ports {
		if !p.IsBound() {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", r.ID, ErrNoPort)
}

func (r *Router) port(k port.Key) *port.Port {
	if k.Node != r.ID || k.Num < 0 || k.Num >= len(r.ports) {
		return nil
	}
	return r.ports[k.Num]
}

func (r *Router) Run(ctx context.Context) error {
	r.log.Debug("router running", zap.Stringer("igp", r.conf.IGP), zap.Bool("broken", r.conf.Broken))
	return r.mailbox.Serve(ctx)
}

func (r *Router) Tick(ctx context.Context, t clock.Tick) error {
	return r.mailbox.Call(ctx, func() {
		r.OnTick(t)
	})
}

func (r *Router) dropAll() bool {
	return r.conf.Broken && r.conf.BrokenPolicy == BrokenDropAll
}

// OnTick advances the router by one tick: it handles every packet delivered
// since the previous tick, runs the protocol timers, and services the
// forwarding buffer.
func (r *Router) OnTick(t clock.Tick) {
	r.now = t.Seq

	for _, p := range r.ports {
		for _, pkt := range p.Receive(r.now) {
			r.ProcessPacket(pkt, p.Key())
		}
	}

	if r.dropAll() {
		return
	}

	r.syncConnected()

	switch r.conf.IGP {
	case ProtocolRIP:
		r.ripTick()
	case ProtocolOSPF:
		r.ospfTick()
	}
	r.bgpTick()

	if r.conf.DHCP != nil {
		for _, l := range r.conf.DHCP.Expire(r.now) {
			r.log.Debug("dhcp lease expired", zap.Stringer("client", l.Client), zap.Stringer("addr", l.Addr))
		}
	}

	r.serviceBuffer()
}

// ProcessPacket dispatches pkt, which arrived on in, to the handler for its
// type. Malformed payloads are logged and dropped.
func (r *Router) ProcessPacket(pkt *packet.Packet, in port.Key) {
	r.stats.Received++

	if r.dropAll() {
		r.drop(pkt, "router broken")
		return
	}

	var err error
	switch pkt.Type {
	case packet.TypeRIPUpdate:
		err = r.handleRIP(pkt, in)
	case packet.TypeOSPFHello:
		err = r.handleHello(pkt, in)
	case packet.TypeOSPFLSA:
		err = r.handleLSA(pkt, in)
	case packet.TypeBGPUpdate:
		err = r.handleBGP(pkt, in)
	case packet.TypeDHCPRequest:
		err = r.handleDHCPRequest(pkt, in)
	case packet.TypeDHCPOffer:
		err = r.handleDHCPOffer(pkt, in)
	case packet.TypeData, packet.TypeControl, packet.TypeCustom:
		r.ForwardPacket(pkt)
	default:
		err = fmt.Errorf("%w: unknown packet type %d", packet.ErrMalformed, pkt.Type)
	}

	if err != nil {
		r.stats.Malformed++
		r.log.Warn("dropping packet", zap.Stringer("type", pkt.Type), zap.Stringer("port", in), zap.Error(err))
	}
}

// markSeen reports whether pkt has been handled before and remembers it.
func (r *Router) markSeen(pkt *packet.Packet) bool {
	if r.seen.Contains(pkt.ID()) {
		r.stats.Duplicates++
		return true
	}
	r.seen.Add(pkt.ID(), struct{}{})
	return false
}

// AddRoute installs or refreshes a candidate route. It returns true, and
// tells the change notifier, only if the selected route for dest changed.
func (r *Router) AddRoute(dest netip.Prefix, nextHop netip.Addr, metric int, proto Protocol, learned port.Key, vip bool) bool {
	return r.install(&RouteEntry{
		Dest:     dest,
		NextHop:  nextHop,
		Metric:   metric,
		Protocol: proto,
		Port:     learned,
		VIP:      vip,
	})
}

func (r *Router) install(e *RouteEntry) bool {
	e.Dest = e.Dest.Masked()

	if cur := r.table.candidate(e.Dest, e.Protocol); cur != nil && cur.VIP && !e.VIP {
		return false
	}

	r.table.put(e)
	return r.reselect(e.Dest)
}

func (r *Router) removeRoute(dest netip.Prefix, proto Protocol) bool {
	if r.table.candidate(dest, proto) == nil {
		return false
	}
	r.table.remove(dest, proto)
	return r.reselect(dest)
}

func (r *Router) reselect(dest netip.Prefix) bool {
	if !r.table.reselect(dest) {
		return false
	}

	sel, ok := r.table.selected[dest]
	if ok {
		r.log.Debug("route changed", zap.Stringer("route", &sel))
	} else {
		r.log.Debug("route removed", zap.Stringer("dest", dest))
	}

	r.stats.RouteChanges++
	r.ripTriggered = true
	r.notifier.NotifyRouteChanged(r.ID)

	return true
}

// syncConnected keeps a direct route to every host attached to the router.
func (r *Router) syncConnected() {
	for _, p := range r.ports {
		peer, ok := p.PeerNode()
		if !ok || peer.Kind != common.KindHost || !peer.Addr.IsValid() {
			continue
		}
		r.addConnected(peer.Addr, p.Key())
	}
}

func (r *Router) addConnected(host netip.Addr, k port.Key) {
	if r.AddRoute(common.HostPrefix(host), host, 0, ProtocolDirect, k, true) {
		r.lsaDirty = true
	}
}

// connected returns the prefixes of every directly attached host.
func (r *Router) connected() []netip.Prefix {
	var ps []netip.Prefix
	self := common.HostPrefix(r.Addr)
	r.table.each(ProtocolDirect, func(e *RouteEntry) {
		if e.Dest != self {
			ps = append(ps, e.Dest)
		}
	})
	slices.SortFunc(ps, netipx.ComparePrefix)
	return ps
}

// routerPeer returns the router on the other end of p, if there is one.
func (r *Router) routerPeer(p *port.Port) (common.Node, bool) {
	peer, ok := p.PeerNode()
	if !ok || peer.Kind != common.KindRouter {
		return common.Node{}, false
	}
	return peer, true
}

// internalPorts are the ports facing routers in the same AS.
func (r *Router) internalPorts() []*port.Port {
	var ports []*port.Port
	for _, p := range r.ports {
		if peer, ok := r.routerPeer(p); ok && peer.AS == r.AS {
			ports = append(ports, p)
		}
	}
	return ports
}

// externalPorts are the ports facing routers in other ASes.
func (r *Router) externalPorts() []*port.Port {
	var ports []*port.Port
	for _, p := range r.ports {
		if peer, ok := r.routerPeer(p); ok && peer.AS != r.AS {
			ports = append(ports, p)
		}
	}
	return ports
}

func (r *Router) send(p *port.Port, pkt *packet.Packet) {
	if err := p.Send(pkt, r.now); err != nil {
		r.log.Debug("send failed", zap.Stringer("port", p.Key()), zap.Error(err))
		return
	}
	r.stats.Sent++
}

// drop discards pkt. Only transit packets count towards the drop metric,
// control traffic is just counted locally.
func (r *Router) drop(pkt *packet.Packet, reason string) {
	pkt.Dropped = true
	r.stats.Dropped++
	if pkt.Type.IsTransit() {
		r.metrics.RecordPacketDropped()
	}
	r.log.Debug("packet dropped", zap.String("reason", reason), zap.Stringer("packet", pkt))
}

// every reports whether a periodic timer with the given interval fires on
// the current tick. Timers fire on the first tick and every interval ticks
// after that.
func (r *Router) every(interval int) bool {
	return r.now > 0 && (r.now-1)%uint64(interval) == 0
}

type Stats struct {
	Tick         uint64
	Received     uint64
	Sent         uint64
	Forwarded    uint64
	Dropped      uint64
	Malformed    uint64
	Duplicates   uint64
	RouteChanges uint64
	Routes       int
	Neighbors    int
	LSDBSize     int
	Buffered     int
	Border       bool
	BGPSpeakers  int
}

func (r *Router) snapshotStats() Stats {
	s := r.stats
	s.Tick = r.now
	s.Routes = len(r.table.selected)
	s.Neighbors = len(r.neighbors)
	s.LSDBSize = len(r.lsdb)
	s.Buffered = r.buffer.Len()
	s.Border = r.isBorder()
	s.BGPSpeakers = len(r.ebgpIn) + len(r.ibgpIn)
	return s
}

// Routes returns the selected routing table, sorted by destination.
func (r *Router) Routes(ctx context.Context) ([]RouteEntry, error) {
	var routes []RouteEntry
	err := r.mailbox.Call(ctx, func() {
		routes = r.table.snapshot()
	})
	return routes, err
}

func (r *Router) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.mailbox.Call(ctx, func() {
		s = r.snapshotStats()
	})
	return s, err
}

func (r *Router) Neighbors(ctx context.Context) ([]Neighbor, error) {
	var ns []Neighbor
	err := r.mailbox.Call(ctx, func() {
		ns = r.neighborList()
	})
	return ns, err
}

// LSDB returns a copy of the link state database, sorted by origin.
func (r *Router) LSDB(ctx context.Context) ([]packet.LSA, error) {
	var lsas []packet.LSA
	err := r.mailbox.Call(ctx, func() {
		lsas = r.lsdbList()
	})
	return lsas, err
}

// ShortestPaths returns the result of the most recent SPF run.
func (r *Router) ShortestPaths(ctx context.Context) (SPF, error) {
	var spf SPF
	err := r.mailbox.Call(ctx, func() {
		spf = make(SPF, len(r.lastSPF))
		for k, v := range r.lastSPF {
			v.Path = slices.Clone(v.Path)
			spf[k] = v
		}
	})
	return spf, err
}

// Lookup returns the route the router would use to reach addr.
func (r *Router) Lookup(ctx context.Context, addr netip.Addr) (RouteEntry, bool, error) {
	var (
		e  RouteEntry
		ok bool
	)
	err := r.mailbox.Call(ctx, func() {
		e, ok = r.table.lookup(addr)
	})
	return e, ok, err
}
