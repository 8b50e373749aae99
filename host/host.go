// Package host implements the simulated PCs that originate and sink data
// traffic.
package host

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"go.uber.org/zap"

	"github.com/davidbalbert/routesim/clock"
	"github.com/davidbalbert/routesim/common"
	"github.com/davidbalbert/routesim/dhcp"
	"github.com/davidbalbert/routesim/metrics"
	"github.com/davidbalbert/routesim/packet"
	"github.com/davidbalbert/routesim/port"
	"github.com/davidbalbert/routesim/sync"
)

var ErrNoAddress = errors.New("host has no address")

const DefaultRequestRetry = 10

type Config struct {
	Node common.Node
	// DHCP hosts start without an address and lease one from a server
	// router in their AS.
	DHCP          bool
	LeaseDuration uint64
	RequestRetry  uint64
}

func DefaultConfig(node common.Node) Config {
	return Config{
		Node:          node,
		LeaseDuration: dhcp.LeaseDuration,
		RequestRetry:  DefaultRequestRetry,
	}
}

func (c *Config) validate() error {
	if c.Node.Kind != common.KindHost {
		return fmt.Errorf("host: %s is not a host", c.Node)
	}
	if !c.DHCP && !c.Node.Addr.Is4() {
		return fmt.Errorf("host: %s has no IPv4 address and DHCP is off", c.Node.ID)
	}
	if c.DHCP && c.LeaseDuration < 2 {
		return fmt.Errorf("host: lease duration too small: %d", c.LeaseDuration)
	}
	if c.DHCP && c.RequestRetry < 1 {
		return fmt.Errorf("host: request retry too small: %d", c.RequestRetry)
	}
	return nil
}

type pendingAck struct {
	pkt *packet.Packet
	due uint64
}

// Host is an actor with a single port. Everything except the outbound feed
// is owned by the goroutine running Run.
type Host struct {
	conf    Config
	node    common.Node
	log     *zap.Logger
	metrics metrics.Sink
	fabric  *port.Fabric
	port    *port.Port
	mailbox *sync.Mailbox
	feed    *sync.Queue[*packet.Packet]

	now          uint64
	acks         []pendingAck
	lastRequest  uint64
	requested    bool
	leaseExpires uint64

	stats Stats
}

func New(conf Config, fabric *port.Fabric, logger *zap.Logger, sink metrics.Sink) (*Host, error) {
	if conf.RequestRetry == 0 {
		conf.RequestRetry = DefaultRequestRetry
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}

	if sink == nil {
		sink = metrics.Nop{}
	}

	node := conf.Node
	if conf.DHCP {
		node.Addr = netip.Addr{}
	}

	p, err := fabric.NewPort(node, 0)
	if err != nil {
		return nil, fmt.Errorf("host: failed to create port: %w", err)
	}

	return &Host{
		conf:    conf,
		node:    node,
		log:     logger.Named("host").With(zap.Stringer("host", node.ID), zap.Stringer("as", node.AS)),
		metrics: sink,
		fabric:  fabric,
		port:    p,
		mailbox: sync.NewMailbox(),
		feed:    sync.NewQueue[*packet.Packet](),
	}, nil
}

// Identity reads through the fabric, which is updated when a lease is
// accepted.
func (h *Host) Identity() common.Node {
	n, ok := h.fabric.Owner(h.conf.Node.ID)
	if !ok {
		return h.conf.Node
	}
	return n
}

func (h *Host) Port() *port.Port {
	return h.port
}

// Enqueue queues data packets to send. It is safe to call from any
// goroutine.
func (h *Host) Enqueue(pkts ...*packet.Packet) {
	h.feed.Put(pkts...)
}

func (h *Host) Run(ctx context.Context) error {
	h.log.Debug("host running", zap.Bool("dhcp", h.conf.DHCP))
	return h.mailbox.Serve(ctx)
}

func (h *Host) Tick(ctx context.Context, t clock.Tick) error {
	return h.mailbox.Call(ctx, func() {
		h.OnTick(t)
	})
}

func (h *Host) OnTick(t clock.Tick) {
	h.now = t.Seq

	for _, pkt := range h.port.Receive(h.now) {
		h.receive(pkt)
	}

	if h.conf.DHCP {
		h.dhcpTick()
	}

	h.sendAcks()

	if t.SendData {
		h.sendData()
	}
}

func (h *Host) dhcpTick() {
	if h.node.Addr.IsValid() {
		if h.now < h.leaseExpires-h.conf.LeaseDuration/2 {
			return
		}
		if h.requested && h.now-h.lastRequest < h.conf.RequestRetry {
			return
		}
		h.log.Debug("renewing dhcp lease", zap.Stringer("addr", h.node.Addr), zap.Uint64("expires", h.leaseExpires))
	} else if h.requested && h.now-h.lastRequest < h.conf.RequestRetry {
		return
	}

	h.requested = true
	h.lastRequest = h.now

	h.log.Debug("sending dhcp request")
	h.send(packet.New(packet.TypeDHCPRequest, h.node.Addr, netip.Addr{}, packet.DHCPRequest(h.node.ID)))
}

func (h *Host) sendAcks() {
	kept := h.acks[:0]
	for _, a := range h.acks {
		if a.due > h.now {
			kept = append(kept, a)
			continue
		}
		a.pkt.Src = h.node.Addr
		a.pkt.AppendHop(h.node.Addr)
		if h.send(a.pkt) {
			h.stats.AcksSent++
		}
	}
	clear(h.acks[len(kept):])
	h.acks = kept
}

func (h *Host) sendData() {
	if !h.node.Addr.IsValid() {
		return
	}

	pkt, ok := h.feed.TryGet()
	if !ok {
		return
	}

	pkt.Src = h.node.Addr
	pkt.Path = nil
	pkt.WaitCycles = nil
	pkt.AppendHop(h.node.Addr)

	if h.send(pkt) {
		h.stats.Sent++
		h.metrics.RecordPacketSent()
	}
}

func (h *Host) send(pkt *packet.Packet) bool {
	if err := h.port.Send(pkt, h.now); err != nil {
		h.log.Debug("send failed", zap.Stringer("packet", pkt), zap.Error(err))
		return false
	}
	return true
}

func (h *Host) receive(pkt *packet.Packet) {
	switch pkt.Type {
	case packet.TypeDHCPOffer:
		h.handleOffer(pkt)
	case packet.TypeData:
		h.handleData(pkt)
	case packet.TypeControl:
		if packet.IsTCPAck(pkt.Payload) && pkt.Dst == h.node.Addr {
			h.stats.AcksReceived++
			return
		}
		h.drop(pkt, "unexpected control packet")
	case packet.TypeDHCPRequest, packet.TypeRIPUpdate, packet.TypeOSPFHello, packet.TypeOSPFLSA, packet.TypeBGPUpdate:
		// Routing and relay traffic isn't meant for hosts.
	default:
		h.drop(pkt, "unknown packet type")
	}
}

func (h *Host) handleData(pkt *packet.Packet) {
	if !h.node.Addr.IsValid() || pkt.Dst != h.node.Addr {
		h.drop(pkt, "not addressed to us")
		return
	}

	pkt.AppendHop(h.node.Addr)
	h.stats.Received++

	h.metrics.RecordPacketReceived(pkt.Path)
	h.metrics.RecordHopCount(pkt.Hops())
	h.metrics.RecordWaitCycle(pkt.TotalWait())

	ack := packet.New(packet.TypeControl, h.node.Addr, pkt.Src, packet.TCPAck())
	ack.Seq = pkt.Seq
	h.acks = append(h.acks, pendingAck{pkt: ack, due: h.now + 1})
}

func (h *Host) handleOffer(pkt *packet.Packet) {
	addr, client, err := packet.ParseDHCPOffer(pkt.Payload)
	if err != nil {
		h.log.Warn("dropping dhcp offer", zap.Error(err))
		return
	}
	if client != h.node.ID {
		return
	}
	if !h.requested {
		// Another server answering a request we've already had answered.
		return
	}

	if addr != h.node.Addr {
		h.log.Info("leased address", zap.Stringer("addr", addr))
	}

	h.node.Addr = addr
	h.fabric.SetOwner(h.node)
	h.requested = false
	h.leaseExpires = h.now + h.conf.LeaseDuration
	h.stats.Leases++
}

func (h *Host) drop(pkt *packet.Packet, reason string) {
	pkt.Dropped = true
	h.stats.Dropped++
	h.metrics.RecordPacketDropped()
	h.log.Debug("packet dropped", zap.String("reason", reason), zap.Stringer("packet", pkt))
}

type Stats struct {
	Tick         uint64
	Addr         string
	Sent         uint64
	Received     uint64
	Dropped      uint64
	AcksSent     uint64
	AcksReceived uint64
	Leases       uint64
	LeaseExpires uint64
	Queued       int
}

func (h *Host) snapshotStats() Stats {
	s := h.stats
	s.Tick = h.now
	s.Queued = h.feed.Len()
	s.LeaseExpires = h.leaseExpires
	if h.node.Addr.IsValid() {
		s.Addr = h.node.Addr.String()
	}
	return s
}

func (h *Host) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := h.mailbox.Call(ctx, func() {
		s = h.snapshotStats()
	})
	return s, err
}
