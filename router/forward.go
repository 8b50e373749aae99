package router

import (
	"fmt"
	"net/netip"

	"github.com/davidbalbert/routesim/packet"
	"github.com/davidbalbert/routesim/port"
)

// resolve finds the egress port for dst. iBGP routes name the border router
// that learned them as next hop, so they are resolved once more through the
// IGP.
func (r *Router) resolve(dst netip.Addr) (RouteEntry, port.Key, error) {
	e, ok := r.table.lookup(dst)
	if !ok {
		return RouteEntry{}, port.Key{}, ErrNoRoute
	}

	if e.Protocol != ProtocolIBGP {
		return e, e.Port, nil
	}

	via, ok := r.table.lookup(e.NextHop)
	if !ok || via.Protocol == ProtocolIBGP || via.Protocol == ProtocolEBGP {
		return RouteEntry{}, port.Key{}, fmt.Errorf("%w: can't resolve next hop %s", ErrNoRoute, e.NextHop)
	}

	return e, via.Port, nil
}

// ForwardPacket sends pkt one hop closer to its destination. Packets with no
// route or no TTL left are dropped and counted.
func (r *Router) ForwardPacket(pkt *packet.Packet) {
	if pkt.Dst == r.Addr {
		r.log.Debug("packet addressed to router, consuming")
		return
	}

	if r.conf.Broken && r.conf.BrokenPolicy == BrokenDropData {
		r.drop(pkt, "router broken")
		return
	}

	_, out, err := r.resolve(pkt.Dst)
	if err != nil {
		r.drop(pkt, err.Error())
		return
	}

	if out.Node != r.ID || r.port(out) == nil {
		r.drop(pkt, "route has no egress port")
		return
	}

	pkt.TTL--
	if pkt.TTL <= 0 {
		r.drop(pkt, ErrTTLExceeded.Error())
		return
	}

	pkt.AppendHop(r.Addr)
	if pkt.Type == packet.TypeData {
		r.metrics.RecordRouterUsage(r.Addr)
	}

	if err := r.buffer.enqueue(bufferedPacket{pkt: pkt, out: out, enqueued: r.now}); err != nil {
		r.drop(pkt, err.Error())
	}
}
