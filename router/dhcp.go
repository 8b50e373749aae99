package router

import (
	"net/netip"

	"go.uber.org/zap"

	"github.com/davidbalbert/routesim/common"
	"github.com/davidbalbert/routesim/dhcp"
	"github.com/davidbalbert/routesim/packet"
	"github.com/davidbalbert/routesim/port"
)

// LeaseServer hands out addresses on a DHCP server router.
type LeaseServer interface {
	Offer(client common.NodeID, now uint64) (netip.Addr, error)
	Expire(now uint64) []dhcp.Lease
}

// Routers without a lease server flood requests through their AS and
// remember the port each client's request came in on. Offers retrace that
// path back to the client.
func (r *Router) handleDHCPRequest(pkt *packet.Packet, in port.Key) error {
	client, err := packet.ParseDHCPRequest(pkt.Payload)
	if err != nil {
		return err
	}
	if r.markSeen(pkt) {
		return nil
	}

	r.dhcpClients[client] = in

	if r.conf.DHCP == nil {
		for _, p := range r.internalPorts() {
			if p.Key() == in {
				continue
			}
			r.send(p, pkt.Clone())
		}
		return nil
	}

	addr, err := r.conf.DHCP.Offer(client, r.now)
	if err != nil {
		r.log.Warn("can't offer dhcp lease", zap.Stringer("client", client), zap.Error(err))
		return nil
	}

	r.log.Debug("offering dhcp lease", zap.Stringer("client", client), zap.Stringer("addr", addr))
	offer := packet.New(packet.TypeDHCPOffer, r.Addr, addr, packet.DHCPOffer(addr, client))
	r.sendToClient(offer, client, addr)

	return nil
}

func (r *Router) handleDHCPOffer(pkt *packet.Packet, in port.Key) error {
	addr, client, err := packet.ParseDHCPOffer(pkt.Payload)
	if err != nil {
		return err
	}

	pkt.TTL--
	if pkt.TTL <= 0 {
		r.drop(pkt, ErrTTLExceeded.Error())
		return nil
	}

	r.sendToClient(pkt, client, addr)
	return nil
}

func (r *Router) sendToClient(pkt *packet.Packet, client common.NodeID, addr netip.Addr) {
	k, ok := r.dhcpClients[client]
	if !ok {
		r.drop(pkt, "no path back to dhcp client")
		return
	}

	p := r.port(k)
	if p == nil {
		r.drop(pkt, "no path back to dhcp client")
		return
	}

	if peer, ok := p.PeerNode(); ok && peer.Kind == common.KindHost {
		r.addConnected(addr, k)
	}

	r.send(p, pkt)
}
