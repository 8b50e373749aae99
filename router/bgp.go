package router

import (
	"net/netip"
	"slices"

	"go.uber.org/zap"

	"github.com/davidbalbert/routesim/common"
	"github.com/davidbalbert/routesim/packet"
	"github.com/davidbalbert/routesim/port"
)

// bgpAdvertisement is the last full update heard from one BGP speaker.
type bgpAdvertisement struct {
	from       netip.Addr
	port       port.Key
	generation uint32
	heard      uint64
	routes     []packet.BGPRoute
}

func (r *Router) isBorder() bool {
	return len(r.externalPorts()) > 0
}

func (r *Router) bgpTick() {
	r.ageBGP()

	// Border routers refresh their iBGP flood along with eBGP so that the
	// rest of the AS can hold their routes on the same timer.
	if r.bgpDirty || r.every(r.conf.Timers.BGPUpdateInterval) {
		if r.bgpDirty || r.isBorder() {
			r.originateIBGP()
		}
		r.bgpDirty = false
		r.sendEBGP()
	}
}

// ageBGP withdraws the routes of every speaker that hasn't been heard from
// within the hold time.
func (r *Router) ageBGP() {
	hold := uint64(r.conf.Timers.BGPHoldTime)

	expired := false
	for k, adv := range r.ebgpIn {
		if r.now-adv.heard > hold {
			r.log.Debug("ebgp hold time expired", zap.Stringer("speaker", adv.from), zap.Uint64("last_heard", adv.heard))
			delete(r.ebgpIn, k)
			expired = true
		}
	}
	if expired && r.applyBGP(ProtocolEBGP, advertisements(r.ebgpIn)) {
		r.bgpDirty = true
	}

	expired = false
	for origin, adv := range r.ibgpIn {
		if r.now-adv.heard > hold {
			r.log.Debug("ibgp hold time expired", zap.Stringer("speaker", origin), zap.Uint64("last_heard", adv.heard))
			delete(r.ibgpIn, origin)
			expired = true
		}
	}
	if expired {
		r.applyBGP(ProtocolIBGP, advertisements(r.ibgpIn))
	}
}

// exportRoutes is what we tell a peer in AS to: our own aggregate plus every
// BGP route whose path doesn't already contain to.
func (r *Router) exportRoutes(to common.ASID) []packet.BGPRoute {
	routes := []packet.BGPRoute{{
		Prefix: common.ASPrefix(r.AS),
		Metric: 0,
		ASPath: []common.ASID{r.AS},
	}}

	for _, e := range r.table.snapshot() {
		if e.Protocol != ProtocolEBGP && e.Protocol != ProtocolIBGP {
			continue
		}
		if slices.Contains(e.ASPath, to) || slices.Contains(e.ASPath, r.AS) {
			continue
		}
		routes = append(routes, packet.BGPRoute{
			Prefix: e.Dest,
			Metric: e.Metric,
			ASPath: append([]common.ASID{r.AS}, e.ASPath...),
		})
	}

	return routes
}

func (r *Router) sendEBGP() {
	for _, p := range r.externalPorts() {
		peer, _ := r.routerPeer(p)
		u := &packet.BGPUpdate{
			Session: packet.SessionExternal,
			Origin:  r.Addr,
			AS:      r.AS,
			Routes:  r.exportRoutes(peer.AS),
		}
		r.send(p, packet.New(packet.TypeBGPUpdate, r.Addr, peer.Addr, u.Encode()))
	}
}

// originateIBGP floods the routes this router learned over eBGP to every
// router in its AS. Each flood carries a new generation.
func (r *Router) originateIBGP() {
	r.bgpGeneration++

	var routes []packet.BGPRoute
	for _, dest := range r.table.dests() {
		e := r.table.candidate(dest, ProtocolEBGP)
		if e == nil {
			continue
		}
		routes = append(routes, packet.BGPRoute{Prefix: e.Dest, Metric: e.Metric, ASPath: slices.Clone(e.ASPath)})
	}

	u := &packet.BGPUpdate{
		Session:    packet.SessionInternal,
		Origin:     r.Addr,
		AS:         r.AS,
		Generation: r.bgpGeneration,
		Routes:     routes,
	}
	payload := u.Encode()

	r.log.Debug("originating ibgp update", zap.Uint32("generation", r.bgpGeneration), zap.Int("routes", len(routes)))

	pkt := packet.New(packet.TypeBGPUpdate, r.Addr, netip.Addr{}, payload)
	r.markSeen(pkt)
	for _, p := range r.internalPorts() {
		r.send(p, pkt.Clone())
	}
}

func (r *Router) handleBGP(pkt *packet.Packet, in port.Key) error {
	if r.markSeen(pkt) {
		return nil
	}

	u, err := packet.DecodeBGPUpdate(pkt.Payload)
	if err != nil {
		return err
	}

	switch u.Session {
	case packet.SessionExternal:
		r.handleEBGP(u, in)
	case packet.SessionInternal:
		r.handleIBGP(pkt, u, in)
	}

	return nil
}

func (r *Router) handleEBGP(u *packet.BGPUpdate, in port.Key) {
	if u.AS == r.AS {
		r.log.Debug("ignoring ebgp update from our own AS", zap.Stringer("from", u.Origin))
		return
	}

	var routes []packet.BGPRoute
	for _, route := range u.Routes {
		if route.HasAS(r.AS) {
			continue
		}
		if common.ASPrefix(r.AS).Overlaps(route.Prefix) {
			continue
		}
		route.Metric++
		routes = append(routes, route)
	}

	r.ebgpIn[in] = &bgpAdvertisement{from: u.Origin, port: in, heard: r.now, routes: routes}

	if r.applyBGP(ProtocolEBGP, advertisements(r.ebgpIn)) {
		r.bgpDirty = true
	}
}

func (r *Router) handleIBGP(pkt *packet.Packet, u *packet.BGPUpdate, in port.Key) {
	if u.AS != r.AS || u.Origin == r.Addr {
		return
	}

	// Every router accepts each generation from an origin once.
	if prev := r.ibgpIn[u.Origin]; prev != nil && u.Generation <= prev.generation {
		return
	}

	r.ibgpIn[u.Origin] = &bgpAdvertisement{from: u.Origin, port: in, generation: u.Generation, heard: r.now, routes: u.Routes}
	r.applyBGP(ProtocolIBGP, advertisements(r.ibgpIn))

	for _, p := range r.internalPorts() {
		if p.Key() == in {
			continue
		}
		r.send(p, pkt.Clone())
	}
}

func advertisements[K comparable](m map[K]*bgpAdvertisement) []*bgpAdvertisement {
	advs := make([]*bgpAdvertisement, 0, len(m))
	for _, adv := range m {
		advs = append(advs, adv)
	}
	slices.SortFunc(advs, func(a, b *bgpAdvertisement) int {
		return a.from.Compare(b.from)
	})
	return advs
}

// bestPaths picks one path per prefix: lowest metric, then shortest AS
// path, then lowest speaker address.
func bestPaths(proto Protocol, advs []*bgpAdvertisement) map[netip.Prefix]*RouteEntry {
	best := make(map[netip.Prefix]*RouteEntry)
	for _, adv := range advs {
		for _, route := range adv.routes {
			p := route.Prefix.Masked()
			if cur := best[p]; cur != nil {
				if route.Metric != cur.Metric {
					if route.Metric > cur.Metric {
						continue
					}
				} else if len(route.ASPath) != len(cur.ASPath) {
					if len(route.ASPath) > len(cur.ASPath) {
						continue
					}
				} else if adv.from.Compare(cur.NextHop) >= 0 {
					continue
				}
			}

			best[p] = &RouteEntry{
				Dest:     p,
				NextHop:  adv.from,
				Metric:   route.Metric,
				Protocol: proto,
				Port:     adv.port,
				ASPath:   slices.Clone(route.ASPath),
			}
		}
	}
	return best
}

// applyBGP syncs the table's candidates for proto with the best paths out of
// advs. It returns true if any candidate changed.
func (r *Router) applyBGP(proto Protocol, advs []*bgpAdvertisement) bool {
	best := bestPaths(proto, advs)
	changed := false

	var stale []netip.Prefix
	r.table.each(proto, func(e *RouteEntry) {
		if _, ok := best[e.Dest]; !ok {
			stale = append(stale, e.Dest)
		}
	})
	for _, dest := range stale {
		r.removeRoute(dest, proto)
		changed = true
	}

	for dest, e := range best {
		cur := r.table.candidate(dest, proto)
		if cur != nil && sameSelection(cur, e) {
			continue
		}
		r.install(e)
		changed = true
	}

	return changed
}
