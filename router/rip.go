package router

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/davidbalbert/routesim/common"
	"github.com/davidbalbert/routesim/packet"
	"github.com/davidbalbert/routesim/port"
)

func (r *Router) ripTick() {
	r.ageRIP()

	if r.every(r.conf.Timers.RIPUpdateInterval) || r.ripTriggered {
		r.sendRIPUpdates()
	}
	r.ripTriggered = false
}

// ageRIP runs the invalid, holddown and flush timers. A live route that
// hasn't been refreshed for RIPInvalid ticks becomes unreachable. An
// unreachable route is held down for RIPHolddown ticks and removed once it
// has been unreachable for RIPFlush ticks.
func (r *Router) ageRIP() {
	t := r.conf.Timers

	var flushed []*RouteEntry
	r.table.each(ProtocolRIP, func(e *RouteEntry) {
		if e.VIP {
			return
		}

		if !e.unreachable {
			e.Invalid++
			if e.Invalid >= t.RIPInvalid {
				r.log.Debug("rip route timed out", zap.Stringer("dest", e.Dest))
				r.poison(e)
			}
			return
		}

		if e.Holddown < t.RIPHolddown {
			e.Holddown++
		}
		e.Flush++
		if e.Flush >= t.RIPFlush {
			flushed = append(flushed, e)
		}
	})

	for _, e := range flushed {
		r.log.Debug("rip route flushed", zap.Stringer("dest", e.Dest))
		r.removeRoute(e.Dest, ProtocolRIP)
	}
}

func (r *Router) poison(e *RouteEntry) {
	e.unreachable = true
	e.Metric = r.conf.Timers.RIPInfinity
	e.Holddown = 0
	e.Flush = 0
	r.reselect(e.Dest)
	r.ripTriggered = true
}

func inHolddown(e *RouteEntry, t Timers) bool {
	return e.unreachable && e.Holddown < t.RIPHolddown
}

// ripEntries builds the update sent out of p: every direct and RIP route,
// with split horizon and poison reverse applied to routes learned on p.
func (r *Router) ripEntries(p *port.Port) []packet.RIPEntry {
	inf := r.conf.Timers.RIPInfinity

	var entries []packet.RIPEntry
	for _, dest := range r.table.dests() {
		e := r.table.candidate(dest, ProtocolDirect)
		if e == nil {
			e = r.table.candidate(dest, ProtocolRIP)
		}
		if e == nil {
			continue
		}

		metric := min(e.Metric, inf)
		if r.conf.SplitHorizon && e.Protocol == ProtocolRIP && e.Port == p.Key() {
			metric = inf
		}

		entries = append(entries, packet.RIPEntry{Prefix: dest, Metric: metric})
	}

	return entries
}

func (r *Router) sendRIPUpdates() {
	for _, p := range r.internalPorts() {
		peer, _ := r.routerPeer(p)
		u := &packet.RIPUpdate{Entries: r.ripEntries(p)}
		r.send(p, packet.New(packet.TypeRIPUpdate, r.Addr, peer.Addr, u.Encode()))
	}
}

func (r *Router) handleRIP(pkt *packet.Packet, in port.Key) error {
	if r.conf.IGP != ProtocolRIP {
		r.log.Debug("ignoring rip update, rip not enabled")
		return nil
	}
	if r.markSeen(pkt) {
		return nil
	}

	u, err := packet.DecodeRIPUpdate(pkt.Payload)
	if err != nil {
		return err
	}

	from := pkt.Src
	if !from.IsValid() {
		return fmt.Errorf("%w: rip update has no source", packet.ErrMalformed)
	}

	t := r.conf.Timers
	self := common.HostPrefix(r.Addr)

	for _, adv := range u.Entries {
		dest := adv.Prefix.Masked()
		if dest == self {
			continue
		}

		metric := min(adv.Metric+1, t.RIPInfinity)
		cur := r.table.candidate(dest, ProtocolRIP)

		switch {
		case cur == nil:
			if metric < t.RIPInfinity {
				r.AddRoute(dest, from, metric, ProtocolRIP, in, false)
			}
		case cur.VIP:
		case cur.NextHop == from && cur.Port == in:
			if metric >= t.RIPInfinity {
				if !cur.unreachable {
					r.log.Debug("rip route poisoned by next hop", zap.Stringer("dest", dest), zap.Stringer("from", from))
					r.poison(cur)
				}
				continue
			}
			// Refresh, possibly with a new metric. This also lifts holddown.
			r.AddRoute(dest, from, metric, ProtocolRIP, in, false)
		case metric < t.RIPInfinity && !inHolddown(cur, t) && (cur.unreachable || metric < cur.Metric):
			r.AddRoute(dest, from, metric, ProtocolRIP, in, false)
		}
	}

	return nil
}
