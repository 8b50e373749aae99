package router

import (
	"cmp"
	"fmt"
	"math"
	"net/netip"
	"slices"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/davidbalbert/routesim/common"
	"github.com/davidbalbert/routesim/packet"
	"github.com/davidbalbert/routesim/port"
)

// Neighbor is an OSPF adjacency, keyed by the local port it was heard on.
type Neighbor struct {
	Addr      netip.Addr
	Port      port.Key
	Cost      int
	LastHello uint64
}

func (r *Router) ospfTick() {
	t := r.conf.Timers

	r.ageNeighbors()
	r.ageLSDB()

	if r.every(t.OSPFHelloInterval) {
		r.sendHellos()
	}

	if r.lsaDirty || r.every(t.OSPFLSAInterval) {
		r.originateLSA()
	}

	if r.spfPending {
		r.spfPending = false
		r.updateRoutingTable(r.RunDijkstra())
	}
}

func (r *Router) sendHellos() {
	for _, p := range r.internalPorts() {
		peer, _ := r.routerPeer(p)
		h := &packet.Hello{Router: r.Addr, AS: r.AS, Cost: r.conf.LinkCost}
		r.send(p, packet.New(packet.TypeOSPFHello, r.Addr, peer.Addr, h.Encode()))
	}
}

func (r *Router) handleHello(pkt *packet.Packet, in port.Key) error {
	if r.conf.IGP != ProtocolOSPF {
		return nil
	}

	h, err := packet.DecodeHello(pkt.Payload)
	if err != nil {
		return err
	}
	if h.AS != r.AS {
		return nil
	}
	if h.Cost < 1 {
		return fmt.Errorf("%w: hello cost too small: %d", packet.ErrMalformed, h.Cost)
	}

	n, ok := r.neighbors[in]
	if ok && n.Addr == h.Router && n.Cost == h.Cost {
		n.LastHello = r.now
		return nil
	}

	r.log.Debug("ospf neighbor up", zap.Stringer("neighbor", h.Router), zap.Stringer("port", in))
	r.neighbors[in] = &Neighbor{Addr: h.Router, Port: in, Cost: h.Cost, LastHello: r.now}
	r.lsaDirty = true

	// A new neighbor needs our database. Everything else reaches it through
	// normal refreshes.
	if p := r.port(in); p != nil && !ok {
		for _, origin := range r.lsdbOrigins() {
			r.sendLSA(p, r.lsdb[origin])
		}
	}

	return nil
}

func (r *Router) ageNeighbors() {
	for k, n := range r.neighbors {
		if r.now-n.LastHello > uint64(r.conf.Timers.OSPFDeadInterval) {
			r.log.Debug("ospf neighbor dead", zap.Stringer("neighbor", n.Addr), zap.Uint64("last_hello", n.LastHello))
			delete(r.neighbors, k)
			r.lsaDirty = true
		}
	}
}

func (r *Router) ageLSDB() {
	for origin, lsa := range r.lsdb {
		lsa.Age++
		if origin != r.Addr && lsa.Age > r.conf.Timers.OSPFLSAAgeLimit {
			r.log.Debug("lsa aged out", zap.Stringer("origin", origin))
			delete(r.lsdb, origin)
			r.spfPending = true
		}
	}
}

func (r *Router) lsdbOrigins() []netip.Addr {
	origins := make([]netip.Addr, 0, len(r.lsdb))
	for o := range r.lsdb {
		origins = append(origins, o)
	}
	slices.SortFunc(origins, netip.Addr.Compare)
	return origins
}

func (r *Router) originateLSA() {
	r.lsaDirty = false
	r.lsaSeq++

	lsa := &packet.LSA{
		Origin: r.Addr,
		AS:     r.AS,
		Seq:    r.lsaSeq,
	}

	for _, n := range r.neighbors {
		lsa.Links = append(lsa.Links, packet.Link{Neighbor: n.Addr, Cost: n.Cost})
	}
	slices.SortFunc(lsa.Links, func(a, b packet.Link) int {
		return a.Neighbor.Compare(b.Neighbor)
	})

	for _, p := range r.connected() {
		lsa.Stubs = append(lsa.Stubs, packet.Stub{Prefix: p, Cost: 0})
	}

	r.lsdb[r.Addr] = lsa
	r.spfPending = true

	for _, p := range r.internalPorts() {
		r.sendLSA(p, lsa)
	}
}

func (r *Router) sendLSA(p *port.Port, lsa *packet.LSA) {
	peer, ok := r.routerPeer(p)
	if !ok {
		return
	}
	r.send(p, packet.New(packet.TypeOSPFLSA, r.Addr, peer.Addr, lsa.Encode()))
}

// handleLSA installs a newer LSA and floods it out of every other port.
// Stale and duplicate LSAs are ignored.
func (r *Router) handleLSA(pkt *packet.Packet, in port.Key) error {
	if r.conf.IGP != ProtocolOSPF {
		return nil
	}

	lsa, err := packet.DecodeLSA(pkt.Payload)
	if err != nil {
		return err
	}
	if lsa.AS != r.AS {
		return nil
	}

	if lsa.Origin == r.Addr {
		// Our own LSA from an earlier life. Jump past it.
		if lsa.Seq > r.lsaSeq {
			r.lsaSeq = lsa.Seq
			r.lsaDirty = true
		}
		return nil
	}

	if !lsa.Newer(r.lsdb[lsa.Origin]) {
		return nil
	}

	r.lsdb[lsa.Origin] = lsa
	r.spfPending = true

	for _, p := range r.internalPorts() {
		if p.Key() == in {
			continue
		}
		fwd := pkt.Clone()
		if peer, ok := r.routerPeer(p); ok {
			fwd.Dst = peer.Addr
		}
		r.send(p, fwd)
	}

	return nil
}

// SPFEntry is one destination router in a shortest path tree.
type SPFEntry struct {
	Dist    int
	NextHop netip.Addr
	Path    []netip.Addr
}

// SPF maps each reachable router to its distance and path from the root.
type SPF map[netip.Addr]SPFEntry

// RunDijkstra computes shortest paths from this router over the LSDB. A link
// is only used if both ends advertise it.
func (r *Router) RunDijkstra() SPF {
	origins := r.lsdbOrigins()
	if _, ok := r.lsdb[r.Addr]; !ok {
		origins = append(origins, r.Addr)
	}

	ids := make(map[netip.Addr]int64, len(origins))
	addrs := make(map[int64]netip.Addr, len(origins))
	for i, o := range origins {
		ids[o] = int64(i)
		addrs[int64(i)] = o
	}

	g := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for _, o := range origins {
		g.AddNode(simple.Node(ids[o]))
	}

	for _, o := range origins {
		lsa := r.lsdb[o]
		if lsa == nil {
			continue
		}
		for _, link := range lsa.Links {
			back := r.lsdb[link.Neighbor]
			if back == nil || link.Neighbor == o {
				continue
			}
			cost, ok := linkCost(back, o)
			if !ok {
				continue
			}
			w := float64(max(link.Cost, cost))
			g.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(ids[o]), T: simple.Node(ids[link.Neighbor]), W: w})
		}
	}

	root := ids[r.Addr]
	tree := path.DijkstraFrom(simple.Node(root), g)

	// Reachable nodes by distance, then by address. Every predecessor on a
	// shortest path sorts before its successor because costs are at least 1.
	dist := make(map[int64]float64, len(origins))
	var order []int64
	for _, o := range origins {
		w := tree.WeightTo(ids[o])
		if math.IsInf(w, 1) {
			continue
		}
		dist[ids[o]] = w
		order = append(order, ids[o])
	}
	slices.SortStableFunc(order, func(a, b int64) int {
		if dist[a] != dist[b] {
			return cmp.Compare(dist[a], dist[b])
		}
		return addrs[a].Compare(addrs[b])
	})

	// Equal cost paths are broken towards the lowest addressed first hop,
	// then the first predecessor in that order, so an unchanged LSDB always
	// gives the same tree.
	first := make(map[int64]int64, len(order))
	prev := make(map[int64]int64, len(order))
	for _, v := range order {
		if v == root {
			continue
		}
		best := int64(-1)
		for _, u := range order {
			if dist[u] >= dist[v] {
				break
			}
			w, ok := g.Weight(u, v)
			if !ok || dist[u]+w != dist[v] {
				continue
			}
			hop := v
			if u != root {
				hop = first[u]
			}
			if best < 0 || addrs[hop].Less(addrs[first[v]]) {
				best = u
				first[v] = hop
			}
		}
		if best < 0 {
			continue
		}
		prev[v] = best
	}

	spf := make(SPF, len(order))
	for _, v := range order {
		if _, ok := prev[v]; !ok && v != root {
			continue
		}

		var p []netip.Addr
		for n := v; ; n = prev[n] {
			p = append(p, addrs[n])
			if n == root {
				break
			}
		}
		slices.Reverse(p)

		e := SPFEntry{Dist: int(dist[v]), Path: p}
		if v != root {
			e.NextHop = addrs[first[v]]
		}
		spf[addrs[v]] = e
	}

	r.lastSPF = spf
	return spf
}

func linkCost(lsa *packet.LSA, to netip.Addr) (int, bool) {
	for _, l := range lsa.Links {
		if l.Neighbor == to {
			return l.Cost, true
		}
	}
	return 0, false
}

// updateRoutingTable installs an OSPF route to every router in spf and to the
// networks they advertise, and withdraws OSPF routes that are no longer
// reachable.
func (r *Router) updateRoutingTable(spf SPF) {
	ports := make(map[netip.Addr]port.Key, len(r.neighbors))
	for _, n := range r.neighbors {
		ports[n.Addr] = n.Port
	}

	dsts := make([]netip.Addr, 0, len(spf))
	for dst := range spf {
		dsts = append(dsts, dst)
	}
	slices.SortFunc(dsts, netip.Addr.Compare)

	// A stub advertised by several routers at the same cost goes to the
	// lowest addressed one.
	want := make(map[netip.Prefix]*RouteEntry)
	for _, dst := range dsts {
		e := spf[dst]
		if dst == r.Addr {
			continue
		}
		k, ok := ports[e.NextHop]
		if !ok {
			continue
		}

		dest := common.HostPrefix(dst)
		want[dest] = &RouteEntry{Dest: dest, NextHop: e.NextHop, Metric: e.Dist, Protocol: ProtocolOSPF, Port: k}

		if lsa := r.lsdb[dst]; lsa != nil {
			for _, stub := range lsa.Stubs {
				p := stub.Prefix.Masked()
				m := e.Dist + stub.Cost
				if cur, ok := want[p]; ok && cur.Metric <= m {
					continue
				}
				want[p] = &RouteEntry{Dest: p, NextHop: e.NextHop, Metric: m, Protocol: ProtocolOSPF, Port: k}
			}
		}
	}

	var stale []netip.Prefix
	r.table.each(ProtocolOSPF, func(e *RouteEntry) {
		if _, ok := want[e.Dest]; !ok {
			stale = append(stale, e.Dest)
		}
	})

	for _, dest := range stale {
		r.removeRoute(dest, ProtocolOSPF)
	}

	for _, e := range want {
		r.install(e)
	}
}

func (r *Router) neighborList() []Neighbor {
	ns := make([]Neighbor, 0, len(r.neighbors))
	for _, n := range r.neighbors {
		ns = append(ns, *n)
	}
	slices.SortFunc(ns, func(a, b Neighbor) int {
		return a.Addr.Compare(b.Addr)
	})
	return ns
}

func (r *Router) lsdbList() []packet.LSA {
	lsas := make([]packet.LSA, 0, len(r.lsdb))
	for _, o := range r.lsdbOrigins() {
		lsa := *r.lsdb[o]
		lsa.Links = slices.Clone(lsa.Links)
		lsa.Stubs = slices.Clone(lsa.Stubs)
		lsas = append(lsas, lsa)
	}
	return lsas
}
