package router

import (
	"fmt"
	"net/netip"
	"slices"

	"go4.org/netipx"

	"github.com/davidbalbert/routesim/common"
	"github.com/davidbalbert/routesim/port"
)

type RouteEntry struct {
	Dest     netip.Prefix
	NextHop  netip.Addr
	Metric   int
	Protocol Protocol
	Port     port.Key
	// VIP routes are pinned. They never age and are never replaced by a
	// learned route from the same protocol.
	VIP    bool
	ASPath []common.ASID

	// RIP garbage collection timers, in ticks.
	Invalid  int
	Holddown int
	Flush    int

	unreachable bool
}

func (e *RouteEntry) String() string {
	s := fmt.Sprintf("%s via %s metric %d [%s] port %s", e.Dest, e.NextHop, e.Metric, e.Protocol, e.Port)
	if e.unreachable {
		s += " unreachable"
	}
	return s
}

func (e *RouteEntry) Unreachable() bool {
	return e.unreachable
}

// sameSelection reports whether a and b would forward identically.
func sameSelection(a, b *RouteEntry) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.NextHop == b.NextHop &&
		a.Metric == b.Metric &&
		a.Protocol == b.Protocol &&
		a.Port == b.Port &&
		slices.Equal(a.ASPath, b.ASPath)
}

func better(a, b *RouteEntry) bool {
	if da, db := a.Protocol.AdminDistance(), b.Protocol.AdminDistance(); da != db {
		return da < db
	}
	return a.Metric < b.Metric
}

type table struct {
	candidates map[netip.Prefix]map[Protocol]*RouteEntry
	selected   map[netip.Prefix]RouteEntry
}

func newTable() *table {
	return &table{
		candidates: make(map[netip.Prefix]map[Protocol]*RouteEntry),
		selected:   make(map[netip.Prefix]RouteEntry),
	}
}

func (t *table) candidate(dest netip.Prefix, p Protocol) *RouteEntry {
	return t.candidates[dest][p]
}

func (t *table) put(e *RouteEntry) {
	m := t.candidates[e.Dest]
	if m == nil {
		m = make(map[Protocol]*RouteEntry)
		t.candidates[e.Dest] = m
	}
	m[e.Protocol] = e
}

func (t *table) remove(dest netip.Prefix, p Protocol) {
	m := t.candidates[dest]
	delete(m, p)
	if len(m) == 0 {
		delete(t.candidates, dest)
	}
}

// reselect picks the best live candidate for dest. It returns true if the
// selected route changed.
func (t *table) reselect(dest netip.Prefix) bool {
	var best *RouteEntry
	for _, e := range t.candidates[dest] {
		if e.unreachable {
			continue
		}
		if best == nil || better(e, best) {
			best = e
		}
	}

	var old *RouteEntry
	if cur, ok := t.selected[dest]; ok {
		old = &cur
	}

	if sameSelection(old, best) {
		if best != nil {
			t.selected[dest] = *best
		}
		return false
	}

	if best == nil {
		delete(t.selected, dest)
	} else {
		t.selected[dest] = *best
	}

	return true
}

// lookup does a longest prefix match over the selected routes.
func (t *table) lookup(addr netip.Addr) (RouteEntry, bool) {
	for bits := addr.BitLen(); bits >= 0; bits-- {
		p, err := addr.Prefix(bits)
		if err != nil {
			continue
		}
		if e, ok := t.selected[p]; ok {
			return e, true
		}
	}
	return RouteEntry{}, false
}

func (t *table) each(p Protocol, f func(e *RouteEntry)) {
	for _, m := range t.candidates {
		if e, ok := m[p]; ok {
			f(e)
		}
	}
}

// dests returns every destination that has a candidate route.
func (t *table) dests() []netip.Prefix {
	ps := make([]netip.Prefix, 0, len(t.candidates))
	for p := range t.candidates {
		ps = append(ps, p)
	}
	slices.SortFunc(ps, netipx.ComparePrefix)
	return ps
}

// snapshot returns the selected routes sorted by destination.
func (t *table) snapshot() []RouteEntry {
	routes := make([]RouteEntry, 0, len(t.selected))
	for _, e := range t.selected {
		e.ASPath = slices.Clone(e.ASPath)
		routes = append(routes, e)
	}
	slices.SortFunc(routes, func(a, b RouteEntry) int {
		return netipx.ComparePrefix(a.Dest, b.Dest)
	})
	return routes
}
