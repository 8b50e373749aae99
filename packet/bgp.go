package packet

import (
	"fmt"
	"net/netip"
	"slices"

	"github.com/davidbalbert/routesim/common"
)

type BGPSession uint8

const (
	SessionExternal BGPSession = iota + 1
	SessionInternal
)

func (s BGPSession) String() string {
	switch s {
	case SessionExternal:
		return "eBGP"
	case SessionInternal:
		return "iBGP"
	default:
		return "unknown"
	}
}

type BGPRoute struct {
	Prefix netip.Prefix
	Metric int
	ASPath []common.ASID
}

func (r BGPRoute) HasAS(as common.ASID) bool {
	return slices.Contains(r.ASPath, as)
}

// BGPUpdate is the full set of routes its origin currently exports on a
// session. Internal updates are flooded inside an AS and carry a generation
// so every router handles each one once.
type BGPUpdate struct {
	Session    BGPSession
	Origin     netip.Addr
	AS         common.ASID
	Generation uint32
	Routes     []BGPRoute
}

func (u *BGPUpdate) Encode() []byte {
	w := newWriter(TypeBGPUpdate)
	w.u8(uint8(u.Session))
	w.addr(u.Origin)
	w.u16(uint16(u.AS))
	w.u32(u.Generation)

	w.u16(uint16(len(u.Routes)))
	for _, r := range u.Routes {
		w.prefix(r.Prefix)
		w.u16(uint16(r.Metric))
		w.u8(uint8(len(r.ASPath)))
		for _, as := range r.ASPath {
			w.u16(uint16(as))
		}
	}

	return w.finish()
}

func DecodeBGPUpdate(data []byte) (*BGPUpdate, error) {
	body, err := decodeHeader(TypeBGPUpdate, data)
	if err != nil {
		return nil, err
	}

	r := &reader{b: body}
	u := &BGPUpdate{
		Session:    BGPSession(r.u8()),
		Origin:     r.addr(),
		AS:         common.ASID(r.u16()),
		Generation: r.u32(),
	}

	if r.err == nil && u.Session != SessionExternal && u.Session != SessionInternal {
		return nil, fmt.Errorf("bgp: %w: unknown session type %d", ErrMalformed, u.Session)
	}

	n := int(r.u16())
	for i := 0; i < n && r.err == nil; i++ {
		route := BGPRoute{
			Prefix: r.prefix(),
			Metric: int(r.u16()),
		}
		plen := int(r.u8())
		for j := 0; j < plen && r.err == nil; j++ {
			route.ASPath = append(route.ASPath, common.ASID(r.u16()))
		}
		u.Routes = append(u.Routes, route)
	}

	if err := r.done(); err != nil {
		return nil, fmt.Errorf("bgp: %w", err)
	}

	return u, nil
}
