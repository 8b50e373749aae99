package packet

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/davidbalbert/routesim/common"
)

type Hello struct {
	Router netip.Addr
	AS     common.ASID
	Cost   int
}

func (h *Hello) Encode() []byte {
	w := newWriter(TypeOSPFHello)
	w.addr(h.Router)
	w.u16(uint16(h.AS))
	w.u16(uint16(h.Cost))
	return w.finish()
}

func DecodeHello(data []byte) (*Hello, error) {
	body, err := decodeHeader(TypeOSPFHello, data)
	if err != nil {
		return nil, err
	}

	r := &reader{b: body}
	h := &Hello{
		Router: r.addr(),
		AS:     common.ASID(r.u16()),
		Cost:   int(r.u16()),
	}

	if err := r.done(); err != nil {
		return nil, fmt.Errorf("hello: %w", err)
	}

	return h, nil
}

type Link struct {
	Neighbor netip.Addr
	Cost     int
}

type Stub struct {
	Prefix netip.Prefix
	Cost   int
}

// LSA describes one router's adjacencies and the networks attached to it.
type LSA struct {
	Origin netip.Addr
	AS     common.ASID
	Seq    int64
	Age    int
	Links  []Link
	Stubs  []Stub
}

func (l *LSA) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "LSA origin=%s seq=%d age=%d", l.Origin, l.Seq, l.Age)
	for _, link := range l.Links {
		fmt.Fprintf(&b, " %s/%d", link.Neighbor, link.Cost)
	}
	return b.String()
}

// Newer reports whether l should replace other in a link state database.
func (l *LSA) Newer(other *LSA) bool {
	return other == nil || l.Seq > other.Seq
}

func (l *LSA) Encode() []byte {
	w := newWriter(TypeOSPFLSA)
	w.addr(l.Origin)
	w.u16(uint16(l.AS))
	w.u32(uint32(uint64(l.Seq) >> 32))
	w.u32(uint32(l.Seq))
	w.u16(uint16(l.Age))

	w.u16(uint16(len(l.Links)))
	for _, link := range l.Links {
		w.addr(link.Neighbor)
		w.u16(uint16(link.Cost))
	}

	w.u16(uint16(len(l.Stubs)))
	for _, stub := range l.Stubs {
		w.prefix(stub.Prefix)
		w.u16(uint16(stub.Cost))
	}

	return w.finish()
}

func DecodeLSA(data []byte) (*LSA, error) {
	body, err := decodeHeader(TypeOSPFLSA, data)
	if err != nil {
		return nil, err
	}

	r := &reader{b: body}
	l := &LSA{
		Origin: r.addr(),
		AS:     common.ASID(r.u16()),
	}
	hi, lo := r.u32(), r.u32()
	l.Seq = int64(uint64(hi)<<32 | uint64(lo))
	l.Age = int(r.u16())

	nlinks := int(r.u16())
	for i := 0; i < nlinks && r.err == nil; i++ {
		l.Links = append(l.Links, Link{Neighbor: r.addr(), Cost: int(r.u16())})
	}

	nstubs := int(r.u16())
	for i := 0; i < nstubs && r.err == nil; i++ {
		l.Stubs = append(l.Stubs, Stub{Prefix: r.prefix(), Cost: int(r.u16())})
	}

	if err := r.done(); err != nil {
		return nil, fmt.Errorf("lsa: %w", err)
	}

	return l, nil
}
