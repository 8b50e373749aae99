package packet

import (
	"fmt"
	"net/netip"
	"strings"
	"sync/atomic"
)

const DefaultTTL = 64

type Type uint8

const (
	TypeData Type = iota
	TypeControl
	TypeRIPUpdate
	TypeOSPFHello
	TypeOSPFLSA
	TypeBGPUpdate
	TypeDHCPRequest
	TypeDHCPOffer
	TypeCustom
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "Data"
	case TypeControl:
		return "Control"
	case TypeRIPUpdate:
		return "RIPUpdate"
	case TypeOSPFHello:
		return "OSPFHello"
	case TypeOSPFLSA:
		return "OSPFLSA"
	case TypeBGPUpdate:
		return "BGPUpdate"
	case TypeDHCPRequest:
		return "DHCPRequest"
	case TypeDHCPOffer:
		return "DHCPOffer"
	case TypeCustom:
		return "Custom"
	default:
		return "Unknown"
	}
}

// IsTransit reports whether packets of this type are forwarded hop by hop
// using the routing table.
func (t Type) IsTransit() bool {
	return t == TypeData || t == TypeControl || t == TypeCustom
}

var lastID atomic.Uint64

// Packet is owned by whoever currently holds it. Only the holder may change
// TTL, Path or WaitCycles.
type Packet struct {
	id uint64

	Type    Type
	Payload []byte
	Src     netip.Addr
	Dst     netip.Addr
	TTL     int
	Seq     int
	Dropped bool

	// Path holds every node that handled the packet, source first. WaitCycles
	// has one entry per element of Path and counts the ticks the packet spent
	// queued at that node.
	Path       []netip.Addr
	WaitCycles []int
}

func New(t Type, src, dst netip.Addr, payload []byte) *Packet {
	return &Packet{
		id:      lastID.Add(1),
		Type:    t,
		Payload: payload,
		Src:     src,
		Dst:     dst,
		TTL:     DefaultTTL,
	}
}

func (p *Packet) ID() uint64 {
	return p.id
}

// Clone returns a deep copy that keeps the original's id.
func (p *Packet) Clone() *Packet {
	c := *p
	c.Payload = append([]byte(nil), p.Payload...)
	c.Path = append([]netip.Addr(nil), p.Path...)
	c.WaitCycles = append([]int(nil), p.WaitCycles...)
	return &c
}

func (p *Packet) AppendHop(addr netip.Addr) {
	p.Path = append(p.Path, addr)
	p.WaitCycles = append(p.WaitCycles, 0)
}

// Wait records one tick of queueing at the current hop.
func (p *Packet) Wait() {
	if len(p.WaitCycles) == 0 {
		p.WaitCycles = append(p.WaitCycles, 0)
	}
	p.WaitCycles[len(p.WaitCycles)-1]++
}

// Hops is the number of links the packet has crossed.
func (p *Packet) Hops() int {
	if len(p.Path) == 0 {
		return 0
	}
	return len(p.Path) - 1
}

func (p *Packet) TotalWait() int {
	total := 0
	for _, w := range p.WaitCycles {
		total += w
	}
	return total
}

func (p *Packet) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s id=%d src=%s dst=%s ttl=%d seq=%d", p.Type, p.id, p.Src, p.Dst, p.TTL, p.Seq)
	if len(p.Path) > 0 {
		hops := make([]string, len(p.Path))
		for i, a := range p.Path {
			hops[i] = a.String()
		}
		fmt.Fprintf(&b, " path=%s", strings.Join(hops, "-->"))
	}

	return b.String()
}
