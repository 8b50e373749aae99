package common

import (
	"fmt"
	"net/netip"
)

type NodeID uint32
type ASID uint16

func (id NodeID) String() string {
	return fmt.Sprintf("node%d", uint32(id))
}

func (as ASID) String() string {
	return fmt.Sprintf("AS%d", uint16(as))
}

type Kind int

const (
	KindRouter Kind = iota
	KindHost
)

func (k Kind) String() string {
	switch k {
	case KindRouter:
		return "router"
	case KindHost:
		return "host"
	default:
		return fmt.Sprintf("unknown kind: %d", k)
	}
}

// Node is the identity shared by every entity in the simulated network.
type Node struct {
	ID   NodeID
	AS   ASID
	Kind Kind
	Addr netip.Addr
}

func (n Node) String() string {
	return fmt.Sprintf("%s %s/%s(%s)", n.Kind, n.AS, n.ID, n.Addr)
}

// NodeAddr returns the address assigned to node id inside as. Every AS owns
// 10.as.0.0/16 and every node gets a single host address inside it.
func NodeAddr(as ASID, id NodeID) netip.Addr {
	return netip.AddrFrom4([4]byte{10, byte(as), byte(id >> 8), byte(id)})
}

// HostPrefix is the /32 a node advertises for itself.
func HostPrefix(addr netip.Addr) netip.Prefix {
	return netip.PrefixFrom(addr, addr.BitLen())
}

// ASPrefix is the aggregate prefix owned by as.
func ASPrefix(as ASID) netip.Prefix {
	return netip.PrefixFrom(netip.AddrFrom4([4]byte{10, byte(as), 0, 0}), 16)
}

// Entity is anything in the network with an identity.
type Entity interface {
	Identity() Node
}
