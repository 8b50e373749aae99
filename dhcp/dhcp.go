package dhcp

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"

	"go4.org/netipx"

	"github.com/davidbalbert/routesim/common"
)

// LeaseDuration is measured in ticks.
const LeaseDuration = 300

var ErrPoolExhausted = errors.New("address pool exhausted")

type Lease struct {
	Client  common.NodeID
	Addr    netip.Addr
	Expires uint64
}

// PoolPrefix is the part of an AS's address space handed out over DHCP. It
// sits above the addresses assigned to routers and static hosts.
func PoolPrefix(as common.ASID) netip.Prefix {
	return netip.PrefixFrom(netip.AddrFrom4([4]byte{10, byte(as), 128, 0}), 17)
}

// Split carves prefix into n equal pools so that several servers in one AS
// never hand out the same address.
func Split(prefix netip.Prefix, n int) ([]netip.Prefix, error) {
	if n < 1 {
		return nil, fmt.Errorf("dhcp: can't split %s into %d pools", prefix, n)
	}

	extra := 0
	for 1<<extra < n {
		extra++
	}

	bits := prefix.Bits() + extra
	if bits > prefix.Addr().BitLen()-2 {
		return nil, fmt.Errorf("dhcp: %s is too small for %d pools", prefix, n)
	}

	pools := make([]netip.Prefix, 0, n)
	p := netip.PrefixFrom(prefix.Masked().Addr(), bits)
	for i := 0; i < n; i++ {
		pools = append(pools, p)
		p = netip.PrefixFrom(netipx.PrefixLastIP(p).Next(), bits)
	}

	return pools, nil
}

// Server is owned by a single router and is not safe for concurrent use.
type Server struct {
	pool     netipx.IPRange
	next     netip.Addr
	duration uint64
	free     []netip.Addr
	leases   map[common.NodeID]*Lease
}

func NewServer(prefix netip.Prefix, duration uint64) (*Server, error) {
	if !prefix.IsValid() || !prefix.Addr().Is4() {
		return nil, fmt.Errorf("dhcp: invalid pool: %s", prefix)
	}
	if duration == 0 {
		return nil, fmt.Errorf("dhcp: lease duration must be positive")
	}

	pool := netipx.RangeOfPrefix(prefix.Masked())

	// skip the network address
	return &Server{
		pool:     pool,
		next:     pool.From().Next(),
		duration: duration,
		leases:   make(map[common.NodeID]*Lease),
	}, nil
}

// Offer leases an address to client. A client that already holds a lease
// gets the same address back with its lease extended.
func (s *Server) Offer(client common.NodeID, now uint64) (netip.Addr, error) {
	if l, ok := s.leases[client]; ok {
		l.Expires = now + s.duration
		return l.Addr, nil
	}

	addr, err := s.allocate()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("dhcp: can't lease to %s: %w", client, err)
	}

	s.leases[client] = &Lease{Client: client, Addr: addr, Expires: now + s.duration}
	return addr, nil
}

func (s *Server) allocate() (netip.Addr, error) {
	if len(s.free) > 0 {
		addr := s.free[0]
		s.free = s.free[1:]
		return addr, nil
	}

	// the last address is reserved for broadcast
	if !s.next.IsValid() || s.next.Compare(s.pool.To()) >= 0 {
		return netip.Addr{}, ErrPoolExhausted
	}

	addr := s.next
	s.next = s.next.Next()
	return addr, nil
}

// Expire removes every lease that ran out before now and returns them.
func (s *Server) Expire(now uint64) []Lease {
	var expired []Lease
	for id, l := range s.leases {
		if l.Expires <= now {
			expired = append(expired, *l)
			s.free = append(s.free, l.Addr)
			delete(s.leases, id)
		}
	}
	slices.SortFunc(expired, func(a, b Lease) int {
		return a.Addr.Compare(b.Addr)
	})
	return expired
}

func (s *Server) Leases() []Lease {
	leases := make([]Lease, 0, len(s.leases))
	for _, l := range s.leases {
		leases = append(leases, *l)
	}
	slices.SortFunc(leases, func(a, b Lease) int {
		return a.Addr.Compare(b.Addr)
	})
	return leases
}
