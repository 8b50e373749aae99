package port

import (
	"fmt"
	"slices"
	"sync"

	"github.com/davidbalbert/routesim/common"
	rsync "github.com/davidbalbert/routesim/sync"
)

// Fabric is the registry of every port and node in a simulated network.
// Ports refer to each other by Key and resolve peers through the fabric.
type Fabric struct {
	mu     sync.RWMutex
	ports  map[Key]*Port
	owners map[common.NodeID]common.Node
}

func NewFabric() *Fabric {
	return &Fabric{
		ports:  make(map[Key]*Port),
		owners: make(map[common.NodeID]common.Node),
	}
}

// NewPort registers port num on owner.
func (f *Fabric) NewPort(owner common.Node, num int) (*Port, error) {
	k := Key{Node: owner.ID, Num: num}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.ports[k]; ok {
		return nil, fmt.Errorf("port %s already exists", k)
	}

	p := &Port{
		key:    k,
		owner:  owner,
		fabric: f,
		inbox:  rsync.NewQueue[envelope](),
	}
	f.ports[k] = p
	f.owners[owner.ID] = owner

	return p, nil
}

// SetOwner updates the identity recorded for a node, e.g. once a host has
// leased an address.
func (f *Fabric) SetOwner(n common.Node) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.owners[n.ID] = n
}

func (f *Fabric) Owner(id common.NodeID) (common.Node, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	n, ok := f.owners[id]
	return n, ok
}

func (f *Fabric) Port(k Key) (*Port, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	p, ok := f.ports[k]
	return p, ok
}

// Bind links a and b. A port is bound at most once.
func (f *Fabric) Bind(a, b Key) error {
	if a == b {
		return fmt.Errorf("can't bind %s to itself", a)
	}

	pa, ok := f.Port(a)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPort, a)
	}
	pb, ok := f.Port(b)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPort, b)
	}

	if !pa.peer.CompareAndSwap(nil, &b) {
		return fmt.Errorf("%s: %w", a, ErrPortBound)
	}
	if !pb.peer.CompareAndSwap(nil, &a) {
		pa.peer.Store(nil)
		return fmt.Errorf("%s: %w", b, ErrPortBound)
	}

	return nil
}

// Ports returns every registered port, ordered by key.
func (f *Fabric) Ports() []*Port {
	f.mu.RLock()
	ports := make([]*Port, 0, len(f.ports))
	for _, p := range f.ports {
		ports = append(ports, p)
	}
	f.mu.RUnlock()

	slices.SortFunc(ports, func(x, y *Port) int {
		if x.key.Node != y.key.Node {
			return int(x.key.Node) - int(y.key.Node)
		}
		return x.key.Num - y.key.Num
	})

	return ports
}
