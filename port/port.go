package port

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/davidbalbert/routesim/common"
	"github.com/davidbalbert/routesim/packet"
	"github.com/davidbalbert/routesim/sync"
)

var (
	ErrPortBound   = errors.New("port already bound")
	ErrNotBound    = errors.New("port not bound")
	ErrUnknownPort = errors.New("unknown port")
)

type Key struct {
	Node common.NodeID
	Num  int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Node, k.Num)
}

type envelope struct {
	tick uint64
	pkt  *packet.Packet
}

// Port is one end of a point to point link. Packets sent through a port land
// in the peer's inbox stamped with the sender's tick, and the peer only sees
// them once its own clock has moved past that tick.
type Port struct {
	key    Key
	owner  common.Node
	fabric *Fabric

	peer  atomic.Pointer[Key]
	inbox *sync.Queue[envelope]

	sent     atomic.Uint64
	received atomic.Uint64
}

func (p *Port) Key() Key {
	return p.key
}

func (p *Port) Owner() common.Node {
	return p.owner
}

func (p *Port) IsBound() bool {
	return p.peer.Load() != nil
}

func (p *Port) Peer() (Key, bool) {
	k := p.peer.Load()
	if k == nil {
		return Key{}, false
	}
	return *k, true
}

// PeerNode returns the identity of the entity on the other end of the link.
func (p *Port) PeerNode() (common.Node, bool) {
	k, ok := p.Peer()
	if !ok {
		return common.Node{}, false
	}
	return p.fabric.Owner(k.Node)
}

func (p *Port) Send(pkt *packet.Packet, tick uint64) error {
	k, ok := p.Peer()
	if !ok {
		return fmt.Errorf("%s: %w", p.key, ErrNotBound)
	}

	peer, ok := p.fabric.Port(k)
	if !ok {
		return fmt.Errorf("%s: %w: %s", p.key, ErrUnknownPort, k)
	}

	peer.inbox.Put(envelope{tick: tick, pkt: pkt})
	p.sent.Add(1)

	return nil
}

// Receive returns, in send order, every packet sent before tick now.
func (p *Port) Receive(now uint64) []*packet.Packet {
	envs := p.inbox.TakeWhile(func(e envelope) bool {
		return e.tick < now
	})
	if len(envs) == 0 {
		return nil
	}

	pkts := make([]*packet.Packet, len(envs))
	for i, e := range envs {
		pkts[i] = e.pkt
	}
	p.received.Add(uint64(len(pkts)))

	return pkts
}

func (p *Port) Pending() int {
	return p.inbox.Len()
}

type Stats struct {
	Sent     uint64
	Received uint64
}

func (p *Port) Stats() Stats {
	return Stats{
		Sent:     p.sent.Load(),
		Received: p.received.Load(),
	}
}
